package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/flux/internal/adminserver"
	"github.com/tutu-network/flux/internal/backendpool"
	"github.com/tutu-network/flux/internal/config"
	"github.com/tutu-network/flux/internal/connpool"
	"github.com/tutu-network/flux/internal/domain"
	"github.com/tutu-network/flux/internal/flog"
	"github.com/tutu-network/flux/internal/gossip"
	"github.com/tutu-network/flux/internal/health"
	"github.com/tutu-network/flux/internal/metrics"
	"github.com/tutu-network/flux/internal/proxy"
)

func newServeCmd() *cobra.Command {
	var configPath string
	var adminAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and gossip engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, adminAddr, cmd)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "flux.toml", "path to the TOML configuration file")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "127.0.0.1:9090", "address for the admin/introspection HTTP surface")
	return cmd
}

func runServe(configPath, adminAddr string, cmd *cobra.Command) error {
	sink := flog.NewStdSink(os.Stderr)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	backends := make([]domain.Backend, len(cfg.Backends))
	for i, b := range cfg.Backends {
		addr, err := net.ResolveTCPAddr("tcp", b.Addr)
		if err != nil {
			return fmt.Errorf("%w: backend %q", domain.ErrConfigInvalid, b.Addr)
		}
		backends[i] = domain.Backend{Addr: addr, Weight: b.Weight}
	}
	pool := backendpool.New(backends)
	conns := connpool.New(cfg.ConnectionPool.MaxSizePerBackend)

	bindAddr, err := net.ResolveUDPAddr("udp", cfg.Gossip.BindAddr)
	if err != nil {
		return fmt.Errorf("%w: gossip.bind_addr %q", domain.ErrConfigInvalid, cfg.Gossip.BindAddr)
	}
	seeds := make([]*net.UDPAddr, len(cfg.Gossip.SeedNodes))
	for i, s := range cfg.Gossip.SeedNodes {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			return fmt.Errorf("%w: seed %q", domain.ErrConfigInvalid, s)
		}
		seeds[i] = addr
	}

	localID := domain.MemberID(bindAddr.String())
	members := gossip.NewMemberList(localID)
	gossipCfg := gossip.Config{
		BindAddr:       bindAddr,
		GossipInterval: time.Duration(cfg.Gossip.GossipIntervalMS) * time.Millisecond,
		PingTimeout:    time.Duration(cfg.Gossip.PingTimeoutMS) * time.Millisecond,
		SuspectTTL:     time.Duration(cfg.Gossip.SuspectTimeoutMS) * time.Millisecond,
		PruneHorizon:   time.Duration(cfg.Gossip.PruneHorizonSeconds) * time.Second,
		IndirectK:      3,
		SeedNodes:      seeds,
	}
	engine := gossip.NewEngine(gossipCfg, localID, members, pool, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var gossipReady atomic.Bool
	if err := engine.Start(ctx); err != nil {
		return err
	}
	gossipReady.Store(true)
	defer engine.Close()

	prober := health.New(pool, backends,
		time.Duration(cfg.HealthCheck.CheckIntervalSeconds)*time.Second,
		time.Duration(cfg.HealthCheck.CheckTimeoutSeconds)*time.Second,
		sink)
	prober.Start()
	defer prober.Stop()

	listenerStop := make(chan struct{})
	proxyListener := proxy.New(cfg.Server.ListenAddr, pool, conns, sink,
		proxy.WithReuseportListeners(cfg.Server.ReuseportListeners),
		proxy.WithSpliceObserver(func(direction string, n int64) {
			metrics.SpliceBytesTotal.WithLabelValues(direction).Add(float64(n))
		}),
		proxy.WithNoHealthyBackendObserver(func() {
			metrics.NoHealthyBackendsTotal.Inc()
		}),
		proxy.WithSelectObserver(func(backendAddr string) {
			metrics.BackendSelectedTotal.WithLabelValues(backendAddr).Inc()
		}),
	)
	if err := proxyListener.Start(listenerStop); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBind, err)
	}
	defer close(listenerStop)

	admin := adminserver.New(members, pool, func() bool { return gossipReady.Load() })
	adminSrv := &http.Server{Addr: adminAddr, Handler: admin}
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			sink.Error("adminserver", "listen failed", err)
		}
	}()
	defer adminSrv.Close()

	go pollMetrics(ctx, members, pool, conns, backends)

	sink.Info("flux", "serving", flog.F("listen_addr", cfg.Server.ListenAddr), flog.F("gossip_addr", cfg.Gossip.BindAddr))
	<-ctx.Done()
	sink.Info("flux", "shutting down")
	return nil
}

// pollMetrics periodically samples the gossip and backend state into the
// gauge metrics; these are snapshot-style values rather than per-event
// counters, so a polling loop is simpler and cheaper than threading a
// metrics hook through every mutation site.
func pollMetrics(ctx context.Context, members *gossip.MemberList, pool *backendpool.Pool, conns *connpool.Pool, backends []domain.Backend) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := map[string]int{"alive": 0, "suspect": 0, "dead": 0}
			for _, m := range members.GetAllMembers() {
				counts[m.State.String()]++
			}
			for state, n := range counts {
				metrics.GossipMembers.WithLabelValues(state).Set(float64(n))
			}

			for _, h := range pool.Snapshot() {
				addr := h.Backend.Addr.String()
				v := 0.0
				if h.Status == domain.Healthy {
					v = 1.0
				}
				metrics.BackendHealth.WithLabelValues(addr).Set(v)
			}
			for _, b := range backends {
				metrics.ConnpoolIdleConnections.WithLabelValues(b.Addr.String()).Set(float64(conns.IdleCount(b.Addr)))
			}
		}
	}
}
