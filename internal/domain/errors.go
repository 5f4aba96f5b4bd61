package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure — no infrastructure dependency.

var (
	// ErrBind means the process could not acquire a listening socket.
	// Fatal at startup.
	ErrBind = errors.New("flux: cannot bind listening socket")

	// ErrConfigInvalid means the loaded configuration failed validation.
	// Fatal at startup.
	ErrConfigInvalid = errors.New("flux: configuration invalid")

	// ErrMalformedMessage means a received gossip datagram failed to decode.
	// The datagram is dropped; not fatal.
	ErrMalformedMessage = errors.New("flux: malformed gossip message")

	// ErrMessageTooLarge means an encoded message would exceed the MTU
	// ceiling. Callers must trim piggy-backed updates before sending;
	// reaching this error is a caller bug.
	ErrMessageTooLarge = errors.New("flux: gossip message exceeds MTU ceiling")

	// ErrBackendConnect means an outbound TCP connect to a backend failed.
	ErrBackendConnect = errors.New("flux: backend connect failed")

	// ErrNoHealthyBackends means backend selection found no healthy
	// backend. Transient — a later selection attempt may succeed.
	ErrNoHealthyBackends = errors.New("flux: no healthy backends available")

	// ErrSplice means either side of a proxied connection failed during
	// the data-copy phase. The backend connection must not be pooled.
	ErrSplice = errors.New("flux: splice failed")

	// ErrProbeTimeout means a local active health probe did not complete
	// within its deadline.
	ErrProbeTimeout = errors.New("flux: health probe timed out")

	// ErrProbeError means a local active health probe failed for a reason
	// other than a timeout (e.g. connection refused).
	ErrProbeError = errors.New("flux: health probe failed")
)
