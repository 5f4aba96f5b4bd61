// Command flux-echo is a standalone TCP echo server used to exercise the
// proxy's data plane during manual testing, grounded on
// original_source/src/bin/echo_server.rs. It is deliberately outside the
// core module graph — nothing under internal/ imports this package.
package main

import (
	"flag"
	"io"
	"log"
	"net"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9000", "address to listen on")
	flag.Parse()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		log.Fatalf("flux-echo: listen: %v", err)
	}
	log.Printf("flux-echo: listening on %s", ln.Addr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			log.Printf("flux-echo: accept: %v", err)
			continue
		}
		go handle(conn)
	}
}

func handle(conn net.Conn) {
	defer conn.Close()
	if _, err := io.Copy(conn, conn); err != nil {
		log.Printf("flux-echo: connection from %s ended: %v", conn.RemoteAddr(), err)
	}
}
