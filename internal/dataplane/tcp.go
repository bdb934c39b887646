package dataplane

import (
	"fmt"
	"log"
	"net"

	"quictun/internal/control"
	"quictun/internal/limiter"
	"quictun/internal/remote"
)

// StreamOpener opens a new bi-stream on the shared QUIC connection.
// Satisfied by a thin wrapper over quic.Conn.OpenStreamSync so this
// package never depends on a live connection directly.
type StreamOpener interface {
	OpenStream() (Stream, error)
}

// TCPClient binds a TCP listener on req.LocalAddr() and, for each
// accepted application connection, opens an independent bi-stream,
// completes the handshake, and hands off to TunnelTCPStream. The
// listener loop never blocks on a single flow: a failing flow is logged
// and dropped, the listener keeps accepting.
func TCPClient(opener StreamOpener, req remote.Request, lim *limiter.Limiter) error {
	ln, err := net.Listen("tcp", req.LocalAddr())
	if err != nil {
		return fmt.Errorf("dataplane: listen tcp %s: %w", req.LocalAddr(), err)
	}
	log.Printf("dataplane: tcp client listening on %s for %s", req.LocalAddr(), req.RemoteAddr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("dataplane: tcp accept on %s: %w", req.LocalAddr(), err)
		}
		go func(c net.Conn) {
			if err := serveTCPClientFlow(opener, req, c, lim); err != nil {
				log.Printf("dataplane: tcp flow to %s failed: %v", req.RemoteAddr(), err)
			}
		}(conn)
	}
}

func serveTCPClientFlow(opener StreamOpener, req remote.Request, conn net.Conn, lim *limiter.Limiter) error {
	defer conn.Close()

	stream, err := opener.OpenStream()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}

	if err := control.SendRequest(stream, req); err != nil {
		stream.CancelWrite(0)
		return err
	}
	if _, err := control.ReadResponse(stream); err != nil {
		stream.CancelRead(0)
		return err
	}
	if err := control.SendStart(stream); err != nil {
		stream.CancelWrite(0)
		return err
	}

	return TunnelTCPStream(stream, conn, lim)
}

// TCPServer reads the start marker off an already-accepted bi-stream
// (whose Request has already been read and acknowledged by the caller),
// dials req.RemoteAddr(), and runs TunnelTCPStream between the dialed
// connection and the bi-stream. If the dial fails after the start marker
// is received, the stream is canceled and the error logged.
func TCPServer(stream Stream, req remote.Request, lim *limiter.Limiter) error {
	if err := control.ReadStart(stream); err != nil {
		stream.CancelRead(0)
		return fmt.Errorf("read start marker: %w", err)
	}

	conn, err := net.Dial("tcp", req.RemoteAddr())
	if err != nil {
		stream.CancelWrite(0)
		stream.CancelRead(0)
		return fmt.Errorf("dial %s: %w", req.RemoteAddr(), err)
	}
	defer conn.Close()

	return TunnelTCPStream(stream, conn, lim)
}
