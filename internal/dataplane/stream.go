// Package dataplane implements the shared TCP and UDP copy primitives
// that move application bytes across an open bi-stream once the control
// handshake (package control) has completed. Grounded on the teacher's
// bridge.BidiPipe, generalized from the teacher's fixed TCP-only header
// protocol to the tunnel's JSON request/response handshake and extended
// with a UDP-specific primitive absent from the teacher but present in
// the original Rusnel common/udp.rs.
package dataplane

import (
	"io"
	"log"
	"net"

	"golang.org/x/sync/errgroup"

	"quictun/internal/limiter"

	quic "github.com/quic-go/quic-go"
)

// Stream is the bi-stream interface the copy primitives need: the subset
// of *quic.Stream used to relay bytes and to unblock the peer direction
// on error. Declared as an interface so tests can exercise the copy
// loops without a live QUIC connection.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	CancelRead(quic.StreamErrorCode)
	CancelWrite(quic.StreamErrorCode)
}

// halfCloser is satisfied by *net.TCPConn and similar connections that
// support shutting down one direction without tearing down the other.
type halfCloser interface {
	CloseWrite() error
}

func halfCloseWrite(c net.Conn) {
	if hc, ok := c.(halfCloser); ok {
		_ = hc.CloseWrite()
		return
	}
	_ = c.Close()
}

// TunnelTCPStream runs the two TCP<->stream copy loops to completion.
// local is the TCP side of one application connection; stream is the
// bi-stream carrying the tunneled bytes. If lim is non-nil the local
// side's reads and writes run through the configured bandwidth cap.
//
// local-read -> stream-write finishes by half-closing the stream write
// side. stream-read -> local-write finishes by half-closing local's
// write side. The function returns once both loops finish; a failure on
// either side cancels the other so neither loop blocks forever on a
// peer that never comes back.
func TunnelTCPStream(stream Stream, local net.Conn, lim *limiter.Limiter) error {
	rw := net.Conn(local)
	if lim != nil {
		rw = lim.WrapConn(local)
	}

	var g errgroup.Group

	g.Go(func() error {
		_, err := io.Copy(stream, rw)
		if err != nil {
			stream.CancelWrite(0)
			stream.CancelRead(0)
		}
		_ = stream.Close()
		return err
	})

	g.Go(func() error {
		_, err := io.Copy(rw, stream)
		if err != nil {
			stream.CancelRead(0)
			_ = local.Close()
		}
		halfCloseWrite(local)
		return err
	})

	if err := g.Wait(); err != nil {
		log.Printf("dataplane: tcp stream ended with error: %v", err)
		return err
	}
	return nil
}
