package dataplane

import (
	"fmt"
	"log"
	"net"

	"quictun/internal/control"
	"quictun/internal/limiter"
	"quictun/internal/remote"
	"quictun/internal/socksfront"
)

// SocksClient binds a TCP listener on parent.LocalAddr() and, for each
// accepted application connection, performs the SOCKS5 handshake
// locally, synthesizes a per-flow remote.Request from the negotiated
// target, opens a bi-stream, completes the control handshake, and only
// then replies to the application with the SOCKS5 success code. This is
// the role run by a forward dynamic remote's client, and also by the
// server's side of a reverse dynamic remote (opener then opens streams
// back across the existing tunnel connection instead of a fresh one).
func SocksClient(opener StreamOpener, parent remote.Request, lim *limiter.Limiter) error {
	ln, err := net.Listen("tcp", parent.LocalAddr())
	if err != nil {
		return fmt.Errorf("dataplane: listen tcp %s: %w", parent.LocalAddr(), err)
	}
	log.Printf("dataplane: socks frontend listening on %s", parent.LocalAddr())

	for {
		conn, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("dataplane: socks accept on %s: %w", parent.LocalAddr(), err)
		}
		go func(c net.Conn) {
			if err := serveSocksFlow(opener, parent, c, lim); err != nil {
				log.Printf("dataplane: socks flow failed: %v", err)
			}
		}(conn)
	}
}

func serveSocksFlow(opener StreamOpener, parent remote.Request, conn net.Conn, lim *limiter.Limiter) error {
	defer conn.Close()

	target, err := socksfront.Negotiate(conn)
	if err != nil {
		return fmt.Errorf("socks negotiate: %w", err)
	}

	req := remote.Request{
		LocalHost:  parent.LocalHost,
		LocalPort:  parent.LocalPort,
		RemoteHost: target.Host,
		RemotePort: target.Port,
		Reversed:   parent.Reversed,
		Protocol:   remote.TCP,
	}

	stream, err := opener.OpenStream()
	if err != nil {
		socksfront.ReplyFailure(conn)
		return fmt.Errorf("open stream: %w", err)
	}

	if err := control.SendRequest(stream, req); err != nil {
		stream.CancelWrite(0)
		socksfront.ReplyFailure(conn)
		return err
	}
	if _, err := control.ReadResponse(stream); err != nil {
		stream.CancelRead(0)
		socksfront.ReplyFailure(conn)
		return err
	}
	if err := control.SendStart(stream); err != nil {
		stream.CancelWrite(0)
		socksfront.ReplyFailure(conn)
		return err
	}
	if err := socksfront.ReplySuccess(conn); err != nil {
		return fmt.Errorf("reply success to application: %w", err)
	}

	return TunnelTCPStream(stream, conn, lim)
}
