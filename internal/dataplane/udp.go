package dataplane

import (
	"fmt"
	"log"
	"net"

	"quictun/internal/control"
	"quictun/internal/remote"
)

// udpBufSize is the fixed read size on both the UDP socket and the
// bi-stream. There is no length delimiter: one recv is one write, one
// stream read of up to this many bytes is one datagram. This assumes
// MTU-bound datagrams and no coalescing by the transport; it is a known
// limitation, not an oversight.
const udpBufSize = 1024

// TunnelUDPStream relays datagrams between conn and stream once a single
// peer address has been learned. recv_from results whose source address
// does not match peerAddr are dropped; everything read from the stream
// is sent to peerAddr.
func TunnelUDPStream(stream Stream, conn *net.UDPConn, peerAddr *net.UDPAddr) error {
	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, udpBufSize)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				stream.CancelWrite(0)
				return
			}
			if !from.IP.Equal(peerAddr.IP) || from.Port != peerAddr.Port {
				continue
			}
			if _, err := stream.Write(buf[:n]); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, udpBufSize)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			stream.CancelRead(0)
			conn.Close()
			<-done
			return err
		}
		if _, err := conn.WriteToUDP(buf[:n], peerAddr); err != nil {
			conn.Close()
			<-done
			return err
		}
	}
}

// UDPClient binds a UDP socket on req.LocalAddr(), opens a bi-stream,
// completes the handshake, then reads one datagram to learn the
// application peer's address (the implicit UDP start), forwards it, and
// hands off to TunnelUDPStream. Only one application peer is supported
// per flow; later sources are dropped by the filter in TunnelUDPStream.
func UDPClient(opener StreamOpener, req remote.Request) error {
	localAddr, err := net.ResolveUDPAddr("udp", req.LocalAddr())
	if err != nil {
		return fmt.Errorf("dataplane: resolve udp local addr %s: %w", req.LocalAddr(), err)
	}
	conn, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return fmt.Errorf("dataplane: listen udp %s: %w", req.LocalAddr(), err)
	}
	defer conn.Close()

	stream, err := opener.OpenStream()
	if err != nil {
		return fmt.Errorf("dataplane: open stream: %w", err)
	}
	if err := control.SendRequest(stream, req); err != nil {
		return err
	}
	if _, err := control.ReadResponse(stream); err != nil {
		return err
	}

	buf := make([]byte, udpBufSize)
	n, peerAddr, err := conn.ReadFromUDP(buf)
	if err != nil {
		return fmt.Errorf("dataplane: read first udp datagram: %w", err)
	}
	if _, err := stream.Write(buf[:n]); err != nil {
		return fmt.Errorf("dataplane: forward first udp datagram: %w", err)
	}

	log.Printf("dataplane: udp client learned peer %s for %s", peerAddr, req.RemoteAddr())
	return TunnelUDPStream(stream, conn, peerAddr)
}

// UDPServer binds an ephemeral UDP socket and relays between the stream
// and req.RemoteAddr(), which is resolved up front as the single fixed
// peer; datagrams from any other source are dropped.
func UDPServer(stream Stream, req remote.Request) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("dataplane: listen ephemeral udp: %w", err)
	}
	defer conn.Close()

	peerAddr, err := net.ResolveUDPAddr("udp", req.RemoteAddr())
	if err != nil {
		return fmt.Errorf("dataplane: resolve udp remote addr %s: %w", req.RemoteAddr(), err)
	}

	return TunnelUDPStream(stream, conn, peerAddr)
}
