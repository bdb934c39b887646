package dataplane

import (
	"net"
	"testing"
	"time"
)

func TestTunnelUDPStreamRelaysAndFiltersBySource(t *testing.T) {
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP local: %v", err)
	}
	defer local.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP peer: %v", err)
	}
	defer peer.Close()

	stranger, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP stranger: %v", err)
	}
	defer stranger.Close()

	peerAddr := peer.LocalAddr().(*net.UDPAddr)
	stream := newFakeStream("hello-from-control-stream")

	done := make(chan error, 1)
	go func() {
		done <- TunnelUDPStream(stream, local, peerAddr)
	}()

	// A datagram from the learned peer should reach the stream.
	if _, err := peer.WriteToUDP([]byte("from-peer"), local.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteToUDP from peer: %v", err)
	}

	// A datagram from an unrelated source must be dropped by the filter.
	if _, err := stranger.WriteToUDP([]byte("from-stranger"), local.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteToUDP from stranger: %v", err)
	}

	// The canned stream payload should be relayed out to the peer.
	buf := make([]byte, udpBufSize)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer ReadFromUDP: %v", err)
	}
	if string(buf[:n]) != "hello-from-control-stream" {
		t.Errorf("peer got %q, want %q", buf[:n], "hello-from-control-stream")
	}

	local.Close()
	<-done

	if stream.writeBuf.String() != "from-peer" {
		t.Errorf("stream got %q, want only the genuine peer's datagram", stream.writeBuf.String())
	}
}
