package server_test

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"

	"quictun/internal/dataplane"
	"quictun/internal/remote"
	"quictun/internal/server"
	"quictun/internal/tlsconfig"
)

type testOpener struct{ conn *quic.Conn }

func (o testOpener) OpenStream() (dataplane.Stream, error) {
	return o.conn.OpenStreamSync(context.Background())
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestForwardTCPFlowEndToEnd(t *testing.T) {
	// An upstream TCP echo server stands in for the tunneled target.
	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echoLn.Close()
	go func() {
		for {
			c, err := echoLn.Accept()
			if err != nil {
				return
			}
			go io.Copy(c, c)
		}
	}()

	serverTLS, err := tlsconfig.ServerTLSConfig("", "")
	if err != nil {
		t.Fatalf("ServerTLSConfig: %v", err)
	}

	srv, err := server.Listen("127.0.0.1:0", serverTLS, nil)
	if err != nil {
		t.Fatalf("server.Listen: %v", err)
	}
	srv.AllowReverse = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	clientTLS := tlsconfig.ClientTLSConfig()
	conn, err := quic.DialAddr(ctx, srv.Addr().String(), clientTLS, tlsconfig.QUICConfig())
	if err != nil {
		t.Fatalf("quic.DialAddr: %v", err)
	}
	defer conn.CloseWithError(0, "test done")

	echoAddr := echoLn.Addr().(*net.TCPAddr)
	localPort := freePort(t)

	req := remote.Request{
		LocalHost:  "127.0.0.1",
		LocalPort:  uint16(localPort),
		RemoteHost: "127.0.0.1",
		RemotePort: uint16(echoAddr.Port),
		Protocol:   remote.TCP,
	}

	opener := testOpener{conn: conn}
	go dataplane.TCPClient(opener, req, nil)

	// Give the tunnel-side listener a moment to bind before dialing it.
	var appConn net.Conn
	for i := 0; i < 50; i++ {
		appConn, err = net.Dial("tcp", req.LocalAddr())
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial tunnel-local listener: %v", err)
	}
	defer appConn.Close()

	msg := []byte("hello through the tunnel")
	if _, err := appConn.Write(msg); err != nil {
		t.Fatalf("write to tunnel: %v", err)
	}

	appConn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(appConn, buf); err != nil {
		t.Fatalf("read echoed bytes: %v", err)
	}
	if string(buf) != string(msg) {
		t.Errorf("got %q, want %q", buf, msg)
	}
}
