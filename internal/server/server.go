// Package server implements the tunnel server orchestrator: accept QUIC
// connections, and for each client connection, accept bi-streams and
// dispatch each one's request to its server-side role. Grounded on the
// original Rusnel server/mod.rs run/handle_client_connection/
// handle_remote_stream functions, with the per-connection session
// numbering from the teacher's idiom of logging a monotonic counter.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"sync/atomic"

	quic "github.com/quic-go/quic-go"

	"quictun/internal/control"
	"quictun/internal/dataplane"
	"quictun/internal/limiter"
	"quictun/internal/remote"
	"quictun/internal/status"
	"quictun/internal/tlsconfig"
	"quictun/internal/verbose"
)

// Server accepts client QUIC connections and dispatches their bi-streams.
type Server struct {
	ln           *quic.Listener
	AllowReverse bool
	Limiter      *limiter.Limiter

	sessionCounter atomic.Int64
}

// Listen binds a QUIC listener on addr, optionally via a pre-bound
// net.PacketConn (used for bind-to-interface).
func Listen(addr string, tlsCfg *tls.Config, pc net.PacketConn) (*Server, error) {
	qcfg := tlsconfig.QUICConfig()

	var ln *quic.Listener
	var err error
	if pc != nil {
		ln, err = quic.Listen(pc, tlsCfg, qcfg)
	} else {
		ln, err = quic.ListenAddr(addr, tlsCfg, qcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", addr, err)
	}
	log.Printf("server: listening on %s", ln.Addr())
	return &Server{ln: ln}, nil
}

// Addr returns the listener's local network address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Run accepts connections until ctx is canceled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		session := s.sessionCounter.Add(1)
		log.Printf("server: session %d: client connected from %s", session, conn.RemoteAddr())
		go s.handleConnection(ctx, session, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, session int64, conn *quic.Conn) {
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			log.Printf("server: session %d: connection closed: %v", session, err)
			return
		}
		go s.handleStream(session, conn, stream)
	}
}

func (s *Server) handleStream(session int64, conn *quic.Conn, stream *quic.Stream) {
	req, err := control.HandleIncomingRequest(stream, s.AllowReverse)
	if err != nil {
		log.Printf("server: session %d: rejected request: %v", session, err)
		return
	}

	verbose.Logf("server: session %d: dispatching %s", session, remote.Format(req))
	opener := serverOpener{conn: conn}

	if req.Reversed {
		if err := s.dispatchReverse(opener, req); err != nil {
			log.Printf("server: session %d: reverse flow failed: %v", session, err)
		}
		return
	}

	switch remote.ServerRole(req) {
	case remote.RoleTCPServer:
		end := status.Global.Begin(status.TCP)
		defer end()
		if err := dataplane.TCPServer(stream, req, s.Limiter); err != nil {
			log.Printf("server: session %d: tcp flow failed: %v", session, err)
		}
	case remote.RoleUDPServer:
		end := status.Global.Begin(status.UDP)
		defer end()
		if err := dataplane.UDPServer(stream, req); err != nil {
			log.Printf("server: session %d: udp flow failed: %v", session, err)
		}
	default:
		log.Printf("server: session %d: request %s has no server-side role", session, remote.Format(req))
	}
}

// dispatchReverse implements handle_remote_stream's reversed arms:
// reverse socks runs the SOCKS frontend locally (opening streams back to
// the client for each application connection); simple reverse TCP/UDP
// bind a listener locally and open a stream back per accepted
// connection or ephemeral socket.
func (s *Server) dispatchReverse(opener serverOpener, req remote.Request) error {
	switch {
	case req.Protocol == remote.TCP && req.IsSocksSentinel():
		return dataplane.SocksClient(opener, req, s.Limiter)
	default:
		switch remote.ReverseListenerRole(req) {
		case remote.RoleTCPClient:
			return dataplane.TCPClient(opener, req, s.Limiter)
		case remote.RoleUDPClient:
			return dataplane.UDPClient(opener, req)
		default:
			return fmt.Errorf("server: reversed request %s has no listener role", remote.Format(req))
		}
	}
}

// serverOpener adapts *quic.Conn to dataplane.StreamOpener for the
// server's side of a reverse flow, where the server is the one opening
// bi-streams back to the client.
type serverOpener struct{ conn *quic.Conn }

func (o serverOpener) OpenStream() (dataplane.Stream, error) {
	stream, err := o.conn.OpenStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return stream, nil
}
