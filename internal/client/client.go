// Package client implements the tunnel client orchestrator: connect to
// the server over QUIC, dispatch each configured remote to its data
// plane role, and run the background loop that accepts server-initiated
// bi-streams for reverse flows. Grounded on the original Rusnel
// client/mod.rs run/handle_remote_stream/client_accept_dynamic_reverse_remote
// functions, re-expressed with errgroup-style task tracking in place of
// tokio::task::JoinHandle and a context.Context cancellation in place of
// the broadcast shutdown channel.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net"
	"os/signal"
	"sync"
	"syscall"

	quic "github.com/quic-go/quic-go"

	"quictun/internal/control"
	"quictun/internal/dataplane"
	"quictun/internal/limiter"
	"quictun/internal/remote"
	"quictun/internal/status"
	"quictun/internal/tlsconfig"
	"quictun/internal/verbose"
)

// shutdownCode is the QUIC application error code sent when the client
// tears down the connection on ^C, matching the canonical tunnel.
const shutdownCode quic.ApplicationErrorCode = 130

// Client holds the single long-lived QUIC connection to the server and
// the set of background tasks dispatching flows across it.
type Client struct {
	conn *quic.Conn

	mu    sync.Mutex
	tasks []context.CancelFunc
}

// Connect dials serverAddr over QUIC using the tunnel's fixed ALPN and
// keepalive parameters.
func Connect(ctx context.Context, serverAddr string, tlsCfg *tls.Config, pc net.PacketConn) (*Client, error) {
	qcfg := tlsconfig.QUICConfig()

	var qconn *quic.Conn
	var err error
	if pc != nil {
		udpAddr, rerr := net.ResolveUDPAddr("udp", serverAddr)
		if rerr != nil {
			return nil, fmt.Errorf("client: resolve server address %s: %w", serverAddr, rerr)
		}
		qconn, err = quic.Dial(ctx, pc, udpAddr, tlsCfg, qcfg)
	} else {
		qconn, err = quic.DialAddr(ctx, serverAddr, tlsCfg, qcfg)
	}
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", serverAddr, err)
	}
	log.Printf("client: connected to %s", serverAddr)
	return &Client{conn: qconn}, nil
}

// quicOpener adapts *quic.Conn to dataplane.StreamOpener.
type quicOpener struct{ conn *quic.Conn }

func (o quicOpener) OpenStream() (dataplane.Stream, error) {
	stream, err := o.conn.OpenStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// Run dispatches every remote to its client-side role and starts the
// background reverse-accept loop, blocking until ctx is canceled or a
// fatal error occurs. On cancellation every dispatched task is aborted
// and the connection is closed with the tunnel's shutdown code.
func (c *Client) Run(ctx context.Context, remotes []remote.Request, lim *limiter.Limiter) error {
	opener := quicOpener{conn: c.conn}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, len(remotes)+1)

	for _, r := range remotes {
		r := r
		taskCtx, cancel := context.WithCancel(ctx)
		c.trackTask(cancel)
		go func() {
			errCh <- c.dispatchRemote(taskCtx, opener, r, lim)
		}()
	}

	acceptCtx, cancel := context.WithCancel(ctx)
	c.trackTask(cancel)
	go func() {
		errCh <- c.acceptReverseLoop(acceptCtx, opener, lim)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Printf("client: shutdown signal received, aborting tasks")
			c.abortAll()
			_ = c.conn.CloseWithError(shutdownCode, "client received ^C")
			return nil
		case err := <-errCh:
			if err != nil {
				log.Printf("client: task failed: %v", err)
				return err
			}
		}
	}
}

func (c *Client) trackTask(cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = append(c.tasks, cancel)
}

func (c *Client) abortAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.tasks {
		cancel()
	}
}

// dispatchRemote implements handle_remote_stream: a reversed remote only
// sends its request and half-closes, leaving the data plane role to the
// background accept loop once the server opens a stream back.
func (c *Client) dispatchRemote(ctx context.Context, opener quicOpener, r remote.Request, lim *limiter.Limiter) error {
	verbose.Logf("client: dispatching %s", remote.Format(r))
	if r.Reversed {
		return c.sendReverseAnnouncement(opener, r)
	}

	switch remote.ClientRole(r) {
	case remote.RoleSocksClient:
		end := status.Global.Begin(status.SOCKS)
		defer end()
		return dataplane.SocksClient(opener, r, lim)
	case remote.RoleTCPClient:
		end := status.Global.Begin(status.TCP)
		defer end()
		return dataplane.TCPClient(opener, r, lim)
	case remote.RoleUDPClient:
		end := status.Global.Begin(status.UDP)
		defer end()
		return dataplane.UDPClient(opener, r)
	default:
		return fmt.Errorf("client: remote %s has no client-side role", remote.Format(r))
	}
}

func (c *Client) sendReverseAnnouncement(opener quicOpener, r remote.Request) error {
	stream, err := opener.OpenStream()
	if err != nil {
		return fmt.Errorf("client: open stream for reverse announcement: %w", err)
	}
	if err := control.SendRequest(stream, r); err != nil {
		stream.CancelWrite(0)
		return err
	}
	// The main loop picks up the dynamic remote connection once the
	// server opens a bi-stream back; nothing more to do here.
	return stream.Close()
}

// acceptReverseLoop is client_accept_dynamic_reverse_remote: the sole
// consumer of server-initiated bi-streams, dispatching each one by its
// own (already-reversed) request.
func (c *Client) acceptReverseLoop(ctx context.Context, opener quicOpener, lim *limiter.Limiter) error {
	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("client: accept reverse stream: %w", err)
		}
		go func(s *quic.Stream) {
			if err := c.handleReverseStream(opener, s, lim); err != nil {
				log.Printf("client: reverse flow failed: %v", err)
			}
		}(stream)
	}
}

func (c *Client) handleReverseStream(opener quicOpener, stream *quic.Stream, lim *limiter.Limiter) error {
	req, err := control.ReadRequest(stream)
	if err != nil {
		return fmt.Errorf("client: read dynamic reverse request: %w", err)
	}
	if !req.Reversed {
		return fmt.Errorf("client: received dynamic remote that is not reversed")
	}
	if err := control.SendResponse(stream, remote.OkResponse()); err != nil {
		return fmt.Errorf("client: respond to dynamic reverse request: %w", err)
	}

	switch remote.ReverseDispatchRole(req) {
	case remote.RoleTCPServer:
		end := status.Global.Begin(status.TCP)
		defer end()
		return dataplane.TCPServer(stream, req, lim)
	case remote.RoleUDPServer:
		end := status.Global.Begin(status.UDP)
		defer end()
		return dataplane.UDPServer(stream, req)
	default:
		return fmt.Errorf("client: dynamic reverse remote %s has no dispatch role", remote.Format(req))
	}
}
