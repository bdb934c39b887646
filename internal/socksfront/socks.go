// Package socksfront implements the SOCKS5 frontend used by dynamic
// remotes. Grounded on the teacher's socks_funcs.go handshake reader,
// generalized to synthesize a per-connection remote.Request and to defer
// the SOCKS success reply until the synthesized flow has been accepted
// by the peer (spec step 5), which the teacher's version does not do
// since it has no peer handshake of its own.
package socksfront

import (
	"fmt"
	"net"
	"time"
)

const (
	version5             = 0x05
	methodNoAuth         = 0x00
	methodUserPass       = 0x02
	methodNoneAcceptable = 0xFF
	cmdConnect           = 0x01
	atypIPv4             = 0x01
	atypDomain           = 0x03
	atypIPv6             = 0x04
	replyOK              = 0x00
	replyGeneralFailure  = 0x01
	replyCmdNotSup       = 0x07
	replyAddrNotSup      = 0x08
)

// Target is the host/port parsed out of a CONNECT request.
type Target struct {
	Host string
	Port uint16
}

func readExact(conn net.Conn, n int) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	total := 0
	for total < n {
		r, err := conn.Read(buf[total:])
		if err != nil {
			return nil, err
		}
		total += r
	}
	return buf, nil
}

// Negotiate performs the SOCKS5 version/method and CONNECT-request
// exchange on conn. There is no credential store and authentication
// beyond the tunnel's TLS handshake is out of scope, so "no auth" is
// preferred when offered; USERNAME/PASSWORD is also advertised when the
// client offers it instead, and is accepted unconditionally without
// inspecting the submitted credentials, purely so the handshake does
// not fail against clients that omit the no-auth method. It returns the
// requested target without sending the final success reply; the caller
// sends that only once the synthesized remote.Request has been accepted
// by the peer (see ReplySuccess/ReplyFailure).
func Negotiate(conn net.Conn) (Target, error) {
	hdr, err := readExact(conn, 2)
	if err != nil {
		return Target{}, fmt.Errorf("socksfront: read greeting: %w", err)
	}
	if hdr[0] != version5 {
		return Target{}, fmt.Errorf("socksfront: unsupported SOCKS version %d", hdr[0])
	}
	nmethods := int(hdr[1])
	var methods []byte
	if nmethods > 0 {
		methods, err = readExact(conn, nmethods)
		if err != nil {
			return Target{}, fmt.Errorf("socksfront: read methods: %w", err)
		}
	}

	foundNoAuth, foundUserPass := false, false
	for _, m := range methods {
		switch m {
		case methodNoAuth:
			foundNoAuth = true
		case methodUserPass:
			foundUserPass = true
		}
	}

	switch {
	case foundNoAuth:
		if _, err := conn.Write([]byte{version5, methodNoAuth}); err != nil {
			return Target{}, fmt.Errorf("socksfront: write method selection: %w", err)
		}
	case foundUserPass:
		if _, err := conn.Write([]byte{version5, methodUserPass}); err != nil {
			return Target{}, fmt.Errorf("socksfront: write method selection: %w", err)
		}
		if err := acceptUserPassAuth(conn); err != nil {
			return Target{}, fmt.Errorf("socksfront: user/pass auth: %w", err)
		}
	default:
		conn.Write([]byte{version5, methodNoneAcceptable})
		return Target{}, fmt.Errorf("socksfront: no acceptable SOCKS authentication methods")
	}

	req, err := readExact(conn, 4)
	if err != nil {
		return Target{}, fmt.Errorf("socksfront: read request header: %w", err)
	}
	if req[0] != version5 {
		return Target{}, fmt.Errorf("socksfront: unsupported SOCKS version %d in request", req[0])
	}
	if req[1] != cmdConnect {
		conn.Write(replyBytes(replyCmdNotSup))
		return Target{}, fmt.Errorf("socksfront: unsupported command %d", req[1])
	}

	switch req[3] {
	case atypIPv4:
		addr, err := readExact(conn, 4+2)
		if err != nil {
			return Target{}, fmt.Errorf("socksfront: read ipv4 address: %w", err)
		}
		return Target{Host: net.IP(addr[:4]).String(), Port: bePort(addr[4:6])}, nil

	case atypDomain:
		dlenBuf, err := readExact(conn, 1)
		if err != nil {
			return Target{}, fmt.Errorf("socksfront: read domain length: %w", err)
		}
		dlen := int(dlenBuf[0])
		rest, err := readExact(conn, dlen+2)
		if err != nil {
			return Target{}, fmt.Errorf("socksfront: read domain address: %w", err)
		}
		return Target{Host: string(rest[:dlen]), Port: bePort(rest[dlen : dlen+2])}, nil

	case atypIPv6:
		if _, err := readExact(conn, 16+2); err != nil {
			return Target{}, fmt.Errorf("socksfront: read ipv6 address: %w", err)
		}
		conn.Write(replyBytes(replyAddrNotSup))
		return Target{}, fmt.Errorf("socksfront: IPv6 addresses are not supported")

	default:
		conn.Write(replyBytes(replyAddrNotSup))
		return Target{}, fmt.Errorf("socksfront: unsupported address type %d", req[3])
	}
}

// acceptUserPassAuth reads the RFC 1929 username/password sub-negotiation
// and always replies success, without checking the submitted credentials
// against anything: there is nothing to check them against.
func acceptUserPassAuth(conn net.Conn) error {
	verBuf, err := readExact(conn, 1)
	if err != nil {
		return fmt.Errorf("read auth version: %w", err)
	}
	if verBuf[0] != 0x01 {
		conn.Write([]byte{0x01, 0xFF})
		return fmt.Errorf("unsupported user/pass auth version %d", verBuf[0])
	}

	ulenBuf, err := readExact(conn, 1)
	if err != nil {
		return fmt.Errorf("read username length: %w", err)
	}
	if _, err := readExact(conn, int(ulenBuf[0])); err != nil {
		return fmt.Errorf("read username: %w", err)
	}

	plenBuf, err := readExact(conn, 1)
	if err != nil {
		return fmt.Errorf("read password length: %w", err)
	}
	if _, err := readExact(conn, int(plenBuf[0])); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	_, err = conn.Write([]byte{0x01, 0x00})
	return err
}

func bePort(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func replyBytes(code byte) []byte {
	return []byte{version5, code, 0x00, atypIPv4, 0, 0, 0, 0, 0, 0}
}

// ReplySuccess sends the SOCKS5 success reply. The bound-address fields
// are zeroed; applications using this tunnel never consult them.
func ReplySuccess(conn net.Conn) error {
	_, err := conn.Write(replyBytes(replyOK))
	return err
}

// ReplyFailure sends a general SOCKS5 failure reply, used when the
// synthesized remote was rejected by the peer after a successful local
// handshake.
func ReplyFailure(conn net.Conn) error {
	_, err := conn.Write(replyBytes(replyGeneralFailure))
	return err
}
