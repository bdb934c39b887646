// Package remote implements the flow descriptor: the struct carried on the
// wire at the start of every bi-stream, and the CLI grammar it is parsed
// from. Grounded on the original Rusnel common/remote.rs struct and the
// client/mod.rs and server/mod.rs struct-literal match arms, re-expressed
// here as an explicit decision table per the design notes rather than a
// structural-match trick.
package remote

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol is the transport carried inside a flow.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// socksSentinelHost/Port mark a remote whose destination is learned at
// flow-open time from a SOCKS5 handshake rather than fixed configuration.
const socksSentinelHost = "socks"
const socksSentinelPort = 0

// maxWireMessage bounds the single-chunk request/response reads; messages
// larger than this are never produced and are rejected on read.
const maxWireMessage = 1024

// StartMarker is the fixed byte string written by a bi-stream's initiator
// immediately before the first payload byte, on TCP/SOCKS flows only.
const StartMarker = "remote_start"

// Request is the flow descriptor exchanged at the start of every bi-stream.
type Request struct {
	LocalHost  string   `json:"local_host"`
	LocalPort  uint16   `json:"local_port"`
	RemoteHost string   `json:"remote_host"`
	RemotePort uint16   `json:"remote_port"`
	Reversed   bool     `json:"reversed"`
	Protocol   Protocol `json:"protocol"`
}

// IsSocksSentinel reports whether this request designates a SOCKS5
// frontend rather than a fixed target.
func (r Request) IsSocksSentinel() bool {
	return r.RemoteHost == socksSentinelHost && r.RemotePort == socksSentinelPort
}

// LocalAddr formats the local_host:local_port pair for net.Listen/net.Dial.
func (r Request) LocalAddr() string {
	return net.JoinHostPort(r.LocalHost, strconv.Itoa(int(r.LocalPort)))
}

// RemoteAddr formats the remote_host:remote_port pair for net.Dial.
func (r Request) RemoteAddr() string {
	return net.JoinHostPort(r.RemoteHost, strconv.Itoa(int(r.RemotePort)))
}

// MarshalJSON serializes the request for the wire. Returns an error if the
// encoded form would exceed the single-chunk wire budget.
func (r Request) MarshalJSON() ([]byte, error) {
	type alias Request
	b, err := json.Marshal(alias(r))
	if err != nil {
		return nil, err
	}
	if len(b) > maxWireMessage {
		return nil, fmt.Errorf("remote: encoded request is %d bytes, exceeds %d-byte wire budget", len(b), maxWireMessage)
	}
	return b, nil
}

// ParseRequestJSON decodes a single wire chunk into a Request.
func ParseRequestJSON(b []byte) (Request, error) {
	if len(b) == 0 {
		return Request{}, fmt.Errorf("remote: empty request")
	}
	if len(b) > maxWireMessage {
		return Request{}, fmt.Errorf("remote: request is %d bytes, exceeds %d-byte wire budget", len(b), maxWireMessage)
	}
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("remote: invalid request JSON: %w", err)
	}
	return r, nil
}

// Response is the tagged Ok/Failed reply sent back over the bi-stream
// after a Request is read.
type Response struct {
	Ok      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// OkResponse is the canonical successful response.
func OkResponse() Response { return Response{Ok: true} }

// FailedResponse builds a Failed response carrying a human-readable reason.
func FailedResponse(reason string) Response { return Response{Ok: false, Message: reason} }

func (r Response) MarshalJSON() ([]byte, error) {
	type alias Response
	return json.Marshal(alias(r))
}

// ParseResponseJSON decodes a single wire chunk into a Response.
func ParseResponseJSON(b []byte) (Response, error) {
	if len(b) == 0 {
		return Response{}, fmt.Errorf("remote: empty response")
	}
	if len(b) > maxWireMessage {
		return Response{}, fmt.Errorf("remote: response is %d bytes, exceeds %d-byte wire budget", len(b), maxWireMessage)
	}
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return Response{}, fmt.Errorf("remote: invalid response JSON: %w", err)
	}
	return resp, nil
}

// Role is the data-plane role a Request dispatches to, decided from the
// (reversed, protocol, socks-sentinel) triple. Expressed as an explicit
// decision table (design notes §9) rather than relying on structural
// matching.
type Role int

const (
	RoleInvalid Role = iota
	RoleSocksClient
	RoleTCPClient
	RoleUDPClient
	RoleTCPServer
	RoleUDPServer
)

// ClientRole decides what the client orchestrator does with a configured
// (non server-initiated) remote. Mirrors the table in spec.md §4.6.
func ClientRole(r Request) Role {
	switch {
	case r.Reversed:
		// Reverse flows: client only sends the request and waits for a
		// server-initiated bi-stream; no local role to dispatch here.
		return RoleInvalid
	case r.Protocol == TCP && r.IsSocksSentinel():
		return RoleSocksClient
	case r.Protocol == TCP:
		return RoleTCPClient
	case r.Protocol == UDP:
		return RoleUDPClient
	default:
		return RoleInvalid
	}
}

// ServerRole decides how the server dispatches a just-accepted bi-stream's
// Request. Mirrors the table in spec.md §4.6 (server side, non-reverse).
func ServerRole(r Request) Role {
	switch {
	case r.Reversed:
		return RoleInvalid
	case r.Protocol == TCP:
		return RoleTCPServer
	case r.Protocol == UDP:
		return RoleUDPServer
	default:
		return RoleInvalid
	}
}

// ReverseDispatchRole decides the role for a dynamic-reverse Request read
// off a server-initiated bi-stream (client background accept loop). It
// inverts the forward roles: TCP becomes a server (it dials), UDP becomes
// a server, SOCKS becomes a client (it opens streams back). The server's
// own reverse dispatch does not use it; it checks the socks sentinel
// itself and uses ReverseListenerRole for the rest.
func ReverseDispatchRole(r Request) Role {
	switch {
	case !r.Reversed:
		return RoleInvalid
	case r.Protocol == TCP && r.IsSocksSentinel():
		return RoleSocksClient
	case r.Protocol == TCP:
		return RoleTCPServer
	case r.Protocol == UDP:
		return RoleUDPServer
	default:
		return RoleInvalid
	}
}

// ReverseListenerRole decides the role the server uses when it is the side
// that owns the listener for a reversed remote (reverse TCP/UDP forward,
// non-socks): it runs the client-shaped primitive (binds the listener,
// opens a bi-stream per accepted connection) on the server host.
func ReverseListenerRole(r Request) Role {
	switch {
	case !r.Reversed:
		return RoleInvalid
	case r.IsSocksSentinel():
		return RoleInvalid // the server's reverse dispatch handles socks before asking
	case r.Protocol == TCP:
		return RoleTCPClient
	case r.Protocol == UDP:
		return RoleUDPClient
	default:
		return RoleInvalid
	}
}

// --- CLI remote-string grammar (spec.md §4.1) ---
//
// [R:] [ [ [local-host:] local-port : ] remote-host : ] remote-port [ /proto ]
// [R:]<prefix>socks

// Parse parses one whitespace-delimited remote token from the CLI grammar.
func Parse(token string) (Request, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Request{}, fmt.Errorf("remote: empty remote string")
	}

	proto := TCP
	body := token
	if idx := strings.LastIndex(token, "/"); idx >= 0 {
		suffix := token[idx+1:]
		switch suffix {
		case "tcp":
			proto = TCP
			body = token[:idx]
		case "udp":
			proto = UDP
			body = token[:idx]
		default:
			return Request{}, fmt.Errorf("remote: unknown protocol suffix %q in %q", suffix, token)
		}
	}

	reversed := false
	if strings.HasPrefix(body, "R:") {
		reversed = true
		body = body[len("R:"):]
	}
	if body == "" {
		return Request{}, fmt.Errorf("remote: missing address in %q", token)
	}

	parts := strings.Split(body, ":")

	// "socks" in the remote position replaces remote-host:remote-port
	// with the sentinel, per the [R:]<prefix>socks grammar: the token
	// socks always occupies the final ':'-separated field, with 0-2
	// fields before it giving an optional [local-host:]local-port.
	if parts[len(parts)-1] == socksSentinelHost {
		if proto != TCP {
			return Request{}, fmt.Errorf("remote: socks remote must be tcp, got %q", token)
		}
		prefix := parts[:len(parts)-1]
		localHost := "0.0.0.0"
		var localPort uint16
		switch len(prefix) {
		case 0:
			// bare "socks": no local address prefix.
		case 1:
			p, err := parsePort(prefix[0], token)
			if err != nil {
				return Request{}, err
			}
			localPort = p
		case 2:
			localHost = prefix[0]
			p, err := parsePort(prefix[1], token)
			if err != nil {
				return Request{}, err
			}
			localPort = p
		default:
			return Request{}, fmt.Errorf("remote: too many ':'-separated fields before socks in %q", token)
		}
		return Request{
			LocalHost:  localHost,
			LocalPort:  localPort,
			RemoteHost: socksSentinelHost,
			RemotePort: socksSentinelPort,
			Reversed:   reversed,
			Protocol:   proto,
		}, nil
	}

	var localHost, localPort, remoteHost, remotePort string

	switch len(parts) {
	case 1:
		remotePort = parts[0]
	case 2:
		remoteHost, remotePort = parts[0], parts[1]
	case 3:
		localPort, remoteHost, remotePort = parts[0], parts[1], parts[2]
	case 4:
		localHost, localPort, remoteHost, remotePort = parts[0], parts[1], parts[2], parts[3]
	default:
		return Request{}, fmt.Errorf("remote: too many ':'-separated fields in %q", token)
	}

	rPort, err := parsePort(remotePort, token)
	if err != nil {
		return Request{}, err
	}

	if localHost == "" {
		localHost = "0.0.0.0"
	}
	var lPort uint16
	if localPort == "" {
		lPort = rPort
	} else {
		lPort, err = parsePort(localPort, token)
		if err != nil {
			return Request{}, err
		}
	}

	return Request{
		LocalHost:  localHost,
		LocalPort:  lPort,
		RemoteHost: remoteHost,
		RemotePort: rPort,
		Reversed:   reversed,
		Protocol:   proto,
	}, nil
}

func parsePort(s, token string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("remote: invalid port %q in %q: %w", s, token, err)
	}
	return uint16(n), nil
}

// ParseAll parses a whitespace-separated list of remote strings.
func ParseAll(tokens []string) ([]Request, error) {
	out := make([]Request, 0, len(tokens))
	for _, t := range tokens {
		r, err := Parse(t)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Format renders a Request back into the CLI grammar (used by tests to
// validate the parse/format round trip and by logging).
func Format(r Request) string {
	var b strings.Builder
	if r.Reversed {
		b.WriteString("R:")
	}
	switch {
	case r.IsSocksSentinel():
		if r.LocalPort != 0 {
			fmt.Fprintf(&b, "%s:%d:", r.LocalHost, r.LocalPort)
		}
		b.WriteString(socksSentinelHost)
	case r.RemoteHost != "":
		fmt.Fprintf(&b, "%s:%d:%s:%d", r.LocalHost, r.LocalPort, r.RemoteHost, r.RemotePort)
	default:
		fmt.Fprintf(&b, "%d", r.RemotePort)
	}
	if r.Protocol == UDP {
		b.WriteString("/udp")
	}
	return b.String()
}
