// Package control implements the four-step handshake carried at the start
// of every bi-stream: request, response, optional start marker, then raw
// payload. Grounded on the original Rusnel common/tunnel.rs
// client_send_remote_request/server_recieve_remote_request functions: each
// message is written in a single chunk and read with a single bounded
// Read call, never io.ReadFull — a stream that splits a sub-1024-byte
// message across TCP/QUIC segments is not a case this protocol handles.
package control

import (
	"fmt"
	"io"

	"quictun/internal/remote"
	"quictun/internal/verbose"
)

// wireBufSize is the 1024-byte wire budget shared by request,
// response and start-marker reads.
const wireBufSize = 1024

// SendRequest writes req as a single chunk to w.
func SendRequest(w io.Writer, req remote.Request) error {
	b, err := req.MarshalJSON()
	if err != nil {
		return fmt.Errorf("control: marshal request: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("control: write request: %w", err)
	}
	return nil
}

// ReadRequest reads a single chunk from r and decodes it as a Request.
func ReadRequest(r io.Reader) (remote.Request, error) {
	buf := make([]byte, wireBufSize)
	n, err := r.Read(buf)
	if err != nil && n == 0 {
		return remote.Request{}, fmt.Errorf("control: read request: %w", io.ErrUnexpectedEOF)
	}
	if n == 0 {
		return remote.Request{}, fmt.Errorf("control: read request: %w", io.ErrUnexpectedEOF)
	}
	req, err := remote.ParseRequestJSON(buf[:n])
	if err != nil {
		return remote.Request{}, err
	}
	verbose.Logf("control: read request %s", remote.Format(req))
	return req, nil
}

// SendResponse writes resp as a single chunk to w.
func SendResponse(w io.Writer, resp remote.Response) error {
	b, err := resp.MarshalJSON()
	if err != nil {
		return fmt.Errorf("control: marshal response: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("control: write response: %w", err)
	}
	return nil
}

// ReadResponse reads a single chunk from r, decodes it, and surfaces a
// Failed response as an error so initiators cannot accidentally proceed
// past a rejected flow.
func ReadResponse(r io.Reader) (remote.Response, error) {
	buf := make([]byte, wireBufSize)
	n, err := r.Read(buf)
	if err != nil && n == 0 {
		return remote.Response{}, fmt.Errorf("control: read response: %w", io.ErrUnexpectedEOF)
	}
	if n == 0 {
		return remote.Response{}, fmt.Errorf("control: read response: %w", io.ErrUnexpectedEOF)
	}
	resp, err := remote.ParseResponseJSON(buf[:n])
	if err != nil {
		return remote.Response{}, err
	}
	verbose.Logf("control: read response ok=%v message=%q", resp.Ok, resp.Message)
	if !resp.Ok {
		return resp, fmt.Errorf("control: remote tunnel error: %s", resp.Message)
	}
	return resp, nil
}

// SendStart writes the fixed start marker, used on TCP and SOCKS flows
// only, after the initiator's local application connection is accepted.
func SendStart(w io.Writer) error {
	if _, err := w.Write([]byte(remote.StartMarker)); err != nil {
		return fmt.Errorf("control: write start marker: %w", err)
	}
	return nil
}

// ReadStart blocks until the start marker is read. Its exact bytes are
// logged at debug level but not validated beyond non-empty, matching the
// canonical behavior: a peer that never writes anything blocks forever,
// but garbage content does not abort the flow.
func ReadStart(r io.Reader) error {
	buf := make([]byte, wireBufSize)
	n, err := r.Read(buf)
	if err != nil && n == 0 {
		return fmt.Errorf("control: read start marker: %w", io.ErrUnexpectedEOF)
	}
	if n == 0 {
		return fmt.Errorf("control: read start marker: %w", io.ErrUnexpectedEOF)
	}
	verbose.Logf("control: read start marker %q", buf[:n])
	return nil
}

// HandleIncomingRequest implements the peer side of the request/response
// step: read the request, reject reversed requests when the caller's
// policy disallows them, and reply Ok/Failed accordingly.
func HandleIncomingRequest(rw io.ReadWriter, allowReverse bool) (remote.Request, error) {
	req, err := ReadRequest(rw)
	if err != nil {
		return remote.Request{}, err
	}
	if req.Reversed && !allowReverse {
		resp := remote.FailedResponse("Reverse remotes are not allowed")
		if werr := SendResponse(rw, resp); werr != nil {
			return remote.Request{}, werr
		}
		return remote.Request{}, fmt.Errorf("control: reverse remotes are not allowed")
	}
	if err := SendResponse(rw, remote.OkResponse()); err != nil {
		return remote.Request{}, err
	}
	return req, nil
}
