package dataplane

import (
	"bytes"
	"net"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
)

type fakeConn struct {
	readBuf    *bytes.Buffer
	writeBuf   *bytes.Buffer
	closed     bool
	writeClose bool
}

func newFakeConn(data string) *fakeConn {
	return &fakeConn{readBuf: bytes.NewBufferString(data), writeBuf: &bytes.Buffer{}}
}

func (f *fakeConn) Read(p []byte) (int, error)         { return f.readBuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return f.writeBuf.Write(p) }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }
func (f *fakeConn) CloseWrite() error                  { f.writeClose = true; return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeStream struct {
	readBuf       *bytes.Buffer
	writeBuf      *bytes.Buffer
	closed        bool
	canceledRead  bool
	canceledWrite bool
}

func newFakeStream(data string) *fakeStream {
	return &fakeStream{readBuf: bytes.NewBufferString(data), writeBuf: &bytes.Buffer{}}
}

func (s *fakeStream) Read(p []byte) (int, error)       { return s.readBuf.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error)      { return s.writeBuf.Write(p) }
func (s *fakeStream) Close() error                     { s.closed = true; return nil }
func (s *fakeStream) CancelRead(quic.StreamErrorCode)  { s.canceledRead = true }
func (s *fakeStream) CancelWrite(quic.StreamErrorCode) { s.canceledWrite = true }

func TestTunnelTCPStreamRelaysBothDirections(t *testing.T) {
	conn := newFakeConn("from local application")
	stream := newFakeStream("from remote peer")

	if err := TunnelTCPStream(stream, conn, nil); err != nil {
		t.Fatalf("TunnelTCPStream: %v", err)
	}

	if stream.writeBuf.String() != "from local application" {
		t.Errorf("stream got %q, want %q", stream.writeBuf.String(), "from local application")
	}
	if conn.writeBuf.String() != "from remote peer" {
		t.Errorf("conn got %q, want %q", conn.writeBuf.String(), "from remote peer")
	}
	if !conn.writeClose {
		t.Errorf("expected local write half to be closed")
	}
	if !stream.closed {
		t.Errorf("expected stream write half to be closed")
	}
	if stream.canceledRead || stream.canceledWrite {
		t.Errorf("did not expect cancellation on a clean relay")
	}
}

func TestHalfCloseWriteFallsBackToCloseWithoutCloseWrite(t *testing.T) {
	c := &bareConn{}
	halfCloseWrite(c)
	if !c.closed {
		t.Errorf("expected Close fallback when CloseWrite is unavailable")
	}
}

type bareConn struct {
	net.Conn
	closed bool
}

func (b *bareConn) Close() error { b.closed = true; return nil }
