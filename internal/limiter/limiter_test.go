package limiter

import (
	"bytes"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	readBuf  *bytes.Buffer
	writeBuf *bytes.Buffer
}

func newFakeConn(data string) *fakeConn {
	return &fakeConn{readBuf: bytes.NewBufferString(data), writeBuf: &bytes.Buffer{}}
}

func (f *fakeConn) Read(p []byte) (int, error)         { return f.readBuf.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error)        { return f.writeBuf.Write(p) }
func (f *fakeConn) Close() error                       { return nil }
func (f *fakeConn) LocalAddr() net.Addr                { return nil }
func (f *fakeConn) RemoteAddr() net.Addr               { return nil }
func (f *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

func TestWrapConnPreservesContentOnRead(t *testing.T) {
	l := New(1 << 30)
	fc := newFakeConn("hello world")
	wrapped := l.WrapConn(fc)

	buf := make([]byte, 32)
	n, err := wrapped.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello world" {
		t.Errorf("got %q, want %q", buf[:n], "hello world")
	}
}

func TestWrapConnPreservesContentOnWrite(t *testing.T) {
	l := New(1 << 30)
	fc := newFakeConn("")
	wrapped := l.WrapConn(fc)

	data := []byte("foobar")
	n, err := wrapped.Write(data)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(data) {
		t.Errorf("wrote %d, want %d", n, len(data))
	}
	if fc.writeBuf.String() != "foobar" {
		t.Errorf("got %q, want %q", fc.writeBuf.String(), "foobar")
	}
}

func TestNewUnboundedForNonPositiveRate(t *testing.T) {
	l := New(0)
	if l.Cap() <= 0 {
		t.Errorf("expected a positive internal cap, got %d", l.Cap())
	}
}

func TestRateTracksWrittenBytes(t *testing.T) {
	l := New(1 << 30)
	fc := newFakeConn("")
	wrapped := l.WrapConn(fc)
	if _, err := wrapped.Write(bytes.Repeat([]byte{0}, 1024)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if l.Rate() <= 0 {
		t.Errorf("expected a positive observed rate after writing, got %d", l.Rate())
	}
}
