package carrier

import (
	"net"
	"net/netip"
	"testing"

	"udptcp/internal/tunlog"
)

func TestSendRecvRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := New(a)
	sb := New(b)
	logger := tunlog.New(tunlog.LevelDebug)

	src := netip.MustParseAddrPort("127.0.0.1:9999")
	done := make(chan error, 1)
	go func() { done <- sa.Send(src, []byte("hello")) }()

	f, err := sb.Recv(logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send error: %v", err)
	}
	if f.Source != src || string(f.Payload) != "hello" {
		t.Fatalf("got %+v", f)
	}
}

func TestSendRecvMultipleFramesStayInOrder(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := New(a)
	sb := New(b)
	logger := tunlog.New(tunlog.LevelDebug)

	src1 := netip.MustParseAddrPort("127.0.0.1:1")
	src2 := netip.MustParseAddrPort("127.0.0.1:2")

	go func() {
		_ = sa.Send(src1, []byte("first"))
		_ = sa.Send(src2, []byte("second"))
	}()

	f1, err := sb.Recv(logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f2, err := sb.Recv(logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f1.Source != src1 || string(f1.Payload) != "first" {
		t.Fatalf("got first frame %+v", f1)
	}
	if f2.Source != src2 || string(f2.Payload) != "second" {
		t.Fatalf("got second frame %+v", f2)
	}
}

func TestRecvReturnsErrorOnClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	sb := New(b)
	logger := tunlog.New(tunlog.LevelDebug)

	a.Close()
	if _, err := sb.Recv(logger); err == nil {
		t.Fatalf("expected an error after peer closed")
	}
}
