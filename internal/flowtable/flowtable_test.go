package flowtable

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func bindLoopback() (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
}

func TestGetOrCreateAndLookup(t *testing.T) {
	tbl := New(bindLoopback, 0, time.Hour)
	client := netip.MustParseAddrPort("127.0.0.1:40001")

	e1, created, err := tbl.GetOrCreate(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first call")
	}
	defer e1.Close()

	e2, created, err := tbl.GetOrCreate(client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatalf("expected created=false on second call")
	}
	if e1 != e2 {
		t.Fatalf("expected same entry returned for repeat lookups")
	}
}

// TestFlowTableBijection covers the §8 bijection property: after a flow's
// first successful egress, the reverse port index must be the exact
// inverse of flow -> local_port.
func TestFlowTableBijection(t *testing.T) {
	tbl := New(bindLoopback, 0, time.Hour)

	clients := []netip.AddrPort{
		netip.MustParseAddrPort("127.0.0.1:40001"),
		netip.MustParseAddrPort("127.0.0.1:40002"),
		netip.MustParseAddrPort("127.0.0.1:40003"),
	}

	entries := make(map[netip.AddrPort]*Entry)
	for _, c := range clients {
		e, _, err := tbl.GetOrCreate(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		e.IncrementPacketCount()
		tbl.RefreshPort(e)
		entries[c] = e
		defer e.Close()
	}

	for c, e := range entries {
		got, ok := tbl.LookupByPort(e.LocalPort())
		if !ok {
			t.Fatalf("no reverse mapping for port %d", e.LocalPort())
		}
		if got != c {
			t.Fatalf("got %v, want %v", got, c)
		}
	}
}

// TestCleanupIdempotence covers the §8 property: after a teardown, all
// maps are empty, and a subsequent teardown is a no-op.
func TestCleanupIdempotence(t *testing.T) {
	tbl := New(bindLoopback, 0, time.Hour)
	client := netip.MustParseAddrPort("127.0.0.1:40001")
	if _, _, err := tbl.GetOrCreate(client); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	clients, ports := tbl.Clear()
	if clients != 1 || ports != 1 {
		t.Fatalf("got clients=%d ports=%d, want 1/1", clients, ports)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after clear")
	}

	clients, ports = tbl.Clear()
	if clients != 0 || ports != 0 {
		t.Fatalf("second clear was not a no-op: clients=%d ports=%d", clients, ports)
	}
}

// TestIdleEviction covers the §8 property: no flow survives past its idle
// timeout without activity.
func TestIdleEviction(t *testing.T) {
	tbl := New(bindLoopback, 0, time.Millisecond)
	client := netip.MustParseAddrPort("127.0.0.1:40001")
	if _, _, err := tbl.GetOrCreate(client); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	evicted := tbl.SweepIdle()
	if len(evicted) != 1 {
		t.Fatalf("got %d evicted, want 1", len(evicted))
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected flow table empty after sweep")
	}
	if _, ok := tbl.LookupByPort(evicted[0].LocalPort()); ok {
		t.Fatalf("expected reverse mapping removed")
	}
}

func TestFlowTableFull(t *testing.T) {
	tbl := New(bindLoopback, 1, time.Hour)
	a := netip.MustParseAddrPort("127.0.0.1:40001")
	b := netip.MustParseAddrPort("127.0.0.1:40002")

	e, _, err := tbl.GetOrCreate(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer e.Close()

	if _, _, err := tbl.GetOrCreate(b); err != ErrFlowTableFull {
		t.Fatalf("got %v, want ErrFlowTableFull", err)
	}
}
