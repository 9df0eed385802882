// Package flowtable implements the per-client flow table and reverse port
// index used on the listen side in auto-bind mode: it demultiplexes one
// ephemeral UDP socket per original client and re-attributes return
// datagrams back to their owner by local port.
package flowtable

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFlowTableFull is returned by GetOrCreate when maxFlows has been
// reached; the caller should log and drop the triggering frame rather than
// tear down the carrier.
var ErrFlowTableFull = errors.New("flow table: max flow count reached")

// Entry is one client's dedicated ephemeral UDP socket plus its bookkeeping.
type Entry struct {
	Conn       *net.UDPConn
	ClientAddr netip.AddrPort

	closeOnce    sync.Once
	lastActivity atomic.Int64 // UnixNano
	packetCount  atomic.Uint64
}

func newEntry(conn *net.UDPConn, client netip.AddrPort) *Entry {
	e := &Entry{Conn: conn, ClientAddr: client}
	e.touch()
	return e
}

func (e *Entry) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

// IncrementPacketCount records an egress send and returns the new count,
// used by the caller to detect "first send" for the deferred reverse-port
// mapping refresh (§4.3 step 5).
func (e *Entry) IncrementPacketCount() uint64 {
	e.touch()
	return e.packetCount.Add(1)
}

// Close releases the flow's socket; safe to call more than once.
func (e *Entry) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.Conn.Close() })
	return err
}

// LocalPort returns the ephemeral UDP port the kernel assigned to this
// flow's socket.
func (e *Entry) LocalPort() uint16 {
	if addr, ok := e.Conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}

// BindFunc creates the ephemeral socket for a new flow. It is passed to New
// so callers choose how flow sockets are bound (the tests bind loopback
// sockets instead of wildcard ones).
type BindFunc func() (*net.UDPConn, error)

// Table tracks one Entry per original client address and the reverse
// mapping from ephemeral local port back to that client, per §3/§4.3.
type Table struct {
	bind BindFunc

	mu       sync.Mutex
	byClient map[netip.AddrPort]*Entry
	byPort   map[uint16]netip.AddrPort

	maxFlows    int
	idleTimeout time.Duration
}

// New returns an empty Table. maxFlows <= 0 means unbounded.
func New(bind BindFunc, maxFlows int, idleTimeout time.Duration) *Table {
	return &Table{
		bind:        bind,
		byClient:    make(map[netip.AddrPort]*Entry),
		byPort:      make(map[uint16]netip.AddrPort),
		maxFlows:    maxFlows,
		idleTimeout: idleTimeout,
	}
}

// GetOrCreate returns the existing flow for client, or binds and inserts a
// new one. created is true only when a new socket was bound. The reverse
// port index is populated provisionally on creation; callers must call
// RefreshPort after the flow's first successful egress (§4.3 step 5).
func (t *Table) GetOrCreate(client netip.AddrPort) (entry *Entry, created bool, err error) {
	t.mu.Lock()
	if e, ok := t.byClient[client]; ok {
		e.touch()
		t.mu.Unlock()
		return e, false, nil
	}
	if t.maxFlows > 0 && len(t.byClient) >= t.maxFlows {
		t.mu.Unlock()
		return nil, false, ErrFlowTableFull
	}
	t.mu.Unlock()

	conn, err := t.bind()
	if err != nil {
		return nil, false, fmt.Errorf("bind flow socket: %w", err)
	}
	e := newEntry(conn, client)
	port := e.LocalPort()

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.byClient[client]; ok {
		conn.Close()
		existing.touch()
		return existing, false, nil
	}
	if t.maxFlows > 0 && len(t.byClient) >= t.maxFlows {
		conn.Close()
		return nil, false, ErrFlowTableFull
	}
	t.byClient[client] = e
	t.byPort[port] = client
	return e, true, nil
}

// RefreshPort re-reads e's authoritative local port and upserts the
// reverse index under it, correcting any provisional entry made at bind
// time before the kernel had assigned the port (§4.3 step 5).
func (t *Table) RefreshPort(e *Entry) {
	port := e.LocalPort()

	t.mu.Lock()
	defer t.mu.Unlock()
	for p, addr := range t.byPort {
		if addr == e.ClientAddr && p != port {
			delete(t.byPort, p)
		}
	}
	t.byPort[port] = e.ClientAddr
}

// LookupByPort resolves a return datagram's destination socket's local
// port back to the owning client address.
func (t *Table) LookupByPort(port uint16) (netip.AddrPort, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.byPort[port]
	return addr, ok
}

// SweepIdle evicts and closes every flow whose last activity exceeds the
// table's idle timeout, removing both map entries for each. Returns the
// evicted entries for logging.
func (t *Table) SweepIdle() []*Entry {
	cutoff := time.Now().Add(-t.idleTimeout).UnixNano()

	t.mu.Lock()
	var evicted []*Entry
	for client, e := range t.byClient {
		if e.lastActivity.Load() >= cutoff {
			continue
		}
		delete(t.byClient, client)
		port := e.LocalPort()
		if addr, ok := t.byPort[port]; ok && addr == client {
			delete(t.byPort, port)
		}
		evicted = append(evicted, e)
	}
	t.mu.Unlock()

	for _, e := range evicted {
		e.Close()
	}
	return evicted
}

// Clear removes and closes every flow, unconditionally. Used on TCP
// carrier teardown (§4.3 "global flow-state cleanup"). Returns the
// pre-clear sizes of the client and reverse-port maps for the summary log.
func (t *Table) Clear() (clients int, ports int) {
	t.mu.Lock()
	clients = len(t.byClient)
	ports = len(t.byPort)
	entries := make([]*Entry, 0, clients)
	for _, e := range t.byClient {
		entries = append(entries, e)
	}
	t.byClient = make(map[netip.AddrPort]*Entry)
	t.byPort = make(map[uint16]netip.AddrPort)
	t.mu.Unlock()

	for _, e := range entries {
		e.Close()
	}
	return clients, ports
}

// Len returns the current number of live flows.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byClient)
}
