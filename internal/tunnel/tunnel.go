// Package tunnel wires together the frame codec, flow table, and carrier
// session into the two symmetrical runners (RunListen, RunConnect) that
// implement the event loop described in §4.6, expressed as a small set of
// supervised goroutines rather than a literal single-threaded reactor (see
// the concurrency-model clarification this repository adopts).
package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"udptcp/internal/carrier"
	"udptcp/internal/tunlog"
)

const (
	// maxDatagramSize accommodates any realistic UDP datagram; the IP-layer
	// maximum for UDP over IPv4 is 65507 bytes (§9 open question).
	maxDatagramSize = 65535

	dialTimeout      = 10 * time.Second
	dialerKeepAlive  = 30 * time.Second
	initialRetryWait = 1 * time.Second
	reconnectWait    = 3 * time.Second
	udpErrorCooldown = 100 * time.Millisecond
)

// sleepCtx blocks for d or until ctx is cancelled, reporting which
// happened. It is the only suspension point besides the blocking I/O calls
// themselves, matching the §5 "suspension points" list.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// ctxDone reports whether ctx has already been cancelled, without blocking.
func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// sessionSlot is a mutex-guarded pointer to the single active carrier
// session, shared between the goroutine that owns the TCP connection and
// the goroutines (primary UDP reader, flow return loops) that need to send
// through it.
type sessionSlot struct {
	mu   sync.Mutex
	sess *carrier.Session
}

func (s *sessionSlot) set(sess *carrier.Session) {
	s.mu.Lock()
	s.sess = sess
	s.mu.Unlock()
}

func (s *sessionSlot) clearIfCurrent(sess *carrier.Session) {
	s.mu.Lock()
	if s.sess == sess {
		s.sess = nil
	}
	s.mu.Unlock()
}

func (s *sessionSlot) get() *carrier.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// udpIngressLoop reads datagrams off the primary UDP socket and forwards
// each one through whatever carrier session is currently active, per
// §4.4's ingress path and §4.5's Fixed-mode ingress. It is shared between
// the listen side (Fixed udp-bind) and the connect side (always Fixed).
func udpIngressLoop(ctx context.Context, conn *net.UDPConn, slot *sessionSlot, logger *tunlog.Logger) error {
	buf := make([]byte, maxDatagramSize)
	for {
		if ctxDone(ctx) {
			return nil
		}

		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctxDone(ctx) {
				return nil
			}
			logger.Warnf("udp recv error: %v", err)
			if !sleepCtx(ctx, udpErrorCooldown) {
				return nil
			}
			continue
		}

		sess := slot.get()
		if sess == nil {
			logger.Warnf("udp datagram from %s dropped: no TCP carrier", from)
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		if err := sess.Send(from, payload); err != nil {
			logger.Warnf("carrier send failed: %v", err)
			sess.Close()
		}
	}
}

// idleSweepLoop runs sweep at a fixed interval until ctx is cancelled.
func idleSweepLoop(ctx context.Context, interval time.Duration, sweep func()) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			sweep()
		}
	}
}
