package tunnel

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sync/errgroup"

	"udptcp/internal/carrier"
	"udptcp/internal/config"
	"udptcp/internal/flowtable"
	"udptcp/internal/netio"
	"udptcp/internal/tunlog"
)

// RunListen runs the listen-side role: accept one TCP carrier at a time,
// forward inbound frames to UDP (directly in Fixed mode, or through a
// per-client flow socket in Auto mode), and feed Fixed-mode UDP ingress
// back through the carrier. Blocks until ctx is cancelled or a fatal setup
// error occurs.
func RunListen(ctx context.Context, opts config.Options, logger *tunlog.Logger) error {
	ln, err := netio.ListenTCP(ctx, opts.TCPAddr)
	if err != nil {
		return err
	}
	defer ln.Close()

	primaryUDP, err := netio.BindPrimaryUDP(opts.UDPBind)
	if err != nil {
		return fmt.Errorf("bind udp-bind %s: %w", opts.UDPBind, err)
	}
	defer primaryUDP.Close()

	var flows *flowtable.Table
	if opts.UDPBind.Mode == config.Auto {
		flows = flowtable.New(netio.BindEphemeralUDP, opts.MaxFlows, opts.IdleTimeout)
	}

	slot := &sessionSlot{}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		if sess := slot.get(); sess != nil {
			sess.Close()
		}
		primaryUDP.Close()
		return ln.Close()
	})

	if flows == nil {
		g.Go(func() error { return udpIngressLoop(ctx, primaryUDP, slot, logger) })
	} else {
		g.Go(func() error {
			return idleSweepLoop(ctx, opts.SweepInterval, func() {
				evicted := flows.SweepIdle()
				if len(evicted) > 0 {
					logger.Infof("idle sweep evicted %d flow(s)", len(evicted))
				}
			})
		})
	}

	g.Go(func() error { return acceptLoop(ctx, ln, opts, primaryUDP, flows, slot, logger) })

	return g.Wait()
}

func acceptLoop(ctx context.Context, ln net.Listener, opts config.Options, primaryUDP *net.UDPConn, flows *flowtable.Table, slot *sessionSlot, logger *tunlog.Logger) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctxDone(ctx) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		sess := carrier.New(conn)
		old := slot.get()
		slot.set(sess)
		if old != nil {
			logger.Warnf("replacing existing TCP carrier with connection from %s", conn.RemoteAddr())
			old.Close()
		} else {
			logger.Infof("accepted TCP carrier from %s", conn.RemoteAddr())
		}

		go func() {
			err := listenReadLoop(ctx, sess, opts.UDPSendTo, primaryUDP, flows, logger)
			slot.clearIfCurrent(sess)
			sess.Close()

			if flows != nil {
				clients, ports := flows.Clear()
				logger.Infof("carrier lost, cleared %d flow(s) and %d reverse entr(ies)", clients, ports)
			}
			logger.Warnf("carrier read loop ended: %v", err)
		}()
	}
}

// listenReadLoop processes frames arriving on one carrier session,
// implementing §4.3's "on inbound TCP frame" steps in auto-bind mode, or
// direct forwarding to the configured udp-sendto target in Fixed mode.
func listenReadLoop(ctx context.Context, sess *carrier.Session, sendTo config.PortSpec, primaryUDP *net.UDPConn, flows *flowtable.Table, logger *tunlog.Logger) error {
	dest := sendTo.AddrPort() // udp-sendto is always Fixed on L (enforced by Options.Validate).

	for {
		f, err := sess.Recv(logger)
		if err != nil {
			return err
		}

		if flows == nil {
			if _, err := primaryUDP.WriteToUDPAddrPort(f.Payload, dest); err != nil {
				logger.Warnf("udp send to %s failed: %v", dest, err)
			}
			continue
		}

		entry, created, err := flows.GetOrCreate(f.Source)
		if err != nil {
			logger.Errorf("flow table: %v", err)
			continue
		}
		if created {
			go flowReturnLoop(flows, entry, sess, logger)
		}

		if _, err := entry.Conn.WriteToUDPAddrPort(f.Payload, dest); err != nil {
			logger.Warnf("flow send to %s failed: %v", dest, err)
			continue
		}
		if entry.IncrementPacketCount() == 1 {
			flows.RefreshPort(entry)
		}
	}
}

// flowReturnLoop is the per-flow forwarding goroutine this implementation
// uses in place of the spec's non-blocking per-iteration poll (see the
// concurrency-model clarification this repository adopts): it blocks on
// its flow socket and forwards every return datagram to the client that
// owns the flow, through the carrier session active when the flow was
// created. The carrier's global cleanup closes the flow socket on
// teardown, which unblocks and ends this goroutine.
func flowReturnLoop(flows *flowtable.Table, entry *flowtable.Entry, sess *carrier.Session, logger *tunlog.Logger) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := entry.Conn.Read(buf)
		if err != nil {
			return
		}

		client, ok := flows.LookupByPort(entry.LocalPort())
		if !ok {
			logger.Errorf("flow routing: no reverse mapping for port %d; dropping return datagram", entry.LocalPort())
			continue
		}

		payload := append([]byte(nil), buf[:n]...)
		if err := sess.Send(client, payload); err != nil {
			logger.Warnf("carrier send failed for return datagram: %v", err)
			return
		}
	}
}
