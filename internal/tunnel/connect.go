package tunnel

import (
	"context"
	"net"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"udptcp/internal/carrier"
	"udptcp/internal/config"
	"udptcp/internal/netio"
	"udptcp/internal/tunlog"
)

// RunConnect runs the connect-side role: dial the TCP peer with retry,
// forward UDP ingress through the carrier, and forward TCP egress to the
// destination implied by udp-sendto (Fixed) or the frame's own recorded
// source (Auto). Blocks until ctx is cancelled.
func RunConnect(ctx context.Context, opts config.Options, logger *tunlog.Logger) error {
	primaryUDP, err := netio.BindPrimaryUDP(opts.UDPBind)
	if err != nil {
		return err
	}
	defer primaryUDP.Close()

	slot := &sessionSlot{}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		if sess := slot.get(); sess != nil {
			sess.Close()
		}
		return primaryUDP.Close()
	})
	g.Go(func() error { return udpIngressLoop(ctx, primaryUDP, slot, logger) })
	g.Go(func() error { return dialLoop(ctx, opts, primaryUDP, slot, logger) })

	return g.Wait()
}

// dialLoop owns the single outbound TCP connection for the connect side,
// implementing §4.2's "connect mode" behaviors: dial with a 1-second retry
// on failure, and a 3-second retry after any carrier loss.
func dialLoop(ctx context.Context, opts config.Options, primaryUDP *net.UDPConn, slot *sessionSlot, logger *tunlog.Logger) error {
	dialer := net.Dialer{Timeout: dialTimeout, KeepAlive: dialerKeepAlive}

	for {
		if ctxDone(ctx) {
			return nil
		}

		conn, err := dialer.DialContext(ctx, "tcp", opts.TCPAddr)
		if err != nil {
			logger.Warnf("dial %s failed: %v", opts.TCPAddr, err)
			if !sleepCtx(ctx, initialRetryWait) {
				return nil
			}
			continue
		}

		sess := carrier.New(conn)
		slot.set(sess)
		logger.Infof("connected to %s", opts.TCPAddr)

		err = connectReadLoop(sess, opts.UDPSendTo, primaryUDP, logger)

		slot.clearIfCurrent(sess)
		sess.Close()
		logger.Warnf("carrier lost: %v; reconnecting", err)

		if !sleepCtx(ctx, reconnectWait) {
			return nil
		}
	}
}

// connectReadLoop implements §4.4's egress path: per inbound frame, choose
// the destination from the configured mode and send via the primary UDP
// socket.
func connectReadLoop(sess *carrier.Session, sendTo config.PortSpec, primaryUDP *net.UDPConn, logger *tunlog.Logger) error {
	for {
		f, err := sess.Recv(logger)
		if err != nil {
			return err
		}

		var dest netip.AddrPort
		if sendTo.Mode == config.Auto {
			dest = f.Source
		} else {
			dest = sendTo.AddrPort()
		}

		if _, err := primaryUDP.WriteToUDPAddrPort(f.Payload, dest); err != nil {
			logger.Warnf("udp send to %s failed: %v", dest, err)
		}
	}
}
