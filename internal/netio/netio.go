// Package netio binds and tunes the UDP sockets used by the tunnel: the
// primary per-role socket and, on the listen side in auto-bind mode, the
// per-flow ephemeral sockets.
package netio

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"udptcp/internal/config"
)

// ioBufferBytes is the 1 MiB kernel send/receive buffer size requested on
// every primary and flow UDP socket.
const ioBufferBytes = 1 << 20

// lowDelayTOS requests low-latency queuing treatment on the primary and
// flow sockets, best-effort only; unsupported platforms are ignored.
const lowDelayTOS = 0x10 // IPTOS_LOWDELAY

// BindPrimaryUDP binds the role's primary UDP socket per §4.4/§4.5: a full
// address in Fixed mode, or a (ip, 0) placeholder in Auto mode.
func BindPrimaryUDP(spec config.PortSpec) (*net.UDPConn, error) {
	var addr *net.UDPAddr
	switch spec.Mode {
	case config.Fixed:
		ap := spec.AddrPort()
		addr = &net.UDPAddr{IP: ap.Addr().AsSlice(), Port: int(ap.Port())}
	default:
		addr = &net.UDPAddr{IP: spec.IP().AsSlice(), Port: 0}
	}

	lc := net.ListenConfig{Control: controlReuseAddr}
	pc, err := lc.ListenPacket(context.Background(), udpNetwork(addr.IP), addr.String())
	if err != nil {
		return nil, fmt.Errorf("bind primary UDP socket %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)
	tuneSocket(conn)
	return conn, nil
}

// BindEphemeralUDP binds one wildcard, kernel-assigned-port UDP socket for
// a new flow entry (§3 FlowEntry.socket).
func BindEphemeralUDP() (*net.UDPConn, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("bind ephemeral flow socket: %w", err)
	}
	tuneSocket(conn)
	return conn, nil
}

func udpNetwork(ip net.IP) string {
	if ip.To4() != nil {
		return "udp4"
	}
	return "udp"
}

// tuneSocket applies the §5 1 MiB buffer sizing and a best-effort
// low-latency traffic class; failures are not fatal, matching the
// teacher's pattern of tolerating unsupported socket options per platform.
func tuneSocket(conn *net.UDPConn) {
	_ = conn.SetReadBuffer(ioBufferBytes)
	_ = conn.SetWriteBuffer(ioBufferBytes)

	if err := ipv4.NewConn(conn).SetTOS(lowDelayTOS); err != nil {
		_ = ipv6.NewConn(conn).SetTrafficClass(lowDelayTOS)
	}
}

// ListenTCP binds the TCP carrier listener, applying SO_REUSEADDR via the
// same Control hook used for the primary UDP socket.
func ListenTCP(ctx context.Context, addr string) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlReuseAddr}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	return ln, nil
}

// LocalPort returns conn's kernel-assigned local port.
func LocalPort(conn *net.UDPConn) uint16 {
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return uint16(addr.Port)
	}
	return 0
}
