package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	defaultMaxFlows      = 4096
	defaultIdleTimeout   = 10 * time.Minute
	defaultSweepInterval = 30 * time.Second
)

// RawArgs is the unparsed flag set handed in from the CLI layer.
type RawArgs struct {
	TCPListen, TCPConnect string
	UDPBind, UDPSendTo    string
	Verbose, Debug        bool
}

// Parse resolves raw flag strings into validated Options, applying the
// role/default-IP rules and address grammar from §6.
func Parse(raw RawArgs) (Options, error) {
	haveListen := raw.TCPListen != ""
	haveConnect := raw.TCPConnect != ""

	switch {
	case haveListen && haveConnect:
		return Options{}, ErrBothTCPEndpoints
	case !haveListen && !haveConnect:
		return Options{}, ErrMissingTCPEndpoint
	}

	var role Role
	var tcpRaw, tcpDefaultIP string
	if haveListen {
		role, tcpRaw, tcpDefaultIP = RoleListen, raw.TCPListen, "0.0.0.0"
	} else {
		role, tcpRaw, tcpDefaultIP = RoleConnect, raw.TCPConnect, "127.0.0.1"
	}

	tcpAddr, err := normalizeHostPort(tcpRaw, tcpDefaultIP)
	if err != nil {
		return Options{}, fmt.Errorf("invalid TCP address: %w", err)
	}

	if raw.UDPBind == "" {
		return Options{}, fmt.Errorf("--udp-bind/-u is required")
	}
	if raw.UDPSendTo == "" {
		return Options{}, fmt.Errorf("--udp-sendto/-p is required")
	}

	udpBind, err := ParsePortSpec(raw.UDPBind, "0.0.0.0")
	if err != nil {
		return Options{}, fmt.Errorf("invalid --udp-bind: %w", err)
	}
	udpSendTo, err := ParsePortSpec(raw.UDPSendTo, "127.0.0.1")
	if err != nil {
		return Options{}, fmt.Errorf("invalid --udp-sendto: %w", err)
	}

	opts := Options{
		Role:          role,
		TCPAddr:       tcpAddr,
		UDPBind:       udpBind,
		UDPSendTo:     udpSendTo,
		Verbose:       raw.Verbose,
		Debug:         raw.Debug,
		MaxFlows:      defaultMaxFlows,
		IdleTimeout:   defaultIdleTimeout,
		SweepInterval: defaultSweepInterval,
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// ParsePortSpec implements the §6 address grammar:
//
//	bare integer 0..65535  -> Fixed(defaultIP:port)
//	IP:PORT                -> Fixed(ip:port)
//	"auto"                 -> Auto(defaultIP)
//	IP:auto                -> Auto(ip)
func ParsePortSpec(raw, defaultIP string) (PortSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PortSpec{}, fmt.Errorf("empty address")
	}

	if strings.EqualFold(raw, "auto") {
		ip, err := netip.ParseAddr(defaultIP)
		if err != nil {
			return PortSpec{}, fmt.Errorf("default IP %q: %w", defaultIP, err)
		}
		return AutoSpec(ip), nil
	}

	if port, err := strconv.ParseUint(raw, 10, 16); err == nil {
		ip, err := netip.ParseAddr(defaultIP)
		if err != nil {
			return PortSpec{}, fmt.Errorf("default IP %q: %w", defaultIP, err)
		}
		return FixedSpec(netip.AddrPortFrom(ip, uint16(port))), nil
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return PortSpec{}, fmt.Errorf("%q is neither a port, IP:PORT, auto, nor IP:auto: %w", raw, err)
	}

	ip, err := netip.ParseAddr(host)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid IP %q: %w", host, err)
	}

	if strings.EqualFold(portStr, "auto") {
		return AutoSpec(ip), nil
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return PortSpec{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return FixedSpec(netip.AddrPortFrom(ip, uint16(port))), nil
}

// normalizeHostPort parses the TCP endpoint grammar (no "auto" literal
// allowed here) into a "host:port" string usable by net.Listen/net.Dial.
func normalizeHostPort(raw, defaultIP string) (string, error) {
	raw = strings.TrimSpace(raw)

	if port, err := strconv.ParseUint(raw, 10, 16); err == nil {
		return net.JoinHostPort(defaultIP, strconv.FormatUint(port, 10)), nil
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", fmt.Errorf("%q is neither a port nor IP:PORT: %w", raw, err)
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return "", fmt.Errorf("invalid IP %q: %w", host, err)
	}
	if _, err := strconv.ParseUint(portStr, 10, 16); err != nil {
		return "", fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return net.JoinHostPort(host, portStr), nil
}
