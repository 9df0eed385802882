// Package config parses the command-line address grammar and role options
// for the tunnel, and validates the allowed udp_bind/udp_sendto combinations.
package config

import (
	"errors"
	"net/netip"
	"time"
)

// Mode distinguishes a fully specified socket address from one whose port
// is deferred to per-flow allocation.
type Mode uint8

const (
	Fixed Mode = iota
	Auto
)

func (m Mode) String() string {
	if m == Auto {
		return "auto"
	}
	return "fixed"
}

// PortSpec is the tagged union from the address grammar: either a complete
// socket address, or an IP with port selection deferred per flow.
type PortSpec struct {
	Mode Mode
	addr netip.AddrPort
	ip   netip.Addr
}

// FixedSpec builds a fully specified PortSpec.
func FixedSpec(addr netip.AddrPort) PortSpec {
	return PortSpec{Mode: Fixed, addr: addr}
}

// AutoSpec builds a deferred-port PortSpec bound to ip.
func AutoSpec(ip netip.Addr) PortSpec {
	return PortSpec{Mode: Auto, ip: ip}
}

// AddrPort returns the fully specified address. Only valid when Mode == Fixed.
func (p PortSpec) AddrPort() netip.AddrPort {
	return p.addr
}

// IP returns the bound IP regardless of mode.
func (p PortSpec) IP() netip.Addr {
	if p.Mode == Auto {
		return p.ip
	}
	return p.addr.Addr()
}

func (p PortSpec) String() string {
	if p.Mode == Auto {
		return p.ip.String() + ":auto"
	}
	return p.addr.String()
}

// Role selects which of the two symmetrical tunnel sides a process runs as.
type Role uint8

const (
	RoleListen Role = iota
	RoleConnect
)

func (r Role) String() string {
	if r == RoleConnect {
		return "connect"
	}
	return "listen"
}

// Options is the fully validated, resolved configuration for one run.
type Options struct {
	Role      Role
	TCPAddr   string // listener address (L) or dial address (C), "host:port"
	UDPBind   PortSpec
	UDPSendTo PortSpec
	Verbose   bool
	Debug     bool

	MaxFlows      int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

var (
	// ErrMissingTCPEndpoint is returned when neither --tcp-listen nor
	// --tcp-connect was given.
	ErrMissingTCPEndpoint = errors.New("exactly one of --tcp-listen/-l or --tcp-connect/-t is required")
	// ErrBothTCPEndpoints is returned when both were given.
	ErrBothTCPEndpoints = errors.New("only one of --tcp-listen/-l or --tcp-connect/-t may be given")
	// ErrAutoModeNotAllowed is returned by Validate for a disallowed
	// role/mode combination (§3's allowed-combination table).
	ErrAutoModeNotAllowed = errors.New("auto mode not allowed for this role/field combination")
)

// Validate enforces the §3 allowed-combination table: udp_bind may only be
// Auto on the listen side, udp_sendto may only be Auto on the connect side.
func (o Options) Validate() error {
	if o.Role == RoleConnect && o.UDPBind.Mode == Auto {
		return ErrAutoModeNotAllowed
	}
	if o.Role == RoleListen && o.UDPSendTo.Mode == Auto {
		return ErrAutoModeNotAllowed
	}
	return nil
}
