// Package frame encodes and decodes the wire frame carried over the TCP
// tunnel: a length-prefixed, address-tagged envelope around one UDP
// datagram. The format is bit-exact and must interoperate across
// independent implementations.
package frame

import (
	"encoding/binary"
	"net/netip"
)

// HeaderLen is the number of bytes following the length prefix that are
// not payload: 2 bytes of port plus 16 bytes of address.
const HeaderLen = 18

// lenPrefixLen is the size of the leading length field itself.
const lenPrefixLen = 4

// Frame is the decoded logical record crossing the carrier.
type Frame struct {
	Source  netip.AddrPort
	Payload []byte
}

// Encode serializes src and payload into one wire frame, ready to be
// written to the TCP carrier.
func Encode(src netip.AddrPort, payload []byte) []byte {
	buf := make([]byte, lenPrefixLen+HeaderLen+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(HeaderLen+len(payload)))
	EncodeHeader(buf[4:4+HeaderLen], src)
	copy(buf[4+HeaderLen:], payload)
	return buf
}

// EncodeHeader writes the 18-byte port+address header into dst, which must
// be at least HeaderLen bytes long.
func EncodeHeader(dst []byte, src netip.AddrPort) {
	binary.LittleEndian.PutUint16(dst[0:2], src.Port())
	ip16 := src.Addr().As16()
	copy(dst[2:18], ip16[:])
}

// EncodeLenPrefix writes the 4-byte little-endian length prefix for a frame
// whose body (header+payload) is bodyLen bytes.
func EncodeLenPrefix(dst []byte, bodyLen int) {
	binary.LittleEndian.PutUint32(dst[0:4], uint32(bodyLen))
}

// decodeAddr reconstructs a netip.Addr from its 16-byte wire encoding,
// recognizing the IPv4-mapped-IPv6 form per §4.1.
func decodeAddr(ip16 []byte) netip.Addr {
	if isIPv4Mapped(ip16) {
		var v4 [4]byte
		copy(v4[:], ip16[12:16])
		return netip.AddrFrom4(v4)
	}
	var v6 [16]byte
	copy(v6[:], ip16)
	return netip.AddrFrom16(v6)
}

func isIPv4Mapped(ip16 []byte) bool {
	for i := 0; i < 10; i++ {
		if ip16[i] != 0 {
			return false
		}
	}
	return ip16[10] == 0xFF && ip16[11] == 0xFF
}
