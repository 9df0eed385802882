package frame

import (
	"encoding/binary"
	"net/netip"
)

const initialBufCap = 64 * 1024

// Decoder accumulates bytes read off the TCP carrier and extracts complete
// frames as they become available, preserving any trailing partial frame
// across calls to Feed.
type Decoder struct {
	buf []byte
}

// NewDecoder returns a Decoder with the §5 64 KiB initial accumulation
// buffer, which grows to fit whatever frame is currently in flight.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, initialBufCap)}
}

// Feed appends newly read bytes to the accumulation buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next extracts the next frame from the buffer.
//
// hasMore is false when too few bytes are buffered to make progress; the
// caller should Feed more data and try again. hasMore is true whenever a
// length-delimited chunk was consumed, whether or not it decoded to a
// well-formed frame — callers must keep calling Next in a loop while
// hasMore is true, even when malformed is also true, since a malformed
// frame is discarded without blocking the frames behind it.
func (d *Decoder) Next() (f Frame, hasMore bool, malformed bool) {
	if len(d.buf) < lenPrefixLen {
		return Frame{}, false, false
	}
	n := binary.LittleEndian.Uint32(d.buf[:lenPrefixLen])
	total := lenPrefixLen + int(n)
	if len(d.buf) < total {
		return Frame{}, false, false
	}

	body := d.buf[lenPrefixLen:total]
	d.buf = d.buf[total:]

	if n < HeaderLen {
		return Frame{}, true, true
	}

	port := binary.LittleEndian.Uint16(body[0:2])
	addr := decodeAddr(body[2:18])
	payload := append([]byte(nil), body[18:]...)
	return Frame{Source: netip.AddrPortFrom(addr, port), Payload: payload}, true, false
}
