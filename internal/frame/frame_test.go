package frame

import (
	"bytes"
	"net/netip"
	"testing"
)

func TestEncodeDecodeRoundTripIPv4(t *testing.T) {
	src := netip.MustParseAddrPort("192.0.2.7:33333")
	payload := []byte("hello")

	wire := Encode(src, payload)

	dec := NewDecoder()
	dec.Feed(wire)
	f, hasMore, malformed := dec.Next()
	if !hasMore || malformed {
		t.Fatalf("hasMore=%v malformed=%v", hasMore, malformed)
	}
	if f.Source != src {
		t.Fatalf("got source %v, want %v", f.Source, src)
	}
	if !bytes.Equal(f.Payload, payload) {
		t.Fatalf("got payload %q, want %q", f.Payload, payload)
	}

	// bytes 0..12 of the address header must be the IPv4-mapped prefix.
	header := wire[4 : 4+HeaderLen]
	wantPrefix := append(bytes.Repeat([]byte{0}, 10), 0xFF, 0xFF)
	if !bytes.Equal(header[2:14], wantPrefix) {
		t.Fatalf("got prefix % x, want % x", header[2:14], wantPrefix)
	}
}

func TestEncodeDecodeRoundTripIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[2001:db8::1]:443")
	payload := []byte{1, 2, 3, 4}

	wire := Encode(src, payload)
	dec := NewDecoder()
	dec.Feed(wire)
	f, hasMore, malformed := dec.Next()
	if !hasMore || malformed {
		t.Fatalf("hasMore=%v malformed=%v", hasMore, malformed)
	}
	if f.Source != src {
		t.Fatalf("got source %v, want %v", f.Source, src)
	}
}

// TestIPv4MappedRoundTrip covers end-to-end scenario 6: a source recorded
// as an IPv6 IPv4-mapped address must decode back to IPv4 form.
func TestIPv4MappedRoundTrip(t *testing.T) {
	src := netip.MustParseAddrPort("[::ffff:192.0.2.7]:33333")
	wire := Encode(src, []byte("x"))

	dec := NewDecoder()
	dec.Feed(wire)
	f, _, _ := dec.Next()

	if !f.Source.Addr().Is4() {
		t.Fatalf("expected decoded address to report as IPv4, got %v", f.Source.Addr())
	}
	want := netip.MustParseAddr("192.0.2.7")
	if f.Source.Addr() != want {
		t.Fatalf("got %v, want %v", f.Source.Addr(), want)
	}
}

// TestStreamFraming covers the §8 "stream framing" property: decoding a
// concatenation of frames yields the same sequence in order with zero
// trailing bytes.
func TestStreamFraming(t *testing.T) {
	src1 := netip.MustParseAddrPort("127.0.0.1:1")
	src2 := netip.MustParseAddrPort("127.0.0.1:2")
	src3 := netip.MustParseAddrPort("127.0.0.1:3")

	var stream bytes.Buffer
	stream.Write(Encode(src1, []byte("a")))
	stream.Write(Encode(src2, []byte("bb")))
	stream.Write(Encode(src3, []byte("")))

	dec := NewDecoder()
	dec.Feed(stream.Bytes())

	var got []Frame
	for {
		f, hasMore, malformed := dec.Next()
		if !hasMore {
			break
		}
		if malformed {
			t.Fatalf("unexpected malformed frame")
		}
		got = append(got, f)
	}

	if len(got) != 3 {
		t.Fatalf("got %d frames, want 3", len(got))
	}
	if got[0].Source != src1 || string(got[0].Payload) != "a" {
		t.Fatalf("frame 0 mismatch: %+v", got[0])
	}
	if got[1].Source != src2 || string(got[1].Payload) != "bb" {
		t.Fatalf("frame 1 mismatch: %+v", got[1])
	}
	if got[2].Source != src3 || string(got[2].Payload) != "" {
		t.Fatalf("frame 2 mismatch: %+v", got[2])
	}

	if f, hasMore, _ := dec.Next(); hasMore {
		t.Fatalf("expected no trailing frame, got %+v", f)
	}
}

// TestDecoderWaitsForPartialData covers the "short reads are not errors"
// rule: feeding bytes one at a time must never report a spurious frame or
// malformed result before enough bytes are buffered.
func TestDecoderWaitsForPartialData(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.1:9")
	wire := Encode(src, []byte("payload"))

	dec := NewDecoder()
	var got *Frame
	for i := range wire {
		dec.Feed(wire[i : i+1])
		f, hasMore, malformed := dec.Next()
		if !hasMore {
			continue
		}
		if malformed {
			t.Fatalf("spurious malformed result mid-stream")
		}
		got = &f
	}
	if got == nil {
		t.Fatalf("frame never decoded")
	}
	if got.Source != src || string(got.Payload) != "payload" {
		t.Fatalf("got %+v", got)
	}
}

// TestMalformedFrameDiscardedWithoutBlockingStream covers end-to-end
// scenario 5: a frame shorter than the 18-byte header is discarded, and a
// well-formed frame behind it in the same buffer is still delivered.
func TestMalformedFrameDiscardedWithoutBlockingStream(t *testing.T) {
	var stream bytes.Buffer

	bad := make([]byte, 4+5) // len=5, shorter than HeaderLen
	EncodeLenPrefix(bad, 5)
	stream.Write(bad)

	good := netip.MustParseAddrPort("127.0.0.1:4242")
	stream.Write(Encode(good, []byte("ok")))

	dec := NewDecoder()
	dec.Feed(stream.Bytes())

	_, hasMore, malformed := dec.Next()
	if !hasMore || !malformed {
		t.Fatalf("expected malformed frame to be reported, got hasMore=%v malformed=%v", hasMore, malformed)
	}

	f, hasMore, malformed := dec.Next()
	if !hasMore || malformed {
		t.Fatalf("expected well-formed frame after malformed one, got hasMore=%v malformed=%v", hasMore, malformed)
	}
	if f.Source != good || string(f.Payload) != "ok" {
		t.Fatalf("got %+v", f)
	}
}
