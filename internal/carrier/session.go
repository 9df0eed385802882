// Package carrier wraps the single active TCP connection transporting
// framed UDP datagrams, serializing writes and decoding the read side into
// frames per §4.1/§4.2.
package carrier

import (
	"bufio"
	"net"
	"net/netip"
	"sync"

	"udptcp/internal/frame"
	"udptcp/internal/tunlog"
)

const (
	writeBufSize = 64 * 1024
	readChunkSize = 64 * 1024
)

// Session owns one TCP connection for its lifetime. Once Recv returns an
// error the session is dead; callers must discard it and obtain a new one
// (new accept, or new dial) per the §4.2 carrier-manager behaviors.
type Session struct {
	conn net.Conn
	w    *bufio.Writer
	dec  *frame.Decoder

	sendMu sync.Mutex
}

// New wraps conn as an active carrier session.
func New(conn net.Conn) *Session {
	return &Session{
		conn: conn,
		w:    bufio.NewWriterSize(conn, writeBufSize),
		dec:  frame.NewDecoder(),
	}
}

// Send serializes and writes one frame: length prefix, header, payload,
// then flush. Per §4.2's write protocol, any of these three steps failing
// is reported as the same carrier error to the caller, who must drop the
// session and clear flow state.
func (s *Session) Send(src netip.AddrPort, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	hdr := make([]byte, 4+frame.HeaderLen)
	frame.EncodeLenPrefix(hdr, frame.HeaderLen+len(payload))
	frame.EncodeHeader(hdr[4:], src)

	if _, err := s.w.Write(hdr); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	return s.w.Flush()
}

// Recv blocks until the next well-formed frame is available, silently
// skipping malformed frames (logged, carrier preserved per §4.1), or
// returns an error — including io.EOF — once the underlying connection has
// failed.
func (s *Session) Recv(logger *tunlog.Logger) (frame.Frame, error) {
	buf := make([]byte, readChunkSize)
	for {
		f, hasMore, malformed := s.dec.Next()
		if hasMore {
			if malformed {
				logger.Warnf("carrier: discarding malformed frame")
				continue
			}
			return f, nil
		}

		n, err := s.conn.Read(buf)
		if err != nil {
			return frame.Frame{}, err
		}
		s.dec.Feed(buf[:n])
	}
}

// Close tears down the underlying connection. Safe to call more than once.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr reports the peer address of the underlying connection, for
// logging.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}
