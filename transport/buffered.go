package transport

import (
	"bytes"
	"net"
)

// BufferedConn is a [net.Conn] that replays bytes already read off the wire
// before reading from the underlying connection again.
type BufferedConn struct {
	net.Conn
	buf *bytes.Reader
}

var _ net.Conn = (*BufferedConn)(nil)

func NewBufferedConn(c net.Conn, buffered []byte) *BufferedConn {
	return &BufferedConn{Conn: c, buf: bytes.NewReader(bytes.Clone(buffered))}
}

func (c *BufferedConn) Read(p []byte) (int, error) {
	if c.buf.Len() > 0 {
		return c.buf.Read(p)
	}
	return c.Conn.Read(p)
}

// Buffered returns the number of replayable bytes left.
func (c *BufferedConn) Buffered() int { return c.buf.Len() }
