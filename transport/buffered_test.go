package transport

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
)

type BufferedConnTestSuite struct {
	suite.Suite

	c1, c2 net.Conn
}

func TestBufferedConnTestSuite(t *testing.T) {
	suite.Run(t, new(BufferedConnTestSuite))
}

func (s *BufferedConnTestSuite) SetupTest() {
	s.c1, s.c2 = net.Pipe()
}

func (s *BufferedConnTestSuite) TearDownTest() {
	s.NoError(s.c1.Close())
	s.NoError(s.c2.Close())
	goleak.VerifyNone(s.T())
}

func (s *BufferedConnTestSuite) TestReplayThenRead() {
	bc := NewBufferedConn(s.c1, []byte("early"))
	s.Equal(5, bc.Buffered())

	go func() {
		_, _ = s.c2.Write([]byte(" late"))
	}()

	b := make([]byte, 3)
	n, err := bc.Read(b)
	s.Require().NoError(err)
	s.Equal("ear", string(b[:n]))

	n, err = bc.Read(b)
	s.Require().NoError(err)
	s.Equal("ly", string(b[:n]))
	s.Zero(bc.Buffered())

	rest := make([]byte, 5)
	_, err = io.ReadFull(bc, rest)
	s.Require().NoError(err)
	s.Equal(" late", string(rest))
}

func (s *BufferedConnTestSuite) TestWritePassesThrough() {
	bc := NewBufferedConn(s.c1, nil)

	go func() {
		_, _ = bc.Write([]byte("ping"))
	}()

	b := make([]byte, 4)
	_, err := io.ReadFull(s.c2, b)
	s.Require().NoError(err)
	s.Equal("ping", string(b))
}

func TestAddrString(t *testing.T) {
	assert.Equal(t, "example.com:80", Addr{Host: "example.com", Port: 80}.String())
	assert.Equal(t, "[::1]:443", Addr{Host: "::1", Port: 443}.String())
}
