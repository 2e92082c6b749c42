package iolib

import (
	"bufio"
	"bytes"
	"io"

	"github.com/pkg/errors"
)

var ErrLimitExceeded = errors.New("read limit exceeded")

// LimitReader creates new [LimitedReader]
func LimitReader(r io.Reader, n uint) io.Reader { return &LimitedReader{r, n} }

// LimitedReader is uint port of [io.LimitedReader]
type LimitedReader struct {
	R io.Reader // underlying reader
	N uint      // max bytes remaining
}

func (l *LimitedReader) Read(p []byte) (n int, err error) {
	if l.N == 0 {
		return 0, io.EOF
	}
	if uint(len(p)) > l.N {
		p = p[:l.N]
	}
	n, err = l.R.Read(p)
	l.N -= uint(n)
	if err == io.EOF && l.N > 0 {
		// Underlying stream ended before the promised length.
		err = io.ErrUnexpectedEOF
	}
	return
}

// ReadUntil reads from r until delim. The output will include delim.
// If limit is not 0, reading stops with [ErrLimitExceeded] once more than limit bytes were consumed.
func ReadUntil(r *bufio.Reader, delim []byte, limit uint) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	for {
		b, err := r.ReadSlice(delim[len(delim)-1])
		buf.Write(b)

		if limit > 0 && uint(buf.Len()) > limit {
			return nil, ErrLimitExceeded
		}

		switch {
		case err == nil:
			if bytes.HasSuffix(buf.Bytes(), delim) {
				return buf.Bytes(), nil
			}
		case errors.Is(err, bufio.ErrBufferFull):
			// Keep reading, the line is longer than the buffer.
		case err == io.EOF:
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// ReadAtMost reads r until EOF.
// It fails with [ErrLimitExceeded] when r holds more than max bytes.
func ReadAtMost(r io.Reader, max uint) ([]byte, error) {
	buf := bytes.NewBuffer(nil)

	// Read one more byte than allowed to detect an overflow.
	n, err := buf.ReadFrom(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, err
	}

	if uint(n) > max {
		return nil, ErrLimitExceeded
	}

	return buf.Bytes(), nil
}
