package transfer

import (
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

type gzipCoder struct{}

func NewGzipCoder() Coder { return gzipCoder{} }

func (gzipCoder) Coding() Coding { return CodingGzip }

func (gzipCoder) NewReader(r io.Reader) io.Reader {
	return &gzipReader{src: r}
}

func (gzipCoder) NewWriter(w io.WriteCloser) io.WriteCloser {
	return &gzipWriter{zw: gzip.NewWriter(w), next: w}
}

// gzipReader defers reading the gzip header until the first Read,
// so that building a decoding chain never blocks on the network.
type gzipReader struct {
	src io.Reader
	zr  *gzip.Reader
}

func (r *gzipReader) Read(p []byte) (int, error) {
	if r.zr == nil {
		zr, err := gzip.NewReader(r.src)
		if err != nil {
			return 0, errors.Wrap(err, "reading gzip header")
		}
		r.zr = zr
	}

	return r.zr.Read(p)
}

type gzipWriter struct {
	zw   *gzip.Writer
	next io.WriteCloser
}

func (w *gzipWriter) Write(p []byte) (int, error) { return w.zw.Write(p) }

func (w *gzipWriter) Close() error {
	if err := w.zw.Close(); err != nil {
		return errors.Wrap(err, "finishing gzip stream")
	}
	return w.next.Close()
}
