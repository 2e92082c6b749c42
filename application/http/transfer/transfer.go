// Package transfer implements transfer codings.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7
package transfer

import (
	"io"
	"strings"

	"http-pool/application/http"

	"github.com/pkg/errors"
)

type Coding string

const (
	CodingChunked Coding = "chunked"
	CodingGzip    Coding = "gzip"
)

type Coder interface {
	Coding() Coding
	NewReader(r io.Reader) io.Reader
	NewWriter(w io.WriteCloser) io.WriteCloser
}

// CodingApplier stacks coders in the order a Transfer-Encoding field lists them.
type CodingApplier struct{ coders map[Coding]Coder }

func NewCodingApplier(customs []Coder) *CodingApplier {
	ca := &CodingApplier{}
	ca.coders = map[Coding]Coder{
		CodingChunked: NewChunkedCoder(),
		CodingGzip:    NewGzipCoder(),
	}

	for _, coder := range customs {
		ca.coders[normalize(coder.Coding())] = coder
	}

	return ca
}

var ErrUnsupportedCoding = errors.New("coding is unsupported")

// Supports reports whether every coding has a registered coder.
func (ca *CodingApplier) Supports(codings []Coding) bool {
	for _, coding := range codings {
		if _, ok := ca.coders[normalize(coding)]; !ok {
			return false
		}
	}
	return true
}

// Decode undoes codings on r, last applied coding first.
// onTrailer is called with the trailer section of a chunked body, if any.
func (ca *CodingApplier) Decode(r io.Reader, codings []Coding, onTrailer func(f []http.Field)) (io.Reader, error) {
	for idx := len(codings) - 1; idx >= 0; idx-- {
		coder, ok := ca.coders[normalize(codings[idx])]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedCoding, "%q", codings[idx])
		}

		r = coder.NewReader(r)
		if cr, ok := r.(*ChunkedReader); ok && onTrailer != nil {
			cr.SetOnTrailerReceived(func(f []http.Field) {
				if len(f) == 0 {
					return
				}
				onTrailer(f)
			})
		}
	}

	return r, nil
}

// Encode returns a writer applying codings in order before bytes reach w.
// Closing the returned writer finishes every coding.
func (ca *CodingApplier) Encode(w io.WriteCloser, codings []Coding, sendTrailers func() []http.Field) (io.WriteCloser, error) {
	for idx := len(codings) - 1; idx >= 0; idx-- {
		coder, ok := ca.coders[normalize(codings[idx])]
		if !ok {
			return nil, errors.Wrapf(ErrUnsupportedCoding, "%q", codings[idx])
		}

		w = coder.NewWriter(w)
		if cw, ok := w.(*ChunkedWriter); ok && sendTrailers != nil {
			cw.SetSendTrailers(sendTrailers)
		}
	}

	return w, nil
}

// Coding names are case-insensitive.
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-7-3
func normalize(c Coding) Coding {
	return Coding(strings.ToLower(string(c)))
}
