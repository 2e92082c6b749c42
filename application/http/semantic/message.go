package semantic

import (
	"io"
	"strconv"
	"strings"

	"http-pool/application/http"
	"http-pool/application/http/transfer"
	"http-pool/application/util/rule"
	iolib "http-pool/lib/io"

	"github.com/pkg/errors"
)

type Message struct {
	Version http.Version

	Headers Headers

	ContentLength    *uint
	TransferEncoding []transfer.Coding

	Body io.Reader

	Trailers *Headers
}

type ParseMessageOptions struct {
	CombineFieldValues bool
	RequiredFields     []string
}

func createMessage(
	ver http.Version,
	headers []http.Field,
	body io.Reader,
	opts ParseMessageOptions,
) (msg Message, err error) {
	msg.Version = ver

	msg.Headers = HeadersFrom(headers, opts.CombineFieldValues)
	if err := assertHeaderContains(msg.Headers, opts.RequiredFields); err != nil {
		return Message{}, errors.Wrap(err, "header has missing fields")
	}

	msg.Body = body

	if v, ok := msg.Headers.Values("Transfer-Encoding"); ok {
		// Transfer-Encoding overrides Content-Length.
		// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.1-14
		for _, line := range v {
			for _, coding := range rule.SplitList(line) {
				msg.TransferEncoding = append(msg.TransferEncoding, transfer.Coding(coding))
			}
		}
		return msg, nil
	}

	msg.ContentLength, err = extractContentLength(msg.Headers)
	if err != nil {
		return Message{}, errors.Wrap(err, "extracting content length")
	}

	if msg.ContentLength != nil && msg.Body != nil {
		// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6
		msg.Body = iolib.LimitReader(msg.Body, *msg.ContentLength)
	}

	return msg, nil
}

func (m *Message) IsChunked() bool {
	if len(m.TransferEncoding) == 0 {
		return false
	}

	last := m.TransferEncoding[len(m.TransferEncoding)-1]

	return strings.EqualFold(string(last), string(transfer.CodingChunked))
}

// KeepAlive reports whether the connection stays open after this message.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-9.3
func (m *Message) KeepAlive() bool {
	if m.Headers.Has("Connection", "close") {
		return false
	}
	if m.Version.AtLeast(http.Version11) {
		return true
	}
	return m.Headers.Has("Connection", "keep-alive")
}

func (m *Message) EnsureHeadersSet() {
	if len(m.TransferEncoding) > 0 {
		m.Headers.Del("Content-Length")
		m.Headers.Del("Transfer-Encoding")
		for _, enc := range m.TransferEncoding {
			m.Headers.Add("Transfer-Encoding", string(enc))
		}
		return
	}
	if m.ContentLength != nil {
		m.Headers.Set("Content-Length", strconv.FormatUint(uint64(*m.ContentLength), 10))
	}
}

func assertHeaderContains(h Headers, keys []string) error {
	missing := make([]string, 0)
	for _, key := range keys {
		_, ok := h.Get(key)
		if !ok {
			missing = append(missing, key)
		}
	}

	if len(missing) > 0 {
		return errors.Errorf("missing key(s): %s", missing)
	}

	return nil
}

var ErrInvalidContentLength = errors.New("content length is missing or invalid")

// ContentLengthOf reads Content-Length from h.
// Unlike message parsing, a missing value is an error here.
func ContentLengthOf(h Headers) (uint, error) {
	l, err := extractContentLength(h)
	if err != nil {
		return 0, errors.Wrap(ErrInvalidContentLength, err.Error())
	}
	if l == nil {
		return 0, errors.Wrap(ErrInvalidContentLength, "no Content-Length field")
	}
	return *l, nil
}

// extractContentLength extracts content length from headers.
func extractContentLength(h Headers) (*uint, error) {
	values, ok := h.Values("Content-Length")
	if !ok || len(values) == 0 {
		return nil, nil
	}

	// Repeated values are allowed only when they are identical.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-8
	v := ""
	for _, line := range values {
		for _, elem := range rule.SplitList(line) {
			if v != "" && v != elem {
				return nil, errors.Errorf("conflicting Content-Length values: %q", values)
			}
			v = elem
		}
	}

	// Any value greater than or equal to 0 is valid.
	// But let's restrict it to 64bit uint.
	// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-8.6-10
	len64, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse Content-Length")
	}

	l := uint(len64)
	return &l, nil
}
