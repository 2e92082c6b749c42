package semantic

import (
	"http-pool/application/http"
	"http-pool/application/http/semantic/status"
)

type Response struct {
	Message

	Status status.Status
}

type ParseResponseOptions struct {
	ParseMessageOptions
}

func ResponseFrom(raw *http.Response, opts ParseResponseOptions) (*Response, error) {
	response := Response{
		Status: status.Status{Code: raw.StatusCode, ReasonPhrase: raw.ReasonPhrase},
	}

	var err error
	response.Message, err = createMessage(raw.Version, raw.Headers, raw.Body, opts.ParseMessageOptions)
	if err != nil {
		return nil, err
	}

	return &response, nil
}

// HasBody reports whether a response to method can carry content.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9112#section-6.3-2.1
func (r *Response) HasBody(method Method) bool {
	code := r.Status.Code
	switch {
	case method == MethodHead:
		return false
	case method == MethodConnect && code/100 == 2:
		return false
	case code/100 == 1, code == status.NoContent.Code, code == status.NotModified.Code:
		return false
	}
	return true
}

func (r *Response) RawResponse() http.Response {
	return http.Response{
		StatusLine: http.StatusLine{
			Version:      r.Version,
			StatusCode:   r.Status.Code,
			ReasonPhrase: r.Status.ReasonPhrase,
		},
		Headers: r.Headers.ToRawFields(),
		Body:    r.Body,
	}
}
