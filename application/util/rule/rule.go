// Package rule holds the lexical rules shared by the HTTP codec and its semantics.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6
package rule

import "strings"

const (
	CR   byte = '\r'
	LF   byte = '\n'
	SP   byte = ' '
	HTAB byte = '\t'
	VT   byte = 0x0B
	FF   byte = 0x0C
)

var (
	OWS         = []byte{SP, HTAB}
	CRLF        = []byte{CR, LF}
	Whitespaces = []byte{SP, HTAB, VT, FF, CR}
)

func IsWhitespace(r rune) bool {
	for _, ws := range Whitespaces {
		if r == rune(ws) {
			return true
		}
	}
	return false
}

func IsAlpha(r rune) bool { return ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') }
func IsDigit(r rune) bool { return '0' <= r && r <= '9' }

// SplitList splits a comma separated field value into its elements.
// Empty elements are dropped and commas inside quoted strings are preserved.
//
// Reference: https://datatracker.ietf.org/doc/html/rfc9110#section-5.6.1
func SplitList(value string) []string {
	elems := make([]string, 0)

	quoted, escaped := false, false
	start := 0
	for idx := 0; idx < len(value); idx++ {
		c := value[idx]
		switch {
		case escaped:
			escaped = false
		case quoted && c == '\\':
			escaped = true
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			elems = appendElem(elems, value[start:idx])
			start = idx + 1
		}
	}

	return appendElem(elems, value[start:])
}

func appendElem(elems []string, elem string) []string {
	elem = strings.TrimFunc(elem, IsWhitespace)
	if elem == "" {
		return elems
	}
	return append(elems, elem)
}

// ContainsToken reports whether any of the list-based field values carries token.
// Tokens are compared case-insensitively.
func ContainsToken(values []string, token string) bool {
	for _, v := range values {
		for _, elem := range SplitList(v) {
			if strings.EqualFold(elem, token) {
				return true
			}
		}
	}
	return false
}
