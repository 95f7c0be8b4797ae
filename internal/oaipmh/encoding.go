package oaipmh

import (
	"fmt"
	"regexp"

	"golang.org/x/net/html/charset"
)

// xmlDeclEncoding matches the encoding pseudo-attribute of an XML
// declaration at the start of a document.
var xmlDeclEncoding = regexp.MustCompile(`^(\s*<\?xml[^>]*?)\s+encoding\s*=\s*["'][^"']*["']`)

// ValidEncoding reports whether label names a character encoding that
// WithEncoding can decode.
func ValidEncoding(label string) bool {
	if label == "" {
		return true
	}
	enc, _ := charset.Lookup(label)
	return enc != nil
}

// decodeBody transcodes body from the encoding named by label to UTF-8,
// ignoring whatever the server declared. The encoding declaration is
// dropped so the XML parser does not decode a second time.
func decodeBody(body []byte, label string) ([]byte, error) {
	if label == "" {
		return body, nil
	}
	enc, _ := charset.Lookup(label)
	if enc == nil {
		return nil, fmt.Errorf("unknown encoding %q", label)
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode body as %s: %w", label, err)
	}
	return xmlDeclEncoding.ReplaceAll(out, []byte("$1")), nil
}
