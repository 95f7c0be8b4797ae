package harvester

import "strings"

// ParseIdentifiers splits a comma separated identifier list. Entries are
// trimmed, empty ones dropped and order kept:
//
//	ParseIdentifiers("oai:mysite.com:1234, oai:example.com:2134")
//	// ["oai:mysite.com:1234" "oai:example.com:2134"]
func ParseIdentifiers(s string) []string {
	return NormalizeIdentifiers([]string{s})
}

// NormalizeIdentifiers flattens a list whose entries may themselves be
// comma separated, applying the same rules as ParseIdentifiers.
func NormalizeIdentifiers(list []string) []string {
	var out []string
	for _, entry := range list {
		for _, id := range strings.Split(entry, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}

// IdentifierNormalizer rewrites identifiers before they are requested.
// The harvester applies none unless one is configured.
type IdentifierNormalizer interface {
	NormalizeIdentifier(id string) string
}

// IdentifierNormalizerFunc adapts a function to IdentifierNormalizer.
type IdentifierNormalizerFunc func(string) string

func (f IdentifierNormalizerFunc) NormalizeIdentifier(id string) string { return f(id) }

const (
	arxivScheme    = "arXiv:"
	arxivOAIPrefix = "oai:arXiv.org:"
)

// ArxivNormalizer turns bare arXiv identifiers ("arXiv:1207.1019") into
// the OAI identifiers arXiv's repository expects.
type ArxivNormalizer struct{}

func (ArxivNormalizer) NormalizeIdentifier(id string) string {
	if len(id) > len(arxivScheme) && strings.EqualFold(id[:len(arxivScheme)], arxivScheme) {
		return arxivOAIPrefix + id[len(arxivScheme):]
	}
	return id
}

// NormalizerByName returns the normalizer registered under name. The
// empty name and "none" mean no rewriting.
func NormalizerByName(name string) (IdentifierNormalizer, bool) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none":
		return nil, true
	case "arxiv":
		return ArxivNormalizer{}, true
	default:
		return nil, false
	}
}
