package oaipmh

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/antchfx/xmlquery"
)

// OAINamespaceURI is the namespace of OAI-PMH 2.0 response envelopes.
const OAINamespaceURI = "http://www.openarchives.org/OAI/2.0/"

type nsMode int

const (
	nsExplicit nsMode = iota
	nsNone
	nsDocument
)

// Namespace selects which namespace element names are matched in.
type Namespace struct {
	mode nsMode
	uri  string
}

var (
	// OAINamespace matches elements in the OAI-PMH 2.0 namespace.
	OAINamespace = Namespace{mode: nsExplicit, uri: OAINamespaceURI}
	// NoNamespace matches unqualified element names only.
	NoNamespace = Namespace{mode: nsNone}
	// DocumentNamespace matches elements in whatever namespace the
	// document's root element is in.
	DocumentNamespace = Namespace{mode: nsDocument}
)

// NamespaceURI returns a Namespace for an explicit URI. An empty URI is
// the same as NoNamespace.
func NamespaceURI(uri string) Namespace {
	if uri == "" {
		return NoNamespace
	}
	return Namespace{mode: nsExplicit, uri: uri}
}

func (ns Namespace) String() string {
	switch ns.mode {
	case nsNone:
		return "(none)"
	case nsDocument:
		return "(document)"
	default:
		return ns.uri
	}
}

func (ns Namespace) resolve(root *xmlquery.Node) string {
	switch ns.mode {
	case nsNone:
		return ""
	case nsDocument:
		return root.NamespaceURI
	default:
		return ns.uri
	}
}

// ExtractRecords splits an OAI-PMH response into one fragment per <record>
// element. Every fragment is a complete document: the record is wrapped in
// a copy of the response root that carries the original responseDate and
// request elements and the root's namespace declarations.
//
// A well-formed response without records yields an empty slice. Input that
// is not well-formed XML yields a *ParseError.
func ExtractRecords(data []byte, ns Namespace) ([]string, error) {
	root, err := parseDocument(data)
	if err != nil {
		return nil, err
	}
	uri := ns.resolve(root)

	responseDate := firstChild(root, uri, "responseDate")
	request := firstChild(root, uri, "request")

	records := findAll(root, uri, "record")
	fragments := make([]string, 0, len(records))
	for _, rec := range records {
		fragments = append(fragments, wrapFragment(root, responseDate, request, rec))
	}
	return fragments, nil
}

// ExtractRecordsFromFile is ExtractRecords for a file on disk.
func ExtractRecordsFromFile(path string, ns Namespace) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	fragments, err := ExtractRecords(data, ns)
	if err != nil {
		return nil, fmt.Errorf("extract records from %s: %w", path, err)
	}
	return fragments, nil
}

// ExtractIdentifier returns the text of the first <identifier> element in
// fragment. ok is false when there is none or the fragment does not parse.
func ExtractIdentifier(fragment string, ns Namespace) (id string, ok bool) {
	root, err := parseDocument([]byte(fragment))
	if err != nil {
		return "", false
	}
	uri := ns.resolve(root)
	var found *xmlquery.Node
	if matches(root, uri, "identifier") {
		found = root
	} else if all := findAll(root, uri, "identifier"); len(all) > 0 {
		found = all[0]
	}
	if found == nil {
		return "", false
	}
	return strings.TrimSpace(found.InnerText()), true
}

func parseDocument(data []byte) (*xmlquery.Node, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &ParseError{Err: errors.New("empty document")}
	}
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, newParseError(err)
	}
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n, nil
		}
	}
	return nil, &ParseError{Err: errors.New("no root element")}
}

func newParseError(err error) *ParseError {
	var syntaxErr *xml.SyntaxError
	if errors.As(err, &syntaxErr) {
		return &ParseError{Line: syntaxErr.Line, Err: err}
	}
	return &ParseError{Err: err}
}

func matches(n *xmlquery.Node, uri, local string) bool {
	return n.Type == xmlquery.ElementNode && n.Data == local && n.NamespaceURI == uri
}

func firstChild(n *xmlquery.Node, uri, local string) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matches(c, uri, local) {
			return c
		}
	}
	return nil
}

func childrenNamed(n *xmlquery.Node, uri, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if matches(c, uri, local) {
			out = append(out, c)
		}
	}
	return out
}

// findAll returns matching descendants in document order. It does not
// descend into a match, so a <record> nested inside record metadata is
// never reported on its own.
func findAll(n *xmlquery.Node, uri, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	var walk func(*xmlquery.Node)
	walk = func(p *xmlquery.Node) {
		for c := p.FirstChild; c != nil; c = c.NextSibling {
			if c.Type != xmlquery.ElementNode {
				continue
			}
			if matches(c, uri, local) {
				out = append(out, c)
				continue
			}
			walk(c)
		}
	}
	walk(n)
	return out
}

func childText(n *xmlquery.Node, uri, local string) string {
	if c := firstChild(n, uri, local); c != nil {
		return strings.TrimSpace(c.InnerText())
	}
	return ""
}

func attrValue(n *xmlquery.Node, local string) string {
	for _, a := range n.Attr {
		if a.Name.Space == "" && a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func qualifiedName(n *xmlquery.Node) string {
	if n.Prefix == "" {
		return n.Data
	}
	return n.Prefix + ":" + n.Data
}

func isNamespaceDecl(a xmlquery.Attr) bool {
	return (a.Name.Space == "" && a.Name.Local == "xmlns") || a.Name.Space == "xmlns"
}

func declaredPrefix(a xmlquery.Attr) string {
	if a.Name.Space == "" {
		return ""
	}
	return a.Name.Local
}

func writeAttr(b *strings.Builder, a xmlquery.Attr) {
	b.WriteByte(' ')
	if a.Name.Space != "" {
		b.WriteString(a.Name.Space)
		b.WriteByte(':')
	}
	b.WriteString(a.Name.Local)
	b.WriteString(`="`)
	_ = xml.EscapeText(b, []byte(a.Value))
	b.WriteByte('"')
}

func wrapFragment(root *xmlquery.Node, parts ...*xmlquery.Node) string {
	var b strings.Builder
	name := qualifiedName(root)
	b.WriteByte('<')
	b.WriteString(name)
	for _, a := range root.Attr {
		if isNamespaceDecl(a) {
			writeAttr(&b, a)
		}
	}
	b.WriteByte('>')
	for _, p := range parts {
		if p != nil {
			b.WriteString(standaloneBelow(p, root))
		}
	}
	b.WriteString("</")
	b.WriteString(name)
	b.WriteByte('>')
	return b.String()
}

// standaloneXML serialises n with every namespace declaration in scope
// from its ancestors copied onto n itself.
func standaloneXML(n *xmlquery.Node) string {
	return standaloneBelow(n, nil)
}

// standaloneBelow is standaloneXML for a node that will be written inside
// a copy of stop: declarations made on stop or above it are left out.
func standaloneBelow(n, stop *xmlquery.Node) string {
	declared := make(map[string]bool)
	for _, a := range n.Attr {
		if isNamespaceDecl(a) {
			declared[declaredPrefix(a)] = true
		}
	}
	var inherited []xmlquery.Attr
	for p := n.Parent; p != nil && p != stop; p = p.Parent {
		for _, a := range p.Attr {
			if !isNamespaceDecl(a) || declared[declaredPrefix(a)] {
				continue
			}
			declared[declaredPrefix(a)] = true
			inherited = append(inherited, a)
		}
	}
	if len(inherited) == 0 {
		return n.OutputXML(true)
	}
	own := n.Attr
	n.Attr = append(append(make([]xmlquery.Attr, 0, len(own)+len(inherited)), own...), inherited...)
	out := n.OutputXML(true)
	n.Attr = own
	return out
}
