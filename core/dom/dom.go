// Package dom wraps an HTML document tree with the write, query, and
// observation surface the conversion pipeline consumes. Nodes are plain
// golang.org/x/net/html nodes; Document is the gateway for every structural
// write, and each write carries its writer's generation stamp so observers
// can tell the pipeline's own mutations from foreign ones.
//
// There is deliberately no raw-markup insertion path: text enters the tree
// through text nodes and attributes only, and serialization escapes both.
package dom

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/FocuswithJustin/Glossa/core/errors"
)

// Generation identifies a writer. The pipeline allocates a fresh generation
// per pass; everything else writes as GenerationHost.
type Generation uint64

// GenerationHost marks writes by the embedding host (tests, the preview
// server, file reloads): anything that is not the pipeline.
const GenerationHost Generation = 0

// Host vocabulary used on pipeline-produced elements.
const (
	AttrID              = "id"
	AttrRole            = "role"
	AttrTabIndex        = "tabindex"
	AttrAriaHidden      = "aria-hidden"
	AttrAriaDescribedBy = "aria-describedby"

	RoleTooltip = "tooltip"
)

// Document owns a parsed HTML tree. The tree itself is not synchronized:
// writers must coordinate externally, which in practice means all writes run
// on the pipeline loop. Subscription management is safe for concurrent use.
type Document struct {
	root *html.Node

	subs subscriptions
}

// Parse parses a complete HTML document.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, errors.Wrap(err, "parsing HTML")
	}
	return &Document{root: root}, nil
}

// ParseString parses a complete HTML document from a string.
func ParseString(s string) (*Document, error) {
	return Parse(strings.NewReader(s))
}

// ParseFragment parses markup as it would appear inside <body> and returns
// the top-level nodes, detached and ready to insert.
func ParseFragment(s string) ([]*html.Node, error) {
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), ctx)
	if err != nil {
		return nil, errors.Wrap(err, "parsing HTML fragment")
	}
	return nodes, nil
}

// Root returns the document root node.
func (d *Document) Root() *html.Node {
	return d.root
}

// Body returns the document's <body> element, or nil if the document has
// none.
func (d *Document) Body() *html.Node {
	return findElement(d.root, atom.Body)
}

func findElement(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, a); found != nil {
			return found
		}
	}
	return nil
}

// Render serializes the document. Text nodes and attribute values are
// escaped by the serializer, which is what keeps attribute-stored original
// text inert.
func (d *Document) Render(w io.Writer) error {
	if err := html.Render(w, d.root); err != nil {
		return errors.Wrap(err, "rendering HTML")
	}
	return nil
}

// RenderString serializes the document to a string.
func (d *Document) RenderString() (string, error) {
	var buf bytes.Buffer
	if err := d.Render(&buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderNode serializes a single subtree.
func RenderNode(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", errors.Wrap(err, "rendering HTML node")
	}
	return buf.String(), nil
}

// NewElement creates a detached element node.
func NewElement(tag string) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
}

// NewTextNode creates a detached text node.
func NewTextNode(text string) *html.Node {
	return &html.Node{
		Type: html.TextNode,
		Data: text,
	}
}

// GetAttr returns the value of an attribute and whether it is present.
func GetAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// HasAttr reports whether the attribute is present, with any value.
func HasAttr(n *html.Node, key string) bool {
	_, ok := GetAttr(n, key)
	return ok
}

// SetAttr sets an attribute on a node, replacing any existing value. It does
// not emit a mutation record; use Document.SetAttr for writes to attached
// nodes that observers should see.
func SetAttr(n *html.Node, key, value string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

// RemoveAttr removes an attribute if present.
func RemoveAttr(n *html.Node, key string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// IsElement reports whether n is an element with the given tag.
func IsElement(n *html.Node, tag string) bool {
	return n != nil && n.Type == html.ElementNode && n.Data == tag
}

// Attached reports whether n is reachable from the document root.
func (d *Document) Attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == d.root {
			return true
		}
	}
	return false
}

// nodeDesc is a short description of a node for error messages.
func nodeDesc(n *html.Node) string {
	if n == nil {
		return "<nil>"
	}
	switch n.Type {
	case html.ElementNode:
		return "<" + n.Data + ">"
	case html.TextNode:
		return "text " + quoteShort(n.Data)
	case html.DocumentNode:
		return "document"
	case html.CommentNode:
		return "comment"
	default:
		return "node"
	}
}

func quoteShort(s string) string {
	return `"` + errors.Truncate(s, 24) + `"`
}
