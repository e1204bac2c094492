// Package classify decides what the conversion pipeline may touch. Every
// node resolves once into a small tagged Class; the walker and the change
// coordinator branch on that instead of probing node shapes ad hoc.
//
// Classification is conservative: a node is eligible only when it is
// unambiguously plain, visible, non-editable text. When uncertain, skip.
package classify

import (
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/FocuswithJustin/Glossa/core/dom"
)

// Class is the category a node resolves to.
type Class int

const (
	// Ignorable nodes carry nothing convertible: comments, doctypes,
	// whitespace-only or already-handled text.
	Ignorable Class = iota

	// EligibleText is a text node the processor should see.
	EligibleText

	// SkippableElement is an element whose whole subtree is off limits.
	SkippableElement

	// Wrapper is an element the pipeline itself produced. Its content is
	// never re-scanned.
	Wrapper

	// Container is an ordinary element worth descending into.
	Container
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case Ignorable:
		return "ignorable"
	case EligibleText:
		return "text"
	case SkippableElement:
		return "skippable"
	case Wrapper:
		return "wrapper"
	case Container:
		return "container"
	default:
		return "unknown"
	}
}

// Attribute names shared across the pipeline. The walker writes them, the
// classifier and the tooltip controller read them.
const (
	// AttrOriginal stores the replaced text verbatim on a wrapper. It is
	// attribute data, never parsed as markup.
	AttrOriginal = "data-glossa-original"

	// AttrDone marks an element as pipeline output. Any element carrying
	// it is excluded from further processing.
	AttrDone = "data-glossa-done"

	// AttrEditable is the host attribute for user-editable regions.
	AttrEditable = "contenteditable"
)

// skipAtoms are elements whose subtrees the walker must never enter: form
// controls, editable or script-bearing elements, non-visible and foreign
// content, and head metadata.
var skipAtoms = map[atom.Atom]struct{}{
	atom.Input:    {},
	atom.Textarea: {},
	atom.Select:   {},
	atom.Option:   {},
	atom.Button:   {},
	atom.Script:   {},
	atom.Style:    {},
	atom.Noscript: {},
	atom.Template: {},
	atom.Iframe:   {},
	atom.Object:   {},
	atom.Embed:    {},
	atom.Svg:      {},
	atom.Math:     {},
	atom.Head:     {},
	atom.Title:    {},
	atom.Meta:     {},
	atom.Link:     {},
	atom.Base:     {},
}

// skipTags covers nodes built without an atom lookup.
var skipTags = func() map[string]struct{} {
	m := make(map[string]struct{}, len(skipAtoms))
	for a := range skipAtoms {
		m[a.String()] = struct{}{}
	}
	return m
}()

// Marks is the pipeline's idempotence bookkeeping for text nodes, which
// cannot carry attributes. A text node enters the set when the processor has
// seen it and left it unchanged; converted text nodes leave the tree
// entirely, their wrappers marked via AttrDone instead.
//
// One Marks instance belongs to one pipeline; it is safe for concurrent use
// so diagnostics can read sizes while the loop runs.
type Marks struct {
	mu   sync.Mutex
	seen map[*html.Node]struct{}
}

// NewMarks returns empty bookkeeping.
func NewMarks() *Marks {
	return &Marks{seen: make(map[*html.Node]struct{})}
}

// Add records a text node as handled.
func (m *Marks) Add(n *html.Node) {
	if m == nil || n == nil {
		return
	}
	m.mu.Lock()
	m.seen[n] = struct{}{}
	m.mu.Unlock()
}

// Has reports whether the node was already handled.
func (m *Marks) Has(n *html.Node) bool {
	if m == nil || n == nil {
		return false
	}
	m.mu.Lock()
	_, ok := m.seen[n]
	m.mu.Unlock()
	return ok
}

// Forget drops a node from the bookkeeping, typically when the host removes
// it from the document.
func (m *Marks) Forget(n *html.Node) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.seen, n)
	m.mu.Unlock()
}

// Reset clears all bookkeeping, typically on a rule set change: previously
// unmatched text may match under the new rules.
func (m *Marks) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.seen = make(map[*html.Node]struct{})
	m.mu.Unlock()
}

// Len returns the number of marked nodes.
func (m *Marks) Len() int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	n := len(m.seen)
	m.mu.Unlock()
	return n
}

// Classifier resolves nodes against one pipeline's mark bookkeeping.
type Classifier struct {
	marks *Marks
}

// New returns a classifier bound to the given marks. A nil marks is legal
// and behaves as an always-empty set.
func New(marks *Marks) *Classifier {
	return &Classifier{marks: marks}
}

// Classify resolves a node to its class. All checks are per-node flag and
// tag-set lookups; ancestor effects come from subtree pruning, not from
// walking parent chains here.
func (c *Classifier) Classify(n *html.Node) Class {
	if n == nil {
		return Ignorable
	}
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" {
			return Ignorable
		}
		if c.marks.Has(n) {
			return Ignorable
		}
		return EligibleText
	case html.ElementNode:
		if IsWrapper(n) {
			return Wrapper
		}
		if skippableElement(n) {
			return SkippableElement
		}
		return Container
	case html.DocumentNode:
		return Container
	default:
		return Ignorable
	}
}

// EligibleSubtree reports whether a subtree rooted at n is worth visiting
// at all. The coordinator uses it to discard delivered roots before they
// ever reach the walker.
func (c *Classifier) EligibleSubtree(n *html.Node) bool {
	switch c.Classify(n) {
	case EligibleText, Container:
		return true
	default:
		return false
	}
}

// IsWrapper reports whether the element is pipeline output.
func IsWrapper(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode && dom.HasAttr(n, AttrDone)
}

func skippableElement(n *html.Node) bool {
	if n.DataAtom != 0 {
		if _, ok := skipAtoms[n.DataAtom]; ok {
			return true
		}
	} else if _, ok := skipTags[strings.ToLower(n.Data)]; ok {
		return true
	}
	// Any contenteditable value except an explicit "false" makes the
	// element editable or ambiguous; both mean hands off.
	if v, ok := dom.GetAttr(n, AttrEditable); ok && !strings.EqualFold(v, "false") {
		return true
	}
	return false
}
