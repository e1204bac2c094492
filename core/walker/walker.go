// Package walker performs the conversion traversal: a depth-first,
// pre-order walk over eligible nodes that replaces matched text with
// wrapper elements. A walk is split into bounded chunks so the pipeline
// loop can interleave it with everything else; the cursor is an explicit
// stack, and a pass survives being paused, resumed, or abandoned at any
// chunk boundary.
package walker

import (
	"fmt"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/core/textproc"
	"github.com/FocuswithJustin/Glossa/internal/logging"
)

// DefaultChunkSize bounds how many nodes one Step visits when the caller
// does not say otherwise.
const DefaultChunkSize = 128

// Config wires a walker to its document and collaborators.
type Config struct {
	// Document is the tree being converted and the gateway for writes.
	Document *dom.Document

	// Processor converts text. Its cache and rule set are owned by the
	// pipeline, not the walker.
	Processor *textproc.Processor

	// Classifier decides what the walk may touch.
	Classifier *classify.Classifier

	// Marks records text nodes that were processed but not converted, so
	// later passes skip them. Optional; without it unchanged text is
	// re-examined on every pass, which is correct but wasteful.
	Marks *classify.Marks

	// NextTipID allocates ids for the tooltip companion elements. Optional;
	// the default is a per-walker counter.
	NextTipID func() string
}

// Walker runs conversion passes over one document.
type Walker struct {
	cfg    Config
	tipSeq uint64
}

// New validates the wiring and returns a walker.
func New(cfg Config) (*Walker, error) {
	if cfg.Document == nil {
		return nil, errors.NewValidation("document", "cannot be nil")
	}
	if cfg.Processor == nil {
		return nil, errors.NewValidation("processor", "cannot be nil")
	}
	if cfg.Classifier == nil {
		return nil, errors.NewValidation("classifier", "cannot be nil")
	}
	return &Walker{cfg: cfg}, nil
}

func (w *Walker) nextTipID() string {
	if w.cfg.NextTipID != nil {
		return w.cfg.NextTipID()
	}
	w.tipSeq++
	return fmt.Sprintf("glossa-tip-%d", w.tipSeq)
}

// Stats counts what one pass did.
type Stats struct {
	Visited   int // nodes popped from the cursor
	Converted int // text nodes that contained at least one match
	Wrappers  int // wrapper elements inserted
	Marked    int // text nodes examined and left unchanged
	Skipped   int // subtrees pruned (skippable elements and wrappers)
	Detached  int // conversions abandoned because the node left the tree
	Chunks    int // Step calls that advanced the cursor
}

// Pass is one resumable traversal of a subtree. It is not safe for
// concurrent use; Step is called from the pipeline loop only.
type Pass struct {
	w     *Walker
	gen   dom.Generation
	root  string
	stack []*html.Node
	stats Stats
	done  bool
}

// Start begins a pass over the subtree rooted at root. Writes performed by
// the pass are stamped with gen. A root the classifier rejects yields an
// already-finished pass.
func (w *Walker) Start(root *html.Node, gen dom.Generation) *Pass {
	p := &Pass{w: w, gen: gen, root: describe(root)}
	if root == nil || !w.cfg.Classifier.EligibleSubtree(root) {
		p.done = true
		return p
	}
	p.stack = append(p.stack, root)
	return p
}

// Step visits at most budget nodes and returns whether the pass finished.
// budget <= 0 means DefaultChunkSize. Between Steps the document may change
// under the pass; nodes that left the tree are skipped when reached.
func (p *Pass) Step(budget int) bool {
	if p.done {
		return true
	}
	if budget <= 0 {
		budget = DefaultChunkSize
	}

	visited := 0
	for visited < budget && len(p.stack) > 0 {
		node := p.stack[len(p.stack)-1]
		p.stack = p.stack[:len(p.stack)-1]
		visited++
		p.stats.Visited++

		switch p.w.cfg.Classifier.Classify(node) {
		case classify.EligibleText:
			p.convert(node)
		case classify.Container:
			// Push children in reverse so the walk stays in document
			// order.
			for c := node.LastChild; c != nil; c = c.PrevSibling {
				p.stack = append(p.stack, c)
			}
		case classify.SkippableElement, classify.Wrapper:
			p.stats.Skipped++
		case classify.Ignorable:
		}
	}

	if visited > 0 {
		p.stats.Chunks++
	}
	if len(p.stack) == 0 {
		p.done = true
		logging.WalkerPass(p.root, p.stats.Visited, p.stats.Converted, p.stats.Chunks)
	}
	return p.done
}

// Done reports whether the pass has exhausted its subtree.
func (p *Pass) Done() bool {
	return p.done
}

// Pending returns how many nodes are queued on the cursor. Diagnostics only.
func (p *Pass) Pending() int {
	return len(p.stack)
}

// Stats returns what the pass has done so far.
func (p *Pass) Stats() Stats {
	return p.stats
}

// Abandon discards the rest of the pass. Already-converted nodes stand;
// everything still on the cursor stays untouched.
func (p *Pass) Abandon() {
	p.stack = nil
	p.done = true
}

// convert runs the processor over one text node. Each matched stretch
// becomes its own wrapper; unmatched stretches stay plain text nodes around
// the wrappers. The whole splice is one gateway write, so the node is either
// fully untouched or fully converted, never half-wrapped.
func (p *Pass) convert(node *html.Node) {
	res := p.w.cfg.Processor.Process(node.Data)
	if !res.Changed || len(res.Spans) == 0 {
		p.w.cfg.Marks.Add(node)
		p.stats.Marked++
		return
	}

	src := node.Data
	pieces := make([]*html.Node, 0, 2*len(res.Spans)+1)
	var residual []*html.Node
	cursor := 0
	for _, sp := range res.Spans {
		if sp.Start > cursor {
			txt := dom.NewTextNode(src[cursor:sp.Start])
			pieces = append(pieces, txt)
			residual = append(residual, txt)
		}
		pieces = append(pieces, Wrap(src[sp.Start:sp.End], sp.Converted, p.w.nextTipID()))
		cursor = sp.End
	}
	if cursor < len(src) {
		txt := dom.NewTextNode(src[cursor:])
		pieces = append(pieces, txt)
		residual = append(residual, txt)
	}

	if err := p.w.cfg.Document.ReplaceNodeWith(node, p.gen, pieces...); err != nil {
		// The node left the tree between scheduling and conversion. The
		// document is untouched at this position; move on.
		p.stats.Detached++
		logging.Debug("conversion target detached mid-pass",
			"node", describe(node),
			"error", err)
		return
	}

	// The residual text was examined along with the rest of the source
	// node; mark it so later passes skip the replaced position entirely.
	for _, txt := range residual {
		p.w.cfg.Marks.Add(txt)
	}
	p.stats.Converted++
	p.stats.Wrappers += len(res.Spans)
}

// Wrap builds a detached conversion wrapper. The converted text is the
// visible content; the original is carried verbatim in an attribute and is
// never parsed as markup. The embedded companion is where the tooltip
// controller later writes the original for display.
func Wrap(original, converted, tipID string) *html.Node {
	w := dom.NewElement("span")
	dom.SetAttr(w, classify.AttrOriginal, original)
	dom.SetAttr(w, classify.AttrDone, "1")
	dom.SetAttr(w, dom.AttrTabIndex, "0")
	dom.SetAttr(w, dom.AttrAriaDescribedBy, tipID)
	w.AppendChild(dom.NewTextNode(converted))

	tip := dom.NewElement("span")
	dom.SetAttr(tip, dom.AttrID, tipID)
	dom.SetAttr(tip, dom.AttrRole, dom.RoleTooltip)
	dom.SetAttr(tip, dom.AttrAriaHidden, "true")
	w.AppendChild(tip)

	return w
}

func describe(n *html.Node) string {
	if n == nil {
		return "<nil>"
	}
	switch n.Type {
	case html.ElementNode:
		return "<" + n.Data + ">"
	case html.TextNode:
		return "text"
	case html.DocumentNode:
		return "document"
	default:
		return "node"
	}
}
