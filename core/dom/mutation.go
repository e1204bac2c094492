package dom

import (
	"sync"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/errors"
)

// MutationType distinguishes the kinds of writes observers see.
type MutationType int

const (
	// NodeAdded is a node inserted into the tree.
	NodeAdded MutationType = iota

	// NodeRemoved is a node detached from the tree.
	NodeRemoved

	// TextChanged is a text node whose data was rewritten in place.
	TextChanged

	// AttrChanged is an element whose attribute was set or removed.
	AttrChanged
)

// String returns the mutation type name.
func (t MutationType) String() string {
	switch t {
	case NodeAdded:
		return "added"
	case NodeRemoved:
		return "removed"
	case TextChanged:
		return "text"
	case AttrChanged:
		return "attr"
	default:
		return "unknown"
	}
}

// MutationRecord describes one write. Gen is the writer's generation stamp,
// applied at write time: it is how observers separate the pipeline's own
// output from genuine host changes.
type MutationRecord struct {
	Type   MutationType
	Node   *html.Node // the node added, removed, or changed
	Parent *html.Node // parent at the time of the write (nil for text/attr)
	Attr   string     // attribute name for AttrChanged
	Gen    Generation
}

// subscriptions fans records out to every live subscription.
type subscriptions struct {
	mu   sync.RWMutex
	subs []*Subscription
}

func (ss *subscriptions) add(s *Subscription) {
	ss.mu.Lock()
	ss.subs = append(ss.subs, s)
	ss.mu.Unlock()
}

func (ss *subscriptions) remove(s *Subscription) {
	ss.mu.Lock()
	for i, cur := range ss.subs {
		if cur == s {
			ss.subs = append(ss.subs[:i], ss.subs[i+1:]...)
			break
		}
	}
	ss.mu.Unlock()
}

func (ss *subscriptions) emit(rec MutationRecord) {
	ss.mu.RLock()
	for _, s := range ss.subs {
		s.push(rec)
	}
	ss.mu.RUnlock()
}

func (ss *subscriptions) closeAll() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = nil
	ss.mu.Unlock()
	for _, s := range subs {
		s.close()
	}
}

// Subscription is a pull-based mutation feed. Writes append to an unbounded
// pending queue and signal Ready; the consumer drains with Take. Nothing in
// this path can block a writer, and records are never dropped.
type Subscription struct {
	doc    *Document
	mu     sync.Mutex
	pend   []MutationRecord
	notify chan struct{}
	closed bool
}

// Observe registers a new subscription on the document. Records for every
// subsequent write are queued until Cancel.
func (d *Document) Observe() *Subscription {
	s := &Subscription{
		doc:    d,
		notify: make(chan struct{}, 1),
	}
	d.subs.add(s)
	return s
}

// Close cancels all subscriptions on the document.
func (d *Document) Close() {
	d.subs.closeAll()
}

// Ready signals that Take will return at least one record. The channel is
// closed when the subscription is canceled.
func (s *Subscription) Ready() <-chan struct{} {
	return s.notify
}

// Take returns all queued records and clears the queue. It never blocks;
// an empty return means another Take already drained the queue.
func (s *Subscription) Take() []MutationRecord {
	s.mu.Lock()
	recs := s.pend
	s.pend = nil
	s.mu.Unlock()
	return recs
}

// Cancel detaches the subscription. Queued records are discarded and Ready
// is closed; push after Cancel is a no-op.
func (s *Subscription) Cancel() {
	s.doc.subs.remove(s)
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pend = nil
	close(s.notify)
	s.mu.Unlock()
}

func (s *Subscription) push(rec MutationRecord) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pend = append(s.pend, rec)
	// Non-blocking wakeup. A pending signal already covers these records:
	// the consumer drains everything queued before its Take.
	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.mu.Unlock()
}

// AppendChild attaches child as the last child of parent and emits a
// NodeAdded record stamped with gen.
func (d *Document) AppendChild(parent, child *html.Node, gen Generation) error {
	if parent == nil || child == nil {
		return errors.NewTraversal("append", nodeDesc(child), errors.ErrInvalidInput)
	}
	if child.Parent != nil {
		return errors.NewTraversal("append", nodeDesc(child), errors.ErrInvalidInput)
	}
	parent.AppendChild(child)
	d.subs.emit(MutationRecord{Type: NodeAdded, Node: child, Parent: parent, Gen: gen})
	return nil
}

// InsertBefore attaches child immediately before sibling under parent and
// emits a NodeAdded record stamped with gen. A nil sibling appends.
func (d *Document) InsertBefore(parent, child, sibling *html.Node, gen Generation) error {
	if parent == nil || child == nil {
		return errors.NewTraversal("insert", nodeDesc(child), errors.ErrInvalidInput)
	}
	if child.Parent != nil {
		return errors.NewTraversal("insert", nodeDesc(child), errors.ErrInvalidInput)
	}
	if sibling != nil && sibling.Parent != parent {
		return errors.NewTraversal("insert", nodeDesc(sibling), errors.ErrDetached)
	}
	parent.InsertBefore(child, sibling)
	d.subs.emit(MutationRecord{Type: NodeAdded, Node: child, Parent: parent, Gen: gen})
	return nil
}

// RemoveNode detaches n from its parent and emits a NodeRemoved record
// stamped with gen.
func (d *Document) RemoveNode(n *html.Node, gen Generation) error {
	if n == nil || n.Parent == nil {
		return errors.NewTraversal("remove", nodeDesc(n), errors.ErrDetached)
	}
	parent := n.Parent
	parent.RemoveChild(n)
	d.subs.emit(MutationRecord{Type: NodeRemoved, Node: n, Parent: parent, Gen: gen})
	return nil
}

// ReplaceNode swaps replacement into old's position. It emits NodeRemoved
// for old and NodeAdded for replacement, both stamped with gen. If old is
// already detached the write fails with a TraversalError and the tree is
// untouched.
func (d *Document) ReplaceNode(old, replacement *html.Node, gen Generation) error {
	return d.ReplaceNodeWith(old, gen, replacement)
}

// ReplaceNodeWith swaps a sequence of detached nodes into old's position,
// preserving their order. One NodeRemoved and one NodeAdded per inserted
// node are emitted, all stamped with gen. The write either happens in full
// or not at all: validation failures leave the tree untouched.
func (d *Document) ReplaceNodeWith(old *html.Node, gen Generation, replacements ...*html.Node) error {
	if old == nil || old.Parent == nil {
		return errors.NewTraversal("replace", nodeDesc(old), errors.ErrDetached)
	}
	if len(replacements) == 0 {
		return errors.NewTraversal("replace", nodeDesc(old), errors.ErrInvalidInput)
	}
	for i, r := range replacements {
		if r == nil || r.Parent != nil {
			return errors.NewTraversal("replace", nodeDesc(r), errors.ErrInvalidInput)
		}
		for _, prev := range replacements[:i] {
			if prev == r {
				return errors.NewTraversal("replace", nodeDesc(r), errors.ErrInvalidInput)
			}
		}
	}

	parent := old.Parent
	for _, r := range replacements {
		parent.InsertBefore(r, old)
	}
	parent.RemoveChild(old)

	d.subs.emit(MutationRecord{Type: NodeRemoved, Node: old, Parent: parent, Gen: gen})
	for _, r := range replacements {
		d.subs.emit(MutationRecord{Type: NodeAdded, Node: r, Parent: parent, Gen: gen})
	}
	return nil
}

// SetText rewrites a text node's data in place and emits a TextChanged
// record stamped with gen. This is the only way content reaches an attached
// node as text, and it never interprets markup.
func (d *Document) SetText(n *html.Node, text string, gen Generation) error {
	if n == nil {
		return errors.NewTraversal("set text", nodeDesc(n), errors.ErrInvalidInput)
	}
	if n.Type != html.TextNode {
		return errors.NewTraversal("set text", nodeDesc(n), errors.ErrInvalidInput)
	}
	n.Data = text
	d.subs.emit(MutationRecord{Type: TextChanged, Node: n, Gen: gen})
	return nil
}

// SetAttr sets an attribute through the document, emitting an AttrChanged
// record stamped with gen. Building detached subtrees should use the
// package-level SetAttr instead; those writes become visible in the single
// NodeAdded record that attaches the subtree.
func (d *Document) SetAttr(n *html.Node, key, value string, gen Generation) error {
	if n == nil || n.Type != html.ElementNode {
		return errors.NewTraversal("set attr", nodeDesc(n), errors.ErrInvalidInput)
	}
	SetAttr(n, key, value)
	d.subs.emit(MutationRecord{Type: AttrChanged, Node: n, Attr: key, Gen: gen})
	return nil
}
