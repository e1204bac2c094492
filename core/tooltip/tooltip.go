// Package tooltip reveals a wrapper's stored original text on hover or
// keyboard focus. It is a small event-driven state machine (Idle, Pending,
// Visible) fed from a single delegation point; it is decoupled from the
// conversion pipeline except for reading the attributes the walker writes.
//
// The original text is untrusted page content. It reaches the companion
// element only through the document's text-only write path, so markup in it
// renders as literal text.
package tooltip

import (
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/internal/logging"
)

// DefaultHoverDelay is how long the pointer must rest on a wrapper before
// the tooltip shows. Keyboard focus skips the delay.
const DefaultHoverDelay = 300 * time.Millisecond

// Phase is the controller's position in an interaction.
type Phase int

const (
	// Idle means no tooltip is open or scheduled.
	Idle Phase = iota

	// Pending means a hover is waiting out the delay.
	Pending

	// Visible means a companion currently displays original text.
	Visible
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Visible:
		return "visible"
	default:
		return "unknown"
	}
}

// Kind identifies a delegated interaction.
type Kind int

const (
	// Enter is the pointer arriving over a wrapper or its content.
	Enter Kind = iota

	// Leave is the pointer leaving it.
	Leave

	// Focus is keyboard focus landing on a wrapper.
	Focus

	// Blur is keyboard focus leaving it.
	Blur

	// Key is a key press at the document level.
	Key

	// Press is a pointer press anywhere; presses outside the open
	// tooltip's wrapper dismiss it.
	Press
)

// Event is one delegated interaction. Target is the node the event fired
// on; the controller resolves the owning wrapper itself, so the delegation
// point does not need to.
type Event struct {
	Kind   Kind
	Target *html.Node

	// Key is the key name for Kind Key.
	Key string
}

// Capabilities resolves environment differences once, at startup. The
// event names tell the delegation point what to listen for; KindOf maps
// them back. Nothing inside the controller branches on the environment.
type Capabilities struct {
	Enter string
	Leave string
	Focus string
	Blur  string
	Press string
	Key   string

	// DismissKey closes a visible or pending tooltip.
	DismissKey string

	// HoverDelay is the rest period before a hover shows the tooltip.
	HoverDelay time.Duration
}

// Detect returns the capability set for an environment, preferring pointer
// events when the host supports them.
func Detect(pointerEvents bool) Capabilities {
	caps := Capabilities{
		Enter:      "mouseenter",
		Leave:      "mouseleave",
		Focus:      "focusin",
		Blur:       "focusout",
		Press:      "mousedown",
		Key:        "keydown",
		DismissKey: "Escape",
		HoverDelay: DefaultHoverDelay,
	}
	if pointerEvents {
		caps.Enter, caps.Leave, caps.Press = "pointerenter", "pointerleave", "pointerdown"
	}
	return caps
}

// KindOf maps a wire event name to its Kind.
func (c Capabilities) KindOf(name string) (Kind, bool) {
	switch name {
	case c.Enter:
		return Enter, true
	case c.Leave:
		return Leave, true
	case c.Focus:
		return Focus, true
	case c.Blur:
		return Blur, true
	case c.Press:
		return Press, true
	case c.Key:
		return Key, true
	}
	return 0, false
}

// Config wires a controller to its document.
type Config struct {
	// Document owns the tree the wrappers live in.
	Document *dom.Document

	// Caps is the resolved capability set. Zero means Detect(true).
	Caps Capabilities

	// Generation stamps the controller's writes so the change coordinator
	// discards them. Must not be the host generation.
	Generation dom.Generation

	// Run, when set, posts a function to the goroutine that owns the
	// document tree; the delayed show runs through it. Nil runs the show
	// on the timer's goroutine, which is safe when nothing else writes
	// the tree concurrently.
	Run func(func())
}

// Stats counts controller activity.
type Stats struct {
	Shown     int
	Dismissed int
}

// Controller is the tooltip state machine. Handle drives it; all
// transitions are serialized internally.
type Controller struct {
	cfg Config

	mu     sync.Mutex
	phase  Phase
	anchor *html.Node // wrapper the interaction is on
	tip    *html.Node // its companion, resolved at show time
	seq    uint64     // invalidates stale delay timers
	timer  *time.Timer
	closed bool
	stats  Stats
}

// New validates the wiring and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Document == nil {
		return nil, errors.NewValidation("document", "cannot be nil")
	}
	if cfg.Generation == dom.GenerationHost {
		return nil, errors.NewValidation("generation", "must not be the host generation: the controller's writes would re-enter the pipeline as foreign changes")
	}
	if cfg.Caps == (Capabilities{}) {
		cfg.Caps = Detect(true)
	}
	if cfg.Caps.HoverDelay <= 0 {
		cfg.Caps.HoverDelay = DefaultHoverDelay
	}
	if cfg.Caps.DismissKey == "" {
		cfg.Caps.DismissKey = "Escape"
	}
	return &Controller{cfg: cfg}, nil
}

// Handle feeds one delegated event through the state machine.
func (c *Controller) Handle(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	switch evt.Kind {
	case Enter:
		c.enter(evt.Target, false)
	case Focus:
		c.enter(evt.Target, true)
	case Leave:
		c.leave(evt.Target, "leave")
	case Blur:
		c.leave(evt.Target, "blur")
	case Key:
		if evt.Key == c.cfg.Caps.DismissKey {
			c.dismiss("dismiss_key")
		}
	case Press:
		c.press(evt.Target)
	}
}

// Phase returns the controller's current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Anchor returns the wrapper of the open interaction, or nil when idle.
func (c *Controller) Anchor() *html.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchor
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Close dismisses any open tooltip and stops the controller for good.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.dismiss("close")
	c.closed = true
}

func (c *Controller) enter(target *html.Node, viaFocus bool) {
	anchor := wrapperFor(target)
	if anchor == nil {
		return
	}

	// Re-entry on the live anchor: never restart a pending delay or
	// re-show an open tooltip. Keyboard focus upgrades a pending hover
	// to an immediate show.
	if anchor == c.anchor && c.phase != Idle {
		if c.phase == Pending && viaFocus {
			c.stopTimer()
			c.seq++
			c.show("focus")
		}
		return
	}

	c.dismiss("superseded")
	c.anchor = anchor
	c.seq++
	c.phase = Pending

	if viaFocus {
		logging.TooltipTransition("idle", "pending", "focus")
		c.show("focus")
		return
	}

	logging.TooltipTransition("idle", "pending", "hover")
	seq := c.seq
	c.timer = time.AfterFunc(c.cfg.Caps.HoverDelay, func() { c.fire(seq) })
}

func (c *Controller) leave(target *html.Node, cause string) {
	if c.phase == Idle {
		return
	}
	if wrapperFor(target) != c.anchor {
		return
	}
	c.dismiss(cause)
}

func (c *Controller) press(target *html.Node) {
	if c.phase == Idle {
		return
	}
	for n := target; n != nil; n = n.Parent {
		if n == c.anchor {
			return
		}
	}
	c.dismiss("outside")
}

// fire is the delay callback. It re-checks under the lock that the
// interaction it was armed for is still the live one.
func (c *Controller) fire(seq uint64) {
	show := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed || seq != c.seq || c.phase != Pending {
			return
		}
		c.show("delay")
	}
	if c.cfg.Run != nil {
		c.cfg.Run(show)
		return
	}
	show()
}

// show moves Pending to Visible: it reads the anchor's original text and
// writes it into the companion through the text-only path. An anchor that
// stopped being a usable wrapper resets to Idle.
func (c *Controller) show(cause string) {
	original, ok := dom.GetAttr(c.anchor, classify.AttrOriginal)
	if !ok {
		logging.Debug("tooltip anchor has no original text", "cause", cause)
		c.reset()
		return
	}
	tip := companion(c.anchor)
	if tip == nil {
		logging.Debug("tooltip anchor has no companion", "cause", cause)
		c.reset()
		return
	}
	if err := c.setTipText(tip, original); err != nil {
		logging.Debug("tooltip text write failed", "error", err)
		c.reset()
		return
	}
	if err := c.cfg.Document.SetAttr(tip, dom.AttrAriaHidden, "false", c.cfg.Generation); err != nil {
		logging.Debug("tooltip reveal failed", "error", err)
		c.reset()
		return
	}

	c.tip = tip
	c.phase = Visible
	c.stats.Shown++
	logging.TooltipTransition("pending", "visible", cause)
}

func (c *Controller) dismiss(cause string) {
	if c.phase == Idle {
		return
	}
	from := c.phase
	c.seq++
	c.stopTimer()

	if from == Visible && c.tip != nil {
		// Errors here mean the companion left the document with its
		// subtree; there is nothing left to hide.
		_ = c.setTipText(c.tip, "")
		_ = c.cfg.Document.SetAttr(c.tip, dom.AttrAriaHidden, "true", c.cfg.Generation)
	}

	c.phase = Idle
	c.anchor = nil
	c.tip = nil
	c.stats.Dismissed++
	logging.TooltipTransition(from.String(), "idle", cause)
}

// reset abandons the interaction without touching the document.
func (c *Controller) reset() {
	c.seq++
	c.stopTimer()
	c.phase = Idle
	c.anchor = nil
	c.tip = nil
}

func (c *Controller) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) setTipText(tip *html.Node, text string) error {
	if f := tip.FirstChild; f != nil && f.Type == html.TextNode {
		return c.cfg.Document.SetText(f, text, c.cfg.Generation)
	}
	return c.cfg.Document.AppendChild(tip, dom.NewTextNode(text), c.cfg.Generation)
}

// wrapperFor resolves the wrapper owning a delegated event target, which
// may be the wrapper itself or anything inside it.
func wrapperFor(n *html.Node) *html.Node {
	for ; n != nil; n = n.Parent {
		if classify.IsWrapper(n) {
			return n
		}
	}
	return nil
}

// companion finds the tooltip element inside a wrapper, preferring the one
// its description linkage names.
func companion(anchor *html.Node) *html.Node {
	id, _ := dom.GetAttr(anchor, dom.AttrAriaDescribedBy)
	for n := anchor.FirstChild; n != nil; n = n.NextSibling {
		if n.Type != html.ElementNode {
			continue
		}
		role, ok := dom.GetAttr(n, dom.AttrRole)
		if !ok || role != dom.RoleTooltip {
			continue
		}
		if id == "" {
			return n
		}
		if got, _ := dom.GetAttr(n, dom.AttrID); got == id {
			return n
		}
	}
	return nil
}
