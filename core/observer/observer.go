// Package observer turns the document's raw mutation feed into batches of
// work for the conversion pipeline. It filters out the pipeline's own
// writes by generation stamp, the reentrancy guard that breaks the
// replace/observe/replace loop, and coalesces what remains: bursts are
// debounced, while a maximum wait bounds how long a steady trickle can
// postpone a flush.
package observer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/internal/logging"
)

// Default coalescing windows. The debounce resets on every delivery; the
// maximum wait runs from the first record of a batch and is never reset.
const (
	DefaultDebounce = 100 * time.Millisecond
	DefaultMaxWait  = 500 * time.Millisecond
)

// State is the coordinator's lifecycle phase.
type State int

const (
	// Idle means no batch is open.
	Idle State = iota

	// Collecting means records are accumulating toward a flush.
	Collecting

	// Flushing means the handler is running.
	Flushing

	// Closed means the coordinator has been torn down.
	Closed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Collecting:
		return "collecting"
	case Flushing:
		return "flushing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Batch is one flush of coalesced foreign changes.
type Batch struct {
	// Roots are the added subtree roots worth converting, deduplicated by
	// node identity, in first-arrival order.
	Roots []*html.Node

	// Removed are subtree roots that left the document; the pipeline drops
	// its bookkeeping for them. A foreign text edit appears in both lists:
	// the old content is gone, the new content needs converting.
	Removed []*html.Node

	// Cause is why the batch flushed: "debounce", "max_wait", or "close".
	Cause string
}

// Handler consumes one batch. It runs on the coordinator's goroutine; a
// panic is recovered at this boundary and the coordinator keeps running.
type Handler func(Batch)

// Config wires a coordinator to its document and consumer.
type Config struct {
	// Document supplies the mutation feed.
	Document *dom.Document

	// IsOwn reports whether a generation stamp belongs to the pipeline's
	// own writes. Records carrying such stamps are discarded unseen.
	IsOwn func(dom.Generation) bool

	// Handler receives each flushed batch.
	Handler Handler

	// Classifier screens added roots before they enter a batch. Optional;
	// without it every foreign addition is admitted and the walker rejects
	// ineligible ones later.
	Classifier *classify.Classifier

	// Debounce is the quiet period that closes a batch. Zero means
	// DefaultDebounce.
	Debounce time.Duration

	// MaxWait bounds the total age of a batch regardless of ongoing
	// deliveries. Zero means DefaultMaxWait.
	MaxWait time.Duration
}

// Stats counts coordinator activity since Start.
type Stats struct {
	Delivered int // records taken from the feed
	Filtered  int // records dropped by the generation guard
	Admitted  int // records that entered a batch
	Flushes   int // handler invocations
}

// Coordinator owns the document subscription and the coalescing loop.
type Coordinator struct {
	cfg Config
	sub *dom.Subscription

	done     chan struct{}
	finished chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	state   State
	started bool
	stats   Stats
}

// New validates the wiring and returns a coordinator. Start must be called
// before it observes anything.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Document == nil {
		return nil, errors.NewValidation("document", "cannot be nil")
	}
	if cfg.IsOwn == nil {
		return nil, errors.NewValidation("isown", "cannot be nil: without the generation guard the pipeline feeds on its own output")
	}
	if cfg.Handler == nil {
		return nil, errors.NewValidation("handler", "cannot be nil")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	return &Coordinator{
		cfg:      cfg,
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}, nil
}

// Start subscribes to the document and launches the coalescing loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return errors.ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.sub = c.cfg.Document.Observe()
	go c.loop(ctx)
	return nil
}

// Stop tears the coordinator down: the subscription is canceled, pending
// work flushes with cause "close", and Stop blocks until the loop has
// exited. After Stop returns the handler will not be called again. Safe to
// call more than once.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started := c.started
		c.state = Closed
		c.mu.Unlock()

		if !started {
			return
		}
		close(c.done)
		<-c.finished
		c.sub.Cancel()
	})
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	if c.state != Closed {
		c.state = s
	}
	c.mu.Unlock()
}

// loop is the coalescing core: one batch at a time, debounce reset per
// delivery, max-wait armed once per batch.
func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.finished)

	var (
		roots      []*html.Node
		removed    []*html.Node
		inRoots    = make(map[*html.Node]struct{})
		inRemoved  = make(map[*html.Node]struct{})
		windowRecs int
		windowFilt int

		debounce  *time.Timer
		debounceC <-chan time.Time
		maxWait   *time.Timer
		maxWaitC  <-chan time.Time
	)

	stopTimers := func() {
		if debounce != nil {
			debounce.Stop()
			debounce, debounceC = nil, nil
		}
		if maxWait != nil {
			maxWait.Stop()
			maxWait, maxWaitC = nil, nil
		}
	}

	flush := func(cause string) {
		stopTimers()
		if len(roots) == 0 && len(removed) == 0 {
			c.setState(Idle)
			return
		}

		batch := Batch{Roots: roots, Removed: removed, Cause: cause}
		logging.MutationFlush(len(batch.Roots), windowFilt, windowRecs, cause)

		c.setState(Flushing)
		c.mu.Lock()
		c.stats.Flushes++
		c.mu.Unlock()
		c.deliver(batch)
		c.setState(Idle)

		roots, removed = nil, nil
		inRoots = make(map[*html.Node]struct{})
		inRemoved = make(map[*html.Node]struct{})
		windowRecs, windowFilt = 0, 0
	}

	admit := func(rec dom.MutationRecord) {
		switch rec.Type {
		case dom.NodeAdded:
			if !c.eligibleRoot(rec.Node) {
				return
			}
			if _, dup := inRoots[rec.Node]; !dup {
				inRoots[rec.Node] = struct{}{}
				roots = append(roots, rec.Node)
			}
			c.countAdmit()
		case dom.NodeRemoved:
			if _, dup := inRemoved[rec.Node]; !dup {
				inRemoved[rec.Node] = struct{}{}
				removed = append(removed, rec.Node)
			}
			c.countAdmit()
		case dom.TextChanged:
			// Old content gone, new content present.
			if strings.TrimSpace(rec.Node.Data) == "" {
				return
			}
			if _, dup := inRemoved[rec.Node]; !dup {
				inRemoved[rec.Node] = struct{}{}
				removed = append(removed, rec.Node)
			}
			if _, dup := inRoots[rec.Node]; !dup {
				inRoots[rec.Node] = struct{}{}
				roots = append(roots, rec.Node)
			}
			c.countAdmit()
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush("close")
			c.sub.Cancel()
			c.mu.Lock()
			c.state = Closed
			c.mu.Unlock()
			return

		case <-c.done:
			flush("close")
			return

		case <-c.sub.Ready():
			recs := c.sub.Take()
			for _, rec := range recs {
				windowRecs++
				c.mu.Lock()
				c.stats.Delivered++
				c.mu.Unlock()

				if c.cfg.IsOwn(rec.Gen) {
					windowFilt++
					c.mu.Lock()
					c.stats.Filtered++
					c.mu.Unlock()
					continue
				}
				admit(rec)
			}

			if len(roots) == 0 && len(removed) == 0 {
				continue
			}
			c.setState(Collecting)

			// Trailing debounce: every delivery pushes the flush out.
			if debounce == nil {
				debounce = time.NewTimer(c.cfg.Debounce)
				debounceC = debounce.C
			} else {
				debounce.Reset(c.cfg.Debounce)
			}
			// The max wait runs from the batch's first record so a steady
			// trickle cannot postpone the flush forever.
			if maxWait == nil {
				maxWait = time.NewTimer(c.cfg.MaxWait)
				maxWaitC = maxWait.C
			}

		case <-debounceC:
			flush("debounce")

		case <-maxWaitC:
			flush("max_wait")
		}
	}
}

func (c *Coordinator) countAdmit() {
	c.mu.Lock()
	c.stats.Admitted++
	c.mu.Unlock()
}

func (c *Coordinator) eligibleRoot(n *html.Node) bool {
	if c.cfg.Classifier == nil {
		return n != nil
	}
	return c.cfg.Classifier.EligibleSubtree(n)
}

// deliver runs the handler with the coordinator's panic boundary. A failed
// delivery loses that batch's work (the document keeps its unconverted
// text) but the loop and the subscription survive.
func (c *Coordinator) deliver(batch Batch) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.NewObserver(len(batch.Roots), fmt.Errorf("%v", r))
			logging.Error("change handler panicked", "error", err)
		}
	}()
	c.cfg.Handler(batch)
}
