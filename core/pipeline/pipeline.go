// Package pipeline is the owning context for one document's conversion.
// It constructs and wires the processor, walker, change coordinator, and
// tooltip controller, and runs them from a single loop goroutine: walker
// chunks and coalesced change batches are the only units of work, so the
// tree never sees concurrent writers. All shared bookkeeping (the text
// cache, the processing marks, the generation counter) lives here, never
// in package state, so a pipeline can be built and torn down per document.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/cache"
	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/core/observer"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/core/textproc"
	"github.com/FocuswithJustin/Glossa/core/tooltip"
	"github.com/FocuswithJustin/Glossa/core/walker"
	"github.com/FocuswithJustin/Glossa/internal/logging"
)

const (
	batchBuffer = 16
	callBuffer  = 64
)

// Config wires a pipeline to its document and rule set.
type Config struct {
	// Document is the tree to convert. The pipeline does not close it.
	Document *dom.Document

	// Rules is the compiled pattern source, shared read-only.
	Rules *rules.RuleSet

	// ChunkSize bounds one synchronous walker slice. Zero means the
	// walker's default.
	ChunkSize int

	// Debounce and MaxWait are the coordinator's coalescing windows. Zero
	// means the coordinator's defaults.
	Debounce time.Duration
	MaxWait  time.Duration

	// CacheSize bounds the text cache entry count. Zero means the cache
	// package's text default.
	CacheSize int

	// Caps configures the tooltip controller. Zero means tooltip.Detect(true).
	Caps tooltip.Capabilities

	// InstanceID distinguishes this pipeline's companion element ids.
	// Empty means a random id.
	InstanceID string
}

// Stats is a snapshot of pipeline activity.
type Stats struct {
	// Passes counts completed walker passes; Batches counts coordinator
	// flushes handled.
	Passes  int
	Batches int

	// Walk sums the stats of completed passes.
	Walk walker.Stats

	Observer observer.Stats
	Cache    cache.Stats
}

// CacheHitRate returns the text cache hit fraction, 0 when unused.
func (s Stats) CacheHitRate() float64 {
	total := s.Cache.Hits + s.Cache.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Cache.Hits) / float64(total)
}

// Pipeline converts one document and keeps it converted as it changes.
type Pipeline struct {
	cfg      Config
	doc      *dom.Document
	instance string

	marks      *classify.Marks
	classifier *classify.Classifier
	coord      *observer.Coordinator
	tip        *tooltip.Controller

	gen    atomic.Uint64
	tipSeq atomic.Uint64

	batches  chan observer.Batch
	calls    chan func()
	done     chan struct{}
	stopping chan struct{}
	finished chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
	rules   *rules.RuleSet
	cache   *cache.TextCache
	passes  int
	handled int
	walk    walker.Stats

	// Loop-confined state: the walker, the in-flight pass, and the queue
	// of roots waiting for one. Only the Run goroutine touches these.
	walker  *walker.Walker
	current *walker.Pass
	queue   []*html.Node
}

// New builds a pipeline over a document and rule set. Run starts it.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Document == nil {
		return nil, errors.NewValidation("document", "cannot be nil")
	}
	if cfg.Rules == nil {
		return nil, errors.NewValidation("rules", "cannot be nil")
	}

	p := &Pipeline{
		cfg:      cfg,
		doc:      cfg.Document,
		instance: cfg.InstanceID,
		batches:  make(chan observer.Batch, batchBuffer),
		calls:    make(chan func(), callBuffer),
		done:     make(chan struct{}),
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
	}
	if p.instance == "" {
		p.instance = uuid.NewString()[:8]
	}

	p.marks = classify.NewMarks()
	p.classifier = classify.New(p.marks)
	p.rules = cfg.Rules
	p.cache = p.newTextCache(cfg.Rules.Version())

	w, err := walker.New(walker.Config{
		Document:   p.doc,
		Processor:  textproc.New(cfg.Rules, textproc.Config{Cache: p.cache}),
		Classifier: p.classifier,
		Marks:      p.marks,
		NextTipID:  p.nextTipID,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline walker: %w", err)
	}
	p.walker = w

	coord, err := observer.New(observer.Config{
		Document:   p.doc,
		IsOwn:      p.isOwn,
		Handler:    p.enqueue,
		Classifier: p.classifier,
		Debounce:   cfg.Debounce,
		MaxWait:    cfg.MaxWait,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline coordinator: %w", err)
	}
	p.coord = coord

	tip, err := tooltip.New(tooltip.Config{
		Document:   p.doc,
		Caps:       cfg.Caps,
		Generation: p.nextGen(),
		Run:        func(fn func()) { p.Do(fn) },
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline tooltip: %w", err)
	}
	p.tip = tip

	return p, nil
}

// Document returns the tree this pipeline converts.
func (p *Pipeline) Document() *dom.Document {
	return p.doc
}

// Tooltip returns the controller revealing original text on this document.
func (p *Pipeline) Tooltip() *tooltip.Controller {
	return p.tip
}

// Version returns the current rule set version.
func (p *Pipeline) Version() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rules.Version()
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	s := Stats{Passes: p.passes, Batches: p.handled, Walk: p.walk}
	tc := p.cache
	p.mu.Unlock()

	s.Observer = p.coord.Stats()
	s.Cache = tc.Stats()
	return s
}

// Marked returns the number of text nodes currently held unchanged.
func (p *Pipeline) Marked() int {
	return p.marks.Len()
}

// Run performs the eager initial pass and then services change batches
// until ctx is canceled or Close is called. It blocks for the pipeline's
// lifetime and returns nil on a clean shutdown. Run may be called once.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errors.ErrClosed
	}
	if p.started {
		p.mu.Unlock()
		return errors.NewValidation("run", "already started")
	}
	p.started = true
	p.mu.Unlock()

	defer close(p.finished)
	defer p.teardown()

	if err := p.coord.Start(ctx); err != nil {
		return fmt.Errorf("pipeline start: %w", err)
	}

	logging.Info("pipeline started",
		"instance", p.instance,
		"rules", p.rules.Len(),
		"version", p.Version())

	p.queue = append(p.queue, p.doc.Body())

	for {
		if p.current == nil && len(p.queue) > 0 {
			root := p.queue[0]
			p.queue = p.queue[1:]
			p.startPass(root)
		}

		if p.current != nil {
			// Busy: poll for control traffic, otherwise run one chunk.
			select {
			case <-ctx.Done():
				return nil
			case <-p.done:
				return nil
			case fn := <-p.calls:
				fn()
			case b := <-p.batches:
				p.admit(b)
			default:
				if p.current.Step(p.cfg.ChunkSize) {
					p.finishPass()
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-p.done:
			return nil
		case fn := <-p.calls:
			fn()
		case b := <-p.batches:
			p.admit(b)
		}
	}
}

// Do posts fn to the loop goroutine and reports whether it was accepted.
// Acceptance during shutdown does not guarantee execution.
func (p *Pipeline) Do(fn func()) bool {
	select {
	case p.calls <- fn:
		return true
	case <-p.stopping:
		return false
	}
}

// Reload swaps in a new rule set: a fresh cache scoped to its version,
// cleared marks so previously unmatched text is reconsidered, and a full
// re-walk. Existing wrappers stay. Returns whether the swap was accepted.
func (p *Pipeline) Reload(rs *rules.RuleSet) bool {
	if rs == nil {
		return false
	}
	return p.Do(func() { p.applyRules(rs) })
}

// Close shuts the pipeline down and blocks until Run has returned. Safe to
// call more than once; Run returns ErrClosed afterwards.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	close(p.done)
	if started {
		<-p.finished
		return
	}

	// Never ran; release what New built.
	close(p.stopping)
	p.coord.Stop()
	p.tip.Close()
}

func (p *Pipeline) isOwn(g dom.Generation) bool {
	return g != dom.GenerationHost
}

// enqueue is the coordinator's handler. It must never block a stopping
// pipeline: the coordinator's final flush runs while Close waits for it.
func (p *Pipeline) enqueue(b observer.Batch) {
	select {
	case p.batches <- b:
	case <-p.stopping:
	}
}

func (p *Pipeline) nextGen() dom.Generation {
	return dom.Generation(p.gen.Add(1))
}

func (p *Pipeline) nextTipID() string {
	return fmt.Sprintf("glossa-%s-%d", p.instance, p.tipSeq.Add(1))
}

func (p *Pipeline) newTextCache(version string) *cache.TextCache {
	if p.cfg.CacheSize > 0 {
		return cache.NewTextCache(version, cache.Config{MaxSize: p.cfg.CacheSize})
	}
	return cache.NewDefaultTextCache(version)
}

func (p *Pipeline) startPass(root *html.Node) {
	// Queued roots can leave the tree before their turn.
	if root == nil || !p.doc.Attached(root) {
		return
	}
	p.current = p.walker.Start(root, p.nextGen())
}

func (p *Pipeline) finishPass() {
	st := p.current.Stats()
	p.current = nil

	p.mu.Lock()
	p.passes++
	p.walk.Visited += st.Visited
	p.walk.Converted += st.Converted
	p.walk.Wrappers += st.Wrappers
	p.walk.Marked += st.Marked
	p.walk.Skipped += st.Skipped
	p.walk.Detached += st.Detached
	p.walk.Chunks += st.Chunks
	p.mu.Unlock()
}

// admit takes one coordinator batch: removals drop their bookkeeping first,
// then added roots queue for passes. A text edit arrives in both lists, so
// its mark clears before the re-walk reaches it.
func (p *Pipeline) admit(b observer.Batch) {
	for _, n := range b.Removed {
		p.forgetSubtree(n)
	}
	p.queue = append(p.queue, b.Roots...)

	p.mu.Lock()
	p.handled++
	p.mu.Unlock()
}

func (p *Pipeline) forgetSubtree(n *html.Node) {
	if n == nil {
		return
	}
	if n.Type == html.TextNode {
		p.marks.Forget(n)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.forgetSubtree(c)
	}
}

// applyRules runs on the loop goroutine. The in-flight pass is abandoned;
// the new full pass covers whatever it had left.
func (p *Pipeline) applyRules(rs *rules.RuleSet) {
	if p.current != nil {
		p.current.Abandon()
		p.current = nil
	}
	p.queue = p.queue[:0]

	tc := p.newTextCache(rs.Version())
	w, err := walker.New(walker.Config{
		Document:   p.doc,
		Processor:  textproc.New(rs, textproc.Config{Cache: tc}),
		Classifier: p.classifier,
		Marks:      p.marks,
		NextTipID:  p.nextTipID,
	})
	if err != nil {
		logging.Error("rule reload failed", "error", err)
		return
	}

	p.marks.Reset()
	p.walker = w

	p.mu.Lock()
	p.rules = rs
	p.cache = tc
	p.mu.Unlock()

	p.queue = append(p.queue, p.doc.Body())
	logging.Info("rules reloaded", "version", rs.Version(), "rules", rs.Len())
}

// teardown runs on the loop goroutine as Run exits: the coordinator flush
// path is released first so its final delivery cannot block, then the
// coordinator is joined, the pass abandoned, and the tooltip closed.
func (p *Pipeline) teardown() {
	close(p.stopping)
	p.coord.Stop()
	if p.current != nil {
		p.current.Abandon()
		p.current = nil
	}
	p.queue = nil
	p.tip.Close()

	st := p.Stats()
	logging.Info("pipeline stopped",
		"instance", p.instance,
		"passes", st.Passes,
		"batches", st.Batches,
		"wrappers", st.Walk.Wrappers)
}