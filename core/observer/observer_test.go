package observer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
)

const pipelineGen dom.Generation = 7

func isPipeline(g dom.Generation) bool { return g == pipelineGen }

func mustParse(t *testing.T, s string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(s)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	return doc
}

// startCoordinator wires a coordinator with short windows and a channel
// handler, and cleans it up with the test.
func startCoordinator(t *testing.T, doc *dom.Document, cfg Config) (*Coordinator, <-chan Batch) {
	t.Helper()
	batches := make(chan Batch, 16)
	cfg.Document = doc
	if cfg.IsOwn == nil {
		cfg.IsOwn = isPipeline
	}
	if cfg.Handler == nil {
		cfg.Handler = func(b Batch) { batches <- b }
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 25 * time.Millisecond
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = 250 * time.Millisecond
	}

	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Stop)
	return c, batches
}

func waitBatch(t *testing.T, ch <-chan Batch, within time.Duration) Batch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(within):
		t.Fatal("no batch within deadline")
		return Batch{}
	}
}

func expectNoBatch(t *testing.T, ch <-chan Batch, within time.Duration) {
	t.Helper()
	select {
	case b := <-ch:
		t.Fatalf("unexpected batch: %+v", b)
	case <-time.After(within):
	}
}

func eventually(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func appendParagraph(t *testing.T, doc *dom.Document, text string, gen dom.Generation) *html.Node {
	t.Helper()
	p := dom.NewElement("p")
	p.AppendChild(dom.NewTextNode(text))
	if err := doc.AppendChild(doc.Body(), p, gen); err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	doc := mustParse(t, "<html><body></body></html>")
	handler := func(Batch) {}

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{Document: doc, IsOwn: isPipeline, Handler: handler}, false},
		{"missing document", Config{IsOwn: isPipeline, Handler: handler}, true},
		{"missing generation guard", Config{Document: doc, Handler: handler}, true},
		{"missing handler", Config{Document: doc, IsOwn: isPipeline}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %t", err, tt.wantErr)
			}
		})
	}
}

// The reentrancy guard: the pipeline's own writes never come back as work.
func TestCoordinator_FiltersOwnWrites(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>x</p></body></html>")
	c, batches := startCoordinator(t, doc, Config{})

	appendParagraph(t, doc, "one", pipelineGen)
	appendParagraph(t, doc, "two", pipelineGen)

	expectNoBatch(t, batches, 150*time.Millisecond)

	stats := c.Stats()
	if stats.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", stats.Delivered)
	}
	if stats.Filtered != 2 {
		t.Errorf("Filtered = %d, want 2", stats.Filtered)
	}
	if stats.Flushes != 0 {
		t.Errorf("Flushes = %d, want 0", stats.Flushes)
	}
}

func TestCoordinator_BatchesForeignAdditions(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	_, batches := startCoordinator(t, doc, Config{})

	p1 := appendParagraph(t, doc, "one", dom.GenerationHost)
	p2 := appendParagraph(t, doc, "two", dom.GenerationHost)
	p3 := appendParagraph(t, doc, "three", dom.GenerationHost)

	b := waitBatch(t, batches, time.Second)
	if b.Cause != "debounce" {
		t.Errorf("Cause = %q, want %q", b.Cause, "debounce")
	}
	if len(b.Roots) != 3 {
		t.Fatalf("len(Roots) = %d, want 3", len(b.Roots))
	}
	for i, want := range []*html.Node{p1, p2, p3} {
		if b.Roots[i] != want {
			t.Errorf("Roots[%d] is not the %d-th appended node", i, i)
		}
	}
	if len(b.Removed) != 0 {
		t.Errorf("Removed = %d node(s), want 0", len(b.Removed))
	}
}

func TestCoordinator_MixedGenerations(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	_, batches := startCoordinator(t, doc, Config{})

	appendParagraph(t, doc, "ours", pipelineGen)
	foreign := appendParagraph(t, doc, "theirs", dom.GenerationHost)
	appendParagraph(t, doc, "ours again", pipelineGen)

	b := waitBatch(t, batches, time.Second)
	if len(b.Roots) != 1 || b.Roots[0] != foreign {
		t.Errorf("Roots = %d node(s), want exactly the foreign addition", len(b.Roots))
	}
}

func TestCoordinator_DedupesByIdentity(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	_, batches := startCoordinator(t, doc, Config{})

	p := appendParagraph(t, doc, "bounce", dom.GenerationHost)
	if err := doc.RemoveNode(p, dom.GenerationHost); err != nil {
		t.Fatalf("RemoveNode() error = %v", err)
	}
	if err := doc.AppendChild(doc.Body(), p, dom.GenerationHost); err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}

	b := waitBatch(t, batches, time.Second)
	if len(b.Roots) != 1 || b.Roots[0] != p {
		t.Errorf("Roots = %+v, want the node once", b.Roots)
	}
	if len(b.Removed) != 1 || b.Removed[0] != p {
		t.Errorf("Removed = %+v, want the node once", b.Removed)
	}
}

func TestCoordinator_CoalescesBurst(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	c, batches := startCoordinator(t, doc, Config{})

	for i := 0; i < 10; i++ {
		appendParagraph(t, doc, "burst", dom.GenerationHost)
	}

	b := waitBatch(t, batches, time.Second)
	if len(b.Roots) != 10 {
		t.Errorf("len(Roots) = %d, want the whole burst in one batch", len(b.Roots))
	}
	if got := c.Stats().Flushes; got != 1 {
		t.Errorf("Flushes = %d, want 1", got)
	}
}

// A steady trickle of additions keeps resetting the debounce; the max wait
// still forces a flush.
func TestCoordinator_MaxWaitBoundsTrickle(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	_, batches := startCoordinator(t, doc, Config{
		Debounce: 60 * time.Millisecond,
		MaxWait:  150 * time.Millisecond,
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				appendParagraph(t, doc, "drip", dom.GenerationHost)
			}
		}
	}()

	b := waitBatch(t, batches, time.Second)
	close(stop)
	wg.Wait()

	if b.Cause != "max_wait" {
		t.Errorf("Cause = %q, want %q", b.Cause, "max_wait")
	}
	if len(b.Roots) == 0 {
		t.Error("flushed batch is empty")
	}
}

// A foreign text edit re-feeds the node: its old bookkeeping is dropped and
// the new content is converted.
func TestCoordinator_TextChangeRefed(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>old</p></body></html>")
	_, batches := startCoordinator(t, doc, Config{})

	text, err := doc.QueryFirst("//p/text()")
	if err != nil || text == nil {
		t.Fatalf("QueryFirst() = %v, %v", text, err)
	}
	if err := doc.SetText(text, "new content", dom.GenerationHost); err != nil {
		t.Fatalf("SetText() error = %v", err)
	}

	b := waitBatch(t, batches, time.Second)
	if len(b.Roots) != 1 || b.Roots[0] != text {
		t.Errorf("Roots = %+v, want the edited text node", b.Roots)
	}
	if len(b.Removed) != 1 || b.Removed[0] != text {
		t.Errorf("Removed = %+v, want the edited text node", b.Removed)
	}
}

func TestCoordinator_ScreensIneligibleRoots(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	_, batches := startCoordinator(t, doc, Config{
		Classifier: classify.New(classify.NewMarks()),
	})

	script := dom.NewElement("script")
	script.AppendChild(dom.NewTextNode("var x;"))
	if err := doc.AppendChild(doc.Body(), script, dom.GenerationHost); err != nil {
		t.Fatalf("AppendChild() error = %v", err)
	}
	keep := appendParagraph(t, doc, "real content", dom.GenerationHost)

	b := waitBatch(t, batches, time.Second)
	if len(b.Roots) != 1 || b.Roots[0] != keep {
		t.Errorf("Roots = %d node(s), want only the paragraph", len(b.Roots))
	}
}

func TestCoordinator_StopFlushesPendingWork(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")

	var mu sync.Mutex
	var got []Batch
	c, err := New(Config{
		Document: doc,
		IsOwn:    isPipeline,
		Handler: func(b Batch) {
			mu.Lock()
			got = append(got, b)
			mu.Unlock()
		},
		Debounce: time.Hour, // never fires on its own
		MaxWait:  time.Hour,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	appendParagraph(t, doc, "pending", dom.GenerationHost)
	eventually(t, time.Second, func() bool { return c.Stats().Delivered == 1 })

	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1 close flush", len(got))
	}
	if got[0].Cause != "close" {
		t.Errorf("Cause = %q, want %q", got[0].Cause, "close")
	}
	if len(got[0].Roots) != 1 {
		t.Errorf("Roots = %d node(s), want 1", len(got[0].Roots))
	}
	if c.State() != Closed {
		t.Errorf("State() = %v, want Closed", c.State())
	}
}

func TestCoordinator_NoCallbackAfterStop(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")

	var calls atomic.Int64
	c, err := New(Config{
		Document: doc,
		IsOwn:    isPipeline,
		Handler:  func(Batch) { calls.Add(1) },
		Debounce: 10 * time.Millisecond,
		MaxWait:  50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	c.Stop()
	before := calls.Load()

	appendParagraph(t, doc, "after stop", dom.GenerationHost)
	time.Sleep(80 * time.Millisecond)

	if calls.Load() != before {
		t.Error("handler called after Stop")
	}
	if c.State() != Closed {
		t.Errorf("State() = %v, want Closed", c.State())
	}
}

// A panicking handler loses its batch but not the coordinator.
func TestCoordinator_HandlerPanicRecovered(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")

	var calls atomic.Int64
	c, err := New(Config{
		Document: doc,
		IsOwn:    isPipeline,
		Handler: func(Batch) {
			if calls.Add(1) == 1 {
				panic("handler bug")
			}
		},
		Debounce: 15 * time.Millisecond,
		MaxWait:  200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(c.Stop)

	appendParagraph(t, doc, "first", dom.GenerationHost)
	eventually(t, time.Second, func() bool { return calls.Load() == 1 })

	appendParagraph(t, doc, "second", dom.GenerationHost)
	eventually(t, time.Second, func() bool { return calls.Load() == 2 })

	if got := c.State(); got != Idle && got != Collecting {
		t.Errorf("State() = %v after recovered panic, want a live state", got)
	}
}

func TestCoordinator_ContextCancel(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	ctx, cancel := context.WithCancel(context.Background())

	c, err := New(Config{
		Document: doc,
		IsOwn:    isPipeline,
		Handler:  func(Batch) {},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancel()
	eventually(t, time.Second, func() bool { return c.State() == Closed })
	c.Stop()
}

func TestCoordinator_StartIdempotent(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body></body></html>")
	c, _ := startCoordinator(t, doc, Config{})

	if err := c.Start(context.Background()); err != nil {
		t.Errorf("second Start() error = %v", err)
	}

	c.Stop()
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start() after Stop, want error")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Idle, "idle"},
		{Collecting, "collecting"},
		{Flushing, "flushing"},
		{Closed, "closed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
