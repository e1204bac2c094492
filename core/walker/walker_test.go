package walker

import (
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/core/textproc"
)

func newTestWalker(t *testing.T, doc *dom.Document) (*Walker, *classify.Marks) {
	t.Helper()
	rs := rules.MustCompile([]rules.Rule{
		{Pattern: "Trump", Replacement: "The Orange One", CaseSensitive: true, WholeWord: true},
	})
	marks := classify.NewMarks()
	w, err := New(Config{
		Document:   doc,
		Processor:  textproc.New(rs, textproc.Config{}),
		Classifier: classify.New(marks),
		Marks:      marks,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return w, marks
}

func mustParse(t *testing.T, s string) *dom.Document {
	t.Helper()
	doc, err := dom.ParseString(s)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}
	return doc
}

func runPass(t *testing.T, p *Pass, budget int) {
	t.Helper()
	for i := 0; !p.Step(budget); i++ {
		if i > 100000 {
			t.Fatal("pass did not terminate")
		}
	}
}

func wrappers(t *testing.T, doc *dom.Document) []*html.Node {
	t.Helper()
	nodes, err := doc.Query("//span[@" + classify.AttrDone + "]")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	return nodes
}

func TestNew_Validation(t *testing.T) {
	doc := mustParse(t, "<html><body></body></html>")
	rs := rules.MustCompile([]rules.Rule{{Pattern: "x", Replacement: "y"}})
	proc := textproc.New(rs, textproc.Config{})
	cls := classify.New(nil)

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"complete", Config{Document: doc, Processor: proc, Classifier: cls}, false},
		{"missing document", Config{Processor: proc, Classifier: cls}, true},
		{"missing processor", Config{Document: doc, Classifier: cls}, true},
		{"missing classifier", Config{Document: doc, Processor: proc}, true},
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

func TestWrap(t *testing.T) {
	w := Wrap("Trump", "The Orange One", "tip-1")

	if !dom.IsElement(w, "span") {
		t.Fatalf("wrapper = %v, want <span>", w)
	}
	attrs := map[string]string{
		classify.AttrOriginal:   "Trump",
		classify.AttrDone:       "1",
		dom.AttrTabIndex:        "0",
		dom.AttrAriaDescribedBy: "tip-1",
	}
	for key, want := range attrs {
		if got, ok := dom.GetAttr(w, key); !ok || got != want {
			t.Errorf("attr %s = %q, %t, want %q", key, got, ok, want)
		}
	}

	text := w.FirstChild
	if text == nil || text.Type != html.TextNode || text.Data != "The Orange One" {
		t.Errorf("visible content = %v, want text %q", text, "The Orange One")
	}

	tip := w.LastChild
	if !dom.IsElement(tip, "span") {
		t.Fatalf("companion = %v, want <span>", tip)
	}
	tipAttrs := map[string]string{
		dom.AttrID:         "tip-1",
		dom.AttrRole:       dom.RoleTooltip,
		dom.AttrAriaHidden: "true",
	}
	for key, want := range tipAttrs {
		if got, ok := dom.GetAttr(tip, key); !ok || got != want {
			t.Errorf("companion attr %s = %q, %t, want %q", key, got, ok, want)
		}
	}
	if tip.FirstChild != nil {
		t.Error("companion starts with content, want empty until shown")
	}
}

func TestWrap_OriginalSurvivesSerialization(t *testing.T) {
	original := `<script>alert("pwn")</script> & "quotes"`
	w := Wrap(original, "harmless", "tip-9")

	out, err := dom.RenderNode(w)
	if err != nil {
		t.Fatalf("RenderNode() error = %v", err)
	}
	if strings.Contains(out, "<script>") {
		t.Errorf("original text rendered as live markup: %q", out)
	}

	// Parsing the rendered wrapper back recovers the original verbatim.
	nodes, err := dom.ParseFragment(out)
	if err != nil {
		t.Fatalf("ParseFragment() error = %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("len(nodes) = %d, want 1", len(nodes))
	}
	if got, _ := dom.GetAttr(nodes[0], classify.AttrOriginal); got != original {
		t.Errorf("round-tripped original = %q, want %q", got, original)
	}
}

func TestPass_SingleMatch(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump said it.</p></body></html>")
	w, _ := newTestWalker(t, doc)

	p := w.Start(doc.Body(), 1)
	runPass(t, p, 0)

	ws := wrappers(t, doc)
	if len(ws) != 1 {
		t.Fatalf("wrappers = %d, want 1", len(ws))
	}
	wrap := ws[0]

	if got, _ := dom.GetAttr(wrap, classify.AttrOriginal); got != "Trump" {
		t.Errorf("original = %q, want %q", got, "Trump")
	}
	if wrap.FirstChild == nil || wrap.FirstChild.Data != "The Orange One" {
		t.Errorf("visible text = %v, want %q", wrap.FirstChild, "The Orange One")
	}
	if got, _ := dom.GetAttr(wrap, dom.AttrTabIndex); got != "0" {
		t.Errorf("tabindex = %q, want %q", got, "0")
	}

	// The unmatched tail survives as plain text after the wrapper.
	tail := wrap.NextSibling
	if tail == nil || tail.Type != html.TextNode || tail.Data != " said it." {
		t.Errorf("tail = %v, want text %q", tail, " said it.")
	}

	stats := p.Stats()
	if stats.Converted != 1 || stats.Wrappers != 1 {
		t.Errorf("stats = %+v, want 1 converted, 1 wrapper", stats)
	}
}

func TestPass_MultipleMatchesInOneNode(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump and Trump</p></body></html>")
	w, _ := newTestWalker(t, doc)

	runPass(t, w.Start(doc.Body(), 1), 0)

	ws := wrappers(t, doc)
	if len(ws) != 2 {
		t.Fatalf("wrappers = %d, want 2", len(ws))
	}

	between := ws[0].NextSibling
	if between == nil || between.Type != html.TextNode || between.Data != " and " {
		t.Errorf("between = %v, want text %q", between, " and ")
	}
	if between.NextSibling != ws[1] {
		t.Error("second wrapper not adjacent to connecting text")
	}
}

func TestPass_DocumentOrder(t *testing.T) {
	doc := mustParse(t, `<html><head></head><body>
		<p>Trump one</p>
		<div><p>Trump two</p></div>
		<p>Trump three</p>
	</body></html>`)
	w, _ := newTestWalker(t, doc)

	runPass(t, w.Start(doc.Body(), 2), 0)

	ws := wrappers(t, doc)
	if len(ws) != 3 {
		t.Fatalf("wrappers = %d, want 3", len(ws))
	}
	for i, wrap := range ws {
		tail := wrap.NextSibling
		if tail == nil || tail.Type != html.TextNode {
			t.Fatalf("wrapper %d has no text tail", i)
		}
	}
	wantTails := []string{" one", " two", " three"}
	for i, want := range wantTails {
		if got := ws[i].NextSibling.Data; got != want {
			t.Errorf("conversion %d tail = %q, want %q", i, got, want)
		}
	}
}

func TestPass_ChunkBudget(t *testing.T) {
	const paragraphs = 10000
	var sb strings.Builder
	sb.WriteString("<html><head></head><body>")
	for i := 0; i < paragraphs; i++ {
		sb.WriteString("<p>Trump</p>")
	}
	sb.WriteString("</body></html>")

	doc := mustParse(t, sb.String())
	w, _ := newTestWalker(t, doc)
	p := w.Start(doc.Body(), 1)

	const budget = 16
	steps := 0
	lastVisited := 0
	for !p.Step(budget) {
		steps++
		visited := p.Stats().Visited
		if delta := visited - lastVisited; delta > budget {
			t.Fatalf("step visited %d nodes, budget %d", delta, budget)
		}
		lastVisited = visited
		if steps > 100000 {
			t.Fatal("pass did not terminate")
		}
	}

	if steps < 2 {
		t.Errorf("steps = %d, want multiple chunks for %d nodes", steps, paragraphs)
	}
	if got := len(wrappers(t, doc)); got != paragraphs {
		t.Errorf("wrappers = %d, want %d", got, paragraphs)
	}
	if stats := p.Stats(); stats.Chunks != steps+1 {
		t.Errorf("Chunks = %d, want %d", stats.Chunks, steps+1)
	}
}

func TestPass_SkipsIneligibleSubtrees(t *testing.T) {
	page := `<html><head><title>Trump</title></head><body>
		<p>Trump here</p>
		<script>var who = "Trump";</script>
		<textarea>Trump</textarea>
		<div contenteditable="true">Trump edits</div>
		<style>.trump {}</style>
	</body></html>`
	doc := mustParse(t, page)
	w, _ := newTestWalker(t, doc)

	runPass(t, w.Start(doc.Root(), 1), 0)

	if got := len(wrappers(t, doc)); got != 1 {
		t.Fatalf("wrappers = %d, want only the paragraph converted", got)
	}

	out, err := doc.RenderString()
	if err != nil {
		t.Fatalf("RenderString() error = %v", err)
	}
	for _, untouched := range []string{
		`var who = "Trump";`,
		"<textarea>Trump</textarea>",
		">Trump edits</div>",
		"<title>Trump</title>",
	} {
		if !strings.Contains(out, untouched) {
			t.Errorf("protected content modified: %q missing from output", untouched)
		}
	}
}

func TestPass_Idempotent(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump said Trump.</p><p>nothing else</p></body></html>")
	w, marks := newTestWalker(t, doc)

	runPass(t, w.Start(doc.Body(), 1), 0)
	first, err := doc.RenderString()
	if err != nil {
		t.Fatalf("RenderString() error = %v", err)
	}
	if marks.Len() == 0 {
		t.Error("no text marked after first pass")
	}

	// A second pass over already-converted content is a no-op.
	p2 := w.Start(doc.Body(), 2)
	runPass(t, p2, 0)

	second, err := doc.RenderString()
	if err != nil {
		t.Fatalf("RenderString() error = %v", err)
	}
	if second != first {
		t.Errorf("second pass changed the document:\nfirst:  %s\nsecond: %s", first, second)
	}
	if stats := p2.Stats(); stats.Converted != 0 || stats.Wrappers != 0 {
		t.Errorf("second pass stats = %+v, want no conversions", stats)
	}
}

func TestPass_NoNestedWrappers(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump</p></body></html>")
	w, _ := newTestWalker(t, doc)

	runPass(t, w.Start(doc.Body(), 1), 0)
	runPass(t, w.Start(doc.Body(), 2), 0)

	nested, err := doc.Query("//span[@" + classify.AttrDone + "]//span[@" + classify.AttrDone + "]")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(nested) != 0 {
		t.Errorf("found %d nested wrapper(s)", len(nested))
	}
}

func TestPass_DetachedNodeSkipped(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump a</p><p>Trump b</p></body></html>")
	w, _ := newTestWalker(t, doc)

	p := w.Start(doc.Body(), 1)

	// Pop body, then the first paragraph; its text is now pending.
	if p.Step(2) {
		t.Fatal("pass finished before the document changed")
	}

	// The host removes the pending text node out from under the pass.
	firstText, err := doc.QueryFirst("//p/text()")
	if err != nil || firstText == nil {
		t.Fatalf("QueryFirst() = %v, %v", firstText, err)
	}
	if err := doc.RemoveNode(firstText, dom.GenerationHost); err != nil {
		t.Fatalf("RemoveNode() error = %v", err)
	}

	runPass(t, p, 0)

	stats := p.Stats()
	if stats.Detached != 1 {
		t.Errorf("Detached = %d, want 1", stats.Detached)
	}
	if stats.Converted != 1 {
		t.Errorf("Converted = %d, want the second paragraph converted", stats.Converted)
	}
}

func TestPass_Abandon(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><head></head><body>")
	for i := 0; i < 50; i++ {
		sb.WriteString("<p>Trump</p>")
	}
	sb.WriteString("</body></html>")

	doc := mustParse(t, sb.String())
	w, _ := newTestWalker(t, doc)
	p := w.Start(doc.Body(), 1)

	p.Step(10)
	p.Abandon()

	if !p.Done() {
		t.Error("Done() = false after Abandon")
	}
	if p.Pending() != 0 {
		t.Errorf("Pending() = %d after Abandon, want 0", p.Pending())
	}
	converted := p.Stats().Converted

	// Abandoning must not leave half-applied wrappers: every wrapper in the
	// document is complete.
	for i, wrap := range wrappers(t, doc) {
		if _, ok := dom.GetAttr(wrap, classify.AttrOriginal); !ok {
			t.Errorf("wrapper %d missing original text", i)
		}
		if wrap.FirstChild == nil {
			t.Errorf("wrapper %d has no visible content", i)
		}
	}

	// Stepping a dead pass does nothing.
	if !p.Step(10) {
		t.Error("Step() = false on abandoned pass")
	}
	if p.Stats().Converted != converted {
		t.Error("abandoned pass kept converting")
	}
}

func TestPass_IneligibleRoot(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><script>Trump</script></body></html>")
	w, _ := newTestWalker(t, doc)

	script, err := doc.QueryFirst("//script")
	if err != nil || script == nil {
		t.Fatalf("QueryFirst() = %v, %v", script, err)
	}

	p := w.Start(script, 1)
	if !p.Done() {
		t.Error("pass over ineligible root not immediately done")
	}
	if !p.Step(0) {
		t.Error("Step() = false for ineligible root")
	}
	if p.Stats().Visited != 0 {
		t.Errorf("Visited = %d, want 0", p.Stats().Visited)
	}
}

func TestPass_NilRoot(t *testing.T) {
	doc := mustParse(t, "<html><body></body></html>")
	w, _ := newTestWalker(t, doc)

	p := w.Start(nil, 1)
	if !p.Done() {
		t.Error("pass over nil root not immediately done")
	}
}

func TestTipIDsUnique(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump, Trump, Trump</p></body></html>")
	w, _ := newTestWalker(t, doc)

	runPass(t, w.Start(doc.Body(), 1), 0)

	seen := make(map[string]bool)
	for i, wrap := range wrappers(t, doc) {
		id, ok := dom.GetAttr(wrap, dom.AttrAriaDescribedBy)
		if !ok || id == "" {
			t.Fatalf("wrapper %d has no describedby id", i)
		}
		if seen[id] {
			t.Errorf("tooltip id %q reused", id)
		}
		seen[id] = true

		tip := wrap.LastChild
		if got, _ := dom.GetAttr(tip, dom.AttrID); got != id {
			t.Errorf("companion id = %q, want %q", got, id)
		}
	}
	if len(seen) != 3 {
		t.Errorf("distinct ids = %d, want 3", len(seen))
	}
}

func TestPass_WritesCarryGeneration(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump</p></body></html>")
	w, _ := newTestWalker(t, doc)

	sub := doc.Observe()
	defer sub.Cancel()

	runPass(t, w.Start(doc.Body(), 42), 0)

	recs := sub.Take()
	if len(recs) == 0 {
		t.Fatal("no mutation records from conversion")
	}
	for i, rec := range recs {
		if rec.Gen != 42 {
			t.Errorf("record %d gen = %d, want 42", i, rec.Gen)
		}
	}
}

func TestPass_CustomTipIDAllocator(t *testing.T) {
	doc := mustParse(t, "<html><head></head><body><p>Trump</p></body></html>")

	rs := rules.MustCompile([]rules.Rule{
		{Pattern: "Trump", Replacement: "The Orange One", CaseSensitive: true, WholeWord: true},
	})
	marks := classify.NewMarks()
	w, err := New(Config{
		Document:   doc,
		Processor:  textproc.New(rs, textproc.Config{}),
		Classifier: classify.New(marks),
		Marks:      marks,
		NextTipID:  func() string { return "custom-id" },
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	runPass(t, w.Start(doc.Body(), 1), 0)

	ws := wrappers(t, doc)
	if len(ws) != 1 {
		t.Fatalf("wrappers = %d, want 1", len(ws))
	}
	if got, _ := dom.GetAttr(ws[0], dom.AttrAriaDescribedBy); got != "custom-id" {
		t.Errorf("describedby = %q, want %q", got, "custom-id")
	}
}
