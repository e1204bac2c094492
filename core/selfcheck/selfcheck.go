// Package selfcheck provides the self-check engine for verifying the
// conversion invariants against a live rules + document pair.
//
// The checks re-run the properties the package tests assert, but against
// the operator's own inputs rather than fixtures: convert twice and
// nothing moves, watch a converted tree and nothing echoes back, push
// hostile text through a wrapper and it comes back as text. A plan
// selects the checks; the executor runs them and emits a JSON report.
package selfcheck

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/cache"
	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/core/pipeline"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/core/textproc"
	"github.com/FocuswithJustin/Glossa/core/tooltip"
	"github.com/FocuswithJustin/Glossa/core/walker"
)

// Version is the report format version.
const Version = "1.0.0"

// Status values for reports.
const (
	StatusPass = "pass"
	StatusFail = "fail"
)

// Check types.
const (
	// CheckIdempotence converts the document, then converts it again and
	// requires the second pass to change nothing.
	CheckIdempotence = "IDEMPOTENCE"

	// CheckLoopSafety runs a full pipeline over the document and requires
	// that its own writes never come back as work.
	CheckLoopSafety = "LOOP_SAFETY"

	// CheckRoundTrip pushes hostile text through a wrapper and requires
	// it to survive render and re-parse as text, never as markup.
	CheckRoundTrip = "ROUND_TRIP"

	// CheckAccessibility inspects every wrapper for the keyboard and
	// screen-reader contract: tabindex, aria-describedby, a companion
	// with role=tooltip.
	CheckAccessibility = "ACCESSIBILITY"

	// CheckNoOp converts a document with no matches and requires the
	// rendered output to be byte-identical.
	CheckNoOp = "NO_OP"

	// CheckDeterminism converts the document twice from scratch and
	// requires identical output, including the overlap tie-breaks.
	CheckDeterminism = "DETERMINISM"

	// CheckCache exercises the version-scoped text cache: stored results
	// come back intact, stale versions never serve.
	CheckCache = "CACHE"

	// CheckEligibility requires script, style, form and editable regions
	// to pass through conversion untouched.
	CheckEligibility = "ELIGIBILITY"

	// CheckCoverage measures which rules the document exercises and,
	// with a budget, fails on silent rules.
	CheckCoverage = "COVERAGE"
)

// Plan selects and parameterizes the checks to run.
type Plan struct {
	ID          string      `json:"id"`
	Description string      `json:"description,omitempty"`
	Checks      []PlanCheck `json:"checks"`
}

// PlanCheck defines a single check in a plan. The parameter struct
// matching Type may be set; all others are ignored.
type PlanCheck struct {
	Type        string            `json:"check_type"`
	Label       string            `json:"label,omitempty"`
	Idempotence *IdempotenceCheck `json:"idempotence,omitempty"`
	LoopSafety  *LoopSafetyCheck  `json:"loop_safety,omitempty"`
	RoundTrip   *RoundTripCheck   `json:"round_trip,omitempty"`
	Coverage    *CoverageCheck    `json:"coverage,omitempty"`
}

// IdempotenceCheck parameterizes CheckIdempotence.
type IdempotenceCheck struct {
	// Repeats is how many extra passes to run over the converted tree.
	// Zero means one.
	Repeats int `json:"repeats,omitempty"`
}

// LoopSafetyCheck parameterizes CheckLoopSafety.
type LoopSafetyCheck struct {
	// WindowMS is how long to watch the converted tree for echoes after
	// the initial pass. Zero means 150.
	WindowMS int `json:"window_ms,omitempty"`
}

// RoundTripCheck parameterizes CheckRoundTrip.
type RoundTripCheck struct {
	// Payload overrides the hostile original text.
	Payload string `json:"payload,omitempty"`
}

// CoverageCheck parameterizes CheckCoverage.
type CoverageCheck struct {
	// Budget, when set, turns the informational coverage measurement
	// into a pass/fail gate.
	Budget *CoverageBudget `json:"budget,omitempty"`
}

// DefaultPlan returns a plan running every check with defaults. The fast
// structural checks run first; the timed loop-safety check runs last.
func DefaultPlan() *Plan {
	return &Plan{
		ID:          "glossa-invariants",
		Description: "conversion engine invariants",
		Checks: []PlanCheck{
			{Type: CheckNoOp},
			{Type: CheckDeterminism},
			{Type: CheckCache},
			{Type: CheckEligibility},
			{Type: CheckRoundTrip},
			{Type: CheckAccessibility},
			{Type: CheckIdempotence},
			{Type: CheckCoverage},
			{Type: CheckLoopSafety},
		},
	}
}

// ParsePlan decodes and validates a plan from JSON.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, errors.NewParse("json", "plan", err.Error())
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the plan for structural problems.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.NewValidation("id", "cannot be empty")
	}
	if len(p.Checks) == 0 {
		return errors.NewValidation("checks", "cannot be empty")
	}
	for i, c := range p.Checks {
		switch c.Type {
		case CheckIdempotence, CheckLoopSafety, CheckRoundTrip,
			CheckAccessibility, CheckNoOp, CheckDeterminism,
			CheckCache, CheckEligibility, CheckCoverage:
		default:
			return errors.NewValidation("checks",
				fmt.Sprintf("unknown check type %q at index %d", c.Type, i))
		}
	}
	return nil
}

// Report is the result of executing a plan.
type Report struct {
	ReportVersion string        `json:"report_version"`
	CreatedAt     string        `json:"created_at"`
	PlanID        string        `json:"plan_id"`
	RulesVersion  string        `json:"rules_version"`
	DocumentHash  string        `json:"document_hash"`
	Results       []CheckResult `json:"results"`
	Status        string        `json:"status"`
}

// CheckResult is the result of a single check.
type CheckResult struct {
	CheckType string      `json:"check_type"`
	Label     string      `json:"label"`
	Pass      bool        `json:"pass"`
	Expected  *HashInfo   `json:"expected,omitempty"`
	Actual    *HashInfo   `json:"actual,omitempty"`
	Details   interface{} `json:"details,omitempty"`
	Reason    string      `json:"reason,omitempty"`
}

// HashInfo contains hash information for comparison.
type HashInfo struct {
	BLAKE3 string `json:"blake3,omitempty"`
}

// ToJSON serializes the report to JSON.
func (r *Report) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// Hash returns the BLAKE3 hash of the report.
func (r *Report) Hash() string {
	data, _ := json.Marshal(r)
	return hashHex(data)
}

// Failed returns the results that did not pass.
func (r *Report) Failed() []CheckResult {
	var out []CheckResult
	for _, res := range r.Results {
		if !res.Pass {
			out = append(out, res)
		}
	}
	return out
}

func hashHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DefaultDocument is the sample page used when no document is supplied.
// It exercises every rule in DefaultRules at least once.
const DefaultDocument = `<!DOCTYPE html>
<html>
<head><title>Wire report</title></head>
<body>
<h1>Morning briefing</h1>
<p>Trump said the tariffs would arrive within a week.</p>
<p>Hillary Clinton declined to comment; aides pointed to the European Commission instead.</p>
<p>Later, Trump repeated the claim to reporters.</p>
<blockquote>The European Commission disputed the figures.</blockquote>
</body>
</html>`

// DefaultRules returns the sample rule set used when none is supplied.
func DefaultRules() *rules.RuleSet {
	return rules.MustCompile([]rules.Rule{
		{Pattern: "Trump", Replacement: "The Orange One", CaseSensitive: true, WholeWord: true},
		{Pattern: "Hillary Clinton", Replacement: "Crooked Hillary", CaseSensitive: true},
		{Pattern: "European Commission", Replacement: "the Commission", CaseSensitive: true},
	})
}

// Executor executes self-check plans against one rules + document pair.
type Executor struct {
	rules *rules.RuleSet
	doc   string
}

// NewExecutor creates a plan executor. A nil rule set or empty document
// falls back to the built-in samples.
func NewExecutor(rs *rules.RuleSet, docHTML string) *Executor {
	if rs == nil {
		rs = DefaultRules()
	}
	if strings.TrimSpace(docHTML) == "" {
		docHTML = DefaultDocument
	}
	return &Executor{rules: rs, doc: docHTML}
}

// Execute runs a self-check plan and returns a report. A nil plan runs
// DefaultPlan. Check failures land in the report; only a check that could
// not run at all returns an error.
func (e *Executor) Execute(plan *Plan) (*Report, error) {
	if plan == nil {
		plan = DefaultPlan()
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	var results []CheckResult
	allPass := true

	for i := range plan.Checks {
		check := &plan.Checks[i]
		result, err := e.executeCheck(check)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", check.Type, err)
		}
		result.CheckType = check.Type
		result.Label = check.Label
		if result.Label == "" {
			result.Label = strings.ToLower(check.Type)
		}
		results = append(results, *result)
		if !result.Pass {
			allPass = false
		}
	}

	status := StatusPass
	if !allPass {
		status = StatusFail
	}

	return &Report{
		ReportVersion: Version,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
		PlanID:        plan.ID,
		RulesVersion:  e.rules.Version(),
		DocumentHash:  hashHex([]byte(e.doc)),
		Results:       results,
		Status:        status,
	}, nil
}

// executeCheck dispatches a single plan check.
func (e *Executor) executeCheck(check *PlanCheck) (*CheckResult, error) {
	switch check.Type {
	case CheckIdempotence:
		return e.checkIdempotence(check.Idempotence)
	case CheckLoopSafety:
		return e.checkLoopSafety(check.LoopSafety)
	case CheckRoundTrip:
		return e.checkRoundTrip(check.RoundTrip)
	case CheckAccessibility:
		return e.checkAccessibility()
	case CheckNoOp:
		return e.checkNoOp()
	case CheckDeterminism:
		return e.checkDeterminism()
	case CheckCache:
		return e.checkCache()
	case CheckEligibility:
		return e.checkEligibility()
	case CheckCoverage:
		return e.checkCoverage(check.Coverage)
	default:
		return nil, fmt.Errorf("unknown check type: %s", check.Type)
	}
}

// stack bundles one conversion pipeline over a freshly parsed document,
// without the coordinator or loop goroutine: checks drive passes directly.
type stack struct {
	doc    *dom.Document
	marks  *classify.Marks
	walker *walker.Walker
	gen    dom.Generation
}

func newStack(docHTML string, rs *rules.RuleSet) (*stack, error) {
	doc, err := dom.ParseString(docHTML)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	marks := classify.NewMarks()
	w, err := walker.New(walker.Config{
		Document: doc,
		Processor: textproc.New(rs, textproc.Config{
			Cache: cache.NewDefaultTextCache(rs.Version()),
		}),
		Classifier: classify.New(marks),
		Marks:      marks,
	})
	if err != nil {
		return nil, err
	}
	return &stack{doc: doc, marks: marks, walker: w, gen: 1}, nil
}

// pass runs one full conversion pass over the body and returns its stats.
func (s *stack) pass() walker.Stats {
	s.gen++
	p := s.walker.Start(s.doc.Body(), s.gen)
	for !p.Step(0) {
	}
	return p.Stats()
}

func (s *stack) render() (string, error) {
	return s.doc.RenderString()
}

func (e *Executor) checkIdempotence(cfg *IdempotenceCheck) (*CheckResult, error) {
	repeats := 1
	if cfg != nil && cfg.Repeats > 0 {
		repeats = cfg.Repeats
	}
	if repeats > 16 {
		repeats = 16
	}

	st, err := newStack(e.doc, e.rules)
	if err != nil {
		return nil, err
	}
	first := st.pass()
	want, err := st.render()
	if err != nil {
		return nil, err
	}

	reconverted := 0
	got := want
	for i := 0; i < repeats; i++ {
		stats := st.pass()
		reconverted += stats.Converted + stats.Wrappers
		got, err = st.render()
		if err != nil {
			return nil, err
		}
		if got != want {
			break
		}
	}

	result := &CheckResult{
		Pass:     got == want && reconverted == 0,
		Expected: &HashInfo{BLAKE3: hashHex([]byte(want))},
		Actual:   &HashInfo{BLAKE3: hashHex([]byte(got))},
		Details: map[string]interface{}{
			"wrappers":      first.Wrappers,
			"repeats":       repeats,
			"reconversions": reconverted,
		},
	}
	if !result.Pass {
		result.Reason = fmt.Sprintf("repeat pass changed the document: %d reconversions", reconverted)
	}
	return result, nil
}

func (e *Executor) checkLoopSafety(cfg *LoopSafetyCheck) (*CheckResult, error) {
	window := 150 * time.Millisecond
	if cfg != nil && cfg.WindowMS > 0 {
		window = time.Duration(cfg.WindowMS) * time.Millisecond
	}

	doc, err := dom.ParseString(e.doc)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	pl, err := pipeline.New(pipeline.Config{
		Document:   doc,
		Rules:      e.rules,
		Debounce:   20 * time.Millisecond,
		MaxWait:    100 * time.Millisecond,
		InstanceID: "selfcheck",
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- pl.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for pl.Stats().Passes == 0 {
		if time.Now().After(deadline) {
			pl.Close()
			<-errc
			return &CheckResult{
				Pass:   false,
				Reason: "initial conversion pass never completed",
			}, nil
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The pipeline's own writes are now in flight through the coordinator.
	// Any echo would surface as a batch within the debounce window.
	time.Sleep(window)

	st := pl.Stats()
	pl.Close()
	runErr := <-errc

	pass := runErr == nil && st.Passes == 1 && st.Batches == 0
	if st.Walk.Wrappers > 0 && st.Observer.Filtered == 0 {
		// Conversion wrote to the tree but the guard never saw the
		// records: the filter is not observing its own writes.
		pass = false
	}

	result := &CheckResult{
		Pass: pass,
		Details: map[string]interface{}{
			"passes":    st.Passes,
			"batches":   st.Batches,
			"wrappers":  st.Walk.Wrappers,
			"filtered":  st.Observer.Filtered,
			"window_ms": window.Milliseconds(),
		},
	}
	if runErr != nil {
		result.Reason = fmt.Sprintf("pipeline run failed: %v", runErr)
	} else if !pass {
		result.Reason = fmt.Sprintf("conversion echoed back as work: %d passes, %d batches", st.Passes, st.Batches)
	}
	return result, nil
}

// defaultPayload is hostile on both sides: raw markup that must never
// parse as elements, and quoting that must survive attribute escaping.
const defaultPayload = `<script>alert("glossa")</script> & <img src=x onerror="alert('x')">`

func (e *Executor) checkRoundTrip(cfg *RoundTripCheck) (*CheckResult, error) {
	payload := defaultPayload
	if cfg != nil && cfg.Payload != "" {
		payload = cfg.Payload
	}

	rs, err := rules.Compile([]rules.Rule{
		{Pattern: payload, Replacement: "neutralized", CaseSensitive: true},
	})
	if err != nil {
		return nil, fmt.Errorf("compile payload rule: %w", err)
	}

	st, err := newStack(`<html><body><p id="host"></p></body></html>`, rs)
	if err != nil {
		return nil, err
	}
	host, err := st.doc.QueryFirst(`//p[@id="host"]`)
	if err != nil || host == nil {
		return nil, fmt.Errorf("host paragraph missing: %v", err)
	}
	if err := st.doc.AppendChild(host, dom.NewTextNode("before "+payload+" after"), dom.GenerationHost); err != nil {
		return nil, err
	}

	stats := st.pass()
	wrapper, err := st.doc.QueryFirst("//*[@" + classify.AttrOriginal + "]")
	if err != nil {
		return nil, err
	}
	if wrapper == nil {
		return &CheckResult{
			Pass:    false,
			Reason:  "payload was never converted",
			Details: map[string]interface{}{"visited": stats.Visited},
		}, nil
	}

	orig, _ := dom.GetAttr(wrapper, classify.AttrOriginal)
	rendered, err := st.render()
	if err != nil {
		return nil, err
	}

	// Reparse the rendered page: the payload must come back as text on
	// the wrapper attribute, and must never have produced elements.
	reparsed, err := dom.ParseString(rendered)
	if err != nil {
		return nil, err
	}
	elements, err := reparsed.Query("//script | //img")
	if err != nil {
		return nil, err
	}
	again, err := reparsed.QueryFirst("//*[@" + classify.AttrOriginal + "]")
	if err != nil {
		return nil, err
	}
	roundTripped := ""
	if again != nil {
		roundTripped, _ = dom.GetAttr(again, classify.AttrOriginal)
	}

	// The tooltip path shows the same payload; it must land as text too.
	tip, err := tooltip.New(tooltip.Config{
		Document:   st.doc,
		Generation: st.gen + 1,
	})
	if err != nil {
		return nil, err
	}
	defer tip.Close()
	tip.Handle(tooltip.Event{Kind: tooltip.Focus, Target: wrapper})
	shown := textOf(companionOf(wrapper))

	shownRendered, err := st.render()
	if err != nil {
		return nil, err
	}

	pass := orig == payload &&
		roundTripped == payload &&
		shown == payload &&
		len(elements) == 0 &&
		!strings.Contains(rendered, "<script>") &&
		!strings.Contains(shownRendered, "<script>")

	result := &CheckResult{
		Pass:     pass,
		Expected: &HashInfo{BLAKE3: hashHex([]byte(payload))},
		Actual:   &HashInfo{BLAKE3: hashHex([]byte(roundTripped))},
		Details: map[string]interface{}{
			"payload_bytes":   len(payload),
			"parsed_elements": len(elements),
		},
	}
	if !pass {
		switch {
		case len(elements) > 0:
			result.Reason = "payload parsed into live elements"
		case shown != payload:
			result.Reason = "tooltip altered the payload"
		default:
			result.Reason = "payload did not survive the round trip"
		}
	}
	return result, nil
}

func (e *Executor) checkAccessibility() (*CheckResult, error) {
	st, err := newStack(e.doc, e.rules)
	if err != nil {
		return nil, err
	}
	st.pass()

	wrappers, err := st.doc.Query("//*[@" + classify.AttrOriginal + "]")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var violations []string
	note := func(format string, args ...interface{}) {
		if len(violations) < 10 {
			violations = append(violations, fmt.Sprintf(format, args...))
		}
	}

	for i, w := range wrappers {
		if v, _ := dom.GetAttr(w, dom.AttrTabIndex); v != "0" {
			note("wrapper %d: tabindex %q", i, v)
		}
		if v, _ := dom.GetAttr(w, classify.AttrDone); v != "1" {
			note("wrapper %d: missing done marker", i)
		}
		ref, _ := dom.GetAttr(w, dom.AttrAriaDescribedBy)
		if ref == "" {
			note("wrapper %d: empty aria-describedby", i)
			continue
		}
		if seen[ref] {
			note("wrapper %d: duplicate tooltip id %q", i, ref)
		}
		seen[ref] = true

		tip := companionOf(w)
		if tip == nil {
			note("wrapper %d: no companion for %q", i, ref)
			continue
		}
		if id, _ := dom.GetAttr(tip, dom.AttrID); id != ref {
			note("wrapper %d: companion id %q != %q", i, id, ref)
		}
		if v, _ := dom.GetAttr(tip, dom.AttrAriaHidden); v != "true" {
			note("wrapper %d: companion aria-hidden %q", i, v)
		}
	}

	result := &CheckResult{
		Pass: len(violations) == 0,
		Details: map[string]interface{}{
			"wrappers":   len(wrappers),
			"violations": violations,
		},
	}
	if !result.Pass {
		result.Reason = violations[0]
	}
	return result, nil
}

// noopDocument shares no vocabulary with fixtureRules.
const noopDocument = `<html><body>
<p>The committee adjourned before lunch.</p>
<p>Nothing on the agenda survived the morning session.</p>
</body></html>`

func (e *Executor) checkNoOp() (*CheckResult, error) {
	st, err := newStack(noopDocument, fixtureRules())
	if err != nil {
		return nil, err
	}
	before, err := st.render()
	if err != nil {
		return nil, err
	}
	stats := st.pass()
	after, err := st.render()
	if err != nil {
		return nil, err
	}

	result := &CheckResult{
		Pass:     before == after && stats.Converted == 0 && stats.Wrappers == 0,
		Expected: &HashInfo{BLAKE3: hashHex([]byte(before))},
		Actual:   &HashInfo{BLAKE3: hashHex([]byte(after))},
		Details: map[string]interface{}{
			"visited":   stats.Visited,
			"converted": stats.Converted,
		},
	}
	if !result.Pass {
		result.Reason = "conversion touched a document with no matches"
	}
	return result, nil
}

func (e *Executor) checkDeterminism() (*CheckResult, error) {
	render := func() (string, error) {
		st, err := newStack(e.doc, e.rules)
		if err != nil {
			return "", err
		}
		st.pass()
		return st.render()
	}
	first, err := render()
	if err != nil {
		return nil, err
	}
	second, err := render()
	if err != nil {
		return nil, err
	}

	// Overlap tie-breaks on a fixed fixture: leftmost match wins, and at
	// equal start the earlier rule wins.
	overlap := rules.MustCompile([]rules.Rule{
		{Pattern: "Hillary Clinton", Replacement: "[long]", CaseSensitive: true},
		{Pattern: "Clinton", Replacement: "[short]", CaseSensitive: true},
	})
	leftmost := textproc.New(overlap, textproc.Config{}).Process("Clinton met Hillary Clinton").Text

	equalStart := rules.MustCompile([]rules.Rule{
		{Pattern: "EC", Replacement: "[first]", CaseSensitive: true},
		{Pattern: "EC summit", Replacement: "[second]", CaseSensitive: true},
	})
	ordered := textproc.New(equalStart, textproc.Config{}).Process("the EC summit opened").Text

	pass := first == second &&
		leftmost == "[short] met [long]" &&
		ordered == "the [first] summit opened"

	result := &CheckResult{
		Pass:     pass,
		Expected: &HashInfo{BLAKE3: hashHex([]byte(first))},
		Actual:   &HashInfo{BLAKE3: hashHex([]byte(second))},
		Details: map[string]interface{}{
			"leftmost":    leftmost,
			"equal_start": ordered,
		},
	}
	if !pass {
		if first != second {
			result.Reason = "two conversions of the same inputs diverged"
		} else {
			result.Reason = "overlap tie-break is not deterministic"
		}
	}
	return result, nil
}

func (e *Executor) checkCache() (*CheckResult, error) {
	version := e.rules.Version()
	tc := cache.NewTextCache(version, cache.Config{MaxSize: 64})

	// Stored results come back intact.
	intact := true
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("cache probe %02d", i)
		tc.Put(key, textproc.Result{Text: fmt.Sprintf("converted %02d", i), Changed: true})
	}
	for i := 0; i < 32; i++ {
		key := fmt.Sprintf("cache probe %02d", i)
		res, ok := tc.Get(key)
		if !ok || res.Text != fmt.Sprintf("converted %02d", i) {
			intact = false
			break
		}
	}

	// A different rules version never serves these entries.
	scoped := tc.ValidFor(version) && !tc.ValidFor(version+"-stale")
	fresh := cache.NewTextCache(version+"-stale", cache.Config{MaxSize: 64})
	if _, ok := fresh.Get("cache probe 00"); ok {
		scoped = false
	}

	// The LRU bound holds under pressure.
	small := cache.NewTextCache(version, cache.Config{MaxSize: 8})
	for i := 0; i < 24; i++ {
		small.Put(fmt.Sprintf("pressure %02d", i), textproc.Result{Text: "x", Changed: true})
	}
	bounded := small.Len() <= 8 && small.Stats().Evictions >= 16

	// The processor actually consults the cache on repeated text.
	proc := textproc.New(e.rules, textproc.Config{Cache: tc})
	probe := "repeated segment for the processor to hit"
	proc.Process(probe)
	proc.Process(probe)
	hits := tc.Stats().Hits

	result := &CheckResult{
		Pass: intact && scoped && bounded && hits >= 1,
		Details: map[string]interface{}{
			"hits":      hits,
			"evictions": small.Stats().Evictions,
			"size":      small.Len(),
		},
	}
	if !result.Pass {
		switch {
		case !intact:
			result.Reason = "cached results did not come back intact"
		case !scoped:
			result.Reason = "cache served entries across rules versions"
		case !bounded:
			result.Reason = "cache exceeded its size bound"
		default:
			result.Reason = "processor never consulted the cache"
		}
	}
	return result, nil
}

// eligibilityDocument plants the same matchable token inside every region
// conversion must not touch, plus one paragraph it must.
const eligibilityDocument = `<html><body>
<p id="plain">Trump spoke first.</p>
<script>var who = "Trump";</script>
<style>.trump { color: orange; }</style>
<textarea>Trump</textarea>
<div contenteditable="true"><p>Trump is being edited.</p></div>
<span data-glossa-done="1" tabindex="0">Trump inside earlier output</span>
</body></html>`

func (e *Executor) checkEligibility() (*CheckResult, error) {
	st, err := newStack(eligibilityDocument, fixtureRules())
	if err != nil {
		return nil, err
	}
	stats := st.pass()

	wrappers, err := st.doc.Query("//*[@" + classify.AttrOriginal + "]")
	if err != nil {
		return nil, err
	}
	rendered, err := st.render()
	if err != nil {
		return nil, err
	}

	pass := len(wrappers) == 1 &&
		strings.Contains(rendered, `var who = "Trump";`) &&
		strings.Contains(rendered, "Trump is being edited.") &&
		strings.Contains(rendered, "Trump inside earlier output")

	result := &CheckResult{
		Pass: pass,
		Details: map[string]interface{}{
			"wrappers": len(wrappers),
			"skipped":  stats.Skipped,
		},
	}
	if !pass {
		result.Reason = fmt.Sprintf("expected exactly 1 conversion, got %d", len(wrappers))
	}
	return result, nil
}

func (e *Executor) checkCoverage(cfg *CoverageCheck) (*CheckResult, error) {
	doc, err := dom.ParseString(e.doc)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	cov := Measure(e.rules, doc)

	if cfg == nil || cfg.Budget == nil {
		// Informational: report the measurement, never fail.
		return &CheckResult{Pass: true, Details: cov}, nil
	}

	res := cfg.Budget.Check(cov)
	result := &CheckResult{Pass: res.WithinBudget, Details: res}
	if !res.WithinBudget {
		result.Reason = res.Violations[0]
	}
	return result, nil
}

// fixtureRules back the checks that need guaranteed matches independent of
// the executor's rule set.
func fixtureRules() *rules.RuleSet {
	return rules.MustCompile([]rules.Rule{
		{Pattern: "Trump", Replacement: "The Orange One", CaseSensitive: true, WholeWord: true},
	})
}

// companionOf returns the wrapper's embedded tooltip element, if any.
func companionOf(wrapper *html.Node) *html.Node {
	if wrapper == nil {
		return nil
	}
	for c := wrapper.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		if role, _ := dom.GetAttr(c, dom.AttrRole); role == dom.RoleTooltip {
			return c
		}
	}
	return nil
}

// textOf concatenates the direct text children of n.
func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}
