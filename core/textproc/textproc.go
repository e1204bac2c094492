// Package textproc applies a rule set to plain text. A cheap rejection
// pre-check and an optional result cache sit in front of full matching;
// neither may change the outcome, only the cost.
package textproc

import (
	"fmt"
	"strings"

	"github.com/FocuswithJustin/Glossa/core/errors"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/internal/logging"
)

// Span is one converted stretch of the input: source[Start:End] became
// Converted. Spans are in order, non-overlapping, and never empty on either
// side of the substitution.
type Span struct {
	Start     int
	End       int
	Converted string
}

// Result is the outcome of processing one input string. Changed is false
// exactly when Text equals the input; when true, Spans records each
// converted stretch so callers can address the original text around them.
type Result struct {
	Text    string
	Changed bool
	Spans   []Span
}

// Cache is the slice of the result cache the processor consumes. Keys are
// exact source strings; the caller guarantees the cache is scoped to the
// processor's rule set version.
type Cache interface {
	Get(source string) (Result, bool)
	Put(source string, result Result)
}

// Config contains processor configuration options.
type Config struct {
	// Cache holds previously computed results. Nil disables caching; every
	// lookup is then a miss.
	Cache Cache

	// OnError is invoked for recovered rule and cache failures. Nil means
	// failures are logged and otherwise ignored; they never abort processing.
	OnError func(error)
}

// Processor applies an immutable rule set to text. It is pure with respect
// to the rule set: the same input always yields the same Result.
type Processor struct {
	rules *rules.RuleSet
	cfg   Config
}

// New creates a Processor over the given rule set.
func New(rs *rules.RuleSet, cfg Config) *Processor {
	return &Processor{rules: rs, cfg: cfg}
}

// RuleSet returns the rule set this processor applies.
func (p *Processor) RuleSet() *rules.RuleSet {
	return p.rules
}

// Version returns the rule set version, the identity caches are scoped to.
func (p *Processor) Version() string {
	return p.rules.Version()
}

// Process converts text according to the rule set. One left-to-right pass:
// the earliest match wins its span, ties go to the first-listed rule, and
// replaced output is never re-matched. A failing rule forfeits its span and
// the rest of the input still converts.
func (p *Processor) Process(text string) Result {
	if text == "" {
		return Result{Text: text}
	}

	if res, ok := p.cacheGet(text); ok {
		return res
	}

	// Probe scan first: most text matches nothing and should cost one pass.
	if !p.rules.CanMatch(text) {
		res := Result{Text: text}
		p.cachePut(text, res)
		return res
	}

	plan := p.rules.Plan(text)
	if len(plan) == 0 {
		res := Result{Text: text}
		p.cachePut(text, res)
		return res
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	var spans []Span
	for _, m := range plan {
		b.WriteString(text[pos:m.Start])
		match := text[m.Start:m.End]

		rep, err := p.rules.Replacement(m.Rule, match)
		switch {
		case err != nil:
			p.report(err)
			b.WriteString(match)
		case rep == match:
			// An identity replacement is not a conversion.
			b.WriteString(match)
		default:
			b.WriteString(rep)
			spans = append(spans, Span{Start: m.Start, End: m.End, Converted: rep})
		}
		pos = m.End
	}
	b.WriteString(text[pos:])

	res := Result{Text: b.String(), Changed: len(spans) > 0, Spans: spans}
	if !res.Changed {
		// All replacements failed or reproduced their match
		res.Text = text
	}
	p.cachePut(text, res)
	return res
}

// cacheGet looks up a cached result. Cache misbehavior of any kind, a panic
// or an entry that is internally inconsistent, degrades to a miss.
func (p *Processor) cacheGet(text string) (res Result, ok bool) {
	if p.cfg.Cache == nil {
		return Result{}, false
	}

	defer func() {
		if r := recover(); r != nil {
			p.report(errors.NewCache(text, fmt.Sprintf("lookup panicked: %v", r)))
			res, ok = Result{}, false
		}
	}()

	res, ok = p.cfg.Cache.Get(text)
	if ok && !res.Changed && res.Text != text {
		p.report(errors.NewCache(text, "unchanged entry does not round-trip its source"))
		return Result{}, false
	}
	if ok && res.Changed && !spansValid(res.Spans, len(text)) {
		p.report(errors.NewCache(text, "changed entry carries invalid spans"))
		return Result{}, false
	}
	return res, ok
}

// spansValid checks that spans are in bounds, ordered, and non-overlapping.
// Callers index the source text with these offsets, so a poisoned entry
// must fail here rather than there.
func spansValid(spans []Span, n int) bool {
	if len(spans) == 0 {
		return false
	}
	prev := 0
	for _, s := range spans {
		if s.Start < prev || s.End <= s.Start || s.End > n {
			return false
		}
		prev = s.End
	}
	return true
}

// cachePut stores a result. Failures are reported and dropped; the result
// has already been computed and is returned to the caller regardless.
func (p *Processor) cachePut(text string, res Result) {
	if p.cfg.Cache == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.report(errors.NewCache(text, fmt.Sprintf("store panicked: %v", r)))
		}
	}()

	p.cfg.Cache.Put(text, res)
}

func (p *Processor) report(err error) {
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
		return
	}

	var re *errors.RuleError
	if errors.As(err, &re) {
		logging.RuleFailure(re.Index, re.Pattern, re)
		return
	}
	logging.Warn("text processing degraded", "error", err)
}
