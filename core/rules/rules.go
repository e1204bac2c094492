// Package rules defines substitution rules and the compiled, ordered sets the
// text processor matches against. Rule catalogs are accepted in several
// formats (JSON, YAML, XML, and a compact DSL); every format loads into the
// same immutable RuleSet.
package rules

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/FocuswithJustin/Glossa/core/errors"
)

// ReplaceFunc computes a replacement from the matched text. It is used for
// replacements that depend on the match (unit conversion, case mirroring);
// most rules carry a plain literal instead.
type ReplaceFunc func(match string) string

// Rule is a single substitution: a pattern and the replacement that takes
// its place. Rules are value types; a RuleSet copies them at compile time
// and never exposes shared state.
type Rule struct {
	// Pattern is the text to match: a literal phrase, or a regular
	// expression when Regex is set.
	Pattern string

	// Replacement is the literal replacement text. When Replace is set it
	// instead serves as the stable identity of the function for version
	// hashing, so callers swapping the function should change it.
	Replacement string

	// Regex marks Pattern as a regular expression (RE2 syntax).
	Regex bool

	// CaseSensitive controls literal matching and, for regex rules, whether
	// the expression is wrapped in (?i).
	CaseSensitive bool

	// WholeWord requires matches to fall on word boundaries. Loaders default
	// it to true for literal rules and false for regex rules, where authors
	// write their own \b.
	WholeWord bool

	// Replace, when non-nil, computes the replacement from the match.
	Replace ReplaceFunc

	// Note is an optional human annotation carried through catalogs.
	Note string
}

// Match locates one planned substitution inside an input string.
type Match struct {
	// Rule is the index of the winning rule in pattern order.
	Rule int

	// Start and End are byte offsets into the input.
	Start int
	End   int
}

// compiledRule pairs a source rule with its compiled matcher and probe token.
type compiledRule struct {
	src   Rule
	re    *regexp.Regexp
	probe string // lowercased literal fragment, "" if none extractable
}

// RuleSet is a compiled, ordered, immutable list of rules. Earlier rules win
// ties: when two rules match at the same position, the one listed first
// claims the span.
type RuleSet struct {
	rules     []compiledRule
	version   string
	alwaysRun bool // some rule has no probe, pre-check cannot reject
}

// Compile validates and compiles rules in the given order. The order is
// significant and preserved: it is the tie-break for overlapping matches.
func Compile(src []Rule) (*RuleSet, error) {
	rs := &RuleSet{rules: make([]compiledRule, 0, len(src))}

	for i, r := range src {
		if r.Pattern == "" {
			return nil, errors.NewValidation(fmt.Sprintf("rule[%d].pattern", i), "pattern must not be empty")
		}

		re, err := compilePattern(r)
		if err != nil {
			ve := errors.NewValidation(fmt.Sprintf("rule[%d].pattern", i), err.Error())
			ve.Value = errors.Truncate(r.Pattern, 64)
			ve.Err = err
			return nil, ve
		}

		probe := strings.ToLower(probeToken(r))
		if probe == "" {
			rs.alwaysRun = true
		}

		rs.rules = append(rs.rules, compiledRule{src: r, re: re, probe: probe})
	}

	rs.version = versionHash(src)
	return rs, nil
}

// MustCompile is like Compile but panics on error. Intended for fixed rule
// lists in tests and tooling.
func MustCompile(src []Rule) *RuleSet {
	rs, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return rs
}

// compilePattern builds the matcher for a rule. Literal patterns are quoted;
// both kinds honor the case and word-boundary flags.
func compilePattern(r Rule) (*regexp.Regexp, error) {
	expr := r.Pattern
	if !r.Regex {
		expr = regexp.QuoteMeta(expr)
	}
	if r.WholeWord {
		expr = `\b(?:` + expr + `)\b`
	}
	if !r.CaseSensitive {
		expr = `(?i)` + expr
	}
	return regexp.Compile(expr)
}

// versionHash computes the BLAKE3 hash of the canonical rule encoding. Any
// change to patterns, replacements, flags, or order yields a new version.
func versionHash(src []Rule) string {
	var buf bytes.Buffer
	for i, r := range src {
		fmt.Fprintf(&buf, "%d\x1f%q\x1f%q\x1f%t\x1f%t\x1f%t\n",
			i, r.Pattern, r.Replacement, r.Regex, r.CaseSensitive, r.WholeWord)
	}
	sum := blake3.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// Len returns the number of rules.
func (s *RuleSet) Len() int {
	return len(s.rules)
}

// Rule returns a copy of the rule at index i in pattern order.
func (s *RuleSet) Rule(i int) Rule {
	return s.rules[i].src
}

// Rules returns a copy of all rules in pattern order.
func (s *RuleSet) Rules() []Rule {
	out := make([]Rule, len(s.rules))
	for i, cr := range s.rules {
		out[i] = cr.src
	}
	return out
}

// Version returns the BLAKE3 hash identifying this exact rule list. Caches
// keyed on conversion results include it in their identity.
func (s *RuleSet) Version() string {
	return s.version
}

// CanMatch is a cheap rejection test: it reports false only when no rule can
// possibly match text. It scans a case-folded copy once for each rule's probe
// token and never runs the matchers, so it must stay strictly conservative:
// a false positive costs a full match, a false negative would drop a
// conversion.
func (s *RuleSet) CanMatch(text string) bool {
	if len(s.rules) == 0 {
		return false
	}
	if s.alwaysRun {
		return true
	}

	folded := strings.ToLower(text)
	for i := range s.rules {
		if strings.Contains(folded, s.rules[i].probe) {
			return true
		}
	}
	return false
}

// Plan computes the substitutions a single left-to-right pass makes over
// text: all matches from all rules, resolved so that the earliest match wins
// and ties at the same position go to the rule listed first. Spans never
// overlap and replaced output is never re-matched.
func (s *RuleSet) Plan(text string) []Match {
	var candidates []Match
	for i := range s.rules {
		for _, loc := range s.rules[i].re.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] {
				continue // zero-width match cannot carry a substitution
			}
			candidates = append(candidates, Match{Rule: i, Start: loc[0], End: loc[1]})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sortMatches(candidates)

	// Greedy left-to-right claim: keep a match only if it begins at or after
	// the end of the previously claimed span.
	plan := candidates[:0]
	claimed := 0
	for _, m := range candidates {
		if m.Start < claimed {
			continue
		}
		plan = append(plan, m)
		claimed = m.End
	}
	return plan
}

// sortMatches orders candidates by start offset, breaking ties by rule index
// so the first-listed rule wins, then by longer match for stability.
func sortMatches(ms []Match) {
	// Insertion sort: candidate lists are short and usually nearly ordered
	// because FindAllStringIndex emits per-rule matches left to right.
	for i := 1; i < len(ms); i++ {
		for j := i; j > 0 && lessMatch(ms[j], ms[j-1]); j-- {
			ms[j], ms[j-1] = ms[j-1], ms[j]
		}
	}
}

func lessMatch(a, b Match) bool {
	if a.Start != b.Start {
		return a.Start < b.Start
	}
	if a.Rule != b.Rule {
		return a.Rule < b.Rule
	}
	return a.End > b.End
}

// Replacement computes the replacement text for the rule at index i matching
// match. A panicking ReplaceFunc is recovered and reported as a RuleError;
// the caller keeps the original text for that span and continues.
func (s *RuleSet) Replacement(i int, match string) (out string, err error) {
	cr := &s.rules[i]
	if cr.src.Replace == nil {
		return cr.src.Replacement, nil
	}

	defer func() {
		if r := recover(); r != nil {
			out = match
			err = errors.NewRule(i, cr.src.Pattern, match, fmt.Errorf("replace function panicked: %v", r))
		}
	}()
	return cr.src.Replace(match), nil
}

// probeToken extracts the literal fragment used by the pre-check. For a
// literal rule that is the pattern itself. For a regex it is the longest run
// of plain characters that every match must contain; constructs that make the
// fragment conditional (alternation, optional suffixes) disqualify it.
// Returning "" means the rule cannot be pre-checked and always runs.
func probeToken(r Rule) string {
	if !r.Regex {
		return r.Pattern
	}
	return regexProbe(r.Pattern)
}

// regexProbe scans a regex source for its longest mandatory literal run.
// The scan is deliberately conservative: groups are skipped wholesale (their
// contents may be optional or alternated), quantifiers drop the atom they
// apply to, and top-level alternation abandons the probe entirely.
func regexProbe(pattern string) string {
	var best, cur []rune
	flush := func() {
		if len(cur) > len(best) {
			best = cur
		}
		cur = nil
	}

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch c {
		case '|':
			// Either branch may match without the literal. Alternation
			// inside groups never reaches here, groups are skipped below.
			return ""
		case '\\':
			i++
			if i >= len(runes) {
				flush()
				break
			}
			esc := runes[i]
			// Escaped metacharacters are literals; character-class escapes
			// (\d, \w, \s, \b ...) are wildcards that break the run.
			if strings.ContainsRune(`.+*?()[]{}^$|\`, esc) {
				cur = append(cur, esc)
			} else {
				flush()
			}
		case '?', '*':
			// The previous atom is optional or repeated, drop it from the run
			if len(cur) > 0 {
				cur = cur[:len(cur)-1]
			}
			flush()
		case '{':
			if len(cur) > 0 {
				cur = cur[:len(cur)-1]
			}
			flush()
			for i < len(runes) && runes[i] != '}' {
				i++
			}
		case '+':
			// One occurrence is guaranteed but the run cannot extend past it
			flush()
		case '(':
			// Skip to the matching close. Nothing inside a group contributes
			// to the probe, so a quantifier after it drops nothing.
			depth := 1
			i++
			for i < len(runes) && depth > 0 {
				switch runes[i] {
				case '\\':
					i++
				case '[':
					i++
					for i < len(runes) && runes[i] != ']' {
						if runes[i] == '\\' {
							i++
						}
						i++
					}
				case '(':
					depth++
				case ')':
					depth--
				}
				i++
			}
			i--
			flush()
		case ')':
			// Unbalanced close, be safe
			flush()
		case '[':
			for i < len(runes) && runes[i] != ']' {
				if runes[i] == '\\' {
					i++
				}
				i++
			}
			flush()
		case '.', '^', '$':
			flush()
		default:
			cur = append(cur, c)
		}
	}
	flush()

	if len(best) < 2 {
		return "" // too short to discriminate
	}
	return string(best)
}
