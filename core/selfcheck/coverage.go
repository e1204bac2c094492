package selfcheck

import (
	"fmt"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/rules"
)

// Coverage reports how much of a rule set a document actually exercises.
// A rule that never matches is not wrong, but a deployment full of silent
// rules usually means the rules were written against different content.
type Coverage struct {
	// RulesVersion identifies the measured rule set.
	RulesVersion string `json:"rules_version"`

	// TextNodes is the number of eligible text nodes inspected.
	TextNodes int `json:"text_nodes"`

	// MatchedNodes is how many of them matched at least one rule.
	MatchedNodes int `json:"matched_nodes"`

	// Matches is the total count of planned substitutions.
	Matches int `json:"matches"`

	// Rules carries per-rule hit counts in pattern order.
	Rules []RuleUsage `json:"rules"`

	// UnusedRules is the number of rules with zero hits.
	UnusedRules int `json:"unused_rules"`
}

// RuleUsage is the hit count for a single rule.
type RuleUsage struct {
	Index   int    `json:"index"`
	Pattern string `json:"pattern"`
	Hits    int    `json:"hits"`
}

// Unused returns the rules that never matched.
func (c *Coverage) Unused() []RuleUsage {
	var out []RuleUsage
	for _, u := range c.Rules {
		if u.Hits == 0 {
			out = append(out, u)
		}
	}
	return out
}

// Measure walks the document's eligible text the way a conversion pass
// would (skipping script, style, editable regions and earlier output) and
// counts which rules would fire where. It never writes to the tree.
func Measure(rs *rules.RuleSet, doc *dom.Document) *Coverage {
	cov := &Coverage{
		RulesVersion: rs.Version(),
		Rules:        make([]RuleUsage, rs.Len()),
	}
	for i := range cov.Rules {
		cov.Rules[i] = RuleUsage{Index: i, Pattern: rs.Rule(i).Pattern}
	}

	cl := classify.New(classify.NewMarks())
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		switch cl.Classify(n) {
		case classify.EligibleText:
			cov.TextNodes++
			if !rs.CanMatch(n.Data) {
				return
			}
			ms := rs.Plan(n.Data)
			if len(ms) == 0 {
				return
			}
			cov.MatchedNodes++
			cov.Matches += len(ms)
			for _, m := range ms {
				cov.Rules[m.Rule].Hits++
			}
		case classify.Container:
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				visit(c)
			}
		}
	}
	if body := doc.Body(); body != nil {
		visit(body)
	}

	for _, u := range cov.Rules {
		if u.Hits == 0 {
			cov.UnusedRules++
		}
	}
	return cov
}

// CoverageBudget defines acceptable coverage thresholds for a rules +
// document pair.
type CoverageBudget struct {
	// RequireAllUsed fails the budget when any rule never matches.
	RequireAllUsed bool `json:"require_all_used,omitempty"`

	// MaxUnusedRules is the maximum number of silent rules allowed
	// (0 = any).
	MaxUnusedRules int `json:"max_unused_rules,omitempty"`

	// MinMatchedNodes is the minimum number of text nodes that must
	// match at least one rule (0 = none required).
	MinMatchedNodes int `json:"min_matched_nodes,omitempty"`
}

// CoverageResult describes the result of checking coverage against a
// budget.
type CoverageResult struct {
	// WithinBudget is true if the coverage satisfies the budget.
	WithinBudget bool `json:"within_budget"`

	// UnusedRules echoes the measured count of silent rules.
	UnusedRules int `json:"unused_rules"`

	// MatchedNodes echoes the measured count of matched text nodes.
	MatchedNodes int `json:"matched_nodes"`

	// Violations lists specific violations.
	Violations []string `json:"violations,omitempty"`
}

// Check performs a detailed check and returns a result.
func (b *CoverageBudget) Check(cov *Coverage) *CoverageResult {
	result := &CoverageResult{
		WithinBudget: true,
		UnusedRules:  cov.UnusedRules,
		MatchedNodes: cov.MatchedNodes,
	}

	if b.RequireAllUsed && cov.UnusedRules > 0 {
		result.WithinBudget = false
		result.Violations = append(result.Violations,
			fmt.Sprintf("%d of %d rules never matched", cov.UnusedRules, len(cov.Rules)))
	}

	if b.MaxUnusedRules > 0 && cov.UnusedRules > b.MaxUnusedRules {
		result.WithinBudget = false
		result.Violations = append(result.Violations,
			fmt.Sprintf("unused rule count %d exceeds budget %d", cov.UnusedRules, b.MaxUnusedRules))
	}

	if b.MinMatchedNodes > 0 && cov.MatchedNodes < b.MinMatchedNodes {
		result.WithinBudget = false
		result.Violations = append(result.Violations,
			fmt.Sprintf("matched node count %d below budget %d", cov.MatchedNodes, b.MinMatchedNodes))
	}

	return result
}
