package rules

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"github.com/FocuswithJustin/Glossa/core/errors"
)

// dslFile is the participle grammar for the compact rules DSL.
// Examples:
//
//	# tone down the news
//	"Donald Trump" => "The Orange One"
//	re `colou?r` => "color" nocase
//	"EC" => "European Commission" noword
//
// Patterns and replacements are Go string literals; backquoted raw strings
// avoid double-escaping regex patterns.
//
//nolint:govet // participle grammar tags are not standard struct tags
type dslFile struct {
	Entries []*dslEntry `@@*`
}

//nolint:govet // participle grammar tags are not standard struct tags
type dslEntry struct {
	Regex       bool     `@"re"?`
	Pattern     string   `@(String | RawString)`
	Replacement string   `"=>" @(String | RawString)`
	Flags       []string `@("nocase" | "case" | "word" | "noword")*`
}

// dslLexer defines the lexer for the rules DSL.
var dslLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(\\.|[^"\\])*"`},
	{Name: "RawString", Pattern: "`[^`]*`"},
	{Name: "Arrow", Pattern: `=>`},
	{Name: "Ident", Pattern: `[a-z]+`},
	{Name: "Comment", Pattern: `#[^\n]*`},
	{Name: "Whitespace", Pattern: `\s+`},
})

// dslParser is the participle parser for the rules DSL.
var dslParser = participle.MustBuild[dslFile](
	participle.Lexer(dslLexer),
	participle.Elide("Whitespace", "Comment"),
	participle.Unquote("String", "RawString"),
)

// ParseDSL parses a rules DSL document and compiles it. Entry order in the
// file is rule order.
func ParseDSL(data []byte) (*RuleSet, error) {
	parsed, err := dslParser.ParseString("", string(data))
	if err != nil {
		pe := errors.NewParse("rules DSL", "", err.Error())
		pe.Err = err
		return nil, pe
	}
	if len(parsed.Entries) == 0 {
		return nil, errors.NewValidation("rules", "catalog contains no rules")
	}

	src := make([]Rule, 0, len(parsed.Entries))
	for _, e := range parsed.Entries {
		r := Rule{
			Pattern:       e.Pattern,
			Replacement:   e.Replacement,
			Regex:         e.Regex,
			CaseSensitive: true,
			WholeWord:     !e.Regex,
		}
		for _, flag := range e.Flags {
			switch flag {
			case "nocase":
				r.CaseSensitive = false
			case "case":
				r.CaseSensitive = true
			case "word":
				r.WholeWord = true
			case "noword":
				r.WholeWord = false
			}
		}
		src = append(src, r)
	}
	return Compile(src)
}
