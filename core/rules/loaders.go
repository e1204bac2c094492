package rules

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"gopkg.in/yaml.v3"

	"github.com/FocuswithJustin/Glossa/core/errors"
)

// ruleFile is the on-disk catalog shape shared by the JSON and YAML formats.
type ruleFile struct {
	Version string     `json:"version,omitempty" yaml:"version,omitempty"`
	Rules   []ruleSpec `json:"rules" yaml:"rules"`
}

// ruleSpec is one rule as written in a catalog file. The boolean flags are
// pointers so absence is distinguishable from an explicit false.
type ruleSpec struct {
	Pattern       string `json:"pattern" yaml:"pattern"`
	Replacement   string `json:"replacement" yaml:"replacement"`
	Regex         bool   `json:"regex,omitempty" yaml:"regex,omitempty"`
	CaseSensitive *bool  `json:"case_sensitive,omitempty" yaml:"case_sensitive,omitempty"`
	WholeWord     *bool  `json:"whole_word,omitempty" yaml:"whole_word,omitempty"`
	Note          string `json:"note,omitempty" yaml:"note,omitempty"`
}

// toRule applies catalog defaults: matching is case-sensitive, and literal
// rules match whole words while regex rules bound themselves.
func (s ruleSpec) toRule() Rule {
	r := Rule{
		Pattern:       s.Pattern,
		Replacement:   s.Replacement,
		Regex:         s.Regex,
		CaseSensitive: true,
		WholeWord:     !s.Regex,
		Note:          s.Note,
	}
	if s.CaseSensitive != nil {
		r.CaseSensitive = *s.CaseSensitive
	}
	if s.WholeWord != nil {
		r.WholeWord = *s.WholeWord
	}
	return r
}

// ParseJSON parses a JSON rule catalog and compiles it.
func ParseJSON(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := json.Unmarshal(data, &file); err != nil {
		pe := errors.NewParse("JSON", "", err.Error())
		pe.Err = err
		return nil, pe
	}
	return compileFile(file)
}

// ParseYAML parses a YAML rule catalog and compiles it.
func ParseYAML(data []byte) (*RuleSet, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		pe := errors.NewParse("YAML", "", err.Error())
		pe.Err = err
		return nil, pe
	}
	return compileFile(file)
}

func compileFile(file ruleFile) (*RuleSet, error) {
	if len(file.Rules) == 0 {
		return nil, errors.NewValidation("rules", "catalog contains no rules")
	}
	src := make([]Rule, len(file.Rules))
	for i, spec := range file.Rules {
		src[i] = spec.toRule()
	}
	return Compile(src)
}

// ParseXML parses an XML rule catalog:
//
//	<rules version="1">
//	  <rule regex="false" case-sensitive="true" whole-word="true">
//	    <pattern>Donald Trump</pattern>
//	    <replacement>The Orange One</replacement>
//	    <note>optional</note>
//	  </rule>
//	</rules>
func ParseXML(data []byte) (*RuleSet, error) {
	// Well-formedness check with entity expansion disabled. XXE Protection
	// (CWE-611): Go's xml.Decoder does not fetch external entities by
	// default, and internal entity expansion is refused as well.
	if err := checkWellFormed(data); err != nil {
		pe := errors.NewParse("XML", "", err.Error())
		pe.Err = err
		return nil, pe
	}

	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		pe := errors.NewParse("XML", "", err.Error())
		pe.Err = err
		return nil, pe
	}

	nodes, err := xmlquery.QueryAll(doc, "//rules/rule")
	if err != nil {
		pe := errors.NewParse("XML", "", err.Error())
		pe.Err = err
		return nil, pe
	}
	if len(nodes) == 0 {
		return nil, errors.NewValidation("rules", "catalog contains no rules")
	}

	src := make([]Rule, 0, len(nodes))
	for i, n := range nodes {
		patternNode := n.SelectElement("pattern")
		if patternNode == nil {
			return nil, errors.NewValidation(fmt.Sprintf("rule[%d]", i), "missing <pattern> element")
		}

		spec := ruleSpec{Pattern: patternNode.InnerText()}
		if rep := n.SelectElement("replacement"); rep != nil {
			spec.Replacement = rep.InnerText()
		}
		if note := n.SelectElement("note"); note != nil {
			spec.Note = note.InnerText()
		}

		if v, ok, err := xmlBoolAttr(n, "regex", i); err != nil {
			return nil, err
		} else if ok {
			spec.Regex = v
		}
		if v, ok, err := xmlBoolAttr(n, "case-sensitive", i); err != nil {
			return nil, err
		} else if ok {
			spec.CaseSensitive = &v
		}
		if v, ok, err := xmlBoolAttr(n, "whole-word", i); err != nil {
			return nil, err
		} else if ok {
			spec.WholeWord = &v
		}

		src = append(src, spec.toRule())
	}
	return Compile(src)
}

// xmlBoolAttr reads an optional boolean attribute from a rule element.
func xmlBoolAttr(n *xmlquery.Node, name string, index int) (value, present bool, err error) {
	raw := n.SelectAttr(name)
	if raw == "" {
		return false, false, nil
	}
	v, perr := strconv.ParseBool(raw)
	if perr != nil {
		ve := errors.NewValidation(fmt.Sprintf("rule[%d].%s", index, name),
			fmt.Sprintf("invalid boolean %q", raw))
		ve.Err = perr
		return false, false, ve
	}
	return v, true, nil
}

// checkWellFormed walks the token stream with entity expansion disabled.
func checkWellFormed(data []byte) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = map[string]string{}
	for {
		_, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Load reads a rules file and parses it according to its extension:
// .json, .yaml/.yml, .xml, or .rules (the compact DSL).
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading rules file %s", path)
	}

	var rs *RuleSet
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		rs, err = ParseJSON(data)
	case ".yaml", ".yml":
		rs, err = ParseYAML(data)
	case ".xml":
		rs, err = ParseXML(data)
	case ".rules":
		rs, err = ParseDSL(data)
	default:
		pe := errors.NewParse("rules", path, fmt.Sprintf("unsupported rules format %q", ext))
		pe.Err = errors.ErrUnsupported
		return nil, pe
	}

	if err != nil {
		var pe *errors.ParseError
		if errors.As(err, &pe) && pe.Path == "" {
			pe.Path = path
		}
		return nil, err
	}
	return rs, nil
}
