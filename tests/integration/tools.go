// Package integration provides end-to-end tests over the conversion
// stack: pipeline, snapshot store, ledger and bundles together.
package integration

import (
	"bytes"
	"fmt"

	"github.com/FocuswithJustin/Glossa/core/cache"
	"github.com/FocuswithJustin/Glossa/core/classify"
	"github.com/FocuswithJustin/Glossa/core/dom"
	"github.com/FocuswithJustin/Glossa/core/rules"
	"github.com/FocuswithJustin/Glossa/core/textproc"
	"github.com/FocuswithJustin/Glossa/core/walker"
)

// convertOnce runs a single complete walk over a static document, the same
// shape the CLI uses for bundle entries and watched files.
func convertOnce(data []byte, rs *rules.RuleSet) ([]byte, walker.Stats, error) {
	doc, err := dom.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, walker.Stats{}, fmt.Errorf("parse document: %w", err)
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
		return nil, walker.Stats{}, err
	}

	pass := w.Start(doc.Body(), 1)
	for !pass.Step(0) {
	}

	rendered, err := doc.RenderString()
	if err != nil {
		return nil, walker.Stats{}, fmt.Errorf("render document: %w", err)
	}
	return []byte(rendered), pass.Stats(), nil
}
