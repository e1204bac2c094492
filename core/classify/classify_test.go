package classify

import (
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/FocuswithJustin/Glossa/core/dom"
)

func TestClassify_TextNodes(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Class
	}{
		{"plain text", "Hello world", EligibleText},
		{"whitespace only", "   \n\t  ", Ignorable},
		{"empty", "", Ignorable},
		{"single word", "x", EligibleText},
	}

	c := New(NewMarks())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(dom.NewTextNode(tt.text)); got != tt.want {
				t.Errorf("Classify(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}

func TestClassify_MarkedText(t *testing.T) {
	marks := NewMarks()
	c := New(marks)
	n := dom.NewTextNode("already handled")

	if got := c.Classify(n); got != EligibleText {
		t.Fatalf("Classify() before mark = %v, want EligibleText", got)
	}

	marks.Add(n)
	if got := c.Classify(n); got != Ignorable {
		t.Errorf("Classify() after mark = %v, want Ignorable", got)
	}

	marks.Forget(n)
	if got := c.Classify(n); got != EligibleText {
		t.Errorf("Classify() after forget = %v, want EligibleText", got)
	}
}

func TestClassify_Elements(t *testing.T) {
	skip := []string{
		"input", "textarea", "select", "option", "button",
		"script", "style", "noscript", "template", "iframe",
		"object", "embed", "svg", "math",
		"head", "title", "meta", "link", "base",
	}
	descend := []string{"p", "div", "span", "a", "em", "strong", "li", "td", "article", "custom-tag"}

	c := New(nil)
	for _, tag := range skip {
		t.Run("skip "+tag, func(t *testing.T) {
			if got := c.Classify(dom.NewElement(tag)); got != SkippableElement {
				t.Errorf("Classify(<%s>) = %v, want SkippableElement", tag, got)
			}
		})
	}
	for _, tag := range descend {
		t.Run("descend "+tag, func(t *testing.T) {
			if got := c.Classify(dom.NewElement(tag)); got != Container {
				t.Errorf("Classify(<%s>) = %v, want Container", tag, got)
			}
		})
	}
}

func TestClassify_UnatomizedTagName(t *testing.T) {
	// Nodes built by hand may carry no atom and arbitrary case.
	n := &html.Node{Type: html.ElementNode, Data: "SCRIPT"}
	c := New(nil)
	if got := c.Classify(n); got != SkippableElement {
		t.Errorf("Classify(hand-built SCRIPT) = %v, want SkippableElement", got)
	}
}

func TestClassify_ContentEditable(t *testing.T) {
	tests := []struct {
		value string
		want  Class
	}{
		{"", SkippableElement},     // bare attribute
		{"true", SkippableElement},
		{"TRUE", SkippableElement},
		{"plaintext-only", SkippableElement},
		{"inherit", SkippableElement}, // ambiguous, skip
		{"false", Container},
		{"False", Container},
	}

	c := New(nil)
	for _, tt := range tests {
		t.Run("value "+tt.value, func(t *testing.T) {
			n := dom.NewElement("div")
			dom.SetAttr(n, AttrEditable, tt.value)
			if got := c.Classify(n); got != tt.want {
				t.Errorf("Classify(contenteditable=%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestClassify_Wrapper(t *testing.T) {
	n := dom.NewElement("span")
	dom.SetAttr(n, AttrDone, "1")
	dom.SetAttr(n, AttrOriginal, "Trump")

	c := New(nil)
	if got := c.Classify(n); got != Wrapper {
		t.Errorf("Classify(wrapper) = %v, want Wrapper", got)
	}
}

func TestClassify_OtherNodeTypes(t *testing.T) {
	tests := []struct {
		name string
		node *html.Node
		want Class
	}{
		{"nil", nil, Ignorable},
		{"comment", &html.Node{Type: html.CommentNode, Data: "note"}, Ignorable},
		{"doctype", &html.Node{Type: html.DoctypeNode, Data: "html"}, Ignorable},
		{"document", &html.Node{Type: html.DocumentNode}, Container},
	}

	c := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.node); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEligibleSubtree(t *testing.T) {
	wrapper := dom.NewElement("span")
	dom.SetAttr(wrapper, AttrDone, "1")

	tests := []struct {
		name string
		node *html.Node
		want bool
	}{
		{"text", dom.NewTextNode("hello"), true},
		{"container", dom.NewElement("p"), true},
		{"whitespace text", dom.NewTextNode("  "), false},
		{"script", dom.NewElement("script"), false},
		{"wrapper", wrapper, false},
		{"nil", nil, false},
	}

	c := New(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.EligibleSubtree(tt.node); got != tt.want {
				t.Errorf("EligibleSubtree() = %t, want %t", got, tt.want)
			}
		})
	}
}

func TestIsWrapper(t *testing.T) {
	plain := dom.NewElement("span")
	marked := dom.NewElement("span")
	dom.SetAttr(marked, AttrDone, "1")

	if IsWrapper(plain) {
		t.Error("IsWrapper(plain span) = true")
	}
	if !IsWrapper(marked) {
		t.Error("IsWrapper(marked span) = false")
	}
	if IsWrapper(dom.NewTextNode("x")) {
		t.Error("IsWrapper(text) = true")
	}
	if IsWrapper(nil) {
		t.Error("IsWrapper(nil) = true")
	}
}

func TestMarks(t *testing.T) {
	m := NewMarks()
	a := dom.NewTextNode("a")
	b := dom.NewTextNode("b")

	if m.Has(a) {
		t.Error("Has() = true on empty marks")
	}

	m.Add(a)
	m.Add(b)
	m.Add(a) // idempotent
	if !m.Has(a) || !m.Has(b) {
		t.Error("Has() = false after Add")
	}
	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}

	m.Forget(a)
	if m.Has(a) {
		t.Error("Has() = true after Forget")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	// Forgetting twice is a no-op.
	m.Forget(a)

	m.Reset()
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Reset, want 0", m.Len())
	}
	if m.Has(b) {
		t.Error("Has() = true after Reset")
	}

	m.Add(b)
	if !m.Has(b) {
		t.Error("Has() = false after Reset then Add")
	}
}

func TestMarks_NilSafety(t *testing.T) {
	var m *Marks
	m.Add(dom.NewTextNode("x"))
	m.Forget(nil)
	m.Reset()
	if m.Has(dom.NewTextNode("x")) {
		t.Error("nil Marks reported a member")
	}
	if m.Len() != 0 {
		t.Errorf("nil Marks Len() = %d, want 0", m.Len())
	}

	real := NewMarks()
	real.Add(nil)
	if real.Len() != 0 {
		t.Errorf("Len() = %d after Add(nil), want 0", real.Len())
	}
}

func TestClassify_ParsedDocument(t *testing.T) {
	page := `<html><head><title>t</title></head><body>
		<p>Visible text</p>
		<script>var x = "Trump";</script>
		<div contenteditable="true">editable Trump</div>
		<textarea>Trump</textarea>
	</body></html>`

	doc, err := dom.ParseString(page)
	if err != nil {
		t.Fatalf("ParseString() error = %v", err)
	}

	c := New(NewMarks())
	cases := []struct {
		expr string
		want Class
	}{
		{"//head", SkippableElement},
		{"//p", Container},
		{"//p/text()", EligibleText},
		{"//script", SkippableElement},
		{"//div", SkippableElement},
		{"//textarea", SkippableElement},
	}
	for _, tt := range cases {
		t.Run(tt.expr, func(t *testing.T) {
			n, err := doc.QueryFirst(tt.expr)
			if err != nil || n == nil {
				t.Fatalf("QueryFirst(%q) = %v, %v", tt.expr, n, err)
			}
			if got := c.Classify(n); got != tt.want {
				t.Errorf("Classify(%s) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}

	// Whole-document sanity: nothing under a skipped subtree classifies as
	// eligible when the walker prunes correctly, because it never asks.
	body := doc.Body()
	if body == nil {
		t.Fatal("Body() = nil")
	}
	var eligible []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		switch c.Classify(n) {
		case EligibleText:
			eligible = append(eligible, strings.TrimSpace(n.Data))
		case Container:
			for ch := n.FirstChild; ch != nil; ch = ch.NextSibling {
				walk(ch)
			}
		}
	}
	walk(body)

	if len(eligible) != 1 || eligible[0] != "Visible text" {
		t.Errorf("eligible text = %v, want only %q", eligible, "Visible text")
	}
}
