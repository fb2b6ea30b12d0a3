// internal/browser/markup/markup.go

// Package markup answers structural presence queries against serialized page markup.
package markup

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// Document is parsed page markup.
type Document struct {
	root *html.Node
}

// Parse builds a Document from raw markup. The HTML parser is lenient, so
// fragments and malformed input still yield a tree.
func Parse(raw string) (*Document, error) {
	root, err := htmlquery.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse markup: %w", err)
	}
	return &Document{root: root}, nil
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// HasXPath reports whether any node matches expr.
func (d *Document) HasXPath(expr string) (bool, error) {
	node, err := htmlquery.Query(d.root, expr)
	if err != nil {
		return false, fmt.Errorf("invalid xpath %q: %w", expr, err)
	}
	return node != nil, nil
}

// HasCSS reports whether any element matches selector.
func (d *Document) HasCSS(selector string) (bool, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return false, fmt.Errorf("invalid css selector %q: %w", selector, err)
	}
	return goquery.NewDocumentFromNode(d.root).FindMatcher(sel).Length() > 0, nil
}

// Text returns the concatenated text content of the document.
func (d *Document) Text() string {
	return goquery.NewDocumentFromNode(d.root).Text()
}

// Title returns the contents of the first title element.
func (d *Document) Title() string {
	if node := htmlquery.FindOne(d.root, "//title"); node != nil {
		return strings.TrimSpace(htmlquery.InnerText(node))
	}
	return ""
}

// Parser adapts Document to one-shot queries over raw markup.
type Parser struct{}

// HasXPath parses markup and reports whether expr matches.
func (Parser) HasXPath(markup, expr string) (bool, error) {
	doc, err := Parse(markup)
	if err != nil {
		return false, err
	}
	return doc.HasXPath(expr)
}

// HasCSS parses markup and reports whether selector matches.
func (Parser) HasCSS(markup, selector string) (bool, error) {
	doc, err := Parse(markup)
	if err != nil {
		return false, err
	}
	return doc.HasCSS(selector)
}
