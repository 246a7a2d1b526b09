package tracker

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/kalambet/surveykit/internal/errs"
)

// PageClick describes a click observed by the host page.
type PageClick struct {
	// URL of the page the click happened on.
	URL string `json:"url"`
	// HTML is the outer HTML of the clicked element.
	HTML string `json:"html"`
	// Ancestors holds the opening tags of the clicked element's ancestors,
	// innermost first, e.g. `<nav class="top">`. Only needed for selectors
	// with a descendant combinator.
	Ancestors []string `json:"ancestors,omitempty"`
}

// element is a parsed click target with its ancestor chain.
type element struct {
	node      *html.Node
	ancestors []*html.Node
}

func (c PageClick) parse() (*element, error) {
	target, err := parseElement(c.HTML)
	if err != nil {
		return nil, err
	}
	el := &element{node: target}
	for _, a := range c.Ancestors {
		n, err := parseElement(a)
		if err != nil {
			return nil, err
		}
		el.ancestors = append(el.ancestors, n)
	}
	return el, nil
}

// parseElement returns the first element of an HTML fragment.
func parseElement(s string) (*html.Node, error) {
	body := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(s), body)
	if err != nil {
		return nil, errs.Validation("parsing clicked element: %v", err)
	}
	for _, n := range nodes {
		if n.Type == html.ElementNode {
			return n, nil
		}
	}
	return nil, errs.Validation("no element in %q", s)
}

// innerHTML renders the element's children.
func (e *element) innerHTML() string {
	var buf bytes.Buffer
	for c := e.node.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&buf, c)
	}
	return strings.TrimSpace(buf.String())
}

// matches reports whether the element is selected by a CSS selector.
// Supported: tag, #id, .class, [attr], [attr=val], compounds such as
// button.buy[type=submit], the descendant combinator and comma lists.
func (e *element) matches(selector string) bool {
	for _, alt := range strings.Split(selector, ",") {
		parts := strings.Fields(alt)
		if len(parts) == 0 {
			continue
		}
		if e.matchChain(parts) {
			return true
		}
	}
	return false
}

// matchChain checks the last part against the element and every earlier
// part, right to left, against some ancestor further out than the previous.
func (e *element) matchChain(parts []string) bool {
	if !parseCompound(parts[len(parts)-1]).match(e.node) {
		return false
	}
	next := 0
	for i := len(parts) - 2; i >= 0; i-- {
		c := parseCompound(parts[i])
		found := false
		for next < len(e.ancestors) {
			n := e.ancestors[next]
			next++
			if c.match(n) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type attrSelector struct {
	key    string
	val    string
	hasVal bool
}

type compound struct {
	tag     string
	id      string
	classes []string
	attrs   []attrSelector
}

// parseCompound parses one selector part such as "a.link#home[data-x=1]".
func parseCompound(sel string) compound {
	var c compound
	for sel != "" {
		switch sel[0] {
		case '[':
			end := strings.IndexByte(sel, ']')
			if end < 0 {
				end = len(sel)
			}
			part := sel[1:end]
			var a attrSelector
			if eq := strings.IndexByte(part, '='); eq >= 0 {
				a.key = part[:eq]
				a.val = strings.Trim(part[eq+1:], `"'`)
				a.hasVal = true
			} else {
				a.key = part
			}
			c.attrs = append(c.attrs, a)
			if end < len(sel) {
				end++
			}
			sel = sel[end:]
		case '#', '.':
			i := 1 + strings.IndexAny(sel[1:], ".#[")
			if i == 0 {
				i = len(sel)
			}
			if sel[0] == '#' {
				c.id = sel[1:i]
			} else {
				c.classes = append(c.classes, sel[1:i])
			}
			sel = sel[i:]
		default:
			i := strings.IndexAny(sel, ".#[")
			if i < 0 {
				i = len(sel)
			}
			if tag := strings.ToLower(sel[:i]); tag != "*" {
				c.tag = tag
			}
			sel = sel[i:]
		}
	}
	return c
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && n.Data != c.tag {
		return false
	}
	if c.id != "" && getAttr(n, "id") != c.id {
		return false
	}
	if len(c.classes) > 0 {
		have := strings.Fields(getAttr(n, "class"))
		for _, want := range c.classes {
			found := false
			for _, h := range have {
				if h == want {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	for _, a := range c.attrs {
		val, ok := lookupAttr(n, a.key)
		if !ok || (a.hasVal && val != a.val) {
			return false
		}
	}
	return true
}

func getAttr(n *html.Node, key string) string {
	val, _ := lookupAttr(n, key)
	return val
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	for _, attr := range n.Attr {
		if attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}
