// Package selector synthesizes durable CSS locators for live DOM elements.
//
// The fallback chain prefers attributes that survive reflows and unrelated
// markup churn (id, name, accessible label, test ids, role) over structural
// paths, and every step is only accepted if it alone uniquely identifies the
// element in the current document.
package selector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Structural fallback stops climbing after this many ancestor levels; beyond
// that the path is returned best-effort even if still ambiguous.
const maxAncestorDepth = 5

var plainIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// Synthesize returns a CSS selector that uniquely identifies the first node
// of sel within doc at the moment of the call. The final structural fallback
// is best-effort: it may return a non-unique path when the capped ancestor
// walk cannot disambiguate, which is still the most specific locator
// available.
func Synthesize(doc *goquery.Document, sel *goquery.Selection) (string, error) {
	if sel == nil || len(sel.Nodes) == 0 {
		return "", fmt.Errorf("synthesize: empty selection")
	}
	node := sel.Nodes[0]
	tag := node.Data

	if id, ok := attr(node, "id"); ok && id != "" {
		if s := idSelector(id); Unique(doc, s, node) {
			return s, nil
		}
	}
	if name, ok := attr(node, "name"); ok && name != "" {
		if s := fmt.Sprintf(`%s[name=%s]`, tag, quoteAttr(name)); Unique(doc, s, node) {
			return s, nil
		}
	}
	if label, ok := attr(node, "aria-label"); ok && label != "" {
		if s := fmt.Sprintf(`%s[aria-label=%s]`, tag, quoteAttr(label)); Unique(doc, s, node) {
			return s, nil
		}
	}
	for _, testAttr := range []string{"data-testid", "data-test-id"} {
		if v, ok := attr(node, testAttr); ok && v != "" {
			if s := fmt.Sprintf(`%s[%s=%s]`, tag, testAttr, quoteAttr(v)); Unique(doc, s, node) {
				return s, nil
			}
		}
	}
	if role, ok := attr(node, "role"); ok && role != "" {
		if s := fmt.Sprintf(`%s[role=%s]`, tag, quoteAttr(role)); Unique(doc, s, node) {
			return s, nil
		}
	}
	return structuralPath(doc, node), nil
}

// Unique reports whether selector resolves to exactly node within doc.
func Unique(doc *goquery.Document, selector string, node *html.Node) bool {
	found := doc.Find(selector)
	return found.Length() == 1 && found.Nodes[0] == node
}

// structuralPath climbs from node toward the root, qualifying each level by
// its position among same-tag siblings, and returns as soon as the
// accumulated path is unique.
func structuralPath(doc *goquery.Document, node *html.Node) string {
	path := segment(node)
	cur := node
	for depth := 0; depth < maxAncestorDepth; depth++ {
		if Unique(doc, path, node) {
			return path
		}
		parent := cur.Parent
		if parent == nil || parent.Type != html.ElementNode || parent.Data == "html" {
			break
		}
		path = segment(parent) + " > " + path
		cur = parent
	}
	return path
}

// segment renders one path component, tag:nth-of-type(i) among same-tag
// element siblings.
func segment(node *html.Node) string {
	idx := 1
	for sib := node.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == node.Data {
			idx++
		}
	}
	return fmt.Sprintf("%s:nth-of-type(%d)", node.Data, idx)
}

// idSelector renders an id locator, falling back to attribute syntax when
// the id is not a plain CSS identifier.
func idSelector(id string) string {
	if plainIdent.MatchString(id) {
		return "#" + id
	}
	return fmt.Sprintf(`[id=%s]`, quoteAttr(id))
}

// quoteAttr escapes a value for use inside a double-quoted attribute
// selector.
func quoteAttr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func attr(node *html.Node, key string) (string, bool) {
	for _, a := range node.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}
