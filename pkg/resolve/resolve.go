// Package resolve turns a fuzzy natural-language target ("the search box")
// into a ranked, capped list of selector-bearing candidates drawn from the
// visible interactive elements of a page.
package resolve

import (
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/osheridan/pagepilot/pkg/selector"
)

// MaxCandidates caps the ranked result so disambiguation stays tractable for
// a human or driver.
const MaxCandidates = 8

// Structural allow-list for interactive elements. Elements outside this set
// are never candidates regardless of text match.
const interactiveSelector = `button, a[href], input, textarea, select, [role="button"], [aria-label], [name], [placeholder], [contenteditable]`

// Scoring weights. Full-string containment of the whole query outweighs any
// number of incidental token overlaps.
const (
	weightLabelFull = 10
	weightAttrFull  = 5
	weightRoleFull  = 2
	weightLabelTok  = 2
	weightAttrTok   = 1
	weightRoleTok   = 1
	weightVisible   = 1
)

// Candidate is one ranked resolution result. The id is turn-scoped: it is
// stable only within the resolution call that produced it.
type Candidate struct {
	ID       int    `json:"id"`
	Label    string `json:"label"`
	Selector string `json:"selector"`
}

// Resolve enumerates visible interactive elements of doc, scores them
// against query, and returns at most MaxCandidates candidates sorted by
// descending score. Ties keep document order, so resolving an unchanged page
// twice with the same query is reproducible.
func Resolve(doc *goquery.Document, query string) ([]Candidate, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	tokens := strings.Fields(query)

	type scored struct {
		sel   *goquery.Selection
		score int
	}
	var hits []scored

	doc.Find(interactiveSelector).Each(func(_ int, s *goquery.Selection) {
		if !Visible(s) {
			return
		}
		if sc := score(s, query, tokens); sc > 0 {
			hits = append(hits, scored{sel: s, score: sc})
		}
	})

	// Stable sort by descending score; goquery yields matches in document
	// order, which the stability preserves for ties.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if len(hits) > MaxCandidates {
		hits = hits[:MaxCandidates]
	}

	out := make([]Candidate, 0, len(hits))
	for i, h := range hits {
		css, err := selector.Synthesize(doc, h.sel)
		if err != nil {
			continue
		}
		out = append(out, Candidate{ID: i + 1, Label: Label(h.sel), Selector: css})
	}
	return out, nil
}

// score awards the query against one element: full-string containment first
// (label, then attributes, then role/link target), then per-token weights
// across the same fields, plus a flat visibility bonus.
func score(s *goquery.Selection, query string, tokens []string) int {
	if query == "" {
		return 0
	}
	label := strings.ToLower(Label(s))
	name, _ := s.Attr("name")
	placeholder, _ := s.Attr("placeholder")
	attrs := strings.ToLower(strings.TrimSpace(name + " " + placeholder))
	role, _ := s.Attr("role")
	href, _ := s.Attr("href")
	rolish := strings.ToLower(strings.TrimSpace(role + " " + href))

	total := 0
	if strings.Contains(label, query) {
		total += weightLabelFull
	}
	if attrs != "" && strings.Contains(attrs, query) {
		total += weightAttrFull
	}
	if rolish != "" && strings.Contains(rolish, query) {
		total += weightRoleFull
	}
	for _, tok := range tokens {
		if strings.Contains(label, tok) {
			total += weightLabelTok
		}
		if attrs != "" && strings.Contains(attrs, tok) {
			total += weightAttrTok
		}
		if rolish != "" && strings.Contains(rolish, tok) {
			total += weightRoleTok
		}
	}
	if total > 0 {
		total += weightVisible
	}
	return total
}

// Label derives the human-readable label for an element. First non-empty
// wins: accessible label, visible text, current value, placeholder, name
// attribute, tag name.
func Label(s *goquery.Selection) string {
	if v, ok := s.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
		return text
	}
	if v, ok := s.Attr("value"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := s.Attr("placeholder"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if v, ok := s.Attr("name"); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if len(s.Nodes) > 0 {
		return s.Nodes[0].Data
	}
	return ""
}

// Visible filters out elements hidden through markup. Layout-level checks
// (zero-size boxes) belong to the page-side executor; here only attribute
// and inline-style hiding is observable.
func Visible(s *goquery.Selection) bool {
	for cur := s; cur != nil && len(cur.Nodes) > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		if t, ok := cur.Attr("type"); ok && strings.EqualFold(t, "hidden") {
			return false
		}
		if style, ok := cur.Attr("style"); ok && hiddenByStyle(style) {
			return false
		}
		if goquery.NodeName(cur) == "body" {
			break
		}
	}
	return true
}

func hiddenByStyle(style string) bool {
	style = strings.ToLower(strings.ReplaceAll(style, " ", ""))
	return strings.Contains(style, "display:none") ||
		strings.Contains(style, "visibility:hidden") ||
		strings.Contains(style, "opacity:0;") ||
		strings.HasSuffix(style, "opacity:0")
}
