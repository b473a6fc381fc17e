// Package actuator implements the page-side executor contract: a command
// naming an action with action-specific parameters, answered with ok/data or
// an error from the shared taxonomy. The embedded executor here operates on
// server-fetched documents; a browser extension speaking the same contract
// can take its place without the broker noticing.
package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
	"github.com/osheridan/pagepilot/pkg/resolve"
)

// Command is one actuator-local request.
type Command struct {
	Action   string `json:"action"`
	URL      string `json:"url,omitempty"`
	Query    string `json:"query,omitempty"`
	Selector string `json:"selector,omitempty"`
	Label    string `json:"label,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Response is the actuator-local reply. Error is only set when OK is false
// and is always a taxonomy code.
type Response struct {
	OK    bool           `json:"ok"`
	Data  map[string]any `json:"data,omitempty"`
	Error protocol.Code  `json:"error,omitempty"`
}

func failure(code protocol.Code) Response {
	return Response{OK: false, Error: code}
}

// Fetcher loads a document for navigation.
type Fetcher func(ctx context.Context, pageURL string) (*goquery.Document, error)

// Executor executes actuator commands against the current page.
type Executor struct {
	fetch Fetcher
	log   *observability.Logger

	mu         sync.Mutex
	pageURL    *url.URL
	doc        *goquery.Document
	hud        string
	highlights []string
}

// NewExecutor creates an executor with the default HTTP fetcher.
func NewExecutor(log *observability.Logger) *Executor {
	return &Executor{fetch: FetchHTTP, log: log}
}

// NewExecutorWithFetcher creates an executor with a custom page loader.
func NewExecutorWithFetcher(log *observability.Logger, fetch Fetcher) *Executor {
	return &Executor{fetch: fetch, log: log}
}

// FetchHTTP loads a page over HTTP and parses it for querying.
func FetchHTTP(ctx context.Context, pageURL string) (*goquery.Document, error) {
	client := &http.Client{
		Timeout: 15 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "PagePilot/1.0 (+https://github.com/osheridan/pagepilot)")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("received status code %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}
	return doc, nil
}

// Execute runs one command against the current page. Errors are always
// taxonomy codes; any underlying failure is normalized before leaving.
func (e *Executor) Execute(ctx context.Context, cmd Command) Response {
	switch cmd.Action {
	case "navigate":
		return e.navigate(ctx, cmd.URL)
	case "hud":
		return e.showHUD(cmd.Text)
	case "find":
		return e.find(cmd.Query)
	case "highlight":
		return e.highlight(cmd.Selector, cmd.Label)
	case "click":
		return e.click(ctx, cmd.Selector)
	case "type":
		return e.typeText(cmd.Selector, cmd.Text)
	default:
		return failure(protocol.CodeExtensionNotReady)
	}
}

func (e *Executor) navigate(ctx context.Context, rawURL string) Response {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return failure(protocol.CodeNoActiveTab)
	}
	doc, err := e.fetch(ctx, parsed.String())
	if err != nil {
		e.log.Warn("navigation failed", slog.String("url", parsed.String()), slog.String("error", err.Error()))
		return failure(protocol.CodeNoActiveTab)
	}

	e.mu.Lock()
	e.pageURL = parsed
	e.doc = doc
	e.highlights = nil
	e.mu.Unlock()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	return Response{OK: true, Data: map[string]any{"url": parsed.String(), "title": title}}
}

func (e *Executor) showHUD(text string) Response {
	e.mu.Lock()
	e.hud = text
	e.mu.Unlock()
	return Response{OK: true, Data: map[string]any{"shown": text}}
}

func (e *Executor) find(query string) Response {
	doc := e.document()
	if doc == nil {
		return failure(protocol.CodeNoActiveTab)
	}
	cands, err := resolve.Resolve(doc, query)
	if err != nil {
		return failure(protocol.CodeExtensionNotReady)
	}
	observability.ResolutionCandidates.Observe(float64(len(cands)))
	return Response{OK: true, Data: map[string]any{"candidates": cands}}
}

func (e *Executor) highlight(selector, label string) Response {
	el, resp := e.locate(selector)
	if el == nil {
		return resp
	}
	if label == "" {
		label = resolve.Label(el)
	}
	e.mu.Lock()
	e.highlights = append(e.highlights, selector)
	e.mu.Unlock()
	return Response{OK: true, Data: map[string]any{"selector": selector, "label": label}}
}

func (e *Executor) click(ctx context.Context, selector string) Response {
	el, resp := e.locate(selector)
	if el == nil {
		return resp
	}
	// Following a link is the one click effect observable server-side.
	if href, ok := el.Attr("href"); ok && strings.TrimSpace(href) != "" {
		e.mu.Lock()
		base := e.pageURL
		e.mu.Unlock()
		if base != nil {
			if target, err := base.Parse(strings.TrimSpace(href)); err == nil {
				if nav := e.navigate(ctx, target.String()); !nav.OK {
					return nav
				}
				return Response{OK: true, Data: map[string]any{"clicked": selector, "navigated": target.String()}}
			}
		}
	}
	return Response{OK: true, Data: map[string]any{"clicked": selector}}
}

func (e *Executor) typeText(selector, text string) Response {
	el, resp := e.locate(selector)
	if el == nil {
		return resp
	}
	switch goquery.NodeName(el) {
	case "input":
		el.SetAttr("value", text)
	case "textarea":
		el.SetText(text)
	default:
		if _, editable := el.Attr("contenteditable"); editable {
			el.SetText(text)
		} else {
			return failure(protocol.CodePermissionDenied)
		}
	}
	return Response{OK: true, Data: map[string]any{"typed": text, "selector": selector}}
}

// locate resolves a selector to its first visible match. A nil selection in
// the return means the accompanying Response carries the failure.
func (e *Executor) locate(selector string) (*goquery.Selection, Response) {
	doc := e.document()
	if doc == nil {
		return nil, failure(protocol.CodeNoActiveTab)
	}
	var found *goquery.Selection
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if resolve.Visible(s) {
			found = s
			return false
		}
		return true
	})
	if found == nil {
		return nil, failure(protocol.CodeNotFound)
	}
	return found, Response{}
}

func (e *Executor) document() *goquery.Document {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.doc
}

// PageURL returns the current page address, or empty before navigation.
func (e *Executor) PageURL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pageURL == nil {
		return ""
	}
	return e.pageURL.String()
}

// Highlights returns the selectors highlighted on the current page.
func (e *Executor) Highlights() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.highlights))
	copy(out, e.highlights)
	return out
}
