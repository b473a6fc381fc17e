package actuator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/osheridan/pagepilot/pkg/broker"
	"github.com/osheridan/pagepilot/pkg/observability"
	"github.com/osheridan/pagepilot/pkg/protocol"
)

var testPages = map[string]string{
	"https://site.test/": `<html><head><title>Home</title></head><body>
		<input name="q" placeholder="Search">
		<a href="/cart">View cart</a>
	</body></html>`,
	"https://site.test/cart": `<html><head><title>Cart</title></head><body>
		<button id="pay">Submit payment</button>
	</body></html>`,
}

func fakeFetch(_ context.Context, pageURL string) (*goquery.Document, error) {
	page, ok := testPages[pageURL]
	if !ok {
		return nil, fmt.Errorf("received status code 404")
	}
	return goquery.NewDocumentFromReader(strings.NewReader(page))
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return NewExecutorWithFetcher(observability.NewLogger("test", slog.LevelError), fakeFetch)
}

func TestCommandsNeedAPage(t *testing.T) {
	e := newTestExecutor(t)
	for _, cmd := range []Command{
		{Action: "find", Query: "search"},
		{Action: "highlight", Selector: "#pay"},
		{Action: "click", Selector: "#pay"},
		{Action: "type", Selector: "input", Text: "x"},
	} {
		resp := e.Execute(context.Background(), cmd)
		require.False(t, resp.OK, "%s before navigate", cmd.Action)
		require.Equal(t, protocol.CodeNoActiveTab, resp.Error)
	}
}

func TestNavigate(t *testing.T) {
	e := newTestExecutor(t)
	resp := e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/"})
	require.True(t, resp.OK)
	require.Equal(t, "Home", resp.Data["title"])
	require.Equal(t, "https://site.test/", e.PageURL())
}

func TestNavigateFailures(t *testing.T) {
	e := newTestExecutor(t)
	for _, url := range []string{"", "not a url", "https://site.test/missing"} {
		resp := e.Execute(context.Background(), Command{Action: "navigate", URL: url})
		require.False(t, resp.OK, "url %q", url)
		require.Equal(t, protocol.CodeNoActiveTab, resp.Error)
	}
}

func TestFind(t *testing.T) {
	e := newTestExecutor(t)
	require.True(t, e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/"}).OK)

	resp := e.Execute(context.Background(), Command{Action: "find", Query: "search box"})
	require.True(t, resp.OK)
	cands, ok := resp.Data["candidates"]
	require.True(t, ok)
	require.Len(t, cands, 1)
}

func TestHighlight(t *testing.T) {
	e := newTestExecutor(t)
	require.True(t, e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/cart"}).OK)

	resp := e.Execute(context.Background(), Command{Action: "highlight", Selector: "#pay"})
	require.True(t, resp.OK)
	require.Equal(t, "Submit payment", resp.Data["label"])
	require.Equal(t, []string{"#pay"}, e.Highlights())

	resp = e.Execute(context.Background(), Command{Action: "highlight", Selector: "#gone"})
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodeNotFound, resp.Error)
}

func TestClickFollowsLink(t *testing.T) {
	e := newTestExecutor(t)
	require.True(t, e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/"}).OK)

	resp := e.Execute(context.Background(), Command{Action: "click", Selector: "a"})
	require.True(t, resp.OK)
	require.Equal(t, "https://site.test/cart", resp.Data["navigated"])
	require.Equal(t, "https://site.test/cart", e.PageURL())
	// Highlights do not survive navigation.
	require.Empty(t, e.Highlights())
}

func TestClickButton(t *testing.T) {
	e := newTestExecutor(t)
	require.True(t, e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/cart"}).OK)

	resp := e.Execute(context.Background(), Command{Action: "click", Selector: "#pay"})
	require.True(t, resp.OK)
	require.Equal(t, "#pay", resp.Data["clicked"])
	require.Equal(t, "https://site.test/cart", e.PageURL(), "button click must not navigate")
}

func TestTypeIntoInput(t *testing.T) {
	e := newTestExecutor(t)
	require.True(t, e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/"}).OK)

	resp := e.Execute(context.Background(), Command{Action: "type", Selector: `input[name="q"]`, Text: "golang"})
	require.True(t, resp.OK)

	// The typed value is observable on a follow-up lookup.
	found := e.document().Find(`input[name="q"]`)
	val, _ := found.Attr("value")
	require.Equal(t, "golang", val)
}

func TestTypeIntoNonEditable(t *testing.T) {
	e := newTestExecutor(t)
	require.True(t, e.Execute(context.Background(), Command{Action: "navigate", URL: "https://site.test/cart"}).OK)

	resp := e.Execute(context.Background(), Command{Action: "type", Selector: "#pay", Text: "x"})
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodePermissionDenied, resp.Error)
}

func TestUnknownAction(t *testing.T) {
	e := newTestExecutor(t)
	resp := e.Execute(context.Background(), Command{Action: "scroll"})
	require.False(t, resp.OK)
	require.Equal(t, protocol.CodeExtensionNotReady, resp.Error)
}

func TestHUD(t *testing.T) {
	e := newTestExecutor(t)
	resp := e.Execute(context.Background(), Command{Action: "hud", Text: "working"})
	require.True(t, resp.OK)
	require.Equal(t, "working", resp.Data["shown"])
}

func TestCommandFromToolRequest(t *testing.T) {
	tests := []struct {
		tool   protocol.Tool
		params map[string]any
		want   Command
		ok     bool
	}{
		{protocol.ToolNavigate, map[string]any{"url": "https://x.test"}, Command{Action: "navigate", URL: "https://x.test"}, true},
		{protocol.ToolFind, map[string]any{"query": "cart"}, Command{Action: "find", Query: "cart"}, true},
		{protocol.ToolHighlight, map[string]any{"selector": "#a", "label": "A"}, Command{Action: "highlight", Selector: "#a", Label: "A"}, true},
		{protocol.ToolClick, map[string]any{"selector": "#a"}, Command{Action: "click", Selector: "#a"}, true},
		{protocol.ToolType, map[string]any{"selector": "#a", "text": "hi"}, Command{Action: "type", Selector: "#a", Text: "hi"}, true},
		{protocol.ToolSelectCandidate, map[string]any{"id": 1}, Command{}, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.tool), func(t *testing.T) {
			env := protocol.ToolRequest("s1", "act-1", tt.tool, tt.params, "label")
			got, ok := CommandFromToolRequest(env)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestLoopbackSettlesBrokerCalls(t *testing.T) {
	log := observability.NewLogger("test", slog.LevelError)
	exec := NewExecutorWithFetcher(log, fakeFetch)
	b := broker.New("s1", log)
	b.SetTransport(NewLoopback(exec, b.Settle))

	_, done, err := b.Issue("", protocol.ToolNavigate, map[string]any{"url": "https://site.test/"}, "navigate")
	require.NoError(t, err)
	st := broker.Await(context.Background(), done)
	require.Nil(t, st.Err)
	require.True(t, st.OK)
	require.Equal(t, "https://site.test/", exec.PageURL())
	require.Equal(t, 0, b.PendingCount())

	_, done, err = b.Issue("", protocol.ToolFind, map[string]any{"query": "search box"}, "find")
	require.NoError(t, err)
	st = broker.Await(context.Background(), done)
	require.True(t, st.OK)
	require.Contains(t, string(st.Data), "candidates")
}

func TestLoopbackRejectsUnmappableRequest(t *testing.T) {
	log := observability.NewLogger("test", slog.LevelError)
	b := broker.New("s1", log)
	b.SetTransport(NewLoopback(NewExecutorWithFetcher(log, fakeFetch), b.Settle))

	_, done, err := b.Issue("", protocol.ToolSelectCandidate, map[string]any{"id": 1}, "select")
	require.NoError(t, err)
	st := broker.Await(context.Background(), done)
	require.False(t, st.OK)
	require.Equal(t, protocol.CodeExtensionNotReady, st.Err.Code)
}
