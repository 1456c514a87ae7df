package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	// DefaultTimeout bounds a single search request.
	DefaultTimeout   = 10 * time.Second
	defaultEndpoint  = "https://html.duckduckgo.com/html/"
	maxResponseBytes = 2 << 20
	userAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint.
type DuckDuckGo struct {
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

// NewDuckDuckGo creates a provider. An empty endpoint uses the public HTML
// endpoint; timeout <= 0 uses DefaultTimeout.
func NewDuckDuckGo(endpoint string, timeout time.Duration) *DuckDuckGo {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &DuckDuckGo{
		endpoint:   endpoint,
		httpClient: &http.Client{},
		timeout:    timeout,
		logger:     slog.Default(),
	}
}

// Search returns at most max results for query.
func (d *DuckDuckGo) Search(ctx context.Context, query string, max int) Response {
	resp := Response{Query: query}
	if max <= 0 {
		max = 5
	}

	results, err := d.fetch(ctx, query, max)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		d.logger.Warn("web search timed out", "query", query)
		resp.Notice = "Web search timed out.\n\nThe search service may be busy. Try again later."
	case err != nil:
		d.logger.Warn("web search failed", "query", query, "error", err)
		resp.Notice = fmt.Sprintf("Web search temporarily unavailable.\n\nError: %v", err)
	case len(results) == 0:
		resp.Notice = noResults(query)
	default:
		resp.Results = results
	}
	return resp
}

func (d *DuckDuckGo) fetch(ctx context.Context, query string, max int) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return parseResults(io.LimitReader(resp.Body, maxResponseBytes), max)
}

// parseResults extracts result__a anchors and the result__snippet that
// follows each of them.
func parseResults(r io.Reader, max int) ([]Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing results: %w", err)
	}

	var (
		results []Result
		current *Result
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if len(results) >= max {
			return
		}
		if n.Type == html.ElementNode {
			switch {
			case hasClass(n, "result__a"):
				current = nil
				link := resolveLink(attr(n, "href"))
				if link == "" || strings.Contains(link, "duckduckgo.com") {
					return
				}
				results = append(results, Result{Title: collapse(text(n)), URL: link})
				current = &results[len(results)-1]
				return
			case hasClass(n, "result__snippet"):
				if current != nil && current.Snippet == "" {
					current.Snippet = collapse(text(n))
				}
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return results, nil
}

// resolveLink unwraps DuckDuckGo redirect links (//duckduckgo.com/l/?uddg=...).
func resolveLink(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme == "" {
		u.Scheme = "https"
	}
	return u.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func text(n *html.Node) string {
	var sb strings.Builder
	var collect func(*html.Node)
	collect = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	return sb.String()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
