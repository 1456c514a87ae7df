// Package search looks up web snippets for research jobs.
package search

import (
	"context"
	"fmt"
	"strings"
)

// Result is one ranked search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Response is the outcome of a search. When Results is empty, Notice says
// why (nothing found, provider unavailable, timeout).
type Response struct {
	Query   string   `json:"query"`
	Results []Result `json:"results"`
	Notice  string   `json:"notice,omitempty"`
}

// Provider runs web searches. Search never fails: provider errors are
// reported through Response.Notice.
type Provider interface {
	Search(ctx context.Context, query string, max int) Response
}

// Text renders the response as a plain-text block suitable for a prompt.
func (r Response) Text() string {
	if len(r.Results) == 0 {
		if r.Notice != "" {
			return r.Notice
		}
		return noResults(r.Query)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Web Search Results for: %q\n", r.Query)
	for i, res := range r.Results {
		fmt.Fprintf(&sb, "\n%d. %s\n", i+1, res.Title)
		if res.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", res.Snippet)
		}
		fmt.Fprintf(&sb, "   URL: %s\n", res.URL)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func noResults(query string) string {
	return fmt.Sprintf("No web results found for: %q", query)
}
