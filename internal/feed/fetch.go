package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"
)

const (
	// DefaultFetchTimeout bounds a single feed request.
	DefaultFetchTimeout = 15 * time.Second
	maxFeedBodySize     = 5 << 20 // 5MB
	userAgent           = "Mozilla/5.0 (compatible; agentq/1.0; +https://github.com/kalambet/agentq)"
)

// Kind is the document format of a source.
type Kind string

const (
	KindRSS  Kind = "rss"
	KindHTML Kind = "html"
)

// Source describes where a snapshot comes from.
type Source struct {
	URL         string
	Kind        Kind
	LinkPattern string // html only: regexp an article URL must match
	Limit       int    // keep at most this many newest items; 0 keeps all
}

// Reader fetches and parses sources over HTTP.
type Reader struct {
	httpClient *http.Client
	timeout    time.Duration
	now        func() time.Time
}

// NewReader creates a Reader. If timeout <= 0, DefaultFetchTimeout is used.
func NewReader(httpClient *http.Client, timeout time.Duration) *Reader {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &Reader{
		httpClient: httpClient,
		timeout:    timeout,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Read fetches src and returns its newest-first snapshot.
func (r *Reader) Read(ctx context.Context, src Source) (Snapshot, error) {
	body, err := r.fetch(ctx, src.URL)
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	switch src.Kind {
	case KindHTML:
		base, err := url.Parse(src.URL)
		if err != nil {
			return Snapshot{}, fmt.Errorf("parsing source url: %w", err)
		}
		var pattern *regexp.Regexp
		if src.LinkPattern != "" {
			if pattern, err = regexp.Compile(src.LinkPattern); err != nil {
				return Snapshot{}, fmt.Errorf("compiling link pattern: %w", err)
			}
		}
		snap, err = ParseHTMLLinks(bytes.NewReader(body), base, pattern, r.now())
		if err != nil {
			return Snapshot{}, err
		}
	default:
		snap, err = ParseFeed(bytes.NewReader(body), r.now())
		if err != nil {
			return Snapshot{}, err
		}
	}

	if src.Limit > 0 && len(snap.Items) > src.Limit {
		snap.Items = snap.Items[:src.Limit]
	}
	return snap, nil
}

func (r *Reader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/html;q=0.9, */*;q=0.8")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodySize))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	return body, nil
}
