package feed

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"golang.org/x/net/html"
)

const defaultTitle = "No title"

// ParseFeed reads an RSS, Atom or JSON feed document. Missing titles become
// "No title", missing bodies become empty, and items without a guid use
// their link as id. A feed with no items is not an error.
func ParseFeed(r io.Reader, now time.Time) (Snapshot, error) {
	parsed, err := gofeed.NewParser().Parse(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing feed: %w", err)
	}

	snap := Snapshot{Title: strings.TrimSpace(parsed.Title)}
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		item := Item{
			ID:          strings.TrimSpace(it.GUID),
			Title:       strings.TrimSpace(it.Title),
			Body:        it.Description,
			Link:        strings.TrimSpace(it.Link),
			PublishedAt: now,
		}
		if item.ID == "" {
			item.ID = item.Link
		}
		if item.Title == "" {
			item.Title = defaultTitle
		}
		if item.Body == "" {
			item.Body = it.Content
		}
		switch {
		case it.PublishedParsed != nil:
			item.PublishedAt = it.PublishedParsed.UTC()
		case it.UpdatedParsed != nil:
			item.PublishedAt = it.UpdatedParsed.UTC()
		}
		snap.Items = append(snap.Items, item)
	}
	return snap, nil
}

var pathDate = regexp.MustCompile(`/(\d{4})/(\d{2})/(\d{2})/`)

// ParseHTMLLinks scrapes a listing page for anchors whose absolute URL
// matches pattern, in document order. The URL is the item id; the anchor
// text is its title. A /YYYY/MM/DD/ path segment sets the publish date.
func ParseHTMLLinks(r io.Reader, base *url.URL, pattern *regexp.Regexp, now time.Time) (Snapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("parsing html: %w", err)
	}

	var snap Snapshot
	seen := make(map[string]bool)

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && snap.Title == "" {
			snap.Title = strings.TrimSpace(nodeText(n))
		}
		if n.Type == html.ElementNode && n.Data == "a" {
			if item, ok := linkItem(n, base, pattern, now); ok && !seen[item.ID] {
				seen[item.ID] = true
				snap.Items = append(snap.Items, item)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return snap, nil
}

func linkItem(n *html.Node, base *url.URL, pattern *regexp.Regexp, now time.Time) (Item, bool) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return Item{}, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return Item{}, false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	u.Fragment = ""
	link := u.String()
	if pattern != nil && !pattern.MatchString(link) {
		return Item{}, false
	}

	title := strings.Join(strings.Fields(nodeText(n)), " ")
	if title == "" {
		return Item{}, false
	}

	published := now
	if m := pathDate.FindStringSubmatch(u.Path); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			published = t
		}
	}
	return Item{ID: link, Title: title, Link: link, PublishedAt: published}, true
}

func nodeText(n *html.Node) string {
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

// StripTags returns the text content of an HTML fragment with whitespace collapsed.
func StripTags(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.Join(strings.Fields(s), " ")
	}
	z := html.NewTokenizer(strings.NewReader(s))
	var sb strings.Builder
	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(sb.String()), " ")
		case html.TextToken:
			sb.Write(z.Text())
			sb.WriteByte(' ')
		}
	}
}
