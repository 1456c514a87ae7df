package feed

import (
	"strings"
	"unicode/utf8"
)

const maxSnippetRunes = 200

// Format renders item as a Markdown notification headed by the feed name.
func Format(feedName string, item Item) string {
	var sb strings.Builder
	sb.WriteString("📰 *")
	sb.WriteString(escapeMarkdown(feedName))
	sb.WriteString("*\n\n*")
	sb.WriteString(escapeMarkdown(item.Title))
	sb.WriteString("*")

	if snippet := Truncate(StripTags(item.Body), maxSnippetRunes); snippet != "" {
		sb.WriteString("\n\n")
		sb.WriteString(escapeMarkdown(snippet))
	}
	if item.Link != "" {
		sb.WriteString("\n\n[Read more](")
		sb.WriteString(item.Link)
		sb.WriteString(")")
	}
	return sb.String()
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n])) + "..."
}

var markdownEscaper = strings.NewReplacer("*", "\\*", "_", "\\_", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
