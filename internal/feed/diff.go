package feed

import "strings"

// Options tunes Diff.
type Options struct {
	// Keywords restricts delivery to items whose title or body contains one
	// of them, case-insensitively. Empty delivers everything.
	Keywords []string
	// SeenCap bounds the seen-set; zero means DefaultSeenCap.
	SeenCap int
}

// Matches reports whether item passes the keyword filter.
func (o Options) Matches(item Item) bool {
	if len(o.Keywords) == 0 {
		return true
	}
	text := strings.ToLower(item.Title + " " + item.Body)
	for _, kw := range o.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// Diff compares a newest-first snapshot against prior state and returns the
// items to deliver, oldest first, along with the state to persist.
//
// An empty snapshot changes nothing. An uninitialized prior state records
// the snapshot as a baseline and delivers nothing. Items filtered out by
// keywords are still marked seen. Items without an id are ignored.
func Diff(snapshot []Item, prior State, opts Options) ([]Item, State) {
	items := make([]Item, 0, len(snapshot))
	for _, it := range snapshot {
		if it.ID != "" {
			items = append(items, it)
		}
	}
	if len(items) == 0 {
		return nil, prior
	}

	next := prior
	next.Initialized = true
	if next.Mode == "" {
		next.Mode = ModeSeen
	}

	if !prior.Initialized {
		next.Cursor = items[0].ID
		next.Seen = appendSeen(nil, reversedIDs(items), opts.seenCap())
		return nil, next
	}

	var fresh []Item
	switch next.Mode {
	case ModeCursor:
		for _, it := range items {
			if it.ID == prior.Cursor {
				break
			}
			fresh = append(fresh, it)
		}
		next.Cursor = items[0].ID
	default:
		seen := make(map[string]struct{}, len(prior.Seen))
		for _, id := range prior.Seen {
			seen[id] = struct{}{}
		}
		for _, it := range items {
			if _, ok := seen[it.ID]; ok {
				continue
			}
			seen[it.ID] = struct{}{}
			fresh = append(fresh, it)
		}
		next.Seen = appendSeen(prior.Seen, reversedIDs(fresh), opts.seenCap())
	}

	out := make([]Item, 0, len(fresh))
	for i := len(fresh) - 1; i >= 0; i-- {
		if opts.Matches(fresh[i]) {
			out = append(out, fresh[i])
		}
	}
	return out, next
}

func (o Options) seenCap() int {
	if o.SeenCap <= 0 {
		return DefaultSeenCap
	}
	return o.SeenCap
}

// appendSeen returns prior followed by ids, keeping the most recent max.
func appendSeen(prior, ids []string, max int) []string {
	out := make([]string, 0, len(prior)+len(ids))
	out = append(out, prior...)
	out = append(out, ids...)
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

func reversedIDs(items []Item) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[len(items)-1-i] = it.ID
	}
	return ids
}
