package feed

import (
	"fmt"
	"reflect"
	"testing"
)

func items(ids ...string) []Item {
	out := make([]Item, len(ids))
	for i, id := range ids {
		out[i] = Item{ID: id, Title: "title " + id}
	}
	return out
}

func ids(items []Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestDiff_BaselineDeliversNothing(t *testing.T) {
	for _, mode := range []Mode{ModeCursor, ModeSeen} {
		t.Run(string(mode), func(t *testing.T) {
			got, next := Diff(items("A", "B", "C"), State{Key: "k", Mode: mode}, Options{})
			if len(got) != 0 {
				t.Fatalf("baseline delivered %v", ids(got))
			}
			if !next.Initialized {
				t.Error("state not initialized after baseline")
			}
			if mode == ModeCursor && next.Cursor != "A" {
				t.Errorf("Cursor = %q, want A", next.Cursor)
			}
			if mode == ModeSeen && !reflect.DeepEqual(next.Seen, []string{"C", "B", "A"}) {
				t.Errorf("Seen = %v, want [C B A]", next.Seen)
			}
		})
	}
}

func TestDiff_NewItemRoundTrip(t *testing.T) {
	for _, mode := range []Mode{ModeCursor, ModeSeen} {
		t.Run(string(mode), func(t *testing.T) {
			_, s1 := Diff(items("A", "B", "C"), State{Mode: mode}, Options{})

			got, s2 := Diff(items("D", "A", "B", "C"), s1, Options{})
			if !reflect.DeepEqual(ids(got), []string{"D"}) {
				t.Fatalf("delivered %v, want [D]", ids(got))
			}

			again, _ := Diff(items("D", "A", "B", "C"), s2, Options{})
			if len(again) != 0 {
				t.Errorf("re-delivered %v", ids(again))
			}
		})
	}
}

func TestDiff_OldestFirst(t *testing.T) {
	for _, mode := range []Mode{ModeCursor, ModeSeen} {
		t.Run(string(mode), func(t *testing.T) {
			_, s1 := Diff(items("A"), State{Mode: mode}, Options{})
			got, _ := Diff(items("D", "C", "B", "A"), s1, Options{})
			if !reflect.DeepEqual(ids(got), []string{"B", "C", "D"}) {
				t.Fatalf("delivered %v, want [B C D]", ids(got))
			}
		})
	}
}

func TestDiff_EmptySnapshotKeepsState(t *testing.T) {
	prior := State{Key: "k", Mode: ModeSeen, Seen: []string{"A"}, Initialized: true}
	got, next := Diff(nil, prior, Options{})
	if len(got) != 0 {
		t.Fatalf("delivered %v", ids(got))
	}
	if !reflect.DeepEqual(next, prior) {
		t.Errorf("state changed: %+v", next)
	}

	// A snapshot made only of id-less items counts as empty too.
	got, next = Diff([]Item{{Title: "no id"}}, prior, Options{})
	if len(got) != 0 || !reflect.DeepEqual(next, prior) {
		t.Errorf("id-less snapshot changed state: %v %+v", ids(got), next)
	}
}

func TestDiff_CursorMissingDeliversWholeSnapshot(t *testing.T) {
	prior := State{Mode: ModeCursor, Cursor: "gone", Initialized: true}
	got, next := Diff(items("C", "B", "A"), prior, Options{})
	if !reflect.DeepEqual(ids(got), []string{"A", "B", "C"}) {
		t.Fatalf("delivered %v, want [A B C]", ids(got))
	}
	if next.Cursor != "C" {
		t.Errorf("Cursor = %q, want C", next.Cursor)
	}
}

func TestDiff_SeenSetToleratesReorder(t *testing.T) {
	_, s1 := Diff(items("A", "B", "C"), State{Mode: ModeSeen}, Options{})
	got, _ := Diff(items("B", "X", "A", "C"), s1, Options{})
	if !reflect.DeepEqual(ids(got), []string{"X"}) {
		t.Fatalf("delivered %v, want [X]", ids(got))
	}
}

func TestDiff_KeywordFilter(t *testing.T) {
	opts := Options{Keywords: []string{"border", "FBI"}}
	prior := State{Mode: ModeSeen, Initialized: true, Seen: []string{"old"}}
	snapshot := []Item{
		{ID: "3", Title: "Weather update", Body: "sunny"},
		{ID: "2", Title: "Local news", Body: "The fbi announced an arrest"},
		{ID: "1", Title: "BORDER crossings rise"},
	}

	got, next := Diff(snapshot, prior, opts)
	if !reflect.DeepEqual(ids(got), []string{"1", "2"}) {
		t.Fatalf("delivered %v, want [1 2]", ids(got))
	}
	want := []string{"old", "1", "2", "3"}
	if !reflect.DeepEqual(next.Seen, want) {
		t.Errorf("Seen = %v, want %v (filtered items still marked seen)", next.Seen, want)
	}

	again, _ := Diff(snapshot, next, opts)
	if len(again) != 0 {
		t.Errorf("re-delivered %v", ids(again))
	}
}

func TestDiff_KeywordFilterCursorMode(t *testing.T) {
	opts := Options{Keywords: []string{"dhs"}}
	prior := State{Mode: ModeCursor, Cursor: "A", Initialized: true}
	got, next := Diff(items("C", "B", "A"), prior, opts)
	if len(got) != 0 {
		t.Fatalf("delivered %v, want none", ids(got))
	}
	if next.Cursor != "C" {
		t.Errorf("Cursor = %q, want C", next.Cursor)
	}
}

func TestDiff_SeenCap(t *testing.T) {
	prior := State{Mode: ModeSeen, Initialized: true}
	for i := range 5 {
		prior.Seen = append(prior.Seen, fmt.Sprintf("old-%d", i))
	}
	_, next := Diff(items("n2", "n1"), prior, Options{SeenCap: 4})
	want := []string{"old-3", "old-4", "n1", "n2"}
	if !reflect.DeepEqual(next.Seen, want) {
		t.Errorf("Seen = %v, want %v", next.Seen, want)
	}
}

func TestDiff_DuplicateIDsInSnapshot(t *testing.T) {
	prior := State{Mode: ModeSeen, Initialized: true, Seen: []string{"A"}}
	got, next := Diff(items("B", "B", "A"), prior, Options{})
	if !reflect.DeepEqual(ids(got), []string{"B"}) {
		t.Fatalf("delivered %v, want [B]", ids(got))
	}
	if !reflect.DeepEqual(next.Seen, []string{"A", "B"}) {
		t.Errorf("Seen = %v, want [A B]", next.Seen)
	}
}

func TestOptions_Matches(t *testing.T) {
	tests := []struct {
		keywords []string
		item     Item
		want     bool
	}{
		{nil, Item{Title: "anything"}, true},
		{[]string{"cartel"}, Item{Title: "News", Body: "A Cartel leader"}, true},
		{[]string{"cartel"}, Item{Title: "News", Body: "nothing here"}, false},
		{[]string{"  "}, Item{Title: "x"}, false},
	}
	for _, tt := range tests {
		if got := (Options{Keywords: tt.keywords}).Matches(tt.item); got != tt.want {
			t.Errorf("Matches(%v, %q) = %v, want %v", tt.keywords, tt.item.Title+" "+tt.item.Body, got, tt.want)
		}
	}
}
