package topic

import (
	"sort"
	"testing"
)

func names(ts []*Topic) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name)
	}
	sort.Strings(out)
	return out
}

func TestGetOrCreateFind(t *testing.T) {
	tr := New()
	tp := tr.GetOrCreate("a/b/c")
	if tp.Name != "a/b/c" {
		t.Fatalf("name = %q", tp.Name)
	}
	if tr.Find("a/b/c") != tp {
		t.Fatal("Find did not return the same topic instance")
	}
	if tr.Find("a/b") != nil {
		t.Fatal("Find matched a non-existent intermediate topic")
	}
}

func TestEraseprunes(t *testing.T) {
	tr := New()
	tr.GetOrCreate("a/b/c")
	tr.Erase("a/b/c")
	if tr.Find("a/b/c") != nil {
		t.Fatal("topic still findable after Erase")
	}
	if len(tr.root.children) != 0 {
		t.Fatal("Erase did not prune now-empty ancestor nodes")
	}
}

func TestEraseKeepsSiblingBranch(t *testing.T) {
	tr := New()
	tr.GetOrCreate("a/b")
	tr.GetOrCreate("a/c")
	tr.Erase("a/b")
	if tr.Find("a/c") == nil {
		t.Fatal("Erase of a/b removed sibling a/c")
	}
}

func TestMatchPlusSingleLevel(t *testing.T) {
	tr := New()
	tr.GetOrCreate("sensors/1/temp")
	tr.GetOrCreate("sensors/2/temp")
	tr.GetOrCreate("sensors/1/humidity")
	got := names(tr.Match("sensors/+/temp"))
	want := []string{"sensors/1/temp", "sensors/2/temp"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMatchPlusTrailingLevel(t *testing.T) {
	tr := New()
	tr.GetOrCreate("sensors/temp")
	tr.GetOrCreate("sensors/humidity")
	tr.GetOrCreate("sensors/temp/extra")
	got := names(tr.Match("sensors/+"))
	want := []string{"sensors/humidity", "sensors/temp"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMatchHash(t *testing.T) {
	tr := New()
	tr.GetOrCreate("a/b")
	tr.GetOrCreate("a/b/c")
	tr.GetOrCreate("a")
	got := names(tr.Match("a/#"))
	want := []string{"a/b", "a/b/c"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestMatchesFilter(t *testing.T) {
	cases := []struct {
		filter, name string
		want         bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/+/c", "a/x/c", true},
		{"a/+/c", "a/x/y/c", false},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true},
		{"+/+", "a/b", true},
		{"+", "a/b", false},
		{"#", "$SYS/stats", false},
		{"$SYS/#", "$SYS/stats", true},
	}
	for _, c := range cases {
		if got := MatchesFilter(c.filter, c.name); got != c.want {
			t.Errorf("MatchesFilter(%q, %q) = %v, want %v", c.filter, c.name, got, c.want)
		}
	}
}

func TestHasWildcard(t *testing.T) {
	if HasWildcard("a/b/c") {
		t.Error("literal topic reported as wildcard")
	}
	if !HasWildcard("a/+/c") || !HasWildcard("a/#") {
		t.Error("wildcard filter not detected")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	tp := newTopic("a/b")
	tp.Subscribe("client-1", 1)
	tp.Subscribe("client-2", 2)
	if len(tp.Subscribers) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(tp.Subscribers))
	}
	if empty := tp.Unsubscribe("client-1"); empty {
		t.Fatal("Unsubscribe reported empty with one subscriber left")
	}
	if empty := tp.Unsubscribe("client-2"); !empty {
		t.Fatal("Unsubscribe did not report empty with no subscribers and no retained message")
	}
}
