package models

import "testing"

func TestParsePlatform(t *testing.T) {
	for _, p := range AllPlatforms() {
		got, ok := ParsePlatform(string(p))
		if !ok || got != p {
			t.Fatalf("ParsePlatform(%q) = %q, %v", p, got, ok)
		}
	}
	if _, ok := ParsePlatform("myspace"); ok {
		t.Fatalf("ParsePlatform accepted an unknown tag")
	}
	if _, ok := ParsePlatform(""); ok {
		t.Fatalf("ParsePlatform accepted the empty string")
	}
}

func TestReducePostStatus_Terminal(t *testing.T) {
	cases := []struct {
		name    string
		targets []TargetStatus
		want    PostStatus
	}{
		{"all published", []TargetStatus{TargetPublished, TargetPublished}, PostPublished},
		{"all failed", []TargetStatus{TargetFailed, TargetFailed, TargetFailed}, PostFailed},
		{"mixed", []TargetStatus{TargetPublished, TargetFailed}, PostPartiallyPublished},
		{"pending counts as not published", []TargetStatus{TargetPublished, TargetPending}, PostPartiallyPublished},
		{"single published", []TargetStatus{TargetPublished}, PostPublished},
		{"single failed", []TargetStatus{TargetFailed}, PostFailed},
	}
	for _, tc := range cases {
		got, ok := ReducePostStatus(tc.targets)
		if !ok {
			t.Fatalf("%s: reduction unexpectedly refused", tc.name)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestReducePostStatus_PublishingBlocksReduction(t *testing.T) {
	if _, ok := ReducePostStatus([]TargetStatus{TargetPublished, TargetPublishing}); ok {
		t.Fatalf("reduction should refuse while a target is publishing")
	}
}

// Exhaustively walk every multiset of up to four target statuses and check
// the reduction against a slow reference implementation.
func TestReducePostStatus_Exhaustive(t *testing.T) {
	statuses := []TargetStatus{TargetPending, TargetPublishing, TargetPublished, TargetFailed}
	var walk func(prefix []TargetStatus, depth int)
	walk = func(prefix []TargetStatus, depth int) {
		if len(prefix) > 0 {
			checkReduction(t, prefix)
		}
		if depth == 0 {
			return
		}
		for _, s := range statuses {
			walk(append(prefix, s), depth-1)
		}
	}
	walk(nil, 4)
}

func checkReduction(t *testing.T, targets []TargetStatus) {
	t.Helper()
	published, failed, publishing := 0, 0, 0
	for _, s := range targets {
		switch s {
		case TargetPublished:
			published++
		case TargetFailed:
			failed++
		case TargetPublishing:
			publishing++
		}
	}
	got, ok := ReducePostStatus(targets)
	if publishing > 0 {
		if ok {
			t.Fatalf("targets %v: reduction should refuse", targets)
		}
		return
	}
	if !ok {
		t.Fatalf("targets %v: reduction refused", targets)
	}
	var want PostStatus
	switch {
	case published == len(targets):
		want = PostPublished
	case failed == len(targets):
		want = PostFailed
	default:
		want = PostPartiallyPublished
	}
	if got != want {
		t.Fatalf("targets %v: got %s want %s", targets, got, want)
	}
}
