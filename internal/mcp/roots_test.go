package mcp

import (
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func TestInferProjectFromRoots(t *testing.T) {
	tests := []struct {
		name  string
		roots []mcplib.Root
		want  string
	}{
		{
			name:  "no roots",
			roots: nil,
			want:  "",
		},
		{
			name:  "nested checkout",
			roots: []mcplib.Root{{URI: "file:///Users/dev/gh/acme/widgets"}},
			want:  "widgets",
		},
		{
			name:  "home directory project",
			roots: []mcplib.Root{{URI: "file:///home/user/my-project"}},
			want:  "my-project",
		},
		{
			name:  "non-file root skipped",
			roots: []mcplib.Root{{URI: "https://example.com/x"}, {URI: "file:///srv/repo"}},
			want:  "repo",
		},
		{
			name:  "bare slash root unusable",
			roots: []mcplib.Root{{URI: "file:///"}},
			want:  "",
		},
		{
			name:  "first usable root wins",
			roots: []mcplib.Root{{URI: "file:///a/first"}, {URI: "file:///b/second"}},
			want:  "first",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inferProjectFromRoots(tt.roots); got != tt.want {
				t.Errorf("inferProjectFromRoots() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRootsCache(t *testing.T) {
	rc := newRootsCache()

	if _, ok := rc.Get("sess-1"); ok {
		t.Fatal("expected cache miss for unknown session")
	}

	roots := []mcplib.Root{{URI: "file:///srv/repo"}}
	rc.Set("sess-1", roots)

	got, ok := rc.Get("sess-1")
	if !ok || len(got) != 1 || got[0].URI != "file:///srv/repo" {
		t.Fatalf("expected cached roots back, got %v (ok=%v)", got, ok)
	}

	// Empty slice is a valid cached value (client without roots support).
	rc.Set("sess-2", []mcplib.Root{})
	got, ok = rc.Get("sess-2")
	if !ok || len(got) != 0 {
		t.Fatalf("expected cached empty roots, got %v (ok=%v)", got, ok)
	}
}
