package naming

import (
	"fmt"
	"regexp"
	"strings"
	"testing"
)

var validName = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

func TestNameDeterministic(t *testing.T) {
	for _, p := range []string{"/proj", "/home/alice/src/My Project", "/", "/tmp/x/"} {
		first := Name(p)
		for range 5 {
			if got := Name(p); got != first {
				t.Fatalf("Name(%q) = %q, then %q", p, first, got)
			}
		}
	}
}

func TestNameFormat(t *testing.T) {
	tests := []struct {
		path     string
		wantSlug string
	}{
		{"/proj", "proj"},
		{"/home/alice/My Project", "my-project"},
		{"/srv/foo_bar.baz", "foo-bar-baz"},
		{"/", "root"},
		{"/data/---", "root"},
		{"/x/" + strings.Repeat("a", 40), strings.Repeat("a", maxSlugLength)},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := Name(tt.path)
			wantPrefix := Prefix + tt.wantSlug + "-"
			if !strings.HasPrefix(got, wantPrefix) {
				t.Errorf("Name(%q) = %q, want prefix %q", tt.path, got, wantPrefix)
			}
			if hash := strings.TrimPrefix(got, wantPrefix); len(hash) != hashBytes*2 {
				t.Errorf("Name(%q) hash %q has length %d, want %d", tt.path, hash, len(hash), hashBytes*2)
			}
			if !validName.MatchString(got) {
				t.Errorf("Name(%q) = %q is not a valid instance name", tt.path, got)
			}
			if !IsManaged(got) {
				t.Errorf("IsManaged(%q) = false", got)
			}
		})
	}
}

func TestNameCleansPath(t *testing.T) {
	if a, b := Name("/proj/"), Name("/proj"); a != b {
		t.Errorf("trailing slash changed identifier: %q vs %q", a, b)
	}
	if a, b := Name("/a/../proj"), Name("/proj"); a != b {
		t.Errorf("unclean path changed identifier: %q vs %q", a, b)
	}
}

func TestNameDistinctSameBasename(t *testing.T) {
	a, b := Name("/home/alice/proj"), Name("/home/bob/proj")
	if a == b {
		t.Fatalf("distinct paths share identifier %q", a)
	}
}

func TestNameNoCollisionsOverSample(t *testing.T) {
	const n = 20000
	seen := make(map[string]string, n)
	for i := range n {
		p := fmt.Sprintf("/work/%d/project-%d", i%97, i)
		name := Name(p)
		if prev, ok := seen[name]; ok {
			t.Fatalf("collision: %q and %q both map to %q", prev, p, name)
		}
		seen[name] = p
	}
}
