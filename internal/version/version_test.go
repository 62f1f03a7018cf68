package version

import (
	"strings"
	"testing"
)

func TestFullIncludesNameAndCommit(t *testing.T) {
	full := Full()
	if !strings.HasPrefix(full, Name+" ") {
		t.Fatalf("expected name prefix, got %s", full)
	}
	if !strings.Contains(full, Commit) {
		t.Fatalf("expected commit in %s", full)
	}
}
