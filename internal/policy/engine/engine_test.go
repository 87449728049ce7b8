package engine

import (
	"testing"

	policydomain "classwatch/backend/internal/policy/domain"
)

func TestMatches_Subdomain(t *testing.T) {
	if !Matches("sub.ixl.com", []string{"ixl.com"}) {
		t.Error("sub.ixl.com should match ixl.com")
	}
}

func TestMatches_ExactHost(t *testing.T) {
	if !Matches("ixl.com", []string{"ixl.com"}) {
		t.Error("ixl.com should match ixl.com")
	}
}

func TestMatches_InteriorLabel(t *testing.T) {
	// Documented permissive rule: the entry matching as an interior label
	// (or plain substring) is product behavior, not a bug.
	if !Matches("ixl.com.evil.net", []string{"ixl.com"}) {
		t.Error("ixl.com.evil.net should match ixl.com under the substring rule")
	}
}

func TestMatches_SubstringRule(t *testing.T) {
	if !Matches("notixl.com", []string{"ixl.com"}) {
		t.Error("notixl.com should match ixl.com under the substring rule")
	}
}

func TestMatches_CaseInsensitive(t *testing.T) {
	if !Matches("Docs.Google.COM", []string{"google.com"}) {
		t.Error("hostname matching must be case-insensitive")
	}
	if !Matches("docs.google.com", []string{"  GOOGLE.com "}) {
		t.Error("list entries must be trimmed and lowercased")
	}
}

func TestMatches_NoMatch(t *testing.T) {
	if Matches("example.org", []string{"ixl.com", "kahoot.it"}) {
		t.Error("example.org should not match unrelated entries")
	}
}

func TestMatches_FullURL(t *testing.T) {
	if !Matches("https://www.kahoot.it/play/123?x=1", []string{"kahoot.it"}) {
		t.Error("full URLs should match on hostname")
	}
}

func TestMatches_InternalPages(t *testing.T) {
	for _, u := range []string{"", "about:blank", "chrome://newtab"} {
		if Matches(u, []string{"ixl.com"}) {
			t.Errorf("%q should never match", u)
		}
	}
}

func TestMatches_EmptyEntriesSkipped(t *testing.T) {
	if Matches("example.org", []string{"", "  "}) {
		t.Error("blank entries must not match everything")
	}
}

func TestEvaluate_BlockPrecedence(t *testing.T) {
	snap := policydomain.Snapshot{
		AllowedDomains: []string{"youtube.com"},
		BlockedDomains: []string{"youtube.com"},
	}
	if got := Evaluate("youtube.com", snap); got != DecisionBlocked {
		t.Errorf("Evaluate = %v, want DecisionBlocked (block-list precedence)", got)
	}
}

func TestEvaluate_AllowOnly(t *testing.T) {
	snap := policydomain.Snapshot{AllowedDomains: []string{"ixl.com"}}
	if got := Evaluate("sub.ixl.com", snap); got != DecisionAllowed {
		t.Errorf("Evaluate = %v, want DecisionAllowed", got)
	}
	if got := Evaluate("example.org", snap); got != DecisionNone {
		t.Errorf("Evaluate = %v, want DecisionNone", got)
	}
}

func TestOffTask(t *testing.T) {
	cases := []struct {
		name string
		url  string
		snap policydomain.Snapshot
		want bool
	}{
		{"blocked", "games.example.com", policydomain.Snapshot{BlockedDomains: []string{"games.example.com"}}, true},
		{"allowed", "ixl.com", policydomain.Snapshot{AllowedDomains: []string{"ixl.com"}}, false},
		{"outside allow list", "example.org", policydomain.Snapshot{AllowedDomains: []string{"ixl.com"}}, true},
		{"no lists", "example.org", policydomain.Snapshot{}, false},
		{"internal page under allow list", "about:blank", policydomain.Snapshot{AllowedDomains: []string{"ixl.com"}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := OffTask(tc.url, tc.snap); got != tc.want {
				t.Errorf("OffTask(%q) = %v, want %v", tc.url, got, tc.want)
			}
		})
	}
}

func TestHostname(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://Docs.Google.com/d/abc", "docs.google.com"},
		{"docs.google.com/d/abc", "docs.google.com"},
		{"docs.google.com:443", "docs.google.com"},
		{"about:blank", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Hostname(tc.in); got != tc.want {
			t.Errorf("Hostname(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
