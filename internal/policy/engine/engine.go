// Package engine evaluates domain allow/block lists against navigation
// events. Matching is intentionally broad: a list entry matches a hostname
// by suffix, prefix, interior label, or plain substring. Broad matching
// minimizes false negatives for content filtering at the cost of false
// positives (e.g. "notixl.com" matches the entry "ixl.com"). For a
// block-list that trade-off is safe; for an allow-list it is permissive.
// Tightening it would change observed product behavior, so it stays.
package engine

import (
	"net/url"
	"strings"

	policydomain "classwatch/backend/internal/policy/domain"
)

// Decision is the outcome of evaluating a URL against a policy snapshot.
type Decision int

const (
	// DecisionNone means no list matched; navigation is unrestricted.
	DecisionNone Decision = iota
	// DecisionAllowed means an allow-list entry matched.
	DecisionAllowed
	// DecisionBlocked means a block-list entry matched. Block takes
	// precedence over allow when both lists match.
	DecisionBlocked
)

// Matches reports whether the hostname of rawURL matches any entry in
// entries. The hostname is lowercased first. rawURL may be a bare hostname
// or a full URL; internal pages with no host never match.
func Matches(rawURL string, entries []string) bool {
	host := Hostname(rawURL)
	if host == "" {
		return false
	}
	for _, entry := range entries {
		e := strings.ToLower(strings.TrimSpace(entry))
		if e == "" {
			continue
		}
		if host == e ||
			strings.HasSuffix(host, "."+e) ||
			strings.Contains(host, "."+e+".") ||
			strings.HasPrefix(host, e+".") ||
			strings.Contains(host, e) {
			return true
		}
	}
	return false
}

// Evaluate applies a policy snapshot to rawURL. Block-list evaluation takes
// precedence: a URL on both lists is blocked.
func Evaluate(rawURL string, snap policydomain.Snapshot) Decision {
	if Matches(rawURL, snap.BlockedDomains) {
		return DecisionBlocked
	}
	if Matches(rawURL, snap.AllowedDomains) {
		return DecisionAllowed
	}
	return DecisionNone
}

// OffTask reports whether rawURL counts as off-task under the snapshot:
// blocked outright, or outside a non-empty allow-list.
func OffTask(rawURL string, snap policydomain.Snapshot) bool {
	switch Evaluate(rawURL, snap) {
	case DecisionBlocked:
		return true
	case DecisionAllowed:
		return false
	}
	return len(snap.AllowedDomains) > 0 && Hostname(rawURL) != ""
}

// Hostname extracts the lowercased hostname from rawURL. Accepts bare
// hostnames ("docs.google.com") as well as full URLs. Returns "" for
// internal browser pages (about:, chrome:) and unparseable input.
func Hostname(rawURL string) string {
	s := strings.TrimSpace(strings.ToLower(rawURL))
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil || u.Hostname() == "" {
			return ""
		}
		return u.Hostname()
	}
	if strings.HasPrefix(s, "about:") || strings.HasPrefix(s, "chrome:") || strings.HasPrefix(s, "edge:") {
		return ""
	}
	// Bare host, possibly with path or port.
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	return s
}
