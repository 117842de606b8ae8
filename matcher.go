package netguard

import (
	"net"
	"sort"
	"strings"
)

// Normalize reduces a raw domain or URL-ish string to a canonical bare
// hostname: lowercased, with scheme, userinfo, port, path, query, and
// trailing dots stripped. Normalize is idempotent.
func Normalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))

	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}

	// Port stripping. Bracketed IPv6 literals lose their brackets; bare
	// IPv6 literals have no port to strip.
	if strings.HasPrefix(s, "[") {
		if i := strings.Index(s, "]"); i >= 0 {
			s = s[1:i]
		}
	} else if h, _, err := net.SplitHostPort(s); err == nil {
		s = h
	}

	return strings.TrimSuffix(s, ".")
}

// BlockSet is an immutable set of blocked domain patterns. A pattern is
// either a bare domain, which blocks the domain and everything below it,
// or a "*." wildcard, which does the same. Lookup also treats "www."
// prefixed names and their bare counterparts as equivalent.
//
// A BlockSet is never mutated after construction; replace the whole set
// to change it. Match is safe for concurrent use.
type BlockSet struct {
	exact    map[string]struct{}
	wildcard map[string]struct{}
}

// NewBlockSet builds a BlockSet from raw pattern strings. Each entry is
// normalized; empty entries are dropped.
func NewBlockSet(domains []string) *BlockSet {
	bs := &BlockSet{
		exact:    make(map[string]struct{}, len(domains)),
		wildcard: make(map[string]struct{}),
	}
	for _, raw := range domains {
		if strings.HasPrefix(strings.TrimSpace(raw), "*.") {
			base := Normalize(strings.TrimSpace(raw)[2:])
			if base != "" {
				bs.wildcard[base] = struct{}{}
			}
			continue
		}
		d := Normalize(raw)
		if d != "" {
			bs.exact[d] = struct{}{}
		}
	}
	return bs
}

// Match reports whether the normalized domain is blocked, along with a
// human-readable reason. Evaluation order: exact/hierarchical patterns,
// then wildcards, each also tried against the www-equivalent form.
func (bs *BlockSet) Match(domain string) (bool, string) {
	if len(bs.exact) == 0 && len(bs.wildcard) == 0 {
		return false, ""
	}

	for _, candidate := range wwwVariants(domain) {
		if bs.matchSuffix(candidate, bs.exact) {
			return true, "domain blocked"
		}
		if bs.matchSuffix(candidate, bs.wildcard) {
			return true, "domain blocked (wildcard)"
		}
	}
	return false, ""
}

// matchSuffix walks the label chain of host, checking host itself and
// every parent domain against the set. "a.b.example.com" checks
// "a.b.example.com", "b.example.com", "example.com", "com".
func (bs *BlockSet) matchSuffix(host string, set map[string]struct{}) bool {
	for host != "" {
		if _, ok := set[host]; ok {
			return true
		}
		i := strings.Index(host, ".")
		if i < 0 {
			return false
		}
		host = host[i+1:]
	}
	return false
}

// wwwVariants returns the domain plus its single-level www-equivalent
// form, so "www.example.com" and "example.com" block each other.
func wwwVariants(domain string) []string {
	if rest, ok := strings.CutPrefix(domain, "www."); ok {
		return []string{domain, rest}
	}
	return []string{domain, "www." + domain}
}

// Len returns the number of patterns in the set.
func (bs *BlockSet) Len() int {
	return len(bs.exact) + len(bs.wildcard)
}

// Domains returns the patterns in the set, sorted, with wildcards in
// their original "*." form.
func (bs *BlockSet) Domains() []string {
	out := make([]string, 0, bs.Len())
	for d := range bs.exact {
		out = append(out, d)
	}
	for d := range bs.wildcard {
		out = append(out, "*."+d)
	}
	sort.Strings(out)
	return out
}
