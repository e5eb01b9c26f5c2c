package manifest

import (
	"net/url"
	"strings"
)

// normalizeSlashes converts backslashes to forward slashes, the first
// step of the path allowlist matcher (§4.B).
func normalizeSlashes(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}

// MatchesNetworkAllowlist implements the URL allowlist matcher: exact
// hostname match, or a `*.example.com` pattern matching example.com
// and any subdomain. An invalid URL or an empty allowlist always
// denies.
func MatchesNetworkAllowlist(allowlist []string, rawURL string) bool {
	if len(allowlist) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	for _, pattern := range allowlist {
		if matchesHostPattern(pattern, host) {
			return true
		}
	}
	return false
}

func matchesHostPattern(pattern, host string) bool {
	if pattern == host {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		base := pattern[2:]
		if host == base {
			return true
		}
		return strings.HasSuffix(host, "."+base)
	}
	return false
}

// MatchesPathAllowlist implements the filesystem path allowlist
// matcher (§4.B). The `__PLUGIN_DATA__` sentinel is skipped, so an
// allowlist that declares only that sentinel matches no path. No code in
// this repository expands the sentinel to a concrete directory.
func MatchesPathAllowlist(allowlist []string, path string) bool {
	normalizedPath := normalizeSlashes(path)
	for _, rawPattern := range allowlist {
		pattern := normalizeSlashes(rawPattern)
		if pattern == "__PLUGIN_DATA__" {
			continue
		}
		if matchesPathPattern(pattern, normalizedPath) {
			return true
		}
	}
	return false
}

func matchesPathPattern(pattern, path string) bool {
	switch {
	case strings.HasSuffix(pattern, "/"):
		dir := strings.TrimSuffix(pattern, "/")
		return path == dir || strings.HasPrefix(path, pattern)
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	default:
		return path == pattern || strings.HasPrefix(path, pattern+"/")
	}
}

// HasSecret implements the secret-key membership check: case-sensitive
// exact match against the declared list.
func HasSecret(declared []string, key string) bool {
	for _, k := range declared {
		if k == key {
			return true
		}
	}
	return false
}

// AllowsAI implements the single-boolean AI permission check.
func AllowsAI(p Permissions) bool {
	return p.AI
}
