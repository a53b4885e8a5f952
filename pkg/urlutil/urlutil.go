package urlutil

import "net/url"

// Normalize resolves link against base, strips any fragment, and rejects
// anything that is not http(s). Scheme and host are lowercased and the
// default port for the scheme is elided from the authority.
//
// Normalize is pure, deterministic, and idempotent:
// Normalize(base, Normalize(base, link)) == Normalize(base, link).
//
// Returns false if link is empty, base cannot be parsed, link cannot be
// resolved against base, or the resolved scheme is not http/https.
func Normalize(base, link string) (string, bool) {
	if link == "" {
		return "", false
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}

	linkURL, err := url.Parse(link)
	if err != nil {
		return "", false
	}

	resolved := baseURL.ResolveReference(linkURL)

	resolved.Fragment = ""
	resolved.RawFragment = ""

	scheme := lowerASCII(resolved.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	resolved.Scheme = scheme

	host := lowerASCII(resolved.Host)
	resolved.Host = host
	if hostname, port := resolved.Hostname(), resolved.Port(); port != "" {
		if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
			resolved.Host = hostname
		}
	}

	return resolved.String(), true
}

// Canonicalize applies a deterministic normalization to a URL, producing a canonical form.
// It maps equivalent URL spellings to a single canonical representation.
//
// The normalization follows these rules:
//   - Scheme and host are lowercased
//   - Path is cleaned (trailing slashes removed, except for root "/")
//   - Fragments are removed
//   - Query parameters are removed
//   - Default ports are omitted (e.g., :80 for http, :443 for https)
//
// Properties:
//   - Pure: no state, no memory
//   - Deterministic: same input always produces same output
//   - Idempotent: Canonicalize(Canonicalize(url)) == Canonicalize(url)
//   - Context-free: does not depend on crawl history
func Canonicalize(sourceUrl url.URL) url.URL {
	// Create a copy to avoid mutating the original
	canonical := sourceUrl

	// Lowercase scheme and host
	canonical.Scheme = lowerASCII(canonical.Scheme)
	canonical.Host = lowerASCII(canonical.Host)

	// Remove default port if present
	if host, port := canonical.Hostname(), canonical.Port(); port != "" {
		if (canonical.Scheme == "http" && port == "80") ||
			(canonical.Scheme == "https" && port == "443") {
			canonical.Host = host
		}
	}

	// Clean the path: remove trailing slashes (except root)
	if len(canonical.Path) > 1 {
		canonical.Path = stripTrailingSlash(canonical.Path)
	}

	// Remove fragment (anchor)
	canonical.Fragment = ""
	canonical.RawFragment = ""

	// Remove query parameters
	canonical.RawQuery = ""
	canonical.ForceQuery = false

	return canonical
}

// lowerASCII converts ASCII characters to lowercase without allocating.
// This is faster than strings.ToLower for ASCII-only strings.
func lowerASCII(s string) string {
	var needsLower bool
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			needsLower = true
			break
		}
	}
	if !needsLower {
		return s
	}
	b := make([]byte, len(s))
	copy(b, s)
	for i := 0; i < len(b); i++ {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

// stripTrailingSlash removes trailing slashes from a path.
func stripTrailingSlash(path string) string {
	for len(path) > 1 && path[len(path)-1] == '/' {
		path = path[:len(path)-1]
	}
	return path
}
