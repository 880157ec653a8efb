// Package urlutil canonicalizes URLs and enforces the crawl domain
// allow-list. All functions are pure; normalization is idempotent.
package urlutil

import (
	"fmt"
	"net/url"
	"strings"
)

// Query parameters that change page content; any other query string is
// assumed to be tracking noise and dropped during normalization.
var meaningfulParams = []string{"id", "article", "page", "p"}

// Paths ending in these extensions are served by dynamic handlers, so
// their query strings are always preserved.
var dynamicExtensions = []string{".php", ".aspx", ".jsp"}

// Normalize canonicalizes a URL: lowercased scheme and host, default port
// and fragment removed, trailing slash stripped, and the query string kept
// only when it carries a meaningful parameter or the path has a dynamic
// extension. Normalize(Normalize(u)) == Normalize(u) for every valid u.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	host := strings.ToLower(u.Host)
	if scheme == "http" {
		host = strings.TrimSuffix(host, ":80")
	}
	if scheme == "https" {
		host = strings.TrimSuffix(host, ":443")
	}

	path := strings.TrimRight(u.Path, "/")

	normalized := scheme + "://" + host + path
	if query := keptQuery(u, path); query != "" {
		normalized += "?" + query
	}
	return normalized, nil
}

// keptQuery returns the canonical query string when it should survive
// normalization, or "" when the query is dropped.
func keptQuery(u *url.URL, path string) string {
	if u.RawQuery == "" {
		return ""
	}
	values := u.Query()
	keep := false
	for _, param := range meaningfulParams {
		if values.Has(param) {
			keep = true
			break
		}
	}
	if !keep {
		lower := strings.ToLower(path)
		for _, ext := range dynamicExtensions {
			if strings.HasSuffix(lower, ext) {
				keep = true
				break
			}
		}
	}
	if !keep {
		return ""
	}
	// Encode sorts parameters, so repeated normalization is stable.
	return values.Encode()
}

// Validator checks URLs against a configured domain allow-list.
type Validator struct {
	allowed []string
}

// NewValidator builds a Validator for the given domain suffixes.
func NewValidator(allowed []string) *Validator {
	cleaned := make([]string, 0, len(allowed))
	for _, d := range allowed {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			cleaned = append(cleaned, d)
		}
	}
	return &Validator{allowed: cleaned}
}

// Allowed reports whether the URL targets a host inside the allow-list.
// Fragment-only and mailto: targets are rejected before any host check.
func (v *Validator) Allowed(raw string) bool {
	if raw == "" || strings.HasPrefix(raw, "#") || strings.HasPrefix(strings.ToLower(raw), "mailto:") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, d := range v.allowed {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// Domain extracts the lowercased hostname, used as the rate limiter key.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
