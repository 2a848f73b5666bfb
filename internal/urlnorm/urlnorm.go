// Package urlnorm canonicalizes submitted URLs and derives the cache
// fingerprint. Normalization is idempotent: norm(norm(x)) == norm(x).
package urlnorm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Options control normalization behavior. Both default to on.
type Options struct {
	ForceHTTPS          bool
	StripTrackingParams bool
}

// DefaultOptions matches production behavior.
func DefaultOptions() Options {
	return Options{ForceHTTPS: true, StripTrackingParams: true}
}

// trackingParams are dropped exactly; utm_* is matched by prefix.
var trackingParams = map[string]struct{}{
	"fbclid": {},
	"gclid":  {},
	"mc_eid": {},
	"_ga":    {},
	"ref":    {},
}

func isTrackingParam(key string) bool {
	if strings.HasPrefix(key, "utm_") {
		return true
	}
	_, ok := trackingParams[key]
	return ok
}

// Normalize canonicalizes raw so that any two inputs a user would consider
// "the same page" map to one output.
func Normalize(raw string, opts Options) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty url")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if opts.ForceHTTPS {
		scheme = "https"
	}
	u.Scheme = scheme

	host := strings.ToLower(u.Host)
	host = strings.TrimSuffix(host, ":80")
	host = strings.TrimSuffix(host, ":443")
	u.Host = host

	u.Fragment = ""

	query := u.Query()
	if opts.StripTrackingParams {
		for key := range query {
			if isTrackingParam(key) {
				query.Del(key)
			}
		}
	}
	u.RawQuery = encodeSorted(query)

	path := u.EscapedPath()
	for strings.HasSuffix(path, "/") && path != "/" {
		path = strings.TrimSuffix(path, "/")
	}
	if path == "" {
		path = "/"
	}
	u.Path = path
	u.RawPath = ""

	return u.String(), nil
}

// encodeSorted renders query parameters in lexicographic key order, with
// values of a repeated key also sorted for stability.
func encodeSorted(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, v := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(key))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Fingerprint derives the cache key for a normalized URL and a service set.
// Same URL plus same set yields the same fingerprint across processes.
func Fingerprint(normalizedURL string, services []string) string {
	sorted := append([]string(nil), services...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(normalizedURL + "|" + strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}
