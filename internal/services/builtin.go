package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/siteprobe/siteprobe/internal/plan"
)

// RegisterBuiltins wires the six catalogue services with their builtin
// implementations. Each performs a bounded fetch of the target page through
// the shared client and derives a small heuristic result. Deployments that
// integrate real analysis backends replace these by re-registering.
func RegisterBuiltins(reg *Registry, client *http.Client) {
	reg.Register(plan.ServiceAccessibility, RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return runAccessibility(ctx, client, u, cfg.Accessibility)
	}))
	reg.Register(plan.ServiceDuplicateContent, RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return runDuplicateContent(ctx, client, u, cfg.DuplicateContent)
	}))
	reg.Register(plan.ServiceBacklinks, RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return runBacklinks(ctx, client, u, cfg.Backlinks)
	}))
	reg.Register(plan.ServiceSchema, RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return runSchema(ctx, client, u, cfg.Schema)
	}))
	reg.Register(plan.ServiceMultiLanguage, RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return runMultiLanguage(ctx, client, u, cfg.MultiLanguage)
	}))
	reg.Register(plan.ServiceRankTracker, RunnerFunc(func(ctx context.Context, u string, cfg ServiceConfig) (json.RawMessage, error) {
		return runRankTracker(ctx, client, u, cfg.RankTracker)
	}))
}

var (
	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	imgRe      = regexp.MustCompile(`(?is)<img\b[^>]*>`)
	altRe      = regexp.MustCompile(`(?is)\balt\s*=`)
	langRe     = regexp.MustCompile(`(?is)<html\b[^>]*\blang\s*=\s*["']?([a-zA-Z-]+)`)
	metaDescRe = regexp.MustCompile(`(?is)<meta\b[^>]*name\s*=\s*["']description["'][^>]*>`)
	canonRe    = regexp.MustCompile(`(?is)<link\b[^>]*rel\s*=\s*["']canonical["'][^>]*>`)
	anchorRe   = regexp.MustCompile(`(?is)<a\b[^>]*href\s*=\s*["']([^"']+)["']`)
	ldJSONRe   = regexp.MustCompile(`(?is)<script\b[^>]*type\s*=\s*["']application/ld\+json["'][^>]*>`)
	hreflangRe = regexp.MustCompile(`(?is)<link\b[^>]*hreflang\s*=\s*["']([a-zA-Z-]+)["'][^>]*>`)
	tagRe      = regexp.MustCompile(`(?s)<[^>]*>`)
)

func pageTitle(body []byte) string {
	if m := titleRe.FindSubmatch(body); m != nil {
		return strings.TrimSpace(string(m[1]))
	}
	return ""
}

func runAccessibility(ctx context.Context, client *http.Client, pageURL string, cfg *AccessibilityConfig) (json.RawMessage, error) {
	body, err := fetchPage(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}

	imgs := imgRe.FindAll(body, -1)
	missingAlt := 0
	for _, img := range imgs {
		if !altRe.Match(img) {
			missingAlt++
		}
	}
	lang := ""
	if m := langRe.FindSubmatch(body); m != nil {
		lang = string(m[1])
	}

	issues := missingAlt
	if lang == "" {
		issues++
	}
	if pageTitle(body) == "" {
		issues++
	}

	return json.Marshal(map[string]any{
		"title":            pageTitle(body),
		"images":           len(imgs),
		"imagesMissingAlt": missingAlt,
		"documentLang":     lang,
		"issueCount":       issues,
	})
}

func runDuplicateContent(ctx context.Context, client *http.Client, pageURL string, cfg *DuplicateContentConfig) (json.RawMessage, error) {
	body, err := fetchPage(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}

	text := strings.Join(strings.Fields(tagRe.ReplaceAllString(string(body), " ")), " ")
	sum := sha256.Sum256([]byte(text))

	return json.Marshal(map[string]any{
		"contentHash":        hex.EncodeToString(sum[:]),
		"contentLength":      len(text),
		"hasCanonical":       canonRe.Match(body),
		"hasMetaDescription": metaDescRe.Match(body),
	})
}

func runBacklinks(ctx context.Context, client *http.Client, pageURL string, cfg *BacklinksConfig) (json.RawMessage, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil, &InvalidInputError{Reason: err.Error()}
	}

	body, err := fetchPage(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}

	maxLinks := 100
	if cfg != nil && cfg.MaxLinks > 0 {
		maxLinks = cfg.MaxLinks
	}

	var internal, external int
	var sample []string
	for _, m := range anchorRe.FindAllSubmatch(body, -1) {
		href := string(m[1])
		link, err := url.Parse(href)
		if err != nil {
			continue
		}
		if link.Host == "" || link.Host == parsed.Host {
			internal++
			continue
		}
		external++
		if len(sample) < maxLinks {
			sample = append(sample, link.String())
		}
	}

	return json.Marshal(map[string]any{
		"internalLinks": internal,
		"externalLinks": external,
		"sample":        sample,
	})
}

func runSchema(ctx context.Context, client *http.Client, pageURL string, cfg *SchemaConfig) (json.RawMessage, error) {
	body, err := fetchPage(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}

	blocks := len(ldJSONRe.FindAll(body, -1))
	hasOrganization := strings.Contains(string(body), `"@type": "Organization"`) ||
		strings.Contains(string(body), `"@type":"Organization"`)

	valid := blocks > 0
	if cfg != nil && cfg.RequireOrganization {
		valid = valid && hasOrganization
	}

	return json.Marshal(map[string]any{
		"jsonLdBlocks":    blocks,
		"hasOrganization": hasOrganization,
		"valid":           valid,
	})
}

func runMultiLanguage(ctx context.Context, client *http.Client, pageURL string, cfg *MultiLanguageConfig) (json.RawMessage, error) {
	body, err := fetchPage(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}

	var locales []string
	seen := map[string]struct{}{}
	for _, m := range hreflangRe.FindAllSubmatch(body, -1) {
		locale := strings.ToLower(string(m[1]))
		if _, ok := seen[locale]; !ok {
			seen[locale] = struct{}{}
			locales = append(locales, locale)
		}
	}

	var missing []string
	if cfg != nil {
		for _, want := range cfg.ExpectedLocales {
			if _, ok := seen[strings.ToLower(want)]; !ok {
				missing = append(missing, want)
			}
		}
	}

	lang := ""
	if m := langRe.FindSubmatch(body); m != nil {
		lang = string(m[1])
	}

	return json.Marshal(map[string]any{
		"documentLang":   lang,
		"hreflangCount":  len(locales),
		"locales":        locales,
		"missingLocales": missing,
	})
}

func runRankTracker(ctx context.Context, client *http.Client, pageURL string, cfg *RankTrackerConfig) (json.RawMessage, error) {
	body, err := fetchPage(ctx, client, pageURL)
	if err != nil {
		return nil, err
	}

	text := strings.ToLower(tagRe.ReplaceAllString(string(body), " "))
	title := strings.ToLower(pageTitle(body))

	type keywordHit struct {
		Keyword     string `json:"keyword"`
		InTitle     bool   `json:"inTitle"`
		BodyMatches int    `json:"bodyMatches"`
	}

	var keywords []string
	if cfg != nil {
		keywords = cfg.Keywords
	}
	hits := make([]keywordHit, 0, len(keywords))
	for _, kw := range keywords {
		lower := strings.ToLower(strings.TrimSpace(kw))
		if lower == "" {
			continue
		}
		hits = append(hits, keywordHit{
			Keyword:     kw,
			InTitle:     strings.Contains(title, lower),
			BodyMatches: strings.Count(text, lower),
		})
	}

	return json.Marshal(map[string]any{
		"title":    pageTitle(body),
		"keywords": hits,
	})
}
