// Package discovery scrapes catalogue/media links out of HTML pages for
// providers that expose no JSON API for a given lookup (PS Store discovery
// fallback, ad-hoc media URL harvesting).
package discovery

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Link is one href found on a page, resolved to an absolute URL.
type Link struct {
	URL  string
	Text string
}

// Scraper fetches a page and extracts links matching a selector.
type Scraper struct {
	client *http.Client
}

// New creates a Scraper with a bounded page-fetch timeout.
func New() *Scraper {
	return &Scraper{client: &http.Client{Timeout: 20 * time.Second}}
}

// Links fetches pageURL and returns every <a href> whose resolved URL
// matches one of extensions (e.g. "jpg", "png", "json"); an empty
// extensions list returns every link on the page.
func (s *Scraper) Links(ctx context.Context, pageURL string, extensions ...string) ([]Link, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("User-Agent", "game-ingest/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse %s: %w", pageURL, err)
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse base url: %w", err)
	}

	seen := make(map[string]bool)
	var out []Link
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		resolved := resolve(base, href)
		if resolved == "" || seen[resolved] {
			return
		}
		if len(extensions) > 0 && !hasAnyExt(resolved, extensions) {
			return
		}
		seen[resolved] = true
		out = append(out, Link{URL: resolved, Text: strings.TrimSpace(sel.Text())})
	})
	return out, nil
}

// Images fetches pageURL and returns the absolute URL of every <img src>.
func (s *Scraper) Images(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("User-Agent", "game-ingest/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: fetch %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse %s: %w", pageURL, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("discovery: parse base url: %w", err)
	}

	seen := make(map[string]bool)
	var out []string
	doc.Find("img[src]").Each(func(_ int, sel *goquery.Selection) {
		src, ok := sel.Attr("src")
		if !ok {
			return
		}
		resolved := resolve(base, src)
		if resolved == "" || seen[resolved] {
			return
		}
		seen[resolved] = true
		out = append(out, resolved)
	})
	return out, nil
}

func resolve(base *url.URL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

func hasAnyExt(rawURL string, extensions []string) bool {
	lower := strings.ToLower(rawURL)
	for _, ext := range extensions {
		if strings.Contains(lower, "."+strings.ToLower(ext)) {
			return true
		}
	}
	return false
}
