// Package embed resolves player-widget metadata for release pages. Lookups
// are cache-first against the embed_meta store; misses trigger at most one
// external page fetch per URL at a time, with a global in-flight bound.
package embed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"bcfeed/internal/storage"
)

const userAgent = "bcfeed/1.0"

// Service is the embed metadata cache plus its external fetcher.
type Service struct {
	store   *storage.Store
	client  *http.Client
	group   singleflight.Group
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New builds a service fetching at most maxInFlight pages concurrently, each
// bounded by timeout.
func New(store *storage.Store, maxInFlight int64, timeout time.Duration) *Service {
	if maxInFlight <= 0 {
		maxInFlight = 4
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		store:   store,
		client:  &http.Client{},
		sem:     semaphore.NewWeighted(maxInFlight),
		timeout: timeout,
	}
}

// GetOrFetch returns embed metadata for a release URL. A complete cache entry
// is returned without network access. On a miss or partial entry, exactly one
// fetch attempt is made for the URL across all concurrent callers; a failed
// fetch returns ok=false and writes nothing, so a later call retries.
func (s *Service) GetOrFetch(ctx context.Context, pageURL string) (*storage.EmbedMeta, bool) {
	cached, err := s.store.GetEmbedMeta(pageURL)
	if err == nil && complete(cached) {
		return cached, true
	}

	v, err, _ := s.group.Do(pageURL, func() (any, error) {
		// Re-check under the flight: an earlier caller may have filled it.
		if m, err := s.store.GetEmbedMeta(pageURL); err == nil && complete(m) {
			return m, nil
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)

		fetched, err := s.fetchPage(ctx, pageURL)
		if err != nil {
			return nil, err
		}
		if err := s.store.MergeEmbedMeta(fetched); err != nil {
			return nil, err
		}
		return s.store.GetEmbedMeta(pageURL)
	})
	if err != nil {
		return nil, false
	}
	meta, ok := v.(*storage.EmbedMeta)
	if !ok || meta == nil {
		return nil, false
	}
	return meta, true
}

// complete reports whether a cache entry needs no further fetching.
func complete(m *storage.EmbedMeta) bool {
	return m != nil && m.ReleaseID != nil && m.IsTrack != nil && m.EmbedURL != "" && m.Description != ""
}

// pageProperties matches the JSON carried by the bc-page-properties meta tag.
type pageProperties struct {
	ItemID   int64  `json:"item_id"`
	ItemType string `json:"item_type"`
}

func (s *Service) fetchPage(ctx context.Context, pageURL string) (*storage.EmbedMeta, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build page request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch release page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release page returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse release page: %w", err)
	}

	props, err := extractPageProperties(doc)
	if err != nil {
		return nil, err
	}

	isTrack := props.ItemType == "track"
	id := props.ItemID
	return &storage.EmbedMeta{
		URL:         pageURL,
		ReleaseID:   &id,
		IsTrack:     &isTrack,
		EmbedURL:    BuildEmbedURL(props.ItemID, isTrack),
		Description: extractDescription(doc),
	}, nil
}

// extractPageProperties reads the bc-page-properties meta tag. The content is
// JSON, but some pages carry a python-literal variant with single quotes.
func extractPageProperties(doc *goquery.Document) (*pageProperties, error) {
	raw, ok := doc.Find(`meta[name="bc-page-properties"]`).Attr("content")
	if !ok || raw == "" {
		return nil, fmt.Errorf("page has no bc-page-properties meta")
	}
	var props pageProperties
	if err := json.Unmarshal([]byte(raw), &props); err != nil {
		relaxed := strings.ReplaceAll(raw, "'", `"`)
		if err := json.Unmarshal([]byte(relaxed), &props); err != nil {
			return nil, fmt.Errorf("parse bc-page-properties: %w", err)
		}
	}
	if props.ItemID == 0 {
		return nil, fmt.Errorf("bc-page-properties has no item id")
	}
	return &props, nil
}

// BuildEmbedURL constructs the embedded-player URL for an item.
func BuildEmbedURL(itemID int64, isTrack bool) string {
	if itemID == 0 {
		return ""
	}
	kind := "album"
	if isTrack {
		kind = "track"
	}
	return fmt.Sprintf(
		"https://bandcamp.com/EmbeddedPlayer/%s=%d/size=large/bgcol=ffffff/linkcol=0687f5/tracklist=true/artwork=small/transparent=true/",
		kind, itemID,
	)
}

var blankLinesRe = regexp.MustCompile(`\n{3,}`)

// extractDescription pulls the about and credits blocks from a release page,
// falling back to the page's description meta.
func extractDescription(doc *goquery.Document) string {
	var parts []string
	for _, sel := range []string{"#tralbum-about", ".tralbum-about", ".tralbum-credits", "#tralbum-credits"} {
		text := blockText(doc.Find(sel).First())
		if text != "" && !contains(parts, text) {
			parts = append(parts, text)
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n\n")
	}

	if content, ok := doc.Find(`meta[property="og:description"]`).Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content)
	}
	if content, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(content) != "" {
		return strings.TrimSpace(content)
	}
	return ""
}

// blockText flattens an element to trimmed lines with runs of blank lines
// collapsed, preserving paragraph breaks.
func blockText(sel *goquery.Selection) string {
	if sel.Length() == 0 {
		return ""
	}
	text := strings.ReplaceAll(sel.Text(), "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.Trim(text, "\n")
}

func contains(items []string, s string) bool {
	for _, item := range items {
		if item == s {
			return true
		}
	}
	return false
}
