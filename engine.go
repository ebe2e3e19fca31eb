// Package bcfeed is the release synchronization and local cache engine behind
// the bcfeed dashboard: it ingests release announcements from a mail inbox,
// deduplicates and merges them into a local store, tracks per-day ingestion
// completeness, and caches externally scraped embed metadata.
package bcfeed

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"bcfeed/internal/embed"
	"bcfeed/internal/gmail"
	"bcfeed/internal/storage"
)

// Message is one raw inbox message as delivered by the mail source.
type Message = gmail.Message

// MessageSource yields candidate notification messages for a calendar day.
type MessageSource = gmail.Source

// Engine is the public API over the release store, scrape ledger, annotation
// store, embed cache, and the populate orchestrator.
type Engine struct {
	store  *storage.Store
	embeds *embed.Service
	creds  *gmail.Manager
	cfg    EngineConfig

	// populateMu is the process-wide "one populate at a time" guard. It also
	// protects source, which is built lazily on the first populate.
	populateMu sync.Mutex
	source     MessageSource
}

// NewEngine creates an engine backed by a sqlite database in the data
// directory. Zero-valued config fields take defaults.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.DataDir == "" {
		dir, err := storage.DefaultDataDir()
		if err != nil {
			return nil, err
		}
		cfg.DataDir = dir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "bcfeed.db")
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 2000
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 10 * time.Second
	}
	if cfg.EmbedMaxInFlight <= 0 {
		cfg.EmbedMaxInFlight = 4
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &Engine{
		store:  store,
		embeds: embed.New(store, cfg.EmbedMaxInFlight, cfg.EmbedTimeout),
		creds:  gmail.NewManager(cfg.DataDir),
		cfg:    cfg,
		source: cfg.Source,
	}, nil
}

// Close releases the underlying database.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Releases returns every cached release, with embed-cache fields overlaid
// onto records whose pages have been scraped.
func (e *Engine) Releases() ([]Release, error) {
	stored, err := e.store.GetAllReleases()
	if err != nil {
		return nil, err
	}
	metas, err := e.store.GetAllEmbedMeta()
	if err != nil {
		return nil, err
	}

	releases := make([]Release, 0, len(stored))
	for _, r := range stored {
		rel := releaseFromInternal(r)
		if m, ok := metas[rel.URL]; ok {
			if m.EmbedURL != "" {
				rel.EmbedURL = m.EmbedURL
			}
			if m.ReleaseID != nil {
				rel.ReleaseID = *m.ReleaseID
			}
			if m.IsTrack != nil {
				rel.IsTrack = m.IsTrack
			}
			if m.Description != "" {
				rel.Description = m.Description
			}
		}
		releases = append(releases, rel)
	}
	return releases, nil
}

// SetViewed flags a release identity as viewed or not.
func (e *Engine) SetViewed(identity string, viewed bool) error {
	return e.store.SetViewed(identity, viewed)
}

// SetStarred flags a release identity as starred or not.
func (e *Engine) SetStarred(identity string, starred bool) error {
	return e.store.SetStarred(identity, starred)
}

// Viewed returns all identities marked viewed.
func (e *Engine) Viewed() ([]string, error) {
	return e.store.ViewedIdentities()
}

// Starred returns all identities marked starred.
func (e *Engine) Starred() ([]string, error) {
	return e.store.StarredIdentities()
}

// ScrapeStatus partitions the inclusive day range by ledger state. The
// current day always reports unscraped: its mail may still be arriving.
func (e *Engine) ScrapeStatus(start, end time.Time) (*ScrapeStatus, error) {
	if start.After(end) {
		return nil, fmt.Errorf("start date must be on or before end date")
	}
	days, err := e.store.ScrapedDays(isoDay(start), isoDay(end))
	if err != nil {
		return nil, err
	}
	scraped := make(map[string]bool, len(days))
	for _, d := range days {
		scraped[d] = true
	}

	today := isoDay(time.Now())
	status := &ScrapeStatus{Scraped: []string{}, NotScraped: []string{}}
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		d := isoDay(day)
		if scraped[d] && d != today {
			status.Scraped = append(status.Scraped, d)
		} else {
			status.NotScraped = append(status.NotScraped, d)
		}
	}
	return status, nil
}

// EmbedMetaFor returns embed metadata for a release URL, fetching and caching
// it on a miss. ok is false on a clean miss or upstream failure.
func (e *Engine) EmbedMetaFor(ctx context.Context, url string) (*EmbedMeta, bool) {
	m, ok := e.embeds.GetOrFetch(ctx, url)
	if !ok {
		return nil, false
	}
	meta := &EmbedMeta{
		EmbedURL:    m.EmbedURL,
		Description: m.Description,
		IsTrack:     m.IsTrack,
		FetchedAt:   m.FetchedAt,
	}
	if m.ReleaseID != nil {
		meta.ReleaseID = *m.ReleaseID
	}
	return meta, true
}

// ResetCaches clears the selected stores atomically and returns the names of
// the stores cleared.
func (e *Engine) ResetCaches(clearCache, clearViewed, clearStarred bool) ([]string, error) {
	return e.store.ResetCaches(clearCache, clearViewed, clearStarred)
}

// CredentialsConfigured reports whether the mail source has usable
// credentials; the error describes what is missing.
func (e *Engine) CredentialsConfigured() error {
	return e.creds.Configured()
}

// ClearCredentials delegates to the credential manager.
func (e *Engine) ClearCredentials() ([]string, error) {
	return e.creds.ClearCredentials()
}

// LoadCredentials installs an uploaded client-secret file.
func (e *Engine) LoadCredentials(r io.Reader) ([]string, error) {
	return e.creds.LoadCredentials(r)
}

func isoDay(t time.Time) string {
	return t.Format("2006-01-02")
}

func releaseFromInternal(r storage.Release) Release {
	rel := Release{
		Identity:    r.Identity,
		PageName:    r.PageName,
		Artist:      r.Artist,
		Title:       r.Title,
		URL:         r.URL,
		Date:        r.Date,
		EmbedURL:    r.EmbedURL,
		IsTrack:     r.IsTrack,
		Description: r.Description,
	}
	if r.ReleaseID != nil {
		rel.ReleaseID = *r.ReleaseID
	}
	return rel
}
