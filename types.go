package bcfeed

import (
	"strings"
	"time"
)

// EngineConfig configures the bcfeed release engine.
type EngineConfig struct {
	DataDir          string        // writable directory for the database and credential files
	DBPath           string        // defaults to <DataDir>/bcfeed.db
	MaxResults       int           // release cap per populate run; 0 uses the default
	FetchTimeout     time.Duration // per-call timeout against the mail source
	EmbedTimeout     time.Duration // per-call timeout against release pages
	EmbedMaxInFlight int64         // concurrent embed page fetch bound
	Source           MessageSource // mail source override; nil builds the Gmail client lazily
}

// Release is one catalog release announcement extracted from a notification.
// Identity is the deduplication key: the release URL when present, otherwise
// a composite of page name, artist, title, and date.
type Release struct {
	Identity    string `json:"identity"`
	PageName    string `json:"page_name,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Title       string `json:"title,omitempty"`
	URL         string `json:"url,omitempty"`
	Date        string `json:"date"` // ISO YYYY-MM-DD
	EmbedURL    string `json:"embed_url,omitempty"`
	ReleaseID   int64  `json:"release_id,omitempty"`
	IsTrack     *bool  `json:"is_track,omitempty"`
	Description string `json:"description,omitempty"`
}

// EmbedMeta is externally scraped presentational metadata for a release page.
type EmbedMeta struct {
	ReleaseID   int64     `json:"release_id,omitempty"`
	IsTrack     *bool     `json:"is_track,omitempty"`
	EmbedURL    string    `json:"embed_url,omitempty"`
	Description string    `json:"description,omitempty"`
	FetchedAt   time.Time `json:"fetched_at"`
}

// ScrapeStatus partitions a day range by ingestion completeness.
type ScrapeStatus struct {
	Scraped    []string `json:"scraped"`
	NotScraped []string `json:"not_scraped"`
}

// PopulateResult summarizes a finished populate run.
type PopulateResult struct {
	DaysScraped    int  `json:"days_scraped"`
	DaysSkipped    int  `json:"days_skipped"`
	ReleasesStored int  `json:"releases_stored"`
	CapReached     bool `json:"cap_reached"`
}

// IdentityFor derives the deduplication key for a release. Two ingestions of
// the same underlying message always yield the same identity.
func IdentityFor(url, pageName, artist, title, date string) string {
	if url != "" {
		return url
	}
	return strings.Join([]string{pageName, artist, title, date}, "|")
}
