package storage

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Release is the stored form of one release record. Empty strings and nil
// pointers mean "not known yet"; the upsert merge never lets them clobber a
// value a previous ingestion already supplied.
type Release struct {
	Identity    string
	PageName    string
	Artist      string
	Title       string
	URL         string
	Date        string
	EmbedURL    string
	ReleaseID   *int64
	IsTrack     *bool
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EmbedMeta is one cached embed lookup keyed by release URL. Populated fields
// are immutable: merges only ever fill gaps.
type EmbedMeta struct {
	URL         string
	ReleaseID   *int64
	IsTrack     *bool
	EmbedURL    string
	Description string
	FetchedAt   time.Time
}

// NewStore opens the database and initializes the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_time_format=sqlite")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize writers; the populate run and interactive handlers share one DB.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Release store

// UpsertRelease inserts or merges a release record and returns its identity.
// Field-level merge: a non-empty incoming value overwrites, an empty one
// never clears what an earlier ingestion stored.
func (s *Store) UpsertRelease(r *Release) (string, error) {
	if r.Identity == "" {
		return "", fmt.Errorf("release has no identity")
	}
	_, err := s.db.Exec(
		`INSERT INTO releases (identity, page_name, artist, title, url, date, embed_url, release_id, is_track, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   page_name = CASE WHEN excluded.page_name != '' THEN excluded.page_name ELSE page_name END,
		   artist = CASE WHEN excluded.artist != '' THEN excluded.artist ELSE artist END,
		   title = CASE WHEN excluded.title != '' THEN excluded.title ELSE title END,
		   url = CASE WHEN excluded.url != '' THEN excluded.url ELSE url END,
		   date = CASE WHEN excluded.date != '' THEN excluded.date ELSE date END,
		   embed_url = CASE WHEN excluded.embed_url != '' THEN excluded.embed_url ELSE embed_url END,
		   release_id = COALESCE(excluded.release_id, release_id),
		   is_track = COALESCE(excluded.is_track, is_track),
		   description = CASE WHEN excluded.description != '' THEN excluded.description ELSE description END,
		   updated_at = CURRENT_TIMESTAMP`,
		r.Identity, r.PageName, r.Artist, r.Title, r.URL, r.Date,
		r.EmbedURL, r.ReleaseID, r.IsTrack, r.Description,
	)
	if err != nil {
		return "", fmt.Errorf("failed to upsert release: %w", err)
	}
	return r.Identity, nil
}

// GetAllReleases returns every stored release ordered by date then identity.
func (s *Store) GetAllReleases() ([]Release, error) {
	rows, err := s.db.Query(
		`SELECT identity, page_name, artist, title, url, date, embed_url, release_id, is_track, description, created_at, updated_at
		 FROM releases ORDER BY date, identity`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get releases: %w", err)
	}
	defer rows.Close()

	var releases []Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, err
		}
		releases = append(releases, *r)
	}
	return releases, rows.Err()
}

// GetRelease returns a single release by identity, or nil if absent.
func (s *Store) GetRelease(identity string) (*Release, error) {
	row := s.db.QueryRow(
		`SELECT identity, page_name, artist, title, url, date, embed_url, release_id, is_track, description, created_at, updated_at
		 FROM releases WHERE identity = ?`, identity,
	)
	r, err := scanRelease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelease(row rowScanner) (*Release, error) {
	var r Release
	var releaseID sql.NullInt64
	var isTrack sql.NullBool
	if err := row.Scan(&r.Identity, &r.PageName, &r.Artist, &r.Title, &r.URL, &r.Date,
		&r.EmbedURL, &releaseID, &isTrack, &r.Description, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan release: %w", err)
	}
	if releaseID.Valid {
		v := releaseID.Int64
		r.ReleaseID = &v
	}
	if isTrack.Valid {
		v := isTrack.Bool
		r.IsTrack = &v
	}
	return &r, nil
}

// Scrape ledger

// IsScraped reports whether the day (ISO date) completed a full ingestion pass.
func (s *Store) IsScraped(day string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM scrape_days WHERE day = ?", day).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check scrape status: %w", err)
	}
	return true, nil
}

// MarkScraped records a day as fully ingested. Idempotent.
func (s *Store) MarkScraped(day string) error {
	_, err := s.db.Exec(
		"INSERT INTO scrape_days (day) VALUES (?) ON CONFLICT(day) DO NOTHING", day,
	)
	if err != nil {
		return fmt.Errorf("failed to mark day scraped: %w", err)
	}
	return nil
}

// ScrapedDays returns the scraped days within the inclusive ISO-date range.
func (s *Store) ScrapedDays(start, end string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT day FROM scrape_days WHERE day >= ? AND day <= ? ORDER BY day", start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get scraped days: %w", err)
	}
	defer rows.Close()

	var days []string
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("failed to scan day: %w", err)
		}
		days = append(days, day)
	}
	return days, rows.Err()
}

// Annotation store

// SetViewed sets the viewed flag for an identity. The row is created on first
// write; the write is committed before the call returns.
func (s *Store) SetViewed(identity string, viewed bool) error {
	_, err := s.db.Exec(
		`INSERT INTO release_state (identity, viewed)
		 VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   viewed = excluded.viewed,
		   updated_at = CURRENT_TIMESTAMP`,
		identity, viewed,
	)
	if err != nil {
		return fmt.Errorf("failed to set viewed: %w", err)
	}
	return nil
}

// SetStarred sets the starred flag for an identity, independently of viewed.
func (s *Store) SetStarred(identity string, starred bool) error {
	_, err := s.db.Exec(
		`INSERT INTO release_state (identity, starred)
		 VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET
		   starred = excluded.starred,
		   updated_at = CURRENT_TIMESTAMP`,
		identity, starred,
	)
	if err != nil {
		return fmt.Errorf("failed to set starred: %w", err)
	}
	return nil
}

// ViewedIdentities returns all identities marked viewed, sorted.
func (s *Store) ViewedIdentities() ([]string, error) {
	return s.stateIdentities("viewed")
}

// StarredIdentities returns all identities marked starred, sorted.
func (s *Store) StarredIdentities() ([]string, error) {
	return s.stateIdentities("starred")
}

func (s *Store) stateIdentities(column string) ([]string, error) {
	// column is one of two fixed names; never caller input.
	rows, err := s.db.Query(
		"SELECT identity FROM release_state WHERE " + column + " = 1 ORDER BY identity",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s identities: %w", column, err)
	}
	defer rows.Close()

	var identities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan identity: %w", err)
		}
		identities = append(identities, id)
	}
	return identities, rows.Err()
}

// Embed cache

// GetEmbedMeta returns the cached embed metadata for a URL, or nil on miss.
func (s *Store) GetEmbedMeta(url string) (*EmbedMeta, error) {
	var m EmbedMeta
	var releaseID sql.NullInt64
	var isTrack sql.NullBool
	err := s.db.QueryRow(
		"SELECT url, release_id, is_track, embed_url, description, fetched_at FROM embed_meta WHERE url = ?",
		url,
	).Scan(&m.URL, &releaseID, &isTrack, &m.EmbedURL, &m.Description, &m.FetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embed meta: %w", err)
	}
	if releaseID.Valid {
		v := releaseID.Int64
		m.ReleaseID = &v
	}
	if isTrack.Valid {
		v := isTrack.Bool
		m.IsTrack = &v
	}
	return &m, nil
}

// GetAllEmbedMeta returns the whole embed cache keyed by release URL.
func (s *Store) GetAllEmbedMeta() (map[string]EmbedMeta, error) {
	rows, err := s.db.Query(
		"SELECT url, release_id, is_track, embed_url, description, fetched_at FROM embed_meta",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get embed cache: %w", err)
	}
	defer rows.Close()

	metas := make(map[string]EmbedMeta)
	for rows.Next() {
		var m EmbedMeta
		var releaseID sql.NullInt64
		var isTrack sql.NullBool
		if err := rows.Scan(&m.URL, &releaseID, &isTrack, &m.EmbedURL, &m.Description, &m.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan embed meta: %w", err)
		}
		if releaseID.Valid {
			v := releaseID.Int64
			m.ReleaseID = &v
		}
		if isTrack.Valid {
			v := isTrack.Bool
			m.IsTrack = &v
		}
		metas[m.URL] = m
	}
	return metas, rows.Err()
}

// MergeEmbedMeta stores freshly fetched embed metadata. Already-populated
// fields win over the incoming values: a cache entry never loses data to a
// later, thinner fetch.
func (s *Store) MergeEmbedMeta(m *EmbedMeta) error {
	if m.URL == "" {
		return fmt.Errorf("embed meta has no url")
	}
	_, err := s.db.Exec(
		`INSERT INTO embed_meta (url, release_id, is_track, embed_url, description)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   release_id = COALESCE(release_id, excluded.release_id),
		   is_track = COALESCE(is_track, excluded.is_track),
		   embed_url = CASE WHEN embed_url != '' THEN embed_url ELSE excluded.embed_url END,
		   description = CASE WHEN description != '' THEN description ELSE excluded.description END,
		   fetched_at = CURRENT_TIMESTAMP`,
		m.URL, m.ReleaseID, m.IsTrack, m.EmbedURL, m.Description,
	)
	if err != nil {
		return fmt.Errorf("failed to merge embed meta: %w", err)
	}
	return nil
}

// Reset

// ResetCaches clears the selected stores in a single transaction and returns
// the names of the stores cleared. clearCache covers the release store, the
// scrape ledger, and the embed cache together, matching the dashboard's
// "clear cache" switch.
func (s *Store) ResetCaches(clearCache, clearViewed, clearStarred bool) ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	var cleared []string
	if clearCache {
		for _, stmt := range []struct{ name, sql string }{
			{"releases", "DELETE FROM releases"},
			{"scrape_days", "DELETE FROM scrape_days"},
			{"embed_meta", "DELETE FROM embed_meta"},
		} {
			if _, err := tx.Exec(stmt.sql); err != nil {
				return nil, fmt.Errorf("failed to clear %s: %w", stmt.name, err)
			}
			cleared = append(cleared, stmt.name)
		}
	}
	if clearViewed {
		if _, err := tx.Exec("UPDATE release_state SET viewed = 0"); err != nil {
			return nil, fmt.Errorf("failed to clear viewed: %w", err)
		}
		cleared = append(cleared, "viewed")
	}
	if clearStarred {
		if _, err := tx.Exec("UPDATE release_state SET starred = 0"); err != nil {
			return nil, fmt.Errorf("failed to clear starred: %w", err)
		}
		cleared = append(cleared, "starred")
	}
	if clearViewed || clearStarred {
		// Drop rows that carry no state anymore.
		if _, err := tx.Exec("DELETE FROM release_state WHERE viewed = 0 AND starred = 0"); err != nil {
			return nil, fmt.Errorf("failed to prune release state: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reset: %w", err)
	}
	return cleared, nil
}
