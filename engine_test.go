package bcfeed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestAnnotations(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{})

	if err := engine.SetViewed("id-1", true); err != nil {
		t.Fatalf("SetViewed failed: %v", err)
	}
	if err := engine.SetStarred("id-1", true); err != nil {
		t.Fatalf("SetStarred failed: %v", err)
	}
	if err := engine.SetViewed("id-2", true); err != nil {
		t.Fatalf("SetViewed failed: %v", err)
	}

	viewed, err := engine.Viewed()
	if err != nil {
		t.Fatalf("Viewed failed: %v", err)
	}
	sort.Strings(viewed)
	if len(viewed) != 2 || viewed[0] != "id-1" || viewed[1] != "id-2" {
		t.Errorf("viewed: %v", viewed)
	}

	// Unsetting viewed must not disturb the star on the same identity.
	if err := engine.SetViewed("id-1", false); err != nil {
		t.Fatalf("SetViewed(false) failed: %v", err)
	}
	starred, err := engine.Starred()
	if err != nil {
		t.Fatalf("Starred failed: %v", err)
	}
	if len(starred) != 1 || starred[0] != "id-1" {
		t.Errorf("starred after unview: %v", starred)
	}
}

func TestScrapeStatusExcludesToday(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{})

	today := time.Now()
	yesterday := today.AddDate(0, 0, -1)

	src := &fakeSource{days: map[string][]Message{}}
	engine2 := newTestEngine(t, src)
	run, err := engine2.PopulateRange(context.Background(), yesterday, today, 100)
	if err != nil {
		t.Fatalf("PopulateRange failed: %v", err)
	}
	drain(t, run)
	if _, err := run.Wait(); err != nil {
		t.Fatalf("run aborted: %v", err)
	}

	status, err := engine2.ScrapeStatus(yesterday, today)
	if err != nil {
		t.Fatalf("ScrapeStatus failed: %v", err)
	}
	if len(status.Scraped) != 1 || status.Scraped[0] != isoDay(yesterday) {
		t.Errorf("scraped: %v", status.Scraped)
	}
	if len(status.NotScraped) != 1 || status.NotScraped[0] != isoDay(today) {
		t.Errorf("today must always report unscraped: %v", status.NotScraped)
	}

	if _, err := engine.ScrapeStatus(today, yesterday); err == nil {
		t.Error("inverted range accepted")
	}
}

func TestResetCachesClearsAnnotations(t *testing.T) {
	d1 := day("2024-01-01")
	src := &fakeSource{days: map[string][]Message{
		"2024-01-01": {announcement("P", "One", "A", "one", d1)},
	}}
	engine := newTestEngine(t, src)

	run, err := engine.PopulateRange(context.Background(), d1, d1, 100)
	if err != nil {
		t.Fatalf("PopulateRange failed: %v", err)
	}
	drain(t, run)
	if _, err := run.Wait(); err != nil {
		t.Fatalf("run aborted: %v", err)
	}

	releases, _ := engine.Releases()
	if len(releases) != 1 {
		t.Fatalf("expected 1 release, got %d", len(releases))
	}
	engine.SetViewed(releases[0].Identity, true)
	engine.SetStarred(releases[0].Identity, true)

	cleared, err := engine.ResetCaches(false, true, false)
	if err != nil {
		t.Fatalf("ResetCaches failed: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != "viewed" {
		t.Errorf("cleared: %v", cleared)
	}

	viewed, _ := engine.Viewed()
	if len(viewed) != 0 {
		t.Errorf("viewed survived reset: %v", viewed)
	}
	starred, _ := engine.Starred()
	if len(starred) != 1 {
		t.Errorf("starred lost in viewed-only reset: %v", starred)
	}
	releases, _ = engine.Releases()
	if len(releases) != 1 {
		t.Errorf("releases lost in viewed-only reset: %d", len(releases))
	}

	// Full cache reset drops releases and the scrape ledger.
	if _, err := engine.ResetCaches(true, false, false); err != nil {
		t.Fatalf("ResetCaches failed: %v", err)
	}
	releases, _ = engine.Releases()
	if len(releases) != 0 {
		t.Errorf("releases survived cache reset: %d", len(releases))
	}
	status, _ := engine.ScrapeStatus(d1, d1)
	if len(status.Scraped) != 0 {
		t.Errorf("ledger survived cache reset: %v", status.Scraped)
	}
}

func TestEmbedMetaForCachesResult(t *testing.T) {
	const pageHTML = `<html><head>
<meta name="bc-page-properties" content='{"item_type":"track","item_id":42}'>
</head><body><div id="tralbum-about">a short note</div></body></html>`

	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, pageHTML)
	}))
	defer srv.Close()

	engine := newTestEngine(t, &fakeSource{})

	meta, ok := engine.EmbedMetaFor(context.Background(), srv.URL+"/track/x")
	if !ok {
		t.Fatal("expected embed metadata")
	}
	if meta.ReleaseID != 42 {
		t.Errorf("release id: %d", meta.ReleaseID)
	}
	if meta.IsTrack == nil || !*meta.IsTrack {
		t.Error("track not flagged")
	}
	if meta.EmbedURL == "" || meta.Description != "a short note" {
		t.Errorf("meta: %+v", meta)
	}

	if _, ok := engine.EmbedMetaFor(context.Background(), srv.URL+"/track/x"); !ok {
		t.Fatal("cache hit failed")
	}
	if hits != 1 {
		t.Errorf("expected 1 upstream fetch, got %d", hits)
	}
}

func TestCredentialsLifecycle(t *testing.T) {
	engine := newTestEngine(t, &fakeSource{})

	if err := engine.CredentialsConfigured(); err == nil {
		t.Error("fresh data dir reported configured credentials")
	}

	if _, err := engine.LoadCredentials(strings.NewReader("not json")); err == nil {
		t.Error("malformed client secret accepted")
	}

	secret := `{"installed":{"client_id":"id","client_secret":"sekrit"}}`
	logs, err := engine.LoadCredentials(strings.NewReader(secret))
	if err != nil {
		t.Fatalf("LoadCredentials failed: %v", err)
	}
	if len(logs) == 0 {
		t.Error("no actions reported")
	}

	// The client secret alone is not enough: a token is still required.
	if err := engine.CredentialsConfigured(); err == nil {
		t.Error("configured without a saved token")
	}

	if _, err := engine.ClearCredentials(); err != nil {
		t.Fatalf("ClearCredentials failed: %v", err)
	}
	if err := engine.CredentialsConfigured(); err == nil {
		t.Error("cleared credentials still reported configured")
	}
}

func TestIdentityFor(t *testing.T) {
	withURL := IdentityFor("https://p.bandcamp.com/album/x", "P", "A", "X", "2024-01-01")
	if withURL != "https://p.bandcamp.com/album/x" {
		t.Errorf("url identity: %q", withURL)
	}
	noURL := IdentityFor("", "P", "A", "X", "2024-01-01")
	if noURL != "P|A|X|2024-01-01" {
		t.Errorf("composite identity: %q", noURL)
	}
}
