package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bcfeed/internal/storage"
)

const releasePageHTML = `<html><head>
<meta name="bc-page-properties" content='{"item_type":"album","item_id":314159}'>
<meta property="og:description" content="fallback description">
</head><body>
<div id="tralbum-about">
  Recorded at home.

  Mastered elsewhere.
</div>
<div class="tralbum-credits">released January 1, 2024</div>
</body></html>`

func newTestService(t *testing.T, handler http.Handler) (*Service, *httptest.Server, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(store, 4, 5*time.Second), srv, store
}

func TestGetOrFetchPopulatesCache(t *testing.T) {
	var fetches atomic.Int64
	svc, srv, store := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, releasePageHTML)
	}))

	meta, ok := svc.GetOrFetch(context.Background(), srv.URL+"/album/x")
	if !ok {
		t.Fatal("expected embed metadata")
	}
	if meta.ReleaseID == nil || *meta.ReleaseID != 314159 {
		t.Errorf("release id: %+v", meta.ReleaseID)
	}
	if meta.IsTrack == nil || *meta.IsTrack {
		t.Error("album flagged as track")
	}
	if meta.EmbedURL != BuildEmbedURL(314159, false) {
		t.Errorf("embed url: %q", meta.EmbedURL)
	}
	if meta.Description == "" || meta.Description == "fallback description" {
		t.Errorf("description should come from about/credits blocks: %q", meta.Description)
	}

	// Second lookup is a pure cache hit.
	if _, ok := svc.GetOrFetch(context.Background(), srv.URL+"/album/x"); !ok {
		t.Fatal("cache hit failed")
	}
	if n := fetches.Load(); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}

	if cached, _ := store.GetEmbedMeta(srv.URL + "/album/x"); cached == nil {
		t.Error("fetch result not persisted")
	}
}

func TestGetOrFetchSingleFlight(t *testing.T) {
	var fetches atomic.Int64
	release := make(chan struct{})
	svc, srv, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches.Add(1)
		<-release
		fmt.Fprint(w, releasePageHTML)
	}))

	url := srv.URL + "/album/slow"
	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.GetOrFetch(context.Background(), url)
		}(i)
	}

	// Give all callers time to pile onto the in-flight fetch.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := fetches.Load(); n != 1 {
		t.Errorf("expected a single upstream fetch, got %d", n)
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d missed", i)
		}
	}
}

func TestGetOrFetchFailureWritesNothing(t *testing.T) {
	svc, srv, store := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	url := srv.URL + "/album/broken"
	if _, ok := svc.GetOrFetch(context.Background(), url); ok {
		t.Fatal("expected a miss on upstream failure")
	}
	if meta, _ := store.GetEmbedMeta(url); meta != nil {
		t.Errorf("failed fetch wrote a cache entry: %+v", meta)
	}
}

func TestGetOrFetchNoProperties(t *testing.T) {
	svc, srv, store := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html><head></head><body>not a release page</body></html>")
	}))

	url := srv.URL + "/album/none"
	if _, ok := svc.GetOrFetch(context.Background(), url); ok {
		t.Fatal("expected a miss when the page carries no properties")
	}
	if meta, _ := store.GetEmbedMeta(url); meta != nil {
		t.Error("miss wrote a cache entry")
	}
}

func TestBuildEmbedURL(t *testing.T) {
	if got := BuildEmbedURL(0, false); got != "" {
		t.Errorf("zero id should yield empty url, got %q", got)
	}
	got := BuildEmbedURL(7, true)
	if got != "https://bandcamp.com/EmbeddedPlayer/track=7/size=large/bgcol=ffffff/linkcol=0687f5/tracklist=true/artwork=small/transparent=true/" {
		t.Errorf("unexpected embed url: %q", got)
	}
}
