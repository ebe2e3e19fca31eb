package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bcfeed"
	"bcfeed/internal/storage"
)

type handlers struct {
	engine *bcfeed.Engine
	cfg    *storage.Config
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// parseDay parses a YYYY-MM-DD query value.
func parseDay(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing date parameter")
	}
	d, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", raw)
	}
	return d, nil
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}

// handleConfig serves the dashboard bootstrap payload.
func (h *handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"max_results":            h.cfg.Sync.MaxResults,
		"credentials_configured": h.engine.CredentialsConfigured() == nil,
	})
}

func (h *handlers) handleReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := h.engine.Releases()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

func (h *handlers) handleViewedGet(w http.ResponseWriter, r *http.Request) {
	viewed, err := h.engine.Viewed()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if viewed == nil {
		viewed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"viewed": viewed})
}

func (h *handlers) handleViewedSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL  string `json:"url"`
		Read bool   `json:"read"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {url, read}"))
		return
	}
	if err := h.engine.SetViewed(body.URL, body.Read); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *handlers) handleStarredGet(w http.ResponseWriter, r *http.Request) {
	starred, err := h.engine.Starred()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if starred == nil {
		starred = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"starred": starred})
}

func (h *handlers) handleStarredSet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL     string `json:"url"`
		Starred bool   `json:"starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.URL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {url, starred}"))
		return
	}
	if err := h.engine.SetStarred(body.URL, body.Starred); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleEmbedMeta answers {} on a clean miss or upstream failure; the
// dashboard retries later. Only a missing url parameter is an error.
func (h *handlers) handleEmbedMeta(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing url parameter"))
		return
	}
	meta, ok := h.engine.EmbedMetaFor(r.Context(), url)
	if !ok {
		writeJSON(w, http.StatusOK, struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (h *handlers) handleScrapeStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := parseDay(q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	end, err := parseDay(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, err := h.engine.ScrapeStatus(start, end)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handlePopulateStream runs a populate and pushes its progress as SSE. The
// dashboard only speaks SSE on this path, so pre-flight failures (bad dates,
// a run already in progress, missing credentials) are delivered as an error
// event inside the stream rather than an HTTP error status.
func (h *handlers) handlePopulateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	q := r.URL.Query()
	start, err := parseDay(q.Get("start"))
	if err != nil {
		sseEvent(w, flusher, "error", err.Error())
		return
	}
	end, err := parseDay(q.Get("end"))
	if err != nil {
		sseEvent(w, flusher, "error", err.Error())
		return
	}
	maxResults := 0
	if raw := q.Get("max_results"); raw != "" {
		maxResults, err = strconv.Atoi(raw)
		if err != nil || maxResults < 0 {
			sseEvent(w, flusher, "error", fmt.Sprintf("invalid max_results %q", raw))
			return
		}
	}

	// The run must outlive the request: a closed browser tab does not abort
	// a populate in progress.
	run, err := h.engine.PopulateRange(context.WithoutCancel(r.Context()), start, end, maxResults)
	if err != nil {
		// ErrAlreadyRunning and missing credentials land here too.
		sseEvent(w, flusher, "error", err.Error())
		return
	}

	clientGone := r.Context().Done()
	disconnected := false
	for line := range run.Progress {
		if disconnected {
			continue // keep draining so the run never blocks
		}
		select {
		case <-clientGone:
			disconnected = true
			continue
		default:
		}
		sseData(w, flusher, line)
	}

	if _, err := run.Wait(); err == nil && !disconnected {
		sseEvent(w, flusher, "done", "done")
	}
}

func sseData(w http.ResponseWriter, flusher http.Flusher, line string) {
	for _, l := range strings.Split(line, "\n") {
		fmt.Fprintf(w, "data: %s\n", l)
	}
	fmt.Fprint(w, "\n")
	flusher.Flush()
}

func sseEvent(w http.ResponseWriter, flusher http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\n", event)
	sseData(w, flusher, data)
}

func (h *handlers) handleResetCaches(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClearCache   bool `json:"clear_cache"`
		ClearViewed  bool `json:"clear_viewed"`
		ClearStarred bool `json:"clear_starred"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("body must be {clear_cache, clear_viewed, clear_starred}"))
		return
	}
	cleared, err := h.engine.ResetCaches(body.ClearCache, body.ClearViewed, body.ClearStarred)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if cleared == nil {
		cleared = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": cleared})
}

func (h *handlers) handleClearCredentials(w http.ResponseWriter, r *http.Request) {
	logs, err := h.engine.ClearCredentials()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "logs": logs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logs": logs})
}

func (h *handlers) handleLoadCredentials(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("expected multipart form with a file field"))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file field"))
		return
	}
	defer file.Close()

	logs, err := h.engine.LoadCredentials(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error(), "logs": logs})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "logs": logs})
}
