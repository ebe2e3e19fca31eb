package main

import (
	"net/http"

	"bcfeed"
	"bcfeed/internal/storage"
)

// newRouter sets up all routes using Go 1.22+ enhanced routing.
func newRouter(engine *bcfeed.Engine, cfg *storage.Config) http.Handler {
	mux := http.NewServeMux()

	h := &handlers{engine: engine, cfg: cfg}

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /config.json", h.handleConfig)

	mux.HandleFunc("GET /releases", h.handleReleases)
	mux.HandleFunc("GET /viewed-state", h.handleViewedGet)
	mux.HandleFunc("POST /viewed-state", h.handleViewedSet)
	mux.HandleFunc("GET /starred-state", h.handleStarredGet)
	mux.HandleFunc("POST /starred-state", h.handleStarredSet)
	mux.HandleFunc("GET /embed-meta", h.handleEmbedMeta)
	mux.HandleFunc("GET /scrape-status", h.handleScrapeStatus)
	mux.HandleFunc("GET /populate-range-stream", h.handlePopulateStream)
	mux.HandleFunc("POST /reset-caches", h.handleResetCaches)

	mux.HandleFunc("POST /clear-credentials", h.handleClearCredentials)
	mux.HandleFunc("POST /load-credentials", h.handleLoadCredentials)

	return mux
}
