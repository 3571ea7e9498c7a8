package http

import (
	"net/http"
	"time"

	"modelgate/internal/core/cache"
)

// setupCoreRoutes registers read-only observability endpoints over the
// core-services composition root (spec components A-K), mirroring the
// plain, unauthenticated style of /dispatcher/stats and /health.
func (s *Server) setupCoreRoutes() {
	if s.core == nil {
		return
	}
	s.mux.HandleFunc("GET /v1/core/cache/stats", s.handleCoreCacheStats)
	s.mux.HandleFunc("GET /v1/core/webhook/stats", s.handleCoreWebhookStats)
	s.mux.HandleFunc("GET /v1/core/tracing/stats", s.handleCoreTracingStats)
	s.mux.HandleFunc("GET /v1/core/errors/provider", s.handleCoreProviderErrors)
}

// handleCoreCacheStats reports per-region hit/miss counters for the
// Regioned Cache Manager (spec §4.B). Defaults to the model metadata
// region, the busiest one in normal operation, when ?region= is absent.
func (s *Server) handleCoreCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.core.Cache == nil {
		s.writeError(w, http.StatusNotFound, "not_configured", "cache manager not configured")
		return
	}
	region := cache.Region(r.URL.Query().Get("region"))
	if region == "" {
		region = cache.RegionModelMetadata
	}
	s.writeJSON(w, http.StatusOK, s.core.Cache.Stats(region))
}

// handleCoreWebhookStats reports the Webhook Delivery Pipeline's
// cumulative batch/item counters (spec §4.J).
func (s *Server) handleCoreWebhookStats(w http.ResponseWriter, r *http.Request) {
	if s.core.WebhookPublish == nil {
		s.writeError(w, http.StatusNotFound, "not_configured", "webhook publisher not configured")
		return
	}
	batches, items := s.core.WebhookPublish.Stats()
	s.writeJSON(w, http.StatusOK, map[string]int{
		"total_batches": batches,
		"total_items":   items,
	})
}

// handleCoreTracingStats reports percentile/breakdown statistics (spec
// §4.K) over the trailing hour by default.
func (s *Server) handleCoreTracingStats(w http.ResponseWriter, r *http.Request) {
	if s.core.Tracing == nil {
		s.writeError(w, http.StatusNotFound, "not_configured", "tracing store not configured")
		return
	}
	to := time.Now()
	from := to.Add(-1 * time.Hour)
	s.writeJSON(w, http.StatusOK, s.core.Tracing.GetStatistics(from, to))
}

// handleCoreProviderErrors reports the Provider Error Tracker's rolling
// summary for a single provider (spec §4.G), given ?provider=<id>.
func (s *Server) handleCoreProviderErrors(w http.ResponseWriter, r *http.Request) {
	if s.core.Errors == nil {
		s.writeError(w, http.StatusNotFound, "not_configured", "error tracker not configured")
		return
	}
	providerID := r.URL.Query().Get("provider")
	if providerID == "" {
		s.writeError(w, http.StatusBadRequest, "missing_parameter", "provider query parameter is required")
		return
	}
	s.writeJSON(w, http.StatusOK, s.core.Errors.ProviderSummary(providerID))
}
