// Package api exposes the HTTP interface for the evidence service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/veriweb/veriweb/internal/config"
	"github.com/veriweb/veriweb/internal/evidence"
	"github.com/veriweb/veriweb/internal/fetch"
	"github.com/veriweb/veriweb/internal/llm"
	"github.com/veriweb/veriweb/internal/metrics"
	"github.com/veriweb/veriweb/internal/search"
)

// PageFetcher resolves a URL to content; satisfied by fetch.Fetcher.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (fetch.Result, error)
}

// LinkService persists claim-evidence links; satisfied by
// evidence.Linker.
type LinkService interface {
	InsertLink(ctx context.Context, in evidence.LinkInput) (int64, error)
	InsertLinksBulk(ctx context.Context, inputs []evidence.LinkInput) ([]int64, error)
	UpdateLink(ctx context.Context, id int64, in evidence.LinkInput) error
	DeleteLink(ctx context.Context, id int64) error
	LinkClaims(ctx context.Context, link evidence.ClaimLink) (int64, error)
	UnlinkClaims(ctx context.Context, id int64) error
}

// ContentRecorder tracks fetched content rows; satisfied by
// postgres.ContentStore. Content is never deleted, only re-upserted on
// refetch.
type ContentRecorder interface {
	UpsertContent(ctx context.Context, url string, source evidence.SourceType, fetchedAt time.Time) (int64, error)
}

// ScoreReader serves cached or recomputed aggregates; satisfied by
// score.Aggregator.
type ScoreReader interface {
	ClaimScore(ctx context.Context, claimID int64) (evidence.ClaimScore, bool, error)
	ContentScore(ctx context.Context, contentID int64) (evidence.ContentScore, bool, error)
}

// QuerySuggester produces search plans for claims; satisfied by
// llm.Client.
type QuerySuggester interface {
	SuggestQueries(ctx context.Context, text string, claims []string) ([]llm.QuerySuggestion, error)
}

// SearchMapper maps claims to labeled sources; satisfied by
// search.Mapper.
type SearchMapper interface {
	Map(ctx context.Context, items []search.MapItem) ([]search.MapResult, error)
}

// Readiness reports whether downstream dependencies answer; satisfied
// by pgxpool.Pool.Ping.
type Readiness func(ctx context.Context) error

// Server wires HTTP handlers to the domain services.
type Server struct {
	router    chi.Router
	fetcher   PageFetcher
	links     LinkService
	content   ContentRecorder
	scores    ScoreReader
	suggester QuerySuggester
	mapper    SearchMapper
	ready     Readiness
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. content,
// suggester, mapper, and ready may be nil when the deployment lacks
// them.
func NewServer(
	fetcher PageFetcher,
	links LinkService,
	content ContentRecorder,
	scores ScoreReader,
	suggester QuerySuggester,
	mapper SearchMapper,
	ready Readiness,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		fetcher:   fetcher,
		links:     links,
		content:   content,
		scores:    scores,
		suggester: suggester,
		mapper:    mapper,
		ready:     ready,
		logger:    logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/fetch-page-content", s.fetchPageContent)
		r.Post("/fetch-pdf-text", s.fetchPDFText)
		r.Route("/reference-claim-links", func(r chi.Router) {
			r.Post("/", s.insertLink)
			r.Post("/bulk", s.insertLinksBulk)
			r.Put("/{link_id}", s.updateLink)
			r.Delete("/{link_id}", s.deleteLink)
		})
		r.Route("/claim-links", func(r chi.Router) {
			r.Post("/", s.insertClaimLink)
			r.Delete("/{link_id}", s.deleteClaimLink)
		})
		r.Route("/claims", func(r chi.Router) {
			r.Post("/suggest-queries", s.suggestQueries)
			r.Post("/search-map", s.searchMap)
			r.Get("/{claim_id}/score", s.claimScore)
		})
		r.Get("/content/{content_id}/score", s.contentScore)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type fetchRequest struct {
	URL string `json:"url"`
}

func (s *Server) fetchPageContent(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validURL(req.URL) {
		writeError(w, http.StatusBadRequest, "missing or malformed url")
		return
	}
	result, err := s.fetcher.Fetch(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordContent(r.Context(), result)
	// PDF bytes are not valid JSON text; serve the extracted document
	// instead when the fetch took the PDF path.
	body := string(result.Body)
	if result.PDF != nil {
		body = result.PDF.Text
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"html":    body,
		"source":  result.Strategy,
	})
}

// recordContent upserts the content row for a successful fetch.
// Recording failures do not fail the request, the page was still
// delivered.
func (s *Server) recordContent(ctx context.Context, result fetch.Result) {
	if s.content == nil {
		return
	}
	if _, err := s.content.UpsertContent(ctx, result.URL, result.Source, time.Now().UTC()); err != nil {
		s.logger.Warn("content upsert failed", zap.String("url", result.URL), zap.Error(err))
	}
}

func (s *Server) fetchPDFText(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validURL(req.URL) {
		writeError(w, http.StatusBadRequest, "missing or malformed url")
		return
	}
	result, err := s.fetcher.Fetch(r.Context(), req.URL)
	if err != nil || result.PDF == nil {
		s.logger.Warn("pdf extraction failed", zap.String("url", req.URL), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false})
		return
	}
	s.recordContent(r.Context(), result)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"text":    result.PDF.Text,
		"author":  result.PDF.Author,
		"title":   result.PDF.Title,
	})
}

func (s *Server) insertLink(w http.ResponseWriter, r *http.Request) {
	var in evidence.LinkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := s.links.InsertLink(r.Context(), in)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

type bulkLinkRequest struct {
	Links []evidence.LinkInput `json:"links"`
}

func (s *Server) insertLinksBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	ids, err := s.links.InsertLinksBulk(r.Context(), req.Links)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "ids": ids})
}

func (s *Server) updateLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := strconv.ParseInt(chi.URLParam(r, "link_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	var in evidence.LinkInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.links.UpdateLink(r.Context(), linkID, in); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) deleteLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := strconv.ParseInt(chi.URLParam(r, "link_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if err := s.links.DeleteLink(r.Context(), linkID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) insertClaimLink(w http.ResponseWriter, r *http.Request) {
	var link evidence.ClaimLink
	if err := json.NewDecoder(r.Body).Decode(&link); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if link.SourceClaimID <= 0 || link.TargetClaimID <= 0 || link.Kind == "" {
		writeError(w, http.StatusBadRequest, "missing source, target, or kind")
		return
	}
	id, err := s.links.LinkClaims(r.Context(), link)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": id})
}

func (s *Server) deleteClaimLink(w http.ResponseWriter, r *http.Request) {
	linkID, err := strconv.ParseInt(chi.URLParam(r, "link_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid link id")
		return
	}
	if err := s.links.UnlinkClaims(r.Context(), linkID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type suggestQueriesRequest struct {
	Text   string   `json:"text"`
	Claims []string `json:"claims"`
}

func (s *Server) suggestQueries(w http.ResponseWriter, r *http.Request) {
	if s.suggester == nil {
		writeError(w, http.StatusNotImplemented, "query suggestion is not configured")
		return
	}
	var req suggestQueriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Claims) == 0 {
		writeError(w, http.StatusBadRequest, "missing claims")
		return
	}
	items, err := s.suggester.SuggestQueries(r.Context(), req.Text, req.Claims)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "items": items})
}

type searchMapRequest struct {
	Items []search.MapItem `json:"items"`
}

func (s *Server) searchMap(w http.ResponseWriter, r *http.Request) {
	if s.mapper == nil {
		writeError(w, http.StatusNotImplemented, "search mapping is not configured")
		return
	}
	var req searchMapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "missing items")
		return
	}
	results, err := s.mapper.Map(r.Context(), req.Items)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "results": results})
}

func (s *Server) claimScore(w http.ResponseWriter, r *http.Request) {
	claimID, err := strconv.ParseInt(chi.URLParam(r, "claim_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid claim id")
		return
	}
	result, found, err := s.scores.ClaimScore(r.Context(), claimID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "claim has not been evaluated")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) contentScore(w http.ResponseWriter, r *http.Request) {
	contentID, err := strconv.ParseInt(chi.URLParam(r, "content_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid content id")
		return
	}
	result, found, err := s.scores.ContentScore(r.Context(), contentID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "content has not been evaluated")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func validURL(raw string) bool {
	parsed, err := url.ParseRequestURI(raw)
	return err == nil && parsed.Host != ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
