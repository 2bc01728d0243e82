// Package web exposes the sync pipeline over HTTP. Handlers only ever
// call the syncer's start/state operations and read the persisted corpus
// and report; all pipeline logic stays in internal/service.
package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"trainsync/internal/analysis"
	"trainsync/internal/service"
	"trainsync/internal/store"
)

// RateLimitStatuser reports remaining Strava request quota.
type RateLimitStatuser interface {
	RateLimitStatus() (shortRemaining, dailyRemaining int)
}

// Server wires the HTTP API over the sync pipeline.
type Server struct {
	syncer     *service.Syncer
	db         *store.DB
	client     RateLimitStatuser
	reportPath string
	windowDays int
	minDays    int
}

// NewServer creates a Server. windowDays and minDays are the defaults for
// sync runs started over HTTP.
func NewServer(syncer *service.Syncer, db *store.DB, client RateLimitStatuser, reportPath string, windowDays, minDays int) *Server {
	return &Server{
		syncer:     syncer,
		db:         db,
		client:     client,
		reportPath: reportPath,
		windowDays: windowDays,
		minDays:    minDays,
	}
}

// Router builds the chi router for the API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/sync", s.handleStartSync)
		r.Get("/report", s.handleReport)
		r.Get("/activities", s.handleActivities)
		r.Get("/activities/{id}", s.handleActivity)
	})

	return r
}

type statusResponse struct {
	Sync      service.State `json:"sync"`
	RateLimit struct {
		ShortRemaining int `json:"short_remaining"`
		DailyRemaining int `json:"daily_remaining"`
	} `json:"rate_limit"`
	ActivityCount int    `json:"activity_count"`
	LastSync      string `json:"last_sync,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	resp.Sync = s.syncer.State()
	resp.RateLimit.ShortRemaining, resp.RateLimit.DailyRemaining = s.client.RateLimitStatus()

	count, err := s.db.Count()
	if err != nil {
		slog.Warn("counting activities failed", "error", err)
	}
	resp.ActivityCount = count

	lastSync, err := s.db.GetSyncState("last_sync")
	if err != nil {
		slog.Warn("reading last sync time failed", "error", err)
	}
	resp.LastSync = lastSync

	writeJSON(w, http.StatusOK, resp)
}

type startSyncResponse struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	windowDays := intQuery(r, "window_days", s.windowDays)
	minDays := intQuery(r, "min_days", s.minDays)

	if !s.syncer.Start(windowDays, minDays) {
		writeJSON(w, http.StatusConflict, startSyncResponse{
			Accepted: false,
			Message:  "a sync is already in progress",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, startSyncResponse{
		Accepted: true,
		Message:  "sync started",
	})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := analysis.LoadReport(s.reportPath)
	if os.IsNotExist(err) {
		writeError(w, http.StatusNotFound, "no analysis report yet - run a sync first")
		return
	}
	if err != nil {
		slog.Error("loading report failed", "error", err)
		writeError(w, http.StatusInternalServerError, "loading report failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleActivities(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 100)
	offset := intQuery(r, "offset", 0)

	summaries, err := s.db.ListSummaries(limit, offset)
	if err != nil {
		slog.Error("listing activities failed", "error", err)
		writeError(w, http.StatusInternalServerError, "listing activities failed")
		return
	}
	if summaries == nil {
		summaries = []store.Summary{}
	}
	writeJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid activity id")
		return
	}

	activity, err := s.db.Get(id)
	if errors.Is(err, store.ErrActivityNotFound) {
		writeError(w, http.StatusNotFound, "activity not found")
		return
	}
	if err != nil {
		slog.Error("loading activity failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "loading activity failed")
		return
	}
	writeJSON(w, http.StatusOK, activity)
}

func intQuery(r *http.Request, key string, fallback int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ListenAndServe runs the HTTP server until ctx-style shutdown is driven
// by the caller closing the returned server.
func ListenAndServe(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()
	return srv
}
