package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/morezero/hostbridge/pkg/audit"
	"github.com/morezero/hostbridge/pkg/db"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// auditLister reads recent audit records, newest first. An empty action
// matches every command.
type auditLister func(ctx context.Context, action string, limit int) ([]audit.Record, error)

func postgresLister(repo *db.AuditRepository) auditLister {
	return repo.Recent
}

func redisLister(sink *audit.RedisSink) auditLister {
	return func(ctx context.Context, action string, limit int) ([]audit.Record, error) {
		// The list is capped, so filtering reads the whole window.
		n := int64(limit)
		if action != "" {
			n = 0
		}
		recs, err := sink.Recent(ctx, n)
		if err != nil || action == "" {
			return recs, err
		}
		out := make([]audit.Record, 0, limit)
		for _, r := range recs {
			if r.Action == action {
				out = append(out, r)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}
}

type healthOutput struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Comms     bool   `json:"comms"`
	Database  bool   `json:"database"`
	Redis     bool   `json:"redis"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/handlers", s.handleHandlers)
	r.Get("/audit", s.handleAudit)
	if s.promReg != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.promReg, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	out := healthOutput{
		Status:    "healthy",
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.nc != nil {
		out.Comms = s.nc.IsConnected()
	}
	if s.pool != nil {
		out.Database = s.pool.Ping(ctx) == nil
		if !out.Database {
			out.Status = "degraded"
		}
	}
	if s.redis != nil {
		out.Redis = s.redis.Ping(ctx).Err() == nil
		if !out.Redis {
			out.Status = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHandlers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"handlers": s.disp.ListHandlers()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.auditLog == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit storage is not configured"})
		return
	}

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	recs, err := s.auditLog(r.Context(), r.URL.Query().Get("command"), limit)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - audit read failed: %v", logPrefix, err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to read audit records"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": recs})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
