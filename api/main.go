package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/opentenders/radar/backend/internal/checkpoint"
	"github.com/opentenders/radar/backend/internal/config"
	"github.com/opentenders/radar/backend/internal/logger"
	"github.com/opentenders/radar/backend/internal/models"
	"github.com/opentenders/radar/backend/internal/pncp"
	"github.com/opentenders/radar/backend/internal/reconcile"
	"github.com/opentenders/radar/backend/internal/search"
	"github.com/opentenders/radar/backend/internal/store"
	"github.com/opentenders/radar/backend/internal/syncer"
)

func main() {
	log := logger.New("api")
	cfg, err := config.LoadAPI()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := store.New(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Error("init postgres", slog.Any("err", err))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		log.Error("ensure schema", slog.Any("err", err))
		os.Exit(1)
	}

	esClient, err := search.New(cfg.ElasticsearchAddr, cfg.ElasticsearchIndex, log)
	if err != nil {
		log.Error("init elasticsearch", slog.Any("err", err))
		os.Exit(1)
	}
	if err := esClient.EnsureIndex(ctx); err != nil {
		log.Error("ensure index", slog.Any("err", err))
		os.Exit(1)
	}

	source := pncp.New(cfg.SourceBaseURL, cfg.SourceTimeout, cfg.SourceRetries,
		cfg.SourceRetryDelay, cfg.SourcePageSize, log)
	indexer := reconcile.NewIndexer(esClient, db, log)
	reconciler := reconcile.New(db, indexer, log)
	sync := syncer.New(syncer.Config{
		Source:      source,
		Reconciler:  reconciler,
		Checkpoints: checkpoint.NewStore(cfg.CheckpointFile),
		RepairStore: db,
		Indexer:     indexer,
		Modality:    cfg.ModalityCode,
		Lookback:    cfg.Lookback,
		Logger:      log,
	})

	srv := &server{log: log, cfg: cfg, es: esClient, db: db, sync: sync}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)
	r.Get("/api/tenders", srv.handleSearch)
	r.Get("/api/tenders/{id}", srv.handleGetTender)
	r.Get("/api/categories", srv.handleCategories)
	r.Get("/api/regions", srv.handleRegions)
	r.Get("/api/stats", srv.handleStats)
	r.Post("/api/sync", srv.handleSync)
	r.Post("/api/sync/preview", srv.handleSyncPreview)
	r.Post("/api/reindex", srv.handleReindex)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute, // sync runs answer on this handler
	}

	go func() {
		log.Info("api server starting", slog.String("addr", cfg.BindAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", slog.Any("err", err))
	}
}

type server struct {
	log  *slog.Logger
	cfg  *config.API
	es   *search.Client
	db   *store.Store
	sync *syncer.Syncer
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, err := s.es.Health(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}
	if err := s.db.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "elasticsearch": status})
}

func (s *server) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	q := r.URL.Query()
	params := search.Params{
		Query:           strings.TrimSpace(q.Get("q")),
		Category:        strings.TrimSpace(q.Get("category")),
		RegionCode:      strings.TrimSpace(q.Get("region")),
		ValueMin:        parseFloat(q.Get("value_min")),
		ValueMax:        parseFloat(q.Get("value_max")),
		OpensAfter:      parseTime(q.Get("opens_after")),
		OpensBefore:     parseTime(q.Get("opens_before")),
		PublishedAfter:  parseTime(q.Get("published_after")),
		PublishedBefore: parseTime(q.Get("published_before")),
		Page:            clampInt(q.Get("page"), 1, 1000),
		Size:            clampInt(q.Get("size"), s.cfg.DefaultPage, s.cfg.MaxPage),
	}

	result, err := s.es.Search(ctx, params)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	pages := int64(0)
	if params.Size > 0 {
		pages = (result.Total + int64(params.Size) - 1) / int64(params.Size)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total": result.Total,
		"page":  params.Page,
		"size":  params.Size,
		"pages": pages,
		"items": result.Items,
	})
}

func (s *server) handleGetTender(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid tender id"})
		return
	}

	tender, err := s.db.GetByID(ctx, id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	if tender == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "tender not found"})
		return
	}

	writeJSON(w, http.StatusOK, tenderResponse(*tender))
}

func (s *server) handleCategories(w http.ResponseWriter, r *http.Request) {
	s.handleAgg(w, r, s.es.Categories)
}

func (s *server) handleRegions(w http.ResponseWriter, r *http.Request) {
	s.handleAgg(w, r, s.es.Regions)
}

func (s *server) handleAgg(w http.ResponseWriter, r *http.Request, agg func(context.Context) ([]search.Bucket, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	buckets, err := agg(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": buckets})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	stats, err := s.es.IndexStats(ctx)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type syncRequest struct {
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	ModalityCode int    `json:"modality_code"`
	Page         int    `json:"page"`
}

func (s *server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	opts := syncer.Options{
		Start: parseDate(req.StartDate),
		End:   parseDate(req.EndDate),
	}

	count, err := s.sync.Run(r.Context(), opts)
	if errors.Is(err, syncer.ErrRunInProgress) {
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reconciled": count})
}

func (s *server) handleSyncPreview(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	start := parseDate(req.StartDate)
	end := parseDate(req.EndDate)
	if start == nil || end == nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start_date and end_date are required"})
		return
	}

	count, err := s.sync.PreviewPage(r.Context(),
		pncp.Window{Start: *start, End: *end}, req.ModalityCode, req.Page)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"reconciled": count})
}

func (s *server) handleReindex(w http.ResponseWriter, r *http.Request) {
	count, err := s.sync.Repair(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reindexed": count})
}

func tenderResponse(t models.Tender) map[string]any {
	out := map[string]any{
		"id":           t.ID.String(),
		"external_id":  t.ExternalID,
		"source":       t.Source,
		"subject":      t.Subject,
		"description":  t.Description,
		"category":     t.Category,
		"status":       t.Status,
		"published_at": t.PublishedAt,
		"opens_at":     t.OpensAt,
		"created_at":   t.CreatedAt,
		"updated_at":   t.UpdatedAt,
		"org_name":     t.OrgName,
		"org_id":       t.OrgID,
		"municipality": t.Municipality,
		"region_code":  t.RegionCode,
		"indexed":      t.Indexed,
		"indexed_at":   t.IndexedAt,
	}

	if t.EstimatedValue.Valid {
		out["estimated_value"] = t.EstimatedValue.Decimal.String()
	}

	if t.RawPayload != "" {
		var raw map[string]any
		if err := json.Unmarshal([]byte(t.RawPayload), &raw); err == nil {
			out["raw"] = raw
		}
	}

	return out
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

var dateLayouts = []string{"20060102", "2006-01-02", time.RFC3339}

func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}

func parseTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return &ts
	}
	if ts, err := time.Parse("2006-01-02", raw); err == nil {
		return &ts
	}
	return nil
}

func parseFloat(raw string) *float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &value
}

func clampInt(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return fallback
	}
	if value > max {
		return max
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
