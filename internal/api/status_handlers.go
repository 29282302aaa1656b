package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ilialebedev/metafetcher/internal/bucket"
	"github.com/ilialebedev/metafetcher/internal/crawl"
	"github.com/ilialebedev/metafetcher/internal/snapshot"
	"github.com/ilialebedev/metafetcher/internal/store"
)

const (
	defaultPassLimit = 50
	maxPassLimit     = 500
	handlerTimeout   = 3 * time.Second
)

// ProgressSource is the slice of the snapshot store the progress
// endpoint reads.
type ProgressSource interface {
	LatestGeneration() (int, error)
	LoadLedger(generation int) (map[string]bool, error)
	LoadCategory(key string) (*crawl.CategoryDoc, error)
}

// ProgressHandler reports bucket fill and ledger state from the
// snapshot documents.
type ProgressHandler struct {
	source     ProgressSource
	categories []string
	targets    bucket.Targets
	logger     *zap.Logger
}

// NewProgressHandler wires the snapshot source and the harvest shape.
func NewProgressHandler(source ProgressSource, categories []string, targets bucket.Targets, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		source:     source,
		categories: categories,
		targets:    targets,
		logger:     logger,
	}
}

// GetProgress handles GET /api/progress. It returns the latest
// generation, its completion ledger, and per-category bucket fill
// against the configured targets.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, _ *http.Request) {
	if h.source == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot store unavailable")
		return
	}
	generation, err := h.source.LatestGeneration()
	if err != nil {
		h.logger.Error("latest generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to inspect snapshots")
		return
	}

	resp := progressDTO{Generation: generation}
	if generation >= 0 {
		ledger, err := h.source.LoadLedger(generation)
		if err != nil {
			h.logger.Error("load ledger failed", zap.Error(err), zap.Int("generation", generation))
			writeError(w, http.StatusInternalServerError, "failed to load ledger")
			return
		}
		resp.Ledger = ledger
	}

	for _, category := range h.categories {
		doc, err := h.source.LoadCategory(category)
		if err != nil {
			h.logger.Error("load category failed", zap.Error(err), zap.String("category", category))
			writeError(w, http.StatusInternalServerError, "failed to load category")
			return
		}
		dto := categoryDTO{Category: category}
		if doc != nil {
			dto.Complete = doc.Completed
			dto.Collected = doc.Count()
			dto.BucketCounts = snapshot.BucketCounts(doc)
			if !doc.Completed {
				dto.Missing = snapshot.MissingWork(doc, h.targets)
			}
		} else {
			dto.Missing = bucket.Missing(h.targets, nil)
		}
		resp.Categories = append(resp.Categories, dto)
	}

	writeJSON(w, http.StatusOK, resp)
}

type progressDTO struct {
	Generation int             `json:"generation"`
	Ledger     map[string]bool `json:"ledger,omitempty"`
	Categories []categoryDTO   `json:"categories"`
}

type categoryDTO struct {
	Category     string         `json:"category"`
	Complete     bool           `json:"complete"`
	Collected    int            `json:"collected"`
	BucketCounts map[string]int `json:"bucket_counts,omitempty"`
	Missing      map[string]int `json:"missing,omitempty"`
}

// RunsHandler exposes pass history from the run repository.
type RunsHandler struct {
	repo    store.RunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunsHandler wires the repository and logger. repo may be nil when
// run history persistence is not configured.
func NewRunsHandler(repo store.RunRepository, logger *zap.Logger) *RunsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunsHandler{
		repo:    repo,
		timeout: handlerTimeout,
		logger:  logger,
	}
}

// GetRun handles GET /api/runs/{run_id}. It returns {"pass": {...}} for
// the most recent pass, 400 for malformed IDs, 404 when the repository
// reports store.ErrNotFound, or 503 if history is not configured.
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	pass, err := h.repo.LatestPass(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pass": toPassDTO(pass)})
}

// ListRunPasses handles GET /api/runs/{run_id}/passes?limit=&offset=.
func (h *RunsHandler) ListRunPasses(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultPassLimit, maxPassLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	passes, err := h.repo.ListPasses(ctx, runID, limit, offset)
	if err != nil {
		h.logger.Error("list passes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list passes")
		return
	}
	dtos := make([]passDTO, 0, len(passes))
	for _, p := range passes {
		dtos = append(dtos, toPassDTO(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"passes": dtos})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return runID, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func toPassDTO(p store.PassRun) passDTO {
	return passDTO{
		ID:         p.ID.String(),
		RunID:      p.RunID.String(),
		Generation: p.Generation,
		StartedAt:  p.StartedAt,
		FinishedAt: p.FinishedAt,
		Outcome:    string(p.Outcome),
		Error:      p.ErrorMessage,
	}
}

type passDTO struct {
	ID         string     `json:"id"`
	RunID      string     `json:"run_id"`
	Generation int        `json:"generation"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Outcome    string     `json:"outcome"`
	Error      *string    `json:"error,omitempty"`
}
