package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/naze/internal/model"
	"github.com/ashita-ai/naze/internal/service/ingest"
	"github.com/ashita-ai/naze/internal/service/query"
	"github.com/ashita-ai/naze/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	ingestSvc           *ingest.Service
	queryEng            *query.Engine
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	storageKind         string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Store               storage.Store
	IngestSvc           *ingest.Service
	QueryEng            *query.Engine
	Logger              *slog.Logger
	Version             string
	StorageKind         string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		ingestSvc:           d.IngestSvc,
		queryEng:            d.QueryEng,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		storageKind:         d.StorageKind,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleIngestRun handles POST /v1/runs. The endpoint is idempotent on
// run_id: 201 for a new run, 200 for an identical replay, 409 when the
// run_id exists with a different payload.
func (h *Handlers) HandleIngestRun(w http.ResponseWriter, r *http.Request) {
	var run model.Run
	if err := decodeJSON(w, r, &run, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	resp, err := h.ingestSvc.Ingest(r.Context(), run)
	if err != nil {
		var verr *ingest.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Reason)
		case errors.Is(err, ingest.ErrConflict):
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict,
				"run_id already exists with a different payload")
		default:
			h.writeInternalError(w, r, "failed to ingest run", err)
		}
		return
	}

	status := http.StatusCreated
	if resp.Status == model.IngestAlreadyExists {
		status = http.StatusOK
	}
	writeJSON(w, r, status, resp)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	if bad := firstUnknownParam(r.URL.Query(), "pipeline", "status", "from", "to", "limit", "offset"); bad != "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery,
			"unknown query parameter: "+bad)
		return
	}

	f, err := parseRunFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery, err.Error())
		return
	}

	summaries, total, err := h.queryEng.ListRuns(r.Context(), f)
	if err != nil {
		var qerr *query.Error
		if errors.As(err, &qerr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery, qerr.Reason)
			return
		}
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}
	if summaries == nil {
		summaries = []model.RunSummary{}
	}
	writeList(w, r, http.StatusOK, summaries, total, effectiveLimit(f.Limit), f.Offset)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")

	run, err := h.queryEng.GetRun(r.Context(), runID)
	if err != nil {
		var qerr *query.Error
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"run not found: "+runID)
		case errors.As(err, &qerr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery, qerr.Reason)
		default:
			h.writeInternalError(w, r, "failed to get run", err)
		}
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleSearchSteps handles GET /v1/steps: the cross-pipeline step search.
func (h *Handlers) HandleSearchSteps(w http.ResponseWriter, r *http.Request) {
	if bad := firstUnknownParam(r.URL.Query(),
		"step_type", "name", "rejection_rate_gt", "rejection_rate_lt",
		"min_duration_ms", "min_score", "limit", "offset"); bad != "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery,
			"unknown query parameter: "+bad)
		return
	}

	f, err := parseStepFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery, err.Error())
		return
	}

	hits, total, err := h.queryEng.SearchSteps(r.Context(), f)
	if err != nil {
		var qerr *query.Error
		if errors.As(err, &qerr) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidQuery, qerr.Reason)
			return
		}
		h.writeInternalError(w, r, "failed to search steps", err)
		return
	}
	if hits == nil {
		hits = []model.StepHit{}
	}
	writeList(w, r, http.StatusOK, hits, total, effectiveLimit(f.Limit), f.Offset)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storageStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storageStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:  status,
		Version: h.version,
		Storage: h.storageKind + ": " + storageStatus,
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}
	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// firstUnknownParam returns the first query parameter not in the allowed
// set, or "". Unknown parameters are rejected rather than ignored so a
// typoed filter fails loudly instead of silently matching everything.
func firstUnknownParam(q url.Values, allowed ...string) string {
	set := make(map[string]bool, len(allowed))
	for _, k := range allowed {
		set[k] = true
	}
	for k := range q {
		if !set[k] {
			return k
		}
	}
	return ""
}

func parseRunFilter(q url.Values) (model.RunFilter, error) {
	var f model.RunFilter

	if v := q.Get("pipeline"); v != "" {
		f.Pipeline = &v
	}
	if v := q.Get("status"); v != "" {
		st := model.RunStatus(v)
		f.Status = &st
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("from must be an RFC 3339 timestamp")
		}
		f.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("to must be an RFC 3339 timestamp")
		}
		f.To = &t
	}

	var err error
	if f.Limit, f.Offset, err = parsePagination(q); err != nil {
		return f, err
	}
	return f, nil
}

func parseStepFilter(q url.Values) (model.StepFilter, error) {
	var f model.StepFilter

	if v := q.Get("step_type"); v != "" {
		st := model.StepType(strings.ToLower(v))
		f.StepType = &st
	}
	if v := q.Get("name"); v != "" {
		f.Name = &v
	}

	var err error
	if f.RejectionRateGT, err = parseFloatParam(q, "rejection_rate_gt"); err != nil {
		return f, err
	}
	if f.RejectionRateLT, err = parseFloatParam(q, "rejection_rate_lt"); err != nil {
		return f, err
	}
	if f.MinScore, err = parseFloatParam(q, "min_score"); err != nil {
		return f, err
	}
	if v := q.Get("min_duration_ms"); v != "" {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			return f, errors.New("min_duration_ms must be an integer")
		}
		f.MinDurationMS = &n
	}
	if f.Limit, f.Offset, err = parsePagination(q); err != nil {
		return f, err
	}
	return f, nil
}

func parseFloatParam(q url.Values, name string) (*float64, error) {
	v := q.Get(name)
	if v == "" {
		return nil, nil
	}
	x, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, errors.New(name + " must be a number")
	}
	return &x, nil
}

// effectiveLimit mirrors the query engine's limit defaulting so the
// pagination metadata reflects what was actually applied.
func effectiveLimit(limit int) int {
	if limit <= 0 {
		return query.DefaultPageSize
	}
	if limit > query.MaxPageSize {
		return query.MaxPageSize
	}
	return limit
}

func parsePagination(q url.Values) (limit, offset int, err error) {
	if v := q.Get("limit"); v != "" {
		limit, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
	}
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.Atoi(v)
		if err != nil {
			return 0, 0, errors.New("offset must be an integer")
		}
	}
	return limit, offset, nil
}
