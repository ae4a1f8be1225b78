package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/socsahar/Vapes-Shop-sub001/internal/automation"
	"github.com/socsahar/Vapes-Shop-sub001/internal/csvparser"
	"github.com/socsahar/Vapes-Shop-sub001/internal/db"
	"github.com/socsahar/Vapes-Shop-sub001/internal/lifecycle"
	"github.com/socsahar/Vapes-Shop-sub001/internal/models"
)

const (
	defaultMaxBody     = 1 << 20
	defaultMaxBulkRows = 1000
)

type Queue interface {
	Enqueue(ctx context.Context, draft models.QueueEntryDraft) (int64, error)
}

type Ticker interface {
	RunOnce(ctx context.Context, now time.Time) automation.RunSummary
}

type Closer interface {
	ForceClose(ctx context.Context, id uuid.UUID, now time.Time, silent bool) error
}

type RunLister interface {
	ListRuns(ctx context.Context) ([]models.CronRun, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Queue      Queue
	Automation Ticker
	Orders     Closer
	Runs       RunLister
	Health     Pinger
	Log        *zap.Logger

	// CronSecret protects the trigger and admin routes when set.
	CronSecret   string
	MaxBodyBytes int64
	MaxBulkRows  int
	Now          func() time.Time
}

// Routes returns the API mux with every route instrumented.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /cron/tick", instrument("cron_tick", h.authorized(h.Tick)))
	mux.Handle("POST /cron/tick", instrument("cron_tick", h.authorized(h.Tick)))
	mux.Handle("GET /cron/runs", instrument("cron_runs", h.authorized(h.ListRuns)))
	mux.Handle("POST /notifications", instrument("enqueue", h.Enqueue))
	mux.Handle("POST /notifications/bulk", instrument("enqueue_bulk", h.EnqueueBulk))
	mux.Handle("POST /orders/{id}/close", instrument("close_order", h.authorized(h.CloseOrder)))
	mux.Handle("GET /healthz", instrument("healthz", h.Healthz))
	return mux
}

// Tick runs one automation pass and reports its summary.
func (h *Handler) Tick(w http.ResponseWriter, r *http.Request) {
	sum := h.Automation.RunOnce(r.Context(), h.now())

	status := http.StatusOK
	if len(sum.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, sum)
}

// ListRuns reports the last run of every automation task.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Runs.ListRuns(r.Context())
	if err != nil {
		h.Log.Error("list cron runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list runs failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var draft models.QueueEntryDraft

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&draft); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	if models.IsSentinel(draft.Recipient) {
		writeError(w, http.StatusBadRequest, "system recipients are reserved")
		return
	}

	id, err := h.Queue.Enqueue(r.Context(), draft)
	if errors.Is(err, db.ErrInvalidDraft) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.Log.Error("enqueue failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"id": id})
}

// EnqueueBulk queues one entry per CSV row. The CSV comes either as the raw
// body or as the "file" field of a multipart form; query parameters set the
// defaults for every row.
func (h *Handler) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody())

	var src io.Reader = r.Body
	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		src = file
	} else if !errors.Is(err, http.ErrNotMultipart) {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}

	q := r.URL.Query()
	defaults := csvparser.Defaults{
		Subject:  q.Get("subject"),
		Template: q.Get("template"),
		Body:     q.Get("body"),
	}
	if v := q.Get("priority"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "priority must be a number")
			return
		}
		defaults.Priority = p
	}

	drafts, err := csvparser.ParseDrafts(src, defaults, h.maxBulkRows())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]int64, 0, len(drafts))
	var rejected []string
	for _, d := range drafts {
		id, err := h.Queue.Enqueue(r.Context(), d)
		if errors.Is(err, db.ErrInvalidDraft) {
			rejected = append(rejected, d.Recipient+": "+err.Error())
			continue
		}
		if err != nil {
			h.Log.Error("bulk enqueue failed", zap.Int("queued", len(ids)), zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error": "enqueue failed",
				"ids":   ids,
			})
			return
		}
		ids = append(ids, id)
	}

	h.Log.Info("bulk upload queued", zap.Int("queued", len(ids)), zap.Int("rejected", len(rejected)))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":   len(ids),
		"ids":      ids,
		"rejected": rejected,
	})
}

// CloseOrder closes an open order ahead of its deadline. silent=true
// records the closure without notifying anyone.
func (h *Handler) CloseOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return
	}
	silent, _ := strconv.ParseBool(r.URL.Query().Get("silent"))

	err = h.Orders.ForceClose(r.Context(), id, h.now(), silent)
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.Log.Error("close order failed", zap.String("order_id", id.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "close failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": models.OrderClosed, "silent": silent})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Health.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.CronSecret != "" {
			got := r.Header.Get("X-Cron-Secret")
			if got == "" {
				got = r.URL.Query().Get("secret")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(h.CronSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) maxBody() int64 {
	if h.MaxBodyBytes > 0 {
		return h.MaxBodyBytes
	}
	return defaultMaxBody
}

func (h *Handler) maxBulkRows() int {
	if h.MaxBulkRows > 0 {
		return h.MaxBulkRows
	}
	return defaultMaxBulkRows
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
