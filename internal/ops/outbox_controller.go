package ops

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/microshop/eventcore/internal/domain/outbox"
)

const defaultFailedListLimit = 50

// OutboxController exposes the operator surface of the outbox: the pending
// lag signal, the failed records that exhausted their attempts, and manual
// requeue of a failed record after the underlying problem is fixed.
type OutboxController struct {
	repo         outbox.Repository
	lagThreshold time.Duration
}

func NewOutboxController(repo outbox.Repository, lagThreshold time.Duration) *OutboxController {
	return &OutboxController{repo: repo, lagThreshold: lagThreshold}
}

// Lag handles GET /outbox/lag
func (h *OutboxController) Lag(w http.ResponseWriter, r *http.Request) {
	pending, err := h.repo.PendingLag(r.Context(), h.lagThreshold)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, LagResponse{
		Pending:   pending,
		Threshold: h.lagThreshold.String(),
	})
}

// ListFailed handles GET /outbox/failed
func (h *OutboxController) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit := defaultFailedListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Code: "invalid_limit"})
			return
		}
		limit = n
	}

	records, err := h.repo.ListFailed(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := FailedListResponse{Records: make([]RecordResponse, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, toRecordResponse(rec))
	}
	resp.Count = len(resp.Records)
	writeJSON(w, http.StatusOK, resp)
}

// Requeue handles POST /outbox/{id}/requeue. Requeueing resets the attempt
// counter; the record rejoins its aggregate's queue in creation order.
func (h *OutboxController) Requeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid record id", Code: "invalid_id"})
		return
	}

	// ErrNotFailed covers both an unknown id and a record that is not in
	// failed state; neither is requeueable.
	if err := h.repo.Requeue(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, RequeueResponse{
		ID:     id.String(),
		Status: string(outbox.StatusPending),
	})
}
