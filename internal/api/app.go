package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/syncq/internal/connectivity"
	"github.com/kalambet/syncq/internal/notify"
	"github.com/kalambet/syncq/internal/storage"
	"github.com/kalambet/syncq/internal/syncer"
)

const maxEnqueueBodySize = 1 << 20 // 1MB

type EnqueueRequest struct {
	Action   string          `json:"action"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// QueueStatus is the snapshot served by GET /queue and the queue_status tool.
type QueueStatus struct {
	Total      int        `json:"total"`
	Eligible   int        `json:"eligible"`
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
	Failed     int        `json:"failed"`
	Syncing    bool       `json:"syncing"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
	Online     bool       `json:"online"`
}

type AppDeps struct {
	Store        *storage.Store
	Syncer       *syncer.Syncer
	Connectivity *connectivity.Observer
	Events       *notify.Notifier // optional
	Token        string
}

func (d AppDeps) queueChanged() {
	if d.Events != nil {
		d.Events.Publish(notify.QueueChanged)
	}
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/operations", handleEnqueue(deps))
		r.Get("/operations", handleListOperations(deps))
		r.Delete("/operations", handleClear(deps))
		r.Post("/operations/retry-failed", handleRetryFailed(deps))
		r.Get("/operations/{id}", handleGetOperation(deps))
		r.Delete("/operations/{id}", handleRemoveOperation(deps))
		r.Post("/operations/{id}/retry", handleRetryOperation(deps))
		r.Get("/queue", handleQueueStatus(deps))
		r.Post("/sync", handleSync(deps))
		r.Put("/connectivity", handleSetConnectivity(deps))
		if deps.Events != nil {
			r.Get("/events", handleEvents(deps))
		}
	})

	return r
}

func buildQueueStatus(store *storage.Store, s *syncer.Syncer, online *connectivity.Observer) (QueueStatus, error) {
	counts, err := store.CountByStatus()
	if err != nil {
		return QueueStatus{}, err
	}
	st := QueueStatus{
		Pending:    counts[storage.StatusPending],
		Processing: counts[storage.StatusProcessing],
		Failed:     counts[storage.StatusFailed],
		Online:     true,
	}
	st.Total = st.Pending + st.Processing + st.Failed
	st.Eligible = st.Pending + st.Failed
	if s != nil {
		ss := s.Status()
		st.Syncing = ss.Syncing
		st.LastSyncAt = ss.LastSyncAt
	}
	if online != nil {
		st.Online = online.IsOnline()
	}
	return st, nil
}

func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxEnqueueBodySize)
		defer r.Body.Close()

		var req EnqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Action == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "action is required")
			return
		}

		var body any
		if len(req.Body) > 0 && !bytes.Equal(bytes.TrimSpace(req.Body), []byte("null")) {
			body = req.Body
		}

		id, err := deps.Store.Enqueue(req.Action, req.Endpoint, req.Method, body)
		if errors.Is(err, storage.ErrInvalidMethod) || errors.Is(err, storage.ErrInvalidEndpoint) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue operation: %v", err)
			return
		}
		deps.queueChanged()

		writeJSON(w, http.StatusCreated, map[string]string{"id": id, "status": string(storage.StatusPending)})
	}
}

func handleListOperations(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		ops, err := deps.Store.List(limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list operations: %v", err)
			return
		}
		if ops == nil {
			ops = []storage.Operation{}
		}

		writeJSON(w, http.StatusOK, ops)
	}
}

func handleGetOperation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		op, err := deps.Store.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get operation: %v", err)
			return
		}

		writeJSON(w, http.StatusOK, op)
	}
}

func handleRemoveOperation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		op, err := deps.Store.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get operation: %v", err)
			return
		}
		if op.Status == storage.StatusProcessing {
			httpError(w, http.StatusConflict, "conflict", "operation is being delivered")
			return
		}

		if err := deps.Store.Remove(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to remove operation: %v", err)
			return
		}
		deps.queueChanged()

		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleRetryOperation(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.Retry(id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "operation not found")
			return
		case errors.Is(err, storage.ErrLeased):
			httpError(w, http.StatusConflict, "conflict", "operation is being delivered")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset operation: %v", err)
			return
		}
		deps.queueChanged()

		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(storage.StatusPending)})
	}
}

func handleClear(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.Clear()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to clear queue: %v", err)
			return
		}
		deps.queueChanged()

		writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
	}
}

func handleRetryFailed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Store.ResetFailed()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to reset failed operations: %v", err)
			return
		}
		if n > 0 {
			deps.queueChanged()
		}

		writeJSON(w, http.StatusOK, map[string]int{"reset": n})
	}
}

func handleQueueStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := buildQueueStatus(deps.Store, deps.Syncer, deps.Connectivity)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read queue status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleSync(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The drain outlives a disconnecting client.
		res, err := deps.Syncer.ProcessQueue(context.WithoutCancel(r.Context()))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sync failed: %v", err)
			return
		}
		if res.Items == nil {
			res.Items = []syncer.ItemResult{}
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleSetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "online is required")
			return
		}

		deps.Connectivity.SetOnline(*req.Online)

		writeJSON(w, http.StatusOK, map[string]bool{"online": deps.Connectivity.IsOnline()})
	}
}
