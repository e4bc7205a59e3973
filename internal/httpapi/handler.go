package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/qsystem/internal/ledger"
	"qms/qsystem/internal/models"
	"qms/qsystem/internal/queueview"
	"qms/qsystem/internal/store"
)

// Ledger is the domain surface the handlers need.
type Ledger interface {
	Ping(ctx context.Context) error
	ListServices(ctx context.Context) ([]models.Service, error)
	CreateService(ctx context.Context, name string, avgMinutes float64) (models.Service, error)
	UpdateService(ctx context.Context, id, name string, avgMinutes float64) (models.Service, error)
	DeleteService(ctx context.Context, id string) error
	ListQueue(ctx context.Context, ref store.BranchRef, activeOnly bool) ([]models.QueueEntry, error)
	View(ctx context.Context, ref store.BranchRef) (queueview.View, error)
	CheckIn(ctx context.Context, req ledger.CheckInRequest) (models.QueueEntry, error)
	SetStatus(ctx context.Context, entryID, status string) (models.QueueEntry, error)
	ListBranches(ctx context.Context) ([]models.Branch, error)
	CreateBranch(ctx context.Context, name string) (models.Branch, error)
}

type Handler struct {
	ledger    Ledger
	guard     *Guard
	limiter   *RateLimiter
	logger    *slog.Logger
	websocket http.Handler
	sockjs    http.Handler
	timeout   time.Duration
}

type Options struct {
	Guard   *Guard
	Limiter *RateLimiter
	Logger  *slog.Logger
	// WebSocket and SockJS are mounted at /ws and /realtime/ when set.
	WebSocket http.Handler
	SockJS    http.Handler
	// RequestTimeout bounds every route except the push transports, which
	// hold their connection open. Zero disables it.
	RequestTimeout time.Duration
}

type serviceRequest struct {
	Name       string   `json:"name"`
	AvgMinutes *float64 `json:"avgMinutes"`
}

type checkInRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	ServiceID  string `json:"serviceId"`
	BranchCode string `json:"branchCode"`
	BranchID   string `json:"branchId"`
}

type statusRequest struct {
	Status string `json:"status"`
}

type branchRequest struct {
	Name string `json:"name"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	RequestID string        `json:"requestId,omitempty"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(l Ledger, options Options) *Handler {
	h := &Handler{
		ledger:    l,
		guard:     options.Guard,
		limiter:   options.Limiter,
		logger:    options.Logger,
		websocket: options.WebSocket,
		sockjs:    options.SockJS,
		timeout:   options.RequestTimeout,
	}
	if h.guard == nil {
		h.guard = NewGuard("", "")
	}
	if h.limiter == nil {
		h.limiter = NewRateLimiter(RateLimitConfig{})
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

func (h *Handler) Routes() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("GET /healthz", h.handleHealthz)
	api.Handle("GET /metrics", expvar.Handler())

	api.HandleFunc("GET /api/health", h.handleHealth)
	api.HandleFunc("POST /api/auth", h.guard.RequireStaff(h.handleAuth))

	api.HandleFunc("GET /api/services", h.handleListServices)
	api.HandleFunc("POST /api/services", h.guard.RequireStaff(h.handleCreateService))
	api.HandleFunc("PUT /api/services/{id}", h.guard.RequireStaff(h.handleUpdateService))
	api.HandleFunc("DELETE /api/services/{id}", h.guard.RequireStaff(h.handleDeleteService))

	api.HandleFunc("GET /api/queue", h.handleListQueue)
	api.HandleFunc("GET /api/queue/view", h.handleQueueView)
	api.HandleFunc("GET /api/queue/export", h.handleExport)
	api.HandleFunc("POST /api/queue/{id}/status", h.guard.RequireStaff(h.handleSetStatus))
	api.HandleFunc("POST /api/checkin", h.limiter.Limit(h.handleCheckIn))

	api.HandleFunc("GET /api/branches", h.handleListBranches)
	api.HandleFunc("POST /api/branches", h.guard.RequireAdmin(h.handleCreateBranch))

	mux := http.NewServeMux()
	mux.Handle("/", withTimeout(api, h.timeout))
	if h.websocket != nil {
		mux.Handle("GET /ws", h.websocket)
	}
	if h.sockjs != nil {
		mux.Handle("/realtime/", h.sockjs)
	}
	return mux
}

const timeoutBody = `{"error":{"code":"timeout","message":"request timed out"}}`

func withTimeout(next http.Handler, timeout time.Duration) http.Handler {
	if timeout <= 0 {
		return next
	}
	bounded := http.TimeoutHandler(next, timeout, timeoutBody)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Handlers that finish in time replace this with their own type.
		w.Header().Set("Content-Type", "application/json")
		bounded.ServeHTTP(w, r)
	})
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err, "request_id", requestIDFromRequest(r))
		writeError(w, requestIDFromRequest(r), http.StatusServiceUnavailable, "unavailable", "store is unavailable")
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (h *Handler) handleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.ledger.ListServices(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.AvgMinutes == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name and avgMinutes are required")
		return
	}
	service, err := h.ledger.CreateService(r.Context(), req.Name, *req.AvgMinutes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, service)
}

func (h *Handler) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var req serviceRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if req.AvgMinutes == nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "name and avgMinutes are required")
		return
	}
	service, err := h.ledger.UpdateService(r.Context(), r.PathValue("id"), req.Name, *req.AvgMinutes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, service)
}

func (h *Handler) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.DeleteService(r.Context(), r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	activeOnly := false
	if raw := strings.TrimSpace(r.URL.Query().Get("active")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "active must be a boolean")
			return
		}
		activeOnly = parsed
	}
	entries, err := h.ledger.ListQueue(r.Context(), branchRefFromQuery(r), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleQueueView(w http.ResponseWriter, r *http.Request) {
	view, err := h.ledger.View(r.Context(), branchRefFromQuery(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.ledger.CheckIn(r.Context(), ledger.CheckInRequest{
		Name:      req.Name,
		Phone:     req.Phone,
		ServiceID: req.ServiceID,
		Branch:    store.BranchRef{ID: req.BranchID, Code: req.BranchCode},
	})
	if errors.Is(err, store.ErrServiceNotFound) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "service_not_found", "service not found")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (h *Handler) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	entry, err := h.ledger.SetStatus(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleListBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := h.ledger.ListBranches(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, branches)
}

func (h *Handler) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req branchRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	branch, err := h.ledger.CreateBranch(r.Context(), req.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, branch)
}

func branchRefFromQuery(r *http.Request) store.BranchRef {
	query := r.URL.Query()
	return store.BranchRef{
		ID:   strings.TrimSpace(query.Get("branchId")),
		Code: strings.TrimSpace(query.Get("branch")),
	}
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

// fail writes the error response for err. Errors without a mapping are
// logged here and reported as a generic 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", requestIDFromRequest(r),
			"error", err,
		)
	}
	writeError(w, requestIDFromRequest(r), status, code, message)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrInvalidStatus):
		return http.StatusBadRequest, "invalid_status", "status must be one of waiting, notified, served, canceled"
	case errors.Is(err, store.ErrBranchNotFound):
		return http.StatusBadRequest, "branch_not_found", "branch not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "queue entry not found"
	case errors.Is(err, store.ErrServiceInUse):
		return http.StatusConflict, "service_in_use", "service is referenced by queue entries"
	case errors.Is(err, store.ErrCodeExhausted):
		return http.StatusInternalServerError, "code_exhausted", "could not allocate a unique branch code"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
