package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/damon-houk/transaction-pipeline/internal/application/service"
	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
	"github.com/damon-houk/transaction-pipeline/internal/domain/repository"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/logger"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/metrics"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/middleware"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/queue"
	"github.com/gorilla/mux"
)

const (
	maxBodyBytes = 1 << 20

	// ForceOutcomeHeader selects the processing outcome when forced outcomes are enabled
	ForceOutcomeHeader = "X-Force-Outcome"
)

// idempotencyHeaders are checked in order; the first non-blank value wins
var idempotencyHeaders = []string{"X-Idempotency-Key", "Idempotency-Key"}

// TransactionHandler handles HTTP requests for transactions
type TransactionHandler struct {
	service            *service.TransactionService
	publisher          queue.Publisher
	metrics            *metrics.Metrics
	logger             logger.Logger
	allowForcedOutcome bool
}

// HandlerOption configures a TransactionHandler
type HandlerOption func(*TransactionHandler)

// WithForcedOutcomes lets clients pick the processing outcome through the
// X-Force-Outcome header. Meant for test environments only.
func WithForcedOutcomes(allow bool) HandlerOption {
	return func(h *TransactionHandler) { h.allowForcedOutcome = allow }
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(svc *service.TransactionService, publisher queue.Publisher, m *metrics.Metrics, log logger.Logger, opts ...HandlerOption) *TransactionHandler {
	if log == nil {
		log = logger.GetDefaultLogger()
	}

	h := &TransactionHandler{
		service:   svc,
		publisher: publisher,
		metrics:   m,
		logger:    log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CreateTransaction handles the creation of a new transaction
func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("Unreadable request body", map[string]interface{}{
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
		sendErrorResponse(w, h.logger, errInvalidJSON.Error(), http.StatusBadRequest, correlationID)
		return
	}

	in, err := decodeCreateRequest(body)
	if err != nil {
		h.handleCreateError(w, err, correlationID)
		return
	}
	in.IdempotencyKey = idempotencyKeyFrom(r)

	forced, err := h.forcedOutcome(r)
	if err != nil {
		sendErrorResponse(w, h.logger, err.Error(), http.StatusBadRequest, correlationID)
		return
	}

	res, err := h.service.CreateTransaction(r.Context(), in)
	if err != nil {
		h.handleCreateError(w, err, correlationID)
		return
	}
	tx := res.Transaction

	// A replayed key whose transaction is still pending is queued again, in
	// case the first request stored it but failed to enqueue it.
	if res.Created || (tx.Status == entity.StatusPending && in.IdempotencyKey != "") {
		msg := queue.Message{
			TransactionID: tx.ID,
			CorrelationID: correlationID,
			ForceOutcome:  forced,
		}
		if err := h.publisher.Publish(r.Context(), msg); err != nil {
			h.logger.Error("Failed to enqueue transaction", map[string]interface{}{
				"correlation_id": correlationID,
				"id":             tx.ID,
				"error":          err.Error(),
			})
			sendErrorResponse(w, h.logger, "InternalError", http.StatusInternalServerError, correlationID)
			return
		}
		h.metrics.QueueMessages.WithLabelValues("published").Inc()
	}

	status, result := http.StatusCreated, "created"
	if !res.Created {
		status, result = http.StatusOK, "replayed"
	}
	h.metrics.TransactionsCreated.WithLabelValues(result).Inc()

	h.logger.Info("Transaction accepted", map[string]interface{}{
		"correlation_id": correlationID,
		"id":             tx.ID,
		"status":         tx.Status,
		"result":         result,
	})

	sendJSON(w, status, tx)
}

func (h *TransactionHandler) handleCreateError(w http.ResponseWriter, err error, correlationID string) {
	var vErr *entity.ValidationError
	switch {
	case errors.Is(err, errInvalidJSON):
		h.logger.Warn("Invalid request body", map[string]interface{}{
			"correlation_id": correlationID,
		})
		sendErrorResponse(w, h.logger, errInvalidJSON.Error(), http.StatusBadRequest, correlationID)
	case errors.As(err, &vErr):
		h.logger.Warn("Transaction validation failed", map[string]interface{}{
			"correlation_id": correlationID,
			"error":          vErr.Message,
		})
		sendErrorResponse(w, h.logger, vErr.Message, http.StatusBadRequest, correlationID)
	default:
		h.logger.Error("Unexpected error in create transaction", map[string]interface{}{
			"correlation_id": correlationID,
			"error":          err.Error(),
		})
		sendErrorResponse(w, h.logger, "InternalError", http.StatusInternalServerError, correlationID)
	}
}

// GetTransaction handles retrieving a transaction by ID
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())
	id := strings.TrimSpace(mux.Vars(r)["id"])

	if id == "" {
		sendErrorResponse(w, h.logger, "id is required", http.StatusBadRequest, correlationID)
		return
	}

	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			h.logger.Info("Transaction not found", map[string]interface{}{
				"correlation_id": correlationID,
				"id":             id,
			})
			sendErrorResponse(w, h.logger, "NotFound", http.StatusNotFound, correlationID)
			return
		}

		h.logger.Error("Unexpected error in get transaction", map[string]interface{}{
			"correlation_id": correlationID,
			"id":             id,
			"error":          err.Error(),
		})
		sendErrorResponse(w, h.logger, "InternalError", http.StatusInternalServerError, correlationID)
		return
	}

	sendJSON(w, http.StatusOK, tx)
}

// Health reports that the process is serving
func (h *TransactionHandler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, HealthResponse{OK: true})
}

// RegisterRoutes registers the transaction handler routes
func (h *TransactionHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/transactions", h.CreateTransaction).Methods("POST")
	router.HandleFunc("/transactions/{id}", h.GetTransaction).Methods("GET")
	router.HandleFunc("/health", h.Health).Methods("GET")

	h.logger.Debug("Transaction routes registered", map[string]interface{}{
		"routes": []string{
			"POST /transactions",
			"GET /transactions/{id}",
			"GET /health",
		},
	})
}

func (h *TransactionHandler) forcedOutcome(r *http.Request) (entity.Status, error) {
	if !h.allowForcedOutcome {
		return "", nil
	}
	v := entity.Status(strings.ToUpper(strings.TrimSpace(r.Header.Get(ForceOutcomeHeader))))
	if v == "" {
		return "", nil
	}
	if !v.IsTerminal() {
		return "", errors.New("X-Force-Outcome must be COMPLETED or FAILED")
	}
	return v, nil
}

func idempotencyKeyFrom(r *http.Request) string {
	for _, name := range idempotencyHeaders {
		if v := strings.TrimSpace(r.Header.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// NewRouter builds the HTTP router with middleware and the API routes
func NewRouter(h *TransactionHandler, m *metrics.Metrics, log logger.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.CorrelationIDMiddleware, middleware.LoggingMiddleware(log), middleware.MetricsMiddleware(m))
	h.RegisterRoutes(router)

	// mux skips middleware for unmatched requests
	router.NotFoundHandler = middleware.CorrelationIDMiddleware(h.routeError("NotFound", http.StatusNotFound))
	router.MethodNotAllowedHandler = middleware.CorrelationIDMiddleware(h.routeError("MethodNotAllowed", http.StatusMethodNotAllowed))
	return router
}

func (h *TransactionHandler) routeError(message string, statusCode int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendErrorResponse(w, h.logger, message, statusCode, middleware.GetCorrelationID(r.Context()))
	})
}

// RegisterMetricsRoute exposes the collectors at /metrics
func RegisterMetricsRoute(router *mux.Router, m *metrics.Metrics) {
	router.Handle("/metrics", m.Handler()).Methods("GET")
}

func sendJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "content-type,idempotency-key,x-idempotency-key,x-correlation-id")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// sendErrorResponse sends a standardized error response
func sendErrorResponse(w http.ResponseWriter, log logger.Logger, message string, statusCode int, correlationID string) {
	log.Debug("Sending error response", map[string]interface{}{
		"correlation_id": correlationID,
		"status_code":    statusCode,
		"message":        message,
	})

	sendJSON(w, statusCode, ErrorResponse{
		Error:         message,
		Status:        statusCode,
		CorrelationID: correlationID,
	})
}
