package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/damon-houk/transaction-pipeline/internal/application/service"
	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/db"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/logger"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/metrics"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/middleware"
	"github.com/damon-houk/transaction-pipeline/internal/infrastructure/queue"
	"github.com/damon-houk/transaction-pipeline/internal/mocks"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDecodeCreateRequest(t *testing.T) {
	testCases := []struct {
		name    string
		body    string
		want    entity.CreateInput
		wantErr string
	}{
		{
			name: "Flat body",
			body: `{"amount": 12.5, "currency": "usd", "reference": "INV-1"}`,
			want: entity.CreateInput{Amount: 12.5, Currency: "usd", Reference: "INV-1"},
		},
		{
			name: "Wrapped in data",
			body: `{"data": {"amount": 3, "currency": "EUR", "reference": "R"}}`,
			want: entity.CreateInput{Amount: 3, Currency: "EUR", Reference: "R"},
		},
		{
			name: "Null data falls back to the body",
			body: `{"data": null, "amount": 3, "currency": "EUR", "reference": "R"}`,
			want: entity.CreateInput{Amount: 3, Currency: "EUR", Reference: "R"},
		},
		{
			name: "Non-string reference is treated as missing",
			body: `{"amount": 3, "currency": "EUR", "reference": 42}`,
			want: entity.CreateInput{Amount: 3, Currency: "EUR"},
		},
		{name: "Not JSON", body: `{"amount":`, wantErr: "InvalidJSON"},
		{name: "Empty body", body: ``, wantErr: entity.MsgAmountNotNumber},
		{name: "Array body", body: `[1, 2]`, wantErr: entity.MsgAmountNotNumber},
		{name: "Amount as string", body: `{"amount": "10", "currency": "USD", "reference": "R"}`, wantErr: entity.MsgAmountNotNumber},
		{name: "Null amount", body: `{"amount": null, "currency": "USD", "reference": "R"}`, wantErr: entity.MsgAmountNotNumber},
		{name: "Zero amount", body: `{"amount": 0, "currency": 5, "reference": "R"}`, wantErr: entity.MsgAmountNotPositive},
		{name: "Currency as number", body: `{"amount": 1, "currency": 840, "reference": "R"}`, wantErr: entity.MsgCurrencyNotString},
		{name: "Missing currency", body: `{"amount": 1, "reference": "R"}`, wantErr: entity.MsgCurrencyNotString},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := decodeCreateRequest([]byte(tc.body))
			if tc.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, tc.wantErr, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

type handlerFixture struct {
	router    *mux.Router
	store     *db.BadgerStore
	publisher *mocks.MockPublisher
	metrics   *metrics.Metrics
}

func newHandlerFixture(t *testing.T, opts ...HandlerOption) *handlerFixture {
	t.Helper()

	badgerDB, err := db.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { badgerDB.Close() })

	log := logger.NewNopLogger()
	store := db.NewBadgerStore(badgerDB)
	repo := db.NewTransactionRepository(store)
	svc := service.NewTransactionService(repo, log)

	publisher := new(mocks.MockPublisher)
	m := metrics.New()
	h := NewTransactionHandler(svc, publisher, m, log, opts...)

	router := NewRouter(h, m, log)
	RegisterMetricsRoute(router, m)

	return &handlerFixture{
		router:    router,
		store:     store,
		publisher: publisher,
		metrics:   m,
	}
}

// stored counts the transactions written to the store
func (f *handlerFixture) stored(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, f.store.Scan(context.Background(), entity.TransactionKeyPrefix, func(string, []byte) error {
		n++
		return nil
	}))
	return n
}

func (f *handlerFixture) post(body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeTransaction(t *testing.T, rec *httptest.ResponseRecorder) entity.Transaction {
	t.Helper()
	var tx entity.Transaction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tx))
	return tx
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

const validBody = `{"amount": 100.25, "currency": "usd", "reference": "INV-100"}`

func TestCreateTransactionHandler(t *testing.T) {
	t.Run("Creates and enqueues", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg queue.Message) bool {
			return msg.TransactionID != "" && msg.CorrelationID == "corr-1" && msg.ForceOutcome == ""
		})).Return(nil).Once()

		rec := f.post(validBody, map[string]string{middleware.CorrelationIDHeader: "corr-1"})

		assert.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "corr-1", rec.Header().Get(middleware.CorrelationIDHeader))
		tx := decodeTransaction(t, rec)
		assert.NotEmpty(t, tx.ID)
		assert.Equal(t, 100.25, tx.Amount)
		assert.Equal(t, "USD", tx.Currency)
		assert.Equal(t, entity.StatusPending, tx.Status)
		assert.Equal(t, 0, tx.ProcessingAttempts)

		f.publisher.AssertExpectations(t)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TransactionsCreated.WithLabelValues("created")))
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.QueueMessages.WithLabelValues("published")))
	})

	t.Run("Replay with a pending transaction enqueues again", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil).Twice()

		headers := map[string]string{"Idempotency-Key": "key-1"}
		first := f.post(validBody, headers)
		require.Equal(t, http.StatusCreated, first.Code)
		created := decodeTransaction(t, first)

		// Either header name carries the key
		second := f.post(validBody, map[string]string{"X-Idempotency-Key": "key-1"})
		require.Equal(t, http.StatusOK, second.Code)
		replayed := decodeTransaction(t, second)

		assert.Equal(t, created.ID, replayed.ID)
		f.publisher.AssertNumberOfCalls(t, "Publish", 2)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.TransactionsCreated.WithLabelValues("replayed")))
	})

	t.Run("X-Idempotency-Key wins over Idempotency-Key", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

		first := f.post(validBody, map[string]string{"X-Idempotency-Key": "key-x"})
		require.Equal(t, http.StatusCreated, first.Code)
		created := decodeTransaction(t, first)

		both := f.post(validBody, map[string]string{
			"X-Idempotency-Key": "key-x",
			"Idempotency-Key":   "key-plain",
		})
		require.Equal(t, http.StatusOK, both.Code)
		assert.Equal(t, created.ID, decodeTransaction(t, both).ID)

		blank := f.post(validBody, map[string]string{
			"X-Idempotency-Key": "  ",
			"Idempotency-Key":   "key-x",
		})
		require.Equal(t, http.StatusOK, blank.Code)
		assert.Equal(t, created.ID, decodeTransaction(t, blank).ID)
		assert.Equal(t, 1, f.stored(t))
	})

	t.Run("Validation errors", func(t *testing.T) {
		f := newHandlerFixture(t)

		testCases := []struct {
			body    string
			message string
		}{
			{`{"amount": -1, "currency": "USD", "reference": "R"}`, entity.MsgAmountNotPositive},
			{`{"amount": 1, "currency": "DOLLARS", "reference": "R"}`, entity.MsgCurrencyNotISOCode},
			{`{"amount": 1, "currency": "USD", "reference": "   "}`, entity.MsgReferenceRequired},
			{`{"amount": "1", "currency": "USD", "reference": "R"}`, entity.MsgAmountNotNumber},
			{`{"amount": 1, "currency": 840, "reference": "R"}`, entity.MsgCurrencyNotString},
			{`not json`, "InvalidJSON"},
		}

		for _, tc := range testCases {
			rec := f.post(tc.body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, tc.body)
			resp := decodeError(t, rec)
			assert.Equal(t, tc.message, resp.Error, tc.body)
			assert.Equal(t, http.StatusBadRequest, resp.Status)
			assert.NotEmpty(t, resp.CorrelationID)
		}

		assert.Equal(t, 0, f.stored(t))
		f.publisher.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
	})

	t.Run("Publish failure is an internal error", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("queue down")).Once()

		rec := f.post(validBody, nil)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "InternalError", decodeError(t, rec).Error)
	})

	t.Run("Forced outcome header ignored unless enabled", func(t *testing.T) {
		f := newHandlerFixture(t)
		f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg queue.Message) bool {
			return msg.ForceOutcome == ""
		})).Return(nil).Once()

		rec := f.post(validBody, map[string]string{ForceOutcomeHeader: "FAILED"})

		assert.Equal(t, http.StatusCreated, rec.Code)
		f.publisher.AssertExpectations(t)
	})

	t.Run("Forced outcome header honored when enabled", func(t *testing.T) {
		f := newHandlerFixture(t, WithForcedOutcomes(true))
		f.publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg queue.Message) bool {
			return msg.ForceOutcome == entity.StatusFailed
		})).Return(nil).Once()

		rec := f.post(validBody, map[string]string{ForceOutcomeHeader: "failed"})
		assert.Equal(t, http.StatusCreated, rec.Code)

		rec = f.post(validBody, map[string]string{ForceOutcomeHeader: "PROCESSING"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		f.publisher.AssertExpectations(t)
	})
}

func TestGetTransactionHandler(t *testing.T) {
	f := newHandlerFixture(t)
	f.publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)

	created := decodeTransaction(t, f.post(validBody, nil))

	t.Run("Existing transaction", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/"+created.ID, nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		tx := decodeTransaction(t, rec)
		assert.Equal(t, created.ID, tx.ID)
		assert.Equal(t, "INV-100", tx.Reference)
	})

	t.Run("Unknown transaction", func(t *testing.T) {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/transactions/missing", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NotFound", decodeError(t, rec).Error)
	})
}

func TestHealthAndMetrics(t *testing.T) {
	f := newHandlerFixture(t)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.CorrelationIDHeader))

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "transaction_pipeline_http_request_duration_seconds")

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.CorrelationIDHeader))
	assert.Equal(t, "NotFound", decodeError(t, rec).Error)

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/transactions", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
