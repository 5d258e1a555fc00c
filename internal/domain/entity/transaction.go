package entity

import (
	"math"
	"regexp"
	"strings"
	"time"
)

// Status is the lifecycle state of a transaction
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Statuses lists every known status in lifecycle order
var Statuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no transition may leave s
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Storage key prefixes
const (
	TransactionKeyPrefix = "TXN#"
	IdempotencyKeyPrefix = "IDEMPOTENCY#"
)

// Clock returns the current time. Injected so callers control timestamps.
type Clock func() time.Time

// SystemClock is the wall clock in UTC
func SystemClock() time.Time {
	return time.Now().UTC()
}

// Transaction represents a financial transaction moving through the processing pipeline
type Transaction struct {
	ID                 string    `json:"id"`
	Amount             float64   `json:"amount"`
	Currency           string    `json:"currency"`
	Reference          string    `json:"reference"`
	Status             Status    `json:"status"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	ProcessingAttempts int       `json:"processingAttempts"`
	ErrorReason        string    `json:"errorReason,omitempty"`
	IdempotencyKey     string    `json:"idempotencyKey,omitempty"`
}

// IdempotencyRecord maps a client-supplied idempotency key to the transaction it originated
type IdempotencyRecord struct {
	IdempotencyKey string    `json:"idempotencyKey"`
	TransactionID  string    `json:"transactionId"`
	CreatedAt      time.Time `json:"createdAt"`
}

// CreateInput is the decoded client request for a new transaction
type CreateInput struct {
	Amount         float64
	Currency       string
	Reference      string
	IdempotencyKey string
}

// TransactionKey returns the storage key of the transaction with the given id
func TransactionKey(id string) string {
	return TransactionKeyPrefix + id
}

// IdempotencyKey returns the storage key of the idempotency record for key
func IdempotencyKey(key string) string {
	return IdempotencyKeyPrefix + key
}

// Validation messages, in the order the rules are checked
const (
	MsgAmountNotNumber    = "amount must be a number"
	MsgAmountNotPositive  = "amount must be greater than 0"
	MsgCurrencyNotString  = "currency must be a string"
	MsgCurrencyNotISOCode = "currency must be a 3-letter code"
	MsgReferenceRequired  = "reference is required"
)

// ValidationError reports the first domain rule a create input violates
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with the given message
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate checks the input against the domain rules and returns the first
// failing rule as a *ValidationError, or nil if the input is acceptable
func Validate(in CreateInput) error {
	if math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) {
		return NewValidationError(MsgAmountNotNumber)
	}

	if in.Amount <= 0 {
		return NewValidationError(MsgAmountNotPositive)
	}

	if !currencyPattern.MatchString(NormalizeCurrency(in.Currency)) {
		return NewValidationError(MsgCurrencyNotISOCode)
	}

	if strings.TrimSpace(in.Reference) == "" {
		return NewValidationError(MsgReferenceRequired)
	}

	return nil
}

// NormalizeCurrency trims and uppercases a currency code
func NormalizeCurrency(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// NewTransaction builds a PENDING transaction from a validated input
func NewTransaction(in CreateInput, id string, now time.Time) *Transaction {
	return &Transaction{
		ID:                 id,
		Amount:             in.Amount,
		Currency:           NormalizeCurrency(in.Currency),
		Reference:          strings.TrimSpace(in.Reference),
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
		ProcessingAttempts: 0,
		IdempotencyKey:     in.IdempotencyKey,
	}
}

// CanTransition reports whether moving from one status to another is a legal lifecycle edge
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}
