package handler

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
)

// errInvalidJSON is returned when the request body is not JSON at all
var errInvalidJSON = errors.New("InvalidJSON")

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error         string `json:"error"`
	Status        int    `json:"status"`
	CorrelationID string `json:"correlationId"`
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	OK bool `json:"ok"`
}

// createEnvelope lets clients wrap the payload as {"data": {...}}
type createEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// decodeCreateRequest turns a raw request body into a CreateInput. Fields of
// the wrong JSON type are reported with the same messages the domain rules
// use, in the same order, so the edge and the core never disagree.
func decodeCreateRequest(body []byte) (entity.CreateInput, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return entity.CreateInput{}, errInvalidJSON
	}

	payload := body
	var env createEnvelope
	if err := json.Unmarshal(body, &env); err == nil && len(env.Data) > 0 && string(env.Data) != "null" {
		payload = env.Data
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		fields = map[string]json.RawMessage{}
	}

	var in entity.CreateInput
	if !decodeField(fields, "amount", &in.Amount) {
		return entity.CreateInput{}, entity.NewValidationError(entity.MsgAmountNotNumber)
	}
	if in.Amount <= 0 {
		return entity.CreateInput{}, entity.NewValidationError(entity.MsgAmountNotPositive)
	}
	if !decodeField(fields, "currency", &in.Currency) {
		return entity.CreateInput{}, entity.NewValidationError(entity.MsgCurrencyNotString)
	}
	// a non-string reference is treated as missing
	decodeField(fields, "reference", &in.Reference)

	return in, nil
}

// decodeField reports whether fields[name] is present, non-null and of the
// type of dst
func decodeField(fields map[string]json.RawMessage, name string, dst interface{}) bool {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}
