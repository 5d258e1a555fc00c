// Package queue carries processing requests from the API to the workers
// with at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
)

// ErrEmpty is returned by Receive when no message arrived before the timeout
var ErrEmpty = errors.New("queue empty")

// Message asks a worker to process one transaction
type Message struct {
	TransactionID string        `json:"transactionId"`
	CorrelationID string        `json:"correlationId,omitempty"`
	ForceOutcome  entity.Status `json:"forceOutcome,omitempty"`
}

// Publisher enqueues processing requests
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Delivery is a received message that must be acknowledged or rejected
type Delivery struct {
	Body string
}

// Decode parses the delivery body into a Message
func (d *Delivery) Decode() (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(d.Body), &msg); err != nil {
		return Message{}, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.TransactionID == "" {
		return Message{}, errors.New("failed to decode message: transactionId is required")
	}
	if msg.ForceOutcome != "" && !msg.ForceOutcome.IsTerminal() {
		return Message{}, fmt.Errorf("failed to decode message: invalid forceOutcome %q", msg.ForceOutcome)
	}
	return msg, nil
}

func encode(msg Message) (string, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	return string(data), nil
}
