package service

import (
	"math/rand"
	"sync"

	"github.com/damon-houk/transaction-pipeline/internal/domain/entity"
)

const (
	// DefaultSuccessRate is the share of simulated processing attempts that complete
	DefaultSuccessRate = 0.85

	// ReasonProcessingError is recorded on transactions the simulation fails
	ReasonProcessingError = "PROCESSING_ERROR"

	// ReasonForcedFailure is recorded when a failure was forced by the caller
	ReasonForcedFailure = "FORCED_FAILURE"
)

// Outcome is the terminal decision for one processing attempt
type Outcome struct {
	Status      entity.Status
	ErrorReason string
}

// Completed is a successful outcome
func Completed() Outcome {
	return Outcome{Status: entity.StatusCompleted}
}

// Failed is a failed outcome with the given reason
func Failed(reason string) Outcome {
	return Outcome{Status: entity.StatusFailed, ErrorReason: reason}
}

// OutcomeDecider settles a transaction that has entered PROCESSING
type OutcomeDecider func() Outcome

// FixedDecider always returns o
func FixedDecider(o Outcome) OutcomeDecider {
	return func() Outcome { return o }
}

// RandomDecider completes a transaction with probability successRate and
// fails it with ReasonProcessingError otherwise. A nil rng uses the global source.
func RandomDecider(successRate float64, rng *rand.Rand) OutcomeDecider {
	var mu sync.Mutex
	roll := rand.Float64
	if rng != nil {
		roll = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return rng.Float64()
		}
	}

	return func() Outcome {
		if roll() < successRate {
			return Completed()
		}
		return Failed(ReasonProcessingError)
	}
}

// ForcedDecider returns a decider for a caller-forced terminal status
func ForcedDecider(status entity.Status) OutcomeDecider {
	if status == entity.StatusFailed {
		return FixedDecider(Failed(ReasonForcedFailure))
	}
	return FixedDecider(Outcome{Status: status})
}
