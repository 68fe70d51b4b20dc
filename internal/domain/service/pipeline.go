package service

import (
	"context"
	"errors"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// ErrExecutionRejected is returned by an Executor when the execution service
// refuses an order. The position stays in its pre-transition state.
var ErrExecutionRejected = errors.New("execution rejected")

// Model is the opaque prediction function: a feature vector in, a flat
// numeric output array out. The adapter owns shape validation and decoding.
type Model interface {
	Predict(ctx context.Context, features []float64) ([]float64, error)
	InputDim() int
}

// Executor submits orders to the external execution service. Entry fills are
// confirmed asynchronously on the fills topic.
type Executor interface {
	OpenPosition(ctx context.Context, s *models.Signal, quantity float64) (*models.Position, error)
	ClosePosition(ctx context.Context, positionID string, fraction float64) error
	UpdateStop(ctx context.Context, positionID string, newStop float64) error
}

// Alerter surfaces critical conditions to the owning collaborator. A missed
// stop-loss dispatch is the most severe failure mode in this system, so
// Critical must never drop silently.
type Alerter interface {
	Critical(ctx context.Context, key, message string, fields map[string]interface{})
}
