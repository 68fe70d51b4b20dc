package usecase

import (
	"context"
	"fmt"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	drepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/queue"
)

// SaveSignalJob persists queued signals to the signal store.
type SaveSignalJob struct {
	store drepo.SignalStore
}

var _ queue.Job = (*SaveSignalJob)(nil)

func NewSaveSignalJob(store drepo.SignalStore) *SaveSignalJob {
	return &SaveSignalJob{store: store}
}

func (j *SaveSignalJob) Name() string { return "save signal" }
func (j *SaveSignalJob) Type() string { return jobSaveSignal }

func (j *SaveSignalJob) Handle(ctx context.Context, payload interface{}) error {
	s, err := queue.ParsePayload[models.Signal](payload)
	if err != nil {
		return fmt.Errorf("parse signal payload: %w", err)
	}
	return j.store.SaveSignal(ctx, s)
}

// SaveEventJob persists queued position events to the event store.
type SaveEventJob struct {
	store drepo.PositionEventStore
}

var _ queue.Job = (*SaveEventJob)(nil)

func NewSaveEventJob(store drepo.PositionEventStore) *SaveEventJob {
	return &SaveEventJob{store: store}
}

func (j *SaveEventJob) Name() string { return "save position event" }
func (j *SaveEventJob) Type() string { return jobSaveEvent }

func (j *SaveEventJob) Handle(ctx context.Context, payload interface{}) error {
	e, err := queue.ParsePayload[models.PositionEvent](payload)
	if err != nil {
		return fmt.Errorf("parse event payload: %w", err)
	}
	return j.store.SaveEvent(ctx, e)
}
