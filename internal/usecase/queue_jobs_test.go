package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

func TestSaveSignalJobPersistsTypedPayload(t *testing.T) {
	store := &memSignalStore{}
	job := NewSaveSignalJob(store)

	assert.Equal(t, jobSaveSignal, job.Type())
	require.NoError(t, job.Handle(context.Background(), testSignalFixture()))

	require.Equal(t, 1, store.savedCount())
	assert.Equal(t, "BTCUSDT", store.saved[0].Symbol)
}

func TestSaveSignalJobPersistsMapPayload(t *testing.T) {
	store := &memSignalStore{}
	job := NewSaveSignalJob(store)

	// Payloads round-trip through JSON when they arrive as generic maps,
	// which is what the queue hands a consumer in another process.
	payload := map[string]interface{}{
		"ID":     "sig-2",
		"Symbol": "ETHUSDT",
		"Type":   "SHORT",
	}
	require.NoError(t, job.Handle(context.Background(), payload))

	require.Equal(t, 1, store.savedCount())
	assert.Equal(t, "ETHUSDT", store.saved[0].Symbol)
	assert.Equal(t, models.SignalShort, store.saved[0].Type)
}

func TestSaveSignalJobRejectsUnknownPayload(t *testing.T) {
	job := NewSaveSignalJob(&memSignalStore{})
	require.Error(t, job.Handle(context.Background(), 42))
}

func TestSaveEventJobPersistsPayload(t *testing.T) {
	store := &memEventStore{}
	job := NewSaveEventJob(store)

	assert.Equal(t, jobSaveEvent, job.Type())
	require.NoError(t, job.Handle(context.Background(), &models.PositionEvent{
		ID:         "ev-1",
		PositionID: "pos-1",
		Kind:       models.EventPartialClose,
	}))

	require.Equal(t, 1, store.savedCount())
	assert.Equal(t, models.EventPartialClose, store.saved[0].Kind)
}
