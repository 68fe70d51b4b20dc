package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

// stubModel returns a canned output array, standing in for the real model.
type stubModel struct {
	dim     int
	outputs []float64
	err     error
	calls   int
}

func (s *stubModel) Predict(_ context.Context, features []float64) ([]float64, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.outputs, nil
}

func (s *stubModel) InputDim() int { return s.dim }

func featureVec(dim int) *models.FeatureVector {
	vals := make([]float64, dim)
	for i := range vals {
		vals[i] = float64(i) * 0.01
	}
	return &models.FeatureVector{
		Symbol: "BTCUSDT",
		AsOf:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Values: vals,
	}
}

func TestInferRejectsWrongInputDim(t *testing.T) {
	m := &stubModel{dim: 26}
	a := NewAdapter(m)

	_, err := a.Infer(context.Background(), featureVec(25))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
	assert.Equal(t, 0, m.calls, "model must not be called on shape mismatch")
}

func TestInferRejectsWrongOutputLength(t *testing.T) {
	m := &stubModel{dim: 26, outputs: make([]float64, 15)}
	a := NewAdapter(m)

	_, err := a.Infer(context.Background(), featureVec(26))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestInferDecodesHorizonsAscending(t *testing.T) {
	// 4 horizons x [return, p_down, p_flat, p_up]
	out := []float64{
		0.012, 0.1, 0.2, 0.7, // 15m: up
		0.008, 0.2, 0.3, 0.5, // 1h: up
		-0.004, 0.6, 0.3, 0.1, // 4h: down
		0.001, 0.2, 0.5, 0.3, // 12h: flat
	}
	m := &stubModel{dim: 26, outputs: out}
	a := NewAdapter(m)

	pred, err := a.Infer(context.Background(), featureVec(26))
	require.NoError(t, err)
	require.Len(t, pred.Horizons, 4)

	assert.Equal(t, "BTCUSDT", pred.Symbol)
	assert.Equal(t, models.Horizons(), []models.Horizon{
		pred.Horizons[0].Horizon,
		pred.Horizons[1].Horizon,
		pred.Horizons[2].Horizon,
		pred.Horizons[3].Horizon,
	})

	h0 := pred.Horizons[0]
	assert.Equal(t, models.Horizon15m, h0.Horizon)
	assert.InDelta(t, 0.012, h0.Return, 1e-12)
	assert.Equal(t, models.DirUp, h0.Direction)
	assert.InDelta(t, 0.7, h0.Confidence, 1e-12)
	assert.Equal(t, [3]float64{0.1, 0.2, 0.7}, h0.Probs)

	assert.Equal(t, models.DirUp, pred.Horizons[1].Direction)
	assert.Equal(t, models.DirDown, pred.Horizons[2].Direction)
	assert.Equal(t, models.DirFlat, pred.Horizons[3].Direction)
	assert.InDelta(t, 0.5, pred.Horizons[3].Confidence, 1e-12)
}

func TestInferPropagatesModelError(t *testing.T) {
	want := errors.New("inference service down")
	m := &stubModel{dim: 26, err: want}
	a := NewAdapter(m)

	_, err := a.Infer(context.Background(), featureVec(26))
	require.Error(t, err)
	assert.True(t, errors.Is(err, want))
}

func TestArgmaxTieResolvesToLowerIndex(t *testing.T) {
	dir, conf := argmax([3]float64{0.4, 0.4, 0.2})
	assert.Equal(t, models.DirDown, dir)
	assert.InDelta(t, 0.4, conf, 1e-12)
}
