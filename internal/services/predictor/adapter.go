package predictor

import (
	"context"
	"errors"
	"fmt"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
)

// ErrShapeMismatch is returned when the feature vector length does not match
// the model's expected input dimensionality, or when the model output cannot
// be decoded into the fixed horizon layout. Both indicate configuration or
// model-version drift, fatal for the symbol's run.
var ErrShapeMismatch = errors.New("predictor: shape mismatch")

// valuesPerHorizon is the fixed model output layout per horizon:
// [predicted return, p_down, p_flat, p_up].
const valuesPerHorizon = 4

// Adapter turns the opaque model function into structured predictions.
// It owns shape validation on the way in and decoding on the way out;
// the model itself stays a black box.
type Adapter struct {
	model service.Model
}

// NewAdapter creates an adapter over the given model.
func NewAdapter(model service.Model) *Adapter {
	return &Adapter{model: model}
}

// OutputDim returns the raw output length the adapter expects.
func (a *Adapter) OutputDim() int {
	return len(models.Horizons()) * valuesPerHorizon
}

// Infer validates the vector shape, calls the model, and decodes the raw
// output array into per-horizon predictions. Output index ranges are
// statically assigned to horizons in ascending order; direction is argmax
// over the class probabilities; confidence is the max class probability.
func (a *Adapter) Infer(ctx context.Context, fv *models.FeatureVector) (*models.ModelPrediction, error) {
	if fv == nil {
		return nil, fmt.Errorf("%w: nil feature vector", ErrShapeMismatch)
	}
	if want := a.model.InputDim(); fv.Dim() != want {
		return nil, fmt.Errorf("%w: feature count %d, model expects %d", ErrShapeMismatch, fv.Dim(), want)
	}

	raw, err := a.model.Predict(ctx, fv.Values)
	if err != nil {
		return nil, fmt.Errorf("model predict: %w", err)
	}

	horizons := models.Horizons()
	if len(raw) != len(horizons)*valuesPerHorizon {
		return nil, fmt.Errorf("%w: output length %d, want %d", ErrShapeMismatch, len(raw), len(horizons)*valuesPerHorizon)
	}

	pred := &models.ModelPrediction{
		Symbol:    fv.Symbol,
		Timestamp: fv.AsOf,
		Horizons:  make([]models.HorizonPrediction, 0, len(horizons)),
	}

	for i, h := range horizons {
		base := i * valuesPerHorizon
		probs := [3]float64{raw[base+1], raw[base+2], raw[base+3]}
		dir, conf := argmax(probs)
		pred.Horizons = append(pred.Horizons, models.HorizonPrediction{
			Horizon:    h,
			Return:     raw[base],
			Direction:  dir,
			Probs:      probs,
			Confidence: conf,
		})
	}

	return pred, nil
}

// argmax picks the direction with the highest class probability.
// Ties resolve to the lowest index, matching {down, flat, up} ordering.
func argmax(probs [3]float64) (models.Direction, float64) {
	best := 0
	for i := 1; i < len(probs); i++ {
		if probs[i] > probs[best] {
			best = i
		}
	}
	return models.Direction(best), probs[best]
}
