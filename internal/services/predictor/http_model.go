package predictor

import (
	"context"
	"fmt"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/service"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/config"
	xhttp "github.com/obertruper/BOT-AI-V3-sub001/pkg/http"
)

const (
	defaultModelTimeout = 5 * time.Second
	defaultModelRPS     = 5.0
)

// HTTPModel calls the inference service over HTTP. Requests are rate limited
// client-side and retried with exponential backoff on transient failures.
type HTTPModel struct {
	baseURL  string
	client   *xhttp.Client
	inputDim int
	retryMax int
}

var _ service.Model = (*HTTPModel)(nil)

// NewHTTPModel builds the inference client from config. inputDim must match
// the feature engine's output dimension.
func NewHTTPModel(cfg *config.Config, inputDim int) *HTTPModel {
	timeout := cfg.Model.Timeout
	if timeout <= 0 {
		timeout = defaultModelTimeout
	}
	rps := cfg.Model.RateRPS
	if rps <= 0 {
		rps = defaultModelRPS
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &HTTPModel{
		baseURL:  cfg.Model.URL,
		client:   xhttp.NewClient(xhttp.WithTimeout(timeout), xhttp.WithRateLimit(rps, burst)),
		inputDim: inputDim,
		retryMax: cfg.Model.RetryMax,
	}
}

type predictReq struct {
	Features []float64 `json:"features"`
}

type predictResp struct {
	Outputs []float64 `json:"outputs"`
}

// Predict posts the feature vector and returns the raw output array.
func (m *HTTPModel) Predict(ctx context.Context, features []float64) ([]float64, error) {
	var pr predictResp
	err := m.client.SendWithRetry(ctx, &xhttp.RequestOptions{
		Method:  xhttp.MethodPost,
		URL:     m.baseURL + "/predict",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    predictReq{Features: features},
	}, &pr, m.retryMax)
	if err != nil {
		return nil, fmt.Errorf("post predict: %w", err)
	}
	return pr.Outputs, nil
}

// InputDim returns the expected feature vector length.
func (m *HTTPModel) InputDim() int {
	return m.inputDim
}
