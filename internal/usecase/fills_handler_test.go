package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
)

func newFillsHarness(t *testing.T) (*KafkaFillsHandler, *riskHarness, *countMetrics) {
	t.Helper()
	h := newRiskHarness(t)
	metrics := newCountMetrics()
	fh := NewKafkaFillsHandler("botai.fills", h.rm, []float64{0.5, 0.3, 0.2}, metrics, testLogger(t))
	return fh, h, metrics
}

func TestFillsHandlerTopic(t *testing.T) {
	fh, _, _ := newFillsHarness(t)
	assert.Equal(t, "botai.fills", fh.Topic())
}

func TestHandleFillTracksPosition(t *testing.T) {
	fh, h, _ := newFillsHarness(t)

	msg := []byte(`{
		"position_id": "pos-1",
		"symbol": "BTCUSDT",
		"side": "long",
		"price": 50000,
		"quantity": 0.4,
		"signal_id": "sig-9",
		"stop_loss": 49000,
		"take_profits": [50500, 51000, 52000],
		"ts": 1748779200000
	}`)
	require.NoError(t, fh.Handle(context.Background(), msg))

	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	p := ps[0]
	assert.Equal(t, "pos-1", p.ID)
	assert.Equal(t, models.SideLong, p.Side)
	assert.InDelta(t, 50000.0, p.EntryPrice, 1e-9)
	assert.InDelta(t, 0.4, p.Quantity, 1e-9)
	assert.InDelta(t, 49000.0, p.StopLoss, 1e-9)
	assert.Equal(t, "sig-9", p.SignalID)
	assert.Equal(t, int64(1748779200), p.OpenedAt.Unix(), "millisecond timestamps are normalized")

	require.Len(t, p.TakeProfits, 3)
	assert.InDelta(t, 50500.0, p.TakeProfits[0].Price, 1e-9)
	assert.InDelta(t, 0.5, p.TakeProfits[0].Fraction, 1e-9)
	assert.InDelta(t, 0.2, p.TakeProfits[2].Fraction, 1e-9)
}

func TestHandleFillShortSideAndGeneratedID(t *testing.T) {
	fh, h, _ := newFillsHarness(t)

	msg := []byte(`{"symbol":"ETHUSDT","side":"sell","price":3000,"quantity":1,"ts":1748779200}`)
	require.NoError(t, fh.Handle(context.Background(), msg))

	ps := h.rm.Positions()
	require.Len(t, ps, 1)
	assert.Equal(t, models.SideShort, ps[0].Side)
	assert.NotEmpty(t, ps[0].ID, "missing position_id gets a generated one")
	assert.Empty(t, ps[0].TakeProfits, "no targets means no levels")
}

func TestHandleFillMalformedJSON(t *testing.T) {
	fh, h, metrics := newFillsHarness(t)

	require.Error(t, fh.Handle(context.Background(), []byte(`{"symbol":`)))

	assert.Equal(t, 1, metrics.errorCount("fill_unmarshal"))
	assert.Empty(t, h.rm.Positions())
}

func TestHandleFillRejectsNonPositiveFields(t *testing.T) {
	fh, h, metrics := newFillsHarness(t)

	cases := []string{
		`{"symbol":"","side":"long","price":50000,"quantity":1,"ts":1}`,
		`{"symbol":"BTCUSDT","side":"long","price":0,"quantity":1,"ts":1}`,
		`{"symbol":"BTCUSDT","side":"long","price":50000,"quantity":0,"ts":1}`,
	}
	for _, msg := range cases {
		require.Error(t, fh.Handle(context.Background(), []byte(msg)), msg)
	}

	assert.Equal(t, len(cases), metrics.errorCount("fill_invalid"))
	assert.Empty(t, h.rm.Positions())
}

func TestHandleFillBadLevelSchedule(t *testing.T) {
	fh, h, metrics := newFillsHarness(t)

	// Two targets against three configured fractions cannot be paired.
	msg := []byte(`{"symbol":"BTCUSDT","side":"long","price":50000,"quantity":1,"take_profits":[50500,51000],"ts":1}`)
	require.Error(t, fh.Handle(context.Background(), msg))

	assert.Equal(t, 1, metrics.errorCount("fill_levels"))
	assert.Empty(t, h.rm.Positions())
}
