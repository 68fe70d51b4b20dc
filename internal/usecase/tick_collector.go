package usecase

import (
	"context"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	drepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	mid "github.com/obertruper/BOT-AI-V3-sub001/internal/middleware"
)

// TickCollector connects the live tick stream to the risk manager through
// the validating pipeline.
type TickCollector struct {
	stream  drepo.TickStream
	rm      *RiskManager
	metrics drepo.Metrics
	pipe    *mid.TickPipeline
	symbols []string
}

// NewTickCollector creates a new TickCollector instance.
func NewTickCollector(stream drepo.TickStream, rm *RiskManager, metrics drepo.Metrics, pipe *mid.TickPipeline, symbols []string) *TickCollector {
	return &TickCollector{stream: stream, rm: rm, metrics: metrics, pipe: pipe, symbols: symbols}
}

// IsConnected returns true if the tick stream is connected.
func (c *TickCollector) IsConnected() bool {
	return c.stream.IsConnected()
}

func (c *TickCollector) Start(ctx context.Context) error {
	if err := c.stream.Connect(ctx); err != nil {
		return err
	}
	if err := c.stream.Subscribe(ctx, c.symbols); err != nil {
		return err
	}
	if c.pipe != nil {
		c.pipe.Start(ctx)
	}
	tickCh, errCh := c.stream.Read(ctx)
	go c.consume(ctx, tickCh, errCh)
	return nil
}

// consume drains ticks until the context ends. The stream closes both
// channels on a read failure; a nil channel blocks, so closed channels are
// parked until the reconnect delivers fresh ones.
func (c *TickCollector) consume(ctx context.Context, tickCh <-chan *models.Tick, errCh <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				c.metrics.RecordError("stream")
				for ctx.Err() == nil {
					// Reconnect paces itself with the configured delay
					if rerr := c.stream.Reconnect(ctx); rerr == nil {
						tickCh, errCh = c.stream.Read(ctx)
						break
					}
					c.metrics.RecordError("reconnect")
				}
			}
		case t, ok := <-tickCh:
			if !ok {
				tickCh = nil
				continue
			}
			if t == nil {
				continue
			}
			if c.pipe != nil {
				_ = c.pipe.Process(ctx, t)
			} else {
				_ = c.rm.Process(ctx, t)
			}
			c.metrics.RecordLastPrice(t.Symbol, t.Price)
		}
	}
}

func (c *TickCollector) Stop() error { return c.stream.Close() }

// Shutdown stops the pipeline and closes the stream.
func (c *TickCollector) Shutdown(ctx context.Context) error {
	if c.pipe != nil {
		c.pipe.Stop()
	}
	return c.stream.Close()
}
