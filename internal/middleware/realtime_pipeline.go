package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
)

const (
	flushBackoffMin = 50 * time.Millisecond
	flushBackoffMax = 2 * time.Second
)

// Proc is the downstream the pipeline feeds, normally the risk manager.
type Proc interface {
	Process(ctx context.Context, t *models.Tick) error
}

// TickPipeline sits between the WebSocket stream and the risk manager. It
// validates ticks, throttles per symbol, applies an optional transform, and
// buffers whatever downstream rejects so a flush loop can retry it later.
type TickPipeline struct {
	proc    Proc
	metrics domrepo.Metrics

	maxRPS    int
	bufSize   int
	transform func(*models.Tick) *models.Tick

	buf  chan *models.Tick
	stop chan struct{}

	mu      sync.Mutex
	running bool

	// lastSeen is touched only by the stream reader goroutine.
	lastSeen map[string]time.Time
}

type PipelineOption func(*TickPipeline)

// WithMaxRPS caps accepted ticks per second for each symbol.
func WithMaxRPS(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.maxRPS = n
		}
	}
}

// WithBufferSize sizes the retry buffer used while downstream is failing.
func WithBufferSize(n int) PipelineOption {
	return func(p *TickPipeline) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithTransform installs a hook that rewrites ticks before forwarding,
// normalizing symbol aliases for instance.
func WithTransform(fn func(*models.Tick) *models.Tick) PipelineOption {
	return func(p *TickPipeline) { p.transform = fn }
}

func NewTickPipeline(proc Proc, metrics domrepo.Metrics, opts ...PipelineOption) *TickPipeline {
	p := &TickPipeline{
		proc:     proc,
		metrics:  metrics,
		maxRPS:   20,
		bufSize:  1000,
		stop:     make(chan struct{}),
		lastSeen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.buf = make(chan *models.Tick, p.bufSize)
	return p
}

// Start launches the flush loop draining the retry buffer.
func (p *TickPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	go p.flushLoop(ctx)
}

// Stop halts the flush loop. Ticks still in the buffer stay there.
func (p *TickPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stop)
}

// Process validates, throttles and forwards one tick. Throttled ticks are
// dropped without error; downstream failures buffer the tick and surface
// the error to the caller.
func (p *TickPipeline) Process(ctx context.Context, t *models.Tick) error {
	start := time.Now()

	if err := checkTick(t); err != nil {
		p.metrics.RecordError("pipeline_validate")
		return err
	}
	if p.transform != nil {
		t = p.transform(t)
		if err := checkTick(t); err != nil {
			p.metrics.RecordError("pipeline_transform_invalid")
			return err
		}
	}
	if p.throttled(t.Symbol, start) {
		p.metrics.RecordError("pipeline_throttle")
		p.metrics.RecordError("pipeline_throttle_" + t.Symbol)
		return nil
	}

	if err := p.proc.Process(ctx, t); err != nil {
		p.metrics.RecordError("pipeline_process")
		p.enqueue(t)
		return fmt.Errorf("pipeline downstream: %w", err)
	}
	p.metrics.RecordLatency("pipeline_process", time.Since(start).Seconds())
	return nil
}

// flushLoop replays buffered ticks, backing off while downstream keeps
// failing and requeueing what it could not deliver.
func (p *TickPipeline) flushLoop(ctx context.Context) {
	delay := flushBackoffMin
	for {
		select {
		case <-p.stop:
			return
		case t := <-p.buf:
			if t == nil {
				continue
			}
			if err := p.proc.Process(ctx, t); err == nil {
				delay = flushBackoffMin
				continue
			}
			p.metrics.RecordError("pipeline_flush")
			if delay *= 2; delay > flushBackoffMax {
				delay = flushBackoffMax
			}
			time.Sleep(delay)
			select {
			case p.buf <- t:
			default:
				p.metrics.RecordError("pipeline_buffer_drop")
			}
		}
	}
}

func (p *TickPipeline) enqueue(t *models.Tick) {
	select {
	case p.buf <- t:
		p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.buf)))
	default:
		p.metrics.RecordError("pipeline_buffer_full")
	}
}

// throttled reports whether the tick lands inside the per-symbol minimum
// interval. Accepted ticks advance the window; rejected ones do not.
func (p *TickPipeline) throttled(symbol string, now time.Time) bool {
	if p.maxRPS <= 0 {
		return false
	}
	if last, ok := p.lastSeen[symbol]; ok && now.Sub(last) < time.Second/time.Duration(p.maxRPS) {
		return true
	}
	p.lastSeen[symbol] = now
	return false
}

func checkTick(t *models.Tick) error {
	switch {
	case t == nil:
		return fmt.Errorf("tick nil")
	case t.Symbol == "":
		return fmt.Errorf("symbol empty")
	case t.Timestamp <= 0:
		return fmt.Errorf("timestamp invalid")
	case t.Price <= 0:
		return fmt.Errorf("price must be positive")
	case t.Volume < 0:
		return fmt.Errorf("volume negative")
	default:
		return nil
	}
}
