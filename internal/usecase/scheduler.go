package usecase

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	domrepo "github.com/obertruper/BOT-AI-V3-sub001/internal/domain/repository"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/service/cache"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/marketdata"
	"github.com/obertruper/BOT-AI-V3-sub001/internal/services/predictor"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/logger"
)

// runStage is the lifecycle stage of a symbol's current pipeline run.
type runStage uint8

const (
	StageIdle runStage = iota
	StageFetching
	StageComputing
	StageEmitting
	StageFailed
)

func (s runStage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageFetching:
		return "fetching"
	case StageComputing:
		return "computing"
	case StageEmitting:
		return "emitting"
	case StageFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Run outcomes recorded per symbol per tick.
const (
	outcomeOK            = "ok"
	outcomeNeutral       = "neutral"
	outcomeDuplicate     = "duplicate"
	outcomeRateLimited   = "rate_limited"
	outcomeNoData        = "no_data"
	outcomeShapeMismatch = "shape_mismatch"
	outcomeEmitFailed    = "emit_failed"
	outcomeInFlight      = "in_flight"
	outcomeSaturated     = "saturated"
)

// CandleWindows yields the most recent candles for a symbol, oldest first.
type CandleWindows interface {
	GetWindow(ctx context.Context, symbol string, tf models.Timeframe, length int) ([]models.Candle, error)
}

// FeatureComputer turns a candle window into a feature vector.
type FeatureComputer interface {
	Compute(window []models.Candle) (*models.FeatureVector, error)
	Lookback() int
}

// Inferrer runs the model over a feature vector.
type Inferrer interface {
	Infer(ctx context.Context, fv *models.FeatureVector) (*models.ModelPrediction, error)
}

// SignalReconciler folds per-horizon predictions into a single signal.
type SignalReconciler interface {
	Reconcile(pred *models.ModelPrediction, refPrice float64) (*models.Signal, error)
}

// SignalSink accepts reconciled signals for delivery.
type SignalSink interface {
	EmitSignal(ctx context.Context, s *models.Signal) error
}

type symbolState struct {
	Stage       runStage
	Running     bool
	LastRun     time.Time
	LastOutcome string
	LastError   string
}

// SymbolStatus is the externally visible run state of one symbol.
type SymbolStatus struct {
	Stage       string    `json:"stage"`
	Running     bool      `json:"running"`
	LastRun     time.Time `json:"last_run"`
	LastOutcome string    `json:"last_outcome"`
	LastError   string    `json:"last_error,omitempty"`
}

// Scheduler drives the fetch -> compute -> emit pipeline on a fixed tick.
// Each symbol runs independently inside a bounded worker pool; a symbol whose
// previous run is still in flight is skipped, never queued, so a slow model
// call cannot back the whole pipeline up.
type Scheduler struct {
	windows    CandleWindows
	engine     FeatureComputer
	model      Inferrer
	reconciler SignalReconciler
	emitter    SignalSink
	seen       *cache.TTLCache
	metrics    domrepo.Metrics
	log        *logger.Logger

	tf         models.Timeframe
	interval   time.Duration
	runTimeout time.Duration
	retryMax   int
	backoffMin time.Duration
	backoffMax time.Duration
	dedupTTL   time.Duration

	sem    chan struct{}
	mu     sync.RWMutex
	states map[string]*symbolState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type SchedulerOption func(*Scheduler)

// WithSchedulerInterval sets the tick period.
func WithSchedulerInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerWorkers bounds the number of concurrent symbol runs.
func WithSchedulerWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.sem = make(chan struct{}, n)
		}
	}
}

// WithRunTimeout bounds a single symbol run end to end.
func WithRunTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.runTimeout = d
		}
	}
}

// WithFetchRetry configures the backoff applied to rate-limited candle fetches.
func WithFetchRetry(max int, min, maxDelay time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if max > 0 {
			s.retryMax = max
		}
		if min > 0 {
			s.backoffMin = min
		}
		if maxDelay > 0 {
			s.backoffMax = maxDelay
		}
	}
}

// WithTimeframe sets the candle resolution the pipeline runs on.
func WithTimeframe(tf models.Timeframe) SchedulerOption {
	return func(s *Scheduler) { s.tf = models.NormalizeTimeframe(string(tf)) }
}

// WithDedupTTL sets how long an emitted fingerprint suppresses repeats.
func WithDedupTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.dedupTTL = d
		}
	}
}

func NewScheduler(
	symbols []string,
	windows CandleWindows,
	engine FeatureComputer,
	model Inferrer,
	reconciler SignalReconciler,
	emitter SignalSink,
	metrics domrepo.Metrics,
	log *logger.Logger,
	opts ...SchedulerOption,
) *Scheduler {
	s := &Scheduler{
		windows:    windows,
		engine:     engine,
		model:      model,
		reconciler: reconciler,
		emitter:    emitter,
		seen:       cache.NewTTLCache(),
		metrics:    metrics,
		log:        log,
		tf:         models.DefaultTimeframe(),
		interval:   60 * time.Second,
		retryMax:   2,
		backoffMin: 500 * time.Millisecond,
		backoffMax: 5 * time.Second,
		dedupTTL:   5 * time.Minute,
		sem:        make(chan struct{}, 4),
		states:     make(map[string]*symbolState, len(symbols)),
		stopCh:     make(chan struct{}),
	}
	for _, sym := range symbols {
		if sym != "" {
			s.states[sym] = &symbolState{Stage: StageIdle}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.runTimeout <= 0 {
		// Leave headroom so a run finishes before the next tick considers
		// the symbol again.
		s.runTimeout = s.interval - 5*time.Second
		if s.runTimeout <= 0 {
			s.runTimeout = s.interval
		}
	}
	return s
}

// Start launches the tick loop. The first pass runs immediately so fresh
// deployments do not sit idle for a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.loop(ctx)
	s.log.Info("scheduler started",
		logger.Duration("interval", s.interval),
		logger.Int("workers", cap(s.sem)),
		logger.String("timeframe", string(s.tf)),
	)
}

// Stop halts the tick loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.runDue(ctx)
	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// runDue dispatches one run per idle symbol, bounded by the worker pool.
// Map iteration order is random, so no symbol systematically starves when
// the pool saturates.
func (s *Scheduler) runDue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sym, st := range s.states {
		if st.Running {
			s.metrics.RecordRun(sym, outcomeInFlight)
			continue
		}
		select {
		case s.sem <- struct{}{}:
			st.Running = true
			s.wg.Add(1)
			go s.runSymbol(ctx, sym)
		default:
			s.metrics.RecordRun(sym, outcomeSaturated)
			s.log.Warn("scheduler worker pool saturated", logger.String("symbol", sym))
		}
	}
}

func (s *Scheduler) runSymbol(ctx context.Context, symbol string) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	outcome, err := s.run(ctx, symbol)

	s.metrics.RecordRun(symbol, outcome)
	s.metrics.RecordLatency("scheduler_run_seconds", time.Since(start).Seconds())

	switch {
	case err == nil:
	case outcome == outcomeShapeMismatch || outcome == outcomeEmitFailed:
		s.log.Error("scheduler run failed",
			logger.String("symbol", symbol),
			logger.String("outcome", outcome),
			logger.Error(err),
		)
	default:
		s.log.Warn("scheduler run skipped",
			logger.String("symbol", symbol),
			logger.String("outcome", outcome),
			logger.Error(err),
		)
	}

	s.mu.Lock()
	if st, ok := s.states[symbol]; ok {
		st.Running = false
		st.LastRun = start
		st.LastOutcome = outcome
		if err != nil {
			st.Stage = StageFailed
			st.LastError = err.Error()
		} else {
			st.Stage = StageIdle
			st.LastError = ""
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) run(ctx context.Context, symbol string) (string, error) {
	s.setStage(symbol, StageFetching)
	window, err := s.fetchWindow(ctx, symbol)
	if err != nil {
		if errors.Is(err, domrepo.ErrRateLimited) {
			return outcomeRateLimited, err
		}
		return outcomeNoData, err
	}
	refPrice := window[len(window)-1].Close

	s.setStage(symbol, StageComputing)
	fv, err := s.engine.Compute(window)
	if err != nil {
		return outcomeNoData, err
	}
	pred, err := s.model.Infer(ctx, fv)
	if err != nil {
		switch {
		case errors.Is(err, predictor.ErrShapeMismatch):
			return outcomeShapeMismatch, err
		case errors.Is(err, domrepo.ErrRateLimited):
			return outcomeRateLimited, err
		default:
			return outcomeNoData, err
		}
	}

	s.setStage(symbol, StageEmitting)
	sig, err := s.reconciler.Reconcile(pred, refPrice)
	if err != nil {
		return outcomeNoData, err
	}
	if sig.Type == models.SignalNeutral {
		return outcomeNeutral, nil
	}
	if _, dup := s.seen.Get(sig.Fingerprint); dup {
		return outcomeDuplicate, nil
	}

	sig.ID = uuid.NewString()
	if err := s.emitter.EmitSignal(ctx, sig); err != nil {
		return outcomeEmitFailed, err
	}
	// Mark only after delivery so a failed emission is retried, not
	// suppressed, on the next tick.
	s.seen.Set(sig.Fingerprint, true, s.dedupTTL)

	s.log.Info("signal emitted",
		logger.String("signal_id", sig.ID),
		logger.String("symbol", sig.Symbol),
		logger.String("type", string(sig.Type)),
		logger.Float64("confidence", sig.Confidence),
		logger.Float64("score", sig.Score),
		logger.String("primary_horizon", string(sig.PrimaryHorizon)),
	)
	return outcomeOK, nil
}

// fetchWindow retries rate-limited fetches with bounded backoff. All other
// fetch errors surface immediately and the symbol waits for the next tick.
func (s *Scheduler) fetchWindow(ctx context.Context, symbol string) ([]models.Candle, error) {
	var window []models.Candle
	op := func() error {
		w, err := s.windows.GetWindow(ctx, symbol, s.tf, s.engine.Lookback())
		if err != nil {
			if errors.Is(err, domrepo.ErrRateLimited) {
				return err
			}
			return backoff.Permanent(err)
		}
		window = w
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffMin
	bo.MaxInterval = s.backoffMax
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.retryMax)), ctx)); err != nil {
		return nil, err
	}
	if len(window) == 0 {
		return nil, marketdata.ErrInsufficientHistory
	}
	return window, nil
}

func (s *Scheduler) setStage(symbol string, stage runStage) {
	s.mu.Lock()
	if st, ok := s.states[symbol]; ok {
		st.Stage = stage
	}
	s.mu.Unlock()
}

// AddSymbol registers a symbol for scheduling from the next tick on.
// Returns false if the symbol is empty or already tracked.
func (s *Scheduler) AddSymbol(symbol string) bool {
	if symbol == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[symbol]; ok {
		return false
	}
	s.states[symbol] = &symbolState{Stage: StageIdle}
	s.log.Info("symbol added", logger.String("symbol", symbol))
	return true
}

// RemoveSymbol drops a symbol from scheduling. An in-flight run finishes
// but its state record is gone, so nothing further is scheduled.
func (s *Scheduler) RemoveSymbol(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[symbol]; !ok {
		return false
	}
	delete(s.states, symbol)
	s.log.Info("symbol removed", logger.String("symbol", symbol))
	return true
}

// Symbols returns the currently scheduled symbols.
func (s *Scheduler) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.states))
	for sym := range s.states {
		out = append(out, sym)
	}
	return out
}

// Status snapshots the run state of every scheduled symbol.
func (s *Scheduler) Status() map[string]SymbolStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SymbolStatus, len(s.states))
	for sym, st := range s.states {
		out[sym] = SymbolStatus{
			Stage:       st.Stage.String(),
			Running:     st.Running,
			LastRun:     st.LastRun,
			LastOutcome: st.LastOutcome,
			LastError:   st.LastError,
		}
	}
	return out
}
