package marketdata

import (
	"sync"
	"time"

	"github.com/obertruper/BOT-AI-V3-sub001/internal/domain/models"
	"github.com/obertruper/BOT-AI-V3-sub001/pkg/util"
)

// series is the per-symbol candle ring buffer. Candles are ordered by open
// time, most recent last. Writes arrive only through the cache's coalesced
// fetch path, reads may be concurrent.
type series struct {
	mu       sync.RWMutex
	candles  []models.Candle
	max      int
	lastUsed time.Time
}

func newSeries(max int, now time.Time) *series {
	return &series{max: max, lastUsed: now}
}

// window copies the most recent length candles. Returns false when the
// series is shorter than length.
func (s *series) window(length int) ([]models.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) < length {
		return nil, false
	}
	out := make([]models.Candle, length)
	copy(out, s.candles[len(s.candles)-length:])
	return out, true
}

func (s *series) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

func (s *series) oldest() (models.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return models.Candle{}, false
	}
	return s.candles[0], true
}

// stale reports whether the newest candle is older than one timeframe
// period, meaning the series misses at least the currently forming candle.
func (s *series) stale(now time.Time, tf models.Timeframe) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.candles)
	if n == 0 {
		return true
	}
	return now.Sub(s.candles[n-1].OpenTime) > tf.Duration()
}

// withinTolerance reports whether the newest candle is recent enough to be
// served after a failed refresh.
func (s *series) withinTolerance(now time.Time, tf models.Timeframe, tolerance time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.candles)
	if n == 0 {
		return false
	}
	return now.Sub(s.candles[n-1].OpenTime) <= tf.Duration()+tolerance
}

// fetchSince returns the open time a refresh should resume from: the stored
// tail so its final values get rewritten, or max periods back on first fill.
// The cold-start point is aligned to the timeframe grid so the fetch begins
// exactly at a candle open.
func (s *series) fetchSince(now time.Time, tf models.Timeframe) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n := len(s.candles); n > 0 {
		return s.candles[n-1].OpenTime
	}
	from, _ := util.AlignFromTo(now.Add(-time.Duration(s.max)*tf.Duration()), now, string(tf))
	return from
}

// merge upserts an ordered fetch batch. The tail candle is replaced in place
// when refetched (it may still have been forming), newer candles are
// appended, entries older than the tail are ignored. Overflow drops the
// oldest candles.
func (s *series) merge(batch []models.Candle) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, c := range batch {
		n := len(s.candles)
		switch {
		case n == 0 || c.OpenTime.After(s.candles[n-1].OpenTime):
			s.candles = append(s.candles, c)
			added++
		case c.OpenTime.Equal(s.candles[n-1].OpenTime):
			s.candles[n-1] = c
		}
	}

	if over := len(s.candles) - s.max; over > 0 {
		kept := make([]models.Candle, s.max)
		copy(kept, s.candles[over:])
		s.candles = kept
	}
	return added
}

func (s *series) touch(now time.Time) {
	s.mu.Lock()
	s.lastUsed = now
	s.mu.Unlock()
}

func (s *series) idleFor(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return now.Sub(s.lastUsed)
}
