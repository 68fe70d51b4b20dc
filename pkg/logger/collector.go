package logger

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Publisher delivers a flushed batch of aggregated entries.
type Publisher interface {
	PublishMessage(ctx context.Context, topic string, payload interface{}) error
}

// CollectionConfig tunes the alert collector.
type CollectionConfig struct {
	TimeInterval   time.Duration // flush period
	CountThreshold int           // unique entries that force an early flush
	Topic          string        // destination topic for batches
	Publisher      Publisher
}

// AggregatedEntry is one deduplicated alert with its occurrence window.
type AggregatedEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// AlertCollector deduplicates error entries by content hash and flushes
// them in batches, on a timer or when the unique-entry count crosses the
// threshold. A hot failure loop produces one entry with a count instead of
// thousands of messages.
type AlertCollector struct {
	cfg    *CollectionConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*AggregatedEntry
}

func NewAlertCollector(cfg *CollectionConfig) *AlertCollector {
	ctx, cancel := context.WithCancel(context.Background())
	c := &AlertCollector{
		cfg:     cfg,
		cancel:  cancel,
		entries: make(map[string]*AggregatedEntry),
	}
	c.wg.Add(1)
	go c.flushLoop(ctx)
	return c
}

// Observe folds one log entry into the current batch.
func (c *AlertCollector) Observe(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := hashEntry(level, message, fields, caller)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, seen := c.entries[key]; seen {
		entry.Count++
		entry.LastSeen = now
	} else {
		c.entries[key] = &AggregatedEntry{
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}

	if len(c.entries) >= c.cfg.CountThreshold {
		c.flushLocked()
	}
}

// Close flushes whatever is pending and stops the collector.
func (c *AlertCollector) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *AlertCollector) flushLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		case <-ctx.Done():
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
			return
		}
	}
}

// flushLocked swaps the batch out and publishes it off the caller's
// goroutine. Callers must hold mu.
func (c *AlertCollector) flushLocked() {
	if len(c.entries) == 0 {
		return
	}

	batch := make([]AggregatedEntry, 0, len(c.entries))
	for _, entry := range c.entries {
		batch = append(batch, *entry)
	}
	c.entries = make(map[string]*AggregatedEntry)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.cfg.Publisher.PublishMessage(ctx, c.cfg.Topic, batch); err != nil {
			fmt.Printf("failed to publish aggregated alerts: %v\n", err)
		}
	}()
}

// hashEntry derives the dedup key from everything that makes an entry
// distinct.
func hashEntry(level, message string, fields map[string]interface{}, caller string) string {
	payload := struct {
		Level   string                 `json:"level"`
		Message string                 `json:"message"`
		Fields  map[string]interface{} `json:"fields"`
		Caller  string                 `json:"caller"`
	}{level, message, fields, caller}

	raw, _ := json.Marshal(payload)
	return fmt.Sprintf("%x", sha256.Sum256(raw))
}
