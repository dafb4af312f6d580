package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 30 * time.Second
)

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	Now           func() time.Time
}

// Batcher accumulates events until either BatchSize events are buffered or
// FlushInterval has passed since the last flush.
type Batcher struct {
	mu        sync.Mutex
	buffer    []Event
	lastFlush time.Time

	batchSize     int
	flushInterval time.Duration
	now           func() time.Time
}

func NewBatcher(config Config) *Batcher {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &Batcher{
		buffer:        make([]Event, 0, config.BatchSize),
		lastFlush:     config.Now(),
		batchSize:     config.BatchSize,
		flushInterval: config.FlushInterval,
		now:           config.Now,
	}
}

// Add stamps event with the current time, buffers it and returns the
// flushed batch when a threshold is reached. Otherwise it returns nil.
func (b *Batcher) Add(event Event) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.Timestamp = now
	b.buffer = append(b.buffer, event)

	if len(b.buffer) >= b.batchSize || now.Sub(b.lastFlush) >= b.flushInterval {
		return b.flushLocked(now)
	}
	return nil
}

// Flush returns every buffered event, possibly none, and resets the
// interval clock.
func (b *Batcher) Flush() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(b.now())
}

func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Due reports whether FlushInterval has passed since the last flush.
func (b *Batcher) Due() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Sub(b.lastFlush) >= b.flushInterval
}

func (b *Batcher) flushLocked(now time.Time) []Event {
	batch := b.buffer
	b.buffer = make([]Event, 0, b.batchSize)
	b.lastFlush = now
	return batch
}
