package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// FlushObserver is told about every batch handed to the sink.
type FlushObserver interface {
	AuditFlushed(ctx context.Context, events int, err error)
}

type RecorderConfig struct {
	Batcher  Config
	Sink     Sink
	Observer FlushObserver
	Logger   logr.Logger
	// WriteTimeout bounds every sink write made off the caller's deadline.
	// Zero means no deadline.
	WriteTimeout time.Duration
}

// pendingBatches is how many full batches may wait for the flush loop before
// Record writes one itself.
const pendingBatches = 16

// Recorder feeds events through a Batcher into a Sink. Sink failures are
// logged and counted but never returned to the caller recording the event.
type Recorder struct {
	batcher      *Batcher
	sink         Sink
	observer     FlushObserver
	logger       logr.Logger
	writeTimeout time.Duration
	interval     time.Duration

	flushed  atomic.Int64
	failures atomic.Int64
	dropped  atomic.Int64

	// mu guards started and stopped against the enqueue in Record.
	mu      sync.RWMutex
	started bool
	stopped bool
	batches chan []Event

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewRecorder(config RecorderConfig) *Recorder {
	if config.Logger.GetSink() == nil {
		config.Logger = logr.Discard()
	}
	if config.Sink == nil {
		config.Sink = LogSink{Logger: config.Logger}
	}
	batcher := NewBatcher(config.Batcher)

	return &Recorder{
		batcher:      batcher,
		sink:         config.Sink,
		observer:     config.Observer,
		logger:       config.Logger.WithName("audit"),
		writeTimeout: config.WriteTimeout,
		interval:     batcher.flushInterval,
		batches:      make(chan []Event, pendingBatches),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Record buffers event. A batch it completes is handed to the flush loop
// when running; otherwise it is written here, detached from ctx's
// cancellation since it carries other callers' events.
func (r *Recorder) Record(ctx context.Context, event Event) {
	batch := r.batcher.Add(event)
	if len(batch) == 0 {
		return
	}
	if r.enqueue(batch) {
		return
	}

	writeCtx, cancel := r.writeContext(context.WithoutCancel(ctx))
	defer cancel()
	_ = r.write(writeCtx, batch)
}

func (r *Recorder) enqueue(batch []Event) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.started || r.stopped {
		return false
	}
	select {
	case r.batches <- batch:
		return true
	default:
		return false
	}
}

func (r *Recorder) writeContext(parent context.Context) (context.Context, context.CancelFunc) {
	if r.writeTimeout > 0 {
		return context.WithTimeout(parent, r.writeTimeout)
	}
	return context.WithCancel(parent)
}

// FlushNow writes the batches waiting for the flush loop and whatever is
// buffered, and returns the sink errors, if any.
func (r *Recorder) FlushNow(ctx context.Context) error {
	var errs []error
	for {
		select {
		case queued := <-r.batches:
			if err := r.write(ctx, queued); err != nil {
				errs = append(errs, err)
			}
			continue
		default:
		}
		break
	}

	if batch := r.batcher.Flush(); len(batch) > 0 {
		if err := r.write(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) Pending() int {
	return r.batcher.Len()
}

type RecorderStats struct {
	Flushed  int64
	Failures int64
	// Dropped counts events in batches the sink rejected.
	Dropped int64
}

func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Flushed:  r.flushed.Load(),
		Failures: r.failures.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Start flushes on every FlushInterval tick until Stop.
func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.mu.Lock()
		r.started = true
		r.mu.Unlock()
		go r.flushLoop()
	})
}

// Stop ends the flush loop and writes anything still buffered, including
// batches handed off but not yet written.
func (r *Recorder) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stop)
	})
	started := true
	r.startOnce.Do(func() { started = false })
	if started {
		<-r.done
	}
	return r.FlushNow(ctx)
}

func (r *Recorder) flushLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case batch := <-r.batches:
			ctx, cancel := r.writeContext(context.Background())
			_ = r.write(ctx, batch)
			cancel()
		case <-ticker.C:
			ctx, cancel := r.writeContext(context.Background())
			_ = r.FlushNow(ctx)
			cancel()
		case <-r.stop:
			return
		}
	}
}

func (r *Recorder) write(ctx context.Context, batch []Event) error {
	err := r.sink.WriteBatch(ctx, batch)
	if r.observer != nil {
		r.observer.AuditFlushed(ctx, len(batch), err)
	}
	if err != nil {
		r.failures.Add(1)
		r.dropped.Add(int64(len(batch)))
		r.logger.Error(err, "audit sink rejected batch", "events", len(batch))
		return err
	}
	r.flushed.Add(1)
	r.logger.V(1).Info("flushed audit batch", "events", len(batch))
	return nil
}
