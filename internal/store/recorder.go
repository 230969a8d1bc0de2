package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"framepipe/internal/pipeline"
)

// RecorderStats is a snapshot of recorder counters
type RecorderStats struct {
	Saved   uint64 `json:"saved"`
	Dropped uint64 `json:"dropped"` // Queue was full
	Errors  uint64 `json:"errors"`
}

// Recorder persists pipeline results from its own goroutine so the
// inference loop never waits on the database
type Recorder struct {
	store     *Store
	skipEmpty bool
	logger    *zap.SugaredLogger

	queue     chan *pipeline.Result
	done      chan struct{}
	closeOnce sync.Once

	saved   atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewRecorder starts a recorder. skipEmpty drops results without detections.
func NewRecorder(store *Store, queueSize int, skipEmpty bool, logger *zap.SugaredLogger) *Recorder {
	if queueSize <= 0 {
		queueSize = 64
	}
	r := &Recorder{
		store:     store,
		skipEmpty: skipEmpty,
		logger:    logger,
		queue:     make(chan *pipeline.Result, queueSize),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

// OnResult queues a result without blocking
func (r *Recorder) OnResult(result *pipeline.Result) {
	if r.skipEmpty && len(result.Detections) == 0 {
		return
	}
	select {
	case r.queue <- result:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warnw("Result queue full, dropping", "dropped", n)
		}
	}
}

func (r *Recorder) run() {
	defer close(r.done)

	for result := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := r.store.SaveResult(ctx, &ResultRecord{
			ID:          uuid.New().String(),
			RunID:       result.RunID,
			FrameSeq:    result.FrameSeq,
			Timestamp:   result.Timestamp,
			RawCount:    result.RawCount,
			InferenceMs: float64(result.InferenceMs),
			Detections:  result.Detections,
		})
		cancel()

		if err != nil {
			if n := r.errors.Add(1); n == 1 || n%100 == 0 {
				r.logger.Errorw("Saving result failed", "frame", result.FrameSeq, "errors", n, "error", err)
			}
			continue
		}
		r.saved.Add(1)
	}
}

// Close stops accepting results and waits until the queue is written.
// OnResult must not be called after Close.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	<-r.done
}

// Stats returns a snapshot of the recorder counters
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Saved:   r.saved.Load(),
		Dropped: r.dropped.Load(),
		Errors:  r.errors.Load(),
	}
}

var _ pipeline.ResultHandler = (*Recorder)(nil)
