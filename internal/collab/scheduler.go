package collab

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultCompactionThreshold is the version interval that triggers a partial compaction.
const DefaultCompactionThreshold int64 = 100

// CompactionOptions tunes background compaction.
type CompactionOptions struct {
	Threshold   int64
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o CompactionOptions) withDefaults() CompactionOptions {
	if o.Threshold <= 0 {
		o.Threshold = DefaultCompactionThreshold
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.BaseBackoff {
		o.MaxBackoff = 5 * time.Second
		if o.MaxBackoff < o.BaseBackoff {
			o.MaxBackoff = o.BaseBackoff
		}
	}
	return o
}

type compactFunc func(ctx context.Context, roomName string, upToVersion int64) error

type compactionJob struct {
	target int64
	dirty  bool
}

// compactionScheduler runs compactions on a bounded queue of rooms. A room has
// at most one queued or running job; later targets raise the pending one.
type compactionScheduler struct {
	compact compactFunc
	logger  *zap.Logger

	queue       chan string
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu     sync.Mutex
	jobs   map[string]*compactionJob
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCompactionScheduler(compact compactFunc, options CompactionOptions, logger *zap.Logger) *compactionScheduler {
	if logger == nil {
		logger = noOpLogger
	}
	ctx, cancel := context.WithCancel(context.Background())
	scheduler := &compactionScheduler{
		compact:     compact,
		logger:      logger,
		queue:       make(chan string, options.QueueSize),
		maxRetry:    options.MaxRetry,
		baseBackoff: options.BaseBackoff,
		maxBackoff:  options.MaxBackoff,
		jobs:        make(map[string]*compactionJob),
		ctx:         ctx,
		cancel:      cancel,
	}
	for workerID := 0; workerID < options.Workers; workerID++ {
		scheduler.wg.Add(1)
		go scheduler.workerLoop()
	}
	return scheduler
}

// schedule requests a compaction up to upToVersion and reports whether it was accepted.
func (s *compactionScheduler) schedule(roomName string, upToVersion int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if job, ok := s.jobs[roomName]; ok {
		if upToVersion > job.target {
			job.target = upToVersion
		}
		job.dirty = true
		return true
	}
	select {
	case s.queue <- roomName:
		s.jobs[roomName] = &compactionJob{target: upToVersion, dirty: true}
		return true
	default:
		// The next threshold crossing or the final compaction covers this range.
		s.logger.Warn("compaction queue full", zap.String("room_name", roomName), zap.Int64("version", upToVersion))
		return false
	}
}

func (s *compactionScheduler) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *compactionScheduler) workerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case roomName := <-s.queue:
			s.drain(roomName)
		}
	}
}

func (s *compactionScheduler) drain(roomName string) {
	for {
		s.mu.Lock()
		job := s.jobs[roomName]
		if !job.dirty || s.ctx.Err() != nil {
			delete(s.jobs, roomName)
			s.mu.Unlock()
			return
		}
		target := job.target
		job.dirty = false
		s.mu.Unlock()

		s.runWithRetry(roomName, target)
	}
}

func (s *compactionScheduler) runWithRetry(roomName string, target int64) {
	for attempt := 0; ; attempt++ {
		// Shutdown waits for a started compaction instead of aborting it halfway.
		err := s.compact(context.WithoutCancel(s.ctx), roomName, target)
		if err == nil {
			return
		}
		if attempt >= s.maxRetry {
			s.logger.Error(
				"compaction abandoned",
				zap.String("room_name", roomName),
				zap.Int64("version", target),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}
		backoff := s.baseBackoff * time.Duration(1<<attempt)
		if backoff > s.maxBackoff {
			backoff = s.maxBackoff
		}
		s.logger.Warn("compaction retry scheduled", zap.String("room_name", roomName), zap.Duration("backoff", backoff), zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}
	}
}
