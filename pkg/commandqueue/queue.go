package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrClosed is returned for tasks submitted after Close.
	ErrClosed = errors.New("command queue closed")

	// ErrLaneCleared is returned to tasks dropped by ClearLane.
	ErrLaneCleared = errors.New("lane cleared")
)

// Task is one unit of work. The context is cancelled when the caller's
// context is done or the queue closes.
type Task func(ctx context.Context) (interface{}, error)

type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	result     chan taskResult
}

type taskResult struct {
	value interface{}
	err   error
}

type laneState struct {
	queue   []*taskRecord
	running bool
}

// LaneStats describes a lane at one moment.
type LaneStats struct {
	Queued  int  `json:"queued"`
	Running bool `json:"running"`
}

// CommandQueue serializes tasks per lane.
type CommandQueue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates an empty queue.
func New(logger zerolog.Logger) *CommandQueue {
	observability.EnsureRegistered()

	ctx, cancel := context.WithCancel(context.Background())
	return &CommandQueue{
		lanes:  make(map[string]*laneState),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "commandqueue").Logger(),
	}
}

// Enqueue adds task to lane and blocks until it has run. A task whose ctx
// is done by the time its turn comes is skipped with ctx.Err().
func (cq *CommandQueue) Enqueue(ctx context.Context, lane string, task Task) (interface{}, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := tracing.StartSpan(ctx, "clawgate.commandqueue", "commandqueue.enqueue", attribute.String("lane", lane))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil, ErrClosed
	}
	cq.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, cq.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		result:     make(chan taskResult, 1),
	}
	ls, ok := cq.lanes[lane]
	if !ok {
		ls = &laneState{}
		cq.lanes[lane] = ls
	}
	ls.queue = append(ls.queue, record)
	depth := len(ls.queue)
	cq.mu.Unlock()

	observability.SetQueueDepth(lane, depth)
	logger.Debug().Str("lane", lane).Str("taskId", record.id).Int("queueSize", depth).Msg("Task enqueued")

	cq.pump(lane)

	res := <-record.result
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
	}
	return res.value, res.err
}

// pump starts the head of lane if nothing in that lane is running.
func (cq *CommandQueue) pump(lane string) {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok || ls.running {
		return
	}

	for len(ls.queue) > 0 {
		record := ls.queue[0]
		ls.queue = ls.queue[1:]
		observability.SetQueueDepth(lane, len(ls.queue))

		if err := record.ctx.Err(); err != nil {
			record.result <- taskResult{err: err}
			continue
		}

		ls.running = true
		cq.wg.Add(1)
		go cq.execute(lane, record)
		return
	}

	// Idle lanes are dropped so per-session lanes do not accumulate.
	delete(cq.lanes, lane)
	observability.DeleteQueueDepth(lane)
}

func (cq *CommandQueue) execute(lane string, record *taskRecord) {
	defer cq.wg.Done()

	ctx, span := tracing.StartSpan(record.ctx, "clawgate.commandqueue", "commandqueue.execute",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, cq.logger)

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(cq.ctx, cancel)
	defer func() {
		stop()
		cancel()
	}()

	start := time.Now()
	value, err := cq.run(runCtx, record.task)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Err(err).Msg("Task failed")
	} else {
		logger.Debug().Str("lane", lane).Str("taskId", record.id).Dur("duration", duration).Msg("Task completed")
	}

	record.result <- taskResult{value: value, err: err}

	cq.mu.Lock()
	if ls, ok := cq.lanes[lane]; ok {
		ls.running = false
	}
	cq.mu.Unlock()

	cq.pump(lane)
}

func (cq *CommandQueue) run(ctx context.Context, task Task) (value interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Stats returns a snapshot of every active lane.
func (cq *CommandQueue) Stats() map[string]LaneStats {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	stats := make(map[string]LaneStats, len(cq.lanes))
	for lane, ls := range cq.lanes {
		stats[lane] = LaneStats{Queued: len(ls.queue), Running: ls.running}
	}
	return stats
}

// ClearLane rejects every task still waiting in lane and returns how many
// were dropped. A running task is not affected.
func (cq *CommandQueue) ClearLane(lane string) int {
	cq.mu.Lock()
	defer cq.mu.Unlock()

	ls, ok := cq.lanes[lane]
	if !ok {
		return 0
	}

	count := len(ls.queue)
	for _, record := range ls.queue {
		record.result <- taskResult{err: ErrLaneCleared}
	}
	ls.queue = nil
	observability.SetQueueDepth(lane, 0)

	cq.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	return count
}

// WaitForActive blocks until no lane has running or queued work, or the
// timeout elapses. It reports whether the queue drained.
func (cq *CommandQueue) WaitForActive(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		cq.mu.Lock()
		idle := len(cq.lanes) == 0
		cq.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			cq.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for active tasks")
			return false
		}
		<-ticker.C
	}
}

// Close rejects new work, cancels running tasks, and waits for them.
func (cq *CommandQueue) Close() error {
	cq.mu.Lock()
	if cq.closed {
		cq.mu.Unlock()
		return nil
	}
	cq.closed = true
	cq.mu.Unlock()

	cq.cancel()
	cq.wg.Wait()
	return nil
}
