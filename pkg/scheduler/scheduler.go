// Package scheduler fires one-shot tasks at their due time using a single
// coalesced timer.
package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Task is a pending one-shot event.
type Task struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"sessionKey,omitempty"`
	Content    string    `json:"content"`
	DueTime    time.Time `json:"dueTime"`
}

// Handler receives fired tasks. Handlers run on the scheduler's dispatch
// goroutine and should not block for long.
type Handler func(Task)

// Scheduler holds pending tasks and at most one armed timer, always set for
// the earliest due time.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	timer   *time.Timer
	gen     uint64
	subs    map[uint64]Handler
	nextSub uint64
	stopped bool

	// fireMu keeps deliveries from consecutive fires in due order.
	fireMu sync.Mutex

	now    func() time.Time
	logger zerolog.Logger
}

// New creates an empty scheduler.
func New(logger zerolog.Logger) *Scheduler {
	observability.EnsureRegistered()

	return &Scheduler{
		subs:   make(map[uint64]Handler),
		now:    time.Now,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// AddTask schedules content to fire after delay and returns the task ID.
func (s *Scheduler) AddTask(content string, delay time.Duration) string {
	return s.AddTaskFor("", content, delay)
}

// AddTaskFor schedules content for a session. Negative delays fire on the
// next timer tick.
func (s *Scheduler) AddTaskFor(sessionKey, content string, delay time.Duration) string {
	task := Task{
		ID:         gonanoid.MustGenerate(idAlphabet, 8),
		SessionKey: sessionKey,
		Content:    content,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		s.logger.Warn().Str("taskId", task.ID).Msg("Scheduler stopped, task dropped")
		return task.ID
	}

	task.DueTime = s.now().Add(delay)
	s.tasks = append(s.tasks, task)

	s.logger.Info().
		Str("taskId", task.ID).
		Str("sessionKey", sessionKey).
		Time("dueTime", task.DueTime).
		Msg("Task added")

	s.rearmLocked()
	return task.ID
}

// Subscribe registers h for every fired task. The returned func removes it.
func (s *Scheduler) Subscribe(h Handler) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Pending returns a snapshot of the pending tasks in due order.
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Stop disarms the timer and drops pending tasks.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.stopped = true
	s.tasks = nil
	observability.SetSchedulerPending(0)
}

// rearmLocked sorts the pending set and replaces the single timer with one
// for the earliest task. Callers hold s.mu.
func (s *Scheduler) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	observability.SetSchedulerPending(len(s.tasks))

	if len(s.tasks) == 0 || s.stopped {
		return
	}

	sort.SliceStable(s.tasks, func(i, j int) bool {
		return s.tasks[i].DueTime.Before(s.tasks[j].DueTime)
	})

	next := s.tasks[0]
	delay := next.DueTime.Sub(s.now())
	if delay < 0 {
		delay = 0
	}

	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.fire(gen) })

	s.logger.Debug().
		Str("taskId", next.ID).
		Dur("delay", delay).
		Int("pending", len(s.tasks)).
		Msg("Timer armed")
}

func (s *Scheduler) fire(gen uint64) {
	s.fireMu.Lock()
	defer s.fireMu.Unlock()

	s.mu.Lock()
	if gen != s.gen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.timer = nil

	now := s.now()
	var due, pending []Task
	for _, task := range s.tasks {
		if !task.DueTime.After(now) {
			due = append(due, task)
		} else {
			pending = append(pending, task)
		}
	}
	s.tasks = pending
	s.rearmLocked()

	handlers := make([]Handler, 0, len(s.subs))
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	observability.RecordSchedulerFired(len(due))

	for _, task := range due {
		s.logger.Info().Str("taskId", task.ID).Str("sessionKey", task.SessionKey).Msg("Task triggered")
		for _, h := range handlers {
			s.deliver(h, task)
		}
	}
}

func (s *Scheduler) deliver(h Handler, task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("taskId", task.ID).Msg("Task handler panicked")
		}
	}()
	h(task)
}
