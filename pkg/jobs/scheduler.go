package jobs

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/charcore/pkg/broadcast"
	"github.com/haivivi/charcore/pkg/buffer"
	"github.com/haivivi/charcore/pkg/stream"
)

// Dispatcher runs one job. The returned value becomes the data of the job's
// final event.
type Dispatcher interface {
	Dispatch(ctx context.Context, job *Job) (any, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, job *Job) (any, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// Publisher receives job events.
type Publisher interface {
	Publish(broadcast.Event)
}

// Config configures a Scheduler.
type Config struct {
	Dispatcher Dispatcher

	// Publisher receives intermediate and final events. Nil drops them.
	Publisher Publisher

	// Classify maps a handler error to a wire code. Nil reports every
	// error as "internal".
	Classify func(error) string

	// RetryDelay is how long the loop pauses after a failure of its own.
	// Zero means one second.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// CodeCancelled is the error code of a cancelled job's final event.
const CodeCancelled = "job_cancelled"

// Info describes a job for introspection.
type Info struct {
	ID      string    `json:"job_id"`
	Type    Type      `json:"job_type"`
	State   State     `json:"state"`
	Created time.Time `json:"created"`
}

// Job is a queued or running job.
type Job struct {
	ID      string
	Type    Type
	Params  Params
	Created time.Time

	seq uint64
	pub Publisher

	mu        sync.Mutex
	state     State
	cancel    context.CancelCauseFunc
	cleanups  []func()
	cancelled bool
	reason    string
}

// OnCancel registers fn to run if the job is cancelled while running. If the
// job is already cancelled fn runs at once.
func (j *Job) OnCancel(fn func()) {
	j.mu.Lock()
	if !j.cancelled {
		j.cleanups = append(j.cleanups, fn)
		j.mu.Unlock()
		return
	}
	j.mu.Unlock()
	fn()
}

// Publish sends ev stamped with the job's id and type.
func (j *Job) Publish(ev broadcast.Event) {
	if j.pub == nil {
		return
	}
	ev.JobID = j.ID
	ev.JobType = j.Type.String()
	j.pub.Publish(ev)
}

// Emit publishes c as an intermediate event at stage.
func (j *Job) Emit(stage string, c *stream.Chunk) {
	j.Publish(broadcast.ChunkEvent(j.ID, j.Type.String(), stage, c))
}

// Cancelled reports whether the job was cancelled, and why.
func (j *Job) Cancelled() (bool, string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled, j.reason
}

func (j *Job) info() Info {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Info{ID: j.ID, Type: j.Type, State: j.state, Created: j.Created}
}

// markCancelled flags the job and returns the cleanups to run.
func (j *Job) markCancelled(reason string) []func() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cancelled = true
	j.reason = reason
	j.state = Cancelled
	fns := j.cleanups
	j.cleanups = nil
	if j.cancel != nil {
		j.cancel(fmt.Errorf("%w: %s", ErrCancelled, reason))
	}
	return fns
}

type skipped struct {
	typ    Type
	reason string
}

// Scheduler runs jobs one at a time in submission order.
type Scheduler struct {
	dispatcher Dispatcher
	pub        Publisher
	classify   func(error) string
	retry      time.Duration
	logger     *slog.Logger

	queue *buffer.Buffer[string]

	mu      sync.Mutex
	seq     uint64
	jobs    map[string]*Job
	skip    map[string]skipped
	current *Job
}

// NewScheduler returns an idle scheduler. Jobs start running once Run is
// called.
func NewScheduler(cfg Config) *Scheduler {
	s := &Scheduler{
		dispatcher: cfg.Dispatcher,
		pub:        cfg.Publisher,
		classify:   cfg.Classify,
		retry:      cfg.RetryDelay,
		logger:     cfg.Logger,
		queue:      buffer.N[string](64),
		jobs:       make(map[string]*Job),
		skip:       make(map[string]skipped),
	}
	if s.classify == nil {
		s.classify = func(error) string { return "internal" }
	}
	if s.retry <= 0 {
		s.retry = time.Second
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Create queues a job and returns its id.
func (s *Scheduler) Create(params Params) (string, error) {
	if err := Validate(params); err != nil {
		return "", err
	}
	j := &Job{
		ID:      uuid.NewString(),
		Type:    params.JobType(),
		Params:  params,
		Created: time.Now(),
		pub:     s.pub,
		state:   Queued,
	}

	s.mu.Lock()
	s.seq++
	j.seq = s.seq
	s.jobs[j.ID] = j
	s.mu.Unlock()

	if err := s.queue.Add(j.ID); err != nil {
		s.mu.Lock()
		delete(s.jobs, j.ID)
		s.mu.Unlock()
		return "", fmt.Errorf("jobs: scheduler stopped: %w", err)
	}
	s.logger.Debug("jobs: created", "job_id", j.ID, "job_type", j.Type.String())
	return j.ID, nil
}

// Cancel cancels a queued or running job.
//
// A running job has its context cancelled and its OnCancel cleanups run
// before Cancel returns. A queued job is never dispatched. Either way the
// job leaves the scheduler's bookkeeping at once, so a second Cancel of the
// same id fails with ErrNonexistentJob.
func (s *Scheduler) Cancel(id, reason string) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNonexistentJob, id)
	}
	delete(s.jobs, id)
	running := s.current == j
	if !running {
		s.skip[id] = skipped{typ: j.Type, reason: reason}
	}
	s.mu.Unlock()

	fns := j.markCancelled(reason)
	for _, fn := range fns {
		fn()
	}
	s.logger.Info("jobs: cancelled", "job_id", id, "running", running, "reason", reason)
	return nil
}

// Current returns the running job, if any.
func (s *Scheduler) Current() (Info, bool) {
	s.mu.Lock()
	j := s.current
	s.mu.Unlock()
	if j == nil {
		return Info{}, false
	}
	return j.info(), true
}

// Queued returns the jobs waiting to run, oldest first.
func (s *Scheduler) Queued() []Info {
	s.mu.Lock()
	js := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if j != s.current {
			js = append(js, j)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(js, func(a, b *Job) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Info, len(js))
	for i, j := range js {
		out[i] = j.info()
	}
	return out
}

// Run executes jobs until ctx is done. It returns the cancellation cause.
// A scheduler runs once; jobs created after Run returns are rejected.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("jobs: scheduler started")
	defer s.logger.Info("jobs: scheduler stopped")

	stop := context.AfterFunc(ctx, func() {
		s.queue.CloseWithError(context.Cause(ctx))
	})
	defer stop()

	for {
		err := s.step(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		s.logger.Error("jobs: loop failed", "error", err)
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case <-time.After(s.retry):
		}
	}
}

// step pops and handles one id.
func (s *Scheduler) step(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("jobs: loop panic: %v", r)
		}
	}()

	id, err := s.queue.Next()
	if err != nil {
		return err
	}

	s.mu.Lock()
	if sk, ok := s.skip[id]; ok {
		delete(s.skip, id)
		s.mu.Unlock()
		s.logger.Debug("jobs: skipped", "job_id", id)
		s.publishCancelled(id, sk.typ, sk.reason)
		return nil
	}
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("jobs: queued id %s has no job", id)
	}
	s.current = j
	s.mu.Unlock()

	s.run(ctx, j)
	return nil
}

func (s *Scheduler) run(ctx context.Context, j *Job) {
	jctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	j.mu.Lock()
	j.cancel = cancel
	if j.cancelled {
		cancel(fmt.Errorf("%w: %s", ErrCancelled, j.reason))
	} else {
		j.state = Running
	}
	j.mu.Unlock()

	start := time.Now()
	s.logger.Info("jobs: running", "job_id", j.ID, "job_type", j.Type.String())
	data, err := s.dispatch(jctx, j)

	s.mu.Lock()
	s.current = nil
	delete(s.jobs, j.ID)
	s.mu.Unlock()

	if cancelled, reason := j.Cancelled(); cancelled {
		s.publishCancelled(j.ID, j.Type, reason)
		return
	}

	ok := err == nil
	ev := broadcast.Event{
		JobID:    j.ID,
		JobType:  j.Type.String(),
		Finished: true,
		Success:  &ok,
	}
	j.mu.Lock()
	if ok {
		j.state = Finished
		ev.Data = data
	} else {
		j.state = Errored
		ev.Error = s.classify(err)
		ev.Reason = err.Error()
	}
	j.mu.Unlock()

	if ok {
		s.logger.Info("jobs: finished", "job_id", j.ID, "elapsed", time.Since(start))
	} else {
		s.logger.Warn("jobs: failed", "job_id", j.ID, "code", ev.Error, "error", err)
	}
	s.publish(ev)
}

func (s *Scheduler) dispatch(ctx context.Context, j *Job) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			buf = buf[:runtime.Stack(buf, false)]
			s.logger.Error("jobs: handler panic", "job_id", j.ID, "panic", r, "stack", string(buf))
			err = fmt.Errorf("jobs: handler panic: %v", r)
		}
	}()
	if s.dispatcher == nil {
		return nil, errors.New("jobs: no dispatcher")
	}
	return s.dispatcher.Dispatch(ctx, j)
}

func (s *Scheduler) publishCancelled(id string, t Type, reason string) {
	ok := false
	s.publish(broadcast.Event{
		JobID:    id,
		JobType:  t.String(),
		Finished: true,
		Success:  &ok,
		Error:    CodeCancelled,
		Reason:   reason,
	})
}

func (s *Scheduler) publish(ev broadcast.Event) {
	if s.pub != nil {
		s.pub.Publish(ev)
	}
}
