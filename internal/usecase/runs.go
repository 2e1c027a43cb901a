package usecase

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"AstroSeis/internal/domain/models"
	"AstroSeis/internal/domain/repository"
	runmetrics "AstroSeis/internal/service/metrics"
	applogger "AstroSeis/pkg/logger"
)

var (
	ErrTooManyRuns = errors.New("too many active runs")
	ErrShutdown    = errors.New("runner is shutting down")
)

const (
	subscriberBuffer = 16
	// finished runs kept in memory; older ones are served from the store
	retainFinished = 256
	// smallest progress change worth a subscriber notification
	progressStep = 0.01
)

type run struct {
	status models.RunStatus
	cancel context.CancelFunc
	subs   map[chan models.RunStatus]struct{}
}

func (r *run) done() bool {
	switch r.status.State {
	case models.RunSucceeded, models.RunFailed, models.RunCanceled:
		return true
	}
	return false
}

// Runner executes pipeline runs in the background and tracks their status.
type Runner struct {
	pipeline  *Pipeline
	store     repository.ResultStore
	metrics   *runmetrics.RunMetrics
	logger    *applogger.Logger
	maxActive int

	root   context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runs   map[string]*run
	active int
	closed bool
	now    func() time.Time
}

func NewRunner(pipeline *Pipeline, store repository.ResultStore, metrics *runmetrics.RunMetrics, maxActive int, logger *applogger.Logger) *Runner {
	if logger == nil {
		logger = applogger.Nop()
	}
	if maxActive < 1 {
		maxActive = 1
	}
	root, stop := context.WithCancel(context.Background())
	return &Runner{
		pipeline:  pipeline,
		store:     store,
		metrics:   metrics,
		logger:    logger,
		maxActive: maxActive,
		root:      root,
		stop:      stop,
		runs:      make(map[string]*run),
		now:       time.Now,
	}
}

// Submit validates the request and starts the run. The returned status is
// pending; the run continues after the caller's request has ended.
func (r *Runner) Submit(req RunRequest) (models.RunStatus, error) {
	id := uuid.NewString()
	rc, err := r.pipeline.Prepare(id, req)
	if err != nil {
		r.metrics.Rejected.Inc()
		return models.RunStatus{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.metrics.Rejected.Inc()
		return models.RunStatus{}, ErrShutdown
	}
	if r.active >= r.maxActive {
		r.metrics.Rejected.Inc()
		return models.RunStatus{}, ErrTooManyRuns
	}
	ctx, cancel := context.WithCancel(r.root)
	now := r.now().UTC()
	entry := &run{
		status: models.RunStatus{RunID: id, State: models.RunPending, CreatedAt: now, UpdatedAt: now},
		cancel: cancel,
		subs:   make(map[chan models.RunStatus]struct{}),
	}
	r.runs[id] = entry
	r.active++
	r.metrics.Active.Inc()
	r.prune()

	r.wg.Add(1)
	go r.execute(ctx, entry, rc)
	return entry.status, nil
}

func (r *Runner) execute(ctx context.Context, entry *run, rc *RunContext) {
	defer r.wg.Done()
	defer entry.cancel()
	start := time.Now()

	r.update(entry, func(s *models.RunStatus) { s.State = models.RunRunning })
	res, err := r.pipeline.Execute(ctx, rc, func(stage models.StageName, progress float64) {
		r.update(entry, func(s *models.RunStatus) {
			s.Stage = stage
			s.Progress = progress
		})
	})

	state := models.RunSucceeded
	switch {
	case errors.Is(err, context.Canceled):
		state = models.RunCanceled
	case err != nil:
		state = models.RunFailed
		r.logger.Warn("run failed", applogger.String("run_id", rc.ID), applogger.Error(err))
	}
	r.metrics.Active.Dec()
	r.metrics.Finished.WithLabelValues(string(state)).Inc()
	r.metrics.Duration.Observe(time.Since(start).Seconds())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.active--
	entry.status.State = state
	entry.status.UpdatedAt = r.now().UTC()
	entry.status.Result = res
	if err != nil {
		entry.status.Error = err.Error()
	} else {
		entry.status.Progress = 1
	}
	final := entry.status
	for ch := range entry.subs {
		// the final status always lands: make room by dropping the oldest
		select {
		case ch <- final:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- final
		}
		close(ch)
		delete(entry.subs, ch)
	}
}

// update applies fn and notifies subscribers of stage changes and of
// progress moves of at least progressStep. Slow subscribers miss updates.
func (r *Runner) update(entry *run, fn func(*models.RunStatus)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	before := entry.status
	fn(&entry.status)
	entry.status.UpdatedAt = r.now().UTC()
	if before.State == entry.status.State && before.Stage == entry.status.Stage &&
		entry.status.Progress-before.Progress < progressStep && entry.status.Progress < 1 {
		entry.status.Progress = before.Progress
		return
	}
	for ch := range entry.subs {
		select {
		case ch <- entry.status:
		default:
		}
	}
}

// Status reports a run from the registry, or rebuilds a finished one from
// the result store.
func (r *Runner) Status(ctx context.Context, id string) (models.RunStatus, error) {
	r.mu.Lock()
	entry, ok := r.runs[id]
	var st models.RunStatus
	if ok {
		st = entry.status
	}
	r.mu.Unlock()
	if ok {
		return st, nil
	}

	res, err := r.store.Get(ctx, id)
	if err != nil {
		return models.RunStatus{}, err
	}
	return models.RunStatus{
		RunID:     res.RunID,
		State:     storedState(res),
		Progress:  1,
		CreatedAt: res.StartedAt,
		UpdatedAt: res.FinishedAt,
		Result:    res,
	}, nil
}

// storedState infers the terminal state of a persisted run from its errors.
func storedState(res *models.RunResult) models.RunState {
	for _, e := range res.Errors {
		if e.Kind == "canceled" {
			return models.RunCanceled
		}
		switch e.Stage {
		case models.StageAcquire, models.StageNormalize, models.StageDecluster, models.StageFeatures:
			return models.RunFailed
		}
	}
	return models.RunSucceeded
}

// Cancel stops an active run. Canceling a finished run is a no-op.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[id]
	if !ok {
		return models.ErrRunNotFound
	}
	if !entry.done() {
		entry.cancel()
	}
	return nil
}

// Subscribe streams status updates of a run. The channel receives the
// current status first and is closed after the terminal status. unsubscribe
// may be called at any time, also after the channel was closed.
func (r *Runner) Subscribe(id string) (<-chan models.RunStatus, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.runs[id]
	if !ok {
		return nil, nil, models.ErrRunNotFound
	}
	ch := make(chan models.RunStatus, subscriberBuffer)
	ch <- entry.status
	if entry.done() {
		close(ch)
		return ch, func() {}, nil
	}
	entry.subs[ch] = struct{}{}
	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := entry.subs[ch]; ok {
			delete(entry.subs, ch)
			close(ch)
		}
	}
	return ch, unsubscribe, nil
}

// prune drops the oldest finished runs beyond retainFinished. Callers hold mu.
func (r *Runner) prune() {
	var finished []*run
	for _, e := range r.runs {
		if e.done() {
			finished = append(finished, e)
		}
	}
	if len(finished) <= retainFinished {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].status.UpdatedAt.Before(finished[j].status.UpdatedAt) })
	for _, e := range finished[:len(finished)-retainFinished] {
		delete(r.runs, e.status.RunID)
	}
}

// Shutdown cancels every active run and waits for them to persist their
// results, or for ctx to end.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
