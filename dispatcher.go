package caravan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/davidroman0O/retrypool"
	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
)

var (
	ErrExecutionTimeout = errors.New("execution timed out")
	ErrExecutorPanicked = errors.New("executor panicked")
)

// Executor runs the business side of one import: reading and writing the
// actual records. The engine only decides when it runs, never what it does.
type Executor interface {
	Execute(ctx context.Context, req *QueueRequest) (recordsProcessed int, err error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *QueueRequest) (int, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *QueueRequest) (int, error) {
	return f(ctx, req)
}

type dispatchRequest struct {
	request *QueueRequest
}

type dispatchResponse struct {
	records int
}

type dispatchTask = retrypool.RequestResponse[*dispatchRequest, *dispatchResponse]

// inflight tracks the resources a running request holds so the completion
// path can release them exactly once.
type inflight struct {
	handles    []*LockHandle
	quota      []string
	cancel     context.CancelFunc
	cancelled  bool
	workerID   int
	releasedAt *time.Time
}

// completionFunc is how the scheduler observes request completion.
type completionFunc func(ctx context.Context, req *QueueRequest, success bool, records int, execErr error)

// Dispatcher is the single logical thread of control that decides what runs
// next. Its Tick only performs metadata decisions (dependency, quota, lock)
// before handing the request to a bounded worker pool.
type Dispatcher struct {
	mu deadlock.Mutex

	ctx      context.Context
	db       Database
	qm       *QueueManager
	locks    *LockManager
	quota    *QuotaEnforcer
	logger   Logger
	executor Executor

	pool        *retrypool.Pool[*dispatchTask]
	workerCount int
	nextWorker  int
	lockTTL     time.Duration

	inflight   map[RequestID]*inflight
	onComplete completionFunc
}

type importWorker struct {
	id int
	d  *Dispatcher
}

func NewDispatcher(ctx context.Context, db Database, qm *QueueManager, locks *LockManager, quota *QuotaEnforcer, executor Executor, workerCount int, lockTTL time.Duration, logger Logger) *Dispatcher {
	d := &Dispatcher{
		ctx:         ctx,
		db:          db,
		qm:          qm,
		locks:       locks,
		quota:       quota,
		logger:      logger,
		executor:    executor,
		workerCount: workerCount,
		lockTTL:     lockTTL,
		inflight:    make(map[RequestID]*inflight),
	}

	workers := []retrypool.Worker[*dispatchTask]{}
	for i := 0; i < workerCount; i++ {
		workers = append(workers, &importWorker{id: i, d: d})
	}
	d.nextWorker = workerCount

	d.pool = retrypool.New(
		ctx,
		workers,
		retrypool.WithAttempts[*dispatchTask](1),
		retrypool.WithOnNewDeadTask[*dispatchTask](
			func(task *retrypool.DeadTask[*dispatchTask], idx int) {
				errs := errors.Join(ErrExecutorPanicked, fmt.Errorf("request %s", task.Data.Request.request.ID))
				for _, e := range task.Errors {
					errs = errors.Join(errs, e)
				}
				d.finish(d.ctx, task.Data.Request.request, -1, 0, errs, false)
				task.Data.CompleteWithError(errs)
				if _, err := d.pool.PullDeadTask(idx); err != nil {
					d.logger.Error(d.ctx, "failed to pull dead task", "error", err)
				}
			}),
	)

	return d
}

// SetCompletionHook registers the scheduler's completion observer. Must be
// called before the clock starts ticking.
func (d *Dispatcher) SetCompletionHook(fn completionFunc) {
	d.onComplete = fn
}

// Tick admits dispatchable requests up to the free worker capacity. Admitting
// past capacity would park requests in the pool's FIFO while they hold locks
// and quota, and would freeze today's priority order for work that only starts
// later. It runs inline on the clock goroutine so dispatch decisions stay
// serialized.
func (d *Dispatcher) Tick() error {
	d.mu.Lock()
	capacity := d.workerCount - len(d.inflight)
	d.mu.Unlock()

	for ; capacity > 0; capacity-- {
		req, err := d.qm.NextDispatchable(d.ctx, d.admit)
		if err != nil {
			return err
		}
		if req == nil {
			return nil
		}

		task := retrypool.NewRequestResponse[*dispatchRequest, *dispatchResponse](&dispatchRequest{request: req})
		if err := d.pool.Submit(task); err != nil {
			d.logger.Error(d.ctx, "failed to hand request to worker pool", "request_id", req.ID, "error", err)
			d.finish(d.ctx, req, -1, 0, err, false)
			return err
		}
	}
	return nil
}

// admit is the admission gate consulted by NextDispatchable: it reserves
// quota and acquires locks, or takes nothing at all. A request admitted here
// is guaranteed to be the one dispatched this tick.
func (d *Dispatcher) admit(req *QueueRequest) bool {
	ctx := d.ctx

	var tokens []string
	var handles []*LockHandle

	rollback := func() {
		for _, handle := range handles {
			if err := d.locks.Release(ctx, handle); err != nil {
				d.logger.Error(ctx, "failed to roll back lock", "request_id", req.ID, "lock.id", handle.ID, "error", err)
			}
		}
		for _, token := range tokens {
			d.quota.Release(ctx, token)
		}
	}

	// Every import consumes one slot of the tenant's concurrency budget.
	decision, reservation, err := d.quota.TryReserve(ctx, req.TenantID, ResourceImportSlots, 1)
	if err != nil || decision == QuotaDenied {
		return false
	}
	if reservation != nil {
		tokens = append(tokens, reservation.Token)
	}

	for _, requirement := range req.Requirements {
		if requirement.Amount > 0 {
			decision, reservation, err := d.quota.TryReserve(ctx, req.TenantID, requirement.Type, requirement.Amount)
			if err != nil || decision == QuotaDenied {
				rollback()
				return false
			}
			if reservation != nil {
				tokens = append(tokens, reservation.Token)
			}
		}
		if requirement.ResourceID != "" {
			mode := requirement.Mode
			if mode == "" {
				mode = LockExclusive
			}
			ttl := d.lockTTL
			if req.EstimatedDuration > 0 && req.EstimatedDuration*2 > ttl {
				ttl = req.EstimatedDuration * 2
			}
			handle, conflict, err := d.locks.Acquire(ctx, requirement.Type, requirement.ResourceID, mode, req.ID, ttl)
			if err != nil || conflict != nil {
				rollback()
				return false
			}
			handles = append(handles, handle)
		}
	}

	d.mu.Lock()
	d.inflight[req.ID] = &inflight{
		handles:  handles,
		quota:    tokens,
		workerID: -1,
	}
	d.mu.Unlock()

	return true
}

// CancelInflight cooperatively cancels a Processing request. The executor is
// signalled through its context; resource release still happens on the normal
// completion path to avoid double-release races.
func (d *Dispatcher) CancelInflight(ctx context.Context, id RequestID) bool {
	d.mu.Lock()
	state, exists := d.inflight[id]
	if exists {
		state.cancelled = true
		if state.cancel != nil {
			state.cancel()
		}
	}
	d.mu.Unlock()

	if exists {
		d.logger.Info(ctx, "cancellation signalled", "request_id", id)
	}
	return exists
}

func (w *importWorker) OnStart(ctx context.Context) {}

func (w *importWorker) Run(ctx context.Context, task *dispatchTask) error {
	req := task.Request.request
	d := w.d

	var execCtx context.Context
	var cancel context.CancelFunc
	if req.RetryPolicy.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(d.ctx, req.RetryPolicy.Timeout)
	} else {
		execCtx, cancel = context.WithCancel(d.ctx)
	}
	defer cancel()

	d.mu.Lock()
	state, exists := d.inflight[req.ID]
	if exists {
		state.cancel = cancel
		state.workerID = w.id
		// Cancellation may have been requested while the task sat in the
		// pool queue.
		if state.cancelled {
			cancel()
		}
	}
	d.mu.Unlock()

	if err := d.db.SetQueueRequestProperties(req.ID, SetQueueRequestWorker(w.id)); err != nil {
		d.logger.Warn(execCtx, "failed to record worker assignment", "request_id", req.ID, "error", err)
	}

	var records int
	var execErr error
	if req.ScheduleID != NoScheduleID {
		// Schedule runs retry by refiring through the scheduler, which holds
		// the retry budget; retrying here as well would multiply attempts and
		// pin the worker slot, locks and quota across attempts.
		records, execErr = d.executor.Execute(execCtx, req)
	} else {
		execErr = retry.Do(
			execCtx,
			retry.WithMaxRetries(
				uint64(req.RetryPolicy.MaxRetries),
				retry.NewConstant(retryDelayOrDefault(req.RetryPolicy.RetryDelay))),
			func(ctx context.Context) error {
				n, err := d.executor.Execute(ctx, req)
				if err != nil {
					return retry.RetryableError(err)
				}
				records = n
				return nil
			})
	}

	if execErr != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		execErr = errors.Join(ErrExecutionTimeout, execErr)
	}

	d.finish(execCtx, req, w.id, records, execErr, execErr == nil)

	task.Complete(&dispatchResponse{records: records})
	return nil
}

func retryDelayOrDefault(delay time.Duration) time.Duration {
	if delay <= 0 {
		return time.Second
	}
	return delay
}

// finish is the single completion path: it releases locks and quota exactly
// once, finalizes the request status, and notifies the scheduler.
func (d *Dispatcher) finish(ctx context.Context, req *QueueRequest, workerID int, records int, execErr error, success bool) {
	d.mu.Lock()
	state, exists := d.inflight[req.ID]
	if !exists || state.releasedAt != nil {
		d.mu.Unlock()
		return
	}
	now := time.Now()
	state.releasedAt = &now
	cancelled := state.cancelled
	handles := state.handles
	tokens := state.quota
	delete(d.inflight, req.ID)
	d.mu.Unlock()

	for _, handle := range handles {
		if err := d.locks.Release(ctx, handle); err != nil {
			d.logger.Error(ctx, "failed to release lock", "request_id", req.ID, "lock.id", handle.ID, "error", err)
		}
	}
	for _, token := range tokens {
		d.quota.Release(ctx, token)
	}

	status := StatusCompleted
	detail := EventDetail{WorkerID: workerID, RecordsProcessed: records}
	switch {
	case cancelled:
		status = StatusCancelled
		detail.Message = "cancelled by operator"
	case !success:
		status = StatusFailed
		if execErr != nil {
			detail.Error = execErr.Error()
		}
	}

	if err := d.qm.Complete(ctx, req.ID, status, detail); err != nil {
		d.logger.Error(ctx, "failed to finalize request", "request_id", req.ID, "status", status, "error", err)
	}

	if d.onComplete != nil {
		d.onComplete(ctx, req, status == StatusCompleted, records, execErr)
	}
}

// Scale adds or removes workers at runtime.
func (d *Dispatcher) Scale(ctx context.Context, delta int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if delta > 0 {
		for i := 0; i < delta; i++ {
			worker := &importWorker{id: d.nextWorker, d: d}
			d.nextWorker++
			d.pool.AddWorker(worker)
		}
		d.workerCount += delta
		d.logger.Info(ctx, "workers added", "count", delta, "total", d.workerCount)
		return nil
	}
	if delta < 0 {
		count := -delta
		if count > d.workerCount {
			return fmt.Errorf("cannot remove %d workers, only %d available", count, d.workerCount)
		}
		workers := d.pool.ListWorkers()
		for i := 0; i < count && i < len(workers); i++ {
			if err := d.pool.RemoveWorker(workers[len(workers)-1-i].ID); err != nil {
				return fmt.Errorf("failed to remove worker: %w", err)
			}
		}
		d.workerCount -= count
		d.logger.Info(ctx, "workers removed", "count", count, "total", d.workerCount)
	}
	return nil
}

// Processing reports how many requests are currently held by workers.
func (d *Dispatcher) Processing() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

func (d *Dispatcher) Close() error {
	if err := d.pool.Close(); err != nil {
		if err != context.Canceled {
			return fmt.Errorf("failed to close worker pool: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) Wait() error {
	return d.pool.WaitWithCallback(d.ctx, func(queueSize, processingCount, deadTaskCount int) bool {
		return queueSize > 0 || processingCount > 0
	}, time.Second)
}
