package caravan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/dataporter/caravan/internal/clock"
)

var logger Logger = NewDefaultLogger(slog.LevelInfo, TextFormat)

func init() {
	maxprocs.Set()
	deadlock.Opts.DeadlockTimeout = time.Second * 2
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error(context.Background(), "POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		runtime.Stack(buf, true)
	}
}

// Dependency declares that the submitted request must wait on another.
type Dependency struct {
	On   RequestID
	Type DependencyType
}

// Caravan is the orchestration engine facade: admission queueing, resource
// locking, tenant quotas, dependency ordering, cron scheduling and an
// append-only execution history behind one API.
type Caravan struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger Logger

	db         Database
	history    *HistoryRecorder
	resolver   *DependencyResolver
	queue      *QueueManager
	locks      *LockManager
	quota      *QuotaEnforcer
	scheduler  *Scheduler
	dispatcher *Dispatcher
	clock      *clock.Clock
}

type noopExecutor struct {
	logger Logger
}

func (e noopExecutor) Execute(ctx context.Context, req *QueueRequest) (int, error) {
	e.logger.Warn(ctx, "no executor configured, request completed as a no-op", "request_id", req.ID)
	return 0, nil
}

// sweepTicker reclaims expired lock leases on the sweep cadence.
type sweepTicker struct {
	ctx   context.Context
	locks *LockManager
}

func (t sweepTicker) Tick() error {
	_, err := t.locks.SweepExpired(t.ctx)
	return err
}

func New(ctx context.Context, db Database, opts ...Option) (*Caravan, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.executor == nil {
		cfg.executor = noopExecutor{logger: cfg.logger}
	}

	ctx, cancel := context.WithCancel(ctx)

	history, err := NewHistoryRecorder(cfg.logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize history ledger: %w", err)
	}

	resolver := NewDependencyResolver(db, cfg.logger)
	queue := NewQueueManager(db, history, resolver, cfg.logger)
	locks := NewLockManager(db, cfg.logger)
	quota := NewQuotaEnforcer(db, cfg.logger, cfg.defaults)
	scheduler := NewScheduler(ctx, db, queue, history, cfg.logger)
	dispatcher := NewDispatcher(ctx, db, queue, locks, quota, cfg.executor, cfg.workerCount, cfg.lockTTL, cfg.logger)
	dispatcher.SetCompletionHook(scheduler.OnRequestComplete)

	base := cfg.dispatchInterval
	if cfg.schedulerInterval < base {
		base = cfg.schedulerInterval
	}
	engineClock := clock.NewClock(ctx, base, func(err error) {
		cfg.logger.Error(ctx, "clock subscriber failed", "error", err)
	})
	engineClock.Add("dispatch", dispatcher, clock.Inline, clock.WithInterval(cfg.dispatchInterval), clock.WithName("dispatch"))
	engineClock.Add("scheduler", scheduler, clock.Background, clock.WithInterval(cfg.schedulerInterval), clock.WithName("scheduler"))
	engineClock.Add("lock-sweep", sweepTicker{ctx: ctx, locks: locks}, clock.Background, clock.WithInterval(cfg.sweepInterval), clock.WithName("lock-sweep"))

	c := &Caravan{
		ctx:        ctx,
		cancel:     cancel,
		logger:     cfg.logger,
		db:         db,
		history:    history,
		resolver:   resolver,
		queue:      queue,
		locks:      locks,
		quota:      quota,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		clock:      engineClock,
	}

	engineClock.Start()
	cfg.logger.Info(ctx, "engine started",
		"workers", cfg.workerCount,
		"dispatch_interval", cfg.dispatchInterval,
		"scheduler_interval", cfg.schedulerInterval)

	return c, nil
}

// Submit admits a request into the queue. Submission fails immediately when
// a requirement can never fit under the tenant's hard ceiling, or when a
// declared dependency would create a cycle; otherwise quota and locks are
// checked again at dispatch time.
func (c *Caravan) Submit(ctx context.Context, req *QueueRequest, deps ...Dependency) (RequestID, error) {
	if err := c.quota.CheckAdmissible(req.TenantID, req.Requirements); err != nil {
		return "", err
	}

	if req.ID == "" {
		req.ID = RequestID(uuid.NewString())
	} else {
		// Reject a reused ID before touching the graph; a live request may
		// already hold edges on this unit.
		var existing RequestStatus
		if err := c.db.GetQueueRequestProperties(req.ID, GetQueueRequestStatus(&existing)); err == nil {
			return "", errors.Join(ErrDuplicateRequest, fmt.Errorf("request %s", req.ID))
		}
	}

	// A rejected submission must leave pre-existing edges untouched, so only
	// the edges added by this call are rolled back.
	var added []Dependency
	rollback := func() {
		for _, dep := range added {
			c.resolver.RemoveDependency(ctx, req.ID, dep.On)
		}
	}
	for _, dep := range deps {
		if err := c.resolver.AddDependency(ctx, req.ID, dep.On, dep.Type); err != nil {
			rollback()
			return "", err
		}
		added = append(added, dep)
	}

	id, err := c.queue.Submit(ctx, req)
	if err != nil {
		rollback()
		return "", err
	}
	return id, nil
}

// Cancel removes a queued request outright, or signals a processing one to
// stop cooperatively. It reports whether any cancellation took effect.
func (c *Caravan) Cancel(ctx context.Context, id RequestID) (bool, error) {
	cancelled, err := c.queue.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}

	var status RequestStatus
	if err := c.db.GetQueueRequestProperties(id, GetQueueRequestStatus(&status)); err != nil {
		return false, err
	}
	if status == StatusProcessing {
		return c.dispatcher.CancelInflight(ctx, id), nil
	}
	return false, nil
}

// GetStatus returns a snapshot of the request, including its current queue
// position while it waits.
func (c *Caravan) GetStatus(ctx context.Context, id RequestID) (*QueueRequest, error) {
	return c.queue.Status(ctx, id)
}

// ListRequests returns snapshots of every request matching the filter; a nil
// filter matches everything.
func (c *Caravan) ListRequests(filter func(*QueueRequest) bool) ([]*QueueRequest, error) {
	return c.queue.ListRequests(filter)
}

func (c *Caravan) CreateSchedule(ctx context.Context, sched *Schedule) (ScheduleID, error) {
	return c.scheduler.CreateSchedule(ctx, sched)
}

func (c *Caravan) PauseSchedule(ctx context.Context, id ScheduleID) error {
	return c.scheduler.PauseSchedule(ctx, id)
}

func (c *Caravan) ResumeSchedule(ctx context.Context, id ScheduleID) error {
	return c.scheduler.ResumeSchedule(ctx, id)
}

func (c *Caravan) CancelSchedule(ctx context.Context, id ScheduleID) error {
	return c.scheduler.CancelSchedule(ctx, id)
}

func (c *Caravan) GetSchedule(id ScheduleID) (*Schedule, error) {
	return c.db.GetSchedule(id)
}

func (c *Caravan) ListExecutions(id ScheduleID) ([]*ScheduleExecution, error) {
	return c.db.ListScheduleExecutions(id)
}

// SetTenantLimit installs or replaces one tenant's ceiling on a resource
// dimension.
func (c *Caravan) SetTenantLimit(limit *TenantResourceLimit) error {
	return c.db.SetTenantResourceLimit(limit)
}

// Usage reports the tenant's currently reserved amount for a dimension.
func (c *Caravan) Usage(tenantID string, resourceType ResourceType) int64 {
	return c.quota.Usage(tenantID, resourceType)
}

// QueryHistory returns ledger events matching the filter in append order.
func (c *Caravan) QueryHistory(ctx context.Context, filter HistoryFilter) ([]*HistoryEvent, error) {
	return c.history.Query(ctx, filter)
}

// ReplayStatus reconstructs a request's final status purely from its ledger
// events.
func (c *Caravan) ReplayStatus(ctx context.Context, id RequestID) (RequestStatus, error) {
	return c.history.ReplayStatus(ctx, id)
}

// ScaleWorkers grows or shrinks the worker pool at runtime.
func (c *Caravan) ScaleWorkers(ctx context.Context, delta int) error {
	return c.dispatcher.Scale(ctx, delta)
}

// Wait blocks until the worker pool drains.
func (c *Caravan) Wait() error {
	return c.dispatcher.Wait()
}

// Close stops the clock, cancels in-flight executor contexts and shuts the
// worker pool down.
func (c *Caravan) Close() error {
	c.logger.Info(c.ctx, "engine stopping")

	c.clock.Stop()

	g := errgroup.Group{}
	g.Go(func() error {
		return c.dispatcher.Close()
	})
	err := g.Wait()
	c.cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to shut down cleanly: %w", err)
	}
	return nil
}
