package caravan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/qmuntal/stateless"
	"github.com/robfig/cron/v3"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrInvalidTriggerExpression = errors.New("invalid trigger expression")
	ErrTriggerInPast            = errors.New("trigger never fires in the future")
	ErrScheduleNotActive        = errors.New("schedule is not in a state that allows this operation")
)

// Schedule lifecycle triggers. The per-schedule state machine is the
// authority on which lifecycle moves are legal; the status setter in the
// store double-checks the same table.
const (
	trigFire     = "fire"
	trigRecur    = "recur"
	trigComplete = "complete"
	trigFail     = "fail"
	trigPause    = "pause"
	trigResume   = "resume"
	trigCancel   = "cancel"
)

// triggerSpec computes when a schedule fires next. Zero time means never.
type triggerSpec interface {
	next(after time.Time) time.Time
}

type cronTrigger struct {
	schedule cron.Schedule
}

func (t cronTrigger) next(after time.Time) time.Time {
	return t.schedule.Next(after)
}

type instantTrigger struct {
	at time.Time
}

func (t instantTrigger) next(after time.Time) time.Time {
	if t.at.After(after) {
		return t.at
	}
	return time.Time{}
}

// parseTrigger accepts either an absolute RFC3339 instant (one-shot) or a
// standard cron expression, including the @every form.
func parseTrigger(expr string) (triggerSpec, error) {
	if at, err := time.Parse(time.RFC3339, expr); err == nil {
		return instantTrigger{at: at}, nil
	}
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, errors.Join(ErrInvalidTriggerExpression, fmt.Errorf("%q: %w", expr, err))
	}
	return cronTrigger{schedule: schedule}, nil
}

func newScheduleMachine(initial ScheduleStatus) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(initial)

	fsm.Configure(ScheduleStatusScheduled).
		Permit(trigFire, ScheduleStatusExecuting).
		Permit(trigPause, ScheduleStatusPaused).
		Permit(trigCancel, ScheduleStatusCancelled)

	fsm.Configure(ScheduleStatusExecuting).
		Permit(trigRecur, ScheduleStatusScheduled).
		Permit(trigComplete, ScheduleStatusCompleted).
		Permit(trigFail, ScheduleStatusFailed).
		Permit(trigPause, ScheduleStatusPaused).
		Permit(trigCancel, ScheduleStatusCancelled)

	fsm.Configure(ScheduleStatusPaused).
		Permit(trigResume, ScheduleStatusScheduled).
		Permit(trigCancel, ScheduleStatusCancelled)

	return fsm
}

// executionWatch is the scheduler-side safety net for an in-flight run. If
// the dispatcher never reports completion before the deadline, the scheduler
// forces the execution to Failed.
type executionWatch struct {
	executionID ExecutionID
	scheduleID  ScheduleID
	requestID   RequestID
	deadline    time.Time
}

// Scheduler owns the Schedule and ScheduleExecution lifecycles: it fires due
// schedules, materializes their queue requests, and folds completions back
// into the recurrence state.
type Scheduler struct {
	mu deadlock.Mutex

	ctx     context.Context
	db      Database
	qm      *QueueManager
	history *HistoryRecorder
	logger  Logger

	machines map[ScheduleID]*stateless.StateMachine
	triggers map[ScheduleID]triggerSpec
	watches  map[ExecutionID]*executionWatch
}

func NewScheduler(ctx context.Context, db Database, qm *QueueManager, history *HistoryRecorder, logger Logger) *Scheduler {
	return &Scheduler{
		ctx:      ctx,
		db:       db,
		qm:       qm,
		history:  history,
		logger:   logger,
		machines: make(map[ScheduleID]*stateless.StateMachine),
		triggers: make(map[ScheduleID]triggerSpec),
		watches:  make(map[ExecutionID]*executionWatch),
	}
}

// machine returns the lifecycle machine for a schedule, rebuilding it from
// the stored status after a restart.
func (s *Scheduler) machine(id ScheduleID) (*stateless.StateMachine, error) {
	if fsm, exists := s.machines[id]; exists {
		return fsm, nil
	}
	var status ScheduleStatus
	if err := s.db.GetScheduleProperties(id, GetScheduleStatus(&status)); err != nil {
		return nil, err
	}
	fsm := newScheduleMachine(status)
	s.machines[id] = fsm
	return fsm, nil
}

func (s *Scheduler) trigger(id ScheduleID) (triggerSpec, error) {
	if spec, exists := s.triggers[id]; exists {
		return spec, nil
	}
	sched, err := s.db.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	spec, err := parseTrigger(sched.TriggerExpression)
	if err != nil {
		return nil, err
	}
	s.triggers[id] = spec
	return spec, nil
}

// transition fires a lifecycle trigger and persists the resulting status.
func (s *Scheduler) transition(ctx context.Context, id ScheduleID, trig string, target ScheduleStatus) error {
	fsm, err := s.machine(id)
	if err != nil {
		return err
	}
	if err := fsm.Fire(trig); err != nil {
		return errors.Join(ErrScheduleNotActive, fmt.Errorf("schedule %d: %w", id, err))
	}
	if err := s.db.SetScheduleProperties(id, SetScheduleStatus(target)); err != nil {
		return err
	}
	return nil
}

func (s *Scheduler) appendScheduleEvent(ctx context.Context, sched *Schedule, kind EventKind, detail EventDetail) {
	payload, err := encodeEventDetail(detail)
	if err != nil {
		s.logger.Error(ctx, "failed to encode schedule event detail", "schedule_id", sched.ID, "error", err)
	}
	if _, err := s.history.Append(ctx, HistoryEvent{
		Kind:       kind,
		TenantID:   sched.TenantID,
		ScheduleID: int(sched.ID),
		Detail:     payload,
	}); err != nil {
		s.logger.Error(ctx, "failed to append schedule event", "schedule_id", sched.ID, "history.kind", kind, "error", err)
	}
}

// CreateSchedule validates the trigger, computes the first firing instant,
// and registers the schedule as Scheduled.
func (s *Scheduler) CreateSchedule(ctx context.Context, sched *Schedule) (ScheduleID, error) {
	if sched.Priority < MinPriority || sched.Priority > MaxPriority {
		return 0, errors.Join(ErrInvalidPriority, fmt.Errorf("priority %d outside [%d, %d]", sched.Priority, MinPriority, MaxPriority))
	}

	spec, err := parseTrigger(sched.TriggerExpression)
	if err != nil {
		return 0, err
	}
	now := time.Now()
	next := spec.next(now)
	if next.IsZero() || !next.After(now) {
		return 0, errors.Join(ErrTriggerInPast, fmt.Errorf("expression %q", sched.TriggerExpression))
	}

	sched.Status = ScheduleStatusScheduled
	sched.NextExecution = next
	sched.RetriesLeft = sched.RetryPolicy.MaxRetries
	sched.CreatedAt = now

	id, err := s.db.AddSchedule(sched)
	if err != nil {
		return 0, err
	}
	sched.ID = id

	s.mu.Lock()
	s.machines[id] = newScheduleMachine(ScheduleStatusScheduled)
	s.triggers[id] = spec
	s.mu.Unlock()

	s.logger.Info(ctx, "schedule created",
		"schedule_id", id,
		"schedule.name", sched.Name,
		"schedule.trigger", sched.TriggerExpression,
		"schedule.next_execution", next,
		"recurring", sched.Recurring)
	s.appendScheduleEvent(ctx, sched, EventScheduleCreated, EventDetail{Message: sched.TriggerExpression})

	return id, nil
}

// PauseSchedule suspends firing; the schedule is skipped by Tick until an
// explicit resume.
func (s *Scheduler) PauseSchedule(ctx context.Context, id ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transition(ctx, id, trigPause, ScheduleStatusPaused); err != nil {
		return err
	}
	sched, err := s.db.GetSchedule(id)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "schedule paused", "schedule_id", id)
	s.appendScheduleEvent(ctx, sched, EventSchedulePaused, EventDetail{})
	return nil
}

// ResumeSchedule recomputes the next firing instant so a long pause does not
// replay missed windows.
func (s *Scheduler) ResumeSchedule(ctx context.Context, id ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	spec, err := s.trigger(id)
	if err != nil {
		return err
	}
	if err := s.transition(ctx, id, trigResume, ScheduleStatusScheduled); err != nil {
		return err
	}
	next := spec.next(time.Now())
	if !next.IsZero() {
		if err := s.db.SetScheduleProperties(id, SetScheduleNextExecution(next)); err != nil {
			return err
		}
	}
	sched, err := s.db.GetSchedule(id)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "schedule resumed", "schedule_id", id, "schedule.next_execution", next)
	s.appendScheduleEvent(ctx, sched, EventScheduleResumed, EventDetail{})
	return nil
}

func (s *Scheduler) CancelSchedule(ctx context.Context, id ScheduleID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.transition(ctx, id, trigCancel, ScheduleStatusCancelled); err != nil {
		return err
	}
	if err := s.db.DeleteReservationsBySchedule(id); err != nil && !errors.Is(err, ErrReservationNotFound) {
		s.logger.Warn(ctx, "failed to drop reservations for cancelled schedule", "schedule_id", id, "error", err)
	}
	sched, err := s.db.GetSchedule(id)
	if err != nil {
		return err
	}
	s.logger.Info(ctx, "schedule cancelled", "schedule_id", id)
	s.appendScheduleEvent(ctx, sched, EventScheduleCancelled, EventDetail{})
	return nil
}

// Tick fires every due schedule and enforces execution deadlines. It runs on
// its own cadence, independent of the dispatch loop.
func (s *Scheduler) Tick() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	due, err := s.db.ListSchedules(func(sched *Schedule) bool {
		return sched.Status == ScheduleStatusScheduled && !sched.NextExecution.After(now)
	})
	if err != nil {
		return err
	}

	for _, sched := range due {
		if err := s.fire(s.ctx, sched, now); err != nil {
			s.logger.Error(s.ctx, "failed to fire schedule", "schedule_id", sched.ID, "error", err)
		}
	}

	s.enforceDeadlines(s.ctx, now)
	return nil
}

// fire materializes one execution of a due schedule: an execution record, a
// reservation per quota-bearing requirement, and a queue request carrying the
// schedule's retry policy.
func (s *Scheduler) fire(ctx context.Context, sched *Schedule, now time.Time) error {
	if err := s.transition(ctx, sched.ID, trigFire, ScheduleStatusExecuting); err != nil {
		return err
	}

	requestID := RequestID(uuid.NewString())
	execution := &ScheduleExecution{
		ScheduleID: sched.ID,
		RequestID:  requestID,
		Status:     ExecutionStatusStarted,
		StartedAt:  now,
	}
	executionID, err := s.db.AddScheduleExecution(execution)
	if err != nil {
		return err
	}

	window := sched.RetryPolicy.Timeout
	if window <= 0 {
		window = time.Hour
	}
	for _, requirement := range sched.Requirements {
		if requirement.Amount <= 0 {
			continue
		}
		reservation := &ResourceReservation{
			ID:            uuid.NewString(),
			ScheduleID:    sched.ID,
			Type:          requirement.Type,
			ReservedFrom:  now,
			ReservedUntil: now.Add(window),
		}
		if err := s.db.AddResourceReservation(reservation); err != nil {
			s.logger.Warn(ctx, "failed to record resource reservation", "schedule_id", sched.ID, "resource.type", requirement.Type, "error", err)
		}
	}

	req := &QueueRequest{
		ID:           requestID,
		Priority:     sched.Priority,
		Requester:    sched.Name,
		TenantID:     sched.TenantID,
		ImportType:   sched.ImportType,
		Requirements: sched.Requirements,
		RetryPolicy:  sched.RetryPolicy,
		ScheduleID:   sched.ID,
		ExecutionID:  executionID,
	}
	if _, err := s.qm.Submit(ctx, req); err != nil {
		if setErr := s.db.SetScheduleExecutionProperties(executionID,
			SetExecutionStatus(ExecutionStatusFailed),
			SetExecutionCompletedAt(time.Now()),
			SetExecutionErrorDetail(err.Error())); setErr != nil {
			s.logger.Error(ctx, "failed to mark execution failed", "execution_id", executionID, "error", setErr)
		}
		return fmt.Errorf("failed to materialize request for schedule %d: %w", sched.ID, err)
	}

	if err := s.db.SetScheduleProperties(sched.ID,
		IncrementScheduleExecutionCount(),
		SetScheduleLastExecution(now)); err != nil {
		s.logger.Error(ctx, "failed to update schedule counters", "schedule_id", sched.ID, "error", err)
	}

	if sched.RetryPolicy.Timeout > 0 {
		s.watches[executionID] = &executionWatch{
			executionID: executionID,
			scheduleID:  sched.ID,
			requestID:   requestID,
			deadline:    now.Add(sched.RetryPolicy.Timeout * 2),
		}
	}

	s.logger.Info(ctx, "schedule fired",
		"schedule_id", sched.ID,
		"execution_id", executionID,
		"request_id", requestID)
	s.appendScheduleEvent(ctx, sched, EventScheduleFired, EventDetail{Message: string(requestID)})

	return nil
}

// enforceDeadlines forces executions that missed their completion deadline
// into Failed. The dispatcher normally times executions out itself through
// the request context; this path covers a dispatcher that never reports back.
func (s *Scheduler) enforceDeadlines(ctx context.Context, now time.Time) {
	for id, watch := range s.watches {
		if watch.deadline.After(now) {
			continue
		}
		delete(s.watches, id)

		execution, err := s.db.GetScheduleExecution(id)
		if err != nil || execution.Status.IsTerminal() {
			continue
		}

		s.logger.Warn(ctx, "execution deadline exceeded",
			"execution_id", id,
			"schedule_id", watch.scheduleID,
			"request_id", watch.requestID)

		if err := s.db.SetScheduleExecutionProperties(id,
			SetExecutionStatus(ExecutionStatusFailed),
			SetExecutionCompletedAt(now),
			SetExecutionErrorDetail(ErrExecutionTimeout.Error())); err != nil {
			s.logger.Error(ctx, "failed to fail timed out execution", "execution_id", id, "error", err)
			continue
		}

		sched, err := s.db.GetSchedule(watch.scheduleID)
		if err != nil {
			continue
		}
		s.appendScheduleEvent(ctx, sched, EventExecutionTimeout, EventDetail{Message: string(watch.requestID)})
		s.settleAfterFailure(ctx, sched, now)
	}
}

// OnRequestComplete folds a finished request back into its schedule: counters,
// retry bookkeeping, and the next firing instant.
func (s *Scheduler) OnRequestComplete(ctx context.Context, req *QueueRequest, success bool, records int, execErr error) {
	if req.ScheduleID == NoScheduleID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.watches, req.ExecutionID)

	execution, err := s.db.GetScheduleExecution(req.ExecutionID)
	if err != nil {
		s.logger.Error(ctx, "execution missing for completed request", "execution_id", req.ExecutionID, "request_id", req.ID, "error", err)
		return
	}
	if execution.Status.IsTerminal() {
		// Already settled, typically by the deadline watchdog. The schedule
		// may have refired since; settling again would touch the wrong cycle.
		s.logger.Warn(ctx, "late completion for settled execution ignored",
			"execution_id", req.ExecutionID,
			"schedule_id", req.ScheduleID,
			"request_id", req.ID)
		return
	}

	var status RequestStatus
	if err := s.db.GetQueueRequestProperties(req.ID, GetQueueRequestStatus(&status)); err != nil {
		status = StatusFailed
	}

	now := time.Now()
	executionStatus := ExecutionStatusCompleted
	switch {
	case status == StatusCancelled:
		executionStatus = ExecutionStatusCancelled
	case !success:
		executionStatus = ExecutionStatusFailed
	}

	setters := []ExecutionPropertySetter{
		SetExecutionStatus(executionStatus),
		SetExecutionCompletedAt(now),
		SetExecutionRecordsProcessed(records),
	}
	if execErr != nil {
		setters = append(setters, SetExecutionErrorDetail(execErr.Error()))
	}
	if err := s.db.SetScheduleExecutionProperties(req.ExecutionID, setters...); err != nil {
		s.logger.Error(ctx, "failed to finalize execution", "execution_id", req.ExecutionID, "error", err)
	}

	sched, err := s.db.GetSchedule(req.ScheduleID)
	if err != nil {
		s.logger.Error(ctx, "schedule missing for completed request", "schedule_id", req.ScheduleID, "request_id", req.ID, "error", err)
		return
	}
	if sched.Status != ScheduleStatusExecuting {
		// Paused or cancelled while the request ran; leave the lifecycle alone.
		return
	}

	if err := s.db.DeleteReservationsBySchedule(sched.ID); err != nil && !errors.Is(err, ErrReservationNotFound) {
		s.logger.Warn(ctx, "failed to release reservations", "schedule_id", sched.ID, "error", err)
	}

	switch {
	case executionStatus == ExecutionStatusCompleted:
		s.settleAfterSuccess(ctx, sched, now)
	case executionStatus == ExecutionStatusCancelled:
		s.settleAfterCancel(ctx, sched, now)
	default:
		s.settleAfterFailure(ctx, sched, now)
	}
}

func (s *Scheduler) settleAfterSuccess(ctx context.Context, sched *Schedule, now time.Time) {
	if err := s.db.SetScheduleProperties(sched.ID,
		IncrementScheduleSuccessCount(),
		SetScheduleRetriesLeft(sched.RetryPolicy.MaxRetries)); err != nil {
		s.logger.Error(ctx, "failed to update schedule counters", "schedule_id", sched.ID, "error", err)
	}

	if sched.Recurring {
		s.recur(ctx, sched, now)
	} else {
		if err := s.transition(ctx, sched.ID, trigComplete, ScheduleStatusCompleted); err != nil {
			s.logger.Error(ctx, "failed to complete schedule", "schedule_id", sched.ID, "error", err)
			return
		}
	}
	s.appendScheduleEvent(ctx, sched, EventScheduleCompleted, EventDetail{})
}

// settleAfterFailure consumes a retry when any remain; once exhausted, a
// recurring schedule returns to its normal cadence while a one-shot schedule
// becomes Failed.
func (s *Scheduler) settleAfterFailure(ctx context.Context, sched *Schedule, now time.Time) {
	if err := s.db.SetScheduleProperties(sched.ID, IncrementScheduleFailureCount()); err != nil {
		s.logger.Error(ctx, "failed to update schedule counters", "schedule_id", sched.ID, "error", err)
	}

	var retriesLeft int
	if err := s.db.GetScheduleProperties(sched.ID, GetScheduleRetriesLeft(&retriesLeft)); err != nil {
		retriesLeft = 0
	}

	if retriesLeft > 0 {
		delay := sched.RetryPolicy.RetryDelay
		if delay <= 0 {
			delay = time.Minute
		}
		if err := s.transition(ctx, sched.ID, trigRecur, ScheduleStatusScheduled); err != nil {
			s.logger.Error(ctx, "failed to reschedule retry", "schedule_id", sched.ID, "error", err)
			return
		}
		if err := s.db.SetScheduleProperties(sched.ID,
			SetScheduleRetriesLeft(retriesLeft-1),
			SetScheduleNextExecution(now.Add(delay))); err != nil {
			s.logger.Error(ctx, "failed to stamp retry execution", "schedule_id", sched.ID, "error", err)
		}
		s.logger.Info(ctx, "schedule retry queued",
			"schedule_id", sched.ID,
			"schedule.retries_left", retriesLeft-1,
			"schedule.next_execution", now.Add(delay))
		s.appendScheduleEvent(ctx, sched, EventScheduleFailed, EventDetail{Message: "retry queued"})
		return
	}

	if sched.Recurring {
		if err := s.db.SetScheduleProperties(sched.ID, SetScheduleRetriesLeft(sched.RetryPolicy.MaxRetries)); err != nil {
			s.logger.Error(ctx, "failed to reset retry budget", "schedule_id", sched.ID, "error", err)
		}
		s.recur(ctx, sched, now)
		s.appendScheduleEvent(ctx, sched, EventScheduleFailed, EventDetail{Message: "retries exhausted, resuming cadence"})
		return
	}

	if err := s.transition(ctx, sched.ID, trigFail, ScheduleStatusFailed); err != nil {
		s.logger.Error(ctx, "failed to fail schedule", "schedule_id", sched.ID, "error", err)
		return
	}
	s.appendScheduleEvent(ctx, sched, EventScheduleFailed, EventDetail{Message: "retries exhausted"})
}

func (s *Scheduler) settleAfterCancel(ctx context.Context, sched *Schedule, now time.Time) {
	if sched.Recurring {
		// One run was cancelled, not the schedule itself.
		s.recur(ctx, sched, now)
		return
	}
	if err := s.transition(ctx, sched.ID, trigCancel, ScheduleStatusCancelled); err != nil {
		s.logger.Error(ctx, "failed to cancel schedule", "schedule_id", sched.ID, "error", err)
		return
	}
	s.appendScheduleEvent(ctx, sched, EventScheduleCancelled, EventDetail{})
}

// recur returns an Executing schedule to Scheduled at its next cadence
// instant, or retires it when the trigger has no future firing.
func (s *Scheduler) recur(ctx context.Context, sched *Schedule, now time.Time) {
	spec, err := s.trigger(sched.ID)
	if err != nil {
		s.logger.Error(ctx, "failed to rebuild trigger", "schedule_id", sched.ID, "error", err)
		return
	}
	next := spec.next(now)
	if next.IsZero() {
		if err := s.transition(ctx, sched.ID, trigComplete, ScheduleStatusCompleted); err != nil {
			s.logger.Error(ctx, "failed to retire schedule", "schedule_id", sched.ID, "error", err)
		}
		return
	}
	if err := s.transition(ctx, sched.ID, trigRecur, ScheduleStatusScheduled); err != nil {
		s.logger.Error(ctx, "failed to return schedule to cadence", "schedule_id", sched.ID, "error", err)
		return
	}
	if err := s.db.SetScheduleProperties(sched.ID, SetScheduleNextExecution(next)); err != nil {
		s.logger.Error(ctx, "failed to stamp next execution", "schedule_id", sched.ID, "error", err)
	}
}
