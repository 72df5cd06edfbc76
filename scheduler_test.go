package caravan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) (*MemoryDatabase, *QueueManager, *Scheduler) {
	t.Helper()
	db, history, _, qm := testComponents()
	s := NewScheduler(context.Background(), db, qm, history, testLogger())
	return db, qm, s
}

func testSchedule(recurring bool, expr string) *Schedule {
	return &Schedule{
		Name:              "nightly",
		ImportType:        "inventory",
		TenantID:          "acme",
		TriggerExpression: expr,
		Recurring:         recurring,
		Priority:          8,
	}
}

func TestParseTriggerAcceptsCronAndInstants(t *testing.T) {
	now := time.Now()

	spec, err := parseTrigger("0 3 * * *")
	require.NoError(t, err)
	assert.True(t, spec.next(now).After(now))

	spec, err = parseTrigger("@every 5m")
	require.NoError(t, err)
	next := spec.next(now)
	assert.WithinDuration(t, now.Add(5*time.Minute), next, time.Second)

	at := now.Add(time.Hour).Truncate(time.Second)
	spec, err = parseTrigger(at.Format(time.RFC3339))
	require.NoError(t, err)
	assert.WithinDuration(t, at, spec.next(now), time.Second)
	// A one-shot instant never fires twice.
	assert.True(t, spec.next(at.Add(time.Minute)).IsZero())
}

func TestParseTriggerRejectsGarbage(t *testing.T) {
	_, err := parseTrigger("whenever you feel like it")
	require.ErrorIs(t, err, ErrInvalidTriggerExpression)
}

func TestCreateScheduleValidates(t *testing.T) {
	_, _, s := newTestScheduler(t)
	ctx := context.Background()

	bad := testSchedule(true, "@every 1m")
	bad.Priority = 0
	_, err := s.CreateSchedule(ctx, bad)
	require.ErrorIs(t, err, ErrInvalidPriority)

	past := testSchedule(false, time.Now().Add(-time.Hour).Format(time.RFC3339))
	_, err = s.CreateSchedule(ctx, past)
	require.ErrorIs(t, err, ErrTriggerInPast)

	_, err = s.CreateSchedule(ctx, testSchedule(true, "not a trigger"))
	require.ErrorIs(t, err, ErrInvalidTriggerExpression)
}

func TestCreateScheduleStartsScheduledWithFutureNext(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(true, "@every 1m")
	sched.RetryPolicy = RetryPolicy{MaxRetries: 3, RetryDelay: time.Minute}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, stored.Status)
	assert.True(t, stored.NextExecution.After(time.Now()))
	assert.Equal(t, 3, stored.RetriesLeft)
}

func TestTickFiresDueSchedule(t *testing.T) {
	db, qm, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(true, "@every 1h")
	sched.Requirements = []ResourceRequirement{{Type: ResourceMemoryUnits, Amount: 64}}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)

	// Not due yet: nothing fires.
	require.NoError(t, s.Tick())
	executions, err := db.ListScheduleExecutions(id)
	require.NoError(t, err)
	require.Empty(t, executions)

	require.NoError(t, db.SetScheduleProperties(id, SetScheduleNextExecution(time.Now().Add(-time.Second))))
	require.NoError(t, s.Tick())

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusExecuting, stored.Status)
	assert.Equal(t, 1, stored.ExecutionCount)
	require.NotNil(t, stored.LastExecution)

	executions, err = db.ListScheduleExecutions(id)
	require.NoError(t, err)
	require.Len(t, executions, 1)
	assert.Equal(t, ExecutionStatusStarted, executions[0].Status)
	require.NotEmpty(t, executions[0].RequestID)

	// The materialized request carries the schedule's identity and config.
	req, err := qm.Status(ctx, executions[0].RequestID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, req.Status)
	assert.Equal(t, id, req.ScheduleID)
	assert.Equal(t, executions[0].ID, req.ExecutionID)
	assert.Equal(t, sched.Priority, req.Priority)

	reservations, err := db.ListResourceReservations(func(r *ResourceReservation) bool {
		return r.ScheduleID == id
	})
	require.NoError(t, err)
	assert.Len(t, reservations, 1)

	// An Executing schedule is not picked up again by the next tick.
	require.NoError(t, s.Tick())
	executions, err = db.ListScheduleExecutions(id)
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestPausedScheduleIsSkippedUntilResumed(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateSchedule(ctx, testSchedule(true, "@every 1h"))
	require.NoError(t, err)
	require.NoError(t, s.PauseSchedule(ctx, id))

	require.NoError(t, db.SetScheduleProperties(id, SetScheduleNextExecution(time.Now().Add(-time.Second))))
	require.NoError(t, s.Tick())

	executions, err := db.ListScheduleExecutions(id)
	require.NoError(t, err)
	assert.Empty(t, executions)

	require.NoError(t, s.ResumeSchedule(ctx, id))
	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, stored.Status)
	// Resume recomputes the cadence instead of replaying the missed window.
	assert.True(t, stored.NextExecution.After(time.Now()))
}

func TestPauseRequiresActiveSchedule(t *testing.T) {
	_, _, s := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateSchedule(ctx, testSchedule(true, "@every 1h"))
	require.NoError(t, err)
	require.NoError(t, s.CancelSchedule(ctx, id))

	err = s.PauseSchedule(ctx, id)
	require.ErrorIs(t, err, ErrScheduleNotActive)
}

// fireNow forces the schedule due and returns its materialized execution.
func fireNow(t *testing.T, db *MemoryDatabase, s *Scheduler, id ScheduleID) *ScheduleExecution {
	t.Helper()
	require.NoError(t, db.SetScheduleProperties(id, SetScheduleNextExecution(time.Now().Add(-time.Second))))
	require.NoError(t, s.Tick())
	executions, err := db.ListScheduleExecutions(id)
	require.NoError(t, err)
	require.NotEmpty(t, executions)
	return executions[len(executions)-1]
}

// finishRequest walks the materialized request through the dispatcher's
// status path so the scheduler sees a realistic completion.
func finishRequest(t *testing.T, db *MemoryDatabase, id RequestID, terminal RequestStatus) *QueueRequest {
	t.Helper()
	require.NoError(t, db.SetQueueRequestProperties(id, SetQueueRequestStatus(StatusProcessing)))
	require.NoError(t, db.SetQueueRequestProperties(id, SetQueueRequestStatus(terminal)))
	req, err := db.GetQueueRequest(id)
	require.NoError(t, err)
	return req
}

func TestSuccessfulRunReturnsRecurringScheduleToCadence(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateSchedule(ctx, testSchedule(true, "@every 1h"))
	require.NoError(t, err)
	execution := fireNow(t, db, s, id)

	req := finishRequest(t, db, execution.RequestID, StatusCompleted)
	s.OnRequestComplete(ctx, req, true, 500, nil)

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, stored.Status)
	assert.Equal(t, 1, stored.SuccessCount)
	assert.True(t, stored.NextExecution.After(time.Now()))

	updated, err := db.GetScheduleExecution(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCompleted, updated.Status)
	assert.Equal(t, 500, updated.RecordsProcessed)
	require.NotNil(t, updated.CompletedAt)
}

func TestSuccessfulOneShotCompletes(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	id, err := s.CreateSchedule(ctx, testSchedule(false, time.Now().Add(time.Hour).Format(time.RFC3339)))
	require.NoError(t, err)
	execution := fireNow(t, db, s, id)

	req := finishRequest(t, db, execution.RequestID, StatusCompleted)
	s.OnRequestComplete(ctx, req, true, 10, nil)

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusCompleted, stored.Status)
}

func TestFailureConsumesRetryAndReschedulesSoon(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(true, "@every 1h")
	sched.RetryPolicy = RetryPolicy{MaxRetries: 2, RetryDelay: 30 * time.Second}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)
	execution := fireNow(t, db, s, id)

	req := finishRequest(t, db, execution.RequestID, StatusFailed)
	s.OnRequestComplete(ctx, req, false, 0, errors.New("connection reset"))

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, stored.Status)
	assert.Equal(t, 1, stored.FailureCount)
	assert.Equal(t, 1, stored.RetriesLeft)
	// The retry runs on the retry delay, well before the hourly cadence.
	assert.True(t, stored.NextExecution.Before(time.Now().Add(time.Minute)))

	updated, err := db.GetScheduleExecution(execution.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, updated.Status)
	assert.Contains(t, updated.ErrorDetail, "connection reset")
}

func TestRetryExhaustionRecurringResumesCadence(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(true, "@every 1h")
	sched.RetryPolicy = RetryPolicy{MaxRetries: 0}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)
	execution := fireNow(t, db, s, id)

	req := finishRequest(t, db, execution.RequestID, StatusFailed)
	s.OnRequestComplete(ctx, req, false, 0, errors.New("boom"))

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusScheduled, stored.Status)
	// Back on the hourly cadence, not a tight retry loop.
	assert.True(t, stored.NextExecution.After(time.Now().Add(30*time.Minute)))
}

func TestRetryExhaustionOneShotFails(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(false, time.Now().Add(time.Hour).Format(time.RFC3339))
	sched.RetryPolicy = RetryPolicy{MaxRetries: 0}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)
	execution := fireNow(t, db, s, id)

	req := finishRequest(t, db, execution.RequestID, StatusFailed)
	s.OnRequestComplete(ctx, req, false, 0, errors.New("boom"))

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusFailed, stored.Status)
}

func TestLateCompletionAfterTimeoutDoesNotSettleNextCycle(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(true, "@every 1h")
	sched.RetryPolicy = RetryPolicy{MaxRetries: 2, RetryDelay: 30 * time.Second, Timeout: time.Minute}
	sched.Requirements = []ResourceRequirement{{Type: ResourceMemoryUnits, Amount: 64}}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)
	first := fireNow(t, db, s, id)

	// The dispatcher never reports back, so the watchdog fails the run.
	watch := s.watches[first.ID]
	require.NotNil(t, watch)
	watch.deadline = time.Now().Add(-time.Second)
	require.NoError(t, s.Tick())

	timedOut, err := db.GetScheduleExecution(first.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusFailed, timedOut.Status)

	// The retry fires a second execution.
	second := fireNow(t, db, s, id)
	require.NotEqual(t, first.ID, second.ID)

	// The first run's request finally reports in. It must not settle the
	// second cycle's state.
	req := finishRequest(t, db, first.RequestID, StatusCompleted)
	s.OnRequestComplete(ctx, req, true, 99, nil)

	stored, err := db.GetSchedule(id)
	require.NoError(t, err)
	assert.Equal(t, ScheduleStatusExecuting, stored.Status)
	assert.Equal(t, 0, stored.SuccessCount)

	current, err := db.GetScheduleExecution(second.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusStarted, current.Status)

	reservations, err := db.ListResourceReservations(func(r *ResourceReservation) bool {
		return r.ScheduleID == id
	})
	require.NoError(t, err)
	assert.NotEmpty(t, reservations)
}

func TestCompletionReleasesReservations(t *testing.T) {
	db, _, s := newTestScheduler(t)
	ctx := context.Background()

	sched := testSchedule(true, "@every 1h")
	sched.Requirements = []ResourceRequirement{{Type: ResourceMemoryUnits, Amount: 128}}
	id, err := s.CreateSchedule(ctx, sched)
	require.NoError(t, err)
	execution := fireNow(t, db, s, id)

	req := finishRequest(t, db, execution.RequestID, StatusCompleted)
	s.OnRequestComplete(ctx, req, true, 1, nil)

	reservations, err := db.ListResourceReservations(func(r *ResourceReservation) bool {
		return r.ScheduleID == id
	})
	require.NoError(t, err)
	assert.Empty(t, reservations)
}
