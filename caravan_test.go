package caravan

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, opts ...Option) *Caravan {
	t.Helper()
	base := []Option{
		WithWorkerCount(2),
		WithDispatchInterval(10 * time.Millisecond),
		WithSchedulerInterval(25 * time.Millisecond),
		WithSweepInterval(50 * time.Millisecond),
		WithLog(testLogger()),
	}
	engine, err := New(context.Background(), NewMemoryDatabase(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close())
	})
	return engine
}

func waitForStatus(t *testing.T, engine *Caravan, id RequestID, want RequestStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snapshot, err := engine.GetStatus(context.Background(), id)
		return err == nil && snapshot.Status == want
	}, 5*time.Second, 10*time.Millisecond, "request %s never reached %s", id, want)
}

func TestEngineRunsSubmittedRequest(t *testing.T) {
	var ran atomic.Bool
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		ran.Store(true)
		return 7, nil
	})))
	ctx := context.Background()

	id, err := engine.Submit(ctx, testRequest("", 10))
	require.NoError(t, err)

	waitForStatus(t, engine, id, StatusCompleted)
	assert.True(t, ran.Load())

	// The ledger replays to the same terminal status.
	status, err := engine.ReplayStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)

	events, err := engine.QueryHistory(ctx, HistoryFilter{RequestID: id})
	require.NoError(t, err)
	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventRequestSubmitted, EventRequestDispatched, EventRequestCompleted}, kinds)
}

func TestEngineRecordsExecutorFailure(t *testing.T) {
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		return 0, errors.New("source unreachable")
	})))
	ctx := context.Background()

	id, err := engine.Submit(ctx, testRequest("", 10))
	require.NoError(t, err)

	waitForStatus(t, engine, id, StatusFailed)

	events, err := engine.QueryHistory(ctx, HistoryFilter{RequestID: id, Kinds: []EventKind{EventRequestFailed}})
	require.NoError(t, err)
	require.Len(t, events, 1)

	detail, err := DecodeEventDetail(events[0].Detail)
	require.NoError(t, err)
	assert.Contains(t, detail.Error, "source unreachable")
}

func TestEngineOrdersSequentialDependencies(t *testing.T) {
	done := make(chan RequestID, 2)
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		done <- req.ID
		return 0, nil
	})))
	ctx := context.Background()

	parent, err := engine.Submit(ctx, testRequest("parent", 3))
	require.NoError(t, err)

	// Higher priority, but it must still wait for the parent.
	child, err := engine.Submit(ctx, testRequest("child", 19), Dependency{On: parent, Type: DependencySequential})
	require.NoError(t, err)

	waitForStatus(t, engine, child, StatusCompleted)

	first := <-done
	second := <-done
	assert.Equal(t, parent, first)
	assert.Equal(t, child, second)
}

func TestEngineRejectsCyclicSubmission(t *testing.T) {
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		time.Sleep(50 * time.Millisecond)
		return 0, nil
	})))
	ctx := context.Background()

	a, err := engine.Submit(ctx, testRequest("cycle-a", 5))
	require.NoError(t, err)

	b, err := engine.Submit(ctx, testRequest("cycle-b", 5), Dependency{On: a, Type: DependencySequential})
	require.NoError(t, err)

	_, err = engine.Submit(ctx, testRequest("cycle-a", 5), Dependency{On: b, Type: DependencySequential})
	require.Error(t, err)
}

func TestRejectedResubmissionKeepsDependencyEdges(t *testing.T) {
	done := make(chan RequestID, 2)
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		if req.ID == "slow-parent" {
			time.Sleep(100 * time.Millisecond)
		}
		done <- req.ID
		return 0, nil
	})))
	ctx := context.Background()

	parent, err := engine.Submit(ctx, testRequest("slow-parent", 3))
	require.NoError(t, err)

	child, err := engine.Submit(ctx, testRequest("eager-child", 19), Dependency{On: parent, Type: DependencySequential})
	require.NoError(t, err)

	// Re-submitting the parent's ID with a dependency on the child is
	// rejected, and the rejection must not strip the child's live edge.
	_, err = engine.Submit(ctx, testRequest("slow-parent", 3), Dependency{On: child, Type: DependencySequential})
	require.ErrorIs(t, err, ErrDuplicateRequest)
	require.Len(t, engine.resolver.Dependencies(child), 1)

	waitForStatus(t, engine, child, StatusCompleted)
	assert.Equal(t, parent, <-done)
	assert.Equal(t, child, <-done)
}

func TestEngineRejectsImpossibleQuotaDemand(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.SetTenantLimit(&TenantResourceLimit{
		TenantID:    "tenant-a",
		Type:        ResourceMemoryUnits,
		Limit:       100,
		Unit:        "MB",
		Enforcement: EnforcementHard,
	}))

	req := testRequest("", 10)
	req.Requirements = []ResourceRequirement{{Type: ResourceMemoryUnits, Amount: 1000}}
	_, err := engine.Submit(ctx, req)
	require.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestEngineSerializesExclusiveResource(t *testing.T) {
	var concurrent atomic.Int32
	var peak atomic.Int32
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		concurrent.Add(-1)
		return 0, nil
	})))
	ctx := context.Background()

	var ids []RequestID
	for i := 0; i < 3; i++ {
		req := testRequest("", 10)
		req.Requirements = []ResourceRequirement{
			{Type: ResourceConnections, ResourceID: "warehouse-1", Mode: LockExclusive},
		}
		id, err := engine.Submit(ctx, req)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		waitForStatus(t, engine, id, StatusCompleted)
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestEngineCancelQueuedBeforeDispatch(t *testing.T) {
	release := make(chan struct{})
	engine := newTestEngine(t,
		WithWorkerCount(1),
		WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
			<-release
			return 0, nil
		})))
	ctx := context.Background()

	// One hard slot: while the blocker runs, nothing else is admitted.
	require.NoError(t, engine.SetTenantLimit(&TenantResourceLimit{
		TenantID:    "tenant-a",
		Type:        ResourceImportSlots,
		Limit:       1,
		Unit:        "slots",
		Enforcement: EnforcementHard,
	}))

	blocker, err := engine.Submit(ctx, testRequest("blocker", 20))
	require.NoError(t, err)
	waitForStatus(t, engine, blocker, StatusProcessing)

	victim, err := engine.Submit(ctx, testRequest("victim", 1))
	require.NoError(t, err)

	cancelled, err := engine.Cancel(ctx, victim)
	require.NoError(t, err)
	require.True(t, cancelled)

	close(release)
	waitForStatus(t, engine, blocker, StatusCompleted)

	snapshot, err := engine.GetStatus(ctx, victim)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snapshot.Status)
	assert.Nil(t, snapshot.StartedAt)
}

func TestEngineCancelProcessingIsCooperative(t *testing.T) {
	started := make(chan struct{})
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	})))
	ctx := context.Background()

	id, err := engine.Submit(ctx, testRequest("long-haul", 10))
	require.NoError(t, err)
	<-started

	cancelled, err := engine.Cancel(ctx, id)
	require.NoError(t, err)
	require.True(t, cancelled)

	waitForStatus(t, engine, id, StatusCancelled)
}

func TestEngineRunsScheduleEndToEnd(t *testing.T) {
	var runs atomic.Int32
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		runs.Add(1)
		return 12, nil
	})))
	ctx := context.Background()

	id, err := engine.CreateSchedule(ctx, &Schedule{
		Name:              "fast-sync",
		ImportType:        "inventory",
		TenantID:          "tenant-a",
		TriggerExpression: "@every 100ms",
		Recurring:         true,
		Priority:          5,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return runs.Load() >= 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, engine.PauseSchedule(ctx, id))

	sched, err := engine.GetSchedule(id)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sched.SuccessCount, 1)

	executions, err := engine.ListExecutions(id)
	require.NoError(t, err)
	assert.NotEmpty(t, executions)
}

func TestScheduleRetryBudgetIsSingleLayer(t *testing.T) {
	var attempts atomic.Int32
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		attempts.Add(1)
		return 0, errors.New("source unreachable")
	})))
	ctx := context.Background()

	// One-shot with one retry: the scheduler refires once, and each run makes
	// exactly one executor attempt.
	id, err := engine.CreateSchedule(ctx, &Schedule{
		Name:              "flaky-sync",
		ImportType:        "inventory",
		TenantID:          "tenant-a",
		TriggerExpression: time.Now().Add(300 * time.Millisecond).Format(time.RFC3339Nano),
		Recurring:         false,
		Priority:          5,
		RetryPolicy:       RetryPolicy{MaxRetries: 1, RetryDelay: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sched, err := engine.GetSchedule(id)
		return err == nil && sched.Status == ScheduleStatusFailed
	}, 5*time.Second, 20*time.Millisecond)

	assert.EqualValues(t, 2, attempts.Load())
}

func TestAdHocRequestRetriesInWorker(t *testing.T) {
	var attempts atomic.Int32
	engine := newTestEngine(t, WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
		if attempts.Add(1) == 1 {
			return 0, errors.New("transient")
		}
		return 3, nil
	})))
	ctx := context.Background()

	req := testRequest("", 10)
	req.RetryPolicy = RetryPolicy{MaxRetries: 2, RetryDelay: 10 * time.Millisecond}
	id, err := engine.Submit(ctx, req)
	require.NoError(t, err)

	waitForStatus(t, engine, id, StatusCompleted)
	assert.EqualValues(t, 2, attempts.Load())
}

func TestDispatchHoldsAdmissionToWorkerCapacity(t *testing.T) {
	release := make(chan struct{})
	order := make(chan RequestID, 3)
	engine := newTestEngine(t,
		WithWorkerCount(1),
		WithExecutor(ExecutorFunc(func(ctx context.Context, req *QueueRequest) (int, error) {
			order <- req.ID
			if req.ID == "holder" {
				<-release
			}
			return 0, nil
		})))
	ctx := context.Background()

	holder, err := engine.Submit(ctx, testRequest("holder", 10))
	require.NoError(t, err)
	waitForStatus(t, engine, holder, StatusProcessing)

	low := testRequest("low", 2)
	low.Requirements = []ResourceRequirement{
		{Type: ResourceConnections, ResourceID: "warehouse-9", Mode: LockExclusive},
	}
	lowID, err := engine.Submit(ctx, low)
	require.NoError(t, err)

	// The single worker is occupied, so the waiting request is not admitted:
	// it stays Queued and holds neither a worker nor its lock.
	time.Sleep(100 * time.Millisecond)
	snapshot, err := engine.GetStatus(ctx, lowID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, snapshot.Status)

	handle, conflict, err := engine.locks.Acquire(ctx, ResourceConnections, "warehouse-9", LockExclusive, "bystander", time.Second)
	require.NoError(t, err)
	require.Nil(t, conflict)
	require.NoError(t, engine.locks.Release(ctx, handle))

	// A late higher-priority arrival is not stuck behind the earlier one.
	highID, err := engine.Submit(ctx, testRequest("high", 18))
	require.NoError(t, err)

	close(release)
	waitForStatus(t, engine, highID, StatusCompleted)
	waitForStatus(t, engine, lowID, StatusCompleted)

	assert.Equal(t, RequestID("holder"), <-order)
	assert.Equal(t, RequestID("high"), <-order)
	assert.Equal(t, RequestID("low"), <-order)
}

func TestEngineScalesWorkers(t *testing.T) {
	engine := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.ScaleWorkers(ctx, 2))
	require.NoError(t, engine.ScaleWorkers(ctx, -1))
	require.Error(t, engine.ScaleWorkers(ctx, -100))
}
