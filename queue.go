package caravan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

var (
	ErrInvalidPriority  = errors.New("priority must be between 1 and 20")
	ErrDuplicateRequest = errors.New("duplicate request id")
)

// QueueManager holds pending admission requests in priority order and is the
// single writer of QueueRequest status. Higher numeric priority dispatches
// first; ties break on submission time, oldest first.
type QueueManager struct {
	mu deadlock.Mutex

	db       Database
	history  *HistoryRecorder
	resolver *DependencyResolver
	logger   Logger
}

func NewQueueManager(db Database, history *HistoryRecorder, resolver *DependencyResolver, logger Logger) *QueueManager {
	return &QueueManager{
		db:       db,
		history:  history,
		resolver: resolver,
		logger:   logger,
	}
}

// Submit validates and enqueues one request. The request enters Queued and a
// submission event is appended to the ledger.
func (qm *QueueManager) Submit(ctx context.Context, req *QueueRequest) (RequestID, error) {
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		err := errors.Join(ErrInvalidPriority, fmt.Errorf("got %d", req.Priority))
		qm.logger.Error(ctx, err.Error(), "request_id", req.ID, "tenant_id", req.TenantID)
		return "", err
	}

	if req.ID == "" {
		req.ID = RequestID(uuid.NewString())
	}
	req.Status = StatusQueued
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}

	qm.mu.Lock()
	defer qm.mu.Unlock()

	if err := qm.db.AddQueueRequest(req); err != nil {
		if errors.Is(err, ErrRequestExists) {
			err = errors.Join(ErrDuplicateRequest, fmt.Errorf("request %s", req.ID))
		}
		qm.logger.Error(ctx, err.Error(), "request_id", req.ID, "tenant_id", req.TenantID)
		return "", err
	}

	if _, err := qm.history.Append(ctx, HistoryEvent{
		Kind:       EventRequestSubmitted,
		RequestID:  string(req.ID),
		TenantID:   req.TenantID,
		ScheduleID: int(req.ScheduleID),
	}); err != nil {
		return "", err
	}

	qm.logger.Info(ctx, "request queued",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"priority", req.Priority,
		"import_type", req.ImportType)

	return req.ID, nil
}

// Cancel cancels a Queued request. It is a no-op returning false once the
// request is Processing or terminal; in-flight work is cancelled
// cooperatively through the dispatcher, never from here.
func (qm *QueueManager) Cancel(ctx context.Context, id RequestID) (bool, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	var status RequestStatus
	var tenantID string
	if err := qm.db.GetQueueRequestProperties(id,
		GetQueueRequestStatus(&status),
		GetQueueRequestTenantID(&tenantID)); err != nil {
		return false, err
	}
	if status != StatusQueued {
		qm.logger.Debug(ctx, "cancel rejected", "request_id", id, "status", status)
		return false, nil
	}

	if err := qm.db.SetQueueRequestProperties(id,
		SetQueueRequestStatus(StatusCancelled),
		SetQueueRequestCompletedAt(time.Now()),
		SetQueueRequestQueuePosition(nil)); err != nil {
		return false, err
	}

	// Cancelling a unit removes its edges, which may unblock dependents.
	qm.resolver.RemoveUnit(ctx, id)

	if _, err := qm.history.Append(ctx, HistoryEvent{
		Kind:      EventRequestCancelled,
		RequestID: string(id),
		TenantID:  tenantID,
	}); err != nil {
		return false, err
	}

	qm.logger.Info(ctx, "request cancelled", "request_id", id)
	return true, nil
}

// Status returns a snapshot of the request, queue position included while it
// is still Queued.
func (qm *QueueManager) Status(ctx context.Context, id RequestID) (*QueueRequest, error) {
	req, err := qm.db.GetQueueRequest(id)
	if err != nil {
		return nil, err
	}
	if req.Status == StatusQueued {
		queued, err := qm.queuedSorted()
		if err != nil {
			return nil, err
		}
		for i, candidate := range queued {
			if candidate.ID == id {
				pos := i + 1
				req.QueuePosition = &pos
				break
			}
		}
	}
	return req, nil
}

// ListRequests returns snapshots of every request matching the filter.
func (qm *QueueManager) ListRequests(filter func(*QueueRequest) bool) ([]*QueueRequest, error) {
	return qm.db.ListQueueRequests(filter)
}

func (qm *QueueManager) queuedSorted() ([]*QueueRequest, error) {
	queued, err := qm.db.ListQueueRequests(func(r *QueueRequest) bool {
		return r.Status == StatusQueued
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].SubmittedAt.Before(queued[j].SubmittedAt)
	})
	return queued, nil
}

func (qm *QueueManager) dependencyCompleted(id RequestID) bool {
	var status RequestStatus
	if err := qm.db.GetQueueRequestProperties(id, GetQueueRequestStatus(&status)); err != nil {
		// A dependency that was never enqueued cannot block forever.
		return errors.Is(err, ErrRequestNotFound)
	}
	return status == StatusCompleted
}

// NextDispatchable scans the full queue in dispatch order, recomputes queue
// positions, and hands back the first request whose dependencies are
// satisfied and whose admission gate passes. The winner is transitioned to
// Processing before it is returned. Scanning the whole queue every tick is
// what keeps high priority from being starved by a stale head.
func (qm *QueueManager) NextDispatchable(ctx context.Context, admit func(*QueueRequest) bool) (*QueueRequest, error) {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	queued, err := qm.queuedSorted()
	if err != nil {
		return nil, err
	}

	// Lazy position recompute, not incremental maintenance: under churn the
	// positions are only ever as stale as the last dispatch tick.
	for i, req := range queued {
		pos := i + 1
		if err := qm.db.SetQueueRequestProperties(req.ID, SetQueueRequestQueuePosition(&pos)); err != nil {
			qm.logger.Warn(ctx, "failed to store queue position", "request_id", req.ID, "error", err)
		}
	}

	for _, req := range queued {
		if !qm.resolver.IsRunnable(req.ID, qm.dependencyCompleted) {
			continue
		}
		if admit != nil && !admit(req) {
			continue
		}

		if err := qm.db.SetQueueRequestProperties(req.ID,
			SetQueueRequestStatus(StatusProcessing),
			SetQueueRequestStartedAt(time.Now()),
			SetQueueRequestQueuePosition(nil)); err != nil {
			return nil, err
		}

		if _, err := qm.history.Append(ctx, HistoryEvent{
			Kind:       EventRequestDispatched,
			RequestID:  string(req.ID),
			TenantID:   req.TenantID,
			ScheduleID: int(req.ScheduleID),
		}); err != nil {
			return nil, err
		}

		qm.logger.Debug(ctx, "request dispatchable",
			"request_id", req.ID,
			"tenant_id", req.TenantID,
			"priority", req.Priority)

		return qm.db.GetQueueRequest(req.ID)
	}

	return nil, nil
}

// Complete finalizes a request on behalf of the dispatcher's completion path.
func (qm *QueueManager) Complete(ctx context.Context, id RequestID, status RequestStatus, detail EventDetail) error {
	qm.mu.Lock()
	defer qm.mu.Unlock()

	var tenantID string
	if err := qm.db.GetQueueRequestProperties(id, GetQueueRequestTenantID(&tenantID)); err != nil {
		return err
	}

	if err := qm.db.SetQueueRequestProperties(id,
		SetQueueRequestStatus(status),
		SetQueueRequestCompletedAt(time.Now())); err != nil {
		return err
	}

	kind := EventRequestCompleted
	switch status {
	case StatusFailed:
		kind = EventRequestFailed
	case StatusCancelled:
		kind = EventRequestCancelled
	}

	payload, err := encodeEventDetail(detail)
	if err != nil {
		return err
	}
	if _, err := qm.history.Append(ctx, HistoryEvent{
		Kind:      kind,
		RequestID: string(id),
		TenantID:  tenantID,
		Detail:    payload,
	}); err != nil {
		return err
	}

	qm.logger.Info(ctx, "request finished", "request_id", id, "status", status)
	return nil
}
