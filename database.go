package caravan

import (
	"errors"
	"time"
)

// Error definitions
var (
	ErrRequestNotFound     = errors.New("queue request not found")
	ErrRequestExists       = errors.New("queue request already exists")
	ErrScheduleNotFound    = errors.New("schedule not found")
	ErrExecutionNotFound   = errors.New("schedule execution not found")
	ErrLockNotFound        = errors.New("resource lock not found")
	ErrLimitNotFound       = errors.New("tenant resource limit not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidLimit        = errors.New("limit value must be greater than zero")
	ErrReservationNotFound = errors.New("resource reservation not found")
)

// Property accessors follow the single-writer rule: the owning component calls
// the setters, everyone else reads copies. Status setters enforce the
// forward-only transition tables from types.go.

type QueueRequestPropertyGetter func(*QueueRequest) error
type QueueRequestPropertySetter func(*QueueRequest) error

func GetQueueRequestStatus(out *RequestStatus) QueueRequestPropertyGetter {
	return func(r *QueueRequest) error {
		*out = r.Status
		return nil
	}
}

func GetQueueRequestPriority(out *int) QueueRequestPropertyGetter {
	return func(r *QueueRequest) error {
		*out = r.Priority
		return nil
	}
}

func GetQueueRequestTenantID(out *string) QueueRequestPropertyGetter {
	return func(r *QueueRequest) error {
		*out = r.TenantID
		return nil
	}
}

func SetQueueRequestStatus(status RequestStatus) QueueRequestPropertySetter {
	return func(r *QueueRequest) error {
		if !canTransitionRequest(r.Status, status) {
			return ErrInvalidTransition
		}
		r.Status = status
		return nil
	}
}

func SetQueueRequestStartedAt(t time.Time) QueueRequestPropertySetter {
	return func(r *QueueRequest) error {
		r.StartedAt = &t
		return nil
	}
}

func SetQueueRequestCompletedAt(t time.Time) QueueRequestPropertySetter {
	return func(r *QueueRequest) error {
		r.CompletedAt = &t
		return nil
	}
}

func SetQueueRequestWorker(workerID int) QueueRequestPropertySetter {
	return func(r *QueueRequest) error {
		r.AssignedWorker = &workerID
		return nil
	}
}

func SetQueueRequestQueuePosition(pos *int) QueueRequestPropertySetter {
	return func(r *QueueRequest) error {
		r.QueuePosition = pos
		return nil
	}
}

type SchedulePropertyGetter func(*Schedule) error
type SchedulePropertySetter func(*Schedule) error

func GetScheduleStatus(out *ScheduleStatus) SchedulePropertyGetter {
	return func(s *Schedule) error {
		*out = s.Status
		return nil
	}
}

func GetScheduleNextExecution(out *time.Time) SchedulePropertyGetter {
	return func(s *Schedule) error {
		*out = s.NextExecution
		return nil
	}
}

func GetScheduleCounters(execution, success, failure *int) SchedulePropertyGetter {
	return func(s *Schedule) error {
		*execution = s.ExecutionCount
		*success = s.SuccessCount
		*failure = s.FailureCount
		return nil
	}
}

func GetScheduleRetriesLeft(out *int) SchedulePropertyGetter {
	return func(s *Schedule) error {
		*out = s.RetriesLeft
		return nil
	}
}

func SetScheduleStatus(status ScheduleStatus) SchedulePropertySetter {
	return func(s *Schedule) error {
		if !canTransitionSchedule(s.Status, status) {
			return ErrInvalidTransition
		}
		s.Status = status
		return nil
	}
}

func SetScheduleNextExecution(t time.Time) SchedulePropertySetter {
	return func(s *Schedule) error {
		s.NextExecution = t
		return nil
	}
}

func SetScheduleLastExecution(t time.Time) SchedulePropertySetter {
	return func(s *Schedule) error {
		s.LastExecution = &t
		return nil
	}
}

func IncrementScheduleExecutionCount() SchedulePropertySetter {
	return func(s *Schedule) error {
		s.ExecutionCount++
		return nil
	}
}

func IncrementScheduleSuccessCount() SchedulePropertySetter {
	return func(s *Schedule) error {
		s.SuccessCount++
		return nil
	}
}

func IncrementScheduleFailureCount() SchedulePropertySetter {
	return func(s *Schedule) error {
		s.FailureCount++
		return nil
	}
}

func SetScheduleRetriesLeft(n int) SchedulePropertySetter {
	return func(s *Schedule) error {
		s.RetriesLeft = n
		return nil
	}
}

type ExecutionPropertySetter func(*ScheduleExecution) error

func SetExecutionStatus(status ExecutionStatus) ExecutionPropertySetter {
	return func(e *ScheduleExecution) error {
		if !canTransitionExecution(e.Status, status) {
			return ErrInvalidTransition
		}
		e.Status = status
		return nil
	}
}

func SetExecutionCompletedAt(t time.Time) ExecutionPropertySetter {
	return func(e *ScheduleExecution) error {
		if t.Before(e.StartedAt) {
			t = e.StartedAt
		}
		e.CompletedAt = &t
		return nil
	}
}

func SetExecutionRecordsProcessed(n int) ExecutionPropertySetter {
	return func(e *ScheduleExecution) error {
		e.RecordsProcessed = n
		return nil
	}
}

func SetExecutionErrorDetail(detail string) ExecutionPropertySetter {
	return func(e *ScheduleExecution) error {
		e.ErrorDetail = detail
		return nil
	}
}

// Database is the record store the engine persists through. The contract is
// the field set and the invariants, not a storage product: callers get copies
// back, setters run under the store's own lock.
type Database interface {
	// Queue requests
	AddQueueRequest(req *QueueRequest) error
	GetQueueRequest(id RequestID) (*QueueRequest, error)
	GetQueueRequestProperties(id RequestID, getters ...QueueRequestPropertyGetter) error
	SetQueueRequestProperties(id RequestID, setters ...QueueRequestPropertySetter) error
	ListQueueRequests(filter func(*QueueRequest) bool) ([]*QueueRequest, error)

	// Schedules
	AddSchedule(s *Schedule) (ScheduleID, error)
	GetSchedule(id ScheduleID) (*Schedule, error)
	GetScheduleProperties(id ScheduleID, getters ...SchedulePropertyGetter) error
	SetScheduleProperties(id ScheduleID, setters ...SchedulePropertySetter) error
	ListSchedules(filter func(*Schedule) bool) ([]*Schedule, error)

	// Schedule executions
	AddScheduleExecution(e *ScheduleExecution) (ExecutionID, error)
	GetScheduleExecution(id ExecutionID) (*ScheduleExecution, error)
	SetScheduleExecutionProperties(id ExecutionID, setters ...ExecutionPropertySetter) error
	ListScheduleExecutions(scheduleID ScheduleID) ([]*ScheduleExecution, error)

	// Resource locks (the lock manager is the sole writer)
	AddResourceLock(lock *ResourceLock) error
	DeleteResourceLock(id string) error
	ListResourceLocks(resourceType ResourceType, resourceID string) ([]*ResourceLock, error)
	DeleteExpiredLocks(now time.Time) (int, error)

	// Resource reservations
	AddResourceReservation(r *ResourceReservation) error
	DeleteReservationsBySchedule(id ScheduleID) error
	ListResourceReservations(filter func(*ResourceReservation) bool) ([]*ResourceReservation, error)

	// Tenant resource limits
	SetTenantResourceLimit(limit *TenantResourceLimit) error
	GetTenantResourceLimit(tenantID string, resourceType ResourceType) (*TenantResourceLimit, error)

	// Orchestration dependencies (the resolver is the sole writer)
	AddOrchestrationDependency(d *OrchestrationDependency) error
	DeleteOrchestrationDependency(dependent, dependsOn RequestID) error
	DeleteDependenciesForRequest(id RequestID) error
	ListOrchestrationDependencies(filter func(*OrchestrationDependency) bool) ([]*OrchestrationDependency, error)
}
