package caravan

import (
	"time"
)

/// The engine tracks every admission request as a small persisted state machine.
/// Requests only ever move forward: once dispatched they never go back to the
/// queue, and once terminal they never move again. Everything else (locks,
/// reservations, schedule executions) hangs off the request or the schedule
/// that produced it.

type RequestID string
type ScheduleID int
type ExecutionID int

const NoScheduleID ScheduleID = 0

// RequestStatus is the lifecycle state of a QueueRequest.
type RequestStatus string

const (
	StatusQueued     RequestStatus = "Queued"
	StatusProcessing RequestStatus = "Processing"
	StatusCompleted  RequestStatus = "Completed"
	StatusFailed     RequestStatus = "Failed"
	StatusCancelled  RequestStatus = "Cancelled"
)

// requestTransitions encodes the forward-only lifecycle. A transition absent
// from this table is illegal and rejected by the status setter.
var requestTransitions = map[RequestStatus][]RequestStatus{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

func canTransitionRequest(from, to RequestStatus) bool {
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ScheduleStatus is the lifecycle state of a Schedule.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "Scheduled"
	ScheduleStatusExecuting ScheduleStatus = "Executing"
	ScheduleStatusCompleted ScheduleStatus = "Completed"
	ScheduleStatusFailed    ScheduleStatus = "Failed"
	ScheduleStatusCancelled ScheduleStatus = "Cancelled"
	ScheduleStatusPaused    ScheduleStatus = "Paused"
)

var scheduleTransitions = map[ScheduleStatus][]ScheduleStatus{
	ScheduleStatusScheduled: {ScheduleStatusExecuting, ScheduleStatusPaused, ScheduleStatusCancelled},
	ScheduleStatusExecuting: {ScheduleStatusScheduled, ScheduleStatusCompleted, ScheduleStatusFailed, ScheduleStatusPaused, ScheduleStatusCancelled},
	ScheduleStatusPaused:    {ScheduleStatusScheduled, ScheduleStatusCancelled},
}

func canTransitionSchedule(from, to ScheduleStatus) bool {
	for _, next := range scheduleTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ExecutionStatus is the lifecycle state of a ScheduleExecution.
type ExecutionStatus string

const (
	ExecutionStatusStarted    ExecutionStatus = "Started"
	ExecutionStatusInProgress ExecutionStatus = "InProgress"
	ExecutionStatusCompleted  ExecutionStatus = "Completed"
	ExecutionStatusFailed     ExecutionStatus = "Failed"
	ExecutionStatusCancelled  ExecutionStatus = "Cancelled"
)

var executionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusStarted:    {ExecutionStatusInProgress, ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled},
	ExecutionStatusInProgress: {ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled},
}

func canTransitionExecution(from, to ExecutionStatus) bool {
	for _, next := range executionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// LockMode selects how a resource lock conflicts with other locks.
type LockMode string

const (
	LockExclusive LockMode = "Exclusive"
	LockShared    LockMode = "Shared"
)

// ResourceType names a resource dimension for quota accounting and locking.
type ResourceType string

const (
	ResourceImportSlots ResourceType = "import_slots"
	ResourceMemoryUnits ResourceType = "memory_units"
	ResourceConnections ResourceType = "connections"
)

// EnforcementLevel is the strength of a tenant quota check.
type EnforcementLevel string

const (
	EnforcementHard     EnforcementLevel = "Hard"
	EnforcementSoft     EnforcementLevel = "Soft"
	EnforcementAdvisory EnforcementLevel = "Advisory"
)

// DependencyType qualifies a directed edge between two requests. Only
// Sequential edges block dispatch; Resource and Data edges are advisory.
type DependencyType string

const (
	DependencySequential DependencyType = "Sequential"
	DependencyResource   DependencyType = "Resource"
	DependencyData       DependencyType = "Data"
)

const (
	MinPriority = 1
	MaxPriority = 20
)

// ResourceRequirement declares one resource a request needs before running.
// Amount > 0 reserves quota units for the tenant; ResourceID != "" acquires a
// lock on the named resource. A requirement may do both.
type ResourceRequirement struct {
	Type       ResourceType
	ResourceID string
	Mode       LockMode
	Amount     int64
}

// RetryPolicy bounds how a failed execution is retried.
type RetryPolicy struct {
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration
}

// QueueRequest is one admission request for an orchestrated unit of work.
type QueueRequest struct {
	ID                RequestID
	Priority          int
	Status            RequestStatus
	Requester         string
	TenantID          string
	ImportType        string
	SubmittedAt       time.Time
	StartedAt         *time.Time
	CompletedAt       *time.Time
	EstimatedDuration time.Duration
	Requirements      []ResourceRequirement
	RetryPolicy       RetryPolicy
	AssignedWorker    *int
	QueuePosition     *int

	// Set when the request was materialized by the scheduler.
	ScheduleID  ScheduleID
	ExecutionID ExecutionID
}

func (r *QueueRequest) clone() *QueueRequest {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	if r.AssignedWorker != nil {
		w := *r.AssignedWorker
		c.AssignedWorker = &w
	}
	if r.QueuePosition != nil {
		p := *r.QueuePosition
		c.QueuePosition = &p
	}
	c.Requirements = append([]ResourceRequirement(nil), r.Requirements...)
	return &c
}

// ResourceLock is ownership of a named resource by one request.
type ResourceLock struct {
	ID         string
	Type       ResourceType
	ResourceID string
	Mode       LockMode
	Owner      RequestID
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

func (l *ResourceLock) expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// Schedule is a recurring or one-time trigger definition.
type Schedule struct {
	ID                ScheduleID
	Name              string
	ImportType        string
	TenantID          string
	TriggerExpression string
	Recurring         bool
	Priority          int
	Status            ScheduleStatus
	NextExecution     time.Time
	LastExecution     *time.Time
	ExecutionCount    int
	SuccessCount      int
	FailureCount      int
	RetryPolicy       RetryPolicy
	RetriesLeft       int
	CreatedAt         time.Time
	Requirements      []ResourceRequirement
}

func (s *Schedule) clone() *Schedule {
	c := *s
	if s.LastExecution != nil {
		t := *s.LastExecution
		c.LastExecution = &t
	}
	c.Requirements = append([]ResourceRequirement(nil), s.Requirements...)
	return &c
}

// ScheduleExecution is one materialized run of a Schedule.
type ScheduleExecution struct {
	ID               ExecutionID
	ScheduleID       ScheduleID
	RequestID        RequestID
	Status           ExecutionStatus
	StartedAt        time.Time
	CompletedAt      *time.Time
	RecordsProcessed int
	ErrorDetail      string
}

func (e *ScheduleExecution) clone() *ScheduleExecution {
	c := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// ResourceReservation is a time-boxed resource allocation tied to a schedule.
type ResourceReservation struct {
	ID            string
	ScheduleID    ScheduleID
	Type          ResourceType
	ReservedFrom  time.Time
	ReservedUntil time.Time
}

// TenantResourceLimit is a per-tenant ceiling on one resource dimension.
type TenantResourceLimit struct {
	TenantID    string
	Type        ResourceType
	Limit       int64
	Unit        string
	Enforcement EnforcementLevel
}

// OrchestrationDependency is a directed edge: Dependent depends on DependsOn.
type OrchestrationDependency struct {
	Dependent RequestID
	DependsOn RequestID
	Type      DependencyType
}
