package caravan

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sasha-s/go-deadlock"
)

// MemoryDatabase is the in-process implementation of Database. Every category
// of data has its own lock so the dispatch loop, the scheduler tick and the
// sweep timer never contend on a single mutex.
type MemoryDatabase struct {
	scheduleCounter    int
	executionCounter   int
	reservationCounter int

	requests     map[RequestID]*QueueRequest
	schedules    map[ScheduleID]*Schedule
	executions   map[ExecutionID]*ScheduleExecution
	locks        map[string]*ResourceLock
	reservations map[string]*ResourceReservation
	limits       map[string]*TenantResourceLimit
	dependencies []*OrchestrationDependency

	// schedule ID -> execution IDs, append order
	scheduleToExecutions map[ScheduleID][]ExecutionID

	rwMutexRequests     deadlock.RWMutex
	rwMutexSchedules    deadlock.RWMutex
	rwMutexExecutions   deadlock.RWMutex
	rwMutexLocks        deadlock.RWMutex
	rwMutexReservations deadlock.RWMutex
	rwMutexLimits       deadlock.RWMutex
	rwMutexDependencies deadlock.RWMutex
}

func NewMemoryDatabase() *MemoryDatabase {
	return &MemoryDatabase{
		requests:             make(map[RequestID]*QueueRequest),
		schedules:            make(map[ScheduleID]*Schedule),
		executions:           make(map[ExecutionID]*ScheduleExecution),
		locks:                make(map[string]*ResourceLock),
		reservations:         make(map[string]*ResourceReservation),
		limits:               make(map[string]*TenantResourceLimit),
		scheduleToExecutions: make(map[ScheduleID][]ExecutionID),
	}
}

func limitKey(tenantID string, resourceType ResourceType) string {
	return tenantID + "/" + string(resourceType)
}

func (db *MemoryDatabase) AddQueueRequest(req *QueueRequest) error {
	db.rwMutexRequests.Lock()
	defer db.rwMutexRequests.Unlock()
	if _, exists := db.requests[req.ID]; exists {
		return errors.Join(ErrRequestExists, fmt.Errorf("request %s", req.ID))
	}
	db.requests[req.ID] = req.clone()
	return nil
}

func (db *MemoryDatabase) GetQueueRequest(id RequestID) (*QueueRequest, error) {
	db.rwMutexRequests.RLock()
	defer db.rwMutexRequests.RUnlock()
	req, exists := db.requests[id]
	if !exists {
		return nil, errors.Join(ErrRequestNotFound, fmt.Errorf("request %s", id))
	}
	return req.clone(), nil
}

func (db *MemoryDatabase) GetQueueRequestProperties(id RequestID, getters ...QueueRequestPropertyGetter) error {
	db.rwMutexRequests.RLock()
	defer db.rwMutexRequests.RUnlock()
	req, exists := db.requests[id]
	if !exists {
		return errors.Join(ErrRequestNotFound, fmt.Errorf("request %s", id))
	}
	for _, getter := range getters {
		if err := getter(req); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemoryDatabase) SetQueueRequestProperties(id RequestID, setters ...QueueRequestPropertySetter) error {
	db.rwMutexRequests.Lock()
	defer db.rwMutexRequests.Unlock()
	req, exists := db.requests[id]
	if !exists {
		return errors.Join(ErrRequestNotFound, fmt.Errorf("request %s", id))
	}
	for _, setter := range setters {
		if err := setter(req); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemoryDatabase) ListQueueRequests(filter func(*QueueRequest) bool) ([]*QueueRequest, error) {
	db.rwMutexRequests.RLock()
	defer db.rwMutexRequests.RUnlock()
	out := make([]*QueueRequest, 0)
	for _, req := range db.requests {
		if filter == nil || filter(req) {
			out = append(out, req.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out, nil
}

func (db *MemoryDatabase) AddSchedule(s *Schedule) (ScheduleID, error) {
	db.rwMutexSchedules.Lock()
	defer db.rwMutexSchedules.Unlock()
	db.scheduleCounter++
	s.ID = ScheduleID(db.scheduleCounter)
	db.schedules[s.ID] = s.clone()
	return s.ID, nil
}

func (db *MemoryDatabase) GetSchedule(id ScheduleID) (*Schedule, error) {
	db.rwMutexSchedules.RLock()
	defer db.rwMutexSchedules.RUnlock()
	s, exists := db.schedules[id]
	if !exists {
		return nil, errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %d", id))
	}
	return s.clone(), nil
}

func (db *MemoryDatabase) GetScheduleProperties(id ScheduleID, getters ...SchedulePropertyGetter) error {
	db.rwMutexSchedules.RLock()
	defer db.rwMutexSchedules.RUnlock()
	s, exists := db.schedules[id]
	if !exists {
		return errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %d", id))
	}
	for _, getter := range getters {
		if err := getter(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemoryDatabase) SetScheduleProperties(id ScheduleID, setters ...SchedulePropertySetter) error {
	db.rwMutexSchedules.Lock()
	defer db.rwMutexSchedules.Unlock()
	s, exists := db.schedules[id]
	if !exists {
		return errors.Join(ErrScheduleNotFound, fmt.Errorf("schedule %d", id))
	}
	for _, setter := range setters {
		if err := setter(s); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemoryDatabase) ListSchedules(filter func(*Schedule) bool) ([]*Schedule, error) {
	db.rwMutexSchedules.RLock()
	defer db.rwMutexSchedules.RUnlock()
	out := make([]*Schedule, 0)
	for _, s := range db.schedules {
		if filter == nil || filter(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (db *MemoryDatabase) AddScheduleExecution(e *ScheduleExecution) (ExecutionID, error) {
	db.rwMutexExecutions.Lock()
	defer db.rwMutexExecutions.Unlock()
	db.executionCounter++
	e.ID = ExecutionID(db.executionCounter)
	db.executions[e.ID] = e.clone()
	db.scheduleToExecutions[e.ScheduleID] = append(db.scheduleToExecutions[e.ScheduleID], e.ID)
	return e.ID, nil
}

func (db *MemoryDatabase) GetScheduleExecution(id ExecutionID) (*ScheduleExecution, error) {
	db.rwMutexExecutions.RLock()
	defer db.rwMutexExecutions.RUnlock()
	e, exists := db.executions[id]
	if !exists {
		return nil, errors.Join(ErrExecutionNotFound, fmt.Errorf("execution %d", id))
	}
	return e.clone(), nil
}

func (db *MemoryDatabase) SetScheduleExecutionProperties(id ExecutionID, setters ...ExecutionPropertySetter) error {
	db.rwMutexExecutions.Lock()
	defer db.rwMutexExecutions.Unlock()
	e, exists := db.executions[id]
	if !exists {
		return errors.Join(ErrExecutionNotFound, fmt.Errorf("execution %d", id))
	}
	for _, setter := range setters {
		if err := setter(e); err != nil {
			return err
		}
	}
	return nil
}

func (db *MemoryDatabase) ListScheduleExecutions(scheduleID ScheduleID) ([]*ScheduleExecution, error) {
	db.rwMutexExecutions.RLock()
	defer db.rwMutexExecutions.RUnlock()
	ids := db.scheduleToExecutions[scheduleID]
	out := make([]*ScheduleExecution, 0, len(ids))
	for _, id := range ids {
		if e, exists := db.executions[id]; exists {
			out = append(out, e.clone())
		}
	}
	return out, nil
}

func (db *MemoryDatabase) AddResourceLock(lock *ResourceLock) error {
	db.rwMutexLocks.Lock()
	defer db.rwMutexLocks.Unlock()
	l := *lock
	db.locks[lock.ID] = &l
	return nil
}

func (db *MemoryDatabase) DeleteResourceLock(id string) error {
	db.rwMutexLocks.Lock()
	defer db.rwMutexLocks.Unlock()
	if _, exists := db.locks[id]; !exists {
		return errors.Join(ErrLockNotFound, fmt.Errorf("lock %s", id))
	}
	delete(db.locks, id)
	return nil
}

func (db *MemoryDatabase) ListResourceLocks(resourceType ResourceType, resourceID string) ([]*ResourceLock, error) {
	db.rwMutexLocks.RLock()
	defer db.rwMutexLocks.RUnlock()
	out := make([]*ResourceLock, 0)
	for _, l := range db.locks {
		if l.Type == resourceType && l.ResourceID == resourceID {
			c := *l
			out = append(out, &c)
		}
	}
	return out, nil
}

func (db *MemoryDatabase) DeleteExpiredLocks(now time.Time) (int, error) {
	db.rwMutexLocks.Lock()
	defer db.rwMutexLocks.Unlock()
	count := 0
	for id, l := range db.locks {
		if l.expired(now) {
			delete(db.locks, id)
			count++
		}
	}
	return count, nil
}

func (db *MemoryDatabase) AddResourceReservation(r *ResourceReservation) error {
	db.rwMutexReservations.Lock()
	defer db.rwMutexReservations.Unlock()
	db.reservationCounter++
	if r.ID == "" {
		r.ID = fmt.Sprintf("reservation-%d", db.reservationCounter)
	}
	c := *r
	db.reservations[r.ID] = &c
	return nil
}

func (db *MemoryDatabase) DeleteReservationsBySchedule(id ScheduleID) error {
	db.rwMutexReservations.Lock()
	defer db.rwMutexReservations.Unlock()
	for rid, r := range db.reservations {
		if r.ScheduleID == id {
			delete(db.reservations, rid)
		}
	}
	return nil
}

func (db *MemoryDatabase) ListResourceReservations(filter func(*ResourceReservation) bool) ([]*ResourceReservation, error) {
	db.rwMutexReservations.RLock()
	defer db.rwMutexReservations.RUnlock()
	out := make([]*ResourceReservation, 0)
	for _, r := range db.reservations {
		if filter == nil || filter(r) {
			c := *r
			out = append(out, &c)
		}
	}
	return out, nil
}

func (db *MemoryDatabase) SetTenantResourceLimit(limit *TenantResourceLimit) error {
	if limit.Limit <= 0 {
		return errors.Join(ErrInvalidLimit, fmt.Errorf("tenant %s resource %s", limit.TenantID, limit.Type))
	}
	db.rwMutexLimits.Lock()
	defer db.rwMutexLimits.Unlock()
	c := *limit
	db.limits[limitKey(limit.TenantID, limit.Type)] = &c
	return nil
}

func (db *MemoryDatabase) GetTenantResourceLimit(tenantID string, resourceType ResourceType) (*TenantResourceLimit, error) {
	db.rwMutexLimits.RLock()
	defer db.rwMutexLimits.RUnlock()
	l, exists := db.limits[limitKey(tenantID, resourceType)]
	if !exists {
		return nil, errors.Join(ErrLimitNotFound, fmt.Errorf("tenant %s resource %s", tenantID, resourceType))
	}
	c := *l
	return &c, nil
}

func (db *MemoryDatabase) AddOrchestrationDependency(d *OrchestrationDependency) error {
	db.rwMutexDependencies.Lock()
	defer db.rwMutexDependencies.Unlock()
	c := *d
	db.dependencies = append(db.dependencies, &c)
	return nil
}

func (db *MemoryDatabase) DeleteOrchestrationDependency(dependent, dependsOn RequestID) error {
	db.rwMutexDependencies.Lock()
	defer db.rwMutexDependencies.Unlock()
	kept := db.dependencies[:0]
	for _, d := range db.dependencies {
		if d.Dependent != dependent || d.DependsOn != dependsOn {
			kept = append(kept, d)
		}
	}
	db.dependencies = kept
	return nil
}

func (db *MemoryDatabase) DeleteDependenciesForRequest(id RequestID) error {
	db.rwMutexDependencies.Lock()
	defer db.rwMutexDependencies.Unlock()
	kept := db.dependencies[:0]
	for _, d := range db.dependencies {
		if d.Dependent != id && d.DependsOn != id {
			kept = append(kept, d)
		}
	}
	db.dependencies = kept
	return nil
}

func (db *MemoryDatabase) ListOrchestrationDependencies(filter func(*OrchestrationDependency) bool) ([]*OrchestrationDependency, error) {
	db.rwMutexDependencies.RLock()
	defer db.rwMutexDependencies.RUnlock()
	out := make([]*OrchestrationDependency, 0)
	for _, d := range db.dependencies {
		if filter == nil || filter(d) {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}
