package caravan

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
)

var ErrQuotaExceeded = errors.New("tenant resource quota exceeded")

// QuotaDecision is the outcome of a reservation attempt.
type QuotaDecision string

const (
	QuotaGranted QuotaDecision = "Granted"
	QuotaDenied  QuotaDecision = "Denied"
	QuotaWarned  QuotaDecision = "Warned"
)

// QuotaReservation pairs a grant with its release token. Whatever path
// releases a request's locks releases its reservations too; they are never
// allowed to leak past completion.
type QuotaReservation struct {
	Token    string
	TenantID string
	Type     ResourceType
	Amount   int64
}

// DefaultLimits are the policy defaults applied when a tenant has no explicit
// TenantResourceLimit row. They are overridable per tenant and per engine.
type DefaultLimits struct {
	ImportSlots int64
	MemoryUnits int64
	Connections int64
}

func StandardDefaultLimits() DefaultLimits {
	return DefaultLimits{
		ImportSlots: 2,
		MemoryUnits: 1024,
		Connections: 3,
	}
}

// QuotaEnforcer tracks per-tenant consumption against configured limits at
// three enforcement strengths. Usage is held in memory; the limits live in
// the record store so operators can override them per tenant.
type QuotaEnforcer struct {
	mu deadlock.Mutex

	db       Database
	logger   Logger
	defaults DefaultLimits

	// tenant/resource -> reserved amount
	usage map[string]int64
	// token -> reservation
	reservations map[string]*QuotaReservation
}

func NewQuotaEnforcer(db Database, logger Logger, defaults DefaultLimits) *QuotaEnforcer {
	return &QuotaEnforcer{
		db:           db,
		logger:       logger,
		defaults:     defaults,
		usage:        make(map[string]int64),
		reservations: make(map[string]*QuotaReservation),
	}
}

func (qe *QuotaEnforcer) limitFor(tenantID string, resourceType ResourceType) (int64, EnforcementLevel) {
	if limit, err := qe.db.GetTenantResourceLimit(tenantID, resourceType); err == nil {
		return limit.Limit, limit.Enforcement
	}
	switch resourceType {
	case ResourceImportSlots:
		return qe.defaults.ImportSlots, EnforcementHard
	case ResourceMemoryUnits:
		return qe.defaults.MemoryUnits, EnforcementHard
	case ResourceConnections:
		return qe.defaults.Connections, EnforcementHard
	}
	// unknown dimensions are tracked but never capped
	return 0, EnforcementAdvisory
}

// Ceiling reports the effective limit and enforcement level for one tenant
// and resource dimension, defaults included.
func (qe *QuotaEnforcer) Ceiling(tenantID string, resourceType ResourceType) (int64, EnforcementLevel) {
	return qe.limitFor(tenantID, resourceType)
}

// TryReserve attempts to reserve amount units. Hard limits deny, soft limits
// grant and flag the overage, advisory limits only record it. The call never
// blocks; a denied caller re-polls on the next dispatch tick.
func (qe *QuotaEnforcer) TryReserve(ctx context.Context, tenantID string, resourceType ResourceType, amount int64) (QuotaDecision, *QuotaReservation, error) {
	if amount <= 0 {
		return QuotaGranted, nil, nil
	}

	qe.mu.Lock()
	defer qe.mu.Unlock()

	limit, level := qe.limitFor(tenantID, resourceType)
	key := limitKey(tenantID, resourceType)
	projected := qe.usage[key] + amount

	decision := QuotaGranted
	if limit > 0 && projected > limit {
		switch level {
		case EnforcementHard:
			qe.logger.Debug(ctx, "quota denied",
				"tenant_id", tenantID,
				"quota.resource", resourceType,
				"quota.amount", amount,
				"quota.limit", limit,
				"quota.in_use", qe.usage[key])
			return QuotaDenied, nil, nil
		case EnforcementSoft:
			decision = QuotaWarned
			qe.logger.Warn(ctx, "tenant over soft quota",
				"tenant_id", tenantID,
				"quota.resource", resourceType,
				"quota.projected", projected,
				"quota.limit", limit)
		case EnforcementAdvisory:
			qe.logger.Info(ctx, "tenant over advisory quota",
				"tenant_id", tenantID,
				"quota.resource", resourceType,
				"quota.projected", projected,
				"quota.limit", limit)
		}
	}

	reservation := &QuotaReservation{
		Token:    uuid.NewString(),
		TenantID: tenantID,
		Type:     resourceType,
		Amount:   amount,
	}
	qe.usage[key] = projected
	qe.reservations[reservation.Token] = reservation

	qe.logger.Debug(ctx, "quota reserved",
		"tenant_id", tenantID,
		"quota.resource", resourceType,
		"quota.amount", amount,
		"quota.token", reservation.Token)

	return decision, reservation, nil
}

// Release returns reserved units to the tenant. Unknown tokens are ignored so
// the completion path can release unconditionally.
func (qe *QuotaEnforcer) Release(ctx context.Context, token string) {
	if token == "" {
		return
	}

	qe.mu.Lock()
	defer qe.mu.Unlock()

	reservation, exists := qe.reservations[token]
	if !exists {
		return
	}
	delete(qe.reservations, token)

	key := limitKey(reservation.TenantID, reservation.Type)
	qe.usage[key] -= reservation.Amount
	if qe.usage[key] <= 0 {
		delete(qe.usage, key)
	}

	qe.logger.Debug(ctx, "quota released",
		"tenant_id", reservation.TenantID,
		"quota.resource", reservation.Type,
		"quota.amount", reservation.Amount,
		"quota.token", token)
}

// Usage reports the currently reserved amount for one tenant and dimension.
func (qe *QuotaEnforcer) Usage(tenantID string, resourceType ResourceType) int64 {
	qe.mu.Lock()
	defer qe.mu.Unlock()
	return qe.usage[limitKey(tenantID, resourceType)]
}

// CheckAdmissible rejects a demand no limit row could ever satisfy: a request
// asking for more than the tenant's hard ceiling can never be granted, so it
// fails at submission instead of waiting forever in the queue.
func (qe *QuotaEnforcer) CheckAdmissible(tenantID string, requirements []ResourceRequirement) error {
	for _, requirement := range requirements {
		if requirement.Amount <= 0 {
			continue
		}
		limit, level := qe.limitFor(tenantID, requirement.Type)
		if level == EnforcementHard && limit > 0 && requirement.Amount > limit {
			return errors.Join(ErrQuotaExceeded,
				fmt.Errorf("tenant %s requires %d %s, hard limit is %d", tenantID, requirement.Amount, requirement.Type, limit))
		}
	}
	return nil
}
