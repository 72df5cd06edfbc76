package caravan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/sasha-s/go-deadlock"
	"github.com/stephenfire/go-rtl"
)

var ErrHistoryQuery = errors.New("failed to query history")

// EventKind tags what a ledger entry records.
type EventKind string

const (
	EventRequestSubmitted  EventKind = "request.submitted"
	EventRequestDispatched EventKind = "request.dispatched"
	EventRequestCompleted  EventKind = "request.completed"
	EventRequestFailed     EventKind = "request.failed"
	EventRequestCancelled  EventKind = "request.cancelled"
	EventScheduleCreated   EventKind = "schedule.created"
	EventScheduleFired     EventKind = "schedule.fired"
	EventScheduleCompleted EventKind = "schedule.completed"
	EventScheduleFailed    EventKind = "schedule.failed"
	EventSchedulePaused    EventKind = "schedule.paused"
	EventScheduleResumed   EventKind = "schedule.resumed"
	EventScheduleCancelled EventKind = "schedule.cancelled"
	EventExecutionTimeout  EventKind = "execution.timeout"
)

// kindToStatus maps request events onto the status they witness. Replaying a
// request's events in sequence order reconstructs its final status.
var kindToStatus = map[EventKind]RequestStatus{
	EventRequestSubmitted:  StatusQueued,
	EventRequestDispatched: StatusProcessing,
	EventRequestCompleted:  StatusCompleted,
	EventRequestFailed:     StatusFailed,
	EventRequestCancelled:  StatusCancelled,
}

// HistoryEvent is one immutable ledger entry.
type HistoryEvent struct {
	Sequence   uint64
	Timestamp  time.Time
	Kind       EventKind
	RequestID  string
	TenantID   string
	ScheduleID int
	Detail     []byte
}

// EventDetail is the structured payload carried by an event, binary-encoded
// into HistoryEvent.Detail.
type EventDetail struct {
	Message          string
	WorkerID         int
	RecordsProcessed int
	Error            string
}

func encodeEventDetail(detail EventDetail) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := rtl.Encode(detail, buf); err != nil {
		return nil, fmt.Errorf("failed to encode event detail: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEventDetail unpacks the payload of a ledger entry.
func DecodeEventDetail(data []byte) (EventDetail, error) {
	var detail EventDetail
	if len(data) == 0 {
		return detail, nil
	}
	if err := rtl.Decode(bytes.NewBuffer(data), &detail); err != nil {
		return detail, fmt.Errorf("failed to decode event detail: %w", err)
	}
	return detail, nil
}

// HistoryFilter narrows a Query. Zero values match everything.
type HistoryFilter struct {
	RequestID  RequestID
	TenantID   string
	ScheduleID ScheduleID
	Kinds      []EventKind
	From       time.Time
	To         time.Time
}

func (f HistoryFilter) matches(ev *HistoryEvent) bool {
	if f.RequestID != "" && ev.RequestID != string(f.RequestID) {
		return false
	}
	if f.TenantID != "" && ev.TenantID != f.TenantID {
		return false
	}
	if f.ScheduleID != NoScheduleID && ev.ScheduleID != int(f.ScheduleID) {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, kind := range f.Kinds {
			if ev.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.From.IsZero() && ev.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && ev.Timestamp.After(f.To) {
		return false
	}
	return true
}

var historySchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"events": {
			Name: "events",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "Sequence"},
				},
				"request": {
					Name:         "request",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "RequestID"},
				},
				"tenant": {
					Name:         "tenant",
					AllowMissing: true,
					Indexer:      &memdb.StringFieldIndex{Field: "TenantID"},
				},
			},
		},
	},
}

// HistoryRecorder is the append-only execution ledger. There is no update or
// delete path; a gap in the sequence invalidates the audit guarantee and is
// fatal to the process.
type HistoryRecorder struct {
	mu deadlock.Mutex

	db       *memdb.MemDB
	logger   Logger
	sequence uint64
}

func NewHistoryRecorder(logger Logger) (*HistoryRecorder, error) {
	db, err := memdb.NewMemDB(historySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create history store: %w", err)
	}
	return &HistoryRecorder{
		db:     db,
		logger: logger,
	}, nil
}

// Append assigns the next sequence number and commits the event. The ledger
// is the source of truth for "did this complete"; in-memory component state
// is not assumed durable.
func (hr *HistoryRecorder) Append(ctx context.Context, event HistoryEvent) (uint64, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	hr.sequence++
	event.Sequence = hr.sequence
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	txn := hr.db.Txn(true)
	if err := txn.Insert("events", &event); err != nil {
		txn.Abort()
		hr.sequence--
		return 0, fmt.Errorf("failed to append history event: %w", err)
	}
	txn.Commit()

	hr.logger.Debug(ctx, "history event appended",
		"history.sequence", event.Sequence,
		"history.kind", event.Kind,
		"request_id", event.RequestID,
		"schedule_id", event.ScheduleID)

	return event.Sequence, nil
}

// Query returns matching events in sequence order. Every read, filtered or
// not, verifies the ledger first; serving events from a ledger with a
// sequence gap would silently break the audit guarantee.
func (hr *HistoryRecorder) Query(ctx context.Context, filter HistoryFilter) ([]*HistoryEvent, error) {
	txn := hr.db.Txn(false)
	defer txn.Abort()

	hr.verifyLedger(txn)

	var it memdb.ResultIterator
	var err error
	switch {
	case filter.RequestID != "":
		it, err = txn.Get("events", "request", string(filter.RequestID))
	case filter.TenantID != "":
		it, err = txn.Get("events", "tenant", filter.TenantID)
	default:
		it, err = txn.Get("events", "id")
	}
	if err != nil {
		return nil, errors.Join(ErrHistoryQuery, err)
	}

	out := make([]*HistoryEvent, 0)
	for raw := it.Next(); raw != nil; raw = it.Next() {
		ev := raw.(*HistoryEvent)
		if !filter.matches(ev) {
			continue
		}
		out = append(out, ev)
	}

	return out, nil
}

// verifyLedger walks the id index and panics on the first sequence gap. A gap
// means the append invariant was violated and the audit trail can no longer
// be trusted.
func (hr *HistoryRecorder) verifyLedger(txn *memdb.Txn) {
	it, err := txn.Get("events", "id")
	if err != nil {
		panic(fmt.Sprintf("history ledger unreadable: %v", err))
	}
	var expected uint64
	for raw := it.Next(); raw != nil; raw = it.Next() {
		expected++
		if ev := raw.(*HistoryEvent); ev.Sequence != expected {
			panic(fmt.Sprintf("history ledger corrupted: expected sequence %d, found %d", expected, ev.Sequence))
		}
	}
}

// ReplayStatus reconstructs a request's final status from its ledger entries.
func (hr *HistoryRecorder) ReplayStatus(ctx context.Context, id RequestID) (RequestStatus, error) {
	events, err := hr.Query(ctx, HistoryFilter{RequestID: id})
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "", errors.Join(ErrHistoryQuery, fmt.Errorf("no events for request %s", id))
	}

	var status RequestStatus
	for _, ev := range events {
		if s, ok := kindToStatus[ev.Kind]; ok {
			status = s
		}
	}
	return status, nil
}

// LastSequence returns the highest sequence number appended so far.
func (hr *HistoryRecorder) LastSequence() uint64 {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	return hr.sequence
}
