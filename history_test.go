package caravan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHistory(t *testing.T) *HistoryRecorder {
	t.Helper()
	hr, err := NewHistoryRecorder(testLogger())
	require.NoError(t, err)
	return hr
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := hr.Append(ctx, HistoryEvent{
			Kind:      EventRequestSubmitted,
			RequestID: "req-1",
			TenantID:  "acme",
		})
		require.NoError(t, err)
		assert.EqualValues(t, i, seq)
	}
	assert.EqualValues(t, 5, hr.LastSequence())
}

func TestQueryByRequestKeepsAppendOrder(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	kinds := []EventKind{EventRequestSubmitted, EventRequestDispatched, EventRequestCompleted}
	for _, kind := range kinds {
		_, err := hr.Append(ctx, HistoryEvent{Kind: kind, RequestID: "req-1", TenantID: "acme"})
		require.NoError(t, err)
		// Interleave noise from another request.
		_, err = hr.Append(ctx, HistoryEvent{Kind: EventRequestSubmitted, RequestID: "req-2", TenantID: "acme"})
		require.NoError(t, err)
	}

	events, err := hr.Query(ctx, HistoryFilter{RequestID: "req-1"})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, kinds[i], ev.Kind)
	}
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Sequence, events[i-1].Sequence)
	}
}

func TestQueryByTenantAndKind(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	_, err := hr.Append(ctx, HistoryEvent{Kind: EventRequestSubmitted, RequestID: "a", TenantID: "acme"})
	require.NoError(t, err)
	_, err = hr.Append(ctx, HistoryEvent{Kind: EventRequestFailed, RequestID: "a", TenantID: "acme"})
	require.NoError(t, err)
	_, err = hr.Append(ctx, HistoryEvent{Kind: EventRequestSubmitted, RequestID: "b", TenantID: "globex"})
	require.NoError(t, err)

	events, err := hr.Query(ctx, HistoryFilter{TenantID: "acme", Kinds: []EventKind{EventRequestFailed}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].RequestID)
}

func TestQueryByTimeWindow(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		_, err := hr.Append(ctx, HistoryEvent{
			Kind:      EventRequestSubmitted,
			RequestID: "req",
			TenantID:  "acme",
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	events, err := hr.Query(ctx, HistoryFilter{
		RequestID: "req",
		From:      base.Add(30 * time.Minute),
		To:        base.Add(90 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, base.Add(time.Hour).Unix(), events[0].Timestamp.Unix())
}

func TestReplayStatusReconstructsLifecycle(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	_, err := hr.Append(ctx, HistoryEvent{Kind: EventRequestSubmitted, RequestID: "req", TenantID: "acme"})
	require.NoError(t, err)

	status, err := hr.ReplayStatus(ctx, "req")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)

	_, err = hr.Append(ctx, HistoryEvent{Kind: EventRequestDispatched, RequestID: "req", TenantID: "acme"})
	require.NoError(t, err)
	_, err = hr.Append(ctx, HistoryEvent{Kind: EventRequestCompleted, RequestID: "req", TenantID: "acme"})
	require.NoError(t, err)

	status, err = hr.ReplayStatus(ctx, "req")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, status)
}

func TestReplayStatusUnknownRequestFails(t *testing.T) {
	hr := newTestHistory(t)
	_, err := hr.ReplayStatus(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrHistoryQuery)
}

func TestSequenceGapIsFatalOnFilteredQuery(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := hr.Append(ctx, HistoryEvent{Kind: EventRequestSubmitted, RequestID: "req", TenantID: "acme"})
		require.NoError(t, err)
	}

	// Rip the middle event out from underneath the recorder.
	txn := hr.db.Txn(true)
	raw, err := txn.First("events", "id", uint64(2))
	require.NoError(t, err)
	require.NotNil(t, raw)
	require.NoError(t, txn.Delete("events", raw))
	txn.Commit()

	// The gap must surface on every read path, filtered reads included.
	require.Panics(t, func() {
		hr.Query(ctx, HistoryFilter{RequestID: "req"})
	})
}

func TestEventDetailRoundTrip(t *testing.T) {
	hr := newTestHistory(t)
	ctx := context.Background()

	payload, err := encodeEventDetail(EventDetail{
		Message:          "done",
		WorkerID:         2,
		RecordsProcessed: 1234,
	})
	require.NoError(t, err)

	_, err = hr.Append(ctx, HistoryEvent{
		Kind:      EventRequestCompleted,
		RequestID: "req",
		TenantID:  "acme",
		Detail:    payload,
	})
	require.NoError(t, err)

	events, err := hr.Query(ctx, HistoryFilter{RequestID: "req"})
	require.NoError(t, err)
	require.Len(t, events, 1)

	detail, err := DecodeEventDetail(events[0].Detail)
	require.NoError(t, err)
	assert.Equal(t, "done", detail.Message)
	assert.Equal(t, 2, detail.WorkerID)
	assert.Equal(t, 1234, detail.RecordsProcessed)
}
