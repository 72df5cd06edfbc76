package caravan

import (
	"log/slog"
)

func testLogger() Logger {
	return NewDefaultLogger(slog.LevelError, TextFormat)
}

func testComponents() (*MemoryDatabase, *HistoryRecorder, *DependencyResolver, *QueueManager) {
	logger := testLogger()
	db := NewMemoryDatabase()
	history, err := NewHistoryRecorder(logger)
	if err != nil {
		panic(err)
	}
	resolver := NewDependencyResolver(db, logger)
	qm := NewQueueManager(db, history, resolver, logger)
	return db, history, resolver, qm
}

func testRequest(id RequestID, priority int) *QueueRequest {
	return &QueueRequest{
		ID:         id,
		Priority:   priority,
		Requester:  "tester",
		TenantID:   "tenant-a",
		ImportType: "customers",
	}
}

func admitAll(*QueueRequest) bool { return true }
