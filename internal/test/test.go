package test

import (
	"context"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hibiken/asynq"
	"github.com/jmoiron/sqlx"

	"live-notifier/internal/models"
)

// MockTaskEnqueuer is a mock implementation of tasks.TaskEnqueuer for testing.
type MockTaskEnqueuer struct {
	EnqueuedTasks []*asynq.Task
	Options       [][]asynq.Option
	// Err is returned by Enqueue when set; nothing is recorded then.
	Err error
}

func (m *MockTaskEnqueuer) Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.EnqueuedTasks = append(m.EnqueuedTasks, task)
	m.Options = append(m.Options, opts)
	return &asynq.TaskInfo{ID: "test-task-id", Queue: "default"}, nil
}

func NewMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	mockDb, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { mockDb.Close() })

	return sqlx.NewDb(mockDb, "sqlmock"), mock
}

// MemoryStore is an in-memory db.Store that records every write.
type MemoryStore struct {
	mu        sync.Mutex
	Snapshot  *models.Snapshot
	Leases    map[models.Platform]models.CredentialLease
	Saves     int
	SaveError error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{Leases: make(map[models.Platform]models.CredentialLease)}
}

func (m *MemoryStore) LoadSnapshot(context.Context) (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Snapshot == nil {
		return nil, nil
	}
	s := *m.Snapshot
	return &s, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, s models.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveError != nil {
		return m.SaveError
	}
	m.Saves++
	m.Snapshot = &s
	return nil
}

func (m *MemoryStore) LoadLease(_ context.Context, p models.Platform) (*models.CredentialLease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.Leases[p]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (m *MemoryStore) SaveLease(_ context.Context, p models.Platform, l models.CredentialLease) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Leases[p] = l
	return nil
}

func (m *MemoryStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Saves
}

func (m *MemoryStore) SetSaveError(err error) {
	m.mu.Lock()
	m.SaveError = err
	m.mu.Unlock()
}
