package settings

import (
	"context"
	"sync"

	"github.com/jscharber/coursemirror/pkg/storage"
)

// MemoryRepository is an in-process Repository used by tests and one-shot tools
type MemoryRepository struct {
	mu          sync.RWMutex
	credentials map[storage.Provider]CredentialRecord
	snapshots   map[storage.Provider][]byte
	general     *General
	cursors     map[storage.Provider]string
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		credentials: make(map[storage.Provider]CredentialRecord),
		snapshots:   make(map[storage.Provider][]byte),
		cursors:     make(map[storage.Provider]string),
	}
}

func (m *MemoryRepository) LoadCredentials(_ context.Context, provider storage.Provider) (CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if rec, ok := m.credentials[provider]; ok {
		return rec.Clone(), nil
	}
	return CredentialRecord{}, nil
}

func (m *MemoryRepository) SaveCredentials(_ context.Context, provider storage.Provider, record CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credentials[provider] = record.Clone()
	return nil
}

func (m *MemoryRepository) DeleteCredentials(_ context.Context, provider storage.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.credentials, provider)
	delete(m.snapshots, provider)
	return nil
}

func (m *MemoryRepository) LoadCredentialSnapshot(_ context.Context, provider storage.Provider) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.snapshots[provider]...), nil
}

func (m *MemoryRepository) SaveCredentialSnapshot(_ context.Context, provider storage.Provider, snapshot []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[provider] = append([]byte(nil), snapshot...)
	return nil
}

func (m *MemoryRepository) LoadGeneral(_ context.Context) (General, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.general == nil {
		return DefaultGeneral(), nil
	}
	return *m.general, nil
}

func (m *MemoryRepository) SaveGeneral(_ context.Context, general General) error {
	if err := general.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.general = &general
	return nil
}

func (m *MemoryRepository) LoadCursor(_ context.Context, provider storage.Provider) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[provider], nil
}

func (m *MemoryRepository) SaveCursor(_ context.Context, provider storage.Provider, cursor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[provider] = cursor
	return nil
}

func (m *MemoryRepository) DeleteCursor(_ context.Context, provider storage.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cursors, provider)
	return nil
}
