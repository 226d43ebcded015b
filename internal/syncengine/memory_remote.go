package syncengine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRemote struct {
	mu   sync.RWMutex
	rows map[string]map[string]Record
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{rows: map[string]map[string]Record{}}
}

func (m *MemoryRemote) FetchAll(_ context.Context, userID string) ([]Record, error) {
	if userID == "" {
		return nil, ErrInvalidInput
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.rows[userID]))
	for _, record := range m.rows[userID] {
		out = append(out, cloneRecord(record))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Namespace < out[j].Namespace })
	return out, nil
}

func (m *MemoryRemote) Upsert(_ context.Context, records []Record) error {
	for _, record := range records {
		if record.UserID == "" || record.Namespace == "" {
			return ErrInvalidInput
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range records {
		owned, ok := m.rows[record.UserID]
		if !ok {
			owned = map[string]Record{}
			m.rows[record.UserID] = owned
		}
		stored := cloneRecord(record)
		if existing, ok := owned[record.Namespace]; ok {
			stored.ID = existing.ID
		} else if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = time.Now().UTC()
		}
		owned[record.Namespace] = stored
	}
	return nil
}

func cloneRecord(record Record) Record {
	record.Data = append([]byte(nil), record.Data...)
	return record
}
