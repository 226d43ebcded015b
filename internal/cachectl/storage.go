package cachectl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Storage holds named buckets of cached responses. Only the Controller
// mutates it.
type Storage interface {
	Buckets(ctx context.Context) ([]string, error)
	OpenBucket(ctx context.Context, bucket string) error
	DeleteBucket(ctx context.Context, bucket string) error
	Get(ctx context.Context, bucket, key string) (Entry, bool, error)
	Put(ctx context.Context, bucket, key string, entry Entry) error
}

// OpenStorage builds storage from a DSN: empty or memory:// keeps buckets in
// memory, sqlite:///path.db persists them.
func OpenStorage(dsn string) (Storage, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryStorage(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(parsed.Scheme) {
	case "memory", "mem":
		return NewMemoryStorage(), nil
	case "sqlite", "sqlite3":
		path := parsed.Path
		if parsed.Host != "" {
			path = parsed.Host + path
		}
		if path == "" {
			return nil, fmt.Errorf("sqlite cache dsn %q has no path", dsn)
		}
		return NewSQLiteStorage(path)
	default:
		return nil, fmt.Errorf("unsupported cache storage scheme %q", parsed.Scheme)
	}
}

type MemoryStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{buckets: map[string]map[string]Entry{}}
}

func (m *MemoryStorage) Buckets(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.buckets))
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) OpenBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; !ok {
		m.buckets[bucket] = map[string]Entry{}
	}
	return nil
}

func (m *MemoryStorage) DeleteBucket(_ context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, bucket)
	return nil
}

func (m *MemoryStorage) Get(_ context.Context, bucket, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries, ok := m.buckets[bucket]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return cloneEntry(entry), true, nil
}

func (m *MemoryStorage) Put(_ context.Context, bucket, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.buckets[bucket]
	if !ok {
		entries = map[string]Entry{}
		m.buckets[bucket] = entries
	}
	entries[key] = cloneEntry(entry)
	return nil
}

func cloneEntry(entry Entry) Entry {
	return Entry{
		Status:   entry.Status,
		Header:   entry.Header.Clone(),
		Body:     append([]byte(nil), entry.Body...),
		StoredAt: entry.StoredAt,
	}
}
