package lifestore

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/natefinch/atomic"
)

// Backend is the durable slot store behind a Store: one opaque blob per namespace.
type Backend interface {
	Load(ns Namespace) ([]byte, bool, error)
	Save(ns Namespace, data []byte) error
	Delete(ns Namespace) error
}

type backendCloser interface {
	Close() error
}

type BackendFactory func(dsn string) (Backend, error)

var backendFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func BuildBackendFromDSN(dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryBackend(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		dir, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(dir)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBackend(path)
	case "indexeddb", "redis":
		return nil, fmt.Errorf("%w: store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported store backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type MemoryBackend struct {
	mu    sync.Mutex
	slots map[Namespace][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{slots: map[Namespace][]byte{}}
}

func (b *MemoryBackend) Load(ns Namespace) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.slots[ns]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (b *MemoryBackend) Save(ns Namespace, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots[ns] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Delete(ns Namespace) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.slots, ns)
	return nil
}

// Names lists every slot present, registered or not.
func (b *MemoryBackend) Names() []Namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]Namespace, 0, len(b.slots))
	for ns := range b.slots {
		names = append(names, ns)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// FileBackend keeps each namespace in <dir>/<namespace>.json.
type FileBackend struct {
	Dir string
}

func NewFileBackend(dir string) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{Dir: filepath.Clean(dir)}, nil
}

func (b *FileBackend) path(ns Namespace) (string, error) {
	if !validNamespaceName(ns) {
		return "", ErrInvalidInput
	}
	return filepath.Join(b.Dir, string(ns)+".json"), nil
}

func (b *FileBackend) Load(ns Namespace) ([]byte, bool, error) {
	path, err := b.path(ns)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBackend) Save(ns Namespace, data []byte) error {
	path, err := b.path(ns)
	if err != nil {
		return err
	}
	return atomic.WriteFile(path, bytes.NewReader(data))
}

func (b *FileBackend) Delete(ns Namespace) error {
	path, err := b.path(ns)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func namespaceFromFile(name string) (Namespace, bool) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, ".json") || strings.HasPrefix(base, ".") {
		return "", false
	}
	return Namespace(strings.TrimSuffix(base, ".json")), true
}
