package lifestore

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

type Object = map[string]any

type Snapshot map[Namespace]Object

type ChangeFunc func(ns Namespace)

type StoreOptions struct {
	Backend Backend
	Logger  *zerolog.Logger
}

// Store is the namespaced key/value layer. Every operation is best-effort:
// unreadable slots decode to empty objects and failed writes are logged and dropped.
type Store struct {
	mu        sync.Mutex
	backend   Backend
	log       zerolog.Logger
	listenMu  sync.RWMutex
	listeners map[int]ChangeFunc
	nextID    int
}

func NewStore(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = opts.Logger.With().Str("component", "lifestore").Logger()
	}
	return &Store{
		backend:   backend,
		log:       log,
		listeners: map[int]ChangeFunc{},
	}
}

func (s *Store) Backend() Backend {
	return s.backend
}

// OnChange registers fn to run after every successful mutation. The returned
// func unregisters it.
func (s *Store) OnChange(fn ChangeFunc) func() {
	if fn == nil {
		return func() {}
	}
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()
	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Store) Get(ns Namespace, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.loadLocked(ns)
	value, ok := obj[key]
	return value, ok
}

func (s *Store) Set(ns Namespace, key string, value any) {
	s.mu.Lock()
	obj := s.loadLocked(ns)
	obj[key] = value
	ok := s.saveLocked(ns, obj)
	s.mu.Unlock()
	if ok {
		s.notify(ns)
	}
}

func (s *Store) GetAll(ns Namespace) Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ns)
}

func (s *Store) SetAll(ns Namespace, obj Object) {
	if obj == nil {
		obj = Object{}
	}
	s.mu.Lock()
	ok := s.saveLocked(ns, obj)
	s.mu.Unlock()
	if ok {
		s.notify(ns)
	}
}

// Merge applies a shallow {...current, ...patch} overwrite of top-level keys.
func (s *Store) Merge(ns Namespace, patch Object) {
	s.mu.Lock()
	obj := s.loadLocked(ns)
	for key, value := range patch {
		obj[key] = value
	}
	ok := s.saveLocked(ns, obj)
	s.mu.Unlock()
	if ok {
		s.notify(ns)
	}
}

func (s *Store) Remove(ns Namespace, key string) {
	s.mu.Lock()
	obj := s.loadLocked(ns)
	if _, exists := obj[key]; !exists {
		s.mu.Unlock()
		return
	}
	delete(obj, key)
	ok := s.saveLocked(ns, obj)
	s.mu.Unlock()
	if ok {
		s.notify(ns)
	}
}

func (s *Store) Clear(ns Namespace) {
	s.mu.Lock()
	err := s.backend.Delete(ns)
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Str("namespace", string(ns)).Msg("clear namespace failed")
		return
	}
	s.notify(ns)
}

// ClearAll clears the registered namespaces only.
func (s *Store) ClearAll() {
	for _, ns := range Namespaces {
		s.Clear(ns)
	}
}

func (s *Store) ExportAll() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := make(Snapshot, len(Namespaces))
	for _, ns := range Namespaces {
		snapshot[ns] = s.loadLocked(ns)
	}
	return snapshot
}

// ImportAll overwrites each namespace present in snapshot; nothing is merged.
func (s *Store) ImportAll(snapshot Snapshot) {
	changed := make([]Namespace, 0, len(snapshot))
	s.mu.Lock()
	for ns, obj := range snapshot {
		if obj == nil {
			obj = Object{}
		}
		if s.saveLocked(ns, obj) {
			changed = append(changed, ns)
		}
	}
	s.mu.Unlock()
	for _, ns := range changed {
		s.notify(ns)
	}
}

func (s *Store) loadLocked(ns Namespace) Object {
	data, ok, err := s.backend.Load(ns)
	if err != nil {
		s.log.Warn().Err(err).Str("namespace", string(ns)).Msg("load namespace failed; using empty object")
		return Object{}
	}
	if !ok || len(data) == 0 {
		return Object{}
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		s.log.Warn().Str("namespace", string(ns)).Msg("corrupt namespace slot; using empty object")
		return Object{}
	}
	return obj
}

func (s *Store) saveLocked(ns Namespace, obj Object) bool {
	data, err := json.Marshal(obj)
	if err != nil {
		s.log.Error().Err(err).Str("namespace", string(ns)).Msg("serialize namespace failed; write dropped")
		return false
	}
	if err := s.backend.Save(ns, data); err != nil {
		s.log.Error().Err(err).Str("namespace", string(ns)).Msg("persist namespace failed; write dropped")
		return false
	}
	return true
}

func (s *Store) notify(ns Namespace) {
	s.listenMu.RLock()
	fns := make([]ChangeFunc, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.RUnlock()
	for _, fn := range fns {
		fn(ns)
	}
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}
