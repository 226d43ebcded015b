package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/lifesync/internal/clock"
	"github.com/agentworkforce/lifesync/internal/lifestore"
)

const (
	DefaultDebounceDelay = 2 * time.Second
	defaultPushTimeout   = 30 * time.Second
)

type Options struct {
	Store         *lifestore.Store
	Remote        Remote
	Sessions      *Sessions
	Namespaces    []lifestore.Namespace
	DebounceDelay time.Duration
	PushTimeout   time.Duration
	Clock         clock.Clock
	Logger        *zerolog.Logger
}

// Engine reconciles the local store with a Remote for the signed-in user.
// Pulls merge shallowly with remote keys winning; pushes upsert one row per
// non-empty namespace.
type Engine struct {
	store         *lifestore.Store
	remote        Remote
	sessions      *Sessions
	namespaces    []lifestore.Namespace
	debounceDelay time.Duration
	pushTimeout   time.Duration
	clock         clock.Clock
	log           zerolog.Logger

	pulling atomic.Int32

	// pushMu orders pushes so a later snapshot always lands last.
	pushMu sync.Mutex

	mu          sync.Mutex
	debounce    clock.Timer
	debounceGen uint64
	closed      bool
	running     sync.WaitGroup
	unsubscribe func()
}

func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Remote == nil {
		return nil, fmt.Errorf("%w: store and remote are required", ErrInvalidInput)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessions(opts.Store)
	}
	namespaces := opts.Namespaces
	if len(namespaces) == 0 {
		namespaces = lifestore.Namespaces
	}
	delay := opts.DebounceDelay
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	pushTimeout := opts.PushTimeout
	if pushTimeout <= 0 {
		pushTimeout = defaultPushTimeout
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Engine{
		store:         opts.Store,
		remote:        opts.Remote,
		sessions:      sessions,
		namespaces:    append([]lifestore.Namespace(nil), namespaces...),
		debounceDelay: delay,
		pushTimeout:   pushTimeout,
		clock:         clk,
		log:           logger.With().Str("component", "syncengine").Logger(),
	}, nil
}

func (e *Engine) Sessions() *Sessions {
	return e.sessions
}

func (e *Engine) session() (Session, error) {
	session := e.sessions.Load()
	if !session.Valid() {
		return Session{}, ErrNotAuthenticated
	}
	return session, nil
}

// PullAll merges every remote namespace row into the store. Namespaces with
// no remote row are left untouched.
func (e *Engine) PullAll(ctx context.Context) (err error) {
	defer func() { pullsTotal.WithLabelValues(resultLabel(err)).Inc() }()
	session, err := e.session()
	if err != nil {
		return err
	}
	records, err := e.remote.FetchAll(ctx, session.UserID)
	if err != nil {
		return fmt.Errorf("fetch user data: %w", err)
	}

	e.pulling.Add(1)
	defer e.pulling.Add(-1)
	for _, record := range records {
		ns, parseErr := lifestore.ParseNamespace(record.Namespace)
		if parseErr != nil || !e.tracks(ns) {
			e.log.Warn().Str("namespace", record.Namespace).Msg("ignoring remote row for unknown namespace")
			continue
		}
		var remote lifestore.Object
		if decodeErr := json.Unmarshal(record.Data, &remote); decodeErr != nil || remote == nil {
			e.log.Warn().Str("namespace", record.Namespace).Msg("ignoring undecodable remote row")
			continue
		}
		e.store.Merge(ns, remote)
	}
	e.log.Debug().Int("rows", len(records)).Msg("pulled user data")
	return nil
}

// PushAll upserts the current content of every tracked namespace, skipping
// empty ones. The device session never leaves the store.
func (e *Engine) PushAll(ctx context.Context) error {
	err := e.push(ctx)
	pushesTotal.WithLabelValues("manual", resultLabel(err)).Inc()
	return err
}

func (e *Engine) push(ctx context.Context) error {
	e.pushMu.Lock()
	defer e.pushMu.Unlock()
	session, err := e.session()
	if err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	records := make([]Record, 0, len(e.namespaces))
	for _, ns := range e.namespaces {
		obj := e.store.GetAll(ns)
		if ns == lifestore.NamespaceIdentity {
			delete(obj, sessionKey)
		}
		if len(obj) == 0 {
			continue
		}
		data, marshalErr := json.Marshal(obj)
		if marshalErr != nil {
			e.log.Warn().Err(marshalErr).Str("namespace", string(ns)).Msg("skipping unserializable namespace")
			continue
		}
		records = append(records, Record{
			UserID:    session.UserID,
			Namespace: string(ns),
			Data:      data,
			UpdatedAt: now,
		})
	}
	if len(records) == 0 {
		return nil
	}
	if err := e.remote.Upsert(ctx, records); err != nil {
		return fmt.Errorf("upsert user data: %w", err)
	}
	recordsPushedTotal.Add(float64(len(records)))
	return nil
}

// FullSync pulls then pushes; the last push wins the final remote state.
func (e *Engine) FullSync(ctx context.Context) error {
	if err := e.PullAll(ctx); err != nil {
		return err
	}
	return e.PushAll(ctx)
}

// DebouncedPush restarts a single shared timer; only the last call inside the
// window pushes. Failures are logged, never returned.
func (e *Engine) DebouncedPush(delay time.Duration) {
	if delay <= 0 {
		delay = e.debounceDelay
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.debounceGen++
	gen := e.debounceGen
	e.debounce = e.clock.AfterFunc(delay, func() { e.runDebounced(gen) })
}

func (e *Engine) runDebounced(gen uint64) {
	e.mu.Lock()
	if e.closed || gen != e.debounceGen {
		e.mu.Unlock()
		return
	}
	e.debounce = nil
	e.running.Add(1)
	e.mu.Unlock()
	defer e.running.Done()

	ctx, cancel := context.WithTimeout(context.Background(), e.pushTimeout)
	defer cancel()
	err := e.push(ctx)
	pushesTotal.WithLabelValues("debounced", resultLabel(err)).Inc()
	if err != nil {
		e.log.Warn().Err(err).Msg("background push failed")
	}
}

// Login stores the session and pulls remote data before the caller hydrates
// its views.
func (e *Engine) Login(ctx context.Context, session Session) error {
	session.UserID = strings.TrimSpace(session.UserID)
	if session.UserID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	session.IsAuthenticated = true
	e.sessions.Save(session)
	return e.PullAll(ctx)
}

func (e *Engine) Logout() {
	e.cancelDebounce()
	e.sessions.Logout()
}

// EnableAutoSync schedules a debounced push after every local store change.
// Changes applied by PullAll itself do not trigger a push.
func (e *Engine) EnableAutoSync() {
	unsubscribe := e.store.OnChange(func(lifestore.Namespace) {
		if e.pulling.Load() > 0 {
			return
		}
		if !e.sessions.Load().Valid() {
			return
		}
		e.DebouncedPush(0)
	})
	e.mu.Lock()
	previous := e.unsubscribe
	e.unsubscribe = unsubscribe
	e.mu.Unlock()
	if previous != nil {
		previous()
	}
}

func (e *Engine) DisableAutoSync() {
	e.mu.Lock()
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// Close drops any pending debounced push and waits for a running one.
func (e *Engine) Close() {
	e.DisableAutoSync()
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.cancelDebounce()
	e.running.Wait()
}

func (e *Engine) cancelDebounce() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
	e.debounceGen++
}

func (e *Engine) tracks(ns lifestore.Namespace) bool {
	for _, candidate := range e.namespaces {
		if candidate == ns {
			return true
		}
	}
	return false
}
