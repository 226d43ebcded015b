package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrInvalidInput     = errors.New("invalid input")
)

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	return target == ErrNotAuthenticated && e.StatusCode == 401
}

// Record is one user_data row: a namespace blob owned by a user.
type Record struct {
	ID        string          `json:"id,omitempty"`
	UserID    string          `json:"user_id"`
	Namespace string          `json:"namespace"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Remote is the cloud side of sync, keyed by (user_id, namespace).
type Remote interface {
	FetchAll(ctx context.Context, userID string) ([]Record, error)
	Upsert(ctx context.Context, records []Record) error
}

type remoteCloser interface {
	Close() error
}

type RemoteOptions struct {
	APIKey string
	Token  func() string
}

type RemoteFactory func(dsn string, opts RemoteOptions) (Remote, error)

var remoteFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RemoteFactory
}{
	factories: map[string]RemoteFactory{},
}

func RegisterRemoteFactory(scheme string, factory RemoteFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	remoteFactoryRegistry.mu.Lock()
	defer remoteFactoryRegistry.mu.Unlock()
	remoteFactoryRegistry.factories[scheme] = factory
}

func lookupRemoteFactory(scheme string) (RemoteFactory, bool) {
	remoteFactoryRegistry.mu.RLock()
	defer remoteFactoryRegistry.mu.RUnlock()
	factory, ok := remoteFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildRemoteFromDSN picks a Remote by scheme: memory://, http(s)://base, or
// postgres://.
func BuildRemoteFromDSN(dsn string, opts RemoteOptions) (Remote, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemoryRemote(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if factory, ok := lookupRemoteFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "memory", "mem":
		return NewMemoryRemote(), nil
	case "http", "https":
		return NewHTTPRemote(HTTPRemoteOptions{BaseURL: dsn, APIKey: opts.APIKey, Token: opts.Token}), nil
	case "postgres", "postgresql":
		return NewPostgresRemote(dsn)
	default:
		return nil, fmt.Errorf("unsupported remote scheme %q", parsed.Scheme)
	}
}

func CloseRemote(remote Remote) error {
	if closer, ok := remote.(remoteCloser); ok {
		return closer.Close()
	}
	return nil
}
