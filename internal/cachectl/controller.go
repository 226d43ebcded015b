package cachectl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrInstallFailed = errors.New("cache install failed")
	ErrNotInstalled  = errors.New("cache not installed")
	ErrOffline       = errors.New("offline and no cached response")
	ErrBodyTooLarge  = errors.New("response body exceeds cache limit")
)

const (
	CacheStatusHeader        = "X-Lifesync-Cache"
	defaultRevalidateTimeout = 30 * time.Second
	defaultMaxBodyBytes      = 8 << 20
)

type State string

const (
	StateIdle       State = "idle"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ClientClaimer takes control of already-open clients once a new version is active.
type ClientClaimer interface {
	Claim(ctx context.Context) error
}

type ClaimFunc func(ctx context.Context) error

func (f ClaimFunc) Claim(ctx context.Context) error {
	return f(ctx)
}

type Options struct {
	Version           string
	ShellURLs         []string
	DenyHosts         []string
	Storage           Storage
	Network           http.RoundTripper
	Claimer           ClientClaimer
	RevalidateTimeout time.Duration
	MaxBodyBytes      int64
	Logger            *zerolog.Logger
}

// Controller serves GET requests stale-while-revalidate out of a bucket
// named by Version.
type Controller struct {
	version           string
	shellURLs         []string
	denyHosts         map[string]struct{}
	storage           Storage
	network           http.RoundTripper
	claimer           ClientClaimer
	revalidateTimeout time.Duration
	maxBodyBytes      int64
	log               zerolog.Logger

	mu      sync.RWMutex
	state   State
	offline bool

	inflight sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	version := strings.TrimSpace(opts.Version)
	if version == "" {
		return nil, fmt.Errorf("cache version tag is required")
	}
	storage := opts.Storage
	if storage == nil {
		storage = NewMemoryStorage()
	}
	network := opts.Network
	if network == nil {
		network = http.DefaultTransport
	}
	timeout := opts.RevalidateTimeout
	if timeout <= 0 {
		timeout = defaultRevalidateTimeout
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	deny := map[string]struct{}{}
	for _, host := range opts.DenyHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			deny[host] = struct{}{}
		}
	}
	return &Controller{
		version:           version,
		shellURLs:         append([]string(nil), opts.ShellURLs...),
		denyHosts:         deny,
		storage:           storage,
		network:           network,
		claimer:           opts.Claimer,
		revalidateTimeout: timeout,
		maxBodyBytes:      maxBody,
		log:               logger.With().Str("component", "cachectl").Str("version", version).Logger(),
		state:             StateIdle,
	}, nil
}

func (c *Controller) Version() string {
	return c.version
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// SetOfflineMode makes cache hits skip background revalidation. Misses still
// go to the network.
func (c *Controller) SetOfflineMode(enabled bool) {
	c.mu.Lock()
	c.offline = enabled
	c.mu.Unlock()
	c.log.Info().Bool("offline", enabled).Msg("offline mode changed")
}

func (c *Controller) OfflineMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offline
}

// Install opens the version bucket and stores every shell URL. A single
// failed shell fetch fails the whole install.
func (c *Controller) Install(ctx context.Context) error {
	c.setState(StateInstalling)
	if err := c.storage.OpenBucket(ctx, c.version); err != nil {
		c.setState(StateRedundant)
		return fmt.Errorf("%w: open bucket: %v", ErrInstallFailed, err)
	}
	for _, rawURL := range c.shellURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			c.setState(StateRedundant)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, rawURL, err)
		}
		resp, err := c.network.RoundTrip(req)
		if err != nil {
			c.setState(StateRedundant)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, rawURL, err)
		}
		entry, passthrough, err := c.readEntry(resp)
		if err != nil {
			c.setState(StateRedundant)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, rawURL, err)
		}
		if passthrough != nil {
			_ = passthrough.Body.Close()
			c.setState(StateRedundant)
			return fmt.Errorf("%w: %s: %v", ErrInstallFailed, rawURL, ErrBodyTooLarge)
		}
		if !isSuccess(entry.Status) {
			c.setState(StateRedundant)
			return fmt.Errorf("%w: %s: status %d", ErrInstallFailed, rawURL, entry.Status)
		}
		if err := c.storage.Put(ctx, c.version, cacheKey(req), entry); err != nil {
			c.setState(StateRedundant)
			return fmt.Errorf("%w: store %s: %v", ErrInstallFailed, rawURL, err)
		}
	}
	c.setState(StateInstalled)
	c.log.Info().Int("shell", len(c.shellURLs)).Msg("cache installed")
	return nil
}

// Activate deletes every bucket but the current one and claims open clients.
func (c *Controller) Activate(ctx context.Context) error {
	if state := c.State(); state != StateInstalled && state != StateActive {
		return fmt.Errorf("%w: state %s", ErrNotInstalled, state)
	}
	c.setState(StateActivating)
	buckets, err := c.storage.Buckets(ctx)
	if err != nil {
		c.setState(StateInstalled)
		return fmt.Errorf("list cache buckets: %w", err)
	}
	for _, bucket := range buckets {
		if bucket == c.version {
			continue
		}
		if err := c.storage.DeleteBucket(ctx, bucket); err != nil {
			c.setState(StateInstalled)
			return fmt.Errorf("delete cache bucket %s: %w", bucket, err)
		}
		evictedBucketsTotal.Inc()
		c.log.Info().Str("bucket", bucket).Msg("evicted stale cache bucket")
	}
	if c.claimer != nil {
		if err := c.claimer.Claim(ctx); err != nil {
			c.log.Warn().Err(err).Msg("claiming clients failed")
		}
	}
	c.setState(StateActive)
	return nil
}

// Handles reports whether Fetch applies the cache policy to req rather than
// passing it straight to the network.
func (c *Controller) Handles(req *http.Request) bool {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return false
	}
	switch strings.ToLower(req.URL.Scheme) {
	case "http", "https":
	default:
		return false
	}
	_, denied := c.denyHosts[strings.ToLower(req.URL.Hostname())]
	return !denied
}

// Fetch returns a cached response immediately and refreshes it in the
// background, or waits for the network on a miss. A miss that also fails on
// the network yields (nil, nil).
func (c *Controller) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if !c.Handles(req) {
		return c.network.RoundTrip(req.WithContext(ctx))
	}
	key := cacheKey(req)
	entry, found, err := c.storage.Get(ctx, c.version, key)
	if err != nil {
		c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("cache lookup failed")
		found = false
	}
	if found {
		lookupsTotal.WithLabelValues("hit").Inc()
		if !c.OfflineMode() {
			c.revalidate(req, key)
		}
		return entry.response(req, "hit"), nil
	}

	lookupsTotal.WithLabelValues("miss").Inc()
	fresh, passthrough, err := c.fetchAndStore(ctx, req, key)
	if err != nil {
		lookupsTotal.WithLabelValues("offline").Inc()
		c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("network fetch failed with nothing cached")
		return nil, nil
	}
	if passthrough != nil {
		if passthrough.Header == nil {
			passthrough.Header = http.Header{}
		}
		passthrough.Header.Set(CacheStatusHeader, "miss")
		return passthrough, nil
	}
	return fresh.response(req, "miss"), nil
}

// Wait blocks until every background revalidation has finished.
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) revalidate(req *http.Request, key string) {
	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), c.revalidateTimeout)
		defer cancel()
		entry, passthrough, err := c.fetchAndStore(ctx, req, key)
		if passthrough != nil {
			_ = passthrough.Body.Close()
		}
		switch {
		case err != nil:
			revalidationsTotal.WithLabelValues("error").Inc()
			c.log.Debug().Err(err).Str("url", req.URL.String()).Msg("revalidation failed")
		case passthrough != nil || !isSuccess(entry.Status):
			revalidationsTotal.WithLabelValues("skipped").Inc()
		default:
			revalidationsTotal.WithLabelValues("stored").Inc()
		}
	}()
}

// fetchAndStore returns either the buffered entry or, for a body over the
// cache limit, the untouched network response. Oversized bodies are never
// stored.
func (c *Controller) fetchAndStore(ctx context.Context, req *http.Request, key string) (Entry, *http.Response, error) {
	resp, err := c.network.RoundTrip(req.Clone(ctx))
	if err != nil {
		return Entry{}, nil, err
	}
	entry, passthrough, err := c.readEntry(resp)
	if err != nil {
		return Entry{}, nil, err
	}
	if passthrough != nil {
		c.log.Debug().Str("url", req.URL.String()).Int64("limit", c.maxBodyBytes).Msg("response too large to cache")
		return Entry{}, passthrough, nil
	}
	if isSuccess(entry.Status) {
		if err := c.storage.Put(ctx, c.version, key, entry); err != nil {
			c.log.Warn().Err(err).Str("url", req.URL.String()).Msg("storing cached response failed")
		}
	}
	return entry, nil, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}

func (c *Controller) readEntry(resp *http.Response) (Entry, *http.Response, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		_ = resp.Body.Close()
		return Entry{}, nil, err
	}
	if int64(len(body)) > c.maxBodyBytes {
		resp.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body}
		return Entry{}, resp, nil
	}
	_ = resp.Body.Close()
	return Entry{
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil, nil
}

func (e Entry) response(req *http.Request, status string) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set(CacheStatusHeader, status)
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func cacheKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
