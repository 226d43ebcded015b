package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/lifesync/internal/lifestore"
	"github.com/agentworkforce/lifesync/internal/syncengine"
)

type ServerConfig struct {
	JWTSecret       string
	APIKey          string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zerolog.Logger
}

// Server exposes user_data rows over HTTP. Every data route is scoped to the
// bearer token's subject.
type Server struct {
	remote      syncengine.Remote
	cfg         ServerConfig
	rateLimiter *rateLimiter
	router      *mux.Router
	log         zerolog.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type claimsKey struct{}

type userDataEnvelope struct {
	Records []syncengine.Record `json:"records"`
}

func NewServer(remote syncengine.Remote) *Server {
	return NewServerWithConfig(remote, ServerConfig{})
}

func NewServerWithConfig(remote syncengine.Remote, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &Server{
		remote:      remote,
		cfg:         cfg,
		rateLimiter: limiter,
		log:         logger.With().Str("component", "httpapi").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.authenticate)
	v1.HandleFunc("/user-data", s.handleListUserData).Methods(http.MethodGet)
	v1.HandleFunc("/user-data", s.handleUpsertUserData).Methods(http.MethodPut)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			got := r.Header.Get("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key", getCorrelationID(r))
				return
			}
		}
		claims, authErr := parseBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
			return
		}
		correlationID := getCorrelationID(r)
		if correlationID == "" {
			writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) tokenClaims {
	claims, _ := r.Context().Value(claimsKey{}).(tokenClaims)
	return claims
}

func (s *Server) handleListUserData(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	correlationID := getCorrelationID(r)
	records, err := s.remote.FetchAll(r.Context(), claims.Subject)
	if err != nil {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("fetch user data failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load user data", correlationID)
		return
	}
	if records == nil {
		records = []syncengine.Record{}
	}
	writeJSON(w, http.StatusOK, userDataEnvelope{Records: records})
}

func (s *Server) handleUpsertUserData(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	correlationID := getCorrelationID(r)
	var envelope userDataEnvelope
	if !s.decodeJSONBody(w, r, correlationID, &envelope) {
		return
	}
	now := time.Now().UTC()
	records := make([]syncengine.Record, 0, len(envelope.Records))
	for i, record := range envelope.Records {
		if _, err := lifestore.ParseNamespace(record.Namespace); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("records[%d]: unknown namespace %q", i, record.Namespace), correlationID)
			return
		}
		var obj map[string]any
		if err := json.Unmarshal(record.Data, &obj); err != nil || obj == nil {
			writeError(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("records[%d]: data must be a json object", i), correlationID)
			return
		}
		record.ID = ""
		record.UserID = claims.Subject
		if record.UpdatedAt.IsZero() || record.UpdatedAt.After(now) {
			record.UpdatedAt = now
		}
		records = append(records, record)
	}
	if err := s.remote.Upsert(r.Context(), records); err != nil {
		s.log.Error().Err(err).Str("correlation_id", correlationID).Msg("upsert user data failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to store user data", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upserted":      len(records),
		"correlationId": correlationID,
	})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
