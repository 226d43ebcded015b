package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/lifesync/internal/syncengine"
)

func TestAuthRequired(t *testing.T) {
	server := NewServer(syncengine.NewMemoryRemote())
	req := httptest.NewRequest(http.MethodGet, "/v1/user-data", nil)
	rec := httptest.NewRecorder()

	server.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHealthDoesNotRequireAuth(t *testing.T) {
	server := NewServer(syncengine.NewMemoryRemote())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestUpsertAndListScopedToSubject(t *testing.T) {
	remote := syncengine.NewMemoryRemote()
	server := NewServer(remote)
	alice := mustTestJWT(t, "dev-secret", "user_alice", time.Now().Add(time.Hour))
	bob := mustTestJWT(t, "dev-secret", "user_bob", time.Now().Add(time.Hour))

	putResp := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + alice,
			"X-Correlation-Id": "corr_1",
		},
		body: map[string]any{
			"records": []map[string]any{
				{"user_id": "user_bob", "namespace": "sleep", "data": map[string]any{"goal": 8}},
				{"namespace": "reading", "data": map[string]any{"book": "Dune"}},
			},
		},
	})
	if putResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on upsert, got %d (%s)", putResp.Code, putResp.Body.String())
	}

	listResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + alice,
			"X-Correlation-Id": "corr_2",
		},
	})
	if listResp.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d (%s)", listResp.Code, listResp.Body.String())
	}
	var envelope userDataEnvelope
	if err := json.NewDecoder(listResp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(envelope.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", envelope.Records)
	}
	for _, record := range envelope.Records {
		if record.UserID != "user_alice" {
			t.Fatalf("record owner not forced to token subject: %+v", record)
		}
		if record.ID == "" || record.UpdatedAt.IsZero() {
			t.Fatalf("expected server-assigned id and timestamp: %+v", record)
		}
	}

	bobResp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + bob,
			"X-Correlation-Id": "corr_3",
		},
	})
	if !strings.Contains(bobResp.Body.String(), `"records":[]`) {
		t.Fatalf("expected empty record list for other user, got %s", bobResp.Body.String())
	}
}

func TestUpsertRejectsInvalidRecords(t *testing.T) {
	server := NewServer(syncengine.NewMemoryRemote())
	token := mustTestJWT(t, "dev-secret", "user_1", time.Now().Add(time.Hour))
	cases := map[string]map[string]any{
		"unknown namespace": {"records": []map[string]any{{"namespace": "crypto", "data": map[string]any{}}}},
		"array data":        {"records": []map[string]any{{"namespace": "sleep", "data": []int{1}}}},
		"null data":         {"records": []map[string]any{{"namespace": "sleep", "data": nil}}},
	}
	for name, body := range cases {
		resp := doRequest(t, server, request{
			method: http.MethodPut,
			path:   "/v1/user-data",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": "corr_invalid",
			},
			body: body,
		})
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d (%s)", name, resp.Code, resp.Body.String())
		}
	}

	raw := doRawRequest(t, server, rawRequest{
		method: http.MethodPut,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_raw",
		},
		body: []byte("{not json"),
	})
	if raw.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed json, got %d", raw.Code)
	}
}

func TestRejectsBadTokens(t *testing.T) {
	server := NewServer(syncengine.NewMemoryRemote())
	cases := map[string]string{
		"expired":      mustTestJWT(t, "dev-secret", "user_1", time.Now().Add(-time.Minute)),
		"wrong secret": mustTestJWT(t, "other-secret", "user_1", time.Now().Add(time.Hour)),
		"wrong aud":    mustTestJWTWithAudience(t, "dev-secret", "user_1", "relay", time.Now().Add(time.Hour)),
		"no subject":   mustTestJWT(t, "dev-secret", "", time.Now().Add(time.Hour)),
		"malformed":    "abc.def",
	}
	for name, token := range cases {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/user-data",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": "corr_bad",
			},
		})
		if resp.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d (%s)", name, resp.Code, resp.Body.String())
		}
	}
}

func TestCorrelationIDRequired(t *testing.T) {
	server := NewServer(syncengine.NewMemoryRemote())
	token := mustTestJWT(t, "dev-secret", "user_1", time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/user-data",
		headers: map[string]string{"Authorization": "Bearer " + token},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", resp.Code)
	}
}

func TestAPIKeyEnforcedWhenConfigured(t *testing.T) {
	server := NewServerWithConfig(syncengine.NewMemoryRemote(), ServerConfig{APIKey: "anon-key"})
	token := mustTestJWT(t, "dev-secret", "user_1", time.Now().Add(time.Hour))
	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": "corr_key",
	}
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/user-data", headers: headers}); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", resp.Code)
	}
	headers["X-Api-Key"] = "anon-key"
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/user-data", headers: headers}); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with api key, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server := NewServerWithConfig(syncengine.NewMemoryRemote(), ServerConfig{MaxBodyBytes: 64})
	token := mustTestJWT(t, "dev-secret", "user_1", time.Now().Add(time.Hour))
	resp := doRawRequest(t, server, rawRequest{
		method: http.MethodPut,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_big",
		},
		body: []byte(`{"records":[{"namespace":"news","data":{"body":"` + strings.Repeat("x", 256) + `"}}]}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	server := NewServer(syncengine.NewMemoryRemote())
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v2/nothing"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if resp := doRequest(t, server, request{method: http.MethodDelete, path: "/health"}); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := NewServerWithConfig(syncengine.NewMemoryRemote(), ServerConfig{
		JWTSecret:       "dev-secret",
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustTestJWT(t, "dev-secret", "user_rate", time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/user-data",
			headers: map[string]string{
				"Authorization":    "Bearer " + token,
				"X-Correlation-Id": fmt.Sprintf("corr_rate_%d", i),
			},
		})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected request %d to be allowed, got %d (%s)", i, resp.Code, resp.Body.String())
		}
	}

	denied := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + token,
			"X-Correlation-Id": "corr_rate_denied",
		},
	})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}

	other := mustTestJWT(t, "dev-secret", "user_other", time.Now().Add(time.Hour))
	resp := doRequest(t, server, request{
		method: http.MethodGet,
		path:   "/v1/user-data",
		headers: map[string]string{
			"Authorization":    "Bearer " + other,
			"X-Correlation-Id": "corr_rate_other",
		},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected other subject to be unaffected, got %d", resp.Code)
	}
}

func TestIssueTokenRoundTrip(t *testing.T) {
	now := time.Now()
	token, err := IssueToken("s3cret", TokenRequest{Subject: "user_1", Email: "a@example.com", TTL: time.Hour}, now)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	claims, authErr := parseBearer("Bearer "+token, "s3cret", now)
	if authErr != nil {
		t.Fatalf("parse issued token: %v", authErr)
	}
	if claims.Subject != "user_1" || claims.Email != "a@example.com" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if _, authErr := parseBearer("Bearer "+token, "s3cret", now.Add(2*time.Hour)); authErr == nil {
		t.Fatalf("expected issued token to expire")
	}
	if _, err := IssueToken("s3cret", TokenRequest{}, now); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}

func TestHTTPRemoteAgainstServer(t *testing.T) {
	server := httptest.NewServer(NewServerWithConfig(syncengine.NewMemoryRemote(), ServerConfig{APIKey: "anon"}))
	defer server.Close()
	token, err := IssueToken("dev-secret", TokenRequest{Subject: "user_1"}, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	remote := syncengine.NewHTTPRemote(syncengine.HTTPRemoteOptions{
		BaseURL:    server.URL,
		APIKey:     "anon",
		Token:      func() string { return token },
		HTTPClient: server.Client(),
	})
	ctx := context.Background()
	if err := remote.Upsert(ctx, []syncengine.Record{{UserID: "user_1", Namespace: "fitness", Data: json.RawMessage(`{"steps":1000}`)}}); err != nil {
		t.Fatalf("upsert through server: %v", err)
	}
	records, err := remote.FetchAll(ctx, "user_1")
	if err != nil {
		t.Fatalf("fetch through server: %v", err)
	}
	if len(records) != 1 || records[0].Namespace != "fitness" || string(records[0].Data) != `{"steps":1000}` {
		t.Fatalf("unexpected records: %+v", records)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, "lifesync", exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject, aud string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{
		"alg": "HS256",
		"typ": "JWT",
	})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"sub": subject,
		"exp": exp.Unix(),
		"aud": aud,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
