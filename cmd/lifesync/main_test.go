package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/lifesync/internal/gateway"
	"github.com/agentworkforce/lifesync/internal/httpapi"
	"github.com/agentworkforce/lifesync/internal/lifestore"
	"github.com/agentworkforce/lifesync/internal/reminders"
	"github.com/agentworkforce/lifesync/internal/syncengine"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Helper()
	chdir(t, t.TempDir())
	t.Setenv("LIFESYNC_REMOTE_DSN", "")
	t.Setenv("LIFESYNC_API_KEY", "")
	t.Setenv("LIFESYNC_LOG_LEVEL", "error")
}

func TestStoreCommandsRoundTrip(t *testing.T) {
	isolateEnv(t)
	store := "file://" + t.TempDir()

	_, err := runCLI(t, "--store", store, "store", "set", "planner", "tasks", `[{"title":"ship"}]`)
	require.NoError(t, err)
	_, err = runCLI(t, "--store", store, "store", "set", "reading", "book", "Dune")
	require.NoError(t, err)

	out, err := runCLI(t, "--store", store, "store", "get", "reading", "book")
	require.NoError(t, err)
	assert.Equal(t, "\"Dune\"\n", out)

	exportPath := filepath.Join(t.TempDir(), "export.json")
	_, err = runCLI(t, "--store", store, "store", "export", "--out", exportPath)
	require.NoError(t, err)

	_, err = runCLI(t, "--store", store, "store", "clear", "--all")
	require.NoError(t, err)
	out, err = runCLI(t, "--store", store, "store", "get", "planner")
	require.NoError(t, err)
	assert.Equal(t, "{}\n", out)

	out, err = runCLI(t, "--store", store, "store", "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "imported 9 namespaces")
	out, err = runCLI(t, "--store", store, "store", "get", "planner", "tasks")
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "ship"`)
}

func TestStoreCommandsRejectUnknownNamespace(t *testing.T) {
	isolateEnv(t)
	store := "file://" + t.TempDir()
	_, err := runCLI(t, "--store", store, "store", "set", "crypto", "k", "v")
	assert.Error(t, err)
	_, err = runCLI(t, "--store", store, "store", "clear")
	assert.Error(t, err, "clear needs a namespace or --all")
}

func TestLoginPushAndPullAcrossDevices(t *testing.T) {
	isolateEnv(t)
	server := httptest.NewServer(httpapi.NewServer(syncengine.NewMemoryRemote()))
	defer server.Close()
	token, err := httpapi.IssueToken("dev-secret", httpapi.TokenRequest{Subject: "user_1"}, time.Now())
	require.NoError(t, err)

	laptop := "file://" + t.TempDir()
	phone := "file://" + t.TempDir()

	_, err = runCLI(t, "--store", laptop, "--remote", server.URL, "login", "--user-id", "user_1", "--token", token)
	require.NoError(t, err)
	_, err = runCLI(t, "--store", laptop, "store", "set", "fitness", "steps", "1000")
	require.NoError(t, err)
	out, err := runCLI(t, "--store", laptop, "--remote", server.URL, "sync", "push")
	require.NoError(t, err)
	assert.Contains(t, out, "sync push complete")

	_, err = runCLI(t, "--store", phone, "--remote", server.URL, "login", "--user-id", "user_1", "--token", token)
	require.NoError(t, err)
	out, err = runCLI(t, "--store", phone, "store", "get", "fitness", "steps")
	require.NoError(t, err)
	assert.Equal(t, "1000\n", out)

	out, err = runCLI(t, "--store", phone, "sync", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "User ID: user_1")
}

func TestSyncRequiresRemote(t *testing.T) {
	isolateEnv(t)
	_, err := runCLI(t, "--store", "file://"+t.TempDir(), "sync", "pull")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote configured")
}

func TestSyncUsesRemoteFromSettings(t *testing.T) {
	isolateEnv(t)
	store := "file://" + t.TempDir()
	_, err := runCLI(t, "--store", store, "remote", "set", "--url", "memory://", "--api-key", "anon")
	require.NoError(t, err)
	out, err := runCLI(t, "--store", store, "remote", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "URL: memory://")
	assert.Contains(t, out, "API key set: true")

	_, err = runCLI(t, "--store", store, "sync", "pull")
	require.ErrorIs(t, err, syncengine.ErrNotAuthenticated)
}

type recordingNotifier struct {
	mu    sync.Mutex
	shown []reminders.Notification
}

func (r *recordingNotifier) Notify(n reminders.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shown = append(r.shown, n)
	return nil
}

func (r *recordingNotifier) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.shown))
	for _, n := range r.shown {
		out = append(out, n.Title)
	}
	return out
}

func TestNotifyAndRemindReachWorker(t *testing.T) {
	isolateEnv(t)
	notifier := &recordingNotifier{}
	worker := gateway.NewWorker(gateway.WorkerOptions{Notifier: notifier})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = worker.Run(ctx) }()
	srv := httptest.NewServer(gateway.NewWSHandler(worker, nil))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := runCLI(t, "--worker", addr, "notify", "--title", "Stretch", "--body", "Stand up")
	require.NoError(t, err)
	assert.Contains(t, out, "sent SHOW_NOTIFICATION")
	require.Eventually(t, func() bool {
		titles := notifier.titles()
		return len(titles) == 1 && titles[0] == "Stretch"
	}, 2*time.Second, 10*time.Millisecond)

	path := filepath.Join(t.TempDir(), "reminders.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(`{"sleep": {"enabled": true, "time": "22:30"}}`), 0o644))
	_, err = runCLI(t, "--worker", addr, "remind", "schedule", path)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(worker.Scheduler().Active()) == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = runCLI(t, "--worker", addr, "remind", "clear")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(worker.Scheduler().Active()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFetchThroughWorker(t *testing.T) {
	isolateEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("url") == "https://news.example/offline" {
			http.Error(w, "offline", http.StatusGatewayTimeout)
			return
		}
		_, _ = w.Write([]byte("headline"))
	}))
	defer srv.Close()
	addr := strings.TrimPrefix(srv.URL, "http://")

	out, err := runCLI(t, "--worker", addr, "fetch", "https://news.example/today")
	require.NoError(t, err)
	assert.Equal(t, "headline", out)

	_, err = runCLI(t, "--worker", addr, "fetch", "https://news.example/offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not cached")
}

func TestExternalEditsIgnoresPulledContent(t *testing.T) {
	store := lifestore.NewStore(lifestore.StoreOptions{})
	store.Set(lifestore.NamespaceSleep, "goal", 8.0)
	edits := newExternalEdits()
	edits.remember(store)

	assert.False(t, edits.changed(store, lifestore.NamespaceSleep))
	store.Set(lifestore.NamespaceSleep, "goal", 7.5)
	assert.True(t, edits.changed(store, lifestore.NamespaceSleep))
	assert.False(t, edits.changed(store, lifestore.NamespaceSleep))
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected passthrough 0.4, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.2); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected min jitter interval 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected max jitter interval 12s, got %s", got)
	}
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatal(err)
		}
	})
}
