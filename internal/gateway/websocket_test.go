package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/lifesync/internal/reminders"
)

func TestWebsocketRoundTrip(t *testing.T) {
	h := startWorker(t)
	server := httptest.NewServer(NewWSHandler(h.worker, nil))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + GatewayPath
	client := NewClient(nil)
	ws := NewWSClient(WSClientOptions{URL: wsURL})
	client.Attach(ws)

	schedule, err := ScheduleNotifications(reminders.Settings{
		reminders.TypeReading: {Enabled: true, Time: "21:00"},
	})
	require.NoError(t, err)
	require.NoError(t, client.Send(schedule))
	offline, err := SetOfflineMode(true)
	require.NoError(t, err)
	require.NoError(t, client.Send(offline))

	waitProcessed(t, h.worker, 2)
	active := h.worker.Scheduler().Active()
	require.Len(t, active, 1)
	assert.Equal(t, reminders.TypeReading, active[0].Type)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = ws.Close(ctx)
	assert.ErrorIs(t, ws.Deliver(ClearNotifications()), ErrNoWorker)
}

func TestWebsocketClientDropsWhenWorkerIsDown(t *testing.T) {
	ws := NewWSClient(WSClientOptions{URL: "ws://127.0.0.1:1/gateway", DialTimeout: 200 * time.Millisecond})
	require.NoError(t, ws.Deliver(ClearNotifications()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	_ = ws.Close(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)
}
