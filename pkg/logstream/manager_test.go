package logstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCatchupQuerier implements CatchupQuerier for tests.
type mockCatchupQuerier struct {
	events []CatchupEvent
	err    error
}

func (m *mockCatchupQuerier) CatchupEvents(_ context.Context, _ string, _ int64, limit int) ([]CatchupEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	if limit > 0 && len(m.events) > limit {
		return m.events[:limit], nil
	}
	return m.events, nil
}

func setupTestManager(t *testing.T, querier CatchupQuerier) (*ConnectionManager, *httptest.Server) {
	t.Helper()

	manager := NewConnectionManager(querier, 5*time.Second)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			t.Logf("WebSocket accept error: %v", err)
			return
		}
		manager.HandleConnection(r.Context(), conn)
	}))

	t.Cleanup(func() { server.Close() })
	return manager, server
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):]
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func writeJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func TestConnectionManager_ConnectionEstablished(t *testing.T) {
	_, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)

	msg := readJSON(t, conn)
	assert.Equal(t, "connection.established", msg["type"])
	assert.NotEmpty(t, msg["connection_id"])
}

func TestConnectionManager_SubscribeConfirmedWithCatchup(t *testing.T) {
	querier := &mockCatchupQuerier{events: []CatchupEvent{
		{ID: 1, Payload: map[string]any{"type": EventTypeAgentLog, "msg": "first"}},
		{ID: 2, Payload: map[string]any{"type": EventTypeAgentLog, "msg": "second"}},
	}}
	manager, server := setupTestManager(t, querier)
	conn := connectWS(t, server)
	readJSON(t, conn) // connection.established

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: TaskChannel("abc-123")})

	msg := readJSON(t, conn)
	assert.Equal(t, "subscription.confirmed", msg["type"])
	assert.Equal(t, "task:abc-123", msg["channel"])

	// Auto catchup delivers stored events in order with seq injected.
	first := readJSON(t, conn)
	assert.Equal(t, "first", first["msg"])
	assert.Equal(t, float64(1), first["seq"])
	second := readJSON(t, conn)
	assert.Equal(t, "second", second["msg"])
	assert.Equal(t, float64(2), second["seq"])

	assert.Equal(t, 1, manager.ActiveConnections())
}

func TestConnectionManager_Broadcast(t *testing.T) {
	manager, server := setupTestManager(t, &mockCatchupQuerier{})

	conn1 := connectWS(t, server)
	conn2 := connectWS(t, server)
	readJSON(t, conn1)
	readJSON(t, conn2)

	channel := TaskChannel("bcast")
	writeJSON(t, conn1, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn1) // subscription.confirmed
	writeJSON(t, conn2, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn2)

	// Wait for both subscriptions to register before broadcasting.
	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 2
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast(channel, []byte(`{"type":"log.agent","msg":"hello"}`))

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		msg := readJSON(t, conn)
		assert.Equal(t, EventTypeAgentLog, msg["type"])
		assert.Equal(t, "hello", msg["msg"])
	}
}

func TestConnectionManager_BroadcastSkipsOtherChannels(t *testing.T) {
	manager, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: TaskChannel("mine")})
	readJSON(t, conn)

	require.Eventually(t, func() bool {
		return manager.subscriberCount(TaskChannel("mine")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast(TaskChannel("other"), []byte(`{"type":"log.agent","msg":"not for you"}`))
	manager.Broadcast(TaskChannel("mine"), []byte(`{"type":"log.agent","msg":"for you"}`))

	msg := readJSON(t, conn)
	assert.Equal(t, "for you", msg["msg"])
}

func TestConnectionManager_TerminalStatusClosesStream(t *testing.T) {
	manager, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	channel := TaskChannel("done-task")
	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: channel})
	readJSON(t, conn) // subscription.confirmed

	require.Eventually(t, func() bool {
		return manager.subscriberCount(channel) == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast(channel, []byte(`{"type":"log.agent","msg":"deployed"}`))
	manager.Broadcast(channel, []byte(`{"type":"task.status","status":"succeeded"}`))

	line := readJSON(t, conn)
	assert.Equal(t, "deployed", line["msg"])
	status := readJSON(t, conn)
	assert.Equal(t, EventTypeTaskStatus, status["type"])

	// The terminal frame is the last one; the server closes the stream.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	require.Eventually(t, func() bool {
		return manager.ActiveConnections() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionManager_GlobalChannelSurvivesTerminalStatus(t *testing.T) {
	manager, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalTasksChannel})
	readJSON(t, conn) // subscription.confirmed

	require.Eventually(t, func() bool {
		return manager.subscriberCount(GlobalTasksChannel) == 1
	}, 2*time.Second, 10*time.Millisecond)

	manager.Broadcast(GlobalTasksChannel, []byte(`{"type":"task.status","status":"failed"}`))
	status := readJSON(t, conn)
	assert.Equal(t, EventTypeTaskStatus, status["type"])

	// The task list stream watches many tasks; one finishing must not end it.
	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_CatchupStopsAtTerminalStatus(t *testing.T) {
	querier := &mockCatchupQuerier{events: []CatchupEvent{
		{ID: 1, Payload: map[string]any{"type": EventTypeAgentLog, "msg": "❌ deploy failed"}},
		{ID: 2, Payload: map[string]any{"type": EventTypeTaskStatus, "status": "failed"}},
		{ID: 3, Payload: map[string]any{"type": EventTypeAgentLog, "msg": "never delivered"}},
	}}
	_, server := setupTestManager(t, querier)
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: TaskChannel("old-task")})
	readJSON(t, conn) // subscription.confirmed

	line := readJSON(t, conn)
	assert.Equal(t, "❌ deploy failed", line["msg"])
	status := readJSON(t, conn)
	assert.Equal(t, EventTypeTaskStatus, status["type"])

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	events := make([]CatchupEvent, catchupLimit+5)
	for i := range events {
		events[i] = CatchupEvent{ID: int64(i + 1), Payload: map[string]any{"type": EventTypeAgentLog}}
	}
	_, server := setupTestManager(t, &mockCatchupQuerier{events: events})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: TaskChannel("big")})
	readJSON(t, conn) // subscription.confirmed

	for i := 0; i < catchupLimit; i++ {
		readJSON(t, conn)
	}
	overflow := readJSON(t, conn)
	assert.Equal(t, "catchup.overflow", overflow["type"])
	assert.Equal(t, true, overflow["has_more"])
}

func TestConnectionManager_Ping(t *testing.T) {
	_, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "ping"})
	msg := readJSON(t, conn)
	assert.Equal(t, "pong", msg["type"])
}

func TestConnectionManager_SubscribeRequiresChannel(t *testing.T) {
	_, server := setupTestManager(t, &mockCatchupQuerier{})
	conn := connectWS(t, server)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe"})
	msg := readJSON(t, conn)
	assert.Equal(t, "error", msg["type"])
}

func TestTruncateIfNeeded(t *testing.T) {
	small := `{"type":"log.agent","task_id":"t1","seq":7}`
	out, err := truncateIfNeeded(small)
	require.NoError(t, err)
	assert.Equal(t, small, out)

	big := map[string]any{
		"type":    EventTypeAgentLog,
		"task_id": "t1",
		"seq":     int64(7),
		"msg": string(make([]byte, 9000)),
	}
	bigJSON, err := json.Marshal(big)
	require.NoError(t, err)

	out, err = truncateIfNeeded(string(bigJSON))
	require.NoError(t, err)

	var truncated map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &truncated))
	assert.Equal(t, true, truncated["truncated"])
	assert.Equal(t, EventTypeAgentLog, truncated["type"])
	assert.Equal(t, "t1", truncated["task_id"])
	assert.Equal(t, float64(7), truncated["seq"])
}
