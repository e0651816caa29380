package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsFrame is the envelope every broadcast frame carries.
type wsFrame struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForRegistration blocks until the hub has picked the client up;
// the dial handshake returns before the register channel is drained.
func waitForRegistration(t *testing.T, srv *Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		srv.mu.RLock()
		defer srv.mu.RUnlock()
		return len(srv.clients) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame wsFrame
	require.NoError(t, json.Unmarshal(msg, &frame))
	return frame
}

func TestWebSocketPingPong(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))
}

func TestWebSocketReceivesEvents(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	waitForRegistration(t, srv, 1)

	job := submitJob(t, srv, renderSubmission("shot_010", 0, 1, 10, 0, "png"))

	frame := readFrame(t, conn)
	assert.Equal(t, "job.submitted", frame.Type)
	assert.Equal(t, job.ID, frame.Data["job_id"])
	assert.False(t, frame.Timestamp.IsZero())
}

func TestWebSocketStatsBroadcast(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.StatsInterval = 20 * time.Millisecond
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	waitForRegistration(t, srv, 1)
	srv.startStatsBroadcaster()

	frame := readFrame(t, conn)
	require.Equal(t, "stats", frame.Type)
	assert.Contains(t, frame.Data, "jobs")
	assert.Contains(t, frame.Data, "workers")

	// unchanged stats are not re-broadcast
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestWebSocketMultipleClients(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	conn := dialWS(t, ts)
	waitForRegistration(t, srv, 1)

	// a second connection stays independent of the first
	conn2 := dialWS(t, ts)
	waitForRegistration(t, srv, 2)

	require.NoError(t, conn2.WriteMessage(websocket.TextMessage, []byte("ping")))
	require.NoError(t, conn2.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn2.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(msg))

	conn.Close()
	waitForRegistration(t, srv, 1)
}

func TestWebSocketRejectsNonWebSocket(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
