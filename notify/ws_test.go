package notify

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestServeWSDeliversSubscribedEvents(t *testing.T) {
	h := newHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv, "topic=job:j1&topic=student:s1")

	require.Eventually(t, func() bool { return h.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(Event{Type: EventJobOffer, JobID: "j2", Topics: []string{StudentTopic("s2")}}))
	require.NoError(t, h.Publish(Event{Type: EventJobOffer, JobID: "j1", Status: "dispatching", Version: 2, Topics: []string{StudentTopic("s1")}}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, EventJobOffer, got.Type)
	assert.Equal(t, "dispatching", got.Status)
	assert.Equal(t, int64(2), got.Version)
}

func TestServeWSUnsubscribesOnDisconnect(t *testing.T) {
	h := newHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	conn := dialWS(t, srv, "topic=job:j1")
	require.Eventually(t, func() bool { return h.Stats().Subscribers == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return h.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWSRequiresTopic(t *testing.T) {
	h := newHub(t)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	h := newHub(t, WithAllowedOrigins([]string{"https://app.shiftly.example"}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, h.checkOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://app.shiftly.example")
	assert.True(t, h.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, h.checkOrigin(req))

	local := newHub(t)
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, local.checkOrigin(req))
}
