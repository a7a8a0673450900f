// Package testhelpers holds the HTTP and WebSocket client helpers shared by
// the server tests.
package testhelpers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestOrigin is the Origin header sent by Dial.
const TestOrigin = "http://localhost:8080"

// Event is a decoded outbound frame with its payload left raw.
type Event struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocketURL turns an httptest server URL into its /ws endpoint.
func WebSocketURL(serverURL string) string {
	return "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
}

// MakeRequest executes an HTTP request with a 5 second timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DialWithOrigin opens a WebSocket connection sending origin as the Origin
// header. An empty origin sends no header. The handshake response is returned
// so rejected upgrades can be inspected.
func DialWithOrigin(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Dial connects to url with TestOrigin, fails the test on error and closes
// the connection at cleanup.
func Dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := DialWithOrigin(url, TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendAction writes frame as one JSON text message.
func SendAction(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// ReadEvent reads the next frame within timeout.
func ReadEvent(conn *websocket.Conn, timeout time.Duration) (Event, error) {
	var ev Event
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return ev, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(raw, &ev)
	return ev, err
}

// WaitForEvent reads frames until one named action arrives, skipping others.
func WaitForEvent(t *testing.T, conn *websocket.Conn, action string) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ev, err := ReadEvent(conn, time.Until(deadline))
		require.NoError(t, err, "waiting for %q", action)
		if ev.Action == action {
			return ev
		}
	}
	require.FailNow(t, "timed out waiting for event", action)
	return Event{}
}

// ExpectNoEvent asserts that no frame named action arrives within wait.
// Frames with other names are skipped. gorilla/websocket does not recover
// from a read timeout, so the connection can only be closed afterwards.
func ExpectNoEvent(t *testing.T, conn *websocket.Conn, action string, wait time.Duration) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for {
		ev, err := ReadEvent(conn, time.Until(deadline))
		if err != nil {
			var netErr net.Error
			require.True(t, errors.As(err, &netErr) && netErr.Timeout(), "unexpected read error: %v", err)
			return
		}
		require.NotEqual(t, action, ev.Action, "unexpected %q event: %s", action, ev.Payload)
	}
}

// DecodePayload unmarshals the payload of ev into T.
func DecodePayload[T any](t *testing.T, ev Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Payload, &v))
	return v
}

// CloseWebSocket sends a normal closure frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
