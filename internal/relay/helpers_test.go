package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

// recordingSender keeps every frame it is given.
type recordingSender struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	onClose func()
}

func newRecordingSender() *recordingSender {
	return &recordingSender{}
}

func (s *recordingSender) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, payload)
	return nil
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	s.closed = true
	onClose := s.onClose
	s.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

func (s *recordingSender) setOnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = fn
}

func (s *recordingSender) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type receivedEvent struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

func (s *recordingSender) events(t *testing.T) []receivedEvent {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	events := make([]receivedEvent, 0, len(s.frames))
	for _, frame := range s.frames {
		var ev receivedEvent
		require.NoError(t, json.Unmarshal(frame, &ev))
		events = append(events, ev)
	}
	return events
}

// eventsOf returns the payloads of every received event named action.
func (s *recordingSender) eventsOf(t *testing.T, action string) []json.RawMessage {
	t.Helper()
	var payloads []json.RawMessage
	for _, ev := range s.events(t) {
		if ev.Action == action {
			payloads = append(payloads, ev.Payload)
		}
	}
	return payloads
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(logs.GetLoggerFromLevel(slog.LevelDebug))
	go h.Run()
	t.Cleanup(func() {
		_ = h.Shutdown(2 * time.Second)
	})
	return h
}

// connect registers a recording sender whose Close behaves like a transport:
// it makes the connection's reader unregister it.
func connect(t *testing.T, h *Hub) (ConnID, *recordingSender) {
	t.Helper()
	sender := newRecordingSender()
	id, err := h.Connect(sender)
	require.NoError(t, err)
	sender.setOnClose(func() { go h.Disconnect(id) })
	return id, sender
}

func dispatchJSON(t *testing.T, h *Hub, id ConnID, frame map[string]any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	h.Dispatch(id, raw)
}

func decodePayload[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}
