package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/Tyrowin/roomrelay/internal/relay/mocks"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestHub_Connect_JoinsDefaultAndAnnouncesOccupancy(t *testing.T) {
	req := require.New(t)
	h := startHub(t)

	alice, aliceSender := connect(t, h)
	_, bobSender := connect(t, h)

	req.Equal([]string{DefaultRoom}, h.RoomsOf(alice))
	req.Equal(map[string]int{DefaultRoom: 2}, h.Occupancy())
	req.Equal(2, h.ConnectionCount())

	// Every connection learns about the new count, the newcomer included
	lists := aliceSender.eventsOf(t, protocol.EventRoomsList)
	req.Len(lists, 2)
	last := decodePayload[protocol.RoomsPayload](t, lists[1])
	req.Equal(map[string]int{DefaultRoom: 2}, last.Rooms)

	bobLists := bobSender.eventsOf(t, protocol.EventRoomsList)
	req.Len(bobLists, 1)
}

func TestHub_Connect_NilSender(t *testing.T) {
	req := require.New(t)
	h := startHub(t)

	id, err := h.Connect(nil)

	req.ErrorIs(err, ErrNilSender)
	req.Equal(uuid.Nil, id)
	req.Equal(0, h.ConnectionCount())
	req.Equal(map[string]int{DefaultRoom: 0}, h.Occupancy())
}

func TestHub_Identify_SendMessage_Scenario(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	alice, aliceSender := connect(t, h)
	bob, bobSender := connect(t, h)
	_, carolSender := connect(t, h)

	// Given alice identifies and creates then joins general, bob joins too
	dispatchJSON(t, h, alice, map[string]any{"action": "identify", "payload": map[string]any{"username": "alice"}})
	dispatchJSON(t, h, alice, map[string]any{"action": "createRoom", "room": "general"})
	dispatchJSON(t, h, alice, map[string]any{"action": "joinRoom", "room": "general"})
	dispatchJSON(t, h, bob, map[string]any{"action": "joinRoom", "room": "general"})
	aliceSender.reset()
	bobSender.reset()
	carolSender.reset()

	// When alice sends a message to general
	dispatchJSON(t, h, alice, map[string]any{"action": "sendMessage", "room": "general", "message": "hi"})

	// Then every member of general, alice included, receives it exactly once
	want := protocol.MessagePayload{From: "alice", Room: "general", Message: "hi"}
	for _, s := range []*recordingSender{aliceSender, bobSender} {
		msgs := s.eventsOf(t, protocol.EventMessage)
		req.Len(msgs, 1)
		req.Equal(want, decodePayload[protocol.MessagePayload](t, msgs[0]))
	}
	// And the non member receives nothing
	req.Empty(carolSender.events(t))
}

func TestHub_SendMessage_UsesCurrentUsername(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	id, sender := connect(t, h)

	dispatchJSON(t, h, id, map[string]any{"action": "identify", "username": "alice"})
	dispatchJSON(t, h, id, map[string]any{"action": "rename", "newUsername": "alicia"})
	dispatchJSON(t, h, id, map[string]any{"action": "rename", "newUsername": "  "})
	dispatchJSON(t, h, id, map[string]any{"action": "sendMessage", "room": DefaultRoom, "message": "hello"})

	msgs := sender.eventsOf(t, protocol.EventMessage)
	req.Len(msgs, 1)
	req.Equal("alicia", decodePayload[protocol.MessagePayload](t, msgs[0]).From)
	req.Equal("alicia", h.Username(id))
}

func TestHub_SendMessage_Errors(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	id, sender := connect(t, h)
	sender.reset()

	dispatchJSON(t, h, id, map[string]any{"action": "sendMessage", "room": "nowhere", "message": "hi"})
	dispatchJSON(t, h, id, map[string]any{"action": "sendMessage", "room": DefaultRoom, "message": ""})

	errs := sender.eventsOf(t, protocol.EventError)
	req.Len(errs, 2)
	req.Equal(protocol.ReasonRoomNotFound, decodePayload[protocol.ErrorPayload](t, errs[0]).Reason)
	req.Equal(protocol.ReasonEmptyMessage, decodePayload[protocol.ErrorPayload](t, errs[1]).Reason)
	req.Empty(sender.eventsOf(t, protocol.EventMessage))
}

func TestHub_JoinAndLeave(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	id, sender := connect(t, h)
	_, other := connect(t, h)
	dispatchJSON(t, h, id, map[string]any{"action": "createRoom", "room": "R"})
	sender.reset()
	other.reset()

	dispatchJSON(t, h, id, map[string]any{"action": "joinRoom", "room": "R"})

	joined := sender.eventsOf(t, protocol.EventJoined)
	req.Len(joined, 1)
	req.Equal("R", decodePayload[protocol.RoomPayload](t, joined[0]).Room)
	req.Equal([]string{"R", DefaultRoom}, h.RoomsOf(id))
	// Occupancy goes to every connection
	req.Len(other.eventsOf(t, protocol.EventRoomsList), 1)

	dispatchJSON(t, h, id, map[string]any{"action": "leaveRoom", "room": "R"})

	left := sender.eventsOf(t, protocol.EventLeft)
	req.Len(left, 1)
	req.Equal("R", decodePayload[protocol.RoomPayload](t, left[0]).Room)
	req.Equal([]string{DefaultRoom}, h.RoomsOf(id))
	req.Equal(map[string]int{DefaultRoom: 2, "R": 0}, h.Occupancy())
}

func TestHub_DomainErrorsAreReportedToRequesterOnly(t *testing.T) {
	h := startHub(t)
	id, sender := connect(t, h)
	_, other := connect(t, h)
	dispatchJSON(t, h, id, map[string]any{"action": "createRoom", "room": "R"})

	tests := []struct {
		name   string
		frame  map[string]any
		reason string
	}{
		{"join missing room", map[string]any{"action": "joinRoom", "room": "missing"}, protocol.ReasonRoomNotFound},
		{"join without room", map[string]any{"action": "joinRoom"}, protocol.ReasonNoRoomSpecified},
		{"leave default", map[string]any{"action": "leaveRoom", "room": DefaultRoom}, protocol.ReasonCannotLeaveDefault},
		{"leave without room", map[string]any{"action": "leaveRoom"}, protocol.ReasonNoRoomSpecified},
		{"leave room not joined", map[string]any{"action": "leaveRoom", "room": "R"}, protocol.ReasonNotAMember},
		{"leave missing room", map[string]any{"action": "leaveRoom", "room": "missing"}, protocol.ReasonRoomNotFound},
		{"delete default", map[string]any{"action": "deleteRoom", "room": DefaultRoom}, protocol.ReasonCannotDeleteDefault},
		{"delete missing room", map[string]any{"action": "deleteRoom", "room": "missing"}, protocol.ReasonRoomNotFound},
		{"create existing room", map[string]any{"action": "createRoom", "room": "R"}, protocol.ReasonRoomExists},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			sender.reset()
			other.reset()
			before := h.Occupancy()

			dispatchJSON(t, h, id, tt.frame)

			events := sender.events(t)
			req.Len(events, 1)
			req.Equal(protocol.EventError, events[0].Action)
			req.Equal(tt.reason, decodePayload[protocol.ErrorPayload](t, events[0].Payload).Reason)
			req.Empty(other.events(t))
			req.Equal(before, h.Occupancy())
			req.Contains(h.RoomsOf(id), DefaultRoom)
		})
	}
}

func TestHub_CreateRoom_Twice(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	id, sender := connect(t, h)
	_, other := connect(t, h)
	other.reset()

	dispatchJSON(t, h, id, map[string]any{"action": "createRoom", "room": "X"})
	dispatchJSON(t, h, id, map[string]any{"action": "joinRoom", "room": "X"})
	sender.reset()
	other.reset()
	dispatchJSON(t, h, id, map[string]any{"action": "createRoom", "room": "X"})

	req.Equal(map[string]int{DefaultRoom: 2, "X": 1}, h.Occupancy())
	req.Len(sender.eventsOf(t, protocol.EventError), 1)
	// No occupancy broadcast for a no-op
	req.Empty(other.events(t))
}

func TestHub_ConcurrentCreateRoom(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a, aSender := connect(t, h)
	b, bSender := connect(t, h)
	aSender.reset()
	bSender.reset()

	var wg sync.WaitGroup
	for _, id := range []ConnID{a, b} {
		wg.Add(1)
		go func(id ConnID) {
			defer wg.Done()
			dispatchJSON(t, h, id, map[string]any{"action": "createRoom", "room": "x"})
		}(id)
	}
	wg.Wait()

	req.Equal(map[string]int{DefaultRoom: 2, "x": 0}, h.Occupancy())
	// Exactly one of the two calls was a no-op
	errs := len(aSender.eventsOf(t, protocol.EventError)) + len(bSender.eventsOf(t, protocol.EventError))
	req.Equal(1, errs)
}

func TestHub_DeleteRoom_MigratesAndNotifies(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a, aSender := connect(t, h)
	b, bSender := connect(t, h)
	_, cSender := connect(t, h)
	dispatchJSON(t, h, a, map[string]any{"action": "createRoom", "room": "R"})
	dispatchJSON(t, h, a, map[string]any{"action": "joinRoom", "room": "R"})
	dispatchJSON(t, h, b, map[string]any{"action": "joinRoom", "room": "R"})
	aSender.reset()
	bSender.reset()
	cSender.reset()

	dispatchJSON(t, h, a, map[string]any{"action": "deleteRoom", "room": "R"})

	req.Equal(map[string]int{DefaultRoom: 3}, h.Occupancy())
	for _, s := range []*recordingSender{aSender, bSender} {
		left := s.eventsOf(t, protocol.EventLeft)
		req.Len(left, 1)
		req.Equal("R", decodePayload[protocol.RoomPayload](t, left[0]).Room)
	}
	req.Equal([]string{DefaultRoom}, h.RoomsOf(a))
	req.Equal([]string{DefaultRoom}, h.RoomsOf(b))
	// Non members only see the new room list
	req.Empty(cSender.eventsOf(t, protocol.EventLeft))
	lists := cSender.eventsOf(t, protocol.EventRoomsList)
	req.Len(lists, 1)
	req.Equal(map[string]int{DefaultRoom: 3}, decodePayload[protocol.RoomsPayload](t, lists[0]).Rooms)
}

func TestHub_Disconnect_RemovesEverywhere(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	const n = 4
	ids := make([]ConnID, n)
	senders := make([]*recordingSender, n)
	for i := range ids {
		ids[i], senders[i] = connect(t, h)
	}
	dispatchJSON(t, h, ids[0], map[string]any{"action": "createRoom", "room": "R"})
	for _, id := range ids {
		dispatchJSON(t, h, id, map[string]any{"action": "joinRoom", "room": "R"})
	}
	req.Equal(n, h.Occupancy()["R"])
	senders[1].reset()

	h.Disconnect(ids[0])
	h.Disconnect(ids[0])

	req.Equal(n-1, h.Occupancy()["R"])
	req.Equal(n-1, h.Occupancy()[DefaultRoom])
	req.Empty(h.RoomsOf(ids[0]))
	req.Equal(UnknownUsername, h.Username(ids[0]))
	req.Equal(n-1, h.ConnectionCount())

	// Remaining connections are told once
	lists := senders[1].eventsOf(t, protocol.EventRoomsList)
	req.Len(lists, 1)
	req.Equal(map[string]int{DefaultRoom: n - 1, "R": n - 1}, decodePayload[protocol.RoomsPayload](t, lists[0]).Rooms)
}

func TestHub_InvalidJSON_KeepsSessionAlive(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	id, sender := connect(t, h)
	_, other := connect(t, h)
	sender.reset()
	other.reset()

	h.Dispatch(id, []byte("{not json"))

	errs := sender.eventsOf(t, protocol.EventError)
	req.Len(errs, 1)
	req.Equal(protocol.ReasonInvalidJSON, decodePayload[protocol.ErrorPayload](t, errs[0]).Reason)
	req.Empty(other.events(t))

	// The next frame is handled normally
	dispatchJSON(t, h, id, map[string]any{"action": "roomsList"})
	req.Len(sender.eventsOf(t, protocol.EventRoomsList), 1)
}

func TestHub_UnrecognizedAction_IsIgnored(t *testing.T) {
	h := startHub(t)
	id, sender := connect(t, h)
	sender.reset()

	dispatchJSON(t, h, id, map[string]any{"action": "typing", "room": DefaultRoom})

	require.Empty(t, sender.events(t))
}

func TestHub_Dispatch_UnknownConnectionIsDropped(t *testing.T) {
	h := startHub(t)
	_, sender := connect(t, h)
	sender.reset()

	dispatchJSON(t, h, uuid.New(), map[string]any{"action": "createRoom", "room": "ghost"})

	require.Empty(t, sender.events(t))
	require.NotContains(t, h.Occupancy(), "ghost")
}

func TestHub_Broadcast_ToleratesFailingMembers(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	h := startHub(t)

	broken := mocks.NewMockSender(ctrl)
	broken.EXPECT().Send(gomock.Any()).Return(errors.New("broken pipe")).AnyTimes()
	broken.EXPECT().Close().Return(nil).AnyTimes()
	panicky := mocks.NewMockSender(ctrl)
	panicky.EXPECT().Send(gomock.Any()).DoAndReturn(func([]byte) error { panic("boom") }).AnyTimes()
	panicky.EXPECT().Close().Return(nil).AnyTimes()

	healthyID, healthy := connect(t, h)
	brokenID, err := h.Connect(broken)
	req.NoError(err)
	panickyID, err := h.Connect(panicky)
	req.NoError(err)
	t.Cleanup(func() {
		h.Disconnect(brokenID)
		h.Disconnect(panickyID)
	})
	healthy.reset()

	report := h.Broadcast(DefaultRoom, protocol.MessageEvent("system", DefaultRoom, "ping"))

	req.Equal(DefaultRoom, report.Room)
	req.Equal(3, report.Recipients)
	req.Equal(1, report.Delivered)
	req.Len(report.Failures, 2)
	failed := map[ConnID]error{}
	for _, f := range report.Failures {
		failed[f.Conn] = f.Err
	}
	req.Contains(failed, brokenID)
	req.ErrorIs(failed[panickyID], ErrSendPanicked)
	req.NotContains(failed, healthyID)
	req.Len(healthy.eventsOf(t, protocol.EventMessage), 1)

	// The hub keeps serving after the failures
	dispatchJSON(t, h, healthyID, map[string]any{"action": "sendMessage", "room": DefaultRoom, "message": "still here"})
	req.Len(healthy.eventsOf(t, protocol.EventMessage), 2)
}

func TestHub_Broadcast_UnknownRoom(t *testing.T) {
	h := startHub(t)

	report := h.Broadcast("missing", protocol.MessageEvent("system", "missing", "ping"))

	require.Equal(t, DeliveryReport{Room: "missing"}, report)
}

func TestHub_PerRecipientOrdering(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	a, _ := connect(t, h)
	b, _ := connect(t, h)
	_, watcher := connect(t, h)
	watcher.reset()

	const perSender = 50
	var wg sync.WaitGroup
	for _, id := range []ConnID{a, b} {
		wg.Add(1)
		go func(id ConnID) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				dispatchJSON(t, h, id, map[string]any{
					"action": "sendMessage", "room": DefaultRoom, "message": fmt.Sprintf("%d", i),
				})
			}
		}(id)
	}
	wg.Wait()

	msgs := watcher.eventsOf(t, protocol.EventMessage)
	req.Len(msgs, 2*perSender)
	next := map[string]int{}
	for _, raw := range msgs {
		m := decodePayload[protocol.MessagePayload](t, raw)
		req.Equal(fmt.Sprintf("%d", next[m.From]), m.Message)
		next[m.From]++
	}
}

func TestHub_DefaultMembershipInvariant(t *testing.T) {
	req := require.New(t)
	h := startHub(t)
	ids := make([]ConnID, 3)
	for i := range ids {
		ids[i], _ = connect(t, h)
	}

	frames := []map[string]any{
		{"action": "createRoom", "room": "a"},
		{"action": "joinRoom", "room": "a"},
		{"action": "leaveRoom", "room": DefaultRoom},
		{"action": "createRoom", "room": "b"},
		{"action": "joinRoom", "room": "b"},
		{"action": "leaveRoom", "room": "a"},
		{"action": "deleteRoom", "room": "b"},
		{"action": "deleteRoom", "room": DefaultRoom},
		{"action": "deleteRoom", "room": "a"},
	}
	for _, frame := range frames {
		for _, id := range ids {
			dispatchJSON(t, h, id, frame)
			for _, check := range ids {
				req.Contains(h.RoomsOf(check), DefaultRoom)
			}
		}
	}
}

func TestHub_Shutdown_ClosesTransportsAndRefusesNewConnections(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	h := NewHub(logs.GetLoggerFromLevel(slog.LevelDebug))
	go h.Run()

	var id ConnID
	sender := mocks.NewMockSender(ctrl)
	sender.EXPECT().Send(gomock.Any()).Return(nil).AnyTimes()
	sender.EXPECT().Close().DoAndReturn(func() error {
		go h.Disconnect(id)
		return nil
	}).Times(1)

	var err error
	id, err = h.Connect(sender)
	req.NoError(err)
	_, recorder := connect(t, h)

	req.NoError(h.Shutdown(2 * time.Second))

	req.True(recorder.isClosed())
	_, err = h.Connect(newRecordingSender())
	req.ErrorIs(err, ErrHubClosed)
	req.Equal(map[string]int{}, h.Occupancy())
	// Calls after shutdown return immediately
	h.Dispatch(id, []byte(`{"action":"roomsList"}`))
	h.Disconnect(id)
}

func TestHub_Shutdown_DrainTimeout(t *testing.T) {
	h := NewHub(logs.GetLoggerFromLevel(slog.LevelDebug))
	go h.Run()

	// A transport whose reader never reports back
	_, err := h.Connect(newRecordingSender())
	require.NoError(t, err)

	require.ErrorIs(t, h.Shutdown(50*time.Millisecond), ErrDrainTimeout)
}

func TestHub_Shutdown_NoConnections(t *testing.T) {
	h := NewHub(logs.GetLoggerFromLevel(slog.LevelDebug))
	go h.Run()

	require.NoError(t, h.Shutdown(time.Second))
}

func TestHub_Shutdown_Concurrent(t *testing.T) {
	h := NewHub(logs.GetLoggerFromLevel(slog.LevelDebug))
	go h.Run()
	connect(t, h)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.Shutdown(2 * time.Second)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
}
