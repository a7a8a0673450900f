package protocol

import "encoding/json"

// Outbound event names.
const (
	EventRoomsList = "roomsList"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventMessage   = "message"
	EventError     = "error"
)

// Machine-readable reasons carried by error events.
const (
	ReasonInvalidJSON         = "invalid_json"
	ReasonMissingField        = "missing_field"
	ReasonNoRoomSpecified     = "no_room_specified"
	ReasonEmptyMessage        = "empty_message"
	ReasonRoomNotFound        = "room_not_found"
	ReasonRoomExists          = "room_exists"
	ReasonNotAMember          = "not_a_member"
	ReasonCannotLeaveDefault  = "cannot_leave_default"
	ReasonCannotDeleteDefault = "cannot_delete_default"
	ReasonRateLimited         = "rate_limited"
)

// Event is the single outbound envelope shape: every kind nests its data
// under "payload".
type Event struct {
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

// RoomsPayload is the payload of a roomsList event.
type RoomsPayload struct {
	Rooms map[string]int `json:"rooms"`
}

// RoomPayload is the payload of joined and left events.
type RoomPayload struct {
	Room string `json:"room"`
}

// MessagePayload is the payload of a relayed chat message.
type MessagePayload struct {
	From    string `json:"from"`
	Room    string `json:"room"`
	Message string `json:"message"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// Error is a protocol or domain failure reported back to one client.
type Error struct {
	Reason string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

// RoomsListEvent builds an occupancy snapshot event.
func RoomsListEvent(rooms map[string]int) Event {
	if rooms == nil {
		rooms = map[string]int{}
	}
	return Event{Action: EventRoomsList, Payload: RoomsPayload{Rooms: rooms}}
}

// JoinedEvent confirms a joinRoom to the requester.
func JoinedEvent(room string) Event {
	return Event{Action: EventJoined, Payload: RoomPayload{Room: room}}
}

// LeftEvent tells a member it is no longer in room.
func LeftEvent(room string) Event {
	return Event{Action: EventLeft, Payload: RoomPayload{Room: room}}
}

// MessageEvent builds the event delivered to room members for sendMessage.
func MessageEvent(from, room, message string) Event {
	return Event{Action: EventMessage, Payload: MessagePayload{From: from, Room: room, Message: message}}
}

// ErrorEvent reports a rejected request to its sender.
func ErrorEvent(reason, detail string) Event {
	return Event{Action: EventError, Payload: ErrorPayload{Reason: reason, Detail: detail}}
}

// Encode serializes an event for the wire.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
