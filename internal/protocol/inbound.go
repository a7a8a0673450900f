// Package protocol defines the JSON envelopes exchanged with chat clients:
// the closed set of inbound actions, decoded once at the connection boundary,
// and the outbound events the relay emits.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Inbound action names.
const (
	ActionIdentify    = "identify"
	ActionRename      = "rename"
	ActionRoomsList   = "roomsList"
	ActionCreateRoom  = "createRoom"
	ActionJoinRoom    = "joinRoom"
	ActionLeaveRoom   = "leaveRoom"
	ActionDeleteRoom  = "deleteRoom"
	ActionSendMessage = "sendMessage"
)

// Action is one decoded inbound request. The set of implementations is closed.
type Action interface {
	Name() string
	isAction()
}

// Identify sets the connection's display name.
type Identify struct {
	Username string
}

// Rename overwrites the connection's display name.
type Rename struct {
	NewUsername string
}

// RoomsList asks for an occupancy snapshot.
type RoomsList struct{}

// CreateRoom creates an empty room.
type CreateRoom struct {
	Room string `validate:"required"`
}

// JoinRoom adds the connection to a room.
type JoinRoom struct {
	Room string `validate:"required"`
}

// LeaveRoom removes the connection from a room.
type LeaveRoom struct {
	Room string `validate:"required"`
}

// DeleteRoom removes a room, moving its members to the default room.
type DeleteRoom struct {
	Room string `validate:"required"`
}

// SendMessage relays text to every member of a room.
type SendMessage struct {
	Room    string `validate:"required"`
	Message string `validate:"required"`
}

// Unrecognized carries any action name the relay does not handle.
type Unrecognized struct {
	Action string
}

func (Identify) Name() string       { return ActionIdentify }
func (Rename) Name() string         { return ActionRename }
func (RoomsList) Name() string      { return ActionRoomsList }
func (CreateRoom) Name() string     { return ActionCreateRoom }
func (JoinRoom) Name() string       { return ActionJoinRoom }
func (LeaveRoom) Name() string      { return ActionLeaveRoom }
func (DeleteRoom) Name() string     { return ActionDeleteRoom }
func (SendMessage) Name() string    { return ActionSendMessage }
func (u Unrecognized) Name() string { return u.Action }

func (Identify) isAction()     {}
func (Rename) isAction()       {}
func (RoomsList) isAction()    {}
func (CreateRoom) isAction()   {}
func (JoinRoom) isAction()     {}
func (LeaveRoom) isAction()    {}
func (DeleteRoom) isAction()   {}
func (SendMessage) isAction()  {}
func (Unrecognized) isAction() {}

// fields lists every parameter an inbound action may carry. Clients put them
// either at the top level or nested under "payload".
type fields struct {
	Username    string `json:"username"`
	NewUsername string `json:"newUsername"`
	Room        string `json:"room"`
	Message     string `json:"message"`
}

type wireInbound struct {
	Action string `json:"action"`
	fields
	Payload *fields `json:"payload"`
}

// merged returns the top-level fields, falling back to the payload ones.
func (w wireInbound) merged() fields {
	f := w.fields
	if w.Payload == nil {
		return f
	}
	if f.Username == "" {
		f.Username = w.Payload.Username
	}
	if f.NewUsername == "" {
		f.NewUsername = w.Payload.NewUsername
	}
	if f.Room == "" {
		f.Room = w.Payload.Room
	}
	if f.Message == "" {
		f.Message = w.Payload.Message
	}
	return f
}

// Decoder turns raw client frames into Actions.
type Decoder struct {
	validate *validator.Validate
}

// NewDecoder returns a Decoder ready for concurrent use.
func NewDecoder() *Decoder {
	return &Decoder{validate: validator.New()}
}

// Decode parses one frame. A non-nil error is always a *Error carrying the
// reason code to report back to the client.
func (d *Decoder) Decode(raw []byte) (Action, error) {
	var w wireInbound
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &Error{Reason: ReasonInvalidJSON, Detail: err.Error()}
	}

	f := w.merged()
	var action Action
	switch w.Action {
	case ActionIdentify:
		action = Identify{Username: f.Username}
	case ActionRename:
		action = Rename{NewUsername: f.NewUsername}
	case ActionRoomsList:
		action = RoomsList{}
	case ActionCreateRoom:
		action = CreateRoom{Room: f.Room}
	case ActionJoinRoom:
		action = JoinRoom{Room: f.Room}
	case ActionLeaveRoom:
		action = LeaveRoom{Room: f.Room}
	case ActionDeleteRoom:
		action = DeleteRoom{Room: f.Room}
	case ActionSendMessage:
		action = SendMessage{Room: f.Room, Message: f.Message}
	default:
		return Unrecognized{Action: w.Action}, nil
	}

	if err := d.validate.Struct(action); err != nil {
		return nil, fieldError(action, err)
	}
	return action, nil
}

// fieldError maps the first failing field to its reason code.
func fieldError(action Action, err error) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &Error{Reason: ReasonInvalidJSON, Detail: err.Error()}
	}
	switch verrs[0].Field() {
	case "Room":
		return &Error{Reason: ReasonNoRoomSpecified, Detail: fmt.Sprintf("%s requires a room.", action.Name())}
	case "Message":
		return &Error{Reason: ReasonEmptyMessage, Detail: "Message must not be empty."}
	default:
		return &Error{Reason: ReasonMissingField, Detail: fmt.Sprintf("%s is missing %s.", action.Name(), verrs[0].Field())}
	}
}
