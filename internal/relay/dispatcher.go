package relay

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

// dispatch decodes one frame from id and applies it. Every failure is
// answered to id alone; nothing here can end another connection's session.
func (h *Hub) dispatch(id ConnID, raw []byte) {
	if !h.registry.Contains(id) {
		h.log.Debug("Dropping frame from unregistered connection", "conn", id)
		return
	}

	action, err := h.decoder.Decode(raw)
	if err != nil {
		var perr *protocol.Error
		if !errors.As(err, &perr) {
			perr = &protocol.Error{Reason: protocol.ReasonInvalidJSON, Detail: err.Error()}
		}
		h.log.Warn("Invalid frame", "conn", id, "reason", perr.Reason, "error", perr.Detail)
		h.reject(id, perr.Reason, perr.Detail)
		return
	}

	switch a := action.(type) {
	case protocol.Identify:
		h.setUsername(id, a.Username)
	case protocol.Rename:
		h.setUsername(id, a.NewUsername)
	case protocol.RoomsList:
		h.sendTo(id, protocol.RoomsListEvent(h.directory.RoomOccupancy()))
	case protocol.CreateRoom:
		h.createRoom(id, a.Room)
	case protocol.JoinRoom:
		h.joinRoom(id, a.Room)
	case protocol.LeaveRoom:
		h.leaveRoom(id, a.Room)
	case protocol.DeleteRoom:
		h.deleteRoom(id, a.Room)
	case protocol.SendMessage:
		h.sendMessage(id, a.Room, a.Message)
	case protocol.Unrecognized:
		h.log.Warn("Not an action", "conn", id, "action", a.Action)
		h.metrics.Action("unrecognized")
		return
	default:
		h.log.Error("Unhandled action type", "conn", id, "type", fmt.Sprintf("%T", action))
		return
	}
	h.metrics.Action(action.Name())
}

func (h *Hub) setUsername(id ConnID, name string) {
	previous := h.registry.UsernameOf(id)
	if h.registry.SetUsername(id, name) {
		h.log.Info("Username set", "conn", id, "from", previous, "to", name)
	}
}

func (h *Hub) createRoom(id ConnID, room string) {
	if outcome := h.directory.CreateRoom(room); !outcome.OK() {
		h.rejectOutcome(id, outcome, room)
		return
	}
	h.log.Info("Created room", "room", room, "by", id)
	h.broadcastOccupancy()
}

func (h *Hub) joinRoom(id ConnID, room string) {
	if outcome := h.directory.JoinRoom(id, room); !outcome.OK() {
		h.rejectOutcome(id, outcome, room)
		return
	}
	h.log.Debug("Joined room", "conn", id, "room", room)
	h.sendTo(id, protocol.JoinedEvent(room))
	h.broadcastOccupancy()
}

func (h *Hub) leaveRoom(id ConnID, room string) {
	if outcome := h.directory.LeaveRoom(id, room); !outcome.OK() {
		h.rejectOutcome(id, outcome, room)
		return
	}
	h.log.Debug("Left room", "conn", id, "room", room)
	h.sendTo(id, protocol.LeftEvent(room))
	h.broadcastOccupancy()
}

func (h *Hub) deleteRoom(id ConnID, room string) {
	outcome, migrated := h.directory.DeleteRoom(room)
	if !outcome.OK() {
		h.rejectOutcome(id, outcome, room)
		return
	}
	h.log.Info("Room deleted", "room", room, "by", id, "migrated", len(migrated))
	h.deliver(migrated, protocol.LeftEvent(room))
	h.broadcastOccupancy()
}

func (h *Hub) sendMessage(id ConnID, room, message string) {
	if !h.directory.Exists(room) {
		h.rejectOutcome(id, RoomNotFound, room)
		return
	}
	report := h.broadcastRoom(room, protocol.MessageEvent(h.registry.UsernameOf(id), room, message))
	h.metrics.MessagesRelayed(report.Delivered)
	h.log.Debug("Broadcasting message",
		"conn", id, "room", room, "recipients", report.Recipients, "failed", len(report.Failures))
}

func (h *Hub) rejectOutcome(id ConnID, outcome Outcome, room string) {
	reason := outcome.Reason()
	h.log.Debug("Action rejected", "conn", id, "room", room, "reason", reason)
	h.reject(id, reason, outcomeDetail(outcome, room))
}

func (h *Hub) reject(id ConnID, reason, detail string) {
	h.metrics.ProtocolError(reason)
	h.sendTo(id, protocol.ErrorEvent(reason, detail))
}

// outcomeDetail is the human-readable message accompanying a failed outcome.
func outcomeDetail(outcome Outcome, room string) string {
	switch outcome {
	case AlreadyExists:
		return fmt.Sprintf("Room '%s' already exists.", room)
	case RoomNotFound:
		return fmt.Sprintf("Room '%s' does not exist.", room)
	case NotAMember:
		return fmt.Sprintf("Not a member of room '%s'.", room)
	case CannotLeaveDefault:
		return "Cannot leave the default room."
	case CannotDeleteDefault:
		return "Cannot delete the default room."
	default:
		return outcome.String()
	}
}
