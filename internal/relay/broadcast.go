package relay

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/roomrelay/internal/protocol"
)

var (
	ErrUnknownConnection = errors.New("connection not registered")
	ErrSendPanicked      = errors.New("sender panicked")
)

// DeliveryFailure records one member that did not accept a frame.
type DeliveryFailure struct {
	Conn ConnID
	Err  error
}

// DeliveryReport summarises one fan-out. Failures never abort delivery to
// the remaining recipients and are never returned as an error.
type DeliveryReport struct {
	Room       string
	Recipients int
	Delivered  int
	Failures   []DeliveryFailure
}

// broadcastRoom delivers ev to the members of room as they are right now.
// An unknown room yields an empty report.
func (h *Hub) broadcastRoom(room string, ev protocol.Event) DeliveryReport {
	members, _ := h.directory.Members(room)
	report := h.deliver(members, ev)
	report.Room = room
	return report
}

// broadcastOccupancy sends the current room list to every connection.
func (h *Hub) broadcastOccupancy() DeliveryReport {
	h.metrics.SetRooms(h.directory.Len())
	return h.deliver(h.registry.IDs(), protocol.RoomsListEvent(h.directory.RoomOccupancy()))
}

func (h *Hub) sendTo(id ConnID, ev protocol.Event) {
	h.deliver([]ConnID{id}, ev)
}

// deliver encodes ev once and hands the frame to each target. The frame is
// shared by all targets.
func (h *Hub) deliver(targets []ConnID, ev protocol.Event) DeliveryReport {
	report := DeliveryReport{Recipients: len(targets)}
	if len(targets) == 0 {
		return report
	}

	payload, err := protocol.Encode(ev)
	if err != nil {
		h.log.Error("Error encoding event", "action", ev.Action, "error", err)
		for _, id := range targets {
			report.Failures = append(report.Failures, DeliveryFailure{Conn: id, Err: err})
		}
		return report
	}

	for _, id := range targets {
		if err := h.safeSend(id, payload); err != nil {
			report.Failures = append(report.Failures, DeliveryFailure{Conn: id, Err: err})
			h.log.Debug("Delivery failed", "conn", id, "action", ev.Action, "error", err)
			continue
		}
		report.Delivered++
	}

	if len(report.Failures) > 0 {
		h.metrics.DeliveryFailures(len(report.Failures))
	}
	return report
}

func (h *Hub) safeSend(id ConnID, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSendPanicked, r)
		}
	}()

	sender, ok := h.registry.Sender(id)
	if !ok {
		return ErrUnknownConnection
	}
	return sender.Send(payload)
}
