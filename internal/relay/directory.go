package relay

import (
	"slices"

	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/samber/lo"
)

// DefaultRoom always exists and holds every registered connection.
const DefaultRoom = "default"

// Outcome is the result of a directory operation.
type Outcome int

const (
	Created Outcome = iota
	AlreadyExists
	Joined
	Left
	Deleted
	RoomNotFound
	NotAMember
	CannotLeaveDefault
	CannotDeleteDefault
)

// OK reports whether the operation changed or confirmed state as requested.
func (o Outcome) OK() bool {
	switch o {
	case Created, Joined, Left, Deleted:
		return true
	default:
		return false
	}
}

// Reason returns the error reason sent to the client for a failed outcome,
// or "" when the operation succeeded.
func (o Outcome) Reason() string {
	switch o {
	case AlreadyExists:
		return protocol.ReasonRoomExists
	case RoomNotFound:
		return protocol.ReasonRoomNotFound
	case NotAMember:
		return protocol.ReasonNotAMember
	case CannotLeaveDefault:
		return protocol.ReasonCannotLeaveDefault
	case CannotDeleteDefault:
		return protocol.ReasonCannotDeleteDefault
	default:
		return ""
	}
}

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case AlreadyExists:
		return "already_exists"
	case Joined:
		return "joined"
	case Left:
		return "left"
	case Deleted:
		return "deleted"
	case RoomNotFound:
		return "room_not_found"
	case NotAMember:
		return "not_a_member"
	case CannotLeaveDefault:
		return "cannot_leave_default"
	case CannotDeleteDefault:
		return "cannot_delete_default"
	default:
		return "unknown"
	}
}

type memberSet map[ConnID]struct{}

type roomSet map[string]struct{}

// Directory owns the rooms and the two-way membership index: room -> members
// and connection -> rooms. Every mutation updates both sides.
// It is not safe for concurrent use; the Hub goroutine is its only caller.
type Directory struct {
	rooms       map[string]memberSet
	memberships map[ConnID]roomSet
}

// NewDirectory returns a directory that already contains the default room.
func NewDirectory() *Directory {
	d := &Directory{
		rooms:       make(map[string]memberSet),
		memberships: make(map[ConnID]roomSet),
	}
	d.EnsureDefaultRoom()
	return d
}

// EnsureDefaultRoom recreates the default room if it is missing.
func (d *Directory) EnsureDefaultRoom() {
	if _, ok := d.rooms[DefaultRoom]; !ok {
		d.rooms[DefaultRoom] = make(memberSet)
	}
}

// CreateRoom adds an empty room. Names are used verbatim.
func (d *Directory) CreateRoom(name string) Outcome {
	if _, ok := d.rooms[name]; ok {
		return AlreadyExists
	}
	d.rooms[name] = make(memberSet)
	return Created
}

// JoinRoom adds id to the room. Joining twice is a no-op and other
// memberships are kept.
func (d *Directory) JoinRoom(id ConnID, name string) Outcome {
	members, ok := d.rooms[name]
	if !ok {
		return RoomNotFound
	}
	members[id] = struct{}{}
	d.roomsFor(id)[name] = struct{}{}
	return Joined
}

// LeaveRoom removes id from the room. The default room cannot be left.
func (d *Directory) LeaveRoom(id ConnID, name string) Outcome {
	if name == DefaultRoom {
		return CannotLeaveDefault
	}
	members, ok := d.rooms[name]
	if !ok {
		return RoomNotFound
	}
	if _, member := members[id]; !member {
		return NotAMember
	}
	delete(members, id)
	delete(d.memberships[id], name)
	return Left
}

// DeleteRoom removes a room after moving each of its members into the default
// room. The migrated members are returned sorted so callers can notify them.
func (d *Directory) DeleteRoom(name string) (Outcome, []ConnID) {
	if name == DefaultRoom {
		return CannotDeleteDefault, nil
	}
	members, ok := d.rooms[name]
	if !ok {
		return RoomNotFound, nil
	}

	migrated := sortedIDs(members)
	for _, id := range migrated {
		rooms := d.roomsFor(id)
		delete(rooms, name)
		rooms[DefaultRoom] = struct{}{}
		d.rooms[DefaultRoom][id] = struct{}{}
	}
	delete(d.rooms, name)
	return Deleted, migrated
}

// RemoveConnectionEverywhere drops id from every room it belongs to and
// returns the names of those rooms, sorted.
func (d *Directory) RemoveConnectionEverywhere(id ConnID) []string {
	var affected []string
	for name, members := range d.rooms {
		if _, ok := members[id]; ok {
			delete(members, id)
			affected = append(affected, name)
		}
	}
	delete(d.memberships, id)
	slices.Sort(affected)
	return affected
}

// RoomOccupancy counts members per room at the time of the call.
func (d *Directory) RoomOccupancy() map[string]int {
	return lo.MapValues(d.rooms, func(members memberSet, _ string) int {
		return len(members)
	})
}

// Members returns the room's member ids, sorted, and whether the room exists.
func (d *Directory) Members(name string) ([]ConnID, bool) {
	members, ok := d.rooms[name]
	if !ok {
		return nil, false
	}
	return sortedIDs(members), true
}

// RoomsOf returns the rooms id belongs to, sorted.
func (d *Directory) RoomsOf(id ConnID) []string {
	rooms := lo.Keys(d.memberships[id])
	slices.Sort(rooms)
	return rooms
}

// Exists reports whether the room is present.
func (d *Directory) Exists(name string) bool {
	_, ok := d.rooms[name]
	return ok
}

// Len returns the number of rooms, the default room included.
func (d *Directory) Len() int {
	return len(d.rooms)
}

func (d *Directory) roomsFor(id ConnID) roomSet {
	rooms, ok := d.memberships[id]
	if !ok {
		rooms = make(roomSet)
		d.memberships[id] = rooms
	}
	return rooms
}

func sortedIDs(members memberSet) []ConnID {
	ids := lo.Keys(members)
	slices.SortFunc(ids, func(a, b ConnID) int {
		return slices.Compare(a[:], b[:])
	})
	return ids
}
