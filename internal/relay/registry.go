package relay

import (
	"strings"

	"github.com/samber/lo"
)

// UnknownUsername is returned for ids the registry does not know.
const UnknownUsername = "Unknown"

type connection struct {
	sender   Sender
	username string
}

// Registry owns the live connections and their display names.
// It is not safe for concurrent use; the Hub goroutine is its only caller.
type Registry struct {
	conns map[ConnID]*connection
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[ConnID]*connection)}
}

// Register adds a connection under a generated placeholder username.
func (r *Registry) Register(id ConnID, sender Sender) error {
	if _, exists := r.conns[id]; exists {
		return ErrDuplicateConnection
	}
	r.conns[id] = &connection{sender: sender, username: defaultUsername(id)}
	return nil
}

// SetUsername overwrites the display name. Blank names are ignored; the
// return value reports whether the name changed.
func (r *Registry) SetUsername(id ConnID, name string) bool {
	c, ok := r.conns[id]
	if !ok || strings.TrimSpace(name) == "" {
		return false
	}
	c.username = name
	return true
}

// Unregister forgets the connection. Unknown ids are ignored.
func (r *Registry) Unregister(id ConnID) {
	delete(r.conns, id)
}

// UsernameOf returns the display name of id, or UnknownUsername if id is not registered.
func (r *Registry) UsernameOf(id ConnID) string {
	if c, ok := r.conns[id]; ok {
		return c.username
	}
	return UnknownUsername
}

// Sender returns the transport registered for id.
func (r *Registry) Sender(id ConnID) (Sender, bool) {
	c, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return c.sender, true
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id ConnID) bool {
	_, ok := r.conns[id]
	return ok
}

// IDs lists every registered connection in no particular order.
func (r *Registry) IDs() []ConnID {
	return lo.Keys(r.conns)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

func defaultUsername(id ConnID) string {
	return "User_" + id.String()[:8]
}
