package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/roomrelay/internal/metrics"
	"github.com/Tyrowin/roomrelay/internal/protocol"
	"github.com/google/uuid"
)

const defaultDrainTimeout = 10 * time.Second

var ErrDrainTimeout = errors.New("connections still open after drain timeout")

type registration struct {
	sender Sender
	reply  chan registerResult
}

type registerResult struct {
	id  ConnID
	err error
}

type unregistration struct {
	id   ConnID
	done chan struct{}
}

type inboundFrame struct {
	id   ConnID
	raw  []byte
	done chan struct{}
}

type query struct {
	fn   func()
	done chan struct{}
}

// Hub owns the connection registry and the room directory. A single goroutine
// (Run) applies every registration, action and broadcast in the order it
// receives them, so membership never changes in the middle of a fan-out and
// each recipient sees broadcasts to a room in processing order.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	decoder *protocol.Decoder

	registry  *Registry
	directory *Directory

	register   chan registration
	unregister chan unregistration
	inbound    chan inboundFrame
	queries    chan query

	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	shutdownOnce sync.Once
	drainTimeout time.Duration
	drainErr     error
}

// Option customises a Hub.
type Option func(*Hub)

// WithMetrics records hub activity on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a Hub with an empty registry and a directory holding only the
// default room. Call Run to start processing.
func NewHub(log *slog.Logger, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		log:          log,
		decoder:      protocol.NewDecoder(),
		registry:     NewRegistry(),
		directory:    NewDirectory(),
		register:     make(chan registration),
		unregister:   make(chan unregistration),
		inbound:      make(chan inboundFrame),
		queries:      make(chan query),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		drainTimeout: defaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics.SetRooms(h.directory.Len())
	return h
}

// Run is the hub's event loop. It returns once Shutdown has been called and
// every connection has been cleaned up or the drain timeout expired.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.drain()
			return

		case r := <-h.register:
			id, err := h.handleRegister(r.sender)
			r.reply <- registerResult{id: id, err: err}

		case u := <-h.unregister:
			h.handleUnregister(u.id, true)
			close(u.done)

		case f := <-h.inbound:
			h.dispatch(f.id, f.raw)
			close(f.done)

		case q := <-h.queries:
			q.fn()
			close(q.done)
		}
	}
}

// Connect registers a transport, joins it to the default room and returns the
// id it will be known by.
func (h *Hub) Connect(sender Sender) (ConnID, error) {
	reply := make(chan registerResult, 1)
	if !submit(h, h.register, registration{sender: sender, reply: reply}) {
		return uuid.Nil, ErrHubClosed
	}
	res := <-reply
	return res.id, res.err
}

// Disconnect removes the connection from every room and the registry, then
// tells the remaining connections about the new occupancy. Safe to call more
// than once.
func (h *Hub) Disconnect(id ConnID) {
	done := make(chan struct{})
	if submit(h, h.unregister, unregistration{id: id, done: done}) {
		<-done
	}
}

// Dispatch handles one raw frame received from id and returns once every
// resulting event has been handed to the transports.
func (h *Hub) Dispatch(id ConnID, raw []byte) {
	done := make(chan struct{})
	if submit(h, h.inbound, inboundFrame{id: id, raw: raw, done: done}) {
		<-done
	}
}

// Occupancy returns a snapshot of member counts per room.
func (h *Hub) Occupancy() map[string]int {
	var occupancy map[string]int
	if !h.exec(func() { occupancy = h.directory.RoomOccupancy() }) {
		return map[string]int{}
	}
	return occupancy
}

// Broadcast delivers ev to every current member of room.
func (h *Hub) Broadcast(room string, ev protocol.Event) DeliveryReport {
	report := DeliveryReport{Room: room}
	h.exec(func() { report = h.broadcastRoom(room, ev) })
	return report
}

// RoomsOf lists the rooms id currently belongs to.
func (h *Hub) RoomsOf(id ConnID) []string {
	var rooms []string
	h.exec(func() { rooms = h.directory.RoomsOf(id) })
	return rooms
}

// Username returns the display name of id, or UnknownUsername.
func (h *Hub) Username(id ConnID) string {
	name := UnknownUsername
	h.exec(func() { name = h.registry.UsernameOf(id) })
	return name
}

// ConnectionCount returns the number of registered connections.
func (h *Hub) ConnectionCount() int {
	var n int
	h.exec(func() { n = h.registry.Len() })
	return n
}

// Shutdown stops accepting connections, closes every transport and waits for
// their cleanup. It returns context.DeadlineExceeded if the hub loop does not
// finish within timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.shutdownOnce.Do(func() {
		h.drainTimeout = timeout
		h.cancel()
	})

	select {
	case <-h.done:
		if h.drainErr != nil {
			return h.drainErr
		}
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout + time.Second):
		h.log.Warn("Hub shutdown timeout reached, some connections may still be open")
		return context.DeadlineExceeded
	}
}

// drain closes every transport and keeps cleaning up until the registry is
// empty. New registrations are refused and inbound frames are dropped.
func (h *Hub) drain() {
	ids := h.registry.IDs()
	h.log.Info("Shutting down all client connections...", "count", len(ids))
	for _, id := range ids {
		if sender, ok := h.registry.Sender(id); ok {
			if err := sender.Close(); err != nil {
				h.log.Debug("Error closing connection", "conn", id, "error", err)
			}
		}
	}

	deadline := time.NewTimer(h.drainTimeout)
	defer deadline.Stop()

	for h.registry.Len() > 0 {
		select {
		case <-deadline.C:
			h.drainErr = ErrDrainTimeout
			h.log.Warn("Drain timeout reached", "remaining", h.registry.Len())
			return
		case r := <-h.register:
			_ = r.sender.Close()
			r.reply <- registerResult{id: uuid.Nil, err: ErrHubClosed}
		case u := <-h.unregister:
			h.handleUnregister(u.id, false)
			close(u.done)
		case f := <-h.inbound:
			close(f.done)
		case q := <-h.queries:
			q.fn()
			close(q.done)
		}
	}
	h.log.Info("Closed all client connections", "count", len(ids))
}

func (h *Hub) handleRegister(sender Sender) (ConnID, error) {
	if sender == nil {
		h.log.Warn("Received nil sender registration; skipping")
		return uuid.Nil, ErrNilSender
	}

	id := uuid.New()
	if err := h.registry.Register(id, sender); err != nil {
		return uuid.Nil, err
	}
	h.directory.JoinRoom(id, DefaultRoom)
	h.metrics.SetConnections(h.registry.Len())
	h.log.Info("Connection registered",
		"conn", id, "username", h.registry.UsernameOf(id), "total", h.registry.Len())

	h.broadcastOccupancy()
	return id, nil
}

func (h *Hub) handleUnregister(id ConnID, notify bool) {
	if !h.registry.Contains(id) {
		return
	}

	affected := h.directory.RemoveConnectionEverywhere(id)
	username := h.registry.UsernameOf(id)
	h.registry.Unregister(id)
	h.metrics.SetConnections(h.registry.Len())
	h.log.Info("Connection unregistered",
		"conn", id, "username", username, "rooms", affected, "total", h.registry.Len())

	if notify && len(affected) > 0 {
		h.broadcastOccupancy()
	}
}

// exec runs fn on the hub goroutine and waits for it. It reports false when
// the hub has stopped.
func (h *Hub) exec(fn func()) bool {
	done := make(chan struct{})
	if !submit(h, h.queries, query{fn: fn, done: done}) {
		return false
	}
	<-done
	return true
}

func submit[T any](h *Hub, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-h.done:
		return false
	}
}
