// Package livestatus pushes seat status changes to viewers of a showtime
// over websockets.  The channel is push-only: inbound frames are read to
// notice disconnects and then discarded.
package livestatus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/iliyamo/cinema-seat-saga/internal/logging"
	"github.com/iliyamo/cinema-seat-saga/internal/metrics"
	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

const defaultBuffer = 16

type client struct {
	showtimeID string
	send       chan []byte
	closeOnce  sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub tracks the open connections per showtime.  One Hub is created per
// process and shared by the websocket route and the seat services.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*client]struct{}
	buffer int
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*client]struct{}), buffer: defaultBuffer}
}

func (h *Hub) register(showtimeID string) *client {
	c := &client{showtimeID: showtimeID, send: make(chan []byte, h.buffer)}
	h.mu.Lock()
	room, ok := h.rooms[showtimeID]
	if !ok {
		room = make(map[*client]struct{})
		h.rooms[showtimeID] = room
	}
	room[c] = struct{}{}
	h.mu.Unlock()
	metrics.LiveViewers.Inc()
	return c
}

// unregister removes c and closes its send channel.  Safe to call twice.
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	room := h.rooms[c.showtimeID]
	_, present := room[c]
	if present {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, c.showtimeID)
		}
	}
	h.mu.Unlock()
	if present {
		metrics.LiveViewers.Dec()
	}
	c.close()
}

// Viewers returns the number of open connections for a showtime.
func (h *Hub) Viewers(showtimeID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[showtimeID])
}

// Broadcast sends change to every viewer of its showtime.  The payload is
// marshalled once.  Delivery never blocks: a viewer whose buffer is full is
// disconnected.
func (h *Hub) Broadcast(ctx context.Context, change model.SeatStatusChange) {
	msg, err := json.Marshal(change)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Error("livestatus: marshal failed, broadcast skipped")
		return
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.rooms[change.ShowtimeID] {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		logging.FromContext(ctx).WithField("showtime_id", change.ShowtimeID).Warn("livestatus: dropping slow viewer")
		h.unregister(c)
	}
}
