// Package hub distributes state-change events to connected live viewers.
package hub

import (
	"time"

	"github.com/google/uuid"
	"github.com/markus-barta/rpafleet/internal/protocol"
	"github.com/rs/zerolog"
)

// DefaultHeartbeat is the idle interval after which a viewer stream emits a
// locally synthesized heartbeat.
const DefaultHeartbeat = 30 * time.Second

// Options configures a Hub.
type Options struct {
	Heartbeat  time.Duration
	QueueDepth int // per-client cap, 0 = unbounded
}

// Hub is the event bus. It owns the client registry and fans events out to it.
type Hub struct {
	log       zerolog.Logger
	registry  *Registry
	heartbeat time.Duration
}

// New creates a Hub.
func New(log zerolog.Logger, opts Options) *Hub {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Hub{
		log:       log.With().Str("component", "hub").Logger(),
		registry:  NewRegistry(log, opts.QueueDepth),
		heartbeat: opts.Heartbeat,
	}
}

// Registry returns the client registry.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Heartbeat returns the idle interval used by viewer streams.
func (h *Hub) Heartbeat() time.Duration {
	return h.heartbeat
}

// Subscribe registers a new viewer session under a fresh id.
func (h *Hub) Subscribe(accountID string) *Client {
	return h.registry.Add(uuid.NewString(), accountID)
}

// Unsubscribe removes a viewer session.
func (h *Hub) Unsubscribe(clientID string) {
	h.registry.Remove(clientID)
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	return h.registry.Count()
}

// Broadcast delivers evt to every connected viewer, including those with an
// account filter. Clients that cannot accept the event are removed. It returns
// the number of clients the event was queued on.
func (h *Hub) Broadcast(evt protocol.Event) int {
	return h.publish(evt, nil)
}

// SendToAccount delivers evt only to viewers whose filter equals accountID.
func (h *Hub) SendToAccount(accountID string, evt protocol.Event) int {
	return h.publish(evt, func(c *Client) bool {
		return c.AccountID == accountID
	})
}

func (h *Hub) publish(evt protocol.Event, match func(*Client) bool) int {
	data, err := evt.Marshal()
	if err != nil {
		h.log.Error().Err(err).Str("type", string(evt.Type)).Msg("failed to marshal event")
		return 0
	}

	delivered, failed := h.registry.fanOut(Message{Event: evt.Type, Data: data}, match)
	for _, id := range failed {
		h.registry.Remove(id)
	}

	h.log.Debug().
		Str("type", string(evt.Type)).
		Int("delivered", delivered).
		Int("dropped", len(failed)).
		Msg("event published")
	return delivered
}
