package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/markus-barta/rpafleet/internal/protocol"
	"github.com/rs/zerolog"
)

var (
	// ErrClientClosed is returned when writing to or reading from a client that
	// has been removed from the registry.
	ErrClientClosed = errors.New("hub: client closed")

	// ErrQueueFull is returned when a client's queue is at its depth cap.
	ErrQueueFull = errors.New("hub: client queue full")
)

// Message is one serialized frame waiting in a client's queue.
type Message struct {
	Event protocol.EventType
	Data  []byte
}

// Client is a live viewer session. It exists only in process memory.
type Client struct {
	ID          string
	AccountID   string // empty means no filter
	ConnectedAt time.Time

	mu       sync.Mutex
	queue    []Message
	maxDepth int // 0 = unbounded
	closed   bool
	ready    chan struct{}
	done     chan struct{}
}

func newClient(id, accountID string, maxDepth int) *Client {
	return &Client{
		ID:          id,
		AccountID:   accountID,
		ConnectedAt: time.Now(),
		maxDepth:    maxDepth,
		ready:       make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// enqueue appends m without blocking.
func (c *Client) enqueue(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	if c.maxDepth > 0 && len(c.queue) >= c.maxDepth {
		return ErrQueueFull
	}
	c.queue = append(c.queue, m)

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

func (c *Client) pop() (Message, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Message{}, false, ErrClientClosed
	}
	if len(c.queue) == 0 {
		return Message{}, false, nil
	}
	m := c.queue[0]
	c.queue[0] = Message{}
	c.queue = c.queue[1:]
	return m, true, nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.done)
}

// Done is closed once the client has been removed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of queued messages.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Next blocks until a queued message is available and returns it in FIFO
// order. If heartbeat is positive and nothing arrives within it, a heartbeat
// message is synthesized instead. The timer restarts on every call, so a
// heartbeat only ever follows a quiet interval.
func (c *Client) Next(ctx context.Context, heartbeat time.Duration) (Message, error) {
	var timeout <-chan time.Time
	if heartbeat > 0 {
		timer := time.NewTimer(heartbeat)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		m, ok, err := c.pop()
		if err != nil {
			return Message{}, err
		}
		if ok {
			return m, nil
		}

		select {
		case <-c.ready:
		case <-c.done:
			return Message{}, ErrClientClosed
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case now := <-timeout:
			return Message{Event: protocol.EventHeartbeat, Data: protocol.HeartbeatEvent(now)}, nil
		}
	}
}

// Registry tracks connected viewer sessions. All access to the client map goes
// through mu, including the iteration done by a fan-out.
type Registry struct {
	log        zerolog.Logger
	queueDepth int

	mu      sync.Mutex
	clients map[string]*Client
}

// NewRegistry creates an empty registry. queueDepth caps each client's queue;
// zero leaves queues unbounded.
func NewRegistry(log zerolog.Logger, queueDepth int) *Registry {
	return &Registry{
		log:        log.With().Str("component", "registry").Logger(),
		queueDepth: queueDepth,
		clients:    make(map[string]*Client),
	}
}

// Add registers a new session with an empty queue.
func (r *Registry) Add(clientID, accountID string) *Client {
	c := newClient(clientID, accountID, r.queueDepth)

	r.mu.Lock()
	if existing, ok := r.clients[clientID]; ok {
		existing.close()
	}
	r.clients[clientID] = c
	n := len(r.clients)
	r.mu.Unlock()

	r.log.Info().
		Str("client_id", clientID).
		Str("account_id", accountID).
		Int("clients", n).
		Msg("viewer connected")
	return c
}

// Remove deregisters a session and closes its queue. Removing an unknown id is
// a no-op. It reports whether a client was removed.
func (r *Registry) Remove(clientID string) bool {
	r.mu.Lock()
	c, ok := r.clients[clientID]
	if ok {
		delete(r.clients, clientID)
	}
	n := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return false
	}
	c.close()

	r.log.Info().
		Str("client_id", clientID).
		Int("clients", n).
		Msg("viewer disconnected")
	return true
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Get returns the client registered under id.
func (r *Registry) Get(clientID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	return c, ok
}

// fanOut enqueues m on every client accepted by match. Enqueueing never
// blocks, so holding mu for the whole pass keeps per-client order equal to
// fan-out order. Ids of clients that rejected the message are returned for
// removal by the caller.
func (r *Registry) fanOut(m Message, match func(*Client) bool) (delivered int, failed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, c := range r.clients {
		if match != nil && !match(c) {
			continue
		}
		if err := c.enqueue(m); err != nil {
			r.log.Warn().Err(err).Str("client_id", id).Msg("failed to queue event")
			failed = append(failed, id)
			continue
		}
		delivered++
	}
	return delivered, failed
}
