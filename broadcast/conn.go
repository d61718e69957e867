package broadcast

import (
	"errors"
	"sync"

	"prism-board/domain"
)

var (
	// ErrNotAuthenticated is returned when a connection joins a room before authenticating.
	ErrNotAuthenticated = errors.New("connection not authenticated")
	// ErrDisconnected is returned for operations on a closed connection.
	ErrDisconnected = errors.New("connection closed")
)

// State is the lifecycle stage of a subscriber connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "disconnected"
	}
}

// Authenticator resolves a bearer credential to a user id.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Conn is one subscriber. Events are buffered; a full buffer gets the
// connection evicted by the hub.
type Conn struct {
	ID string

	mu     sync.Mutex
	state  State
	userID string
	rooms  map[domain.Room]struct{}

	send chan domain.ChangeEvent
	done chan struct{}
	once sync.Once
}

// NewConn returns a connection in the Connecting state.
func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		ID:    id,
		rooms: make(map[domain.Room]struct{}),
		send:  make(chan domain.ChangeEvent, buffer),
		done:  make(chan struct{}),
	}
}

// Authenticate moves the connection to Authenticated. A rejected credential
// disconnects it instead.
func (c *Conn) Authenticate(auth Authenticator, header string) (string, error) {
	c.mu.Lock()
	if c.state != StateConnecting {
		st := c.state
		c.mu.Unlock()
		if st == StateAuthenticated {
			return c.UserID(), nil
		}
		return "", ErrDisconnected
	}
	c.mu.Unlock()

	userID, err := auth.UserIDFromAuthHeader(header)
	if err != nil || userID == "" {
		c.Close()
		if err == nil {
			err = ErrNotAuthenticated
		}
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnecting {
		return "", ErrDisconnected
	}
	c.state = StateAuthenticated
	c.userID = userID
	return userID, nil
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Rooms returns the rooms the connection is joined to.
func (c *Conn) Rooms() []domain.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Room, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Conn) join(room domain.Room) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateConnecting:
		return ErrNotAuthenticated
	case StateDisconnected:
		return ErrDisconnected
	}
	c.rooms[room] = struct{}{}
	return nil
}

func (c *Conn) leave(room domain.Room) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// offer queues ev without blocking. It reports false when the buffer is full
// or the connection is closed.
func (c *Conn) offer(ev domain.ChangeEvent) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- ev:
		return true
	default:
		return false
	}
}

// Events delivers the queued events in publish order.
func (c *Conn) Events() <-chan domain.ChangeEvent { return c.send }

// Done is closed once the connection is disconnected.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close disconnects the connection. It is safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		c.rooms = make(map[domain.Room]struct{})
		c.mu.Unlock()
		close(c.done)
	})
}
