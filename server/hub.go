package server

import (
	"net"
	"sync"
	"time"

	"securemsg/protocol"
	"securemsg/session"
)

// client is one TCP connection. It may be bound to a session after a
// successful login; outbound frames are serialized by wmu so concurrent
// pushes (relays, presence) never interleave on the wire.
type client struct {
	conn         net.Conn
	writeTimeout time.Duration

	wmu sync.Mutex

	mu       sync.Mutex
	token    string
	userID   int64
	username string
}

func newClient(conn net.Conn, writeTimeout time.Duration) *client {
	return &client{conn: conn, writeTimeout: writeTimeout}
}

// send encodes and writes one frame under the write deadline.
func (c *client) send(frame any) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_, err = c.conn.Write(data)
	return err
}

func (c *client) bind(s *session.Session) {
	c.mu.Lock()
	c.token = s.Token
	c.userID = s.UserID
	c.username = s.Username
	c.mu.Unlock()
}

func (c *client) unbind() {
	c.mu.Lock()
	c.token = ""
	c.userID = 0
	c.username = ""
	c.mu.Unlock()
}

// identity returns the bound session identity, or an empty token when the
// connection has not logged in.
func (c *client) identity() (token string, userID int64, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.userID, c.username
}

// Hub maps each user to at most one live connection. A second login for
// the same user replaces the prior connection, which is closed.
type Hub struct {
	mu     sync.RWMutex
	byUser map[int64]*client
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{byUser: make(map[int64]*client)}
}

// Attach registers c as the user's connection and returns the displaced
// one, if any. The caller closes the displaced connection.
func (h *Hub) Attach(userID int64, c *client) (displaced *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.byUser[userID]
	h.byUser[userID] = c
	if old == c {
		return nil
	}
	return old
}

// Detach removes c if it is still the user's current connection. A stale
// detach (after a supersede) is a no-op.
func (h *Hub) Detach(userID int64, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[userID] == c {
		delete(h.byUser, userID)
	}
}

// Get returns the user's live connection.
func (h *Hub) Get(userID int64) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byUser[userID]
	return c, ok
}

// Count returns the number of attached connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser)
}

// Usernames returns the usernames of every attached connection.
func (h *Hub) Usernames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.byUser))
	for _, c := range h.byUser {
		_, _, name := c.identity()
		names = append(names, name)
	}
	return names
}

// Each calls fn for every attached connection.
func (h *Hub) Each(fn func(*client)) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.byUser))
	for _, c := range h.byUser {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		fn(c)
	}
}
