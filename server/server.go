// Package server runs the TCP frontend: the accept loop, one reader
// goroutine per connection, the tag dispatch table and the connection
// hub. The session registry is the authority on who is logged in; the
// hub only tracks which wire a live user is reachable on.
package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securemsg/auth"
	"securemsg/config"
	"securemsg/directory"
	"securemsg/history"
	"securemsg/protocol"
	"securemsg/session"
	"securemsg/store"
)

// maxFrameBytes bounds a single inbound frame line.
const maxFrameBytes = 1 << 20

type handlerFunc func(c *client, raw json.RawMessage)

// Server accepts connections and routes frames to handlers.
type Server struct {
	cfg      *config.Config
	auth     *auth.Service
	dir      *directory.Service
	hist     *history.Store
	store    *store.Coordinator
	sessions *session.Registry
	hub      *Hub
	log      *logrus.Entry

	handlers map[int]handlerFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// New wires a server and subscribes it to presence transitions.
func New(cfg *config.Config, st *store.Coordinator, sessions *session.Registry,
	authSvc *auth.Service, dirSvc *directory.Service, hist *history.Store,
	log *logrus.Logger) *Server {

	s := &Server{
		cfg:      cfg,
		auth:     authSvc,
		dir:      dirSvc,
		hist:     hist,
		store:    st,
		sessions: sessions,
		hub:      NewHub(),
		log:      log.WithField("component", "server"),
	}

	s.handlers = map[int]handlerFunc{
		protocol.TagRegister:      s.handleRegister,
		protocol.TagLogin:         s.handleLogin,
		protocol.TagLogout:        s.handleLogout,
		protocol.TagGetDirectory:  s.handleGetDirectory,
		protocol.TagGetHistory:    s.handleGetHistory,
		protocol.TagGetPublicKey:  s.handleGetPublicKey,
		protocol.TagAlive:         s.handleAlive,
		protocol.TagAddContact:    s.handleAddContact,
		protocol.TagRemoveContact: s.handleRemoveContact,
		protocol.TagMessage:       s.handleMessage,
	}

	sessions.Subscribe(s.pushPresence)
	return s
}

// Start listens and serves until Shutdown closes the listener.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.cfg.Port))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()

	s.log.WithField("port", s.cfg.Port).Info("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		go s.handleConnection(conn)
	}
}

// Serve runs the read loop for one already-accepted connection. Exposed
// for tests driving the server over net.Pipe.
func (s *Server) Serve(conn net.Conn) {
	s.handleConnection(conn)
}

func (s *Server) handleConnection(conn net.Conn) {
	c := newClient(conn, s.cfg.WriteDeadline())
	remote := "pipe"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	s.log.WithField("remote", remote).Debug("client connected")

	defer func() {
		_, userID, username := c.identity()
		if userID != 0 {
			s.hub.Detach(userID, c)
			s.log.WithField("user", username).Info("connection closed")
		}
		conn.Close()
	}()

	reader := bufio.NewReaderSize(conn, 4096)
	for {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadDeadline()))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			// Timeout means no frame and no keepalive for the whole
			// window; the transport is presumed dead. The session is
			// not revoked here, the sweeper expires it on its own
			// clock.
			return
		}

		line = trimFrame(line)
		if len(line) == 0 {
			continue
		}
		if len(line) > maxFrameBytes {
			c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), ErrorType: "malformed_frame"})
			continue
		}

		env, raw, err := protocol.Decode(line)
		if err != nil {
			c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), ErrorType: errorType(err)})
			continue
		}

		handler, ok := s.handlers[env.Tag]
		if !ok {
			c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), ErrorType: "unknown_tag"})
			continue
		}
		handler(c, raw)
	}
}

func trimFrame(line []byte) []byte {
	return []byte(strings.TrimSpace(string(line)))
}

// authenticate resolves the connection's bound session and counts the
// frame as a heartbeat. Every authenticated operation passes through
// here, so the registry stays the single authority.
func (s *Server) authenticate(c *client) (*session.Session, bool) {
	token, _, _ := c.identity()
	if token == "" {
		c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), ErrorType: "unknown_session"})
		return nil, false
	}
	sess, err := s.sessions.Resolve(token)
	if err != nil {
		c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), ErrorType: errorType(err)})
		_, userID, _ := c.identity()
		if userID != 0 {
			s.hub.Detach(userID, c)
		}
		c.unbind()
		return nil, false
	}
	if err := s.sessions.Heartbeat(token); err != nil {
		c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), ErrorType: errorType(err)})
		return nil, false
	}
	return sess, true
}

// sendError reports a failed operation without closing the connection.
func (s *Server) sendError(c *client, op string, err error) {
	c.send(&protocol.Error{
		Tag:       protocol.TagError,
		Time:      protocol.Now(),
		Op:        op,
		ErrorType: errorType(err),
	})
}

// pushPresence fans a presence transition out to every connected user
// whose directory contains the peer. Best-effort: a failed push is
// logged, never retried.
func (s *Server) pushPresence(userID int64, username string, online bool) {
	if !online {
		// Sessions can end without a logout frame (sweeper expiry);
		// make sure the stored flag follows.
		if err := s.store.SetOnline(userID, false, time.Now().UTC()); err != nil {
			s.log.WithError(err).WithField("user", username).Warn("persisting offline flag failed")
		}
	}

	owners, err := s.dir.OwnersOf(userID)
	if err != nil {
		s.log.WithError(err).WithField("user", username).Warn("presence fanout lookup failed")
		return
	}
	for _, ownerID := range owners {
		c, ok := s.hub.Get(ownerID)
		if !ok {
			continue
		}
		var frame any
		if online {
			frame = &protocol.Online{Tag: protocol.TagOnline, Time: protocol.Now(), Username: username}
		} else {
			frame = &protocol.Offline{Tag: protocol.TagOffline, Time: protocol.Now(), Username: username}
		}
		if err := c.send(frame); err != nil {
			s.log.WithError(err).WithField("owner", ownerID).Debug("presence push failed")
		}
	}
}

// GetStats reports connection stats for the control socket.
func (s *Server) GetStats() string {
	return fmt.Sprintf("connections=%d,users=%s",
		s.hub.Count(), strings.Join(s.hub.Usernames(), ";"))
}

// Shutdown stops accepting, notifies connected clients and closes every
// connection. Durable state needs no flushing, both stores are written
// synchronously.
func (s *Server) Shutdown(reason string) {
	s.mu.Lock()
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		listener.Close()
	}

	s.hub.Each(func(c *client) {
		c.send(&protocol.Error{
			Tag:       protocol.TagError,
			Time:      protocol.Now(),
			Op:        "shutdown",
			ErrorType: reason,
		})
		c.conn.Close()
	})

	s.log.WithField("reason", reason).Info("server stopped")
}
