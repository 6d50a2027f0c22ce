package server

import (
	"encoding/json"
	"errors"
	"time"

	"securemsg/models"
	"securemsg/protocol"
	"securemsg/store"
)

func (s *Server) handleRegister(c *client, raw json.RawMessage) {
	var req protocol.Register
	if err := json.Unmarshal(raw, &req); err != nil {
		c.send(&protocol.FailRegister{Tag: protocol.TagFailRegister, Time: protocol.Now(), ErrorType: "malformed_frame"})
		return
	}

	u, err := s.auth.Register(req.Username, req.Secret, req.Email, req.PublicKey)
	if err != nil {
		c.send(&protocol.FailRegister{Tag: protocol.TagFailRegister, Time: protocol.Now(), ErrorType: errorType(err)})
		return
	}

	c.send(&protocol.SuccessRegister{
		Tag:      protocol.TagSuccessRegister,
		Time:     protocol.Now(),
		Username: u.Username,
		UserID:   u.ID,
	})
}

func (s *Server) handleLogin(c *client, raw json.RawMessage) {
	var req protocol.Login
	if err := json.Unmarshal(raw, &req); err != nil {
		c.send(&protocol.FailLogin{Tag: protocol.TagFailLogin, Time: protocol.Now(), ErrorType: "malformed_frame"})
		return
	}

	u, sess, err := s.auth.Authenticate(req.Username, req.Secret)
	if err != nil {
		c.send(&protocol.FailLogin{Tag: protocol.TagFailLogin, Time: protocol.Now(), ErrorType: errorType(err)})
		return
	}

	c.bind(sess)
	if displaced := s.hub.Attach(u.ID, c); displaced != nil {
		// The old connection's session is already superseded; cut the
		// wire too so it cannot linger half-alive.
		displaced.unbind()
		displaced.conn.Close()
	}

	c.send(&protocol.SuccessLogin{
		Tag:      protocol.TagSuccessLogin,
		Time:     protocol.Now(),
		Username: u.Username,
		UserID:   u.ID,
		Token:    sess.Token,
	})
}

func (s *Server) handleLogout(c *client, raw json.RawMessage) {
	sess, ok := s.authenticate(c)
	if !ok {
		return
	}

	if _, err := s.auth.Logout(sess.Token); err != nil {
		s.sendError(c, "logout", err)
		return
	}

	s.hub.Detach(sess.UserID, c)
	c.unbind()

	c.send(&protocol.SuccessLogout{
		Tag:      protocol.TagSuccessLogout,
		Time:     protocol.Now(),
		Username: sess.Username,
	})
}

func (s *Server) handleAlive(c *client, raw json.RawMessage) {
	// authenticate already counted this frame as a heartbeat.
	if _, ok := s.authenticate(c); !ok {
		return
	}
	c.send(&protocol.Ack{Tag: protocol.TagAck, Time: protocol.Now(), Op: "alive"})
}

func (s *Server) handleGetDirectory(c *client, raw json.RawMessage) {
	sess, ok := s.authenticate(c)
	if !ok {
		return
	}

	entries, err := s.dir.List(sess.UserID)
	if err != nil {
		s.sendError(c, "get_directory", err)
		return
	}

	out := make([]protocol.DirectoryEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.DirectoryEntry{
			Username: e.Username,
			Nickname: e.Nickname,
			Online:   e.Online,
		})
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.sendError(c, "get_directory", err)
		return
	}

	c.send(&protocol.Directory{Tag: protocol.TagDirectory, Time: protocol.Now(), Data: string(data)})
}

func (s *Server) handleGetHistory(c *client, raw json.RawMessage) {
	sess, ok := s.authenticate(c)
	if !ok {
		return
	}

	var req protocol.GetHistory
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(c, "get_history", protocol.ErrMalformedFrame)
		return
	}

	var before time.Time
	if req.Before > 0 {
		before = time.Unix(req.Before, 0).UTC()
	}

	var (
		messages []models.Message
		err      error
	)
	peer, perr := s.store.UserByUsername(req.ChatID)
	switch {
	case perr == nil:
		messages, err = s.hist.Query(sess.UserID, peer.ID, before, req.BeforeID, req.Limit)
	case errors.Is(perr, store.ErrNoRows):
		// Not a username; treat the chat id as a group key. An unknown
		// key yields an empty page, not an error.
		messages, err = s.hist.QueryGroup(req.ChatID, before, req.BeforeID, req.Limit)
	default:
		err = perr
	}
	if err != nil {
		s.sendError(c, "get_history", err)
		return
	}

	names := map[int64]string{sess.UserID: sess.Username}
	if peer != nil {
		names[peer.ID] = peer.Username
	}
	lookup := func(id int64) string {
		if name, ok := names[id]; ok {
			return name
		}
		u, err := s.store.UserByID(id)
		if err != nil {
			names[id] = ""
			return ""
		}
		names[id] = u.Username
		return u.Username
	}

	entries := make([]protocol.HistoryEntry, 0, len(messages))
	for _, m := range messages {
		receiver := m.GroupID
		if receiver == "" {
			receiver = lookup(m.ReceiverID)
		}
		entries = append(entries, protocol.HistoryEntry{
			MessageID:   m.ID,
			Sender:      lookup(m.SenderID),
			Receiver:    receiver,
			Content:     m.Content,
			IsEncrypted: m.IsEncrypted,
			Timestamp:   m.Timestamp.Unix(),
		})
	}
	data, err := json.Marshal(entries)
	if err != nil {
		s.sendError(c, "get_history", err)
		return
	}

	c.send(&protocol.History{Tag: protocol.TagHistory, Time: protocol.Now(), Data: string(data)})
}

func (s *Server) handleGetPublicKey(c *client, raw json.RawMessage) {
	if _, ok := s.authenticate(c); !ok {
		return
	}

	var req protocol.GetPublicKey
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(c, "get_public_key", protocol.ErrMalformedFrame)
		return
	}

	key, err := s.auth.PublicKey(req.DestID)
	if err != nil {
		s.sendError(c, "get_public_key", err)
		return
	}

	c.send(&protocol.PublicKey{
		Tag:       protocol.TagPublicKey,
		Time:      protocol.Now(),
		DestID:    req.DestID,
		PublicKey: key,
	})
}

func (s *Server) handleAddContact(c *client, raw json.RawMessage) {
	sess, ok := s.authenticate(c)
	if !ok {
		return
	}

	var req protocol.AddContact
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(c, "add_contact", protocol.ErrMalformedFrame)
		return
	}

	if _, err := s.dir.AddContact(sess.UserID, req.Peer, req.Nickname); err != nil {
		s.sendError(c, "add_contact", err)
		return
	}

	c.send(&protocol.Ack{Tag: protocol.TagAck, Time: protocol.Now(), Op: "add_contact"})
}

func (s *Server) handleRemoveContact(c *client, raw json.RawMessage) {
	sess, ok := s.authenticate(c)
	if !ok {
		return
	}

	var req protocol.RemoveContact
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(c, "remove_contact", protocol.ErrMalformedFrame)
		return
	}

	if err := s.dir.RemoveContact(sess.UserID, req.Peer); err != nil {
		s.sendError(c, "remove_contact", err)
		return
	}

	c.send(&protocol.Ack{Tag: protocol.TagAck, Time: protocol.Now(), Op: "remove_contact"})
}

func (s *Server) handleMessage(c *client, raw json.RawMessage) {
	sess, ok := s.authenticate(c)
	if !ok {
		return
	}

	var req protocol.Message
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(c, "message", protocol.ErrMalformedFrame)
		return
	}
	if req.DestID == "" || req.Content == "" {
		c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), Op: "message", ErrorType: "invalid_message"})
		return
	}

	dest, err := s.store.UserByUsername(req.DestID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			c.send(&protocol.Error{Tag: protocol.TagError, Time: protocol.Now(), Op: "message", ErrorType: "unknown_user"})
			return
		}
		s.sendError(c, "message", err)
		return
	}

	// The sender identity comes from the session, never from the frame;
	// a client cannot spoof source_id.
	m := &models.Message{
		SenderID:    sess.UserID,
		ReceiverID:  dest.ID,
		Content:     req.Content,
		IsEncrypted: req.IsEncrypted,
	}
	if err := s.hist.Append(m); err != nil {
		s.sendError(c, "message", err)
		return
	}

	// Durable point reached; the sender gets the ack regardless of
	// whether the live relay below succeeds.
	c.send(&protocol.Ack{Tag: protocol.TagAck, Time: protocol.Now(), Op: "message", MessageID: m.ID})

	rc, online := s.hub.Get(dest.ID)
	if !online {
		return
	}
	relay := &protocol.Message{
		Tag:         protocol.TagMessage,
		Time:        m.Timestamp.Unix(),
		MessageID:   m.ID,
		SourceID:    sess.Username,
		DestID:      dest.Username,
		Content:     m.Content,
		IsEncrypted: m.IsEncrypted,
	}
	if err := rc.send(relay); err != nil {
		s.log.WithError(err).WithField("dest", dest.Username).Debug("live relay failed")
		return
	}
	if err := s.hist.MarkDelivered(m.ID); err != nil {
		s.log.WithError(err).WithField("message_id", m.ID).Warn("marking delivery failed")
	}
}
