// Package protocol defines the tagged JSON frame format exchanged between
// clients and the server. Every frame is a single JSON object terminated by
// a newline, carrying an integer "tag" that discriminates the message kind
// and a "time" field in unix seconds.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownTag     = errors.New("unknown message tag")
)

// Client to server.
const (
	TagRegister      = 1
	TagLogin         = 2
	TagLogout        = 3
	TagGetDirectory  = 4
	TagGetHistory    = 5
	TagGetPublicKey  = 6
	TagAlive         = 7
	TagAddContact    = 9
	TagRemoveContact = 10
)

// Peer to peer, relayed through the server.
const (
	TagMessage = 11
)

// Server to client.
const (
	TagSuccessRegister = 21
	TagSuccessLogin    = 22
	TagSuccessLogout   = 23
	TagHistory         = 25
	TagDirectory       = 26
	TagPublicKey       = 27
	TagFailRegister    = 28
	TagFailLogin       = 29
	TagError           = 30
	TagOnline          = 31
	TagOffline         = 32
	TagAck             = 33
)

// Now returns the wire timestamp for an outbound frame.
func Now() int64 {
	return time.Now().Unix()
}

// Envelope is the portion of a frame decoded before dispatch.
type Envelope struct {
	Tag  int   `json:"tag"`
	Time int64 `json:"time"`
}

// Decode parses one frame line and returns its envelope plus the raw JSON
// for the handler to unmarshal into the tag-specific payload.
func Decode(line []byte) (Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return Envelope{}, nil, ErrMalformedFrame
	}
	if env.Tag == 0 {
		return Envelope{}, nil, ErrMalformedFrame
	}
	raw := make(json.RawMessage, len(line))
	copy(raw, line)
	return env, raw, nil
}

// Encode serializes an outbound frame and appends the trailing newline.
func Encode(frame any) ([]byte, error) {
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Register (tag 1). PublicKey is optional.
type Register struct {
	Tag       int    `json:"tag"`
	Time      int64  `json:"time"`
	Username  string `json:"username"`
	Secret    string `json:"secret"`
	Email     string `json:"email"`
	PublicKey string `json:"public_key,omitempty"`
}

// Login (tag 2).
type Login struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Logout (tag 3).
type Logout struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
}

// GetDirectory (tag 4).
type GetDirectory struct {
	Tag  int   `json:"tag"`
	Time int64 `json:"time"`
}

// GetHistory (tag 5). Before is a unix-seconds cursor; 0 means "now".
// BeforeID disambiguates messages sharing the cursor second.
type GetHistory struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	ChatID   string `json:"chat_id"`
	Before   int64  `json:"before,omitempty"`
	BeforeID int64  `json:"before_id,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// GetPublicKey (tag 6).
type GetPublicKey struct {
	Tag    int    `json:"tag"`
	Time   int64  `json:"time"`
	DestID string `json:"dest_id"`
}

// Alive (tag 7) refreshes the session and the connection deadline.
type Alive struct {
	Tag  int   `json:"tag"`
	Time int64 `json:"time"`
}

// AddContact (tag 9).
type AddContact struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Peer     string `json:"peer"`
	Nickname string `json:"nickname,omitempty"`
}

// RemoveContact (tag 10).
type RemoveContact struct {
	Tag  int    `json:"tag"`
	Time int64  `json:"time"`
	Peer string `json:"peer"`
}

// Message (tag 11). Sent by a client and relayed to the recipient with
// MessageID filled in by the server after the durable append.
type Message struct {
	Tag         int    `json:"tag"`
	Time        int64  `json:"time"`
	MessageID   int64  `json:"message_id,omitempty"`
	SourceID    string `json:"source_id"`
	DestID      string `json:"dest_id"`
	Content     string `json:"content"`
	IsEncrypted bool   `json:"is_encrypted,omitempty"`
}

// SuccessRegister (tag 21).
type SuccessRegister struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
}

// SuccessLogin (tag 22). Token identifies the session to the registry.
type SuccessLogin struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
	Token    string `json:"token"`
}

// SuccessLogout (tag 23).
type SuccessLogout struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
}

// History (tag 25). Data is a JSON-encoded list of HistoryEntry.
type History struct {
	Tag  int    `json:"tag"`
	Time int64  `json:"time"`
	Data string `json:"data"`
}

// Directory (tag 26). Data is a JSON-encoded list of DirectoryEntry.
type Directory struct {
	Tag  int    `json:"tag"`
	Time int64  `json:"time"`
	Data string `json:"data"`
}

// PublicKey (tag 27).
type PublicKey struct {
	Tag       int    `json:"tag"`
	Time      int64  `json:"time"`
	DestID    string `json:"dest_id"`
	PublicKey string `json:"public_key"`
}

// FailRegister (tag 28).
type FailRegister struct {
	Tag       int    `json:"tag"`
	Time      int64  `json:"time"`
	ErrorType string `json:"error_type"`
}

// FailLogin (tag 29).
type FailLogin struct {
	Tag       int    `json:"tag"`
	Time      int64  `json:"time"`
	ErrorType string `json:"error_type"`
}

// Error (tag 30) reports a failed operation without closing the connection.
type Error struct {
	Tag       int    `json:"tag"`
	Time      int64  `json:"time"`
	Op        string `json:"op,omitempty"`
	ErrorType string `json:"error_type"`
}

// Online (tag 31) carries a contact's presence transition to online.
type Online struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
}

// Offline (tag 32) carries a contact's presence transition to offline.
type Offline struct {
	Tag      int    `json:"tag"`
	Time     int64  `json:"time"`
	Username string `json:"username"`
}

// Ack (tag 33) confirms an operation that has no richer response frame.
// For message sends, MessageID reports the durable identifier.
type Ack struct {
	Tag       int    `json:"tag"`
	Time      int64  `json:"time"`
	Op        string `json:"op"`
	MessageID int64  `json:"message_id,omitempty"`
}

// HistoryEntry is one element of the History frame's data payload.
type HistoryEntry struct {
	MessageID   int64  `json:"message_id"`
	Sender      string `json:"sender"`
	Receiver    string `json:"receiver"`
	Content     string `json:"content"`
	IsEncrypted bool   `json:"is_encrypted,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

// DirectoryEntry is one element of the Directory frame's data payload.
type DirectoryEntry struct {
	Username string `json:"username"`
	Nickname string `json:"nickname,omitempty"`
	Online   bool   `json:"online"`
}
