package models

import "time"

// UserAccount is a registered user. Credential fields (PasswordHash, Salt,
// Iterations) are owned by the credential store and never leave the server.
type UserAccount struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string // base64 PBKDF2 digest
	Salt         string // base64, 16 random bytes
	Iterations   int
	PublicKey    string
	CreatedAt    time.Time
	LastActivity time.Time
	IsOnline     bool
}

// Contact is a directed directory relationship owned by OwnerID.
type Contact struct {
	ID        int64
	OwnerID   int64
	PeerID    int64
	Nickname  string
	CreatedAt time.Time
}

// Message is one persisted chat message. Append-only: immutable once
// written except for the Delivered flag.
type Message struct {
	ID          int64
	UUID        string
	SenderID    int64
	ReceiverID  int64 // 0 for group messages
	GroupID     string
	Type        string // "text"
	Content     string
	IsEncrypted bool
	Delivered   bool
	Timestamp   time.Time
}

// PresenceEntry is one row of a directory listing: a contact joined with
// its live online status. Derived on demand, never persisted.
type PresenceEntry struct {
	PeerID   int64
	Username string
	Nickname string
	Online   bool
}
