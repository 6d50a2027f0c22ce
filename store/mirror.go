package store

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"securemsg/models"
)

// Mirror is the human-inspectable JSON representation of the store: one
// array file per logical table under the data directory. It is never the
// source of truth; on any disagreement it is rewritten from the relational
// store. Writes land via an atomic tmp-file rename so a reader never
// observes a torn file. Callers must hold the advisory path lock for the
// target file around every mutation (the coordinator does this, so the
// lock spans both halves of a dual write).
type Mirror struct {
	dir string
}

const (
	usersFile    = "users.json"
	contactsFile = "contacts.json"
	messagesFile = "messages.json"
)

// NewMirror builds a mirror rooted at dir.
func NewMirror(dir string) (*Mirror, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror directory: %w", err)
	}
	return &Mirror{dir: dir}, nil
}

// UsersPath returns the users mirror file path (lock scope).
func (m *Mirror) UsersPath() string { return m.path(usersFile) }

// ContactsPath returns the contacts mirror file path (lock scope).
func (m *Mirror) ContactsPath() string { return m.path(contactsFile) }

// MessagesPath returns the messages mirror file path (lock scope).
func (m *Mirror) MessagesPath() string { return m.path(messagesFile) }

// Canonical row encodings. These are the exact shapes checksummed on both
// sides of the dual store, so field order and tags must stay stable.

type userRecord struct {
	ID           int64  `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email"`
	PasswordHash string `json:"password_hash"`
	Salt         string `json:"salt"`
	Iterations   int    `json:"iterations"`
	PublicKey    string `json:"public_key"`
	CreatedAt    string `json:"created_at"`
	LastActivity string `json:"last_activity"`
	IsOnline     bool   `json:"is_online"`
}

type contactRecord struct {
	ID        int64  `json:"id"`
	OwnerID   int64  `json:"owner_id"`
	PeerID    int64  `json:"peer_id"`
	Nickname  string `json:"nickname"`
	CreatedAt string `json:"created_at"`
}

type messageRecord struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	SenderID    int64  `json:"sender_id"`
	ReceiverID  int64  `json:"receiver_id"`
	GroupID     string `json:"group_id"`
	Type        string `json:"type"`
	Content     string `json:"content"`
	IsEncrypted bool   `json:"is_encrypted"`
	Delivered   bool   `json:"delivered"`
	Timestamp   string `json:"timestamp"`
}

func toUserRecord(u models.UserAccount) userRecord {
	return userRecord{
		ID:           u.ID,
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Salt:         u.Salt,
		Iterations:   u.Iterations,
		PublicKey:    u.PublicKey,
		CreatedAt:    u.CreatedAt.UTC().Format(time.RFC3339),
		LastActivity: u.LastActivity.UTC().Format(time.RFC3339),
		IsOnline:     u.IsOnline,
	}
}

func toContactRecord(c models.Contact) contactRecord {
	return contactRecord{
		ID:        c.ID,
		OwnerID:   c.OwnerID,
		PeerID:    c.PeerID,
		Nickname:  c.Nickname,
		CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toMessageRecord(m models.Message) messageRecord {
	return messageRecord{
		ID:          m.ID,
		UUID:        m.UUID,
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		GroupID:     m.GroupID,
		Type:        m.Type,
		Content:     m.Content,
		IsEncrypted: m.IsEncrypted,
		Delivered:   m.Delivered,
		Timestamp:   m.Timestamp.UTC().Format(time.RFC3339),
	}
}

func (m *Mirror) path(file string) string {
	return filepath.Join(m.dir, file)
}

// load decodes a mirror file. A missing or empty file yields an empty
// slice; a corrupt file yields an error so the caller can rebuild from
// the relational store.
func load[T any](path string) ([]T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read mirror %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var rows []T
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode mirror %s: %w", path, err)
	}
	return rows, nil
}

// saveAtomic writes rows to a tmp file and renames it over the target.
func saveAtomic[T any](path string, rows []T) error {
	if rows == nil {
		rows = []T{}
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("encode mirror %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write mirror %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

func mutate[T any](m *Mirror, file string, fn func(rows []T) []T) error {
	path := m.path(file)
	rows, err := load[T](path)
	if err != nil {
		return err
	}
	return saveAtomic(path, fn(rows))
}

// AppendUser mirrors a newly created account.
func (m *Mirror) AppendUser(u models.UserAccount) error {
	return mutate(m, usersFile, func(rows []userRecord) []userRecord {
		return append(rows, toUserRecord(u))
	})
}

// UpdateUser replaces the mirrored account row matching u.ID.
func (m *Mirror) UpdateUser(u models.UserAccount) error {
	return mutate(m, usersFile, func(rows []userRecord) []userRecord {
		rec := toUserRecord(u)
		for i := range rows {
			if rows[i].ID == rec.ID {
				rows[i] = rec
				return rows
			}
		}
		return append(rows, rec)
	})
}

// AppendContact mirrors a new relationship.
func (m *Mirror) AppendContact(c models.Contact) error {
	return mutate(m, contactsFile, func(rows []contactRecord) []contactRecord {
		return append(rows, toContactRecord(c))
	})
}

// RenameContact updates the mirrored nickname.
func (m *Mirror) RenameContact(ownerID, peerID int64, nickname string) error {
	return mutate(m, contactsFile, func(rows []contactRecord) []contactRecord {
		for i := range rows {
			if rows[i].OwnerID == ownerID && rows[i].PeerID == peerID {
				rows[i].Nickname = nickname
			}
		}
		return rows
	})
}

// RemoveContact deletes the mirrored relationship.
func (m *Mirror) RemoveContact(ownerID, peerID int64) error {
	return mutate(m, contactsFile, func(rows []contactRecord) []contactRecord {
		out := rows[:0]
		for _, r := range rows {
			if r.OwnerID == ownerID && r.PeerID == peerID {
				continue
			}
			out = append(out, r)
		}
		return out
	})
}

// AppendMessage mirrors a durably appended message.
func (m *Mirror) AppendMessage(msg models.Message) error {
	return mutate(m, messagesFile, func(rows []messageRecord) []messageRecord {
		return append(rows, toMessageRecord(msg))
	})
}

// MarkDelivered flips the mirrored delivered flag.
func (m *Mirror) MarkDelivered(id int64) error {
	return mutate(m, messagesFile, func(rows []messageRecord) []messageRecord {
		for i := range rows {
			if rows[i].ID == id {
				rows[i].Delivered = true
			}
		}
		return rows
	})
}

// RewriteUsers replaces the whole users mirror (read-repair).
func (m *Mirror) RewriteUsers(users []models.UserAccount) error {
	recs := make([]userRecord, 0, len(users))
	for _, u := range users {
		recs = append(recs, toUserRecord(u))
	}
	return saveAtomic(m.path(usersFile), recs)
}

// RewriteContacts replaces the whole contacts mirror (read-repair).
func (m *Mirror) RewriteContacts(contacts []models.Contact) error {
	recs := make([]contactRecord, 0, len(contacts))
	for _, c := range contacts {
		recs = append(recs, toContactRecord(c))
	}
	return saveAtomic(m.path(contactsFile), recs)
}

// RewriteMessages replaces the whole messages mirror (read-repair).
func (m *Mirror) RewriteMessages(messages []models.Message) error {
	recs := make([]messageRecord, 0, len(messages))
	for _, msg := range messages {
		recs = append(recs, toMessageRecord(msg))
	}
	return saveAtomic(m.path(messagesFile), recs)
}

// fingerprint summarizes a row set as (count, FNV-1a over canonical rows).
func fingerprint[T any](rows []T) (int, uint64) {
	h := fnv.New64a()
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		h.Write(data)
		h.Write([]byte{'\n'})
	}
	return len(rows), h.Sum64()
}

// UsersFingerprint fingerprints the users mirror file.
func (m *Mirror) UsersFingerprint() (int, uint64, error) {
	rows, err := load[userRecord](m.path(usersFile))
	if err != nil {
		return 0, 0, err
	}
	n, sum := fingerprint(rows)
	return n, sum, nil
}

// ContactsFingerprint fingerprints the contacts mirror file.
func (m *Mirror) ContactsFingerprint() (int, uint64, error) {
	rows, err := load[contactRecord](m.path(contactsFile))
	if err != nil {
		return 0, 0, err
	}
	n, sum := fingerprint(rows)
	return n, sum, nil
}

// MessagesFingerprint fingerprints the messages mirror file.
func (m *Mirror) MessagesFingerprint() (int, uint64, error) {
	rows, err := load[messageRecord](m.path(messagesFile))
	if err != nil {
		return 0, 0, err
	}
	n, sum := fingerprint(rows)
	return n, sum, nil
}
