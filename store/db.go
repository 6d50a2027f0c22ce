package store

import (
	"database/sql"
	"errors"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"securemsg/models"
)

// ErrNoRows is returned when a lookup matches nothing.
var ErrNoRows = errors.New("no rows found")

// ErrDuplicate is returned when an insert violates a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate row")

// DB is the transactional relational store. It is the source of truth;
// the JSON mirror is rebuilt from it on any disagreement.
type DB struct {
	conn *sql.DB
}

// OpenDB opens (and if needed initializes) the sqlite store at path.
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			email TEXT NOT NULL,
			password_hash TEXT NOT NULL,
			salt TEXT NOT NULL,
			iterations INTEGER NOT NULL,
			public_key TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			last_activity TEXT NOT NULL,
			is_online INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_id INTEGER NOT NULL,
			peer_id INTEGER NOT NULL,
			nickname TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			UNIQUE(owner_id, peer_id),
			FOREIGN KEY (owner_id) REFERENCES users(id),
			FOREIGN KEY (peer_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL,
			sender_id INTEGER NOT NULL,
			receiver_id INTEGER NOT NULL DEFAULT 0,
			group_id TEXT NOT NULL DEFAULT '',
			conv_key TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			is_encrypted INTEGER NOT NULL DEFAULT 0,
			delivered INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL,
			FOREIGN KEY (sender_id) REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conv ON messages(conv_key, timestamp, id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_peer ON contacts(peer_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

// User methods

// InsertUser persists a new account and returns its assigned id.
func (db *DB) InsertUser(u *models.UserAccount) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO users (username, email, password_hash, salt, iterations, public_key, created_at, last_activity, is_online)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		u.Username, u.Email, u.PasswordHash, u.Salt, u.Iterations, u.PublicKey,
		u.CreatedAt.UTC().Format(time.RFC3339), u.LastActivity.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

func scanUser(row interface{ Scan(...any) error }) (*models.UserAccount, error) {
	var u models.UserAccount
	var createdAt, lastActivity string
	var online int
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Salt,
		&u.Iterations, &u.PublicKey, &createdAt, &lastActivity, &online)
	if err != nil {
		return nil, err
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	u.LastActivity, _ = time.Parse(time.RFC3339, lastActivity)
	u.IsOnline = online != 0
	return &u, nil
}

const userColumns = `id, username, email, password_hash, salt, iterations, public_key, created_at, last_activity, is_online`

// UserByUsername looks an account up by its unique username.
func (db *DB) UserByUsername(username string) (*models.UserAccount, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return u, err
}

// UserByID looks an account up by id.
func (db *DB) UserByID(id int64) (*models.UserAccount, error) {
	row := db.conn.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	return u, err
}

// SetOnline records a presence transition and bumps last_activity.
func (db *DB) SetOnline(id int64, online bool, t time.Time) error {
	v := 0
	if online {
		v = 1
	}
	_, err := db.conn.Exec(
		`UPDATE users SET is_online = ?, last_activity = ? WHERE id = ?`,
		v, t.UTC().Format(time.RFC3339), id,
	)
	return err
}

// Users returns every account, ordered by id, for mirror rebuilds.
func (db *DB) Users() ([]models.UserAccount, error) {
	rows, err := db.conn.Query(`SELECT ` + userColumns + ` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.UserAccount
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// Contact methods

// InsertContact adds a directed relationship. Duplicate (owner, peer)
// pairs map to ErrDuplicate so concurrent adds stay idempotent.
func (db *DB) InsertContact(ownerID, peerID int64, nickname string, t time.Time) (int64, error) {
	res, err := db.conn.Exec(
		`INSERT INTO contacts (owner_id, peer_id, nickname, created_at) VALUES (?, ?, ?, ?)`,
		ownerID, peerID, nickname, t.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.LastInsertId()
}

// ContactsByOwner returns the owner's contacts in insertion order.
func (db *DB) ContactsByOwner(ownerID int64) ([]models.Contact, error) {
	rows, err := db.conn.Query(
		`SELECT id, owner_id, peer_id, nickname, created_at FROM contacts WHERE owner_id = ? ORDER BY id`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var createdAt string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.PeerID, &c.Nickname, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// OwnersOf returns every owner whose directory contains peerID.
func (db *DB) OwnersOf(peerID int64) ([]int64, error) {
	rows, err := db.conn.Query(`SELECT owner_id FROM contacts WHERE peer_id = ?`, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var owners []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		owners = append(owners, id)
	}
	return owners, rows.Err()
}

// RenameContact updates the nickname of an existing relationship.
func (db *DB) RenameContact(ownerID, peerID int64, nickname string) error {
	res, err := db.conn.Exec(
		`UPDATE contacts SET nickname = ? WHERE owner_id = ? AND peer_id = ?`,
		nickname, ownerID, peerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

// DeleteContact removes a relationship.
func (db *DB) DeleteContact(ownerID, peerID int64) error {
	res, err := db.conn.Exec(
		`DELETE FROM contacts WHERE owner_id = ? AND peer_id = ?`,
		ownerID, peerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

// Contacts returns every relationship, ordered by id, for mirror rebuilds.
func (db *DB) Contacts() ([]models.Contact, error) {
	rows, err := db.conn.Query(`SELECT id, owner_id, peer_id, nickname, created_at FROM contacts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []models.Contact
	for rows.Next() {
		var c models.Contact
		var createdAt string
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.PeerID, &c.Nickname, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

// Message methods

// InsertMessage appends a message under convKey and returns the monotonic
// id assigned by the store. The row is committed before this returns.
func (db *DB) InsertMessage(m *models.Message, convKey string) (int64, error) {
	encrypted := 0
	if m.IsEncrypted {
		encrypted = 1
	}
	delivered := 0
	if m.Delivered {
		delivered = 1
	}
	res, err := db.conn.Exec(
		`INSERT INTO messages (uuid, sender_id, receiver_id, group_id, conv_key, type, content, is_encrypted, delivered, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.UUID, m.SenderID, m.ReceiverID, m.GroupID, convKey, m.Type, m.Content,
		encrypted, delivered, m.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanMessage(rows *sql.Rows) (models.Message, error) {
	var m models.Message
	var ts string
	var encrypted, delivered int
	err := rows.Scan(&m.ID, &m.UUID, &m.SenderID, &m.ReceiverID, &m.GroupID,
		&m.Type, &m.Content, &encrypted, &delivered, &ts)
	if err != nil {
		return m, err
	}
	m.IsEncrypted = encrypted != 0
	m.Delivered = delivered != 0
	m.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return m, nil
}

const messageColumns = `id, uuid, sender_id, receiver_id, group_id, type, content, is_encrypted, delivered, timestamp`

// MessagesBefore pages backward through a conversation: newest first,
// strictly before the (before, beforeID) cursor, at most limit entries.
// A zero beforeID means "everything in the cursor second included".
func (db *DB) MessagesBefore(convKey string, before time.Time, beforeID int64, limit int) ([]models.Message, error) {
	cursor := before.UTC().Format(time.RFC3339)
	var rows *sql.Rows
	var err error
	if beforeID > 0 {
		rows, err = db.conn.Query(
			`SELECT `+messageColumns+` FROM messages
			 WHERE conv_key = ? AND (timestamp < ? OR (timestamp = ? AND id < ?))
			 ORDER BY timestamp DESC, id DESC LIMIT ?`,
			convKey, cursor, cursor, beforeID, limit,
		)
	} else {
		rows, err = db.conn.Query(
			`SELECT `+messageColumns+` FROM messages
			 WHERE conv_key = ? AND timestamp <= ?
			 ORDER BY timestamp DESC, id DESC LIMIT ?`,
			convKey, cursor, limit,
		)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkDelivered flips the delivered flag after a successful live push.
func (db *DB) MarkDelivered(id int64) error {
	_, err := db.conn.Exec(`UPDATE messages SET delivered = 1 WHERE id = ?`, id)
	return err
}

// Messages returns every message, ordered by id, for mirror rebuilds.
func (db *DB) Messages() ([]models.Message, error) {
	rows, err := db.conn.Query(`SELECT ` + messageColumns + ` FROM messages ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
