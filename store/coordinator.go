package store

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"securemsg/models"
)

// table identifies one logical table of the dual store.
type table int

const (
	tableUsers table = iota
	tableContacts
	tableMessages
)

func (t table) String() string {
	switch t {
	case tableUsers:
		return "users"
	case tableContacts:
		return "contacts"
	case tableMessages:
		return "messages"
	}
	return "unknown"
}

// Coordinator runs every mutation against both halves of the dual store:
// the sqlite database (source of truth) first, then the JSON mirror. The
// advisory path lock is held across both halves, so concurrent writers
// from other processes serialize on the mirror file. A mirror write that
// fails after the database commit does not fail the operation; the table
// is flagged dirty and rebuilt from the database before the next read.
type Coordinator struct {
	db     *DB
	mirror *Mirror
	locker *PathLocker
	log    *logrus.Entry

	mu    sync.Mutex
	dirty map[table]bool
}

// Open opens the dual store under dataDir, verifying mirror integrity
// against the database and repairing any divergence before returning.
func Open(dataDir string, lockWindow time.Duration, log *logrus.Logger) (*Coordinator, error) {
	db, err := OpenDB(filepath.Join(dataDir, "chat.db"))
	if err != nil {
		return nil, err
	}

	mirror, err := NewMirror(dataDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Coordinator{
		db:     db,
		mirror: mirror,
		locker: NewPathLocker(lockWindow),
		log:    log.WithField("component", "store"),
		dirty:  make(map[table]bool),
	}

	for _, t := range []table{tableUsers, tableContacts, tableMessages} {
		if err := c.verify(t); err != nil {
			db.Close()
			return nil, err
		}
	}

	return c, nil
}

// Close closes the underlying database.
func (c *Coordinator) Close() error {
	return c.db.Close()
}

func (c *Coordinator) lockPath(t table) string {
	switch t {
	case tableUsers:
		return c.mirror.UsersPath()
	case tableContacts:
		return c.mirror.ContactsPath()
	default:
		return c.mirror.MessagesPath()
	}
}

func (c *Coordinator) markDirty(t table) {
	c.mu.Lock()
	c.dirty[t] = true
	c.mu.Unlock()
}

func (c *Coordinator) isDirty(t table) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty[t]
}

func (c *Coordinator) clearDirty(t table) {
	c.mu.Lock()
	delete(c.dirty, t)
	c.mu.Unlock()
}

// write runs a dual write for table t: dbWrite commits to sqlite, then
// mirrorWrite updates the JSON file under the same lock. An error from
// dbWrite aborts the operation; an error from mirrorWrite flags the table
// dirty instead, because the truth is already durable.
func (c *Coordinator) write(t table, dbWrite func() error, mirrorWrite func() error) error {
	release, err := c.locker.Acquire(c.lockPath(t))
	if err != nil {
		return err
	}
	defer release()

	if err := dbWrite(); err != nil {
		return err
	}
	if err := mirrorWrite(); err != nil {
		c.log.WithError(err).WithField("table", t.String()).
			Warn("mirror write failed, scheduling repair")
		c.markDirty(t)
	}
	return nil
}

// repairIfDirty rebuilds the mirror table from the database when a prior
// mirror write failed. Called before reads so divergence never outlives
// the next read of the affected table.
func (c *Coordinator) repairIfDirty(t table) {
	if !c.isDirty(t) {
		return
	}
	if err := c.repair(t); err != nil {
		c.log.WithError(err).WithField("table", t.String()).Warn("mirror repair failed")
		return
	}
	c.clearDirty(t)
}

// repair rewrites the mirror table from the database under the path lock.
func (c *Coordinator) repair(t table) error {
	release, err := c.locker.Acquire(c.lockPath(t))
	if err != nil {
		return err
	}
	defer release()

	switch t {
	case tableUsers:
		users, err := c.db.Users()
		if err != nil {
			return err
		}
		return c.mirror.RewriteUsers(users)
	case tableContacts:
		contacts, err := c.db.Contacts()
		if err != nil {
			return err
		}
		return c.mirror.RewriteContacts(contacts)
	default:
		messages, err := c.db.Messages()
		if err != nil {
			return err
		}
		return c.mirror.RewriteMessages(messages)
	}
}

// verify compares row count and checksum between database and mirror for
// one table, rewriting the mirror from the database on any disagreement.
// The database side always wins.
func (c *Coordinator) verify(t table) error {
	var (
		nDB, nM     int
		sumDB, sumM uint64
		merr        error
	)

	switch t {
	case tableUsers:
		users, err := c.db.Users()
		if err != nil {
			return err
		}
		recs := make([]userRecord, 0, len(users))
		for _, u := range users {
			recs = append(recs, toUserRecord(u))
		}
		nDB, sumDB = fingerprint(recs)
		nM, sumM, merr = c.mirror.UsersFingerprint()
	case tableContacts:
		contacts, err := c.db.Contacts()
		if err != nil {
			return err
		}
		recs := make([]contactRecord, 0, len(contacts))
		for _, ct := range contacts {
			recs = append(recs, toContactRecord(ct))
		}
		nDB, sumDB = fingerprint(recs)
		nM, sumM, merr = c.mirror.ContactsFingerprint()
	default:
		messages, err := c.db.Messages()
		if err != nil {
			return err
		}
		recs := make([]messageRecord, 0, len(messages))
		for _, m := range messages {
			recs = append(recs, toMessageRecord(m))
		}
		nDB, sumDB = fingerprint(recs)
		nM, sumM, merr = c.mirror.MessagesFingerprint()
	}

	if merr == nil && nDB == nM && sumDB == sumM {
		return nil
	}

	c.log.WithFields(logrus.Fields{
		"table":      t.String(),
		"db_rows":    nDB,
		"mirror_err": merr,
	}).Warn("mirror diverged from database, rewriting")
	return c.repair(t)
}

// User operations

// CreateUser inserts a new account into both stores and fills in u.ID.
func (c *Coordinator) CreateUser(u *models.UserAccount) error {
	return c.write(tableUsers,
		func() error {
			id, err := c.db.InsertUser(u)
			if err != nil {
				return err
			}
			u.ID = id
			return nil
		},
		func() error { return c.mirror.AppendUser(*u) },
	)
}

// SetOnline records a presence transition in both stores.
func (c *Coordinator) SetOnline(id int64, online bool, t time.Time) error {
	return c.write(tableUsers,
		func() error { return c.db.SetOnline(id, online, t) },
		func() error {
			u, err := c.db.UserByID(id)
			if err != nil {
				return err
			}
			return c.mirror.UpdateUser(*u)
		},
	)
}

// UserByUsername looks an account up by username.
func (c *Coordinator) UserByUsername(username string) (*models.UserAccount, error) {
	c.repairIfDirty(tableUsers)
	return c.db.UserByUsername(username)
}

// UserByID looks an account up by id.
func (c *Coordinator) UserByID(id int64) (*models.UserAccount, error) {
	c.repairIfDirty(tableUsers)
	return c.db.UserByID(id)
}

// Contact operations

// AddContact inserts a directed relationship into both stores.
func (c *Coordinator) AddContact(ownerID, peerID int64, nickname string, t time.Time) (models.Contact, error) {
	contact := models.Contact{
		OwnerID:   ownerID,
		PeerID:    peerID,
		Nickname:  nickname,
		CreatedAt: t,
	}
	err := c.write(tableContacts,
		func() error {
			id, err := c.db.InsertContact(ownerID, peerID, nickname, t)
			if err != nil {
				return err
			}
			contact.ID = id
			return nil
		},
		func() error { return c.mirror.AppendContact(contact) },
	)
	return contact, err
}

// RenameContact updates a relationship nickname in both stores.
func (c *Coordinator) RenameContact(ownerID, peerID int64, nickname string) error {
	return c.write(tableContacts,
		func() error { return c.db.RenameContact(ownerID, peerID, nickname) },
		func() error { return c.mirror.RenameContact(ownerID, peerID, nickname) },
	)
}

// RemoveContact deletes a relationship from both stores.
func (c *Coordinator) RemoveContact(ownerID, peerID int64) error {
	return c.write(tableContacts,
		func() error { return c.db.DeleteContact(ownerID, peerID) },
		func() error { return c.mirror.RemoveContact(ownerID, peerID) },
	)
}

// ContactsByOwner returns the owner's contacts in insertion order.
func (c *Coordinator) ContactsByOwner(ownerID int64) ([]models.Contact, error) {
	c.repairIfDirty(tableContacts)
	return c.db.ContactsByOwner(ownerID)
}

// OwnersOf returns every owner whose directory contains peerID.
func (c *Coordinator) OwnersOf(peerID int64) ([]int64, error) {
	c.repairIfDirty(tableContacts)
	return c.db.OwnersOf(peerID)
}

// Message operations

// AppendMessage appends a message to both stores under convKey. The
// message is durable once this returns, and m.ID is filled in.
func (c *Coordinator) AppendMessage(m *models.Message, convKey string) error {
	return c.write(tableMessages,
		func() error {
			id, err := c.db.InsertMessage(m, convKey)
			if err != nil {
				return err
			}
			m.ID = id
			return nil
		},
		func() error { return c.mirror.AppendMessage(*m) },
	)
}

// MarkDelivered flips the delivered flag in both stores.
func (c *Coordinator) MarkDelivered(id int64) error {
	return c.write(tableMessages,
		func() error { return c.db.MarkDelivered(id) },
		func() error { return c.mirror.MarkDelivered(id) },
	)
}

// MessagesBefore pages backward through a conversation, newest first.
func (c *Coordinator) MessagesBefore(convKey string, before time.Time, beforeID int64, limit int) ([]models.Message, error) {
	c.repairIfDirty(tableMessages)
	return c.db.MessagesBefore(convKey, before, beforeID, limit)
}
