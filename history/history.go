// Package history is the append-only message log. Messages are keyed by
// conversation: a canonical pair key for direct chats so both directions
// land in one partition, or the group id for group chats.
package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"securemsg/models"
	"securemsg/store"
)

const (
	// DefaultLimit is the page size when the client omits one.
	DefaultLimit = 50
	// MaxLimit caps the page size a client may request.
	MaxLimit = 200
)

// ConversationKey returns the canonical key for a direct conversation
// between two users. The lower id always comes first, so A→B and B→A
// share a partition.
func ConversationKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d__%d", a, b)
}

// KeyFor returns the conversation key for a message: the group id for
// group messages, the canonical pair key otherwise.
func KeyFor(m *models.Message) string {
	if m.GroupID != "" {
		return m.GroupID
	}
	return ConversationKey(m.SenderID, m.ReceiverID)
}

// Store appends to and pages through the message log.
type Store struct {
	store *store.Coordinator
	log   *logrus.Entry
}

// NewStore builds a history store on top of the dual-store coordinator.
func NewStore(st *store.Coordinator, log *logrus.Logger) *Store {
	return &Store{
		store: st,
		log:   log.WithField("component", "history"),
	}
}

// Append persists a message and fills in its assigned id, uuid and
// timestamp. The message is durable once Append returns; callers ack the
// sender only after that.
func (s *Store) Append(m *models.Message) error {
	if m.UUID == "" {
		m.UUID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = "text"
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	return s.store.AppendMessage(m, KeyFor(m))
}

// Query pages backward through the conversation between two users:
// newest first, starting at the (before, beforeID) cursor. A zero before
// means "from now"; a zero beforeID includes the whole cursor second.
// Paging with the timestamp and id of the oldest returned entry visits
// every message exactly once, including same-second runs.
func (s *Store) Query(userA, userB int64, before time.Time, beforeID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}
	return s.store.MessagesBefore(ConversationKey(userA, userB), before, beforeID, limit)
}

// QueryGroup pages backward through a group conversation.
func (s *Store) QueryGroup(groupID string, before time.Time, beforeID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if before.IsZero() {
		before = time.Now().UTC()
	}
	return s.store.MessagesBefore(groupID, before, beforeID, limit)
}

// MarkDelivered records a successful live relay.
func (s *Store) MarkDelivered(id int64) error {
	return s.store.MarkDelivered(id)
}
