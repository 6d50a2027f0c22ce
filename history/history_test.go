package history

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securemsg/models"
	"securemsg/store"
)

func setup(t *testing.T) (*Store, *store.Coordinator) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.Open(t.TempDir(), 500*time.Millisecond, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewStore(st, log), st
}

func addUser(t *testing.T, st *store.Coordinator, name string) *models.UserAccount {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	u := &models.UserAccount{
		Username:     name,
		PasswordHash: "aGFzaA==",
		Salt:         "c2FsdA==",
		Iterations:   10000,
		CreatedAt:    now,
		LastActivity: now,
	}
	require.NoError(t, st.CreateUser(u))
	return u
}

func TestConversationKeyIsSymmetric(t *testing.T) {
	assert.Equal(t, ConversationKey(1, 2), ConversationKey(2, 1))
	assert.Equal(t, "1__2", ConversationKey(2, 1))
	assert.Equal(t, "7__7", ConversationKey(7, 7))
}

func TestAppendAssignsIdentity(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	m := &models.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "hi"}
	require.NoError(t, hist.Append(m))

	assert.NotZero(t, m.ID)
	assert.NotEmpty(t, m.UUID)
	assert.Equal(t, "text", m.Type)
	assert.False(t, m.Timestamp.IsZero())
	assert.False(t, m.Delivered)
}

func TestAppendIDsIncrease(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	var last int64
	for i := 0; i < 5; i++ {
		m := &models.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: fmt.Sprintf("m%d", i)}
		require.NoError(t, hist.Append(m))
		assert.Greater(t, m.ID, last)
		last = m.ID
	}
}

func TestQueryNewestFirstBothDirections(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 4; i++ {
		sender, receiver := alice.ID, bob.ID
		if i%2 == 1 {
			sender, receiver = bob.ID, alice.ID
		}
		m := &models.Message{
			SenderID:   sender,
			ReceiverID: receiver,
			Content:    fmt.Sprintf("m%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, hist.Append(m))
	}

	// Both participants see the same conversation regardless of who asks.
	got, err := hist.Query(bob.ID, alice.ID, time.Time{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "m3", got[0].Content)
	assert.Equal(t, "m0", got[3].Content)
}

func TestQueryPaginationVisitsEachMessageOnce(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	// Three messages share one second; the id cursor must break the tie.
	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	for i := 0; i < 7; i++ {
		m := &models.Message{
			SenderID:   alice.ID,
			ReceiverID: bob.ID,
			Content:    fmt.Sprintf("m%d", i),
			Timestamp:  ts,
		}
		if i >= 3 {
			m.Timestamp = ts.Add(time.Duration(i) * time.Second)
		}
		require.NoError(t, hist.Append(m))
	}

	seen := make(map[int64]bool)
	var before time.Time
	var beforeID int64
	for {
		page, err := hist.Query(alice.ID, bob.ID, before, beforeID, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, m := range page {
			assert.False(t, seen[m.ID], "message %d returned twice", m.ID)
			seen[m.ID] = true
		}
		oldest := page[len(page)-1]
		before = oldest.Timestamp
		beforeID = oldest.ID
	}
	assert.Len(t, seen, 7, "every message must be visited exactly once")
}

func TestQueryLimitDefaultsAndCaps(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	m := &models.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "hi"}
	require.NoError(t, hist.Append(m))

	got, err := hist.Query(alice.ID, bob.ID, time.Time{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = hist.Query(alice.ID, bob.ID, time.Time{}, 0, MaxLimit*10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMarkDelivered(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	m := &models.Message{SenderID: alice.ID, ReceiverID: bob.ID, Content: "hi"}
	require.NoError(t, hist.Append(m))
	require.NoError(t, hist.MarkDelivered(m.ID))

	got, err := hist.Query(alice.ID, bob.ID, time.Time{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Delivered)
}

func TestGroupMessagesKeyedByGroup(t *testing.T) {
	hist, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	m := &models.Message{SenderID: alice.ID, GroupID: "team-42", Content: "hello team"}
	require.NoError(t, hist.Append(m))

	got, err := hist.QueryGroup("team-42", time.Time{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "hello team", got[0].Content)

	direct, err := hist.Query(alice.ID, bob.ID, time.Time{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, direct)
}
