package directory

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securemsg/models"
	"securemsg/session"
	"securemsg/store"
)

func setup(t *testing.T) (*Service, *session.Registry, *store.Coordinator) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	st, err := store.Open(t.TempDir(), 500*time.Millisecond, log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sessions := session.NewRegistry("test-secret", time.Minute, log)
	return NewService(st, sessions, log), sessions, st
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

func TestAddContactValidation(t *testing.T) {
	svc, _, st := setup(t)
	alice := addUser(t, st, "alice")
	addUser(t, st, "bob")

	_, err := svc.AddContact(alice.ID, "alice", "")
	assert.ErrorIs(t, err, ErrSelfContact)

	_, err = svc.AddContact(alice.ID, "nobody", "")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = svc.AddContact(alice.ID, "bob", "bobby")
	require.NoError(t, err)

	_, err = svc.AddContact(alice.ID, "bob", "bobby")
	assert.ErrorIs(t, err, ErrContactExists)
}

func TestConcurrentAddsYieldOneContact(t *testing.T) {
	svc, _, st := setup(t)
	alice := addUser(t, st, "alice")
	addUser(t, st, "bob")

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AddContact(alice.ID, "bob", "")
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrContactExists)
		}
	}
	assert.Equal(t, 1, succeeded)

	entries, err := svc.List(alice.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestListPreservesInsertionOrderAndPresence(t *testing.T) {
	svc, sessions, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")
	addUser(t, st, "carol")

	_, err := svc.AddContact(alice.ID, "carol", "")
	require.NoError(t, err)
	_, err = svc.AddContact(alice.ID, "bob", "bobby")
	require.NoError(t, err)

	_, err = sessions.Create(bob.ID, "bob")
	require.NoError(t, err)

	entries, err := svc.List(alice.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "carol", entries[0].Username)
	assert.False(t, entries[0].Online)
	assert.Equal(t, "bob", entries[1].Username)
	assert.Equal(t, "bobby", entries[1].Nickname)
	assert.True(t, entries[1].Online)
}

func TestAddIsDirected(t *testing.T) {
	svc, _, st := setup(t)
	alice := addUser(t, st, "alice")
	bob := addUser(t, st, "bob")

	_, err := svc.AddContact(alice.ID, "bob", "")
	require.NoError(t, err)

	bobEntries, err := svc.List(bob.ID)
	require.NoError(t, err)
	assert.Empty(t, bobEntries, "adding a contact must not change the peer's directory")

	owners, err := svc.OwnersOf(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, owners)
}

func TestRenameAndRemoveContact(t *testing.T) {
	svc, _, st := setup(t)
	alice := addUser(t, st, "alice")
	addUser(t, st, "bob")

	assert.ErrorIs(t, svc.RenameContact(alice.ID, "bob", "x"), ErrUnknownContact)

	_, err := svc.AddContact(alice.ID, "bob", "")
	require.NoError(t, err)

	require.NoError(t, svc.RenameContact(alice.ID, "bob", "robert"))
	entries, err := svc.List(alice.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "robert", entries[0].Nickname)

	require.NoError(t, svc.RemoveContact(alice.ID, "bob"))
	assert.ErrorIs(t, svc.RemoveContact(alice.ID, "bob"), ErrUnknownContact)

	entries, err = svc.List(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
