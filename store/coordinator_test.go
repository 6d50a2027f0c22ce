package store

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"securemsg/models"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func openTestStore(t *testing.T) (*Coordinator, string) {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(dir, 500*time.Millisecond, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, dir
}

func testUser(name string) *models.UserAccount {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.UserAccount{
		Username:     name,
		Email:        name + "@example.com",
		PasswordHash: "aGFzaA==",
		Salt:         "c2FsdA==",
		Iterations:   10000,
		CreatedAt:    now,
		LastActivity: now,
	}
}

func TestCreateUserWritesBothStores(t *testing.T) {
	c, dir := openTestStore(t)

	u := testUser("alice")
	require.NoError(t, c.CreateUser(u))
	assert.NotZero(t, u.ID)

	got, err := c.UserByUsername("alice")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	raw, err := os.ReadFile(filepath.Join(dir, "users.json"))
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["username"])
}

func TestCreateUserDuplicateUsername(t *testing.T) {
	c, _ := openTestStore(t)

	require.NoError(t, c.CreateUser(testUser("alice")))
	err := c.CreateUser(testUser("alice"))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestTamperedMirrorRepairedOnOpen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 500*time.Millisecond, testLogger())
	require.NoError(t, err)

	u := testUser("alice")
	require.NoError(t, c.CreateUser(u))
	require.NoError(t, c.Close())

	// Corrupt the mirror behind the coordinator's back.
	usersPath := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(usersPath, []byte(`[{"id":1,"username":"mallory"}]`), 0o600))

	c, err = Open(dir, 500*time.Millisecond, testLogger())
	require.NoError(t, err)
	defer c.Close()

	raw, err := os.ReadFile(usersPath)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["username"], "mirror must be rebuilt from the database")
}

func TestMirrorRepairAfterDirtyWrite(t *testing.T) {
	c, dir := openTestStore(t)

	require.NoError(t, c.CreateUser(testUser("alice")))

	// Simulate a failed mirror write by flagging the table dirty and
	// corrupting the file; the next read must trigger a rewrite.
	usersPath := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(usersPath, []byte("garbage"), 0o600))
	c.markDirty(tableUsers)

	_, err := c.UserByUsername("alice")
	require.NoError(t, err)

	raw, err := os.ReadFile(usersPath)
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(raw, &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", rows[0]["username"])
	assert.False(t, c.isDirty(tableUsers))
}

func TestPathLockerBusy(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "users.json")

	locker := NewPathLocker(50 * time.Millisecond)
	release, err := locker.Acquire(target)
	require.NoError(t, err)
	defer release()

	_, err = locker.Acquire(target)
	assert.ErrorIs(t, err, ErrStoreBusy)
}

func TestPathLockerBreaksStaleLocks(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "users.json")
	lockPath := target + ".lock"

	require.NoError(t, os.WriteFile(lockPath, []byte("999999"), 0o600))
	old := time.Now().Add(-2 * staleLockAge)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	locker := NewPathLocker(100 * time.Millisecond)
	release, err := locker.Acquire(target)
	require.NoError(t, err)
	release()
}

func TestSetOnlinePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 500*time.Millisecond, testLogger())
	require.NoError(t, err)

	u := testUser("alice")
	require.NoError(t, c.CreateUser(u))
	require.NoError(t, c.SetOnline(u.ID, true, time.Now().UTC()))
	require.NoError(t, c.Close())

	c, err = Open(dir, 500*time.Millisecond, testLogger())
	require.NoError(t, err)
	defer c.Close()

	got, err := c.UserByID(u.ID)
	require.NoError(t, err)
	assert.True(t, got.IsOnline)
}

func TestContactLifecycle(t *testing.T) {
	c, _ := openTestStore(t)

	alice := testUser("alice")
	bob := testUser("bob")
	require.NoError(t, c.CreateUser(alice))
	require.NoError(t, c.CreateUser(bob))

	contact, err := c.AddContact(alice.ID, bob.ID, "bobby", time.Now().UTC())
	require.NoError(t, err)
	assert.NotZero(t, contact.ID)

	_, err = c.AddContact(alice.ID, bob.ID, "again", time.Now().UTC())
	assert.ErrorIs(t, err, ErrDuplicate)

	owners, err := c.OwnersOf(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{alice.ID}, owners)

	require.NoError(t, c.RenameContact(alice.ID, bob.ID, "robert"))
	contacts, err := c.ContactsByOwner(alice.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "robert", contacts[0].Nickname)

	require.NoError(t, c.RemoveContact(alice.ID, bob.ID))
	assert.ErrorIs(t, c.RemoveContact(alice.ID, bob.ID), ErrNoRows)
}
