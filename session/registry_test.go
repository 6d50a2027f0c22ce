package session

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestCreateAndResolve(t *testing.T) {
	r := NewRegistry("secret", time.Minute, testLogger())

	s, err := r.Create(1, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, s.Token)

	got, err := r.Resolve(s.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.UserID)
	assert.Equal(t, "alice", got.Username)
	assert.True(t, r.Online(1))
}

func TestResolveRejectsForgedToken(t *testing.T) {
	r := NewRegistry("secret", time.Minute, testLogger())
	other := NewRegistry("different", time.Minute, testLogger())

	s, err := other.Create(1, "alice")
	require.NoError(t, err)

	_, err = r.Resolve(s.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = r.Resolve("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSecondLoginSupersedesFirst(t *testing.T) {
	r := NewRegistry("secret", time.Minute, testLogger())

	first, err := r.Create(1, "alice")
	require.NoError(t, err)
	second, err := r.Create(1, "alice")
	require.NoError(t, err)

	// The old token verifies cryptographically but is no longer live.
	_, err = r.Resolve(first.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)

	_, err = r.Resolve(second.Token)
	assert.NoError(t, err)
	assert.True(t, r.Online(1))
}

func TestRevoke(t *testing.T) {
	r := NewRegistry("secret", time.Minute, testLogger())

	s, err := r.Create(1, "alice")
	require.NoError(t, err)

	require.NoError(t, r.Revoke(s.Token))
	_, err = r.Resolve(s.Token)
	assert.ErrorIs(t, err, ErrSessionRevoked)
	assert.False(t, r.Online(1))
}

func TestHeartbeatExtendsSession(t *testing.T) {
	r := NewRegistry("secret", 100*time.Millisecond, testLogger())

	s, err := r.Create(1, "alice")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		time.Sleep(60 * time.Millisecond)
		require.NoError(t, r.Heartbeat(s.Token))
	}

	_, err = r.Resolve(s.Token)
	assert.NoError(t, err, "heartbeats must keep the session alive past the base TTL")
}

func TestResolveExpiredSession(t *testing.T) {
	r := NewRegistry("secret", time.Millisecond, testLogger())

	s, err := r.Create(1, "alice")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = r.Resolve(s.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestSweepEvictsExpiredAndNotifies(t *testing.T) {
	r := NewRegistry("secret", time.Minute, testLogger())

	var mu sync.Mutex
	var events []bool
	done := make(chan struct{}, 4)
	r.Subscribe(func(userID int64, username string, online bool) {
		mu.Lock()
		events = append(events, online)
		mu.Unlock()
		done <- struct{}{}
	})

	s, err := r.Create(1, "alice")
	require.NoError(t, err)
	<-done // online

	evicted := r.Sweep(time.Now().Add(2 * time.Minute))
	require.Len(t, evicted, 1)
	assert.Equal(t, s.ID, evicted[0].ID)
	<-done // offline

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, events)
	assert.False(t, r.Online(1))
}
