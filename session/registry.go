// Package session tracks authenticated sessions. The in-memory registry
// is the single authority on liveness: a token is valid only while its
// entry exists here, so revocation and supersede take effect immediately
// regardless of what the token itself says. Transport state is derived
// from this registry, never the other way around.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidToken means the token is malformed or its signature does
	// not verify.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrSessionExpired means the session outlived its TTL without a
	// heartbeat.
	ErrSessionExpired = errors.New("session expired")
	// ErrSessionRevoked means the session was logged out or superseded by
	// a newer login.
	ErrSessionRevoked = errors.New("session revoked")
)

// Session is one live authenticated session.
type Session struct {
	ID        string // token jti, the registry key
	Token     string // signed compact token handed to the client
	UserID    int64
	Username  string
	ExpiresAt time.Time
}

type claims struct {
	UserID int64 `json:"uid"`
	jwt.RegisteredClaims
}

// Listener observes presence transitions: online true when a user gains
// their first live session, false when their last one ends.
type Listener func(userID int64, username string, online bool)

// Registry issues, resolves and expires sessions. Tokens are HS256-signed
// so a forged or tampered token fails before any map lookup, but the
// registry entry, not the token, decides whether a session is alive.
type Registry struct {
	secret []byte
	ttl    time.Duration
	log    *logrus.Entry

	mu        sync.RWMutex
	byID      map[string]*Session
	byUser    map[int64]string // userID -> session ID
	listeners []Listener
}

// NewRegistry builds a registry with the given signing secret and session
// TTL. An empty secret gets a random per-process one, which invalidates
// all tokens across restarts.
func NewRegistry(secret string, ttl time.Duration, log *logrus.Logger) *Registry {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("session: cannot read random secret: " + err.Error())
		}
	}
	return &Registry{
		secret: key,
		ttl:    ttl,
		log:    log.WithField("component", "session"),
		byID:   make(map[string]*Session),
		byUser: make(map[int64]string),
	}
}

// Subscribe registers a presence listener. Must be called before the
// registry starts handing out sessions.
func (r *Registry) Subscribe(fn Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

func (r *Registry) notify(userID int64, username string, online bool) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		go fn(userID, username, online)
	}
}

// Create issues a session for the user. Any prior session of the same
// user is superseded: its token stops resolving immediately. A supersede
// is not an offline transition, the user never left.
func (r *Registry) Create(userID int64, username string) (*Session, error) {
	id := uuid.NewString()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       id,
			Subject:  username,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}).SignedString(r.secret)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        id,
		Token:     token,
		UserID:    userID,
		Username:  username,
		ExpiresAt: time.Now().Add(r.ttl),
	}

	r.mu.Lock()
	old, hadLive := r.byUser[userID]
	if hadLive {
		delete(r.byID, old)
	}
	r.byID[id] = s
	r.byUser[userID] = id
	r.mu.Unlock()

	if !hadLive {
		r.notify(userID, username, true)
	} else {
		r.log.WithField("user", username).Info("session superseded by new login")
	}
	return s, nil
}

// parse verifies the token signature and extracts its claims.
func (r *Registry) parse(token string) (*claims, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return r.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return &c, nil
}

// Resolve maps a token to its live session. The signature gate rejects
// forged tokens; the map lookup rejects revoked, superseded and expired
// ones.
func (r *Registry) Resolve(token string) (*Session, error) {
	c, err := r.parse(token)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[c.ID]
	if !ok {
		return nil, ErrSessionRevoked
	}
	if time.Now().After(s.ExpiresAt) {
		r.evictLocked(s)
		return nil, ErrSessionExpired
	}
	return s, nil
}

// Heartbeat extends the session TTL. Any authenticated frame counts as a
// heartbeat, not just the dedicated keepalive.
func (r *Registry) Heartbeat(token string) error {
	c, err := r.parse(token)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byID[c.ID]
	if !ok {
		return ErrSessionRevoked
	}
	if time.Now().After(s.ExpiresAt) {
		r.evictLocked(s)
		return ErrSessionExpired
	}
	s.ExpiresAt = time.Now().Add(r.ttl)
	return nil
}

// Revoke ends the session named by token (logout).
func (r *Registry) Revoke(token string) error {
	c, err := r.parse(token)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok := r.byID[c.ID]
	if ok {
		r.evictLocked(s)
	}
	r.mu.Unlock()

	if !ok {
		return ErrSessionRevoked
	}
	r.notify(s.UserID, s.Username, false)
	return nil
}

// evictLocked removes a session from both indexes. Caller holds r.mu.
func (r *Registry) evictLocked(s *Session) {
	delete(r.byID, s.ID)
	if r.byUser[s.UserID] == s.ID {
		delete(r.byUser, s.UserID)
	}
}

// Online reports whether the user currently holds a live session.
func (r *Registry) Online(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byUser[userID]
	if !ok {
		return false
	}
	s := r.byID[id]
	return s != nil && time.Now().Before(s.ExpiresAt)
}

// Sweep evicts every expired session and returns the evicted ones.
// Listeners get an offline notification per evicted user.
func (r *Registry) Sweep(now time.Time) []*Session {
	r.mu.Lock()
	var evicted []*Session
	for _, s := range r.byID {
		if now.After(s.ExpiresAt) {
			evicted = append(evicted, s)
		}
	}
	for _, s := range evicted {
		r.evictLocked(s)
	}
	r.mu.Unlock()

	for _, s := range evicted {
		r.log.WithField("user", s.Username).Info("session expired")
		r.notify(s.UserID, s.Username, false)
	}
	return evicted
}

// Run sweeps expired sessions on the given interval until ctx is done.
func (r *Registry) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}
