// Package auth implements account registration and credential
// verification. Secrets are stored as salted PBKDF2-HMAC-SHA256 digests
// and compared in constant time. Verification failures are deliberately
// coarse: an unknown username and a wrong secret produce the same error,
// so the login path does not leak which usernames exist.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"securemsg/models"
	"securemsg/session"
	"securemsg/store"
)

const (
	saltBytes   = 16
	digestBytes = 32
	minSecret   = 6
)

var (
	// ErrDuplicateUsername means the username is already registered.
	ErrDuplicateUsername = errors.New("username already registered")
	// ErrWeakSecret means the secret fails the minimum length policy.
	ErrWeakSecret = errors.New("secret too weak")
	// ErrInvalidUsername means the username is empty.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrBadCredentials covers both unknown usernames and wrong secrets.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrUnknownUser means a lookup named a user that does not exist.
	ErrUnknownUser = errors.New("unknown user")
)

// Service registers accounts and turns credentials into sessions.
type Service struct {
	store      *store.Coordinator
	sessions   *session.Registry
	iterations int
	log        *logrus.Entry
}

// NewService builds an auth service hashing with the given PBKDF2
// iteration count.
func NewService(st *store.Coordinator, sessions *session.Registry, iterations int, log *logrus.Logger) *Service {
	return &Service{
		store:      st,
		sessions:   sessions,
		iterations: iterations,
		log:        log.WithField("component", "auth"),
	}
}

func deriveKey(secret string, salt []byte, iterations int) []byte {
	return pbkdf2.Key([]byte(secret), salt, iterations, digestBytes, sha256.New)
}

// Register creates a new account. The public key is optional; clients
// that exchange encrypted payloads upload one at registration.
func (s *Service) Register(username, secret, email, publicKey string) (*models.UserAccount, error) {
	if username == "" {
		return nil, ErrInvalidUsername
	}
	if len(secret) < minSecret {
		return nil, ErrWeakSecret
	}

	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &models.UserAccount{
		Username:     username,
		Email:        email,
		PasswordHash: base64.StdEncoding.EncodeToString(deriveKey(secret, salt, s.iterations)),
		Salt:         base64.StdEncoding.EncodeToString(salt),
		Iterations:   s.iterations,
		PublicKey:    publicKey,
		CreatedAt:    now,
		LastActivity: now,
	}

	if err := s.store.CreateUser(u); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicateUsername
		}
		return nil, err
	}

	s.log.WithField("user", username).Info("account registered")
	return u, nil
}

// Authenticate verifies credentials and, on success, issues a session.
// A second login for the same user supersedes the first session.
func (s *Service) Authenticate(username, secret string) (*models.UserAccount, *session.Session, error) {
	u, err := s.store.UserByUsername(username)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, nil, ErrBadCredentials
		}
		return nil, nil, err
	}

	salt, err := base64.StdEncoding.DecodeString(u.Salt)
	if err != nil {
		return nil, nil, ErrBadCredentials
	}
	stored, err := base64.StdEncoding.DecodeString(u.PasswordHash)
	if err != nil {
		return nil, nil, ErrBadCredentials
	}
	if subtle.ConstantTimeCompare(deriveKey(secret, salt, u.Iterations), stored) != 1 {
		return nil, nil, ErrBadCredentials
	}

	sess, err := s.sessions.Create(u.ID, u.Username)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.SetOnline(u.ID, true, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("user", username).Warn("persisting online flag failed")
	}

	s.log.WithField("user", username).Info("login")
	return u, sess, nil
}

// Logout revokes the session named by token and persists the offline
// transition.
func (s *Service) Logout(token string) (*session.Session, error) {
	sess, err := s.sessions.Resolve(token)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(token); err != nil {
		return nil, err
	}
	if err := s.store.SetOnline(sess.UserID, false, time.Now().UTC()); err != nil {
		s.log.WithError(err).WithField("user", sess.Username).Warn("persisting offline flag failed")
	}

	s.log.WithField("user", sess.Username).Info("logout")
	return sess, nil
}

// PublicKey returns the stored public key for a username, possibly empty.
func (s *Service) PublicKey(username string) (string, error) {
	u, err := s.store.UserByUsername(username)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return "", ErrUnknownUser
		}
		return "", err
	}
	return u.PublicKey, nil
}
