// Package directory manages per-user contact lists and answers directory
// listings. Relationships are directed: adding a contact changes only the
// owner's list. Listings join the stored contacts with live presence from
// the session registry, so online flags are never read from disk.
package directory

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"securemsg/models"
	"securemsg/session"
	"securemsg/store"
)

var (
	// ErrSelfContact means a user tried to add themselves.
	ErrSelfContact = errors.New("cannot add self as contact")
	// ErrContactExists means the relationship already exists.
	ErrContactExists = errors.New("contact already exists")
	// ErrUnknownUser means the named peer is not registered.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUnknownContact means the relationship does not exist.
	ErrUnknownContact = errors.New("unknown contact")
)

// Service owns contact list operations.
type Service struct {
	store    *store.Coordinator
	sessions *session.Registry
	log      *logrus.Entry
}

// NewService builds a directory service.
func NewService(st *store.Coordinator, sessions *session.Registry, log *logrus.Logger) *Service {
	return &Service{
		store:    st,
		sessions: sessions,
		log:      log.WithField("component", "directory"),
	}
}

func (s *Service) resolvePeer(username string) (*models.UserAccount, error) {
	peer, err := s.store.UserByUsername(username)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	return peer, nil
}

// AddContact adds peerUsername to the owner's directory. Concurrent adds
// of the same pair are idempotent at the store level; exactly one row
// exists afterwards.
func (s *Service) AddContact(ownerID int64, peerUsername, nickname string) (models.Contact, error) {
	peer, err := s.resolvePeer(peerUsername)
	if err != nil {
		return models.Contact{}, err
	}
	if peer.ID == ownerID {
		return models.Contact{}, ErrSelfContact
	}

	contact, err := s.store.AddContact(ownerID, peer.ID, nickname, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return models.Contact{}, ErrContactExists
		}
		return models.Contact{}, err
	}

	s.log.WithFields(logrus.Fields{"owner": ownerID, "peer": peerUsername}).Info("contact added")
	return contact, nil
}

// RenameContact changes the nickname on an existing relationship.
func (s *Service) RenameContact(ownerID int64, peerUsername, nickname string) error {
	peer, err := s.resolvePeer(peerUsername)
	if err != nil {
		return err
	}
	if err := s.store.RenameContact(ownerID, peer.ID, nickname); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrUnknownContact
		}
		return err
	}
	return nil
}

// RemoveContact deletes the relationship from the owner's directory only.
func (s *Service) RemoveContact(ownerID int64, peerUsername string) error {
	peer, err := s.resolvePeer(peerUsername)
	if err != nil {
		return err
	}
	if err := s.store.RemoveContact(ownerID, peer.ID); err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return ErrUnknownContact
		}
		return err
	}

	s.log.WithFields(logrus.Fields{"owner": ownerID, "peer": peerUsername}).Info("contact removed")
	return nil
}

// List returns the owner's contacts in insertion order, each joined with
// the peer's current username and live online status.
func (s *Service) List(ownerID int64) ([]models.PresenceEntry, error) {
	contacts, err := s.store.ContactsByOwner(ownerID)
	if err != nil {
		return nil, err
	}

	entries := make([]models.PresenceEntry, 0, len(contacts))
	for _, c := range contacts {
		peer, err := s.store.UserByID(c.PeerID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				continue
			}
			return nil, err
		}
		entries = append(entries, models.PresenceEntry{
			PeerID:   c.PeerID,
			Username: peer.Username,
			Nickname: c.Nickname,
			Online:   s.sessions.Online(c.PeerID),
		})
	}
	return entries, nil
}

// OwnersOf returns every user who has peerID in their directory. Presence
// transitions fan out to exactly this set.
func (s *Service) OwnersOf(peerID int64) ([]int64, error) {
	return s.store.OwnersOf(peerID)
}
