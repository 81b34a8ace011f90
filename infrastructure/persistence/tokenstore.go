// Package persistence provides the durable local store for session state:
// the access token, the refresh token and the last-known normalized user
// record. Only the session manager writes to it; every other component reads
// the current access token indirectly through the request pipeline.
package persistence

import (
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"socialclient/domain"
	apperrors "socialclient/pkg/errors"
)

// Storage keys are stable across releases; changing them logs everyone out.
const (
	keyAccess  = "sc_access"
	keyRefresh = "sc_refresh"
	keyUser    = "sc_user"
)

// TokenStore is the durable holder for tokens and the cached user record.
// Absent values are returned as zero values, not errors.
type TokenStore interface {
	AccessToken() (string, error)
	RefreshToken() (string, error)
	User() (*domain.UserRecord, error)

	// SetTokens stores both tokens in one atomic write.
	SetTokens(access, refresh string) error
	SetAccessToken(access string) error
	SetUser(user *domain.UserRecord) error

	// Clear removes tokens and the user record atomically.
	Clear() error

	Close() error
}

// BadgerStore is the production TokenStore backed by an embedded BadgerDB.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// Options configures a BadgerStore.
type Options struct {
	// Path is the directory for the database files. Ignored when InMemory
	// is set.
	Path string

	// InMemory disables disk persistence; used by tests.
	InMemory bool
}

// NewBadgerStore opens (or creates) the store at the given path.
func NewBadgerStore(opts Options, logger *zap.Logger) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.Path).
		WithInMemory(opts.InMemory).
		WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open token store")
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// AccessToken returns the stored access token, or "" if none.
func (s *BadgerStore) AccessToken() (string, error) {
	return s.getString(keyAccess)
}

// RefreshToken returns the stored refresh token, or "" if none.
func (s *BadgerStore) RefreshToken() (string, error) {
	return s.getString(keyRefresh)
}

// User returns the cached user record, or nil if none.
func (s *BadgerStore) User() (*domain.UserRecord, error) {
	raw, err := s.getString(keyUser)
	if err != nil || raw == "" {
		return nil, err
	}
	var user domain.UserRecord
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		// A corrupt cached record is treated as absent; the session
		// manager re-hydrates from the server.
		s.logger.Warn("Discarding unreadable cached user record", zap.Error(err))
		return nil, nil
	}
	return &user, nil
}

// SetTokens stores both tokens in one transaction.
func (s *BadgerStore) SetTokens(access, refresh string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyAccess), []byte(access)); err != nil {
			return err
		}
		return txn.Set([]byte(keyRefresh), []byte(refresh))
	})
	return apperrors.Wrap(err, "failed to store tokens")
}

// SetAccessToken stores a new access token, leaving the refresh token as is.
func (s *BadgerStore) SetAccessToken(access string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyAccess), []byte(access))
	})
	return apperrors.Wrap(err, "failed to store access token")
}

// SetUser stores the normalized user record.
func (s *BadgerStore) SetUser(user *domain.UserRecord) error {
	data, err := json.Marshal(user)
	if err != nil {
		return apperrors.Wrap(err, "failed to encode user record")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyUser), data)
	})
	return apperrors.Wrap(err, "failed to store user record")
}

// Clear removes all session state in one transaction.
func (s *BadgerStore) Clear() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range []string{keyAccess, keyRefresh, keyUser} {
			if err := txn.Delete([]byte(key)); err != nil {
				return err
			}
		}
		return nil
	})
	return apperrors.Wrap(err, "failed to clear token store")
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) getString(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Wrap(err, "failed to read token store")
	}
	return value, nil
}
