package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
)

const (
	userPrefix   = "user:"
	uidPrefix    = "uid:"
	friendPrefix = "friend:"
)

// BadgerStore persists identities and friendships in an embedded BadgerDB.
//
// Layout:
//
//	user:<username>              -> CBOR Identity
//	uid:<id>                     -> username
//	friend:<ownerID>:<username>  -> CBOR Friendship
type BadgerStore struct {
	db  *badger.DB
	log *slog.Logger
}

// OpenBadger opens (or creates) a database at path. An empty path opens an
// in-memory database.
func OpenBadger(path string, log *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", path, err)
	}
	return NewBadgerStore(db, log), nil
}

func NewBadgerStore(db *badger.DB, log *slog.Logger) *BadgerStore {
	return &BadgerStore{db: db, log: log}
}

func (s *BadgerStore) CreateIdentity(_ context.Context, username string) (Identity, string, error) {
	identity, secret, err := newIdentity(username)
	if err != nil {
		return Identity{}, "", err
	}

	data, err := cbor.Marshal(identity)
	if err != nil {
		return Identity{}, "", fmt.Errorf("encoding identity: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		key := []byte(userPrefix + username)
		if _, err := txn.Get(key); err == nil {
			return ErrUsernameTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(uidPrefix+identity.ID), []byte(username))
	})
	// The transaction only reads user:<username>, so a conflict means a
	// concurrent registration committed that key first.
	if errors.Is(err, badger.ErrConflict) {
		err = ErrUsernameTaken
	}
	if err != nil {
		if errors.Is(err, ErrUsernameTaken) {
			return Identity{}, "", err
		}
		return Identity{}, "", fmt.Errorf("creating identity %q: %w", username, err)
	}

	s.log.Debug("Identity created", "username", username, "id", identity.ID)
	return identity, secret, nil
}

func (s *BadgerStore) VerifyCredentials(_ context.Context, username, secret string) (string, error) {
	var identity Identity
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(userPrefix + username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return cbor.Unmarshal(val, &identity)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("loading identity %q: %w", username, err)
	}
	return checkSecret(identity, secret)
}

func (s *BadgerStore) AddFriend(_ context.Context, ownerID, friendUsername string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(uidPrefix + ownerID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUnknownUser
		}
		if err != nil {
			return err
		}
		owner, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if string(owner) == friendUsername {
			return ErrSelfReference
		}

		if _, err := txn.Get([]byte(userPrefix + friendUsername)); errors.Is(err, badger.ErrKeyNotFound) {
			return ErrUnknownUser
		} else if err != nil {
			return err
		}

		key := friendKey(ownerID, friendUsername)
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		data, err := cbor.Marshal(Friendship{
			OwnerID:        ownerID,
			FriendUsername: friendUsername,
			CreatedAt:      time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("encoding friendship: %w", err)
		}
		return txn.Set(key, data)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrConflict):
		// Identities are immutable, so the only conflicting write is the same edge.
		return nil
	case errors.Is(err, ErrUnknownUser), errors.Is(err, ErrSelfReference):
		return err
	default:
		return fmt.Errorf("adding friend %q: %w", friendUsername, err)
	}
}

func (s *BadgerStore) ListFriends(_ context.Context, ownerID string) ([]string, error) {
	prefix := friendKey(ownerID, "")
	names, err := s.keysWithPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("listing friends: %w", err)
	}
	return sorted(names), nil
}

func (s *BadgerStore) ListAllUsernames(_ context.Context) ([]string, error) {
	names, err := s.keysWithPrefix([]byte(userPrefix))
	if err != nil {
		return nil, fmt.Errorf("listing usernames: %w", err)
	}
	return sorted(names), nil
}

// keysWithPrefix returns the key suffixes after prefix, without loading values.
func (s *BadgerStore) keysWithPrefix(prefix []byte) ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().Key())
			names = append(names, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	return names, err
}

func (s *BadgerStore) Close() error {
	s.log.Info("Closing BadgerDB")
	return s.db.Close()
}

func friendKey(ownerID, friendUsername string) []byte {
	return []byte(friendPrefix + ownerID + ":" + friendUsername)
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
