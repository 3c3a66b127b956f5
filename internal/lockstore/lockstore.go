package lockstore

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// LOCK STORE - Short-lived coordination state on Badger
// ═══════════════════════════════════════════════════════════════════════════════
//
// Three key families, all TTL-expired by Badger itself:
//
//   lock:<name>       admission locks; fail-closed (store trouble = no lock)
//   beat:<service>    liveness heartbeats read by the health endpoint
//   deny:<sha256>     revoked API tokens; fail-open (store trouble = allow)
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrLockHeld means another holder owns the lock and its TTL has not lapsed.
var ErrLockHeld = errors.New("lock already held")

const (
	lockPrefix = "lock:"
	beatPrefix = "beat:"
	denyPrefix = "deny:"
)

type Store struct {
	db *badger.DB
}

// Open creates or reopens the store at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("lockstore: path is required")
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("lockstore: open %s: %w", path, err)
	}
	log.Info().Str("path", path).Msg("Lock store opened")
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Acquire takes the named lock for ttl. Expired locks count as free. A
// concurrent acquisition surfaces as a Badger conflict and loses; any other
// store failure also reports as not acquired.
func (s *Store) Acquire(name string, holder string, ttl time.Duration) error {
	key := []byte(lockPrefix + name)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return ErrLockHeld
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		entry := badger.NewEntry(key, []byte(holder)).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrLockHeld
	}
	return err
}

// Release frees the named lock if holder still owns it. Releasing an
// expired or foreign lock is a no-op; the TTL is the real safety net.
func (s *Store) Release(name string, holder string) error {
	key := []byte(lockPrefix + name)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		owned := false
		if verr := item.Value(func(val []byte) error {
			owned = string(val) == holder
			return nil
		}); verr != nil {
			return verr
		}
		if !owned {
			return nil
		}
		return txn.Delete(key)
	})
}

// Holder reports who owns the named lock, if anyone.
func (s *Store) Holder(name string) (string, bool, error) {
	var holder string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(lockPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			holder = string(val)
			return nil
		})
	})
	return holder, found, err
}

// Beat records that a service loop is alive for ttl.
func (s *Store) Beat(service string, ttl time.Duration) error {
	key := []byte(beatPrefix + service)
	stamp := []byte(time.Now().UTC().Format(time.RFC3339))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, stamp).WithTTL(ttl))
	})
}

// Heartbeats returns every live service and its last beat time.
func (s *Store) Heartbeats() (map[string]time.Time, error) {
	beats := make(map[string]time.Time)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(beatPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			service := strings.TrimPrefix(string(item.Key()), beatPrefix)
			err := item.Value(func(val []byte) error {
				at, err := time.Parse(time.RFC3339, string(val))
				if err == nil {
					beats[service] = at
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return beats, err
}

// RevokeToken denies a bearer token until its TTL lapses. Only the hash is
// stored.
func (s *Store) RevokeToken(token string, ttl time.Duration) error {
	key := []byte(denyPrefix + hashToken(token))
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, []byte{1}).WithTTL(ttl))
	})
}

// TokenRevoked reports whether a token is denied. Store trouble reads as
// not revoked so auth keeps working through disk hiccups.
func (s *Store) TokenRevoked(token string) bool {
	revoked := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(denyPrefix + hashToken(token)))
		if err == nil {
			revoked = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		log.Warn().Err(err).Msg("⚠️ Token revocation check failed, allowing")
		return false
	}
	return revoked
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
