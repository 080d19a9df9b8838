// Package state persists session token state between process runs.
// The library itself never persists tokens; the CLI is the caller
// responsible for that, and this is its store.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.gqlsession/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	// Tokens are credentials; the file must not be group/world readable.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	sessionBucket = []byte("session")
	sessionKey    = []byte("current")
	appBucket     = []byte("app")
	endpointKey   = []byte("endpoint")
)

// SessionRecord is the persisted token quadruple. Expiries are epoch
// millis; zero means the backend never reported one.
type SessionRecord struct {
	AccessToken      string `json:"accessToken"`
	RefreshToken     string `json:"refreshToken"`
	ExpiresAt        int64  `json:"expiresAt"`
	RefreshExpiresAt int64  `json:"refreshExpiresAt"`
}

// State wraps a bbolt database for all persistent client state.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(sessionBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Session returns the persisted session record, or nil when none is
// stored.
func (s *State) Session() (*SessionRecord, error) {
	var rec *SessionRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(sessionBucket).Get(sessionKey)
		if v == nil {
			return nil
		}

		rec = &SessionRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading session record: %w", err)
	}

	return rec, nil
}

// SetSession persists the session record, replacing any previous one.
func (s *State) SetSession(rec SessionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding session record: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Put(sessionKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}

	return nil
}

// ClearSession removes the persisted session record, e.g. on logout or
// when the backend invalidates the session.
func (s *State) ClearSession() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionBucket).Delete(sessionKey)
	})
	if err != nil {
		return fmt.Errorf("clearing session record: %w", err)
	}

	return nil
}

// Endpoint returns the cached discovered GraphQL endpoint, or empty
// string. Caching it skips the discovery handshake on later runs.
func (s *State) Endpoint() string {
	var endpoint string

	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(endpointKey)
		if v != nil {
			endpoint = string(v)
		}

		return nil
	})

	return endpoint
}

// SetEndpoint caches the discovered GraphQL endpoint.
func (s *State) SetEndpoint(endpoint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(endpointKey, []byte(endpoint))
	})
}
