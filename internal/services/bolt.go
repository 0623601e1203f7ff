package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/MegaGrindStone/companion-chat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists the application state as one JSON snapshot together with the schema version it
// was written with. Snapshots written by older versions are migrated when loaded.
type BoltDB struct {
	db *bolt.DB
}

var (
	stateBucket = []byte("state")
	snapshotKey = []byte("snapshot")
	versionKey  = []byte("version")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// LoadSnapshot reads the stored state, migrating it to CurrentSnapshotVersion. The boolean is false
// if nothing has been stored yet. A snapshot without a version is treated as version 0.
func (b BoltDB) LoadSnapshot(context.Context) (models.State, bool, error) {
	var (
		raw     []byte
		version int
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		if bucket == nil {
			return nil
		}
		if v := bucket.Get(snapshotKey); v != nil {
			raw = append([]byte(nil), v...)
		}
		if v := bucket.Get(versionKey); v != nil {
			n, err := strconv.Atoi(string(v))
			if err != nil {
				return fmt.Errorf("invalid snapshot version %q: %w", v, err)
			}
			version = n
		}
		return nil
	})
	if err != nil {
		return models.State{}, false, err
	}
	if raw == nil {
		return models.State{}, false, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.State{}, false, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	doc, err = Migrate(doc, version)
	if err != nil {
		return models.State{}, false, err
	}

	migrated, err := json.Marshal(doc)
	if err != nil {
		return models.State{}, false, fmt.Errorf("failed to marshal migrated snapshot: %w", err)
	}

	var state models.State
	if err := json.Unmarshal(migrated, &state); err != nil {
		return models.State{}, false, fmt.Errorf("failed to unmarshal migrated snapshot: %w", err)
	}

	return state, true, nil
}

// SaveSnapshot stores state as the current snapshot. The generating flag and error message are not
// part of the snapshot.
func (b BoltDB) SaveSnapshot(_ context.Context, state models.State) error {
	value, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(stateBucket)
		if bucket == nil {
			return errors.New("state bucket is missing")
		}
		if err := bucket.Put(snapshotKey, value); err != nil {
			return fmt.Errorf("failed to put snapshot: %w", err)
		}
		return bucket.Put(versionKey, []byte(strconv.Itoa(CurrentSnapshotVersion)))
	})
}

// Close closes the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
