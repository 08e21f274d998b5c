package database

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// OpenBolt opens the bbolt file shared by the invoice repository and the
// local blob store and makes sure every named bucket exists.
func OpenBolt(path string, buckets ...string) (*bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	if err := EnsureBuckets(db, buckets...); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// EnsureBuckets creates the given buckets if they don't exist
func EnsureBuckets(db *bbolt.DB, buckets ...string) error {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating buckets: %w", err)
	}
	return nil
}
