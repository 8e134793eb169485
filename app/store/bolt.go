package store

import (
	"context"
	"os"
	"path"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

const bucketNameState = "state"

// BoltState implements State with bolt db. One process owns the file,
// actors sharing the state run in this process.
type BoltState struct {
	DB *bolt.DB
}

// NewBoltState makes persistent state in dbFile
func NewBoltState(dbFile string) (*BoltState, error) {
	db, err := openBolt(dbFile)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketNameState))
		return e
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't create bucket %s", bucketNameState)
	}
	return &BoltState{DB: db}, nil
}

func openBolt(dbFile string) (*bolt.DB, error) {
	log.Printf("[INFO] bolt (persistent) store, %s", dbFile)
	if err := os.MkdirAll(path.Dir(dbFile), 0700); err != nil {
		return nil, errors.Wrapf(err, "can't make directory for %s", dbFile)
	}

	db, err := bolt.Open(dbFile, 0600, &bolt.Options{Timeout: 1 * time.Second}) // nolint
	if err != nil {
		return nil, errors.Wrapf(err, "can't open %s", dbFile)
	}
	return db, nil
}

// Get value by key
func (b *BoltState) Get(_ context.Context, key string) (res []byte, err error) {
	err = b.DB.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucketNameState)).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// bolt value is valid only inside the transaction
		res = make([]byte, len(v))
		copy(res, v)
		return nil
	})
	return res, err
}

// Put value for key
func (b *BoltState) Put(_ context.Context, key string, value []byte) error {
	err := b.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketNameState)).Put([]byte(key), value)
	})
	return errors.Wrapf(err, "can't put %s", key)
}

// Delete key, missing key ignored
func (b *BoltState) Delete(_ context.Context, key string) error {
	err := b.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketNameState)).Delete([]byte(key))
	})
	return errors.Wrapf(err, "can't delete %s", key)
}

// Close db
func (b *BoltState) Close() error {
	return b.DB.Close()
}
