package store

import (
	"encoding/binary"
	"encoding/json"

	log "github.com/go-pkgz/lgr"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/umputun/feed-notifier/app/models"
)

const bucketNameItems = "items"

// BoltItems keeps feed items served by the feed endpoint, keyed by event id
type BoltItems struct {
	DB *bolt.DB
}

// NewBoltItems makes persistent item storage in dbFile
func NewBoltItems(dbFile string) (*BoltItems, error) {
	db, err := openBolt(dbFile)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketNameItems))
		return e
	})
	if err != nil {
		return nil, errors.Wrapf(err, "can't create bucket %s", bucketNameItems)
	}
	return &BoltItems{DB: db}, nil
}

// Save item. Zero EventID gets the next id after the last stored one.
func (b *BoltItems) Save(item models.FeedItem) (models.FeedItem, error) {
	err := b.DB.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketNameItems))
		if item.EventID == 0 {
			item.EventID = lastKey(bucket) + 1
		}

		data, e := json.Marshal(&item)
		if e != nil {
			return e
		}

		log.Printf("[DEBUG] save item %d by %s", item.EventID, item.Author)
		return bucket.Put(itemKey(item.EventID), data)
	})
	if err != nil {
		return models.FeedItem{}, errors.Wrapf(err, "can't save item %d", item.EventID)
	}
	return item, nil
}

// Since returns items with id > sinceID in ascending order and the last stored id
func (b *BoltItems) Since(sinceID int64) (items []models.FeedItem, lastID int64, err error) {
	items = []models.FeedItem{}
	err = b.DB.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketNameItems))
		lastID = lastKey(bucket)
		c := bucket.Cursor()
		for k, v := c.Seek(itemKey(sinceID + 1)); k != nil; k, v = c.Next() {
			item := models.FeedItem{}
			if e := json.Unmarshal(v, &item); e != nil {
				log.Printf("[WARN] failed to unmarshal item %x, %v", k, e)
				continue
			}
			items = append(items, item)
		}
		return nil
	})
	return items, lastID, err
}

// LastID returns the largest stored event id, zero for empty storage
func (b *BoltItems) LastID() (lastID int64, err error) {
	err = b.DB.View(func(tx *bolt.Tx) error {
		lastID = lastKey(tx.Bucket([]byte(bucketNameItems)))
		return nil
	})
	return lastID, err
}

// Close db
func (b *BoltItems) Close() error {
	return b.DB.Close()
}

func lastKey(bucket *bolt.Bucket) int64 {
	k, _ := bucket.Cursor().Last()
	if k == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k))
}

func itemKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
