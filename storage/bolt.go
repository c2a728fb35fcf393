package storage

import (
	"encoding/json"
	"time"

	"github.com/apex/log"
	"github.com/openvisit/visitwatch/common"
	"github.com/openvisit/visitwatch/visitdb"
	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("visit-snapshots")

// cachedSnapshot one stored row: a snapshot plus its expiry deadline
type cachedSnapshot struct {
	Records []visitdb.VisitRecord `json:"records"`
	Expiry  time.Time             `json:"expiry"`
}

// boltVisitCache bbolt backed VisitCache
type boltVisitCache struct {
	common.Component
	db *bolt.DB
}

// OpenBoltVisitCache define a bbolt backed VisitCache at path
func OpenBoltVisitCache(path string) (VisitCache, error) {
	logTags := log.Fields{
		"module": "storage", "component": "bolt-visit-cache", "instance": path,
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to open cache file")
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSnapshots)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.WithFields(logTags).Info("Opened visit snapshot cache")
	return &boltVisitCache{
		Component: common.Component{LogTags: logTags}, db: db,
	}, nil
}

// Get fetch the records stored under key. Decode failures and expired rows
// degrade to a miss; the live-query path is never blocked on this store.
func (c *boltVisitCache) Get(key string, now time.Time) ([]visitdb.VisitRecord, bool) {
	var row cachedSnapshot
	found := false
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSnapshots).Get([]byte(key))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf("Discarding corrupt row %s", key)
			return nil
		}
		found = true
		return nil
	})
	if err != nil || !found {
		return nil, false
	}
	if now.After(row.Expiry) {
		// expired row is a miss; drop it eagerly
		if err := c.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketSnapshots).Delete([]byte(key))
		}); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf("Failed to drop expired row %s", key)
		}
		return nil, false
	}
	return row.Records, true
}

// Put store records under key with an expiry deadline
func (c *boltVisitCache) Put(key string, records []visitdb.VisitRecord, expiry time.Time) error {
	encoded, err := json.Marshal(&cachedSnapshot{Records: records, Expiry: expiry})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(key), encoded)
	})
}

// Purge remove all expired rows
func (c *boltVisitCache) Purge(now time.Time) (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSnapshots)
		stale := [][]byte{}
		if err := bucket.ForEach(func(k, v []byte) error {
			var row cachedSnapshot
			if err := json.Unmarshal(v, &row); err != nil || now.After(row.Expiry) {
				keyCopy := make([]byte, len(k))
				copy(keyCopy, k)
				stale = append(stale, keyCopy)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Cache purge failed")
		return 0, err
	}
	if removed > 0 {
		log.WithFields(c.LogTags).Infof("Purged %d expired snapshot rows", removed)
	}
	return removed, nil
}

// Close release the underlying store
func (c *boltVisitCache) Close() error {
	return c.db.Close()
}
