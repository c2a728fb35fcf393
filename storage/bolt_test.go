package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	bolt "go.etcd.io/bbolt"

	"github.com/openvisit/visitwatch/visitdb"
)

func TestBoltVisitCacheBasicOps(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cachePath := filepath.Join(t.TempDir(), "visit-cache.db")
	uut, err := OpenBoltVisitCache(cachePath)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	key := uuid.New().String()

	// Case 0: missing key is a miss
	_, hit := uut.Get(key, now)
	assert.False(hit)

	// Case 1: stored rows read back before expiry
	stored := []visitdb.VisitRecord{
		{ID: "v0", Date: now, FilledByUID: "user-a"},
		{ID: "v1", Date: now.Add(time.Hour), FilledByUID: "user-b"},
	}
	assert.Nil(uut.Put(key, stored, now.Add(time.Minute*5)))
	fetched, hit := uut.Get(key, now.Add(time.Minute))
	assert.True(hit)
	assert.Len(fetched, 2)
	assert.Equal("v0", fetched[0].ID)
	assert.Equal("user-b", fetched[1].FilledByUID)

	// Case 2: an empty snapshot is a valid row, not a miss
	emptyKey := uuid.New().String()
	assert.Nil(uut.Put(emptyKey, []visitdb.VisitRecord{}, now.Add(time.Minute*5)))
	fetched, hit = uut.Get(emptyKey, now)
	assert.True(hit)
	assert.Empty(fetched)

	// Case 3: overwrite replaces the row wholesale
	assert.Nil(uut.Put(key, stored[:1], now.Add(time.Minute*5)))
	fetched, hit = uut.Get(key, now)
	assert.True(hit)
	assert.Len(fetched, 1)
}

func TestBoltVisitCacheExpiry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cachePath := filepath.Join(t.TempDir(), "visit-cache.db")
	uut, err := OpenBoltVisitCache(cachePath)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	key := uuid.New().String()
	stored := []visitdb.VisitRecord{{ID: "v0", Date: now}}
	assert.Nil(uut.Put(key, stored, now.Add(time.Minute)))

	// Case 0: readable up to the deadline
	_, hit := uut.Get(key, now.Add(time.Minute))
	assert.True(hit)

	// Case 1: past the deadline the row is a miss and gets dropped
	_, hit = uut.Get(key, now.Add(time.Minute*2))
	assert.False(hit)

	// Case 2: still a miss at a pre-deadline read time, as the row is gone
	_, hit = uut.Get(key, now)
	assert.False(hit)
}

func TestBoltVisitCachePurge(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cachePath := filepath.Join(t.TempDir(), "visit-cache.db")
	uut, err := OpenBoltVisitCache(cachePath)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	records := []visitdb.VisitRecord{{ID: "v0", Date: now}}
	assert.Nil(uut.Put("fresh-0", records, now.Add(time.Hour)))
	assert.Nil(uut.Put("fresh-1", records, now.Add(time.Hour)))
	assert.Nil(uut.Put("stale-0", records, now.Add(-time.Hour)))
	assert.Nil(uut.Put("stale-1", records, now.Add(-time.Minute)))

	// Case 0: purge removes only expired rows
	removed, err := uut.Purge(now)
	assert.Nil(err)
	assert.Equal(2, removed)
	_, hit := uut.Get("fresh-0", now)
	assert.True(hit)
	_, hit = uut.Get("stale-0", now)
	assert.False(hit)

	// Case 1: repeat purge finds nothing
	removed, err = uut.Purge(now)
	assert.Nil(err)
	assert.Equal(0, removed)
}

func TestBoltVisitCacheDurability(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cachePath := filepath.Join(t.TempDir(), "visit-cache.db")
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	goodKey := "good-row"
	badKey := "bad-row"

	// Case 0: rows survive a close and reopen
	{
		uut, err := OpenBoltVisitCache(cachePath)
		assert.Nil(err)
		records := []visitdb.VisitRecord{{ID: "v0", Date: now}}
		assert.Nil(uut.Put(goodKey, records, now.Add(time.Hour)))
		assert.Nil(uut.Put(badKey, records, now.Add(time.Hour)))
		assert.Nil(uut.Close())
	}

	// corrupt one row out-of-band
	{
		db, err := bolt.Open(cachePath, 0600, &bolt.Options{Timeout: time.Second})
		assert.Nil(err)
		assert.Nil(db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket([]byte("visit-snapshots")).Put([]byte(badKey), []byte("not json"))
		}))
		assert.Nil(db.Close())
	}

	// Case 1: the good row reads back, the corrupt one degrades to a miss
	{
		uut, err := OpenBoltVisitCache(cachePath)
		assert.Nil(err)
		defer func() {
			assert.Nil(uut.Close())
		}()
		fetched, hit := uut.Get(goodKey, now)
		assert.True(hit)
		assert.Len(fetched, 1)
		_, hit = uut.Get(badKey, now)
		assert.False(hit)

		// Case 2: purge also clears the corrupt row
		removed, err := uut.Purge(now)
		assert.Nil(err)
		assert.Equal(1, removed)
	}
}
