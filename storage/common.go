package storage

import (
	"time"

	"github.com/openvisit/visitwatch/visitdb"
)

// VisitCache durable local cache of visit snapshots, used as a best-effort
// warm-start source for listener entries. Expired rows behave as a miss.
type VisitCache interface {
	// Get fetch the records stored under key, if present and unexpired
	Get(key string, now time.Time) ([]visitdb.VisitRecord, bool)
	// Put store records under key with an expiry deadline
	Put(key string, records []visitdb.VisitRecord, expiry time.Time) error
	// Purge remove all expired rows, returning the number removed
	Purge(now time.Time) (int, error)
	// Close release the underlying store
	Close() error
}
