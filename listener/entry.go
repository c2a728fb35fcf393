package listener

import (
	"fmt"
	"time"

	"github.com/openvisit/visitwatch/daterange"
	"github.com/openvisit/visitwatch/visitdb"
)

// TTLPolicy the priority-ordered staleness policy for listener entries.
// TTL expiry only marks an entry eligible for garbage collection; snapshot
// updates arrive push-based regardless.
type TTLPolicy struct {
	// Admin TTL for admin-scoped entries, the shortest class
	Admin time.Duration
	// Recent TTL for entries whose window starts within the recency horizon
	Recent time.Duration
	// Historical TTL for entries covering only data older than the horizon
	Historical time.Duration
	// Shared TTL for entries carrying multiple active subscribers
	Shared time.Duration
	// Default TTL when no other rule applies
	Default time.Duration
	// RecencyHorizon splits recent from historical data
	RecencyHorizon time.Duration
}

// subscriberReg one consumer attached to a listener entry
type subscriberReg struct {
	requested daterange.Range
	onData    func([]visitdb.VisitRecord)
	onError   func(error)
}

// listenerEntry the shared state of one live subscription. Owned
// exclusively by the cache; all access runs under the cache lock.
type listenerEntry struct {
	key          string
	userID       string
	isAdmin      bool
	seeAllVisits bool

	// cancelQuery stops the current live query; nil when no query is open
	cancelQuery func()
	// generation identifies the current live query so snapshots of a
	// cancelled query are discarded
	generation uint64

	// data is the latest full result set, not pre-filtered per subscriber
	data []visitdb.VisitRecord
	// dateRange is the window the current live query covers
	dateRange daterange.Range
	// maxRange is the ceiling the window may grow to through lazy extension
	maxRange daterange.Range

	ttl           time.Duration
	lastUpdated   time.Time
	subscribers   map[string]*subscriberReg
	isActive      bool
	inactiveSince time.Time
	isInitialLoad bool
}

// calculateTTL pick the entry's TTL per the priority-ordered policy
func (e *listenerEntry) calculateTTL(now time.Time, pol TTLPolicy) time.Duration {
	horizon := now.Add(-pol.RecencyHorizon)
	switch {
	case e.isAdmin:
		return pol.Admin
	case e.dateRange.Start.After(horizon):
		return pol.Recent
	case e.dateRange.End.Before(horizon):
		return pol.Historical
	case len(e.subscribers) > 1:
		return pol.Shared
	default:
		return pol.Default
	}
}

// identityKey the access-scope key entries are shared under. Two requests
// share one live query only when userID, isAdmin and seeAllVisits all match.
func identityKey(userID string, isAdmin, seeAllVisits bool) string {
	if userID == "" {
		userID = "anonymous"
	}
	return fmt.Sprintf("%s|admin=%t|all=%t", userID, isAdmin, seeAllVisits)
}

// warmCacheKey the persistent-cache namespace of the entry's current window
func (e *listenerEntry) warmCacheKey() string {
	return fmt.Sprintf(
		"visits/%s/%s..%s",
		e.key,
		e.dateRange.Start.Format("2006-01-02"),
		e.dateRange.End.Format("2006-01-02"),
	)
}
