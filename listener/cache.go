package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/openvisit/visitwatch/common"
	"github.com/openvisit/visitwatch/daterange"
	"github.com/openvisit/visitwatch/storage"
	"github.com/openvisit/visitwatch/visitdb"
)

// CacheStats operational view of the shared listener cache
type CacheStats struct {
	// ActiveListeners number of listener entries currently held
	ActiveListeners int `json:"active_listeners"`
	// TotalSubscribers number of consumers attached across all entries
	TotalSubscribers int `json:"total_subscribers"`
	// MemoryUsageBytes estimated footprint of the buffered snapshots,
	// measured as their serialized JSON size
	MemoryUsageBytes int64 `json:"memory_usage_bytes"`
	// AverageDataAge mean time since each entry's last snapshot
	AverageDataAge time.Duration `json:"average_data_age_ns"`
	// StaleListeners entries whose data age exceeds their TTL
	StaleListeners int `json:"stale_listeners"`
	// TTLDistribution entry count per assigned TTL
	TTLDistribution map[string]int `json:"ttl_distribution"`
}

// DataHandler receives a subscriber's range-scoped view of a snapshot
type DataHandler func(records []visitdb.VisitRecord)

// ErrorHandler receives live-query transport failures of the entry the
// subscriber is attached to
type ErrorHandler func(err error)

// Cache the shared listener cache: multiplexes consumers onto at most one
// live range query per identity triple, with lazy range extension,
// TTL-based eviction, and durable warm start.
type Cache interface {
	// Subscribe attach a consumer. Any prior registration under the same
	// componentID is replaced. If the matched entry already buffers data,
	// onData fires synchronously with the requester's scoped view. The
	// returned closure detaches the consumer and is safe to call twice.
	Subscribe(
		componentID string,
		userID string,
		isAdmin bool,
		seeAllVisits bool,
		requested daterange.Range,
		onData DataHandler,
		onError ErrorHandler,
	) (unsubscribe func(), err error)
	// RefreshAll bump every active entry's lastUpdated and re-notify its
	// subscribers from buffered data
	RefreshAll()
	// Cleanup run one eviction sweep; normally timer driven, exposed for
	// direct control
	Cleanup()
	// Stats report the cache's operational state
	Stats() CacheStats
	// Start begin periodic eviction and write-behind persistence
	Start() error
	// Stop halt periodic eviction and write-behind persistence
	Stop() error
	// Destroy cancel every live query and clear all tables
	Destroy()
}

// CacheConfig parameters of the shared listener cache
type CacheConfig struct {
	// TTL the entry staleness policy
	TTL TTLPolicy
	// CleanupInterval period of the eviction sweep
	CleanupInterval time.Duration
	// MaxEntryIdle absolute staleness ceiling, evicts regardless of TTL
	MaxEntryIdle time.Duration
	// DrainGrace retention period of subscriber-less entries
	DrainGrace time.Duration
	// ExtensionBuffer padding applied around a requested range on extension
	ExtensionBuffer time.Duration
	// DefaultWindow radius of a new entry's initial window around now
	DefaultWindow time.Duration
	// MaxWindow radius of a new entry's extension ceiling around now
	MaxWindow time.Duration
	// QueryLimit result bound of each live query
	QueryLimit int
	// Now clock source; defaults to time.Now. Injectable for tests.
	Now func() time.Time
}

// ConfigFromCommon translate the service config into cache parameters
func ConfigFromCommon(cfg common.ListenerCacheConfig) CacheConfig {
	day := time.Hour * 24
	return CacheConfig{
		TTL: TTLPolicy{
			Admin:          time.Second * time.Duration(cfg.TTL.AdminSec),
			Recent:         time.Second * time.Duration(cfg.TTL.RecentSec),
			Historical:     time.Second * time.Duration(cfg.TTL.HistoricalSec),
			Shared:         time.Second * time.Duration(cfg.TTL.SharedSec),
			Default:        time.Second * time.Duration(cfg.TTL.DefaultSec),
			RecencyHorizon: day * 7,
		},
		CleanupInterval: time.Second * time.Duration(cfg.CleanupIntervalSec),
		MaxEntryIdle:    time.Second * time.Duration(cfg.MaxEntryIdleSec),
		DrainGrace:      time.Second * time.Duration(cfg.DrainGraceSec),
		ExtensionBuffer: day * time.Duration(cfg.ExtensionBufferDays),
		DefaultWindow:   day * time.Duration(cfg.DefaultWindowDays),
		MaxWindow:       day * 365,
		QueryLimit:      cfg.QueryLimit,
	}
}

// persistSnapshotTask write-behind request for the warm-start cache
type persistSnapshotTask struct {
	key     string
	records []visitdb.VisitRecord
	expiry  time.Time
}

// sharedListenerCacheImpl implements Cache
type sharedListenerCacheImpl struct {
	common.Component
	transport visitdb.QueryTransport
	warmCache storage.VisitCache
	cfg       CacheConfig
	nowFn     func() time.Time

	lock *sync.Mutex
	// entries keyed by identity triple
	entries map[string]*listenerEntry
	// byComponent maps each registered componentID to its entry key
	byComponent map[string]string
	destroyed   bool

	sweep     common.IntervalTimer
	persistTP common.TaskProcessor
	rootCtxt  context.Context
}

// DefineSharedListenerCache create the shared listener cache. warmCache may
// be nil to disable warm start and write-behind.
func DefineSharedListenerCache(
	transport visitdb.QueryTransport,
	warmCache storage.VisitCache,
	cfg CacheConfig,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (Cache, error) {
	if transport == nil {
		return nil, fmt.Errorf("listener cache requires a query transport")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logTags := log.Fields{
		"module": "listener", "component": "shared-cache",
	}
	sweep, err := common.GetIntervalTimerInstance("listener-evict", rootCtxt, wg)
	if err != nil {
		return nil, err
	}
	persistTP, err := common.GetNewTaskProcessorInstance("listener-persist", 64, rootCtxt)
	if err != nil {
		return nil, err
	}
	instance := &sharedListenerCacheImpl{
		Component:   common.Component{LogTags: logTags},
		transport:   transport,
		warmCache:   warmCache,
		cfg:         cfg,
		nowFn:       cfg.Now,
		lock:        &sync.Mutex{},
		entries:     make(map[string]*listenerEntry),
		byComponent: make(map[string]string),
		sweep:       sweep,
		persistTP:   persistTP,
		rootCtxt:    rootCtxt,
	}
	if err := persistTP.AddToTaskExecutionMap(
		reflect.TypeOf(persistSnapshotTask{}),
		instance.processPersistSnapshot,
	); err != nil {
		return nil, err
	}
	if err := persistTP.StartEventLoop(wg); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start begin the periodic eviction sweep
func (c *sharedListenerCacheImpl) Start() error {
	return c.sweep.Start(c.cfg.CleanupInterval, func() error {
		c.Cleanup()
		return nil
	}, false)
}

// Stop halt the periodic eviction sweep and write-behind loop
func (c *sharedListenerCacheImpl) Stop() error {
	if err := c.sweep.Stop(); err != nil {
		return err
	}
	return c.persistTP.StopEventLoop()
}

// ========================================================================
// Subscribe

// Subscribe attach a consumer to a compatible entry, creating or lazily
// extending one as needed
func (c *sharedListenerCacheImpl) Subscribe(
	componentID string,
	userID string,
	isAdmin bool,
	seeAllVisits bool,
	requested daterange.Range,
	onData DataHandler,
	onError ErrorHandler,
) (func(), error) {
	if componentID == "" {
		return nil, fmt.Errorf("componentID is required")
	}
	if requested.End.Before(requested.Start) {
		return nil, fmt.Errorf("requested range %s is inverted", requested)
	}
	if onData == nil || onError == nil {
		return nil, fmt.Errorf("onData and onError callbacks are required")
	}

	c.lock.Lock()
	if c.destroyed {
		c.lock.Unlock()
		return nil, fmt.Errorf("listener cache already destroyed")
	}

	// a new registration for the componentID replaces any prior one
	c.detachLocked(componentID)

	key := identityKey(userID, isAdmin, seeAllVisits)
	now := c.nowFn()
	entry, found := c.entries[key]
	if !found {
		var err error
		entry, err = c.createEntryLocked(key, userID, isAdmin, seeAllVisits, requested, now)
		if err != nil {
			c.lock.Unlock()
			return nil, err
		}
	} else {
		// a draining entry is reclaimed by the next subscriber
		entry.isActive = true
		entry.inactiveSince = time.Time{}
		if daterange.NeedsExtension(entry.dateRange, requested) {
			if err := c.extendEntryLocked(entry, requested); err != nil {
				c.lock.Unlock()
				return nil, err
			}
		}
	}

	entry.subscribers[componentID] = &subscriberReg{
		requested: requested, onData: onData, onError: onError,
	}
	c.byComponent[componentID] = key
	entry.ttl = entry.calculateTTL(now, c.cfg.TTL)

	// cache-hit fast path: hand buffered data to the new subscriber
	var buffered []visitdb.VisitRecord
	deliver := entry.data != nil
	if deliver {
		buffered = daterange.FilterVisits(entry.data, requested)
	}
	c.lock.Unlock()
	if deliver {
		onData(buffered)
	}

	removed := false
	unsubscribe := func() {
		c.lock.Lock()
		defer c.lock.Unlock()
		if removed {
			return
		}
		removed = true
		c.detachLocked(componentID)
	}
	return unsubscribe, nil
}

// detachLocked drop a consumer's registration, marking its entry as
// draining when the last subscriber leaves
func (c *sharedListenerCacheImpl) detachLocked(componentID string) {
	key, ok := c.byComponent[componentID]
	if !ok {
		return
	}
	delete(c.byComponent, componentID)
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	delete(entry.subscribers, componentID)
	now := c.nowFn()
	if len(entry.subscribers) == 0 {
		// eviction candidate after the drain grace, not destroyed yet, so
		// quick remount cycles reuse the live query
		entry.isActive = false
		entry.inactiveSince = now
	}
	entry.ttl = entry.calculateTTL(now, c.cfg.TTL)
}

// createEntryLocked build a new entry for an identity triple, seed it from
// the warm-start cache, and open its live query
func (c *sharedListenerCacheImpl) createEntryLocked(
	key, userID string,
	isAdmin, seeAllVisits bool,
	requested daterange.Range,
	now time.Time,
) (*listenerEntry, error) {
	window := daterange.Window(now, c.cfg.DefaultWindow)
	entry := &listenerEntry{
		key:           key,
		userID:        userID,
		isAdmin:       isAdmin,
		seeAllVisits:  seeAllVisits,
		dateRange:     window,
		maxRange:      daterange.Window(now, c.cfg.MaxWindow),
		lastUpdated:   now,
		subscribers:   make(map[string]*subscriberReg),
		isActive:      true,
		isInitialLoad: true,
	}
	if daterange.NeedsExtension(entry.dateRange, requested) {
		entry.dateRange = c.grownRange(entry, requested)
	}
	entry.ttl = entry.calculateTTL(now, c.cfg.TTL)

	// best-effort warm start; a miss just leaves the initial load pending
	if c.warmCache != nil {
		if records, hit := c.warmCache.Get(entry.warmCacheKey(), now); hit {
			entry.data = records
			log.WithFields(c.LogTags).Debugf(
				"Warm start for %s with %d records", key, len(records),
			)
		}
	}

	if err := c.openQueryLocked(entry); err != nil {
		return nil, err
	}
	c.entries[key] = entry
	log.WithFields(c.LogTags).Infof("Created listener %s covering %s", key, entry.dateRange)
	return entry, nil
}

// grownRange widen an entry's window to cover requested with extension
// buffer, staying inside maxRange; a request beyond the ceiling raises the
// ceiling to exactly cover it
func (c *sharedListenerCacheImpl) grownRange(
	entry *listenerEntry, requested daterange.Range,
) daterange.Range {
	grown := daterange.Extend(entry.dateRange, requested, c.cfg.ExtensionBuffer)
	if !entry.maxRange.Contains(grown) {
		if grown.Start.Before(entry.maxRange.Start) {
			grown.Start = entry.maxRange.Start
		}
		if grown.End.After(entry.maxRange.End) {
			grown.End = entry.maxRange.End
		}
		grown = daterange.Union(grown, requested)
		entry.maxRange = daterange.Union(entry.maxRange, grown)
	}
	return grown
}

// extendEntryLocked widen an entry in place: cancel the current live query
// and open one covering the extended range, preserving subscribers. The
// entry keeps its buffered data until the wider query's first snapshot.
func (c *sharedListenerCacheImpl) extendEntryLocked(
	entry *listenerEntry, requested daterange.Range,
) error {
	extended := c.grownRange(entry, requested)
	log.WithFields(c.LogTags).Infof(
		"Extending listener %s from %s to %s", entry.key, entry.dateRange, extended,
	)
	if entry.cancelQuery != nil {
		entry.cancelQuery()
		entry.cancelQuery = nil
	}
	entry.dateRange = extended
	return c.openQueryLocked(entry)
}

// openQueryLocked open the live query covering the entry's current window
func (c *sharedListenerCacheImpl) openQueryLocked(entry *listenerEntry) error {
	entry.generation++
	generation := entry.generation
	key := entry.key
	spec := visitdb.RangeQuerySpec{
		Start: entry.dateRange.Start,
		End:   entry.dateRange.End,
		Limit: c.cfg.QueryLimit,
	}
	if !entry.seeAllVisits && entry.userID != "" {
		spec.OwnerUID = entry.userID
	}
	cancel, err := c.transport.OpenRange(
		c.rootCtxt,
		spec,
		func(records []visitdb.VisitRecord) { c.handleSnapshot(key, generation, records) },
		func(err error) { c.handleQueryError(key, generation, err) },
	)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Unable to open live query for %s", key)
		return err
	}
	entry.cancelQuery = cancel
	return nil
}

// ========================================================================
// Live query callbacks

// handleSnapshot replace the entry's buffered data wholesale and fan the
// update out, re-filtered per subscriber's own requested range
func (c *sharedListenerCacheImpl) handleSnapshot(
	key string, generation uint64, records []visitdb.VisitRecord,
) {
	type fanoutItem struct {
		cb   DataHandler
		view []visitdb.VisitRecord
	}
	c.lock.Lock()
	entry, ok := c.entries[key]
	if !ok || entry.generation != generation {
		// snapshot of a cancelled or evicted query
		c.lock.Unlock()
		return
	}
	now := c.nowFn()
	entry.data = records
	entry.lastUpdated = now
	entry.isInitialLoad = false
	fanout := make([]fanoutItem, 0, len(entry.subscribers))
	for _, reg := range entry.subscribers {
		fanout = append(fanout, fanoutItem{
			cb: reg.onData, view: daterange.FilterVisits(records, reg.requested),
		})
	}
	persist := persistSnapshotTask{}
	doPersist := false
	if c.warmCache != nil {
		persist = persistSnapshotTask{
			key: entry.warmCacheKey(), records: records, expiry: now.Add(entry.ttl),
		}
		doPersist = true
	}
	c.lock.Unlock()

	for _, item := range fanout {
		item.cb(item.view)
	}
	if doPersist {
		if err := c.persistTP.Submit(persist, c.rootCtxt); err != nil {
			log.WithError(err).WithFields(c.LogTags).Warnf("Write-behind submit failed for %s", key)
		}
	}
}

// handleQueryError broadcast a transport failure to the entry's own
// subscribers. The entry survives; a later snapshot heals it.
func (c *sharedListenerCacheImpl) handleQueryError(key string, generation uint64, err error) {
	c.lock.Lock()
	entry, ok := c.entries[key]
	if !ok || entry.generation != generation {
		c.lock.Unlock()
		return
	}
	log.WithError(err).WithFields(c.LogTags).Errorf("Live query for %s reported failure", key)
	callbacks := make([]ErrorHandler, 0, len(entry.subscribers))
	for _, reg := range entry.subscribers {
		callbacks = append(callbacks, reg.onError)
	}
	c.lock.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// processPersistSnapshot write-behind handler run on the persistence loop
func (c *sharedListenerCacheImpl) processPersistSnapshot(param interface{}) error {
	task, ok := param.(persistSnapshotTask)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for snapshot persistence", reflect.TypeOf(param),
		)
	}
	if err := c.warmCache.Put(task.key, task.records, task.expiry); err != nil {
		// warm cache is a hint; failures never propagate to consumers
		log.WithError(err).WithFields(c.LogTags).Warnf("Write-behind failed for %s", task.key)
	}
	return nil
}

// ========================================================================
// Maintenance operations

// RefreshAll bump every active entry and re-notify its subscribers from
// buffered data
func (c *sharedListenerCacheImpl) RefreshAll() {
	type fanoutItem struct {
		cb   DataHandler
		view []visitdb.VisitRecord
	}
	c.lock.Lock()
	now := c.nowFn()
	fanout := []fanoutItem{}
	for _, entry := range c.entries {
		if !entry.isActive || entry.data == nil {
			continue
		}
		entry.lastUpdated = now
		for _, reg := range entry.subscribers {
			fanout = append(fanout, fanoutItem{
				cb: reg.onData, view: daterange.FilterVisits(entry.data, reg.requested),
			})
		}
	}
	c.lock.Unlock()

	log.WithFields(c.LogTags).Info("Forced refresh of all active listeners")
	for _, item := range fanout {
		item.cb(item.view)
	}
}

// Cleanup one eviction sweep. Hot multi-subscriber entries get their TTL
// recomputed; entries go when stale past TTL with nobody attached, past the
// absolute idle ceiling, or subscriber-less beyond the drain grace.
func (c *sharedListenerCacheImpl) Cleanup() {
	c.lock.Lock()
	now := c.nowFn()
	evicted := []string{}
	for key, entry := range c.entries {
		age := now.Sub(entry.lastUpdated)
		if len(entry.subscribers) > 1 && age <= entry.ttl {
			entry.ttl = entry.calculateTTL(now, c.cfg.TTL)
		}
		switch {
		case age > c.cfg.MaxEntryIdle:
			evicted = append(evicted, key)
		case len(entry.subscribers) == 0 && age > entry.ttl:
			evicted = append(evicted, key)
		case len(entry.subscribers) == 0 && !entry.isActive &&
			now.Sub(entry.inactiveSince) > c.cfg.DrainGrace:
			evicted = append(evicted, key)
		}
	}
	for _, key := range evicted {
		c.evictLocked(key)
	}
	c.lock.Unlock()
	if len(evicted) > 0 {
		log.WithFields(c.LogTags).Infof("Evicted %d listeners %v", len(evicted), evicted)
	}
}

// evictLocked cancel an entry's live query and drop it from all tables
func (c *sharedListenerCacheImpl) evictLocked(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	if entry.cancelQuery != nil {
		entry.cancelQuery()
		entry.cancelQuery = nil
	}
	for componentID := range entry.subscribers {
		delete(c.byComponent, componentID)
	}
	delete(c.entries, key)
}

// Stats report the cache's operational state
func (c *sharedListenerCacheImpl) Stats() CacheStats {
	c.lock.Lock()
	defer c.lock.Unlock()
	now := c.nowFn()
	stats := CacheStats{
		ActiveListeners: len(c.entries),
		TTLDistribution: make(map[string]int),
	}
	var totalAge time.Duration
	for _, entry := range c.entries {
		stats.TotalSubscribers += len(entry.subscribers)
		stats.TTLDistribution[entry.ttl.String()]++
		age := now.Sub(entry.lastUpdated)
		totalAge += age
		if age > entry.ttl {
			stats.StaleListeners++
		}
		if entry.data != nil {
			if encoded, err := json.Marshal(entry.data); err == nil {
				stats.MemoryUsageBytes += int64(len(encoded))
			}
		}
	}
	if len(c.entries) > 0 {
		stats.AverageDataAge = totalAge / time.Duration(len(c.entries))
	}
	return stats
}

// Destroy cancel every live query and clear all tables
func (c *sharedListenerCacheImpl) Destroy() {
	if err := c.Stop(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Error("Failure while stopping maintenance loops")
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	for key := range c.entries {
		c.evictLocked(key)
	}
	c.byComponent = make(map[string]string)
	c.destroyed = true
	log.WithFields(c.LogTags).Info("Destroyed shared listener cache")
}
