package listener

import (
	"fmt"
	"sync"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/openvisit/visitwatch/common"
	"github.com/openvisit/visitwatch/daterange"
	"github.com/openvisit/visitwatch/visitdb"
)

// FeedParams the identity and window of one logical consumer
type FeedParams struct {
	UserID       string
	IsAdmin      bool
	SeeAllVisits bool
	Range        daterange.Range
}

// FeedState the view a feed exposes to its consumer. Data is retained on
// error so the consumer keeps showing last-known records.
type FeedState struct {
	Data    []visitdb.VisitRecord
	Loading bool
	Err     error
}

// Feed per-consumer adapter over the shared listener cache. Each call to
// Update tears down the previous registration completely before
// re-registering, so no stale callback can fire for replaced parameters.
type Feed interface {
	// Update re-register with new parameters
	Update(params FeedParams) error
	// State the current view
	State() FeedState
	// Refresh force re-notification of all active cache entries
	Refresh()
	// Close detach permanently
	Close()
}

// visitFeedImpl implements Feed
type visitFeedImpl struct {
	common.Component
	cache       Cache
	componentID string
	onChange    func(FeedState)

	lock sync.Mutex
	// registration monotonically identifies the active Subscribe call so
	// callbacks of a torn-down registration are discarded
	registration uint64
	unsubscribe  func()
	state        FeedState
	closed       bool
}

// DefineVisitFeed create a feed for one logical consumer. An empty
// componentID gets a generated one. onChange, when set, fires after every
// state change.
func DefineVisitFeed(cache Cache, componentID string, onChange func(FeedState)) (Feed, error) {
	if cache == nil {
		return nil, fmt.Errorf("visit feed requires the listener cache")
	}
	if componentID == "" {
		componentID = uuid.New().String()
	}
	logTags := log.Fields{
		"module": "listener", "component": "visit-feed", "instance": componentID,
	}
	return &visitFeedImpl{
		Component:   common.Component{LogTags: logTags},
		cache:       cache,
		componentID: componentID,
		onChange:    onChange,
		state:       FeedState{Loading: true},
	}, nil
}

// Update re-register with new parameters, tearing the old registration
// down first
func (f *visitFeedImpl) Update(params FeedParams) error {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return fmt.Errorf("visit feed already closed")
	}
	f.registration++
	registration := f.registration
	previous := f.unsubscribe
	f.unsubscribe = nil
	f.state = FeedState{Loading: true}
	f.lock.Unlock()

	if previous != nil {
		previous()
	}

	unsubscribe, err := f.cache.Subscribe(
		f.componentID,
		params.UserID,
		params.IsAdmin,
		params.SeeAllVisits,
		params.Range,
		func(records []visitdb.VisitRecord) { f.applyData(registration, records) },
		func(err error) { f.applyError(registration, err) },
	)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Error("Feed registration failed")
		f.applyError(registration, err)
		return err
	}

	f.lock.Lock()
	if f.closed || f.registration != registration {
		// replaced or closed while registering
		f.lock.Unlock()
		unsubscribe()
		return nil
	}
	f.unsubscribe = unsubscribe
	f.lock.Unlock()
	return nil
}

// applyData record a scoped snapshot for the current registration
func (f *visitFeedImpl) applyData(registration uint64, records []visitdb.VisitRecord) {
	f.lock.Lock()
	if f.closed || f.registration != registration {
		f.lock.Unlock()
		return
	}
	f.state = FeedState{Data: records, Loading: false}
	notify := f.onChange
	current := f.state
	f.lock.Unlock()
	if notify != nil {
		notify(current)
	}
}

// applyError surface a transport failure while retaining last-known data
func (f *visitFeedImpl) applyError(registration uint64, err error) {
	f.lock.Lock()
	if f.closed || f.registration != registration {
		f.lock.Unlock()
		return
	}
	f.state.Err = err
	f.state.Loading = false
	notify := f.onChange
	current := f.state
	f.lock.Unlock()
	if notify != nil {
		notify(current)
	}
}

// State the current view
func (f *visitFeedImpl) State() FeedState {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.state
}

// Refresh force re-notification of all active cache entries
func (f *visitFeedImpl) Refresh() {
	f.cache.RefreshAll()
}

// Close detach permanently
func (f *visitFeedImpl) Close() {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return
	}
	f.closed = true
	f.registration++
	previous := f.unsubscribe
	f.unsubscribe = nil
	f.lock.Unlock()
	if previous != nil {
		previous()
	}
	log.WithFields(f.LogTags).Debug("Feed closed")
}
