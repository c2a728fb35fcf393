package listener

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/openvisit/visitwatch/daterange"
	"github.com/openvisit/visitwatch/visitdb"
)

func TestVisitFeedLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &mockQueryTransport{}
	clock := &fakeClock{current: utAnchor}
	cache, err := DefineSharedListenerCache(transport, nil, utCacheConfig(clock), ctxt, &wg)
	assert.Nil(err)
	defer cache.Destroy()

	changeLock := sync.Mutex{}
	changes := []FeedState{}
	uut, err := DefineVisitFeed(cache, "feed-0", func(state FeedState) {
		changeLock.Lock()
		defer changeLock.Unlock()
		changes = append(changes, state)
	})
	assert.Nil(err)

	user := uuid.New().String()
	params := FeedParams{UserID: user, Range: daterange.Window(utAnchor, utDay)}

	// Case 0: loading until the first snapshot
	assert.Nil(uut.Update(params))
	assert.True(uut.State().Loading)
	assert.Equal(1, transport.openCount())

	// Case 1: snapshot lands in the feed state and triggers the callback
	transport.query(0).push([]visitdb.VisitRecord{utVisit("v0", utAnchor, user)})
	state := uut.State()
	assert.False(state.Loading)
	assert.Nil(state.Err)
	assert.Len(state.Data, 1)
	changeLock.Lock()
	assert.Len(changes, 1)
	changeLock.Unlock()

	// Case 2: transport failure surfaces but last-known data is retained
	transport.query(0).fail(fmt.Errorf("simulated transport loss"))
	state = uut.State()
	assert.NotNil(state.Err)
	assert.Len(state.Data, 1)

	// Case 3: the next snapshot heals the error
	transport.query(0).push([]visitdb.VisitRecord{
		utVisit("v0", utAnchor, user), utVisit("v1", utAnchor, user),
	})
	state = uut.State()
	assert.Nil(state.Err)
	assert.Len(state.Data, 2)

	// Case 4: close detaches and is idempotent
	uut.Close()
	uut.Close()
	assert.Equal(0, cache.Stats().TotalSubscribers)
	assert.NotNil(uut.Update(params))

	// a push after close must not disturb the final state
	transport.query(0).push([]visitdb.VisitRecord{})
	assert.Len(uut.State().Data, 2)
}

func TestVisitFeedParameterSwitch(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &mockQueryTransport{}
	clock := &fakeClock{current: utAnchor}
	cache, err := DefineSharedListenerCache(transport, nil, utCacheConfig(clock), ctxt, &wg)
	assert.Nil(err)
	defer cache.Destroy()

	uut, err := DefineVisitFeed(cache, "", nil)
	assert.Nil(err)
	defer uut.Close()

	window := daterange.Window(utAnchor, utDay)

	// Case 0: register as the first identity
	assert.Nil(uut.Update(FeedParams{UserID: "user-a", Range: window}))
	transport.query(0).push([]visitdb.VisitRecord{utVisit("a", utAnchor, "user-a")})
	assert.Equal("a", uut.State().Data[0].ID)

	// Case 1: switching identity replaces the registration wholesale
	assert.Nil(uut.Update(FeedParams{UserID: "user-b", Range: window}))
	assert.True(uut.State().Loading)
	assert.Equal(1, cache.Stats().TotalSubscribers)

	// Case 2: the replaced identity's snapshot no longer reaches the feed
	transport.query(0).push([]visitdb.VisitRecord{utVisit("late", utAnchor, "user-a")})
	assert.True(uut.State().Loading)

	// Case 3: the new identity's snapshot does
	transport.query(1).push([]visitdb.VisitRecord{utVisit("b", utAnchor, "user-b")})
	state := uut.State()
	assert.False(state.Loading)
	assert.Equal("b", state.Data[0].ID)
}

func TestVisitFeedSharedEntry(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &mockQueryTransport{}
	clock := &fakeClock{current: utAnchor}
	cache, err := DefineSharedListenerCache(transport, nil, utCacheConfig(clock), ctxt, &wg)
	assert.Nil(err)
	defer cache.Destroy()

	user := uuid.New().String()

	// two feeds of one identity share a single live query
	feed0, err := DefineVisitFeed(cache, "feed-0", nil)
	assert.Nil(err)
	defer feed0.Close()
	feed1, err := DefineVisitFeed(cache, "feed-1", nil)
	assert.Nil(err)
	defer feed1.Close()

	assert.Nil(feed0.Update(FeedParams{UserID: user, Range: daterange.Window(utAnchor, utDay)}))
	assert.Nil(feed1.Update(FeedParams{
		UserID: user,
		Range:  daterange.Range{Start: utAnchor, End: utAnchor.Add(utDay * 2)},
	}))
	assert.Equal(1, transport.openCount())
	assert.Equal(1, cache.Stats().ActiveListeners)

	// each feed sees its own scoped view of the shared snapshot
	transport.query(0).push([]visitdb.VisitRecord{
		utVisit("back", utAnchor.Add(-time.Hour*12), user),
		utVisit("ahead", utAnchor.Add(utDay+time.Hour), user),
	})
	assert.Len(feed0.State().Data, 1)
	assert.Equal("back", feed0.State().Data[0].ID)
	assert.Len(feed1.State().Data, 1)
	assert.Equal("ahead", feed1.State().Data[0].ID)
}
