package apis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"

	"github.com/openvisit/visitwatch/daterange"
	"github.com/openvisit/visitwatch/listener"
	"github.com/openvisit/visitwatch/visitdb"
)

// fakeListenerCache canned listener.Cache for handler tests
type fakeListenerCache struct {
	stats        listener.CacheStats
	refreshCalls int
}

func (c *fakeListenerCache) Subscribe(
	componentID string,
	userID string,
	isAdmin bool,
	seeAllVisits bool,
	requested daterange.Range,
	onData listener.DataHandler,
	onError listener.ErrorHandler,
) (func(), error) {
	return func() {}, nil
}

func (c *fakeListenerCache) RefreshAll() { c.refreshCalls++ }

func (c *fakeListenerCache) Cleanup() {}

func (c *fakeListenerCache) Stats() listener.CacheStats { return c.stats }

func (c *fakeListenerCache) Start() error { return nil }

func (c *fakeListenerCache) Stop() error { return nil }

func (c *fakeListenerCache) Destroy() {}

// fakeDocumentClient canned visitdb.DocumentClient for handler tests
type fakeDocumentClient struct {
	lock    sync.Mutex
	rows    map[string]json.RawMessage
	failure error
}

func newFakeDocumentClient() *fakeDocumentClient {
	return &fakeDocumentClient{rows: make(map[string]json.RawMessage)}
}

func (c *fakeDocumentClient) GetDocument(
	_ context.Context, collection, key string,
) (json.RawMessage, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failure != nil {
		return nil, c.failure
	}
	row, ok := c.rows[collection+"/"+key]
	if !ok {
		return nil, fmt.Errorf("document %s/%s not found", collection, key)
	}
	return row, nil
}

func (c *fakeDocumentClient) SetDocument(
	_ context.Context, collection, key string, doc interface{},
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failure != nil {
		return c.failure
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	c.rows[collection+"/"+key] = encoded
	return nil
}

func (c *fakeDocumentClient) AddDocument(
	ctxt context.Context, collection string, doc interface{},
) (string, error) {
	if c.failure != nil {
		return "", c.failure
	}
	key := uuid.New().String()
	return key, c.SetDocument(ctxt, collection, key, doc)
}

func (c *fakeDocumentClient) UpdateDocument(
	ctxt context.Context, collection, key string, fields map[string]interface{},
) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.failure != nil {
		return c.failure
	}
	if _, ok := c.rows[collection+"/"+key]; !ok {
		return fmt.Errorf("document %s/%s not found", collection, key)
	}
	var current map[string]interface{}
	if err := json.Unmarshal(c.rows[collection+"/"+key], &current); err != nil {
		return err
	}
	for name, value := range fields {
		current[name] = value
	}
	encoded, err := json.Marshal(&current)
	if err != nil {
		return err
	}
	c.rows[collection+"/"+key] = encoded
	return nil
}

// ------------------------------------------------------------------------

func TestCacheMonitorEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	cache := &fakeListenerCache{
		stats: listener.CacheStats{
			ActiveListeners:  2,
			TotalSubscribers: 5,
			MemoryUsageBytes: 2048,
			AverageDataAge:   time.Second * 30,
			TTLDistribution:  map[string]int{"1m0s": 1, "5m0s": 1},
		},
	}
	uut, err := GetAPIRestMonitorHandler(cache, newFakeDocumentClient())
	assert.Nil(err)

	// Case 0: stats reports the cache's view
	req, err := http.NewRequest("GET", "/v1/cache/stats", nil)
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	uut.CacheStatsHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	var statsResp CacheStatsResponse
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&statsResp))
	assert.True(statsResp.Success)
	assert.Equal(2, statsResp.Stats.ActiveListeners)
	assert.Equal(5, statsResp.Stats.TotalSubscribers)
	assert.Equal(1, statsResp.Stats.TTLDistribution["5m0s"])

	// Case 1: refresh is accepted and forwarded to the cache
	req, err = http.NewRequest("POST", "/v1/cache/refresh", nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	uut.RefreshAllHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusAccepted, respRecorder.Code)
	var refreshResp StandardResponse
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&refreshResp))
	assert.True(refreshResp.Success)
	assert.Equal(1, cache.refreshCalls)

	// Case 2: health endpoints
	req, err = http.NewRequest("GET", "/alive", nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	uut.AliveHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	req, err = http.NewRequest("GET", "/ready", nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	uut.ReadyHandler().ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
}

func TestVisitDocumentEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	docs := newFakeDocumentClient()
	uut, err := GetAPIRestMonitorHandler(&fakeListenerCache{}, docs)
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/visit", MethodHandlers{
		"post": uut.AddVisitHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/visit/{visitID}", MethodHandlers{
		"get": uut.GetVisitHandler(),
		"put": uut.UpdateVisitHandler(),
	})

	visitDate := time.Date(2026, 8, 23, 9, 30, 0, 0, time.UTC)

	// Case 0: create a visit document
	record := visitdb.VisitRecord{
		ID: uuid.New().String(), Date: visitDate, FilledByUID: "user-a",
	}
	payload, err := json.Marshal(&record)
	assert.Nil(err)
	req, err := http.NewRequest("POST", "/v1/visit", bytes.NewReader(payload))
	assert.Nil(err)
	respRecorder := httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	var created VisitDocResponse
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&created))
	assert.True(created.Success)
	assert.NotEmpty(created.Key)

	// Case 1: fetch it back
	req, err = http.NewRequest("GET", fmt.Sprintf("/v1/visit/%s", created.Key), nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	var fetched VisitDocResponse
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&fetched))
	assert.True(fetched.Success)
	var fetchedRecord visitdb.VisitRecord
	assert.Nil(json.Unmarshal(fetched.Value, &fetchedRecord))
	assert.Equal(record.ID, fetchedRecord.ID)
	assert.Equal("user-a", fetchedRecord.FilledByUID)

	// Case 2: partial field update
	update, err := json.Marshal(map[string]interface{}{"filledByUid": "user-b"})
	assert.Nil(err)
	req, err = http.NewRequest(
		"PUT", fmt.Sprintf("/v1/visit/%s", created.Key), bytes.NewReader(update),
	)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusAccepted, respRecorder.Code)
	req, err = http.NewRequest("GET", fmt.Sprintf("/v1/visit/%s", created.Key), nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusOK, respRecorder.Code)
	fetched = VisitDocResponse{}
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&fetched))
	fetchedRecord = visitdb.VisitRecord{}
	assert.Nil(json.Unmarshal(fetched.Value, &fetchedRecord))
	assert.Equal("user-b", fetchedRecord.FilledByUID)

	// Case 3: malformed create body
	req, err = http.NewRequest("POST", "/v1/visit", bytes.NewReader([]byte("not json")))
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusBadRequest, respRecorder.Code)
	var failure StandardResponse
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&failure))
	assert.False(failure.Success)
	assert.Equal(ErrorInvalidRequest, failure.Error.Code)

	// Case 4: backend failure surfaces as a server error
	docs.failure = fmt.Errorf("simulated backend loss")
	req, err = http.NewRequest("GET", fmt.Sprintf("/v1/visit/%s", created.Key), nil)
	assert.Nil(err)
	respRecorder = httptest.NewRecorder()
	router.ServeHTTP(respRecorder, req)
	assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	failure = StandardResponse{}
	assert.Nil(json.NewDecoder(respRecorder.Body).Decode(&failure))
	assert.False(failure.Success)
	assert.Equal(ErrorDocumentCallFailed, failure.Error.Code)
}
