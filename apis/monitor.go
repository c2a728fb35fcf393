package apis

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/openvisit/visitwatch/common"
	"github.com/openvisit/visitwatch/listener"
	"github.com/openvisit/visitwatch/visitdb"
)

const (
	// ErrorInvalidRequest request parameters were malformed
	ErrorInvalidRequest = iota
	// ErrorCacheCallFailed the listener cache rejected the operation
	ErrorCacheCallFailed
	// ErrorDocumentCallFailed the document database rejected the operation
	ErrorDocumentCallFailed
)

// visitCollection the document collection holding visit records
const visitCollection = "visits"

// CacheStatsResponse response body of the cache stats API
type CacheStatsResponse struct {
	StandardResponse
	Stats listener.CacheStats `json:"stats"`
}

// VisitDocResponse response body of document fetch and create APIs
type VisitDocResponse struct {
	StandardResponse
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// APIRestMonitorHandler REST API handler for the listener cache monitor and
// visit document passthrough
type APIRestMonitorHandler struct {
	APIRestHandler
	cache listener.Cache
	docs  visitdb.DocumentClient
}

// GetAPIRestMonitorHandler define APIRestMonitorHandler
func GetAPIRestMonitorHandler(
	cache listener.Cache, docs visitdb.DocumentClient,
) (APIRestMonitorHandler, error) {
	if cache == nil {
		return APIRestMonitorHandler{}, fmt.Errorf("monitor API requires the listener cache")
	}
	logTags := log.Fields{
		"module": "apis", "component": "monitor-rest-api",
	}
	return APIRestMonitorHandler{
		APIRestHandler: APIRestHandler{
			Component: common.Component{LogTags: logTags},
		},
		cache: cache,
		docs:  docs,
	}, nil
}

// ----------------------------------------------------------------------------------------

// CacheStats fetch the listener cache's operational state
func (h APIRestMonitorHandler) CacheStats(w http.ResponseWriter, r *http.Request) {
	response := CacheStatsResponse{
		StandardResponse: getStdRESTSuccessMsg(),
		Stats:            h.cache.Stats(),
	}
	h.reply(w, http.StatusOK, &response, "GET /v1/cache/stats")
}

// CacheStatsHandler Wrapper around CacheStats
func (h APIRestMonitorHandler) CacheStatsHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.CacheStats(w, r)
	})
}

// ----------------------------------------------------------------------------------------

// RefreshAll force re-notification of every active listener entry
func (h APIRestMonitorHandler) RefreshAll(w http.ResponseWriter, r *http.Request) {
	h.cache.RefreshAll()
	response := getStdRESTSuccessMsg()
	h.reply(w, http.StatusAccepted, &response, "POST /v1/cache/refresh")
}

// RefreshAllHandler Wrapper around RefreshAll
func (h APIRestMonitorHandler) RefreshAllHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.RefreshAll(w, r)
	})
}

// ----------------------------------------------------------------------------------------

// GetVisit fetch one visit document by ID
func (h APIRestMonitorHandler) GetVisit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	visitID, ok := vars["visitID"]
	if !ok {
		msg := "visit ID missing from call"
		response := getStdRESTErrorMsg(ErrorInvalidRequest, &msg)
		h.reply(w, http.StatusBadRequest, &response, "GET /v1/visit/{visitID}")
		return
	}
	value, err := h.docs.GetDocument(r.Context(), visitCollection, visitID)
	if err != nil {
		msg := fmt.Sprintf("Failed to fetch visit %s: %s", visitID, err)
		response := getStdRESTErrorMsg(ErrorDocumentCallFailed, &msg)
		h.reply(w, http.StatusInternalServerError, &response, "GET /v1/visit/{visitID}")
		return
	}
	response := VisitDocResponse{
		StandardResponse: getStdRESTSuccessMsg(), Key: visitID, Value: value,
	}
	h.reply(w, http.StatusOK, &response, "GET /v1/visit/{visitID}")
}

// GetVisitHandler Wrapper around GetVisit
func (h APIRestMonitorHandler) GetVisitHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.GetVisit(w, r)
	})
}

// ----------------------------------------------------------------------------------------

// AddVisit store a new visit document under a generated key
func (h APIRestMonitorHandler) AddVisit(w http.ResponseWriter, r *http.Request) {
	var record visitdb.VisitRecord
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		msg := fmt.Sprintf("bad request: %s", err)
		response := getStdRESTErrorMsg(ErrorInvalidRequest, &msg)
		h.reply(w, http.StatusBadRequest, &response, "POST /v1/visit")
		return
	}
	key, err := h.docs.AddDocument(r.Context(), visitCollection, &record)
	if err != nil {
		msg := fmt.Sprintf("Failed to store visit: %s", err)
		response := getStdRESTErrorMsg(ErrorDocumentCallFailed, &msg)
		h.reply(w, http.StatusInternalServerError, &response, "POST /v1/visit")
		return
	}
	response := VisitDocResponse{StandardResponse: getStdRESTSuccessMsg(), Key: key}
	h.reply(w, http.StatusOK, &response, "POST /v1/visit")
}

// AddVisitHandler Wrapper around AddVisit
func (h APIRestMonitorHandler) AddVisitHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.AddVisit(w, r)
	})
}

// ----------------------------------------------------------------------------------------

// UpdateVisit apply a partial field update to one visit document
func (h APIRestMonitorHandler) UpdateVisit(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	visitID, ok := vars["visitID"]
	if !ok {
		msg := "visit ID missing from call"
		response := getStdRESTErrorMsg(ErrorInvalidRequest, &msg)
		h.reply(w, http.StatusBadRequest, &response, "PUT /v1/visit/{visitID}")
		return
	}
	var fields map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		msg := fmt.Sprintf("bad request: %s", err)
		response := getStdRESTErrorMsg(ErrorInvalidRequest, &msg)
		h.reply(w, http.StatusBadRequest, &response, "PUT /v1/visit/{visitID}")
		return
	}
	if err := h.docs.UpdateDocument(r.Context(), visitCollection, visitID, fields); err != nil {
		msg := fmt.Sprintf("Failed to update visit %s: %s", visitID, err)
		response := getStdRESTErrorMsg(ErrorDocumentCallFailed, &msg)
		h.reply(w, http.StatusInternalServerError, &response, "PUT /v1/visit/{visitID}")
		return
	}
	response := getStdRESTSuccessMsg()
	h.reply(w, http.StatusAccepted, &response, "PUT /v1/visit/{visitID}")
}

// UpdateVisitHandler Wrapper around UpdateVisit
func (h APIRestMonitorHandler) UpdateVisitHandler() http.HandlerFunc {
	return h.attachRequestID(func(w http.ResponseWriter, r *http.Request) {
		h.UpdateVisit(w, r)
	})
}

// ----------------------------------------------------------------------------------------

// Alive For liveness check
func (h APIRestMonitorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// AliveHandler Wrapper around Alive
func (h APIRestMonitorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready For readiness check
func (h APIRestMonitorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// ReadyHandler Wrapper around Ready
func (h APIRestMonitorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
