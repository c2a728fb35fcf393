package visitdb

import (
	"context"
	"encoding/json"
	"time"
)

// VisitRecord is one visit document returned by the document database. The
// listener cache keys on Date for range filtering and treats the remaining
// fields as an opaque payload.
type VisitRecord struct {
	// ID is the document's unique identifier
	ID string `json:"id" validate:"required"`
	// Date is the timestamp the visit is scheduled for
	Date time.Time `json:"date"`
	// FilledByUID is the identifier of the staff member owning the record
	FilledByUID string `json:"filledByUid"`
	// Fields carries the document's remaining attributes untouched
	Fields map[string]json.RawMessage `json:"fields,omitempty"`
}

// RangeQuerySpec describes one live range query against the visit collection.
// Results are ordered by Date descending and bounded by Limit.
type RangeQuerySpec struct {
	// Start is the inclusive lower bound on the record Date
	Start time.Time `json:"start"`
	// End is the inclusive upper bound on the record Date
	End time.Time `json:"end"`
	// OwnerUID, when set, restricts results to records filled by this user
	OwnerUID string `json:"ownerUid,omitempty"`
	// Limit bounds the result count
	Limit int `json:"limit" validate:"required,gt=0"`
}

// SnapshotHandler receives the full current result set of a live query.
// The transport re-delivers the complete matching set on every relevant
// change; an empty slice is valid data, not an error.
type SnapshotHandler func(records []VisitRecord)

// QueryErrorHandler receives transport-level failures of a live query
type QueryErrorHandler func(err error)

// QueryTransport is the narrow seam to the document database's live-query
// capability. OpenRange starts a server-push subscription for the given
// spec; the returned cancel function stops it.
type QueryTransport interface {
	OpenRange(
		ctxt context.Context,
		spec RangeQuerySpec,
		onSnapshot SnapshotHandler,
		onError QueryErrorHandler,
	) (cancel func(), err error)
}
