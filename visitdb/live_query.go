package visitdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/openvisit/visitwatch/common"
)

const (
	queryOpenSubject  = "visitdb.query.open"
	queryCloseSubject = "visitdb.query.close"
)

// queryOpenRequest registration request sent to the document database bridge
type queryOpenRequest struct {
	QueryID string         `json:"query_id"`
	Spec    RangeQuerySpec `json:"spec"`
}

// queryOpenReply registration reply from the document database bridge
type queryOpenReply struct {
	// SnapshotSubject is the per-query subject snapshots are pushed on
	SnapshotSubject string `json:"snapshot_subject"`
	Error           string `json:"error,omitempty"`
}

// queryCloseRequest deregistration notice to the document database bridge
type queryCloseRequest struct {
	QueryID string `json:"query_id"`
}

// snapshotEnvelope one push from a live query. A populated Error marks a
// transport-level failure; Records may legitimately be empty.
type snapshotEnvelope struct {
	Records []VisitRecord `json:"records"`
	Error   string        `json:"error,omitempty"`
}

// natsQueryTransport implements QueryTransport over NATS request/reply
// registration plus per-query push subjects
type natsQueryTransport struct {
	common.Component
	client         NatsClient
	validate       *validator.Validate
	requestTimeout time.Duration
}

// GetNatsQueryTransport define a QueryTransport backed by the NATS bridge
// of the document database
func GetNatsQueryTransport(client NatsClient, requestTimeout time.Duration) (QueryTransport, error) {
	logTags := log.Fields{
		"module": "visitdb", "component": "live-query-transport",
	}
	return &natsQueryTransport{
		Component:      common.Component{LogTags: logTags},
		client:         client,
		validate:       validator.New(),
		requestTimeout: requestTimeout,
	}, nil
}

// OpenRange open a live range query. Snapshots and transport errors arrive
// via the callbacks until cancel is invoked.
func (t *natsQueryTransport) OpenRange(
	ctxt context.Context,
	spec RangeQuerySpec,
	onSnapshot SnapshotHandler,
	onError QueryErrorHandler,
) (func(), error) {
	if err := t.validate.Struct(&spec); err != nil {
		log.WithError(err).WithFields(t.LogTags).Error("Range query spec not valid")
		return nil, err
	}
	if spec.End.Before(spec.Start) {
		return nil, fmt.Errorf("range query end %s before start %s", spec.End, spec.Start)
	}

	queryID := uuid.New().String()
	logTags := log.Fields{}
	for lt, v := range t.LogTags {
		logTags[lt] = v
	}
	logTags["query"] = queryID

	// Register the query with the bridge
	payload, err := json.Marshal(&queryOpenRequest{QueryID: queryID, Spec: spec})
	if err != nil {
		return nil, err
	}
	reqCtxt, reqCancel := context.WithTimeout(ctxt, t.requestTimeout)
	defer reqCancel()
	rawReply, err := t.client.NATS().RequestWithContext(reqCtxt, queryOpenSubject, payload)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Live query registration failed")
		return nil, err
	}
	var reply queryOpenReply
	if err := json.Unmarshal(rawReply.Data, &reply); err != nil {
		log.WithError(err).WithFields(logTags).Error("Malformed registration reply")
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("live query registration rejected: %s", reply.Error)
	}
	if reply.SnapshotSubject == "" {
		return nil, fmt.Errorf("live query registration reply missing snapshot subject")
	}

	// Receive snapshot pushes on the per-query subject
	sub, err := t.client.NATS().Subscribe(reply.SnapshotSubject, func(msg *nats.Msg) {
		var envelope snapshotEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			log.WithError(err).WithFields(logTags).Error("Malformed snapshot envelope")
			onError(err)
			return
		}
		if envelope.Error != "" {
			onError(fmt.Errorf("live query failed: %s", envelope.Error))
			return
		}
		if envelope.Records == nil {
			// zero matching records is data, not an error
			envelope.Records = []VisitRecord{}
		}
		onSnapshot(envelope.Records)
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to subscribe for snapshots")
		return nil, err
	}
	log.WithFields(logTags).Infof(
		"Opened live query [%s, %s] on %s",
		spec.Start.Format(time.RFC3339), spec.End.Format(time.RFC3339), reply.SnapshotSubject,
	)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Snapshot unsubscribe failed")
			}
			notice, err := json.Marshal(&queryCloseRequest{QueryID: queryID})
			if err == nil {
				if err := t.client.NATS().Publish(queryCloseSubject, notice); err != nil {
					log.WithError(err).WithFields(logTags).Error("Query close notice failed")
				}
			}
			log.WithFields(logTags).Info("Cancelled live query")
		})
	}
	return cancel, nil
}
