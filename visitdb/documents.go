package visitdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/openvisit/visitwatch/common"
)

const (
	docGetSubject    = "visitdb.doc.get"
	docSetSubject    = "visitdb.doc.set"
	docAddSubject    = "visitdb.doc.add"
	docUpdateSubject = "visitdb.doc.update"
)

// DocumentClient CRUD access to the document database's collections. Used
// by the surrounding service surface, not by the listener cache core.
type DocumentClient interface {
	GetDocument(ctxt context.Context, collection, key string) (json.RawMessage, error)
	SetDocument(ctxt context.Context, collection, key string, value interface{}) error
	AddDocument(ctxt context.Context, collection string, value interface{}) (string, error)
	UpdateDocument(ctxt context.Context, collection, key string, fields map[string]interface{}) error
}

// docRequest request envelope for document CRUD calls
type docRequest struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// docReply reply envelope for document CRUD calls
type docReply struct {
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}

// docClientImpl implements DocumentClient over NATS request/reply
type docClientImpl struct {
	common.Component
	client         NatsClient
	requestTimeout time.Duration
}

// GetDocumentClient define a new document CRUD client
func GetDocumentClient(client NatsClient, requestTimeout time.Duration) (DocumentClient, error) {
	logTags := log.Fields{
		"module": "visitdb", "component": "document-client",
	}
	return &docClientImpl{
		Component:      common.Component{LogTags: logTags},
		client:         client,
		requestTimeout: requestTimeout,
	}, nil
}

func (c *docClientImpl) roundTrip(
	ctxt context.Context, subject string, request docRequest,
) (docReply, error) {
	payload, err := json.Marshal(&request)
	if err != nil {
		return docReply{}, err
	}
	reqCtxt, cancel := context.WithTimeout(ctxt, c.requestTimeout)
	defer cancel()
	raw, err := c.client.NATS().RequestWithContext(reqCtxt, subject, payload)
	if err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Document call %s failed", subject)
		return docReply{}, err
	}
	var reply docReply
	if err := json.Unmarshal(raw.Data, &reply); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Malformed reply for %s", subject)
		return docReply{}, err
	}
	if reply.Error != "" {
		return docReply{}, fmt.Errorf("document call %s rejected: %s", subject, reply.Error)
	}
	return reply, nil
}

// GetDocument fetch one document by key
func (c *docClientImpl) GetDocument(
	ctxt context.Context, collection, key string,
) (json.RawMessage, error) {
	reply, err := c.roundTrip(ctxt, docGetSubject, docRequest{Collection: collection, Key: key})
	if err != nil {
		return nil, err
	}
	return reply.Value, nil
}

// SetDocument store one document under a key, replacing any existing content
func (c *docClientImpl) SetDocument(
	ctxt context.Context, collection, key string, value interface{},
) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(
		ctxt, docSetSubject, docRequest{Collection: collection, Key: key, Value: encoded},
	)
	return err
}

// AddDocument store one document under a generated key
func (c *docClientImpl) AddDocument(
	ctxt context.Context, collection string, value interface{},
) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	reply, err := c.roundTrip(
		ctxt, docAddSubject, docRequest{Collection: collection, Value: encoded},
	)
	if err != nil {
		return "", err
	}
	if reply.Key == "" {
		// bridge did not assign one; generate locally for traceability
		return uuid.New().String(), nil
	}
	return reply.Key, nil
}

// UpdateDocument apply a partial field update to one document
func (c *docClientImpl) UpdateDocument(
	ctxt context.Context, collection, key string, fields map[string]interface{},
) error {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = c.roundTrip(
		ctxt, docUpdateSubject, docRequest{Collection: collection, Key: key, Value: encoded},
	)
	return err
}
