package visitdb

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/nats-io/nats.go"
	"github.com/openvisit/visitwatch/common"
)

// NATSConnectParams NATS connection parameter
type NATSConnectParams struct {
	// ServerURI connect to the NATS cluster with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for connection
	ConnectTimeout time.Duration
	// MaxReconnectAttempt on connection failure, max number of reconnect
	// attempt. "-1" means infinite
	MaxReconnectAttempt int
	// ReconnectWait wait duration between reconnect attempts
	ReconnectWait time.Duration
	// OnDisconnectCallback callback on disconnect
	OnDisconnectCallback func(*nats.Conn, error)
	// OnReconnectCallback callback on reconnect
	OnReconnectCallback func(*nats.Conn)
	// OnCloseCallback callback on close
	OnCloseCallback func(*nats.Conn)
}

// NatsClient connection to the NATS cluster fronting the document database
type NatsClient struct {
	common.Component
	nc *nats.Conn
}

// NATS fetch the underlying NATS connection
func (c NatsClient) NATS() *nats.Conn {
	return c.nc
}

// Close close the NATS client
func (c NatsClient) Close(ctxt context.Context) {
	if err := c.nc.FlushWithContext(ctxt); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("NATS flush failed")
	}
	c.nc.Close()
	log.WithFields(c.LogTags).Infof("Close NATS client")
}

// GetNatsClient define a new NATS client
func GetNatsClient(param NATSConnectParams) (NatsClient, error) {
	logTags := log.Fields{
		"module":    "visitdb",
		"component": "nats-backend",
		"instance":  param.ServerURI,
	}
	nc, err := nats.Connect(
		param.ServerURI,
		nats.Timeout(param.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(param.MaxReconnectAttempt),
		nats.ReconnectWait(param.ReconnectWait),
		nats.DisconnectErrHandler(param.OnDisconnectCallback),
		nats.ReconnectHandler(param.OnReconnectCallback),
		nats.ClosedHandler(param.OnCloseCallback),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("NATS client connect failed")
		return NatsClient{}, err
	}
	log.WithFields(logTags).Info("Created NATS client")
	return NatsClient{
		Component: common.Component{LogTags: logTags},
		nc:        nc,
	}, nil
}
