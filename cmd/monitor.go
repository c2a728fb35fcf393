package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/openvisit/visitwatch/apis"
	"github.com/openvisit/visitwatch/common"
	"github.com/openvisit/visitwatch/listener"
	"github.com/openvisit/visitwatch/visitdb"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// MonitorServerParams parameters for the monitor API server
type MonitorServerParams struct {
	ListenOn   string `validate:"required,ip"`
	Port       uint16 `validate:"required,gt=0,lt=65536"`
	PathPrefix string `validate:"required"`
}

// RunMonitorServer run the monitor API server until the runtime context ends
func RunMonitorServer(
	params MonitorServerParams,
	instance string,
	cache listener.Cache,
	docs visitdb.DocumentClient,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "monitor",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid monitor server params")
		return err
	}

	httpHandler, err := apis.GetAPIRestMonitorHandler(cache, docs)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, params.PathPrefix, nil)

	// Listener cache monitor
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/cache/stats", apis.MethodHandlers{
		"get": httpHandler.CacheStatsHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/cache/refresh", apis.MethodHandlers{
		"post": httpHandler.RefreshAllHandler(),
	})

	// Visit document passthrough
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/visit", apis.MethodHandlers{
		"post": httpHandler.AddVisitHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/visit/{visitID}", apis.MethodHandlers{
		"get": httpHandler.GetVisitHandler(),
		"put": httpHandler.UpdateVisitHandler(),
	})

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	serverListen := fmt.Sprintf("%s:%d", params.ListenOn, params.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * 60,
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}

// MonitorServerParamsFromConfig translate service config into server params
func MonitorServerParamsFromConfig(cfg common.MonitorServerConfig) MonitorServerParams {
	return MonitorServerParams{
		ListenOn:   cfg.ListenOn,
		Port:       cfg.Port,
		PathPrefix: cfg.Endpoints.PathPrefix,
	}
}
