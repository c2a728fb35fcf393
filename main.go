package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/openvisit/visitwatch/cmd"
	"github.com/openvisit/visitwatch/common"
	"github.com/openvisit/visitwatch/listener"
	"github.com/openvisit/visitwatch/storage"
	"github.com/openvisit/visitwatch/visitdb"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
}

var cmdArgs cliArgs

var logTags log.Fields

func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Shared real-time listener cache for visit records",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		Action: startListenerCacheService,
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNatsClient define the NATS client
func prepareNatsClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (visitdb.NatsClient, error) {
	natsParam := visitdb.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return visitdb.GetNatsClient(natsParam)
}

// startListenerCacheService run the listener cache service
func startListenerCacheService(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg := sync.WaitGroup{}
	defer wg.Wait()
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	defer rtCancel()

	natsClient, err := prepareNatsClient(config.NATS, rtCancel)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define NATS client")
		return err
	}
	defer func() {
		closeCtxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		natsClient.Close(closeCtxt)
	}()

	transport, err := visitdb.GetNatsQueryTransport(natsClient, time.Second*15)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define query transport")
		return err
	}
	docs, err := visitdb.GetDocumentClient(natsClient, time.Second*15)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define document client")
		return err
	}

	// The warm-start cache is best-effort; refusing to open it must not
	// stop the service
	var warmCache storage.VisitCache
	if opened, err := storage.OpenBoltVisitCache(config.LocalCache.Path); err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Starting without warm-start cache %s", config.LocalCache.Path,
		)
	} else {
		warmCache = opened
		defer func() {
			if err := warmCache.Close(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Warm-start cache close failed")
			}
		}()
	}

	cache, err := listener.DefineSharedListenerCache(
		transport,
		warmCache,
		listener.ConfigFromCommon(config.Listener),
		runTimeContext,
		&wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define listener cache")
		return err
	}
	if err := cache.Start(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start listener cache")
		return err
	}
	defer cache.Destroy()

	// Periodically purge expired warm-start rows
	if warmCache != nil {
		purgeTimer, err := common.GetIntervalTimerInstance(
			"warm-cache-purge", runTimeContext, &wg,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define purge timer")
			return err
		}
		purgeInterval := time.Second * time.Duration(config.LocalCache.PurgeIntervalSec)
		if err := purgeTimer.Start(purgeInterval, func() error {
			_, err := warmCache.Purge(time.Now())
			return err
		}, false); err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to start purge timer")
			return err
		}
		defer func() {
			_ = purgeTimer.Stop()
		}()
	}

	// Stop on SIGINT or SIGTERM
	cc := make(chan os.Signal, 1)
	signal.Notify(cc, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-cc
		log.WithFields(logTags).Infof("Received SIGNAL %s, shutting down", s)
		rtCancel()
	}()

	return cmd.RunMonitorServer(
		cmd.MonitorServerParamsFromConfig(config.Monitor),
		cmdArgs.Hostname,
		cache,
		docs,
		runTimeContext,
		&wg,
	)
}
