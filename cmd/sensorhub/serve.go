package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/sensorhub/internal/api"
	"github.com/nerrad567/sensorhub/internal/bridges"
	"github.com/nerrad567/sensorhub/internal/bridges/ndjson"
	"github.com/nerrad567/sensorhub/internal/catalogue"
	"github.com/nerrad567/sensorhub/internal/infrastructure/config"
	"github.com/nerrad567/sensorhub/internal/infrastructure/database"
	"github.com/nerrad567/sensorhub/internal/infrastructure/influxdb"
	"github.com/nerrad567/sensorhub/internal/infrastructure/logging"
	"github.com/nerrad567/sensorhub/internal/infrastructure/metrics"
	"github.com/nerrad567/sensorhub/internal/infrastructure/mqtt"
	"github.com/nerrad567/sensorhub/internal/sensor"
	"github.com/nerrad567/sensorhub/internal/telemetry"
	"github.com/nerrad567/sensorhub/migrations"
)

const (
	// shutdownTimeout bounds adapter shutdown once a signal arrives.
	shutdownTimeout = 10 * time.Second

	// recorderQueueSize is the catalogue write backlog.
	recorderQueueSize = 256
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long: `Run SensorHub until interrupted (Ctrl+C) or SIGTERM.

The hub will:
  - Open the sensor catalogue and apply migrations
  - Build and start one adapter per enabled sensor
  - Serve the websocket protocol and diagnostic API
  - Publish health to MQTT and points to InfluxDB when enabled

The config path comes from --config, then SENSORHUB_CONFIG, then
configs/config.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx, configPath(cmd))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("config", "c", "", "path to config file")
}

// run wires every component, blocks until ctx is cancelled and then shuts
// down in reverse order of startup.
func run(ctx context.Context, path string) error {
	log := logging.Default()
	log.Info("starting SensorHub",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", path, "hub_id", cfg.Hub.ID, "sensors", len(cfg.Sensors))

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	repo := catalogue.NewSQLiteRepository(db.DB)
	recorder := catalogue.NewRecorder(repo, recorderQueueSize)
	recorder.SetLogger(log.Component("catalogue"))
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorderDone := make(chan struct{})
	go func() {
		defer close(recorderDone)
		recorder.Run(recorderCtx)
	}()
	defer func() {
		stopRecorder()
		<-recorderDone
	}()

	pruner := catalogue.NewPruner(repo, cfg.Database.EventRetention, 0)
	pruner.SetLogger(log.Component("catalogue"))
	pruneCtx, stopPruner := context.WithCancel(ctx)
	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		pruner.Run(pruneCtx)
	}()
	defer func() {
		stopPruner()
		<-pruneDone
	}()

	reg := metrics.New(version)

	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	influxClient, err := connectInfluxDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	mgr := sensor.NewManager(sensor.Config{
		SuperviseInterval: cfg.Supervisor.Interval,
		FailureGrace:      cfg.Supervisor.FailureGrace,
		RestartBudget:     cfg.Supervisor.RestartBudget,
		StopTimeout:       cfg.Supervisor.StopTimeout,
		ChildCapacity:     cfg.Supervisor.ChildCapacity,
	})
	mgr.SetLogger(log.Component("sensor"))
	mgr.SetMetrics(reg)

	observers := sensor.Observers{recorder, reg}
	var reporter *telemetry.Reporter
	if mqttClient != nil || influxClient != nil {
		telCfg := telemetry.Config{
			HubID:          cfg.Hub.ID,
			Version:        version,
			Interval:       cfg.Telemetry.Interval,
			PublishSamples: cfg.Telemetry.PublishSamples,
			SampleRate:     cfg.Telemetry.SampleRate,
			Source:         mgr,
		}
		// Typed nils must not reach the interface fields.
		if mqttClient != nil {
			telCfg.Publisher = mqttClient
		}
		if influxClient != nil {
			telCfg.Points = influxClient
		}
		reporter = telemetry.NewReporter(telCfg)
		reporter.SetLogger(log.Component("telemetry"))
		observers = append(observers, reporter)
	}
	mgr.SetObserver(observers)

	defer func() {
		log.Info("stopping sensors")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := mgr.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error("error stopping sensors", "error", shutdownErr)
		}
	}()

	if regErr := registerSensors(mgr, cfg.Sensors, reg, log); regErr != nil {
		return regErr
	}

	if reporter != nil {
		reporter.Start(ctx)
		defer reporter.Stop()
	}

	if mqttClient != nil {
		relay := telemetry.NewCommandRelay(cfg.Hub.ID, mqttClient, mgr)
		relay.SetLogger(log.Component("relay"))
		if startErr := relay.Start(); startErr != nil {
			return fmt.Errorf("starting command relay: %w", startErr)
		}
		defer relay.Stop()
	}

	apiDeps := api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log.Component("api"),
		Sensors:   mgr,
		Catalogue: repo,
		Metrics:   reg,
		DB:        db.DB,
		Version:   version,
	}
	if mqttClient != nil {
		apiDeps.MQTT = mqttClient
	}
	srv, err := api.New(apiDeps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := srv.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()
	log.Info("API server listening", "addr", srv.Addr(), "tls", cfg.API.TLS.Enabled)

	if err := healthCheck(ctx, db, srv, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	supervisorDone := make(chan struct{})
	go func() {
		defer close(supervisorDone)
		mgr.Run(ctx)
	}()

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	<-supervisorDone

	// Deferred calls run in reverse: API server, command relay, reporter,
	// sensors, InfluxDB, MQTT, event pruner, catalogue recorder, database.
	log.Info("SensorHub stopped")
	return nil
}

// registerSensors builds and registers every enabled sensor entry.
func registerSensors(mgr *sensor.Manager, sensors []config.SensorConfig, reg *metrics.Registry, log *logging.Logger) error {
	deps := bridges.Deps{
		Logger: log.Component("bridges"),
		IngestMetrics: func(listener string) ndjson.Metrics {
			return reg.Ingest(listener)
		},
	}
	for _, sc := range sensors {
		if sc.Disabled {
			log.Info("sensor disabled", "sensor_id", sc.ID, "kind", sc.Kind)
			continue
		}
		built, err := bridges.Build(sc, deps)
		if err != nil {
			return fmt.Errorf("building sensor: %w", err)
		}
		if err := mgr.Register(sc.ID, built.Adapter, built.Capacity, built.Options...); err != nil {
			return fmt.Errorf("registering sensor %s: %w", sc.ID, err)
		}
	}
	return nil
}

// connectMQTT returns nil when MQTT is disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT disabled")
		return nil, nil
	}
	client, err := mqtt.Connect(cfg.MQTT, cfg.Hub.ID)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// connectInfluxDB returns nil when InfluxDB is disabled.
func connectInfluxDB(ctx context.Context, cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// healthCheck verifies the infrastructure connections. MQTT and InfluxDB
// are skipped when disabled.
func healthCheck(ctx context.Context, db *database.DB, srv *api.Server, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := srv.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
