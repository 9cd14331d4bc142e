// nmfleet - NMMiner fleet console
//
// This is the main entry point for the console core. It listens for miner
// announcements and status beacons on the local segment, keeps the device
// registry, pushes configurations over UDP, and serves the HTTP/WebSocket
// API the operator UI talks to.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/nmfleet/internal/api"
	"github.com/nerrad567/nmfleet/internal/audit"
	"github.com/nerrad567/nmfleet/internal/device"
	"github.com/nerrad567/nmfleet/internal/discovery"
	"github.com/nerrad567/nmfleet/internal/infrastructure/config"
	"github.com/nerrad567/nmfleet/internal/infrastructure/database"
	"github.com/nerrad567/nmfleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/nmfleet/internal/infrastructure/logging"
	"github.com/nerrad567/nmfleet/internal/infrastructure/mqtt"
	"github.com/nerrad567/nmfleet/internal/push"
	"github.com/nerrad567/nmfleet/internal/telemetry"
	"github.com/nerrad567/nmfleet/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting nmfleet console",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"console_id", cfg.Console.ID,
	)

	// Database holds the push audit log only; the registry is in memory.
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

	applied, err := db.Migrate(ctx, migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path, "migrations_applied", applied)

	pushLog := audit.NewSQLiteRepository(db.DB)

	registry := device.NewRegistry()
	registry.SetLogger(log.Component("registry"))
	cache := device.NewConfigCache()

	mqttClient, influxClient, err := connectSinks(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if influxClient != nil {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}
		if mqttClient != nil {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}
	}()

	forwarder := newForwarder(cfg, mqttClient, influxClient)
	forwarder.SetLogger(log.Component("telemetry"))
	forwarder.Start()
	defer forwarder.Stop()
	registry.AddObserver(forwarder.Observe)

	pusher := push.New(push.Config{
		Port:             cfg.Push.Port,
		Attempts:         cfg.Push.Attempts,
		Interval:         cfg.PushInterval(),
		BroadcastAddress: cfg.Push.BroadcastAddress,
		ReplyTimeout:     cfg.ResponseTimeout(),
	})
	pusher.SetLogger(log.Component("push"))
	pusher.SetRecorder(pushLog)

	listener := discovery.New(discovery.Config{
		BindHost:         cfg.Discovery.BindHost,
		ConfigPort:       cfg.Discovery.ConfigPort,
		StatusPort:       cfg.Discovery.StatusPort,
		PollInterval:     cfg.PollInterval(),
		ReadBufferSize:   cfg.Discovery.ReadBufferSize,
		RegisterOnBeacon: cfg.Discovery.RegisterOnBeacon,
		LivenessTimeout:  cfg.Discovery.LivenessTimeout,
	}, registry, cache)
	listener.SetLogger(log.Component("discovery"))

	deps := api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Command:  cfg.Command,
		Logger:   log.Component("api"),
		Registry: registry,
		Cache:    cache,
		Pusher:   pusher,
		PushLog:  pushLog,
		Events:   forwarder,
		Listener: listener,
		DB:       db,
		Version:  version,
	}
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	listener.OnConfiguration(server.OnConfiguration)

	if err := listener.Start(ctx); err != nil {
		return fmt.Errorf("starting discovery listener: %w", err)
	}
	defer func() {
		log.Info("stopping discovery listener")
		listener.Stop()
	}()
	log.Info("discovery listening",
		"config_addr", listener.ConfigAddr().String(),
		"status_addr", listener.StatusAddr().String(),
		"register_on_beacon", cfg.Discovery.RegisterOnBeacon,
	)

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse: API server, listener, telemetry
	// forwarder (drains its queue), InfluxDB, MQTT, database.

	log.Info("nmfleet console stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses NMFLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("NMFLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectSinks connects the optional MQTT and InfluxDB clients. A disabled
// sink is returned as nil.
func connectSinks(ctx context.Context, cfg *config.Config, log *logging.Logger) (*mqtt.Client, *influxdb.Client, error) {
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		c, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		c.SetLogger(log.Component("mqtt"))
		mqttClient = c
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled")
	}

	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return mqttClient, nil, nil
	}

	influxClient, err := influxdb.Connect(ctx, cfg.InfluxDB)
	if err != nil {
		if mqttClient != nil {
			mqttClient.Close() //nolint:errcheck // startup already failing
		}
		return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	influxClient.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return mqttClient, influxClient, nil
}

// newForwarder builds the telemetry forwarder. Nil clients are passed as
// untyped nil so the forwarder sees the sink as absent.
func newForwarder(cfg *config.Config, mqttClient *mqtt.Client, influxClient *influxdb.Client) *telemetry.Forwarder {
	var (
		publisher telemetry.Publisher
		writer    telemetry.PointWriter
	)
	if mqttClient != nil {
		publisher = mqttClient
	}
	if influxClient != nil {
		writer = influxClient
	}
	return telemetry.New(publisher, writer, byte(cfg.MQTT.QoS), telemetry.DefaultQueueSize)
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
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
