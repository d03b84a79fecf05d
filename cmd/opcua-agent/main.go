// OPC-UA telemetry agent.
//
// The agent subscribes to configured OPC-UA nodes and republishes every
// value change as an MQTT telemetry message, optionally protected by a
// per-device Megolm ratchet. Ratchet state is persisted in SQLite so a
// restart never reuses a message key.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/edgelink-io/opcua-agent/migrations"

	"github.com/edgelink-io/opcua-agent/internal/bridge"
	"github.com/edgelink-io/opcua-agent/internal/bridges/opc"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/config"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/database"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/influxdb"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/logging"
	"github.com/edgelink-io/opcua-agent/internal/infrastructure/mqtt"
	"github.com/edgelink-io/opcua-agent/internal/sessionstore"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownGrace bounds how long the run loops get to wind down after
// cancellation before the process gives up on them.
const shutdownGrace = 5 * time.Second

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
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting opcua-agent",
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

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the ratchet state database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	store := sessionstore.New(db)

	// Connect to the MQTT broker
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", mqttClient.ClientID(),
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	publisher := mqtt.NewPublisher(mqttClient, cfg.MQTT.Queue, log)
	defer publisher.Close()

	// Connect the local telemetry recorder (optional)
	var recorder bridge.Recorder
	if cfg.InfluxDB.Enabled {
		influxRecorder, err := influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxRecorder.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxRecorder.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"bucket", cfg.InfluxDB.Bucket,
		)
		recorder = influxRecorder
	} else {
		log.Info("InfluxDB disabled")
	}

	connector := opc.New(cfg.OPCUA, log)

	b, err := bridge.New(bridge.Options{
		Config:    cfg,
		Connector: connector,
		Publisher: publisher,
		Store:     store,
		Recorder:  recorder,
		Logger:    log,
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	if err := healthCheck(ctx, db, mqttClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete",
		"channels", len(cfg.Channels),
		"endpoint", cfg.OPCUA.Endpoint,
	)

	return supervise(ctx, log, connector, publisher, b)
}

// supervise runs the connector, publisher and bridge loops and shuts
// everything down when the first one ends or a signal arrives.
func supervise(ctx context.Context, log *logging.Logger, connector *opc.Connector, publisher *mqtt.Publisher, b *bridge.Bridge) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	go func() { errs <- connector.Run(runCtx) }()
	go func() { errs <- publisher.Run(runCtx) }()
	go func() { errs <- b.Run(runCtx) }()

	var runErr error
	received := 0

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case err := <-errs:
		received++
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	publisher.Close()
	cancel()

	// Give the remaining loops a bounded window to wind down.
	deadline := time.After(shutdownGrace)
	for received < 3 {
		select {
		case err := <-errs:
			received++
			if runErr == nil && err != nil && !errors.Is(err, context.Canceled) {
				runErr = err
			}
		case <-deadline:
			log.Warn("shutdown grace period elapsed", "pending", 3-received)
			received = 3
		}
	}

	log.Info("opcua-agent stopped")
	return runErr
}

// getConfigPath returns the configuration file path.
// Uses OPCAGENT_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("OPCAGENT_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the infrastructure connections before streaming.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}
