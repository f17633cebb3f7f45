// Command attune runs the Attune session and workflow orchestration service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/attuneai/attune/internal/api"
	"github.com/attuneai/attune/internal/cache"
	"github.com/attuneai/attune/internal/genai"
	"github.com/attuneai/attune/internal/integrator"
	"github.com/attuneai/attune/internal/lockfile"
	"github.com/attuneai/attune/internal/metrics"
	"github.com/attuneai/attune/internal/recovery"
	"github.com/attuneai/attune/internal/session"
	"github.com/attuneai/attune/internal/store"
	"github.com/attuneai/attune/internal/util"
	"github.com/attuneai/attune/internal/workflow"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Attune state data
	DefaultStateDir = "/var/lib/attune"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "attune.db"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown
	DefaultShutdownTimeout = 15 * time.Second
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Only one instance may own a state directory.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		os.Exit(1)
	}
	defer lock.Release()

	slog.Info("Bootstrapping Attune with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr)
	if err := run(flags); err != nil {
		slog.Error("Attune failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("Attune exited successfully")
}

// run wires the service graph and blocks until shutdown.
func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	c := cache.NewTTLCache()
	defer c.Stop()
	timer := metrics.NewPromTimer()

	sessions := session.NewManager(st, c, timer)
	processor := buildProcessor(flags)
	engine := workflow.NewEngine(st, processor, timer)
	in := integrator.NewIntegrator(sessions, engine, processor, st, c, timer,
		integrator.WithErrorRecovery(util.ParseBoolEnv("ERROR_RECOVERY", true)))
	sweeper := session.NewSweeper(sessions, *flags.sweepInterval)

	// Startup recovery: restore live workflow contexts and handle sessions
	// that expired while the process was down.
	rec := recovery.NewManager()
	rec.Register(recovery.NewWorkflowContextRecovery(st, engine))
	rec.Register(recovery.NewExpiredSessionRecovery(sweeper))
	if err := rec.RecoverAll(context.Background()); err != nil {
		slog.Warn("Recovery completed with errors", "error", err)
	}

	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	server := api.NewServer(sessions, engine, in, apiOpts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Session sweeper stopped unexpectedly", "error", err)
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Run()
	}()

	select {
	case err := <-serveErr:
		stop()
		<-sweepDone
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	<-sweepDone
	return nil
}

// buildStore selects the storage backend from the DSN shape.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildProcessor creates the OpenAI-backed processor, degrading to a static
// one when no API key is configured.
func buildProcessor(flags Flags) genai.Processor {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.model != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.model))
	}
	client, err := genai.NewClient(genaiOpts...)
	if err != nil {
		slog.Warn("GenAI client unavailable, using static responses", "error", err)
		return &genai.StaticProcessor{
			Response:   "Thanks for your message. I'm here whenever you're ready to continue.",
			Confidence: 0.3,
		}
	}
	return client
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	Model         string
	APIAddr       string
	SweepInterval string
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	openaiKey     *string
	model         *string
	apiAddr       *string
	sweepInterval *time.Duration
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("ATTUNE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		Model:         os.Getenv("OPENAI_MODEL"),
		APIAddr:       os.Getenv("API_ADDR"),
		SweepInterval: os.Getenv("SWEEP_INTERVAL"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No ATTUNE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("ATTUNE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"ATTUNE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.Model,
		"API_ADDR", config.APIAddr,
		"SWEEP_INTERVAL", config.SweepInterval)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	sweepDefault := session.DefaultSweepInterval
	if config.SweepInterval != "" {
		if d, err := time.ParseDuration(config.SweepInterval); err == nil {
			sweepDefault = d
		} else {
			slog.Warn("Invalid SWEEP_INTERVAL, using default", "value", config.SweepInterval, "error", err)
		}
	}

	flags := Flags{
		stateDir:      flag.String("state-dir", config.StateDir, "state directory for Attune data (overrides $ATTUNE_STATE_DIR)"),
		dbDSN:         flag.String("db-dsn", config.DatabaseURL, "database DSN for the document store (overrides $DATABASE_URL)"),
		openaiKey:     flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		model:         flag.String("openai-model", config.Model, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		apiAddr:       flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		sweepInterval: flag.Duration("sweep-interval", sweepDefault, "session expiry sweep interval (overrides $SWEEP_INTERVAL)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"sweepInterval", *flags.sweepInterval)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "dsn_updated", true, "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return err
	}
	return nil
}
