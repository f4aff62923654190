// @title           Admin Console API
// @version         1.0.0
// @description     Admin console backend with a tamper-evident activity ledger: hash-chained audit entries, chain verification, and archived snapshots.
// @basePath        /
// @schemes         http https
// @securityDefinitions.apiKey  Bearer
// @in                          header
// @name                        Authorization
// @description                 "JWT session token: 'Bearer {token}'"
//
// @tag.name         System
// @tag.description  Health, readiness, and version endpoints.
//
// @tag.name         Activity
// @tag.description  Tamper-evident activity ledger: listing, verification, and snapshot export.
//
// @tag.name         Observability
// @tag.description  Prometheus metrics are served on a dedicated side-channel port (default: 9090) that is separate from the main API server. This keeps the scrape path off the public ingress and avoids rate-limiting middleware. Configure the port with ADM_TELEMETRY_METRICS_PORT. The endpoint path is always GET /metrics. It is not part of the OpenAPI spec because it is not served by the Gin router.

// Package main is the entry point for the admin console server binary. It
// dispatches subcommands — serve, migrate, verify, keygen, and version — via
// a simple switch on os.Args so the binary's full CLI surface is readable in
// one place without requiring a cobra dependency. The serve command runs
// auto-migration on startup so freshly deployed containers never need a
// separate migration step. The verify command exists for cron and incident
// response: it walks the chain and exits nonzero on a break, so a scheduled
// job can alert without going through the HTTP API.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/admin-console/admin-console/internal/api"
	"github.com/admin-console/admin-console/internal/auth"
	"github.com/admin-console/admin-console/internal/config"
	"github.com/admin-console/admin-console/internal/crypto"
	"github.com/admin-console/admin-console/internal/db"
	"github.com/admin-console/admin-console/internal/db/repositories"
	"github.com/admin-console/admin-console/internal/ledger"
	"github.com/admin-console/admin-console/internal/telemetry"
)

const (
	version = "0.1.0"

	// exitChainBroken is the verify subcommand's exit code for a detected
	// break, distinct from 1 (operational error) so cron wrappers can tell
	// "could not check" from "checked and found tampering".
	exitChainBroken = 2
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	// Parse command from args
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Execute command
	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "verify":
		mode := string(ledger.ModeFull)
		if len(os.Args) > 2 {
			mode = os.Args[2]
		}
		return runVerify(cfg, mode)
	case "keygen":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s keygen <seed-file-path>", os.Args[0])
		}
		return runKeygen(cfg, os.Args[2])
	case "version":
		fmt.Printf("Admin Console v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, verify, keygen, version", command)
	}
}

func serve(cfg *config.Config) error {
	// Initialise structured logger as early as possible so all subsequent log
	// output uses the configured format (json / text) and level.
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	// Set Gin mode
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate JWT secret configuration (fails in production if not set)
	if err := auth.ValidateJWTSecret(); err != nil {
		return fmt.Errorf("security configuration error: %w", err)
	}
	log.Println("JWT secret validated successfully")

	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log.Println("Connected to database successfully")

	// Begin exporting DB pool statistics to Prometheus.
	telemetry.StartDBStatsCollector(database)

	// Run migrations automatically on startup
	log.Println("Running database migrations...")
	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Printf("Warning: failed to get migration version: %v", err)
	} else {
		log.Printf("Database schema version: %d (dirty: %v)", schemaVersion, dirty)
	}

	// Start Prometheus metrics endpoint on a dedicated port so it is not
	// reachable through the public API ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.Port)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			slog.Info("starting Prometheus metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("metrics server error", "error", err)
			}
		}()
	}

	// Create router
	router, bgServices := api.NewRouter(cfg, database)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on %s", cfg.Server.GetAddress())
		log.Printf("Base URL: %s", cfg.Server.BaseURL)
		log.Printf("Archive backend: %s", cfg.Audit.Archive.Backend)
		log.Println("Server is ready to accept connections")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	// Stop shippers and rate limiter goroutines after requests have drained
	bgServices.Shutdown()

	log.Println("Server stopped gracefully")
	return nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	log.Printf("Running migrations: %s", direction)

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	log.Printf("Migration completed successfully. Current version: %d (dirty: %v)", schemaVersion, dirty)
	return nil
}

// runVerify walks the chain and prints the result as JSON. Exit code 0 means
// the chain verified clean, exitChainBroken means a break was found, and any
// other failure (bad mode, unreachable database) returns an ordinary error.
func runVerify(cfg *config.Config, mode string) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	database, err := connect(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	store := repositories.NewPostgresActivityStore(sqlx.NewDb(database, "postgres"))

	verifierOpts := []ledger.VerifierOption{
		ledger.WithChunkSize(cfg.Audit.Verification.ChunkSize),
	}
	if cfg.Audit.Signing.Enabled {
		passphrase := os.Getenv(cfg.Audit.Signing.PassphraseEnv)
		if passphrase == "" {
			return fmt.Errorf("signing is enabled but %s is not set", cfg.Audit.Signing.PassphraseEnv)
		}
		seed, err := crypto.ReadSeedFile(cfg.Audit.Signing.KeyFile, passphrase)
		if err != nil {
			return fmt.Errorf("failed to read signing seed file: %w", err)
		}
		signer, err := ledger.NewSigner(seed)
		if err != nil {
			return fmt.Errorf("failed to initialize signer: %w", err)
		}
		verifierOpts = append(verifierOpts, ledger.WithVerificationKey(signer.PublicKey()))
	}

	verifier := ledger.NewVerifier(store, verifierOpts...)

	opts := ledger.Options{Mode: ledger.Mode(mode)}
	if opts.Mode == ledger.ModeQuick {
		opts.Limit = cfg.Audit.Verification.DefaultLimit
	}

	result, err := verifier.Verify(context.Background(), opts)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Println(string(out))

	if !result.Valid {
		os.Exit(exitChainBroken)
	}
	return nil
}

// runKeygen generates a fresh Ed25519 seed and writes it encrypted to path.
// The passphrase comes from the environment variable named by
// audit.signing.passphrase_env, same as the server reads at startup.
func runKeygen(cfg *config.Config, path string) error {
	passphrase := os.Getenv(cfg.Audit.Signing.PassphraseEnv)
	if passphrase == "" {
		return fmt.Errorf("%s must be set to encrypt the seed file", cfg.Audit.Signing.PassphraseEnv)
	}

	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return fmt.Errorf("failed to generate seed: %w", err)
	}

	if err := crypto.WriteSeedFile(path, seed, passphrase); err != nil {
		return fmt.Errorf("failed to write seed file: %w", err)
	}

	signer, err := ledger.NewSigner(seed)
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}

	fmt.Printf("Encrypted signing seed written to %s\n", path)
	fmt.Printf("Public key (hex): %x\n", signer.PublicKey())
	fmt.Println("Set audit.signing.enabled=true and audit.signing.key_file to activate signing.")
	return nil
}

func connect(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return database, nil
}
