// Package api wires together all HTTP routes for the admin console backend.
//
// Route grouping philosophy:
//   - Probes (/health, /ready) and /version are unauthenticated so that load
//     balancers and Kubernetes can reach them without credentials.
//   - Everything under /api/v1/ requires a valid JWT plus the matching
//     activity scope. The ledger API is read-and-check only: no route appends
//     entries directly — entries are written by the audit facade from the
//     code paths that perform the audited operations.
//   - Verify and export carry their own, stricter rate limits. A full
//     verification walks the entire chain and an export additionally writes a
//     complete snapshot to the archive backend, so both are easy levers for
//     resource exhaustion if left on the general limit.
package api

import (
	"database/sql"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/admin-console/admin-console/internal/api/activity"
	"github.com/admin-console/admin-console/internal/archive"
	"github.com/admin-console/admin-console/internal/audit"
	"github.com/admin-console/admin-console/internal/auth"
	"github.com/admin-console/admin-console/internal/config"
	"github.com/admin-console/admin-console/internal/crypto"
	"github.com/admin-console/admin-console/internal/db/repositories"
	"github.com/admin-console/admin-console/internal/ledger"
	"github.com/admin-console/admin-console/internal/middleware"

	// Import archive backends to register them via init()
	_ "github.com/admin-console/admin-console/internal/archive/local"
	_ "github.com/admin-console/admin-console/internal/archive/s3"
)

// BackgroundServices holds references to background resources that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible
// for calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	shipper      *audit.MultiShipper
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background resources. It should be called after the
// HTTP server has been shut down so that in-flight requests are drained
// first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.shipper != nil {
		if err := bg.shipper.Close(); err != nil {
			slog.Warn("closing audit shippers", "error", err)
		}
	}
	slog.Info("all background services stopped")
}

// Ledger bundles the wired ledger components so cmd/server can reach the
// same appender, verifier, and audit facade the HTTP layer uses.
type Ledger struct {
	Store    *repositories.PostgresActivityStore
	Appender *ledger.Appender
	Verifier *ledger.Verifier
	Exporter *archive.Exporter
	Logger   *audit.Logger
}

// NewLedger wires the chain components from configuration: the Postgres
// store, the appender (with signing when enabled), the verifier, the archive
// exporter, and the audit facade with its shippers.
func NewLedger(cfg *config.Config, db *sql.DB) (*Ledger, *audit.MultiShipper) {
	store := repositories.NewPostgresActivityStore(sqlx.NewDb(db, "postgres"))

	var appenderOpts []ledger.AppenderOption
	verifierOpts := []ledger.VerifierOption{
		ledger.WithChunkSize(cfg.Audit.Verification.ChunkSize),
	}

	if cfg.Audit.Signing.Enabled {
		passphrase := os.Getenv(cfg.Audit.Signing.PassphraseEnv)
		if passphrase == "" {
			log.Fatalf("Signing is enabled but %s is not set", cfg.Audit.Signing.PassphraseEnv)
		}
		seed, err := crypto.ReadSeedFile(cfg.Audit.Signing.KeyFile, passphrase)
		if err != nil {
			log.Fatalf("Failed to read signing seed file: %v", err)
		}
		signer, err := ledger.NewSigner(seed)
		if err != nil {
			log.Fatalf("Failed to initialize signer: %v", err)
		}
		appenderOpts = append(appenderOpts, ledger.WithSigner(signer))
		verifierOpts = append(verifierOpts, ledger.WithVerificationKey(signer.PublicKey()))
		slog.Info("entry signing enabled", "key_file", cfg.Audit.Signing.KeyFile)
	}

	appender := ledger.NewAppender(store, appenderOpts...)
	verifier := ledger.NewVerifier(store, verifierOpts...)

	backend, err := archive.NewBackend(&cfg.Audit.Archive)
	if err != nil {
		log.Fatalf("Failed to initialize archive backend: %v", err)
	}
	log.Printf("Initialized archive backend: %s", cfg.Audit.Archive.Backend)

	var (
		shipper    *audit.MultiShipper
		loggerOpts []audit.Option
	)
	if len(cfg.Audit.Shippers) > 0 {
		shipper, err = audit.NewMultiShipper(cfg.Audit.Shippers)
		if err != nil {
			log.Fatalf("Failed to initialize audit shippers: %v", err)
		}
		loggerOpts = append(loggerOpts, audit.WithShipper(shipper))
	}

	return &Ledger{
		Store:    store,
		Appender: appender,
		Verifier: verifier,
		Exporter: archive.NewExporter(store, verifier, backend),
		Logger:   audit.NewLogger(appender, loggerOpts...),
	}, shipper
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sql.DB) (*gin.Engine, *BackgroundServices) {
	router := gin.New()

	led, shipper := NewLedger(cfg, db)

	activityHandler := activity.NewHandler(led.Store, led.Verifier, led.Exporter, cfg.Audit.Verification.DefaultLimit)
	activityHandler.SetRecorder(led.Logger)

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware(cfg))
	router.Use(CORSMiddleware(cfg))
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	// Health check endpoint
	router.GET("/health", healthCheckHandler(db))

	// Readiness check endpoint (includes archive backend probe)
	router.GET("/ready", readinessHandler(db, led.Exporter))

	// API version
	router.GET("/version", versionHandler())

	// Initialize rate limiters
	generalRateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimitConfig())
	verifyRateLimiter := middleware.NewRateLimiter(middleware.VerifyRateLimitConfig())
	exportRateLimiter := middleware.NewRateLimiter(middleware.ExportRateLimitConfig())

	apiV1 := router.Group("/api/v1")
	{
		authenticated := apiV1.Group("")
		authenticated.Use(middleware.AuthMiddleware())
		authenticated.Use(middleware.RateLimitMiddleware(generalRateLimiter))
		{
			authenticated.GET("/auth/me", meHandler())

			activityGroup := authenticated.Group("/activity")
			{
				activityGroup.GET("",
					middleware.RequireScope(auth.ScopeActivityRead),
					activityHandler.List)
				activityGroup.GET("/stats",
					middleware.RequireScope(auth.ScopeActivityRead),
					activityHandler.Stats)
				activityGroup.GET("/:id",
					middleware.RequireScope(auth.ScopeActivityRead),
					activityHandler.Get)
				activityGroup.POST("/verify",
					middleware.RateLimitMiddleware(verifyRateLimiter),
					middleware.RequireScope(auth.ScopeActivityVerify),
					activityHandler.Verify)
				activityGroup.POST("/export",
					middleware.RateLimitMiddleware(exportRateLimiter),
					middleware.RequireScope(auth.ScopeActivityExport),
					activityHandler.Export)
			}
		}
	}

	bg := &BackgroundServices{
		shipper:      shipper,
		rateLimiters: []*middleware.RateLimiter{generalRateLimiter, verifyRateLimiter, exportRateLimiter},
	}

	return router, bg
}

// @Summary      Health check
// @Description  Returns the health status of the service, including database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "status: healthy, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "status: unhealthy, error: database connection failed"
// @Router       /health [get]
// healthCheckHandler returns the health status of the service
func healthCheckHandler(db *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check database connection
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      Readiness check
// @Description  Returns whether the service is ready to accept traffic. Checks database connectivity.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "ready: true, time: RFC3339 timestamp"
// @Failure      503  {object}  map[string]interface{}  "ready: false, error: database not ready"
// @Router       /ready [get]
// readinessHandler returns the readiness status of the service.
// Unlike the liveness probe (/health), this also checks the archive backend
// so that a Kubernetes readiness gate fails while exports would error.
func readinessHandler(db *sql.DB, exporter *archive.Exporter) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		// Check database connection
		if err := db.Ping(); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "database not ready",
			})
			return
		}
		checks["database"] = "healthy"

		// Check archive backend — probe with a known-absent sentinel key.
		// Exists() exercises authentication and network connectivity without
		// creating any state.
		if err := exporter.Ready(c.Request.Context()); err != nil {
			checks["archive"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"ready":  false,
				"checks": checks,
				"error":  "archive backend not ready",
			})
			return
		}
		checks["archive"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// @Summary      API version
// @Description  Returns the current API version.
// @Tags         System
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "version, api_version"
// @Router       /version [get]
// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// @Summary      Current user
// @Description  Returns the authenticated user's id, email, and scopes as resolved from the presented token.
// @Tags         Auth
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "user_id, email, scopes"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Router       /api/v1/auth/me [get]
// meHandler echoes the authenticated identity from the request context
func meHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id": c.GetString("user_id"),
			"email":   c.GetString("email"),
			"scopes":  c.GetStringSlice("scopes"),
		})
	}
}

// LoggerMiddleware provides structured logging
func LoggerMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", latency),
			slog.String("ip", c.ClientIP()),
			slog.Any("request_id", requestID),
			slog.String("user_agent", c.Request.UserAgent()),
		)
	}
}

// CORSMiddleware handles CORS for the console frontend
func CORSMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// Check if origin is allowed
		allowed := false
		for _, allowedOrigin := range cfg.Security.CORS.AllowedOrigins {
			if allowedOrigin == "*" || allowedOrigin == origin {
				allowed = true
				break
			}
		}

		if allowed {
			if origin == "" {
				c.Header("Access-Control-Allow-Origin", "*")
			} else {
				c.Header("Access-Control-Allow-Origin", origin)
			}
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
			c.Header("Access-Control-Max-Age", "3600")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
