package cmd

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	transporthttp "github.com/toolgate/toolgate/internal/adapter/inbound/http"
	filaudit "github.com/toolgate/toolgate/internal/adapter/outbound/audit"
	"github.com/toolgate/toolgate/internal/adapter/outbound/sql"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/ratelimit"
	"github.com/toolgate/toolgate/internal/service"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision service",
	Long: `Start the toolgate runtime policy decision service.

Applies pending database migrations, wires the SQL-backed stores, and
serves POST /runtime-check plus the ambient /healthz and /metrics
endpoints (§4.7/§6/§10).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "enable development mode (verbose logging, permissive defaults)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	db, err := sql.Open(cfg.Database.DriverName, cfg.Database.DSN, cfg.Database.MaxOpenConns)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	logger.Info("database ready", "driver", cfg.Database.DriverName, "max_open_conns", cfg.Database.MaxOpenConns)

	policyStore := sql.NewPolicyStore(db)
	sessionStore := sql.NewSessionStore(db)
	authStore := sql.NewAuthStore(db)
	rateLimitStore := sql.NewRateLimiter(db)

	auditStore, err := newAuditStore(cfg, db, logger)
	if err != nil {
		return fmt.Errorf("failed to create audit store: %w", err)
	}
	defer func() { _ = auditStore.Close() }()

	validator := auth.NewValidator(authStore, cfg.Auth.KeyPrefixLength, cfg.Auth.MinKeyLength)
	limiter := ratelimit.NewLimiter(rateLimitStore, cfg.RateLimit.RequestsPerMinute)

	decisions := service.NewDecisionService(
		policyStore,
		sessionStore,
		validator,
		limiter,
		auditStore,
		cfg.Decision.MaxHistoryLength,
		func() int64 { return time.Now().UnixMilli() },
		logger,
	)

	healthChecker := transporthttp.NewHealthChecker(db, Version)

	transport := transporthttp.NewHTTPTransport(
		decisions,
		cfg.Decision.MaxPayloadBytes,
		transporthttp.WithAddr(cfg.Server.HTTPAddr),
		transporthttp.WithLogger(logger),
		transporthttp.WithHealthChecker(healthChecker),
		transporthttp.WithRequestDeadline(cfg.Decision.RequestDeadlineMs),
	)

	logger.Info("toolgate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"audit_output", cfg.Audit.Output,
		"rate_limit_rpm", cfg.RateLimit.RequestsPerMinute,
	)

	if err := transport.Start(ctx); err != nil {
		return err
	}
	logger.Info("toolgate stopped")
	return nil
}

// newAuditStore selects the audit sink named by cfg.Audit.Output: the
// default "sql" sink reuses the already-open database connection, and a
// "file://" URI switches to the JSON-lines file sink instead.
func newAuditStore(cfg *config.Config, db *stdsql.DB, logger *slog.Logger) (audit.Store, error) {
	if strings.HasPrefix(cfg.Audit.Output, "file://") {
		dir := cfg.AuditFile.Dir
		if dir == "" {
			dir = strings.TrimPrefix(cfg.Audit.Output, "file://")
		}
		return filaudit.NewFileStore(filaudit.FileConfig{
			Dir:           dir,
			RetentionDays: cfg.AuditFile.RetentionDays,
			MaxFileSizeMB: cfg.AuditFile.MaxFileSizeMB,
			CacheSize:     cfg.Audit.RecentCacheSize,
		}, logger)
	}
	return sql.NewAuditStore(db), nil
}

// parseLogLevel converts a string log level to slog.Level, defaulting to
// info for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
