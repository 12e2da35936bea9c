package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/hsm-crypto-gateway/internal/api"
	"github.com/kenneth/hsm-crypto-gateway/internal/audit"
	"github.com/kenneth/hsm-crypto-gateway/internal/config"
	"github.com/kenneth/hsm-crypto-gateway/internal/hsm"
	"github.com/kenneth/hsm-crypto-gateway/internal/keystore"
	"github.com/kenneth/hsm-crypto-gateway/internal/metrics"
	"github.com/kenneth/hsm-crypto-gateway/internal/middleware"
	"github.com/kenneth/hsm-crypto-gateway/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	// Set log level from config
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting HSM Crypto Gateway")

	// Initialize metrics
	m := metrics.NewMetrics()
	metrics.SetVersion(version)
	m.StartSystemMetricsCollector()

	// Initialize tracing
	shutdownTracing, err := tracing.Init(context.Background(), cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	// Open the cryptographic module session
	var session hsm.Session
	switch cfg.HSM.Provider {
	case "pkcs11":
		session, err = hsm.OpenModule(hsm.ModuleConfig{
			ModulePath: cfg.HSM.ModulePath,
			TokenLabel: cfg.HSM.TokenLabel,
			SlotID:     cfg.HSM.SlotID,
			PIN:        cfg.HSM.PIN,
		}, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open PKCS#11 module")
		}
		logger.WithFields(logrus.Fields{
			"module_path":    cfg.HSM.ModulePath,
			"module_version": session.Version().String(),
		}).Info("PKCS#11 module opened")
	case "software":
		session = hsm.NewSoftwareSession()
		logger.Warn("Using in-process software module; keys are not hardware backed")
	default:
		logger.WithField("provider", cfg.HSM.Provider).Fatal("Unknown HSM provider")
	}
	defer session.Close()

	// Record every module call in the metrics
	session = hsm.InstrumentSession(session, m)

	// Key handle registry
	store := keystore.NewMemoryStore(0)

	// Audit logger
	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, nil)
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	} else {
		auditLogger = audit.NewLogger(1, discardWriter{})
	}

	// Key policies, if any are configured alongside the config file
	var policies *config.PolicyManager
	if patterns := os.Getenv("POLICY_FILES"); patterns != "" {
		policies = config.NewPolicyManager()
		if err := policies.LoadPolicies([]string{patterns}); err != nil {
			logger.WithError(err).Fatal("Failed to load key policies")
		}
		logger.Info("Key policies loaded")
	}

	// Initialize API handler
	handler := api.NewHandler(session, cfg, store, auditLogger, m, logger, policies)

	// Setup router
	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	// Apply middleware
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	httpHandler = middleware.LoggingMiddleware(logger)(httpHandler)
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}

	// Add rate limiting if enabled
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(
			cfg.RateLimit.Limit,
			cfg.RateLimit.Window,
			logger,
		)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	// Watch the config file for safe runtime changes
	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config reloading unavailable")
	} else {
		reloader.SetOnReloadCallback(func(oldCfg, newCfg *config.Config) error {
			if newLevel, err := logrus.ParseLevel(newCfg.LogLevel); err == nil {
				logger.SetLevel(newLevel)
			}
			return nil
		})
		reloader.Start()
		defer reloader.Stop()
	}

	// Create HTTP server
	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}

	if err := shutdownTracing(ctx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// discardWriter keeps the audit interface satisfied when auditing is off.
type discardWriter struct{}

func (discardWriter) WriteEvent(event *audit.AuditEvent) error { return nil }
