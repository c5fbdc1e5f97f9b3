package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/gatehouse/pkg/admin"
	"github.com/platinummonkey/gatehouse/pkg/api"
	"github.com/platinummonkey/gatehouse/pkg/audit"
	"github.com/platinummonkey/gatehouse/pkg/auth"
	"github.com/platinummonkey/gatehouse/pkg/config"
	"github.com/platinummonkey/gatehouse/pkg/notify"
	"github.com/platinummonkey/gatehouse/pkg/observability"
	"github.com/platinummonkey/gatehouse/pkg/session"
	"github.com/platinummonkey/gatehouse/pkg/sso"
	"github.com/platinummonkey/gatehouse/pkg/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	componentLog := logrus.New()
	componentLog.SetFormatter(&logrus.JSONFormatter{})

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if err := db.Ping(); err != nil {
		log.WithError(err).Error("Failed to ping database")
		os.Exit(1)
	}
	if err := auth.EnsureSchema(context.Background(), db); err != nil {
		log.WithError(err).Error("Failed to ensure database schema")
		os.Exit(1)
	}

	metrics := observability.NewMetrics(nil)
	store := auth.NewStore(db)

	var cache session.Cache
	if cfg.Redis.URL != "" {
		cache, err = session.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB, cfg.Auth.CacheTTL)
		if err != nil {
			log.WithError(err).Error("Failed to connect to redis")
			os.Exit(1)
		}
		log.Info("Session cache: redis")
	} else {
		cache = session.NewMemoryCache(0, cfg.Auth.CacheTTL)
		log.Info("Session cache: in-process LRU")
	}

	sessions := session.NewManager(store, cache, session.Policy{
		TTL:       cfg.Auth.SessionTTL,
		UpdateAge: cfg.Auth.SessionUpdateAge,
	}, componentLog, metrics)

	var notifier notify.Notifier
	if cfg.SMTP.Host != "" {
		notifier = notify.NewSMTPNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.From)
	} else {
		notifier = notify.NewLogNotifier(componentLog)
		log.Warn("No SMTP host configured, notifications will only be logged")
	}

	issuer := token.NewIssuer(store, notifier, token.TTLs{
		EmailVerify:   cfg.Auth.VerifyTokenTTL,
		PasswordReset: cfg.Auth.ResetTokenTTL,
		EmailChange:   cfg.Auth.ChangeTokenTTL,
	}, cfg.Server.BaseURL, componentLog, metrics)

	providers, err := sso.NewProviders(context.Background(), cfg.SSO.Providers, cfg.Server.BaseURL)
	if err != nil {
		log.WithError(err).Error("Failed to configure SSO providers")
		os.Exit(1)
	}
	for name := range providers {
		log.WithField("provider", name).Info("SSO provider configured")
	}
	linker := sso.NewLinker(store, sessions, providers, componentLog, metrics)

	auditLog, err := audit.NewDBLogger(db)
	if err != nil {
		log.WithError(err).Error("Failed to initialize audit log")
		os.Exit(1)
	}

	controller := admin.NewController(store, sessions, auditLog, cfg.Auth.ImpersonationTTL, componentLog, metrics)

	server := api.NewServer(cfg, api.Dependencies{
		Store:    store,
		Sessions: sessions,
		Issuer:   issuer,
		Linker:   linker,
		Admin:    controller,
		AuditLog: auditLog,
		Logger:   componentLog,
		Metrics:  metrics,
	})

	// Housekeeping: expired sessions and stale tokens are removed on a
	// schedule. Validation never depends on the sweeper.
	c := cron.New()
	if _, err := c.AddFunc(cfg.Auth.SweepSchedule, func() {
		ctx := context.Background()
		if n, err := sessions.Sweep(ctx); err != nil {
			log.WithError(err).Error("Session sweep failed")
		} else if n > 0 {
			log.WithField("sessions", n).Info("Swept expired sessions")
		}
		if err := issuer.Sweep(ctx); err != nil {
			log.WithError(err).Error("Token sweep failed")
		}
	}); err != nil {
		log.WithError(err).Error("Failed to schedule expiry sweeper")
		os.Exit(1)
	}
	c.Start()

	srv := server.HTTPServer()
	go func() {
		log.WithField("addr", srv.Addr).Info("Gatehouse listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Server failed")
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutting down gracefully...")

	cronCtx := c.Stop()
	<-cronCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Forced shutdown")
	}
	log.Info("Gatehouse stopped")
}
