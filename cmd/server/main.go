package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Skotchmaster/blog_platform/internal/config"
	"github.com/Skotchmaster/blog_platform/internal/db"
	"github.com/Skotchmaster/blog_platform/internal/es"
	"github.com/Skotchmaster/blog_platform/internal/handlers"
	"github.com/Skotchmaster/blog_platform/internal/jobs"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	authmw "github.com/Skotchmaster/blog_platform/internal/middleware/auth"
	"github.com/Skotchmaster/blog_platform/internal/middleware/csrf"
	"github.com/Skotchmaster/blog_platform/internal/mykafka"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/ratelimit"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/service/account"
	"github.com/Skotchmaster/blog_platform/internal/service/token"
	"github.com/Skotchmaster/blog_platform/internal/service/verification"
	httpserver "github.com/Skotchmaster/blog_platform/internal/transport/http"
)

func fatal(l *slog.Logger, msg string, err error) {
	l.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	cfg.MustSecrets()

	logger := logging.New(cfg.LogLevel).With("svc", "auth-api")
	slog.SetDefault(logger)

	ctx := context.Background()

	gdb, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "db_open_failed", err)
	}
	if err := db.Migrate(gdb); err != nil {
		fatal(logger, "db_migrate_failed", err)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fatal(logger, "redis_url_invalid", err)
	}
	rdb := redis.NewClient(redisOpts)

	r := repo.New(gdb, cfg.DBRetries)
	r.Timeout = cfg.DBTimeout
	queues := queue.NewClient(rdb, queue.OptionsFrom(cfg.Queue))
	limiter := ratelimit.New(rdb, cfg.RateLimit)

	tokens := &token.Issuer{
		Repo:           r,
		JWTSecret:      cfg.JWTSecret,
		RefreshSecret:  cfg.RefreshSecret,
		AccessTTL:      cfg.AccessTokenTTL,
		RefreshTTL:     cfg.RefreshTokenTTL,
		ReuseRevokeAll: cfg.RefreshReuseRevokeAll,
	}
	codes := &verification.Manager{
		Repo:        r,
		Secret:      cfg.CodeSecret,
		TTL:         cfg.CodeTTL,
		MaxAttempts: cfg.CodeMaxAttempts,
	}
	svc := &account.Service{
		Repo:   r,
		Tokens: tokens,
		Codes:  codes,
		Emails: &jobs.Producer{Repo: r, Queue: queues, Codes: codes, CodeTTL: cfg.CodeTTL},
		Queue:  queues,
	}

	var prod *mykafka.Producer
	if len(cfg.KafkaBrokers) > 0 {
		prod, err = mykafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			fatal(logger, "kafka_producer_failed", err)
		}
		svc.Events = prod
	}

	admin := &account.Admin{Account: svc, Queues: queues}
	if cfg.ESURL != "" {
		esClient, err := es.NewClient(ctx, es.Config{URL: cfg.ESURL, Username: cfg.ESUser, Password: cfg.ESPassword})
		if err != nil {
			fatal(logger, "elasticsearch_failed", err)
		}
		admin.Logins = &es.LoginIndex{ES: esClient, Index: cfg.ESLoginIndex}
	}

	var csrfCfg *csrf.Config
	if cfg.CSRFEnabled {
		c := csrf.DefaultConfig()
		c.Secure = cfg.CookieSecure
		csrfCfg = &c
	}

	e := httpserver.New(&httpserver.Deps{
		Logger: logger,
		Auth:   &handlers.AuthHandler{Account: svc, Limiter: limiter},
		Admin:  &handlers.AdminHandler{Admin: admin},
		Health: &handlers.HealthHandler{Checks: map[string]handlers.Pinger{
			"db":    handlers.PingFunc(func(ctx context.Context) error { return db.Ping(ctx, gdb) }),
			"redis": handlers.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
		}},
		Guard:   &authmw.Guard{Tokens: tokens, Repo: r},
		Limiter: limiter,
		CSRF:    csrfCfg,

		InsecureCookies: !cfg.CookieSecure,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(logger, "http_server_error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	go func() {
		<-quit
		logger.Warn("force exit")
		os.Exit(1)
	}()

	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := db.Close(gdb); err != nil {
		logger.Error("db close error", "error", err)
	}
	if err := rdb.Close(); err != nil {
		logger.Error("redis close error", "error", err)
	}
	if prod != nil {
		if err := prod.Close(); err != nil {
			logger.Error("kafka close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
