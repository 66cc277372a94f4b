package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Skotchmaster/blog_platform/internal/config"
	"github.com/Skotchmaster/blog_platform/internal/db"
	"github.com/Skotchmaster/blog_platform/internal/es"
	"github.com/Skotchmaster/blog_platform/internal/jobs"
	"github.com/Skotchmaster/blog_platform/internal/logging"
	"github.com/Skotchmaster/blog_platform/internal/mail"
	"github.com/Skotchmaster/blog_platform/internal/mykafka"
	"github.com/Skotchmaster/blog_platform/internal/queue"
	"github.com/Skotchmaster/blog_platform/internal/repo"
	"github.com/Skotchmaster/blog_platform/internal/service/verification"
	"github.com/Skotchmaster/blog_platform/internal/worker"
)

func fatal(l *slog.Logger, msg string, err error) {
	l.Error(msg, "error", err)
	os.Exit(1)
}

func main() {
	families := flag.String("queues", strings.Join(queue.Families, ","), "comma-separated job families to consume")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}
	config.MustNonEmptyBytes(cfg.CodeSecret, "CODE_SECRET")

	logger := logging.New(cfg.LogLevel).With("svc", "auth-worker")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.IntoContext(ctx, logger)

	gdb, err := db.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "db_open_failed", err)
	}
	defer db.Close(gdb)

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		fatal(logger, "redis_url_invalid", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	r := repo.New(gdb, cfg.DBRetries)
	r.Timeout = cfg.DBTimeout
	queues := queue.NewClient(rdb, queue.OptionsFrom(cfg.Queue))
	codes := &verification.Manager{
		Repo:        r,
		Secret:      cfg.CodeSecret,
		TTL:         cfg.CodeTTL,
		MaxAttempts: cfg.CodeMaxAttempts,
	}

	var mailer mail.Mailer = mail.LogMailer{}
	if cfg.Mail.SMTPAddr != "" {
		mailer = &mail.SMTPMailer{Addr: cfg.Mail.SMTPAddr, Username: cfg.Mail.SMTPUser, Password: cfg.Mail.SMTPPass}
	} else {
		logger.Warn("smtp not configured, emails are only logged")
	}

	h := &jobs.Handlers{
		Repo:     r,
		Producer: &jobs.Producer{Repo: r, Queue: queues, Codes: codes, CodeTTL: cfg.CodeTTL},
		Mailer:   mail.NewThrottled(mailer, cfg.Mail.RatePerSec),
		Renderer: mail.NewRenderer(),
		From:     cfg.Mail.From,
	}

	if len(cfg.KafkaBrokers) > 0 {
		prod, err := mykafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			fatal(logger, "kafka_producer_failed", err)
		}
		defer prod.Close()
		h.Events = prod
	}
	if cfg.ESURL != "" {
		esClient, err := es.NewClient(ctx, es.Config{URL: cfg.ESURL, Username: cfg.ESUser, Password: cfg.ESPassword})
		if err != nil {
			fatal(logger, "elasticsearch_failed", err)
		}
		h.Logins = &es.LoginIndex{ES: esClient, Index: cfg.ESLoginIndex}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range config.CSV(*families) {
		q, ok := queues.Queue(name)
		if !ok {
			logger.Error("unknown queue", "queue", name)
			os.Exit(2)
		}
		handler, _ := h.For(name)
		w := worker.New(q, handler, cfg.Worker)
		g.Go(func() error { return w.Run(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
