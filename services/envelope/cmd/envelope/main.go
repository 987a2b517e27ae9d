package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"time"

	"signflow/internal/ratelimit"
	"signflow/internal/servicetoken"
	"signflow/internal/usertoken"
	"signflow/internal/util"
	"signflow/pkg/notify"
	"signflow/pkg/queue"
	"signflow/services/envelope/internal/app"
	"signflow/services/envelope/internal/config"
	"signflow/services/envelope/internal/server"
)

// sealQueueAdapter narrows the redis queue to what the app needs.
type sealQueueAdapter struct {
	q *queue.RedisSealQueue
}

func (a sealQueueAdapter) Enqueue(ctx context.Context, envelopeID string) error {
	_, err := a.q.Enqueue(ctx, envelopeID)
	return err
}

func main() {
	cfg, err := config.Load(config.ConfigPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)

	jwtLeeway, err := config.ParseJWTLeeway(cfg.JWTLeeway)
	if err != nil {
		log.Fatalf("failed to parse jwt leeway: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:    cfg.AuthJWKSURL,
		Issuer:     cfg.JWTIssuer,
		Audience:   cfg.JWTAudience,
		Leeway:     jwtLeeway,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	})
	if err != nil {
		log.Fatalf("failed to init jwks verifier: %v", err)
	}
	internalVerifyKeys, err := servicetoken.ParseVerifyPublicKeys(cfg.InternalJWTVerifyPublicKeys)
	if err != nil {
		log.Fatalf("failed to parse internal jwt verify public keys: %v", err)
	}

	signLinkTTL, err := config.ParseTTL(cfg.SignLinkTTL, 30*24*time.Hour)
	if err != nil {
		log.Fatalf("failed to parse signLinkTTL: %v", err)
	}
	reminderCooldown, err := config.ParseTTL(cfg.ReminderCooldown, time.Hour)
	if err != nil {
		log.Fatalf("failed to parse reminderCooldown: %v", err)
	}
	reminderLimiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "signflow:reminders", 1, reminderCooldown)
	if err != nil {
		log.Fatalf("failed to init reminder limiter: %v", err)
	}

	var notifier notify.Notifier = notify.NopNotifier{}
	if cfg.AmqpURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AmqpURL, cfg.NotifyExchange)
		if err != nil {
			log.Fatalf("failed to init amqp notifier: %v", err)
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}

	sealStream := cfg.SealQueueName
	if sealStream == "" {
		sealStream = "signflow:seal"
	}
	sealQueue, err := queue.NewRedisSealQueue(queue.RedisQueueConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		Stream:   sealStream,
		Group:    "envelope",
	})
	if err != nil {
		log.Fatalf("failed to init seal queue: %v", err)
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:     cfg.DatabaseURL,
		MinioEndpoint:   cfg.MinioEndpoint,
		MinioAccessKey:  cfg.MinioAccessKey,
		MinioSecretKey:  cfg.MinioSecretKey,
		MinioBucket:     cfg.MinioBucket,
		MinioUseSSL:     cfg.MinioUseSSL,
		RendererURL:     cfg.RendererURL,
		Queue:           sealQueueAdapter{q: sealQueue},
		Notifier:        notifier,
		ReminderLimiter: reminderLimiter,
		PublicBaseURL:   cfg.PublicBaseURL,
		SignLinkTTL:     signLinkTTL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	sealConcurrency := cfg.SealConcurrent
	if sealConcurrency <= 0 {
		sealConcurrency = 2
	}
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	sealQueue.Start(workerCtx, sealConcurrency, func(ctx context.Context, job queue.JobStatus) error {
		return appCore.ProcessSealJob(ctx, job.EnvelopeID)
	})

	httpServer, err := server.New(server.Config{
		App:                         appCore,
		TokenVerifier:               tokenVerifier,
		InternalJWTVerifyPublicKeys: internalVerifyKeys,
		MaxUploadBytes:              cfg.MaxUploadBytes,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("envelope server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "err", err)
	}
}
