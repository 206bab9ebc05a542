package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs-labo46/ec-backend/internal/config"
	"github.com/rs-labo46/ec-backend/internal/handler"
	"github.com/rs-labo46/ec-backend/internal/infra/db"
	infraRepo "github.com/rs-labo46/ec-backend/internal/infra/repository"
	"github.com/rs-labo46/ec-backend/internal/payment"
	"github.com/rs-labo46/ec-backend/internal/server"
	"github.com/rs-labo46/ec-backend/internal/taskqueue"
	"github.com/rs-labo46/ec-backend/internal/usecase"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and payment workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, migrateFirst)
		},
	}
	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply migrations before serving")

	return cmd
}

func runServe(parent context.Context, cfg config.Config, migrateFirst bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)

	if migrateFirst {
		if err := db.MigrateUp(cfg.DatabaseURLForMigrate()); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	//DB接続
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}

	//Repository（GORM実装）生成
	txm := infraRepo.NewTxManagerGorm(gormDB)
	carts := infraRepo.NewCartGormRepository(gormDB)
	products := infraRepo.NewProductGormRepository(gormDB)
	auditLogs := infraRepo.NewAuditLogGormRepository(gormDB)

	//決済プロバイダ
	gateway, err := payment.New(payment.Config{
		Provider:      cfg.Payment.Provider,
		APIKey:        cfg.Payment.APIKey,
		ClientID:      cfg.Payment.ClientID,
		WebhookSecret: cfg.Payment.WebhookSecret,
		BaseURL:       cfg.Payment.BaseURL,
		Currency:      cfg.Payment.Currency,
		NotifyURL:     cfg.Payment.NotifyURL,
		Timeout:       cfg.Payment.Timeout,
	}, &http.Client{})
	if err != nil {
		return err
	}

	//タスク結果はRedis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	store := taskqueue.NewRedisStore(rdb, "ec:payment-tasks", cfg.TaskResultTTL)

	pub, sub, err := taskqueue.NewPubSub(cfg.QueueBackend, cfg.KafkaBrokers, "ec-payment-workers", watermill.NewSlogLogger(logger))
	if err != nil {
		return err
	}

	//Usecase生成
	orderUC := usecase.NewOrderUsecase(txm, cfg.PollWait, logger)
	adminOrderUC := usecase.NewAdminOrderUsecase(txm, auditLogs)
	cartUC := usecase.NewCartUsecase(carts, carts, products)

	queue := taskqueue.New(pub, sub, store, taskqueue.Options{
		Topic:    "payment.charge",
		Workers:  cfg.TaskWorkers,
		Timeout:  cfg.TaskTimeout,
		Classify: usecase.ClassifyChargeFailure,
		Logger:   logger.With("component", "taskqueue"),

		FailUndeliveredOnClose: cfg.QueueBackend != taskqueue.BackendKafka,
	})
	paymentUC := usecase.NewPaymentUsecase(txm, gateway, queue, cfg.FrontURL, logger)
	if err := queue.Start(ctx, paymentUC.RunChargeJob); err != nil {
		return err
	}

	webhookUC := usecase.NewWebhookUsecase(gateway, orderUC, logger.With("component", "webhook"))

	//Handler生成
	e := server.New(cfg, logger)
	server.RegisterRoutes(e, cfg, server.Handlers{
		Cart:       handler.NewCartHandler(cartUC),
		Order:      handler.NewOrderHandler(orderUC),
		AdminOrder: handler.NewAdminOrderHandler(adminOrderUC),
		Payment:    handler.NewPaymentHandler(paymentUC, orderUC),
		Webhook:    handler.NewWebhookHandler(webhookUC),
	})

	logger.Info("starting", "env", cfg.GoEnv, "provider", gateway.Name(), "queue", cfg.QueueBackend)
	serveErr := server.Start(ctx, e, ":"+cfg.Port, logger)

	//実行中のタスクは最後まで走らせる。配達前のタスクはfailed/shutdownになる
	if err := queue.Close(); err != nil {
		logger.Warn("queue close failed", "err", err)
	}
	queue.Wait()
	logger.Info("stopped")

	return serveErr
}
