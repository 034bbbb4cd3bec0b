package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/wealthlog/ledger/internal/application/service/recalc"
	"github.com/wealthlog/ledger/internal/config"
	"github.com/wealthlog/ledger/internal/domain/interfaces"
	infrabroker "github.com/wealthlog/ledger/internal/infrastructure/broker"
	infracache "github.com/wealthlog/ledger/internal/infrastructure/cache"
	infraledger "github.com/wealthlog/ledger/internal/infrastructure/ledger"
	infrahttp "github.com/wealthlog/ledger/internal/interfaces/http"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	repo, err := infraledger.NewRepository(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatalf("failed to init ledger repo: %v", err)
	}
	defer repo.Close()

	var invalidator interfaces.Cache
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()

		invalidator, err = infracache.NewInvalidator(redisClient)
		if err != nil {
			logger.Fatalf("failed to init cache invalidator: %v", err)
		}
	}

	var publisher interfaces.RecalculatedPublisher
	if cfg.RabbitMQ.URL != "" {
		rabbitConn, err := amqp.Dial(cfg.RabbitMQ.URL)
		if err != nil {
			logger.Fatalf("connect rabbitmq: %v", err)
		}
		defer rabbitConn.Close()

		pub, err := infrabroker.NewPublisher(rabbitConn, cfg.RabbitMQ.EventsExchange, logger)
		if err != nil {
			logger.Fatalf("init publisher: %v", err)
		}
		defer pub.Close()
		publisher = pub
	}

	service := recalc.NewService(repo, invalidator, publisher, logger)
	handler := infrahttp.NewHandler(service, repo)

	server := &http.Server{
		Addr:    cfg.HTTP.Addr(),
		Handler: handler,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("HTTP server listening on %s", cfg.HTTP.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("server error: %v", err)
	}
	service.Wait()
	logger.Info("server stopped")
}
