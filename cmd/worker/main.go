package main

import (
	"context"
	"os/signal"
	"syscall"

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
	if cfg.RabbitMQ.URL == "" {
		logger.Fatal("RABBITMQ_URL is required for the worker")
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

	rabbitConn, err := amqp.Dial(cfg.RabbitMQ.URL)
	if err != nil {
		logger.Fatalf("connect rabbitmq: %v", err)
	}
	defer rabbitConn.Close()

	publisher, err := infrabroker.NewPublisher(rabbitConn, cfg.RabbitMQ.EventsExchange, logger)
	if err != nil {
		logger.Fatalf("init publisher: %v", err)
	}
	defer publisher.Close()

	service := recalc.NewService(repo, invalidator, publisher, logger)

	consumer, err := infrabroker.NewConsumer(cfg.RabbitMQ, service, logger)
	if err != nil {
		logger.Fatalf("init consumer: %v", err)
	}
	if err := consumer.Start(ctx); err != nil {
		logger.Fatalf("start consumer: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case connErr := <-rabbitConn.NotifyClose(make(chan *amqp.Error, 1)):
			if connErr != nil {
				return connErr
			}
			return nil
		}
	})

	logger.Info("recalculation worker started")
	if err := g.Wait(); err != nil {
		logger.Errorf("worker error: %v", err)
	}

	if err := consumer.Close(context.Background()); err != nil {
		logger.Errorf("close consumer: %v", err)
	}
	service.Wait()
	logger.Info("worker stopped")
}
