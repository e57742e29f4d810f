package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tidebook/config"
	"tidebook/domain/market"
	"tidebook/infra/kafka"
	"tidebook/infra/outbox"
	"tidebook/infra/store"
	"tidebook/jobs/broadcaster"
	"tidebook/service"
)

// logMover is the custody integration point. Until a real custody
// backend is wired it records the transfers the engine decided on.
type logMover struct {
	log *zap.Logger
}

func (m *logMover) Deposit(owner market.AccountID, mktToken bool, amount uint64) error {
	m.log.Info("deposit",
		zap.String("owner", owner.String()),
		zap.Bool("mkt_token", mktToken),
		zap.Uint64("amount", amount))
	return nil
}

func (m *logMover) Withdraw(owner market.AccountID, mktToken bool, amount uint64) error {
	m.log.Info("withdraw",
		zap.String("owner", owner.String()),
		zap.Bool("mkt_token", mktToken),
		zap.Uint64("amount", amount))
	return nil
}

func main() {
	cfgPath := flag.String("config", "", "config file path")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	// ---------------- Storage ----------------

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal("store init failed", zap.Error(err))
	}
	defer st.Close()

	ob, err := outbox.Open(st.DB())
	if err != nil {
		log.Fatal("outbox init failed", zap.Error(err))
	}

	// ---------------- Service ----------------

	svc := service.New(st, ob, &logMover{log: log}, log)

	// ---------------- Background Jobs ----------------

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bc, err := broadcaster.New(ob, cfg.Brokers, cfg.EventsTopic,
		time.Duration(cfg.SweepMillis)*time.Millisecond, log)
	if err != nil {
		log.Fatal("broadcaster init failed", zap.Error(err))
	}
	defer bc.Close()
	bc.Start(ctx)

	// ---------------- Order Flow ----------------

	results := kafka.NewProducer(cfg.Brokers, cfg.ResultsTopic)
	defer results.Close()

	consumer := kafka.NewConsumer(cfg.Brokers, cfg.OrdersTopic, cfg.Group)
	defer consumer.Close()

	log.Info("engine running",
		zap.String("orders_topic", cfg.OrdersTopic),
		zap.String("results_topic", cfg.ResultsTopic),
		zap.String("events_topic", cfg.EventsTopic))

	if err := consumer.Run(ctx, func(ctx context.Context, key, value []byte) {
		reply, err := svc.HandleRequest(value)
		if err != nil {
			log.Warn("request rejected", zap.Error(err))
		}
		if reply == nil {
			return
		}
		if err := results.Publish(ctx, key, reply); err != nil {
			log.Warn("reply publish failed", zap.Error(err))
		}
	}); err != nil {
		log.Fatal("consumer exited", zap.Error(err))
	}
}
