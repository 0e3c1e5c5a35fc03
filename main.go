package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/stantondev/inkwell/activitypub"
	"github.com/stantondev/inkwell/db"
	"github.com/stantondev/inkwell/domain"
	"github.com/stantondev/inkwell/events"
	"github.com/stantondev/inkwell/metrics"
	"github.com/stantondev/inkwell/util"
	"github.com/stantondev/inkwell/web"
	"go.uber.org/zap"
)

// activityRetention is how long inbound dedup records are kept.
const activityRetention = 24 * time.Hour

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting",
		zap.String("version", util.GetVersion()),
		zap.String("domain", conf.Conf.Domain))

	store, err := db.New(conf.Conf.DbPath, logger)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	m := metrics.New()
	translator := activitypub.NewTranslator(conf.Conf.Domain)
	resolver := activitypub.NewResolver(store, conf, logger, m)
	dispatcher := activitypub.NewDispatcher(store, resolver, translator, conf, logger)
	processor := activitypub.NewProcessor(store, resolver, translator, dispatcher, conf, logger, m)
	worker := activitypub.NewWorker(store, conf, logger, m)

	if acc := bootstrapAccount(store, logger); acc != nil {
		if err := resolver.SignFetchesAs(acc); err != nil {
			logger.Warn("actor fetches will be unsigned", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx)
	go pruneActivities(ctx, store, logger)

	subscriber, err := events.Connect(conf, dispatcher, logger)
	if err != nil {
		logger.Fatal("failed to connect event stream", zap.Error(err))
	}
	defer subscriber.Close()

	server := web.NewServer(store, conf, logger, translator, processor)
	go func() {
		if err := server.Serve(); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	logger.Info("shutting down")
	cancel()
}

// bootstrapAccount creates the account named by INKWELL_USER if it does not
// exist yet, minting its keypair. Also used as the resolver's fetch-signing
// identity.
func bootstrapAccount(store *db.Store, logger *zap.Logger) *domain.Account {
	username := os.Getenv("INKWELL_USER")
	if username == "" {
		return nil
	}

	if err, acc := store.ReadAccByUsername(username); err == nil && acc != nil {
		return acc
	}

	keys, err := activitypub.GenerateKeypair()
	if err != nil {
		logger.Error("failed to generate keypair", zap.Error(err))
		return nil
	}

	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		PublicKeyPem:  keys.Public,
		PrivateKeyPem: keys.Private,
		CreatedAt:     time.Now(),
	}
	if err := store.CreateAccount(acc); err != nil {
		logger.Error("failed to create account", zap.Error(err))
		return nil
	}

	logger.Info("created local account", zap.String("username", username))
	return acc
}

// pruneActivities sweeps expired dedup records hourly. Reprocessing a
// duplicate older than the retention window is safe because application is
// idempotent.
func pruneActivities(ctx context.Context, store *db.Store, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.PruneActivities(time.Now().Add(-activityRetention)); err != nil {
				logger.Error("failed to prune activities", zap.Error(err))
			}
		}
	}
}
