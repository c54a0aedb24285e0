package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/knowledgecore/internal/blobstore"
	"github.com/r3e-network/knowledgecore/internal/config"
	"github.com/r3e-network/knowledgecore/internal/connector"
	"github.com/r3e-network/knowledgecore/internal/entities"
	"github.com/r3e-network/knowledgecore/internal/graph"
	"github.com/r3e-network/knowledgecore/internal/logging"
	"github.com/r3e-network/knowledgecore/internal/messaging"
	"github.com/r3e-network/knowledgecore/internal/syncpoint"
)

func main() {
	log := logging.NewFromEnv("syncd")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	db, err := sqlx.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres")
	}
	defer db.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	defer redisClient.Close()

	locker := syncpoint.NewRedisLocker(redisClient)

	// The graph store and blob backend are external collaborators in
	// production; syncd wires the in-memory reference implementations of
	// both here, while the messaging producer is the Redis Streams one
	// over redisClient.
	// The mapping store rides on the same graph store rather than a
	// separate backing store, per blob_storage.py's
	// store_virtual_record_mapping.
	store := graph.NewMemoryStore()
	producer := messaging.NewRedisStreamProducer(redisClient)

	blobBackend := blobstore.NewMemoryBackend()
	blobMappings := blobstore.NewGraphMappingStore(store)
	blobs, err := blobstore.NewTransformer(blobBackend, blobMappings)
	if err != nil {
		log.WithError(err).Fatal("init blob transformer")
	}

	processor := entities.New(store, producer, blobs, log)

	registry := connector.NewRegistry()

	// Concrete source connectors (google_drive, gmail, ...) register
	// themselves against dispatcher and registry at startup; none ship in
	// this module, so nothing is registered here beyond construction.
	dispatcher := connector.NewDispatcher(processor, cfg.BatchSize, log)
	_ = dispatcher

	scheduler := connector.NewScheduler(registry, locker, cfg.SyncLockTTL, log)

	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start()
	log.Info("syncd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	<-scheduler.Stop().Done()
}
