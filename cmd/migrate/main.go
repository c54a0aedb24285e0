package main

import (
	"context"
	"flag"

	"github.com/jmoiron/sqlx"

	"github.com/r3e-network/knowledgecore/internal/config"
	"github.com/r3e-network/knowledgecore/internal/logging"
	"github.com/r3e-network/knowledgecore/internal/migrations"
	"github.com/r3e-network/knowledgecore/internal/syncpoint"
)

func main() {
	name := flag.String("name", "core", "migration set name, used as the completion-flag key")
	flag.Parse()

	log := logging.NewFromEnv("migrate")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}

	db, err := sqlx.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("open postgres")
	}
	defer db.Close()

	flags := syncpoint.NewPostgresStore(db)
	runner := migrations.NewRunner(cfg.MigrationsPath, cfg.PostgresDSN, flags, log)

	if err := runner.Run(context.Background(), *name); err != nil {
		log.WithError(err).Fatal("migration failed")
	}
	log.WithField("migration", *name).Info("migration complete")
}
