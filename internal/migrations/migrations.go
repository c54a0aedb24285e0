// Package migrations implements spec.md §4.K: idempotent schema/data
// migrations gated by a persisted "done" flag, so running the same
// migration twice is a no-op on the second invocation (spec.md §8).
//
// Ground: golang-migrate/migrate/v4 (a teacher dependency) drives the
// actual schema changes; the completion-flag gate is layered on top using
// the Sync-Point Store's atomic read-modify-write as the flag's durable
// home: {done: true} under the sync-point key migrations|<name>|v1.
package migrations

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/r3e-network/knowledgecore/internal/errs"
	"github.com/r3e-network/knowledgecore/internal/logging"
	"github.com/r3e-network/knowledgecore/internal/syncpoint"
)

// flagKey builds the sync-point key a migration's completion flag lives
// under: migrations|<name>|v1.
func flagKey(name string) syncpoint.Key {
	return syncpoint.Key{Resource: "migrations", ConnectorInstance: name, ResourceID: "v1"}
}

// Runner applies a golang-migrate migration set exactly once, tracked via
// a syncpoint.Store completion flag.
type Runner struct {
	sourceURL string
	dsn       string
	flags     syncpoint.Store
	log       *logging.Logger
}

// NewRunner builds a Runner. sourceURL is a golang-migrate source URL
// (e.g. "file://migrations"); dsn is the target Postgres DSN.
func NewRunner(sourceURL, dsn string, flags syncpoint.Store, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewFromEnv("migrations")
	}
	return &Runner{sourceURL: sourceURL, dsn: dsn, flags: flags, log: log}
}

// Run applies the migration set named name if, and only if, its
// completion flag is not already set. On success it persists {done: true}.
func (r *Runner) Run(ctx context.Context, name string) error {
	key := flagKey(name)

	blob, err := r.flags.Get(ctx, key)
	if err != nil {
		return errs.Transient("migrations_flag_get", err)
	}
	if done, _ := blob["done"].(bool); done {
		r.log.WithContext(ctx).WithField("migration", name).Info("migration already applied, skipping")
		return nil
	}

	m, err := migrate.New(r.sourceURL, r.dsn)
	if err != nil {
		return errs.Fatal("migrations_new", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if srcErr != nil {
			r.log.WithContext(ctx).WithError(srcErr).Warn("error closing migration source")
		}
		if dbErr != nil {
			r.log.WithContext(ctx).WithError(dbErr).Warn("error closing migration database handle")
		}
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errs.Fatal(fmt.Sprintf("migrations_up(%s)", name), err)
	}

	return r.flags.Update(ctx, key, func(_ map[string]any) map[string]any {
		return map[string]any{"done": true, "migration": name}
	})
}
