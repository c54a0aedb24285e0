package migrations

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/knowledgecore/internal/syncpoint"
)

// Run's interaction with golang-migrate itself needs a real Postgres
// instance and is exercised in integration testing; these cases cover the
// completion-flag gate, which is the part that makes re-running safe.

func TestRun_SkipsWhenFlagAlreadyDone(t *testing.T) {
	ctx := context.Background()
	flags := syncpoint.NewMemoryStore()
	require.NoError(t, flags.Update(ctx, flagKey("core"), func(_ map[string]any) map[string]any {
		return map[string]any{"done": true, "migration": "core"}
	}))

	r := NewRunner("file://does-not-exist", "postgres://invalid", flags, nil)
	assert.NoError(t, r.Run(ctx, "core"))
}

func TestRun_AttemptsWorkWhenFlagNotSet(t *testing.T) {
	ctx := context.Background()
	flags := syncpoint.NewMemoryStore()

	r := NewRunner("file://does-not-exist", "postgres://invalid", flags, nil)
	err := r.Run(ctx, "core")

	assert.Error(t, err)

	blob, getErr := flags.Get(ctx, flagKey("core"))
	require.NoError(t, getErr)
	assert.Nil(t, blob["done"])
}

func TestFlagKey_IsScopedToMigrationName(t *testing.T) {
	assert.NotEqual(t, flagKey("core"), flagKey("retrieval"))
}
