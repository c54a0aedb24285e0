package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct{ name string }

func (s stubConnector) Name() string                                              { return s.name }
func (s stubConnector) Init(_ context.Context) error                              { return nil }
func (s stubConnector) RunSync(_ context.Context, _ InstanceRef) error             { return nil }
func (s stubConnector) RunIncrementalSync(_ context.Context, _ InstanceRef) error  { return nil }
func (s stubConnector) TestConnectionAndAccess(_ context.Context, _ InstanceRef) error {
	return nil
}
func (s stubConnector) Cleanup(_ context.Context) error { return nil }

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubConnector{name: "google_drive"}))

	c, ok := r.Lookup("google_drive")
	require.True(t, ok)
	assert.Equal(t, "google_drive", c.Name())

	_, ok = r.Lookup("gmail")
	assert.False(t, ok)
}

func TestRegistry_DuplicateNameRejected(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubConnector{name: "google_drive"}))

	err := r.Register(stubConnector{name: "google_drive"})
	assert.Error(t, err)
}

func TestRegistry_NamesSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stubConnector{name: "gmail"}))
	require.NoError(t, r.Register(stubConnector{name: "google_drive"}))

	assert.Equal(t, []string{"gmail", "google_drive"}, r.Names())
}
