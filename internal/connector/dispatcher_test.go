package connector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/knowledgecore/internal/entities"
	"github.com/r3e-network/knowledgecore/internal/graph"
	"github.com/r3e-network/knowledgecore/internal/messaging"
	"github.com/r3e-network/knowledgecore/internal/model"
)

func newDispatcher(batchSize int) (*Dispatcher, *graph.MemoryStore, *messaging.MemoryProducer) {
	store := graph.NewMemoryStore()
	producer := messaging.NewMemoryProducer()
	processor := entities.New(store, producer, nil, nil)
	return NewDispatcher(processor, batchSize, nil), store, producer
}

func TestDispatch_NewRecordAccumulatesUntilBatchSize(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newDispatcher(2)

	ru1 := model.RecordUpdate{Record: model.Record{Connector: "gd", ExternalID: "f1"}, IsNew: true}
	ru2 := model.RecordUpdate{Record: model.Record{Connector: "gd", ExternalID: "f2"}, IsNew: true}

	require.NoError(t, d.Dispatch(ctx, ru1))
	// Not yet flushed: batch size 2, only one item so far.
	_, found, _ := store.GetRecordByExternalID(ctx, "gd", "f1")
	assert.False(t, found)

	require.NoError(t, d.Dispatch(ctx, ru2))
	_, found, _ = store.GetRecordByExternalID(ctx, "gd", "f1")
	assert.True(t, found)
	_, found, _ = store.GetRecordByExternalID(ctx, "gd", "f2")
	assert.True(t, found)
}

func TestDispatch_FlushForcesPendingBatch(t *testing.T) {
	ctx := context.Background()
	d, store, _ := newDispatcher(100)

	ru := model.RecordUpdate{Record: model.Record{Connector: "gd", ExternalID: "f1"}, IsNew: true}
	require.NoError(t, d.Dispatch(ctx, ru))

	_, found, _ := store.GetRecordByExternalID(ctx, "gd", "f1")
	assert.False(t, found)

	require.NoError(t, d.Flush(ctx))
	_, found, _ = store.GetRecordByExternalID(ctx, "gd", "f1")
	assert.True(t, found)
}

func TestDispatch_DeletedRoutesDirectly(t *testing.T) {
	ctx := context.Background()
	d, store, producer := newDispatcher(100)

	require.NoError(t, d.Dispatch(ctx, model.RecordUpdate{Record: model.Record{Connector: "gd", ExternalID: "f1"}, IsNew: true}))
	require.NoError(t, d.Flush(ctx))

	rec, found, err := store.GetRecordByExternalID(ctx, "gd", "f1")
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, d.Dispatch(ctx, model.RecordUpdate{Record: model.Record{Key: rec.Key}, IsDeleted: true}))

	assert.False(t, store.EdgesReferencing(rec.Key))
	events := producer.Events(messaging.TopicRecordEvents)
	assert.Equal(t, messaging.EventDeleteRecord, events[len(events)-1].Type)
}

func TestDispatch_UpdatedFansOutAcrossChangedAspects(t *testing.T) {
	ctx := context.Background()
	d, store, producer := newDispatcher(100)

	require.NoError(t, d.Dispatch(ctx, model.RecordUpdate{
		Record: model.Record{Connector: "gd", ExternalID: "f1", ExternalRevisionID: "rev-1"}, IsNew: true,
	}))
	require.NoError(t, d.Flush(ctx))

	rec, found, err := store.GetRecordByExternalID(ctx, "gd", "f1")
	require.NoError(t, err)
	require.True(t, found)

	updated := model.Record{Key: rec.Key, Connector: "gd", ExternalID: "f1", ExternalRevisionID: "rev-2"}
	ru := model.RecordUpdate{
		Record:          updated,
		IsUpdated:       true,
		MetadataChanged: true,
		ContentChanged:  true,
	}
	require.NoError(t, d.Dispatch(ctx, ru))

	events := producer.Events(messaging.TopicRecordEvents)
	// newRecord from the initial ingest, then one updateRecord for
	// metadata and one for content (sequential, per spec.md §4.H).
	require.Len(t, events, 3)
	assert.Equal(t, messaging.EventUpdateRecord, events[1].Type)
	assert.Equal(t, messaging.EventUpdateRecord, events[2].Type)
}

func TestPermissionSetsEqual(t *testing.T) {
	a := []model.Permission{
		{EntityType: model.EntityTypeUser, Type: model.PermissionOwner, Email: "a@example.com"},
		{EntityType: model.EntityTypeUser, Type: model.PermissionRead, Email: "b@example.com"},
	}
	b := []model.Permission{
		{EntityType: model.EntityTypeUser, Type: model.PermissionRead, Email: "b@example.com"},
		{EntityType: model.EntityTypeUser, Type: model.PermissionOwner, Email: "a@example.com"},
	}
	assert.True(t, PermissionSetsEqual(a, b))

	c := append([]model.Permission{}, a...)
	c[0].Type = model.PermissionWrite
	assert.False(t, PermissionSetsEqual(a, c))

	assert.False(t, PermissionSetsEqual(a, a[:1]))
}

func TestClassify_Tombstone(t *testing.T) {
	ru := Classify(model.Record{Key: "r1"}, nil, nil, nil, true)
	assert.True(t, ru.IsDeleted)
}

func TestClassify_NewWhenNoExisting(t *testing.T) {
	ru := Classify(model.Record{ExternalID: "f1"}, nil, nil, nil, false)
	assert.True(t, ru.IsNew)
}

func TestClassify_ContentChangedOnRevisionDiff(t *testing.T) {
	existing := model.Record{ExternalRevisionID: "rev-1"}
	observed := model.Record{ExternalRevisionID: "rev-2"}
	ru := Classify(observed, nil, &existing, nil, false)
	assert.True(t, ru.IsUpdated)
	assert.True(t, ru.ContentChanged)
}
