package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProducer_BuffersEventsPerTopic(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProducer()

	require.NoError(t, p.Publish(ctx, TopicRecordEvents, Event{Type: EventNewRecord, Key: "r1"}))
	require.NoError(t, p.Publish(ctx, TopicRecordEvents, Event{Type: EventUpdateRecord, Key: "r1"}))
	require.NoError(t, p.Publish(ctx, TopicPermissionEvents, Event{Type: EventUpdatePermissions, Key: "r1"}))

	assert.Equal(t, 2, p.Count(TopicRecordEvents))
	assert.Equal(t, 1, p.Count(TopicPermissionEvents))

	events := p.Events(TopicRecordEvents)
	assert.Equal(t, EventNewRecord, events[0].Type)
	assert.Equal(t, EventUpdateRecord, events[1].Type)
}

func TestFailingProducer_AlwaysReturnsMessagingError(t *testing.T) {
	ctx := context.Background()
	p := FailingProducer{}

	err := p.Publish(ctx, TopicRecordEvents, Event{Type: EventNewRecord, Key: "r1"})
	assert.Error(t, err)
}
