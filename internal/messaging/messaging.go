// Package messaging implements the Producer of spec.md §4.F and §6.3: a
// thin publish contract the entities processor uses to emit record events,
// decoupled from any particular broker.
//
// Ground: the teacher's resilience-wrapped outbound-call shape
// (infrastructure/resilience + cenkalti/backoff retry) applied here to a
// Redis Streams XADD producer, since the pack carries go-redis/redis/v8 but
// no message-broker client of its own.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"

	"github.com/r3e-network/knowledgecore/internal/errs"
	"github.com/r3e-network/knowledgecore/internal/resilience"
)

// Topic names spec.md §6.3 puts events on.
const (
	TopicRecordEvents     = "record-events"
	TopicPermissionEvents = "permission-events"
)

// EventType enumerates the record-event payload shapes spec.md §6.3
// describes.
type EventType string

const (
	EventNewRecord         EventType = "newRecord"
	EventUpdateRecord      EventType = "updateRecord"
	EventDeleteRecord      EventType = "deleteRecord"
	EventReindexRecord     EventType = "reindexRecord"
	EventUpdatePermissions EventType = "updatePermissions"
)

// Event is one message body, carrying the record key plus a type-specific
// payload map (spec.md §6.3's loosely-typed envelope).
type Event struct {
	Type    EventType      `json:"eventType"`
	Key     string         `json:"recordKey"`
	OrgKey  string         `json:"orgKey"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Producer is the publish contract the entities processor depends on.
type Producer interface {
	Publish(ctx context.Context, topic string, ev Event) error
}

// RedisStreamProducer publishes events as Redis Stream entries (XADD),
// retrying transient broker errors with the shared backoff policy.
type RedisStreamProducer struct {
	client      *redis.Client
	retryConfig resilience.RetryConfig
	breaker     *resilience.CircuitBreaker
}

// NewRedisStreamProducer builds a producer over an existing redis.Client.
func NewRedisStreamProducer(client *redis.Client) *RedisStreamProducer {
	return &RedisStreamProducer{
		client:      client,
		retryConfig: resilience.DefaultRetryConfig(),
		breaker:     resilience.New(resilience.DefaultConfig()),
	}
}

// Publish XADDs the JSON-encoded event to topic, through the circuit
// breaker and retry policy shared with the rest of the core.
func (p *RedisStreamProducer) Publish(ctx context.Context, topic string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errs.Messaging(err)
	}

	op := func() error {
		return p.breaker.Execute(ctx, func() error {
			return p.client.XAdd(ctx, &redis.XAddArgs{
				Stream: topic,
				Values: map[string]any{"body": body},
			}).Err()
		})
	}

	if err := resilience.Retry(ctx, p.retryConfig, op); err != nil {
		return errs.Messaging(err)
	}
	return nil
}

var _ Producer = (*RedisStreamProducer)(nil)

// MemoryProducer is a non-durable Producer used by tests; it buffers every
// published event and never errors.
type MemoryProducer struct {
	mu     sync.Mutex
	events map[string][]Event
}

// NewMemoryProducer creates an empty MemoryProducer.
func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{events: make(map[string][]Event)}
}

func (p *MemoryProducer) Publish(_ context.Context, topic string, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events[topic] = append(p.events[topic], ev)
	return nil
}

// Events returns a copy of everything published to topic, in order.
func (p *MemoryProducer) Events(topic string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events[topic]))
	copy(out, p.events[topic])
	return out
}

// Count returns the number of events published to topic.
func (p *MemoryProducer) Count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events[topic])
}

var _ Producer = (*MemoryProducer)(nil)

// FailingProducer always returns a MessagingError, for exercising how a
// caller handles a failed publish (the entities processor logs it and keeps
// the graph write that already committed).
type FailingProducer struct{ Err error }

func (p FailingProducer) Publish(_ context.Context, _ string, _ Event) error {
	if p.Err != nil {
		return errs.Messaging(p.Err)
	}
	return errs.Messaging(fmt.Errorf("broker unreachable"))
}

var _ Producer = FailingProducer{}
