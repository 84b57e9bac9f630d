// Package notification resolves notification recipients, renders
// notification bodies, and routes workflow events to exchanges.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/model"
)

// Publisher delivers an event to a named exchange.
type Publisher interface {
	Publish(ctx context.Context, exchange string, event model.Event) error
}

// RedisStreamPublisher appends events to Redis streams named
// {prefix}{exchange}.
type RedisStreamPublisher struct {
	client redis.UniversalClient
	prefix string
	maxLen int64
}

// NewRedisStreamPublisher creates a RedisStreamPublisher. A positive maxLen
// caps each stream approximately.
func NewRedisStreamPublisher(client redis.UniversalClient, prefix string, maxLen int64) *RedisStreamPublisher {
	return &RedisStreamPublisher{client: client, prefix: prefix, maxLen: maxLen}
}

// Stream returns the stream name for an exchange.
func (p *RedisStreamPublisher) Stream(exchange string) string {
	return p.prefix + exchange
}

// Publish appends the JSON-encoded event with its type and the caller's
// trace context.
func (p *RedisStreamPublisher) Publish(ctx context.Context, exchange string, event model.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event.EventType(), err)
	}

	values := map[string]any{
		"type":    event.EventType(),
		"payload": string(payload),
	}
	carrier := make(map[string]string)
	observability.InjectTraceContext(ctx, carrier)
	for k, v := range carrier {
		values[k] = v
	}

	args := &redis.XAddArgs{Stream: p.Stream(exchange), Values: values}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (p *RedisStreamPublisher) HealthCheck(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Published is an event captured by MemoryPublisher.
type Published struct {
	Exchange string
	Event    model.Event
}

// MemoryPublisher records published events. Fail, when set, is consulted
// before recording and its error returned.
type MemoryPublisher struct {
	mu        sync.Mutex
	published []Published
	Fail      func(exchange string, event model.Event) error
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, exchange string, event model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Fail != nil {
		if err := p.Fail(exchange, event); err != nil {
			return err
		}
	}
	p.published = append(p.published, Published{Exchange: exchange, Event: event})
	return nil
}

// Published returns a copy of everything published so far.
func (p *MemoryPublisher) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.published))
	copy(out, p.published)
	return out
}

// OfType returns the published events with the given type.
func (p *MemoryPublisher) OfType(eventType string) []model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []model.Event
	for _, pub := range p.published {
		if pub.Event.EventType() == eventType {
			out = append(out, pub.Event)
		}
	}
	return out
}

// SetFail replaces the failure hook.
func (p *MemoryPublisher) SetFail(fail func(exchange string, event model.Event) error) {
	p.mu.Lock()
	p.Fail = fail
	p.mu.Unlock()
}

// HealthCheck always succeeds.
func (p *MemoryPublisher) HealthCheck(context.Context) error { return nil }
