package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the interface for emitting events onto the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber delivers raw event payloads to a handler under a queue group,
// so multiple engine instances compete for the same stream of messages.
type Subscriber interface {
	QueueSubscribe(topic, group string, handler func(data []byte)) (func(), error)
	IsConnected() bool
	Close() error
}

// NATSBus is both a Publisher and a Subscriber over one NATS connection.
type NATSBus struct {
	conn *nats.Conn
}

// NewNATSBus connects with automatic reconnection. Extra nats.Option values
// (e.g. disconnect handlers) can be appended by the caller.
func NewNATSBus(url string, opts ...nats.Option) (*NATSBus, error) {
	defaults := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	}
	nc, err := nats.Connect(url, append(defaults, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSBus{conn: nc}, nil
}

func (b *NATSBus) Publish(ctx context.Context, topic string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshaling event: %w", err)
	}
	if err := b.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// QueueSubscribe registers handler for topic within a queue group. The
// handler runs synchronously per message on the subscription's goroutine;
// concurrency comes from running more engine instances, not from fan-out
// inside one process. Call the returned cancel function to unsubscribe.
func (b *NATSBus) QueueSubscribe(topic, group string, handler func(data []byte)) (func(), error) {
	sub, err := b.conn.QueueSubscribe(topic, group, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", topic, err)
	}
	// Flush ensures the subscription is registered on the server before
	// returning, so messages published on other connections are routed.
	if err := b.conn.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flushing subscription: %w", err)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
