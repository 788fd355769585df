package events

import "context"

// NoopPublisher is a Publisher that does nothing (used when the broker is
// not configured, e.g. in tests that only exercise the database path).
type NoopPublisher struct{}

func (n *NoopPublisher) Publish(ctx context.Context, topic string, event any) error {
	return nil
}

func (n *NoopPublisher) Close() error {
	return nil
}
