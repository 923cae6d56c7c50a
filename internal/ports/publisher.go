package ports

import "context"

// EventPublisher fans domain events out to external consumers.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
