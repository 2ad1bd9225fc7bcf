package event

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_bus.go -package=mocks . Bus,Subscription

import "context"

// Bus is an at-least-once publish/subscribe channel keyed by recipient identity.
type Bus interface {
	Publish(ctx context.Context, recipientID string, ev Event) error
	Subscribe(ctx context.Context, recipientID string) (Subscription, error)
}

// Subscription delivers events for one recipient until closed.
type Subscription interface {
	Events() <-chan Event
	Close()
}
