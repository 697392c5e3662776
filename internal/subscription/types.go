package subscription

import (
	"namingpush/internal/payload"
)

// Key identifies a subscription by service name and order-sensitive cluster list
type Key string

// NewKey creates the key for a service and its clusters
func NewKey(serviceName, clusters string) Key {
	return Key(payload.ServiceKey(serviceName, clusters))
}

// State is the lifecycle state of a subscription key
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribePending
	StateSubscribed
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "UNSUBSCRIBED"
	case StateSubscribePending:
		return "SUBSCRIBE_PENDING"
	case StateSubscribed:
		return "SUBSCRIBED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}
