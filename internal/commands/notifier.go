package commands

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Notifier wakes up agents waiting on new commands for a node.
type Notifier interface {
	// Notify signals that nodeID has new commands.
	Notify(ctx context.Context, nodeID string) error
	// Subscribe registers interest in wake-ups for nodeID.
	Subscribe(nodeID string) *Subscription
	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(sub *Subscription)
}

// Subscription receives a value on C whenever its node has new commands.
// Wake-ups coalesce: several notifications before a read yield one value.
type Subscription struct {
	ID     string
	NodeID string
	C      <-chan struct{}

	ch chan struct{}
}

// Broker is an in-process Notifier.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscription // node ID -> subscription ID -> subscription
	logger      *slog.Logger
}

// NewBroker creates an in-process notifier.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[string]map[string]*Subscription),
		logger:      logger,
	}
}

// Subscribe creates a subscription for nodeID.
func (b *Broker) Subscribe(nodeID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan struct{}, 1)
	sub := &Subscription{ID: uuid.New().String(), NodeID: nodeID, C: ch, ch: ch}

	subs, ok := b.subscribers[nodeID]
	if !ok {
		subs = make(map[string]*Subscription)
		b.subscribers[nodeID] = subs
	}
	subs[sub.ID] = sub

	b.logger.Debug("command subscriber added", "subscriber_id", sub.ID, "node_id", nodeID)
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.NodeID]
	if _, exists := subs[sub.ID]; !exists {
		return
	}
	close(sub.ch)
	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(b.subscribers, sub.NodeID)
	}
	b.logger.Debug("command subscriber removed", "subscriber_id", sub.ID, "node_id", sub.NodeID)
}

// Notify wakes every local subscriber of nodeID.
func (b *Broker) Notify(ctx context.Context, nodeID string) error {
	b.deliver(nodeID)
	return nil
}

func (b *Broker) deliver(nodeID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers[nodeID] {
		select {
		case sub.ch <- struct{}{}:
		default:
			// A wake-up is already pending.
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
