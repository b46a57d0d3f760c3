package notifier

import (
	"context"
	"sync"

	"lotwatch/internal/model"
	"lotwatch/internal/storage"
)

// Registry owns the durable subscription set. All read-modify-write paths
// (registration, removal after a permanent failure, dispatch snapshots) go
// through one mutex so a registration racing a dispatch is never lost.
type Registry struct {
	mu    sync.Mutex
	store storage.SubscriptionStore
}

func NewRegistry(store storage.SubscriptionStore) *Registry {
	return &Registry{store: store}
}

// Register stores sub. It is idempotent: a structurally identical
// subscription reports created=false and is not duplicated.
func (r *Registry) Register(ctx context.Context, sub model.Subscription) (bool, error) {
	sub = sub.Normalize()
	if err := sub.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.AddSubscription(ctx, sub)
}

func (r *Registry) Remove(ctx context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.RemoveSubscription(ctx, key)
}

func (r *Registry) List(ctx context.Context) ([]model.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.ListSubscriptions(ctx)
}
