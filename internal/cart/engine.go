package cart

import (
	"context"
	"errors"
	"sync"

	"github.com/vruksha-store/storefront/internal/domain"
	"github.com/vruksha-store/storefront/internal/platform/localstore"
)

// Pusher mirrors the local cart to the server after a mutation. The push is
// fire-and-forget: it must return immediately and never block the mutation
// that triggered it.
type Pusher interface {
	PushAsync(items []domain.LineItem)
}

// EngineDeps wires the storage and sync dependencies for the cart engine.
type EngineDeps struct {
	Store  *localstore.Store
	Pusher Pusher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Engine owns the locally persisted cart. Every mutation runs under one lock
// as load → transform → save → notify, so observers always see whole-cart
// snapshots in mutation order, and the resulting cart is handed to the pusher
// after the local write has succeeded.
type Engine struct {
	store  *localstore.Store
	pusher Pusher
	logger func(ctx context.Context, event string, fields map[string]any)

	mu sync.Mutex
}

// NewEngine constructs an Engine enforcing dependency validation.
func NewEngine(deps EngineDeps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("cart engine: store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &Engine{
		store:  deps.Store,
		pusher: deps.Pusher,
		logger: logger,
	}, nil
}

// SetPusher attaches the remote mirror after construction. The syncer reads
// the engine for merge-on-login, so the two are wired in this order.
func (e *Engine) SetPusher(p Pusher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pusher = p
}

// Items returns the current persisted cart. Missing or corrupt storage reads
// as an empty cart.
func (e *Engine) Items() []domain.LineItem {
	var items []domain.LineItem
	if !e.store.Load(localstore.KeyCart, &items) || items == nil {
		return []domain.LineItem{}
	}
	return items
}

// Total returns the current cart subtotal.
func (e *Engine) Total() float64 { return Total(e.Items()) }

// Count returns the total quantity across the current cart.
func (e *Engine) Count() int { return Count(e.Items()) }

// Add adds incoming to the cart per the identity rule and persists the
// result.
func (e *Engine) Add(ctx context.Context, incoming domain.LineItem) ([]domain.LineItem, error) {
	return e.mutate(ctx, "cart.add", func(items []domain.LineItem) []domain.LineItem {
		return Add(items, incoming)
	})
}

// Remove deletes the line matching key and persists the result.
func (e *Engine) Remove(ctx context.Context, key domain.LineKey) ([]domain.LineItem, error) {
	return e.mutate(ctx, "cart.remove", func(items []domain.LineItem) []domain.LineItem {
		return Remove(items, key)
	})
}

// SetQuantity overwrites the quantity on the line matching key and persists
// the result. Zero or negative quantities remove the line.
func (e *Engine) SetQuantity(ctx context.Context, key domain.LineKey, quantity int) ([]domain.LineItem, error) {
	return e.mutate(ctx, "cart.set_quantity", func(items []domain.LineItem) []domain.LineItem {
		return SetQuantity(items, key, quantity)
	})
}

// Replace overwrites the whole cart, used when adopting a server or merged
// cart.
func (e *Engine) Replace(ctx context.Context, items []domain.LineItem) ([]domain.LineItem, error) {
	return e.mutate(ctx, "cart.replace", func([]domain.LineItem) []domain.LineItem {
		if items == nil {
			return []domain.LineItem{}
		}
		return clone(items)
	})
}

// Clear empties the cart locally. The remote cart is addressed by user
// identity and is left under server control.
func (e *Engine) Clear(ctx context.Context) error {
	_, err := e.mutate(ctx, "cart.clear", func([]domain.LineItem) []domain.LineItem {
		return []domain.LineItem{}
	})
	return err
}

// ReplaceLocal overwrites the cart without triggering a remote push. Used by
// the merge-on-login sequence, which has already written the server side.
func (e *Engine) ReplaceLocal(ctx context.Context, items []domain.LineItem) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if items == nil {
		items = []domain.LineItem{}
	}
	return e.store.Save(localstore.KeyCart, items)
}

// Subscribe delivers the full cart to fn after every cart change, including
// changes made by other processes.
func (e *Engine) Subscribe(fn func(items []domain.LineItem)) (cancel func()) {
	return e.store.Subscribe(func(ev localstore.Event) {
		if ev.Key != localstore.KeyCart {
			return
		}
		fn(e.Items())
	})
}

func (e *Engine) mutate(ctx context.Context, event string, transform func([]domain.LineItem) []domain.LineItem) ([]domain.LineItem, error) {
	e.mu.Lock()
	items := transform(e.Items())
	err := e.store.Save(localstore.KeyCart, items)
	pusher := e.pusher
	e.mu.Unlock()

	if err != nil {
		e.logger(ctx, event+"_persist_failed", map[string]any{"error": err.Error()})
		return items, err
	}
	if pusher != nil {
		pusher.PushAsync(items)
	}
	return items, nil
}
