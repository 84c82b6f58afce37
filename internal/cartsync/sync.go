// Package cartsync mirrors the local cart to the backend and reconciles the
// two copies around login. The local store stays authoritative for the UI;
// every remote interaction here is a background concern that must never block
// or corrupt local state.
package cartsync

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vruksha-store/storefront/internal/cart"
	"github.com/vruksha-store/storefront/internal/domain"
	"github.com/vruksha-store/storefront/internal/notify"
	"github.com/vruksha-store/storefront/internal/remote"
)

// ErrNoSession is returned when a reconciliation is requested without an
// authenticated session token available.
var ErrNoSession = errors.New("cartsync: no session token")

// Remote is the subset of the backend API the syncer needs.
type Remote interface {
	GetCart(ctx context.Context, token string) ([]domain.LineItem, error)
	SetCart(ctx context.Context, items []domain.LineItem, token string) error
}

// LocalCart is the subset of the cart engine the syncer needs.
type LocalCart interface {
	Items() []domain.LineItem
	ReplaceLocal(ctx context.Context, items []domain.LineItem) error
}

// TokenSource yields the current session token, or the empty string when the
// visitor is anonymous.
type TokenSource interface {
	Token() string
}

// Deps wires the syncer's dependencies.
type Deps struct {
	Remote Remote
	Local  LocalCart
	Tokens TokenSource

	// Notifier receives a toast when a background push gives up. Optional.
	Notifier notify.Publisher
	// Logger receives structured events. Optional.
	Logger func(ctx context.Context, event string, fields map[string]any)

	// PushMaxElapsed bounds how long a background push keeps retrying.
	PushMaxElapsed time.Duration
	// PushMaxInterval caps the retry backoff between push attempts.
	PushMaxInterval time.Duration
}

const (
	defaultPushMaxElapsed  = 30 * time.Second
	defaultPushMaxInterval = 5 * time.Second
)

// Syncer pushes cart snapshots to the backend and pulls them back for
// merge-on-login. It implements cart.Pusher.
type Syncer struct {
	remote   Remote
	local    LocalCart
	tokens   TokenSource
	notifier notify.Publisher
	logEvent func(ctx context.Context, event string, fields map[string]any)

	pushMaxElapsed  time.Duration
	pushMaxInterval time.Duration
}

// NewSyncer constructs a Syncer from its dependencies.
func NewSyncer(deps Deps) (*Syncer, error) {
	if deps.Remote == nil {
		return nil, errors.New("cartsync: remote client is required")
	}
	if deps.Local == nil {
		return nil, errors.New("cartsync: local cart is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("cartsync: token source is required")
	}
	logEvent := deps.Logger
	if logEvent == nil {
		logEvent = func(context.Context, string, map[string]any) {}
	}
	maxElapsed := deps.PushMaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultPushMaxElapsed
	}
	maxInterval := deps.PushMaxInterval
	if maxInterval <= 0 {
		maxInterval = defaultPushMaxInterval
	}
	return &Syncer{
		remote:          deps.Remote,
		local:           deps.Local,
		tokens:          deps.Tokens,
		notifier:        deps.Notifier,
		logEvent:        logEvent,
		pushMaxElapsed:  maxElapsed,
		pushMaxInterval: maxInterval,
	}, nil
}

// PushAsync mirrors the given snapshot to the backend without blocking the
// caller. Anonymous visitors are skipped; failures are logged and surfaced as
// a toast, never returned, because the local copy remains the source of truth.
func (s *Syncer) PushAsync(items []domain.LineItem) {
	token := s.tokens.Token()
	if token == "" {
		return
	}
	snapshot := cloneItems(items)
	go func() {
		ctx := context.Background()
		if err := s.Push(ctx, snapshot, token); err != nil {
			s.logEvent(ctx, "cartsync.push.failed", map[string]any{
				"item_count": len(snapshot),
				"error":      err.Error(),
			})
			if s.notifier != nil {
				s.notifier.Publish(notify.Toast{
					Message: "Failed to sync cart with your account",
					Level:   notify.LevelError,
				})
			}
		}
	}()
}

// Push replaces the server cart with the given snapshot, retrying transient
// transport failures with exponential backoff. Authoritative rejections, such
// as an expired token, stop the retry loop immediately.
func (s *Syncer) Push(ctx context.Context, items []domain.LineItem, token string) error {
	attempt := func() error {
		err := s.remote.SetCart(ctx, items, token)
		if err == nil {
			return nil
		}
		if remote.IsRejection(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.pushMaxElapsed
	bo.MaxInterval = s.pushMaxInterval
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

// Pull fetches the server-side cart for the given session.
func (s *Syncer) Pull(ctx context.Context, token string) ([]domain.LineItem, error) {
	return s.remote.GetCart(ctx, token)
}

// MergeOnLogin reconciles a guest cart with the account cart after a login.
// The server copy is pulled, merged with the local one, pushed back, and only
// then written locally. A failure at any step leaves the local cart exactly
// as it was.
func (s *Syncer) MergeOnLogin(ctx context.Context) error {
	token := s.tokens.Token()
	if token == "" {
		return ErrNoSession
	}

	remoteItems, err := s.Pull(ctx, token)
	if err != nil {
		return err
	}
	merged := cart.Merge(s.local.Items(), remoteItems)
	if err := s.remote.SetCart(ctx, merged, token); err != nil {
		return err
	}
	if err := s.local.ReplaceLocal(ctx, merged); err != nil {
		return err
	}
	s.logEvent(ctx, "cartsync.merge.completed", map[string]any{
		"item_count": len(merged),
	})
	return nil
}

// Adopt discards the local cart in favor of the server copy. Used when the
// account cart should win outright, for example after a checkout completed
// on another device.
func (s *Syncer) Adopt(ctx context.Context) error {
	token := s.tokens.Token()
	if token == "" {
		return ErrNoSession
	}
	remoteItems, err := s.Pull(ctx, token)
	if err != nil {
		return err
	}
	return s.local.ReplaceLocal(ctx, remoteItems)
}

func cloneItems(items []domain.LineItem) []domain.LineItem {
	if items == nil {
		return nil
	}
	out := make([]domain.LineItem, len(items))
	copy(out, items)
	for i := range out {
		if out[i].SelectedColor != nil {
			c := *out[i].SelectedColor
			out[i].SelectedColor = &c
		}
	}
	return out
}
