// Package session owns the authenticated identity: the access token, the
// cached user profile, and the lifecycle events around login and logout.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/vruksha-store/storefront/internal/domain"
	"github.com/vruksha-store/storefront/internal/notify"
	"github.com/vruksha-store/storefront/internal/platform/localstore"
	"github.com/vruksha-store/storefront/internal/remote"
)

// ErrNotAuthenticated is returned by operations that require a session when
// the visitor is anonymous.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// Remote is the subset of the backend API the session manager needs.
type Remote interface {
	Login(ctx context.Context, email, password string) (domain.UserProfile, string, error)
	Me(ctx context.Context, token string) (domain.UserProfile, error)
	UpdateProfile(ctx context.Context, update domain.ProfileUpdate, token string) (domain.UserProfile, error)
}

// Merger reconciles the guest cart with the account cart after a login.
type Merger interface {
	MergeOnLogin(ctx context.Context) error
}

// CartClearer empties the local cart. Used on logout so the next visitor does
// not inherit the previous account's cart.
type CartClearer interface {
	Clear(ctx context.Context) error
}

// Deps wires the session manager's dependencies.
type Deps struct {
	Store  *localstore.Store
	Remote Remote

	// Merger runs asynchronously after a successful login. Optional.
	Merger Merger
	// Cart is cleared on logout. Optional.
	Cart CartClearer
	// Notifier surfaces session events to the user. Optional.
	Notifier notify.Publisher
	// Logger receives structured events. Optional.
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// Manager holds the current session and keeps the persisted copy in step.
// All methods are safe for concurrent use.
type Manager struct {
	store    *localstore.Store
	remote   Remote
	merger   Merger
	cart     CartClearer
	notifier notify.Publisher
	logEvent func(ctx context.Context, event string, fields map[string]any)

	mu      sync.RWMutex
	token   string
	user    *domain.UserProfile
	loading bool
}

// NewManager constructs a Manager and loads any persisted session. The loaded
// state is a cache; call Init to validate it against the backend.
func NewManager(deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if deps.Remote == nil {
		return nil, errors.New("session: remote client is required")
	}
	logEvent := deps.Logger
	if logEvent == nil {
		logEvent = func(context.Context, string, map[string]any) {}
	}
	m := &Manager{
		store:    deps.Store,
		remote:   deps.Remote,
		merger:   deps.Merger,
		cart:     deps.Cart,
		notifier: deps.Notifier,
		logEvent: logEvent,
		loading:  true,
	}

	var token string
	if deps.Store.Load(localstore.KeyToken, &token) {
		m.token = token
	}
	var user domain.UserProfile
	if deps.Store.Load(localstore.KeyUser, &user) {
		m.user = &user
	}
	return m, nil
}

// Init validates the persisted session against the backend. On success the
// server profile replaces the cached one. An explicit credential rejection
// clears the session. A transport failure keeps the cached profile so the
// app stays usable offline. Loading reports true until Init resolves, so
// callers can distinguish undetermined from anonymous.
func (m *Manager) Init(ctx context.Context) error {
	defer m.finishLoading()

	m.mu.RLock()
	token := m.token
	m.mu.RUnlock()
	if token == "" {
		return nil
	}

	user, err := m.remote.Me(ctx, token)
	if err != nil {
		if remote.IsAuthError(err) {
			m.logEvent(ctx, "session.refresh.rejected", map[string]any{
				"error": err.Error(),
			})
			m.clear(ctx)
			return nil
		}
		m.logEvent(ctx, "session.refresh.unreachable", map[string]any{
			"error": err.Error(),
		})
		return err
	}

	m.setSession(ctx, user, token)
	return nil
}

// Login authenticates with the backend and persists the resulting session.
// The guest cart is merged with the account cart in the background.
func (m *Manager) Login(ctx context.Context, email, password string) (domain.UserProfile, error) {
	user, token, err := m.remote.Login(ctx, email, password)
	if err != nil {
		return domain.UserProfile{}, err
	}
	m.setSession(ctx, user, token)
	m.logEvent(ctx, "session.login", map[string]any{"user_id": user.ID})

	if m.merger != nil {
		go func() {
			mctx := context.Background()
			if err := m.merger.MergeOnLogin(mctx); err != nil {
				m.logEvent(mctx, "session.merge.failed", map[string]any{
					"error": err.Error(),
				})
			}
		}()
	}
	return user, nil
}

// Logout discards the session locally and empties the local cart. The backend
// keeps the account cart for the next login.
func (m *Manager) Logout(ctx context.Context) {
	m.clear(ctx)
	if m.cart != nil {
		if err := m.cart.Clear(ctx); err != nil {
			m.logEvent(ctx, "session.logout.cart_clear_failed", map[string]any{
				"error": err.Error(),
			})
		}
	}
	m.logEvent(ctx, "session.logout", nil)
}

// Loading reports whether the startup refresh is still unresolved. While it
// returns true the persisted session is a cache that has not been validated,
// so dependents should hold off rather than treat the visitor as anonymous.
func (m *Manager) Loading() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loading
}

func (m *Manager) finishLoading() {
	m.mu.Lock()
	m.loading = false
	m.mu.Unlock()
}

// Current returns the cached profile, or false when anonymous.
func (m *Manager) Current() (domain.UserProfile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.user == nil {
		return domain.UserProfile{}, false
	}
	return *m.user, true
}

// Token returns the current access token, or the empty string when anonymous.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// IsAuthenticated reports whether both a token and a profile are present.
// A token without a profile, or the reverse, is treated as anonymous.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token != "" && m.user != nil
}

// IsAdmin reports whether the current user carries the admin flag.
func (m *Manager) IsAdmin() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user != nil && bool(m.user.IsAdmin)
}

// UpdateProfile persists profile changes to the backend. When the backend is
// unreachable the change is applied to the cached profile only, so the user
// sees their edit and it can be retried on the next session refresh.
func (m *Manager) UpdateProfile(ctx context.Context, update domain.ProfileUpdate) (domain.UserProfile, error) {
	m.mu.RLock()
	token := m.token
	cached := m.user
	m.mu.RUnlock()
	if token == "" || cached == nil {
		return domain.UserProfile{}, ErrNotAuthenticated
	}

	user, err := m.remote.UpdateProfile(ctx, update, token)
	if err != nil {
		if remote.IsRejection(err) {
			return domain.UserProfile{}, err
		}
		m.logEvent(ctx, "session.profile.local_fallback", map[string]any{
			"error": err.Error(),
		})
		local := applyUpdate(*cached, update)
		m.setSession(ctx, local, token)
		if m.notifier != nil {
			m.notifier.Publish(notify.Toast{
				Message: "Profile saved locally, will sync when back online",
				Level:   notify.LevelInfo,
			})
		}
		return local, nil
	}

	m.setSession(ctx, user, token)
	return user, nil
}

func (m *Manager) setSession(ctx context.Context, user domain.UserProfile, token string) {
	m.mu.Lock()
	m.token = token
	m.user = &user
	m.mu.Unlock()

	if err := m.store.Save(localstore.KeyToken, token); err != nil {
		m.logEvent(ctx, "session.persist.token_failed", map[string]any{"error": err.Error()})
	}
	if err := m.store.Save(localstore.KeyUser, user); err != nil {
		m.logEvent(ctx, "session.persist.user_failed", map[string]any{"error": err.Error()})
	}
}

func (m *Manager) clear(ctx context.Context) {
	m.mu.Lock()
	m.token = ""
	m.user = nil
	m.mu.Unlock()

	if err := m.store.Delete(localstore.KeyToken); err != nil {
		m.logEvent(ctx, "session.clear.token_failed", map[string]any{"error": err.Error()})
	}
	if err := m.store.Delete(localstore.KeyUser); err != nil {
		m.logEvent(ctx, "session.clear.user_failed", map[string]any{"error": err.Error()})
	}
}

func applyUpdate(user domain.UserProfile, update domain.ProfileUpdate) domain.UserProfile {
	if update.Name != nil {
		user.Name = *update.Name
	}
	if update.Email != nil {
		user.Email = *update.Email
	}
	if update.Phone != nil {
		user.Phone = *update.Phone
	}
	if update.Address != nil {
		user.Address = *update.Address
	}
	if update.City != nil {
		user.City = *update.City
	}
	if update.Pincode != nil {
		user.Pincode = *update.Pincode
	}
	return user
}
