// Package checkout drives the payment flow: draft assembly, QR intent
// creation, payment polling, countdown expiry, cancellation and the
// reconciliation that guarantees exactly one order per confirmed payment.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vruksha-store/storefront/internal/domain"
	"github.com/vruksha-store/storefront/internal/notify"
	"github.com/vruksha-store/storefront/internal/platform/localstore"
	"github.com/vruksha-store/storefront/internal/remote"
)

// Sentinel errors callers can branch on.
var (
	// ErrEmptyCart is returned when checkout is submitted with no items.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrNotAuthenticated is returned when no session token is available.
	ErrNotAuthenticated = errors.New("checkout: sign in required")
	// ErrAttemptActive is returned when a submit arrives while a payment
	// attempt is already creating or waiting.
	ErrAttemptActive = errors.New("checkout: payment attempt already in progress")
	// ErrNoDraft is returned by Regenerate when there is no draft to retry.
	ErrNoDraft = errors.New("checkout: no draft to regenerate")
	// ErrUnsettledPayment is returned when the recovery slot still holds a
	// previous payment that has not been reconciled into an order. Starting a
	// new attempt would overwrite that record, so callers must run Resume to
	// settle it first.
	ErrUnsettledPayment = errors.New("checkout: a previous payment is awaiting reconciliation")
)

// PaymentMethodUPI selects the QR payment flow. Any other method creates the
// order directly without a payment intent.
const PaymentMethodUPI = "upi"

// Form is the shipping and contact data collected from the user at submit
// time. Cart contents and totals are read from the engine, not the form.
type Form struct {
	CustomerName  string
	Email         string
	Phone         string
	Address       string
	City          string
	Pincode       string
	PaymentMethod string
}

// Remote is the subset of the backend API the orchestrator needs.
type Remote interface {
	CreateQR(ctx context.Context, amount float64, metadata map[string]any, token string) (domain.PaymentIntent, error)
	VerifyPayment(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error)
	CloseQR(ctx context.Context, paymentID int64, token string) error
	CreateOrder(ctx context.Context, draft domain.OrderDraft, token string) (domain.Order, error)
}

// Cart is the subset of the cart engine the orchestrator needs.
type Cart interface {
	Items() []domain.LineItem
	Total() float64
	Clear(ctx context.Context) error
}

// Session is the subset of the session manager the orchestrator needs.
type Session interface {
	Token() string
	IsAuthenticated() bool
}

// Deps wires the orchestrator's dependencies.
type Deps struct {
	Remote  Remote
	Cart    Cart
	Session Session
	Store   *localstore.Store

	// Notifier surfaces outcome toasts. Optional.
	Notifier notify.Publisher
	// Logger receives structured events. Optional.
	Logger func(ctx context.Context, event string, fields map[string]any)
	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
	// IDGen mints draft identifiers. Defaults to ULIDs.
	IDGen func() string

	// PollInterval is the gap between payment verification polls.
	PollInterval time.Duration
	// Countdown is the total payment window per intent.
	Countdown time.Duration
	// CountdownTick is the countdown decrement granularity. Defaults to one
	// second; tests shorten it.
	CountdownTick time.Duration
	// FreeShippingThreshold is exclusive: subtotals strictly above it ship
	// free, subtotals at or below it pay ShippingSurcharge.
	FreeShippingThreshold float64
	ShippingSurcharge     float64
}

// pendingPayment is the recovery slot's intent half, persisted the moment a
// QR is created so a restart mid-payment can still reconcile.
type pendingPayment struct {
	PaymentID       int64  `json:"payment_id"`
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	ImageURL        string `json:"image_url,omitempty"`
	DraftID         string `json:"draft_id,omitempty"`
}

// timers owns the poll and countdown loops for one payment attempt. A late
// tick proves it is still current by comparing its handle against the
// orchestrator's under the mutex; a handle that lost that comparison does
// nothing.
type timers struct {
	stop chan struct{}
}

// Orchestrator is the checkout state machine. All methods are safe for
// concurrent use; at most one payment attempt is live at a time.
type Orchestrator struct {
	remote   Remote
	cart     Cart
	session  Session
	store    *localstore.Store
	notifier notify.Publisher
	logEvent func(ctx context.Context, event string, fields map[string]any)
	clock    func() time.Time
	idGen    func() string

	pollInterval  time.Duration
	countdown     time.Duration
	countdownTick time.Duration
	freeThreshold float64
	surcharge     float64

	mu        sync.Mutex
	state     State
	draft     *domain.OrderDraft
	draftID   string
	intent    *domain.PaymentIntent
	remaining int
	timers    *timers
	orderID   int64
}

// NewOrchestrator constructs an Orchestrator from its dependencies.
func NewOrchestrator(deps Deps) (*Orchestrator, error) {
	if deps.Remote == nil {
		return nil, errors.New("checkout: remote client is required")
	}
	if deps.Cart == nil {
		return nil, errors.New("checkout: cart is required")
	}
	if deps.Session == nil {
		return nil, errors.New("checkout: session is required")
	}
	if deps.Store == nil {
		return nil, errors.New("checkout: store is required")
	}
	logEvent := deps.Logger
	if logEvent == nil {
		logEvent = func(context.Context, string, map[string]any) {}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	pollInterval := deps.PollInterval
	if pollInterval <= 0 {
		pollInterval = 4 * time.Second
	}
	countdown := deps.Countdown
	if countdown <= 0 {
		countdown = 120 * time.Second
	}
	countdownTick := deps.CountdownTick
	if countdownTick <= 0 {
		countdownTick = time.Second
	}
	return &Orchestrator{
		remote:        deps.Remote,
		cart:          deps.Cart,
		session:       deps.Session,
		store:         deps.Store,
		notifier:      deps.Notifier,
		logEvent:      logEvent,
		clock:         clock,
		idGen:         idGen,
		pollInterval:  pollInterval,
		countdown:     countdown,
		countdownTick: countdownTick,
		freeThreshold: deps.FreeShippingThreshold,
		surcharge:     deps.ShippingSurcharge,
		state:         StateIdle,
	}, nil
}

// ShippingCharge returns the surcharge for a given subtotal.
func (o *Orchestrator) ShippingCharge(subtotal float64) float64 {
	if subtotal > o.freeThreshold {
		return 0
	}
	return o.surcharge
}

// Submit runs the checkout for the current cart. UPI drafts create a QR
// intent and enter the waiting state; any other payment method creates the
// order directly.
func (o *Orchestrator) Submit(ctx context.Context, form Form) (Snapshot, error) {
	items := o.cart.Items()
	if len(items) == 0 {
		return o.Snapshot(), ErrEmptyCart
	}
	if !o.session.IsAuthenticated() {
		return o.Snapshot(), ErrNotAuthenticated
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return o.Snapshot(), fmt.Errorf("checkout: encode cart snapshot: %w", err)
	}

	subtotal := o.cart.Total()
	draft := domain.OrderDraft{
		CustomerName:  form.CustomerName,
		Email:         form.Email,
		Phone:         form.Phone,
		Address:       form.Address,
		City:          form.City,
		Pincode:       form.Pincode,
		PaymentMethod: form.PaymentMethod,
		TotalAmount:   subtotal + o.ShippingCharge(subtotal),
		Items:         string(itemsJSON),
	}

	o.mu.Lock()
	if o.state == StateCreating || o.state == StateWaiting {
		o.mu.Unlock()
		return o.Snapshot(), ErrAttemptActive
	}
	if o.slotOccupied() {
		o.mu.Unlock()
		return o.Snapshot(), ErrUnsettledPayment
	}
	o.state = StateCreating
	o.draft = &draft
	o.draftID = o.idGen()
	o.intent = nil
	o.orderID = 0
	o.mu.Unlock()

	if form.PaymentMethod != PaymentMethodUPI {
		return o.placeDirect(ctx, draft)
	}
	return o.startPayment(ctx, draft)
}

// Regenerate retries the saved draft after an expiry or cancellation,
// creating a fresh intent for the identical draft and total.
func (o *Orchestrator) Regenerate(ctx context.Context) (Snapshot, error) {
	o.mu.Lock()
	if o.state == StateCreating || o.state == StateWaiting {
		o.mu.Unlock()
		return o.Snapshot(), ErrAttemptActive
	}
	if o.slotOccupied() {
		o.mu.Unlock()
		return o.Snapshot(), ErrUnsettledPayment
	}
	if o.draft == nil {
		o.mu.Unlock()
		return o.Snapshot(), ErrNoDraft
	}
	draft := *o.draft
	o.state = StateCreating
	o.mu.Unlock()

	return o.startPayment(ctx, draft)
}

// Cancel aborts a waiting payment. Both timers are stopped before Cancel
// returns; the remote intent is closed best-effort afterwards. The cart is
// left untouched.
func (o *Orchestrator) Cancel(ctx context.Context) {
	o.mu.Lock()
	if o.state != StateWaiting {
		o.mu.Unlock()
		return
	}
	o.teardownLocked()
	o.state = StateCancelled
	intent := o.intent
	o.mu.Unlock()

	o.clearSlot(ctx)
	if intent != nil {
		go o.closeIntent(context.Background(), intent.PaymentID)
	}
	o.logEvent(ctx, "checkout.cancelled", map[string]any{"payment_id": paymentID(intent)})
	o.toast("Payment cancelled", notify.LevelInfo)
}

// Resume reconciles a recovery slot left by a previous run. A paid intent
// materialises its order (from the backend's reference or the saved draft)
// and clears the cart; anything else is closed and discarded. A transport
// failure leaves the slot for the next startup and returns the error.
func (o *Orchestrator) Resume(ctx context.Context) error {
	var pending pendingPayment
	if !o.store.Load(localstore.KeyPendingPayment, &pending) || pending.PaymentID == 0 {
		return nil
	}
	token := o.session.Token()
	if token == "" {
		o.clearSlot(ctx)
		return nil
	}

	verification, err := o.remote.VerifyPayment(ctx, pending.PaymentID, token)
	if err != nil {
		if remote.IsRejection(err) {
			o.clearSlot(ctx)
			return nil
		}
		o.logEvent(ctx, "checkout.resume.verify_failed", map[string]any{
			"payment_id": pending.PaymentID,
			"error":      err.Error(),
		})
		return err
	}

	if verification.Status != domain.PaymentStatusPaid {
		o.closeIntent(ctx, pending.PaymentID)
		o.clearSlot(ctx)
		o.logEvent(ctx, "checkout.resume.discarded", map[string]any{
			"payment_id": pending.PaymentID,
			"status":     string(verification.Status),
		})
		return nil
	}

	var draft domain.OrderDraft
	hasDraft := o.store.Load(localstore.KeyPendingOrder, &draft)
	orderID, err := o.reconcile(ctx, verification, draft, hasDraft, token)
	if err != nil {
		return err
	}

	o.mu.Lock()
	o.state = StatePaid
	o.orderID = orderID
	o.mu.Unlock()

	o.clearSlot(ctx)
	if err := o.cart.Clear(ctx); err != nil {
		o.logEvent(ctx, "checkout.resume.cart_clear_failed", map[string]any{"error": err.Error()})
	}
	o.logEvent(ctx, "checkout.resume.reconciled", map[string]any{
		"payment_id": pending.PaymentID,
		"order_id":   orderID,
	})
	o.toast("Payment received, your order has been placed", notify.LevelSuccess)
	return nil
}

// Snapshot returns the current presentation view of the session.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{
		State:            o.state,
		RemainingSeconds: o.remaining,
		OrderID:          o.orderID,
	}
	if o.intent != nil {
		snap.QRImageURL = o.intent.ImageURL
		snap.PaymentID = o.intent.PaymentID
	}
	if o.draft != nil {
		snap.Total = o.draft.TotalAmount
	}
	return snap
}

// Close stops any live timers. Called on shutdown; the recovery slot stays
// populated so the next run can resume.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.teardownLocked()
}

// placeDirect creates the order immediately for non-QR payment methods.
func (o *Orchestrator) placeDirect(ctx context.Context, draft domain.OrderDraft) (Snapshot, error) {
	order, err := o.remote.CreateOrder(ctx, draft, o.session.Token())
	if err != nil {
		o.failAttempt(ctx, "checkout.order.create_failed", err)
		return o.Snapshot(), err
	}

	o.mu.Lock()
	o.state = StatePaid
	o.orderID = order.ID
	o.mu.Unlock()

	if err := o.cart.Clear(ctx); err != nil {
		o.logEvent(ctx, "checkout.cart_clear_failed", map[string]any{"error": err.Error()})
	}
	o.logEvent(ctx, "checkout.order.placed", map[string]any{"order_id": order.ID})
	o.toast("Order placed successfully! Thank you for your purchase.", notify.LevelSuccess)
	return o.Snapshot(), nil
}

// startPayment creates the QR intent, persists the recovery slot and starts
// the poll and countdown loops. Caller has already set state to creating.
func (o *Orchestrator) startPayment(ctx context.Context, draft domain.OrderDraft) (Snapshot, error) {
	var items []domain.LineItem
	if err := json.Unmarshal([]byte(draft.Items), &items); err != nil {
		items = nil
	}
	metadata := map[string]any{
		"items":         items,
		"customer_name": draft.CustomerName,
		"email":         draft.Email,
		"phone":         draft.Phone,
		"address":       draft.Address,
	}
	token := o.session.Token()
	intent, err := o.remote.CreateQR(ctx, draft.TotalAmount, metadata, token)
	if err != nil {
		o.failAttempt(ctx, "checkout.intent.create_failed", err)
		return o.Snapshot(), err
	}

	o.mu.Lock()
	o.teardownLocked()
	o.intent = &intent
	o.remaining = int(o.countdown / time.Second)
	t := &timers{stop: make(chan struct{})}
	o.timers = t
	o.state = StateWaiting
	draftID := o.draftID
	o.mu.Unlock()

	if err := o.store.Save(localstore.KeyPendingPayment, pendingPayment{
		PaymentID:       intent.PaymentID,
		ProviderOrderID: intent.ProviderOrderID,
		ImageURL:        intent.ImageURL,
		DraftID:         draftID,
	}); err != nil {
		o.logEvent(ctx, "checkout.slot.save_failed", map[string]any{"error": err.Error()})
	}
	if err := o.store.Save(localstore.KeyPendingOrder, draft); err != nil {
		o.logEvent(ctx, "checkout.slot.save_failed", map[string]any{"error": err.Error()})
	}

	o.logEvent(ctx, "checkout.intent.created", map[string]any{
		"payment_id": intent.PaymentID,
		"amount":     draft.TotalAmount,
		"draft_id":   draftID,
	})
	go o.run(t, token)
	return o.Snapshot(), nil
}

// run is the single loop owning both timers for one payment attempt.
func (o *Orchestrator) run(t *timers, token string) {
	poll := time.NewTicker(o.pollInterval)
	defer poll.Stop()
	tick := time.NewTicker(o.countdownTick)
	defer tick.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-poll.C:
			o.onPollTick(t, token)
		case <-tick.C:
			o.onCountdownTick(t)
		}
	}
}

// onPollTick verifies the payment once. The verify call runs outside the
// mutex; its result is only acted on if this attempt is still the live one.
func (o *Orchestrator) onPollTick(t *timers, token string) {
	ctx := context.Background()

	o.mu.Lock()
	if o.timers != t || o.state != StateWaiting || o.intent == nil {
		o.mu.Unlock()
		return
	}
	intentID := o.intent.PaymentID
	o.mu.Unlock()

	verification, err := o.remote.VerifyPayment(ctx, intentID, token)
	if err != nil {
		o.logEvent(ctx, "checkout.poll.verify_failed", map[string]any{
			"payment_id": intentID,
			"error":      err.Error(),
		})
		return
	}
	if verification.Status != domain.PaymentStatusPaid {
		return
	}

	o.mu.Lock()
	if o.timers != t || o.state != StateWaiting {
		o.mu.Unlock()
		return
	}
	o.teardownLocked()
	o.state = StateCreating
	var draft domain.OrderDraft
	if o.draft != nil {
		draft = *o.draft
	}
	hasDraft := o.draft != nil
	o.mu.Unlock()

	orderID, err := o.reconcile(ctx, verification, draft, hasDraft, token)
	if err != nil {
		// The payment is confirmed but the order is not placed yet. Keep the
		// recovery slot so the next startup retries the reconciliation.
		o.mu.Lock()
		o.state = StateError
		o.mu.Unlock()
		o.logEvent(ctx, "checkout.reconcile.failed", map[string]any{
			"payment_id": intentID,
			"error":      err.Error(),
		})
		o.toast("Could not place order. Please try again.", notify.LevelError)
		return
	}

	o.mu.Lock()
	o.state = StatePaid
	o.orderID = orderID
	o.mu.Unlock()

	o.clearSlot(ctx)
	if err := o.cart.Clear(ctx); err != nil {
		o.logEvent(ctx, "checkout.cart_clear_failed", map[string]any{"error": err.Error()})
	}
	o.logEvent(ctx, "checkout.paid", map[string]any{
		"payment_id": intentID,
		"order_id":   orderID,
	})
	o.toast("Payment received, your order has been placed", notify.LevelSuccess)
}

// onCountdownTick decrements the remaining window and expires the attempt
// when it reaches zero.
func (o *Orchestrator) onCountdownTick(t *timers) {
	ctx := context.Background()

	o.mu.Lock()
	if o.timers != t || o.state != StateWaiting {
		o.mu.Unlock()
		return
	}
	o.remaining--
	if o.remaining > 0 {
		o.mu.Unlock()
		return
	}
	o.remaining = 0
	o.teardownLocked()
	o.state = StateExpired
	intent := o.intent
	o.mu.Unlock()

	o.clearSlot(ctx)
	if intent != nil {
		go o.closeIntent(context.Background(), intent.PaymentID)
	}
	o.logEvent(ctx, "checkout.expired", map[string]any{"payment_id": paymentID(intent)})
	o.toast("QR expired. Regenerate to try again.", notify.LevelError)
}

// reconcile makes sure exactly one order exists for a confirmed payment. If
// the backend webhook already materialised one, its reference is used;
// otherwise the saved draft is submitted now.
func (o *Orchestrator) reconcile(ctx context.Context, verification domain.PaymentVerification, draft domain.OrderDraft, hasDraft bool, token string) (int64, error) {
	if verification.OrderID != nil {
		return *verification.OrderID, nil
	}
	if !hasDraft {
		return 0, errors.New("checkout: payment confirmed but no draft to create the order from")
	}
	order, err := o.remote.CreateOrder(ctx, draft, token)
	if err != nil {
		return 0, fmt.Errorf("checkout: create order for paid intent: %w", err)
	}
	return order.ID, nil
}

// failAttempt records a failed create and surfaces it to the user.
func (o *Orchestrator) failAttempt(ctx context.Context, event string, err error) {
	o.mu.Lock()
	o.teardownLocked()
	o.state = StateError
	o.mu.Unlock()
	o.logEvent(ctx, event, map[string]any{"error": err.Error()})
	o.toast("Could not place order. Please try again.", notify.LevelError)
}

// teardownLocked stops the live timers, if any. Callers hold the mutex; once
// it is released no tick from the old attempt can act, because its handle no
// longer matches.
func (o *Orchestrator) teardownLocked() {
	if o.timers == nil {
		return
	}
	close(o.timers.stop)
	o.timers = nil
}

// slotOccupied reports whether the recovery slot still names a payment. The
// slot outlives terminal states only when a confirmed payment could not be
// reconciled, or a startup verify failed in transport; either way the record
// must survive until Resume settles it.
func (o *Orchestrator) slotOccupied() bool {
	var pending pendingPayment
	return o.store.Load(localstore.KeyPendingPayment, &pending) && pending.PaymentID != 0
}

func (o *Orchestrator) clearSlot(ctx context.Context) {
	if err := o.store.Delete(localstore.KeyPendingPayment); err != nil {
		o.logEvent(ctx, "checkout.slot.clear_failed", map[string]any{"error": err.Error()})
	}
	if err := o.store.Delete(localstore.KeyPendingOrder); err != nil {
		o.logEvent(ctx, "checkout.slot.clear_failed", map[string]any{"error": err.Error()})
	}
}

// closeIntent invalidates a QR on the backend. Best effort.
func (o *Orchestrator) closeIntent(ctx context.Context, intentID int64) {
	token := o.session.Token()
	if token == "" {
		return
	}
	if err := o.remote.CloseQR(ctx, intentID, token); err != nil {
		o.logEvent(ctx, "checkout.intent.close_failed", map[string]any{
			"payment_id": intentID,
			"error":      err.Error(),
		})
	}
}

func (o *Orchestrator) toast(message string, level notify.Level) {
	if o.notifier == nil {
		return
	}
	o.notifier.Publish(notify.Toast{Message: message, Level: level})
}

func paymentID(intent *domain.PaymentIntent) int64 {
	if intent == nil {
		return 0
	}
	return intent.PaymentID
}
