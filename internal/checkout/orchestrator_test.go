package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vruksha-store/storefront/internal/domain"
	"github.com/vruksha-store/storefront/internal/platform/localstore"
)

type stubRemote struct {
	mu sync.Mutex

	createQRFunc func(ctx context.Context, amount float64, metadata map[string]any, token string) (domain.PaymentIntent, error)
	verifyFunc   func(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error)
	orderFunc    func(ctx context.Context, draft domain.OrderDraft, token string) (domain.Order, error)

	qrCalls     int
	verifyCalls int
	closeCalls  int
	orderCalls  int
	lastDraft   domain.OrderDraft
	lastAmount  float64
}

func (r *stubRemote) CreateQR(ctx context.Context, amount float64, metadata map[string]any, token string) (domain.PaymentIntent, error) {
	r.mu.Lock()
	r.qrCalls++
	r.lastAmount = amount
	r.mu.Unlock()
	if r.createQRFunc != nil {
		return r.createQRFunc(ctx, amount, metadata, token)
	}
	return domain.PaymentIntent{PaymentID: 42, ImageURL: "https://pay.example.com/qr/42.png"}, nil
}

func (r *stubRemote) VerifyPayment(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
	r.mu.Lock()
	r.verifyCalls++
	r.mu.Unlock()
	if r.verifyFunc != nil {
		return r.verifyFunc(ctx, paymentID, token)
	}
	return domain.PaymentVerification{PaymentID: paymentID, Status: domain.PaymentStatusPending}, nil
}

func (r *stubRemote) CloseQR(ctx context.Context, paymentID int64, token string) error {
	r.mu.Lock()
	r.closeCalls++
	r.mu.Unlock()
	return nil
}

func (r *stubRemote) CreateOrder(ctx context.Context, draft domain.OrderDraft, token string) (domain.Order, error) {
	r.mu.Lock()
	r.orderCalls++
	r.lastDraft = draft
	r.mu.Unlock()
	if r.orderFunc != nil {
		return r.orderFunc(ctx, draft, token)
	}
	return domain.Order{ID: 9001, TotalAmount: draft.TotalAmount}, nil
}

func (r *stubRemote) counts() (qr, verify, closed, orders int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qrCalls, r.verifyCalls, r.closeCalls, r.orderCalls
}

func (r *stubRemote) draft() domain.OrderDraft {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastDraft
}

type stubCart struct {
	mu      sync.Mutex
	items   []domain.LineItem
	cleared int
}

func (c *stubCart) Items() []domain.LineItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items
}

func (c *stubCart) Total() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total float64
	for _, item := range c.items {
		total += item.UnitPrice * float64(item.Quantity)
	}
	return total
}

func (c *stubCart) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleared++
	c.items = nil
	return nil
}

func (c *stubCart) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared
}

type stubSession struct {
	token string
}

func (s stubSession) Token() string { return s.token }

func (s stubSession) IsAuthenticated() bool { return s.token != "" }

func testForm(method string) Form {
	return Form{
		CustomerName:  "Asha",
		Email:         "asha@example.com",
		Phone:         "9000000000",
		Address:       "12 Temple St",
		City:          "Madurai",
		Pincode:       "625001",
		PaymentMethod: method,
	}
}

type fixture struct {
	orchestrator *Orchestrator
	remote       *stubRemote
	cart         *stubCart
	store        *localstore.Store
}

func newFixture(t *testing.T, remote *stubRemote, cart *stubCart, countdownTicks int) *fixture {
	t.Helper()
	store, err := localstore.Open(t.TempDir(), localstore.Options{})
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	orchestrator, err := NewOrchestrator(Deps{
		Remote:  remote,
		Cart:    cart,
		Session: stubSession{token: "tok"},
		Store:   store,
		// Remaining seconds count ticks in tests; the tick itself is shrunk.
		PollInterval:          5 * time.Millisecond,
		Countdown:             time.Duration(countdownTicks) * time.Second,
		CountdownTick:         5 * time.Millisecond,
		FreeShippingThreshold: 1000,
		ShippingSurcharge:     100,
	})
	if err != nil {
		t.Fatalf("unexpected error constructing orchestrator: %v", err)
	}
	t.Cleanup(orchestrator.Close)

	return &fixture{orchestrator: orchestrator, remote: remote, cart: cart, store: store}
}

func waitForState(t *testing.T, o *Orchestrator, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := o.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, currently %q", want, o.Snapshot().State)
	return Snapshot{}
}

func cartWith(price float64, qty int) *stubCart {
	return &stubCart{items: []domain.LineItem{{ProductID: 1, Name: "kurta", UnitPrice: price, Quantity: qty}}}
}

func TestSubmitEmptyCartRejected(t *testing.T) {
	f := newFixture(t, &stubRemote{}, &stubCart{}, 100)

	_, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI))
	if !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
	if qr, _, _, _ := f.remote.counts(); qr != 0 {
		t.Fatal("no payment intent may be created for an empty cart")
	}
}

func TestSubmitRequiresAuthentication(t *testing.T) {
	store, err := localstore.Open(t.TempDir(), localstore.Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	orchestrator, err := NewOrchestrator(Deps{
		Remote:  &stubRemote{},
		Cart:    cartWith(500, 1),
		Session: stubSession{},
		Store:   store,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestShippingChargeBoundary(t *testing.T) {
	f := newFixture(t, &stubRemote{}, &stubCart{}, 100)

	cases := []struct {
		subtotal float64
		want     float64
	}{
		{999.99, 100},
		{1000, 100},
		{1000.01, 0},
		{5000, 0},
	}
	for _, tc := range cases {
		if got := f.orchestrator.ShippingCharge(tc.subtotal); got != tc.want {
			t.Fatalf("subtotal %v: expected surcharge %v, got %v", tc.subtotal, tc.want, got)
		}
	}
}

func TestSubmitNonUPIPlacesOrderDirectly(t *testing.T) {
	backend := &stubRemote{}
	cart := cartWith(500, 1)
	f := newFixture(t, backend, cart, 100)

	snap, err := f.orchestrator.Submit(context.Background(), testForm("cash"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.State != StatePaid || snap.OrderID != 9001 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	qr, _, _, orders := backend.counts()
	if qr != 0 || orders != 1 {
		t.Fatalf("expected a direct order and no QR, got qr=%d orders=%d", qr, orders)
	}
	if backend.draft().TotalAmount != 600 {
		t.Fatalf("expected subtotal 500 plus surcharge 100, got %v", backend.draft().TotalAmount)
	}
	if cart.clearCount() != 1 {
		t.Fatalf("expected the cart cleared once, got %d", cart.clearCount())
	}
}

func TestSubmitUPIEntersWaitingWithRecoverySlot(t *testing.T) {
	backend := &stubRemote{}
	f := newFixture(t, backend, cartWith(1200, 1), 100)

	snap, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.State != StateWaiting {
		t.Fatalf("expected waiting, got %q", snap.State)
	}
	if snap.QRImageURL == "" || snap.PaymentID != 42 {
		t.Fatalf("expected the intent in the snapshot, got %+v", snap)
	}
	// 1200 is above the free-shipping threshold.
	if snap.Total != 1200 {
		t.Fatalf("expected total 1200, got %v", snap.Total)
	}
	f.remote.mu.Lock()
	amount := f.remote.lastAmount
	f.remote.mu.Unlock()
	if amount != 1200 {
		t.Fatalf("the QR amount must equal the draft total, got %v", amount)
	}

	var pending pendingPayment
	if !f.store.Load(localstore.KeyPendingPayment, &pending) || pending.PaymentID != 42 {
		t.Fatalf("expected the intent persisted in the recovery slot, got %+v", pending)
	}
	var draft domain.OrderDraft
	if !f.store.Load(localstore.KeyPendingOrder, &draft) || draft.CustomerName != "Asha" {
		t.Fatalf("expected the draft persisted in the recovery slot, got %+v", draft)
	}
	var items []domain.LineItem
	if err := json.Unmarshal([]byte(draft.Items), &items); err != nil || len(items) != 1 {
		t.Fatalf("expected the serialised cart snapshot in the draft, got %q", draft.Items)
	}
}

func TestPaidPollCreatesOrderFromDraft(t *testing.T) {
	backend := &stubRemote{
		verifyFunc: func(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
			return domain.PaymentVerification{PaymentID: paymentID, Status: domain.PaymentStatusPaid}, nil
		},
	}
	cart := cartWith(500, 2)
	f := newFixture(t, backend, cart, 1000)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := waitForState(t, f.orchestrator, StatePaid)
	if snap.OrderID != 9001 {
		t.Fatalf("expected order 9001, got %+v", snap)
	}

	// Let any stale timer fire if one survived.
	time.Sleep(50 * time.Millisecond)

	_, _, _, orders := backend.counts()
	if orders != 1 {
		t.Fatalf("expected exactly one order for one payment, got %d", orders)
	}
	if backend.draft().TotalAmount != 1100 {
		t.Fatalf("expected the saved draft submitted, got %+v", backend.draft())
	}
	if cart.clearCount() != 1 {
		t.Fatalf("expected the cart cleared once, got %d", cart.clearCount())
	}

	var pending pendingPayment
	if f.store.Load(localstore.KeyPendingPayment, &pending) {
		t.Fatal("expected the recovery slot cleared after reconciliation")
	}
}

func TestPaidPollUsesBackendOrderReference(t *testing.T) {
	orderID := int64(777)
	backend := &stubRemote{
		verifyFunc: func(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
			return domain.PaymentVerification{PaymentID: paymentID, Status: domain.PaymentStatusPaid, OrderID: &orderID}, nil
		},
	}
	f := newFixture(t, backend, cartWith(500, 1), 1000)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap := waitForState(t, f.orchestrator, StatePaid)
	if snap.OrderID != 777 {
		t.Fatalf("expected the webhook's order reference, got %+v", snap)
	}
	if _, _, _, orders := backend.counts(); orders != 0 {
		t.Fatalf("expected no duplicate order creation, got %d", orders)
	}
}

func TestCancelStopsTimersAndKeepsCart(t *testing.T) {
	backend := &stubRemote{}
	cart := cartWith(500, 1)
	f := newFixture(t, backend, cart, 1000)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f.orchestrator.Cancel(context.Background())

	snap := f.orchestrator.Snapshot()
	if snap.State != StateCancelled {
		t.Fatalf("expected cancelled, got %q", snap.State)
	}
	if cart.clearCount() != 0 {
		t.Fatal("cancelling must not clear the cart")
	}
	var pending pendingPayment
	if f.store.Load(localstore.KeyPendingPayment, &pending) {
		t.Fatal("expected the recovery slot cleared on cancel")
	}

	// Drain any tick that was already past the state check when cancel ran.
	time.Sleep(10 * time.Millisecond)
	_, verifyBefore, _, _ := backend.counts()
	time.Sleep(50 * time.Millisecond)
	_, verifyAfter, _, _ := backend.counts()
	if verifyAfter != verifyBefore {
		t.Fatalf("poll ticks continued after cancel: %d -> %d", verifyBefore, verifyAfter)
	}
}

func TestCountdownExpiryIsExactlyOnce(t *testing.T) {
	backend := &stubRemote{}
	cart := cartWith(500, 1)
	// Two countdown ticks until expiry.
	f := newFixture(t, backend, cart, 2)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitForState(t, f.orchestrator, StateExpired)
	time.Sleep(50 * time.Millisecond)

	_, _, closed, _ := backend.counts()
	if closed != 1 {
		t.Fatalf("expected exactly one close call on expiry, got %d", closed)
	}
	if cart.clearCount() != 0 {
		t.Fatal("expiry must not clear the cart")
	}
	var pending pendingPayment
	if f.store.Load(localstore.KeyPendingPayment, &pending) {
		t.Fatal("expected the recovery slot cleared on expiry")
	}
	if snap := f.orchestrator.Snapshot(); snap.RemainingSeconds != 0 {
		t.Fatalf("expected zero remaining, got %d", snap.RemainingSeconds)
	}
}

func TestRegenerateReusesDraft(t *testing.T) {
	backend := &stubRemote{}
	f := newFixture(t, backend, cartWith(500, 1), 2)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForState(t, f.orchestrator, StateExpired)

	snap, err := f.orchestrator.Regenerate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snap.State != StateWaiting {
		t.Fatalf("expected waiting after regenerate, got %q", snap.State)
	}
	if snap.Total != 600 {
		t.Fatalf("expected the identical draft total, got %v", snap.Total)
	}
	if qr, _, _, _ := backend.counts(); qr != 2 {
		t.Fatalf("expected a second intent, got %d", qr)
	}
}

func TestRegenerateWithoutDraft(t *testing.T) {
	f := newFixture(t, &stubRemote{}, &stubCart{}, 100)
	if _, err := f.orchestrator.Regenerate(context.Background()); !errors.Is(err, ErrNoDraft) {
		t.Fatalf("expected ErrNoDraft, got %v", err)
	}
}

func TestSubmitWhileWaitingRejected(t *testing.T) {
	f := newFixture(t, &stubRemote{}, cartWith(500, 1), 1000)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); !errors.Is(err, ErrAttemptActive) {
		t.Fatalf("expected ErrAttemptActive, got %v", err)
	}
}

func TestIntentCreationFailureIsActionable(t *testing.T) {
	backend := &stubRemote{
		createQRFunc: func(ctx context.Context, amount float64, metadata map[string]any, token string) (domain.PaymentIntent, error) {
			return domain.PaymentIntent{}, errors.New("provider down")
		},
	}
	f := newFixture(t, backend, cartWith(500, 1), 100)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err == nil {
		t.Fatal("expected the failure to be surfaced")
	}
	if snap := f.orchestrator.Snapshot(); snap.State != StateError {
		t.Fatalf("expected error state, got %q", snap.State)
	}
	// The user can retry immediately.
	backend.createQRFunc = nil
	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error on retry: %v", err)
	}
}

func TestFailedReconcileKeepsPaymentRecoverable(t *testing.T) {
	backend := &stubRemote{
		verifyFunc: func(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
			return domain.PaymentVerification{PaymentID: paymentID, Status: domain.PaymentStatusPaid}, nil
		},
		orderFunc: func(ctx context.Context, draft domain.OrderDraft, token string) (domain.Order, error) {
			return domain.Order{}, errors.New("orders endpoint down")
		},
	}
	cart := cartWith(500, 1)
	f := newFixture(t, backend, cart, 1000)

	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitForState(t, f.orchestrator, StateError)
	time.Sleep(10 * time.Millisecond)

	var pending pendingPayment
	if !f.store.Load(localstore.KeyPendingPayment, &pending) || pending.PaymentID != 42 {
		t.Fatal("expected the confirmed payment's recovery slot kept")
	}

	// A new attempt must not overwrite the confirmed payment's record.
	if _, err := f.orchestrator.Regenerate(context.Background()); !errors.Is(err, ErrUnsettledPayment) {
		t.Fatalf("expected ErrUnsettledPayment from regenerate, got %v", err)
	}
	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); !errors.Is(err, ErrUnsettledPayment) {
		t.Fatalf("expected ErrUnsettledPayment from submit, got %v", err)
	}
	if qr, _, _, _ := backend.counts(); qr != 1 {
		t.Fatalf("expected no new intent while unsettled, got %d", qr)
	}
	if !f.store.Load(localstore.KeyPendingPayment, &pending) || pending.PaymentID != 42 {
		t.Fatal("expected the recovery slot untouched by the refused attempts")
	}

	// Once the backend recovers, resume settles the payment into an order.
	backend.orderFunc = nil
	if err := f.orchestrator.Resume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cart.clearCount() != 1 {
		t.Fatalf("expected the cart cleared once, got %d", cart.clearCount())
	}
	if f.store.Load(localstore.KeyPendingPayment, &pending) {
		t.Fatal("expected the recovery slot cleared after settlement")
	}
	if snap := f.orchestrator.Snapshot(); snap.State != StatePaid || snap.OrderID != 9001 {
		t.Fatalf("unexpected snapshot after settlement: %+v", snap)
	}
	if backend.draft().TotalAmount != 600 {
		t.Fatalf("expected the kept draft submitted, got %+v", backend.draft())
	}
}

func seedSlot(t *testing.T, store *localstore.Store, paymentID int64) {
	t.Helper()
	if err := store.Save(localstore.KeyPendingPayment, pendingPayment{PaymentID: paymentID}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	items, _ := json.Marshal([]domain.LineItem{{ProductID: 1, Name: "kurta", UnitPrice: 500, Quantity: 1}})
	draft := domain.OrderDraft{
		CustomerName:  "Asha",
		Email:         "asha@example.com",
		PaymentMethod: PaymentMethodUPI,
		TotalAmount:   600,
		Items:         string(items),
	}
	if err := store.Save(localstore.KeyPendingOrder, draft); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestResumePaidCreatesOrderAndClearsCart(t *testing.T) {
	backend := &stubRemote{
		verifyFunc: func(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
			return domain.PaymentVerification{PaymentID: paymentID, Status: domain.PaymentStatusPaid}, nil
		},
	}
	cart := cartWith(500, 1)
	f := newFixture(t, backend, cart, 100)
	seedSlot(t, f.store, 42)

	if err := f.orchestrator.Resume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, verify, _, orders := backend.counts()
	if verify != 1 || orders != 1 {
		t.Fatalf("expected one verify and one order, got verify=%d orders=%d", verify, orders)
	}
	if backend.draft().TotalAmount != 600 {
		t.Fatalf("expected the saved draft submitted, got %+v", backend.draft())
	}
	if cart.clearCount() != 1 {
		t.Fatalf("expected the cart cleared, got %d", cart.clearCount())
	}
	var pending pendingPayment
	if f.store.Load(localstore.KeyPendingPayment, &pending) {
		t.Fatal("expected the recovery slot cleared")
	}
	if snap := f.orchestrator.Snapshot(); snap.State != StatePaid || snap.OrderID != 9001 {
		t.Fatalf("unexpected snapshot after resume: %+v", snap)
	}
}

func TestResumeUnpaidClosesAndDiscards(t *testing.T) {
	backend := &stubRemote{}
	cart := cartWith(500, 1)
	f := newFixture(t, backend, cart, 100)
	seedSlot(t, f.store, 42)

	if err := f.orchestrator.Resume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, _, closed, orders := backend.counts()
	if closed != 1 || orders != 0 {
		t.Fatalf("expected one close and no order, got close=%d orders=%d", closed, orders)
	}
	if cart.clearCount() != 0 {
		t.Fatal("an unpaid resume must not clear the cart")
	}
	var pending pendingPayment
	if f.store.Load(localstore.KeyPendingPayment, &pending) {
		t.Fatal("expected the recovery slot cleared")
	}
}

func TestResumeTransportFailureKeepsSlot(t *testing.T) {
	backend := &stubRemote{
		verifyFunc: func(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
			return domain.PaymentVerification{}, errors.New("connection refused")
		},
	}
	f := newFixture(t, backend, cartWith(500, 1), 100)
	seedSlot(t, f.store, 42)

	if err := f.orchestrator.Resume(context.Background()); err == nil {
		t.Fatal("expected the transport failure to be reported")
	}

	var pending pendingPayment
	if !f.store.Load(localstore.KeyPendingPayment, &pending) || pending.PaymentID != 42 {
		t.Fatal("expected the recovery slot kept for the next startup")
	}

	// The kept slot blocks new attempts until a later resume settles it.
	if _, err := f.orchestrator.Submit(context.Background(), testForm(PaymentMethodUPI)); !errors.Is(err, ErrUnsettledPayment) {
		t.Fatalf("expected ErrUnsettledPayment, got %v", err)
	}
	if qr, _, _, _ := backend.counts(); qr != 0 {
		t.Fatalf("expected no intent while unsettled, got %d", qr)
	}
}

func TestResumeEmptySlotIsNoOp(t *testing.T) {
	backend := &stubRemote{}
	f := newFixture(t, backend, &stubCart{}, 100)

	if err := f.orchestrator.Resume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, verify, _, _ := backend.counts(); verify != 0 {
		t.Fatal("expected no verify without a slot")
	}
}
