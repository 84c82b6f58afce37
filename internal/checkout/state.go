package checkout

// State is the checkout session's position in the payment flow.
type State string

const (
	// StateIdle means no checkout has been submitted yet.
	StateIdle State = "idle"
	// StateCreating means a payment intent or order is being created.
	StateCreating State = "creating"
	// StateWaiting means a QR is displayed and the payment is being polled.
	StateWaiting State = "waiting"
	// StatePaid means the payment was confirmed and the order reconciled.
	StatePaid State = "paid"
	// StateExpired means the countdown lapsed before a payment arrived.
	StateExpired State = "expired"
	// StateCancelled means the user aborted while waiting.
	StateCancelled State = "cancelled"
	// StateError means the last attempt failed and can be retried.
	StateError State = "error"
)

// IsTerminal reports whether no payment attempt is live in this state.
// Expired, cancelled and error all allow a fresh attempt; paid ends the
// session.
func (s State) IsTerminal() bool {
	switch s {
	case StatePaid, StateExpired, StateCancelled, StateError:
		return true
	}
	return false
}

// Snapshot is a read-only view of the checkout session for presentation.
type Snapshot struct {
	State            State
	RemainingSeconds int
	QRImageURL       string
	PaymentID        int64
	Total            float64
	OrderID          int64
}
