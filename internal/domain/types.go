package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LineKey is the identity of a cart line: two line items are the same line
// iff product, variant and canonical size are all equal. An absent size and
// an empty size collapse to the same key.
type LineKey struct {
	ProductID int64
	VariantID int64
	Size      string
}

// CanonicalSize normalises a size value so "", whitespace and absent all
// compare equal.
func CanonicalSize(size string) string {
	return strings.TrimSpace(size)
}

// ColorSelection is the colour snapshot captured when a variant is added to
// the cart.
type ColorSelection struct {
	Name string `json:"name,omitempty"`
	Hex  string `json:"hex,omitempty"`
}

// LineItem is one (product, variant, size) entry in a cart. Name, price and
// image are snapshots taken at add time and are never re-fetched, so later
// catalogue changes do not alter an in-progress cart.
type LineItem struct {
	ProductID     int64           `json:"id"`
	VariantID     int64           `json:"variant_id,omitempty"`
	Size          string          `json:"size,omitempty"`
	Name          string          `json:"name"`
	UnitPrice     float64         `json:"price"`
	ImageURL      string          `json:"image_url,omitempty"`
	SelectedColor *ColorSelection `json:"selected_color,omitempty"`
	Quantity      int             `json:"quantity"`
}

// Key returns the identity key for this line.
func (i LineItem) Key() LineKey {
	return LineKey{
		ProductID: i.ProductID,
		VariantID: i.VariantID,
		Size:      CanonicalSize(i.Size),
	}
}

// AdminFlag is a boolean that tolerates the loose encodings historically
// emitted for is_admin (true, 1, "1", "true"). It is normalised here, at the
// session boundary, so the rest of the system trusts a plain bool.
type AdminFlag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *AdminFlag) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		*f = false
		return nil
	case bytes.Equal(trimmed, []byte("true")), bytes.Equal(trimmed, []byte("1")):
		*f = true
		return nil
	case bytes.Equal(trimmed, []byte("false")), bytes.Equal(trimmed, []byte("0")):
		*f = false
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return fmt.Errorf("admin flag: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes":
		*f = true
	default:
		*f = false
	}
	return nil
}

// Bool unwraps the flag.
func (f AdminFlag) Bool() bool { return bool(f) }

// UserProfile is the authenticated user as reported by the identity refresh
// endpoint.
type UserProfile struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Email   string    `json:"email"`
	Phone   string    `json:"phone,omitempty"`
	Address string    `json:"address,omitempty"`
	City    string    `json:"city,omitempty"`
	Pincode string    `json:"pincode,omitempty"`
	IsAdmin AdminFlag `json:"is_admin,omitempty"`
}

// ProfileUpdate carries the mutable profile fields for UpdateProfile. Nil
// pointers leave the corresponding field untouched.
type ProfileUpdate struct {
	Name    *string `json:"name,omitempty"`
	Email   *string `json:"email,omitempty"`
	Phone   *string `json:"phone,omitempty"`
	Address *string `json:"address,omitempty"`
	City    *string `json:"city,omitempty"`
	Pincode *string `json:"pincode,omitempty"`
}

// OrderDraft is the order payload assembled at checkout submit time. Items
// holds the JSON-serialised cart snapshot exactly as captured; later cart
// mutations never affect a draft already submitted.
type OrderDraft struct {
	CustomerName  string  `json:"customer_name"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	Address       string  `json:"address"`
	City          string  `json:"city"`
	Pincode       string  `json:"pincode"`
	PaymentMethod string  `json:"payment_method"`
	TotalAmount   float64 `json:"total_amount"`
	Items         string  `json:"items"`
}

// Order is a materialised order as returned by the backend.
type Order struct {
	ID           int64      `json:"id"`
	CustomerName string     `json:"customer_name"`
	Email        string     `json:"email"`
	Phone        string     `json:"phone,omitempty"`
	Address      string     `json:"address,omitempty"`
	City         string     `json:"city,omitempty"`
	Pincode      string     `json:"pincode,omitempty"`
	TotalAmount  float64    `json:"total_amount"`
	Status       string     `json:"status,omitempty"`
	Items        string     `json:"items,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// PaymentIntent identifies a server-issued QR payment request.
type PaymentIntent struct {
	PaymentID       int64  `json:"payment_id"`
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	ImageURL        string `json:"image_url"`
}

// PaymentStatus enumerates the backend's payment states.
type PaymentStatus string

const (
	// PaymentStatusPending indicates the payment has not been confirmed yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusPaid indicates the provider reported a successful payment.
	PaymentStatusPaid PaymentStatus = "paid"
	// PaymentStatusClosed indicates the intent was invalidated before payment.
	PaymentStatusClosed PaymentStatus = "closed"
	// PaymentStatusExpired indicates the intent lapsed without payment.
	PaymentStatusExpired PaymentStatus = "expired"
)

// PaymentVerification is the result of polling the verify endpoint. OrderID
// is set when the backend webhook already materialised an order for this
// payment.
type PaymentVerification struct {
	PaymentID int64         `json:"payment_id"`
	Status    PaymentStatus `json:"status"`
	OrderID   *int64        `json:"order_id,omitempty"`
}

// WishlistItem is a saved product reference in the user's wishlist.
type WishlistItem struct {
	ProductID int64   `json:"id"`
	Name      string  `json:"name"`
	UnitPrice float64 `json:"price,omitempty"`
	ImageURL  string  `json:"image_url,omitempty"`
}
