package remote

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/vruksha-store/storefront/internal/domain"
)

// Me refreshes the identity behind the token. A 401/403 result satisfies
// IsAuthError; any other failure is a transport problem callers may degrade
// around.
func (c *Client) Me(ctx context.Context, token string) (domain.UserProfile, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/auth/me", nil, token)
	if err != nil {
		return domain.UserProfile{}, err
	}
	var user domain.UserProfile
	if err := c.decode(req, &user, http.StatusOK); err != nil {
		return domain.UserProfile{}, err
	}
	return user, nil
}

// Login exchanges credentials for a bearer token and the user profile.
func (c *Client) Login(ctx context.Context, email, password string) (domain.UserProfile, string, error) {
	body := map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/auth/login", body, "")
	if err != nil {
		return domain.UserProfile{}, "", err
	}
	var payload struct {
		User        domain.UserProfile `json:"user"`
		AccessToken string             `json:"access_token"`
	}
	if err := c.decode(req, &payload, http.StatusOK); err != nil {
		return domain.UserProfile{}, "", err
	}
	return payload.User, payload.AccessToken, nil
}

// UpdateProfile persists profile changes server side and returns the updated
// user.
func (c *Client) UpdateProfile(ctx context.Context, update domain.ProfileUpdate, token string) (domain.UserProfile, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPut, "/users/me", update, token)
	if err != nil {
		return domain.UserProfile{}, err
	}
	var payload struct {
		User domain.UserProfile `json:"user"`
	}
	if err := c.decode(req, &payload, http.StatusOK); err != nil {
		return domain.UserProfile{}, err
	}
	return payload.User, nil
}

// GetCart fetches the server-side cart for the authenticated user. An absent
// cart is an empty item list, not an error.
func (c *Client) GetCart(ctx context.Context, token string) ([]domain.LineItem, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/cart", nil, token)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Items []domain.LineItem `json:"items"`
	}
	if err := c.decode(req, &payload, http.StatusOK); err != nil {
		return nil, err
	}
	if payload.Items == nil {
		payload.Items = []domain.LineItem{}
	}
	return payload.Items, nil
}

// SetCart replaces the server-side cart wholesale with the given items.
// Sending the same cart twice is harmless.
func (c *Client) SetCart(ctx context.Context, items []domain.LineItem, token string) error {
	if items == nil {
		items = []domain.LineItem{}
	}
	body := map[string]any{"items": items}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/cart", body, token)
	if err != nil {
		return err
	}
	return c.decode(req, nil, http.StatusOK)
}

// ClearCart removes the server-side cart.
func (c *Client) ClearCart(ctx context.Context, token string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/cart", nil, token)
	if err != nil {
		return err
	}
	return c.decode(req, nil, http.StatusOK)
}

// CreateOrder materialises an order from the draft. The backend does not
// guarantee idempotency for this call; the checkout orchestrator is
// responsible for never submitting the same draft twice.
func (c *Client) CreateOrder(ctx context.Context, draft domain.OrderDraft, token string) (domain.Order, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/orders", draft, token)
	if err != nil {
		return domain.Order{}, err
	}
	var order domain.Order
	if err := c.decode(req, &order, http.StatusOK, http.StatusCreated); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// ListOrders returns the authenticated user's order history.
func (c *Client) ListOrders(ctx context.Context, token string) ([]domain.Order, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/orders/user", nil, token)
	if err != nil {
		return nil, err
	}
	var orders []domain.Order
	if err := c.decode(req, &orders, http.StatusOK); err != nil {
		return nil, err
	}
	return orders, nil
}

// CreateQR asks the backend for a scannable UPI payment intent over the given
// amount. The amount must equal the order draft's total exactly.
func (c *Client) CreateQR(ctx context.Context, amount float64, metadata map[string]any, token string) (domain.PaymentIntent, error) {
	body := map[string]any{
		"amount":   amount,
		"metadata": metadata,
	}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/payments/create_razorpay_qr", body, token)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	var intent domain.PaymentIntent
	if err := c.decode(req, &intent, http.StatusOK, http.StatusCreated); err != nil {
		return domain.PaymentIntent{}, err
	}
	return intent, nil
}

// VerifyPayment polls the payment status for an intent.
func (c *Client) VerifyPayment(ctx context.Context, paymentID int64, token string) (domain.PaymentVerification, error) {
	endpoint := "/payments/verify?" + queryInt64("payment_id", paymentID)
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, token)
	if err != nil {
		return domain.PaymentVerification{}, err
	}
	var verification domain.PaymentVerification
	if err := c.decode(req, &verification, http.StatusOK); err != nil {
		return domain.PaymentVerification{}, err
	}
	return verification, nil
}

// CloseQR invalidates a payment intent. Callers treat failures as best effort.
func (c *Client) CloseQR(ctx context.Context, paymentID int64, token string) error {
	body := map[string]any{"payment_id": paymentID}
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/payments/close", body, token)
	if err != nil {
		return err
	}
	return c.decode(req, nil, http.StatusOK)
}

// Wishlist returns the user's saved products.
func (c *Client) Wishlist(ctx context.Context, token string) ([]domain.WishlistItem, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/wishlist", nil, token)
	if err != nil {
		return nil, err
	}
	var items []domain.WishlistItem
	if err := c.decode(req, &items, http.StatusOK); err != nil {
		return nil, err
	}
	return items, nil
}

// AddWishlist saves a product to the user's wishlist.
func (c *Client) AddWishlist(ctx context.Context, item domain.WishlistItem, token string) error {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/wishlist", item, token)
	if err != nil {
		return err
	}
	return c.decode(req, nil, http.StatusOK, http.StatusCreated)
}

// RemoveWishlist removes a product from the user's wishlist.
func (c *Client) RemoveWishlist(ctx context.Context, productID int64, token string) error {
	endpoint := path.Join("/wishlist", url.PathEscape(strconv.FormatInt(productID, 10)))
	req, err := c.newRequest(ctx, http.MethodDelete, endpoint, nil, token)
	if err != nil {
		return err
	}
	return c.decode(req, nil, http.StatusOK)
}
