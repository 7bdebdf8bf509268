package photovote

import (
	"context"
	"sync"
)

// Product is a purchasable plan.
type Product struct {
	Key         string
	Name        string
	Description string
	PriceID     string
	Mode        string
}

// CheckoutRequest is the body sent to the payment session endpoint.
type CheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
	Mode       string `json:"mode"`
}

// CheckoutEndpoint creates a payment session and returns its redirect URL.
type CheckoutEndpoint interface {
	CreateSession(ctx context.Context, accessToken string, req CheckoutRequest) (string, error)
}

// Checkout starts payment sessions for the configured products.
type Checkout struct {
	gw         Gateway
	endpoint   CheckoutEndpoint
	reach      Reachability
	logger     Logger
	products   map[string]Product
	successURL string
	cancelURL  string

	mu      sync.Mutex
	lastErr string
}

// NewCheckout creates a Checkout. successURL and cancelURL are where the
// payment provider sends the user afterwards.
func NewCheckout(gw Gateway, endpoint CheckoutEndpoint, products []Product, successURL, cancelURL string, logger Logger) *Checkout {
	byKey := make(map[string]Product, len(products))
	for _, p := range products {
		byKey[p.Key] = p
	}
	return &Checkout{
		gw:         gw,
		endpoint:   endpoint,
		reach:      AlwaysOnline{},
		logger:     logger,
		products:   byKey,
		successURL: successURL,
		cancelURL:  cancelURL,
	}
}

func (c *Checkout) SetReachability(r Reachability) { c.reach = r }

// Product returns the configured product for key.
func (c *Checkout) Product(key string) (Product, bool) {
	p, ok := c.products[key]
	return p, ok
}

// CreateSession returns the URL of a new payment session for the product.
func (c *Checkout) CreateSession(ctx context.Context, productKey string) (string, error) {
	c.setError("")

	if !c.reach.Online(ctx) {
		return "", c.fail(MsgNetworkUnavailable, nil)
	}
	if _, err := c.gw.GetSession(ctx); err != nil {
		return "", c.fail(MsgServerUnreachable, err)
	}

	product, ok := c.products[productKey]
	if !ok {
		return "", c.fail(MsgInvalidProduct, nil)
	}

	s, err := c.gw.GetSession(ctx)
	if err != nil || s == nil {
		return "", c.fail(MsgCheckoutAuth, err)
	}

	url, err := c.endpoint.CreateSession(ctx, s.AccessToken, CheckoutRequest{
		PriceID:    product.PriceID,
		SuccessURL: c.successURL,
		CancelURL:  c.cancelURL,
		Mode:       product.Mode,
	})
	if err != nil {
		return "", c.fail(Message(err), err)
	}
	if url == "" {
		return "", c.fail(MsgNoCheckoutURL, nil)
	}

	c.logger.Info("checkout session created", "product", productKey)
	return url, nil
}

// LastError returns the message of the most recent failure, or "".
func (c *Checkout) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Checkout) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

func (c *Checkout) fail(msg string, err error) error {
	c.setError(msg)
	c.logger.Error("checkout failed", "error", msg)
	return newError(KindCheckoutFailed, msg, err)
}
