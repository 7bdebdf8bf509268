package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"photovote/internal/httpclient"
	"photovote/internal/photovote"
)

// CheckoutPath is the backend function that creates payment sessions.
const CheckoutPath = "/functions/v1/stripe-checkout"

// CheckoutClient calls the backend's payment session function.
type CheckoutClient struct {
	client *httpclient.BaseClient
}

var _ photovote.CheckoutEndpoint = (*CheckoutClient)(nil)

func NewCheckoutClient(baseURL, anonKey string) *CheckoutClient {
	client := httpclient.NewBaseClient(baseURL)
	client.SetHeader("apikey", anonKey)
	return &CheckoutClient{client: client}
}

type checkoutResponse struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// CreateSession returns the payment page URL. Failures are *photovote.Error
// values carrying the function's error field, or the HTTP status when there
// is none.
func (c *CheckoutClient) CreateSession(ctx context.Context, accessToken string, req photovote.CheckoutRequest) (string, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	var resp checkoutResponse
	err := c.client.DoJSON(ctx, http.MethodPost, CheckoutPath, req, &resp, header)
	if err != nil {
		var se *httpclient.StatusError
		if !errors.As(err, &se) {
			return "", fmt.Errorf("creating checkout session: %w", err)
		}
		var body checkoutResponse
		if json.Unmarshal(se.Body, &body) == nil && body.Error != "" {
			return "", checkoutError(body.Error, err)
		}
		msg := fmt.Sprintf("Server error: %d - %s", se.StatusCode, http.StatusText(se.StatusCode))
		return "", checkoutError(msg, err)
	}
	if resp.Error != "" {
		return "", checkoutError(resp.Error, nil)
	}
	return resp.URL, nil
}

func checkoutError(msg string, err error) *photovote.Error {
	return &photovote.Error{Kind: photovote.KindCheckoutFailed, Message: msg, Err: err}
}

// MemoryCheckout is an in-process payment endpoint for tests and offline
// mode. It records requests and answers with URL, or Err when set.
type MemoryCheckout struct {
	mu       sync.Mutex
	URL      string
	Err      error
	requests []photovote.CheckoutRequest
	tokens   []string
}

var _ photovote.CheckoutEndpoint = (*MemoryCheckout)(nil)

func NewMemoryCheckout(url string) *MemoryCheckout {
	return &MemoryCheckout{URL: url}
}

func (m *MemoryCheckout) CreateSession(_ context.Context, accessToken string, req photovote.CheckoutRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	m.tokens = append(m.tokens, accessToken)
	if m.Err != nil {
		return "", m.Err
	}
	return m.URL, nil
}

// Requests returns the requests received so far.
func (m *MemoryCheckout) Requests() []photovote.CheckoutRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]photovote.CheckoutRequest(nil), m.requests...)
}

// Tokens returns the access tokens received so far.
func (m *MemoryCheckout) Tokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokens...)
}
