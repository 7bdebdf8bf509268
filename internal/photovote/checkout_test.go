package photovote_test

import (
	"context"
	"errors"
	"testing"

	"photovote/internal/gateway"
	"photovote/internal/photovote"
	"photovote/internal/testutil"
)

var testProducts = []photovote.Product{
	{Key: "pro", Name: "Pro", PriceID: "price_pro", Mode: "subscription"},
}

const (
	testSuccessURL = "https://app.example/profile?checkout=success"
	testCancelURL  = "https://app.example/profile?checkout=canceled"
)

func TestCheckout_CreateSession(t *testing.T) {
	gw, sess := testutil.SignedInGateway(t, testutil.FixedClock())
	endpoint := gateway.NewMemoryCheckout("https://pay.example/session/1")
	c := photovote.NewCheckout(gw, endpoint, testProducts, testSuccessURL, testCancelURL, photovote.NewNopLogger())

	url, err := c.CreateSession(context.Background(), "pro")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if url != "https://pay.example/session/1" {
		t.Errorf("CreateSession() = %q", url)
	}

	reqs := endpoint.Requests()
	if len(reqs) != 1 {
		t.Fatalf("len(Requests()) = %d, want 1", len(reqs))
	}
	want := photovote.CheckoutRequest{PriceID: "price_pro", SuccessURL: testSuccessURL, CancelURL: testCancelURL, Mode: "subscription"}
	if reqs[0] != want {
		t.Errorf("request = %+v, want %+v", reqs[0], want)
	}
	if tokens := endpoint.Tokens(); len(tokens) != 1 || tokens[0] != sess.AccessToken {
		t.Errorf("Tokens() = %v, want [%s]", tokens, sess.AccessToken)
	}
	if c.LastError() != "" {
		t.Errorf("LastError() = %q, want empty", c.LastError())
	}
}

func TestCheckout_CreateSession_Failures(t *testing.T) {
	tests := []struct {
		name     string
		product  string
		signedIn bool
		setup    func(gw *gateway.MemoryGateway, ep *gateway.MemoryCheckout, reach *testutil.SwitchReachability)
		wantMsg  string
	}{
		{
			name:     "offline",
			product:  "pro",
			signedIn: true,
			setup: func(_ *gateway.MemoryGateway, _ *gateway.MemoryCheckout, reach *testutil.SwitchReachability) {
				reach.SetOnline(false)
			},
			wantMsg: photovote.MsgNetworkUnavailable,
		},
		{
			name:     "session probe fails",
			product:  "pro",
			signedIn: true,
			setup: func(gw *gateway.MemoryGateway, _ *gateway.MemoryCheckout, _ *testutil.SwitchReachability) {
				gw.Fail(gateway.OpGetSession, errors.New("connection refused"))
			},
			wantMsg: photovote.MsgServerUnreachable,
		},
		{
			name:     "unknown product",
			product:  "gold",
			signedIn: true,
			wantMsg:  photovote.MsgInvalidProduct,
		},
		{
			name:    "signed out",
			product: "pro",
			wantMsg: photovote.MsgCheckoutAuth,
		},
		{
			name:     "endpoint error",
			product:  "pro",
			signedIn: true,
			setup: func(_ *gateway.MemoryGateway, ep *gateway.MemoryCheckout, _ *testutil.SwitchReachability) {
				ep.Err = errors.New("No such price: 'price_pro'")
			},
			wantMsg: "No such price: 'price_pro'",
		},
		{
			name:     "empty url",
			product:  "pro",
			signedIn: true,
			setup: func(_ *gateway.MemoryGateway, ep *gateway.MemoryCheckout, _ *testutil.SwitchReachability) {
				ep.URL = ""
			},
			wantMsg: photovote.MsgNoCheckoutURL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gw *gateway.MemoryGateway
			if tt.signedIn {
				gw, _ = testutil.SignedInGateway(t, testutil.FixedClock())
			} else {
				gw = testutil.NewTestGateway(testutil.FixedClock())
			}
			ep := gateway.NewMemoryCheckout("https://pay.example/session/1")
			reach := &testutil.SwitchReachability{}
			if tt.setup != nil {
				tt.setup(gw, ep, reach)
			}
			c := photovote.NewCheckout(gw, ep, testProducts, testSuccessURL, testCancelURL, photovote.NewNopLogger())
			c.SetReachability(reach)

			url, err := c.CreateSession(context.Background(), tt.product)
			if url != "" {
				t.Errorf("CreateSession() url = %q, want empty", url)
			}
			var pe *photovote.Error
			if !errors.As(err, &pe) || pe.Kind != photovote.KindCheckoutFailed {
				t.Fatalf("CreateSession() error = %v, want CheckoutFailed", err)
			}
			if pe.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", pe.Message, tt.wantMsg)
			}
			if c.LastError() != tt.wantMsg {
				t.Errorf("LastError() = %q, want %q", c.LastError(), tt.wantMsg)
			}
		})
	}
}

func TestCheckout_Product(t *testing.T) {
	c := photovote.NewCheckout(nil, nil, testProducts, "", "", photovote.NewNopLogger())
	if p, ok := c.Product("pro"); !ok || p.PriceID != "price_pro" {
		t.Errorf("Product(pro) = %+v, %v", p, ok)
	}
	if _, ok := c.Product("gold"); ok {
		t.Error("Product(gold) found, want missing")
	}
}
