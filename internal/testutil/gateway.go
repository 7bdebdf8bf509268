package testutil

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"

	"photovote/internal/gateway"
	"photovote/internal/photovote"
)

// Test account used by SignedInGateway.
const (
	TestEmail    = "ann@example.com"
	TestPassword = "secret123"
)

// NewTestGateway creates an in-memory backend seeded with the eight demo
// photos and no users.
func NewTestGateway(clock clockwork.Clock) *gateway.MemoryGateway {
	gw := gateway.NewMemoryGateway(clock, NewStubIDGenerator(), photovote.NewNopLogger())
	gw.SeedDemo()
	return gw
}

// SignedInGateway returns a seeded backend with TestEmail signed in.
func SignedInGateway(t *testing.T, clock clockwork.Clock) (*gateway.MemoryGateway, *photovote.Session) {
	t.Helper()
	gw := NewTestGateway(clock)
	gw.CreateUser(TestEmail, TestPassword)
	s, err := gw.SignIn(context.Background(), photovote.Credentials{Email: TestEmail, Password: TestPassword})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	return gw, s
}

// CastVotes records votes for photoIDs directly in the backend.
func CastVotes(t *testing.T, gw *gateway.MemoryGateway, userID string, photoIDs ...string) {
	t.Helper()
	for _, id := range photoIDs {
		err := gw.Call(context.Background(), photovote.ProcAddVote, map[string]any{"photo_id": id, "user_id": userID})
		if err != nil {
			t.Fatalf("add_vote(%s) error = %v", id, err)
		}
	}
}
