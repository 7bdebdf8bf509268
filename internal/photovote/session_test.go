package photovote_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"photovote/internal/gateway"
	"photovote/internal/photovote"
	"photovote/internal/testutil"
)

func startSessionManager(t *testing.T, gw photovote.Gateway, clock clockwork.Clock) *photovote.SessionManager {
	t.Helper()
	m := photovote.NewSessionManager(gw, clock, photovote.NewNopLogger())
	if !m.Loading() {
		t.Error("Loading() = false before Start()")
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m
}

func TestSessionManager_Start(t *testing.T) {
	t.Run("signed out", func(t *testing.T) {
		m := startSessionManager(t, testutil.NewTestGateway(testutil.FixedClock()), testutil.FixedClock())
		if m.Session() != nil {
			t.Errorf("Session() = %+v, want nil", m.Session())
		}
		if m.Loading() {
			t.Error("Loading() = true after Start()")
		}
	})

	t.Run("existing session", func(t *testing.T) {
		gw, sess := testutil.SignedInGateway(t, testutil.FixedClock())
		m := startSessionManager(t, gw, testutil.FixedClock())
		if got := m.Session(); got == nil || got.User.ID != sess.User.ID {
			t.Errorf("Session() = %+v, want %s", got, sess.User.ID)
		}
	})

	t.Run("load failure", func(t *testing.T) {
		gw := testutil.NewTestGateway(testutil.FixedClock())
		gw.Fail(gateway.OpGetSession, errors.New("boom"))
		m := photovote.NewSessionManager(gw, testutil.FixedClock(), photovote.NewNopLogger())
		if err := m.Start(context.Background()); err == nil {
			t.Error("Start() expected error")
		}
		defer m.Close()
		if m.Loading() {
			t.Error("Loading() = true after failed Start()")
		}
	})
}

func TestSessionManager_SignInOut(t *testing.T) {
	gw := testutil.NewTestGateway(testutil.FixedClock())
	gw.CreateUser(testutil.TestEmail, testutil.TestPassword)
	m := startSessionManager(t, gw, testutil.FixedClock())
	ctx := context.Background()

	if err := m.SignIn(ctx, testutil.TestEmail, testutil.TestPassword); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	testutil.Eventually(t, "session from SIGNED_IN", func() bool { return m.Session() != nil })

	if err := m.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	testutil.Eventually(t, "session cleared by SIGNED_OUT", func() bool { return m.Session() == nil })
}

func TestSessionManager_SignIn_BadCredentials(t *testing.T) {
	gw := testutil.NewTestGateway(testutil.FixedClock())
	gw.CreateUser(testutil.TestEmail, testutil.TestPassword)
	m := startSessionManager(t, gw, testutil.FixedClock())

	err := m.SignIn(context.Background(), testutil.TestEmail, "wrong")
	if !errors.Is(err, photovote.ErrAuthenticationFailed) {
		t.Fatalf("SignIn() error = %v, want ErrAuthenticationFailed", err)
	}
	if m.LastError() != "Invalid login credentials" {
		t.Errorf("LastError() = %q, want backend message", m.LastError())
	}
	if m.Session() != nil {
		t.Error("Session() set after failed SignIn()")
	}
}

func TestSessionManager_SignUp(t *testing.T) {
	gw := testutil.NewTestGateway(testutil.FixedClock())
	m := startSessionManager(t, gw, testutil.FixedClock())

	if err := m.SignUp(context.Background(), "new@example.com", "secret123"); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if !m.JustSignedUp() {
		t.Error("JustSignedUp() = false after SignUp()")
	}
	testutil.Eventually(t, "signed in after sign up", func() bool {
		s := m.Session()
		return s != nil && s.User.Email == "new@example.com"
	})

	err := m.SignUp(context.Background(), "new@example.com", "secret123")
	if !errors.Is(err, photovote.ErrAuthenticationFailed) || m.LastError() != "User already registered" {
		t.Errorf("duplicate SignUp() error = %v, LastError() = %q", err, m.LastError())
	}
	if m.JustSignedUp() {
		t.Error("JustSignedUp() = true after failed SignUp()")
	}
}

// unconfirmedSignUp answers sign-ups without a user, as a backend requiring
// email confirmation does.
type unconfirmedSignUp struct {
	photovote.Gateway
}

func (unconfirmedSignUp) SignUp(context.Context, photovote.Credentials) (*photovote.User, error) {
	return nil, nil
}

func TestSessionManager_SignUp_NoUser(t *testing.T) {
	gw := testutil.NewTestGateway(testutil.FixedClock())
	m := startSessionManager(t, unconfirmedSignUp{Gateway: gw}, testutil.FixedClock())

	if err := m.SignUp(context.Background(), "new@example.com", "secret123"); err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if m.JustSignedUp() {
		t.Error("JustSignedUp() = true without a created user")
	}
	if m.Session() != nil {
		t.Error("Session() set although no sign-in happened")
	}
}

func TestSessionManager_SignUpCooldown(t *testing.T) {
	clock := testutil.FixedClock()
	gw := testutil.NewTestGateway(clock)
	gw.Fail(gateway.OpSignUp, &gateway.APIError{Status: http.StatusTooManyRequests, Message: "Too many requests"})
	m := startSessionManager(t, gw, clock)
	ctx := context.Background()

	err := m.SignUp(ctx, "new@example.com", "secret123")
	var pe *photovote.Error
	if !errors.As(err, &pe) || pe.Kind != photovote.KindCooldownActive {
		t.Fatalf("SignUp() error = %v, want CooldownActive", err)
	}
	if pe.Remaining != 40 || pe.Message != "Please wait 40 seconds before trying again" {
		t.Errorf("error = %d %q", pe.Remaining, pe.Message)
	}

	steps := []struct {
		advance time.Duration
		want    int
	}{
		{0, 40},
		{time.Second, 39},
		{500 * time.Millisecond, 39},
		{500 * time.Millisecond, 38},
		{37 * time.Second, 1},
		{time.Second, 0},
	}
	for _, st := range steps {
		clock.Advance(st.advance)
		if got := m.Cooldown(); got != st.want {
			t.Errorf("Cooldown() after +%v = %d, want %d", st.advance, got, st.want)
		}
	}

	gw.Fail(gateway.OpSignUp, nil)
	if err := m.SignUp(ctx, "new@example.com", "secret123"); err != nil {
		t.Errorf("SignUp() after cooldown error = %v", err)
	}
}

func TestSessionManager_CooldownBlocksBackend(t *testing.T) {
	clock := testutil.FixedClock()
	gw := testutil.NewTestGateway(clock)
	gw.Fail(gateway.OpSignUp, &gateway.APIError{Status: http.StatusTooManyRequests, Message: "Too many requests"})
	m := startSessionManager(t, gw, clock)
	ctx := context.Background()

	m.SignUp(ctx, "new@example.com", "secret123")
	gw.Fail(gateway.OpSignUp, nil)
	clock.Advance(10 * time.Second)

	err := m.SignUp(ctx, "new@example.com", "secret123")
	var pe *photovote.Error
	if !errors.As(err, &pe) || pe.Kind != photovote.KindCooldownActive || pe.Remaining != 30 {
		t.Fatalf("SignUp() during cooldown error = %v, want 30 seconds remaining", err)
	}
	if m.LastError() != "Please wait 30 seconds before trying again" {
		t.Errorf("LastError() = %q", m.LastError())
	}
	if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "new@example.com", Password: "secret123"}); err == nil {
		t.Error("account was created during cooldown")
	}
}

func TestSessionManager_WatchCooldown(t *testing.T) {
	clock := testutil.FixedClock()
	gw := testutil.NewTestGateway(clock)
	gw.Fail(gateway.OpSignUp, &gateway.APIError{Status: http.StatusTooManyRequests, Message: "Too many requests"})
	m := startSessionManager(t, gw, clock)
	m.SignUp(context.Background(), "new@example.com", "secret123")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ticks := m.WatchCooldown(ctx)

	for want := 40; want >= 0; want-- {
		select {
		case got, ok := <-ticks:
			if !ok {
				t.Fatalf("channel closed before %d", want)
			}
			if got != want {
				t.Fatalf("tick = %d, want %d", got, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %d", want)
		}
		if want > 0 {
			clock.Advance(time.Second)
		}
	}
	if _, ok := <-ticks; ok {
		t.Error("channel still open after reaching zero")
	}
}
