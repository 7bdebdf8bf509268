package photovote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SignUpCooldown is how long sign-up is refused after the backend rate-limits it.
const SignUpCooldown = 40 * time.Second

// SessionManager owns the authenticated-session handle. The session is only
// ever set from auth state notifications, which makes them the single source
// of truth for whether a user is signed in.
type SessionManager struct {
	gw     Gateway
	clock  clockwork.Clock
	logger Logger

	mu            sync.Mutex
	session       *Session
	loading       bool
	lastErr       string
	justSignedUp  bool
	cooldownUntil time.Time
	sub           AuthSubscription
	onChange      func(*Session)
}

// NewSessionManager creates a manager in the loading, signed-out state.
func NewSessionManager(gw Gateway, clock clockwork.Clock, logger Logger) *SessionManager {
	return &SessionManager{
		gw:      gw,
		clock:   clock,
		logger:  logger,
		loading: true,
	}
}

// SetOnChange registers fn to be called with every mirrored session.
func (m *SessionManager) SetOnChange(fn func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Start subscribes to auth state changes and loads the current session.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.sub != nil {
		m.mu.Unlock()
		return errors.New("session manager already started")
	}
	m.sub = m.gw.OnAuthStateChange()
	m.mu.Unlock()

	s, err := m.gw.GetSession(ctx)
	m.mu.Lock()
	m.loading = false
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("loading session: %w", err)
	}
	m.setSession(s)
	return nil
}

// Run mirrors auth state notifications until ctx is done or the
// subscription ends.
func (m *SessionManager) Run(ctx context.Context) error {
	m.mu.Lock()
	sub := m.sub
	m.mu.Unlock()
	if sub == nil {
		return errors.New("session manager not started")
	}
	defer m.Close()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.logger.Debug("auth state changed", "event", ev.Type)
			m.setSession(ev.Session)
		}
	}
}

// Close ends the auth state subscription.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sub := m.sub
	m.sub = nil
	m.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

func (m *SessionManager) setSession(s *Session) {
	m.mu.Lock()
	m.session = s
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// Session returns the mirrored session, or nil when signed out.
func (m *SessionManager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Loading reports whether the initial session has not been loaded yet.
func (m *SessionManager) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

// LastError returns the message of the most recent failure, or "".
func (m *SessionManager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// JustSignedUp reports whether the last SignUp created an account.
func (m *SessionManager) JustSignedUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.justSignedUp
}

// Cooldown returns the whole seconds left before sign-up is allowed again.
func (m *SessionManager) Cooldown() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownLocked()
}

func (m *SessionManager) cooldownLocked() int {
	d := m.cooldownUntil.Sub(m.clock.Now())
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

// WatchCooldown emits the remaining cooldown now and then once per second
// until it reaches zero. The channel is closed afterwards or when ctx is done.
func (m *SessionManager) WatchCooldown(ctx context.Context) <-chan int {
	out := make(chan int, 1)
	go func() {
		defer close(out)
		ticker := m.clock.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			rem := m.Cooldown()
			select {
			case out <- rem:
			case <-ctx.Done():
				return
			}
			if rem == 0 {
				return
			}
			select {
			case <-ticker.Chan():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// SignUp creates an account and signs in with the same credentials.
func (m *SessionManager) SignUp(ctx context.Context, email, password string) error {
	m.mu.Lock()
	m.lastErr = ""
	m.justSignedUp = false
	if rem := m.cooldownLocked(); rem > 0 {
		e := cooldownError(rem)
		m.lastErr = e.Message
		m.mu.Unlock()
		return e
	}
	m.mu.Unlock()

	user, err := m.gw.SignUp(ctx, Credentials{Email: email, Password: password})
	if err != nil {
		if errors.Is(err, ErrRateLimited) {
			m.mu.Lock()
			m.cooldownUntil = m.clock.Now().Add(SignUpCooldown)
			e := cooldownError(int(SignUpCooldown / time.Second))
			m.lastErr = e.Message
			m.mu.Unlock()
			m.logger.Warn("sign up rate limited", "cooldown", SignUpCooldown)
			return e
		}
		return m.fail(err)
	}
	if user == nil {
		return nil
	}

	m.mu.Lock()
	m.justSignedUp = true
	m.mu.Unlock()
	m.logger.Info("signed up", "user_id", user.ID)

	return m.SignIn(ctx, email, password)
}

// SignIn checks credentials with the backend. The session is populated by
// the resulting auth state notification.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) error {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()

	if _, err := m.gw.SignIn(ctx, Credentials{Email: email, Password: password}); err != nil {
		return m.fail(err)
	}
	return nil
}

// SignOut ends the session with the backend. The session is cleared by the
// resulting auth state notification.
func (m *SessionManager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	m.lastErr = ""
	m.mu.Unlock()

	if err := m.gw.SignOut(ctx); err != nil {
		return m.fail(err)
	}
	return nil
}

func (m *SessionManager) fail(err error) error {
	e := newError(KindAuthenticationFailed, Message(err), err)
	m.mu.Lock()
	m.lastErr = e.Message
	m.mu.Unlock()
	return e
}
