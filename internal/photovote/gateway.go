package photovote

import (
	"context"
	"time"
)

// Table and procedure names on the backend.
const (
	TablePhotos        = "photos"
	TableUserVotes     = "user_votes"
	TableSubscriptions = "stripe_user_subscriptions"

	ProcAddVote    = "add_vote"
	ProcRemoveVote = "remove_vote"
)

// User identifies an authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is the credential of an authenticated user.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Credentials carries an email/password pair.
type Credentials struct {
	Email    string
	Password string
}

// Filter restricts a table query. Eq holds column equality constraints,
// Limit of zero means no limit.
type Filter struct {
	Columns string
	Eq      map[string]string
	Limit   int
}

// EventMask selects which row change events a subscription receives.
type EventMask uint8

const (
	EventInsert EventMask = 1 << iota
	EventUpdate
	EventDelete

	EventAll = EventInsert | EventUpdate | EventDelete
)

// Has reports whether m includes e.
func (m EventMask) Has(e EventMask) bool { return m&e != 0 }

// String returns the wire name used by realtime transports.
func (m EventMask) String() string {
	switch m {
	case EventInsert:
		return "INSERT"
	case EventUpdate:
		return "UPDATE"
	case EventDelete:
		return "DELETE"
	case EventAll:
		return "*"
	default:
		return "*"
	}
}

// ParseEventType maps a wire event name to its mask bit.
func ParseEventType(s string) EventMask {
	switch s {
	case "INSERT":
		return EventInsert
	case "UPDATE":
		return EventUpdate
	case "DELETE":
		return EventDelete
	default:
		return 0
	}
}

// Change is a push notification about a row change.
type Change struct {
	Table string
	Event EventMask
}

// Subscription delivers row change notifications until Unsubscribe is called.
type Subscription interface {
	Changes() <-chan Change
	Unsubscribe() error
}

// AuthEventType names an authentication state transition.
type AuthEventType string

const (
	AuthInitialSession AuthEventType = "INITIAL_SESSION"
	AuthSignedIn       AuthEventType = "SIGNED_IN"
	AuthSignedOut      AuthEventType = "SIGNED_OUT"
	AuthTokenRefreshed AuthEventType = "TOKEN_REFRESHED"
)

// AuthEvent carries the session after an auth state transition.
// Session is nil when the user is signed out.
type AuthEvent struct {
	Type    AuthEventType
	Session *Session
}

// AuthSubscription delivers auth state changes until Unsubscribe is called.
type AuthSubscription interface {
	Events() <-chan AuthEvent
	Unsubscribe()
}

// Gateway is the binding to the hosted backend. Implementations must be
// safe for concurrent use.
type Gateway interface {
	GetSession(ctx context.Context) (*Session, error)
	GetUser(ctx context.Context) (*User, error)

	SignUp(ctx context.Context, creds Credentials) (*User, error)
	SignIn(ctx context.Context, creds Credentials) (*Session, error)
	SignOut(ctx context.Context) error

	// Query decodes the rows of table matching filter into dest, which must
	// be a pointer to a slice.
	Query(ctx context.Context, table string, filter Filter, dest any) error
	Call(ctx context.Context, procedure string, args map[string]any) error

	Subscribe(ctx context.Context, table string, mask EventMask) (Subscription, error)
	OnAuthStateChange() AuthSubscription
}

// Reachability reports whether the network is usable.
type Reachability interface {
	Online(ctx context.Context) bool
}

// AlwaysOnline is a Reachability that never reports an outage.
type AlwaysOnline struct{}

func (AlwaysOnline) Online(context.Context) bool { return true }

// FeedSource yields the supplementary description feed.
type FeedSource interface {
	Items(ctx context.Context) ([]FeedItem, error)
}

// Feedback emits a tactile or audible signal. Failures are ignored.
type Feedback interface {
	Impact()
}

// NopFeedback discards feedback signals.
type NopFeedback struct{}

func (NopFeedback) Impact() {}

// Navigator routes the user to another screen.
type Navigator interface {
	Navigate(route string)
}

// SessionStore persists the session between process runs.
type SessionStore interface {
	// Load returns nil when no session has been saved.
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}
