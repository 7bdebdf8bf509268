package photovote

import (
	"errors"
	"fmt"
)

// ErrorKind classifies user-facing failures.
type ErrorKind string

const (
	KindNetworkUnavailable   ErrorKind = "NetworkUnavailable"
	KindBackendUnreachable   ErrorKind = "BackendUnreachable"
	KindRefreshFailed        ErrorKind = "RefreshFailed"
	KindAuthRequired         ErrorKind = "AuthRequired"
	KindVoteLimitExceeded    ErrorKind = "VoteLimitExceeded"
	KindVoteRemovalFailed    ErrorKind = "VoteRemovalFailed"
	KindVoteAdditionFailed   ErrorKind = "VoteAdditionFailed"
	KindCooldownActive       ErrorKind = "CooldownActive"
	KindAuthenticationFailed ErrorKind = "AuthenticationFailed"
	KindCheckoutFailed       ErrorKind = "CheckoutFailed"
)

// User-facing messages.
const (
	MsgNetworkUnavailable = "No internet connection. Please check your network and try again."
	MsgBackendUnreachable = "Unable to connect to the database. Please try again later."
	MsgVoteLimitExceeded  = "To vote for this photo, please remove your vote from another photo first."
	MsgServerUnreachable  = "Unable to connect to the server. Please try again later."
	MsgInvalidProduct     = "Invalid product"
	MsgCheckoutAuth       = "Authentication required. Please sign in and try again."
	MsgNoCheckoutURL      = "No checkout URL received"
	MsgAuthRequired       = "Sign in to vote"
)

// Error is a classified failure carrying the message shown to the user.
type Error struct {
	Kind    ErrorKind
	Message string
	// Remaining is the cooldown left in seconds for KindCooldownActive.
	Remaining int
	Err       error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNetworkUnavailable   = &Error{Kind: KindNetworkUnavailable, Message: MsgNetworkUnavailable}
	ErrBackendUnreachable   = &Error{Kind: KindBackendUnreachable, Message: MsgBackendUnreachable}
	ErrRefreshFailed        = &Error{Kind: KindRefreshFailed, Message: "refresh failed"}
	ErrAuthRequired         = &Error{Kind: KindAuthRequired, Message: MsgAuthRequired}
	ErrVoteLimitExceeded    = &Error{Kind: KindVoteLimitExceeded, Message: MsgVoteLimitExceeded}
	ErrVoteRemovalFailed    = &Error{Kind: KindVoteRemovalFailed, Message: "Failed to remove vote"}
	ErrVoteAdditionFailed   = &Error{Kind: KindVoteAdditionFailed, Message: "Failed to add vote"}
	ErrCooldownActive       = &Error{Kind: KindCooldownActive, Message: "cooldown active"}
	ErrAuthenticationFailed = &Error{Kind: KindAuthenticationFailed, Message: "authentication failed"}
	ErrCheckoutFailed       = &Error{Kind: KindCheckoutFailed, Message: "checkout failed"}
)

// ErrRateLimited is returned by gateways when the backend answers with a
// rate-limit response.
var ErrRateLimited = errors.New("rate limited")

// ErrFeedMalformed marks a feed that was fetched but could not be parsed.
// Refresh treats it as a feed without items.
var ErrFeedMalformed = errors.New("malformed feed")

// ErrChangeFeedClosed is returned by Run when every row change subscription
// has ended, usually because the realtime connection dropped.
var ErrChangeFeedClosed = errors.New("change feed closed")

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

func cooldownError(remaining int) *Error {
	return &Error{
		Kind:      KindCooldownActive,
		Message:   fmt.Sprintf("Please wait %d seconds before trying again", remaining),
		Remaining: remaining,
	}
}

// Message returns the user-facing text of err.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
