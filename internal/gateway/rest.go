package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"photovote/internal/httpclient"
	"photovote/internal/photovote"
)

// ChangeFeed is a realtime transport delivering row change notifications.
type ChangeFeed interface {
	Subscribe(ctx context.Context, table string, mask photovote.EventMask) (photovote.Subscription, error)
}

// RESTGateway talks to the hosted backend over its HTTP API. The session is
// held in memory, persisted through a SessionStore and refreshed with the
// refresh token when the access token has expired.
type RESTGateway struct {
	client  *httpclient.BaseClient
	anonKey string
	store   photovote.SessionStore
	changes ChangeFeed
	hub     *Hub
	clock   clockwork.Clock
	logger  photovote.Logger

	mu      sync.Mutex
	session *photovote.Session
	loaded  bool

	// refreshMu serializes token refreshes; a refresh token is single use.
	refreshMu sync.Mutex
}

var _ photovote.Gateway = (*RESTGateway)(nil)

// NewRESTGateway creates a gateway for the backend at baseURL. changes may be
// nil, in which case subscriptions never deliver.
func NewRESTGateway(baseURL, anonKey string, store photovote.SessionStore, changes ChangeFeed, clock clockwork.Clock, logger photovote.Logger) *RESTGateway {
	client := httpclient.NewBaseClient(baseURL)
	client.SetHeader("apikey", anonKey)
	return &RESTGateway{
		client:  client,
		anonKey: anonKey,
		store:   store,
		changes: changes,
		hub:     NewHub(logger),
		clock:   clock,
		logger:  logger,
	}
}

// SetTimeout sets the per-request timeout.
func (g *RESTGateway) SetTimeout(d time.Duration) { g.client.SetTimeout(d) }

// AccessToken returns the current access token, or the anon key when signed out.
func (g *RESTGateway) AccessToken() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		return g.session.AccessToken
	}
	return g.anonKey
}

type tokenResponse struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresIn    int64           `json:"expires_in"`
	ExpiresAt    int64           `json:"expires_at"`
	User         *photovote.User `json:"user"`
}

func (t *tokenResponse) session(now time.Time) *photovote.Session {
	s := &photovote.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
	}
	if t.User != nil {
		s.User = *t.User
	}
	switch {
	case t.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	return s
}

// GetSession returns the current session, loading it from the store on first
// use and refreshing it when expired.
func (g *RESTGateway) GetSession(ctx context.Context) (*photovote.Session, error) {
	s, err := g.current()
	if err != nil {
		return nil, err
	}
	if s == nil || !s.Expired(g.clock.Now()) {
		return s, nil
	}
	return g.refresh(ctx)
}

// current returns the held session without refreshing it.
func (g *RESTGateway) current() (*photovote.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.loaded {
		s, err := g.store.Load()
		if err != nil {
			return nil, fmt.Errorf("loading stored session: %w", err)
		}
		g.session = s
		g.loaded = true
	}
	return g.session, nil
}

// refresh exchanges the refresh token for a new session. Only a rejected
// refresh token signs the user out.
func (g *RESTGateway) refresh(ctx context.Context) (*photovote.Session, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	// Another caller may have refreshed or signed out while we waited.
	old, err := g.current()
	if err != nil {
		return nil, err
	}
	if old == nil || !old.Expired(g.clock.Now()) {
		return old, nil
	}

	var tok tokenResponse
	err = g.client.DoJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=refresh_token",
		map[string]string{"refresh_token": old.RefreshToken}, &tok, nil)
	if err != nil {
		err = apiError(err)
		g.logger.Warn("token refresh failed", "error", err)
		if revokedRefreshToken(err) {
			g.setSession(nil, photovote.AuthSignedOut)
			return nil, nil
		}
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	s := tok.session(g.clock.Now())
	if s.User.ID == "" {
		s.User = old.User
	}
	g.setSession(s, photovote.AuthTokenRefreshed)
	return s, nil
}

// revokedRefreshToken reports whether the backend rejected the refresh token
// itself. Server errors, rate limits and timeouts keep the session.
func revokedRefreshToken(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusBadRequest || apiErr.Status == http.StatusUnauthorized
}

func (g *RESTGateway) setSession(s *photovote.Session, event photovote.AuthEventType) {
	g.mu.Lock()
	g.session = s
	g.loaded = true
	g.mu.Unlock()

	var err error
	if s == nil {
		err = g.store.Clear()
	} else {
		err = g.store.Save(s)
	}
	if err != nil {
		g.logger.Warn("persisting session", "error", err)
	}
	g.hub.Publish(photovote.AuthEvent{Type: event, Session: s})
}

func (g *RESTGateway) authHeader(ctx context.Context) (http.Header, error) {
	s, err := g.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	token := g.anonKey
	if s != nil {
		token = s.AccessToken
	}
	return http.Header{"Authorization": {"Bearer " + token}}, nil
}

// GetUser asks the backend who the current session belongs to. It returns
// nil without a session.
func (g *RESTGateway) GetUser(ctx context.Context) (*photovote.User, error) {
	s, err := g.GetSession(ctx)
	if err != nil || s == nil {
		return nil, err
	}
	var u photovote.User
	h := http.Header{"Authorization": {"Bearer " + s.AccessToken}}
	if err := g.client.DoJSON(ctx, http.MethodGet, "/auth/v1/user", nil, &u, h); err != nil {
		return nil, apiError(err)
	}
	return &u, nil
}

type signUpResponse struct {
	photovote.User
	Nested *photovote.User `json:"user"`
}

// SignUp registers an account. It does not establish a session.
func (g *RESTGateway) SignUp(ctx context.Context, creds photovote.Credentials) (*photovote.User, error) {
	var resp signUpResponse
	body := map[string]string{"email": creds.Email, "password": creds.Password}
	if err := g.client.DoJSON(ctx, http.MethodPost, "/auth/v1/signup", body, &resp, nil); err != nil {
		return nil, apiError(err)
	}
	if resp.Nested != nil {
		return resp.Nested, nil
	}
	if resp.ID == "" {
		return nil, nil
	}
	return &resp.User, nil
}

// SignIn exchanges credentials for a session and publishes SIGNED_IN.
func (g *RESTGateway) SignIn(ctx context.Context, creds photovote.Credentials) (*photovote.Session, error) {
	var tok tokenResponse
	body := map[string]string{"email": creds.Email, "password": creds.Password}
	if err := g.client.DoJSON(ctx, http.MethodPost, "/auth/v1/token?grant_type=password", body, &tok, nil); err != nil {
		return nil, apiError(err)
	}
	s := tok.session(g.clock.Now())
	g.setSession(s, photovote.AuthSignedIn)
	g.logger.Info("signed in", "user_id", s.User.ID)
	return s, nil
}

// SignOut revokes the session and publishes SIGNED_OUT.
func (g *RESTGateway) SignOut(ctx context.Context) error {
	s, err := g.current()
	if err != nil {
		g.logger.Warn("reading session before sign out", "error", err)
	}
	if s != nil {
		h := http.Header{"Authorization": {"Bearer " + s.AccessToken}}
		if _, err := g.client.MakeRequest(ctx, http.MethodPost, "/auth/v1/logout", nil, h); err != nil {
			return apiError(err)
		}
	}
	g.setSession(nil, photovote.AuthSignedOut)
	return nil
}

// queryPath builds the REST path for a filtered select.
func queryPath(table string, f photovote.Filter) string {
	q := url.Values{}
	cols := f.Columns
	if cols == "" {
		cols = "*"
	}
	q.Set("select", cols)
	keys := make([]string, 0, len(f.Eq))
	for k := range f.Eq {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		q.Set(k, "eq."+f.Eq[k])
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	return "/rest/v1/" + url.PathEscape(table) + "?" + q.Encode()
}

// Query selects rows of table into dest.
func (g *RESTGateway) Query(ctx context.Context, table string, filter photovote.Filter, dest any) error {
	h, err := g.authHeader(ctx)
	if err != nil {
		return err
	}
	if err := g.client.DoJSON(ctx, http.MethodGet, queryPath(table, filter), nil, dest, h); err != nil {
		return apiError(err)
	}
	return nil
}

// Call invokes a remote procedure.
func (g *RESTGateway) Call(ctx context.Context, procedure string, args map[string]any) error {
	h, err := g.authHeader(ctx)
	if err != nil {
		return err
	}
	if err := g.client.DoJSON(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(procedure), args, nil, h); err != nil {
		return apiError(err)
	}
	return nil
}

// Subscribe delegates to the realtime transport.
func (g *RESTGateway) Subscribe(ctx context.Context, table string, mask photovote.EventMask) (photovote.Subscription, error) {
	if g.changes == nil {
		return newIdleSubscription(), nil
	}
	return g.changes.Subscribe(ctx, table, mask)
}

func (g *RESTGateway) OnAuthStateChange() photovote.AuthSubscription {
	return g.hub.Subscribe()
}
