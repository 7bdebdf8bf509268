package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"photovote/internal/photovote"
)

// Operation names accepted by MemoryGateway.Fail.
const (
	OpGetSession = "get_session"
	OpGetUser    = "get_user"
	OpSignUp     = "sign_up"
	OpSignIn     = "sign_in"
	OpSignOut    = "sign_out"
	OpSubscribe  = "subscribe"
)

// OpQuery and OpCall name the failure keys for a table or procedure.
func OpQuery(table string) string { return "query:" + table }
func OpCall(procedure string) string { return "call:" + procedure }

type memoryUser struct {
	user     photovote.User
	password string
}

// MemoryGateway is an in-process backend holding users, table rows and the
// vote procedures. Failures can be injected per operation.
type MemoryGateway struct {
	clock clockwork.Clock
	ids   photovote.IDGenerator
	hub   *Hub

	mu          sync.Mutex
	users       map[string]*memoryUser
	session     *photovote.Session
	tables      map[string][]map[string]any
	rowSecurity map[string]bool
	subs        map[*memorySubscription]struct{}
	failures    map[string]error
	callHook    func(procedure string, args map[string]any)
}

var _ photovote.Gateway = (*MemoryGateway)(nil)

// NewMemoryGateway creates an empty backend. The subscriptions table only
// exposes the caller's own rows.
func NewMemoryGateway(clock clockwork.Clock, ids photovote.IDGenerator, logger photovote.Logger) *MemoryGateway {
	return &MemoryGateway{
		clock:       clock,
		ids:         ids,
		hub:         NewHub(logger),
		users:       make(map[string]*memoryUser),
		tables:      make(map[string][]map[string]any),
		rowSecurity: map[string]bool{photovote.TableSubscriptions: true},
		subs:        make(map[*memorySubscription]struct{}),
		failures:    make(map[string]error),
	}
}

// Fail makes every later call of op return err until cleared with a nil err.
func (g *MemoryGateway) Fail(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err == nil {
		delete(g.failures, op)
		return
	}
	g.failures[op] = err
}

// SetCallHook registers fn to run at the start of every Call, before the
// procedure takes effect.
func (g *MemoryGateway) SetCallHook(fn func(procedure string, args map[string]any)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.callHook = fn
}

func (g *MemoryGateway) failure(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures[op]
}

// CreateUser registers an account directly.
func (g *MemoryGateway) CreateUser(email, password string) photovote.User {
	g.mu.Lock()
	defer g.mu.Unlock()
	u := photovote.User{ID: g.ids.New(), Email: email}
	g.users[email] = &memoryUser{user: u, password: password}
	return u
}

// Insert appends a row to table and notifies subscribers.
func (g *MemoryGateway) Insert(table string, row map[string]any) {
	g.mu.Lock()
	g.tables[table] = append(g.tables[table], normalize(row))
	g.emitLocked(table, photovote.EventInsert)
	g.mu.Unlock()
}

// Update sets fields on the rows of table whose id matches and notifies
// subscribers.
func (g *MemoryGateway) Update(table, id string, fields map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, row := range g.tables[table] {
		if fmt.Sprint(row["id"]) == id {
			for k, v := range normalize(fields) {
				row[k] = v
			}
		}
	}
	g.emitLocked(table, photovote.EventUpdate)
}

// Rows returns a copy of the rows of table.
func (g *MemoryGateway) Rows(table string) []map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]map[string]any, 0, len(g.tables[table]))
	for _, row := range g.tables[table] {
		out = append(out, copyRow(row))
	}
	return out
}

// Votes returns the stored vote count of a photo.
func (g *MemoryGateway) Votes(photoID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if row := g.findLocked(photovote.TablePhotos, photoID); row != nil {
		return toInt(row["votes"])
	}
	return 0
}

func (g *MemoryGateway) GetSession(context.Context) (*photovote.Session, error) {
	if err := g.failure(OpGetSession); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session, nil
}

func (g *MemoryGateway) GetUser(context.Context) (*photovote.User, error) {
	if err := g.failure(OpGetUser); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return nil, nil
	}
	u := g.session.User
	return &u, nil
}

func (g *MemoryGateway) SignUp(_ context.Context, creds photovote.Credentials) (*photovote.User, error) {
	if err := g.failure(OpSignUp); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.users[creds.Email]; ok {
		return nil, &APIError{Status: http.StatusUnprocessableEntity, Message: "User already registered"}
	}
	if len(creds.Password) < 6 {
		return nil, &APIError{Status: http.StatusUnprocessableEntity, Message: "Password should be at least 6 characters."}
	}
	u := photovote.User{ID: g.ids.New(), Email: creds.Email}
	g.users[creds.Email] = &memoryUser{user: u, password: creds.Password}
	return &u, nil
}

func (g *MemoryGateway) SignIn(_ context.Context, creds photovote.Credentials) (*photovote.Session, error) {
	if err := g.failure(OpSignIn); err != nil {
		return nil, err
	}
	g.mu.Lock()
	acct, ok := g.users[creds.Email]
	if !ok || acct.password != creds.Password {
		g.mu.Unlock()
		return nil, &APIError{Status: http.StatusBadRequest, Message: "Invalid login credentials"}
	}
	s := &photovote.Session{
		AccessToken:  "access-" + g.ids.New(),
		RefreshToken: "refresh-" + g.ids.New(),
		ExpiresAt:    g.clock.Now().Add(time.Hour).UTC(),
		User:         acct.user,
	}
	g.session = s
	g.mu.Unlock()

	g.hub.Publish(photovote.AuthEvent{Type: photovote.AuthSignedIn, Session: s})
	return s, nil
}

func (g *MemoryGateway) SignOut(context.Context) error {
	if err := g.failure(OpSignOut); err != nil {
		return err
	}
	g.mu.Lock()
	g.session = nil
	g.mu.Unlock()

	g.hub.Publish(photovote.AuthEvent{Type: photovote.AuthSignedOut})
	return nil
}

func (g *MemoryGateway) Query(_ context.Context, table string, filter photovote.Filter, dest any) error {
	if err := g.failure(OpQuery(table)); err != nil {
		return err
	}

	g.mu.Lock()
	var uid string
	if g.session != nil {
		uid = g.session.User.ID
	}
	secured := g.rowSecurity[table]
	var out []map[string]any
	for _, row := range g.tables[table] {
		if secured && (uid == "" || fmt.Sprint(row["user_id"]) != uid) {
			continue
		}
		if !matches(row, filter.Eq) {
			continue
		}
		out = append(out, project(row, filter.Columns))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	g.mu.Unlock()

	if out == nil {
		out = []map[string]any{}
	}
	data, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encoding rows: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decoding rows: %w", err)
	}
	return nil
}

func (g *MemoryGateway) Call(_ context.Context, procedure string, args map[string]any) error {
	g.mu.Lock()
	hook := g.callHook
	g.mu.Unlock()
	if hook != nil {
		hook(procedure, args)
	}

	if err := g.failure(OpCall(procedure)); err != nil {
		return err
	}

	photoID := fmt.Sprint(args["photo_id"])
	userID := fmt.Sprint(args["user_id"])

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return &APIError{Status: http.StatusUnauthorized, Message: "JWT required"}
	}
	photo := g.findLocked(photovote.TablePhotos, photoID)
	if photo == nil {
		return &APIError{Status: http.StatusBadRequest, Message: "photo not found"}
	}

	switch procedure {
	case photovote.ProcAddVote:
		if g.voteIndexLocked(userID, photoID) >= 0 {
			return &APIError{Status: http.StatusConflict, Message: `duplicate key value violates unique constraint "user_votes_pkey"`}
		}
		g.tables[photovote.TableUserVotes] = append(g.tables[photovote.TableUserVotes], map[string]any{
			"user_id":  userID,
			"photo_id": photoID,
		})
		photo["votes"] = toInt(photo["votes"]) + 1
		g.emitLocked(photovote.TableUserVotes, photovote.EventInsert)
		g.emitLocked(photovote.TablePhotos, photovote.EventUpdate)
	case photovote.ProcRemoveVote:
		if i := g.voteIndexLocked(userID, photoID); i >= 0 {
			votes := g.tables[photovote.TableUserVotes]
			g.tables[photovote.TableUserVotes] = append(votes[:i:i], votes[i+1:]...)
			photo["votes"] = max(0, toInt(photo["votes"])-1)
			g.emitLocked(photovote.TableUserVotes, photovote.EventDelete)
			g.emitLocked(photovote.TablePhotos, photovote.EventUpdate)
		}
	default:
		return &APIError{Status: http.StatusNotFound, Message: fmt.Sprintf("Could not find the function public.%s", procedure)}
	}
	return nil
}

func (g *MemoryGateway) Subscribe(_ context.Context, table string, mask photovote.EventMask) (photovote.Subscription, error) {
	if err := g.failure(OpSubscribe); err != nil {
		return nil, err
	}
	s := &memorySubscription{gw: g, table: table, mask: mask, ch: make(chan photovote.Change, hubBuffer)}
	g.mu.Lock()
	g.subs[s] = struct{}{}
	g.mu.Unlock()
	return s, nil
}

func (g *MemoryGateway) OnAuthStateChange() photovote.AuthSubscription {
	return g.hub.Subscribe()
}

// Subscribers returns the number of open row change subscriptions.
func (g *MemoryGateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subs)
}

// DropSubscriptions ends every open row change subscription, the way a lost
// realtime connection does.
func (g *MemoryGateway) DropSubscriptions() {
	g.mu.Lock()
	subs := make([]*memorySubscription, 0, len(g.subs))
	for s := range g.subs {
		subs = append(subs, s)
	}
	g.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// AuthSubscribers returns the number of open auth subscriptions.
func (g *MemoryGateway) AuthSubscribers() int {
	return g.hub.Len()
}

func (g *MemoryGateway) emitLocked(table string, event photovote.EventMask) {
	for s := range g.subs {
		if s.table != table || !s.mask.Has(event) {
			continue
		}
		select {
		case s.ch <- photovote.Change{Table: table, Event: event}:
		default:
		}
	}
}

func (g *MemoryGateway) findLocked(table, id string) map[string]any {
	for _, row := range g.tables[table] {
		if fmt.Sprint(row["id"]) == id {
			return row
		}
	}
	return nil
}

func (g *MemoryGateway) voteIndexLocked(userID, photoID string) int {
	for i, row := range g.tables[photovote.TableUserVotes] {
		if fmt.Sprint(row["user_id"]) == userID && fmt.Sprint(row["photo_id"]) == photoID {
			return i
		}
	}
	return -1
}

type memorySubscription struct {
	gw    *MemoryGateway
	table string
	mask  photovote.EventMask
	ch    chan photovote.Change
	once  sync.Once
}

func (s *memorySubscription) Changes() <-chan photovote.Change { return s.ch }

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.gw.mu.Lock()
		delete(s.gw.subs, s)
		s.gw.mu.Unlock()
		close(s.ch)
	})
	return nil
}

func matches(row map[string]any, eq map[string]string) bool {
	for k, v := range eq {
		if fmt.Sprint(row[k]) != v {
			return false
		}
	}
	return true
}

func project(row map[string]any, columns string) map[string]any {
	if columns == "" || columns == "*" {
		return copyRow(row)
	}
	out := make(map[string]any)
	for _, c := range strings.Split(columns, ",") {
		c = strings.TrimSpace(c)
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// normalize stores integers as int so vote arithmetic is uniform.
func normalize(row map[string]any) map[string]any {
	out := copyRow(row)
	for k, v := range out {
		switch n := v.(type) {
		case int64:
			out[k] = int(n)
		case int32:
			out[k] = int(n)
		case float64:
			if n == float64(int(n)) {
				out[k] = int(n)
			}
		}
	}
	return out
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
