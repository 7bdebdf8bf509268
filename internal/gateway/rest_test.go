package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"photovote/internal/photovote"
	"photovote/internal/sessionstore"
)

// fakeBackend imitates the auth and REST endpoints of the hosted backend.
type fakeBackend struct {
	mu          sync.Mutex
	requests    []*http.Request
	bodies      map[string]string
	refreshes   int
	refreshStatus int
	usedRefresh   map[string]bool
}

func (f *fakeBackend) record(r *http.Request) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r)
	data, _ := io.ReadAll(r.Body)
	if f.bodies == nil {
		f.bodies = make(map[string]string)
	}
	f.bodies[r.URL.Path] = string(data)
	var body map[string]any
	json.Unmarshal(data, &body)
	return body
}

// setRefreshStatus makes refresh_token grants answer with status.
func (f *fakeBackend) setRefreshStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshStatus = status
}

func (f *fakeBackend) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeBackend) body(path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[path]
}

func (f *fakeBackend) last() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body := f.record(r)
	switch r.URL.Path {
	case "/auth/v1/token":
		switch r.URL.Query().Get("grant_type") {
		case "password":
			if body["password"] != "secret1" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-1",
				"expires_in":    3600,
				"user":          map[string]string{"id": "user-1", "email": body["email"].(string)},
			})
		case "refresh_token":
			f.mu.Lock()
			f.refreshes++
			token := fmt.Sprint(body["refresh_token"])
			status := f.refreshStatus
			if f.usedRefresh[token] {
				status = http.StatusBadRequest
			}
			if status == 0 {
				if f.usedRefresh == nil {
					f.usedRefresh = make(map[string]bool)
				}
				f.usedRefresh[token] = true
			}
			n := f.refreshes
			f.mu.Unlock()
			switch status {
			case 0:
			case http.StatusBadRequest:
				writeJSON(w, status, map[string]string{"error_description": "Invalid Refresh Token"})
				return
			default:
				writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"access_token":  fmt.Sprintf("access-%d", n+1),
				"refresh_token": fmt.Sprintf("refresh-%d", n+1),
				"expires_in":    3600,
			})
		}
	case "/auth/v1/signup":
		if body["email"] == "busy@example.com" {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"msg": "For security purposes, you can only request this once every 60 seconds"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": map[string]string{"id": "user-9", "email": body["email"].(string)}})
	case "/auth/v1/user":
		writeJSON(w, http.StatusOK, map[string]string{"id": "user-1", "email": "ann@example.com"})
	case "/auth/v1/logout":
		w.WriteHeader(http.StatusNoContent)
	case "/rest/v1/photos":
		writeJSON(w, http.StatusOK, []map[string]any{{"id": "1", "title": "Mountain Lake", "votes": 3}})
	case "/rest/v1/rpc/add_vote":
		w.WriteHeader(http.StatusNoContent)
	case "/rest/v1/rpc/remove_vote":
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "vote not found"})
	default:
		http.NotFound(w, r)
	}
}

func newTestREST(t *testing.T) (*RESTGateway, *fakeBackend, *sessionstore.MemoryStore, *clockwork.FakeClock) {
	t.Helper()
	backend := &fakeBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	store := sessionstore.NewMemoryStore()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC))
	return NewRESTGateway(srv.URL, "anon-key", store, nil, clock, photovote.NewNopLogger()), backend, store, clock
}

func TestRESTGateway_SignIn(t *testing.T) {
	ctx := context.Background()

	t.Run("stores session and publishes SIGNED_IN", func(t *testing.T) {
		gw, _, store, _ := newTestREST(t)
		events := gw.OnAuthStateChange()
		defer events.Unsubscribe()

		s, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"})
		if err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		if s.User.ID != "user-1" || s.AccessToken != "access-1" {
			t.Errorf("SignIn() = %+v", s)
		}
		if want := time.Date(2024, 5, 15, 13, 0, 0, 0, time.UTC); !s.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", s.ExpiresAt, want)
		}

		ev := <-events.Events()
		if ev.Type != photovote.AuthSignedIn || ev.Session == nil {
			t.Errorf("event = %+v, want SIGNED_IN with session", ev)
		}
		if store.Saves() != 1 {
			t.Errorf("store.Saves() = %d, want 1", store.Saves())
		}
		if got := gw.AccessToken(); got != "access-1" {
			t.Errorf("AccessToken() = %q, want %q", got, "access-1")
		}
	})

	t.Run("bad credentials carry the backend message", func(t *testing.T) {
		gw, _, _, _ := newTestREST(t)

		_, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "wrong"})
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("SignIn() error = %v, want *APIError", err)
		}
		if apiErr.Message != "Invalid login credentials" {
			t.Errorf("Message = %q, want %q", apiErr.Message, "Invalid login credentials")
		}
	})
}

func TestRESTGateway_SignUp(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nested user", func(t *testing.T) {
		gw, _, _, _ := newTestREST(t)
		u, err := gw.SignUp(ctx, photovote.Credentials{Email: "new@example.com", Password: "secret1"})
		if err != nil {
			t.Fatalf("SignUp() error = %v", err)
		}
		if u == nil || u.ID != "user-9" {
			t.Errorf("SignUp() = %+v, want user-9", u)
		}
	})

	t.Run("429 is rate limited", func(t *testing.T) {
		gw, _, _, _ := newTestREST(t)
		_, err := gw.SignUp(ctx, photovote.Credentials{Email: "busy@example.com", Password: "secret1"})
		if !errors.Is(err, photovote.ErrRateLimited) {
			t.Errorf("SignUp() error = %v, want ErrRateLimited", err)
		}
	})
}

func TestRESTGateway_Query(t *testing.T) {
	ctx := context.Background()
	gw, backend, _, _ := newTestREST(t)

	var rows []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Votes int    `json:"votes"`
	}
	err := gw.Query(ctx, photovote.TablePhotos, photovote.Filter{Columns: "id,title,votes", Limit: 1}, &rows)
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Votes != 3 {
		t.Errorf("Query() rows = %+v", rows)
	}

	req := backend.last()
	if got := req.Header.Get("apikey"); got != "anon-key" {
		t.Errorf("apikey header = %q, want %q", got, "anon-key")
	}
	if got := req.Header.Get("Authorization"); got != "Bearer anon-key" {
		t.Errorf("Authorization = %q, want anon bearer when signed out", got)
	}
	if got := req.URL.Query().Get("limit"); got != "1" {
		t.Errorf("limit = %q, want 1", got)
	}
}

func TestRESTGateway_Call(t *testing.T) {
	ctx := context.Background()
	gw, backend, _, _ := newTestREST(t)
	if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	args := map[string]any{"photo_id": "1", "user_id": "user-1"}
	if err := gw.Call(ctx, photovote.ProcAddVote, args); err != nil {
		t.Fatalf("Call(add_vote) error = %v", err)
	}
	req := backend.last()
	if got := req.Header.Get("Authorization"); got != "Bearer access-1" {
		t.Errorf("Authorization = %q, want access token", got)
	}
	if body := backend.body("/rest/v1/rpc/add_vote"); body != `{"photo_id":"1","user_id":"user-1"}` {
		t.Errorf("rpc body = %s", body)
	}

	err := gw.Call(ctx, photovote.ProcRemoveVote, args)
	if err == nil || err.Error() != "vote not found" {
		t.Errorf("Call(remove_vote) error = %v, want backend message", err)
	}
}

func TestRESTGateway_GetSession(t *testing.T) {
	ctx := context.Background()

	t.Run("loads stored session", func(t *testing.T) {
		gw, backend, store, _ := newTestREST(t)
		stored := &photovote.Session{
			AccessToken:  "stored",
			RefreshToken: "r",
			ExpiresAt:    time.Date(2024, 5, 15, 14, 0, 0, 0, time.UTC),
			User:         photovote.User{ID: "user-1"},
		}
		store.Save(stored)

		s, err := gw.GetSession(ctx)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if s == nil || s.AccessToken != "stored" {
			t.Errorf("GetSession() = %+v, want stored session", s)
		}
		if n := backend.refreshCount(); n != 0 {
			t.Errorf("refreshes = %d, want 0", n)
		}
	})

	t.Run("refreshes expired session", func(t *testing.T) {
		gw, backend, _, clock := newTestREST(t)
		if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"}); err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		events := gw.OnAuthStateChange()
		defer events.Unsubscribe()
		clock.Advance(2 * time.Hour)

		s, err := gw.GetSession(ctx)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if s.AccessToken != "access-2" {
			t.Errorf("AccessToken = %q, want refreshed token", s.AccessToken)
		}
		if s.User.ID != "user-1" {
			t.Errorf("User.ID = %q, want user carried over", s.User.ID)
		}
		if ev := <-events.Events(); ev.Type != photovote.AuthTokenRefreshed {
			t.Errorf("event = %v, want TOKEN_REFRESHED", ev.Type)
		}
		if n := backend.refreshCount(); n != 1 {
			t.Errorf("refreshes = %d, want 1", n)
		}
	})

	t.Run("rejected refresh signs out", func(t *testing.T) {
		gw, backend, store, clock := newTestREST(t)
		backend.setRefreshStatus(http.StatusBadRequest)
		if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"}); err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		clock.Advance(2 * time.Hour)

		s, err := gw.GetSession(ctx)
		if err != nil {
			t.Fatalf("GetSession() error = %v", err)
		}
		if s != nil {
			t.Errorf("GetSession() = %+v, want nil after rejected refresh", s)
		}
		if stored, _ := store.Load(); stored != nil {
			t.Error("stored session not cleared")
		}
	})

	t.Run("server error during refresh keeps session", func(t *testing.T) {
		gw, backend, store, clock := newTestREST(t)
		backend.setRefreshStatus(http.StatusServiceUnavailable)
		if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"}); err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		clock.Advance(2 * time.Hour)

		s, err := gw.GetSession(ctx)
		if err == nil {
			t.Fatalf("GetSession() = %+v, want error", s)
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Status != http.StatusServiceUnavailable {
			t.Errorf("GetSession() error = %v, want 503 APIError", err)
		}
		if stored, _ := store.Load(); stored == nil || stored.RefreshToken != "refresh-1" {
			t.Errorf("stored session = %+v, want kept", stored)
		}

		backend.setRefreshStatus(0)
		s, err = gw.GetSession(ctx)
		if err != nil {
			t.Fatalf("GetSession() after recovery error = %v", err)
		}
		if s == nil || s.User.ID != "user-1" {
			t.Errorf("GetSession() after recovery = %+v, want refreshed session", s)
		}
	})

	t.Run("concurrent callers share one refresh", func(t *testing.T) {
		gw, backend, _, clock := newTestREST(t)
		if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"}); err != nil {
			t.Fatalf("SignIn() error = %v", err)
		}
		clock.Advance(2 * time.Hour)

		var wg sync.WaitGroup
		results := make([]*photovote.Session, 4)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				s, err := gw.GetSession(ctx)
				if err != nil {
					t.Errorf("GetSession() error = %v", err)
				}
				results[i] = s
			}()
		}
		wg.Wait()

		for i, s := range results {
			if s == nil {
				t.Errorf("caller %d signed out", i)
			}
		}
		if n := backend.refreshCount(); n != 1 {
			t.Errorf("refreshes = %d, want 1", n)
		}
	})
}

func TestRESTGateway_SignOut(t *testing.T) {
	ctx := context.Background()
	gw, backend, store, _ := newTestREST(t)
	if _, err := gw.SignIn(ctx, photovote.Credentials{Email: "ann@example.com", Password: "secret1"}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	events := gw.OnAuthStateChange()
	defer events.Unsubscribe()

	if err := gw.SignOut(ctx); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	if got := backend.last().URL.Path; got != "/auth/v1/logout" {
		t.Errorf("last request = %q, want logout", got)
	}
	if ev := <-events.Events(); ev.Type != photovote.AuthSignedOut {
		t.Errorf("event = %v, want SIGNED_OUT", ev.Type)
	}
	if s, _ := gw.GetSession(ctx); s != nil {
		t.Errorf("GetSession() = %+v after SignOut", s)
	}
	if stored, _ := store.Load(); stored != nil {
		t.Error("stored session not cleared")
	}
	if got := gw.AccessToken(); got != "anon-key" {
		t.Errorf("AccessToken() = %q, want anon key", got)
	}
}

func TestRESTGateway_Subscribe_NoTransport(t *testing.T) {
	gw, _, _, _ := newTestREST(t)
	sub, err := gw.Subscribe(context.Background(), photovote.TablePhotos, photovote.EventAll)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestQueryPath(t *testing.T) {
	tests := []struct {
		name   string
		table  string
		filter photovote.Filter
		want   string
	}{
		{
			name:  "defaults to all columns",
			table: "photos",
			want:  "/rest/v1/photos?select=%2A",
		},
		{
			name:   "eq filters are sorted",
			table:  "user_votes",
			filter: photovote.Filter{Columns: "photo_id", Eq: map[string]string{"user_id": "u1", "photo_id": "3"}},
			want:   "/rest/v1/user_votes?photo_id=eq.3&select=photo_id&user_id=eq.u1",
		},
		{
			name:   "limit",
			table:  "photos",
			filter: photovote.Filter{Columns: "id", Limit: 1},
			want:   "/rest/v1/photos?limit=1&select=id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := queryPath(tt.table, tt.filter); got != tt.want {
				t.Errorf("queryPath() = %q, want %q", got, tt.want)
			}
		})
	}
}
