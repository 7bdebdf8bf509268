package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"photovote/internal/photovote"
)

const (
	writeWait   = 10 * time.Second
	joinTimeout = 10 * time.Second

	phoenixTopic = "phoenix"

	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventToken     = "access_token"
)

// message is a Phoenix channel frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type   string `json:"type"`
		Table  string `json:"table"`
		Schema string `json:"schema"`
	} `json:"data"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

type tokenPayload struct {
	AccessToken string `json:"access_token"`
}

// WebsocketURL derives the realtime endpoint from the backend URL.
func WebsocketURL(backendURL, anonKey string) (string, error) {
	u, err := url.Parse(backendURL)
	if err != nil {
		return "", fmt.Errorf("parsing backend url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", anonKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsChannel struct {
	sub    *changeSubscription
	joinRf string
	joined chan error
}

// WebsocketTransport receives row changes over a Phoenix channel websocket.
// One connection is shared by all subscriptions; each subscription joins its
// own channel topic. When the connection drops every subscription ends.
type WebsocketTransport struct {
	url       string
	token     func() string
	clock     clockwork.Clock
	heartbeat time.Duration
	logger    photovote.Logger
	dialer    *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	done     chan struct{}
	channels map[string]*wsChannel
	ref      int
	sent     string // last access token sent to the server

	writeMu sync.Mutex
}

// NewWebsocketTransport creates a transport for the endpoint at wsURL. token
// supplies the access token sent with each join; a changed token is pushed
// to the joined channels on the next heartbeat.
func NewWebsocketTransport(wsURL string, token func() string, heartbeat time.Duration, clock clockwork.Clock, logger photovote.Logger) *WebsocketTransport {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &WebsocketTransport{
		url:       wsURL,
		token:     token,
		clock:     clock,
		heartbeat: heartbeat,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
		channels:  make(map[string]*wsChannel),
	}
}

func (t *WebsocketTransport) nextRefLocked() string {
	t.ref++
	return strconv.Itoa(t.ref)
}

func (t *WebsocketTransport) ensureConnLocked(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dialing realtime endpoint: %w", err)
	}
	t.conn = conn
	t.done = make(chan struct{})
	go t.readLoop(conn, t.done)
	go t.heartbeatLoop(conn, t.done)
	t.logger.Debug("realtime connected")
	return nil
}

// Subscribe joins a channel receiving mask events on table.
func (t *WebsocketTransport) Subscribe(ctx context.Context, table string, mask photovote.EventMask) (photovote.Subscription, error) {
	sub := newChangeSubscription(table, mask)
	topic := "realtime:photovote-" + table + "-" + uuid.NewString()

	payload := joinPayload{}
	payload.Config.PostgresChanges = []changeFilter{{Event: mask.String(), Schema: "public", Table: table}}
	if t.token != nil {
		payload.AccessToken = t.token()
	}

	t.mu.Lock()
	if err := t.ensureConnLocked(ctx); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	conn := t.conn
	if payload.AccessToken != "" {
		t.sent = payload.AccessToken
	}
	ch := &wsChannel{sub: sub, joinRf: t.nextRefLocked(), joined: make(chan error, 1)}
	t.channels[topic] = ch
	t.mu.Unlock()

	if err := t.send(conn, topic, eventJoin, payload, ch.joinRf); err != nil {
		t.remove(topic)
		return nil, fmt.Errorf("joining %s: %w", topic, err)
	}

	timer := t.clock.NewTimer(joinTimeout)
	defer timer.Stop()

	select {
	case err := <-ch.joined:
		if err != nil {
			t.remove(topic)
			return nil, fmt.Errorf("joining %s: %w", topic, err)
		}
	case <-ctx.Done():
		t.remove(topic)
		return nil, ctx.Err()
	case <-timer.Chan():
		t.remove(topic)
		return nil, fmt.Errorf("joining %s: timed out", topic)
	}

	sub.leave = func() error {
		t.mu.Lock()
		ref := t.nextRefLocked()
		c := t.conn
		t.mu.Unlock()
		var err error
		if c != nil {
			err = t.send(c, topic, eventLeave, struct{}{}, ref)
		}
		t.remove(topic)
		return err
	}
	t.logger.Debug("realtime channel joined", "topic", topic, "table", table)
	return sub, nil
}

// remove drops a channel and closes the connection when none are left.
func (t *WebsocketTransport) remove(topic string) {
	t.mu.Lock()
	ch, ok := t.channels[topic]
	delete(t.channels, topic)
	empty := len(t.channels) == 0
	t.mu.Unlock()
	if ok {
		ch.sub.close()
	}
	if empty {
		t.Close()
	}
}

func (t *WebsocketTransport) send(conn *websocket.Conn, topic, event string, payload any, ref string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(message{Topic: topic, Event: event, Payload: raw, Ref: ref})
}

func (t *WebsocketTransport) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := t.clock.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.Chan():
			t.mu.Lock()
			ref := t.nextRefLocked()
			t.mu.Unlock()
			if err := t.send(conn, phoenixTopic, eventHeartbeat, struct{}{}, ref); err != nil {
				t.logger.Warn("realtime heartbeat failed", "error", err)
				return
			}
			if err := t.pushToken(conn); err != nil {
				t.logger.Warn("realtime token update failed", "error", err)
				return
			}
		}
	}
}

// pushToken sends the current access token to every joined channel when it
// differs from the one the server last saw. Row-level filters on the server
// use it, so an expired token silently stops deliveries.
func (t *WebsocketTransport) pushToken(conn *websocket.Conn) error {
	if t.token == nil {
		return nil
	}
	token := t.token()
	t.mu.Lock()
	if token == "" || token == t.sent {
		t.mu.Unlock()
		return nil
	}
	t.sent = token
	refs := make(map[string]string, len(t.channels))
	for topic := range t.channels {
		refs[topic] = t.nextRefLocked()
	}
	t.mu.Unlock()

	for topic, ref := range refs {
		if err := t.send(conn, topic, eventToken, tokenPayload{AccessToken: token}, ref); err != nil {
			return err
		}
	}
	t.logger.Debug("realtime access token updated", "channels", len(refs))
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer t.drop(conn)
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					t.logger.Warn("realtime connection lost", "error", err)
				}
			}
			return
		}
		t.dispatch(msg)
	}
}

func (t *WebsocketTransport) dispatch(msg message) {
	t.mu.Lock()
	ch, ok := t.channels[msg.Topic]
	t.mu.Unlock()

	switch msg.Event {
	case eventReply:
		if !ok || msg.Ref != ch.joinRf {
			return
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			ch.joined <- fmt.Errorf("decoding join reply: %w", err)
			return
		}
		if reply.Status != "ok" {
			ch.joined <- fmt.Errorf("join rejected: %s %s", reply.Status, string(reply.Response))
			return
		}
		ch.joined <- nil
	case eventChanges:
		if !ok {
			return
		}
		var p changesPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			t.logger.Warn("decoding realtime change", "error", err)
			return
		}
		table := p.Data.Table
		if table == "" {
			table = ch.sub.table
		}
		ch.sub.deliver(photovote.Change{Table: table, Event: photovote.ParseEventType(p.Data.Type)})
	case eventError, eventClose:
		if ok {
			t.logger.Warn("realtime channel closed by server", "topic", msg.Topic, "event", msg.Event)
		}
	}
}

// drop forgets a dead connection and ends its subscriptions.
func (t *WebsocketTransport) drop(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	channels := t.channels
	t.channels = make(map[string]*wsChannel)
	t.conn = nil
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.mu.Unlock()

	conn.Close()
	for _, ch := range channels {
		select {
		case ch.joined <- errors.New("connection closed"):
		default:
		}
		ch.sub.close()
	}
}

// Close ends the connection and every subscription.
func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	t.writeMu.Unlock()
	t.drop(conn)
	return nil
}
