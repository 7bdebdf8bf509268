package gateway

import (
	"sync"

	"photovote/internal/photovote"
)

const hubBuffer = 16

// Hub fans auth state events out to any number of subscribers. Slow
// subscribers lose events rather than block the publisher.
type Hub struct {
	logger photovote.Logger

	mu   sync.Mutex
	subs map[*hubSubscription]struct{}
}

func NewHub(logger photovote.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[*hubSubscription]struct{}),
	}
}

// Subscribe registers a new subscriber.
func (h *Hub) Subscribe() photovote.AuthSubscription {
	s := &hubSubscription{hub: h, ch: make(chan photovote.AuthEvent, hubBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Publish delivers ev to every subscriber without blocking.
func (h *Hub) Publish(ev photovote.AuthEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			h.logger.Warn("dropping auth event for slow subscriber", "event", ev.Type)
		}
	}
}

// Len returns the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

type hubSubscription struct {
	hub  *Hub
	ch   chan photovote.AuthEvent
	once sync.Once
}

func (s *hubSubscription) Events() <-chan photovote.AuthEvent { return s.ch }

func (s *hubSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// idleSubscription never delivers changes. It stands in when no realtime
// transport is configured.
type idleSubscription struct {
	ch   chan photovote.Change
	once sync.Once
}

func newIdleSubscription() *idleSubscription {
	return &idleSubscription{ch: make(chan photovote.Change)}
}

func (s *idleSubscription) Changes() <-chan photovote.Change { return s.ch }

func (s *idleSubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}
