package realtime

import (
	"sync"

	"photovote/internal/photovote"
)

const subscriptionBuffer = 16

// changeSubscription is the photovote.Subscription shared by the
// transports. Deliveries after close are dropped.
type changeSubscription struct {
	table string
	mask  photovote.EventMask
	leave func() error

	mu     sync.Mutex
	ch     chan photovote.Change
	closed bool
	once   sync.Once
}

func newChangeSubscription(table string, mask photovote.EventMask) *changeSubscription {
	return &changeSubscription{
		table: table,
		mask:  mask,
		ch:    make(chan photovote.Change, subscriptionBuffer),
	}
}

func (s *changeSubscription) Changes() <-chan photovote.Change { return s.ch }

func (s *changeSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		if s.leave != nil {
			err = s.leave()
		}
		s.close()
	})
	return err
}

// deliver reports whether the change was queued.
func (s *changeSubscription) deliver(c photovote.Change) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || c.Table != s.table || !s.mask.Has(c.Event) {
		return false
	}
	select {
	case s.ch <- c:
		return true
	default:
		return false
	}
}

func (s *changeSubscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
