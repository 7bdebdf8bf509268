package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"photovote/internal/photovote"
)

// StaticFeed serves fixed feed items, or Err when set.
type StaticFeed struct {
	mu    sync.Mutex
	items []photovote.FeedItem
	err   error
	calls int
}

func NewStaticFeed(items ...photovote.FeedItem) *StaticFeed {
	return &StaticFeed{items: items}
}

// SetError makes later fetches fail with err; nil restores the items.
func (f *StaticFeed) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *StaticFeed) Items(context.Context) ([]photovote.FeedItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return append([]photovote.FeedItem(nil), f.items...), nil
}

// Calls returns how many times Items was called.
func (f *StaticFeed) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// SwitchReachability is a Reachability toggled by tests.
type SwitchReachability struct {
	offline atomic.Bool
}

func (r *SwitchReachability) SetOnline(online bool) { r.offline.Store(!online) }

func (r *SwitchReachability) Online(context.Context) bool { return !r.offline.Load() }

// RecordingNavigator remembers every route it was asked to open.
type RecordingNavigator struct {
	mu     sync.Mutex
	routes []string
}

func (n *RecordingNavigator) Navigate(route string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, route)
}

func (n *RecordingNavigator) Routes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.routes...)
}

// SignalFeedback sends on C for every Impact.
type SignalFeedback struct {
	C chan struct{}
}

func NewSignalFeedback() *SignalFeedback {
	return &SignalFeedback{C: make(chan struct{}, 16)}
}

func (f *SignalFeedback) Impact() {
	select {
	case f.C <- struct{}{}:
	default:
	}
}

// RecordingJournal keeps a copy of every saved transition.
type RecordingJournal struct {
	mu      sync.Mutex
	records []photovote.VoteOperation
}

func (j *RecordingJournal) SaveVoteOperation(op *photovote.VoteOperation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, *op)
	return nil
}

func (j *RecordingJournal) ListVoteOperations(limit int) ([]*photovote.VoteOperation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []*photovote.VoteOperation
	for i := len(j.records) - 1; i >= 0 && len(out) < limit; i-- {
		op := j.records[i]
		out = append(out, &op)
	}
	return out, nil
}

// States returns the recorded states of operation id in order.
func (j *RecordingJournal) States(id string) []photovote.VoteState {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []photovote.VoteState
	for _, r := range j.records {
		if r.ID == id {
			out = append(out, r.State)
		}
	}
	return out
}

// Records returns every saved transition.
func (j *RecordingJournal) Records() []photovote.VoteOperation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]photovote.VoteOperation(nil), j.records...)
}
