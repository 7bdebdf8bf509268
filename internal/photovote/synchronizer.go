package photovote

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// FreeVoteLimit is the number of photos a user may vote for at once.
const FreeVoteLimit = 6

// AuthRoute is where an unauthenticated voter is sent, carrying the photo
// for post-auth continuation.
func AuthRoute(photoID string) string {
	return "/profile?isSignUp=true&from=/photo/" + photoID
}

// Synchronizer owns the in-memory photo catalog and the current user's vote
// state. The catalog is replaced whole by Refresh and mutated one element at
// a time by VoteToggle.
type Synchronizer struct {
	gw       Gateway
	feed     FeedSource
	reach    Reachability
	nav      Navigator
	feedback Feedback
	journal  Journal
	logger   Logger
	clock    clockwork.Clock
	ids      IDGenerator
	quota    func() int

	mu       sync.Mutex
	rng      *rand.Rand
	photos   []Photo
	lastErr  string
	loading  bool
	onChange func([]Photo)

	subMu    sync.Mutex
	subs     []Subscription
	authSub  AuthSubscription
	triggers chan struct{}
}

// NewSynchronizer creates a Synchronizer with an empty catalog. feed may be
// nil, in which case only stored descriptions are used.
func NewSynchronizer(gw Gateway, feed FeedSource, logger Logger, clock clockwork.Clock, ids IDGenerator) *Synchronizer {
	return &Synchronizer{
		gw:       gw,
		feed:     feed,
		reach:    AlwaysOnline{},
		feedback: NopFeedback{},
		journal:  NopJournal{},
		logger:   logger,
		clock:    clock,
		ids:      ids,
		quota:    func() int { return FreeVoteLimit },
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
}

func (s *Synchronizer) SetReachability(r Reachability) { s.reach = r }
func (s *Synchronizer) SetNavigator(n Navigator)       { s.nav = n }
func (s *Synchronizer) SetFeedback(f Feedback)         { s.feedback = f }
func (s *Synchronizer) SetJournal(j Journal)           { s.journal = j }

// SetQuota replaces the vote limit lookup. It is consulted on every vote.
func (s *Synchronizer) SetQuota(q func() int) { s.quota = q }

// SetRand replaces the shuffle source.
func (s *Synchronizer) SetRand(r *rand.Rand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = r
}

// SetOnChange registers fn to receive a copy of the catalog after every
// replacement or optimistic mutation.
func (s *Synchronizer) SetOnChange(fn func([]Photo)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Refresh rebuilds the catalog from the backend and the supplementary feed.
// On failure the previous catalog is kept.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.loading = true
	s.lastErr = ""
	s.mu.Unlock()

	photos, err := s.fetch(ctx)

	s.mu.Lock()
	s.loading = false
	if err != nil {
		s.lastErr = Message(err)
		s.mu.Unlock()
		s.logger.Error("refresh failed", "error", err)
		return err
	}
	s.rng.Shuffle(len(photos), func(i, j int) { photos[i], photos[j] = photos[j], photos[i] })
	s.photos = photos
	s.mu.Unlock()

	s.logger.Debug("catalog refreshed", "photos", len(photos))
	s.notify()
	return nil
}

// checkBackend verifies network and backend reachability.
func (s *Synchronizer) checkBackend(ctx context.Context) error {
	if !s.reach.Online(ctx) {
		return newError(KindNetworkUnavailable, MsgNetworkUnavailable, nil)
	}
	var probe []map[string]any
	if err := s.gw.Query(ctx, TablePhotos, Filter{Columns: "id", Limit: 1}, &probe); err != nil {
		return newError(KindBackendUnreachable, MsgBackendUnreachable, err)
	}
	return nil
}

func (s *Synchronizer) fetch(ctx context.Context) ([]Photo, error) {
	if err := s.checkBackend(ctx); err != nil {
		return nil, err
	}

	user, err := s.gw.GetUser(ctx)
	if err != nil {
		return nil, newError(KindRefreshFailed, "Failed to fetch user: "+Message(err), err)
	}

	voted := make(map[string]bool)
	if user != nil {
		var votes []voteRow
		filter := Filter{Columns: "photo_id", Eq: map[string]string{"user_id": user.ID}}
		if err := s.gw.Query(ctx, TableUserVotes, filter, &votes); err != nil {
			return nil, newError(KindRefreshFailed, "Failed to fetch user votes: "+Message(err), err)
		}
		for _, v := range votes {
			voted[v.PhotoID] = true
		}
	}

	var items []FeedItem
	if s.feed != nil {
		items, err = s.feed.Items(ctx)
		switch {
		case errors.Is(err, ErrFeedMalformed):
			s.logger.Warn("ignoring unparsable feed", "error", err)
			items = nil
		case err != nil:
			return nil, newError(KindRefreshFailed, "Failed to fetch XML data", err)
		}
	}

	var rows []photoRow
	if err := s.gw.Query(ctx, TablePhotos, Filter{Columns: "*"}, &rows); err != nil {
		return nil, newError(KindRefreshFailed, "Failed to fetch photos: "+Message(err), err)
	}

	photos := make([]Photo, 0, len(rows))
	for _, r := range rows {
		p := Photo{
			ID:           r.ID,
			ExternalID:   r.ExternalID,
			URL:          r.URL,
			Title:        r.Title,
			Photographer: r.Photographer,
			DateAdded:    r.DateAdded.Time,
			UserVoted:    voted[r.ID],
		}
		if r.Votes != nil {
			p.Votes = max(0, *r.Votes)
		}
		p.Description = describe(items, r.ExternalID)
		if p.Description == "" && r.Description != nil {
			p.Description = *r.Description
		}
		photos = append(photos, p)
	}
	return photos, nil
}

// describe returns the trimmed description of the first feed item whose link
// contains externalID.
func describe(items []FeedItem, externalID string) string {
	if externalID == "" {
		return ""
	}
	for _, it := range items {
		if it.Link != "" && strings.Contains(it.Link, externalID) {
			return strings.TrimSpace(it.Description)
		}
	}
	return ""
}

// VoteToggle adds or removes the current user's vote on a photo. The local
// catalog is mutated before the remote call; a failed call is rolled back by
// a full Refresh. Unknown photo IDs are ignored.
func (s *Synchronizer) VoteToggle(ctx context.Context, photoID string) error {
	if _, ok := s.Photo(photoID); !ok {
		return nil
	}

	if err := s.checkBackend(ctx); err != nil {
		s.setError(err)
		return err
	}

	user, err := s.gw.GetUser(ctx)
	if err != nil {
		e := newError(KindAuthenticationFailed, Message(err), err)
		s.setError(e)
		return e
	}
	if user == nil {
		route := AuthRoute(photoID)
		s.logger.Info("vote requires sign in", "photo_id", photoID, "route", route)
		if s.nav != nil {
			s.nav.Navigate(route)
		}
		return newError(KindAuthRequired, MsgAuthRequired, nil)
	}

	limit := s.quota()

	s.mu.Lock()
	i := s.indexLocked(photoID)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	action := VoteAdd
	if s.photos[i].UserVoted {
		action = VoteRemove
		s.photos[i].Votes = max(0, s.photos[i].Votes-1)
		s.photos[i].UserVoted = false
	} else {
		if s.votedLocked() >= limit {
			e := newError(KindVoteLimitExceeded, MsgVoteLimitExceeded, nil)
			s.lastErr = e.Message
			s.mu.Unlock()
			return e
		}
		s.photos[i].Votes++
		s.photos[i].UserVoted = true
	}
	s.lastErr = ""
	s.mu.Unlock()
	s.notify()

	op := NewVoteOperation(s.ids.New(), photoID, action)
	s.transition(op, op.Begin(s.clock.Now()))

	proc := ProcAddVote
	if action == VoteRemove {
		proc = ProcRemoveVote
	}
	callErr := s.gw.Call(ctx, proc, map[string]any{"photo_id": photoID, "user_id": user.ID})
	if callErr != nil {
		s.transition(op, op.RollBack(s.clock.Now(), callErr))
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("rollback refresh failed", "photo_id", photoID, "error", err)
		}
		var e *Error
		if action == VoteRemove {
			e = newError(KindVoteRemovalFailed, "Failed to remove vote: "+Message(callErr), callErr)
		} else {
			e = newError(KindVoteAdditionFailed, "Failed to add vote: "+Message(callErr), callErr)
		}
		s.setError(e)
		return e
	}

	s.transition(op, op.Commit(s.clock.Now()))
	if action == VoteAdd {
		go s.feedback.Impact()
	}
	return nil
}

func (s *Synchronizer) transition(op *VoteOperation, err error) {
	if err != nil {
		s.logger.Error("vote state transition", "id", op.ID, "error", err)
		return
	}
	s.logger.Debug("vote operation", "id", op.ID, "photo_id", op.PhotoID, "action", op.Action, "state", op.State)
	if err := s.journal.SaveVoteOperation(op); err != nil {
		s.logger.Warn("journaling vote operation", "id", op.ID, "error", err)
	}
}

// Start subscribes to row changes on photos and user_votes and to auth
// state changes, then queues the initial load. Run consumes the
// notifications; Close tears the subscriptions down.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.triggers != nil {
		return errors.New("synchronizer already started")
	}
	for _, table := range []string{TablePhotos, TableUserVotes} {
		sub, err := s.gw.Subscribe(ctx, table, EventAll)
		if err != nil {
			s.closeLocked()
			return fmt.Errorf("subscribing to %s: %w", table, err)
		}
		s.subs = append(s.subs, sub)
	}
	s.authSub = s.gw.OnAuthStateChange()
	s.triggers = make(chan struct{}, 1)
	s.triggers <- struct{}{}
	return nil
}

// Run forwards every notification to a single refresh consumer until ctx is
// done. Notifications that arrive while a refresh is queued collapse into
// it; the last refresh to complete wins.
func (s *Synchronizer) Run(ctx context.Context) error {
	s.subMu.Lock()
	subs := slices.Clone(s.subs)
	authSub := s.authSub
	triggers := s.triggers
	s.subMu.Unlock()
	if triggers == nil {
		return errors.New("synchronizer not started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer s.Close()

	signal := func() {
		select {
		case triggers <- struct{}{}:
		default:
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-triggers:
				_ = s.Refresh(ctx)
			}
		}
	}()

	changes := make(chan Change)
	ended := make(chan struct{}, len(subs))
	for _, sub := range subs {
		wg.Add(1)
		go func(sub Subscription) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case c, ok := <-sub.Changes():
					if !ok {
						ended <- struct{}{}
						return
					}
					select {
					case changes <- c:
					case <-ctx.Done():
						return
					}
				}
			}
		}(sub)
	}

	active := len(subs)
	authEvents := authSub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-changes:
			s.logger.Debug("row change", "table", c.Table, "event", c.Event)
			signal()
		case <-ended:
			active--
			s.logger.Warn("row change subscription ended", "remaining", active)
			if active == 0 {
				return ErrChangeFeedClosed
			}
		case ev, ok := <-authEvents:
			if !ok {
				authEvents = nil
				continue
			}
			s.logger.Debug("auth change", "event", ev.Type)
			signal()
		}
	}
}

// Close unsubscribes from all notifications. It is safe to call more than once.
func (s *Synchronizer) Close() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.closeLocked()
}

func (s *Synchronizer) closeLocked() {
	for _, sub := range s.subs {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribing", "error", err)
		}
	}
	s.subs = nil
	if s.authSub != nil {
		s.authSub.Unsubscribe()
		s.authSub = nil
	}
}

// Photos returns a copy of the catalog in presentation order.
func (s *Synchronizer) Photos() []Photo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clonePhotos(s.photos)
}

// Photo returns the photo with the given ID.
func (s *Synchronizer) Photo(id string) (Photo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Photo{}, false
	}
	return s.photos[i], true
}

// Leaderboard returns the catalog ordered by vote count, highest first.
func (s *Synchronizer) Leaderboard() []Photo {
	photos := s.Photos()
	slices.SortStableFunc(photos, func(a, b Photo) int {
		return cmp.Compare(b.Votes, a.Votes)
	})
	return photos
}

// VotedPhotos returns the photos the current user has voted for.
func (s *Synchronizer) VotedPhotos() []Photo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Photo
	for _, p := range s.photos {
		if p.UserVoted {
			out = append(out, p)
		}
	}
	return out
}

// VoteCount returns the number of photos flagged as voted by the current user.
func (s *Synchronizer) VoteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.votedLocked()
}

// LastError returns the message of the most recent failure, or "".
func (s *Synchronizer) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Loading reports whether a refresh is in flight.
func (s *Synchronizer) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Synchronizer) setError(err error) {
	s.mu.Lock()
	s.lastErr = Message(err)
	s.mu.Unlock()
}

func (s *Synchronizer) notify() {
	s.mu.Lock()
	fn := s.onChange
	var snapshot []Photo
	if fn != nil {
		snapshot = clonePhotos(s.photos)
	}
	s.mu.Unlock()
	if fn != nil {
		fn(snapshot)
	}
}

func (s *Synchronizer) indexLocked(id string) int {
	return slices.IndexFunc(s.photos, func(p Photo) bool { return p.ID == id })
}

func (s *Synchronizer) votedLocked() int {
	n := 0
	for _, p := range s.photos {
		if p.UserVoted {
			n++
		}
	}
	return n
}
