package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"photovote/internal/config"
	"photovote/internal/database"
	"photovote/internal/feed"
	"photovote/internal/gateway"
	"photovote/internal/photovote"
	"photovote/internal/realtime"
	"photovote/internal/sessionstore"
)

// reachabilityTimeout bounds the connectivity check before each remote operation.
const reachabilityTimeout = 5 * time.Second

// Options carries the presentation-side collaborators of an App.
type Options struct {
	Clock     clockwork.Clock // defaults to the real clock
	Navigator photovote.Navigator
	Feedback  photovote.Feedback // defaults to BellFeedback on Stderr when cfg.Feedback is set
	Stderr    io.Writer          // log mirror; nil logs to the file only
	Verbose   bool
}

// Profile is the signed-in user's account summary.
type Profile struct {
	Email     string
	VoteCount int
	Voted     []photovote.Photo
	Billing   *photovote.BillingRecord
	Status    photovote.SubscriptionStatus
}

// App is the application layer between the CLI and the photovote
// components. It constructs all dependencies from config, exposes the
// operations the CLI needs, and releases connections on Close.
type App struct {
	cfg       *config.Config
	clock     clockwork.Clock
	logger    photovote.Logger
	gw        photovote.Gateway
	transport realtime.Transport
	journal   database.Journal

	photos   *photovote.Synchronizer
	sessions *photovote.SessionManager
	billing  *photovote.SubscriptionReader
	checkout *photovote.Checkout

	op      *Operation
	logFile *os.File
}

// backend groups the collaborators that depend on the backend type.
type backend struct {
	gw        photovote.Gateway
	transport realtime.Transport
	endpoint  photovote.CheckoutEndpoint
	reach     photovote.Reachability
}

// New creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Vote", "Watch").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation, parameters string, opts Options) (*App, error) {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	op := NewOperation(operation, parameters, clock.Now())
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	sl, logFile, err := newLogger(cfg.LogDir, op.ID, opts.Stderr, level)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}

	a := &App{cfg: cfg, clock: clock, logger: logger, op: op, logFile: logFile}

	a.journal, err = database.NewJournalFromConfig(cfg.Journal)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating journal: %w", err)
	}

	source, err := feed.NewSourceFromConfig(ctx, cfg.Feed, cfg.Backend.Timeout())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating feed source: %w", err)
	}

	b, err := newBackend(cfg, clock, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating backend: %w", err)
	}
	a.gw = b.gw
	a.transport = b.transport

	a.sessions = photovote.NewSessionManager(b.gw, clock, logger)
	a.billing = photovote.NewSubscriptionReader(b.gw, logger)

	a.photos = photovote.NewSynchronizer(b.gw, source, logger, clock, photovote.UUIDGenerator{})
	a.photos.SetReachability(b.reach)
	a.photos.SetJournal(a.journal)
	a.photos.SetQuota(a.billing.Quota(cfg.Votes.FreeLimit, cfg.Votes.SubscriberLimit))
	if opts.Navigator != nil {
		a.photos.SetNavigator(opts.Navigator)
	}
	switch {
	case opts.Feedback != nil:
		a.photos.SetFeedback(opts.Feedback)
	case cfg.Feedback && opts.Stderr != nil:
		a.photos.SetFeedback(NewBellFeedback(opts.Stderr))
	}

	a.checkout = photovote.NewCheckout(b.gw, b.endpoint, products(cfg.Checkout.Products),
		cfg.Checkout.SuccessURL, cfg.Checkout.CancelURL, logger)
	a.checkout.SetReachability(b.reach)

	logger.Info("operation started", "operation", op.Name, "parameters", op.Parameters, "backend", cfg.Backend.Type)
	return a, nil
}

func newBackend(cfg *config.Config, clock clockwork.Clock, logger photovote.Logger) (*backend, error) {
	switch cfg.Backend.Type {
	case "memory":
		gw := gateway.NewMemoryGateway(clock, photovote.UUIDGenerator{}, logger)
		gw.SeedDemo()
		return &backend{
			gw:       gw,
			endpoint: gateway.NewMemoryCheckout(cfg.Checkout.SuccessURL),
			reach:    photovote.AlwaysOnline{},
		}, nil
	case "rest", "":
		store, err := sessionstore.NewStoreFromConfig(cfg.Session)
		if err != nil {
			return nil, fmt.Errorf("creating session store: %w", err)
		}

		// The transport joins channels with the gateway's current token.
		var rest *gateway.RESTGateway
		token := func() string { return rest.AccessToken() }
		transport, err := realtime.NewTransportFromConfig(cfg.Realtime, cfg.Backend, token, clock, logger)
		if err != nil {
			return nil, fmt.Errorf("creating realtime transport: %w", err)
		}
		var changes gateway.ChangeFeed
		if transport != nil {
			changes = transport
		}

		rest = gateway.NewRESTGateway(cfg.Backend.URL, cfg.Backend.AnonKey, store, changes, clock, logger)
		rest.SetTimeout(cfg.Backend.Timeout())

		reach, err := gateway.NewDialReachability(cfg.Backend.URL, reachabilityTimeout)
		if err != nil {
			if transport != nil {
				transport.Close()
			}
			return nil, fmt.Errorf("creating reachability check: %w", err)
		}
		return &backend{
			gw:        rest,
			transport: transport,
			endpoint:  gateway.NewCheckoutClient(cfg.Backend.URL, cfg.Backend.AnonKey),
			reach:     reach,
		}, nil
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}
}

func products(cfgs []config.ProductConfig) []photovote.Product {
	out := make([]photovote.Product, 0, len(cfgs))
	for _, p := range cfgs {
		mode := p.Mode
		if mode == "" {
			mode = "subscription"
		}
		out = append(out, photovote.Product{
			Key:         p.Key,
			Name:        p.Name,
			Description: p.Description,
			PriceID:     p.PriceID,
			Mode:        mode,
		})
	}
	return out
}

// Start loads the current session and the billing status, and subscribes
// both to auth state changes.
func (a *App) Start(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		return err
	}
	return a.billing.Start(ctx)
}

// Load starts the app and fetches the photo catalog once.
func (a *App) Load(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	return a.photos.Refresh(ctx)
}

// Watch keeps the catalog, session and billing status in sync with the
// backend until ctx is done. onChange receives every new catalog.
// Start must have been called.
func (a *App) Watch(ctx context.Context, onChange func([]photovote.Photo)) error {
	if onChange != nil {
		a.photos.SetOnChange(onChange)
	}
	if err := a.photos.Start(ctx); err != nil {
		return err
	}

	// The first loop to stop stops the others.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	loops := []func(context.Context) error{a.photos.Run, a.sessions.Run, a.billing.Run}
	for i, run := range loops {
		wg.Add(1)
		go func(i int, run func(context.Context) error) {
			defer wg.Done()
			errs[i] = run(runCtx)
			cancel()
		}(i, run)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return ctx.Err()
}

// Refresh reloads the photo catalog.
func (a *App) Refresh(ctx context.Context) error {
	return a.photos.Refresh(ctx)
}

// Photos returns the catalog in presentation order.
func (a *App) Photos() []photovote.Photo {
	return a.photos.Photos()
}

// Photo returns the photo with the given ID.
func (a *App) Photo(id string) (photovote.Photo, bool) {
	return a.photos.Photo(id)
}

// Leaderboard returns the catalog ordered by votes.
func (a *App) Leaderboard() []photovote.Photo {
	return a.photos.Leaderboard()
}

// Vote toggles the user's vote on a photo.
func (a *App) Vote(ctx context.Context, photoID string) error {
	if _, ok := a.photos.Photo(photoID); !ok {
		return fmt.Errorf("photo %s not found", photoID)
	}
	if err := a.photos.VoteToggle(ctx, photoID); err != nil {
		return fmt.Errorf("toggling vote on photo %s: %w", photoID, err)
	}
	return nil
}

// PhotoFromRoute extracts the photo ID from a post-auth continuation route
// such as "/photo/3".
func PhotoFromRoute(route string) (string, bool) {
	id, ok := strings.CutPrefix(route, "/photo/")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Resume continues the action that sent the user to sign in. Photo routes
// retry the vote once the catalog reflects the new session. It returns the
// photo ID acted on, or "" when the route carries no action.
func (a *App) Resume(ctx context.Context, route string) (string, error) {
	id, ok := PhotoFromRoute(route)
	if !ok {
		return "", nil
	}
	if err := a.photos.Refresh(ctx); err != nil {
		return "", err
	}
	return id, a.Vote(ctx, id)
}

// SignIn signs in with email and password.
func (a *App) SignIn(ctx context.Context, email, password string) error {
	return a.sessions.SignIn(ctx, email, password)
}

// SignUp creates an account and signs in.
func (a *App) SignUp(ctx context.Context, email, password string) error {
	return a.sessions.SignUp(ctx, email, password)
}

// JustSignedUp reports whether the last SignUp created an account.
func (a *App) JustSignedUp() bool {
	return a.sessions.JustSignedUp()
}

// WatchCooldown emits the seconds left before sign-up is allowed again,
// once per second until zero.
func (a *App) WatchCooldown(ctx context.Context) <-chan int {
	return a.sessions.WatchCooldown(ctx)
}

// SignOut ends the session.
func (a *App) SignOut(ctx context.Context) error {
	return a.sessions.SignOut(ctx)
}

// Session returns the current session, or nil when signed out.
func (a *App) Session(ctx context.Context) (*photovote.Session, error) {
	return a.gw.GetSession(ctx)
}

// Profile returns the account summary, or nil when signed out.
func (a *App) Profile(ctx context.Context) (*Profile, error) {
	s, err := a.gw.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	return &Profile{
		Email:     s.User.Email,
		VoteCount: a.photos.VoteCount(),
		Voted:     a.photos.VotedPhotos(),
		Billing:   a.billing.Record(),
		Status:    a.billing.Status(),
	}, nil
}

// Subscription re-reads and returns the billing record (nil when absent).
func (a *App) Subscription(ctx context.Context) (*photovote.BillingRecord, error) {
	if err := a.billing.Refresh(ctx); err != nil {
		return nil, err
	}
	return a.billing.Record(), nil
}

// Products returns the configured checkout products.
func (a *App) Products() []photovote.Product {
	return products(a.cfg.Checkout.Products)
}

// Checkout creates a payment session for a product and returns its URL.
func (a *App) Checkout(ctx context.Context, productKey string) (string, error) {
	return a.checkout.CreateSession(ctx, productKey)
}

// History returns the most recent vote operations.
func (a *App) History(limit int) ([]*photovote.VoteOperation, error) {
	return a.journal.ListVoteOperations(limit)
}

// HistorySummary counts the recorded vote operations by state.
func (a *App) HistorySummary() (map[photovote.VoteState]int, error) {
	return a.journal.CountByState()
}

// BackupHistory copies the vote journal to destPath, which must not exist.
func (a *App) BackupHistory(destPath string) error {
	if err := a.journal.BackupTo(destPath); err != nil {
		return fmt.Errorf("backing up vote history: %w", err)
	}
	a.logger.Info("vote history backed up", "path", destPath)
	return nil
}

// Operation returns the operation being run.
func (a *App) Operation() *Operation {
	return a.op
}

// Finish records the outcome of the operation.
func (a *App) Finish(err error) {
	a.op.Finish(a.clock.Now(), err)
}

// Close ends all subscriptions, closes the transport and the journal, and
// logs the operation outcome.
func (a *App) Close() error {
	var firstErr error

	if a.photos != nil {
		a.photos.Close()
	}
	if a.sessions != nil {
		a.sessions.Close()
	}
	if a.billing != nil {
		a.billing.Close()
	}

	if a.transport != nil {
		if err := a.transport.Close(); err != nil {
			firstErr = fmt.Errorf("closing realtime transport: %w", err)
		}
	}

	if a.journal != nil {
		if err := a.journal.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing journal: %w", err)
		}
	}

	a.op.Finish(a.clock.Now(), nil)
	if a.op.Status == "error" {
		a.logger.Error("operation failed", "operation", a.op.Name, "error", a.op.Error, "duration", a.op.Duration())
	} else {
		a.logger.Info("operation finished", "operation", a.op.Name, "duration", a.op.Duration())
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}
