package photovote

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SubscriptionStatus is the billing state reported by the payment provider.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusAbsent   SubscriptionStatus = "absent"
)

// BillingRecord is the read-only projection of the user's subscription.
type BillingRecord struct {
	Status            SubscriptionStatus
	CurrentPeriodEnd  *time.Time
	CancelAtPeriodEnd bool
}

type billingRow struct {
	Status            string `json:"subscription_status"`
	CurrentPeriodEnd  *int64 `json:"current_period_end"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
}

// SubscriptionReader keeps the current user's billing status, refreshed on
// start and on every auth state change.
type SubscriptionReader struct {
	gw     Gateway
	logger Logger

	mu      sync.Mutex
	record  *BillingRecord
	loading bool
	lastErr string
	sub     AuthSubscription
}

// NewSubscriptionReader creates a reader with an absent status.
func NewSubscriptionReader(gw Gateway, logger Logger) *SubscriptionReader {
	return &SubscriptionReader{gw: gw, logger: logger}
}

// Refresh reads at most one billing row for the current session. Without a
// session the status is absent and no error is returned.
func (r *SubscriptionReader) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.loading = true
	r.lastErr = ""
	r.mu.Unlock()

	rec, err := r.fetch(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	if err != nil {
		r.lastErr = err.Error()
		r.logger.Error("fetching subscription", "error", err)
		return err
	}
	r.record = rec
	return nil
}

func (r *SubscriptionReader) fetch(ctx context.Context) (*BillingRecord, error) {
	s, err := r.gw.GetSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if s == nil {
		return nil, nil
	}

	var rows []billingRow
	filter := Filter{Columns: "subscription_status,current_period_end,cancel_at_period_end", Limit: 2}
	if err := r.gw.Query(ctx, TableSubscriptions, filter, &rows); err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, nil
	case 1:
	default:
		return nil, errors.New("multiple subscription rows returned")
	}

	rec := &BillingRecord{
		Status:            SubscriptionStatus(rows[0].Status),
		CancelAtPeriodEnd: rows[0].CancelAtPeriodEnd,
	}
	if rows[0].CurrentPeriodEnd != nil {
		t := time.Unix(*rows[0].CurrentPeriodEnd, 0).UTC()
		rec.CurrentPeriodEnd = &t
	}
	return rec, nil
}

// Start subscribes to auth state changes and performs the first read.
func (r *SubscriptionReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.sub != nil {
		r.mu.Unlock()
		return errors.New("subscription reader already started")
	}
	r.sub = r.gw.OnAuthStateChange()
	r.mu.Unlock()

	_ = r.Refresh(ctx)
	return nil
}

// Run refreshes on every auth state change until ctx is done.
func (r *SubscriptionReader) Run(ctx context.Context) error {
	r.mu.Lock()
	sub := r.sub
	r.mu.Unlock()
	if sub == nil {
		return errors.New("subscription reader not started")
	}
	defer r.Close()

	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return nil
			}
			_ = r.Refresh(ctx)
		}
	}
}

// Close ends the auth state subscription.
func (r *SubscriptionReader) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
}

// Status returns the billing status, StatusAbsent when there is no record.
func (r *SubscriptionReader) Status() SubscriptionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return StatusAbsent
	}
	return r.record.Status
}

// Record returns a copy of the billing record, or nil.
func (r *SubscriptionReader) Record() *BillingRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.record == nil {
		return nil
	}
	rec := *r.record
	return &rec
}

// IsActive reports whether the subscription is active.
func (r *SubscriptionReader) IsActive() bool {
	return r.Status() == StatusActive
}

// LastError returns the message of the most recent failure, or "".
func (r *SubscriptionReader) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Loading reports whether a read is in flight.
func (r *SubscriptionReader) Loading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

// Quota returns the vote limit for the current billing status.
func (r *SubscriptionReader) Quota(free, subscriber int) func() int {
	return func() int {
		if r.IsActive() {
			return subscriber
		}
		return free
	}
}
