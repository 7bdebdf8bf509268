package realtime

import (
	"testing"

	"photovote/internal/photovote"
)

func TestSubject(t *testing.T) {
	got := Subject("photovote", "photos", photovote.EventUpdate)
	if got != "photovote.photos.UPDATE" {
		t.Errorf("Subject() = %q, want %q", got, "photovote.photos.UPDATE")
	}
}

func TestParseSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    photovote.Change
		wantOK  bool
	}{
		{
			name:    "insert on user_votes",
			subject: "photovote.user_votes.INSERT",
			want:    photovote.Change{Table: "user_votes", Event: photovote.EventInsert},
			wantOK:  true,
		},
		{
			name:    "delete on photos",
			subject: "photovote.photos.DELETE",
			want:    photovote.Change{Table: "photos", Event: photovote.EventDelete},
			wantOK:  true,
		},
		{name: "other prefix", subject: "other.photos.INSERT"},
		{name: "missing event", subject: "photovote.photos"},
		{name: "unknown event", subject: "photovote.photos.TRUNCATE"},
		{name: "empty table", subject: "photovote..INSERT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseSubject("photovote", tt.subject)
			if ok != tt.wantOK {
				t.Fatalf("parseSubject(%q) ok = %v, want %v", tt.subject, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("parseSubject(%q) = %+v, want %+v", tt.subject, got, tt.want)
			}
		})
	}
}

func TestNewNATSTransport_Unreachable(t *testing.T) {
	if _, err := NewNATSTransport("nats://127.0.0.1:1", "", photovote.NewNopLogger()); err == nil {
		t.Fatal("NewNATSTransport() expected connection error")
	}
}

func TestChangeSubscription(t *testing.T) {
	t.Run("drops changes for other tables and events", func(t *testing.T) {
		sub := newChangeSubscription("photos", photovote.EventUpdate)

		if sub.deliver(photovote.Change{Table: "user_votes", Event: photovote.EventUpdate}) {
			t.Error("deliver() accepted another table")
		}
		if sub.deliver(photovote.Change{Table: "photos", Event: photovote.EventInsert}) {
			t.Error("deliver() accepted an event outside the mask")
		}
		if !sub.deliver(photovote.Change{Table: "photos", Event: photovote.EventUpdate}) {
			t.Error("deliver() rejected a matching change")
		}
	})

	t.Run("unsubscribe closes once and runs leave", func(t *testing.T) {
		sub := newChangeSubscription("photos", photovote.EventAll)
		leaves := 0
		sub.leave = func() error { leaves++; return nil }

		sub.Unsubscribe()
		sub.Unsubscribe()

		if leaves != 1 {
			t.Errorf("leave called %d times, want 1", leaves)
		}
		if _, ok := <-sub.Changes(); ok {
			t.Error("Changes() still open after Unsubscribe()")
		}
		if sub.deliver(photovote.Change{Table: "photos", Event: photovote.EventInsert}) {
			t.Error("deliver() accepted a change after close")
		}
	})

	t.Run("full buffer drops", func(t *testing.T) {
		sub := newChangeSubscription("photos", photovote.EventAll)
		for i := 0; i < subscriptionBuffer; i++ {
			sub.deliver(photovote.Change{Table: "photos", Event: photovote.EventUpdate})
		}
		if sub.deliver(photovote.Change{Table: "photos", Event: photovote.EventUpdate}) {
			t.Error("deliver() queued beyond the buffer")
		}
	})
}
