package photovote_test

import (
	"errors"
	"fmt"
	"testing"

	"photovote/internal/photovote"
)

func TestError_Is(t *testing.T) {
	cause := errors.New("vote not found")
	err := fmt.Errorf("toggling: %w", &photovote.Error{
		Kind:    photovote.KindVoteRemovalFailed,
		Message: "Failed to remove vote: vote not found",
		Err:     cause,
	})

	tests := []struct {
		name   string
		target error
		want   bool
	}{
		{"same kind sentinel", photovote.ErrVoteRemovalFailed, true},
		{"other kind sentinel", photovote.ErrVoteAdditionFailed, false},
		{"wrapped cause", cause, true},
		{"unrelated", errors.New("vote not found"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(err, tt.target); got != tt.want {
				t.Errorf("errors.Is() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain", errors.New("boom"), "boom"},
		{"classified", photovote.ErrNetworkUnavailable, photovote.MsgNetworkUnavailable},
		{
			name: "wrapped classified",
			err:  fmt.Errorf("refreshing: %w", &photovote.Error{Kind: photovote.KindRefreshFailed, Message: "Failed to fetch XML data"}),
			want: "Failed to fetch XML data",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := photovote.Message(tt.err); got != tt.want {
				t.Errorf("Message() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEventMask(t *testing.T) {
	tests := []struct {
		in   string
		want photovote.EventMask
	}{
		{"INSERT", photovote.EventInsert},
		{"UPDATE", photovote.EventUpdate},
		{"DELETE", photovote.EventDelete},
		{"TRUNCATE", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := photovote.ParseEventType(tt.in)
			if got != tt.want {
				t.Errorf("ParseEventType(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if tt.want != 0 && !photovote.EventAll.Has(got) {
				t.Errorf("EventAll.Has(%v) = false", got)
			}
		})
	}
}
