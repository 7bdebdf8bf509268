package photovote

import (
	"encoding/json"
	"time"
)

// Photo is the client-side projection of a photos row joined with the
// current user's vote relation at the time of the last sync.
type Photo struct {
	ID           string
	ExternalID   string
	URL          string
	Title        string
	Photographer string
	Votes        int
	UserVoted    bool
	DateAdded    time.Time
	Description  string
}

// photoRow mirrors the photos table as returned by the gateway.
type photoRow struct {
	ID           string    `json:"id"`
	ExternalID   string    `json:"external_id"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Photographer string    `json:"photographer"`
	Description  *string   `json:"description"`
	Votes        *int      `json:"votes"`
	DateAdded    timestamp `json:"date_added"`
}

// timestampLayouts are tried in order. Values without a zone are UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// timestamp decodes the date columns the backend may send with or without a
// zone. Anything unparsable decodes to the zero time rather than failing the
// whole row set.
type timestamp struct{ time.Time }

func (t *timestamp) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		t.Time = time.Time{}
		return nil
	}
	t.Time = parseTimestamp(*raw)
	return nil
}

func parseTimestamp(v string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// voteRow mirrors the photo_id column of the user_votes table.
type voteRow struct {
	PhotoID string `json:"photo_id"`
}

// FeedItem is one entry of the supplementary description feed.
type FeedItem struct {
	Link        string
	Description string
}

// clonePhotos returns a copy of photos that callers may keep.
func clonePhotos(photos []Photo) []Photo {
	out := make([]Photo, len(photos))
	copy(out, photos)
	return out
}
