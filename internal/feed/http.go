package feed

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"time"

	"photovote/internal/httpclient"
	"photovote/internal/photovote"
)

// HTTPSource fetches the feed document over HTTP.
type HTTPSource struct {
	client *httpclient.BaseClient
	path   string
}

var _ photovote.FeedSource = (*HTTPSource)(nil)

// NewHTTPSource creates a source for the document at rawURL.
func NewHTTPSource(rawURL string, timeout time.Duration) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing feed url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("feed url %q must be absolute", rawURL)
	}
	path := u.RequestURI()
	u.Path, u.RawPath, u.RawQuery = "", "", ""

	client := httpclient.NewBaseClient(u.String())
	client.SetHeader("Accept", "application/xml, text/xml")
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &HTTPSource{client: client, path: path}, nil
}

func (s *HTTPSource) Items(ctx context.Context) ([]photovote.FeedItem, error) {
	data, err := s.client.Get(ctx, s.path)
	if err != nil {
		return nil, fmt.Errorf("fetching feed: %w", err)
	}
	return Parse(bytes.NewReader(data))
}
