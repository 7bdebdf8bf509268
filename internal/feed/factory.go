package feed

import (
	"context"
	"fmt"
	"time"

	"photovote/internal/config"
	"photovote/internal/photovote"
)

// NewSourceFromConfig creates a FeedSource based on the feed config type.
// Type "none" yields a nil source, meaning no feed.
func NewSourceFromConfig(ctx context.Context, cfg config.FeedConfig, timeout time.Duration) (photovote.FeedSource, error) {
	switch cfg.Type {
	case "http", "":
		u := cfg.URL
		if u == "" {
			u = config.DefaultFeedURL
		}
		return NewHTTPSource(u, timeout)
	case "s3":
		return NewS3Source(ctx, cfg)
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("file feed requires path to be set")
		}
		return NewFileSource(cfg.Path), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown feed type: %s", cfg.Type)
	}
}
