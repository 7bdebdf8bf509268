package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"photovote/internal/config"
	"photovote/internal/photovote"
)

// Transport is a change feed that owns a connection.
type Transport interface {
	Subscribe(ctx context.Context, table string, mask photovote.EventMask) (photovote.Subscription, error)
	Close() error
}

var (
	_ Transport = (*WebsocketTransport)(nil)
	_ Transport = (*NATSTransport)(nil)
)

// NewTransportFromConfig creates the transport selected by cfg.Type. A nil
// Transport is returned for "none". token supplies the access token for
// websocket channel joins.
func NewTransportFromConfig(cfg config.RealtimeConfig, backend config.BackendConfig, token func() string, clock clockwork.Clock, logger photovote.Logger) (Transport, error) {
	switch cfg.Type {
	case "websocket", "":
		wsURL := cfg.URL
		if wsURL == "" {
			var err error
			wsURL, err = WebsocketURL(backend.URL, backend.AnonKey)
			if err != nil {
				return nil, fmt.Errorf("deriving realtime url: %w", err)
			}
		}
		heartbeat := time.Duration(cfg.HeartbeatSeconds) * time.Second
		return NewWebsocketTransport(wsURL, token, heartbeat, clock, logger), nil
	case "nats":
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("realtime nats_url required")
		}
		return NewNATSTransport(cfg.NATSURL, cfg.SubjectPrefix, logger)
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown realtime type: %q", cfg.Type)
	}
}
