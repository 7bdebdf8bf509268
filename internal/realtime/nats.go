package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"photovote/internal/photovote"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "photovote"

// NATSTransport receives row changes relayed onto a NATS subject per table
// and event: <prefix>.<table>.<INSERT|UPDATE|DELETE>.
type NATSTransport struct {
	nc     *nats.Conn
	prefix string
	logger photovote.Logger
}

// NewNATSTransport connects to the server at url.
func NewNATSTransport(url, prefix string, logger photovote.Logger) (*NATSTransport, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	nc, err := nats.Connect(url,
		nats.Name("photovote"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &NATSTransport{nc: nc, prefix: prefix, logger: logger}, nil
}

// Subject returns the subject a change on table is published to.
func Subject(prefix, table string, event photovote.EventMask) string {
	return prefix + "." + table + "." + event.String()
}

// parseSubject extracts the change named by a subject under prefix.
func parseSubject(prefix, subject string) (photovote.Change, bool) {
	rest, ok := strings.CutPrefix(subject, prefix+".")
	if !ok {
		return photovote.Change{}, false
	}
	table, event, ok := strings.Cut(rest, ".")
	if !ok || table == "" {
		return photovote.Change{}, false
	}
	mask := photovote.ParseEventType(event)
	if mask == 0 {
		return photovote.Change{}, false
	}
	return photovote.Change{Table: table, Event: mask}, true
}

func (t *NATSTransport) Subscribe(_ context.Context, table string, mask photovote.EventMask) (photovote.Subscription, error) {
	sub := newChangeSubscription(table, mask)
	ns, err := t.nc.Subscribe(t.prefix+"."+table+".*", func(m *nats.Msg) {
		change, ok := parseSubject(t.prefix, m.Subject)
		if !ok {
			t.logger.Debug("ignoring nats message", "subject", m.Subject)
			return
		}
		sub.deliver(change)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", table, err)
	}
	sub.leave = ns.Unsubscribe
	return sub, nil
}

// Publish announces a change. Used by relays and tests.
func (t *NATSTransport) Publish(change photovote.Change) error {
	if err := t.nc.Publish(Subject(t.prefix, change.Table, change.Event), nil); err != nil {
		return fmt.Errorf("publishing change: %w", err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	t.nc.Close()
	return nil
}
