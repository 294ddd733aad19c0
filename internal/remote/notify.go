package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Notifier tells devices that records they can read changed. Delivery is
// best effort; devices still sync on their own interval.
type Notifier interface {
	Notify(ctx context.Context, userIDs []string, version int64)
}

// NopNotifier drops notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, []string, int64) {}

// Change is the payload published for each affected user.
type Change struct {
	UserID  string `json:"user_id"`
	Version int64  `json:"version"`
}

// Subject returns the NATS subject carrying changes for userID.
func Subject(prefix, userID string) string {
	if prefix == "" {
		prefix = "memsync"
	}
	return prefix + ".changes." + subjectToken(userID)
}

// subjectToken makes userID safe as a single subject token.
func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// NATSNotifier publishes Change messages on a NATS connection.
type NATSNotifier struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSNotifier creates a notifier publishing under prefix.
func NewNATSNotifier(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSNotifier{nc: nc, prefix: prefix, logger: logger}
}

func (n *NATSNotifier) Notify(_ context.Context, userIDs []string, version int64) {
	for _, u := range userIDs {
		data, err := json.Marshal(Change{UserID: u, Version: version})
		if err != nil {
			continue
		}
		if err := n.nc.Publish(Subject(n.prefix, u), data); err != nil {
			Notifications.WithLabelValues("error").Inc()
			n.logger.Warn("change notification failed", zap.String("user_id", u), zap.Error(err))
			continue
		}
		Notifications.WithLabelValues("published").Inc()
	}
}

// SubscribeChanges calls fn for every change published for userID.
// Malformed messages are dropped.
func SubscribeChanges(nc *nats.Conn, prefix, userID string, fn func(Change)) (*nats.Subscription, error) {
	sub, err := nc.Subscribe(Subject(prefix, userID), func(msg *nats.Msg) {
		var c Change
		if err := json.Unmarshal(msg.Data, &c); err != nil {
			return
		}
		fn(c)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to changes for %s: %w", userID, err)
	}
	return sub, nil
}
