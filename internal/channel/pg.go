package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PGChannel subscribes to the pg_notify feed emitted by the store's
// messages trigger. This is the default transport: the store itself
// pushes changes, no extra broker is involved.
type PGChannel struct {
	dsn     string
	logger  *zap.Logger
	onState func(connected bool)
}

// NewPGChannel creates a Postgres LISTEN/NOTIFY channel. onState may
// be nil; when set it is invoked as the listener connection drops and
// recovers.
func NewPGChannel(dsn string, logger *zap.Logger, onState func(connected bool)) *PGChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PGChannel{dsn: dsn, logger: logger, onState: onState}
}

// Subscribe listens on the conversation's NOTIFY channel until the
// subscription is closed or ctx is cancelled.
func (c *PGChannel) Subscribe(ctx context.Context, conversationID string, fn Handler) (Subscription, error) {
	listener := pq.NewListener(c.dsn, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
			if err != nil {
				c.logger.Warn("notify listener disconnected", zap.Error(err))
			}
			if c.onState != nil {
				c.onState(false)
			}
		case pq.ListenerEventReconnected:
			c.logger.Info("notify listener reconnected")
			if c.onState != nil {
				c.onState(true)
			}
		}
	})

	if err := listener.Listen("conversation_" + conversationID); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen conversation %s: %w", conversationID, err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case n := <-listener.Notify:
				if n == nil {
					// Delivered after a reconnect; notifications may
					// have been missed while the connection was down.
					continue
				}
				evt, err := decodeEvent([]byte(n.Extra))
				if err != nil {
					c.logger.Error("bad notify payload", zap.Error(err))
					continue
				}
				fn(evt)
			case <-time.After(90 * time.Second):
				go func() { _ = listener.Ping() }()
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return &subscription{close: func() error {
		close(done)
		return listener.Close()
	}}, nil
}
