package channel

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WSChannel consumes conversation events from a push gateway over a
// websocket. The gateway filters server-side: the conversation id is
// passed as a query parameter on dial.
type WSChannel struct {
	gatewayURL string
	logger     *zap.Logger
	onState    func(connected bool)
}

// NewWSChannel creates a websocket channel for the given gateway URL.
func NewWSChannel(gatewayURL string, logger *zap.Logger, onState func(connected bool)) *WSChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSChannel{gatewayURL: gatewayURL, logger: logger, onState: onState}
}

func (c *WSChannel) Subscribe(ctx context.Context, conversationID string, fn Handler) (Subscription, error) {
	u, err := url.Parse(c.gatewayURL)
	if err != nil {
		return nil, fmt.Errorf("gateway url: %w", err)
	}
	q := u.Query()
	q.Set("conversation", conversationID)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-done:
				default:
					c.logger.Warn("gateway read failed", zap.Error(err))
					if c.onState != nil {
						c.onState(false)
					}
				}
				return
			}
			evt, err := decodeEvent(payload)
			if err != nil {
				c.logger.Error("bad gateway payload", zap.Error(err))
				continue
			}
			fn(evt)
		}
	}()

	return &subscription{close: func() error {
		close(done)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}}, nil
}
