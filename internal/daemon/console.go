package daemon

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pvictorino/dmsync/internal/bus"
	"github.com/pvictorino/dmsync/internal/config"
	"github.com/pvictorino/dmsync/internal/engine"
	"github.com/pvictorino/dmsync/internal/status"
	"go.uber.org/zap"
)

// Console is the minimal host glue: stdin lines become sends, bus
// notifications become stdout lines. Anything resembling an actual
// UI lives outside the daemon.
type Console struct {
	engine *engine.Engine
	bus    *bus.Bus
	self   string
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewConsole creates the console bridge.
func NewConsole(eng *engine.Engine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *Console {
	return &Console{engine: eng, bus: b, self: cfg.UserID, logger: logger}
}

// Start begins reading stdin and printing bus notifications.
func (c *Console) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	events, unsub := c.bus.Subscribe("", 256)
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-events:
				c.render(evt)
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line := scanner.Text()
			if strings.TrimSpace(line) == "/refresh" {
				if err := c.engine.Refresh(ctx); err != nil {
					fmt.Printf("! refresh failed: %v\n", err)
				}
				continue
			}
			c.engine.Send(ctx, line)
		}
	}()
}

// Stop halts the console loops.
func (c *Console) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Console) render(evt bus.Event) {
	switch evt.Kind {
	case bus.KindListChanged:
		msgs := c.engine.Messages()
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		who := c.engine.Peer()
		if who == "" {
			who = "them"
		}
		if last.SenderID == c.self {
			who = "you"
		}
		state := ""
		if !last.Confirmed() {
			state = " (sending)"
		}
		fmt.Printf("[%s] %s: %s%s\n",
			time.UnixMilli(last.SentAt).Format("15:04:05"), who, last.Body, state)
	case bus.KindSendFailed:
		if failure, ok := evt.Payload.(engine.SendFailure); ok {
			fmt.Printf("! message not sent: %s\n", failure.Body)
		}
	case bus.KindLoadFailed:
		fmt.Printf("! could not load conversation, type /refresh to retry\n")
	case bus.KindStatusChanged:
		if change, ok := evt.Payload.(status.Change); ok {
			c.logger.Info("status changed",
				zap.String("from", string(change.From)),
				zap.String("to", string(change.To)))
		}
	}
}
