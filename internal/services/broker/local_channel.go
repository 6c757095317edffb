package broker

import (
	"context"
	"fmt"

	"github.com/ternarybob/portalguard/internal/models"
)

// LocalChannel reaches the broker in-process. It never becomes invalid.
type LocalChannel struct {
	broker *Broker
	sender models.Sender
}

// NewLocalChannel creates a channel that identifies itself as sender
func NewLocalChannel(broker *Broker, sender models.Sender) *LocalChannel {
	return &LocalChannel{broker: broker, sender: sender}
}

func (c *LocalChannel) Valid() bool {
	return true
}

func (c *LocalChannel) BackgroundLogin(ctx context.Context, req models.Message) (*models.Response, error) {
	req.Action = models.ActionBackgroundLogin
	return c.broker.BackgroundLogin(ctx, c.sender, req), nil
}

func (c *LocalChannel) StatusUpdate(ctx context.Context, status models.Status) error {
	resp := c.broker.StatusUpdate(ctx, models.Message{Action: models.ActionStatusUpdate, Status: string(status)})
	if !resp.Success {
		return fmt.Errorf("status update rejected: %s", resp.Error)
	}
	return nil
}
