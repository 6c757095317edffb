package interfaces

import (
	"context"

	"github.com/ternarybob/portalguard/internal/models"
)

// BrokerChannel is how a monitor reaches the login broker
type BrokerChannel interface {
	// Valid is false once the broker behind the channel has been replaced
	Valid() bool

	BackgroundLogin(ctx context.Context, req models.Message) (*models.Response, error)
	StatusUpdate(ctx context.Context, status models.Status) error
}

// StatusIndicator is the global badge
type StatusIndicator interface {
	Set(ctx context.Context, status models.Status) error
	Reset(ctx context.Context, status models.Status)
	Current() models.Status
	Badge() models.Badge
}
