package status

import (
	"context"
	"fmt"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
)

// Badge colors
const (
	ColorConnected    = "#2e7d32"
	ColorDisconnected = "#d32f2f"
	ColorLoggingIn    = "#f9a825"
	ColorFailed       = "#616161"
	ColorIdle         = "#4CAF50"
)

// BadgeFor maps a status to the indicator text and color
func BadgeFor(status models.Status) models.Badge {
	switch status {
	case models.StatusConnected:
		return models.Badge{Text: "ON", Color: ColorConnected}
	case models.StatusDisconnected:
		return models.Badge{Text: "OFF", Color: ColorDisconnected}
	case models.StatusLoggingIn, models.StatusLoginRequested:
		return models.Badge{Text: "LOG", Color: ColorLoggingIn}
	case models.StatusLoginRequestFailed, models.StatusError:
		return models.Badge{Text: "ERR", Color: ColorFailed}
	default:
		return models.Badge{Text: "", Color: ColorIdle}
	}
}

// dispatchQueueSize bounds changes waiting for listeners before Set blocks
const dispatchQueueSize = 64

type queuedChange struct {
	ctx   context.Context
	event interfaces.Event
}

// Indicator is the single global badge. It is not tracked per tab.
// Changes reach listeners one at a time, in the order they were applied.
type Indicator struct {
	machine      *models.StateMachine
	eventService interfaces.EventService
	logger       arbor.ILogger
	mu           sync.Mutex // guards transition and enqueue
	queue        chan queuedChange
	done         chan struct{}
	closed       bool
}

// NewIndicator creates an indicator in the starting state and starts its dispatcher
func NewIndicator(eventService interfaces.EventService, logger arbor.ILogger) *Indicator {
	i := &Indicator{
		machine:      models.NewStateMachine(models.StatusStarting),
		eventService: eventService,
		logger:       logger,
		queue:        make(chan queuedChange, dispatchQueueSize),
		done:         make(chan struct{}),
	}
	common.SafeGo(logger, "indicatorDispatch", i.dispatch)
	return i
}

// dispatch delivers each change synchronously so the next one waits for every listener
func (i *Indicator) dispatch() {
	defer close(i.done)
	for change := range i.queue {
		if err := i.eventService.PublishSync(change.ctx, change.event); err != nil {
			i.logger.Warn().Err(err).Msg("Failed to publish status change")
		}
	}
}

// Close delivers pending changes and stops the dispatcher
func (i *Indicator) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		<-i.done
		return
	}
	i.closed = true
	close(i.queue)
	i.mu.Unlock()
	<-i.done
}

// Set applies a status along the transition table.
// Undeclared moves return models.ErrInvalidTransition and change nothing.
func (i *Indicator) Set(ctx context.Context, status models.Status) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	previous := i.machine.Current()
	changed, err := i.machine.Transition(status)
	if err != nil {
		i.logger.Debug().
			Str("from", previous.String()).
			Str("to", status.String()).
			Msg("Indicator transition rejected")
		return fmt.Errorf("indicator: %w", err)
	}
	if changed {
		i.publish(ctx, previous, status)
	}
	return nil
}

// Reset forces the indicator to a status, bypassing the table
func (i *Indicator) Reset(ctx context.Context, status models.Status) {
	i.mu.Lock()
	defer i.mu.Unlock()

	previous := i.machine.Current()
	i.machine.Reset(status)
	if previous != status {
		i.publish(ctx, previous, status)
	}
}

func (i *Indicator) publish(ctx context.Context, previous, status models.Status) {
	badge := BadgeFor(status)

	i.logger.Info().
		Str("from", previous.String()).
		Str("to", status.String()).
		Str("badge", badge.Text).
		Msg("Indicator changed")

	if i.eventService == nil || i.closed {
		return
	}
	i.queue <- queuedChange{
		ctx: context.WithoutCancel(ctx),
		event: interfaces.Event{
			Type: interfaces.EventStatusChanged,
			Payload: interfaces.StatusChangedPayload{
				Previous: previous,
				Status:   status,
				Badge:    badge,
			},
		},
	}
}

// Current returns the latest accepted status
func (i *Indicator) Current() models.Status {
	return i.machine.Current()
}

// Badge returns the text/color pair of the current status
func (i *Indicator) Badge() models.Badge {
	return BadgeFor(i.machine.Current())
}
