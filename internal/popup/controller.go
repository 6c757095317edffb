package popup

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/handlers"
	"github.com/ternarybob/portalguard/internal/models"
)

// Button labels
const (
	ButtonConnect    = "Connect Now"
	ButtonConnecting = "Connecting..."
	ButtonLoggingIn  = "Logging In"
	ButtonConnected  = "Connected"
	ButtonFailed     = "Failed"
	ButtonError      = "Error"
)

// Status lines
const (
	MessageNeedCredentials = "Please save credentials first"
	MessageAttempting      = "Attempting login..."
	MessageInProgress      = "Login in progress..."
	MessageLoginSucceeded  = "Login successful!"
	MessageOnline          = "Connected to internet"
	MessageOffline         = "No internet connection"
	MessageFailed          = "Connection failed"
	MessageSaved           = "Saved!"
)

const (
	successResetDelay = 4 * time.Second
	failureResetDelay = 2 * time.Second
	flashClearDelay   = 2 * time.Second
	checkTimeout      = 5 * time.Second
)

// ButtonState is the visual class of the connect button
type ButtonState string

const (
	ButtonIdle       ButtonState = ""
	ButtonBusy       ButtonState = "connecting"
	ButtonSuccess    ButtonState = "success"
	ButtonErrorState ButtonState = "error"
)

// ConnectionState is the visual class of the status line
type ConnectionState string

const (
	StateUnknown      ConnectionState = ""
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateError        ConnectionState = "error"
)

// View is everything the popup renders
type View struct {
	Button         string
	ButtonState    ButtonState
	ButtonDisabled bool
	State          ConnectionState
	StatusText     string
	Flash          string
	Badge          models.Badge
	Settings       handlers.SettingsView
}

// Daemon is the part of the daemon API the popup needs
type Daemon interface {
	Settings(ctx context.Context) (*handlers.SettingsView, error)
	SaveSettings(ctx context.Context, creds models.Credentials) error
	BackgroundLogin(ctx context.Context, req models.Message) (*models.Response, error)
}

// Prober answers whether the internet is reachable
type Prober interface {
	Check(ctx context.Context) bool
}

// Controller holds the popup state and drives the daemon
type Controller struct {
	daemon Daemon
	prober Prober
	logger arbor.ILogger
	after  func(d time.Duration, fn func())

	mu       sync.Mutex
	view     View
	onChange func(View)
	flashGen int
}

func NewController(daemon Daemon, prober Prober, logger arbor.ILogger) *Controller {
	return &Controller{
		daemon: daemon,
		prober: prober,
		logger: logger,
		after: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		view: View{Button: ButtonConnect},
	}
}

// OnChange registers the renderer callback, called after every state change
func (c *Controller) OnChange(fn func(View)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// View returns a copy of the current state
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Controller) update(fn func(v *View)) {
	c.mu.Lock()
	fn(&c.view)
	view := c.view
	notify := c.onChange
	c.mu.Unlock()

	if notify != nil {
		notify(view)
	}
}

func (c *Controller) setStatus(state ConnectionState, text string) {
	c.update(func(v *View) {
		v.State = state
		v.StatusText = text
	})
}

func (c *Controller) buttonDisabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.ButtonDisabled
}

// Load reads the saved settings and runs the initial connection check
func (c *Controller) Load(ctx context.Context) error {
	settings, err := c.daemon.Settings(ctx)
	if err != nil {
		c.setStatus(StateError, "Error: "+err.Error())
		return err
	}
	c.update(func(v *View) {
		v.Settings = *settings
	})
	c.CheckConnection(ctx)
	return nil
}

// Connect asks the broker for an immediate manual login
func (c *Controller) Connect(ctx context.Context) {
	if c.buttonDisabled() {
		return
	}

	settings, err := c.daemon.Settings(ctx)
	if err != nil {
		c.setStatus(StateError, "Error: "+err.Error())
		return
	}
	if settings.Username == "" || !settings.HasPassword {
		c.setStatus(StateError, MessageNeedCredentials)
		return
	}

	c.update(func(v *View) {
		v.Settings = *settings
		v.ButtonDisabled = true
		v.ButtonState = ButtonBusy
		v.Button = ButtonConnecting
		v.State = StateConnecting
		v.StatusText = MessageAttempting
	})

	resp, err := c.daemon.BackgroundLogin(ctx, models.Message{
		Action:     models.ActionBackgroundLogin,
		CurrentURL: models.ManualTriggerURL,
		Priority:   models.PriorityInstant,
		Manual:     true,
	})

	switch {
	case err != nil:
		c.logger.Debug().Err(err).Msg("Manual login request failed")
		c.update(func(v *View) {
			v.ButtonState = ButtonErrorState
			v.Button = ButtonError
			v.State = StateError
			v.StatusText = "Error: " + err.Error()
		})
		c.after(failureResetDelay, c.resetButton)

	case resp == nil || !resp.Success:
		message := MessageFailed
		if resp != nil && resp.Message != "" {
			message = resp.Message
		}
		c.update(func(v *View) {
			v.ButtonState = ButtonErrorState
			v.Button = ButtonFailed
			v.State = StateError
			v.StatusText = message
		})
		c.after(failureResetDelay, c.resetButton)

	default:
		c.update(func(v *View) {
			v.ButtonState = ButtonSuccess
			v.Button = ButtonLoggingIn
			v.State = StateConnecting
			v.StatusText = MessageInProgress
		})
		c.after(successResetDelay, func() {
			c.resetButton()
			c.checkInBackground()
		})
	}
}

// HandleBroadcast applies a daemon broadcast to the popup
func (c *Controller) HandleBroadcast(b models.Broadcast) {
	switch b.Action {
	case models.ActionLoginSuccess:
		c.loginSucceeded()
	case models.ActionStatusChanged:
		if b.Badge != nil {
			badge := *b.Badge
			c.update(func(v *View) {
				v.Badge = badge
			})
		}
	}
}

func (c *Controller) loginSucceeded() {
	c.setStatus(StateConnected, MessageLoginSucceeded)
	if !c.buttonDisabled() {
		return
	}

	c.update(func(v *View) {
		v.ButtonState = ButtonSuccess
		v.Button = ButtonConnected
	})
	c.after(failureResetDelay, func() {
		c.resetButton()
		c.checkInBackground()
	})
}

func (c *Controller) resetButton() {
	c.update(func(v *View) {
		v.ButtonDisabled = false
		v.ButtonState = ButtonIdle
		v.Button = ButtonConnect
	})
}

// SaveSettings stores the credentials and flashes a confirmation
func (c *Controller) SaveSettings(ctx context.Context, creds models.Credentials) error {
	if err := c.daemon.SaveSettings(ctx, creds); err != nil {
		c.setStatus(StateError, "Error: "+err.Error())
		return err
	}

	c.mu.Lock()
	c.flashGen++
	gen := c.flashGen
	c.mu.Unlock()

	c.update(func(v *View) {
		v.Flash = MessageSaved
		v.Settings.Username = creds.Username
		v.Settings.AutoSubmit = creds.AutoSubmit
		if creds.Password != "" {
			v.Settings.HasPassword = true
		}
	})
	c.after(flashClearDelay, func() {
		c.mu.Lock()
		current := c.flashGen == gen
		c.mu.Unlock()
		if current {
			c.update(func(v *View) {
				v.Flash = ""
			})
		}
	})
	return nil
}

// CheckConnection probes the internet unless a login is in progress
func (c *Controller) CheckConnection(ctx context.Context) {
	if c.buttonDisabled() {
		return
	}

	online := c.prober.Check(ctx)

	// A login may have started while the probe was running
	if c.buttonDisabled() {
		return
	}
	if online {
		c.setStatus(StateConnected, MessageOnline)
		return
	}
	c.setStatus(StateDisconnected, MessageOffline)
}

func (c *Controller) checkInBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()
	c.CheckConnection(ctx)
}
