package browser

import (
	"context"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/interfaces"
)

// LoginAgent fills the portal form inside a login tab and reports success
type LoginAgent struct {
	config       common.PortalConfig
	credentials  interfaces.CredentialStorage
	eventService interfaces.EventService
	logger       arbor.ILogger
}

// NewLoginAgent creates a login agent
func NewLoginAgent(config common.PortalConfig, credentials interfaces.CredentialStorage, eventService interfaces.EventService, logger arbor.ILogger) *LoginAgent {
	return &LoginAgent{
		config:       config,
		credentials:  credentials,
		eventService: eventService,
		logger:       logger,
	}
}

// formActions returns the chromedp steps for one login attempt
func (a *LoginAgent) formActions(username, password string, autoSubmit bool) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.WaitVisible(a.config.UsernameSelector, chromedp.ByQuery),
		chromedp.SetValue(a.config.UsernameSelector, username, chromedp.ByQuery),
		chromedp.SetValue(a.config.PasswordSelector, password, chromedp.ByQuery),
	}
	if autoSubmit {
		actions = append(actions, chromedp.Click(a.config.SubmitSelector, chromedp.ByQuery))
	}
	return append(actions, chromedp.WaitVisible(a.config.SuccessSelector, chromedp.ByQuery))
}

// Run drives the form in tabCtx. It returns once the portal confirmed the login or the wait timed out.
func (a *LoginAgent) Run(tabCtx context.Context, tabID string) {
	creds, err := a.credentials.Load(tabCtx)
	if err != nil {
		a.logger.Error().Err(err).Str("tab_id", tabID).Msg("Login agent could not read credentials")
		return
	}
	if !creds.Complete() {
		a.logger.Warn().Str("tab_id", tabID).Msg("Login agent skipped: no credentials")
		return
	}

	timeout := common.MustDuration(a.config.FormTimeout, 20*time.Second)
	ctx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	start := time.Now()
	if err := chromedp.Run(ctx, a.formActions(creds.Username, creds.Password, creds.AutoSubmit)...); err != nil {
		a.logger.Warn().
			Err(err).
			Str("tab_id", tabID).
			Dur("elapsed", time.Since(start)).
			Msg("Portal login not confirmed")
		return
	}

	a.logger.Info().
		Str("tab_id", tabID).
		Dur("elapsed", time.Since(start)).
		Msg("Portal accepted login")

	err = a.eventService.Publish(context.Background(), interfaces.Event{
		Type:    interfaces.EventLoginTabSucceeded,
		Payload: interfaces.TabPayload{TabID: tabID},
	})
	if err != nil {
		a.logger.Warn().Err(err).Str("tab_id", tabID).Msg("Failed to report login success")
	}
}
