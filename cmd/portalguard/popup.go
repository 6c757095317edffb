package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/ternarybob/portalguard/internal/client"
	"github.com/ternarybob/portalguard/internal/models"
	"github.com/ternarybob/portalguard/internal/popup"
	"github.com/ternarybob/portalguard/internal/services/probe"
)

var popupCmd = &cobra.Command{
	Use:   "popup",
	Short: "Interactive settings and manual connect",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}
		daemon := client.New(config.ServerURL(), logger)
		ctrl := popup.NewController(daemon, probe.NewCheckerFromConfig(config.Probe, logger), logger)
		return popup.Run(cmd.Context(), ctrl, daemon.Subscribe)
	},
}

var flagWait time.Duration

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Request an immediate manual login",
	RunE:  runConnect,
}

var (
	flagUsername   string
	flagPassword   string
	flagAutoSubmit bool
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or save the portal credentials",
	Long: `Without flags, prints the stored settings. With --username or --password,
saves them. The password is never printed.`,
	RunE: runSettings,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the broker status snapshot",
	RunE:  runStatus,
}

func init() {
	connectCmd.Flags().DurationVar(&flagWait, "wait", 10*time.Second, "how long to wait for the login to finish")

	settingsCmd.Flags().StringVar(&flagUsername, "username", "", "portal username")
	settingsCmd.Flags().StringVar(&flagPassword, "password", envOrDefault("PORTALGUARD_PASSWORD", ""), "portal password")
	settingsCmd.Flags().BoolVar(&flagAutoSubmit, "auto-submit", true, "submit the login form automatically")
}

func runConnect(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	daemon := client.New(config.ServerURL(), logger)
	ctrl := popup.NewController(daemon, probe.NewCheckerFromConfig(config.Probe, logger), logger)

	// A loginSuccess broadcast ends the wait early
	succeeded := make(chan struct{}, 1)
	ctrl.OnChange(func(v popup.View) {
		if v.StatusText == popup.MessageLoginSucceeded {
			select {
			case succeeded <- struct{}{}:
			default:
			}
		}
	})
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = daemon.Subscribe(subCtx, ctrl.HandleBroadcast)
	}()

	ctrl.Connect(ctx)
	view := ctrl.View()
	fmt.Printf("%s: %s\n", view.Button, view.StatusText)
	if view.ButtonState != popup.ButtonSuccess {
		return fmt.Errorf("login not started: %s", view.StatusText)
	}

	select {
	case <-succeeded:
		fmt.Println(popup.MessageLoginSucceeded)
	case <-time.After(flagWait):
		fmt.Println("No login confirmation yet")
	case <-ctx.Done():
	}
	return nil
}

func runSettings(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx := cmd.Context()
	daemon := client.New(config.ServerURL(), logger)

	if cmd.Flags().Changed("username") || cmd.Flags().Changed("password") || cmd.Flags().Changed("auto-submit") {
		current, err := daemon.Settings(ctx)
		if err != nil {
			return err
		}
		creds := models.Credentials{
			Username:   current.Username,
			Password:   flagPassword,
			AutoSubmit: flagAutoSubmit,
		}
		if cmd.Flags().Changed("username") {
			creds.Username = flagUsername
		}
		if !cmd.Flags().Changed("auto-submit") {
			creds.AutoSubmit = current.AutoSubmit
		}

		ctrl := popup.NewController(daemon, probe.NewCheckerFromConfig(config.Probe, logger), logger)
		if err := ctrl.SaveSettings(ctx, creds); err != nil {
			return err
		}
		fmt.Println(popup.MessageSaved)
		return nil
	}

	view, err := daemon.Settings(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("username:    %s\n", view.Username)
	fmt.Printf("password:    %s\n", map[bool]string{true: "(set)", false: "(not set)"}[view.HasPassword])
	fmt.Printf("auto-submit: %t\n", view.AutoSubmit)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	daemon := client.New(config.ServerURL(), logger)
	status, err := daemon.GetStatus(ctx)
	if err != nil {
		return err
	}

	lastAttempt := "never"
	if status.LastLoginAttempt > 0 {
		lastAttempt = time.UnixMilli(status.LastLoginAttempt).Format(time.RFC3339)
	}
	fmt.Printf("status:       %s [%s]\n", status.Status, status.Badge.Text)
	fmt.Printf("login tabs:   %d\n", status.BackgroundLoginTabs)
	fmt.Printf("last attempt: %s\n", lastAttempt)
	fmt.Printf("method:       %s\n", status.Method)
	fmt.Printf("instance:     %s\n", daemon.Instance())

	online := probe.NewCheckerFromConfig(config.Probe, logger).Check(ctx)
	fmt.Printf("internet:     %s\n", map[bool]string{true: popup.MessageOnline, false: popup.MessageOffline}[online])
	return nil
}
