package interfaces

import (
	"context"
	"errors"
)

// ErrTabNotFound is returned when closing a tab that no longer exists
var ErrTabNotFound = errors.New("tab not found")

// TabDriver opens and closes background browser tabs
type TabDriver interface {
	// OpenTab creates an unfocused tab at url and returns its id
	OpenTab(ctx context.Context, url string) (string, error)

	// BeginLogin starts filling the form in a tab opened at the portal login page.
	// Callers record the tab first so every event it raises finds a tracked tab.
	BeginLogin(tabID string)

	// CloseTab closes the tab. Already-closed tabs return ErrTabNotFound.
	CloseTab(ctx context.Context, tabID string) error
}
