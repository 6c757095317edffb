package interfaces

import (
	"context"

	"github.com/ternarybob/portalguard/internal/models"
)

// CredentialStorage persists the portal credentials
type CredentialStorage interface {
	// Load returns stored credentials; missing keys yield defaults (autoSubmit true)
	Load(ctx context.Context) (models.Credentials, error)

	// Save overwrites all three credential keys
	Save(ctx context.Context, creds models.Credentials) error
}
