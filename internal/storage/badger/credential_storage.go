package badger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/interfaces"
	"github.com/ternarybob/portalguard/internal/models"
)

// Storage keys of the credential record
const (
	KeyUsername   = "username"
	KeyPassword   = "password"
	KeyAutoSubmit = "autoSubmit"
)

// CredentialStorage stores credentials as three plain key/value entries
type CredentialStorage struct {
	kv     interfaces.KeyValueStorage
	logger arbor.ILogger
}

// NewCredentialStorage creates a credential storage on top of a key/value store
func NewCredentialStorage(kv interfaces.KeyValueStorage, logger arbor.ILogger) interfaces.CredentialStorage {
	return &CredentialStorage{
		kv:     kv,
		logger: logger,
	}
}

// Load returns stored credentials. Missing keys keep their defaults.
func (s *CredentialStorage) Load(ctx context.Context) (models.Credentials, error) {
	creds := models.Credentials{AutoSubmit: true}

	all, err := s.kv.GetAll(ctx)
	if err != nil {
		return creds, fmt.Errorf("failed to load credentials: %w", err)
	}

	creds.Username = all[normalizeKey(KeyUsername)]
	creds.Password = all[normalizeKey(KeyPassword)]
	if raw, ok := all[normalizeKey(KeyAutoSubmit)]; ok {
		if b, err := strconv.ParseBool(raw); err == nil {
			creds.AutoSubmit = b
		} else {
			s.logger.Warn().Str("value", raw).Msg("Ignoring malformed autoSubmit value")
		}
	}

	return creds, nil
}

// Save overwrites all credential keys at once
func (s *CredentialStorage) Save(ctx context.Context, creds models.Credentials) error {
	err := s.kv.SetMany(ctx, map[string]string{
		KeyUsername:   creds.Username,
		KeyPassword:   creds.Password,
		KeyAutoSubmit: strconv.FormatBool(creds.AutoSubmit),
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}

	s.logger.Info().
		Str("username", creds.Username).
		Bool("auto_submit", creds.AutoSubmit).
		Msg("Credentials saved")
	return nil
}
