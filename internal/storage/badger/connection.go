package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// DefaultPath is used when the config leaves the database path empty
const DefaultPath = "./data"

// ErrLocked is returned when another portalguard process holds the database
var ErrLocked = errors.New("credential database is locked by another portalguard instance")

// BadgerDB holds the credential database
type BadgerDB struct {
	store  *badgerhold.Store
	path   string
	logger arbor.ILogger
}

// ResolvePath cleans the configured path and expands a leading ~
func ResolvePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultPath
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home for %s: %w", path, err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Clean(path), nil
}

// NewBadgerDB opens the database, wiping it first when reset_on_startup is set
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	path, err := ResolvePath(config.Path)
	if err != nil {
		return nil, err
	}

	if config.ResetOnStartup {
		if err := resetDir(path); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to reset credential database")
		} else {
			logger.Info().Str("path", path).Msg("Credential database reset (reset_on_startup=true)")
		}
	}

	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // Badger's own logger is noisy; arbor covers open/close

	store, err := badgerhold.Open(options)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "directory lock") {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to open badger database at %s: %w", path, err)
	}

	logger.Debug().Str("path", path).Msg("Credential database opened")

	return &BadgerDB{store: store, path: path, logger: logger}, nil
}

// resetDir removes the database directory. A missing directory is not an error.
func resetDir(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return os.RemoveAll(path)
}

// Store returns the underlying badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Path returns the resolved database directory
func (b *BadgerDB) Path() string {
	return b.path
}

// Close closes the database. Closing twice is a no-op.
func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	if err != nil {
		return fmt.Errorf("close credential database: %w", err)
	}
	b.logger.Debug().Str("path", b.path).Msg("Credential database closed")
	return nil
}
