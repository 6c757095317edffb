package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/portalguard/internal/common"
	"github.com/ternarybob/portalguard/internal/interfaces"
)

// Manager owns the database and the storages built on it
type Manager struct {
	db          *BadgerDB
	kv          interfaces.KeyValueStorage
	credentials interfaces.CredentialStorage
	logger      arbor.ILogger
}

// NewManager opens the database and builds the storages
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (*Manager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	kv := NewKVStorage(db, logger)
	manager := &Manager{
		db:          db,
		kv:          kv,
		credentials: NewCredentialStorage(kv, logger),
		logger:      logger,
	}

	logger.Info().Str("path", db.Path()).Msg("Badger storage manager initialized")

	return manager, nil
}

// KeyValueStorage returns the generic key/value storage
func (m *Manager) KeyValueStorage() interfaces.KeyValueStorage {
	return m.kv
}

// CredentialStorage returns the credential storage
func (m *Manager) CredentialStorage() interfaces.CredentialStorage {
	return m.credentials
}

// Close closes the database
func (m *Manager) Close() error {
	m.logger.Debug().Msg("Closing badger storage")
	return m.db.Close()
}
