// Package db is the durable entity store: principals, registered clients
// and MFA state, keyed by primary key. SQLite by default, PostgreSQL when
// the DSN says so.
package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/keybridge-labs/authd/pkg/types"
)

// ErrNotFound is returned when an entity does not exist.
var ErrNotFound = errors.New("entity not found")

// Store represents the database connection and operations
type Store struct {
	db     *gorm.DB
	dbType string // "postgres" or "sqlite"
}

// New creates a new database connection and sets up the schema
func New(dsn string) (*Store, error) {
	var gormDB *gorm.DB
	var dbType string
	var err error

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	// If DSN is empty, use SQLite with a local file
	if dsn == "" {
		dataDir := "data"
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		gormDB, err = gorm.Open(sqlite.Open(filepath.Join(dataDir, "authd.db")), gormConfig)
		dbType = "sqlite"
	} else if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		gormDB, err = gorm.Open(postgres.Open(dsn), gormConfig)
		dbType = "postgres"
	} else {
		gormDB, err = gorm.Open(sqlite.Open(dsn), gormConfig)
		dbType = "sqlite"
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: gormDB, dbType: dbType}
	if err := store.setupSchema(); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}
	return store, nil
}

func (d *Store) setupSchema() error {
	err := d.db.AutoMigrate(
		&types.Principal{},
		&types.Client{},
		&types.MFAState{},
	)
	if err != nil {
		return fmt.Errorf("failed to auto-migrate database schema: %w", err)
	}
	return nil
}

func wrapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GetPrincipal retrieves a principal by ID
func (d *Store) GetPrincipal(ctx context.Context, id string) (*types.Principal, error) {
	var p types.Principal
	if err := d.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// GetPrincipalByEmail retrieves a principal by email
func (d *Store) GetPrincipalByEmail(ctx context.Context, email string) (*types.Principal, error) {
	var p types.Principal
	if err := d.db.WithContext(ctx).First(&p, "email = ?", email).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &p, nil
}

// SavePrincipal stores a new principal or updates an existing one
func (d *Store) SavePrincipal(ctx context.Context, p *types.Principal) error {
	return d.db.WithContext(ctx).Save(p).Error
}

// BumpTokenVersion atomically increments the principal's token version,
// invalidating every token issued before the bump.
func (d *Store) BumpTokenVersion(ctx context.Context, principalID string) error {
	result := d.db.WithContext(ctx).Model(&types.Principal{}).
		Where("id = ?", principalID).
		UpdateColumn("token_version", gorm.Expr("token_version + 1"))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdatePassword replaces the principal's password hash and bumps the token
// version in the same statement, so every outstanding token dies with the
// old password.
func (d *Store) UpdatePassword(ctx context.Context, principalID, passwordHash string) error {
	result := d.db.WithContext(ctx).Model(&types.Principal{}).
		Where("id = ?", principalID).
		Updates(map[string]any{
			"password_hash": passwordHash,
			"token_version": gorm.Expr("token_version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetClient retrieves a client by ID
func (d *Store) GetClient(ctx context.Context, clientID string) (*types.Client, error) {
	var client types.Client
	if err := d.db.WithContext(ctx).First(&client, "client_id = ?", clientID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &client, nil
}

// SaveClient stores a new client or updates an existing one
func (d *Store) SaveClient(ctx context.Context, client *types.Client) error {
	return d.db.WithContext(ctx).Save(client).Error
}

// DeleteClient removes a client registration
func (d *Store) DeleteClient(ctx context.Context, clientID string) error {
	return d.db.WithContext(ctx).Delete(&types.Client{}, "client_id = ?", clientID).Error
}

// GetMFAState retrieves the MFA state for a principal. Returns ErrNotFound
// when the principal never completed setup.
func (d *Store) GetMFAState(ctx context.Context, principalID string) (*types.MFAState, error) {
	var state types.MFAState
	if err := d.db.WithContext(ctx).First(&state, "principal_id = ?", principalID).Error; err != nil {
		return nil, wrapNotFound(err)
	}
	return &state, nil
}

// SaveMFAState stores or updates a principal's MFA state
func (d *Store) SaveMFAState(ctx context.Context, state *types.MFAState) error {
	return d.db.WithContext(ctx).Save(state).Error
}

// DeleteMFAState removes a principal's MFA state entirely
func (d *Store) DeleteMFAState(ctx context.Context, principalID string) error {
	return d.db.WithContext(ctx).Delete(&types.MFAState{}, "principal_id = ?", principalID).Error
}

// UseBackupCode marks backup code idx used inside a row-level transaction.
// The row is locked for the duration of the read-modify-write, so a code
// cannot authorize two callers racing on it: the loser re-reads after the
// winner's commit and finds the code already used.
func (d *Store) UseBackupCode(ctx context.Context, principalID string, idx int) error {
	return d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx
		if d.dbType == "postgres" {
			// Under READ COMMITTED both transactions would otherwise read
			// the code unused and both commit. SQLite has no FOR UPDATE and
			// serializes writers instead.
			query = tx.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var state types.MFAState
		if err := query.First(&state, "principal_id = ?", principalID).Error; err != nil {
			return wrapNotFound(err)
		}
		if idx < 0 || idx >= len(state.BackupCodes) {
			return fmt.Errorf("backup code index out of range")
		}
		if state.BackupCodes[idx].Used {
			return fmt.Errorf("backup code already used")
		}
		now := tx.NowFunc()
		state.BackupCodes[idx].Used = true
		state.BackupCodes[idx].UsedAt = &now
		return tx.Save(&state).Error
	})
}

// Close closes the database connection
func (d *Store) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
