package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION SUPPORT
// ══════════════════════════════════════════════════════════════════════════════

// Migration represents a database migration.
type Migration struct {
	Version   int
	Name      string
	UpSQL     string
	DownSQL   string
	AppliedAt time.Time
	IsApplied bool
}

// Migrator handles database migrations.
type Migrator struct {
	conn       *Connection
	migrations []Migration
	tableName  string
}

// NewMigrator creates a new migrator with embedded migrations.
func NewMigrator(conn *Connection) *Migrator {
	return &Migrator{
		conn:       conn,
		migrations: GetMigrations(),
		tableName:  "schema_migrations",
	}
}

// EnsureMigrationTable creates the migration tracking table if it doesn't exist.
func (m *Migrator) EnsureMigrationTable(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)
	`, m.tableName)

	if _, err := m.conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// GetAppliedMigrations returns all applied migrations.
func (m *Migrator) GetAppliedMigrations(ctx context.Context) (map[int]time.Time, error) {
	query := fmt.Sprintf("SELECT version, applied_at FROM %s ORDER BY version", m.tableName)

	rows, err := m.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]time.Time)
	for rows.Next() {
		var version int
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		applied[version] = appliedAt
	}

	return applied, rows.Err()
}

// Migrate applies all pending migrations.
func (m *Migrator) Migrate(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if _, isApplied := applied[mig.Version]; isApplied {
			continue
		}

		if mig.UpSQL == "" {
			return fmt.Errorf("%w: missing up SQL for migration %d", ErrMigrationFailed, mig.Version)
		}

		err := m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, mig.UpSQL); err != nil {
				return fmt.Errorf("failed to execute migration %d: %w", mig.Version, err)
			}
			insertQuery := fmt.Sprintf("INSERT INTO %s (version, name) VALUES ($1, $2)", m.tableName)
			_, err := tx.Exec(ctx, insertQuery, mig.Version, mig.Name)
			return err
		})
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", ErrMigrationFailed, mig.Version, err)
		}
	}

	return nil
}

// Rollback rolls back the last applied migration.
func (m *Migrator) Rollback(ctx context.Context) error {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}

	var lastVersion int
	for v := range applied {
		if v > lastVersion {
			lastVersion = v
		}
	}
	if lastVersion == 0 {
		return nil
	}

	var migration *Migration
	for i := range m.migrations {
		if m.migrations[i].Version == lastVersion {
			migration = &m.migrations[i]
			break
		}
	}
	if migration == nil || migration.DownSQL == "" {
		return fmt.Errorf("%w: missing down SQL for migration %d", ErrMigrationFailed, lastVersion)
	}

	return m.conn.WithTx(ctx, DefaultTxOptions(), func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, migration.DownSQL); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", lastVersion, err)
		}
		deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE version = $1", m.tableName)
		_, err := tx.Exec(ctx, deleteQuery, lastVersion)
		return err
	})
}

// Status returns the migration status.
func (m *Migrator) Status(ctx context.Context) ([]Migration, error) {
	if err := m.EnsureMigrationTable(ctx); err != nil {
		return nil, err
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]Migration, len(m.migrations))
	copy(result, m.migrations)
	for i := range result {
		if appliedAt, ok := applied[result[i].Version]; ok {
			result[i].IsApplied = true
			result[i].AppliedAt = appliedAt
		}
	}

	return result, nil
}

// GetMigrations returns all embedded migrations.
func GetMigrations() []Migration {
	return []Migration{
		{Version: 1, Name: "create_ledger", UpSQL: migration001Up, DownSQL: migration001Down},
		{Version: 2, Name: "create_achievements", UpSQL: migration002Up, DownSQL: migration002Down},
		{Version: 3, Name: "add_status_instructions", UpSQL: migration003Up, DownSQL: migration003Down},
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 001: LEDGER
// ══════════════════════════════════════════════════════════════════════════════

const migration001Up = `
-- Sealed slots. slot is dense: every slot from 0 to head exists.
CREATE TABLE IF NOT EXISTS ledger_blocks (
    slot BIGINT PRIMARY KEY,
    parent_hash BYTEA NOT NULL,
    hash BYTEA NOT NULL UNIQUE,
    unix_timestamp BIGINT NOT NULL,
    entries JSONB NOT NULL DEFAULT '[]'::jsonb,
    writes_digest BYTEA NOT NULL,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT valid_slot CHECK (slot >= 0)
);

-- Every version of every account, keyed by the slot that wrote it.
CREATE TABLE IF NOT EXISTS ledger_account_versions (
    address BYTEA NOT NULL,
    slot BIGINT NOT NULL REFERENCES ledger_blocks(slot),
    owner BYTEA NOT NULL,
    data BYTEA NOT NULL,

    PRIMARY KEY (address, slot)
);

CREATE INDEX IF NOT EXISTS idx_account_versions_slot ON ledger_account_versions(slot);

CREATE TABLE IF NOT EXISTS ledger_tx_statuses (
    signature BYTEA PRIMARY KEY,
    fee_payer BYTEA NOT NULL,
    slot BIGINT NOT NULL REFERENCES ledger_blocks(slot),
    tx_index INTEGER NOT NULL,
    err JSONB,
    logs TEXT[] NOT NULL DEFAULT '{}',
    unix_timestamp BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tx_statuses_slot ON ledger_tx_statuses(slot);
CREATE INDEX IF NOT EXISTS idx_tx_statuses_fee_payer ON ledger_tx_statuses(fee_payer);
`

const migration001Down = `
DROP TABLE IF EXISTS ledger_tx_statuses;
DROP TABLE IF EXISTS ledger_account_versions;
DROP TABLE IF EXISTS ledger_blocks;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 002: ACHIEVEMENTS
// ══════════════════════════════════════════════════════════════════════════════

const migration002Up = `
CREATE TABLE IF NOT EXISTS achievements (
    id UUID PRIMARY KEY,
    owner VARCHAR(44) NOT NULL,
    lesson_id INTEGER NOT NULL,
    lesson_title TEXT NOT NULL,
    name VARCHAR(32) NOT NULL,
    uri VARCHAR(200) NOT NULL DEFAULT '',
    status VARCHAR(20) NOT NULL DEFAULT 'pending',
    mint_address VARCHAR(44) NOT NULL DEFAULT '',
    mint_signature VARCHAR(88) NOT NULL DEFAULT '',
    advance_signature VARCHAR(88) NOT NULL,
    failure_category VARCHAR(30) NOT NULL DEFAULT '',
    failure_detail TEXT NOT NULL DEFAULT '',
    attempts INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),

    CONSTRAINT unique_owner_lesson UNIQUE (owner, lesson_id),
    CONSTRAINT valid_status CHECK (status IN ('pending', 'minted', 'failed')),
    CONSTRAINT valid_attempts CHECK (attempts >= 0)
);

CREATE INDEX IF NOT EXISTS idx_achievements_owner ON achievements(owner);
CREATE INDEX IF NOT EXISTS idx_achievements_retry ON achievements(updated_at) WHERE status = 'failed';
`

const migration002Down = `
DROP TABLE IF EXISTS achievements;
`

// ══════════════════════════════════════════════════════════════════════════════
// MIGRATION 003: EXECUTED INSTRUCTIONS
// ══════════════════════════════════════════════════════════════════════════════

// Badge issuance checks the proof transaction's instructions.
const migration003Up = `
ALTER TABLE ledger_tx_statuses ADD COLUMN IF NOT EXISTS instructions JSONB NOT NULL DEFAULT '[]'::jsonb;
`

const migration003Down = `
ALTER TABLE ledger_tx_statuses DROP COLUMN IF EXISTS instructions;
`
