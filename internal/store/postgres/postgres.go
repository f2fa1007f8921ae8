// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/meridianworks/worldsync/internal/model"
	"github.com/meridianworks/worldsync/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) ListSyncGroups(ctx context.Context) ([]*model.SyncGroup, error) {
	return queryListSyncGroups(ctx, s.db)
}

func (s *PostgresStore) GetSyncGroup(ctx context.Context, id string) (*model.SyncGroup, error) {
	return queryGetSyncGroup(ctx, s.db, id)
}

func (s *PostgresStore) UpsertSyncGroup(ctx context.Context, g *model.SyncGroup) error {
	return queryUpsertSyncGroup(ctx, s.db, g)
}

func (s *PostgresStore) ListGroupMembers(ctx context.Context, groupID string) ([]*model.GroupMember, error) {
	return queryListGroupMembers(ctx, s.db, groupID)
}

func (s *PostgresStore) UpsertGroupMember(ctx context.Context, m *model.GroupMember) error {
	return queryUpsertGroupMember(ctx, s.db, m)
}

func (s *PostgresStore) ReadableGroups(ctx context.Context, agentID string) ([]string, error) {
	return queryReadableGroups(ctx, s.db, agentID)
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, e *model.Entity) error {
	return queryUpsertEntity(ctx, s.db, e)
}

func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) error {
	return queryDeleteRecord(ctx, s.db, "entities", id)
}

func (s *PostgresStore) UpsertScript(ctx context.Context, sc *model.Script) error {
	return queryUpsertScript(ctx, s.db, sc)
}

func (s *PostgresStore) DeleteScript(ctx context.Context, id string) error {
	return queryDeleteRecord(ctx, s.db, "scripts", id)
}

func (s *PostgresStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	return queryUpsertAsset(ctx, s.db, a)
}

func (s *PostgresStore) DeleteAsset(ctx context.Context, id string) error {
	return queryDeleteRecord(ctx, s.db, "assets", id)
}

// CaptureSnapshot runs the full capture inside a single transaction so that
// a crash mid-capture leaves no partial WorldTick visible. Serialization is
// per group via a transaction-scoped advisory lock; captures for different
// groups do not block each other.
func (s *PostgresStore) CaptureSnapshot(ctx context.Context, group *model.SyncGroup) (*model.WorldTick, error) {
	var tick *model.WorldTick
	err := s.RunInTransaction(ctx, func(tx store.Store) error {
		t, err := tx.CaptureSnapshot(ctx, group)
		if err != nil {
			return err
		}
		tick = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tick, nil
}

func (s *PostgresStore) LatestTicks(ctx context.Context, groupID string, limit int) ([]*model.WorldTick, error) {
	return queryLatestTicks(ctx, s.db, groupID, limit)
}

func (s *PostgresStore) EntitySnapshots(ctx context.Context, tickID int64) ([]*model.EntitySnapshot, error) {
	return queryEntitySnapshots(ctx, s.db, tickID)
}

func (s *PostgresStore) ScriptSnapshots(ctx context.Context, tickID int64) ([]*model.ScriptSnapshot, error) {
	return queryScriptSnapshots(ctx, s.db, tickID)
}

func (s *PostgresStore) AssetSnapshots(ctx context.Context, tickID int64) ([]*model.AssetSnapshot, error) {
	return queryAssetSnapshots(ctx, s.db, tickID)
}

func (s *PostgresStore) GetProvider(ctx context.Context, name string) (*model.Provider, error) {
	return queryGetProvider(ctx, s.db, name)
}

func (s *PostgresStore) UpsertProvider(ctx context.Context, p *model.Provider) error {
	return queryUpsertProvider(ctx, s.db, p)
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session) error {
	return queryCreateSession(ctx, s.db, sess)
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return queryGetSession(ctx, s.db, id)
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return queryTouchSession(ctx, s.db, id, at)
}

func (s *PostgresStore) DeactivateSession(ctx context.Context, id string) error {
	return queryDeactivateSession(ctx, s.db, id)
}

// RunInTransaction begins a database transaction, creates a txStore that
// delegates to it, calls fn, and commits on success or rolls back on error.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txS := &txStore{tx: tx}
	if err := fn(txS); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// txStore implements store.Store using a *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

// Compile-time check that txStore implements store.Store.
var _ store.Store = (*txStore)(nil)

func (s *txStore) ListSyncGroups(ctx context.Context) ([]*model.SyncGroup, error) {
	return queryListSyncGroups(ctx, s.tx)
}

func (s *txStore) GetSyncGroup(ctx context.Context, id string) (*model.SyncGroup, error) {
	return queryGetSyncGroup(ctx, s.tx, id)
}

func (s *txStore) UpsertSyncGroup(ctx context.Context, g *model.SyncGroup) error {
	return queryUpsertSyncGroup(ctx, s.tx, g)
}

func (s *txStore) ListGroupMembers(ctx context.Context, groupID string) ([]*model.GroupMember, error) {
	return queryListGroupMembers(ctx, s.tx, groupID)
}

func (s *txStore) UpsertGroupMember(ctx context.Context, m *model.GroupMember) error {
	return queryUpsertGroupMember(ctx, s.tx, m)
}

func (s *txStore) ReadableGroups(ctx context.Context, agentID string) ([]string, error) {
	return queryReadableGroups(ctx, s.tx, agentID)
}

func (s *txStore) UpsertEntity(ctx context.Context, e *model.Entity) error {
	return queryUpsertEntity(ctx, s.tx, e)
}

func (s *txStore) DeleteEntity(ctx context.Context, id string) error {
	return queryDeleteRecord(ctx, s.tx, "entities", id)
}

func (s *txStore) UpsertScript(ctx context.Context, sc *model.Script) error {
	return queryUpsertScript(ctx, s.tx, sc)
}

func (s *txStore) DeleteScript(ctx context.Context, id string) error {
	return queryDeleteRecord(ctx, s.tx, "scripts", id)
}

func (s *txStore) UpsertAsset(ctx context.Context, a *model.Asset) error {
	return queryUpsertAsset(ctx, s.tx, a)
}

func (s *txStore) DeleteAsset(ctx context.Context, id string) error {
	return queryDeleteRecord(ctx, s.tx, "assets", id)
}

func (s *txStore) CaptureSnapshot(ctx context.Context, group *model.SyncGroup) (*model.WorldTick, error) {
	return captureSnapshot(ctx, s.tx, group)
}

func (s *txStore) LatestTicks(ctx context.Context, groupID string, limit int) ([]*model.WorldTick, error) {
	return queryLatestTicks(ctx, s.tx, groupID, limit)
}

func (s *txStore) EntitySnapshots(ctx context.Context, tickID int64) ([]*model.EntitySnapshot, error) {
	return queryEntitySnapshots(ctx, s.tx, tickID)
}

func (s *txStore) ScriptSnapshots(ctx context.Context, tickID int64) ([]*model.ScriptSnapshot, error) {
	return queryScriptSnapshots(ctx, s.tx, tickID)
}

func (s *txStore) AssetSnapshots(ctx context.Context, tickID int64) ([]*model.AssetSnapshot, error) {
	return queryAssetSnapshots(ctx, s.tx, tickID)
}

func (s *txStore) GetProvider(ctx context.Context, name string) (*model.Provider, error) {
	return queryGetProvider(ctx, s.tx, name)
}

func (s *txStore) UpsertProvider(ctx context.Context, p *model.Provider) error {
	return queryUpsertProvider(ctx, s.tx, p)
}

func (s *txStore) CreateSession(ctx context.Context, sess *model.Session) error {
	return queryCreateSession(ctx, s.tx, sess)
}

func (s *txStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return queryGetSession(ctx, s.tx, id)
}

func (s *txStore) TouchSession(ctx context.Context, id string, at time.Time) error {
	return queryTouchSession(ctx, s.tx, id, at)
}

func (s *txStore) DeactivateSession(ctx context.Context, id string) error {
	return queryDeactivateSession(ctx, s.tx, id)
}

// RunInTransaction on a txStore reuses the existing transaction (no nesting).
func (s *txStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	return fn(s)
}

// Close is a no-op for a transaction store; the parent store owns the connection.
func (s *txStore) Close() error {
	return nil
}
