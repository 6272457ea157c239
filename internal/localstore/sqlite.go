package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/teacherly/plansync/internal/entity"
)

// timeFormat preserves sub-second ordering between rapid local edits.
const timeFormat = time.RFC3339Nano

// migrations are applied in order above PRAGMA user_version. Additive only:
// new tables and indexes, never drops or rewrites, so an upgrade cannot
// destroy existing queued changes or the conflict audit trail.
var migrations = []string{
	// v1: the three core tables
	`
	CREATE TABLE IF NOT EXISTS changes (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT,
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL,
		synced INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_changes_drain
	    ON changes(entity_type, synced, created_at);

	CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		cached_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache(expires_at);

	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		local_data TEXT NOT NULL,
		remote_data TEXT NOT NULL,
		detected_at TEXT NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0,
		resolution TEXT,
		resolved_data TEXT,
		decisions TEXT,
		resolved_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved
	    ON conflicts(resolved, detected_at);
	`,
	// v2: last-synced timestamps, needed durably by conflict detection
	`
	CREATE TABLE IF NOT EXISTS sync_meta (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		last_synced_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	`,
}

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	conn *sql.DB
	path string

	ready   chan struct{}
	initErr error
}

// Open starts opening the database at path and returns immediately. The
// connection is established in the background; operations block on the ready
// signal, so the store is safe to use right away.
//
// The caller MUST call Close() when done.
func Open(path string) *SQLiteStore {
	s := &SQLiteStore{
		path:  path,
		ready: make(chan struct{}),
	}
	go s.open()
	return s
}

func (s *SQLiteStore) open() {
	defer close(s.ready)

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.initErr = fmt.Errorf("failed to create database directory: %w", err)
		return
	}

	conn, err := sql.Open("sqlite3", "file:"+s.path)
	if err != nil {
		s.initErr = fmt.Errorf("failed to open database: %w", err)
		return
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		s.initErr = fmt.Errorf("failed to ping database: %w", err)
		return
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// WAL for concurrent reads during sync passes
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			s.initErr = fmt.Errorf("failed to apply %q: %w", pragma, err)
			return
		}
	}

	if err := migrate(conn); err != nil {
		_ = conn.Close()
		s.initErr = err
		return
	}

	s.conn = conn
}

// migrate applies pending schema migrations. Idempotent.
func migrate(conn *sql.DB) error {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for i := version; i < len(migrations); i++ {
		if _, err := conn.Exec(migrations[i]); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	return nil
}

// await blocks until the store is ready or ctx is cancelled.
func (s *SQLiteStore) await(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.initErr != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, s.initErr)
	}
	return nil
}

// Ready blocks until the background open finished and reports whether the
// store is usable. Callers use this to decide on the memory fallback.
func (s *SQLiteStore) Ready(ctx context.Context) error {
	return s.await(ctx)
}

// Close closes the database connection, checkpointing the WAL first.
func (s *SQLiteStore) Close() error {
	<-s.ready
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// SaveChange persists a pending change, assigning an id if none is set.
func (s *SQLiteStore) SaveChange(ctx context.Context, c *StoredChange) (string, error) {
	if err := s.await(ctx); err != nil {
		return "", err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal change payload: %w", err)
	}

	query := `
	INSERT INTO changes (id, kind, entity_type, entity_id, payload, created_at, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.conn.ExecContext(ctx, query,
		c.ID,
		string(c.Kind),
		string(c.EntityType),
		nullString(c.EntityID),
		string(payload),
		c.CreatedAt.Format(timeFormat),
		boolToInt(c.Synced),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save change: %w", err)
	}

	return c.ID, nil
}

// ListUnsyncedChanges returns pending changes for the given type in creation
// order. An empty type returns changes for all types.
func (s *SQLiteStore) ListUnsyncedChanges(ctx context.Context, t entity.Type) ([]*StoredChange, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	query := `
	SELECT id, kind, entity_type, entity_id, payload, created_at, synced
	FROM changes
	WHERE synced = 0
	`
	var args []any
	if t != "" {
		query += " AND entity_type = ?"
		args = append(args, string(t))
	}
	// rowid breaks created_at ties between same-instant edits
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced changes: %w", err)
	}
	defer rows.Close()

	var changes []*StoredChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating changes: %w", err)
	}

	return changes, nil
}

// MarkChangeSynced marks a change as confirmed on the server. Idempotent:
// marking an already-synced or unknown id is a no-op, not an error.
func (s *SQLiteStore) MarkChangeSynced(ctx context.Context, id string) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	_, err := s.conn.ExecContext(ctx, `UPDATE changes SET synced = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to mark change %s synced: %w", id, err)
	}
	return nil
}

// DiscardChanges marks every pending change for an entity as synced without
// pushing it. Used when a conflict resolves remote-wins. Returns the number
// of changes discarded.
func (s *SQLiteStore) DiscardChanges(ctx context.Context, t entity.Type, entityID string) (int, error) {
	if err := s.await(ctx); err != nil {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx,
		`UPDATE changes SET synced = 1 WHERE entity_type = ? AND entity_id = ? AND synced = 0`,
		string(t), entityID)
	if err != nil {
		return 0, fmt.Errorf("failed to discard changes for %s/%s: %w", t, entityID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneSynced deletes changes that have been confirmed on the server.
// Deletion only ever happens here, after an explicit mark-synced.
func (s *SQLiteStore) PruneSynced(ctx context.Context) (int, error) {
	if err := s.await(ctx); err != nil {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx, `DELETE FROM changes WHERE synced = 1`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune synced changes: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CacheData stores a cached server read. Writes overwrite unconditionally.
// A zero ttl means the entry never expires automatically.
func (s *SQLiteStore) CacheData(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	now := time.Now()
	var expires sql.NullString
	if ttl > 0 {
		expires = sql.NullString{String: now.Add(ttl).Format(timeFormat), Valid: true}
	}

	query := `
	INSERT INTO cache (key, value, cached_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		value = excluded.value,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at
	`
	_, err := s.conn.ExecContext(ctx, query, key, string(value), now.Format(timeFormat), expires)
	if err != nil {
		return fmt.Errorf("failed to cache %q: %w", key, err)
	}
	return nil
}

// GetCachedData returns the cached value for key, or nil on a miss. Expired
// entries are purged and read as misses.
func (s *SQLiteStore) GetCachedData(ctx context.Context, key string) (json.RawMessage, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	var value string
	var expires sql.NullString
	err := s.conn.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&value, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache %q: %w", key, err)
	}

	if expires.Valid {
		exp, err := time.Parse(timeFormat, expires.String)
		if err == nil && time.Now().After(exp) {
			_, _ = s.conn.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key)
			return nil, nil
		}
	}

	return json.RawMessage(value), nil
}

// DeleteCachedData removes a cache entry. No-op for unknown keys.
func (s *SQLiteStore) DeleteCachedData(ctx context.Context, key string) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	if _, err := s.conn.ExecContext(ctx, `DELETE FROM cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache %q: %w", key, err)
	}
	return nil
}

// CleanupExpiredCache purges every expired entry and returns the count.
func (s *SQLiteStore) CleanupExpiredCache(ctx context.Context) (int, error) {
	if err := s.await(ctx); err != nil {
		return 0, err
	}

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().Format(timeFormat))
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired cache: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SaveConflict records a detected conflict, assigning an id if none is set.
func (s *SQLiteStore) SaveConflict(ctx context.Context, c *ConflictRecord) (string, error) {
	if err := s.await(ctx); err != nil {
		return "", err
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now()
	}

	decisions, err := json.Marshal(c.Decisions)
	if err != nil {
		return "", fmt.Errorf("failed to marshal decisions: %w", err)
	}

	query := `
	INSERT INTO conflicts (
		id, entity_type, entity_id, local_data, remote_data,
		detected_at, resolved, resolution, resolved_data, decisions, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.conn.ExecContext(ctx, query,
		c.ID,
		string(c.EntityType),
		c.EntityID,
		string(c.LocalData),
		string(c.RemoteData),
		c.DetectedAt.Format(timeFormat),
		boolToInt(c.Resolved),
		nullString(string(c.Resolution)),
		nullString(string(c.ResolvedData)),
		string(decisions),
		timeToNullString(c.ResolvedAt),
	)
	if err != nil {
		return "", fmt.Errorf("failed to save conflict: %w", err)
	}

	return c.ID, nil
}

// GetConflict returns a conflict by id.
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	row := s.conn.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, id)
	c, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

// ListConflicts returns conflicts, newest first.
func (s *SQLiteStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]*ConflictRecord, error) {
	if err := s.await(ctx); err != nil {
		return nil, err
	}

	query := conflictSelect
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY detected_at DESC`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// ResolveConflict marks a conflict resolved with the chosen outcome. The
// record itself is never deleted.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string, res Resolution, resolvedData json.RawMessage, decisions []string) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	decJSON, err := json.Marshal(decisions)
	if err != nil {
		return fmt.Errorf("failed to marshal decisions: %w", err)
	}

	query := `
	UPDATE conflicts
	SET resolved = 1, resolution = ?, resolved_data = ?, decisions = ?, resolved_at = ?
	WHERE id = ?
	`
	result, err := s.conn.ExecContext(ctx, query,
		string(res),
		nullString(string(resolvedData)),
		string(decJSON),
		time.Now().Format(timeFormat),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return nil
}

// LastSyncedAt returns the last confirmed sync time for an entity, or the
// zero time when the entity has never synced.
func (s *SQLiteStore) LastSyncedAt(ctx context.Context, t entity.Type, entityID string) (time.Time, error) {
	if err := s.await(ctx); err != nil {
		return time.Time{}, err
	}

	var at string
	err := s.conn.QueryRowContext(ctx,
		`SELECT last_synced_at FROM sync_meta WHERE entity_type = ? AND entity_id = ?`,
		string(t), entityID).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read sync meta for %s/%s: %w", t, entityID, err)
	}

	parsed, err := time.Parse(timeFormat, at)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse last_synced_at: %w", err)
	}
	return parsed, nil
}

// SetLastSyncedAt records the last confirmed sync time for an entity.
func (s *SQLiteStore) SetLastSyncedAt(ctx context.Context, t entity.Type, entityID string, at time.Time) error {
	if err := s.await(ctx); err != nil {
		return err
	}

	query := `
	INSERT INTO sync_meta (entity_type, entity_id, last_synced_at)
	VALUES (?, ?, ?)
	ON CONFLICT(entity_type, entity_id) DO UPDATE SET
		last_synced_at = excluded.last_synced_at
	`
	_, err := s.conn.ExecContext(ctx, query, string(t), entityID, at.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to set sync meta for %s/%s: %w", t, entityID, err)
	}
	return nil
}

const conflictSelect = `
SELECT id, entity_type, entity_id, local_data, remote_data,
       detected_at, resolved, resolution, resolved_data, decisions, resolved_at
FROM conflicts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (*StoredChange, error) {
	var c StoredChange
	var kind, entityType, payload, createdAt string
	var entityID sql.NullString
	var synced int

	if err := row.Scan(&c.ID, &kind, &entityType, &entityID, &payload, &createdAt, &synced); err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}

	c.Kind = ChangeKind(kind)
	c.EntityType = entity.Type(entityType)
	c.EntityID = entityID.String
	c.Synced = synced != 0

	if err := json.Unmarshal([]byte(payload), &c.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal change payload: %w", err)
	}
	if t, err := time.Parse(timeFormat, createdAt); err == nil {
		c.CreatedAt = t
	}

	return &c, nil
}

func scanConflict(row rowScanner) (*ConflictRecord, error) {
	var c ConflictRecord
	var entityType, localData, remoteData, detectedAt string
	var resolution, resolvedData, decisions, resolvedAt sql.NullString
	var resolved int

	err := row.Scan(&c.ID, &entityType, &c.EntityID, &localData, &remoteData,
		&detectedAt, &resolved, &resolution, &resolvedData, &decisions, &resolvedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}

	c.EntityType = entity.Type(entityType)
	c.LocalData = json.RawMessage(localData)
	c.RemoteData = json.RawMessage(remoteData)
	c.Resolved = resolved != 0
	c.Resolution = Resolution(resolution.String)
	if resolvedData.Valid {
		c.ResolvedData = json.RawMessage(resolvedData.String)
	}
	if decisions.Valid && decisions.String != "" && decisions.String != "null" {
		if err := json.Unmarshal([]byte(decisions.String), &c.Decisions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal decisions: %w", err)
		}
	}
	if t, err := time.Parse(timeFormat, detectedAt); err == nil {
		c.DetectedAt = t
	}
	if resolvedAt.Valid {
		if t, err := time.Parse(timeFormat, resolvedAt.String); err == nil {
			c.ResolvedAt = &t
		}
	}

	return &c, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(timeFormat), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
