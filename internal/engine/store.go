package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".

	"github.com/openmirror/mirrord/internal/record"
)

// walJournalSizeLimit caps the WAL journal at 64 MiB.
const walJournalSizeLimit = 67108864

// Compile-time check that the SQLite store satisfies the full Store surface.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using an embedded SQLite database in WAL
// mode. All engine state (records, exceptions, sync progress, locks, watch
// subscriptions, pending write-backs) is persisted here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// Prepared statements for repeated queries, grouped by concern.
	recordStmts    recordStatements
	stateStmts     stateStatements
	lockStmts      lockStatements
	watchStmts     watchStatements
	writebackStmts writebackStatements
}

type recordStatements struct {
	get, upsert, markCanceled, ensureMaster, upsertException, getException *sql.Stmt
}

type stateStatements struct {
	load, list, save, clear, getToken, saveToken, deleteToken *sql.Stmt
}

type lockStatements struct {
	acquire, release, check, list *sql.Stmt
}

type watchStatements struct {
	get, put, del *sql.Stmt
}

type writebackStatements struct {
	append, list, del, authCheck, authMark, authClear *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and prepares
// all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening engine state database", slog.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("engine: open sqlite: %w", err)
	}

	// A single connection serializes writes (SQLite allows one writer) and
	// keeps ":memory:" databases coherent, since every new connection would
	// otherwise get its own empty database.
	db.SetMaxOpenConns(1)

	if err := setPragmas(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAll(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: prepare statements: %w", err)
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// setPragmas configures SQLite for WAL mode and safety.
func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit),
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("engine: set pragma %q: %w", p, err)
		}
	}

	return nil
}

// --- SQL query constants, grouped by concern ---

const (
	sqlRecordColumns = `external_key, resource_id, kind, title, body,
		starts_at, ends_at, participants, response_status, series_key,
		canceled, placeholder, source_system, external_id, etag, extra,
		created_at, updated_at`

	sqlGetRecord = `SELECT ` + sqlRecordColumns + ` FROM records WHERE external_key = ?`

	sqlUpsertRecord = `INSERT INTO records (` + sqlRecordColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_key) DO UPDATE SET
			resource_id     = excluded.resource_id,
			kind            = excluded.kind,
			title           = excluded.title,
			body            = excluded.body,
			starts_at       = excluded.starts_at,
			ends_at         = excluded.ends_at,
			participants    = excluded.participants,
			response_status = excluded.response_status,
			series_key      = excluded.series_key,
			canceled        = excluded.canceled,
			placeholder     = excluded.placeholder,
			source_system   = excluded.source_system,
			external_id     = excluded.external_id,
			etag            = excluded.etag,
			extra           = excluded.extra,
			updated_at      = excluded.updated_at`

	sqlMarkCanceled = `UPDATE records SET canceled = 1, updated_at = ? WHERE external_key = ?`

	sqlEnsureMaster = `INSERT INTO records
		(external_key, resource_id, kind, series_key, placeholder, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT(external_key) DO NOTHING`

	sqlUpsertException = `INSERT INTO record_exceptions
		(series_key, occurrence, override_start, override_end, override_title,
		 override_body, archived, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(series_key, occurrence) DO UPDATE SET
			override_start = excluded.override_start,
			override_end   = excluded.override_end,
			override_title = excluded.override_title,
			override_body  = excluded.override_body,
			archived       = excluded.archived,
			updated_at     = excluded.updated_at`

	sqlGetException = `SELECT series_key, occurrence, override_start, override_end,
		override_title, override_body, archived, updated_at
		FROM record_exceptions WHERE series_key = ? AND occurrence = ?`
)

const (
	sqlLoadState = `SELECT resource_id, mode, cursor, resume_token,
		window_start, window_end, sequence, more, updated_at
		FROM sync_states WHERE resource_id = ?`

	sqlListStates = `SELECT resource_id, mode, cursor, resume_token,
		window_start, window_end, sequence, more, updated_at
		FROM sync_states ORDER BY resource_id`

	sqlSaveState = `INSERT INTO sync_states
		(resource_id, mode, cursor, resume_token, window_start, window_end,
		 sequence, more, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			mode         = excluded.mode,
			cursor       = excluded.cursor,
			resume_token = excluded.resume_token,
			window_start = excluded.window_start,
			window_end   = excluded.window_end,
			sequence     = excluded.sequence,
			more         = excluded.more,
			updated_at   = excluded.updated_at`

	sqlClearState = `DELETE FROM sync_states WHERE resource_id = ?`

	sqlGetResumeToken = `SELECT token FROM resume_tokens WHERE resource_id = ?` //nolint:gosec // SQL column, not a credential

	sqlSaveResumeToken = `INSERT INTO resume_tokens (resource_id, token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE
		SET token = excluded.token, updated_at = excluded.updated_at`

	sqlDeleteResumeToken = `DELETE FROM resume_tokens WHERE resource_id = ?`
)

const (
	sqlAcquireLock = `INSERT INTO sync_locks (resource_id, locked_at)
		VALUES (?, ?) ON CONFLICT(resource_id) DO NOTHING`

	sqlReleaseLock = `DELETE FROM sync_locks WHERE resource_id = ?`

	sqlCheckLock = `SELECT 1 FROM sync_locks WHERE resource_id = ?`

	sqlListLocks = `SELECT resource_id FROM sync_locks ORDER BY resource_id`
)

const (
	sqlGetWatch = `SELECT resource_id, channel_id, secret, expires_at,
		renewal_handle, created_at
		FROM watch_subscriptions WHERE resource_id = ?`

	sqlPutWatch = `INSERT INTO watch_subscriptions
		(resource_id, channel_id, secret, expires_at, renewal_handle, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			channel_id     = excluded.channel_id,
			secret         = excluded.secret,
			expires_at     = excluded.expires_at,
			renewal_handle = excluded.renewal_handle,
			created_at     = excluded.created_at`

	sqlDeleteWatch = `DELETE FROM watch_subscriptions WHERE resource_id = ?`
)

const (
	sqlAppendPending = `INSERT INTO pending_writebacks
		(actor_id, resource_id, item_external_id, field, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlListPending = `SELECT id, actor_id, resource_id, item_external_id,
		field, value, created_at
		FROM pending_writebacks WHERE actor_id = ? ORDER BY id`

	sqlDeletePending = `DELETE FROM pending_writebacks WHERE id = ?`

	sqlAuthCheck = `SELECT 1 FROM auth_requests WHERE actor_id = ?`

	sqlAuthMark = `INSERT INTO auth_requests (actor_id, requested_at)
		VALUES (?, ?) ON CONFLICT(actor_id) DO NOTHING`

	sqlAuthClear = `DELETE FROM auth_requests WHERE actor_id = ?`
)

// prepareAll prepares every repeated statement, grouped by concern.
func (s *SQLiteStore) prepareAll(ctx context.Context) error {
	stmts := []struct {
		dst **sql.Stmt
		sql string
	}{
		{&s.recordStmts.get, sqlGetRecord},
		{&s.recordStmts.upsert, sqlUpsertRecord},
		{&s.recordStmts.markCanceled, sqlMarkCanceled},
		{&s.recordStmts.ensureMaster, sqlEnsureMaster},
		{&s.recordStmts.upsertException, sqlUpsertException},
		{&s.recordStmts.getException, sqlGetException},
		{&s.stateStmts.load, sqlLoadState},
		{&s.stateStmts.list, sqlListStates},
		{&s.stateStmts.save, sqlSaveState},
		{&s.stateStmts.clear, sqlClearState},
		{&s.stateStmts.getToken, sqlGetResumeToken},
		{&s.stateStmts.saveToken, sqlSaveResumeToken},
		{&s.stateStmts.deleteToken, sqlDeleteResumeToken},
		{&s.lockStmts.acquire, sqlAcquireLock},
		{&s.lockStmts.release, sqlReleaseLock},
		{&s.lockStmts.check, sqlCheckLock},
		{&s.lockStmts.list, sqlListLocks},
		{&s.watchStmts.get, sqlGetWatch},
		{&s.watchStmts.put, sqlPutWatch},
		{&s.watchStmts.del, sqlDeleteWatch},
		{&s.writebackStmts.append, sqlAppendPending},
		{&s.writebackStmts.list, sqlListPending},
		{&s.writebackStmts.del, sqlDeletePending},
		{&s.writebackStmts.authCheck, sqlAuthCheck},
		{&s.writebackStmts.authMark, sqlAuthMark},
		{&s.writebackStmts.authClear, sqlAuthClear},
	}

	for i := range stmts {
		prepared, err := s.db.PrepareContext(ctx, stmts[i].sql)
		if err != nil {
			return fmt.Errorf("statement %d: %w", i, err)
		}

		*stmts[i].dst = prepared
	}

	return nil
}

// --- RecordStore ---

// UpsertRecord inserts or updates by external key and returns the row ID.
// Replaying a batch is harmless: the same key lands on the same row.
func (s *SQLiteStore) UpsertRecord(ctx context.Context, rec *record.Record) (int64, error) {
	participants, err := json.Marshal(rec.Participants)
	if err != nil {
		return 0, fmt.Errorf("engine: marshal participants: %w", err)
	}

	extra := []byte("{}")

	if len(rec.Extra) > 0 {
		if extra, err = json.Marshal(rec.Extra); err != nil {
			return 0, fmt.Errorf("engine: marshal extra: %w", err)
		}
	}

	if rec.CreatedAt == 0 {
		rec.CreatedAt = record.NowNano()
	}

	rec.UpdatedAt = record.NowNano()

	_, err = s.recordStmts.upsert.ExecContext(ctx,
		rec.ExternalKey, rec.ResourceID, string(rec.Kind), rec.Title, rec.Body,
		nanoPtr(rec.StartsAt), nanoPtr(rec.EndsAt), string(participants),
		rec.ResponseStatus, rec.SeriesKey,
		boolInt(rec.Canceled), boolInt(rec.Placeholder),
		rec.Provenance.SourceSystem, rec.Provenance.ExternalID, rec.Provenance.ETag,
		string(extra), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("engine: upsert record %s: %w", rec.ExternalKey, err)
	}

	var rowID int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT rowid FROM records WHERE external_key = ?`, rec.ExternalKey,
	).Scan(&rowID); err != nil {
		return 0, fmt.Errorf("engine: read record row id: %w", err)
	}

	return rowID, nil
}

// GetRecord returns the record for a key, or nil when absent.
func (s *SQLiteStore) GetRecord(ctx context.Context, externalKey string) (*record.Record, error) {
	row := s.recordStmts.get.QueryRowContext(ctx, externalKey)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("engine: get record %s: %w", externalKey, err)
	}

	return rec, nil
}

// MarkCanceled flags a record as canceled; unknown keys are a no-op.
func (s *SQLiteStore) MarkCanceled(ctx context.Context, externalKey string) error {
	if _, err := s.recordStmts.markCanceled.ExecContext(ctx, record.NowNano(), externalKey); err != nil {
		return fmt.Errorf("engine: mark canceled %s: %w", externalKey, err)
	}

	return nil
}

// EnsureMaster creates a placeholder master if no record exists under the
// key. ON CONFLICT DO NOTHING keeps an existing record untouched, which is
// what makes the exception-before-master path a merge rather than an
// overwrite.
func (s *SQLiteStore) EnsureMaster(ctx context.Context, resourceID, seriesKey string, kind record.Kind) error {
	now := record.NowNano()

	if _, err := s.recordStmts.ensureMaster.ExecContext(ctx,
		seriesKey, resourceID, string(kind), seriesKey, now, now,
	); err != nil {
		return fmt.Errorf("engine: ensure master %s: %w", seriesKey, err)
	}

	return nil
}

// UpsertException merge-upserts one occurrence override.
func (s *SQLiteStore) UpsertException(ctx context.Context, exc *record.Exception) error {
	exc.UpdatedAt = record.NowNano()

	if _, err := s.recordStmts.upsertException.ExecContext(ctx,
		exc.SeriesKey, exc.Occurrence.UTC().UnixNano(),
		nanoPtr(exc.OverrideStart), nanoPtr(exc.OverrideEnd),
		exc.OverrideTitle, exc.OverrideBody,
		boolInt(exc.Archived), exc.UpdatedAt,
	); err != nil {
		return fmt.Errorf("engine: upsert exception %s: %w", exc.SeriesKey, err)
	}

	return nil
}

// GetException returns the override for one occurrence, or nil when absent.
func (s *SQLiteStore) GetException(ctx context.Context, seriesKey string, occurrence time.Time) (*record.Exception, error) {
	row := s.recordStmts.getException.QueryRowContext(ctx, seriesKey, occurrence.UTC().UnixNano())

	var (
		exc              record.Exception
		occNano          int64
		startNano        sql.NullInt64
		endNano          sql.NullInt64
		title, body      sql.NullString
		archived         int
	)

	err := row.Scan(&exc.SeriesKey, &occNano, &startNano, &endNano, &title, &body, &archived, &exc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("engine: get exception %s: %w", seriesKey, err)
	}

	exc.Occurrence = time.Unix(0, occNano).UTC()
	exc.Archived = archived != 0

	if startNano.Valid {
		exc.OverrideStart = record.TimePtr(time.Unix(0, startNano.Int64).UTC())
	}

	if endNano.Valid {
		exc.OverrideEnd = record.TimePtr(time.Unix(0, endNano.Int64).UTC())
	}

	if title.Valid {
		exc.OverrideTitle = &title.String
	}

	if body.Valid {
		exc.OverrideBody = &body.String
	}

	return &exc, nil
}

// --- CursorStore ---

// LoadState returns the live sync state for a resource, or nil when no pass
// is active.
func (s *SQLiteStore) LoadState(ctx context.Context, resourceID string) (*SyncState, error) {
	row := s.stateStmts.load.QueryRowContext(ctx, resourceID)

	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("engine: load sync state %s: %w", resourceID, err)
	}

	return state, nil
}

// ListStates returns every live sync state.
func (s *SQLiteStore) ListStates(ctx context.Context) ([]*SyncState, error) {
	rows, err := s.stateStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list sync states: %w", err)
	}
	defer rows.Close()

	var states []*SyncState

	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("engine: scan sync state: %w", err)
		}

		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterate sync states: %w", err)
	}

	return states, nil
}

// SaveState persists pass progress; called after every page.
func (s *SQLiteStore) SaveState(ctx context.Context, state *SyncState) error {
	if _, err := s.stateStmts.save.ExecContext(ctx,
		state.ResourceID, string(state.Mode), state.Cursor, state.ResumeToken,
		nanoPtr(state.WindowStart), nanoPtr(state.WindowEnd),
		state.Sequence, boolInt(state.More), state.UpdatedAt,
	); err != nil {
		return fmt.Errorf("engine: save sync state %s: %w", state.ResourceID, err)
	}

	return nil
}

// ClearState removes the live state row.
func (s *SQLiteStore) ClearState(ctx context.Context, resourceID string) error {
	if _, err := s.stateStmts.clear.ExecContext(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: clear sync state %s: %w", resourceID, err)
	}

	return nil
}

// ResumeToken returns the last persisted resume token, or "".
func (s *SQLiteStore) ResumeToken(ctx context.Context, resourceID string) (string, error) {
	var token string

	err := s.stateStmts.getToken.QueryRowContext(ctx, resourceID).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("engine: get resume token %s: %w", resourceID, err)
	}

	return token, nil
}

// SaveResumeToken stores the token issued on a pass's final page.
func (s *SQLiteStore) SaveResumeToken(ctx context.Context, resourceID, token string) error {
	if _, err := s.stateStmts.saveToken.ExecContext(ctx, resourceID, token, record.NowNano()); err != nil {
		return fmt.Errorf("engine: save resume token %s: %w", resourceID, err)
	}

	return nil
}

// DeleteResumeToken discards an expired token.
func (s *SQLiteStore) DeleteResumeToken(ctx context.Context, resourceID string) error {
	if _, err := s.stateStmts.deleteToken.ExecContext(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: delete resume token %s: %w", resourceID, err)
	}

	return nil
}

// --- LockStore ---

// TryLock atomically acquires the per-resource sync lock. The INSERT hits
// the primary key when the lock is held, affecting zero rows.
func (s *SQLiteStore) TryLock(ctx context.Context, resourceID string) (bool, error) {
	res, err := s.lockStmts.acquire.ExecContext(ctx, resourceID, record.NowNano())
	if err != nil {
		return false, fmt.Errorf("engine: acquire lock %s: %w", resourceID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("engine: lock rows affected: %w", err)
	}

	return affected == 1, nil
}

// Unlock releases the lock; releasing an unheld lock is a no-op.
func (s *SQLiteStore) Unlock(ctx context.Context, resourceID string) error {
	if _, err := s.lockStmts.release.ExecContext(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: release lock %s: %w", resourceID, err)
	}

	return nil
}

// Locked reports whether the resource's sync lock is held.
func (s *SQLiteStore) Locked(ctx context.Context, resourceID string) (bool, error) {
	var one int

	err := s.lockStmts.check.QueryRowContext(ctx, resourceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("engine: check lock %s: %w", resourceID, err)
	}

	return true, nil
}

// ListLocks returns the resource IDs of every held lock.
func (s *SQLiteStore) ListLocks(ctx context.Context) ([]string, error) {
	rows, err := s.lockStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list locks: %w", err)
	}
	defer rows.Close()

	var resources []string

	for rows.Next() {
		var resourceID string

		if err := rows.Scan(&resourceID); err != nil {
			return nil, fmt.Errorf("engine: scan lock: %w", err)
		}

		resources = append(resources, resourceID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterate locks: %w", err)
	}

	return resources, nil
}

// --- WatchStore ---

// GetWatch returns the active subscription, or nil when none exists.
func (s *SQLiteStore) GetWatch(ctx context.Context, resourceID string) (*WatchSubscription, error) {
	row := s.watchStmts.get.QueryRowContext(ctx, resourceID)

	var (
		sub         WatchSubscription
		expiresNano int64
	)

	err := row.Scan(&sub.ResourceID, &sub.ChannelID, &sub.Secret, &expiresNano,
		&sub.RenewalHandle, &sub.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("engine: get watch %s: %w", resourceID, err)
	}

	sub.ExpiresAt = time.Unix(0, expiresNano).UTC()

	return &sub, nil
}

// PutWatch stores or replaces the resource's subscription.
func (s *SQLiteStore) PutWatch(ctx context.Context, sub *WatchSubscription) error {
	if _, err := s.watchStmts.put.ExecContext(ctx,
		sub.ResourceID, sub.ChannelID, sub.Secret, sub.ExpiresAt.UnixNano(),
		sub.RenewalHandle, sub.CreatedAt,
	); err != nil {
		return fmt.Errorf("engine: put watch %s: %w", sub.ResourceID, err)
	}

	return nil
}

// DeleteWatch removes stored subscription state.
func (s *SQLiteStore) DeleteWatch(ctx context.Context, resourceID string) error {
	if _, err := s.watchStmts.del.ExecContext(ctx, resourceID); err != nil {
		return fmt.Errorf("engine: delete watch %s: %w", resourceID, err)
	}

	return nil
}

// --- WritebackStore ---

// AppendPending queues one write-back entry for an unauthorized actor.
func (s *SQLiteStore) AppendPending(ctx context.Context, entry *PendingWriteback) error {
	if entry.CreatedAt == 0 {
		entry.CreatedAt = record.NowNano()
	}

	res, err := s.writebackStmts.append.ExecContext(ctx,
		entry.ActorID, entry.ResourceID, entry.ItemExternalID,
		entry.Field, entry.Value, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("engine: append pending write-back: %w", err)
	}

	if entry.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("engine: pending write-back id: %w", err)
	}

	return nil
}

// ListPending returns the actor's queue in submission (ID) order.
func (s *SQLiteStore) ListPending(ctx context.Context, actorID string) ([]*PendingWriteback, error) {
	rows, err := s.writebackStmts.list.QueryContext(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("engine: list pending write-backs: %w", err)
	}
	defer rows.Close()

	var entries []*PendingWriteback

	for rows.Next() {
		var entry PendingWriteback

		if err := rows.Scan(&entry.ID, &entry.ActorID, &entry.ResourceID,
			&entry.ItemExternalID, &entry.Field, &entry.Value, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("engine: scan pending write-back: %w", err)
		}

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterate pending write-backs: %w", err)
	}

	return entries, nil
}

// DeletePending removes one applied entry.
func (s *SQLiteStore) DeletePending(ctx context.Context, id int64) error {
	if _, err := s.writebackStmts.del.ExecContext(ctx, id); err != nil {
		return fmt.Errorf("engine: delete pending write-back %d: %w", id, err)
	}

	return nil
}

// AuthRequested reports whether an authorization request is outstanding.
func (s *SQLiteStore) AuthRequested(ctx context.Context, actorID string) (bool, error) {
	var one int

	err := s.writebackStmts.authCheck.QueryRowContext(ctx, actorID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("engine: check auth request %s: %w", actorID, err)
	}

	return true, nil
}

// MarkAuthRequested records an outstanding authorization request.
func (s *SQLiteStore) MarkAuthRequested(ctx context.Context, actorID string) error {
	if _, err := s.writebackStmts.authMark.ExecContext(ctx, actorID, record.NowNano()); err != nil {
		return fmt.Errorf("engine: mark auth request %s: %w", actorID, err)
	}

	return nil
}

// ClearAuthRequest removes the outstanding-request flag after a drain.
func (s *SQLiteStore) ClearAuthRequest(ctx context.Context, actorID string) error {
	if _, err := s.writebackStmts.authClear.ExecContext(ctx, actorID); err != nil {
		return fmt.Errorf("engine: clear auth request %s: %w", actorID, err)
	}

	return nil
}

// --- scan helpers ---

// rowScanner abstracts *sql.Row and *sql.Rows for scanRecord.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var (
		rec                  record.Record
		kind                 string
		startNano, endNano   sql.NullInt64
		participants, extra  string
		canceled, placehold  int
	)

	err := row.Scan(&rec.ExternalKey, &rec.ResourceID, &kind, &rec.Title, &rec.Body,
		&startNano, &endNano, &participants, &rec.ResponseStatus, &rec.SeriesKey,
		&canceled, &placehold,
		&rec.Provenance.SourceSystem, &rec.Provenance.ExternalID, &rec.Provenance.ETag,
		&extra, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}

	rec.Kind = record.Kind(kind)
	rec.Canceled = canceled != 0
	rec.Placeholder = placehold != 0

	if startNano.Valid {
		rec.StartsAt = record.TimePtr(time.Unix(0, startNano.Int64).UTC())
	}

	if endNano.Valid {
		rec.EndsAt = record.TimePtr(time.Unix(0, endNano.Int64).UTC())
	}

	if err := json.Unmarshal([]byte(participants), &rec.Participants); err != nil {
		return nil, fmt.Errorf("unmarshal participants: %w", err)
	}

	if err := json.Unmarshal([]byte(extra), &rec.Extra); err != nil {
		return nil, fmt.Errorf("unmarshal extra: %w", err)
	}

	if len(rec.Extra) == 0 {
		rec.Extra = nil
	}

	return &rec, nil
}

func scanState(row rowScanner) (*SyncState, error) {
	var (
		state       SyncState
		mode        string
		windowStart sql.NullInt64
		windowEnd   sql.NullInt64
		more        int
	)

	err := row.Scan(&state.ResourceID, &mode, &state.Cursor, &state.ResumeToken,
		&windowStart, &windowEnd, &state.Sequence, &more, &state.UpdatedAt)
	if err != nil {
		return nil, err
	}

	state.Mode = SyncMode(mode)
	state.More = more != 0

	if windowStart.Valid {
		state.WindowStart = record.TimePtr(time.Unix(0, windowStart.Int64).UTC())
	}

	if windowEnd.Valid {
		state.WindowEnd = record.TimePtr(time.Unix(0, windowEnd.Int64).UTC())
	}

	return &state, nil
}

// nanoPtr converts an optional time to nullable Unix nanoseconds.
func nanoPtr(t *time.Time) any {
	if t == nil {
		return nil
	}

	return t.UTC().UnixNano()
}

// boolInt converts a bool to the 0/1 SQLite representation.
func boolInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
