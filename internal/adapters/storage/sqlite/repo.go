package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hylla/dealtree/internal/app"
	"github.com/hylla/dealtree/internal/domain"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// DefaultBusyTimeout is how long a writer waits for the write lock.
const DefaultBusyTimeout = 5 * time.Second

// deleteChunkSize keeps IN lists well under the bound-parameter limit.
const deleteChunkSize = 500

var _ app.Repository = (*Repository)(nil)

// Options tunes how the database is opened.
type Options struct {
	BusyTimeout time.Duration
}

// Repository is the SQLite-backed activity store.
type Repository struct {
	db *sql.DB
}

// Open opens the database file at path with default options.
func Open(path string) (*Repository, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions opens the database file at path, creating parent dirs.
// Every transaction starts with BEGIN IMMEDIATE, so writers are serialized
// from the first read of a unit of work.
func OpenWithOptions(path string, opts Options) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, "file:"+path+"?"+dsnParams(opts, true).Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db)
}

// OpenInMemory opens a private in-memory database. It uses one connection,
// which also serializes transactions.
func OpenInMemory() (*Repository, error) {
	params := dsnParams(Options{}, false)
	params.Set("mode", "memory")
	params.Set("cache", "shared")
	db, err := sql.Open(driverName, "file:dealtree-"+uuid.NewString()+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newRepository(db)
}

// dsnParams builds the connection pragmas shared by every open mode.
func dsnParams(opts Options, wal bool) url.Values {
	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	params := url.Values{}
	params.Add("_pragma", "foreign_keys(1)")
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	if wal {
		params.Add("_pragma", "journal_mode(WAL)")
	}
	params.Set("_txlock", "immediate")
	return params
}

// newRepository migrates db and wraps it.
func newRepository(db *sql.DB) (*Repository, error) {
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the requested operation.
func (r *Repository) Close() error {
	return r.db.Close()
}

// migrate handles migrate.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS activities (
			id TEXT PRIMARY KEY,
			parent_id TEXT REFERENCES activities(id) ON DELETE CASCADE,
			owner_type TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'task',
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			assigned_to TEXT NOT NULL DEFAULT '',
			due_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			CHECK (parent_id IS NULL OR parent_id <> id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_parent ON activities(parent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_activities_owner ON activities(owner_type, owner_id);`,
		`CREATE TABLE IF NOT EXISTS change_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			activity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			actor_id TEXT NOT NULL DEFAULT 'dealtree-user',
			actor_type TEXT NOT NULL DEFAULT 'user',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_activity_created_at ON change_events(activity_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// InTx runs fn inside one BEGIN IMMEDIATE transaction and commits when fn
// returns nil.
func (r *Repository) InTx(ctx context.Context, fn func(app.ActivityStore) error) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(store{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	return nil
}

// ListActivities lists activities matching filter, oldest first.
func (r *Repository) ListActivities(ctx context.Context, filter domain.OwnerFilter) ([]domain.Activity, error) {
	return store{q: r.db}.ListActivities(ctx, filter)
}

// GetActivity returns one activity.
func (r *Repository) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return store{q: r.db}.GetActivity(ctx, id)
}

// InsertActivity inserts one activity.
func (r *Repository) InsertActivity(ctx context.Context, a domain.Activity) error {
	return store{q: r.db}.InsertActivity(ctx, a)
}

// UpdateActivityParent rewrites one parent reference.
func (r *Repository) UpdateActivityParent(ctx context.Context, id, parentID string, at time.Time) (domain.Activity, error) {
	var out domain.Activity
	err := r.InTx(ctx, func(s app.ActivityStore) error {
		var err error
		out, err = s.UpdateActivityParent(ctx, id, parentID, at)
		return err
	})
	return out, err
}

// UpdateActivity updates descriptive fields.
func (r *Repository) UpdateActivity(ctx context.Context, a domain.Activity) error {
	return store{q: r.db}.UpdateActivity(ctx, a)
}

// DeleteActivities deletes every listed id in its own transaction.
func (r *Repository) DeleteActivities(ctx context.Context, ids []string) error {
	return r.InTx(ctx, func(s app.ActivityStore) error {
		return s.DeleteActivities(ctx, ids)
	})
}

// AppendChangeEvent inserts a change-event ledger record.
func (r *Repository) AppendChangeEvent(ctx context.Context, event domain.ChangeEvent) error {
	return store{q: r.db}.AppendChangeEvent(ctx, event)
}

// ListChangeEvents lists recent events for activity-log consumption.
func (r *Repository) ListChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	return store{q: r.db}.ListChangeEvents(ctx, limit)
}

// dbtx represents the query contract shared by DB and Tx implementations.
type dbtx interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// store binds the ActivityStore operations to a DB or a Tx.
type store struct {
	q dbtx
}

// activityColumns lists the selected columns in scanActivity order.
const activityColumns = `id, parent_id, owner_type, owner_id, kind, title, description, status, assigned_to, due_at, completed_at, created_at, updated_at`

func (s store) ListActivities(ctx context.Context, filter domain.OwnerFilter) ([]domain.Activity, error) {
	query := `SELECT ` + activityColumns + ` FROM activities`
	args := make([]any, 0, 2)
	if !filter.Owner.IsZero() {
		query += ` WHERE owner_type = ? AND owner_id = ?`
		args = append(args, string(filter.Owner.Type), filter.Owner.ID)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Activity, 0)
	for rows.Next() {
		a, scanErr := scanActivity(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s store) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = ?`, id)
	return scanActivity(row)
}

func (s store) InsertActivity(ctx context.Context, a domain.Activity) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO activities(`+activityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		a.ID,
		nullableString(a.ParentID),
		string(a.Owner.Type),
		a.Owner.ID,
		string(a.Kind),
		a.Title,
		a.Description,
		string(a.Status),
		a.AssignedTo,
		nullableTS(a.DueAt),
		nullableTS(a.CompletedAt),
		ts(a.CreatedAt),
		ts(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return fmt.Errorf("insert activity %q: %w", a.ID, app.ErrConflict)
		}
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s store) UpdateActivityParent(ctx context.Context, id, parentID string, at time.Time) (domain.Activity, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE activities
		SET parent_id = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(parentID), ts(at), id)
	if err != nil {
		return domain.Activity{}, fmt.Errorf("update activity parent: %w", err)
	}
	if err := translateNoRows(res); err != nil {
		return domain.Activity{}, err
	}
	return s.GetActivity(ctx, id)
}

func (s store) UpdateActivity(ctx context.Context, a domain.Activity) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE activities
		SET owner_type = ?, owner_id = ?, kind = ?, title = ?, description = ?, status = ?, assigned_to = ?,
			due_at = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`,
		string(a.Owner.Type),
		a.Owner.ID,
		string(a.Kind),
		a.Title,
		a.Description,
		string(a.Status),
		a.AssignedTo,
		nullableTS(a.DueAt),
		nullableTS(a.CompletedAt),
		ts(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	return translateNoRows(res)
}

// DeleteActivities removes the whole id set. Every id must exist; a missing
// one fails the call before anything is deleted. Counts are taken up front
// because SQLite does not report rows removed by ON DELETE CASCADE.
func (s store) DeleteActivities(ctx context.Context, ids []string) error {
	ids = slices.Compact(slices.Sorted(slices.Values(ids)))
	if len(ids) == 0 {
		return nil
	}

	found := 0
	for chunk := range slices.Chunk(ids, deleteChunkSize) {
		var n int
		query := `SELECT COUNT(*) FROM activities WHERE id IN (` + placeholders(len(chunk)) + `)`
		if err := s.q.QueryRowContext(ctx, query, stringArgs(chunk)...).Scan(&n); err != nil {
			return fmt.Errorf("count activities for delete: %w", err)
		}
		found += n
	}
	if found != len(ids) {
		return fmt.Errorf("delete %d activities, %d present: %w", len(ids), found, app.ErrNotFound)
	}

	for chunk := range slices.Chunk(ids, deleteChunkSize) {
		query := `DELETE FROM activities WHERE id IN (` + placeholders(len(chunk)) + `)`
		if _, err := s.q.ExecContext(ctx, query, stringArgs(chunk)...); err != nil {
			return fmt.Errorf("delete activities: %w", err)
		}
	}
	return nil
}

func (s store) AppendChangeEvent(ctx context.Context, event domain.ChangeEvent) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encode change event metadata: %w", err)
	}
	if event.Metadata == nil {
		metadataJSON = []byte("{}")
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO change_events(activity_id, operation, actor_id, actor_type, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		event.ActivityID,
		string(domain.NormalizeChangeOperation(string(event.Operation))),
		chooseActorID(event.ActorID),
		string(domain.NormalizeActorType(event.ActorType)),
		string(metadataJSON),
		ts(normalizeEventTS(event.OccurredAt)),
	)
	if err != nil {
		return fmt.Errorf("insert change event: %w", err)
	}
	return nil
}

func (s store) ListChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = app.DefaultEventLimit
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, activity_id, operation, actor_id, actor_type, metadata_json, created_at
		FROM change_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ChangeEvent, 0)
	for rows.Next() {
		var (
			event       domain.ChangeEvent
			opRaw       string
			actorType   string
			metadataRaw string
			createdRaw  string
		)
		if err := rows.Scan(&event.ID, &event.ActivityID, &opRaw, &event.ActorID, &actorType, &metadataRaw, &createdRaw); err != nil {
			return nil, err
		}
		event.Operation = domain.NormalizeChangeOperation(opRaw)
		event.ActorType = domain.NormalizeActorType(domain.ActorType(actorType))
		event.OccurredAt = parseTS(createdRaw)
		if strings.TrimSpace(metadataRaw) == "" {
			metadataRaw = "{}"
		}
		if err := json.Unmarshal([]byte(metadataRaw), &event.Metadata); err != nil {
			return nil, fmt.Errorf("decode change_events.metadata_json: %w", err)
		}
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// scanner represents scanner data used by this package.
type scanner interface {
	Scan(dest ...any) error
}

// scanActivity handles scan activity.
func scanActivity(s scanner) (domain.Activity, error) {
	var (
		a            domain.Activity
		parentRaw    sql.NullString
		ownerType    string
		kind         string
		status       string
		dueRaw       sql.NullString
		completedRaw sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := s.Scan(
		&a.ID,
		&parentRaw,
		&ownerType,
		&a.Owner.ID,
		&kind,
		&a.Title,
		&a.Description,
		&status,
		&a.AssignedTo,
		&dueRaw,
		&completedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Activity{}, app.ErrNotFound
		}
		return domain.Activity{}, err
	}
	a.ParentID = parentRaw.String
	a.Owner.Type = domain.OwnerType(ownerType)
	a.Kind = domain.ActivityKind(kind)
	if strings.TrimSpace(kind) == "" {
		a.Kind = domain.DefaultActivityKind
	}
	a.Status = domain.ActivityStatus(status)
	if a.Status == "" {
		a.Status = domain.StatusPending
	}
	a.DueAt = parseNullTS(dueRaw)
	a.CompletedAt = parseNullTS(completedRaw)
	a.CreatedAt = parseTS(createdRaw)
	a.UpdatedAt = parseTS(updatedRaw)
	return a, nil
}

// translateNoRows handles translate no rows.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// placeholders returns n comma-separated bind markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// stringArgs converts ids to driver args.
func stringArgs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// chooseActorID returns the trimmed actor id or the default local actor.
func chooseActorID(actorID string) string {
	if actorID = strings.TrimSpace(actorID); actorID != "" {
		return actorID
	}
	return domain.DefaultActorID
}

// normalizeEventTS ensures event timestamps are always populated and UTC-normalized.
func normalizeEventTS(in time.Time) time.Time {
	if in.IsZero() {
		return time.Now().UTC()
	}
	return in.UTC()
}

// tsLayout is fixed width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// ts handles ts.
func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// nullableTS handles nullable ts.
func nullableTS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return ts(*t)
}

// nullableString stores empty strings as NULL.
func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

// parseNullTS parses input into a normalized form.
func parseNullTS(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	ts := parseTS(v.String)
	return &ts
}

// isUniqueConstraintErr reports whether the expected condition is satisfied.
func isUniqueConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
