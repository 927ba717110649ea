// Package store persists sessions, groups, and group layouts in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"agent-console/internal/layout"
	"agent-console/internal/session"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func OpenAndMigrate(ctx context.Context, path string) (*Store, error) {
	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, s.db); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const sessionColumns = `id, cwd, status, label, created_at, last_activity_at, resume_handle, terminal_id, provider, model, effort, env_json, group_id, archived_at, archived_terminals_json`

// Create inserts a new session.
func (s *Store) Create(ctx context.Context, sess session.Session) error {
	if sess.Status == "" {
		sess.Status = session.StatusActive
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	envJSON, err := marshalNullable(sess.Env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	archivedJSON, err := marshalNullable(sess.ArchivedTerminals)
	if err != nil {
		return fmt.Errorf("encode archived terminals: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, sess.ID, sess.Cwd, string(sess.Status), sess.Label, ts(sess.CreatedAt), nullableTS(sess.LastActivity),
		sess.ResumeHandle, sess.TerminalID, sess.Provider, sess.Model, sess.Effort, envJSON, sess.GroupID,
		nullableTS(sess.ArchivedAt), archivedJSON)
	if err != nil {
		if isUniqueErr(err) {
			return fmt.Errorf("%w: session %s", ErrDuplicate, sess.ID)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return sess, err
}

// ListActive returns sessions that are not archived, oldest first.
func (s *Store) ListActive(ctx context.Context) ([]session.Session, error) {
	return s.listSessions(ctx, `WHERE archived_at IS NULL`)
}

// ListArchived returns archived sessions, most recently archived first.
func (s *Store) ListArchived(ctx context.Context) ([]session.Session, error) {
	return s.listSessions(ctx, `WHERE archived_at IS NOT NULL ORDER BY archived_at DESC, id`)
}

func (s *Store) ListAll(ctx context.Context) ([]session.Session, error) {
	return s.listSessions(ctx, ``)
}

func (s *Store) listSessions(ctx context.Context, clause string) ([]session.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions ` + clause
	if !strings.Contains(clause, "ORDER BY") {
		q += ` ORDER BY created_at, id`
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// Archive moves a session out of the active set, remembering the terminals
// it had open.
func (s *Store) Archive(ctx context.Context, id string, terminals []string, at time.Time) error {
	archivedJSON, err := marshalNullable(terminals)
	if err != nil {
		return fmt.Errorf("encode archived terminals: %w", err)
	}
	return s.execOne(ctx, id, `
UPDATE sessions SET archived_at = ?, archived_terminals_json = ?, terminal_id = '', status = 'idle'
WHERE id = ?`, ts(at), archivedJSON, id)
}

// Restore returns an archived session to the active set.
func (s *Store) Restore(ctx context.Context, id string) error {
	return s.execOne(ctx, id, `
UPDATE sessions SET archived_at = NULL, archived_terminals_json = NULL
WHERE id = ?`, id)
}

// UpdateActivity records activity and marks the session active.
func (s *Store) UpdateActivity(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, id, `
UPDATE sessions SET last_activity_at = ?, status = 'active'
WHERE id = ?`, ts(at), id)
}

func (s *Store) SetStatus(ctx context.Context, id string, status session.Status) error {
	return s.execOne(ctx, id, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

// ResetTerminals unbinds every session from its terminal and marks it idle.
// Terminals do not survive a server restart, so the server calls it on
// startup. It returns the number of sessions that were bound.
func (s *Store) ResetTerminals(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET terminal_id = '', status = 'idle' WHERE terminal_id != '' OR status != 'idle'`)
	if err != nil {
		return 0, fmt.Errorf("reset session terminals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// UpdateTerminal binds a session to a terminal. Empty unbinds.
func (s *Store) UpdateTerminal(ctx context.Context, id, terminalID string) error {
	return s.execOne(ctx, id, `UPDATE sessions SET terminal_id = ? WHERE id = ?`, terminalID, id)
}

// SessionPatch lists the mutable session fields. Nil fields are left
// unchanged.
type SessionPatch struct {
	Label        *string
	ResumeHandle *string
	Provider     *string
	Model        *string
	Effort       *string
	GroupID      *string
	Env          map[string]*string
}

func (s *Store) Update(ctx context.Context, id string, patch SessionPatch) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("label", patch.Label)
	add("resume_handle", patch.ResumeHandle)
	add("provider", patch.Provider)
	add("model", patch.Model)
	add("effort", patch.Effort)
	add("group_id", patch.GroupID)
	if patch.Env != nil {
		envJSON, err := marshalNullable(patch.Env)
		if err != nil {
			return fmt.Errorf("encode env: %w", err)
		}
		sets = append(sets, "env_json = ?")
		args = append(args, envJSON)
	}
	if len(sets) == 0 {
		_, err := s.Get(ctx, id)
		return err
	}
	args = append(args, id)
	return s.execOne(ctx, id, `UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	return s.execOne(ctx, id, `DELETE FROM sessions WHERE id = ?`, id)
}

func (s *Store) execOne(ctx context.Context, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (session.Session, error) {
	var (
		sess                       session.Session
		status, createdAt          string
		lastActivity, archivedAt   sql.NullString
		envJSON, archivedTerminals sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.Cwd, &status, &sess.Label, &createdAt, &lastActivity,
		&sess.ResumeHandle, &sess.TerminalID, &sess.Provider, &sess.Model, &sess.Effort, &envJSON,
		&sess.GroupID, &archivedAt, &archivedTerminals)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sess, err
		}
		return sess, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = session.Status(status)
	if sess.CreatedAt, err = parseTS(createdAt); err != nil {
		return sess, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.LastActivity, err = parseNullableTS(lastActivity); err != nil {
		return sess, fmt.Errorf("parse last_activity_at: %w", err)
	}
	if sess.ArchivedAt, err = parseNullableTS(archivedAt); err != nil {
		return sess, fmt.Errorf("parse archived_at: %w", err)
	}
	if envJSON.Valid {
		if err := json.Unmarshal([]byte(envJSON.String), &sess.Env); err != nil {
			return sess, fmt.Errorf("decode env: %w", err)
		}
	}
	if archivedTerminals.Valid {
		if err := json.Unmarshal([]byte(archivedTerminals.String), &sess.ArchivedTerminals); err != nil {
			return sess, fmt.Errorf("decode archived terminals: %w", err)
		}
	}
	return sess, nil
}

// UpsertGroup inserts a group or updates its label and activity.
func (s *Store) UpsertGroup(ctx context.Context, g session.Group) error {
	now := time.Now().UTC()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	if g.LastActivity.IsZero() {
		g.LastActivity = g.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO groups(id, label, created_at, last_activity_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	label=excluded.label,
	last_activity_at=excluded.last_activity_at
`, g.ID, g.Label, ts(g.CreatedAt), ts(g.LastActivity))
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (session.Group, error) {
	var g session.Group
	var created, last string
	err := s.db.QueryRowContext(ctx, `SELECT id, label, created_at, last_activity_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Label, &created, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return g, fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	if err != nil {
		return g, fmt.Errorf("get group: %w", err)
	}
	return g, parseGroupTimes(&g, created, last)
}

func (s *Store) ListGroups(ctx context.Context) ([]session.Group, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, label, created_at, last_activity_at FROM groups ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []session.Group
	for rows.Next() {
		var g session.Group
		var created, last string
		if err := rows.Scan(&g.ID, &g.Label, &created, &last); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		if err := parseGroupTimes(&g, created, last); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return out, nil
}

// DeleteGroup removes a group and its saved layout. Sessions that belonged
// to it are detached.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete group: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET group_id = '' WHERE group_id = ?`, id); err != nil {
		return fmt.Errorf("detach sessions: %w", err)
	}
	return tx.Commit()
}

func parseGroupTimes(g *session.Group, created, last string) error {
	var err error
	if g.CreatedAt, err = parseTS(created); err != nil {
		return fmt.Errorf("parse group created_at: %w", err)
	}
	if g.LastActivity, err = parseTS(last); err != nil {
		return fmt.Errorf("parse group last_activity_at: %w", err)
	}
	return nil
}

// SaveLayout stores the layout of an existing group.
func (s *Store) SaveLayout(ctx context.Context, groupID string, st layout.GroupState) error {
	blob, err := EncodeLayout(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO layouts(group_id, state, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(group_id) DO UPDATE SET
	state=excluded.state,
	updated_at=excluded.updated_at
`, groupID, blob, ts(time.Now()))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "foreign key") {
			return fmt.Errorf("%w: group %s", ErrNotFound, groupID)
		}
		return fmt.Errorf("save layout: %w", err)
	}
	return nil
}

func (s *Store) LoadLayout(ctx context.Context, groupID string) (layout.GroupState, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT state FROM layouts WHERE group_id = ?`, groupID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return layout.GroupState{}, fmt.Errorf("%w: layout %s", ErrNotFound, groupID)
	}
	if err != nil {
		return layout.GroupState{}, fmt.Errorf("load layout: %w", err)
	}
	return DecodeLayout(blob)
}

// LoadLayouts returns every saved layout keyed by group id. Layouts that
// fail to decode are skipped and reported in the returned error list.
func (s *Store) LoadLayouts(ctx context.Context) (map[string]layout.GroupState, []error, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, state FROM layouts`)
	if err != nil {
		return nil, nil, fmt.Errorf("list layouts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]layout.GroupState)
	var bad []error
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("scan layout: %w", err)
		}
		st, err := DecodeLayout(blob)
		if err != nil {
			bad = append(bad, fmt.Errorf("layout %s: %w", id, err))
			continue
		}
		out[id] = st
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate layouts: %w", err)
	}
	return out, bad, nil
}

func marshalNullable[T any](v T) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func nullableTS(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}

func parseNullableTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
