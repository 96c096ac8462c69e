package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"fairplay/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// currentSchemaVersion is stamped into PRAGMA user_version. schema.sql is
// the complete form of this version; later versions add their migration
// steps to applySchema.
const currentSchemaVersion = 1

// getUsersChunk bounds the number of bound parameters per IN query.
const getUsersChunk = 500

// SQLite stores documents in a single table with mirrored timestamp columns.
type SQLite struct {
	db *sql.DB
}

// NewSQLite creates or opens a SQLite database at path and applies pragmas
// and migrations.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema v%d is newer than supported v%d", version, currentSchemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func column(field string) string {
	if field == model.FieldListRevealDateTime {
		return "reveal_at"
	}
	return "start_at"
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// QueryInstances implements Store.
func (s *SQLite) QueryInstances(ctx context.Context, field string, from, to time.Time) ([]model.EventInstance, error) {
	if err := checkQueryField(field); err != nil {
		return nil, err
	}
	col := column(field)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body FROM documents
		WHERE collection = ? AND `+col+` IS NOT NULL AND `+col+` BETWEEN ? AND ?
		ORDER BY `+col+` ASC, id ASC`,
		model.CollectionInstances, from.UnixNano(), to.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: query instances by %s: %w", field, err)
	}
	defer rows.Close()

	var out []model.EventInstance
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("store: scan instance: %w", err)
		}
		inst, err := decodeInstance(id, []byte(body))
		if err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
		out = append(out, *inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query instances by %s: %w", field, err)
	}
	return out, nil
}

// GetInstance implements Store.
func (s *SQLite) GetInstance(ctx context.Context, id string) (*model.EventInstance, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		model.CollectionInstances, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(model.CollectionInstances, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get instance %s: %w", id, err)
	}
	inst, err := decodeInstance(id, []byte(body))
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return inst, nil
}

// GetUsers implements Store.
func (s *SQLite) GetUsers(ctx context.Context, uids []string) (map[string]*model.UserProfile, error) {
	out := make(map[string]*model.UserProfile, len(uids))
	for start := 0; start < len(uids); start += getUsersChunk {
		end := start + getUsersChunk
		if end > len(uids) {
			end = len(uids)
		}
		chunk := uids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, model.CollectionUsers)
		for _, uid := range chunk {
			args = append(args, uid)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := s.db.QueryContext(ctx,
			`SELECT id, body FROM documents WHERE collection = ? AND id IN (`+placeholders+`)`,
			args...,
		)
		if err != nil {
			return nil, fmt.Errorf("store: get users: %w", err)
		}
		for rows.Next() {
			var id, body string
			if err := rows.Scan(&id, &body); err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: scan user: %w", err)
			}
			u, err := decodeUser(id, []byte(body))
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("store: %w", err)
			}
			out[id] = u
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("store: get users: %w", err)
		}
	}
	return out, nil
}

// PutInstance implements Store.
func (s *SQLite) PutInstance(ctx context.Context, inst *model.EventInstance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("store: encode instance %s: %w", inst.ID, err)
	}
	return s.put(ctx, s.db, model.CollectionInstances, inst.ID, body)
}

// PutUser implements Store.
func (s *SQLite) PutUser(ctx context.Context, user *model.UserProfile) error {
	body, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("store: encode user %s: %w", user.UID, err)
	}
	return s.put(ctx, s.db, model.CollectionUsers, user.UID, body)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) put(ctx context.Context, ex execer, collection, id string, body []byte) error {
	if id == "" {
		return fmt.Errorf("store: put %s: empty id", collection)
	}
	var idx indexTimes
	if collection == model.CollectionInstances {
		var err error
		if idx, err = instanceIndex(body); err != nil {
			return fmt.Errorf("store: index %s/%s: %w", collection, id, err)
		}
	}
	_, err := ex.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body, reveal_at, start_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			body = excluded.body,
			reveal_at = excluded.reveal_at,
			start_at = excluded.start_at,
			updated_at = excluded.updated_at`,
		collection, id, string(body), nanos(idx.reveal), nanos(idx.start), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("store: put %s/%s: %w", collection, id, err)
	}
	return nil
}

// Commit implements Store. All updates run in one transaction; the deferred
// rollback discards everything on the first failure.
func (s *SQLite) Commit(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: commit: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, p := range b.Preconditions() {
		var body string
		err := tx.QueryRowContext(ctx,
			`SELECT body FROM documents WHERE collection = ? AND id = ?`,
			p.Collection, p.ID,
		).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: commit: %w", notFound(p.Collection, p.ID))
		}
		if err != nil {
			return fmt.Errorf("store: commit: read %s/%s: %w", p.Collection, p.ID, err)
		}
		if err := checkPrecondition([]byte(body), p); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
	}

	for _, u := range b.Updates() {
		if err := checkCollection(u.Collection); err != nil {
			return err
		}
		var body string
		err := tx.QueryRowContext(ctx,
			`SELECT body FROM documents WHERE collection = ? AND id = ?`,
			u.Collection, u.ID,
		).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: commit: %w", notFound(u.Collection, u.ID))
		}
		if err != nil {
			return fmt.Errorf("store: commit: read %s/%s: %w", u.Collection, u.ID, err)
		}

		patched, err := applyUpdate([]byte(body), u.Fields)
		if err != nil {
			return fmt.Errorf("store: commit: patch %s/%s: %w", u.Collection, u.ID, err)
		}
		if err := s.put(ctx, tx, u.Collection, u.ID, patched); err != nil {
			return fmt.Errorf("store: commit: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
