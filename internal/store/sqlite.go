package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mail-triage/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// Pragmas are per connection, and SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS items (
	id                 TEXT PRIMARY KEY,
	subject            TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	sender             TEXT NOT NULL DEFAULT '',
	received_at        DATETIME NOT NULL,
	conversation_id    TEXT NOT NULL DEFAULT '',
	content_hash       TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	route              TEXT NOT NULL DEFAULT '',
	completeness_score REAL,
	chain_type         TEXT,
	chain_size         INTEGER,
	phase1_result      TEXT,
	phase2_result      TEXT,
	phase3_result      TEXT,
	last_error         TEXT NOT NULL DEFAULT '',
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, route);
CREATE INDEX IF NOT EXISTS idx_items_conversation ON items(conversation_id);
CREATE INDEX IF NOT EXISTS idx_items_received_at ON items(received_at, id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteUpsert = `
INSERT INTO items (id, subject, body, sender, received_at, conversation_id, content_hash, status, route, last_error, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', '', '', ?)
ON CONFLICT(id) DO UPDATE SET
	subject = excluded.subject,
	body = excluded.body,
	sender = excluded.sender,
	received_at = excluded.received_at,
	conversation_id = excluded.conversation_id,
	content_hash = excluded.content_hash,
	status = 'pending',
	route = '',
	completeness_score = NULL,
	chain_type = NULL,
	chain_size = NULL,
	phase1_result = NULL,
	phase2_result = NULL,
	phase3_result = NULL,
	last_error = '',
	updated_at = excluded.updated_at
WHERE items.content_hash <> excluded.content_hash`

// UpsertItems inserts new items and resets items whose content changed.
// Unchanged items are left untouched. Returns the number of rows written.
func (s *SQLiteStore) UpsertItems(ctx context.Context, items []model.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare upsert")
	}
	defer stmt.Close() //nolint:errcheck

	now := time.Now().UTC()
	written := 0
	for i := range items {
		it := &items[i]
		res, err := stmt.ExecContext(ctx,
			it.ID, it.Subject, it.Body, it.Sender, it.ReceivedAt.UTC(), it.ConversationID, it.ContentHash(), now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert item %s", it.ID)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		written += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit upsert")
	}
	return written, nil
}

func (s *SQLiteStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanSQLiteItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return it, err
}

func (s *SQLiteStore) GetItemsByStatus(ctx context.Context, status model.Status, limit int) ([]model.Item, error) {
	return s.ListItems(ctx, ItemFilter{Statuses: []model.Status{status}, Limit: limit})
}

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	where, args := filterClause(filter, sqlitePlaceholder, 1)
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE `+where, args...)
}

func (s *SQLiteStore) GetChainMembers(ctx context.Context, conversationID string) ([]model.Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE conversation_id = ? ORDER BY received_at, id`,
		conversationID,
	)
}

func (s *SQLiteStore) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.Item
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: query items iterate")
}

func (s *SQLiteStore) UpdateItemPhaseResult(ctx context.Context, id string, phase model.Phase, result *model.PhaseResult, newStatus model.Status) error {
	col, err := resultColumn(phase)
	if err != nil {
		return err
	}
	if err := checkPhaseStatus(phase, newStatus); err != nil {
		return err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal phase result")
	}

	guard, guardArgs := transitionClause(newStatus, sqlitePlaceholder, 1)
	query := fmt.Sprintf(
		`UPDATE items SET %s = ?, status = ?, route = '', last_error = '', updated_at = ? WHERE id = ? AND %s`,
		col, guard,
	)
	args := append([]any{string(resultJSON), string(newStatus), time.Now().UTC(), id}, guardArgs...)
	return s.transition(ctx, id, newStatus, query, args)
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, id string, phase model.Phase, reason string) error {
	to := model.FailedStatus(phase)
	if to == "" {
		return eris.Errorf("sqlite: invalid phase %d", phase)
	}
	guard, guardArgs := transitionClause(to, sqlitePlaceholder, 1)
	query := `UPDATE items SET status = ?, route = '', last_error = ?, updated_at = ? WHERE id = ? AND ` + guard
	args := append([]any{string(to), reason, time.Now().UTC(), id}, guardArgs...)
	return s.transition(ctx, id, to, query, args)
}

// transition executes a guarded status write and explains a zero-row result.
func (s *SQLiteStore) transition(ctx context.Context, id string, to model.Status, query string, args []any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: write %s for item %s", to, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var from, route string
	err = s.db.QueryRowContext(ctx, `SELECT status, route FROM items WHERE id = ?`, id).Scan(&from, &route)
	if errors.Is(err, sql.ErrNoRows) {
		return explainNoRows(id, false, "", "", to)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: lookup item %s", id)
	}
	return explainNoRows(id, true, model.Status(from), model.Route(route), to)
}

func (s *SQLiteStore) UpdateItemRoute(ctx context.Context, id string, route model.Route) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET route = ?, updated_at = ? WHERE id = ?`,
		string(route), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update route for item %s", id)
	}
	return checkRowsAffected(res, id)
}

func (s *SQLiteStore) UpdateChainScore(ctx context.Context, ids []string, score model.ChainScore) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin chain score")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, id := range ids {
		_, err := tx.ExecContext(ctx,
			`UPDATE items SET completeness_score = ?, chain_type = ?, chain_size = ?, updated_at = ? WHERE id = ?`,
			score.Score, string(score.Type), score.Size, now, id,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update chain score for item %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit chain score")
}

func (s *SQLiteStore) CountItems(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, route, phase2_result IS NOT NULL, COUNT(*) FROM items
		 GROUP BY status, route, phase2_result IS NOT NULL ORDER BY status, route`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count items")
	}
	defer rows.Close() //nolint:errcheck

	var out []StatusCount
	for rows.Next() {
		var status, route string
		var hasPhase2, n int
		if err := rows.Scan(&status, &route, &hasPhase2, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan count")
		}
		out = append(out, StatusCount{
			Status:    model.Status(status),
			Route:     model.Route(route),
			HasPhase2: hasPhase2 != 0,
			Count:     n,
		})
	}
	return out, eris.Wrap(rows.Err(), "sqlite: count items iterate")
}

func (s *SQLiteStore) ListPhaseResults(ctx context.Context, fn func(contentHash string, r *model.PhaseResult) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT content_hash, phase2_result, phase3_result FROM items
		 WHERE phase2_result IS NOT NULL OR phase3_result IS NOT NULL`,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: list phase results")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var hash string
		var p2, p3 sql.NullString
		if err := rows.Scan(&hash, &p2, &p3); err != nil {
			return eris.Wrap(err, "sqlite: scan phase results")
		}
		for _, raw := range []sql.NullString{p2, p3} {
			if !raw.Valid {
				continue
			}
			r, err := decodeResult([]byte(raw.String))
			if err != nil {
				return err
			}
			if err := fn(hash, r); err != nil {
				return err
			}
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: list phase results iterate")
}

// helpers

func checkRowsAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(row scannable) (*model.Item, error) {
	var it model.Item
	var status, route string
	var score sql.NullFloat64
	var chainType sql.NullString
	var chainSize sql.NullInt64
	var p1, p2, p3 sql.NullString

	err := row.Scan(
		&it.ID, &it.Subject, &it.Body, &it.Sender, &it.ReceivedAt, &it.ConversationID, &status, &route,
		&score, &chainType, &chainSize, &p1, &p2, &p3,
		&it.LastError, &it.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan item")
	}

	it.Status = model.Status(status)
	it.Route = model.Route(route)
	if score.Valid {
		it.Chain = &model.ChainScore{
			Score: score.Float64,
			Type:  model.ChainType(chainType.String),
			Size:  int(chainSize.Int64),
		}
	}
	for i, raw := range []sql.NullString{p1, p2, p3} {
		if !raw.Valid {
			continue
		}
		r, err := decodeResult([]byte(raw.String))
		if err != nil {
			return nil, err
		}
		it.SetResult(model.Phase(i+1), r)
	}
	return &it, nil
}

func decodeResult(raw []byte) (*model.PhaseResult, error) {
	var r model.PhaseResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal phase result")
	}
	return &r, nil
}
