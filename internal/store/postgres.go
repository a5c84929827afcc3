package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mail-triage/internal/db"
	"github.com/sells-group/mail-triage/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute
	// Statements are prepared lazily by pgx's per-connection cache; the
	// items table may not exist yet when migrate connects.

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS items (
	id                 TEXT PRIMARY KEY,
	subject            TEXT NOT NULL DEFAULT '',
	body               TEXT NOT NULL DEFAULT '',
	sender             TEXT NOT NULL DEFAULT '',
	received_at        TIMESTAMPTZ NOT NULL,
	conversation_id    TEXT NOT NULL DEFAULT '',
	content_hash       TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	route              TEXT NOT NULL DEFAULT '',
	completeness_score DOUBLE PRECISION,
	chain_type         TEXT,
	chain_size         INTEGER,
	phase1_result      JSONB,
	phase2_result      JSONB,
	phase3_result      JSONB,
	last_error         TEXT NOT NULL DEFAULT '',
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_items_status ON items(status, route);
CREATE INDEX IF NOT EXISTS idx_items_conversation ON items(conversation_id);
CREATE INDEX IF NOT EXISTS idx_items_received_at ON items(received_at, id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

var upsertColumns = []string{
	"id", "subject", "body", "sender", "received_at", "conversation_id", "content_hash",
	"status", "route", "completeness_score", "chain_type", "chain_size",
	"phase1_result", "phase2_result", "phase3_result", "last_error", "updated_at",
}

// UpsertItems bulk-loads items through COPY. A changed content hash resets
// the row to pending; an unchanged one is skipped.
func (s *PostgresStore) UpsertItems(ctx context.Context, items []model.Item) (int, error) {
	now := time.Now().UTC()
	rows := make([][]any, len(items))
	for i := range items {
		it := &items[i]
		rows[i] = []any{
			it.ID, it.Subject, it.Body, it.Sender, it.ReceivedAt.UTC(), it.ConversationID, it.ContentHash(),
			string(model.StatusPending), string(model.RouteUnrouted), nil, nil, nil,
			nil, nil, nil, "", now,
		}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "items",
		Columns:      upsertColumns,
		ConflictKeys: []string{"id"},
		UpdateWhere:  `"items"."content_hash" IS DISTINCT FROM EXCLUDED."content_hash"`,
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: upsert items")
	}
	return int(n), nil
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (*model.Item, error) {
	it, err := scanPostgresItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return it, err
}

func (s *PostgresStore) GetItemsByStatus(ctx context.Context, status model.Status, limit int) ([]model.Item, error) {
	return s.ListItems(ctx, ItemFilter{Statuses: []model.Status{status}, Limit: limit})
}

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.Item, error) {
	where, args := filterClause(filter, postgresPlaceholder, 1)
	return s.queryItems(ctx, `SELECT `+itemColumns+` FROM items WHERE `+where, args...)
}

func (s *PostgresStore) GetChainMembers(ctx context.Context, conversationID string) ([]model.Item, error) {
	return s.queryItems(ctx,
		`SELECT `+itemColumns+` FROM items WHERE conversation_id = $1 ORDER BY received_at, id`,
		conversationID,
	)
}

func (s *PostgresStore) queryItems(ctx context.Context, query string, args ...any) ([]model.Item, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query items")
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		it, err := scanPostgresItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: query items iterate")
}

func (s *PostgresStore) UpdateItemPhaseResult(ctx context.Context, id string, phase model.Phase, result *model.PhaseResult, newStatus model.Status) error {
	col, err := resultColumn(phase)
	if err != nil {
		return err
	}
	if err := checkPhaseStatus(phase, newStatus); err != nil {
		return err
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal phase result")
	}

	guard, guardArgs := transitionClause(newStatus, postgresPlaceholder, 5)
	query := fmt.Sprintf(
		`UPDATE items SET %s = $1, status = $2, route = '', last_error = '', updated_at = $3 WHERE id = $4 AND %s`,
		col, guard,
	)
	args := append([]any{resultJSON, string(newStatus), time.Now().UTC(), id}, guardArgs...)
	return s.transition(ctx, id, newStatus, query, args)
}

func (s *PostgresStore) RecordFailure(ctx context.Context, id string, phase model.Phase, reason string) error {
	to := model.FailedStatus(phase)
	if to == "" {
		return eris.Errorf("postgres: invalid phase %d", phase)
	}
	guard, guardArgs := transitionClause(to, postgresPlaceholder, 5)
	query := `UPDATE items SET status = $1, route = '', last_error = $2, updated_at = $3 WHERE id = $4 AND ` + guard
	args := append([]any{string(to), reason, time.Now().UTC(), id}, guardArgs...)
	return s.transition(ctx, id, to, query, args)
}

func (s *PostgresStore) transition(ctx context.Context, id string, to model.Status, query string, args []any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: write %s for item %s", to, id)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var from, route string
	err = s.pool.QueryRow(ctx, `SELECT status, route FROM items WHERE id = $1`, id).Scan(&from, &route)
	if errors.Is(err, pgx.ErrNoRows) {
		return explainNoRows(id, false, "", "", to)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: lookup item %s", id)
	}
	return explainNoRows(id, true, model.Status(from), model.Route(route), to)
}

func (s *PostgresStore) UpdateItemRoute(ctx context.Context, id string, route model.Route) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET route = $1, updated_at = $2 WHERE id = $3`,
		string(route), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update route for item %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "item %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateChainScore(ctx context.Context, ids []string, score model.ChainScore) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE items SET completeness_score = $1, chain_type = $2, chain_size = $3, updated_at = $4 WHERE id = ANY($5)`,
		score.Score, string(score.Type), score.Size, time.Now().UTC(), ids,
	)
	return eris.Wrap(err, "postgres: update chain score")
}

func (s *PostgresStore) CountItems(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, route, phase2_result IS NOT NULL AS has_phase2, COUNT(*) FROM items
		 GROUP BY status, route, has_phase2 ORDER BY status, route`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count items")
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var status, route string
		var hasPhase2 bool
		var n int64
		if err := rows.Scan(&status, &route, &hasPhase2, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan count")
		}
		out = append(out, StatusCount{
			Status:    model.Status(status),
			Route:     model.Route(route),
			HasPhase2: hasPhase2,
			Count:     int(n),
		})
	}
	return out, eris.Wrap(rows.Err(), "postgres: count items iterate")
}

func (s *PostgresStore) ListPhaseResults(ctx context.Context, fn func(contentHash string, r *model.PhaseResult) error) error {
	rows, err := s.pool.Query(ctx,
		`SELECT content_hash, phase2_result, phase3_result FROM items WHERE phase2_result IS NOT NULL OR phase3_result IS NOT NULL`,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: list phase results")
	}
	defer rows.Close()

	for rows.Next() {
		var hash string
		var p2, p3 *[]byte
		if err := rows.Scan(&hash, &p2, &p3); err != nil {
			return eris.Wrap(err, "postgres: scan phase results")
		}
		for _, raw := range []*[]byte{p2, p3} {
			if raw == nil {
				continue
			}
			r, err := decodeResult(*raw)
			if err != nil {
				return err
			}
			if err := fn(hash, r); err != nil {
				return err
			}
		}
	}
	return eris.Wrap(rows.Err(), "postgres: list phase results iterate")
}

func scanPostgresItem(row pgx.Row) (*model.Item, error) {
	var it model.Item
	var status, route string
	var score *float64
	var chainType *string
	var chainSize *int32
	var p1, p2, p3 *[]byte

	err := row.Scan(
		&it.ID, &it.Subject, &it.Body, &it.Sender, &it.ReceivedAt, &it.ConversationID, &status, &route,
		&score, &chainType, &chainSize, &p1, &p2, &p3,
		&it.LastError, &it.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan item")
	}

	it.Status = model.Status(status)
	it.Route = model.Route(route)
	if score != nil {
		cs := &model.ChainScore{Score: *score}
		if chainType != nil {
			cs.Type = model.ChainType(*chainType)
		}
		if chainSize != nil {
			cs.Size = int(*chainSize)
		}
		it.Chain = cs
	}
	for i, raw := range []*[]byte{p1, p2, p3} {
		if raw == nil {
			continue
		}
		r, err := decodeResult(*raw)
		if err != nil {
			return nil, err
		}
		it.SetResult(model.Phase(i+1), r)
	}
	return &it, nil
}
