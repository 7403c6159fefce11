// Package postgres persists records and the entity catalog in Postgres
// through go-zero sqlx over the pgx stdlib driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver
	"github.com/zeromicro/go-zero/core/logx"
	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"quotesync/pkg/recorder"
)

var (
	_ recorder.Persister   = (*Store)(nil)
	_ recorder.EntityStore = (*Store)(nil)
)

// Store implements recorder.Persister and recorder.EntityStore.
type Store struct {
	conn sqlx.SqlConn
}

// New opens a pgx backed connection for dsn.
func New(dsn string) *Store {
	return NewStore(sqlx.NewSqlConn("pgx", dsn))
}

// NewStore wraps an existing connection.
func NewStore(conn sqlx.SqlConn) *Store {
	return &Store{conn: conn}
}

// Conn exposes the underlying connection for health checks.
func (s *Store) Conn() sqlx.SqlConn { return s.conn }

func upsertStmt(table string, overwrite bool) string {
	conflict := "DO NOTHING"
	if overwrite {
		conflict = `DO UPDATE SET
    entity_id = EXCLUDED.entity_id,
    provider = EXCLUDED.provider,
    level = EXCLUDED.level,
    ts = EXCLUDED.ts,
    code = EXCLUDED.code,
    name = EXCLUDED.name,
    payload = EXCLUDED.payload,
    updated_at = NOW()
WHERE %[1]s.payload IS DISTINCT FROM EXCLUDED.payload
    OR %[1]s.code IS DISTINCT FROM EXCLUDED.code
    OR %[1]s.name IS DISTINCT FROM EXCLUDED.name
    OR %[1]s.provider IS DISTINCT FROM EXCLUDED.provider`
		conflict = fmt.Sprintf(conflict, quoteIdent(table))
	}
	return fmt.Sprintf(`
INSERT INTO %s (id, entity_id, provider, level, ts, code, name, payload, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
ON CONFLICT (id) %s`, quoteIdent(table), conflict)
}

// Upsert implements recorder.Persister. The batch runs in one transaction;
// rows left untouched, by DO NOTHING or by an overwrite with identical
// content, are reported as skipped.
func (s *Store) Upsert(ctx context.Context, schema recorder.Schema, records []recorder.Record, policy recorder.DuplicatePolicy) (recorder.PersistResult, error) {
	var result recorder.PersistResult
	if len(records) == 0 {
		return result, nil
	}
	stmt := upsertStmt(schema.Name, policy.Overwrites())
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		result = recorder.PersistResult{}
		for _, r := range records {
			if r.ID == "" || r.EntityID == "" {
				return fmt.Errorf("record without id in %s", schema.Name)
			}
			payload, err := json.Marshal(r.Values)
			if err != nil {
				return fmt.Errorf("encode %s: %w", r.ID, err)
			}
			res, err := session.ExecCtx(ctx, stmt,
				r.ID, r.EntityID, r.Provider, string(r.Level), r.Timestamp.UTC(),
				sql.NullString{String: r.Code, Valid: r.Code != ""},
				sql.NullString{String: r.Name, Valid: r.Name != ""},
				payload,
			)
			if err != nil {
				return describe(err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				result.Skipped++
			} else {
				result.Written++
			}
		}
		return nil
	})
	if err != nil {
		return recorder.PersistResult{}, fmt.Errorf("persistence: upsert %s: %w", schema.Name, err)
	}
	if result.Skipped > 0 && policy == recorder.PolicyAdd {
		logx.WithContext(ctx).Infof("persistence: %s kept %d stored records", schema.Name, result.Skipped)
	}
	return result, nil
}

type maxRow struct {
	Max sql.NullTime `db:"max_ts"`
}

// MaxTimestamp implements recorder.Persister.
func (s *Store) MaxTimestamp(ctx context.Context, schema recorder.Schema, key recorder.SeriesKey) (time.Time, bool, error) {
	q := fmt.Sprintf(`SELECT MAX(ts) AS max_ts FROM %s WHERE entity_id = $1 AND level = $2 AND provider = $3`, quoteIdent(schema.Name))
	var row maxRow
	if err := s.conn.QueryRowCtx(ctx, &row, q, key.EntityID, string(key.Level), key.Provider); err != nil {
		return time.Time{}, false, fmt.Errorf("persistence: max timestamp %s %s: %w", schema.Name, key, describe(err))
	}
	if !row.Max.Valid {
		return time.Time{}, false, nil
	}
	return row.Max.Time, true, nil
}

type entityRow struct {
	ID       string         `db:"id"`
	Type     string         `db:"entity_type"`
	Exchange string         `db:"exchange"`
	Code     string         `db:"code"`
	Name     sql.NullString `db:"name"`
	ListDate sql.NullTime   `db:"list_date"`
	EndDate  sql.NullTime   `db:"end_date"`
	Category sql.NullString `db:"category"`
}

func (r entityRow) entity() recorder.Entity {
	e := recorder.Entity{
		ID:       r.ID,
		Type:     r.Type,
		Exchange: r.Exchange,
		Code:     r.Code,
		Name:     r.Name.String,
		Category: r.Category.String,
	}
	if r.ListDate.Valid {
		e.ListDate = r.ListDate.Time
	}
	if r.EndDate.Valid {
		e.EndDate = r.EndDate.Time
	}
	return e
}

// List implements recorder.Catalog. The type narrows the query; the rest of
// the filter is applied in memory.
func (s *Store) List(ctx context.Context, filter recorder.Filter) ([]recorder.Entity, error) {
	const q = `
SELECT id, entity_type, exchange, code, name, list_date, end_date, category
FROM entities
WHERE ($1 = '' OR entity_type = $1)
ORDER BY id`
	var rows []entityRow
	if err := s.conn.QueryRowsCtx(ctx, &rows, q, strings.ToLower(strings.TrimSpace(filter.EntityType))); err != nil {
		return nil, fmt.Errorf("persistence: list entities: %w", describe(err))
	}
	entities := make([]recorder.Entity, 0, len(rows))
	for _, r := range rows {
		entities = append(entities, r.entity())
	}
	return recorder.ApplyFilter(entities, filter), nil
}

// UpsertEntities implements recorder.EntityStore.
func (s *Store) UpsertEntities(ctx context.Context, entities []recorder.Entity) (int, error) {
	for _, e := range entities {
		if err := e.Validate(); err != nil {
			return 0, err
		}
	}
	const stmt = `
INSERT INTO entities (id, entity_type, exchange, code, name, list_date, end_date, category, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    list_date = EXCLUDED.list_date,
    end_date = EXCLUDED.end_date,
    category = EXCLUDED.category,
    updated_at = NOW()`
	err := s.conn.TransactCtx(ctx, func(ctx context.Context, session sqlx.Session) error {
		for _, e := range entities {
			if _, err := session.ExecCtx(ctx, stmt,
				e.ID, e.Type, e.Exchange, e.Code,
				sql.NullString{String: e.Name, Valid: e.Name != ""},
				nullTime(e.ListDate),
				nullTime(e.EndDate),
				sql.NullString{String: e.Category, Valid: e.Category != ""},
			); err != nil {
				return describe(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("persistence: upsert entities: %w", err)
	}
	return len(entities), nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
