package postgres

import (
	"context"
	"fmt"

	"github.com/zeromicro/go-zero/core/logx"

	"quotesync/pkg/recorder"
)

const entitiesDDL = `
CREATE TABLE IF NOT EXISTS entities (
    id          TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    exchange    TEXT NOT NULL,
    code        TEXT NOT NULL,
    name        TEXT,
    list_date   TIMESTAMPTZ,
    end_date    TIMESTAMPTZ,
    category    TEXT,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func seriesDDL(table string) []string {
	t := quoteIdent(table)
	idx := quoteIdent(table + "_series_idx")
	return []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    id          TEXT PRIMARY KEY,
    entity_id   TEXT NOT NULL,
    provider    TEXT NOT NULL,
    level       TEXT NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    code        TEXT,
    name        TEXT,
    payload     JSONB NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, t),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (entity_id, level, provider, ts DESC)`, idx, t),
	}
}

// EnsureSchema creates the entity table and one table per schema when missing.
func (s *Store) EnsureSchema(ctx context.Context, schemas ...recorder.Schema) error {
	stmts := []string{entitiesDDL}
	for _, schema := range schemas {
		if err := schema.Validate(); err != nil {
			return err
		}
		stmts = append(stmts, seriesDDL(schema.Name)...)
	}
	for _, stmt := range stmts {
		if _, err := s.conn.ExecCtx(ctx, stmt); err != nil {
			return fmt.Errorf("persistence: ensure schema: %w", describe(err))
		}
	}
	logx.WithContext(ctx).Infof("persistence: ensured %d schema tables", len(schemas))
	return nil
}
