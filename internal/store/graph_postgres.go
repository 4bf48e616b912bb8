package store

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresGraph implements GraphStore on two tables: nodes(id, labels,
// props) and edges(source, rel, target, props). Edge upserts have MERGE
// semantics through the (source, rel, target) unique key.
type PostgresGraph struct {
	pool *pgxpool.Pool
}

// NewPostgresGraph creates the schema if needed and returns the store.
func NewPostgresGraph(ctx context.Context, pool *pgxpool.Pool) (*PostgresGraph, error) {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
  id TEXT PRIMARY KEY,
  labels TEXT[] NOT NULL DEFAULT '{}',
  props JSONB NOT NULL DEFAULT '{}'::jsonb
)`,
		`CREATE TABLE IF NOT EXISTS edges (
  source TEXT NOT NULL,
  rel TEXT NOT NULL,
  target TEXT NOT NULL,
  props JSONB NOT NULL DEFAULT '{}'::jsonb,
  PRIMARY KEY (source, rel, target)
)`,
		`CREATE INDEX IF NOT EXISTS edges_src_rel ON edges(source, rel)`,
		`CREATE INDEX IF NOT EXISTS edges_dst_rel ON edges(target, rel)`,
	}
	for _, stmt := range ddl {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return nil, err
		}
	}
	return &PostgresGraph{pool: pool}, nil
}

func (g *PostgresGraph) UpsertNode(ctx context.Context, id string, labels []string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO nodes(id, labels, props) VALUES($1,$2,$3)
ON CONFLICT (id) DO UPDATE SET labels=EXCLUDED.labels, props=EXCLUDED.props
`, id, labels, props)
	return err
}

func (g *PostgresGraph) UpsertEdge(ctx context.Context, src, rel, dst string, props map[string]any) error {
	if props == nil {
		props = map[string]any{}
	}
	_, err := g.pool.Exec(ctx, `
INSERT INTO edges(source, rel, target, props) VALUES($1,$2,$3,$4)
ON CONFLICT (source, rel, target) DO UPDATE SET props=EXCLUDED.props
`, src, rel, dst, props)
	return err
}

func (g *PostgresGraph) GetNode(ctx context.Context, id string) (GraphNode, bool, error) {
	row := g.pool.QueryRow(ctx, `SELECT labels, props FROM nodes WHERE id=$1`, id)
	var labels []string
	var props map[string]any
	if err := row.Scan(&labels, &props); err != nil {
		return GraphNode{}, false, nil
	}
	return GraphNode{ID: id, Labels: labels, Props: props}, true, nil
}

func (g *PostgresGraph) GetEdge(ctx context.Context, src, rel, dst string) (map[string]any, bool, error) {
	row := g.pool.QueryRow(ctx, `SELECT props FROM edges WHERE source=$1 AND rel=$2 AND target=$3`, src, rel, dst)
	var props map[string]any
	if err := row.Scan(&props); err != nil {
		return nil, false, nil
	}
	return props, true, nil
}

func (g *PostgresGraph) Neighbors(ctx context.Context, id, rel string) ([]string, error) {
	rows, err := g.pool.Query(ctx, `SELECT target FROM edges WHERE source=$1 AND rel=$2 ORDER BY target`, id, rel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (g *PostgresGraph) Incoming(ctx context.Context, id, rel string) ([]string, error) {
	rows, err := g.pool.Query(ctx, `SELECT source FROM edges WHERE target=$1 AND rel=$2 ORDER BY source`, id, rel)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (g *PostgresGraph) Edges(ctx context.Context, src, rel string) ([]GraphEdge, error) {
	query := `SELECT source, rel, target, props FROM edges WHERE source=$1`
	args := []any{src}
	if rel != "" {
		query += ` AND rel=$2`
		args = append(args, rel)
	}
	rows, err := g.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []GraphEdge
	for rows.Next() {
		var e GraphEdge
		if err := rows.Scan(&e.Src, &e.Rel, &e.Dst, &e.Props); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rel != out[j].Rel {
			return out[i].Rel < out[j].Rel
		}
		return out[i].Dst < out[j].Dst
	})
	return out, nil
}

func (g *PostgresGraph) DeleteNode(ctx context.Context, id string) error {
	if _, err := g.pool.Exec(ctx, `DELETE FROM edges WHERE source=$1 OR target=$1`, id); err != nil {
		return err
	}
	_, err := g.pool.Exec(ctx, `DELETE FROM nodes WHERE id=$1`, id)
	return err
}

var _ GraphStore = (*PostgresGraph)(nil)
