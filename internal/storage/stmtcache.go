package storage

import (
	"context"
	"database/sql"
	"sync"
)

// stmtCache amortizes parse/plan cost across repeated queries, keyed by
// the raw SQL text (the teacher's pgx pool does this implicitly via its
// own statement cache; database/sql + sqlite3 needs it done explicitly).
type stmtCache struct {
	conn *sql.DB
	mu   sync.Mutex
	byQuery map[string]*sql.Stmt
}

func newStmtCache(conn *sql.DB) *stmtCache {
	return &stmtCache{conn: conn, byQuery: make(map[string]*sql.Stmt)}
}

func (c *stmtCache) get(ctx context.Context, query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.byQuery[query]; ok {
		return stmt, nil
	}

	stmt, err := c.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, err
	}
	c.byQuery[query] = stmt
	return stmt, nil
}

func (c *stmtCache) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, stmt := range c.byQuery {
		stmt.Close()
	}
	c.byQuery = make(map[string]*sql.Stmt)
}
