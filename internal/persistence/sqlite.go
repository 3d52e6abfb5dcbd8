package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Pragmas are passed in the DSN so every pooled connection gets them, not
// just the one that happened to run a PRAGMA statement.
const pragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"

// Open opens a SQLite database at path in WAL mode and applies schema.
// Parent directories are created as needed. Every durable store in the
// module (checkpoints, memory, knowledge) goes through here.
func Open(ctx context.Context, path string, schema string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?%s&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path, pragmas)
	return open(ctx, connStr, schema, 2)
}

// OpenMemory opens a private in-memory database for tests. The random name
// keeps databases opened by different callers apart. Shared-cache mode
// reports lock conflicts without honouring the busy timeout, so the pool is
// held to a single connection.
func OpenMemory(ctx context.Context, schema string) (*sql.DB, error) {
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", uuid.New().String(), pragmas)
	return open(ctx, connStr, schema, 1)
}

func open(ctx context.Context, connStr, schema string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(maxConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if schema != "" {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	return db, nil
}
