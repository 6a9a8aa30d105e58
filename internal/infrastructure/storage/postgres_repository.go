package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// OpenPostgres connects to the Postgres database behind dsn and applies migrations.
// The lib/pq driver is registered by the pq import in dialect.go.
func OpenPostgres(dsn string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newSQLRepository(db, postgresDialect)
}
