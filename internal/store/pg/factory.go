package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/burstgate/internal/store"
)

// OpenDB opens a pgx-backed database/sql pool and verifies it with a ping.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewPGBufferStoreFromConfig opens Postgres and returns a buffer store that owns the pool.
func NewPGBufferStoreFromConfig(cfg store.StoreConfig) (*PGBufferStore, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %w", store.ErrBuffer, err)
	}
	s := NewPGBufferStore(db)
	s.owned = true
	return s, nil
}
