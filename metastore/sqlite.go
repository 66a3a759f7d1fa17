package metastore

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

type record struct {
	bun.BaseModel `bun:"table:provider_meta"`

	ProviderID string    `bun:"provider_id,pk"`
	Key        string    `bun:"key,pk"`
	Value      string    `bun:"value"`
	UpdatedAt  time.Time `bun:"updated_at"`
}

// SQLite is a sqlite-backed Store.
type SQLite struct {
	db *bun.DB
}

// OpenSQLite opens (and creates if needed) the metadata database at dsn.
func OpenSQLite(ctx context.Context, dsn string) (*SQLite, error) {
	sqldb, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db := bun.NewDB(sqldb, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*record)(nil)).IfNotExists().Exec(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Get(ctx context.Context, providerID, key string) (string, bool, error) {
	var rec record
	err := s.db.NewSelect().Model(&rec).
		Where("provider_id = ?", providerID).
		Where("key = ?", key).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	return rec.Value, true, nil
}

func (s *SQLite) Put(ctx context.Context, providerID, key, value string) error {
	rec := &record{
		ProviderID: providerID,
		Key:        key,
		Value:      value,
		UpdatedAt:  time.Now().UTC(),
	}
	_, err := s.db.NewInsert().Model(rec).
		On("CONFLICT (provider_id, key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *SQLite) DeleteGroup(ctx context.Context, providerID string) error {
	_, err := s.db.NewDelete().Model((*record)(nil)).
		Where("provider_id = ?", providerID).
		Exec(ctx)
	return err
}

func (s *SQLite) Close() error { return s.db.Close() }
