package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/strukturag/pdfdraw/internal/backend"
)

// ItemStore keeps annotation items in Postgres for deployments that run
// without an external document backend. It satisfies the same contract as
// the OCS backend client.
type ItemStore struct {
	db *sql.DB
}

func NewItemStore(db *sql.DB) *ItemStore {
	return &ItemStore{db: db}
}

// EnsureSchema creates the items table if it does not exist yet. Item names
// are unique per document; moving an item to another page is an update, not
// a second row.
func (s *ItemStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS pdfdraw_items (
			file_id    TEXT NOT NULL,
			page       INTEGER NOT NULL,
			name       TEXT NOT NULL,
			data       TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (file_id, name)
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure pdfdraw_items: %w", err)
	}
	return nil
}

func (s *ItemStore) ListItems(ctx context.Context, fileID string) ([]backend.Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page, name, data FROM pdfdraw_items
		WHERE file_id = $1
		ORDER BY page, name
	`, fileID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var items []backend.Item
	for rows.Next() {
		var item backend.Item
		if err := rows.Scan(&item.Page, &item.Name, &item.Data); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

func (s *ItemStore) StoreItem(ctx context.Context, fileID string, page int, name, data string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pdfdraw_items (file_id, page, name, data)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (file_id, name)
		DO UPDATE SET page = EXCLUDED.page, data = EXCLUDED.data, updated_at = NOW()
	`, fileID, page, name, data)
	if err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	return nil
}

func (s *ItemStore) DeleteItem(ctx context.Context, fileID string, page int, name string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM pdfdraw_items WHERE file_id = $1 AND page = $2 AND name = $3
	`, fileID, page, name)
	if err != nil {
		return fmt.Errorf("delete item: %w", err)
	}
	return nil
}
