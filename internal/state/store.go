package state

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Store keeps collections in the SQLite records table. Documents are upserted
// by (collection, id).
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Persist writes docs into collection in one transaction.
func (s *Store) Persist(ctx context.Context, collection string, docs []Document) error {
	if collection == "" {
		return fmt.Errorf("collection name is empty")
	}
	if len(docs) == 0 {
		return nil
	}
	for _, d := range docs {
		if err := d.Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, d := range docs {
		var source any
		if d.SourceCommand != "" {
			source = d.SourceCommand
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO records(id, collection, source_command, body, created_at)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET
  source_command = excluded.source_command,
  body = excluded.body;
`, d.ID, collection, source, string(d.Body), now)
		if err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Fetch returns documents of collection matching filter in insertion order.
func (s *Store) Fetch(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	query := "SELECT id, source_command, body FROM records WHERE collection = ?"
	args := []any{collection}
	if filter.Field != "" {
		if len(filter.In) == 0 {
			return nil, nil
		}
		// Field is whitelisted by Validate.
		query += fmt.Sprintf(" AND %s IN (?%s)", filter.Field, strings.Repeat(", ?", len(filter.In)-1))
		for _, v := range filter.In {
			args = append(args, v)
		}
	}
	query += " ORDER BY seq ASC;"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var (
			d      Document
			source sql.NullString
			body   string
		)
		if err := rows.Scan(&d.ID, &source, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", collection, err)
		}
		d.SourceCommand = source.String
		d.Body = []byte(body)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", collection, err)
	}
	return out, nil
}
