package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var filterOps = map[string]string{
	"==": "=",
	"!=": "<>",
	">":  ">",
	">=": ">=",
	"<":  "<",
	"<=": "<=",
}

type PgStore struct {
	conn *sql.DB
}

func NewPgStore(db *sql.DB) *PgStore {
	return &PgStore{conn: db}
}

func (s *PgStore) GetRecord(ctx context.Context, collection, id string) (Record, error) {
	row := s.conn.QueryRowContext(ctx,
		"SELECT id, fields, updated_at FROM records WHERE collection = $1 AND id = $2 LIMIT 1",
		collection,
		id,
	)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrRecordNotFound, collection, id)
	}

	return rec, err
}

func (s *PgStore) PutRecord(ctx context.Context, collection, id string, fields map[string]any, merge bool) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode fields: %w", err)
	}

	update := "fields = EXCLUDED.fields"
	if merge {
		// jsonb concatenation keeps fields the caller didn't name
		update = "fields = records.fields || EXCLUDED.fields"
	}

	_, err = s.conn.ExecContext(ctx,
		"INSERT INTO records (collection, id, fields, updated_at) VALUES ($1, $2, $3, $4) "+
			"ON CONFLICT (collection, id) DO UPDATE SET "+update+", updated_at = EXCLUDED.updated_at",
		collection,
		id,
		raw,
		time.Now().UTC(),
	)

	return err
}

func (s *PgStore) QueryRecords(ctx context.Context, collection string, filters []Filter, orderBy string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT id, fields, updated_at FROM records WHERE collection = $1"
	args := []any{collection}

	for _, f := range filters {
		op, ok := filterOps[f.Op]
		if !ok {
			return nil, fmt.Errorf("unsupported filter op %q", f.Op)
		}

		// the field name is bound as a parameter, never spliced into SQL
		args = append(args, f.Field, f.Value)
		query += fmt.Sprintf(" AND fields->>$%d %s $%d", len(args)-1, op, len(args))
	}

	if orderBy != "" {
		dir := "ASC"
		if strings.HasPrefix(orderBy, "-") {
			dir = "DESC"
			orderBy = strings.TrimPrefix(orderBy, "-")
		}

		args = append(args, orderBy)
		query += fmt.Sprintf(" ORDER BY fields->>$%d %s, id ASC", len(args), dir)
	} else {
		query += " ORDER BY id ASC"
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records = make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func scanRecord(scan func(...any) error) (Record, error) {
	var (
		rec Record
		raw []byte
	)

	if err := scan(&rec.Id, &raw, &rec.UpdatedAt); err != nil {
		return Record{}, err
	}

	if err := json.Unmarshal(raw, &rec.Fields); err != nil {
		return Record{}, fmt.Errorf("decode fields: %w", err)
	}

	return rec, nil
}
