package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

type diagnosticsRepository struct {
	db dbExecutor
}

// dbExecutor is an interface that works with both *sql.DB and *sql.Tx
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewDiagnosticsRepository creates a new PostgreSQL diagnostics repository.
func NewDiagnosticsRepository(db dbExecutor) repository.DiagnosticsRepository {
	return &diagnosticsRepository{db: db}
}

func (r *diagnosticsRepository) Load(ctx context.Context) (*repository.Diagnostics, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM bridge_diagnostics WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var d repository.Diagnostics
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal diagnostics: %w", err)
	}
	return &d, nil
}

func (r *diagnosticsRepository) Save(ctx context.Context, d repository.Diagnostics) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	query := `INSERT INTO bridge_diagnostics (id, data, updated_at)
	          VALUES (1, $1, $2)
	          ON CONFLICT (id) DO UPDATE SET
	              data = EXCLUDED.data,
	              updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query, data, d.UpdatedAt)
	return err
}

func (r *diagnosticsRepository) AppendTransition(ctx context.Context, t repository.Transition) error {
	query := `INSERT INTO bridge_transitions (from_state, to_state, reason, at)
	          VALUES ($1, $2, $3, $4)`

	_, err := r.db.ExecContext(ctx, query, t.From, t.To, nullString(t.Reason), t.At)
	return err
}

func (r *diagnosticsRepository) RecentTransitions(ctx context.Context, limit int) ([]repository.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT from_state, to_state, reason, at
	          FROM bridge_transitions
	          ORDER BY at DESC, id DESC
	          LIMIT $1`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Transition
	for rows.Next() {
		var t repository.Transition
		var reason sql.NullString
		if err := rows.Scan(&t.From, &t.To, &reason, &t.At); err != nil {
			return nil, err
		}
		if reason.Valid {
			t.Reason = reason.String
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
