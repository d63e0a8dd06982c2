package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sipeed/wabridge/pkg/storage/repository"
)

type diagnosticsRepository struct {
	db         *sql.DB
	maxJournal int
}

func (r *diagnosticsRepository) Load(ctx context.Context) (*repository.Diagnostics, error) {
	var data string
	err := r.db.QueryRowContext(ctx, `SELECT data FROM bridge_diagnostics WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var d repository.Diagnostics
	if err := json.Unmarshal([]byte(data), &d); err != nil {
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
	          VALUES (1, ?, ?)
	          ON CONFLICT (id) DO UPDATE SET
	              data = excluded.data,
	              updated_at = excluded.updated_at`

	_, err = r.db.ExecContext(ctx, query, string(data), d.UpdatedAt.UnixNano())
	return err
}

func (r *diagnosticsRepository) AppendTransition(ctx context.Context, t repository.Transition) error {
	var reason interface{}
	if t.Reason != "" {
		reason = t.Reason
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bridge_transitions (from_state, to_state, reason, at) VALUES (?, ?, ?, ?)`,
		t.From, t.To, reason, t.At.UnixNano())
	if err != nil {
		return err
	}
	if r.maxJournal > 0 {
		_, err = r.db.ExecContext(ctx,
			`DELETE FROM bridge_transitions WHERE id NOT IN (
			     SELECT id FROM bridge_transitions ORDER BY id DESC LIMIT ?)`,
			r.maxJournal)
	}
	return err
}

func (r *diagnosticsRepository) RecentTransitions(ctx context.Context, limit int) ([]repository.Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT from_state, to_state, reason, at FROM bridge_transitions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []repository.Transition
	for rows.Next() {
		var t repository.Transition
		var reason sql.NullString
		var at int64
		if err := rows.Scan(&t.From, &t.To, &reason, &at); err != nil {
			return nil, err
		}
		t.Reason = reason.String
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}
