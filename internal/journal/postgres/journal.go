package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"waveminer/internal/journal"
)

// Journal persists the protocol audit trail in postgres for post-mortem
// analysis across runs.
type Journal struct {
	db *sql.DB
}

func NewJournal(databaseURL string) (*Journal, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	j := &Journal{db: db}
	if err := j.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) ensureSchema(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, `
		create table if not exists miner_journal (
			id uuid primary key,
			recorded_at timestamptz not null,
			kind text not null,
			detail jsonb
		)`)
	if err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

func (j *Journal) Append(kind string, detail map[string]any) journal.Entry {
	entry := journal.Entry{
		ID:     uuid.NewString(),
		Time:   time.Now().UTC(),
		Kind:   kind,
		Detail: detail,
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		payload = []byte("{}")
	}
	// Append is best effort; the journal never blocks protocol progress.
	_, _ = j.db.Exec(
		`insert into miner_journal(id, recorded_at, kind, detail) values ($1, $2, $3, $4)`,
		entry.ID, entry.Time, entry.Kind, payload,
	)
	return entry
}

func (j *Journal) Tail(limit int) []journal.Entry {
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.Query(
		`select id, recorded_at, kind, coalesce(detail, '{}'::jsonb)
		 from miner_journal order by recorded_at desc limit $1`, limit)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []journal.Entry
	for rows.Next() {
		var (
			entry journal.Entry
			raw   []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Time, &entry.Kind, &raw); err != nil {
			continue
		}
		_ = json.Unmarshal(raw, &entry.Detail)
		out = append(out, entry)
	}
	return out
}

func (j *Journal) Close() error {
	return j.db.Close()
}
