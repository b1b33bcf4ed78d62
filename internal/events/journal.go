package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cadence/internal/domain"
)

// Journal persists observed events into the events table. It is an observer
// registered by process wiring; the kernel never writes events itself.
type Journal struct {
	DB *sql.DB
}

func (j Journal) Append(ctx context.Context, evt Event) error {
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var payload any = evt.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = j.DB.ExecContext(ctx, `INSERT INTO events(ts,type,user_id,payload_json) VALUES (?,?,?,?)`,
		ts.UTC().Format(time.RFC3339), string(evt.Type), nullable(evt.UserID), string(data))
	return err
}

// Handler adapts Append for Bus.SubscribeAll.
func (j Journal) Handler() Handler {
	return func(ctx context.Context, evt Event) error {
		return j.Append(ctx, evt)
	}
}

// Tail returns the latest n events, newest first, optionally filtered.
func (j Journal) Tail(ctx context.Context, n int, userID, evtType string) ([]domain.Event, error) {
	var (
		clauses []string
		args    []any
	)
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT id,ts,type,COALESCE(user_id,''),payload_json FROM events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id DESC"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
