package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"paceline/internal/domain"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes a lifecycle event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, owner domain.Owner, taskID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,contact_id,role,task_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(owner.ContactID), nullable(string(owner.Role)), nullable(taskID), string(data))
	return err
}

// AppendDirect writes an event outside any transaction.
func (w Writer) AppendDirect(ctx context.Context, evtType string, owner domain.Owner, taskID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,contact_id,role,task_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(owner.ContactID), nullable(string(owner.Role)), nullable(taskID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Sink records analytics events on the event log. Failures are logged and
// swallowed; analytics must never fail a lifecycle operation.
type Sink struct {
	Writer Writer
	Log    zerolog.Logger
}

func (s Sink) Track(ctx context.Context, eventType string, owner domain.Owner, meta map[string]any) {
	if err := s.Writer.AppendDirect(ctx, eventType, owner, "", EventPayload(meta)); err != nil {
		s.Log.Warn().Err(err).Str("event", eventType).Msg("analytics track failed")
	}
}
