// Package monitor emits generic security-monitoring events. Emission is fire
// and forget from the caller's point of view.
package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Event struct {
	Category string         `json:"category"`
	Severity string         `json:"severity"`
	Actor    string         `json:"actor"`
	SourceIP string         `json:"source_ip"`
	Details  map[string]any `json:"details,omitempty"`
	TS       string         `json:"ts"`
}

type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// StoreSink records monitoring events in the audit log alongside domain
// events, under the monitoring.* type namespace.
type StoreSink struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s StoreSink) Emit(ctx context.Context, ev Event) error {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if ev.TS == "" {
		ev.TS = now().UTC().Format(time.RFC3339)
	}
	if ev.Actor == "" {
		ev.Actor = "system"
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,actor_id,payload_json) VALUES (?,?,?,?,?)`,
		ev.TS, "monitoring."+ev.Category, "monitoring", ev.Actor, string(payload))
	return err
}

// Discard drops every event. Used when monitoring is disabled.
type Discard struct{}

func (Discard) Emit(context.Context, Event) error { return nil }
