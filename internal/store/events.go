package store

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// SystemEvent mirrors one row of system_events (spec.md §6, §7).
type SystemEvent struct {
	Time      time.Time
	EventType string
	Severity  string
	Symbol    string
	Details   string
}

// InsertSystemEvent persists one system_events row.
func (s *Store) InsertSystemEvent(ctx context.Context, ev SystemEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO system_events (time, event_type, severity, symbol, details) VALUES (?, ?, ?, ?, ?)`,
		ev.Time.Format(time.RFC3339Nano), ev.EventType, ev.Severity, ev.Symbol, ev.Details,
	)
	return err
}

// RecordCritical implements internal/log.CriticalSink, durably mirroring
// every CRITICAL-severity log entry to system_events (spec.md §7). It
// swallows its own write failures to a fallback logger rather than
// returning an error, since the interface it satisfies has none and a
// logging call must never itself fail the operation being logged.
func (s *Store) RecordCritical(eventType, message string, fields map[string]interface{}) {
	symbol, _ := fields["symbol"].(string)

	details := map[string]interface{}{"message": message}
	for k, v := range fields {
		details[k] = v
	}
	encoded, err := json.Marshal(details)
	if err != nil {
		encoded = []byte(message)
	}

	if insertErr := s.InsertSystemEvent(context.Background(), SystemEvent{
		Time:      time.Now().UTC(),
		EventType: eventType,
		Severity:  "CRITICAL",
		Symbol:    symbol,
		Details:   string(encoded),
	}); insertErr != nil && s.fallback != nil {
		s.fallback.Error("failed to persist critical system event",
			zap.Error(insertErr), zap.String("event_type", eventType))
	}
}

// SetFallbackLogger wires a logger used only to report failures inside
// RecordCritical itself, where the normal logger cannot be trusted not
// to recurse back into the sink.
func (s *Store) SetFallbackLogger(l *zap.Logger) {
	s.fallback = l
}

// RecentSystemEvents returns up to limit most-recent rows, newest first,
// for operator visibility.
func (s *Store) RecentSystemEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time, event_type, severity, symbol, details FROM system_events ORDER BY time DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemEvent
	for rows.Next() {
		var ev SystemEvent
		var ts string
		if err := rows.Scan(&ts, &ev.EventType, &ev.Severity, &ev.Symbol, &ev.Details); err != nil {
			return nil, err
		}
		if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
			ev.Time = parsed
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
