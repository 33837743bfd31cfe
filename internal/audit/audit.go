// Package audit is the write-only sink for credential lifecycle events.
// Storage and delivery beyond structured logs are out of scope here; the
// Sink interface is the seam a real collector would plug into.
package audit

import (
	"context"
	"time"

	"clinic-api/internal/observability"
)

const (
	ActionLogin   = "login"
	ActionRotate  = "rotate"
	ActionRevoke  = "revoke"
	ActionReuse   = "reuse_detected"
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
)

type Event struct {
	SubjectID string
	JTI       string
	Action    string
	Outcome   string
	Detail    string
	At        time.Time
}

type Sink interface {
	Record(ctx context.Context, event Event)
}

// LogSink writes audit events as structured log lines.
type LogSink struct {
	logger *observability.Logger
}

func NewLogSink(logger *observability.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	fields := map[string]any{
		"subject_id": event.SubjectID,
		"jti":        event.JTI,
		"action":     event.Action,
		"outcome":    event.Outcome,
		"at":         event.At.Format(time.RFC3339Nano),
	}
	if event.Detail != "" {
		fields["detail"] = event.Detail
	}

	if event.Outcome == OutcomeOK {
		s.logger.Info("audit_event", fields)
		return
	}
	s.logger.Warn("audit_event", fields)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(ctx context.Context, event Event) {}
