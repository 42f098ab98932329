package session

import (
	"context"
	"time"

	"github.com/goliatone/hashid/pkg/hashid"
)

// TransitionEvent captures audit-friendly information about a state change.
type TransitionEvent struct {
	From         State
	To           State
	Reason       string
	PrincipalRef string
	OccurredAt   time.Time
}

// TransitionSink consumes transition events for auditing/telemetry purposes.
type TransitionSink interface {
	Record(ctx context.Context, event TransitionEvent) error
}

// TransitionSinkFunc adapts a function to the TransitionSink interface.
type TransitionSinkFunc func(ctx context.Context, event TransitionEvent) error

// Record implements TransitionSink.
func (f TransitionSinkFunc) Record(ctx context.Context, event TransitionEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

type noopTransitionSink struct{}

func (noopTransitionSink) Record(context.Context, TransitionEvent) error {
	return nil
}

func normalizeTransitionSink(s TransitionSink) TransitionSink {
	if s == nil {
		return noopTransitionSink{}
	}
	return s
}

// PrincipalRef derives a stable, obfuscated reference for a principal so
// transition logs never carry the raw provider UID.
func PrincipalRef(p Principal) string {
	if p == nil || p.ID() == "" {
		return ""
	}

	if id, err := hashid.NewUUID(p.ID()); err == nil {
		return id.String()[:8]
	}

	return "unknown"
}
