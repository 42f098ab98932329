// Package activitymap converts session transition events into a generic
// activity shape for downstream systems (activity feeds, audit pipelines).
package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/sendbeam/go-session"
)

const (
	// MetadataKeyFromState stores the source state of a transition.
	MetadataKeyFromState = "from_state"
	// MetadataKeyToState stores the target state of a transition.
	MetadataKeyToState = "to_state"
	// MetadataKeyReason stores the human-readable transition reason.
	MetadataKeyReason = "reason"
)

const (
	defaultChannel    = "session"
	defaultObjectType = "session"
	defaultActorID    = "anonymous"
	defaultVerb       = "session.transition"
)

// Normalized is a transport-agnostic activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel       string
	objectType    string
	actorFallback string
	verbResolver  func(session.TransitionEvent) string
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
	}
}

// Normalize converts a session.TransitionEvent into a generic normalized
// shape. The principal reference is already obfuscated, so the record is safe
// to ship to downstream systems as-is.
func Normalize(event session.TransitionEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorID := strings.TrimSpace(event.PrincipalRef)
	if actorID == "" {
		actorID = strings.TrimSpace(options.actorFallback)
	}

	verb := defaultVerb
	if options.verbResolver != nil {
		if resolved := strings.TrimSpace(options.verbResolver(event)); resolved != "" {
			verb = resolved
		}
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       verb,
		ObjectType: strings.TrimSpace(options.objectType),
		ObjectID:   string(event.To),
		Channel:    strings.TrimSpace(options.channel),
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt,
	}
}

// WithDefaultChannel sets the default channel for normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		if strings.TrimSpace(channel) != "" {
			opts.channel = channel
		}
	}
}

// WithObjectType overrides the object type attached to normalized records.
func WithObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		if strings.TrimSpace(objectType) != "" {
			opts.objectType = objectType
		}
	}
}

// WithActorFallback sets the actor id used for sessions without a principal.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		if strings.TrimSpace(actorID) != "" {
			opts.actorFallback = actorID
		}
	}
}

// WithVerbResolver derives a custom verb per transition, e.g. to split
// sign-in and sign-out into distinct feed entries.
func WithVerbResolver(resolver func(session.TransitionEvent) string) Option {
	return func(opts *normalizeOptions) {
		opts.verbResolver = resolver
	}
}

// Sink adapts Normalize into a session.TransitionSink that hands normalized
// records to a publish function.
func Sink(publish func(context.Context, Normalized) error, opts ...Option) session.TransitionSink {
	return session.TransitionSinkFunc(func(ctx context.Context, event session.TransitionEvent) error {
		return publish(ctx, Normalize(event, opts...))
	})
}

func normalizeMetadata(event session.TransitionEvent) map[string]any {
	return map[string]any{
		MetadataKeyFromState: string(event.From),
		MetadataKeyToState:   string(event.To),
		MetadataKeyReason:    event.Reason,
	}
}
