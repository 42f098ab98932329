// Package store persists client-side session state in a local sqlite
// database: storage keys owned by the rest of the application, plus the last
// reconciled session snapshot so the UI can paint an optimistic shell while
// reconciliation runs.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/sendbeam/go-session"
	"github.com/uptrace/bun"
)

// SnapshotKey is the reserved storage key holding the persisted session.
const SnapshotKey = "session.snapshot"

// Record is a single stored key/value pair.
type Record struct {
	bun.BaseModel `bun:"table:session_store,alias:ss"`

	ID        uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Key       string     `bun:"key,notnull,unique" json:"key"`
	Value     []byte     `bun:"value" json:"value,omitempty"`
	UpdatedAt *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// PersistedSession is the durable subset of a session snapshot. Errors and
// loading flags are never persisted; a restored session always re-reconciles.
type PersistedSession struct {
	State             session.State `json:"state"`
	User              *session.User `json:"user,omitempty"`
	CurrentProduct    string        `json:"current_product,omitempty"`
	AvailableProducts []string      `json:"available_products,omitempty"`
	SavedAt           time.Time     `json:"saved_at"`
}

// Store implements session.Storage on top of bun.
type Store struct {
	db     *bun.DB
	logger session.Logger
	now    func() time.Time
}

var _ session.Storage = (*Store)(nil)

// Option customizes store construction.
type Option func(*Store)

// WithLogger overrides the store logger.
func WithLogger(logger session.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

// New creates a store around an existing bun handle. Call Init once to
// ensure the backing table exists.
func New(db *bun.DB, opts ...Option) *Store {
	s := &Store{
		db:  db,
		now: time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s
}

// Init creates the backing table when missing.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*Record)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "unable to create session store table")
	}
	return nil
}

// Set upserts a value under a key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return goerrors.New("storage key is required", goerrors.CategoryBadInput)
	}

	now := s.now()
	rec := &Record{
		ID:        uuid.New(),
		Key:       key,
		Value:     value,
		UpdatedAt: &now,
	}

	_, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "unable to store value").
			WithMetadata(map[string]any{"key": key})
	}

	return nil
}

// Get returns the value stored under a key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	rec := new(Record)
	err := s.db.NewSelect().
		Model(rec).
		Where("key = ?", key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if err == sql.ErrNoRows || repository.IsRecordNotFound(err) {
			return nil, goerrors.New("storage key not found", goerrors.CategoryNotFound).
				WithCode(goerrors.CodeNotFound).
				WithMetadata(map[string]any{"key": key})
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "unable to read value").
			WithMetadata(map[string]any{"key": key})
	}

	return rec.Value, nil
}

// Clear implements session.Storage: it deletes the given keys. Missing keys
// are not an error so forced sign-out stays idempotent.
func (s *Store) Clear(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := s.db.NewDelete().
		Model((*Record)(nil)).
		Where("key IN (?)", bun.In(keys)).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "unable to clear storage keys").
			WithMetadata(map[string]any{"keys": keys})
	}

	if s.logger != nil {
		s.logger.Debug("cleared %d storage keys", len(keys))
	}

	return nil
}

// SaveSnapshot persists the durable subset of a session snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap session.Snapshot) error {
	persisted := PersistedSession{
		State:             snap.State,
		User:              snap.User,
		CurrentProduct:    snap.CurrentProduct,
		AvailableProducts: snap.AvailableProducts,
		SavedAt:           s.now(),
	}

	encoded, err := json.Marshal(persisted)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "unable to encode session snapshot")
	}

	return s.Set(ctx, SnapshotKey, encoded)
}

// LoadSnapshot restores the last persisted session, if any.
func (s *Store) LoadSnapshot(ctx context.Context) (*PersistedSession, error) {
	raw, err := s.Get(ctx, SnapshotKey)
	if err != nil {
		return nil, err
	}

	persisted := new(PersistedSession)
	if err := json.Unmarshal(raw, persisted); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "undecodable session snapshot")
	}

	return persisted, nil
}
