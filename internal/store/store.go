package store

import (
	"context"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// currentKey is the singleton key every scope is stored under. Only one run per
// scope is active at a time.
const currentKey = "current"

// ErrNotFound is returned by Load when a scope holds no state.
var ErrNotFound = errors.New("run state not found")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Backend is a durable key/value table partitioned by scope. Put is a
// last-writer-wins upsert. Get returns ErrNotFound for a missing key.
type Backend interface {
	Put(ctx context.Context, scope Scope, key string, payload []byte) error
	Get(ctx context.Context, scope Scope, key string) ([]byte, error)
	Delete(ctx context.Context, scope Scope, key string) error
	Close() error
}

// Store persists RunState snapshots so a run survives a page reload or a
// process restart.
type Store struct {
	backend Backend
	log     *zap.Logger
}

// New wraps a backend.
func New(backend Backend, logger *zap.Logger) *Store {
	return &Store{
		backend: backend,
		log:     logger.Named("store"),
	}
}

// Save writes state under the scope's singleton key.
func (s *Store) Save(ctx context.Context, scope Scope, state *RunState) error {
	if state == nil {
		return fmt.Errorf("cannot save nil %s state", scope)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode %s state: %w", scope, err)
	}
	if err := s.backend.Put(ctx, scope, currentKey, payload); err != nil {
		return fmt.Errorf("failed to save %s state: %w", scope, err)
	}
	s.log.Debug("Run state saved.",
		zap.String("scope", string(scope)),
		zap.Int("entry", state.EntryIndex),
		zap.Int("item", state.ItemIndex),
		zap.Bool("running", state.Running))
	return nil
}

// Load returns the stored snapshot exactly as saved, or ErrNotFound.
func (s *Store) Load(ctx context.Context, scope Scope) (*RunState, error) {
	payload, err := s.backend.Get(ctx, scope, currentKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to load %s state: %w", scope, err)
	}
	var state RunState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("%w: undecodable %s snapshot: %v", ErrInvalidState, scope, err)
	}
	return &state, nil
}

// Clear removes the scope's snapshot. Clearing an empty scope is not an error.
func (s *Store) Clear(ctx context.Context, scope Scope) error {
	if err := s.backend.Delete(ctx, scope, currentKey); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("failed to clear %s state: %w", scope, err)
	}
	s.log.Debug("Run state cleared.", zap.String("scope", string(scope)))
	return nil
}

// Restore loads and normalizes a snapshot for resumption. A snapshot that is
// undecodable or structurally invalid is cleared and reported as absent
// (nil, false, nil) so it cannot be resumed again.
func (s *Store) Restore(ctx context.Context, scope Scope) (*RunState, bool, error) {
	state, err := s.Load(ctx, scope)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, false, nil
	case err != nil && !errors.Is(err, ErrInvalidState):
		return nil, false, err
	}
	if err == nil {
		if state.Scope == "" {
			state.Scope = scope
		}
		err = state.Normalize()
	}
	if err != nil {
		s.log.Warn("Discarding unusable run state.", zap.String("scope", string(scope)), zap.Error(err))
		if clearErr := s.Clear(ctx, scope); clearErr != nil {
			return nil, false, clearErr
		}
		return nil, false, nil
	}
	return state, true, nil
}

// ClearAll clears every scope.
func (s *Store) ClearAll(ctx context.Context) error {
	var errs []error
	for _, scope := range Scopes {
		if err := s.Clear(ctx, scope); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
