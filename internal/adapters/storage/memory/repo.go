// Package memory provides an in-process activity store. Transactions run
// against a private copy of the state that replaces the shared state only
// when the unit of work succeeds.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hylla/dealtree/internal/app"
	"github.com/hylla/dealtree/internal/domain"
)

var _ app.Repository = (*Repository)(nil)

// Repository is the in-memory activity store.
type Repository struct {
	txMu  sync.Mutex
	mu    sync.RWMutex
	state state
}

// New returns a store seeded with activities, which are inserted as given
// without hierarchy checks.
func New(seed ...domain.Activity) *Repository {
	st := newState()
	for _, a := range seed {
		if _, ok := st.activities[a.ID]; ok {
			continue
		}
		st.activities[a.ID] = cloneActivity(a)
		st.order = append(st.order, a.ID)
	}
	return &Repository{state: st}
}

// InTx runs fn against a copy of the state. Transactions are serialized;
// readers keep seeing the last committed state until the copy is swapped in.
// Reads outside a transaction never copy more than the rows they return.
func (r *Repository) InTx(ctx context.Context, fn func(app.ActivityStore) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	work := r.state.clone()
	r.mu.RUnlock()

	if err := fn(&work); err != nil {
		return err
	}

	r.mu.Lock()
	r.state = work
	r.mu.Unlock()
	return nil
}

// ListActivities lists activities matching filter, oldest first.
func (r *Repository) ListActivities(ctx context.Context, filter domain.OwnerFilter) ([]domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListActivities(ctx, filter)
}

// GetActivity returns one activity.
func (r *Repository) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.GetActivity(ctx, id)
}

// InsertActivity inserts one activity.
func (r *Repository) InsertActivity(ctx context.Context, a domain.Activity) error {
	return r.InTx(ctx, func(s app.ActivityStore) error { return s.InsertActivity(ctx, a) })
}

// UpdateActivityParent rewrites one parent reference.
func (r *Repository) UpdateActivityParent(ctx context.Context, id, parentID string, at time.Time) (domain.Activity, error) {
	var out domain.Activity
	err := r.InTx(ctx, func(s app.ActivityStore) error {
		var err error
		out, err = s.UpdateActivityParent(ctx, id, parentID, at)
		return err
	})
	return out, err
}

// UpdateActivity updates descriptive fields.
func (r *Repository) UpdateActivity(ctx context.Context, a domain.Activity) error {
	return r.InTx(ctx, func(s app.ActivityStore) error { return s.UpdateActivity(ctx, a) })
}

// DeleteActivities deletes every listed id or none.
func (r *Repository) DeleteActivities(ctx context.Context, ids []string) error {
	return r.InTx(ctx, func(s app.ActivityStore) error { return s.DeleteActivities(ctx, ids) })
}

// AppendChangeEvent records one change event.
func (r *Repository) AppendChangeEvent(ctx context.Context, event domain.ChangeEvent) error {
	return r.InTx(ctx, func(s app.ActivityStore) error { return s.AppendChangeEvent(ctx, event) })
}

// ListChangeEvents returns the newest events first.
func (r *Repository) ListChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.ListChangeEvents(ctx, limit)
}

// state is one copy of the stored rows. It implements app.ActivityStore for
// the duration of a transaction.
type state struct {
	activities map[string]domain.Activity
	order      []string
	events     []domain.ChangeEvent
	nextEvent  int64
}

func newState() state {
	return state{activities: map[string]domain.Activity{}, nextEvent: 1}
}

func (s state) clone() state {
	out := state{
		activities: make(map[string]domain.Activity, len(s.activities)),
		order:      slices.Clone(s.order),
		events:     make([]domain.ChangeEvent, 0, len(s.events)),
		nextEvent:  s.nextEvent,
	}
	for id, a := range s.activities {
		out.activities[id] = cloneActivity(a)
	}
	for _, e := range s.events {
		e.Metadata = maps.Clone(e.Metadata)
		out.events = append(out.events, e)
	}
	return out
}

func (s *state) ListActivities(_ context.Context, filter domain.OwnerFilter) ([]domain.Activity, error) {
	out := make([]domain.Activity, 0, len(s.order))
	for _, id := range s.order {
		if a := s.activities[id]; filter.Matches(a) {
			out = append(out, cloneActivity(a))
		}
	}
	slices.SortStableFunc(out, func(a, b domain.Activity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (s *state) GetActivity(_ context.Context, id string) (domain.Activity, error) {
	a, ok := s.activities[id]
	if !ok {
		return domain.Activity{}, app.ErrNotFound
	}
	return cloneActivity(a), nil
}

// InsertActivity mirrors the SQLite constraints: unique id, no self parent,
// existing parent.
func (s *state) InsertActivity(_ context.Context, a domain.Activity) error {
	if _, ok := s.activities[a.ID]; ok {
		return fmt.Errorf("insert activity %q: %w", a.ID, app.ErrConflict)
	}
	if err := s.checkParent(a.ID, a.ParentID); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	s.activities[a.ID] = cloneActivity(a)
	s.order = append(s.order, a.ID)
	return nil
}

func (s *state) UpdateActivityParent(_ context.Context, id, parentID string, at time.Time) (domain.Activity, error) {
	a, ok := s.activities[id]
	if !ok {
		return domain.Activity{}, app.ErrNotFound
	}
	if err := s.checkParent(id, parentID); err != nil {
		return domain.Activity{}, fmt.Errorf("update activity parent: %w", err)
	}
	a.ParentID = parentID
	a.UpdatedAt = at.UTC()
	s.activities[id] = a
	return cloneActivity(a), nil
}

func (s *state) UpdateActivity(_ context.Context, a domain.Activity) error {
	current, ok := s.activities[a.ID]
	if !ok {
		return app.ErrNotFound
	}
	a.ParentID = current.ParentID
	a.CreatedAt = current.CreatedAt
	s.activities[a.ID] = cloneActivity(a)
	return nil
}

func (s *state) DeleteActivities(_ context.Context, ids []string) error {
	remove := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := s.activities[id]; !ok {
			return fmt.Errorf("delete activity %q: %w", id, app.ErrNotFound)
		}
		remove[id] = struct{}{}
	}
	for id, a := range s.activities {
		if _, gone := remove[id]; gone {
			continue
		}
		if _, orphaned := remove[a.ParentID]; orphaned {
			return fmt.Errorf("delete would orphan activity %q", id)
		}
	}
	for id := range remove {
		delete(s.activities, id)
	}
	s.order = slices.DeleteFunc(s.order, func(id string) bool {
		_, gone := remove[id]
		return gone
	})
	return nil
}

func (s *state) AppendChangeEvent(_ context.Context, event domain.ChangeEvent) error {
	event.ID = s.nextEvent
	s.nextEvent++
	event.Operation = domain.NormalizeChangeOperation(string(event.Operation))
	event.ActorType = domain.NormalizeActorType(event.ActorType)
	if strings.TrimSpace(event.ActorID) == "" {
		event.ActorID = domain.DefaultActorID
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	event.OccurredAt = event.OccurredAt.UTC()
	event.Metadata = maps.Clone(event.Metadata)
	s.events = append(s.events, event)
	return nil
}

func (s *state) ListChangeEvents(_ context.Context, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = app.DefaultEventLimit
	}
	out := make([]domain.ChangeEvent, 0, min(limit, len(s.events)))
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, e)
	}
	return out, nil
}

// checkParent enforces the store-level reference rules.
func (s *state) checkParent(id, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == id {
		return fmt.Errorf("activity %q references itself", id)
	}
	if _, ok := s.activities[parentID]; !ok {
		return fmt.Errorf("parent %q: %w", parentID, app.ErrNotFound)
	}
	return nil
}

// cloneActivity copies the pointer fields of a.
func cloneActivity(a domain.Activity) domain.Activity {
	if a.DueAt != nil {
		due := *a.DueAt
		a.DueAt = &due
	}
	if a.CompletedAt != nil {
		completed := *a.CompletedAt
		a.CompletedAt = &completed
	}
	return a
}
