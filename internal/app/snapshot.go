package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hylla/dealtree/internal/domain"
	"github.com/hylla/dealtree/internal/hierarchy"
)

// SnapshotVersion defines a package constant value.
const SnapshotVersion = "dealtree.snapshot.v1"

// Snapshot is the portable JSON form of the whole activity forest.
type Snapshot struct {
	Version    string             `json:"version"`
	ExportedAt time.Time          `json:"exported_at"`
	Activities []SnapshotActivity `json:"activities"`
}

// SnapshotActivity represents snapshot activity data used by this package.
type SnapshotActivity struct {
	ID          string                `json:"id"`
	ParentID    string                `json:"parent_id,omitempty"`
	OwnerType   domain.OwnerType      `json:"owner_type,omitempty"`
	OwnerID     string                `json:"owner_id,omitempty"`
	Kind        domain.ActivityKind   `json:"kind"`
	Title       string                `json:"title"`
	Description string                `json:"description,omitempty"`
	Status      domain.ActivityStatus `json:"status"`
	AssignedTo  string                `json:"assigned_to,omitempty"`
	DueAt       *time.Time            `json:"due_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// ExportSnapshot returns every stored activity with parents listed before
// their children.
func (s *Service) ExportSnapshot(ctx context.Context) (Snapshot, error) {
	activities, err := s.repo.ListActivities(ctx, domain.AllOwners())
	if err != nil {
		return Snapshot{}, err
	}
	tree := hierarchy.NewSnapshot(activities)
	forest, err := tree.Tree()
	if err != nil {
		return Snapshot{}, s.readFailed("export", err)
	}

	snap := Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: s.clock().UTC(),
		Activities: make([]SnapshotActivity, 0, tree.Len()),
	}
	for _, activity := range tree.Resolve(forest.Flatten()) {
		snap.Activities = append(snap.Activities, snapshotActivityFromDomain(activity))
	}
	return snap, nil
}

// ImportSnapshot upserts every activity in snap inside one transaction. The
// merged result of stored and incoming rows must still be a forest; when it
// is not, nothing is written.
func (s *Service) ImportSnapshot(ctx context.Context, snap Snapshot) error {
	started := time.Now()
	if err := snap.Validate(); err != nil {
		return err
	}
	now := s.clock()

	err := s.repo.InTx(ctx, func(store ActivityStore) error {
		existing, err := store.ListActivities(ctx, domain.AllOwners())
		if err != nil {
			return err
		}
		storedByID := make(map[string]domain.Activity, len(existing))
		for _, activity := range existing {
			storedByID[activity.ID] = activity
		}

		incoming := make(map[string]domain.Activity, len(snap.Activities))
		merged := make([]domain.Activity, 0, len(existing)+len(snap.Activities))
		for i, row := range snap.Activities {
			activity := row.toDomain()
			if err := s.checkKind(activity.Kind); err != nil {
				return fmt.Errorf("%w: activities[%d]: %w", ErrInvalidSnapshot, i, err)
			}
			incoming[activity.ID] = activity
			merged = append(merged, activity)
		}
		for _, activity := range existing {
			if _, replaced := incoming[activity.ID]; !replaced {
				merged = append(merged, activity)
			}
		}

		mergedSnap := hierarchy.NewSnapshot(merged)
		if report := mergedSnap.CheckIntegrity(); !report.OK() {
			return fmt.Errorf(
				"%w: import would leave %d self references, %d dangling parents, %d cycles",
				ErrInvalidSnapshot,
				len(report.SelfReferences),
				len(report.DanglingParents),
				len(report.Cycles),
			)
		}
		forest, err := mergedSnap.Tree()
		if err != nil {
			return err
		}

		for _, id := range forest.Flatten() {
			activity, ok := incoming[id]
			if !ok {
				continue
			}
			stored, exists := storedByID[id]
			op := domain.ChangeOperationCreate
			if exists {
				op = domain.ChangeOperationUpdate
				if err := store.UpdateActivity(ctx, activity); err != nil {
					return err
				}
				if stored.ParentID != activity.ParentID {
					if _, err := store.UpdateActivityParent(ctx, id, activity.ParentID, activity.UpdatedAt); err != nil {
						return err
					}
				}
			} else if err := store.InsertActivity(ctx, activity); err != nil {
				return err
			}
			if err := store.AppendChangeEvent(ctx, s.changeEvent(ctx, id, op, now, map[string]string{
				"source": "import",
			})); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("snapshot import failed", "activities", len(snap.Activities), "err", err)
		return err
	}
	s.logger.Info("snapshot imported", "activities", len(snap.Activities), "elapsed", time.Since(started))
	return nil
}

// Validate checks the snapshot on its own, before any stored rows are
// consulted.
func (s *Snapshot) Validate() error {
	if s.Version != "" && s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported snapshot version: %q", ErrInvalidSnapshot, s.Version)
	}

	ids := make(map[string]struct{}, len(s.Activities))
	for i, a := range s.Activities {
		id := strings.TrimSpace(a.ID)
		if id == "" {
			return fmt.Errorf("%w: activities[%d].id is required", ErrInvalidSnapshot, i)
		}
		if strings.TrimSpace(a.Title) == "" {
			return fmt.Errorf("%w: activities[%d].title is required", ErrInvalidSnapshot, i)
		}
		if a.CreatedAt.IsZero() || a.UpdatedAt.IsZero() {
			return fmt.Errorf("%w: activities[%d] timestamps are required", ErrInvalidSnapshot, i)
		}
		if strings.TrimSpace(a.ParentID) == id {
			return fmt.Errorf("%w: activities[%d]: %w", ErrInvalidSnapshot, i, hierarchy.ErrSelfReference)
		}
		if status := domain.NormalizeActivityStatus(a.Status); status != "" && !domain.IsValidActivityStatus(status) {
			return fmt.Errorf("%w: activities[%d]: %w", ErrInvalidSnapshot, i, domain.ErrInvalidStatus)
		}
		if _, err := domain.NormalizeOwnerContext(domain.OwnerContext{Type: a.OwnerType, ID: a.OwnerID}); err != nil {
			return fmt.Errorf("%w: activities[%d]: %w", ErrInvalidSnapshot, i, err)
		}
		if _, exists := ids[id]; exists {
			return fmt.Errorf("%w: duplicate activity id: %q", ErrInvalidSnapshot, id)
		}
		ids[id] = struct{}{}
	}
	return nil
}

// IsInvalidSnapshot reports whether err came from snapshot validation.
func IsInvalidSnapshot(err error) bool {
	return errors.Is(err, ErrInvalidSnapshot)
}

// snapshotActivityFromDomain converts one stored activity for export.
func snapshotActivityFromDomain(a domain.Activity) SnapshotActivity {
	return SnapshotActivity{
		ID:          a.ID,
		ParentID:    a.ParentID,
		OwnerType:   a.Owner.Type,
		OwnerID:     a.Owner.ID,
		Kind:        a.Kind,
		Title:       a.Title,
		Description: a.Description,
		Status:      a.Status,
		AssignedTo:  a.AssignedTo,
		DueAt:       copyTimePtr(a.DueAt),
		CompletedAt: copyTimePtr(a.CompletedAt),
		CreatedAt:   a.CreatedAt.UTC(),
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
}

// toDomain normalizes one imported row. Timestamps are kept as exported.
func (a SnapshotActivity) toDomain() domain.Activity {
	kind := domain.NormalizeActivityKind(a.Kind)
	if kind == "" {
		kind = domain.DefaultActivityKind
	}
	status := domain.NormalizeActivityStatus(a.Status)
	if status == "" {
		status = domain.StatusPending
	}
	owner, _ := domain.NormalizeOwnerContext(domain.OwnerContext{Type: a.OwnerType, ID: a.OwnerID})
	return domain.Activity{
		ID:          strings.TrimSpace(a.ID),
		ParentID:    strings.TrimSpace(a.ParentID),
		Owner:       owner,
		Kind:        kind,
		Title:       strings.TrimSpace(a.Title),
		Description: strings.TrimSpace(a.Description),
		Status:      status,
		AssignedTo:  strings.TrimSpace(a.AssignedTo),
		DueAt:       copyTimePtr(a.DueAt),
		CompletedAt: copyTimePtr(a.CompletedAt),
		CreatedAt:   a.CreatedAt.UTC(),
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
}

// copyTimePtr returns a UTC copy of one optional timestamp.
func copyTimePtr(in *time.Time) *time.Time {
	if in == nil {
		return nil
	}
	ts := in.UTC()
	return &ts
}
