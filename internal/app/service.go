package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hylla/dealtree/internal/domain"
	"github.com/hylla/dealtree/internal/hierarchy"
	"github.com/hylla/dealtree/internal/observability"
)

// DefaultEventLimit bounds change-event reads when the caller passes no limit.
const DefaultEventLimit = 50

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	Logger            Logger
	Metrics           *observability.Metrics
	DefaultKind       domain.ActivityKind
	AllowedKinds      []domain.ActivityKind
	DefaultEventLimit int
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service is the mutation coordinator and read facade over one Repository.
type Service struct {
	repo         Repository
	idGen        IDGenerator
	clock        Clock
	logger       Logger
	metrics      *observability.Metrics
	defaultKind  domain.ActivityKind
	allowedKinds []domain.ActivityKind
	eventLimit   int
}

// NewService constructs a new value for this package.
func NewService(repo Repository, idGen IDGenerator, clock Clock, cfg ServiceConfig) *Service {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	var logger Logger = log.New(io.Discard)
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	defaultKind := domain.NormalizeActivityKind(cfg.DefaultKind)
	if defaultKind == "" {
		defaultKind = domain.DefaultActivityKind
	}
	allowed := make([]domain.ActivityKind, 0, len(cfg.AllowedKinds))
	for _, kind := range cfg.AllowedKinds {
		kind = domain.NormalizeActivityKind(kind)
		if kind == "" || slices.Contains(allowed, kind) {
			continue
		}
		allowed = append(allowed, kind)
	}
	if len(allowed) > 0 && !slices.Contains(allowed, defaultKind) {
		allowed = append(allowed, defaultKind)
	}
	eventLimit := cfg.DefaultEventLimit
	if eventLimit <= 0 {
		eventLimit = DefaultEventLimit
	}

	return &Service{
		repo:         repo,
		idGen:        idGen,
		clock:        clock,
		logger:       logger,
		metrics:      cfg.Metrics,
		defaultKind:  defaultKind,
		allowedKinds: allowed,
		eventLimit:   eventLimit,
	}
}

// CreateActivityInput holds input values for create activity operations.
// ID is optional; the service generates one when it is blank.
type CreateActivityInput struct {
	ID          string
	ParentID    string
	Owner       domain.OwnerContext
	Kind        domain.ActivityKind
	Title       string
	Description string
	Status      domain.ActivityStatus
	AssignedTo  string
	DueAt       *time.Time
}

// CreateActivity validates the requested parent and inserts the activity in
// one transaction.
func (s *Service) CreateActivity(ctx context.Context, in CreateActivityInput) (domain.Activity, error) {
	started := time.Now()
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = s.idGen()
	}
	kind := in.Kind
	if domain.NormalizeActivityKind(kind) == "" {
		kind = s.defaultKind
	}
	now := s.clock()
	activity, err := domain.NewActivity(domain.ActivityInput{
		ID:          id,
		ParentID:    in.ParentID,
		Owner:       in.Owner,
		Kind:        kind,
		Title:       in.Title,
		Description: in.Description,
		Status:      in.Status,
		AssignedTo:  in.AssignedTo,
		DueAt:       in.DueAt,
	}, now)
	if err == nil {
		err = s.checkKind(activity.Kind)
	}
	if err != nil {
		s.finish(domain.ChangeOperationCreate, id, started, err)
		return domain.Activity{}, err
	}

	err = s.repo.InTx(ctx, func(store ActivityStore) error {
		snap, err := loadSnapshot(ctx, store)
		if err != nil {
			return err
		}
		if snap.Contains(activity.ID) {
			return fmt.Errorf("activity %q: %w", activity.ID, ErrConflict)
		}
		if err := hierarchy.ValidateParentAssignment(activity.ID, activity.ParentID, snap); err != nil {
			return err
		}
		if err := store.InsertActivity(ctx, activity); err != nil {
			return err
		}
		return store.AppendChangeEvent(ctx, s.changeEvent(ctx, activity.ID, domain.ChangeOperationCreate, now, map[string]string{
			"parent_id": activity.ParentID,
		}))
	})
	s.finish(domain.ChangeOperationCreate, activity.ID, started, err)
	if err != nil {
		return domain.Activity{}, err
	}
	return activity, nil
}

// ReparentActivity moves id under parentID, or to the top level when parentID
// is blank. Moving to the current parent validates and then writes nothing.
func (s *Service) ReparentActivity(ctx context.Context, id, parentID string) (domain.Activity, error) {
	started := time.Now()
	id = strings.TrimSpace(id)
	parentID = strings.TrimSpace(parentID)
	now := s.clock()

	var out domain.Activity
	err := s.repo.InTx(ctx, func(store ActivityStore) error {
		snap, err := loadSnapshot(ctx, store)
		if err != nil {
			return err
		}
		current, ok := snap.Get(id)
		if !ok {
			return fmt.Errorf("activity %q: %w", id, ErrNotFound)
		}
		if err := hierarchy.ValidateParentAssignment(id, parentID, snap); err != nil {
			return err
		}
		if current.ParentID == parentID {
			out = current
			return nil
		}
		updated, err := store.UpdateActivityParent(ctx, id, parentID, now)
		if err != nil {
			return err
		}
		out = updated
		return store.AppendChangeEvent(ctx, s.changeEvent(ctx, id, domain.ChangeOperationReparent, now, map[string]string{
			"from_parent_id": current.ParentID,
			"to_parent_id":   parentID,
		}))
	})
	s.finish(domain.ChangeOperationReparent, id, started, err)
	if err != nil {
		return domain.Activity{}, err
	}
	return out, nil
}

// DeleteActivityCascading removes id together with its whole subtree and
// returns the removed ids in sorted order.
func (s *Service) DeleteActivityCascading(ctx context.Context, id string) ([]string, error) {
	started := time.Now()
	id = strings.TrimSpace(id)
	now := s.clock()

	var deleted []string
	err := s.repo.InTx(ctx, func(store ActivityStore) error {
		snap, err := loadSnapshot(ctx, store)
		if err != nil {
			return err
		}
		if !snap.Contains(id) {
			return fmt.Errorf("activity %q: %w", id, ErrNotFound)
		}
		ids := append(snap.Descendants(id), id)
		slices.Sort(ids)
		if err := store.DeleteActivities(ctx, ids); err != nil {
			return err
		}
		for _, deletedID := range ids {
			event := s.changeEvent(ctx, deletedID, domain.ChangeOperationDelete, now, map[string]string{
				"cascade_root": id,
			})
			if err := store.AppendChangeEvent(ctx, event); err != nil {
				return err
			}
		}
		deleted = ids
		return nil
	})
	s.finish(domain.ChangeOperationDelete, id, started, err)
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// UpdateActivityInput names the fields to change on one activity. Nil fields
// keep their stored value; ClearDueAt removes the due time.
type UpdateActivityInput struct {
	ID          string
	Kind        *domain.ActivityKind
	Title       *string
	Description *string
	Status      *domain.ActivityStatus
	AssignedTo  *string
	DueAt       *time.Time
	ClearDueAt  bool
}

// details merges the set fields of in over the stored activity.
func (in UpdateActivityInput) details(current domain.Activity) domain.ActivityDetails {
	out := domain.ActivityDetails{
		Kind:        current.Kind,
		Title:       current.Title,
		Description: current.Description,
		Status:      current.Status,
		AssignedTo:  current.AssignedTo,
		DueAt:       current.DueAt,
	}
	if in.Kind != nil {
		out.Kind = *in.Kind
	}
	if in.Title != nil {
		out.Title = *in.Title
	}
	if in.Description != nil {
		out.Description = *in.Description
	}
	if in.Status != nil {
		out.Status = *in.Status
	}
	if in.AssignedTo != nil {
		out.AssignedTo = *in.AssignedTo
	}
	switch {
	case in.ClearDueAt:
		out.DueAt = nil
	case in.DueAt != nil:
		out.DueAt = in.DueAt
	}
	return out
}

// UpdateActivity changes the descriptive fields of one activity. The stored
// row is read and rewritten in the same transaction. Hierarchy placement is
// only changed through ReparentActivity.
func (s *Service) UpdateActivity(ctx context.Context, in UpdateActivityInput) (domain.Activity, error) {
	started := time.Now()
	id := strings.TrimSpace(in.ID)
	now := s.clock()

	var out domain.Activity
	err := s.repo.InTx(ctx, func(store ActivityStore) error {
		activity, err := store.GetActivity(ctx, id)
		if err != nil {
			return err
		}
		previousStatus := activity.Status
		if err := activity.UpdateDetails(in.details(activity), now); err != nil {
			return err
		}
		if err := s.checkKind(activity.Kind); err != nil {
			return err
		}
		if err := store.UpdateActivity(ctx, activity); err != nil {
			return err
		}
		out = activity
		return store.AppendChangeEvent(ctx, s.changeEvent(ctx, id, domain.ChangeOperationUpdate, now, map[string]string{
			"from_status": string(previousStatus),
			"to_status":   string(activity.Status),
		}))
	})
	s.finish(domain.ChangeOperationUpdate, id, started, err)
	if err != nil {
		return domain.Activity{}, err
	}
	return out, nil
}

// GetActivity returns one activity.
func (s *Service) GetActivity(ctx context.Context, id string) (domain.Activity, error) {
	return s.repo.GetActivity(ctx, strings.TrimSpace(id))
}

// ListActivities returns the flat activity set for filter, oldest first.
func (s *Service) ListActivities(ctx context.Context, filter domain.OwnerFilter) ([]domain.Activity, error) {
	activities, err := s.repo.ListActivities(ctx, filter)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(activities, func(a, b domain.Activity) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return activities, nil
}

// GetTree nests the activities matching filter into a forest. Activities
// whose parent falls outside the filter are shown at the top level.
func (s *Service) GetTree(ctx context.Context, filter domain.OwnerFilter) (hierarchy.Forest, error) {
	activities, err := s.repo.ListActivities(ctx, filter)
	if err != nil {
		return nil, err
	}
	forest, err := hierarchy.NewSnapshot(activities).Tree()
	if err != nil {
		return nil, s.readFailed("tree", err)
	}
	return forest, nil
}

// GetAncestors returns the ancestors of id, immediate parent first.
func (s *Service) GetAncestors(ctx context.Context, id string) ([]domain.Activity, error) {
	snap, err := s.snapshotContaining(ctx, id)
	if err != nil {
		return nil, err
	}
	ids, err := snap.Ancestors(strings.TrimSpace(id))
	if err != nil {
		return nil, s.readFailed("ancestors", err)
	}
	return snap.Resolve(ids), nil
}

// GetDescendants returns every activity below id, sorted by id.
func (s *Service) GetDescendants(ctx context.Context, id string) ([]domain.Activity, error) {
	snap, err := s.snapshotContaining(ctx, id)
	if err != nil {
		return nil, err
	}
	return snap.Resolve(snap.Descendants(strings.TrimSpace(id))), nil
}

// GetDepth returns the number of ancestors of id.
func (s *Service) GetDepth(ctx context.Context, id string) (int, error) {
	snap, err := s.snapshotContaining(ctx, id)
	if err != nil {
		return 0, err
	}
	depth, err := snap.Depth(strings.TrimSpace(id))
	if err != nil {
		return 0, s.readFailed("depth", err)
	}
	return depth, nil
}

// GetRoots returns the top-level activities matching filter.
func (s *Service) GetRoots(ctx context.Context, filter domain.OwnerFilter) ([]domain.Activity, error) {
	activities, err := s.repo.ListActivities(ctx, filter)
	if err != nil {
		return nil, err
	}
	return hierarchy.NewSnapshot(activities).Roots(), nil
}

// CheckIntegrity scans every stored activity for forest violations.
func (s *Service) CheckIntegrity(ctx context.Context) (hierarchy.IntegrityReport, error) {
	activities, err := s.repo.ListActivities(ctx, domain.AllOwners())
	if err != nil {
		return hierarchy.IntegrityReport{}, err
	}
	report := hierarchy.NewSnapshot(activities).CheckIntegrity()
	if !report.OK() {
		s.logger.Error(
			"activity hierarchy integrity violations",
			"self_references", len(report.SelfReferences),
			"dangling_parents", len(report.DanglingParents),
			"cycles", len(report.Cycles),
		)
	}
	return report, nil
}

// ListChangeEvents returns the newest change events first.
func (s *Service) ListChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error) {
	if limit <= 0 {
		limit = s.eventLimit
	}
	return s.repo.ListChangeEvents(ctx, limit)
}

// snapshotContaining loads every activity and requires id to be present.
func (s *Service) snapshotContaining(ctx context.Context, id string) (*hierarchy.Snapshot, error) {
	id = strings.TrimSpace(id)
	snap, err := loadSnapshot(ctx, s.repo)
	if err != nil {
		return nil, err
	}
	if !snap.Contains(id) {
		return nil, fmt.Errorf("activity %q: %w", id, ErrNotFound)
	}
	return snap, nil
}

// loadSnapshot reads the full activity set through store. Validation always
// runs against every owner, never a filtered view.
func loadSnapshot(ctx context.Context, store ActivityStore) (*hierarchy.Snapshot, error) {
	activities, err := store.ListActivities(ctx, domain.AllOwners())
	if err != nil {
		return nil, err
	}
	return hierarchy.NewSnapshot(activities), nil
}

// checkKind enforces the configured kind allowlist when one is set.
func (s *Service) checkKind(kind domain.ActivityKind) error {
	if len(s.allowedKinds) == 0 || slices.Contains(s.allowedKinds, kind) {
		return nil
	}
	return fmt.Errorf("kind %q: %w", kind, domain.ErrInvalidKind)
}

// changeEvent builds one ledger entry attributed to the context actor.
func (s *Service) changeEvent(ctx context.Context, activityID string, op domain.ChangeOperation, at time.Time, metadata map[string]string) domain.ChangeEvent {
	actor := actorFromContext(ctx)
	return domain.ChangeEvent{
		ActivityID: activityID,
		Operation:  op,
		ActorID:    actor.ActorID,
		ActorType:  actor.ActorType,
		Metadata:   metadata,
		OccurredAt: at.UTC(),
	}
}

// finish logs and counts one mutation outcome.
func (s *Service) finish(op domain.ChangeOperation, activityID string, started time.Time, err error) {
	elapsed := time.Since(started)
	if err == nil {
		s.metrics.RecordMutation(string(op), observability.OutcomeCommitted, elapsed)
		s.logger.Info("activity mutation committed", "operation", op, "activity_id", activityID)
		return
	}
	if rejection, ok := hierarchy.IsRejection(err); ok {
		s.metrics.RecordMutation(string(op), observability.OutcomeRejected, elapsed)
		s.metrics.RecordRejection(string(rejection.Reason))
		s.logger.Debug(
			"activity mutation rejected",
			"operation", op,
			"activity_id", activityID,
			"parent_id", rejection.ParentID,
			"reason", rejection.Reason,
		)
		return
	}
	if errors.Is(err, hierarchy.ErrCorruptHierarchy) {
		s.metrics.RecordMutation(string(op), observability.OutcomeCorrupt, elapsed)
		s.metrics.RecordCorruption()
		s.logger.Error("activity mutation aborted on corrupt hierarchy", "operation", op, "activity_id", activityID, "err", err)
		return
	}
	s.metrics.RecordMutation(string(op), observability.OutcomeFailed, elapsed)
	s.logger.Warn("activity mutation failed", "operation", op, "activity_id", activityID, "err", err)
}

// readFailed reports a corrupt hierarchy found by a read-side query.
func (s *Service) readFailed(query string, err error) error {
	if errors.Is(err, hierarchy.ErrCorruptHierarchy) {
		s.metrics.RecordCorruption()
		s.logger.Error("activity query found corrupt hierarchy", "query", query, "err", err)
	}
	return err
}
