package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hylla/dealtree/internal/app"
	"github.com/hylla/dealtree/internal/domain"
	"github.com/hylla/dealtree/internal/hierarchy"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(filepath.Join(t.TempDir(), "dealtree.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	return repo
}

func newTestActivity(t *testing.T, id, parentID string, at time.Time) domain.Activity {
	t.Helper()
	a, err := domain.NewActivity(domain.ActivityInput{ID: id, ParentID: parentID, Title: "activity " + id}, at)
	if err != nil {
		t.Fatalf("NewActivity() error = %v", err)
	}
	return a
}

func TestRepository_ActivityLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	due := now.Add(24 * time.Hour)
	root, err := domain.NewActivity(domain.ActivityInput{
		ID:          "r1",
		Owner:       domain.OwnerContext{Type: domain.OwnerTypeDeal, ID: "deal-1"},
		Kind:        "meeting",
		Title:       "Kickoff",
		Description: "first call",
		AssignedTo:  "sam",
		DueAt:       &due,
	}, now)
	if err != nil {
		t.Fatalf("NewActivity() error = %v", err)
	}
	if err := repo.InsertActivity(ctx, root); err != nil {
		t.Fatalf("InsertActivity() error = %v", err)
	}
	child := newTestActivity(t, "c1", "r1", now.Add(time.Minute))
	if err := repo.InsertActivity(ctx, child); err != nil {
		t.Fatalf("InsertActivity(child) error = %v", err)
	}

	loaded, err := repo.GetActivity(ctx, "r1")
	if err != nil {
		t.Fatalf("GetActivity() error = %v", err)
	}
	if loaded.Owner != root.Owner || loaded.Kind != "meeting" || loaded.AssignedTo != "sam" || loaded.ParentID != "" {
		t.Fatalf("unexpected loaded activity %#v", loaded)
	}
	if loaded.DueAt == nil || !loaded.DueAt.Equal(due) || !loaded.CreatedAt.Equal(now) {
		t.Fatalf("unexpected timestamps %#v", loaded)
	}

	if err := repo.InsertActivity(ctx, root); !errors.Is(err, app.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	if err := loaded.UpdateDetails(domain.ActivityDetails{Title: "Kickoff done", Status: domain.StatusCompleted}, now.Add(time.Hour)); err != nil {
		t.Fatalf("UpdateDetails() error = %v", err)
	}
	if err := repo.UpdateActivity(ctx, loaded); err != nil {
		t.Fatalf("UpdateActivity() error = %v", err)
	}
	updated, err := repo.GetActivity(ctx, "r1")
	if err != nil {
		t.Fatalf("GetActivity() error = %v", err)
	}
	if updated.Status != domain.StatusCompleted || updated.CompletedAt == nil || updated.Title != "Kickoff done" {
		t.Fatalf("unexpected updated activity %#v", updated)
	}

	moved, err := repo.UpdateActivityParent(ctx, "c1", "", now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("UpdateActivityParent() error = %v", err)
	}
	if moved.ParentID != "" || !moved.UpdatedAt.Equal(now.Add(2*time.Hour)) {
		t.Fatalf("unexpected moved activity %#v", moved)
	}
	if _, err := repo.UpdateActivityParent(ctx, "missing", "", now); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetActivity(ctx, "missing"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	dealOnly, err := repo.ListActivities(ctx, domain.ForOwner(domain.OwnerContext{Type: domain.OwnerTypeDeal, ID: "deal-1"}))
	if err != nil {
		t.Fatalf("ListActivities() error = %v", err)
	}
	if len(dealOnly) != 1 || dealOnly[0].ID != "r1" {
		t.Fatalf("unexpected owner-filtered activities %#v", dealOnly)
	}
	all, err := repo.ListActivities(ctx, domain.AllOwners())
	if err != nil {
		t.Fatalf("ListActivities() error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "r1" || all[1].ID != "c1" {
		t.Fatalf("unexpected activity order %#v", all)
	}
}

func TestRepository_SchemaRejectsSelfParentAndMissingParent(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	if err := repo.InsertActivity(ctx, newTestActivity(t, "loop", "loop", now)); err == nil {
		t.Fatal("expected CHECK constraint to reject a self parent")
	}
	if err := repo.InsertActivity(ctx, newTestActivity(t, "orphan", "ghost", now)); err == nil {
		t.Fatal("expected foreign key to reject a missing parent")
	}
}

func TestRepository_DeleteActivitiesAllOrNothing(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	for i, pair := range [][2]string{{"r", ""}, {"c1", "r"}, {"c2", "c1"}, {"other", ""}} {
		if err := repo.InsertActivity(ctx, newTestActivity(t, pair[0], pair[1], now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("InsertActivity(%s) error = %v", pair[0], err)
		}
	}

	if err := repo.DeleteActivities(ctx, []string{"c2", "ghost"}); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.GetActivity(ctx, "c2"); err != nil {
		t.Fatalf("partial delete must roll back, GetActivity(c2) error = %v", err)
	}

	if err := repo.DeleteActivities(ctx, []string{"r", "c1", "c2", "c1"}); err != nil {
		t.Fatalf("DeleteActivities() error = %v", err)
	}
	left, err := repo.ListActivities(ctx, domain.AllOwners())
	if err != nil {
		t.Fatalf("ListActivities() error = %v", err)
	}
	if len(left) != 1 || left[0].ID != "other" {
		t.Fatalf("unexpected remaining activities %#v", left)
	}
}

func TestRepository_InTxRollsBack(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	boom := errors.New("boom")

	err := repo.InTx(ctx, func(s app.ActivityStore) error {
		if err := s.InsertActivity(ctx, newTestActivity(t, "a", "", now)); err != nil {
			return err
		}
		if err := s.AppendChangeEvent(ctx, domain.ChangeEvent{ActivityID: "a", Operation: domain.ChangeOperationCreate}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if _, err := repo.GetActivity(ctx, "a"); !errors.Is(err, app.ErrNotFound) {
		t.Fatalf("expected rolled back insert, got %v", err)
	}
	events, err := repo.ListChangeEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ListChangeEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events after rollback, got %d", len(events))
	}
}

func TestRepository_ChangeEvents(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	base := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)

	for i, op := range []domain.ChangeOperation{domain.ChangeOperationCreate, domain.ChangeOperationReparent, domain.ChangeOperationDelete} {
		err := repo.AppendChangeEvent(ctx, domain.ChangeEvent{
			ActivityID: "a",
			Operation:  op,
			ActorID:    "agent-1",
			ActorType:  domain.ActorTypeAgent,
			Metadata:   map[string]string{"step": string(op)},
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("AppendChangeEvent() error = %v", err)
		}
	}

	events, err := repo.ListChangeEvents(ctx, 2)
	if err != nil {
		t.Fatalf("ListChangeEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Operation != domain.ChangeOperationDelete || events[1].Operation != domain.ChangeOperationReparent {
		t.Fatalf("unexpected event order %#v", events)
	}
	if events[0].ActorType != domain.ActorTypeAgent || events[0].Metadata["step"] != "delete" {
		t.Fatalf("unexpected event payload %#v", events[0])
	}
}

func TestRepository_ServiceScenario(t *testing.T) {
	ctx := context.Background()
	repo, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() {
		_ = repo.Close()
	})
	ids := []string{"R", "C1", "C2"}
	svc := app.NewService(repo, nil, nil, app.ServiceConfig{})
	for i, id := range ids {
		parentID := ""
		if i > 0 {
			parentID = ids[i-1]
		}
		if _, err := svc.CreateActivity(ctx, app.CreateActivityInput{ID: id, ParentID: parentID, Title: id}); err != nil {
			t.Fatalf("CreateActivity(%s) error = %v", id, err)
		}
	}

	if _, err := svc.ReparentActivity(ctx, "R", "C2"); !errors.Is(err, hierarchy.ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}
	if _, err := svc.CreateActivity(ctx, app.CreateActivityInput{ID: "x", ParentID: "nonexistent", Title: "x"}); !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}

	deleted, err := svc.DeleteActivityCascading(ctx, "R")
	if err != nil {
		t.Fatalf("DeleteActivityCascading() error = %v", err)
	}
	if !slices.Equal(deleted, []string{"C1", "C2", "R"}) {
		t.Fatalf("deleted = %v", deleted)
	}
	forest, err := svc.GetTree(ctx, domain.AllOwners())
	if err != nil {
		t.Fatalf("GetTree() error = %v", err)
	}
	if len(forest) != 0 {
		t.Fatalf("expected empty tree, got %v", forest.Flatten())
	}
}

func TestRepository_ConcurrentOpposingReparents(t *testing.T) {
	ctx := context.Background()
	repo := openTestRepo(t)
	svc := app.NewService(repo, nil, nil, app.ServiceConfig{})

	for round := range 10 {
		a, b := fmt.Sprintf("a%d", round), fmt.Sprintf("b%d", round)
		for _, id := range []string{a, b} {
			if _, err := svc.CreateActivity(ctx, app.CreateActivityInput{ID: id, Title: id}); err != nil {
				t.Fatalf("CreateActivity(%s) error = %v", id, err)
			}
		}

		results := make([]error, 2)
		var g errgroup.Group
		g.Go(func() error {
			_, results[0] = svc.ReparentActivity(ctx, a, b)
			return nil
		})
		g.Go(func() error {
			_, results[1] = svc.ReparentActivity(ctx, b, a)
			return nil
		})
		if err := g.Wait(); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}

		committed := 0
		for _, err := range results {
			switch {
			case err == nil:
				committed++
			case errors.Is(err, hierarchy.ErrCycleDetected):
			default:
				t.Fatalf("round %d: unexpected error %v", round, err)
			}
		}
		if committed != 1 {
			t.Fatalf("round %d: committed = %d, want exactly 1", round, committed)
		}
	}

	report, err := svc.CheckIntegrity(ctx)
	if err != nil {
		t.Fatalf("CheckIntegrity() error = %v", err)
	}
	if !report.OK() {
		t.Fatalf("forest broken after concurrent reparents: %#v", report)
	}
}
