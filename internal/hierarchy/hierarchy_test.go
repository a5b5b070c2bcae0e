package hierarchy

import (
	"encoding/json"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hylla/dealtree/internal/domain"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// act builds an activity whose creation time follows its position in the
// fixture, so sibling order is deterministic.
func act(seq int, id, parentID string) domain.Activity {
	at := baseTime.Add(time.Duration(seq) * time.Minute)
	return domain.Activity{
		ID:        id,
		ParentID:  parentID,
		Kind:      domain.DefaultActivityKind,
		Title:     "activity " + id,
		Status:    domain.StatusPending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

// chain is the R -> C1 -> C2 fixture.
func chain() *Snapshot {
	return NewSnapshot([]domain.Activity{
		act(0, "R", ""),
		act(1, "C1", "R"),
		act(2, "C2", "C1"),
	})
}

// wide is a two-root forest with siblings created out of id order.
func wide() *Snapshot {
	return NewSnapshot([]domain.Activity{
		act(0, "deal-a", ""),
		act(1, "call", "deal-a"),
		act(2, "email", "deal-a"),
		act(3, "agenda", "deal-a"),
		act(4, "followup", "call"),
		act(5, "deal-b", ""),
		act(6, "note", "deal-b"),
	})
}

func TestChainTraversal(t *testing.T) {
	snap := chain()

	depth, err := snap.Depth("C2")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	ancestors, err := snap.Ancestors("C2")
	require.NoError(t, err)
	assert.Equal(t, []string{"C1", "R"}, ancestors)

	assert.Equal(t, []string{"C1", "C2"}, snap.Descendants("R"))
	assert.Empty(t, snap.Descendants("C2"))

	rootDepth, err := snap.Depth("R")
	require.NoError(t, err)
	assert.Zero(t, rootDepth)
}

func TestAncestorsOfUnknownIDIsEmpty(t *testing.T) {
	ancestors, err := chain().Ancestors("missing")
	require.NoError(t, err)
	assert.Empty(t, ancestors)
	assert.Empty(t, chain().Descendants("missing"))
}

func TestAncestorsStopAtDanglingParent(t *testing.T) {
	snap := NewSnapshot([]domain.Activity{
		act(0, "orphan", "gone"),
		act(1, "child", "orphan"),
	})
	ancestors, err := snap.Ancestors("child")
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, ancestors)
}

func TestIsAncestorOfIsTransitive(t *testing.T) {
	snap := wide()
	ids := []string{"deal-a", "call", "email", "agenda", "followup", "deal-b", "note"}
	for _, x := range ids {
		for _, y := range ids {
			for _, z := range ids {
				xy, err := snap.IsAncestorOf(x, y)
				require.NoError(t, err)
				yz, err := snap.IsAncestorOf(y, z)
				require.NoError(t, err)
				if !xy || !yz {
					continue
				}
				xz, err := snap.IsAncestorOf(x, z)
				require.NoError(t, err)
				assert.Truef(t, xz, "%s < %s < %s but not %s < %s", x, y, z, x, z)
			}
		}
	}

	self, err := snap.IsAncestorOf("call", "call")
	require.NoError(t, err)
	assert.False(t, self)
}

func TestDescendantsMatchIsAncestorOf(t *testing.T) {
	snap := wide()
	for _, a := range snap.Activities() {
		want := make([]string, 0)
		for _, b := range snap.Activities() {
			ok, err := snap.IsAncestorOf(a.ID, b.ID)
			require.NoError(t, err)
			if ok {
				want = append(want, b.ID)
			}
		}
		slices.Sort(want)
		assert.Equal(t, want, snap.Descendants(a.ID), "descendants of %s", a.ID)
	}
}

func TestTreeNestsAndOrdersChildren(t *testing.T) {
	forest, err := wide().Tree()
	require.NoError(t, err)
	require.Len(t, forest, 2)

	assert.Equal(t, "deal-a", forest[0].Activity.ID)
	assert.Equal(t, "deal-b", forest[1].Activity.ID)

	childIDs := make([]string, 0)
	for _, n := range forest[0].Children {
		childIDs = append(childIDs, n.Activity.ID)
	}
	assert.Equal(t, []string{"call", "email", "agenda"}, childIDs)

	assert.Equal(t,
		[]string{"deal-a", "call", "followup", "email", "agenda", "deal-b", "note"},
		forest.Flatten())
	assert.Equal(t, 7, forest.Size())
}

func TestTreeFlattenCoversSnapshot(t *testing.T) {
	snap := wide()
	forest, err := snap.Tree()
	require.NoError(t, err)

	flat := forest.Flatten()
	want := make([]string, 0, snap.Len())
	for _, a := range snap.Activities() {
		want = append(want, a.ID)
	}
	assert.ElementsMatch(t, want, flat)

	for _, a := range snap.Activities() {
		if a.ParentID == "" {
			continue
		}
		parent, ok := forest.Find(a.ParentID)
		require.True(t, ok, "parent %s missing from tree", a.ParentID)
		found := false
		for _, child := range parent.Children {
			found = found || child.Activity.ID == a.ID
		}
		assert.True(t, found, "%s not nested under %s", a.ID, a.ParentID)
	}
}

func TestTreeSiblingTieBreaksOnID(t *testing.T) {
	a := act(0, "root", "")
	b := act(1, "zeta", "root")
	c := act(1, "alpha", "root")
	forest, err := NewSnapshot([]domain.Activity{a, b, c}).Tree()
	require.NoError(t, err)
	assert.Equal(t, []string{"root", "alpha", "zeta"}, forest.Flatten())
}

func TestTreeTreatsDanglingParentAsRoot(t *testing.T) {
	snap := NewSnapshot([]domain.Activity{
		act(0, "kept", ""),
		act(1, "stray", "other-owner-parent"),
	})
	forest, err := snap.Tree()
	require.NoError(t, err)
	assert.Equal(t, []string{"kept", "stray"}, forest.Flatten())

	roots := snap.Roots()
	require.Len(t, roots, 1)
	assert.Equal(t, "kept", roots[0].ID)
}

func TestTreeJSONShape(t *testing.T) {
	forest, err := chain().Tree()
	require.NoError(t, err)

	raw, err := json.Marshal(forest)
	require.NoError(t, err)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded, 1)
	assert.Contains(t, decoded[0], "activity")
	assert.Contains(t, decoded[0], "children")
}

func TestEmptySnapshot(t *testing.T) {
	snap := NewSnapshot(nil)
	forest, err := snap.Tree()
	require.NoError(t, err)
	assert.Empty(t, forest)
	assert.Empty(t, snap.Roots())
	assert.True(t, snap.CheckIntegrity().OK())
}

func TestNewSnapshotFirstDuplicateWins(t *testing.T) {
	first := act(0, "dup", "")
	second := act(1, "dup", "")
	second.Title = "second"
	snap := NewSnapshot([]domain.Activity{first, second})
	assert.Equal(t, 1, snap.Len())
	got, ok := snap.Get("dup")
	require.True(t, ok)
	assert.Equal(t, first.Title, got.Title)
}

func TestValidateParentAssignmentScenarios(t *testing.T) {
	snap := chain()
	cases := []struct {
		name      string
		candidate string
		parent    string
		want      error
		reason    Reason
	}{
		{name: "root", candidate: "C2", parent: ""},
		{name: "valid move", candidate: "C2", parent: "R"},
		{name: "same parent", candidate: "C2", parent: "C1"},
		{name: "new activity", candidate: "fresh", parent: "C2"},
		{name: "self", candidate: "C1", parent: "C1", want: ErrSelfReference, reason: ReasonSelfReference},
		{name: "new self", candidate: "fresh", parent: "fresh", want: ErrSelfReference, reason: ReasonSelfReference},
		{name: "missing parent", candidate: "C1", parent: "nonexistent", want: ErrParentNotFound, reason: ReasonParentNotFound},
		{name: "root under grandchild", candidate: "R", parent: "C2", want: ErrCycleDetected, reason: ReasonCycleDetected},
		{name: "parent under child", candidate: "C1", parent: "C2", want: ErrCycleDetected, reason: ReasonCycleDetected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateParentAssignment(tc.candidate, tc.parent, snap)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
			rejection, ok := IsRejection(err)
			require.True(t, ok)
			assert.Equal(t, tc.reason, rejection.Reason)
			assert.Equal(t, tc.candidate, rejection.ActivityID)
			assert.Equal(t, tc.parent, rejection.ParentID)
		})
	}
}

func TestValidateSelfReferenceBeforeExistence(t *testing.T) {
	err := ValidateParentAssignment("ghost", "ghost", NewSnapshot(nil))
	assert.ErrorIs(t, err, ErrSelfReference)
	assert.NotErrorIs(t, err, ErrParentNotFound)
}

func TestAcceptedAssignmentsKeepForestAcyclic(t *testing.T) {
	activities := []domain.Activity{
		act(0, "a", ""), act(1, "b", ""), act(2, "c", ""), act(3, "d", ""), act(4, "e", ""),
	}
	ids := []string{"a", "b", "c", "d", "e"}
	for _, candidate := range ids {
		for _, parent := range ids {
			snap := NewSnapshot(activities)
			if err := ValidateParentAssignment(candidate, parent, snap); err != nil {
				continue
			}
			for i := range activities {
				if activities[i].ID == candidate {
					activities[i].ParentID = parent
				}
			}
			report := NewSnapshot(activities).CheckIntegrity()
			require.Truef(t, report.OK(), "assign %s -> %s broke forest: %+v", candidate, parent, report)
		}
	}
	_, err := NewSnapshot(activities).Tree()
	require.NoError(t, err)
}

func TestCorruptCycleIsReportedNotLooped(t *testing.T) {
	snap := NewSnapshot([]domain.Activity{
		act(0, "root", ""),
		act(1, "x", "y"),
		act(2, "y", "z"),
		act(3, "z", "x"),
		act(4, "hanger", "x"),
	})

	_, err := snap.Ancestors("hanger")
	require.ErrorIs(t, err, ErrCorruptHierarchy)
	var corrupt *CorruptHierarchyError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, "hanger", corrupt.Start)

	_, err = snap.Depth("x")
	assert.ErrorIs(t, err, ErrCorruptHierarchy)

	_, err = snap.IsAncestorOf("root", "x")
	assert.ErrorIs(t, err, ErrCorruptHierarchy)

	err = ValidateParentAssignment("root", "x", snap)
	require.ErrorIs(t, err, ErrCorruptHierarchy)
	_, isRejection := IsRejection(err)
	assert.False(t, isRejection)

	_, err = snap.Tree()
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, []string{"hanger", "x", "y", "z"}, corrupt.Unplaced)

	assert.Equal(t, []string{"hanger", "y", "z"}, snap.Descendants("x"))
}

func TestSelfLoopIsCorrupt(t *testing.T) {
	snap := NewSnapshot([]domain.Activity{act(0, "loop", "loop")})
	_, err := snap.Ancestors("loop")
	assert.ErrorIs(t, err, ErrCorruptHierarchy)
	assert.Empty(t, snap.Descendants("loop"))
}

func TestCheckIntegrity(t *testing.T) {
	snap := NewSnapshot([]domain.Activity{
		act(0, "ok", ""),
		act(1, "self", "self"),
		act(2, "orphan", "gone"),
		act(3, "p", "q"),
		act(4, "q", "p"),
		act(5, "tail", "p"),
	})
	report := snap.CheckIntegrity()
	assert.False(t, report.OK())
	assert.Equal(t, 6, report.Total)
	assert.Equal(t, []string{"self"}, report.SelfReferences)
	assert.Equal(t, []DanglingParent{{ActivityID: "orphan", ParentID: "gone"}}, report.DanglingParents)
	assert.Equal(t, [][]string{{"p", "q"}}, report.Cycles)

	assert.True(t, wide().CheckIntegrity().OK())
}

func TestDeepChain(t *testing.T) {
	const n = 2000
	activities := make([]domain.Activity, 0, n)
	for i := range n {
		parentID := ""
		if i > 0 {
			parentID = fmt.Sprintf("n%04d", i-1)
		}
		activities = append(activities, act(i, fmt.Sprintf("n%04d", i), parentID))
	}
	snap := NewSnapshot(activities)

	depth, err := snap.Depth(fmt.Sprintf("n%04d", n-1))
	require.NoError(t, err)
	assert.Equal(t, n-1, depth)
	assert.Len(t, snap.Descendants("n0000"), n-1)

	err = ValidateParentAssignment("n0000", fmt.Sprintf("n%04d", n-1), snap)
	assert.ErrorIs(t, err, ErrCycleDetected)

	forest, err := snap.Tree()
	require.NoError(t, err)
	assert.Equal(t, n, forest.Size())
}

func TestRejectionErrorMessage(t *testing.T) {
	err := &RejectionError{Reason: ReasonParentNotFound, ActivityID: "a", ParentID: "b"}
	assert.Contains(t, err.Error(), `"b"`)
	assert.Contains(t, err.Error(), ErrParentNotFound.Error())
}
