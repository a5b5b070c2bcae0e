package hierarchy

import (
	"slices"
	"strings"

	"github.com/hylla/dealtree/internal/domain"
)

// Snapshot is an immutable, id-indexed view of one flat activity read.
type Snapshot struct {
	byID  map[string]domain.Activity
	order []string
}

// NewSnapshot indexes activities by id. When an id repeats, the first
// occurrence wins.
func NewSnapshot(activities []domain.Activity) *Snapshot {
	s := &Snapshot{
		byID:  make(map[string]domain.Activity, len(activities)),
		order: make([]string, 0, len(activities)),
	}
	for _, a := range activities {
		if _, ok := s.byID[a.ID]; ok {
			continue
		}
		s.byID[a.ID] = a
		s.order = append(s.order, a.ID)
	}
	return s
}

// Len returns the number of distinct activities.
func (s *Snapshot) Len() int {
	return len(s.order)
}

// Contains reports whether id is present.
func (s *Snapshot) Contains(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns one activity by id.
func (s *Snapshot) Get(id string) (domain.Activity, bool) {
	a, ok := s.byID[id]
	return a, ok
}

// Activities returns the indexed activities in read order.
func (s *Snapshot) Activities() []domain.Activity {
	out := make([]domain.Activity, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

// Resolve maps ids onto activities, skipping ids that are not present.
func (s *Snapshot) Resolve(ids []string) []domain.Activity {
	out := make([]domain.Activity, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.byID[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

// childIndex groups ids by parent id in one pass. Each child list is sorted
// by creation time, then id. Built per call and never stored on s.
func (s *Snapshot) childIndex() map[string][]string {
	index := make(map[string][]string, len(s.order))
	for _, id := range s.order {
		parentID := s.byID[id].ParentID
		if parentID == "" {
			continue
		}
		index[parentID] = append(index[parentID], id)
	}
	for parentID := range index {
		s.sortIDs(index[parentID])
	}
	return index
}

// sortIDs orders ids by creation time, then id.
func (s *Snapshot) sortIDs(ids []string) {
	slices.SortFunc(ids, func(a, b string) int {
		ca, cb := s.byID[a].CreatedAt, s.byID[b].CreatedAt
		if c := ca.Compare(cb); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
}
