package hierarchy

import (
	"slices"

	"github.com/hylla/dealtree/internal/domain"
)

// walkAncestors follows parent references upward from id, calling visit for
// each ancestor from the immediate parent toward the root. The walk stops at
// a root, at a parent id missing from the snapshot, or when visit returns
// false. Revisiting any node, id included, is reported as corruption.
func (s *Snapshot) walkAncestors(id string, visit func(string) bool) error {
	current, ok := s.byID[id]
	if !ok {
		return nil
	}
	seen := map[string]struct{}{id: {}}
	path := []string{id}
	for !current.IsRoot() {
		parentID := current.ParentID
		parent, ok := s.byID[parentID]
		if !ok {
			return nil
		}
		path = append(path, parentID)
		if _, dup := seen[parentID]; dup {
			return &CorruptHierarchyError{Start: id, Path: path}
		}
		seen[parentID] = struct{}{}
		if !visit(parentID) {
			return nil
		}
		current = parent
	}
	return nil
}

// Ancestors returns the ancestor chain of id, immediate parent first.
func (s *Snapshot) Ancestors(id string) ([]string, error) {
	out := make([]string, 0, 4)
	err := s.walkAncestors(id, func(ancestorID string) bool {
		out = append(out, ancestorID)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Depth returns the number of ancestors of id. Roots have depth zero.
func (s *Snapshot) Depth(id string) (int, error) {
	ancestors, err := s.Ancestors(id)
	if err != nil {
		return 0, err
	}
	return len(ancestors), nil
}

// IsAncestorOf reports whether ancestorID appears in the ancestor chain of id.
func (s *Snapshot) IsAncestorOf(ancestorID, id string) (bool, error) {
	found := false
	err := s.walkAncestors(id, func(candidate string) bool {
		found = candidate == ancestorID
		return !found
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// Descendants returns every id reachable from id through child edges,
// excluding id itself. The result is sorted and free of duplicates even when
// the stored data contains a cycle.
func (s *Snapshot) Descendants(id string) []string {
	if !s.Contains(id) {
		return []string{}
	}
	children := s.childIndex()
	visited := map[string]struct{}{id: {}}
	queue := []string{id}
	out := make([]string, 0)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, childID := range children[current] {
			if _, ok := visited[childID]; ok {
				continue
			}
			visited[childID] = struct{}{}
			out = append(out, childID)
			queue = append(queue, childID)
		}
	}
	slices.Sort(out)
	return out
}

// Roots returns the activities that have no parent, ordered by creation time.
func (s *Snapshot) Roots() []domain.Activity {
	ids := make([]string, 0)
	for _, id := range s.order {
		if s.byID[id].IsRoot() {
			ids = append(ids, id)
		}
	}
	s.sortIDs(ids)
	return s.Resolve(ids)
}
