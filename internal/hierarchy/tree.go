package hierarchy

import (
	"slices"

	"github.com/hylla/dealtree/internal/domain"
)

// Node is one activity with its nested children.
type Node struct {
	Activity domain.Activity `json:"activity"`
	Children []*Node         `json:"children"`
}

// Forest is the ordered list of top-level nodes.
type Forest []*Node

// Flatten returns node ids in pre-order.
func (f Forest) Flatten() []string {
	out := make([]string, 0)
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			out = append(out, n.Activity.ID)
			walk(n.Children)
		}
	}
	walk(f)
	return out
}

// Size returns the total number of nodes.
func (f Forest) Size() int {
	total := 0
	for _, n := range f {
		total += 1 + Forest(n.Children).Size()
	}
	return total
}

// Find returns the node for id, searching depth first.
func (f Forest) Find(id string) (*Node, bool) {
	for _, n := range f {
		if n.Activity.ID == id {
			return n, true
		}
		if found, ok := Forest(n.Children).Find(id); ok {
			return found, true
		}
	}
	return nil, false
}

// Tree nests the snapshot into a forest. Activities whose parent is absent
// from the snapshot are treated as roots, so owner-filtered snapshots still
// render every row. Activities unreachable from any root can only sit on a
// cycle and make the build fail.
func (s *Snapshot) Tree() (Forest, error) {
	children := s.childIndex()
	topLevel := make([]string, 0)
	for _, id := range s.order {
		parentID := s.byID[id].ParentID
		if parentID == "" || !s.Contains(parentID) {
			topLevel = append(topLevel, id)
		}
	}
	s.sortIDs(topLevel)

	placed := make(map[string]struct{}, len(s.order))
	var build func(id string) *Node
	build = func(id string) *Node {
		placed[id] = struct{}{}
		node := &Node{Activity: s.byID[id], Children: make([]*Node, 0, len(children[id]))}
		for _, childID := range children[id] {
			if _, ok := placed[childID]; ok {
				continue
			}
			node.Children = append(node.Children, build(childID))
		}
		return node
	}

	forest := make(Forest, 0, len(topLevel))
	for _, id := range topLevel {
		forest = append(forest, build(id))
	}

	if len(placed) != len(s.order) {
		unplaced := make([]string, 0, len(s.order)-len(placed))
		for _, id := range s.order {
			if _, ok := placed[id]; !ok {
				unplaced = append(unplaced, id)
			}
		}
		slices.Sort(unplaced)
		return nil, &CorruptHierarchyError{Unplaced: unplaced}
	}
	return forest, nil
}
