package hierarchy

import "slices"

// DanglingParent records an activity whose parent id matches no activity.
type DanglingParent struct {
	ActivityID string `json:"activity_id"`
	ParentID   string `json:"parent_id"`
}

// IntegrityReport lists forest invariant violations found in a snapshot.
type IntegrityReport struct {
	Total           int              `json:"total"`
	SelfReferences  []string         `json:"self_references"`
	DanglingParents []DanglingParent `json:"dangling_parents"`
	Cycles          [][]string       `json:"cycles"`
}

// OK reports whether no violation was found.
func (r IntegrityReport) OK() bool {
	return len(r.SelfReferences) == 0 && len(r.DanglingParents) == 0 && len(r.Cycles) == 0
}

// CheckIntegrity scans the whole snapshot once. Self loops are reported as
// self references, not as cycles. Each cycle lists its members starting from
// the smallest id.
func (s *Snapshot) CheckIntegrity() IntegrityReport {
	report := IntegrityReport{
		Total:           len(s.order),
		SelfReferences:  []string{},
		DanglingParents: []DanglingParent{},
		Cycles:          [][]string{},
	}

	const (
		unvisited = iota
		onPath
		done
	)
	state := make(map[string]int, len(s.order))

	for _, id := range s.order {
		a := s.byID[id]
		switch {
		case a.ParentID == a.ID:
			report.SelfReferences = append(report.SelfReferences, id)
		case a.ParentID != "" && !s.Contains(a.ParentID):
			report.DanglingParents = append(report.DanglingParents, DanglingParent{ActivityID: id, ParentID: a.ParentID})
		}

		if state[id] != unvisited {
			continue
		}
		path := make([]string, 0)
		current := id
		for {
			if state[current] == done {
				break
			}
			if state[current] == onPath {
				start := slices.Index(path, current)
				if cycle := path[start:]; len(cycle) > 1 {
					report.Cycles = append(report.Cycles, rotateToMin(cycle))
				}
				break
			}
			state[current] = onPath
			path = append(path, current)
			parentID := s.byID[current].ParentID
			if parentID == "" || !s.Contains(parentID) {
				break
			}
			current = parentID
		}
		for _, visited := range path {
			state[visited] = done
		}
	}

	slices.Sort(report.SelfReferences)
	slices.SortFunc(report.Cycles, func(a, b []string) int {
		return slices.Compare(a, b)
	})
	return report
}

func rotateToMin(cycle []string) []string {
	minAt := 0
	for i, id := range cycle {
		if id < cycle[minAt] {
			minAt = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[minAt:]...)
	out = append(out, cycle[:minAt]...)
	return out
}
