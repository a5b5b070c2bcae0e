package hierarchy

// ValidateParentAssignment decides whether candidateID may take
// proposedParentID as its parent given snap. An empty parent is always valid.
// Checks run in order: self reference, parent existence, cycle. The candidate
// need not exist in snap yet, which covers creation.
func ValidateParentAssignment(candidateID, proposedParentID string, snap *Snapshot) error {
	if proposedParentID == "" {
		return nil
	}
	if proposedParentID == candidateID {
		return &RejectionError{Reason: ReasonSelfReference, ActivityID: candidateID, ParentID: proposedParentID}
	}
	if !snap.Contains(proposedParentID) {
		return &RejectionError{Reason: ReasonParentNotFound, ActivityID: candidateID, ParentID: proposedParentID}
	}

	cycle := false
	err := snap.walkAncestors(proposedParentID, func(ancestorID string) bool {
		cycle = ancestorID == candidateID
		return !cycle
	})
	if err != nil {
		return err
	}
	if cycle {
		return &RejectionError{Reason: ReasonCycleDetected, ActivityID: candidateID, ParentID: proposedParentID}
	}
	return nil
}
