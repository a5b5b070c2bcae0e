package domain

import (
	"slices"
	"strings"
	"time"
)

// ActivityKind is the free-form activity type (task, call, email, meeting, note, ...).
type ActivityKind string

// DefaultActivityKind is applied when no kind is supplied.
const DefaultActivityKind ActivityKind = "task"

// ActivityStatus describes the business progress of an activity.
type ActivityStatus string

// ActivityStatus values.
const (
	StatusPending    ActivityStatus = "pending"
	StatusInProgress ActivityStatus = "in_progress"
	StatusCompleted  ActivityStatus = "completed"
	StatusCanceled   ActivityStatus = "canceled"
)

var validStatuses = []ActivityStatus{StatusPending, StatusInProgress, StatusCompleted, StatusCanceled}

// Activity is one node of the activity forest. ParentID is empty for roots.
type Activity struct {
	ID          string         `json:"id"`
	ParentID    string         `json:"parent_id,omitempty"`
	Owner       OwnerContext   `json:"owner,omitzero"`
	Kind        ActivityKind   `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      ActivityStatus `json:"status"`
	AssignedTo  string         `json:"assigned_to,omitempty"`
	DueAt       *time.Time     `json:"due_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type ActivityInput struct {
	ID          string
	ParentID    string
	Owner       OwnerContext
	Kind        ActivityKind
	Title       string
	Description string
	Status      ActivityStatus
	AssignedTo  string
	DueAt       *time.Time
}

// IsRoot reports whether the activity has no parent.
func (a Activity) IsRoot() bool {
	return a.ParentID == ""
}

func NewActivity(in ActivityInput, now time.Time) (Activity, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.ParentID = strings.TrimSpace(in.ParentID)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.AssignedTo = strings.TrimSpace(in.AssignedTo)

	if in.ID == "" {
		return Activity{}, ErrInvalidID
	}
	if in.Title == "" {
		return Activity{}, ErrInvalidTitle
	}
	owner, err := NormalizeOwnerContext(in.Owner)
	if err != nil {
		return Activity{}, err
	}
	kind := NormalizeActivityKind(in.Kind)
	if kind == "" {
		kind = DefaultActivityKind
	}
	status := NormalizeActivityStatus(in.Status)
	if status == "" {
		status = StatusPending
	}
	if !IsValidActivityStatus(status) {
		return Activity{}, ErrInvalidStatus
	}

	ts := now.UTC()
	a := Activity{
		ID:          in.ID,
		ParentID:    in.ParentID,
		Owner:       owner,
		Kind:        kind,
		Title:       in.Title,
		Description: in.Description,
		Status:      status,
		AssignedTo:  in.AssignedTo,
		DueAt:       normalizeDueAt(in.DueAt),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if status == StatusCompleted {
		a.CompletedAt = &ts
	}
	return a, nil
}

// ActivityDetails carries the descriptive fields that UpdateDetails replaces.
type ActivityDetails struct {
	Kind        ActivityKind
	Title       string
	Description string
	Status      ActivityStatus
	AssignedTo  string
	DueAt       *time.Time
}

func (a *Activity) UpdateDetails(in ActivityDetails, now time.Time) error {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return ErrInvalidTitle
	}
	kind := NormalizeActivityKind(in.Kind)
	if kind == "" {
		kind = a.Kind
	}
	status := NormalizeActivityStatus(in.Status)
	if status == "" {
		status = a.Status
	}
	if !IsValidActivityStatus(status) {
		return ErrInvalidStatus
	}

	ts := now.UTC()
	a.Kind = kind
	a.Title = title
	a.Description = strings.TrimSpace(in.Description)
	a.AssignedTo = strings.TrimSpace(in.AssignedTo)
	a.DueAt = normalizeDueAt(in.DueAt)
	a.setStatus(status, ts)
	a.UpdatedAt = ts
	return nil
}

// setStatus keeps CompletedAt in step with the status value.
func (a *Activity) setStatus(status ActivityStatus, ts time.Time) {
	if status == StatusCompleted {
		if a.Status != StatusCompleted || a.CompletedAt == nil {
			a.CompletedAt = &ts
		}
	} else {
		a.CompletedAt = nil
	}
	a.Status = status
}

// NormalizeActivityKind lowercases and trims one kind value.
func NormalizeActivityKind(kind ActivityKind) ActivityKind {
	return ActivityKind(strings.ToLower(strings.TrimSpace(string(kind))))
}

// NormalizeActivityStatus canonicalizes status spellings.
func NormalizeActivityStatus(status ActivityStatus) ActivityStatus {
	raw := strings.ToLower(strings.TrimSpace(string(status)))
	raw = strings.ReplaceAll(raw, "-", "_")
	raw = strings.ReplaceAll(raw, " ", "_")
	switch raw {
	case "todo", "open":
		return StatusPending
	case "progress", "doing", "inprogress":
		return StatusInProgress
	case "done", "complete":
		return StatusCompleted
	case "cancelled":
		return StatusCanceled
	default:
		return ActivityStatus(raw)
	}
}

// IsValidActivityStatus reports whether status is one of the known values.
func IsValidActivityStatus(status ActivityStatus) bool {
	return slices.Contains(validStatuses, status)
}

func normalizeDueAt(dueAt *time.Time) *time.Time {
	if dueAt == nil {
		return nil
	}
	ts := dueAt.UTC().Truncate(time.Second)
	return &ts
}
