package domain

import (
	"strings"
	"time"
)

// ActorType describes the actor class behind a mutation.
type ActorType string

// ActorType values.
const (
	ActorTypeUser   ActorType = "user"
	ActorTypeAgent  ActorType = "agent"
	ActorTypeSystem ActorType = "system"
)

// DefaultActorID is recorded when a mutation carries no actor identity.
const DefaultActorID = "dealtree-user"

// ChangeOperation describes a persisted hierarchy operation for an activity.
type ChangeOperation string

// ChangeOperation values used by the local change ledger.
const (
	ChangeOperationCreate   ChangeOperation = "create"
	ChangeOperationUpdate   ChangeOperation = "update"
	ChangeOperationReparent ChangeOperation = "reparent"
	ChangeOperationDelete   ChangeOperation = "delete"
)

// ChangeEvent represents a single ledger entry for an activity mutation.
type ChangeEvent struct {
	ID         int64             `json:"id"`
	ActivityID string            `json:"activity_id"`
	Operation  ChangeOperation   `json:"operation"`
	ActorID    string            `json:"actor_id"`
	ActorType  ActorType         `json:"actor_type"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NormalizeActorType applies a default when actor type is unset or unsupported.
func NormalizeActorType(actorType ActorType) ActorType {
	normalized := ActorType(strings.ToLower(strings.TrimSpace(string(actorType))))
	switch normalized {
	case ActorTypeUser, ActorTypeAgent, ActorTypeSystem:
		return normalized
	default:
		return ActorTypeUser
	}
}

// NormalizeChangeOperation canonicalizes persisted operation values.
func NormalizeChangeOperation(raw string) ChangeOperation {
	op := ChangeOperation(strings.ToLower(strings.TrimSpace(raw)))
	switch op {
	case ChangeOperationCreate, ChangeOperationUpdate, ChangeOperationReparent, ChangeOperationDelete:
		return op
	default:
		return ChangeOperationUpdate
	}
}
