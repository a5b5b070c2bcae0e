package app

import (
	"context"
	"time"

	"github.com/hylla/dealtree/internal/domain"
)

// ActivityStore is the flat activity persistence port. Implementations never
// check hierarchy rules; the service validates before every write.
type ActivityStore interface {
	ListActivities(context.Context, domain.OwnerFilter) ([]domain.Activity, error)
	GetActivity(context.Context, string) (domain.Activity, error)
	InsertActivity(context.Context, domain.Activity) error
	UpdateActivityParent(ctx context.Context, id, parentID string, at time.Time) (domain.Activity, error)
	UpdateActivity(context.Context, domain.Activity) error
	// DeleteActivities removes every listed id or none of them.
	DeleteActivities(context.Context, []string) error
	AppendChangeEvent(context.Context, domain.ChangeEvent) error
	ListChangeEvents(ctx context.Context, limit int) ([]domain.ChangeEvent, error)
}

// Repository is an ActivityStore that can run a serializable unit of work.
// fn sees a store bound to the transaction; a non-nil error from fn rolls
// every write back.
type Repository interface {
	ActivityStore
	InTx(ctx context.Context, fn func(ActivityStore) error) error
}

// Logger is the structured logging surface the service writes to.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}
