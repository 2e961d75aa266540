package progress

import "context"

// LocalStore persists one Record per book. WriteAtomic must commit locator,
// percentage and timestamp together or not at all.
type LocalStore interface {
	Read(ctx context.Context, bookID string) (Record, error)
	WriteAtomic(ctx context.Context, rec Record) error
	Delete(ctx context.Context, bookID string) error
}

// Outbox is the durable queue of undelivered pushes.
type Outbox interface {
	Enqueue(ctx context.Context, a SyncAction) error
	// Due returns actions whose NextAttemptAt <= now, oldest first.
	Due(ctx context.Context, now int64, limit int) ([]SyncAction, error)
	// MarkFailed bumps RetryCount, reschedules and returns the new count.
	MarkFailed(ctx context.Context, id string, nextAttemptAt int64) (int, error)
	Remove(ctx context.Context, id string) error
	Count(ctx context.Context) (int, error)
}

// RemoteChannel talks to the cloud copy. Fetch returns ErrNotFound when the
// user has no record for the book.
type RemoteChannel interface {
	Fetch(ctx context.Context, userID, bookIdentifier string) (RemoteRecord, error)
	Push(ctx context.Context, rec RemoteRecord) error
}

// Subscriber streams remote updates for one book until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, userID, bookIdentifier string) (<-chan RemoteRecord, error)
}

// Choice is the user's answer to a conflict prompt.
type Choice int

const (
	KeepLocal Choice = iota
	UseRemote
)

func (c Choice) String() string {
	if c == UseRemote {
		return "use-remote"
	}
	return "keep-local"
}

// Presentation is the reader UI as seen by the sync engine.
type Presentation interface {
	// ApplyLocatorSilently moves the reader without prompting.
	ApplyLocatorSilently(locator string)
	// PromptConflict blocks until the user picks a side.
	PromptConflict(ctx context.Context, local Record, remote RemoteRecord) (Choice, error)
	// SuggestJump offers a non-blocking "jump to latest" hint.
	SuggestJump(remote RemoteRecord)
	NotifyStatus(s Status)
}

// PositionApplier is an optional Presentation extension for readers that
// also track the percentage. The engine prefers it to ApplyLocatorSilently.
type PositionApplier interface {
	ApplyPositionSilently(locator string, percentage float64)
}
