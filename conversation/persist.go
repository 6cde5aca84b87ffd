package conversation

import (
	"context"
	"errors"

	"voicegate/core"
)

// ErrPersisterClosed is returned by drivers used after Close.
var ErrPersisterClosed = errors.New("conversation: persister closed")

// Persister mirrors conversation history to durable storage so it survives a
// restart. The store only calls it from outside conversation locks: Load on
// first contact with a session, Save from the background flusher, Delete
// when the reaper drops an idle session.
type Persister interface {
	// Load returns the stored turns for session in insertion order, or nil
	// when nothing is stored.
	Load(ctx context.Context, session string) ([]core.Turn, error)

	// Save replaces the stored turns for session.
	Save(ctx context.Context, session string, turns []core.Turn) error

	// Delete removes session. Deleting a missing session is not an error.
	Delete(ctx context.Context, session string) error

	Close() error
}

// nopPersister keeps history in memory only.
type nopPersister struct{}

func (nopPersister) Load(context.Context, string) ([]core.Turn, error) { return nil, nil }
func (nopPersister) Save(context.Context, string, []core.Turn) error    { return nil }
func (nopPersister) Delete(context.Context, string) error               { return nil }
func (nopPersister) Close() error                                       { return nil }
