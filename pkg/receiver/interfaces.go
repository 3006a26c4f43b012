// --- File: pkg/receiver/interfaces.go ---
package receiver

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Store when the requested key has never been set.
var ErrNotFound = errors.New("receiver: key not found")

// Registrar asks the push provider to register this device for a sender.
type Registrar interface {
	// Register returns a fresh credential bundle scoped to senderID.
	Register(ctx context.Context, senderID string) (Credentials, error)
}

// NotificationHandler is invoked by a Listener once per inbound message.
type NotificationHandler func(ctx context.Context, msg Message) error

// Listener opens a long-lived receive session with the push provider.
type Listener interface {
	// Listen returns once the session is established. The session keeps
	// delivering to handler until ctx is cancelled. The credential bundle
	// carries the already-seen ids under PersistentIDsKey.
	Listen(ctx context.Context, creds Credentials, handler NotificationHandler) error
}

// Provider is the combined registration/listening collaborator.
type Provider interface {
	Registrar
	Listener
}

// Drainer is implemented by providers whose sessions keep running after
// Listen returns. Drain blocks until every session whose context has ended
// has fully stopped, or until ctx ends.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Store is the persistent key-value configuration store.
// Values are opaque to the store; implementations JSON-encode them.
type Store interface {
	// Get decodes the value stored at key into dest, or returns ErrNotFound.
	Get(ctx context.Context, key string, dest any) error
	// Set replaces the value stored at key.
	Set(ctx context.Context, key string, value any) error
}

// EventSender delivers bridge events to the foreground process.
type EventSender interface {
	Send(ctx context.Context, ev Event) error
}
