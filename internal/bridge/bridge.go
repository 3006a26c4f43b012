// Package bridge relays push registration state and inbound notifications from
// the background process to the foreground process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinywideclouds/go-push-receiver/internal/metrics"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// ErrEmptySenderID is reported when a start signal carries no sender identity.
var ErrEmptySenderID = errors.New("sender id is required")

// Config holds the bridge policy switches. The zero value keeps the id set
// unbounded and leaves the service marked started after a failed start.
type Config struct {
	// MaxPersistentIDs keeps only the newest N ids when > 0.
	MaxPersistentIDs int
	// ResetOnStartFailure clears the started flag after a failed start so a
	// later start signal retries registration and listening.
	ResetOnStartFailure bool
}

// Status is a snapshot of the bridge for the HTTP status endpoint.
type Status struct {
	Started bool    `json:"started"`
	Token   *string `json:"token"`
}

type Bridge struct {
	store    receiver.Store
	provider receiver.Provider
	sender   receiver.EventSender
	cfg      Config
	logger   *slog.Logger

	started atomic.Bool
	// idsMu serializes the read-modify-write of the persistent id set.
	idsMu sync.Mutex
	tasks sync.WaitGroup
}

func New(
	store receiver.Store,
	provider receiver.Provider,
	sender receiver.EventSender,
	cfg Config,
	logger *slog.Logger,
) *Bridge {
	return &Bridge{
		store:    store,
		provider: provider,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.With("component", "NotificationBridge"),
	}
}

// HandleEvent dispatches an inbound event from the foreground process.
// A start signal is handled on its own goroutine; ctx must outlive the
// listening session, so callers pass the service context rather than a
// request context.
func (b *Bridge) HandleEvent(ctx context.Context, ev receiver.Event) {
	switch ev.Name {
	case receiver.StartNotificationService:
		senderID, _ := ev.Payload.(string)
		b.tasks.Add(1)
		go func() {
			defer b.tasks.Done()
			_ = b.Start(ctx, senderID)
		}()
	default:
		b.logger.Debug("Ignoring unknown inbound event", "event", ev.Name)
	}
}

// Wait blocks until every start task spawned by HandleEvent has returned.
func (b *Bridge) Wait() {
	b.tasks.Wait()
}

// Start registers (when needed) and opens the listening session.
// A repeated call after the first one only re-announces the current token.
func (b *Bridge) Start(ctx context.Context, senderID string) error {
	if b.started.Load() {
		b.announceStarted(ctx)
		return nil
	}
	// An invalid request is rejected before it can claim the started flag.
	if senderID == "" {
		b.fail(ctx, senderID, ErrEmptySenderID)
		return ErrEmptySenderID
	}
	if !b.started.CompareAndSwap(false, true) {
		b.announceStarted(ctx)
		return nil
	}

	if err := b.start(ctx, senderID); err != nil {
		b.fail(ctx, senderID, err)
		if b.cfg.ResetOnStartFailure {
			b.started.Store(false)
		}
		return err
	}
	return nil
}

func (b *Bridge) start(ctx context.Context, senderID string) error {
	ids, err := b.loadPersistentIDs(ctx)
	if err != nil {
		return err
	}

	creds, err := b.loadCredentials(ctx)
	if err != nil {
		return err
	}
	var savedSenderID string
	if err := b.store.Get(ctx, receiver.SenderIDKey, &savedSenderID); err != nil && !errors.Is(err, receiver.ErrNotFound) {
		return fmt.Errorf("failed to load sender id: %w", err)
	}

	if creds == nil || savedSenderID != senderID {
		b.logger.Info("Registering with push provider", "sender_id", senderID, "previous_sender_id", savedSenderID)
		// Provider errors are reported to the foreground verbatim.
		creds, err = b.provider.Register(ctx, senderID)
		if err != nil {
			return err
		}
		if err := b.store.Set(ctx, receiver.CredentialsKey, creds); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		if err := b.store.Set(ctx, receiver.SenderIDKey, senderID); err != nil {
			return fmt.Errorf("failed to save sender id: %w", err)
		}
		metrics.Registrations.Inc()
		b.emit(ctx, receiver.TokenUpdated, tokenPayload(creds))
	}

	if err := b.provider.Listen(ctx, creds.WithPersistentIDs(ids), b.OnNotification); err != nil {
		return err
	}

	b.logger.Info("Notification service started", "sender_id", senderID, "persistent_ids", len(ids))
	b.emit(ctx, receiver.NotificationServiceStarted, tokenPayload(creds))
	return nil
}

// OnNotification records the message id and forwards the payload.
// When the id cannot be persisted the message is not forwarded and the
// error is returned so the listener can leave it for redelivery.
func (b *Bridge) OnNotification(ctx context.Context, msg receiver.Message) error {
	if err := b.appendPersistentID(ctx, msg.PersistentID); err != nil {
		b.logger.Error("Failed to persist notification id", "persistent_id", msg.PersistentID, "err", err)
		return err
	}
	metrics.NotificationsReceived.Inc()
	b.emit(ctx, receiver.NotificationReceived, msg.Notification)
	return nil
}

// Status reports whether the service was started and the persisted token.
func (b *Bridge) Status(ctx context.Context) (Status, error) {
	creds, err := b.loadCredentials(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{Started: b.started.Load()}
	if token, ok := creds.Token(); ok {
		st.Token = &token
	}
	return st, nil
}

func (b *Bridge) appendPersistentID(ctx context.Context, id string) error {
	b.idsMu.Lock()
	defer b.idsMu.Unlock()

	ids, err := b.loadPersistentIDs(ctx)
	if err != nil {
		return err
	}
	ids = append(ids, id)
	if limit := b.cfg.MaxPersistentIDs; limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	if err := b.store.Set(ctx, receiver.PersistentIDsKey, ids); err != nil {
		return fmt.Errorf("failed to save persistent ids: %w", err)
	}
	return nil
}

func (b *Bridge) loadPersistentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := b.store.Get(ctx, receiver.PersistentIDsKey, &ids)
	if errors.Is(err, receiver.ErrNotFound) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load persistent ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

func (b *Bridge) loadCredentials(ctx context.Context) (receiver.Credentials, error) {
	var creds receiver.Credentials
	err := b.store.Get(ctx, receiver.CredentialsKey, &creds)
	if errors.Is(err, receiver.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	return creds, nil
}

// announceStarted answers a repeated start with the persisted token.
func (b *Bridge) announceStarted(ctx context.Context) {
	creds, err := b.loadCredentials(ctx)
	if err != nil {
		b.logger.Warn("Failed to load credentials for repeated start", "err", err)
	}
	b.emit(ctx, receiver.NotificationServiceStarted, tokenPayload(creds))
}

func (b *Bridge) fail(ctx context.Context, senderID string, err error) {
	metrics.StartFailures.Inc()
	b.logger.Error("Error while starting the notification service", "sender_id", senderID, "err", err)
	b.emit(ctx, receiver.NotificationServiceError, err.Error())
}

func (b *Bridge) emit(ctx context.Context, name string, payload any) {
	if err := b.sender.Send(ctx, receiver.Event{Name: name, Payload: payload}); err != nil {
		b.logger.Warn("Failed to send event to foreground process", "event", name, "err", err)
		return
	}
	metrics.EventsSent.WithLabelValues(name).Inc()
}

// tokenPayload yields the token string, or nil when never registered.
func tokenPayload(creds receiver.Credentials) any {
	if token, ok := creds.Token(); ok {
		return token
	}
	return nil
}
