package pushreceiver

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-receiver/internal/bridge"
	"github.com/tinywideclouds/go-push-receiver/internal/ipc/local"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
	"github.com/tinywideclouds/go-push-receiver/pushreceiver/config"
)

// Embedded runs the bridge inside the host process, with the foreground side
// reading events from a channel instead of a websocket.
type Embedded struct {
	bridge   *bridge.Bridge
	bus      *local.Bus
	provider receiver.Provider
	cancel   context.CancelFunc
}

// NewEmbedded wires a bridge to an in-process bus. buffer bounds the queue of
// undelivered events; the bridge blocks on Send while it is full.
func NewEmbedded(
	cfg *config.Config,
	store receiver.Store,
	provider receiver.Provider,
	buffer int,
	logger *slog.Logger,
) *Embedded {
	bus := local.NewBus(buffer)
	b := bridge.New(store, provider, bus, bridge.Config{
		MaxPersistentIDs:    cfg.Bridge.MaxPersistentIDs,
		ResetOnStartFailure: cfg.Bridge.ResetOnStartFailure,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	bus.OnEvent(func(ev receiver.Event) { b.HandleEvent(ctx, ev) })

	return &Embedded{bridge: b, bus: bus, provider: provider, cancel: cancel}
}

// StartNotificationService emits the start signal for senderID.
func (e *Embedded) StartNotificationService(senderID string) {
	e.bus.Emit(receiver.Event{Name: receiver.StartNotificationService, Payload: senderID})
}

// Events yields the bridge events.
func (e *Embedded) Events() <-chan receiver.Event {
	return e.bus.Events()
}

// Status reports the bridge state.
func (e *Embedded) Status(ctx context.Context) (bridge.Status, error) {
	return e.bridge.Status(ctx)
}

// Shutdown ends the listening session, then waits for pending starts and for
// the session to stop.
func (e *Embedded) Shutdown(ctx context.Context) error {
	e.cancel()
	e.bridge.Wait()
	return drain(ctx, e.provider)
}
