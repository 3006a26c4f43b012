package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-receiver/internal/metrics"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// SeenSet holds the persistent ids a session must not deliver again.
type SeenSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewSeenSet(ids []string) *SeenSet {
	s := &SeenSet{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

func (s *SeenSet) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.ids[id]
	return ok
}

func (s *SeenSet) Add(id string) {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
}

// NewProcessor suppresses redelivered ids and hands everything else to handler.
// A handler error is returned so the message is nacked and redelivered.
func NewProcessor(
	seen *SeenSet,
	handler receiver.NotificationHandler,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[receiver.Message] {

	return func(ctx context.Context, original messagepipeline.Message, msg *receiver.Message) error {
		procLogger := logger.With(
			"persistent_id", msg.PersistentID,
			"pubsub_msg_id", original.ID,
		)

		if seen.Contains(msg.PersistentID) {
			metrics.NotificationsSkipped.Inc()
			procLogger.Debug("Skipping already delivered notification")
			return nil
		}

		if err := handler(ctx, *msg); err != nil {
			procLogger.Error("Notification handler failed", "err", err)
			return err
		}
		seen.Add(msg.PersistentID)
		return nil
	}
}
