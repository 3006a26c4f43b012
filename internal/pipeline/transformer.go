// --- File: internal/pipeline/transformer.go ---
// Package pipeline contains the message processing stages of a listening session.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// envelope is the publisher-side wrapper. Publishers may also send the bare
// notification object, in which case the transport message id is used.
type envelope struct {
	Notification receiver.Notification `json:"notification"`
	PersistentID string                `json:"persistentId"`
}

// NotificationTransformer unmarshals a raw message payload into a receiver.Message.
func NotificationTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*receiver.Message, bool, error) {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		// skip acks; an error without skip nacks, so the subscription's
		// dead letter policy takes the message after repeated failures.
		return nil, false, fmt.Errorf("failed to unmarshal notification from message %s: %w", msg.ID, err)
	}

	out := &receiver.Message{
		Notification: env.Notification,
		PersistentID: env.PersistentID,
	}
	if out.Notification == nil {
		var bare receiver.Notification
		if err := json.Unmarshal(msg.Payload, &bare); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal notification from message %s: %w", msg.ID, err)
		}
		delete(bare, "persistentId")
		out.Notification = bare
	}
	if out.PersistentID == "" {
		out.PersistentID = msg.ID
	}

	return out, false, nil
}
