// --- File: internal/platform/pubsub/provider.go ---
// Package pubsub implements the push provider on Google Cloud Pub/Sub: a sender
// identity names a topic, and registering a device creates a dedicated
// subscription on it.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/tinywideclouds/go-push-receiver/internal/pipeline"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// Config holds the subscription settings applied at registration.
type Config struct {
	ProjectID          string
	DLQTopicID         string
	AckDeadlineSeconds int32
	// StopTimeout bounds the pipeline shutdown once the session context ends.
	StopTimeout time.Duration
}

type Provider struct {
	client *pubsub.Client
	cfg    Config
	logger *slog.Logger

	// sessions counts listening sessions that have not finished stopping.
	sessions sync.WaitGroup
}

func NewProvider(client *pubsub.Client, cfg Config, logger *slog.Logger) *Provider {
	if cfg.AckDeadlineSeconds <= 0 {
		cfg.AckDeadlineSeconds = 10
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Provider{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "PubsubProvider"),
	}
}

// Register ensures the sender topic exists and creates this device's subscription.
func (p *Provider) Register(ctx context.Context, senderID string) (receiver.Credentials, error) {
	topicID, err := TopicID(senderID)
	if err != nil {
		return nil, err
	}
	topicName := convertPubsub(p.cfg.ProjectID, topicID, "topics")
	_, err = p.client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{Name: topicName})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		p.logger.Error("Failed to create topic", "topic", topicName, "err", err)
		return nil, fmt.Errorf("could not create topic %s: %w", topicName, err)
	}

	token := uuid.NewString()
	subID := "push-receiver-" + token
	subConfig := &pubsubpb.Subscription{
		Name:               convertPubsub(p.cfg.ProjectID, subID, "subscriptions"),
		Topic:              topicName,
		AckDeadlineSeconds: p.cfg.AckDeadlineSeconds,
		RetryPolicy: &pubsubpb.RetryPolicy{
			MinimumBackoff: durationpb.New(time.Second),
		},
		EnableMessageOrdering: false,
	}
	if p.cfg.DLQTopicID != "" {
		subConfig.DeadLetterPolicy = &pubsubpb.DeadLetterPolicy{
			DeadLetterTopic:     convertPubsub(p.cfg.ProjectID, p.cfg.DLQTopicID, "topics"),
			MaxDeliveryAttempts: 5,
		}
	}

	p.logger.Debug("Creating device subscription", "sub", subConfig.Name, "topic", subConfig.Topic)
	if _, err := p.client.SubscriptionAdminClient.CreateSubscription(ctx, subConfig); err != nil {
		if status.Code(err) != codes.AlreadyExists {
			p.logger.Error("Failed to create subscription", "sub", subConfig.Name, "err", err)
			return nil, fmt.Errorf("could not create subscription %s: %w", subID, err)
		}
	}

	return receiver.Credentials{
		"fcm": map[string]any{"token": token},
		"pubsub": map[string]any{
			"topic":        topicName,
			"subscription": subID,
		},
	}, nil
}

// Listen starts a single-worker pipeline on the device subscription, which
// keeps delivery order. It returns once the pipeline is running.
func (p *Provider) Listen(ctx context.Context, creds receiver.Credentials, handler receiver.NotificationHandler) error {
	subID, err := subscriptionFrom(creds)
	if err != nil {
		return err
	}

	consumer, err := messagepipeline.NewGooglePubsubConsumer(
		messagepipeline.NewGooglePubsubConsumerDefaults(subID), p.client, p.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create consumer for %s: %w", subID, err)
	}

	processor := pipeline.NewProcessor(pipeline.NewSeenSet(creds.PersistentIDs()), handler, p.logger)
	session, err := messagepipeline.NewStreamingService[receiver.Message](
		messagepipeline.StreamingServiceConfig{NumWorkers: 1},
		consumer,
		pipeline.NotificationTransformer,
		processor,
		p.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create streaming service: %w", err)
	}

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("failed to start listening session: %w", err)
	}
	p.logger.Info("Listening session established", "sub", subID, "persistent_ids", len(creds.PersistentIDs()))

	p.sessions.Add(1)
	go func() {
		defer p.sessions.Done()
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), p.cfg.StopTimeout)
		defer cancel()
		if err := session.Stop(stopCtx); err != nil {
			p.logger.Error("Listening session shutdown failed", "sub", subID, "err", err)
		}
	}()
	return nil
}

// Drain waits for every listening session to stop after its context ended.
func (p *Provider) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listening sessions still stopping: %w", ctx.Err())
	}
}

func subscriptionFrom(creds receiver.Credentials) (string, error) {
	section, ok := creds["pubsub"].(map[string]any)
	if !ok {
		return "", errors.New("credentials carry no pubsub section")
	}
	subID, _ := section["subscription"].(string)
	if subID == "" {
		return "", errors.New("credentials carry no pubsub subscription")
	}
	return subID, nil
}

// TopicID maps a sender identity onto the Pub/Sub topic its publishers use.
// Topic ids must start with a letter and hold only [A-Za-z0-9-_.~+%], so the
// identity is prefixed and any other byte (and '%' itself) is percent-escaped.
func TopicID(senderID string) (string, error) {
	if senderID == "" {
		return "", errors.New("sender id is required")
	}
	var b strings.Builder
	b.WriteString("sender-")
	for i := 0; i < len(senderID); i++ {
		c := senderID[i]
		if isTopicChar(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	if b.Len() > 255 {
		return "", fmt.Errorf("sender id %q is too long for a topic id", senderID)
	}
	return b.String(), nil
}

func isTopicChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("-_.~+", c) >= 0
}

type PS string

func convertPubsub(project, id string, ps PS) string {
	return fmt.Sprintf("projects/%s/%s/%s", project, ps, id)
}
