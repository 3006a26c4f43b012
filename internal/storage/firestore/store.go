package firestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

// FirestoreStore implements receiver.Store using Google Cloud Firestore.
// Each key is one document under installations/{installationID}/config.
type FirestoreStore struct {
	client         *firestore.Client
	installationID string
}

func NewFirestoreStore(client *firestore.Client, installationID string) *FirestoreStore {
	return &FirestoreStore{client: client, installationID: installationID}
}

// valueRecord is the internal DB representation. The value is kept as its
// JSON encoding so opaque credential bundles round-trip without a schema.
type valueRecord struct {
	Value     string    `firestore:"value"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *FirestoreStore) Get(ctx context.Context, key string, dest any) error {
	snap, err := s.keyRef(key).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return receiver.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("firestore get %q failed: %w", key, err)
	}

	var record valueRecord
	if err := snap.DataTo(&record); err != nil {
		return fmt.Errorf("firestore decode %q failed: %w", key, err)
	}
	return json.Unmarshal([]byte(record.Value), dest)
}

func (s *FirestoreStore) Set(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	record := valueRecord{
		Value:     string(raw),
		UpdatedAt: time.Now(),
	}
	_, err = s.keyRef(key).Set(ctx, record)
	return err
}

// --- Helpers ---

// keyRef: installations/{installationID}/config/{key}
func (s *FirestoreStore) keyRef(key string) *firestore.DocumentRef {
	return s.client.Collection("installations").Doc(s.installationID).Collection("config").Doc(key)
}
