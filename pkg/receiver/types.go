// Package receiver contains the public contracts and data types shared by the
// push receiver bridge, its storage backends, event channels and providers.
package receiver

// Event names exchanged with the foreground process.
const (
	StartNotificationService   = "PUSH_RECEIVER:::START_NOTIFICATION_SERVICE"
	NotificationServiceStarted = "PUSH_RECEIVER:::NOTIFICATION_SERVICE_STARTED"
	NotificationServiceError   = "PUSH_RECEIVER:::NOTIFICATION_SERVICE_ERROR"
	NotificationReceived       = "PUSH_RECEIVER:::NOTIFICATION_RECEIVED"
	TokenUpdated               = "PUSH_RECEIVER:::TOKEN_UPDATED"
)

// Persistent store keys.
const (
	CredentialsKey   = "credentials"
	SenderIDKey      = "senderId"
	PersistentIDsKey = "persistentIds"
)

// Event is a named message with a single payload.
type Event struct {
	Name    string `json:"event"`
	Payload any    `json:"payload"`
}

// Notification is the provider-defined message payload.
type Notification map[string]any

// Message is one inbound delivery from the Listener.
type Message struct {
	Notification Notification
	PersistentID string
}

// Credentials is the opaque bundle produced by a Registrar.
// Only the nested fcm.token field is interpreted by the bridge.
type Credentials map[string]any

// Token returns fcm.token, if present.
func (c Credentials) Token() (string, bool) {
	if c == nil {
		return "", false
	}
	var token string
	switch fcm := c["fcm"].(type) {
	case map[string]any:
		token, _ = fcm["token"].(string)
	case map[string]string:
		token = fcm["token"]
	}
	return token, token != ""
}

// WithPersistentIDs returns a shallow copy of c with ids merged under PersistentIDsKey.
func (c Credentials) WithPersistentIDs(ids []string) Credentials {
	merged := make(Credentials, len(c)+1)
	for k, v := range c {
		merged[k] = v
	}
	copied := make([]string, len(ids))
	copy(copied, ids)
	merged[PersistentIDsKey] = copied
	return merged
}

// PersistentIDs reads the id set merged by WithPersistentIDs. It accepts both
// []string and the []any shape produced by a JSON round-trip.
func (c Credentials) PersistentIDs() []string {
	switch ids := c[PersistentIDsKey].(type) {
	case []string:
		return ids
	case []any:
		out := make([]string, 0, len(ids))
		for _, id := range ids {
			if s, ok := id.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
