package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-receiver/internal/bridge"
	"github.com/tinywideclouds/go-push-receiver/internal/storage/memory"
	"github.com/tinywideclouds/go-push-receiver/pkg/receiver"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Mocks ---

type mockProvider struct {
	mock.Mock
	mu      sync.Mutex
	handler receiver.NotificationHandler
}

func (m *mockProvider) Register(ctx context.Context, senderID string) (receiver.Credentials, error) {
	args := m.Called(ctx, senderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(receiver.Credentials), args.Error(1)
}

func (m *mockProvider) Listen(ctx context.Context, creds receiver.Credentials, handler receiver.NotificationHandler) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	return m.Called(ctx, creds).Error(0)
}

// recordingSender keeps every event in send order.
type recordingSender struct {
	mu     sync.Mutex
	events []receiver.Event
}

func (r *recordingSender) Send(_ context.Context, ev receiver.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSender) Events() []receiver.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receiver.Event(nil), r.events...)
}

func (r *recordingSender) Names() []string {
	var names []string
	for _, ev := range r.Events() {
		names = append(names, ev.Name)
	}
	return names
}

// failingStore fails every Set on the configured key.
type failingStore struct {
	*memory.Store
	failKey string
}

func (f *failingStore) Set(ctx context.Context, key string, value any) error {
	if key == f.failKey {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func credsWithToken(token string) receiver.Credentials {
	return receiver.Credentials{"fcm": map[string]any{"token": token}}
}

func hasPersistentIDs(ids ...string) any {
	return mock.MatchedBy(func(c receiver.Credentials) bool {
		return assert.ObjectsAreEqual(append([]string{}, ids...), c.PersistentIDs())
	})
}

type fixture struct {
	store    *memory.Store
	provider *mockProvider
	sender   *recordingSender
	bridge   *bridge.Bridge
}

func newFixture(t *testing.T, cfg bridge.Config) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.NewStore(),
		provider: new(mockProvider),
		sender:   &recordingSender{},
	}
	f.bridge = bridge.New(f.store, f.provider, f.sender, cfg, newTestLogger())
	return f
}

func (f *fixture) seed(t *testing.T, senderID string, creds receiver.Credentials, ids []string) {
	t.Helper()
	ctx := context.Background()
	if creds != nil {
		require.NoError(t, f.store.Set(ctx, receiver.CredentialsKey, creds))
	}
	if senderID != "" {
		require.NoError(t, f.store.Set(ctx, receiver.SenderIDKey, senderID))
	}
	if ids != nil {
		require.NoError(t, f.store.Set(ctx, receiver.PersistentIDsKey, ids))
	}
}

// --- Tests ---

func TestBridge_Start_FreshInstall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, hasPersistentIDs()).Return(nil).Once()

	require.NoError(t, f.bridge.Start(ctx, "S1"))

	var savedCreds receiver.Credentials
	require.NoError(t, f.store.Get(ctx, receiver.CredentialsKey, &savedCreds))
	token, _ := savedCreds.Token()
	assert.Equal(t, "T1", token)

	var savedSender string
	require.NoError(t, f.store.Get(ctx, receiver.SenderIDKey, &savedSender))
	assert.Equal(t, "S1", savedSender)

	assert.Equal(t, []receiver.Event{
		{Name: receiver.TokenUpdated, Payload: "T1"},
		{Name: receiver.NotificationServiceStarted, Payload: "T1"},
	}, f.sender.Events())
	f.provider.AssertExpectations(t)
}

func TestBridge_Start_UnchangedIdentityReusesCredentials(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})
	f.seed(t, "S1", credsWithToken("T1"), []string{"M0"})

	f.provider.On("Listen", ctx, mock.MatchedBy(func(c receiver.Credentials) bool {
		token, _ := c.Token()
		return token == "T1" && assert.ObjectsAreEqual([]string{"M0"}, c.PersistentIDs())
	})).Return(nil).Once()

	require.NoError(t, f.bridge.Start(ctx, "S1"))

	assert.Equal(t, []receiver.Event{
		{Name: receiver.NotificationServiceStarted, Payload: "T1"},
	}, f.sender.Events())
	f.provider.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
	f.provider.AssertExpectations(t)
}

func TestBridge_Start_ChangedIdentityReRegisters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})
	f.seed(t, "S1", credsWithToken("T1"), nil)

	f.provider.On("Register", ctx, "S2").Return(credsWithToken("T2"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()

	require.NoError(t, f.bridge.Start(ctx, "S2"))

	var savedSender string
	require.NoError(t, f.store.Get(ctx, receiver.SenderIDKey, &savedSender))
	assert.Equal(t, "S2", savedSender)

	var savedCreds receiver.Credentials
	require.NoError(t, f.store.Get(ctx, receiver.CredentialsKey, &savedCreds))
	token, _ := savedCreds.Token()
	assert.Equal(t, "T2", token)

	assert.Equal(t, []string{receiver.TokenUpdated, receiver.NotificationServiceStarted}, f.sender.Names())
	f.provider.AssertExpectations(t)
}

func TestBridge_Start_ReRegistrationTrigger(t *testing.T) {
	testCases := []struct {
		name           string
		savedSenderID  string
		savedCreds     receiver.Credentials
		requested      string
		expectRegister bool
	}{
		{name: "No credentials, no sender", requested: "S1", expectRegister: true},
		{name: "Sender saved but no credentials", savedSenderID: "S1", requested: "S1", expectRegister: true},
		{name: "Credentials but no sender", savedCreds: credsWithToken("T1"), requested: "S1", expectRegister: true},
		{name: "Different sender", savedSenderID: "S1", savedCreds: credsWithToken("T1"), requested: "S2", expectRegister: true},
		{name: "Same sender and credentials", savedSenderID: "S1", savedCreds: credsWithToken("T1"), requested: "S1", expectRegister: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, bridge.Config{})
			f.seed(t, tc.savedSenderID, tc.savedCreds, nil)

			if tc.expectRegister {
				f.provider.On("Register", ctx, tc.requested).Return(credsWithToken("NEW"), nil).Once()
			}
			f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()

			require.NoError(t, f.bridge.Start(ctx, tc.requested))

			if tc.expectRegister {
				f.provider.AssertCalled(t, "Register", ctx, tc.requested)
			} else {
				f.provider.AssertNotCalled(t, "Register", mock.Anything, mock.Anything)
			}
		})
	}
}

func TestBridge_Start_IdempotentWhenAlreadyStarted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()
	require.NoError(t, f.bridge.Start(ctx, "S1"))
	before := len(f.sender.Events())

	// Any sender identity, including a different one, is a no-op now.
	require.NoError(t, f.bridge.Start(ctx, "S9"))

	after := f.sender.Events()[before:]
	assert.Equal(t, []receiver.Event{{Name: receiver.NotificationServiceStarted, Payload: "T1"}}, after)
	f.provider.AssertNumberOfCalls(t, "Register", 1)
	f.provider.AssertNumberOfCalls(t, "Listen", 1)
}

func TestBridge_Start_RegistrationFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(nil, errors.New("X")).Once()

	err := f.bridge.Start(ctx, "S1")
	require.Error(t, err)

	assert.Equal(t, []receiver.Event{
		{Name: receiver.NotificationServiceError, Payload: "X"},
	}, f.sender.Events())
	f.provider.AssertNotCalled(t, "Listen", mock.Anything, mock.Anything)

	t.Run("Flag stays set by default", func(t *testing.T) {
		require.NoError(t, f.bridge.Start(ctx, "S1"))
		// No token was ever persisted, so the re-announcement carries nil.
		last := f.sender.Events()[len(f.sender.Events())-1]
		assert.Equal(t, receiver.Event{Name: receiver.NotificationServiceStarted, Payload: nil}, last)
		f.provider.AssertNumberOfCalls(t, "Register", 1)
	})
}

func TestBridge_Start_ListenFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(errors.New("connection refused")).Once()

	require.Error(t, f.bridge.Start(ctx, "S1"))

	// The token was issued before listening failed.
	assert.Equal(t, []receiver.Event{
		{Name: receiver.TokenUpdated, Payload: "T1"},
		{Name: receiver.NotificationServiceError, Payload: "connection refused"},
	}, f.sender.Events())
}

func TestBridge_Start_ResetOnStartFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{ResetOnStartFailure: true})

	f.provider.On("Register", ctx, "S1").Return(nil, errors.New("offline")).Once()
	require.Error(t, f.bridge.Start(ctx, "S1"))

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()
	require.NoError(t, f.bridge.Start(ctx, "S1"))

	assert.Equal(t, []string{
		receiver.NotificationServiceError,
		receiver.TokenUpdated,
		receiver.NotificationServiceStarted,
	}, f.sender.Names())
	f.provider.AssertExpectations(t)
}

func TestBridge_Start_EmptySenderID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	err := f.bridge.Start(ctx, "")
	require.ErrorIs(t, err, bridge.ErrEmptySenderID)
	assert.Equal(t, []receiver.Event{
		{Name: receiver.NotificationServiceError, Payload: bridge.ErrEmptySenderID.Error()},
	}, f.sender.Events())

	// The rejected request did not consume the started flag.
	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()
	require.NoError(t, f.bridge.Start(ctx, "S1"))
	f.provider.AssertExpectations(t)
}

func TestBridge_Start_EmptySenderIDNeverBlocksAValidStart(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		f := newFixture(t, bridge.Config{})
		f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
		f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()

		f.bridge.HandleEvent(ctx, receiver.Event{Name: receiver.StartNotificationService, Payload: ""})
		f.bridge.HandleEvent(ctx, receiver.Event{Name: receiver.StartNotificationService, Payload: "S1"})
		f.bridge.Wait()

		// Whatever the interleaving, the valid start is the one that listens.
		f.provider.AssertNumberOfCalls(t, "Register", 1)
		f.provider.AssertNumberOfCalls(t, "Listen", 1)
		assert.Contains(t, f.sender.Events(), receiver.Event{Name: receiver.NotificationServiceStarted, Payload: "T1"})
	}
}

func TestBridge_Start_EmptySenderIDAfterStartIsANoOp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()
	require.NoError(t, f.bridge.Start(ctx, "S1"))
	before := len(f.sender.Events())

	require.NoError(t, f.bridge.Start(ctx, ""))
	assert.Equal(t, []receiver.Event{{Name: receiver.NotificationServiceStarted, Payload: "T1"}}, f.sender.Events()[before:])
}

func TestBridge_OnNotification(t *testing.T) {
	ctx := context.Background()

	t.Run("Single message on empty set", func(t *testing.T) {
		f := newFixture(t, bridge.Config{})
		payload := receiver.Notification{"title": "hello"}

		require.NoError(t, f.bridge.OnNotification(ctx, receiver.Message{Notification: payload, PersistentID: "M1"}))

		var ids []string
		require.NoError(t, f.store.Get(ctx, receiver.PersistentIDsKey, &ids))
		assert.Equal(t, []string{"M1"}, ids)
		assert.Equal(t, []receiver.Event{{Name: receiver.NotificationReceived, Payload: payload}}, f.sender.Events())
	})

	t.Run("Append-only in delivery order", func(t *testing.T) {
		f := newFixture(t, bridge.Config{})
		var want []string
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("M%d", i)
			want = append(want, id)
			require.NoError(t, f.bridge.OnNotification(ctx, receiver.Message{PersistentID: id}))
		}

		var ids []string
		require.NoError(t, f.store.Get(ctx, receiver.PersistentIDsKey, &ids))
		assert.Equal(t, want, ids)
		assert.Len(t, f.sender.Events(), 5)
	})

	t.Run("Duplicate ids are still appended", func(t *testing.T) {
		f := newFixture(t, bridge.Config{})
		require.NoError(t, f.bridge.OnNotification(ctx, receiver.Message{PersistentID: "M1"}))
		require.NoError(t, f.bridge.OnNotification(ctx, receiver.Message{PersistentID: "M1"}))

		var ids []string
		require.NoError(t, f.store.Get(ctx, receiver.PersistentIDsKey, &ids))
		assert.Equal(t, []string{"M1", "M1"}, ids)
	})

	t.Run("Bounded set keeps newest ids", func(t *testing.T) {
		f := newFixture(t, bridge.Config{MaxPersistentIDs: 2})
		for _, id := range []string{"M1", "M2", "M3"} {
			require.NoError(t, f.bridge.OnNotification(ctx, receiver.Message{PersistentID: id}))
		}

		var ids []string
		require.NoError(t, f.store.Get(ctx, receiver.PersistentIDsKey, &ids))
		assert.Equal(t, []string{"M2", "M3"}, ids)
	})

	t.Run("Concurrent deliveries lose no ids", func(t *testing.T) {
		f := newFixture(t, bridge.Config{})
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_ = f.bridge.OnNotification(ctx, receiver.Message{PersistentID: fmt.Sprintf("M%d", i)})
			}(i)
		}
		wg.Wait()

		var ids []string
		require.NoError(t, f.store.Get(ctx, receiver.PersistentIDsKey, &ids))
		assert.Len(t, ids, 50)
	})

	t.Run("Persistence failure is not forwarded", func(t *testing.T) {
		store := &failingStore{Store: memory.NewStore(), failKey: receiver.PersistentIDsKey}
		sender := &recordingSender{}
		b := bridge.New(store, new(mockProvider), sender, bridge.Config{}, newTestLogger())

		err := b.OnNotification(ctx, receiver.Message{PersistentID: "M1"})
		require.Error(t, err)
		assert.Empty(t, sender.Events())
	})
}

func TestBridge_ListenerDeliversThroughCallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})
	f.seed(t, "S1", credsWithToken("T1"), nil)
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()

	require.NoError(t, f.bridge.Start(ctx, "S1"))

	f.provider.mu.Lock()
	handler := f.provider.handler
	f.provider.mu.Unlock()
	require.NotNil(t, handler)

	require.NoError(t, handler(ctx, receiver.Message{Notification: receiver.Notification{"n": 1.0}, PersistentID: "M1"}))
	assert.Equal(t, []string{receiver.NotificationServiceStarted, receiver.NotificationReceived}, f.sender.Names())
}

func TestBridge_HandleEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()

	f.bridge.HandleEvent(ctx, receiver.Event{Name: receiver.StartNotificationService, Payload: "S1"})
	f.bridge.HandleEvent(ctx, receiver.Event{Name: "SOMETHING_ELSE", Payload: "ignored"})

	done := make(chan struct{})
	go func() {
		f.bridge.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("start task did not finish")
	}

	assert.Equal(t, []string{receiver.TokenUpdated, receiver.NotificationServiceStarted}, f.sender.Names())
	f.provider.AssertExpectations(t)
}

func TestBridge_HandleEvent_ConcurrentStartsRegisterOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()

	for i := 0; i < 10; i++ {
		f.bridge.HandleEvent(ctx, receiver.Event{Name: receiver.StartNotificationService, Payload: "S1"})
	}
	f.bridge.Wait()

	f.provider.AssertNumberOfCalls(t, "Register", 1)
	f.provider.AssertNumberOfCalls(t, "Listen", 1)

	started := 0
	for _, name := range f.sender.Names() {
		if name == receiver.NotificationServiceStarted {
			started++
		}
	}
	assert.Equal(t, 10, started)
}

func TestBridge_Status(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, bridge.Config{})

	st, err := f.bridge.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Started)
	assert.Nil(t, st.Token)

	f.provider.On("Register", ctx, "S1").Return(credsWithToken("T1"), nil).Once()
	f.provider.On("Listen", ctx, mock.Anything).Return(nil).Once()
	require.NoError(t, f.bridge.Start(ctx, "S1"))

	st, err = f.bridge.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Started)
	require.NotNil(t, st.Token)
	assert.Equal(t, "T1", *st.Token)
}
