package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/noderpc"
	redisclient "github.com/voltgrid/coordinator/internal/redis"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/sse"
)

type mockSessionRepo struct {
	mock.Mock
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) FindByPaymentReference(ctx context.Context, hash string) (*model.Session, error) {
	args := m.Called(ctx, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) ListByState(ctx context.Context, states ...model.SessionState) ([]model.Session, error) {
	args := m.Called(ctx, states)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) ListByUser(ctx context.Context, userID string, limit int) ([]model.Session, error) {
	args := m.Called(ctx, userID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessionRepo) MarkPaid(ctx context.Context, id string, at time.Time) (bool, error) {
	args := m.Called(ctx, id, at)
	return args.Bool(0), args.Error(1)
}

func (m *mockSessionRepo) UnmarkPaid(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSessionRepo) MarkStarting(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSessionRepo) MarkActive(ctx context.Context, id string, startedAt, expiresAt time.Time) error {
	args := m.Called(ctx, id, startedAt, expiresAt)
	return args.Error(0)
}

func (m *mockSessionRepo) MarkState(ctx context.Context, id string, state model.SessionState) error {
	args := m.Called(ctx, id, state)
	return args.Error(0)
}

func (m *mockSessionRepo) MarkEnded(ctx context.Context, id string, state model.SessionState, refundSats int64, at time.Time) error {
	args := m.Called(ctx, id, state, refundSats, at)
	return args.Error(0)
}

func (m *mockSessionRepo) WithTx(tx *sqlx.Tx) repository.SessionRepository { return m }

type mockNodeRepo struct {
	mock.Mock
}

func (m *mockNodeRepo) FindByID(ctx context.Context, id string) (*model.Node, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Node), args.Error(1)
}

func (m *mockNodeRepo) FindByFingerprint(ctx context.Context, owner, fp string) (*model.Node, error) {
	args := m.Called(ctx, owner, fp)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Node), args.Error(1)
}

func (m *mockNodeRepo) ListAll(ctx context.Context) ([]model.Node, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Node), args.Error(1)
}

func (m *mockNodeRepo) ListByStatus(ctx context.Context, status model.NodeStatus) ([]model.Node, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Node), args.Error(1)
}

func (m *mockNodeRepo) ListByOwner(ctx context.Context, owner string) ([]model.Node, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Node), args.Error(1)
}

func (m *mockNodeRepo) Create(ctx context.Context, params model.CreateNodeParams) (*model.Node, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Node), args.Error(1)
}

func (m *mockNodeRepo) UpdateHeartbeat(ctx context.Context, id string, load float64, hw model.Hardware, models []model.ModelDescriptor, at time.Time) error {
	args := m.Called(ctx, id, load, hw, models, at)
	return args.Error(0)
}

func (m *mockNodeRepo) TryReserve(ctx context.Context, id, sessionID string) (bool, error) {
	args := m.Called(ctx, id, sessionID)
	return args.Bool(0), args.Error(1)
}

func (m *mockNodeRepo) Release(ctx context.Context, id, sessionID string) error {
	args := m.Called(ctx, id, sessionID)
	return args.Error(0)
}

func (m *mockNodeRepo) MarkOffline(ctx context.Context, staleBefore time.Time) ([]model.Node, error) {
	args := m.Called(ctx, staleBefore)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Node), args.Error(1)
}

func (m *mockNodeRepo) RecordSettlement(ctx context.Context, id string, earned, tokens int64, completed bool) error {
	args := m.Called(ctx, id, earned, tokens, completed)
	return args.Error(0)
}

func (m *mockNodeRepo) AddTokensGenerated(ctx context.Context, id string, tokens int64) error {
	args := m.Called(ctx, id, tokens)
	return args.Error(0)
}

func (m *mockNodeRepo) WithTx(tx *sqlx.Tx) repository.NodeRepository { return m }

// stubNodeRPC lets each test script the generation stream.
type stubNodeRPC struct {
	generate func(ctx context.Context, onToken func(noderpc.TokenFrame) error) error
}

func (s *stubNodeRPC) LoadModel(ctx context.Context, endpoint string, params noderpc.LoadModelParams, onStatus func(noderpc.LoadStatus)) error {
	return nil
}

func (s *stubNodeRPC) StopModel(ctx context.Context, endpoint, sessionID string) error {
	return nil
}

func (s *stubNodeRPC) Status(ctx context.Context, endpoint string) (*noderpc.NodeStatus, error) {
	return &noderpc.NodeStatus{}, nil
}

func (s *stubNodeRPC) Generate(ctx context.Context, endpoint string, req noderpc.GenerateRequest, onToken func(noderpc.TokenFrame) error) error {
	return s.generate(ctx, onToken)
}

type fixture struct {
	bridge *Bridge
	sess   *mockSessionRepo
	nodes  *mockNodeRepo
	rpc    *stubNodeRPC
	broker *sse.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)

	client, err := redisclient.NewClient("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	broker := sse.NewBroker(client)
	t.Cleanup(broker.Close)

	f := &fixture{
		sess:   new(mockSessionRepo),
		nodes:  new(mockNodeRepo),
		rpc:    &stubNodeRPC{},
		broker: broker,
	}
	f.bridge = New(f.sess, f.nodes, f.rpc, broker, 500*time.Millisecond)
	return f
}

func activeSession() *model.Session {
	started := time.Now().UTC().Add(-time.Minute)
	expires := time.Now().UTC().Add(5 * time.Minute)
	return &model.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		NodeID:    "node-1",
		State:     model.SessionStateActive,
		StartedAt: &started,
		ExpiresAt: &expires,
	}
}

func testNode() *model.Node {
	return &model.Node{ID: "node-1", Endpoint: "http://10.0.0.5:9000"}
}

func collectEvents(t *testing.T, client *sse.Client, want int, timeout time.Duration) []sse.Event {
	t.Helper()
	var events []sse.Event
	deadline := time.After(timeout)
	for len(events) < want {
		select {
		case ev := <-client.Events:
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("got %d events, want %d", len(events), want)
		}
	}
	return events
}

func TestHandleChatMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("relays tokens and the final cumulative response", func(t *testing.T) {
		f := newFixture(t)

		f.sess.On("FindByID", mock.Anything, "sess-1").Return(activeSession(), nil)
		f.nodes.On("FindByID", mock.Anything, "node-1").Return(testNode(), nil)
		f.nodes.On("AddTokensGenerated", mock.Anything, "node-1", int64(3)).Return(nil)

		f.rpc.generate = func(ctx context.Context, onToken func(noderpc.TokenFrame) error) error {
			for _, frame := range []noderpc.TokenFrame{
				{Token: "Hello"},
				{Token: " world"},
				{Token: "!", IsFinal: true},
			} {
				if err := onToken(frame); err != nil {
					return err
				}
			}
			return nil
		}

		client := f.broker.Subscribe("user-1")
		defer f.broker.Unsubscribe(client)
		time.Sleep(50 * time.Millisecond)

		require.NoError(t, f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "hi"}))

		events := collectEvents(t, client, 4, 2*time.Second)
		assert.Equal(t, sse.EventAIToken, events[0].Type)
		assert.Equal(t, sse.EventAIToken, events[1].Type)
		assert.Equal(t, sse.EventAIToken, events[2].Type)
		assert.Equal(t, sse.EventAIResponse, events[3].Type)

		var response struct {
			Response          string `json:"response"`
			StreamingComplete bool   `json:"streamingComplete"`
		}
		require.NoError(t, json.Unmarshal(events[3].Data, &response))
		assert.Equal(t, "Hello world!", response.Response)
		assert.True(t, response.StreamingComplete)
	})

	t.Run("second message while streaming is rejected busy", func(t *testing.T) {
		f := newFixture(t)

		f.sess.On("FindByID", mock.Anything, "sess-1").Return(activeSession(), nil)
		f.nodes.On("FindByID", mock.Anything, "node-1").Return(testNode(), nil)

		release := make(chan struct{})
		f.rpc.generate = func(ctx context.Context, onToken func(noderpc.TokenFrame) error) error {
			<-release
			return onToken(noderpc.TokenFrame{Token: "x", IsFinal: true})
		}

		require.NoError(t, f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "first"}))
		require.Eventually(t, func() bool { return f.bridge.InFlight("sess-1") }, time.Second, 10*time.Millisecond)

		err := f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "second"})
		assert.Equal(t, apperrors.ErrCodeGenerationBusy, apperrors.GetCode(err))

		f.nodes.On("AddTokensGenerated", mock.Anything, "node-1", int64(1)).Return(nil)
		close(release)
		require.Eventually(t, func() bool { return !f.bridge.InFlight("sess-1") }, time.Second, 10*time.Millisecond)
	})

	t.Run("inactive session rejected", func(t *testing.T) {
		f := newFixture(t)

		pending := activeSession()
		pending.State = model.SessionStatePendingPayment
		f.sess.On("FindByID", mock.Anything, "sess-1").Return(pending, nil)

		err := f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "hi"})
		assert.Equal(t, apperrors.ErrCodeSessionNotActive, apperrors.GetCode(err))
	})

	t.Run("expired session rejected", func(t *testing.T) {
		f := newFixture(t)

		expired := activeSession()
		past := time.Now().UTC().Add(-time.Minute)
		expired.ExpiresAt = &past
		f.sess.On("FindByID", mock.Anything, "sess-1").Return(expired, nil)

		err := f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "hi"})
		assert.Equal(t, apperrors.ErrCodeSessionExpired, apperrors.GetCode(err))
	})

	t.Run("someone else's session is hidden", func(t *testing.T) {
		f := newFixture(t)
		f.sess.On("FindByID", mock.Anything, "sess-1").Return(activeSession(), nil)

		err := f.bridge.HandleChatMessage(ctx, "user-2", "sess-1", ChatParams{Prompt: "hi"})
		assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetCode(err))
	})

	t.Run("empty prompt rejected", func(t *testing.T) {
		f := newFixture(t)
		err := f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "   "})
		assert.Equal(t, apperrors.ErrCodeMissingRequired, apperrors.GetCode(err))
	})
}

func TestCancelSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sess.On("FindByID", mock.Anything, "sess-1").Return(activeSession(), nil)
	f.nodes.On("FindByID", mock.Anything, "node-1").Return(testNode(), nil)

	started := make(chan struct{})
	f.rpc.generate = func(genCtx context.Context, onToken func(noderpc.TokenFrame) error) error {
		close(started)
		<-genCtx.Done()
		return genCtx.Err()
	}

	require.NoError(t, f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "hi"}))
	<-started

	f.bridge.CancelSession("sess-1")
	require.Eventually(t, func() bool { return !f.bridge.InFlight("sess-1") }, time.Second, 10*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.sess.On("FindByID", mock.Anything, "sess-1").Return(activeSession(), nil)
	f.nodes.On("FindByID", mock.Anything, "node-1").Return(testNode(), nil)

	f.rpc.generate = func(genCtx context.Context, onToken func(noderpc.TokenFrame) error) error {
		// Never produce a token; the idle deadline should cancel us.
		<-genCtx.Done()
		return genCtx.Err()
	}

	client := f.broker.Subscribe("user-1")
	defer f.broker.Unsubscribe(client)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, f.bridge.HandleChatMessage(ctx, "user-1", "sess-1", ChatParams{Prompt: "hi"}))

	events := collectEvents(t, client, 1, 3*time.Second)
	assert.Equal(t, sse.EventError, events[0].Type)
	require.Eventually(t, func() bool { return !f.bridge.InFlight("sess-1") }, time.Second, 10*time.Millisecond)
}
