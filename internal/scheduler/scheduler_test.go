package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/orchestrator"
	"github.com/voltgrid/coordinator/internal/registry"
	"github.com/voltgrid/coordinator/internal/repository"
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

type dispatchRecorder struct {
	mu     sync.Mutex
	events map[string][]orchestrator.EventType
}

func newDispatchRecorder() *dispatchRecorder {
	return &dispatchRecorder{events: make(map[string][]orchestrator.EventType)}
}

func (d *dispatchRecorder) Dispatch(sessionID string, ev orchestrator.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events[sessionID] = append(d.events[sessionID], ev.Type)
}

func (d *dispatchRecorder) eventsFor(sessionID string) []orchestrator.EventType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]orchestrator.EventType(nil), d.events[sessionID]...)
}

func newTestScheduler(sess *mockSessionRepo, nodes *mockNodeRepo, disp *dispatchRecorder) *Scheduler {
	reg := registry.New(nodes, sess, nil, nil, 1000, time.Minute)
	return New(sess, nil, reg, disp, nil, Config{
		NodeSweepInterval:   time.Hour,
		InvoicePollInterval: time.Hour,
		StartingTimeout:     10 * time.Minute,
		DownloadTimeout:     30 * time.Minute,
		PendingSessionTTL:   time.Hour,
	})
}

func TestArmExpiry(t *testing.T) {
	t.Run("fires ExpiryTick at the deadline", func(t *testing.T) {
		disp := newDispatchRecorder()
		s := newTestScheduler(new(mockSessionRepo), new(mockNodeRepo), disp)

		s.ArmExpiry("sess-1", time.Now().Add(20*time.Millisecond))

		require.Eventually(t, func() bool {
			return len(disp.eventsFor("sess-1")) == 1
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, orchestrator.EventExpiryTick, disp.eventsFor("sess-1")[0])
	})

	t.Run("re-arming does not double-fire", func(t *testing.T) {
		disp := newDispatchRecorder()
		s := newTestScheduler(new(mockSessionRepo), new(mockNodeRepo), disp)

		at := time.Now().Add(30 * time.Millisecond)
		s.ArmExpiry("sess-1", at)
		s.ArmExpiry("sess-1", at)
		s.ArmExpiry("sess-1", at)

		time.Sleep(300 * time.Millisecond)
		assert.Len(t, disp.eventsFor("sess-1"), 1)
	})

	t.Run("past deadlines fire immediately", func(t *testing.T) {
		disp := newDispatchRecorder()
		s := newTestScheduler(new(mockSessionRepo), new(mockNodeRepo), disp)

		s.ArmExpiry("sess-1", time.Now().Add(-time.Minute))

		require.Eventually(t, func() bool {
			return len(disp.eventsFor("sess-1")) == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestSweepNodes(t *testing.T) {
	t.Run("failed node's session gets NodeFailed", func(t *testing.T) {
		disp := newDispatchRecorder()
		nodes := new(mockNodeRepo)
		s := newTestScheduler(new(mockSessionRepo), nodes, disp)

		held := "sess-9"
		nodes.On("MarkOffline", mock.Anything, mock.Anything).Return([]model.Node{
			{ID: "node-1"},
			{ID: "node-2", CurrentSessionID: &held},
		}, nil)

		s.sweepNodes()

		require.Len(t, disp.eventsFor("sess-9"), 1)
		assert.Equal(t, orchestrator.EventNodeFailed, disp.eventsFor("sess-9")[0])
	})
}

func TestSweepStartingDeadline(t *testing.T) {
	disp := newDispatchRecorder()
	sess := new(mockSessionRepo)
	s := newTestScheduler(sess, new(mockNodeRepo), disp)

	now := time.Now().UTC()
	recentPaid := now.Add(-time.Minute)
	stalePaid := now.Add(-20 * time.Minute)
	staleDownloadPaid := now.Add(-20 * time.Minute)
	hf := "owner/name"

	sess.On("ListByState", mock.Anything, []model.SessionState{model.SessionStateStarting}).Return([]model.Session{
		{ID: "sess-fresh", PaidAt: &recentPaid},
		{ID: "sess-stale", PaidAt: &stalePaid},
		// Download sessions get the extended deadline.
		{ID: "sess-dl", PaidAt: &staleDownloadPaid, HFRepo: &hf},
	}, nil)

	s.sweepStartingDeadline()

	assert.Empty(t, disp.eventsFor("sess-fresh"))
	require.Len(t, disp.eventsFor("sess-stale"), 1)
	assert.Equal(t, orchestrator.EventNodeLoadFailed, disp.eventsFor("sess-stale")[0])
	assert.Empty(t, disp.eventsFor("sess-dl"))
}

func TestSweepAbandonedPending(t *testing.T) {
	disp := newDispatchRecorder()
	sess := new(mockSessionRepo)
	s := newTestScheduler(sess, new(mockNodeRepo), disp)

	now := time.Now().UTC()

	sess.On("ListByState", mock.Anything, []model.SessionState{model.SessionStatePendingPayment}).Return([]model.Session{
		// Lightning sessions are closed by invoice expiry, not this sweep.
		{ID: "sess-ln", PaymentMethod: model.PaymentMethodLightning, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "sess-old", PaymentMethod: model.PaymentMethodWallet, CreatedAt: now.Add(-3 * time.Hour)},
		{ID: "sess-new", PaymentMethod: model.PaymentMethodWallet, CreatedAt: now.Add(-time.Minute)},
	}, nil)

	s.sweepAbandonedPending()

	assert.Empty(t, disp.eventsFor("sess-ln"))
	require.Len(t, disp.eventsFor("sess-old"), 1)
	assert.Equal(t, orchestrator.EventCancelRequested, disp.eventsFor("sess-old")[0])
	assert.Empty(t, disp.eventsFor("sess-new"))
}
