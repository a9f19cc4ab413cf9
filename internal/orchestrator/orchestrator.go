// Package orchestrator drives a session from pending_payment through
// starting, active, and settlement. Each session's events are linearized
// through a mailbox; every transition is idempotent so duplicated callbacks
// leave the system unchanged.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/ledger"
	"github.com/voltgrid/coordinator/internal/lightning"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/noderpc"
	"github.com/voltgrid/coordinator/internal/registry"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/sse"
)

// GenerationCanceler lets the orchestrator abort an in-flight generation when
// a session leaves active. Implemented by the streaming bridge.
type GenerationCanceler interface {
	CancelSession(sessionID string)
}

// ExpiryArmer schedules an ExpiryTick callback. Implemented by the scheduler.
type ExpiryArmer interface {
	ArmExpiry(sessionID string, at time.Time)
}

type Config struct {
	CommissionRate    float64
	InvoiceExpiry     time.Duration
	StartingTimeout   time.Duration
	DownloadTimeout   time.Duration
	SessionMinMinutes int
	SessionMaxMinutes int
}

type Orchestrator struct {
	sessionRepo repository.SessionRepository
	invoiceRepo repository.InvoiceRepository
	nodeRepo    repository.NodeRepository
	txRepo      repository.TransactionRepository
	registry    *registry.Registry
	ledger      ledger.Service
	gateway     lightning.Gateway
	nodeRPC     noderpc.Client
	broker      *sse.Broker
	cfg         Config

	canceler GenerationCanceler
	armer    ExpiryArmer

	mailboxes map[string]*mailbox
	mu        sync.Mutex
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
}

func New(
	sessionRepo repository.SessionRepository,
	invoiceRepo repository.InvoiceRepository,
	nodeRepo repository.NodeRepository,
	txRepo repository.TransactionRepository,
	reg *registry.Registry,
	ldgr ledger.Service,
	gateway lightning.Gateway,
	nodeRPC noderpc.Client,
	broker *sse.Broker,
	cfg Config,
) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		sessionRepo: sessionRepo,
		invoiceRepo: invoiceRepo,
		nodeRepo:    nodeRepo,
		txRepo:      txRepo,
		registry:    reg,
		ledger:      ldgr,
		gateway:     gateway,
		nodeRPC:     nodeRPC,
		broker:      broker,
		cfg:         cfg,
		mailboxes:   make(map[string]*mailbox),
		ctx:         ctx,
		cancel:      cancel,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetBridge and SetScheduler break the construction cycle: the bridge and
// scheduler both depend on the orchestrator.
func (o *Orchestrator) SetBridge(c GenerationCanceler) { o.canceler = c }
func (o *Orchestrator) SetScheduler(a ExpiryArmer)     { o.armer = a }

func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

type NewSessionParams struct {
	UserID        string
	NodeID        string
	Model         string
	HFRepo        string
	ContextLength int
	Minutes       int
	PaymentMethod model.PaymentMethod
}

type NewSessionResult struct {
	Session *model.Session `json:"session"`
	Invoice *model.Invoice `json:"invoice,omitempty"`
}

// NewSession reserves the node, creates the invoice (lightning) or verifies
// the balance (wallet), and persists the pending session — in that order, so
// any failure leaves no reserved node behind.
func (o *Orchestrator) NewSession(ctx context.Context, params NewSessionParams) (*NewSessionResult, error) {
	if params.Minutes < o.cfg.SessionMinMinutes || params.Minutes > o.cfg.SessionMaxMinutes {
		return nil, apperrors.InvalidInput("minutes", fmt.Sprintf("must be between %d and %d", o.cfg.SessionMinMinutes, o.cfg.SessionMaxMinutes))
	}

	node, err := o.registry.FindNode(ctx, params.NodeID)
	if err != nil {
		return nil, err
	}
	if params.HFRepo == "" && !node.HasModel(params.Model) {
		return nil, apperrors.InvalidInput("model", "not offered by this node")
	}
	if params.ContextLength <= 0 {
		params.ContextLength = 4096
	}

	amount := ledger.SessionPrice(node.PricePerMinuteSats, params.Minutes)
	sessionID := uuid.NewString()

	if err := o.registry.TryReserve(ctx, params.NodeID, sessionID); err != nil {
		return nil, err
	}

	// From here every failure path must release the reservation.
	release := func() {
		if err := o.registry.Release(context.Background(), params.NodeID, sessionID); err != nil {
			log.Error().Err(err).Str("nodeId", params.NodeID).Msg("failed to release node after setup failure")
		}
	}

	var invoice *model.Invoice
	var paymentRef *string

	if params.PaymentMethod == model.PaymentMethodLightning {
		memo := fmt.Sprintf("Inference session %s: %s for %d min", sessionID[:8], params.Model, params.Minutes)
		created, err := o.gateway.CreateInvoice(ctx, amount, memo, o.cfg.InvoiceExpiry)
		if err != nil {
			release()
			return nil, err
		}
		invoice, err = o.invoiceRepo.Create(ctx, model.CreateInvoiceParams{
			PaymentHash: created.PaymentHash,
			Bolt11:      created.Bolt11,
			AmountSats:  amount,
			Purpose:     model.InvoicePurposeSession,
			RelatedID:   sessionID,
			UserID:      params.UserID,
			ExpiresAt:   created.ExpiresAt,
		})
		if err != nil {
			release()
			return nil, apperrors.Database(err)
		}
		paymentRef = &created.PaymentHash
	} else {
		balance, err := o.ledger.GetBalance(ctx, params.UserID)
		if err != nil {
			release()
			return nil, err
		}
		if balance < amount {
			release()
			return nil, apperrors.InsufficientFunds(amount, balance)
		}
	}

	var hfRepo *string
	if params.HFRepo != "" {
		hfRepo = &params.HFRepo
	}

	session, err := o.sessionRepo.Create(ctx, model.CreateSessionParams{
		ID:               sessionID,
		UserID:           params.UserID,
		NodeID:           params.NodeID,
		Model:            params.Model,
		HFRepo:           hfRepo,
		ContextLength:    params.ContextLength,
		MinutesPurchased: params.Minutes,
		AmountSats:       amount,
		PaymentMethod:    params.PaymentMethod,
		PaymentReference: paymentRef,
	})
	if err != nil {
		release()
		return nil, apperrors.Database(err)
	}

	log.Info().
		Str("sessionId", session.ID).
		Str("userId", params.UserID).
		Str("nodeId", params.NodeID).
		Int64("amountSats", amount).
		Str("paymentMethod", string(params.PaymentMethod)).
		Msg("session created")

	return &NewSessionResult{Session: session, Invoice: invoice}, nil
}

// PayWithWallet debits the full amount from the user's balance and posts
// PaymentObserved. The debit happens before the dispatch so a failed debit
// leaves the session pending.
func (o *Orchestrator) PayWithWallet(ctx context.Context, sessionID, userID string) (*model.Session, error) {
	session, err := o.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil || session.UserID != userID {
		return nil, apperrors.NotFound("session")
	}
	if session.PaymentMethod != model.PaymentMethodWallet {
		return nil, apperrors.ValidationError("session is not wallet-paid")
	}
	if session.State != model.SessionStatePendingPayment {
		return nil, apperrors.ValidationError("session is not awaiting payment")
	}
	if session.PaidAt != nil {
		return session, nil
	}

	// Winning the paid_at CAS is the license to debit; a concurrent duplicate
	// request loses the CAS and never charges twice.
	flipped, err := o.sessionRepo.MarkPaid(ctx, sessionID, o.now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !flipped {
		return session, nil
	}

	desc := fmt.Sprintf("Session payment %s", sessionID[:min(8, len(sessionID))])
	if err := o.ledger.Debit(ctx, userID, session.AmountSats, model.TxTypeSessionPayment, desc, &session.ID); err != nil {
		if revertErr := o.sessionRepo.UnmarkPaid(ctx, sessionID); revertErr != nil {
			log.Error().Err(revertErr).Str("sessionId", sessionID).Msg("failed to revert paid flag after debit failure")
		}
		return nil, err
	}

	if err := o.sessionRepo.MarkStarting(ctx, sessionID); err != nil {
		return nil, apperrors.Database(err)
	}

	log.Info().Str("sessionId", sessionID).Msg("wallet payment taken, loading model")
	o.wg.Add(1)
	go o.loadModel(session)
	return session, nil
}

// handle applies one event to one session. Returns true when the session has
// reached a terminal state and its mailbox can be retired.
func (o *Orchestrator) handle(ctx context.Context, sessionID string, ev Event) bool {
	session, err := o.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("sessionId", sessionID).Msg("failed to load session for event")
		return false
	}
	if session == nil {
		log.Warn().Str("sessionId", sessionID).Str("event", string(ev.Type)).Msg("event for unknown session")
		return true
	}
	if session.State.Terminal() {
		return true
	}

	log.Debug().
		Str("sessionId", sessionID).
		Str("state", string(session.State)).
		Str("event", string(ev.Type)).
		Msg("session event")

	switch ev.Type {
	case EventPaymentObserved:
		return o.onPaymentObserved(ctx, session)
	case EventCancelRequested, EventInvoiceExpired:
		return o.onAbandoned(ctx, session, ev)
	case EventNodeReady:
		return o.onNodeReady(ctx, session)
	case EventNodeLoadFailed:
		return o.onLoadFailed(ctx, session, ev.Reason)
	case EventExpiryTick:
		return o.onExpiry(ctx, session)
	case EventEndRequested:
		return o.onEndRequested(ctx, session)
	case EventNodeFailed:
		return o.onNodeFailed(ctx, session)
	default:
		log.Warn().Str("event", string(ev.Type)).Msg("unhandled session event")
		return false
	}
}

func (o *Orchestrator) onPaymentObserved(ctx context.Context, session *model.Session) bool {
	if session.State != model.SessionStatePendingPayment {
		return false
	}
	// Wallet payments debit inside PayWithWallet; this event only carries
	// invoice settlements.
	if session.PaymentMethod != model.PaymentMethodLightning {
		return false
	}

	// The CAS on paid_at makes PaymentObserved exactly-once even when the
	// poller and a client-triggered check race.
	flipped, err := o.sessionRepo.MarkPaid(ctx, session.ID, o.now())
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session paid")
		return false
	}
	if !flipped {
		return false
	}

	if err := o.sessionRepo.MarkStarting(ctx, session.ID); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session starting")
		return false
	}

	log.Info().Str("sessionId", session.ID).Msg("payment observed, loading model")
	o.wg.Add(1)
	go o.loadModel(session)
	return false
}

// loadModel runs outside the mailbox so a multi-minute model load does not
// block other events; it reports back by dispatching NodeReady or
// NodeLoadFailed.
func (o *Orchestrator) loadModel(session *model.Session) {
	defer o.wg.Done()

	node, err := o.nodeRepo.FindByID(o.ctx, session.NodeID)
	if err != nil || node == nil {
		o.Dispatch(session.ID, Event{Type: EventNodeLoadFailed, Reason: "node disappeared"})
		return
	}

	timeout := o.cfg.StartingTimeout
	params := noderpc.LoadModelParams{
		SessionID:     session.ID,
		Model:         session.Model,
		ContextLength: session.ContextLength,
	}
	if session.HFRepo != nil {
		params.HFRepo = *session.HFRepo
		timeout = o.cfg.DownloadTimeout
	}

	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()

	err = o.nodeRPC.LoadModel(ctx, node.Endpoint, params, func(status noderpc.LoadStatus) {
		o.publish(session.UserID, sse.EventModelStatus, map[string]string{
			"sessionId": session.ID,
			"status":    status.Status,
			"message":   status.Message,
		})
	})
	if err != nil {
		o.Dispatch(session.ID, Event{Type: EventNodeLoadFailed, Reason: err.Error()})
		return
	}
	o.Dispatch(session.ID, Event{Type: EventNodeReady})
}

func (o *Orchestrator) onNodeReady(ctx context.Context, session *model.Session) bool {
	if session.State != model.SessionStateStarting {
		return false
	}

	startedAt := o.now()
	expiresAt := startedAt.Add(time.Duration(session.MinutesPurchased) * time.Minute)
	if err := o.sessionRepo.MarkActive(ctx, session.ID, startedAt, expiresAt); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to activate session")
		return false
	}

	if o.armer != nil {
		o.armer.ArmExpiry(session.ID, expiresAt)
	}

	o.publish(session.UserID, sse.EventSessionStarted, map[string]any{
		"sessionId": session.ID,
		"nodeId":    session.NodeID,
		"expiresAt": expiresAt.Format(time.RFC3339),
	})
	o.publish(session.UserID, sse.EventSessionReady, map[string]string{"sessionId": session.ID})

	log.Info().
		Str("sessionId", session.ID).
		Time("expiresAt", expiresAt).
		Msg("session active")
	return false
}

func (o *Orchestrator) onAbandoned(ctx context.Context, session *model.Session, ev Event) bool {
	if session.State != model.SessionStatePendingPayment {
		return false
	}

	if session.PaymentReference != nil {
		if err := o.invoiceRepo.MarkExpired(ctx, *session.PaymentReference); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("failed to expire invoice")
		}
	}
	o.finalize(ctx, session, model.SessionStateEnded, 0)

	log.Info().
		Str("sessionId", session.ID).
		Str("event", string(ev.Type)).
		Msg("pending session closed")
	return true
}

// onLoadFailed refunds in full: the user paid and received no service.
func (o *Orchestrator) onLoadFailed(ctx context.Context, session *model.Session, reason string) bool {
	if session.State != model.SessionStateStarting {
		return false
	}

	if err := o.sessionRepo.MarkState(ctx, session.ID, model.SessionStateRefunding); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session refunding")
		return false
	}

	o.refund(ctx, session, session.AmountSats, "Model load failed")
	o.recordNodeOutcome(ctx, session, 0, false)
	o.finalize(ctx, session, model.SessionStateEnded, session.AmountSats)

	o.publish(session.UserID, sse.EventError, map[string]string{
		"sessionId": session.ID,
		"message":   "Model failed to load; your payment has been refunded",
	})

	log.Warn().
		Str("sessionId", session.ID).
		Str("reason", reason).
		Msg("model load failed, session refunded")
	return true
}

func (o *Orchestrator) onExpiry(ctx context.Context, session *model.Session) bool {
	if session.State != model.SessionStateActive {
		return false
	}
	if !session.Expired(o.now()) {
		// Early tick; the scheduler re-arms from the persisted expiry.
		if o.armer != nil && session.ExpiresAt != nil {
			o.armer.ArmExpiry(session.ID, *session.ExpiresAt)
		}
		return false
	}

	if err := o.sessionRepo.MarkState(ctx, session.ID, model.SessionStateSettling); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session settling")
		return false
	}

	o.teardownStreaming(session)
	o.settle(ctx, session, session.AmountSats, 0)
	o.finalize(ctx, session, model.SessionStateExpired, 0)

	log.Info().Str("sessionId", session.ID).Msg("session expired and settled")
	return true
}

func (o *Orchestrator) onEndRequested(ctx context.Context, session *model.Session) bool {
	if session.State != model.SessionStateActive {
		return false
	}

	if err := o.sessionRepo.MarkState(ctx, session.ID, model.SessionStateSettling); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session settling")
		return false
	}

	charge := session.AmountSats
	var refundSats int64
	if session.StartedAt != nil {
		node, err := o.nodeRepo.FindByID(ctx, session.NodeID)
		if err == nil && node != nil {
			charge, refundSats = ledger.Prorate(node.PricePerMinuteSats, session.MinutesPurchased, *session.StartedAt, o.now())
		}
	}

	o.teardownStreaming(session)
	o.settle(ctx, session, charge, refundSats)
	o.finalize(ctx, session, model.SessionStateEnded, refundSats)

	log.Info().
		Str("sessionId", session.ID).
		Int64("chargeSats", charge).
		Int64("refundSats", refundSats).
		Msg("session ended by user")
	return true
}

// onNodeFailed refunds in full: the node is considered to have failed
// mid-session, and the owner earns nothing.
func (o *Orchestrator) onNodeFailed(ctx context.Context, session *model.Session) bool {
	if session.State != model.SessionStateActive && session.State != model.SessionStateStarting {
		return false
	}

	if err := o.sessionRepo.MarkState(ctx, session.ID, model.SessionStateRefunding); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to mark session refunding")
		return false
	}

	o.teardownStreaming(session)
	o.refund(ctx, session, session.AmountSats, "Node failed mid-session")
	o.recordNodeOutcome(ctx, session, 0, false)
	o.finalize(ctx, session, model.SessionStateEnded, session.AmountSats)

	o.publish(session.UserID, sse.EventError, map[string]string{
		"sessionId": session.ID,
		"message":   "Node went offline; your payment has been refunded",
	})

	log.Warn().Str("sessionId", session.ID).Str("nodeId", session.NodeID).Msg("node failed, session refunded")
	return true
}

// settle pays the node owner (minus commission) for chargeSats and refunds
// refundSats to the user, honoring the payment method.
func (o *Orchestrator) settle(ctx context.Context, session *model.Session, chargeSats, refundSats int64) {
	node, err := o.nodeRepo.FindByID(ctx, session.NodeID)
	if err != nil || node == nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("settlement: node lookup failed")
		return
	}

	earning, commission := ledger.CommissionSplit(chargeSats, o.cfg.CommissionRate)
	desc := fmt.Sprintf("Session %s settlement", session.ID[:min(8, len(session.ID))])

	if err := o.ledger.Payout(ctx, node.OwnerUserID, earning, commission, desc, &session.ID); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("settlement payout failed")
	}

	if refundSats > 0 {
		o.refund(ctx, session, refundSats, "Unused session time")
	}

	o.recordNodeOutcome(ctx, session, earning, true)
}

// refund returns sats to the user's internal balance. Lightning-paid sessions
// are refunded to the balance as well; there is no way to push sats back over
// a settled invoice.
func (o *Orchestrator) refund(ctx context.Context, session *model.Session, amountSats int64, reason string) {
	if amountSats <= 0 {
		return
	}
	// Wallet sessions that never reached MarkPaid were never debited.
	if session.PaymentMethod == model.PaymentMethodWallet && session.PaidAt == nil {
		return
	}
	desc := fmt.Sprintf("Refund for session %s: %s", session.ID[:min(8, len(session.ID))], reason)
	if err := o.ledger.Credit(ctx, session.UserID, amountSats, model.TxTypeRefund, desc, &session.ID); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Int64("amountSats", amountSats).Msg("refund failed")
	}
}

func (o *Orchestrator) recordNodeOutcome(ctx context.Context, session *model.Session, earnedSats int64, completed bool) {
	if err := o.nodeRepo.RecordSettlement(ctx, session.NodeID, earnedSats, 0, completed); err != nil {
		log.Warn().Err(err).Str("nodeId", session.NodeID).Msg("failed to record node settlement stats")
	}
}

// teardownStreaming cancels any in-flight generation and tells the node to
// unload. StopModel is best-effort; a dead node is already handled elsewhere.
func (o *Orchestrator) teardownStreaming(session *model.Session) {
	if o.canceler != nil {
		o.canceler.CancelSession(session.ID)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		node, err := o.nodeRepo.FindByID(o.ctx, session.NodeID)
		if err != nil || node == nil {
			return
		}
		ctx, cancel := context.WithTimeout(o.ctx, 15*time.Second)
		defer cancel()
		if err := o.nodeRPC.StopModel(ctx, node.Endpoint, session.ID); err != nil {
			log.Warn().Err(err).Str("sessionId", session.ID).Msg("stop model failed")
		}
	}()
}

// finalize marks the terminal state, releases the node, and emits the closing
// frames. Safe to repeat.
func (o *Orchestrator) finalize(ctx context.Context, session *model.Session, state model.SessionState, refundSats int64) {
	if err := o.sessionRepo.MarkEnded(ctx, session.ID, state, refundSats, o.now()); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to finalize session")
	}
	if err := o.registry.Release(ctx, session.NodeID, session.ID); err != nil {
		log.Error().Err(err).Str("sessionId", session.ID).Msg("failed to release node")
	}

	o.publish(session.UserID, sse.EventSessionEnded, map[string]any{
		"sessionId":  session.ID,
		"refundSats": refundSats,
	})
	o.publish(session.UserID, sse.EventNodeFreed, map[string]string{"nodeId": session.NodeID})
}

func (o *Orchestrator) publish(userID, eventType string, data any) {
	if o.broker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.broker.Publish(ctx, userID, sse.NewEvent(eventType, data)); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("eventType", eventType).Msg("failed to publish event")
	}
}

// Recover re-arms state after a coordinator restart: active sessions get
// their expiry timers back, and starting sessions whose deadline already
// passed are refunded and released.
func (o *Orchestrator) Recover(ctx context.Context) error {
	active, err := o.sessionRepo.ListByState(ctx, model.SessionStateActive)
	if err != nil {
		return err
	}
	for _, s := range active {
		if s.ExpiresAt == nil {
			continue
		}
		if o.armer != nil {
			o.armer.ArmExpiry(s.ID, *s.ExpiresAt)
		}
	}

	starting, err := o.sessionRepo.ListByState(ctx, model.SessionStateStarting)
	if err != nil {
		return err
	}
	now := o.now()
	for _, s := range starting {
		deadline := o.cfg.StartingTimeout
		if s.HFRepo != nil {
			deadline = o.cfg.DownloadTimeout
		}
		if s.PaidAt != nil && now.Sub(*s.PaidAt) > deadline {
			o.Dispatch(s.ID, Event{Type: EventNodeLoadFailed, Reason: "starting deadline elapsed"})
		} else {
			// The load RPC did not survive the restart; reissue it.
			sess := s
			o.wg.Add(1)
			go o.loadModel(&sess)
		}
	}

	// Settling/refunding sessions were interrupted mid-settlement. The ledger
	// rows double as idempotency markers: a payout or refund that already has
	// its transaction is not repeated.
	stuck, err := o.sessionRepo.ListByState(ctx, model.SessionStateSettling, model.SessionStateRefunding)
	if err != nil {
		return err
	}
	for _, s := range stuck {
		sess := s
		log.Warn().Str("sessionId", s.ID).Str("state", string(s.State)).Msg("session interrupted mid-settlement, finalizing")
		switch s.State {
		case model.SessionStateSettling:
			settled, err := o.txRepo.HasEntry(ctx, s.ID, model.TxTypeNodeEarning)
			if err == nil && !settled {
				o.settle(ctx, &sess, s.AmountSats, 0)
			}
			o.finalize(ctx, &sess, model.SessionStateEnded, 0)
		case model.SessionStateRefunding:
			refunded, err := o.txRepo.HasEntry(ctx, s.ID, model.TxTypeRefund)
			if err == nil && !refunded {
				o.refund(ctx, &sess, s.AmountSats, "Recovered after restart")
			}
			o.finalize(ctx, &sess, model.SessionStateEnded, s.AmountSats)
		}
	}

	log.Info().
		Int("active", len(active)).
		Int("starting", len(starting)).
		Int("interrupted", len(stuck)).
		Msg("orchestrator recovered")
	return nil
}
