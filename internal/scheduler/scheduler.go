// Package scheduler is the coordinator's single logical clock. It fires
// session expiry, revokes stale nodes, polls pending invoices, and closes
// abandoned sessions. All firings are idempotent; timers are re-armed on
// restart by scanning persisted state.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/orchestrator"
	"github.com/voltgrid/coordinator/internal/registry"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/service"
)

// Dispatcher posts events to session mailboxes; *orchestrator.Orchestrator
// implements it.
type Dispatcher interface {
	Dispatch(sessionID string, ev orchestrator.Event)
}

type Config struct {
	NodeSweepInterval   time.Duration
	InvoicePollInterval time.Duration
	StartingTimeout     time.Duration
	DownloadTimeout     time.Duration
	PendingSessionTTL   time.Duration
}

type Scheduler struct {
	sessionRepo repository.SessionRepository
	invoiceRepo repository.InvoiceRepository
	registry    *registry.Registry
	orch        Dispatcher
	payments    *service.PaymentService
	cfg         Config

	timers map[string]*time.Timer
	mu     sync.Mutex
	done   chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(
	sessionRepo repository.SessionRepository,
	invoiceRepo repository.InvoiceRepository,
	reg *registry.Registry,
	orch Dispatcher,
	payments *service.PaymentService,
	cfg Config,
) *Scheduler {
	return &Scheduler{
		sessionRepo: sessionRepo,
		invoiceRepo: invoiceRepo,
		registry:    reg,
		orch:        orch,
		payments:    payments,
		cfg:         cfg,
		timers:      make(map[string]*time.Timer),
		done:        make(chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Start() {
	s.wg.Add(2)
	go s.runNodeSweep()
	go s.runInvoicePoll()
	log.Info().
		Dur("nodeSweep", s.cfg.NodeSweepInterval).
		Dur("invoicePoll", s.cfg.InvoicePollInterval).
		Msg("scheduler started")
}

func (s *Scheduler) Stop() {
	close(s.done)
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
	log.Info().Msg("scheduler stopped")
}

// ArmExpiry schedules an ExpiryTick for the session. Re-arming an already
// armed session resets the timer to the same persisted deadline, so the
// firing stays idempotent.
func (s *Scheduler) ArmExpiry(sessionID string, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[sessionID]; ok {
		t.Reset(delay)
		return
	}
	s.timers[sessionID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, sessionID)
		s.mu.Unlock()
		s.orch.Dispatch(sessionID, orchestrator.Event{Type: orchestrator.EventExpiryTick})
	})
}

func (s *Scheduler) runNodeSweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.NodeSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepNodes()
			s.sweepStartingDeadline()
			s.sweepAbandonedPending()
		}
	}
}

// sweepNodes marks silent nodes offline and fails over their sessions with a
// full refund.
func (s *Scheduler) sweepNodes() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	holding, err := s.registry.SweepStale(ctx)
	if err != nil {
		log.Error().Err(err).Msg("node sweep failed")
		return
	}
	for _, node := range holding {
		s.orch.Dispatch(*node.CurrentSessionID, orchestrator.Event{
			Type:   orchestrator.EventNodeFailed,
			Reason: "heartbeat timeout",
		})
	}
}

// sweepStartingDeadline is the crash-recovery backstop for sessions whose
// load RPC died with the coordinator: once the deadline elapses the refund
// path runs exactly as if the node had reported failure.
func (s *Scheduler) sweepStartingDeadline() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	starting, err := s.sessionRepo.ListByState(ctx, model.SessionStateStarting)
	if err != nil {
		log.Error().Err(err).Msg("starting sweep failed")
		return
	}
	now := s.now()
	for _, sess := range starting {
		if sess.PaidAt == nil {
			continue
		}
		deadline := s.cfg.StartingTimeout
		if sess.HFRepo != nil {
			deadline = s.cfg.DownloadTimeout
		}
		if now.Sub(*sess.PaidAt) > deadline {
			s.orch.Dispatch(sess.ID, orchestrator.Event{
				Type:   orchestrator.EventNodeLoadFailed,
				Reason: "starting deadline elapsed",
			})
		}
	}
}

// sweepAbandonedPending closes wallet-paid sessions whose user never paid.
// Lightning sessions are closed by invoice expiry instead.
func (s *Scheduler) sweepAbandonedPending() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := s.sessionRepo.ListByState(ctx, model.SessionStatePendingPayment)
	if err != nil {
		log.Error().Err(err).Msg("pending sweep failed")
		return
	}
	now := s.now()
	for _, sess := range pending {
		if sess.PaymentMethod != model.PaymentMethodWallet {
			continue
		}
		if now.Sub(sess.CreatedAt) > s.cfg.PendingSessionTTL {
			s.orch.Dispatch(sess.ID, orchestrator.Event{Type: orchestrator.EventCancelRequested})
		}
	}
}

func (s *Scheduler) runInvoicePoll() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.InvoicePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pollInvoices()
		}
	}
}

func (s *Scheduler) pollInvoices() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pending, err := s.invoiceRepo.ListPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("invoice poll: list failed")
		return
	}

	for _, inv := range pending {
		if _, err := s.payments.CheckInvoice(ctx, inv.PaymentHash); err != nil {
			// Lightning outages retry on the next poll, up to invoice expiry.
			log.Warn().Err(err).Str("paymentHash", inv.PaymentHash).Msg("invoice check failed")
		}
	}
}
