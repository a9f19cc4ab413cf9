package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/ledger"
	"github.com/voltgrid/coordinator/internal/lightning"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/orchestrator"
	redisclient "github.com/voltgrid/coordinator/internal/redis"
	"github.com/voltgrid/coordinator/internal/repository"
)

const (
	minDepositSats           = 10
	maxDepositSats           = 10_000_000
	withdrawalFeeReserveSats = 10
)

// SessionDispatcher posts lifecycle events to the orchestrator's mailboxes.
type SessionDispatcher interface {
	Dispatch(sessionID string, ev orchestrator.Event)
}

// PaymentService owns the invoice rows and the effects of settlement. Both
// the scheduler's poller and client-triggered checks funnel through
// CheckInvoice, so the row CAS is the single settlement gate.
type PaymentService struct {
	invoiceRepo repository.InvoiceRepository
	sessionRepo repository.SessionRepository
	ledger      ledger.Service
	gateway     lightning.Gateway
	orch        SessionDispatcher
	redis       *redisclient.Client

	invoiceExpiry      time.Duration
	withdrawalsEnabled bool
	now                func() time.Time
}

func NewPaymentService(
	invoiceRepo repository.InvoiceRepository,
	sessionRepo repository.SessionRepository,
	ldgr ledger.Service,
	gateway lightning.Gateway,
	orch SessionDispatcher,
	redis *redisclient.Client,
	invoiceExpiry time.Duration,
	withdrawalsEnabled bool,
) *PaymentService {
	return &PaymentService{
		invoiceRepo:        invoiceRepo,
		sessionRepo:        sessionRepo,
		ledger:             ldgr,
		gateway:            gateway,
		orch:               orch,
		redis:              redis,
		invoiceExpiry:      invoiceExpiry,
		withdrawalsEnabled: withdrawalsEnabled,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

type DepositResult struct {
	Bolt11      string `json:"invoice"`
	PaymentHash string `json:"paymentHash"`
	AmountSats  int64  `json:"amountSats"`
}

func (s *PaymentService) CreateDeposit(ctx context.Context, userID string, amountSats int64) (*DepositResult, error) {
	if amountSats < minDepositSats || amountSats > maxDepositSats {
		return nil, apperrors.InvalidInput("amount", fmt.Sprintf("must be between %d and %d sats", minDepositSats, maxDepositSats))
	}

	created, err := s.gateway.CreateInvoice(ctx, amountSats, fmt.Sprintf("Wallet deposit %d sats", amountSats), s.invoiceExpiry)
	if err != nil {
		return nil, err
	}

	if _, err := s.invoiceRepo.Create(ctx, model.CreateInvoiceParams{
		PaymentHash: created.PaymentHash,
		Bolt11:      created.Bolt11,
		AmountSats:  amountSats,
		Purpose:     model.InvoicePurposeDeposit,
		RelatedID:   userID,
		UserID:      userID,
		ExpiresAt:   created.ExpiresAt,
	}); err != nil {
		return nil, apperrors.Database(err)
	}

	return &DepositResult{
		Bolt11:      created.Bolt11,
		PaymentHash: created.PaymentHash,
		AmountSats:  amountSats,
	}, nil
}

// CheckInvoice refreshes one invoice against the daemon, settling or expiring
// it as warranted. Returns the invoice's current status.
func (s *PaymentService) CheckInvoice(ctx context.Context, paymentHash string) (model.InvoiceStatus, error) {
	inv, err := s.invoiceRepo.FindByHash(ctx, paymentHash)
	if err != nil {
		return "", apperrors.Database(err)
	}
	if inv == nil {
		return "", apperrors.NotFound("invoice")
	}
	if inv.Status != model.InvoiceStatusPending {
		return inv.Status, nil
	}

	if s.now().After(inv.ExpiresAt) {
		s.Expire(ctx, *inv)
		return model.InvoiceStatusExpired, nil
	}

	// Short NX lock so a poller round and a client check don't both hit the
	// daemon; correctness rests on the row CAS either way.
	if s.redis != nil {
		if locked, err := s.redis.SetNX(ctx, redisclient.PaymentLockKey(paymentHash), "1", 10*time.Second).Result(); err == nil && !locked {
			return inv.Status, nil
		}
	}

	state, err := s.gateway.LookupInvoice(ctx, paymentHash)
	if err != nil {
		return inv.Status, err
	}

	switch state.Status {
	case lightning.StatusPaid:
		s.Settle(ctx, *inv)
		return model.InvoiceStatusPaid, nil
	case lightning.StatusCanceled:
		s.Expire(ctx, *inv)
		return model.InvoiceStatusExpired, nil
	}
	return model.InvoiceStatusPending, nil
}

// CheckSessionPayment answers GET /api/session/{id}/check_payment for the
// session's owner.
func (s *PaymentService) CheckSessionPayment(ctx context.Context, userID, sessionID string) (bool, error) {
	session, err := s.sessionRepo.FindByID(ctx, sessionID)
	if err != nil {
		return false, apperrors.Database(err)
	}
	if session == nil || session.UserID != userID {
		return false, apperrors.NotFound("session")
	}
	if session.PaidAt != nil {
		return true, nil
	}
	if session.PaymentReference == nil {
		return false, nil
	}

	status, err := s.CheckInvoice(ctx, *session.PaymentReference)
	if err != nil {
		return false, err
	}
	return status == model.InvoiceStatusPaid, nil
}

// Settle flips the invoice row and triggers the purpose-specific effect.
// The CAS makes the effect exactly-once across poller and client checks.
func (s *PaymentService) Settle(ctx context.Context, inv model.Invoice) {
	flipped, err := s.invoiceRepo.MarkPaid(ctx, inv.PaymentHash, s.now())
	if err != nil {
		log.Error().Err(err).Str("paymentHash", inv.PaymentHash).Msg("failed to mark invoice paid")
		return
	}
	if !flipped {
		return
	}

	log.Info().
		Str("paymentHash", inv.PaymentHash).
		Str("purpose", string(inv.Purpose)).
		Int64("amountSats", inv.AmountSats).
		Msg("invoice settled")

	switch inv.Purpose {
	case model.InvoicePurposeSession:
		s.orch.Dispatch(inv.RelatedID, orchestrator.Event{Type: orchestrator.EventPaymentObserved})
	case model.InvoicePurposeDeposit:
		if err := s.ledger.Credit(ctx, inv.UserID, inv.AmountSats, model.TxTypeDeposit, "Wallet deposit", nil); err != nil {
			log.Error().Err(err).Str("userId", inv.UserID).Msg("failed to credit deposit")
		}
	}
}

// Expire marks the invoice expired and closes an unpaid session bound to it.
func (s *PaymentService) Expire(ctx context.Context, inv model.Invoice) {
	if err := s.invoiceRepo.MarkExpired(ctx, inv.PaymentHash); err != nil {
		log.Warn().Err(err).Str("paymentHash", inv.PaymentHash).Msg("failed to expire invoice")
		return
	}
	if inv.Purpose == model.InvoicePurposeSession {
		s.orch.Dispatch(inv.RelatedID, orchestrator.Event{Type: orchestrator.EventInvoiceExpired})
	}
}

type WithdrawResult struct {
	AmountSats  int64  `json:"amountSats"`
	FeePaidSats int64  `json:"feePaidSats"`
	Preimage    string `json:"preimage,omitempty"`
}

// Withdraw pays an external invoice from the user's balance. The amount plus
// a fee reserve is debited first; a failed payment refunds the debit.
func (s *PaymentService) Withdraw(ctx context.Context, userID, bolt11 string, amountSats, maxFeeSats int64) (*WithdrawResult, error) {
	if !s.withdrawalsEnabled {
		return nil, apperrors.Forbidden("withdrawals are disabled")
	}
	if amountSats <= 0 {
		return nil, apperrors.InvalidInput("amount", "must be positive")
	}
	if maxFeeSats < 0 {
		maxFeeSats = withdrawalFeeReserveSats
	}

	total := amountSats + maxFeeSats
	desc := fmt.Sprintf("Withdrawal %d sats", amountSats)
	if err := s.ledger.Debit(ctx, userID, total, model.TxTypeWithdrawal, desc, nil); err != nil {
		return nil, err
	}

	result, err := s.gateway.PayInvoice(ctx, bolt11, maxFeeSats)
	if err != nil || !result.Success {
		if refundErr := s.ledger.Credit(ctx, userID, total, model.TxTypeRefund, "Withdrawal failed", nil); refundErr != nil {
			log.Error().Err(refundErr).Str("userId", userID).Msg("failed to refund failed withdrawal")
		}
		if err != nil {
			return nil, err
		}
		return nil, apperrors.InvalidInvoice(result.Error)
	}

	// Return the unspent part of the fee reserve.
	if unspent := maxFeeSats - result.FeePaidSats; unspent > 0 {
		if err := s.ledger.Credit(ctx, userID, unspent, model.TxTypeRefund, "Unused withdrawal fee reserve", nil); err != nil {
			log.Error().Err(err).Str("userId", userID).Msg("failed to return fee reserve")
		}
	}

	return &WithdrawResult{
		AmountSats:  amountSats,
		FeePaidSats: result.FeePaidSats,
		Preimage:    result.Preimage,
	}, nil
}
