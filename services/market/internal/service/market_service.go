package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/gridex-energy/gridex/libs/kafka"
	"github.com/gridex-energy/gridex/services/market/internal/ledger"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
)

// Error kinds surfaced to callers. Handlers map these to HTTP statuses,
// everything else is an internal error.
var (
	ErrAccountNotFound               = errors.New("account not found")
	ErrOfferNotFound                 = errors.New("offer not found")
	ErrInsufficientEnergy            = errors.New("insufficient energy to back offer")
	ErrInsufficientFunds             = errors.New("insufficient token balance")
	ErrOverCapacity                  = errors.New("requested units exceed remaining")
	ErrInvalidState                  = errors.New("offer state does not permit operation")
	ErrForbidden                     = errors.New("operation not permitted for requester")
	ErrSelfTrade                     = errors.New("cannot fill own offer")
	ErrSettlementUnavailable         = errors.New("settlement ledger unavailable")
	ErrTransferRejected              = errors.New("token transfer rejected")
	ErrSettlementIndeterminate       = errors.New("settlement outcome unknown")
	ErrSettlementNeedsReconciliation = errors.New("settlement confirmed but not yet recorded")
)

type Topics struct {
	OffersCreated        string
	OffersCancelled      string
	OffersFilled         string
	OffersCompleted      string
	OffersNegotiation    string
	SettlementUnresolved string
	SettlementResolved   string
}

type MarketStore interface {
	GetAccount(ctx context.Context, accountID uuid.UUID) (*storage.Account, error)
	CreateOffer(ctx context.Context, creatorID uuid.UUID, units, pricePerUnit decimal.Decimal) (*storage.Offer, error)
	GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error)
	ListOffers(ctx context.Context, filter storage.OfferFilter) ([]storage.Offer, string, error)
	CancelOffer(ctx context.Context, offerID, requesterID uuid.UUID) (*storage.Offer, decimal.Decimal, error)
	ClaimRemaining(ctx context.Context, offerID uuid.UUID, units decimal.Decimal) (*storage.Offer, error)
	RestoreRemaining(ctx context.Context, offerID uuid.UUID, units decimal.Decimal) error
	GetFillByNonce(ctx context.Context, offerID, nonce uuid.UUID) (*storage.Fill, error)
	CommitFill(ctx context.Context, params storage.CommitFillParams) (storage.CommitFillResult, error)
	InsertAttempt(ctx context.Context, attempt storage.SettlementAttempt) (*storage.SettlementAttempt, error)
	ProposeCounter(ctx context.Context, offerID, proposerID uuid.UUID, counterPrice decimal.Decimal) (*storage.Offer, error)
	ResolveCounter(ctx context.Context, offerID, requesterID uuid.UUID, accept bool) (*storage.Offer, error)
	InsertAudit(ctx context.Context, log storage.AuditLog) error
}

type TokenLedger interface {
	BalanceOf(ctx context.Context, walletAddress string) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal, ref uuid.UUID) (ledger.TransferResult, error)
}

type MarketService struct {
	store           MarketStore
	ledger          TokenLedger
	producer        kafka.Publisher
	logger          *slog.Logger
	metrics         *Metrics
	topics          Topics
	transferTimeout time.Duration
}

func NewMarketService(store MarketStore, tokens TokenLedger, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, transferTimeout time.Duration) *MarketService {
	if logger == nil {
		logger = slog.Default()
	}
	if transferTimeout <= 0 {
		transferTimeout = 10 * time.Second
	}
	return &MarketService{
		store:           store,
		ledger:          tokens,
		producer:        producer,
		logger:          logger,
		metrics:         metrics,
		topics:          topics,
		transferTimeout: transferTimeout,
	}
}

type CreateOfferInput struct {
	CreatorID     uuid.UUID
	Units         decimal.Decimal
	PricePerUnit  decimal.Decimal
	IP            string
	UserAgent     string
	CorrelationID string
}

type CancelOfferInput struct {
	OfferID       uuid.UUID
	RequesterID   uuid.UUID
	IP            string
	UserAgent     string
	CorrelationID string
}

type AcceptOfferInput struct {
	OfferID       uuid.UUID
	BuyerID       uuid.UUID
	Units         decimal.Decimal
	Nonce         uuid.UUID
	IP            string
	UserAgent     string
	CorrelationID string
}

type AcceptOfferResult struct {
	Fill           *storage.Fill
	Offer          *storage.Offer
	AlreadyApplied bool
	Completed      bool
}

type CounterInput struct {
	OfferID       uuid.UUID
	RequesterID   uuid.UUID
	CounterPrice  decimal.Decimal
	IP            string
	UserAgent     string
	CorrelationID string
}

type ListOffersInput struct {
	Filter storage.OfferFilter
}

type AccountBalance struct {
	Account      *storage.Account
	TokenBalance decimal.Decimal
}

func (s *MarketService) CreateOffer(ctx context.Context, input CreateOfferInput) (*storage.Offer, error) {
	start := time.Now()
	if input.Units.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("units must be positive")
	}
	if input.PricePerUnit.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("price_per_unit must be positive")
	}

	offer, err := s.store.CreateOffer(ctx, input.CreatorID, input.Units, input.PricePerUnit)
	if err != nil {
		label := "error"
		switch {
		case errors.Is(err, storage.ErrNotFound):
			err = ErrAccountNotFound
			label = "not_found"
		case errors.Is(err, storage.ErrInsufficientEnergy):
			err = ErrInsufficientEnergy
			label = "insufficient_energy"
		}
		s.observeCreate(label, start)
		return nil, err
	}

	s.publishOfferCreated(ctx, input.CorrelationID, offer)
	s.insertAudit(ctx, input.CreatorID, "offers.create", offer.ID, input.IP, input.UserAgent)
	s.observeCreate("created", start)
	return offer, nil
}

func (s *MarketService) CancelOffer(ctx context.Context, input CancelOfferInput) (*storage.Offer, error) {
	offer, released, err := s.store.CancelOffer(ctx, input.OfferID, input.RequesterID)
	if err != nil {
		label := "error"
		switch {
		case errors.Is(err, storage.ErrNotFound):
			err = ErrOfferNotFound
			label = "not_found"
		case errors.Is(err, storage.ErrForbidden):
			err = ErrForbidden
			label = "forbidden"
		case errors.Is(err, storage.ErrInvalidStatus):
			err = ErrInvalidState
			label = "invalid_state"
		}
		if s.metrics != nil {
			s.metrics.OfferCancellations.WithLabelValues(label).Inc()
		}
		return nil, err
	}

	s.publishOfferCancelled(ctx, input.CorrelationID, offer, released)
	s.insertAudit(ctx, input.RequesterID, "offers.cancel", offer.ID, input.IP, input.UserAgent)
	if s.metrics != nil {
		s.metrics.OfferCancellations.WithLabelValues("cancelled").Inc()
	}
	return offer, nil
}

// AcceptOffer runs the fill protocol: guard checks, a funds probe against
// the external ledger, an atomic claim on remaining_units, the bounded
// token transfer with no local lock held, and a single local transaction
// recording the outcome. Definite transfer failures compensate the claim;
// anything less definite leaves a settlement attempt for the reconciler.
func (s *MarketService) AcceptOffer(ctx context.Context, input AcceptOfferInput) (*AcceptOfferResult, error) {
	start := time.Now()
	if input.Units.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("units must be positive")
	}
	if input.Nonce == uuid.Nil {
		return nil, fmt.Errorf("nonce is required")
	}

	offer, err := s.store.GetOffer(ctx, input.OfferID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.failFill("not_found", start, ErrOfferNotFound)
		}
		return nil, s.failFill("error", start, err)
	}
	// Replay detection runs before the state and capacity guards: the fill
	// that completed an offer must replay as already-applied, not fail
	// against the offer's post-fill state.
	if fill, err := s.store.GetFillByNonce(ctx, input.OfferID, input.Nonce); err == nil {
		s.observeFill("replayed", start)
		return &AcceptOfferResult{Fill: fill, Offer: offer, AlreadyApplied: true}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, s.failFill("error", start, err)
	}

	if offer.CreatorID == input.BuyerID {
		return nil, s.failFill("self_trade", start, ErrSelfTrade)
	}
	if offer.Status != storage.OfferStatusOpen {
		return nil, s.failFill("invalid_state", start, ErrInvalidState)
	}
	if input.Units.GreaterThan(offer.RemainingUnits) {
		return nil, s.failFill("over_capacity", start, ErrOverCapacity)
	}

	buyer, err := s.store.GetAccount(ctx, input.BuyerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, s.failFill("not_found", start, ErrAccountNotFound)
		}
		return nil, s.failFill("error", start, err)
	}
	creator, err := s.store.GetAccount(ctx, offer.CreatorID)
	if err != nil {
		return nil, s.failFill("error", start, err)
	}

	balance, err := s.ledger.BalanceOf(ctx, buyer.WalletAddress)
	if err != nil {
		return nil, s.failFill("ledger_unavailable", start, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err))
	}
	if balance.LessThan(offer.PricePerUnit.Mul(input.Units)) {
		return nil, s.failFill("insufficient_funds", start, ErrInsufficientFunds)
	}

	claimed, err := s.store.ClaimRemaining(ctx, input.OfferID, input.Units)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, s.failFill("not_found", start, ErrOfferNotFound)
		case errors.Is(err, storage.ErrInvalidStatus):
			return nil, s.failFill("invalid_state", start, ErrInvalidState)
		case errors.Is(err, storage.ErrOverCapacity):
			return nil, s.failFill("over_capacity", start, ErrOverCapacity)
		}
		return nil, s.failFill("error", start, err)
	}

	// Price as of the claim, not the initial read: a counter acceptance
	// may have repriced the offer in between. When that happened the funds
	// probe above checked a stale cost, so it runs again at the real one.
	cost := claimed.PricePerUnit.Mul(input.Units)
	if !claimed.PricePerUnit.Equal(offer.PricePerUnit) {
		balance, err := s.ledger.BalanceOf(ctx, buyer.WalletAddress)
		if err != nil {
			s.compensateClaim(context.WithoutCancel(ctx), claimed, input.Units)
			return nil, s.failFill("ledger_unavailable", start, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err))
		}
		if balance.LessThan(cost) {
			s.compensateClaim(context.WithoutCancel(ctx), claimed, input.Units)
			return nil, s.failFill("insufficient_funds", start, ErrInsufficientFunds)
		}
	}

	transferCtx, cancel := context.WithTimeout(ctx, s.transferTimeout)
	transferStart := time.Now()
	result, transferErr := s.ledger.Transfer(transferCtx, buyer.WalletAddress, creator.WalletAddress, cost, input.Nonce)
	cancel()
	if s.metrics != nil {
		s.metrics.TransferDuration.WithLabelValues(result.Outcome).Observe(time.Since(transferStart).Seconds())
	}

	// Local follow-up must finish even when the request context dies:
	// the external transfer may already have moved funds.
	detached := context.WithoutCancel(ctx)

	if transferErr != nil {
		switch result.Outcome {
		case ledger.OutcomeIndeterminate:
			s.compensateClaim(detached, claimed, input.Units)
			s.recordAttempt(detached, input, claimed, cost, result.TxHash, storage.AttemptStatusIndeterminate)
			s.publishSettlementUnresolved(detached, input.CorrelationID, claimed.ID, input.Nonce, result.TxHash, storage.AttemptStatusIndeterminate)
			return nil, s.failFill("indeterminate", start, fmt.Errorf("%w: %v", ErrSettlementIndeterminate, transferErr))
		case ledger.OutcomeUnavailable:
			s.compensateClaim(detached, claimed, input.Units)
			return nil, s.failFill("ledger_unavailable", start, fmt.Errorf("%w: %v", ErrSettlementUnavailable, transferErr))
		default:
			s.compensateClaim(detached, claimed, input.Units)
			return nil, s.failFill("rejected", start, fmt.Errorf("%w: %v", ErrTransferRejected, transferErr))
		}
	}

	commit, err := s.store.CommitFill(detached, storage.CommitFillParams{
		OfferID: claimed.ID,
		BuyerID: input.BuyerID,
		Units:   input.Units,
		Cost:    cost,
		Nonce:   input.Nonce,
		Receipt: result.TxHash,
	})
	if err != nil {
		s.recordAttempt(detached, input, claimed, cost, result.TxHash, storage.AttemptStatusNeedsReconciliation)
		s.publishSettlementUnresolved(detached, input.CorrelationID, claimed.ID, input.Nonce, result.TxHash, storage.AttemptStatusNeedsReconciliation)
		return nil, s.failFill("needs_reconciliation", start, fmt.Errorf("%w: %v", ErrSettlementNeedsReconciliation, err))
	}

	if !commit.AlreadyApplied {
		s.publishOfferFilled(detached, input.CorrelationID, commit.Fill, commit.Offer)
		if commit.Completed {
			s.publishOfferCompleted(detached, input.CorrelationID, commit.Offer)
		}
		s.insertAudit(detached, input.BuyerID, "offers.accept", claimed.ID, input.IP, input.UserAgent)
	}
	s.observeFill("settled", start)
	return &AcceptOfferResult{
		Fill:           commit.Fill,
		Offer:          commit.Offer,
		AlreadyApplied: commit.AlreadyApplied,
		Completed:      commit.Completed,
	}, nil
}

func (s *MarketService) ProposeCounter(ctx context.Context, input CounterInput) (*storage.Offer, error) {
	if input.CounterPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("counter_price must be positive")
	}
	offer, err := s.store.ProposeCounter(ctx, input.OfferID, input.RequesterID, input.CounterPrice)
	if err != nil {
		return nil, translateCounterErr(err)
	}
	s.publishNegotiation(ctx, input.CorrelationID, offer, "proposed")
	s.insertAudit(ctx, input.RequesterID, "offers.counter.propose", offer.ID, input.IP, input.UserAgent)
	if s.metrics != nil {
		s.metrics.Negotiations.WithLabelValues("proposed").Inc()
	}
	return offer, nil
}

func (s *MarketService) AcceptCounter(ctx context.Context, input CounterInput) (*storage.Offer, error) {
	offer, err := s.store.ResolveCounter(ctx, input.OfferID, input.RequesterID, true)
	if err != nil {
		return nil, translateCounterErr(err)
	}
	s.publishNegotiation(ctx, input.CorrelationID, offer, "accepted")
	s.insertAudit(ctx, input.RequesterID, "offers.counter.accept", offer.ID, input.IP, input.UserAgent)
	if s.metrics != nil {
		s.metrics.Negotiations.WithLabelValues("accepted").Inc()
	}
	return offer, nil
}

func (s *MarketService) RejectCounter(ctx context.Context, input CounterInput) (*storage.Offer, error) {
	offer, err := s.store.ResolveCounter(ctx, input.OfferID, input.RequesterID, false)
	if err != nil {
		return nil, translateCounterErr(err)
	}
	s.publishNegotiation(ctx, input.CorrelationID, offer, "rejected")
	s.insertAudit(ctx, input.RequesterID, "offers.counter.reject", offer.ID, input.IP, input.UserAgent)
	if s.metrics != nil {
		s.metrics.Negotiations.WithLabelValues("rejected").Inc()
	}
	return offer, nil
}

func (s *MarketService) ListOffers(ctx context.Context, input ListOffersInput) ([]storage.Offer, string, error) {
	return s.store.ListOffers(ctx, input.Filter)
}

func (s *MarketService) GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return offer, nil
}

// GetBalance combines the local energy ledger with a live token balance
// query against the external ledger.
func (s *MarketService) GetBalance(ctx context.Context, accountID uuid.UUID) (*AccountBalance, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	tokens, err := s.ledger.BalanceOf(ctx, account.WalletAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementUnavailable, err)
	}
	return &AccountBalance{Account: account, TokenBalance: tokens}, nil
}

func (s *MarketService) compensateClaim(ctx context.Context, offer *storage.Offer, units decimal.Decimal) {
	if err := s.store.RestoreRemaining(ctx, offer.ID, units); err != nil {
		s.logger.Error("restore claimed units failed",
			"offer_id", offer.ID, "units", units.String(), "error", err)
		if s.metrics != nil {
			s.metrics.CompensationFailures.Inc()
		}
	}
}

func (s *MarketService) recordAttempt(ctx context.Context, input AcceptOfferInput, offer *storage.Offer, cost decimal.Decimal, txHash, status string) {
	if _, err := s.store.InsertAttempt(ctx, storage.SettlementAttempt{
		OfferID: offer.ID,
		BuyerID: input.BuyerID,
		Units:   input.Units,
		Cost:    cost,
		Nonce:   input.Nonce,
		TxHash:  txHash,
		Status:  status,
	}); err != nil {
		s.logger.Error("record settlement attempt failed",
			"offer_id", offer.ID, "nonce", input.Nonce, "tx_hash", txHash, "error", err)
	}
	if s.metrics != nil {
		s.metrics.UnresolvedAttempts.WithLabelValues(status).Inc()
	}
}

func (s *MarketService) insertAudit(ctx context.Context, actorID uuid.UUID, action string, entityID uuid.UUID, ip, userAgent string) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertAudit(ctx, storage.AuditLog{
		ActorID:    actorID,
		ActorType:  "account",
		Action:     action,
		EntityType: "offer",
		EntityID:   &entityID,
		IP:         ip,
		UserAgent:  userAgent,
	}); err != nil {
		s.logger.Error("audit log failed", "action", action, "error", err)
	}
}

func (s *MarketService) observeCreate(label string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OfferCreations.WithLabelValues(label).Inc()
	s.metrics.OfferCreationLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func (s *MarketService) observeFill(label string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OfferFills.WithLabelValues(label).Inc()
	s.metrics.FillLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func (s *MarketService) failFill(label string, start time.Time, err error) error {
	s.observeFill(label, start)
	return err
}

func translateCounterErr(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return ErrOfferNotFound
	case errors.Is(err, storage.ErrForbidden):
		return ErrForbidden
	case errors.Is(err, storage.ErrInvalidStatus):
		return ErrInvalidState
	}
	return err
}
