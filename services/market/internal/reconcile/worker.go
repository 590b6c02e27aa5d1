package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/gridex-energy/gridex/libs/kafka"
	"github.com/gridex-energy/gridex/services/market/internal/ledger"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
)

type Store interface {
	ListUnresolvedAttempts(ctx context.Context, limit int) ([]storage.SettlementAttempt, error)
	GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error)
	ClaimRemaining(ctx context.Context, offerID uuid.UUID, units decimal.Decimal) (*storage.Offer, error)
	CommitFill(ctx context.Context, params storage.CommitFillParams) (storage.CommitFillResult, error)
	UpdateAttemptStatus(ctx context.Context, nonce uuid.UUID, status string) error
}

type ChainStatus interface {
	TransactionStatus(ctx context.Context, txHash string) (string, error)
}

// Worker drains the settlement attempt table. Attempts whose transfer is
// known to have happened get their local commit retried; attempts whose
// transfer outcome is unknown are resolved by receipt lookup first.
type Worker struct {
	store    Store
	chain    ChainStatus
	producer kafka.Publisher
	logger   *slog.Logger
	metrics  *Metrics
	topic    string
	interval time.Duration
	batch    int
}

func NewWorker(store Store, chain ChainStatus, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, resolvedTopic string, interval time.Duration) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Worker{
		store:    store,
		chain:    chain,
		producer: producer,
		logger:   logger,
		metrics:  metrics,
		topic:    resolvedTopic,
		interval: interval,
		batch:    50,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep processes one batch of unresolved attempts. Errors on individual
// attempts are logged and left for the next pass.
func (w *Worker) Sweep(ctx context.Context) {
	attempts, err := w.store.ListUnresolvedAttempts(ctx, w.batch)
	if err != nil {
		w.logger.Error("list unresolved attempts failed", "error", err)
		return
	}

	for _, attempt := range attempts {
		if ctx.Err() != nil {
			return
		}
		switch attempt.Status {
		case storage.AttemptStatusNeedsReconciliation:
			w.retryCommit(ctx, attempt)
		case storage.AttemptStatusIndeterminate:
			w.resolveIndeterminate(ctx, attempt)
		}
	}
}

// retryCommit re-runs the local commit for a transfer that definitely
// happened. The claim is still held, so this is a plain idempotent retry.
func (w *Worker) retryCommit(ctx context.Context, attempt storage.SettlementAttempt) {
	result, err := w.store.CommitFill(ctx, storage.CommitFillParams{
		OfferID: attempt.OfferID,
		BuyerID: attempt.BuyerID,
		Units:   attempt.Units,
		Cost:    attempt.Cost,
		Nonce:   attempt.Nonce,
		Receipt: attempt.TxHash,
	})
	if err != nil {
		w.logger.Error("reconcile commit failed",
			"offer_id", attempt.OfferID, "nonce", attempt.Nonce, "error", err)
		w.observe("commit_error")
		return
	}
	w.logger.Info("settlement attempt resolved",
		"offer_id", attempt.OfferID, "nonce", attempt.Nonce, "tx_hash", attempt.TxHash,
		"already_applied", result.AlreadyApplied)
	w.publishResolved(ctx, attempt, storage.AttemptStatusResolved)
	w.observe("resolved")
}

func (w *Worker) resolveIndeterminate(ctx context.Context, attempt storage.SettlementAttempt) {
	if attempt.TxHash == "" {
		// Nothing to look up; the claim was compensated at accept time.
		w.markAttempt(ctx, attempt, storage.AttemptStatusAbandoned)
		w.observe("abandoned")
		return
	}

	status, err := w.chain.TransactionStatus(ctx, attempt.TxHash)
	if err != nil {
		w.logger.Error("receipt lookup failed",
			"nonce", attempt.Nonce, "tx_hash", attempt.TxHash, "error", err)
		w.observe("chain_error")
		return
	}

	switch status {
	case ledger.TxStatusPending:
		w.observe("pending")
	case ledger.TxStatusFailed:
		w.markAttempt(ctx, attempt, storage.AttemptStatusAbandoned)
		w.observe("abandoned")
	case ledger.TxStatusConfirmed:
		w.applyConfirmed(ctx, attempt)
	}
}

// applyConfirmed handles a transfer that turned out to have settled after
// its claim was compensated: the units must be re-claimed and the fill
// committed. An offer that can no longer honor the fill leaves the buyer's
// payment stranded on the chain; that is surfaced as unresolvable, never
// silently dropped. Only terminal offers strand the payment: an offer
// sitting in negotiation returns to open once the counter resolves, so
// those attempts wait for a later pass.
func (w *Worker) applyConfirmed(ctx context.Context, attempt storage.SettlementAttempt) {
	if _, err := w.store.ClaimRemaining(ctx, attempt.OfferID, attempt.Units); err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidStatus):
			offer, getErr := w.store.GetOffer(ctx, attempt.OfferID)
			if getErr == nil && offer.Status == storage.OfferStatusNegotiation {
				w.observe("negotiation_wait")
				return
			}
			w.strandAttempt(ctx, attempt, err)
		case errors.Is(err, storage.ErrOverCapacity), errors.Is(err, storage.ErrNotFound):
			w.strandAttempt(ctx, attempt, err)
		default:
			w.logger.Error("reconcile claim failed",
				"offer_id", attempt.OfferID, "nonce", attempt.Nonce, "error", err)
			w.observe("claim_error")
		}
		return
	}

	if _, err := w.store.CommitFill(ctx, storage.CommitFillParams{
		OfferID: attempt.OfferID,
		BuyerID: attempt.BuyerID,
		Units:   attempt.Units,
		Cost:    attempt.Cost,
		Nonce:   attempt.Nonce,
		Receipt: attempt.TxHash,
	}); err != nil {
		// The claim is now held again; flip the attempt so the next pass
		// retries the commit without another receipt lookup.
		w.logger.Error("reconcile commit failed after claim",
			"offer_id", attempt.OfferID, "nonce", attempt.Nonce, "error", err)
		w.markAttempt(ctx, attempt, storage.AttemptStatusNeedsReconciliation)
		w.observe("commit_error")
		return
	}

	w.logger.Info("indeterminate settlement resolved",
		"offer_id", attempt.OfferID, "nonce", attempt.Nonce, "tx_hash", attempt.TxHash)
	w.publishResolved(ctx, attempt, storage.AttemptStatusResolved)
	w.observe("resolved")
}

func (w *Worker) strandAttempt(ctx context.Context, attempt storage.SettlementAttempt, err error) {
	w.logger.Error("confirmed transfer cannot be honored locally",
		"offer_id", attempt.OfferID, "nonce", attempt.Nonce, "tx_hash", attempt.TxHash, "error", err)
	w.markAttempt(ctx, attempt, storage.AttemptStatusUnresolvable)
	w.publishResolved(ctx, attempt, storage.AttemptStatusUnresolvable)
	w.observe("unresolvable")
}

func (w *Worker) markAttempt(ctx context.Context, attempt storage.SettlementAttempt, status string) {
	if err := w.store.UpdateAttemptStatus(ctx, attempt.Nonce, status); err != nil {
		w.logger.Error("update attempt status failed",
			"nonce", attempt.Nonce, "status", status, "error", err)
	}
}

func (w *Worker) observe(outcome string) {
	if w.metrics != nil {
		w.metrics.Reconciliations.WithLabelValues(outcome).Inc()
	}
}

type SettlementResolvedEvent struct {
	kafka.Envelope
	OfferID string `json:"offer_id"`
	BuyerID string `json:"buyer_id"`
	Nonce   string `json:"nonce"`
	TxHash  string `json:"tx_hash,omitempty"`
	Status  string `json:"status"`
}

func (w *Worker) publishResolved(ctx context.Context, attempt storage.SettlementAttempt, status string) {
	if w.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("settlement.resolved", attempt.Nonce.String(), status)
	env, err := kafka.NewEnvelopeWithID(eventID, "settlement.resolved", 1, "")
	if err != nil {
		w.logger.Error("build settlement resolved envelope failed", "error", err)
		return
	}
	payload := SettlementResolvedEvent{
		Envelope: env,
		OfferID:  attempt.OfferID.String(),
		BuyerID:  attempt.BuyerID.String(),
		Nonce:    attempt.Nonce.String(),
		TxHash:   attempt.TxHash,
		Status:   status,
	}
	if _, _, err := w.producer.PublishJSON(ctx, w.topic, attempt.OfferID.String(), payload); err != nil {
		w.logger.Error("publish settlement resolved failed", "error", err)
	}
}
