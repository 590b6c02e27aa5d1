package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const marketEventPrefix = "market:"

var (
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidStatus      = errors.New("invalid status transition")
	ErrInsufficientEnergy = errors.New("insufficient energy")
	ErrOverCapacity       = errors.New("requested units exceed remaining")
	ErrInvalidCursor      = errors.New("invalid cursor")
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

func (s *Store) GetAccount(ctx context.Context, accountID uuid.UUID) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, grid_id, transformer_id, wallet_address, energy_available::text, energy_reserved::text, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`, accountID)
	return scanAccountRow(row)
}

func (s *Store) GetAccountByWallet(ctx context.Context, walletAddress string) (*Account, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, grid_id, transformer_id, wallet_address, energy_available::text, energy_reserved::text, created_at, updated_at
		FROM accounts
		WHERE lower(wallet_address) = lower($1)
	`, strings.TrimSpace(walletAddress))
	return scanAccountRow(row)
}

// CreateOffer moves units from the creator's available energy into its
// reserved balance and inserts the offer in the same transaction. The
// conditional update is the insufficient-energy check: zero rows affected
// means the creator cannot cover the offer.
func (s *Store) CreateOffer(ctx context.Context, creatorID uuid.UUID, units, pricePerUnit decimal.Decimal) (*Offer, error) {
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("units must be positive")
	}
	if pricePerUnit.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("price_per_unit must be positive")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	now := time.Now().UTC()
	var transformerID string
	row := tx.QueryRow(ctx, `
		UPDATE accounts
		SET energy_available = energy_available - $1,
		    energy_reserved = energy_reserved + $1,
		    updated_at = $2
		WHERE id = $3 AND energy_available >= $1
		RETURNING transformer_id
	`, units.String(), now, creatorID)
	if err := row.Scan(&transformerID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			exists, checkErr := s.accountExists(ctx, tx, creatorID)
			if checkErr != nil {
				return nil, checkErr
			}
			if !exists {
				return nil, ErrNotFound
			}
			return nil, ErrInsufficientEnergy
		}
		return nil, err
	}

	offer := &Offer{
		ID:             uuid.New(),
		CreatorID:      creatorID,
		TransformerID:  transformerID,
		Units:          units,
		RemainingUnits: units,
		PricePerUnit:   pricePerUnit,
		Status:         OfferStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO offers (id, creator_id, transformer_id, units, remaining_units, price_per_unit, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, offer.ID, offer.CreatorID, offer.TransformerID, offer.Units.String(), offer.RemainingUnits.String(), offer.PricePerUnit.String(), offer.Status, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return offer, nil
}

func (s *Store) GetOffer(ctx context.Context, offerID uuid.UUID) (*Offer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
		FROM offers
		WHERE id = $1
	`, offerID)
	offer, err := scanOfferRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return offer, nil
}

func (s *Store) ListOffers(ctx context.Context, filter OfferFilter) ([]Offer, string, error) {
	limit := clampLimit(filter.Limit)

	query := `
		SELECT id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
		FROM offers
		WHERE 1=1
	`
	args := []any{}
	idx := 1

	if filter.TransformerID != "" {
		query += fmt.Sprintf(" AND transformer_id = $%d", idx)
		args = append(args, filter.TransformerID)
		idx++
	}
	if filter.CreatorID != nil {
		query += fmt.Sprintf(" AND creator_id = $%d", idx)
		args = append(args, *filter.CreatorID)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	offers := make([]Offer, 0, limit)
	for rows.Next() {
		offer, err := scanOfferRow(rows)
		if err != nil {
			return nil, "", err
		}
		offers = append(offers, *offer)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(offers) > limit {
		last := offers[limit]
		offers = offers[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return offers, nextCursor, nil
}

// CancelOffer closes an open or negotiating offer and hands the still
// unsold units back to the creator's available energy. Units claimed by
// in-flight fills stay reserved until those fills commit or compensate.
func (s *Store) CancelOffer(ctx context.Context, offerID, requesterID uuid.UUID) (*Offer, decimal.Decimal, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, decimal.Zero, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	offer, err := getOfferForUpdate(ctx, tx, offerID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if offer.CreatorID != requesterID {
		return nil, decimal.Zero, ErrForbidden
	}
	if offer.Status != OfferStatusOpen && offer.Status != OfferStatusNegotiation {
		return nil, decimal.Zero, ErrInvalidStatus
	}

	now := time.Now().UTC()
	release := offer.RemainingUnits
	if release.GreaterThan(decimal.Zero) {
		released, err := s.releaseReserved(ctx, tx, offer.CreatorID, release, now)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if !released.Equal(release) {
			s.logger.Warn("reserved energy underflow on cancel",
				"offer_id", offer.ID, "account_id", offer.CreatorID,
				"expected", release.String(), "released", released.String())
		}
		release = released
	}

	if _, err := tx.Exec(ctx, `
		UPDATE offers
		SET status = $1, counter_price = NULL, counter_by = NULL, updated_at = $2
		WHERE id = $3
	`, OfferStatusCancelled, now, offer.ID); err != nil {
		return nil, decimal.Zero, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, decimal.Zero, err
	}
	committed = true

	offer.Status = OfferStatusCancelled
	offer.CounterPrice = nil
	offer.CounterBy = nil
	offer.UpdatedAt = now
	return offer, release, nil
}

// ClaimRemaining decrements remaining_units for an in-flight fill attempt.
// The conditional update is the only serialization point between competing
// buyers: whoever the row version admits wins, everyone else gets a typed
// error describing why the claim missed.
func (s *Store) ClaimRemaining(ctx context.Context, offerID uuid.UUID, units decimal.Decimal) (*Offer, error) {
	if units.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("units must be positive")
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE offers
		SET remaining_units = remaining_units - $1, updated_at = $2
		WHERE id = $3 AND status = 'open' AND remaining_units >= $1
		RETURNING id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
	`, units.String(), time.Now().UTC(), offerID)

	offer, err := scanOfferRow(row)
	if err == nil {
		return offer, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	existing, getErr := s.GetOffer(ctx, offerID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.Status != OfferStatusOpen {
		return nil, ErrInvalidStatus
	}
	return nil, ErrOverCapacity
}

// RestoreRemaining compensates a claim whose settlement did not commit.
// If the offer was cancelled while the claim was in flight the units can
// no longer return to remaining_units; they go straight back to the
// creator's available energy instead. A completed offer is reopened so
// that remaining_units stays zero exactly when the offer is completed.
func (s *Store) RestoreRemaining(ctx context.Context, offerID uuid.UUID, units decimal.Decimal) error {
	if units.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("units must be positive")
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	offer, err := getOfferForUpdate(ctx, tx, offerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	switch offer.Status {
	case OfferStatusCancelled:
		released, err := s.releaseReserved(ctx, tx, offer.CreatorID, units, now)
		if err != nil {
			return err
		}
		if !released.Equal(units) {
			s.logger.Warn("reserved energy underflow on restore",
				"offer_id", offer.ID, "account_id", offer.CreatorID,
				"expected", units.String(), "released", released.String())
		}
	case OfferStatusCompleted:
		if _, err := tx.Exec(ctx, `
			UPDATE offers
			SET remaining_units = remaining_units + $1, status = $2, completed_at = NULL, updated_at = $3
			WHERE id = $4
		`, units.String(), OfferStatusOpen, now, offer.ID); err != nil {
			return err
		}
	default:
		if _, err := tx.Exec(ctx, `
			UPDATE offers
			SET remaining_units = remaining_units + $1, updated_at = $2
			WHERE id = $3
		`, units.String(), now, offer.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetFillByNonce(ctx context.Context, offerID, nonce uuid.UUID) (*Fill, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, offer_id, buyer_id, units::text, cost::text, nonce, receipt, settled_at
		FROM fills
		WHERE offer_id = $1 AND nonce = $2
	`, offerID, nonce)
	fill, err := scanFillRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fill, nil
}

type CommitFillParams struct {
	OfferID uuid.UUID
	BuyerID uuid.UUID
	Units   decimal.Decimal
	Cost    decimal.Decimal
	Nonce   uuid.UUID
	Receipt string
}

type CommitFillResult struct {
	Fill           *Fill
	Offer          *Offer
	AlreadyApplied bool
	Completed      bool
}

// CommitFill records a settled fill in a single transaction: fill row,
// the reserved-to-buyer energy move, offer completion when the last unit
// is sold, and resolution of any pending settlement attempt for the same
// nonce. The unique (offer_id, nonce) index makes replays a no-op.
func (s *Store) CommitFill(ctx context.Context, params CommitFillParams) (CommitFillResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return CommitFillResult{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	offer, err := getOfferForUpdate(ctx, tx, params.OfferID)
	if err != nil {
		return CommitFillResult{}, err
	}

	now := time.Now().UTC()
	fill := &Fill{
		ID:        uuid.New(),
		OfferID:   params.OfferID,
		BuyerID:   params.BuyerID,
		Units:     params.Units,
		Cost:      params.Cost,
		Nonce:     params.Nonce,
		Receipt:   params.Receipt,
		SettledAt: now,
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO fills (id, offer_id, buyer_id, units, cost, nonce, receipt, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (offer_id, nonce) DO NOTHING
	`, fill.ID, fill.OfferID, fill.BuyerID, fill.Units.String(), fill.Cost.String(), fill.Nonce, fill.Receipt, now)
	if err != nil {
		return CommitFillResult{}, err
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Commit(ctx); err != nil {
			return CommitFillResult{}, err
		}
		committed = true
		existing, err := s.GetFillByNonce(ctx, params.OfferID, params.Nonce)
		if err != nil {
			return CommitFillResult{}, err
		}
		return CommitFillResult{Fill: existing, Offer: offer, AlreadyApplied: true}, nil
	}

	released, err := s.releaseReservedTo(ctx, tx, offer.CreatorID, params.BuyerID, params.Units, now)
	if err != nil {
		return CommitFillResult{}, err
	}
	if !released.Equal(params.Units) {
		s.logger.Warn("reserved energy underflow on fill commit",
			"offer_id", offer.ID, "account_id", offer.CreatorID,
			"expected", params.Units.String(), "moved", released.String())
	}

	completed := false
	if offer.RemainingUnits.IsZero() && offer.Status != OfferStatusCompleted && offer.Status != OfferStatusCancelled {
		if _, err := tx.Exec(ctx, `
			UPDATE offers
			SET status = $1, counter_price = NULL, counter_by = NULL, completed_at = $2, updated_at = $2
			WHERE id = $3
		`, OfferStatusCompleted, now, offer.ID); err != nil {
			return CommitFillResult{}, err
		}
		offer.Status = OfferStatusCompleted
		offer.CounterPrice = nil
		offer.CounterBy = nil
		offer.CompletedAt = &now
		offer.UpdatedAt = now
		completed = true
	}

	if _, err := tx.Exec(ctx, `
		UPDATE settlement_attempts
		SET status = $1, updated_at = $2
		WHERE nonce = $3 AND status IN ('indeterminate', 'needs_reconciliation')
	`, AttemptStatusResolved, now, params.Nonce); err != nil {
		return CommitFillResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return CommitFillResult{}, err
	}
	committed = true

	return CommitFillResult{Fill: fill, Offer: offer, Completed: completed}, nil
}

func (s *Store) InsertAttempt(ctx context.Context, attempt SettlementAttempt) (*SettlementAttempt, error) {
	now := time.Now().UTC()
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	attempt.CreatedAt = now
	attempt.UpdatedAt = now
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settlement_attempts (id, offer_id, buyer_id, units, cost, nonce, tx_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (nonce) DO UPDATE
		SET tx_hash = EXCLUDED.tx_hash, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, attempt.ID, attempt.OfferID, attempt.BuyerID, attempt.Units.String(), attempt.Cost.String(), attempt.Nonce, attempt.TxHash, attempt.Status, now)
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *Store) GetAttemptByNonce(ctx context.Context, nonce uuid.UUID) (*SettlementAttempt, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, offer_id, buyer_id, units::text, cost::text, nonce, tx_hash, status, created_at, updated_at
		FROM settlement_attempts
		WHERE nonce = $1
	`, nonce)
	attempt, err := scanAttemptRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return attempt, nil
}

func (s *Store) ListUnresolvedAttempts(ctx context.Context, limit int) ([]SettlementAttempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, offer_id, buyer_id, units::text, cost::text, nonce, tx_hash, status, created_at, updated_at
		FROM settlement_attempts
		WHERE status IN ('indeterminate', 'needs_reconciliation')
		ORDER BY created_at
		LIMIT $1
	`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := make([]SettlementAttempt, 0, limit)
	for rows.Next() {
		attempt, err := scanAttemptRow(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *attempt)
	}
	return attempts, rows.Err()
}

func (s *Store) UpdateAttemptStatus(ctx context.Context, nonce uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE settlement_attempts
		SET status = $1, updated_at = $2
		WHERE nonce = $3
	`, status, time.Now().UTC(), nonce)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ProposeCounter moves an open offer into negotiation with the proposed
// price recorded. Fills are rejected while the offer negotiates.
func (s *Store) ProposeCounter(ctx context.Context, offerID, proposerID uuid.UUID, counterPrice decimal.Decimal) (*Offer, error) {
	if counterPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("counter_price must be positive")
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE offers
		SET status = $1, counter_price = $2, counter_by = $3, updated_at = $4
		WHERE id = $5 AND status = 'open' AND creator_id <> $3
		RETURNING id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
	`, OfferStatusNegotiation, counterPrice.String(), proposerID, time.Now().UTC(), offerID)
	offer, err := scanOfferRow(row)
	if err == nil {
		return offer, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	existing, getErr := s.GetOffer(ctx, offerID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.CreatorID == proposerID {
		return nil, ErrForbidden
	}
	return nil, ErrInvalidStatus
}

// ResolveCounter ends a negotiation: accepted counters replace the offer
// price, rejected ones leave it unchanged. Creator-only either way.
func (s *Store) ResolveCounter(ctx context.Context, offerID, requesterID uuid.UUID, accept bool) (*Offer, error) {
	query := `
		UPDATE offers
		SET status = $1, counter_price = NULL, counter_by = NULL, updated_at = $2
		WHERE id = $3 AND status = 'negotiation' AND creator_id = $4
		RETURNING id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
	`
	if accept {
		query = `
		UPDATE offers
		SET status = $1, price_per_unit = counter_price, counter_price = NULL, counter_by = NULL, updated_at = $2
		WHERE id = $3 AND status = 'negotiation' AND creator_id = $4 AND counter_price IS NOT NULL
		RETURNING id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
	`
	}
	row := s.pool.QueryRow(ctx, query, OfferStatusOpen, time.Now().UTC(), offerID, requesterID)
	offer, err := scanOfferRow(row)
	if err == nil {
		return offer, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	existing, getErr := s.GetOffer(ctx, offerID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.CreatorID != requesterID {
		return nil, ErrForbidden
	}
	return nil, ErrInvalidStatus
}

// CreditEnergy applies a metered energy delta to an account, idempotent on
// the reading's event id. Negative deltas floor at zero available energy.
func (s *Store) CreditEnergy(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal, eventID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	key := marketEventKey(eventID)
	if key != "" {
		var exists bool
		row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, key)
		if err := row.Scan(&exists); err != nil {
			return false, err
		}
		if exists {
			return false, nil
		}
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET energy_available = GREATEST(energy_available + $1, 0), updated_at = $2
		WHERE id = $3
	`, delta.String(), now, accountID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	if key != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO processed_events (event_id)
			VALUES ($1)
			ON CONFLICT (event_id) DO NOTHING
		`, key); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

func (s *Store) InsertAudit(ctx context.Context, log AuditLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (actor_id, actor_type, action, entity_type, entity_id, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
	`, log.ActorID, log.ActorType, log.Action, log.EntityType, log.EntityID, map[string]string{
		"ip":         log.IP,
		"user_agent": log.UserAgent,
	})
	return err
}

func (s *Store) accountExists(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, error) {
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// releaseReserved moves units from an account's reserved energy back to
// available, clamped to what is actually reserved.
func (s *Store) releaseReserved(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, units decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	reserved, err := getReservedForUpdate(ctx, tx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	release := units
	if reserved.LessThan(release) {
		release = reserved
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET energy_reserved = energy_reserved - $1,
		    energy_available = energy_available + $1,
		    updated_at = $2
		WHERE id = $3
	`, release.String(), now, accountID); err != nil {
		return decimal.Zero, err
	}
	return release, nil
}

// releaseReservedTo moves units from the seller's reserved energy into the
// buyer's available energy. The buyer is always credited the full fill;
// only the seller-side decrement is clamped to the reserved balance.
func (s *Store) releaseReservedTo(ctx context.Context, tx pgx.Tx, sellerID, buyerID uuid.UUID, units decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	reserved, err := getReservedForUpdate(ctx, tx, sellerID)
	if err != nil {
		return decimal.Zero, err
	}
	moved := units
	if reserved.LessThan(moved) {
		moved = reserved
	}
	if _, err := tx.Exec(ctx, `
		UPDATE accounts
		SET energy_reserved = energy_reserved - $1, updated_at = $2
		WHERE id = $3
	`, moved.String(), now, sellerID); err != nil {
		return decimal.Zero, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE accounts
		SET energy_available = energy_available + $1, updated_at = $2
		WHERE id = $3
	`, units.String(), now, buyerID)
	if err != nil {
		return decimal.Zero, err
	}
	if tag.RowsAffected() == 0 {
		return decimal.Zero, ErrNotFound
	}
	return moved, nil
}

func getReservedForUpdate(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (decimal.Decimal, error) {
	var reservedStr string
	row := tx.QueryRow(ctx, `
		SELECT energy_reserved::text
		FROM accounts
		WHERE id = $1
		FOR UPDATE
	`, accountID)
	if err := row.Scan(&reservedStr); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrNotFound
		}
		return decimal.Zero, err
	}
	reserved, err := decimal.NewFromString(strings.TrimSpace(reservedStr))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse reserved energy: %w", err)
	}
	return reserved, nil
}

func getOfferForUpdate(ctx context.Context, tx pgx.Tx, offerID uuid.UUID) (*Offer, error) {
	row := tx.QueryRow(ctx, `
		SELECT id, creator_id, transformer_id, units::text, remaining_units::text, price_per_unit::text, counter_price::text, counter_by, status, created_at, updated_at, completed_at
		FROM offers
		WHERE id = $1
		FOR UPDATE
	`, offerID)
	offer, err := scanOfferRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return offer, nil
}

func scanAccountRow(row pgx.Row) (*Account, error) {
	var acct Account
	var availableStr, reservedStr string
	if err := row.Scan(&acct.ID, &acct.GridID, &acct.TransformerID, &acct.WalletAddress, &availableStr, &reservedStr, &acct.CreatedAt, &acct.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var err error
	acct.EnergyAvailable, err = decimal.NewFromString(availableStr)
	if err != nil {
		return nil, fmt.Errorf("parse available energy: %w", err)
	}
	acct.EnergyReserved, err = decimal.NewFromString(reservedStr)
	if err != nil {
		return nil, fmt.Errorf("parse reserved energy: %w", err)
	}
	return &acct, nil
}

func scanOfferRow(row pgx.Row) (*Offer, error) {
	var offer Offer
	var unitsStr, remainingStr, priceStr string
	var counterPriceStr *string
	if err := row.Scan(&offer.ID, &offer.CreatorID, &offer.TransformerID, &unitsStr, &remainingStr, &priceStr, &counterPriceStr, &offer.CounterBy, &offer.Status, &offer.CreatedAt, &offer.UpdatedAt, &offer.CompletedAt); err != nil {
		return nil, err
	}

	var err error
	offer.Units, err = decimal.NewFromString(unitsStr)
	if err != nil {
		return nil, fmt.Errorf("parse units: %w", err)
	}
	offer.RemainingUnits, err = decimal.NewFromString(remainingStr)
	if err != nil {
		return nil, fmt.Errorf("parse remaining units: %w", err)
	}
	offer.PricePerUnit, err = decimal.NewFromString(priceStr)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	if counterPriceStr != nil && *counterPriceStr != "" {
		val, err := decimal.NewFromString(*counterPriceStr)
		if err != nil {
			return nil, fmt.Errorf("parse counter price: %w", err)
		}
		offer.CounterPrice = &val
	}
	return &offer, nil
}

func scanFillRow(row pgx.Row) (*Fill, error) {
	var fill Fill
	var unitsStr, costStr string
	if err := row.Scan(&fill.ID, &fill.OfferID, &fill.BuyerID, &unitsStr, &costStr, &fill.Nonce, &fill.Receipt, &fill.SettledAt); err != nil {
		return nil, err
	}
	var err error
	fill.Units, err = decimal.NewFromString(unitsStr)
	if err != nil {
		return nil, fmt.Errorf("parse fill units: %w", err)
	}
	fill.Cost, err = decimal.NewFromString(costStr)
	if err != nil {
		return nil, fmt.Errorf("parse fill cost: %w", err)
	}
	return &fill, nil
}

func scanAttemptRow(row pgx.Row) (*SettlementAttempt, error) {
	var attempt SettlementAttempt
	var unitsStr, costStr string
	if err := row.Scan(&attempt.ID, &attempt.OfferID, &attempt.BuyerID, &unitsStr, &costStr, &attempt.Nonce, &attempt.TxHash, &attempt.Status, &attempt.CreatedAt, &attempt.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	attempt.Units, err = decimal.NewFromString(unitsStr)
	if err != nil {
		return nil, fmt.Errorf("parse attempt units: %w", err)
	}
	attempt.Cost, err = decimal.NewFromString(costStr)
	if err != nil {
		return nil, fmt.Errorf("parse attempt cost: %w", err)
	}
	return &attempt, nil
}

func marketEventKey(eventID string) string {
	trimmed := strings.TrimSpace(eventID)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, marketEventPrefix) {
		return trimmed
	}
	return marketEventPrefix + trimmed
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}
