package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/gridex-energy/gridex/services/testutil"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool, context.Context) {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(pool.Close)

	return New(pool, slog.Default()), pool, context.Background()
}

func createTestAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, available int64) uuid.UUID {
	t.Helper()
	accountID := uuid.New()
	_, err := pool.Exec(ctx, `
		INSERT INTO accounts (id, grid_id, transformer_id, wallet_address, energy_available, energy_reserved, created_at, updated_at)
		VALUES ($1, $2, 'tx-12', $3, $4, 0, now(), now())
	`, accountID, "grid-"+accountID.String()[:8], "0x"+accountID.String()[:8], decimal.NewFromInt(available))
	if err != nil {
		t.Fatalf("insert account: %v", err)
	}
	t.Cleanup(func() {
		cleanupAccount(ctx, pool, accountID)
	})
	return accountID
}

func cleanupAccount(ctx context.Context, pool *pgxpool.Pool, accountID uuid.UUID) {
	queries := []string{
		fmt.Sprintf("DELETE FROM settlement_attempts WHERE buyer_id = '%s'", accountID),
		fmt.Sprintf("DELETE FROM fills WHERE buyer_id = '%s'", accountID),
		fmt.Sprintf("DELETE FROM offers WHERE creator_id = '%s'", accountID),
		fmt.Sprintf("DELETE FROM accounts WHERE id = '%s'", accountID),
	}
	for _, q := range queries {
		_, _ = pool.Exec(ctx, q)
	}
}

func accountBalances(t *testing.T, ctx context.Context, store *Store, accountID uuid.UUID) (decimal.Decimal, decimal.Decimal) {
	t.Helper()
	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return account.EnergyAvailable, account.EnergyReserved
}

func TestCreateOfferReservesEnergy(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(40), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if offer.Status != OfferStatusOpen {
		t.Fatalf("expected open offer, got %s", offer.Status)
	}

	available, reserved := accountBalances(t, ctx, store, creatorID)
	if !available.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected available 60, got %s", available)
	}
	if !reserved.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected reserved 40, got %s", reserved)
	}
}

func TestCreateOfferInsufficientEnergy(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 10)

	_, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(11), decimal.NewFromInt(3))
	if !errors.Is(err, ErrInsufficientEnergy) {
		t.Fatalf("expected ErrInsufficientEnergy, got %v", err)
	}

	available, reserved := accountBalances(t, ctx, store, creatorID)
	if !available.Equal(decimal.NewFromInt(10)) || !reserved.IsZero() {
		t.Fatalf("failed create must not move energy, got available=%s reserved=%s", available, reserved)
	}
}

func TestCreateOfferUnknownAccount(t *testing.T) {
	store, _, ctx := setupStore(t)

	_, err := store.CreateOffer(ctx, uuid.New(), decimal.NewFromInt(1), decimal.NewFromInt(1))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelOfferReleasesRemaining(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(40), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	cancelled, released, err := store.CancelOffer(ctx, offer.ID, creatorID)
	if err != nil {
		t.Fatalf("CancelOffer: %v", err)
	}
	if cancelled.Status != OfferStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if !released.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected 40 released, got %s", released)
	}

	available, reserved := accountBalances(t, ctx, store, creatorID)
	if !available.Equal(decimal.NewFromInt(100)) || !reserved.IsZero() {
		t.Fatalf("expected full balance restored, got available=%s reserved=%s", available, reserved)
	}

	_, _, err = store.CancelOffer(ctx, offer.ID, creatorID)
	if !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on double cancel, got %v", err)
	}
}

func TestCancelOfferByNonCreator(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	otherID := createTestAccount(t, ctx, pool, 100)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	_, _, err = store.CancelOffer(ctx, offer.ID, otherID)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestClaimRemainingEnforcesCapacity(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	claimed, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(6))
	if err != nil {
		t.Fatalf("ClaimRemaining: %v", err)
	}
	if !claimed.RemainingUnits.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected remaining 4, got %s", claimed.RemainingUnits)
	}

	_, err = store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(5))
	if !errors.Is(err, ErrOverCapacity) {
		t.Fatalf("expected ErrOverCapacity, got %v", err)
	}

	if err := store.RestoreRemaining(ctx, offer.ID, decimal.NewFromInt(6)); err != nil {
		t.Fatalf("RestoreRemaining: %v", err)
	}
	restored, err := store.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if !restored.RemainingUnits.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected remaining back to 10, got %s", restored.RemainingUnits)
	}
}

func TestCommitFillIdempotentByNonce(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(4)); err != nil {
		t.Fatalf("ClaimRemaining: %v", err)
	}

	params := CommitFillParams{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(4),
		Cost:    decimal.NewFromInt(12),
		Nonce:   uuid.New(),
		Receipt: "0xabc",
	}
	first, err := store.CommitFill(ctx, params)
	if err != nil {
		t.Fatalf("CommitFill: %v", err)
	}
	if first.AlreadyApplied {
		t.Fatal("expected fresh fill")
	}

	second, err := store.CommitFill(ctx, params)
	if err != nil {
		t.Fatalf("CommitFill replay: %v", err)
	}
	if !second.AlreadyApplied {
		t.Fatal("expected replay to be detected")
	}
	if second.Fill.ID != first.Fill.ID {
		t.Fatalf("expected same fill on replay, got %s and %s", first.Fill.ID, second.Fill.ID)
	}

	_, sellerReserved := accountBalances(t, ctx, store, creatorID)
	if !sellerReserved.Equal(decimal.NewFromInt(6)) {
		t.Fatalf("expected seller reserved 6 after one fill, got %s", sellerReserved)
	}
	buyerAvailable, _ := accountBalances(t, ctx, store, buyerID)
	if !buyerAvailable.Equal(decimal.NewFromInt(4)) {
		t.Fatalf("expected buyer credited once, got %s", buyerAvailable)
	}
}

func TestCommitFillCompletesOffer(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(5), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("ClaimRemaining: %v", err)
	}

	result, err := store.CommitFill(ctx, CommitFillParams{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(5),
		Cost:    decimal.NewFromInt(10),
		Nonce:   uuid.New(),
		Receipt: "0xdone",
	})
	if err != nil {
		t.Fatalf("CommitFill: %v", err)
	}
	if !result.Completed {
		t.Fatal("expected completion on last unit")
	}
	if result.Offer.Status != OfferStatusCompleted {
		t.Fatalf("expected completed status, got %s", result.Offer.Status)
	}
	if result.Offer.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}
}

func TestRestoreRemainingOnCancelledOffer(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(4)); err != nil {
		t.Fatalf("ClaimRemaining: %v", err)
	}
	if _, _, err := store.CancelOffer(ctx, offer.ID, creatorID); err != nil {
		t.Fatalf("CancelOffer: %v", err)
	}

	// The cancel released 6 reserved units; restoring the in-flight claim
	// must release the remaining 4 straight to the creator.
	if err := store.RestoreRemaining(ctx, offer.ID, decimal.NewFromInt(4)); err != nil {
		t.Fatalf("RestoreRemaining: %v", err)
	}

	available, reserved := accountBalances(t, ctx, store, creatorID)
	if !available.Equal(decimal.NewFromInt(100)) || !reserved.IsZero() {
		t.Fatalf("expected full balance back, got available=%s reserved=%s", available, reserved)
	}

	cancelled, err := store.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if cancelled.Status != OfferStatusCancelled {
		t.Fatalf("cancelled offer must stay cancelled, got %s", cancelled.Status)
	}
}

func TestRestoreRemainingReopensCompletedOffer(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(5), decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(5)); err != nil {
		t.Fatalf("ClaimRemaining: %v", err)
	}
	if _, err := store.CommitFill(ctx, CommitFillParams{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(3),
		Cost:    decimal.NewFromInt(6),
		Nonce:   uuid.New(),
		Receipt: "0x1",
	}); err != nil {
		t.Fatalf("CommitFill: %v", err)
	}

	// A concurrent claim of the last two units failed after the offer
	// completed; restoring must reopen the offer so remaining stays in
	// step with its status.
	if err := store.RestoreRemaining(ctx, offer.ID, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("RestoreRemaining: %v", err)
	}
	restored, err := store.GetOffer(ctx, offer.ID)
	if err != nil {
		t.Fatalf("GetOffer: %v", err)
	}
	if restored.Status == OfferStatusCompleted && !restored.RemainingUnits.IsZero() {
		t.Fatalf("completed offer must have zero remaining, got %s", restored.RemainingUnits)
	}
	if !restored.RemainingUnits.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected remaining 2, got %s", restored.RemainingUnits)
	}
	if restored.Status != OfferStatusOpen {
		t.Fatalf("expected reopened offer, got %s", restored.Status)
	}
}

func TestCounterLifecycle(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	negotiating, err := store.ProposeCounter(ctx, offer.ID, buyerID, decimal.NewFromInt(2))
	if err != nil {
		t.Fatalf("ProposeCounter: %v", err)
	}
	if negotiating.Status != OfferStatusNegotiation {
		t.Fatalf("expected negotiation, got %s", negotiating.Status)
	}
	if negotiating.CounterPrice == nil || !negotiating.CounterPrice.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected counter price 2, got %v", negotiating.CounterPrice)
	}

	// Fills are rejected while a counter is pending.
	if _, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(1)); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus during negotiation, got %v", err)
	}

	// Only the creator resolves a counter.
	if _, err := store.ResolveCounter(ctx, offer.ID, buyerID, true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-creator, got %v", err)
	}

	accepted, err := store.ResolveCounter(ctx, offer.ID, creatorID, true)
	if err != nil {
		t.Fatalf("ResolveCounter accept: %v", err)
	}
	if accepted.Status != OfferStatusOpen {
		t.Fatalf("expected open after accept, got %s", accepted.Status)
	}
	if !accepted.PricePerUnit.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected repriced to 2, got %s", accepted.PricePerUnit)
	}
	if accepted.CounterPrice != nil {
		t.Fatal("expected counter cleared after accept")
	}
}

func TestCounterRejectKeepsPrice(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := store.ProposeCounter(ctx, offer.ID, buyerID, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("ProposeCounter: %v", err)
	}

	rejected, err := store.ResolveCounter(ctx, offer.ID, creatorID, false)
	if err != nil {
		t.Fatalf("ResolveCounter reject: %v", err)
	}
	if rejected.Status != OfferStatusOpen {
		t.Fatalf("expected open after reject, got %s", rejected.Status)
	}
	if !rejected.PricePerUnit.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected original price kept, got %s", rejected.PricePerUnit)
	}
}

func TestProposeCounterByCreator(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	_, err = store.ProposeCounter(ctx, offer.ID, creatorID, decimal.NewFromInt(2))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreditEnergyIdempotent(t *testing.T) {
	store, pool, ctx := setupStore(t)
	accountID := createTestAccount(t, ctx, pool, 10)
	eventID := "reading:" + uuid.NewString()

	applied, err := store.CreditEnergy(ctx, accountID, decimal.NewFromInt(5), eventID)
	if err != nil {
		t.Fatalf("CreditEnergy: %v", err)
	}
	if !applied {
		t.Fatal("expected first credit applied")
	}

	applied, err = store.CreditEnergy(ctx, accountID, decimal.NewFromInt(5), eventID)
	if err != nil {
		t.Fatalf("CreditEnergy duplicate: %v", err)
	}
	if applied {
		t.Fatal("expected duplicate skipped")
	}

	available, _ := accountBalances(t, ctx, store, accountID)
	if !available.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected available 15, got %s", available)
	}
}

func TestCreditEnergyClampsAtZero(t *testing.T) {
	store, pool, ctx := setupStore(t)
	accountID := createTestAccount(t, ctx, pool, 3)

	applied, err := store.CreditEnergy(ctx, accountID, decimal.NewFromInt(-10), "reading:"+uuid.NewString())
	if err != nil {
		t.Fatalf("CreditEnergy: %v", err)
	}
	if !applied {
		t.Fatal("expected negative delta applied")
	}

	available, _ := accountBalances(t, ctx, store, accountID)
	if !available.IsZero() {
		t.Fatalf("expected available clamped to 0, got %s", available)
	}
}

func TestListOffersPagination(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)

	for i := 0; i < 3; i++ {
		if _, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(5), decimal.NewFromInt(int64(i+1))); err != nil {
			t.Fatalf("CreateOffer %d: %v", i, err)
		}
	}

	page, cursor, err := store.ListOffers(ctx, OfferFilter{CreatorID: &creatorID, Limit: 2})
	if err != nil {
		t.Fatalf("ListOffers: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(page))
	}
	if cursor == "" {
		t.Fatal("expected next cursor")
	}

	rest, _, err := store.ListOffers(ctx, OfferFilter{CreatorID: &creatorID, Limit: 2, Cursor: cursor})
	if err != nil {
		t.Fatalf("ListOffers page 2: %v", err)
	}
	if len(rest) != 1 {
		t.Fatalf("expected 1 offer on second page, got %d", len(rest))
	}

	_, _, err = store.ListOffers(ctx, OfferFilter{Cursor: "garbage"})
	if !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected ErrInvalidCursor, got %v", err)
	}
}

func TestAttemptLifecycle(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}

	nonce := uuid.New()
	if _, err := store.InsertAttempt(ctx, SettlementAttempt{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(2),
		Cost:    decimal.NewFromInt(6),
		Nonce:   nonce,
		Status:  AttemptStatusIndeterminate,
	}); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}

	// Upsert by nonce: the retry path overwrites hash and status.
	if _, err := store.InsertAttempt(ctx, SettlementAttempt{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(2),
		Cost:    decimal.NewFromInt(6),
		Nonce:   nonce,
		TxHash:  "0xbeef",
		Status:  AttemptStatusNeedsReconciliation,
	}); err != nil {
		t.Fatalf("InsertAttempt upsert: %v", err)
	}

	unresolved, err := store.ListUnresolvedAttempts(ctx, 10)
	if err != nil {
		t.Fatalf("ListUnresolvedAttempts: %v", err)
	}
	found := false
	for _, a := range unresolved {
		if a.Nonce == nonce {
			found = true
			if a.TxHash != "0xbeef" || a.Status != AttemptStatusNeedsReconciliation {
				t.Fatalf("expected upserted attempt, got %+v", a)
			}
		}
	}
	if !found {
		t.Fatal("expected attempt listed as unresolved")
	}

	if err := store.UpdateAttemptStatus(ctx, nonce, AttemptStatusAbandoned); err != nil {
		t.Fatalf("UpdateAttemptStatus: %v", err)
	}
	attempt, err := store.GetAttemptByNonce(ctx, nonce)
	if err != nil {
		t.Fatalf("GetAttemptByNonce: %v", err)
	}
	if attempt.Status != AttemptStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", attempt.Status)
	}
}

func TestCommitFillResolvesAttempt(t *testing.T) {
	store, pool, ctx := setupStore(t)
	creatorID := createTestAccount(t, ctx, pool, 100)
	buyerID := createTestAccount(t, ctx, pool, 0)

	offer, err := store.CreateOffer(ctx, creatorID, decimal.NewFromInt(10), decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if _, err := store.ClaimRemaining(ctx, offer.ID, decimal.NewFromInt(2)); err != nil {
		t.Fatalf("ClaimRemaining: %v", err)
	}

	nonce := uuid.New()
	if _, err := store.InsertAttempt(ctx, SettlementAttempt{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(2),
		Cost:    decimal.NewFromInt(6),
		Nonce:   nonce,
		TxHash:  "0xbeef",
		Status:  AttemptStatusNeedsReconciliation,
	}); err != nil {
		t.Fatalf("InsertAttempt: %v", err)
	}

	if _, err := store.CommitFill(ctx, CommitFillParams{
		OfferID: offer.ID,
		BuyerID: buyerID,
		Units:   decimal.NewFromInt(2),
		Cost:    decimal.NewFromInt(6),
		Nonce:   nonce,
		Receipt: "0xbeef",
	}); err != nil {
		t.Fatalf("CommitFill: %v", err)
	}

	attempt, err := store.GetAttemptByNonce(ctx, nonce)
	if err != nil {
		t.Fatalf("GetAttemptByNonce: %v", err)
	}
	if attempt.Status != AttemptStatusResolved {
		t.Fatalf("expected resolved attempt, got %s", attempt.Status)
	}
}
