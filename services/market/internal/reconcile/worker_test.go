package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/gridex-energy/gridex/services/market/internal/ledger"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
)

type fakeStore struct {
	attempts    []storage.SettlementAttempt
	listErr     error
	offerStatus string
	claimErr    error
	claimCalls  int
	commitErr   error
	commitCalls int
	marked      map[uuid.UUID]string
}

func (f *fakeStore) ListUnresolvedAttempts(ctx context.Context, limit int) ([]storage.SettlementAttempt, error) {
	return f.attempts, f.listErr
}

func (f *fakeStore) GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error) {
	status := f.offerStatus
	if status == "" {
		status = storage.OfferStatusOpen
	}
	return &storage.Offer{ID: offerID, Status: status}, nil
}

func (f *fakeStore) ClaimRemaining(ctx context.Context, offerID uuid.UUID, units decimal.Decimal) (*storage.Offer, error) {
	f.claimCalls++
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	return &storage.Offer{ID: offerID, RemainingUnits: decimal.Zero, Status: storage.OfferStatusOpen}, nil
}

func (f *fakeStore) CommitFill(ctx context.Context, params storage.CommitFillParams) (storage.CommitFillResult, error) {
	f.commitCalls++
	if f.commitErr != nil {
		return storage.CommitFillResult{}, f.commitErr
	}
	return storage.CommitFillResult{
		Fill:  &storage.Fill{OfferID: params.OfferID, Nonce: params.Nonce},
		Offer: &storage.Offer{ID: params.OfferID},
	}, nil
}

func (f *fakeStore) UpdateAttemptStatus(ctx context.Context, nonce uuid.UUID, status string) error {
	if f.marked == nil {
		f.marked = make(map[uuid.UUID]string)
	}
	f.marked[nonce] = status
	return nil
}

type fakeChain struct {
	status string
	err    error
	calls  int
}

func (f *fakeChain) TransactionStatus(ctx context.Context, txHash string) (string, error) {
	f.calls++
	return f.status, f.err
}

type fakeProducer struct {
	topics []string
}

func (f *fakeProducer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	f.topics = append(f.topics, topic)
	return 0, 0, nil
}

func (f *fakeProducer) Close() error { return nil }

func attemptFixture(status string) storage.SettlementAttempt {
	return storage.SettlementAttempt{
		ID:      uuid.New(),
		OfferID: uuid.New(),
		BuyerID: uuid.New(),
		Units:   decimal.NewFromInt(3),
		Cost:    decimal.NewFromInt(9),
		Nonce:   uuid.New(),
		TxHash:  "0xfeed",
		Status:  status,
	}
}

func newTestWorker(store *fakeStore, chain *fakeChain, producer *fakeProducer) *Worker {
	return NewWorker(store, chain, producer, slog.Default(), nil, "market.settlement.resolved", 0)
}

func TestSweepRetriesCommit(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusNeedsReconciliation)
	store := &fakeStore{attempts: []storage.SettlementAttempt{attempt}}
	chain := &fakeChain{}
	producer := &fakeProducer{}

	newTestWorker(store, chain, producer).Sweep(context.Background())

	if store.commitCalls != 1 {
		t.Fatalf("expected one commit retry, got %d", store.commitCalls)
	}
	if store.claimCalls != 0 {
		t.Fatal("needs_reconciliation must not re-claim, the claim is still held")
	}
	if chain.calls != 0 {
		t.Fatal("needs_reconciliation needs no receipt lookup")
	}
	if len(producer.topics) != 1 {
		t.Fatalf("expected one resolved event, got %v", producer.topics)
	}
}

func TestSweepCommitErrorLeftForNextPass(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusNeedsReconciliation)
	store := &fakeStore{
		attempts:  []storage.SettlementAttempt{attempt},
		commitErr: errors.New("db down"),
	}
	producer := &fakeProducer{}

	newTestWorker(store, &fakeChain{}, producer).Sweep(context.Background())

	if len(producer.topics) != 0 {
		t.Fatalf("failed commit must not publish resolution, got %v", producer.topics)
	}
	if store.marked[attempt.Nonce] != "" {
		t.Fatalf("failed commit must leave the attempt untouched, got %s", store.marked[attempt.Nonce])
	}
}

func TestSweepAbandonsIndeterminateWithoutHash(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	attempt.TxHash = ""
	store := &fakeStore{attempts: []storage.SettlementAttempt{attempt}}
	chain := &fakeChain{}

	newTestWorker(store, chain, &fakeProducer{}).Sweep(context.Background())

	if chain.calls != 0 {
		t.Fatal("no tx hash, no receipt lookup")
	}
	if store.marked[attempt.Nonce] != storage.AttemptStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", store.marked[attempt.Nonce])
	}
}

func TestSweepSkipsPendingTransaction(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{attempts: []storage.SettlementAttempt{attempt}}
	chain := &fakeChain{status: ledger.TxStatusPending}

	newTestWorker(store, chain, &fakeProducer{}).Sweep(context.Background())

	if store.commitCalls != 0 || store.claimCalls != 0 {
		t.Fatal("pending transaction must be left for the next pass")
	}
	if store.marked[attempt.Nonce] != "" {
		t.Fatalf("pending transaction must not change status, got %s", store.marked[attempt.Nonce])
	}
}

func TestSweepAbandonsFailedTransaction(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{attempts: []storage.SettlementAttempt{attempt}}
	chain := &fakeChain{status: ledger.TxStatusFailed}

	newTestWorker(store, chain, &fakeProducer{}).Sweep(context.Background())

	if store.marked[attempt.Nonce] != storage.AttemptStatusAbandoned {
		t.Fatalf("expected abandoned, got %s", store.marked[attempt.Nonce])
	}
	if store.claimCalls != 0 {
		t.Fatal("failed transaction must not re-claim units")
	}
}

func TestSweepAppliesConfirmedTransaction(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{attempts: []storage.SettlementAttempt{attempt}}
	chain := &fakeChain{status: ledger.TxStatusConfirmed}
	producer := &fakeProducer{}

	newTestWorker(store, chain, producer).Sweep(context.Background())

	if store.claimCalls != 1 {
		t.Fatalf("confirmed transfer must re-claim units, got %d claims", store.claimCalls)
	}
	if store.commitCalls != 1 {
		t.Fatalf("confirmed transfer must commit the fill, got %d commits", store.commitCalls)
	}
	if len(producer.topics) != 1 {
		t.Fatalf("expected one resolved event, got %v", producer.topics)
	}
}

func TestSweepConfirmedButUnclaimableIsUnresolvable(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{
		attempts:    []storage.SettlementAttempt{attempt},
		offerStatus: storage.OfferStatusCancelled,
		claimErr:    storage.ErrInvalidStatus,
	}
	chain := &fakeChain{status: ledger.TxStatusConfirmed}
	producer := &fakeProducer{}

	newTestWorker(store, chain, producer).Sweep(context.Background())

	if store.marked[attempt.Nonce] != storage.AttemptStatusUnresolvable {
		t.Fatalf("expected unresolvable, got %s", store.marked[attempt.Nonce])
	}
	if len(producer.topics) != 1 {
		t.Fatalf("unresolvable attempts must be surfaced, got %v", producer.topics)
	}
	if store.commitCalls != 0 {
		t.Fatal("failed claim must not commit")
	}
}

func TestSweepConfirmedWaitsOutNegotiation(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{
		attempts:    []storage.SettlementAttempt{attempt},
		offerStatus: storage.OfferStatusNegotiation,
		claimErr:    storage.ErrInvalidStatus,
	}
	chain := &fakeChain{status: ledger.TxStatusConfirmed}
	producer := &fakeProducer{}

	newTestWorker(store, chain, producer).Sweep(context.Background())

	if store.marked[attempt.Nonce] != "" {
		t.Fatalf("negotiation resolves back to open, attempt must wait, got %s", store.marked[attempt.Nonce])
	}
	if len(producer.topics) != 0 {
		t.Fatalf("waiting attempt must not publish resolution, got %v", producer.topics)
	}
	if store.commitCalls != 0 {
		t.Fatal("failed claim must not commit")
	}
}

func TestSweepConfirmedOverCapacityIsUnresolvable(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{
		attempts: []storage.SettlementAttempt{attempt},
		claimErr: storage.ErrOverCapacity,
	}
	chain := &fakeChain{status: ledger.TxStatusConfirmed}
	producer := &fakeProducer{}

	newTestWorker(store, chain, producer).Sweep(context.Background())

	if store.marked[attempt.Nonce] != storage.AttemptStatusUnresolvable {
		t.Fatalf("expected unresolvable, got %s", store.marked[attempt.Nonce])
	}
	if len(producer.topics) != 1 {
		t.Fatalf("unresolvable attempts must be surfaced, got %v", producer.topics)
	}
}

func TestSweepConfirmedCommitFailureFlipsStatus(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{
		attempts:  []storage.SettlementAttempt{attempt},
		commitErr: errors.New("db down"),
	}
	chain := &fakeChain{status: ledger.TxStatusConfirmed}

	newTestWorker(store, chain, &fakeProducer{}).Sweep(context.Background())

	if store.marked[attempt.Nonce] != storage.AttemptStatusNeedsReconciliation {
		t.Fatalf("claim held again, expected needs_reconciliation, got %s", store.marked[attempt.Nonce])
	}
}

func TestSweepChainErrorLeavesAttempt(t *testing.T) {
	attempt := attemptFixture(storage.AttemptStatusIndeterminate)
	store := &fakeStore{attempts: []storage.SettlementAttempt{attempt}}
	chain := &fakeChain{err: errors.New("connection refused")}

	newTestWorker(store, chain, &fakeProducer{}).Sweep(context.Background())

	if store.marked[attempt.Nonce] != "" {
		t.Fatalf("receipt lookup failure must leave the attempt, got %s", store.marked[attempt.Nonce])
	}
}
