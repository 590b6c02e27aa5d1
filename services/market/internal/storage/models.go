package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	OfferStatusOpen        = "open"
	OfferStatusNegotiation = "negotiation"
	OfferStatusCancelled   = "cancelled"
	OfferStatusCompleted   = "completed"
)

const (
	AttemptStatusIndeterminate       = "indeterminate"
	AttemptStatusNeedsReconciliation = "needs_reconciliation"
	AttemptStatusResolved            = "resolved"
	AttemptStatusAbandoned           = "abandoned"
	AttemptStatusUnresolvable        = "unresolvable"
)

type Account struct {
	ID              uuid.UUID
	GridID          string
	TransformerID   string
	WalletAddress   string
	EnergyAvailable decimal.Decimal
	EnergyReserved  decimal.Decimal
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Offer struct {
	ID             uuid.UUID
	CreatorID      uuid.UUID
	TransformerID  string
	Units          decimal.Decimal
	RemainingUnits decimal.Decimal
	PricePerUnit   decimal.Decimal
	CounterPrice   *decimal.Decimal
	CounterBy      *uuid.UUID
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

type Fill struct {
	ID        uuid.UUID
	OfferID   uuid.UUID
	BuyerID   uuid.UUID
	Units     decimal.Decimal
	Cost      decimal.Decimal
	Nonce     uuid.UUID
	Receipt   string
	SettledAt time.Time
}

type SettlementAttempt struct {
	ID        uuid.UUID
	OfferID   uuid.UUID
	BuyerID   uuid.UUID
	Units     decimal.Decimal
	Cost      decimal.Decimal
	Nonce     uuid.UUID
	TxHash    string
	Status    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type OfferFilter struct {
	TransformerID string
	CreatorID     *uuid.UUID
	Status        string
	Cursor        string
	Limit         int
}

type AuditLog struct {
	ActorID    uuid.UUID
	ActorType  string
	Action     string
	EntityType string
	EntityID   *uuid.UUID
	IP         string
	UserAgent  string
}
