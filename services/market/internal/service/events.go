package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridex-energy/gridex/libs/kafka"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
)

type OfferCreatedEvent struct {
	kafka.Envelope
	OfferID       string `json:"offer_id"`
	CreatorID     string `json:"creator_id"`
	TransformerID string `json:"transformer_id"`
	Units         string `json:"units"`
	PricePerUnit  string `json:"price_per_unit"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

type OfferCancelledEvent struct {
	kafka.Envelope
	OfferID       string `json:"offer_id"`
	CreatorID     string `json:"creator_id"`
	ReleasedUnits string `json:"released_units"`
	Status        string `json:"status"`
	CancelledAt   string `json:"cancelled_at"`
}

type OfferFilledEvent struct {
	kafka.Envelope
	OfferID        string `json:"offer_id"`
	FillID         string `json:"fill_id"`
	BuyerID        string `json:"buyer_id"`
	Units          string `json:"units"`
	Cost           string `json:"cost"`
	Nonce          string `json:"nonce"`
	Receipt        string `json:"receipt"`
	RemainingUnits string `json:"remaining_units"`
	SettledAt      string `json:"settled_at"`
}

type OfferCompletedEvent struct {
	kafka.Envelope
	OfferID     string `json:"offer_id"`
	CreatorID   string `json:"creator_id"`
	Units       string `json:"units"`
	CompletedAt string `json:"completed_at"`
}

type OfferNegotiationEvent struct {
	kafka.Envelope
	OfferID      string `json:"offer_id"`
	Action       string `json:"action"`
	PricePerUnit string `json:"price_per_unit"`
	CounterPrice string `json:"counter_price,omitempty"`
	CounterBy    string `json:"counter_by,omitempty"`
	Status       string `json:"status"`
}

type SettlementUnresolvedEvent struct {
	kafka.Envelope
	OfferID string `json:"offer_id"`
	Nonce   string `json:"nonce"`
	TxHash  string `json:"tx_hash,omitempty"`
	Status  string `json:"status"`
}

func (s *MarketService) publishOfferCreated(ctx context.Context, correlationID string, offer *storage.Offer) {
	if s.producer == nil || offer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("offers.created", offer.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "offers.created", 1, correlationID)
	if err != nil {
		s.logger.Error("build offer created envelope failed", "error", err)
		return
	}
	payload := OfferCreatedEvent{
		Envelope:      env,
		OfferID:       offer.ID.String(),
		CreatorID:     offer.CreatorID.String(),
		TransformerID: offer.TransformerID,
		Units:         offer.Units.String(),
		PricePerUnit:  offer.PricePerUnit.String(),
		Status:        offer.Status,
		CreatedAt:     offer.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OffersCreated, offer.TransformerID, payload); err != nil {
		s.logger.Error("publish offer created failed", "error", err)
	}
}

func (s *MarketService) publishOfferCancelled(ctx context.Context, correlationID string, offer *storage.Offer, released decimal.Decimal) {
	if s.producer == nil || offer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("offers.cancelled", offer.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "offers.cancelled", 1, correlationID)
	if err != nil {
		s.logger.Error("build offer cancelled envelope failed", "error", err)
		return
	}
	payload := OfferCancelledEvent{
		Envelope:      env,
		OfferID:       offer.ID.String(),
		CreatorID:     offer.CreatorID.String(),
		ReleasedUnits: released.String(),
		Status:        offer.Status,
		CancelledAt:   offer.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OffersCancelled, offer.TransformerID, payload); err != nil {
		s.logger.Error("publish offer cancelled failed", "error", err)
	}
}

func (s *MarketService) publishOfferFilled(ctx context.Context, correlationID string, fill *storage.Fill, offer *storage.Offer) {
	if s.producer == nil || fill == nil || offer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("offers.filled", offer.ID.String(), fill.Nonce.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "offers.filled", 1, correlationID)
	if err != nil {
		s.logger.Error("build offer filled envelope failed", "error", err)
		return
	}
	payload := OfferFilledEvent{
		Envelope:       env,
		OfferID:        offer.ID.String(),
		FillID:         fill.ID.String(),
		BuyerID:        fill.BuyerID.String(),
		Units:          fill.Units.String(),
		Cost:           fill.Cost.String(),
		Nonce:          fill.Nonce.String(),
		Receipt:        fill.Receipt,
		RemainingUnits: offer.RemainingUnits.String(),
		SettledAt:      fill.SettledAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OffersFilled, offer.TransformerID, payload); err != nil {
		s.logger.Error("publish offer filled failed", "error", err)
	}
}

func (s *MarketService) publishOfferCompleted(ctx context.Context, correlationID string, offer *storage.Offer) {
	if s.producer == nil || offer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("offers.completed", offer.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "offers.completed", 1, correlationID)
	if err != nil {
		s.logger.Error("build offer completed envelope failed", "error", err)
		return
	}
	completedAt := offer.UpdatedAt
	if offer.CompletedAt != nil {
		completedAt = *offer.CompletedAt
	}
	payload := OfferCompletedEvent{
		Envelope:    env,
		OfferID:     offer.ID.String(),
		CreatorID:   offer.CreatorID.String(),
		Units:       offer.Units.String(),
		CompletedAt: completedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OffersCompleted, offer.TransformerID, payload); err != nil {
		s.logger.Error("publish offer completed failed", "error", err)
	}
}

func (s *MarketService) publishNegotiation(ctx context.Context, correlationID string, offer *storage.Offer, action string) {
	if s.producer == nil || offer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("offers.negotiation", offer.ID.String(), action, offer.UpdatedAt.UTC().Format(time.RFC3339Nano))
	env, err := kafka.NewEnvelopeWithID(eventID, "offers.negotiation", 1, correlationID)
	if err != nil {
		s.logger.Error("build negotiation envelope failed", "error", err)
		return
	}
	payload := OfferNegotiationEvent{
		Envelope:     env,
		OfferID:      offer.ID.String(),
		Action:       action,
		PricePerUnit: offer.PricePerUnit.String(),
		Status:       offer.Status,
	}
	if offer.CounterPrice != nil {
		payload.CounterPrice = offer.CounterPrice.String()
	}
	if offer.CounterBy != nil {
		payload.CounterBy = offer.CounterBy.String()
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OffersNegotiation, offer.TransformerID, payload); err != nil {
		s.logger.Error("publish negotiation failed", "error", err)
	}
}

func (s *MarketService) publishSettlementUnresolved(ctx context.Context, correlationID string, offerID, nonce uuid.UUID, txHash, status string) {
	if s.producer == nil {
		return
	}
	eventID := kafka.DeterministicEventID("settlement.unresolved", offerID.String(), nonce.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "settlement.unresolved", 1, correlationID)
	if err != nil {
		s.logger.Error("build settlement unresolved envelope failed", "error", err)
		return
	}
	payload := SettlementUnresolvedEvent{
		Envelope: env,
		OfferID:  offerID.String(),
		Nonce:    nonce.String(),
		TxHash:   txHash,
		Status:   status,
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.SettlementUnresolved, offerID.String(), payload); err != nil {
		s.logger.Error("publish settlement unresolved failed", "error", err)
	}
}
