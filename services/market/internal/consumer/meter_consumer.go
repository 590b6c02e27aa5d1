package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"log/slog"

	"github.com/gridex-energy/gridex/libs/kafka"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
)

const meterReadingsEventType = "meter.readings"

// MeterReadingEvent carries the net metered energy delta for an account
// over an aggregation window: generation minus consumption, in units.
type MeterReadingEvent struct {
	kafka.Envelope
	ReadingID  string `json:"reading_id"`
	AccountID  string `json:"account_id"`
	DeltaUnits string `json:"delta_units"`
	WindowEnd  string `json:"window_end"`
}

type EnergyCreditor interface {
	CreditEnergy(ctx context.Context, accountID uuid.UUID, delta decimal.Decimal, eventID string) (bool, error)
}

type MeterConsumer struct {
	store  EnergyCreditor
	logger *slog.Logger
}

func NewMeterConsumer(store EnergyCreditor, logger *slog.Logger) *MeterConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MeterConsumer{store: store, logger: logger}
}

func (c *MeterConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "decode")
	}
	var event MeterReadingEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode meter.readings: %w", err), "decode")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "validate")
	}

	accountID, err := uuid.Parse(strings.TrimSpace(event.AccountID))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("invalid account_id"), "validate")
	}
	delta, err := decimal.NewFromString(strings.TrimSpace(event.DeltaUnits))
	if err != nil {
		return kafka.DLQ(fmt.Errorf("delta_units must be decimal"), "validate")
	}

	eventID := event.EventID
	if strings.TrimSpace(event.ReadingID) != "" {
		eventID = "reading:" + strings.TrimSpace(event.ReadingID)
	}

	applied, err := c.store.CreditEnergy(ctx, accountID, delta, eventID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("meter reading for unknown account",
				"account_id", accountID, "reading_id", event.ReadingID, "event_id", event.EventID)
			return kafka.DLQ(err, "unknown_account")
		}
		return fmt.Errorf("credit energy: %w", err)
	}
	if !applied {
		c.logger.Info("meter reading already applied",
			"account_id", accountID, "reading_id", event.ReadingID, "event_id", event.EventID)
		return nil
	}

	c.logger.Info("metered energy applied",
		"account_id", accountID, "delta_units", delta.String(), "reading_id", event.ReadingID)
	return nil
}

func (e *MeterReadingEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != meterReadingsEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if strings.TrimSpace(e.AccountID) == "" {
		return fmt.Errorf("account_id is required")
	}
	if strings.TrimSpace(e.DeltaUnits) == "" {
		return fmt.Errorf("delta_units is required")
	}
	if _, err := decimal.NewFromString(strings.TrimSpace(e.DeltaUnits)); err != nil {
		return fmt.Errorf("delta_units must be decimal")
	}
	return nil
}
