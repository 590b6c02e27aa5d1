package validation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	return "invalid request"
}

func ValidateCreateOffer(units, pricePerUnit string) ValidationErrors {
	var errs ValidationErrors
	if _, err := parsePositiveDecimal(units, "units"); err != nil {
		errs = append(errs, FieldError{Field: "units", Message: err.Error()})
	}
	if _, err := parsePositiveDecimal(pricePerUnit, "price_per_unit"); err != nil {
		errs = append(errs, FieldError{Field: "price_per_unit", Message: err.Error()})
	}
	return errs
}

func ValidateAcceptOffer(units, nonce string) ValidationErrors {
	var errs ValidationErrors
	if _, err := parsePositiveDecimal(units, "units"); err != nil {
		errs = append(errs, FieldError{Field: "units", Message: err.Error()})
	}
	trimmed := strings.TrimSpace(nonce)
	if trimmed == "" {
		errs = append(errs, FieldError{Field: "nonce", Message: "nonce is required"})
	} else if id, err := uuid.Parse(trimmed); err != nil || id == uuid.Nil {
		errs = append(errs, FieldError{Field: "nonce", Message: "nonce must be a non-nil uuid"})
	}
	return errs
}

func ValidateCounterPrice(counterPrice string) ValidationErrors {
	var errs ValidationErrors
	if _, err := parsePositiveDecimal(counterPrice, "counter_price"); err != nil {
		errs = append(errs, FieldError{Field: "counter_price", Message: err.Error()})
	}
	return errs
}

func ValidateOfferStatus(status string) ValidationErrors {
	trimmed := strings.ToLower(strings.TrimSpace(status))
	switch trimmed {
	case "", "open", "negotiation", "cancelled", "completed":
		return nil
	}
	return ValidationErrors{{Field: "status", Message: "status must be open, negotiation, cancelled, or completed"}}
}

func parsePositiveDecimal(raw, field string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, fmt.Errorf("%s is required", field)
	}
	val, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s must be a decimal", field)
	}
	if val.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("%s must be positive", field)
	}
	return val, nil
}
