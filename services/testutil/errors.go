package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest          = "INVALID_REQUEST"
	ErrorCodeUnauthorized            = "UNAUTHORIZED"
	ErrorCodeForbidden               = "FORBIDDEN"
	ErrorCodeRateLimited             = "RATE_LIMITED"
	ErrorCodeOfferNotFound           = "OFFER_NOT_FOUND"
	ErrorCodeInvalidState            = "INVALID_STATE"
	ErrorCodeSelfTrade               = "SELF_TRADE"
	ErrorCodeOverCapacity            = "OVER_CAPACITY"
	ErrorCodeInsufficientEnergy      = "INSUFFICIENT_ENERGY"
	ErrorCodeInsufficientFunds       = "INSUFFICIENT_FUNDS"
	ErrorCodeTransferRejected        = "TRANSFER_REJECTED"
	ErrorCodeSettlementUnavailable   = "SETTLEMENT_UNAVAILABLE"
	ErrorCodeSettlementIndeterminate = "SETTLEMENT_INDETERMINATE"
	ErrorCodeSettlementReconciling   = "SETTLEMENT_RECONCILING"
	ErrorCodeInternalError           = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d", getHTTPStatusForErrorCode(expectedCode), resp.Code)
	}

	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

func AssertErrorMessage(t *testing.T, resp *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}

	if errResp.Message != expectedMessage {
		t.Fatalf("expected error message %q, got %q", expectedMessage, errResp.Message)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d", expectedStatus, resp.Code)
	}
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeForbidden:
		return http.StatusForbidden
	case ErrorCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrorCodeOfferNotFound:
		return http.StatusNotFound
	case ErrorCodeInvalidState:
		return http.StatusConflict
	case ErrorCodeSelfTrade, ErrorCodeOverCapacity, ErrorCodeInsufficientEnergy, ErrorCodeInsufficientFunds, ErrorCodeTransferRejected:
		return http.StatusBadRequest
	case ErrorCodeSettlementUnavailable:
		return http.StatusServiceUnavailable
	case ErrorCodeSettlementIndeterminate:
		return http.StatusGatewayTimeout
	case ErrorCodeSettlementReconciling:
		return http.StatusAccepted
	case ErrorCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
