package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridex-energy/gridex/services/market/internal/service"
	"github.com/gridex-energy/gridex/services/market/internal/storage"
	"github.com/gridex-energy/gridex/services/testutil"
)

type fakeService struct {
	offer      *storage.Offer
	offerErr   error
	accept     *service.AcceptOfferResult
	acceptErr  error
	balance    *service.AccountBalance
	balanceErr error
	lastAccept *service.AcceptOfferInput
	lastCreate *service.CreateOfferInput
}

func (f *fakeService) CreateOffer(ctx context.Context, input service.CreateOfferInput) (*storage.Offer, error) {
	f.lastCreate = &input
	return f.offer, f.offerErr
}

func (f *fakeService) CancelOffer(ctx context.Context, input service.CancelOfferInput) (*storage.Offer, error) {
	return f.offer, f.offerErr
}

func (f *fakeService) AcceptOffer(ctx context.Context, input service.AcceptOfferInput) (*service.AcceptOfferResult, error) {
	f.lastAccept = &input
	return f.accept, f.acceptErr
}

func (f *fakeService) ProposeCounter(ctx context.Context, input service.CounterInput) (*storage.Offer, error) {
	return f.offer, f.offerErr
}

func (f *fakeService) AcceptCounter(ctx context.Context, input service.CounterInput) (*storage.Offer, error) {
	return f.offer, f.offerErr
}

func (f *fakeService) RejectCounter(ctx context.Context, input service.CounterInput) (*storage.Offer, error) {
	return f.offer, f.offerErr
}

func (f *fakeService) ListOffers(ctx context.Context, input service.ListOffersInput) ([]storage.Offer, string, error) {
	if f.offer == nil {
		return nil, "", nil
	}
	return []storage.Offer{*f.offer}, "", nil
}

func (f *fakeService) GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error) {
	return f.offer, f.offerErr
}

func (f *fakeService) GetBalance(ctx context.Context, accountID uuid.UUID) (*service.AccountBalance, error) {
	return f.balance, f.balanceErr
}

func testOffer() *storage.Offer {
	now := time.Now().UTC()
	return &storage.Offer{
		ID:             uuid.New(),
		CreatorID:      testutil.ProducerAccountID,
		TransformerID:  "tx-12",
		Units:          decimal.NewFromInt(10),
		RemainingUnits: decimal.NewFromInt(10),
		PricePerUnit:   decimal.NewFromInt(3),
		Status:         storage.OfferStatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func setupRouter(svc *fakeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	h := New(svc, nil)
	h.Register(router, []byte("secret"), nil)
	return router
}

func authToken(t *testing.T, accountID uuid.UUID) string {
	t.Helper()
	token, err := testutil.GenerateJWT(accountID, []byte("secret"), time.Hour, time.Now())
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return token
}

func TestCreateOfferUnauthorized(t *testing.T) {
	router := setupRouter(&fakeService{})
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/v1/offers", map[string]string{"units": "10"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestCreateOfferCreated(t *testing.T) {
	svc := &fakeService{offer: testOffer()}
	router := setupRouter(svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers", map[string]string{
		"units":          "10",
		"price_per_unit": "3",
	}, authToken(t, testutil.ProducerAccountID))

	testutil.AssertHTTPStatus(t, resp, http.StatusCreated)
	if svc.lastCreate == nil {
		t.Fatal("expected create call")
	}
	if svc.lastCreate.CreatorID != testutil.ProducerAccountID {
		t.Fatalf("expected creator from token, got %s", svc.lastCreate.CreatorID)
	}
	if !svc.lastCreate.Units.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected units 10, got %s", svc.lastCreate.Units)
	}
}

func TestCreateOfferRejectsBadDecimal(t *testing.T) {
	router := setupRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers", map[string]string{
		"units":          "ten",
		"price_per_unit": "3",
	}, authToken(t, testutil.ProducerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestCreateOfferInsufficientEnergy(t *testing.T) {
	router := setupRouter(&fakeService{offerErr: service.ErrInsufficientEnergy})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers", map[string]string{
		"units":          "1000",
		"price_per_unit": "3",
	}, authToken(t, testutil.ProducerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientEnergy)
}

func TestGetOfferNotFound(t *testing.T) {
	router := setupRouter(&fakeService{offerErr: service.ErrOfferNotFound})
	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/offers/"+uuid.NewString(), nil, authToken(t, testutil.ProducerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeOfferNotFound)
}

func TestGetOfferInvalidID(t *testing.T) {
	router := setupRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/offers/not-a-uuid", nil, authToken(t, testutil.ProducerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestCancelOfferForbidden(t *testing.T) {
	router := setupRouter(&fakeService{offerErr: service.ErrForbidden})
	resp := testutil.MakeAuthRequest(router, http.MethodDelete, "/v1/offers/"+uuid.NewString(), nil, authToken(t, testutil.ConsumerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
}

func TestAcceptOfferSettled(t *testing.T) {
	offer := testOffer()
	offer.RemainingUnits = decimal.NewFromInt(6)
	fill := &storage.Fill{
		ID:        uuid.New(),
		OfferID:   offer.ID,
		BuyerID:   testutil.ConsumerAccountID,
		Units:     decimal.NewFromInt(4),
		Cost:      decimal.NewFromInt(12),
		Nonce:     uuid.New(),
		Receipt:   "0xabc",
		SettledAt: time.Now().UTC(),
	}
	svc := &fakeService{accept: &service.AcceptOfferResult{Fill: fill, Offer: offer}}
	router := setupRouter(svc)

	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers/"+offer.ID.String()+"/accept", map[string]string{
		"units": "4",
		"nonce": fill.Nonce.String(),
	}, authToken(t, testutil.ConsumerAccountID))

	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body fillResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Receipt != "0xabc" {
		t.Fatalf("expected receipt in response, got %q", body.Receipt)
	}
	if body.AlreadyApplied {
		t.Fatal("expected fresh fill")
	}
	if svc.lastAccept.BuyerID != testutil.ConsumerAccountID {
		t.Fatalf("expected buyer from token, got %s", svc.lastAccept.BuyerID)
	}
}

func TestAcceptOfferIdempotencyHeaderPrecedence(t *testing.T) {
	offer := testOffer()
	headerNonce := uuid.New()
	svc := &fakeService{accept: &service.AcceptOfferResult{
		Fill:  &storage.Fill{ID: uuid.New(), OfferID: offer.ID, Nonce: headerNonce},
		Offer: offer,
	}}
	router := setupRouter(svc)

	resp := testutil.MakeAuthRequestWithHeaders(router, http.MethodPost, "/v1/offers/"+offer.ID.String()+"/accept", map[string]string{
		"units": "2",
		"nonce": uuid.NewString(),
	}, authToken(t, testutil.ConsumerAccountID), map[string]string{
		"Idempotency-Key": headerNonce.String(),
	})

	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	if svc.lastAccept.Nonce != headerNonce {
		t.Fatalf("expected header nonce %s, got %s", headerNonce, svc.lastAccept.Nonce)
	}
}

func TestAcceptOfferMissingNonce(t *testing.T) {
	router := setupRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers/"+uuid.NewString()+"/accept", map[string]string{
		"units": "2",
	}, authToken(t, testutil.ConsumerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestAcceptOfferDuringNegotiation(t *testing.T) {
	router := setupRouter(&fakeService{acceptErr: service.ErrInvalidState})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers/"+uuid.NewString()+"/accept", map[string]string{
		"units": "2",
		"nonce": uuid.NewString(),
	}, authToken(t, testutil.ConsumerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidState)
}

func TestAcceptOfferIndeterminate(t *testing.T) {
	router := setupRouter(&fakeService{acceptErr: service.ErrSettlementIndeterminate})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers/"+uuid.NewString()+"/accept", map[string]string{
		"units": "2",
		"nonce": uuid.NewString(),
	}, authToken(t, testutil.ConsumerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeSettlementIndeterminate)
}

func TestAcceptOfferNeedsReconciliation(t *testing.T) {
	router := setupRouter(&fakeService{acceptErr: service.ErrSettlementNeedsReconciliation})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers/"+uuid.NewString()+"/accept", map[string]string{
		"units": "2",
		"nonce": uuid.NewString(),
	}, authToken(t, testutil.ConsumerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeSettlementReconciling)
}

func TestProposeCounterInvalidPrice(t *testing.T) {
	router := setupRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodPost, "/v1/offers/"+uuid.NewString()+"/counter", map[string]string{
		"counter_price": "-2",
	}, authToken(t, testutil.ConsumerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestListOffersInvalidStatus(t *testing.T) {
	router := setupRouter(&fakeService{})
	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/offers?status=stale", nil, authToken(t, testutil.ProducerAccountID))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
}

func TestListOffersReturnsItems(t *testing.T) {
	offer := testOffer()
	router := setupRouter(&fakeService{offer: offer})
	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/offers?status=open", nil, authToken(t, testutil.ProducerAccountID))

	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body listOffersResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Offers) != 1 || body.Offers[0].OfferID != offer.ID.String() {
		t.Fatalf("expected one offer %s, got %+v", offer.ID, body.Offers)
	}
}

func TestGetBalance(t *testing.T) {
	account := &storage.Account{
		ID:              testutil.ProducerAccountID,
		WalletAddress:   "0xabc",
		EnergyAvailable: decimal.NewFromInt(40),
		EnergyReserved:  decimal.NewFromInt(10),
	}
	svc := &fakeService{balance: &service.AccountBalance{Account: account, TokenBalance: decimal.RequireFromString("7.5")}}
	router := setupRouter(svc)

	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/v1/balance", nil, authToken(t, testutil.ProducerAccountID))

	testutil.AssertHTTPStatus(t, resp, http.StatusOK)
	var body balanceResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.TokenBalance != "7.5" {
		t.Fatalf("expected token balance 7.5, got %s", body.TokenBalance)
	}
	if body.EnergyReserved != "10" {
		t.Fatalf("expected reserved 10, got %s", body.EnergyReserved)
	}
}
