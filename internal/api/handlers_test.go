package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardswap/cardswap/internal/auth"
	"github.com/cardswap/cardswap/internal/ledger"
	"github.com/cardswap/cardswap/internal/settlement"
	"github.com/cardswap/cardswap/internal/storage"
	"github.com/cardswap/cardswap/internal/trade"
	"github.com/cardswap/cardswap/internal/valuation"
)

type testServer struct {
	router *chi.Mux
	store  *storage.MemoryStore
}

func newTestServer() *testServer {
	store := storage.NewMemoryStore()
	authService := auth.NewService(store, "test-secret")
	valuer := valuation.NewService(store)
	ledgerService := ledger.NewService(store)
	orchestrator := settlement.NewOrchestrator(store, ledgerService)
	trades := trade.NewService(store, valuer, orchestrator, nil)
	h := NewHandler(store, authService, trades, ledgerService, valuer)
	return &testServer{router: h.Router(), store: store}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func (s *testServer) signup(t *testing.T, username string) string {
	t.Helper()
	w := s.do(t, "POST", "/auth/register", "", map[string]string{
		"username": username, "password": username + "-pw",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = s.do(t, "POST", "/auth/login", "", map[string]string{
		"username": username, "password": username + "-pw",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode(t, w)["token"].(string)
}

func (s *testServer) createListing(t *testing.T, token, name, rarity string, price float64) string {
	t.Helper()
	w := s.do(t, "POST", "/listings", token, map[string]any{
		"card_name":    name,
		"card_set":     "Base Set",
		"rarity":       rarity,
		"condition":    "near_mint",
		"asking_price": price,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["id"].(string)
}

func TestAuthFlow(t *testing.T) {
	s := newTestServer()

	w := s.do(t, "POST", "/auth/register", "", map[string]string{"username": "ash", "password": "pw"})
	assert.Equal(t, http.StatusCreated, w.Code)

	// Duplicate username conflicts.
	w = s.do(t, "POST", "/auth/register", "", map[string]string{"username": "ash", "password": "pw"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, "POST", "/auth/login", "", map[string]string{"username": "ash", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Protected routes demand a token.
	w = s.do(t, "GET", "/wallet", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, "GET", "/wallet", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListingEndpoints(t *testing.T) {
	s := newTestServer()
	token := s.signup(t, "ash")

	id := s.createListing(t, token, "Charizard", "holo_rare", 420)

	w := s.do(t, "GET", "/listings", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = s.do(t, "GET", "/listings/"+id, token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Charizard", decode(t, w)["card"].(map[string]any)["name"])

	w = s.do(t, "GET", "/listings/00000000-0000-0000-0000-000000000001", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, "GET", "/listings/not-a-uuid", token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Validation failures.
	w = s.do(t, "POST", "/listings", token, map[string]any{"card_name": "", "condition": "mint"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, "POST", "/listings", token, map[string]any{
		"card_name": "Pikachu", "condition": "mint", "asking_price": -3,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfferLifecycleOverHTTP(t *testing.T) {
	s := newTestServer()
	buyerToken := s.signup(t, "ash")
	ownerToken := s.signup(t, "misty")

	listingID := s.createListing(t, ownerToken, "Blastoise", "holo_rare", 180)

	// Fund the buyer.
	w := s.do(t, "POST", "/wallet/deposit", buyerToken, map[string]any{"amount": 100})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Open an offer.
	w = s.do(t, "POST", "/offers", buyerToken, map[string]any{
		"target_listing_id": listingID,
		"cash_amount":       15,
		"message":           "cash offer",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offer := decode(t, w)
	offerID := offer["id"].(string)
	assert.Equal(t, "pending", offer["status"])

	// Both parties see it; a stranger does not.
	w = s.do(t, "GET", "/offers/"+offerID, ownerToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	strangerToken := s.signup(t, "brock")
	w = s.do(t, "GET", "/offers/"+offerID, strangerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "GET", "/offers", buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	// Only the counterparty may accept.
	w = s.do(t, "POST", "/offers/"+offerID+"/accept", buyerToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, "POST", "/offers/"+offerID+"/accept", ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Cash moved and the listing flipped.
	w = s.do(t, "GET", "/wallet", ownerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "15", decode(t, w)["available_balance"])

	w = s.do(t, "GET", "/listings/"+listingID, buyerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "traded", decode(t, w)["status"])

	// Accepting again conflicts.
	w = s.do(t, "POST", "/offers/"+offerID+"/accept", ownerToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestOfferCounterOverHTTP(t *testing.T) {
	s := newTestServer()
	buyerToken := s.signup(t, "ash")
	ownerToken := s.signup(t, "misty")
	listingID := s.createListing(t, ownerToken, "Gyarados", "rare", 35)

	w := s.do(t, "POST", "/offers", buyerToken, map[string]any{
		"target_listing_id": listingID,
		"cash_amount":       3,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offerID := decode(t, w)["id"].(string)

	w = s.do(t, "POST", "/offers/"+offerID+"/counter", ownerToken, map[string]any{
		"cash_amount": 6,
		"message":     "meet me halfway",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	countered := decode(t, w)
	assert.Equal(t, float64(2), countered["negotiation_round"])
	assert.Equal(t, "pending", countered["status"])

	// Empty bundle on a counter is invalid.
	w = s.do(t, "POST", "/offers/"+offerID+"/counter", buyerToken, map[string]any{"cash_amount": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOfferRejectOverHTTP(t *testing.T) {
	s := newTestServer()
	buyerToken := s.signup(t, "ash")
	ownerToken := s.signup(t, "misty")
	listingID := s.createListing(t, ownerToken, "Onix", "common", 4)

	w := s.do(t, "POST", "/offers", buyerToken, map[string]any{
		"target_listing_id": listingID,
		"cash_amount":       1,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	offerID := decode(t, w)["id"].(string)

	w = s.do(t, "POST", "/offers/"+offerID+"/reject", ownerToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	// Idempotent.
	w = s.do(t, "POST", "/offers/"+offerID+"/reject", ownerToken, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	// Accept after reject conflicts.
	w = s.do(t, "POST", "/offers/"+offerID+"/accept", ownerToken, nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWalletEndpoints(t *testing.T) {
	s := newTestServer()
	token := s.signup(t, "ash")

	w := s.do(t, "GET", "/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", decode(t, w)["available_balance"])

	w = s.do(t, "POST", "/wallet/deposit", token, map[string]any{"amount": 50})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, "POST", "/wallet/deposit", token, map[string]any{"amount": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "POST", "/wallet/withdraw", token, map[string]any{"amount": 80})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, "POST", "/wallet/withdraw", token, map[string]any{"amount": 20})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, "GET", "/wallet/transactions", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decode(t, w)["count"])

	w = s.do(t, "GET", "/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30", decode(t, w)["available_balance"])
}

func TestSettleEndpoint(t *testing.T) {
	s := newTestServer()
	token := s.signup(t, "misty")

	w := s.do(t, "POST", "/wallet/settle", token, map[string]any{
		"reference":    "sale-9",
		"gross_amount": 100,
		"fee_amount":   10,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "90", decode(t, w)["net_amount"])

	w = s.do(t, "GET", "/wallet", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "0", body["available_balance"])
	assert.Equal(t, "90", body["pending_balance"])

	// Fee at or above gross is invalid.
	w = s.do(t, "POST", "/wallet/settle", token, map[string]any{
		"reference": "sale-10", "gross_amount": 10, "fee_amount": 10,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValuationEndpoints(t *testing.T) {
	s := newTestServer()
	token := s.signup(t, "ash")

	w := s.do(t, "GET", "/cards/value?name=Charizard&set=Base+Set&rarity=holo_rare&condition=near_mint", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "15", body["value"])
	assert.Equal(t, true, body["low_confidence"])

	w = s.do(t, "GET", "/cards/value?condition=near_mint", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFairnessEndpoint(t *testing.T) {
	s := newTestServer()
	token := s.signup(t, "ash")

	w := s.do(t, "POST", "/fairness/score", token, map[string]any{
		"offered_value": 70, "requested_value": 100,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.InDelta(t, 60, body["score"].(float64), 1e-9)
	assert.Equal(t, "Slightly Unbalanced", body["label"])

	w = s.do(t, "POST", "/fairness/score", token, map[string]any{
		"offered_value": 70, "requested_value": 0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorBodyShape(t *testing.T) {
	s := newTestServer()
	token := s.signup(t, "ash")

	w := s.do(t, "GET", fmt.Sprintf("/offers/%s", "00000000-0000-0000-0000-000000000009"), token, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["error"])
}
