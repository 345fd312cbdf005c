package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/cardswap/cardswap/internal/auth"
	"github.com/cardswap/cardswap/internal/faults"
	"github.com/cardswap/cardswap/internal/ledger"
	"github.com/cardswap/cardswap/internal/models"
	"github.com/cardswap/cardswap/internal/storage"
	"github.com/cardswap/cardswap/internal/trade"
	"github.com/cardswap/cardswap/internal/valuation"
)

type contextKey string

const userIDKey contextKey = "user_id"

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Store  storage.Store
	Auth   *auth.Service
	Trades *trade.Service
	Ledger *ledger.Service
	Valuer *valuation.Service
}

// NewHandler creates a new handler
func NewHandler(store storage.Store, authService *auth.Service, trades *trade.Service, ledgerService *ledger.Service, valuer *valuation.Service) *Handler {
	return &Handler{Store: store, Auth: authService, Trades: trades, Ledger: ledgerService, Valuer: valuer}
}

// Router builds the HTTP route tree
func (h *Handler) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Post("/auth/register", h.Register)
	r.Post("/auth/login", h.Login)

	r.Group(func(r chi.Router) {
		r.Use(h.JWTAuthMiddleware)

		r.Post("/listings", h.CreateListing)
		r.Get("/listings", h.ListListings)
		r.Get("/listings/{id}", h.GetListing)

		r.Post("/offers", h.CreateOffer)
		r.Get("/offers", h.ListOffers)
		r.Get("/offers/{id}", h.GetOffer)
		r.Post("/offers/{id}/accept", h.AcceptOffer)
		r.Post("/offers/{id}/reject", h.RejectOffer)
		r.Post("/offers/{id}/counter", h.CounterOffer)

		r.Get("/cards/value", h.EstimateValue)
		r.Post("/fairness/score", h.ScoreFairness)

		r.Get("/wallet", h.GetWallet)
		r.Get("/wallet/transactions", h.GetWalletTransactions)
		r.Post("/wallet/deposit", h.Deposit)
		r.Post("/wallet/withdraw", h.Withdraw)
		r.Post("/wallet/settle", h.Settle)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, faults.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, faults.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, faults.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, faults.ErrAlreadyTerminal), errors.Is(err, faults.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, faults.ErrExpired):
		return http.StatusGone
	case errors.Is(err, faults.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	user, err := h.Auth.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.Auth.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func currentUserID(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userIDKey).(uuid.UUID)
	return id, ok
}

// CreateListing lists a card for sale or trade
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		CardName    string          `json:"card_name"`
		CardSet     string          `json:"card_set"`
		Rarity      string          `json:"rarity"`
		Condition   string          `json:"condition"`
		AskingPrice decimal.Decimal `json:"asking_price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.CardName == "" || req.Condition == "" {
		http.Error(w, `{"error": "card_name and condition are required"}`, http.StatusBadRequest)
		return
	}
	if req.AskingPrice.Sign() < 0 {
		http.Error(w, `{"error": "asking_price cannot be negative"}`, http.StatusBadRequest)
		return
	}

	now := time.Now()
	listing := &models.Listing{
		ID:      uuid.New(),
		OwnerID: userID,
		Card: models.CardIdentity{
			Name:   req.CardName,
			Set:    req.CardSet,
			Rarity: req.Rarity,
		},
		Condition:   req.Condition,
		AskingPrice: req.AskingPrice,
		Status:      models.ListingActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := h.Store.WithTx(r.Context(), func(tx storage.Tx) error {
		return tx.InsertListing(r.Context(), listing)
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, listing)
}

// ListListings returns listings, optionally filtered by status
func (h *Handler) ListListings(w http.ResponseWriter, r *http.Request) {
	status := models.ListingStatus(r.URL.Query().Get("status"))
	listings, err := h.Store.ListListings(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listings": listings, "count": len(listings)})
}

// GetListing returns one listing
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid listing ID"}`, http.StatusBadRequest)
		return
	}
	listing, err := h.Store.GetListing(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

type offeredItemRequest struct {
	ListingID     uuid.UUID       `json:"listing_id"`
	DeclaredValue decimal.Decimal `json:"declared_value"`
}

func toOfferedItems(reqs []offeredItemRequest) []models.OfferedItem {
	items := make([]models.OfferedItem, 0, len(reqs))
	for _, it := range reqs {
		items = append(items, models.OfferedItem{ListingID: it.ListingID, DeclaredValue: it.DeclaredValue})
	}
	return items
}

// CreateOffer opens a trade offer against a listing
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		TargetListingID uuid.UUID            `json:"target_listing_id"`
		CashAmount      decimal.Decimal      `json:"cash_amount"`
		OfferedItems    []offeredItemRequest `json:"offered_items"`
		Message         string               `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.TargetListingID == uuid.Nil {
		http.Error(w, `{"error": "target_listing_id is required"}`, http.StatusBadRequest)
		return
	}

	offer, err := h.Trades.Create(r.Context(), userID, trade.CreateRequest{
		TargetListingID: req.TargetListingID,
		CashAmount:      req.CashAmount,
		OfferedItems:    toOfferedItems(req.OfferedItems),
		Message:         req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, offer)
}

// ListOffers returns the caller's offers, incoming and outgoing
func (h *Handler) ListOffers(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	offers, err := h.Trades.ListForUser(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": offers, "count": len(offers)})
}

func (h *Handler) offerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error": "Invalid offer ID"}`, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// GetOffer returns one offer to its parties
func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := h.offerID(w, r)
	if !ok {
		return
	}
	offer, err := h.Trades.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if offer.ProposerID != userID && offer.CounterpartyID != userID {
		http.Error(w, `{"error": "Not a party to this offer"}`, http.StatusForbidden)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// AcceptOffer settles the offer atomically
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := h.offerID(w, r)
	if !ok {
		return
	}
	result, err := h.Trades.Accept(r.Context(), id, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RejectOffer declines the offer
func (h *Handler) RejectOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := h.offerID(w, r)
	if !ok {
		return
	}
	if err := h.Trades.Reject(r.Context(), id, userID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Offer rejected"})
}

// CounterOffer starts a new negotiation round
func (h *Handler) CounterOffer(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, ok := h.offerID(w, r)
	if !ok {
		return
	}

	var req struct {
		CashAmount   decimal.Decimal      `json:"cash_amount"`
		OfferedItems []offeredItemRequest `json:"offered_items"`
		Message      string               `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	offer, err := h.Trades.Counter(r.Context(), id, userID, trade.CounterRequest{
		CashAmount:   req.CashAmount,
		OfferedItems: toOfferedItems(req.OfferedItems),
		Message:      req.Message,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

// EstimateValue returns a fair-market-value estimate for a card
func (h *Handler) EstimateValue(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	card := models.CardIdentity{
		Name:   q.Get("name"),
		Set:    q.Get("set"),
		Rarity: q.Get("rarity"),
	}
	estimate, err := h.Valuer.EstimateValue(r.Context(), card, q.Get("condition"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

// ScoreFairness scores arbitrary offered/requested values
func (h *Handler) ScoreFairness(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OfferedValue   decimal.Decimal `json:"offered_value"`
		RequestedValue decimal.Decimal `json:"requested_value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	result, err := h.Trades.ScoreFairness(req.OfferedValue, req.RequestedValue)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetWallet returns the caller's balances
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	wallet, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// GetWalletTransactions returns the caller's ledger history
func (h *Handler) GetWalletTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	entries, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": entries, "count": len(entries)})
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// Deposit credits external funds to the caller's wallet
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	entry, err := h.Ledger.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Withdraw debits the caller's available balance
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	entry, err := h.Ledger.Withdraw(r.Context(), userID, req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Settle records sale proceeds for the caller, held until the hold window passes
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUserID(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var req struct {
		Reference   string          `json:"reference"`
		GrossAmount decimal.Decimal `json:"gross_amount"`
		FeeAmount   decimal.Decimal `json:"fee_amount"`
		HoldHours   int             `json:"hold_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	settlement, err := h.Ledger.Settle(r.Context(), req.Reference, userID,
		req.GrossAmount, req.FeeAmount, time.Duration(req.HoldHours)*time.Hour)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, settlement)
}
