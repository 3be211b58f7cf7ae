// Package api provides the HTTP handlers and WebSocket event stream over the
// market ledger.
//
// All amounts are integers in the smallest unit; display prices use
// shopspring/decimal.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/bitpredict/market-ledger/internal/amm"
	"github.com/bitpredict/market-ledger/internal/contract"
	"github.com/bitpredict/market-ledger/internal/identity"
	"github.com/bitpredict/market-ledger/internal/ledger"
	"github.com/bitpredict/market-ledger/internal/model"
)

// Quoter previews a trade without committing it. mirror.Replica implements
// it, so quotes never take a ledger lock.
type Quoter interface {
	Quote(id uint64, side model.Side, amount, now uint64) (amm.Quote, error)
}

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger   *ledger.Ledger
	quotes   Quoter
	validate *validator.Validate
}

// NewHandler creates handlers over l. Quotes are served from q.
func NewHandler(l *ledger.Ledger, q Quoter) *Handler {
	return &Handler{
		ledger:   l,
		quotes:   q,
		validate: validator.New(),
	}
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/markets", h.ListMarkets)
	r.Post("/markets", h.CreateMarket)
	r.Get("/markets/{marketID}", h.GetMarket)
	r.Get("/markets/{marketID}/price", h.GetPrice)
	r.Get("/markets/{marketID}/events", h.GetEvents)
	r.Get("/markets/{marketID}/quote", h.GetQuote)
	r.Post("/markets/{marketID}/buy", h.Buy)
	r.Post("/markets/{marketID}/resolve", h.Resolve)
	r.Post("/markets/{marketID}/claim", h.Claim)
	r.Get("/markets/{marketID}/positions/{user}", h.GetPosition)
	r.Get("/portfolio/{user}", h.GetPortfolio)
	r.Get("/admin", h.GetAdministrator)
	r.Post("/admin/rotate", h.RotateAdministrator)
}

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	EndTime   uint64 `json:"end_time" validate:"required"`
	Question  string `json:"question" validate:"max=500"`
	Threshold string `json:"threshold,omitempty" validate:"omitempty,max=64"` // e.g. BTCUSDT>=65000
}

// BuyRequest is the JSON body for POST /markets/{id}/buy.
type BuyRequest struct {
	Side         string `json:"side" validate:"required,oneof=YES NO yes no"`
	Amount       uint64 `json:"amount"`
	MinSharesOut uint64 `json:"min_shares_out"` // 0 disables the slippage bound
}

// TradeResponse is the JSON body returned from a buy.
type TradeResponse struct {
	TradeID     string         `json:"trade_id"`
	MarketID    uint64         `json:"market_id"`
	Side        model.Side     `json:"side"`
	Amount      uint64         `json:"amount"`
	Fee         uint64         `json:"fee"`
	NetAmount   uint64         `json:"net_amount"`
	Shares      uint64         `json:"shares"`
	PriceYesBps uint64         `json:"price_yes_bps"`
	Position    model.Position `json:"position"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=YES NO yes no"`
}

// ClaimResponse is the JSON body returned from a claim.
type ClaimResponse struct {
	MarketID uint64     `json:"market_id"`
	User     string     `json:"user"`
	Outcome  model.Side `json:"outcome"`
	Shares   uint64     `json:"shares"`
	Payout   uint64     `json:"payout"`
}

// PriceResponse is the JSON body of GET /markets/{id}/price.
type PriceResponse struct {
	MarketID    uint64          `json:"market_id"`
	PriceYesBps uint64          `json:"price_yes_bps"`
	Yes         decimal.Decimal `json:"yes"`
	No          decimal.Decimal `json:"no"`
}

// RotateRequest is the JSON body for POST /admin/rotate.
type RotateRequest struct {
	Next string `json:"next" validate:"required"`
}

// PortfolioEntry is one position with its market's lifecycle state.
type PortfolioEntry struct {
	model.Position
	Status    string     `json:"status"`
	Outcome   model.Side `json:"outcome"`
	Claimable bool       `json:"claimable"`
}

// Portfolio is the JSON body of GET /portfolio/{user}.
type Portfolio struct {
	User      string           `json:"user"`
	Positions []PortfolioEntry `json:"positions"`
}

// --- HTTP Handlers ---

// ListMarkets handles GET /api/v1/markets
// Returns all markets newest first, optionally filtered by ?status=OPEN|EXPIRED|RESOLVED.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.ledger.ListMarkets(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status := strings.ToUpper(r.URL.Query().Get("status")); status != "" {
		filtered := make([]model.MarketInfo, 0, len(markets))
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	spec := ledger.MarketSpec{EndTime: req.EndTime, Question: req.Question}
	if req.Threshold != "" {
		t, err := contract.ParseThreshold(req.Threshold)
		if err != nil {
			writeError(w, r, err)
			return
		}
		spec.Threshold = t
		if strings.TrimSpace(spec.Question) == "" {
			spec.Question = contract.Question(t, req.EndTime)
		}
	}

	ctx := r.Context()
	id, err := h.ledger.CreateMarket(ctx, identity.Caller(ctx), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := h.ledger.GetMarketInfo(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := h.ledger.GetMarketInfo(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (h *Handler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	info, err := h.ledger.GetMarketInfo(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PriceResponse{
		MarketID:    id,
		PriceYesBps: info.PriceYesBps,
		Yes:         info.PriceYes,
		No:          info.PriceNo,
	})
}

// GetEvents handles GET /api/v1/markets/{marketID}/events
// Returns the market's hash-chained event log in sequence order.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := h.ledger.Events(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GetQuote handles GET /api/v1/markets/{marketID}/quote?side=YES&amount=1000
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	side, err := model.ParseSide(q.Get("side"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	amount, err := strconv.ParseUint(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: amount must be a non-negative integer", model.ErrInvalidParameter))
		return
	}
	quote, err := h.quotes.Quote(id, side, amount, h.ledger.Now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// Buy handles POST /api/v1/markets/{marketID}/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req BuyRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	side, err := model.ParseSide(req.Side)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	caller := identity.Caller(ctx)
	ev, err := h.ledger.BuyShares(ctx, caller, ledger.BuyOrder{
		MarketID:     id,
		Side:         side,
		Amount:       req.Amount,
		MinSharesOut: req.MinSharesOut,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	pos, err := h.ledger.GetPosition(ctx, id, caller)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TradeResponse{
		TradeID:     ev.ID,
		MarketID:    id,
		Side:        ev.Side,
		Amount:      ev.Amount,
		Fee:         ev.Fee,
		NetAmount:   ev.NetAmount,
		Shares:      ev.Shares,
		PriceYesBps: ev.PriceYesBps,
		Position:    *pos,
	})
}

// Resolve handles POST /api/v1/markets/{marketID}/resolve (administrator only).
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ResolveRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	outcome, err := model.ParseSide(req.Outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx := r.Context()
	if _, err := h.ledger.ResolveMarket(ctx, identity.Caller(ctx), id, outcome); err != nil {
		writeError(w, r, err)
		return
	}
	info, err := h.ledger.GetMarketInfo(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// Claim handles POST /api/v1/markets/{marketID}/claim
func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	ev, err := h.ledger.ClaimPayout(ctx, identity.Caller(ctx), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ClaimResponse{
		MarketID: id,
		User:     ev.Subject,
		Outcome:  ev.Outcome,
		Shares:   ev.Shares,
		Payout:   ev.Payout,
	})
}

// GetPosition handles GET /api/v1/markets/{marketID}/positions/{user}
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id, err := marketID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	user, err := identity.Normalize(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	pos, err := h.ledger.GetPosition(r.Context(), id, user)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// GetPortfolio handles GET /api/v1/portfolio/{user}
// Returns every position of user with the market's status and whether a
// payout can be claimed.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	user, err := identity.Normalize(chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	positions, err := h.ledger.UserPositions(ctx, user)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := h.ledger.Now()
	entries := make([]PortfolioEntry, 0, len(positions))
	for _, p := range positions {
		m, err := h.ledger.GetMarket(ctx, p.MarketID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		entries = append(entries, PortfolioEntry{
			Position:  p,
			Status:    m.Status(now),
			Outcome:   m.Outcome,
			Claimable: m.Resolved && !p.Claimed && p.Shares(m.Outcome) > 0,
		})
	}
	writeJSON(w, http.StatusOK, Portfolio{User: user, Positions: entries})
}

// GetAdministrator handles GET /api/v1/admin
func (h *Handler) GetAdministrator(w http.ResponseWriter, r *http.Request) {
	a, err := h.ledger.Administrator(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// RotateAdministrator handles POST /api/v1/admin/rotate (administrator only).
func (h *Handler) RotateAdministrator(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	next, err := identity.Normalize(req.Next)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ctx := r.Context()
	if _, err := h.ledger.RotateAdministrator(ctx, identity.Caller(ctx), next); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := h.ledger.Administrator(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// decode reads a JSON body into v and validates its struct tags.
func (h *Handler) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidParameter, err)
	}
	if err := h.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidParameter, err)
	}
	return nil
}

func marketID(r *http.Request) (uint64, error) {
	raw := chi.URLParam(r, "marketID")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: market id %q", model.ErrInvalidParameter, raw)
	}
	return id, nil
}
