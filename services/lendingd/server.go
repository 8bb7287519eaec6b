package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	nativecommon "nftlend/native/common"
	"nftlend/native/lending"
	"nftlend/observability/metrics"
	"nftlend/oracle"
)

// Server exposes the engine's queries and transitions over HTTP. Mutating
// endpoints require a configured bearer token; everything shares one token
// bucket so a misbehaving client cannot starve the engine.
type Server struct {
	engine  *lending.Engine
	oracle  *oracle.Oracle
	events  *EventLog
	intents *IntentBook
	tokens  []string
	limiter *rate.Limiter
	log     *slog.Logger
	m       *metrics.LendingMetrics
}

// NewServer wires the HTTP surface.
func NewServer(engine *lending.Engine, o *oracle.Oracle, events *EventLog, intents *IntentBook, tokens []string, limiter *rate.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if intents == nil {
		intents = NewIntentBook()
	}
	return &Server{
		engine:  engine,
		oracle:  o,
		events:  events,
		intents: intents,
		tokens:  tokens,
		limiter: limiter,
		log:     log,
		m:       metrics.Lending(),
	}
}

// Router assembles the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.throttle)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/loans", s.handleListLoans)
		r.Get("/loans/{id}", s.handleGetLoan)
		r.Get("/loans/{id}/owed", s.handleAmountOwed)
		r.Get("/borrowers/{address}/loans", s.handleBorrowerLoans)
		r.Get("/reserve", s.handleReserve)
		r.Get("/events", s.handleEvents)
		r.Get("/oracle/{collection}/floor", s.handleFloorPrice)
		r.Get("/intents", s.handleListIntents)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/intents", s.handleCreateIntent)
			r.Delete("/intents", s.handleCancelIntent)
			r.Post("/loans", s.handleCreateLoan)
			r.Post("/loans/{id}/repay", s.handleRepayLoan)
			r.Post("/loans/{id}/liquidate", s.handleLiquidateLoan)
			r.Post("/admin/rate", s.handleSetRate)
			r.Post("/admin/pause", s.handlePause)
			r.Post("/admin/resume", s.handleResume)
			r.Post("/admin/transfer", s.handleTransferAdmin)
			r.Post("/admin/reserve/deposit", s.handleReserveDeposit)
			r.Post("/admin/reserve/withdraw", s.handleReserveWithdraw)
		})
	})
	return r
}

func (s *Server) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		token = strings.TrimSpace(token)
		for _, candidate := range s.tokens {
			if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_loans": len(s.engine.ActiveLoans()),
		"paused":       s.engine.IsPaused("lending"),
	})
}

type loanView struct {
	ID                 uint64 `json:"id"`
	Borrower           string `json:"borrower"`
	CollateralContract string `json:"collateral_contract"`
	CollateralToken    string `json:"collateral_token"`
	Principal          string `json:"principal"`
	RateBps            uint64 `json:"rate_bps"`
	StartTime          int64  `json:"start_time"`
}

func viewOf(l *lending.Loan) loanView {
	return loanView{
		ID:                 l.ID,
		Borrower:           l.Borrower.Hex(),
		CollateralContract: l.Collateral.Contract.Hex(),
		CollateralToken:    l.Collateral.TokenID.String(),
		Principal:          l.Principal.String(),
		RateBps:            l.RateBps,
		StartTime:          l.StartTime,
	}
}

func (s *Server) handleListLoans(w http.ResponseWriter, _ *http.Request) {
	ids := s.engine.ActiveLoans()
	loans := make([]loanView, 0, len(ids))
	for _, id := range ids {
		if l, ok := s.engine.Loan(id); ok {
			loans = append(loans, viewOf(l))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"loans": loans})
}

func (s *Server) handleGetLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLoanID(w, r)
	if !ok {
		return
	}
	loan, found := s.engine.Loan(id)
	if !found {
		writeError(w, http.StatusNotFound, "loan not found")
		return
	}
	owed, err := s.engine.AmountOwed(id)
	if err != nil {
		s.writeEngineError(w, "amount_owed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"loan":        viewOf(loan),
		"amount_owed": owed.String(),
	})
}

func (s *Server) handleAmountOwed(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLoanID(w, r)
	if !ok {
		return
	}
	owed, err := s.engine.AmountOwed(id)
	if err != nil {
		s.writeEngineError(w, "amount_owed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "amount_owed": owed.String()})
}

func (s *Server) handleBorrowerLoans(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid borrower address")
		return
	}
	ids := s.engine.LoansOf(common.HexToAddress(raw))
	writeJSON(w, http.StatusOK, map[string]any{"borrower": common.HexToAddress(raw).Hex(), "loan_ids": ids})
}

func (s *Server) handleReserve(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"total":         s.engine.ReserveTotal().String(),
		"administrator": s.engine.Administrator().Hex(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": s.events.Recent(limit)})
}

func (s *Server) handleFloorPrice(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "collection")
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid collection address")
		return
	}
	collection := common.HexToAddress(raw)
	price, err := s.oracle.FloorPrice(collection)
	if err != nil {
		s.m.IncOracleFailure(oracleFailureReason(err))
		switch {
		case errors.Is(err, oracle.ErrNoFreshQuotes):
			writeError(w, http.StatusServiceUnavailable, "no fresh quotes")
		case errors.Is(err, oracle.ErrPriceDivergence):
			writeError(w, http.StatusServiceUnavailable, "price feeds diverged")
		default:
			writeError(w, http.StatusInternalServerError, "floor price unavailable")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"collection": collection.Hex(), "floor_price": price.String()})
}

type intentRequest struct {
	Borrower           string `json:"borrower"`
	CollateralContract string `json:"collateral_contract"`
	CollateralToken    string `json:"collateral_token"`
}

func (s *Server) parseIntent(w http.ResponseWriter, r *http.Request) (BorrowIntent, bool) {
	var req intentRequest
	if !decodeBody(w, r, &req) {
		return BorrowIntent{}, false
	}
	if !common.IsHexAddress(req.Borrower) || !common.IsHexAddress(req.CollateralContract) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return BorrowIntent{}, false
	}
	tokenID, ok := parseBig(req.CollateralToken)
	if !ok || tokenID.Sign() < 0 {
		writeError(w, http.StatusBadRequest, "invalid collateral token id")
		return BorrowIntent{}, false
	}
	return BorrowIntent{
		Borrower: common.HexToAddress(req.Borrower),
		Collateral: lending.CollateralRef{
			Contract: common.HexToAddress(req.CollateralContract),
			TokenID:  tokenID,
		},
		CreatedAt: time.Now().UTC(),
	}, true
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.parseIntent(w, r)
	if !ok {
		return
	}
	s.intents.Add(intent)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"borrower":   intent.Borrower.Hex(),
		"collateral": intent.Collateral.String(),
	})
}

func (s *Server) handleCancelIntent(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.parseIntent(w, r)
	if !ok {
		return
	}
	s.intents.Remove(intent.Collateral)
	writeJSON(w, http.StatusOK, map[string]any{"collateral": intent.Collateral.String()})
}

func (s *Server) handleListIntents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"intents": s.intents.Pending()})
}

type createLoanRequest struct {
	Borrower           string `json:"borrower"`
	CollateralContract string `json:"collateral_contract"`
	CollateralToken    string `json:"collateral_token"`
	Principal          string `json:"principal"`
}

func (s *Server) handleCreateLoan(w http.ResponseWriter, r *http.Request) {
	var req createLoanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Borrower) || !common.IsHexAddress(req.CollateralContract) {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}
	tokenID, ok := parseBig(req.CollateralToken)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid collateral token id")
		return
	}
	principal, ok := parseBig(req.Principal)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid principal")
		return
	}
	ref := lending.CollateralRef{Contract: common.HexToAddress(req.CollateralContract), TokenID: tokenID}
	admin := s.engine.Administrator()
	id, err := s.engine.CreateLoan(r.Context(), admin, common.HexToAddress(req.Borrower), ref, principal)
	if err != nil {
		s.writeEngineError(w, "create_loan", err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

type repayRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

func (s *Server) handleRepayLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLoanID(w, r)
	if !ok {
		return
	}
	var req repayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.Caller) {
		writeError(w, http.StatusBadRequest, "invalid caller address")
		return
	}
	amount, okAmt := parseBig(req.Amount)
	if !okAmt {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	excess, err := s.engine.RepayLoan(r.Context(), common.HexToAddress(req.Caller), id, amount)
	if err != nil {
		s.writeEngineError(w, "repay_loan", err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "excess_refunded": excess.String()})
}

type liquidateRequest struct {
	MarketPrice string `json:"market_price"`
}

func (s *Server) handleLiquidateLoan(w http.ResponseWriter, r *http.Request) {
	id, ok := parseLoanID(w, r)
	if !ok {
		return
	}
	var req liquidateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var price *big.Int
	if strings.TrimSpace(req.MarketPrice) != "" {
		parsed, okPrice := parseBig(req.MarketPrice)
		if !okPrice {
			writeError(w, http.StatusBadRequest, "invalid market price")
			return
		}
		price = parsed
	} else {
		loan, found := s.engine.Loan(id)
		if !found {
			writeError(w, http.StatusNotFound, "loan not found")
			return
		}
		floor, err := s.oracle.FloorPrice(loan.Collateral.Contract)
		if err != nil {
			s.m.IncOracleFailure(oracleFailureReason(err))
			writeError(w, http.StatusServiceUnavailable, "floor price unavailable")
			return
		}
		price = floor
	}

	if err := s.engine.LiquidateLoan(r.Context(), s.engine.Administrator(), id, price); err != nil {
		s.writeEngineError(w, "liquidate_loan", err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "market_price": price.String()})
}

type rateRequest struct {
	RateBps uint64 `json:"rate_bps"`
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.engine.SetInterestRate(s.engine.Administrator(), req.RateBps); err != nil {
		s.writeEngineError(w, "set_rate", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rate_bps": s.engine.InterestRate()})
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Pause(s.engine.Administrator()); err != nil {
		s.writeEngineError(w, "pause", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.Resume(s.engine.Administrator()); err != nil {
		s.writeEngineError(w, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

type transferAdminRequest struct {
	NewAdministrator string `json:"new_administrator"`
}

func (s *Server) handleTransferAdmin(w http.ResponseWriter, r *http.Request) {
	var req transferAdminRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !common.IsHexAddress(req.NewAdministrator) {
		writeError(w, http.StatusBadRequest, "invalid administrator address")
		return
	}
	next := common.HexToAddress(req.NewAdministrator)
	if err := s.engine.TransferAdministration(s.engine.Administrator(), next); err != nil {
		s.writeEngineError(w, "transfer_admin", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"administrator": next.Hex()})
}

type reserveRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleReserveDeposit(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseBig(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := s.engine.DepositReserve(r.Context(), s.engine.Administrator(), amount); err != nil {
		s.writeEngineError(w, "reserve_deposit", err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, map[string]any{"total": s.engine.ReserveTotal().String()})
}

func (s *Server) handleReserveWithdraw(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	amount, ok := parseBig(req.Amount)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	if err := s.engine.WithdrawReserve(r.Context(), s.engine.Administrator(), amount); err != nil {
		s.writeEngineError(w, "reserve_withdraw", err)
		return
	}
	s.refreshGauges()
	writeJSON(w, http.StatusOK, map[string]any{"total": s.engine.ReserveTotal().String()})
}

// writeEngineError translates engine sentinels into HTTP statuses and counts
// the rejection.
func (s *Server) writeEngineError(w http.ResponseWriter, operation string, err error) {
	s.m.IncOperationError(operation)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lending.ErrLoanNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lending.ErrInvalidBorrower),
		errors.Is(err, lending.ErrSelfLoan),
		errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrRateOutOfRange),
		errors.Is(err, lending.ErrPrincipalBelowMinimum):
		status = http.StatusBadRequest
	case errors.Is(err, lending.ErrNotAdministrator):
		status = http.StatusForbidden
	case errors.Is(err, lending.ErrInsufficientRepayment),
		errors.Is(err, lending.ErrNotLiquidatable),
		errors.Is(err, lending.ErrCollateralNotOwned),
		errors.Is(err, lending.ErrCollateralNotApproved),
		errors.Is(err, lending.ErrInsufficientEngineFunds),
		errors.Is(err, lending.ErrReserveExceeded),
		errors.Is(err, lending.ErrTimeReversed):
		status = http.StatusConflict
	case errors.Is(err, lending.ErrReentrantCall),
		errors.Is(err, nativecommon.ErrModulePaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, lending.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	s.log.Warn("engine operation rejected", "operation", operation, "status", status, "error", err)
	writeError(w, status, err.Error())
}

func (s *Server) refreshGauges() {
	s.m.SetActiveLoans(float64(len(s.engine.ActiveLoans())))
	total, _ := new(big.Float).SetInt(s.engine.ReserveTotal()).Float64()
	s.m.SetReserveTotal(total)
}

func oracleFailureReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrNoFreshQuotes):
		return "no_fresh_quotes"
	case errors.Is(err, oracle.ErrPriceDivergence):
		return "divergence"
	default:
		return "unknown"
	}
}

func parseLoanID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid loan id")
		return 0, false
	}
	return id, true
}

func parseBig(raw string) (*big.Int, bool) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, false
	}
	return value, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
