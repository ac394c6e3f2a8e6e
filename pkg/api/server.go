// Package api hosts the exchange core behind a REST and WebSocket
// surface. It translates HTTP intents into core operations and fans
// emitted events out to subscribed clients; it holds no ledger state
// of its own.
package api

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/hyruo/etherdex/pkg/core"
	"github.com/hyruo/etherdex/pkg/core/exchange"
	"github.com/hyruo/etherdex/pkg/core/token"
)

// Server handles REST API and WebSocket connections.
type Server struct {
	exchange *exchange.Exchange
	tokens   *token.Registry
	router   *mux.Router
	hub      *Hub
	log      *zap.SugaredLogger
}

// NewServer creates an API server over an exchange and its token
// registry.
func NewServer(x *exchange.Exchange, tokens *token.Registry, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		exchange: x,
		tokens:   tokens,
		router:   mux.NewRouter(),
		hub:      NewHub(log),
		log:      log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Token ledger
	api.HandleFunc("/tokens", s.handleListTokens).Methods("GET")
	api.HandleFunc("/tokens/{address}", s.handleGetToken).Methods("GET")
	api.HandleFunc("/tokens/{address}/balances/{owner}", s.handleTokenBalance).Methods("GET")
	api.HandleFunc("/tokens/{address}/allowance/{owner}/{spender}", s.handleAllowance).Methods("GET")
	api.HandleFunc("/tokens/{address}/transfer", s.handleTransfer).Methods("POST")
	api.HandleFunc("/tokens/{address}/approve", s.handleApprove).Methods("POST")

	// Exchange ledger and order engine
	api.HandleFunc("/exchange/balances/{asset}/{user}", s.handleExchangeBalance).Methods("GET")
	api.HandleFunc("/exchange/state", s.handleState).Methods("GET")
	api.HandleFunc("/exchange/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/deposits", s.handleDeposit).Methods("POST")
	api.HandleFunc("/withdrawals", s.handleWithdraw).Methods("POST")
	api.HandleFunc("/orders", s.handleListOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the routed handler, for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.router
}

// BroadcastEvent pushes a ledger event to WebSocket subscribers of the
// "events" channel and the event's own channel (e.g. "Trade").
func (s *Server) BroadcastEvent(ev core.Event) {
	msg := EventMessage{Event: ev.Name(), Data: ev}
	s.hub.BroadcastToChannel("events", msg)
	s.hub.BroadcastToChannel(ev.Name(), msg)
}

// Start runs the hub and serves HTTP with CORS until the listener
// fails.
func (s *Server) Start(addr string, origins []string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Token handlers
// ==============================

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.tokens.List()
	response := make([]TokenInfo, len(tokens))
	for i, t := range tokens {
		response[i] = tokenInfo(t)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupToken(w, r)
	if !ok {
		return
	}
	respondJSON(w, tokenInfo(t))
}

func (s *Server) handleTokenBalance(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupToken(w, r)
	if !ok {
		return
	}
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	respondJSON(w, BalanceInfo{
		Asset:   t.Address().Hex(),
		User:    owner.Hex(),
		Balance: t.BalanceOf(owner).String(),
	})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupToken(w, r)
	if !ok {
		return
	}
	owner, ok := pathAddress(w, r, "owner")
	if !ok {
		return
	}
	spender, ok := pathAddress(w, r, "spender")
	if !ok {
		return
	}
	respondJSON(w, AllowanceInfo{
		Token:     t.Address().Hex(),
		Owner:     owner.Hex(),
		Spender:   spender.Hex(),
		Allowance: t.Allowance(owner, spender).String(),
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupToken(w, r)
	if !ok {
		return
	}
	var req TransferRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, ok := bodyAddress(w, req.From, "from")
	if !ok {
		return
	}
	to, ok := bodyAddress(w, req.To, "to")
	if !ok {
		return
	}
	amount, ok := bodyAmount(w, req.Amount)
	if !ok {
		return
	}

	ev, err := t.Transfer(from, to, amount)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookupToken(w, r)
	if !ok {
		return
	}
	var req ApproveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	owner, ok := bodyAddress(w, req.Owner, "owner")
	if !ok {
		return
	}
	spender, ok := bodyAddress(w, req.Spender, "spender")
	if !ok {
		return
	}
	amount, ok := bodyAmount(w, req.Amount)
	if !ok {
		return
	}

	ev, err := t.Approve(owner, spender, amount)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

// ==============================
// Exchange handlers
// ==============================

func (s *Server) handleExchangeBalance(w http.ResponseWriter, r *http.Request) {
	asset, ok := pathAddress(w, r, "asset")
	if !ok {
		return
	}
	user, ok := pathAddress(w, r, "user")
	if !ok {
		return
	}
	respondJSON(w, BalanceInfo{
		Asset:   asset.Hex(),
		User:    user.Hex(),
		Balance: s.exchange.BalanceOf(asset, user).String(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StateInfo{
		StateHash:  s.exchange.StateHash().Hex(),
		OrderCount: s.exchange.OrderCount(),
		FeeAccount: s.exchange.FeeAccount().Hex(),
		FeePercent: s.exchange.FeePercent(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	events := s.exchange.Events()
	response := make([]EventMessage, len(events))
	for i, ev := range events {
		response[i] = EventMessage{Event: ev.Name(), Data: ev}
	}
	respondJSON(w, response)
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := bodyAddress(w, req.User, "user")
	if !ok {
		return
	}
	amount, ok := bodyAmount(w, req.Amount)
	if !ok {
		return
	}

	var (
		ev  *core.DepositEvent
		err error
	)
	if req.Asset == "" {
		ev, err = s.exchange.DepositEther(user, amount)
	} else {
		// Malformed asset strings must reject, not fall through to
		// the native path via a zero-parsed address.
		asset, ok := bodyAddress(w, req.Asset, "asset")
		if !ok {
			return
		}
		if core.IsNative(asset) {
			ev, err = s.exchange.DepositEther(user, amount)
		} else {
			ev, err = s.exchange.DepositToken(asset, user, amount)
		}
	}
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req WithdrawRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := bodyAddress(w, req.User, "user")
	if !ok {
		return
	}
	amount, ok := bodyAmount(w, req.Amount)
	if !ok {
		return
	}

	var (
		ev  *core.WithdrawEvent
		err error
	)
	if req.Asset == "" {
		ev, err = s.exchange.WithdrawEther(user, amount)
	} else {
		asset, ok := bodyAddress(w, req.Asset, "asset")
		if !ok {
			return
		}
		if core.IsNative(asset) {
			ev, err = s.exchange.WithdrawEther(user, amount)
		} else {
			ev, err = s.exchange.WithdrawToken(asset, user, amount)
		}
	}
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.exchange.Orders()
	response := make([]OrderInfo, len(orders))
	for i, o := range orders {
		response[i] = s.orderInfo(o)
	}
	respondJSON(w, response)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	o, err := s.exchange.Order(id)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, s.orderInfo(o))
}

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := bodyAddress(w, req.User, "user")
	if !ok {
		return
	}
	tokenGet, ok := bodyAddress(w, req.TokenGet, "tokenGet")
	if !ok {
		return
	}
	amountGet, ok := bodyAmount(w, req.AmountGet)
	if !ok {
		return
	}
	tokenGive, ok := bodyAddress(w, req.TokenGive, "tokenGive")
	if !ok {
		return
	}
	amountGive, ok := bodyAmount(w, req.AmountGive)
	if !ok {
		return
	}

	ev, err := s.exchange.MakeOrder(user, tokenGet, amountGet, tokenGive, amountGive)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	var req FillOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := bodyAddress(w, req.User, "user")
	if !ok {
		return
	}

	ev, err := s.exchange.FillOrder(user, id)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := pathOrderID(w, r)
	if !ok {
		return
	}
	var req CancelOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}
	user, ok := bodyAddress(w, req.User, "user")
	if !ok {
		return
	}

	ev, err := s.exchange.CancelOrder(user, id)
	if err != nil {
		respondCoreError(w, err)
		return
	}
	respondJSON(w, EventMessage{Event: ev.Name(), Data: ev})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helpers
// ==============================

func tokenInfo(t *token.Token) TokenInfo {
	return TokenInfo{
		Address:     t.Address().Hex(),
		Name:        t.Name(),
		Symbol:      t.Symbol(),
		Decimals:    t.Decimals(),
		TotalSupply: t.TotalSupply().String(),
	}
}

func (s *Server) orderInfo(o *exchange.Order) OrderInfo {
	status, err := s.exchange.OrderStatusOf(o.ID)
	if err != nil {
		status = exchange.OrderOpen
	}
	return OrderInfo{
		ID:         o.ID,
		User:       o.User.Hex(),
		TokenGet:   o.TokenGet.Hex(),
		AmountGet:  o.AmountGet.String(),
		TokenGive:  o.TokenGive.Hex(),
		AmountGive: o.AmountGive.String(),
		Timestamp:  o.Timestamp,
		Status:     status.String(),
	}
}

func (s *Server) lookupToken(w http.ResponseWriter, r *http.Request) (*token.Token, bool) {
	addr, ok := pathAddress(w, r, "address")
	if !ok {
		return nil, false
	}
	t, err := s.tokens.Get(addr)
	if err != nil {
		respondError(w, http.StatusNotFound, "token not found", err.Error())
		return nil, false
	}
	return t, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, name string) (common.Address, bool) {
	raw := mux.Vars(r)[name]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", name+": "+raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func pathOrderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["id"]
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", raw)
		return 0, false
	}
	return id, true
}

func bodyAddress(w http.ResponseWriter, raw, name string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid address", name+": "+raw)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func bodyAmount(w http.ResponseWriter, raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() < 0 {
		respondError(w, http.StatusBadRequest, "invalid amount", raw)
		return nil, false
	}
	return amount, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return false
	}
	return true
}

// respondCoreError maps ledger failure kinds onto HTTP statuses.
func respondCoreError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, core.ErrOrderNotFound):
		status = http.StatusNotFound
	case errors.Is(err, core.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, core.ErrOrderAlreadyFilled), errors.Is(err, core.ErrOrderCancelled):
		status = http.StatusConflict
	case errors.Is(err, core.ErrInsufficientBalance), errors.Is(err, core.ErrInsufficientAllowance):
		status = http.StatusUnprocessableEntity
	}
	respondError(w, status, "operation rejected", err.Error())
}

func respondJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func respondError(w http.ResponseWriter, status int, msg, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg, Detail: detail})
}
