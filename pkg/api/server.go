package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/holiman/uint256"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/custodex/pkg/app/core/asset"
	"github.com/uhyunpark/custodex/pkg/app/core/book"
	"github.com/uhyunpark/custodex/pkg/app/core/custody"
	"github.com/uhyunpark/custodex/pkg/app/core/exchange"
	"github.com/uhyunpark/custodex/pkg/app/core/ledger"
)

// Server exposes the ledger's boundary operations over REST and pushes the
// event log to WebSocket subscribers. Authorization is the exchange's job:
// any account may call any operation, and the exchange enforces per-operation
// rules (only the creator cancels, etc.).
type Server struct {
	x      *exchange.Exchange
	router *mux.Router
	hub    *Hub
	log    *zap.SugaredLogger
}

// NewServer creates the API server and subscribes it to the exchange's
// event log.
func NewServer(x *exchange.Exchange, logger *zap.SugaredLogger) *Server {
	s := &Server{
		x:      x,
		router: mux.NewRouter(),
		hub:    NewHub(),
		log:    logger,
	}

	x.Subscribe(s.broadcastEvent)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Custody entry/exit
	api.HandleFunc("/deposits/native", s.handleDepositNative).Methods("POST")
	api.HandleFunc("/deposits/token", s.handleDepositToken).Methods("POST")
	api.HandleFunc("/withdrawals/native", s.handleWithdrawNative).Methods("POST")
	api.HandleFunc("/withdrawals/token", s.handleWithdrawToken).Methods("POST")

	// Order lifecycle
	api.HandleFunc("/orders", s.handleMakeOrder).Methods("POST")
	api.HandleFunc("/orders", s.handleOpenOrders).Methods("GET")
	api.HandleFunc("/orders/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/fill", s.handleFillOrder).Methods("POST")
	api.HandleFunc("/orders/{id:[0-9]+}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id:[0-9]+}/status", s.handleOrderStatus).Methods("GET")

	// Reads
	api.HandleFunc("/balances/{asset}/{account}", s.handleBalance).Methods("GET")
	api.HandleFunc("/custody/{asset}", s.handleCustody).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")

	// WebSocket endpoint
	s.router.HandleFunc("/ws", s.handleWebSocket)

	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Start starts the API server
func (s *Server) Start(addr string) error {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:3000", "http://localhost:3001"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	s.log.Infow("api_server_starting", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// ==============================
// Custody Handlers
// ==============================

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	account, amount, ok := s.decodeTransfer(w, r, &req, false)
	if !ok {
		return
	}
	if err := s.x.DepositNative(account, amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondBalance(w, asset.Native, account)
}

func (s *Server) handleDepositToken(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	account, amount, ok := s.decodeTransfer(w, r, &req, true)
	if !ok {
		return
	}
	token := common.HexToAddress(req.Token)
	if err := s.x.DepositToken(r.Context(), token, account, amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondBalance(w, token, account)
}

func (s *Server) handleWithdrawNative(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	account, amount, ok := s.decodeTransfer(w, r, &req, false)
	if !ok {
		return
	}
	if err := s.x.WithdrawNative(r.Context(), account, amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondBalance(w, asset.Native, account)
}

func (s *Server) handleWithdrawToken(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	account, amount, ok := s.decodeTransfer(w, r, &req, true)
	if !ok {
		return
	}
	token := common.HexToAddress(req.Token)
	if err := s.x.WithdrawToken(r.Context(), token, account, amount); err != nil {
		s.respondOpError(w, err)
		return
	}
	s.respondBalance(w, token, account)
}

// ==============================
// Order Handlers
// ==============================

func (s *Server) handleMakeOrder(w http.ResponseWriter, r *http.Request) {
	var req MakeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if !common.IsHexAddress(req.Account) {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return
	}

	assetWanted, err := parseAsset(req.AssetWanted)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid assetWanted", err.Error())
		return
	}
	assetOffered, err := parseAsset(req.AssetOffered)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid assetOffered", err.Error())
		return
	}
	amountWanted, err := uint256.FromDecimal(req.AmountWanted)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountWanted", err.Error())
		return
	}
	amountOffered, err := uint256.FromDecimal(req.AmountOffered)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amountOffered", err.Error())
		return
	}

	o, err := s.x.MakeOrder(common.HexToAddress(req.Account), assetWanted, amountWanted, assetOffered, amountOffered)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, MakeOrderResponse{OrderID: o.ID, Status: o.Status().String()})
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	account, id, ok := s.decodeOrderAction(w, r)
	if !ok {
		return
	}
	if err := s.x.CancelOrder(account, id); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, OrderStatusResponse{ID: id, Status: book.Cancelled.String()})
}

func (s *Server) handleFillOrder(w http.ResponseWriter, r *http.Request) {
	account, id, ok := s.decodeOrderAction(w, r)
	if !ok {
		return
	}
	if _, err := s.x.FillOrder(account, id); err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, OrderStatusResponse{ID: id, Status: book.Filled.String()})
}

func (s *Server) handleOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.x.OpenOrders()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "order listing failed", err.Error())
		return
	}
	out := make([]OrderResponse, len(orders))
	for i, o := range orders {
		out[i] = orderResponse(o)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.x.Order(id)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, orderResponse(o))
}

func (s *Server) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	status, err := s.x.OrderStatus(id)
	if err != nil {
		s.respondOpError(w, err)
		return
	}
	respondJSON(w, OrderStatusResponse{ID: id, Status: status.String()})
}

// ==============================
// Read Handlers
// ==============================

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	a, err := parseAsset(vars["asset"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	if !common.IsHexAddress(vars["account"]) {
		respondError(w, http.StatusBadRequest, "invalid account", vars["account"])
		return
	}
	s.respondBalance(w, a, common.HexToAddress(vars["account"]))
}

func (s *Server) handleCustody(w http.ResponseWriter, r *http.Request) {
	a, err := parseAsset(mux.Vars(r)["asset"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid asset", err.Error())
		return
	}
	total, holders, err := s.x.CustodyOf(a)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "custody scan failed", err.Error())
		return
	}
	respondJSON(w, CustodyResponse{Asset: assetString(a), Total: total.Dec(), Holders: holders})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after := uint64(0)
	if v := r.URL.Query().Get("after"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid after", err.Error())
			return
		}
		after = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 || parsed > 1000 {
			respondError(w, http.StatusBadRequest, "invalid limit", v)
			return
		}
		limit = parsed
	}

	events, err := s.x.EventsSince(after, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event read failed", err.Error())
		return
	}
	if events == nil {
		events = []exchange.Event{}
	}
	respondJSON(w, events)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Event Broadcast
// ==============================

// broadcastEvent fans a confirmed event out to WebSocket channels. Runs
// synchronously inside the exchange operation, so clients see events in
// operation order.
func (s *Server) broadcastEvent(e exchange.Event) {
	s.hub.BroadcastToChannel("events", e)
	switch e.Kind {
	case exchange.KindOrder, exchange.KindCancel:
		s.hub.BroadcastToChannel("orders", e)
	case exchange.KindTrade:
		s.hub.BroadcastToChannel("trades", e)
	case exchange.KindDeposit, exchange.KindWithdraw:
		s.hub.BroadcastToChannel("transfers", e)
	}
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) decodeTransfer(w http.ResponseWriter, r *http.Request, req *TransferRequest, wantToken bool) (common.Address, *uint256.Int, bool) {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return common.Address{}, nil, false
	}
	if !common.IsHexAddress(req.Account) {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return common.Address{}, nil, false
	}
	if wantToken && !common.IsHexAddress(req.Token) {
		respondError(w, http.StatusBadRequest, "invalid token", req.Token)
		return common.Address{}, nil, false
	}
	amount, err := uint256.FromDecimal(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
		return common.Address{}, nil, false
	}
	return common.HexToAddress(req.Account), amount, true
}

func (s *Server) decodeOrderAction(w http.ResponseWriter, r *http.Request) (common.Address, uint64, bool) {
	var req OrderActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return common.Address{}, 0, false
	}
	if !common.IsHexAddress(req.Account) {
		respondError(w, http.StatusBadRequest, "invalid account", req.Account)
		return common.Address{}, 0, false
	}
	return common.HexToAddress(req.Account), req.OrderID, true
}

func (s *Server) respondBalance(w http.ResponseWriter, a asset.ID, account common.Address) {
	balance, err := s.x.BalanceOf(a, account)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "balance read failed", err.Error())
		return
	}
	respondJSON(w, BalanceResponse{
		Asset:   assetString(a),
		Account: account.Hex(),
		Balance: balance.Dec(),
	})
}

// respondOpError maps the exchange's error taxonomy onto HTTP statuses.
// Every rejected operation had no side effect, so clients may simply retry
// with a fresh call.
func (s *Server) respondOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, exchange.ErrInvalidAmount):
		respondError(w, http.StatusBadRequest, "invalid amount", err.Error())
	case errors.Is(err, custody.ErrAssetMismatch):
		respondError(w, http.StatusBadRequest, "asset mismatch", err.Error())
	case errors.Is(err, book.ErrOrderNotFound):
		respondError(w, http.StatusNotFound, "order not found", err.Error())
	case errors.Is(err, exchange.ErrUnauthorized):
		respondError(w, http.StatusForbidden, "unauthorized", err.Error())
	case errors.Is(err, exchange.ErrAlreadyFinalized):
		respondError(w, http.StatusConflict, "order already finalized", err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance):
		respondError(w, http.StatusConflict, "insufficient balance", err.Error())
	case errors.Is(err, ledger.ErrOverflow):
		respondError(w, http.StatusBadRequest, "balance overflow", err.Error())
	case errors.Is(err, custody.ErrTransferRejected):
		respondError(w, http.StatusBadGateway, "custody transfer rejected", err.Error())
	default:
		s.log.Errorw("operation_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "operation failed", err.Error())
	}
}

func parseAsset(s string) (asset.ID, error) {
	if s == "native" {
		return asset.Native, nil
	}
	return asset.Parse(s)
}

func assetString(a asset.ID) string {
	if asset.IsNative(a) {
		return "native"
	}
	return a.Hex()
}

func orderResponse(o *book.Order) OrderResponse {
	return OrderResponse{
		ID:            o.ID,
		Creator:       o.Creator.Hex(),
		AssetWanted:   assetString(o.AssetWanted),
		AmountWanted:  o.AmountWanted.Dec(),
		AssetOffered:  assetString(o.AssetOffered),
		AmountOffered: o.AmountOffered.Dec(),
		CreatedAt:     o.CreatedAt,
		Status:        o.Status().String(),
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
