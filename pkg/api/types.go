package api

// Request/response types for the REST surface. Amounts travel as decimal
// strings in the asset's smallest unit; JSON numbers can't carry uint256.

// ==============================
// Request Types
// ==============================

// TransferRequest is the payload for deposits and withdrawals. Token is
// omitted on the native paths.
type TransferRequest struct {
	Account string `json:"account"` // 0x address of the caller
	Token   string `json:"token,omitempty"`
	Amount  string `json:"amount"` // decimal, smallest unit
}

// MakeOrderRequest posts a new order.
type MakeOrderRequest struct {
	Account       string `json:"account"`
	AssetWanted   string `json:"assetWanted"` // "native" or token address
	AmountWanted  string `json:"amountWanted"`
	AssetOffered  string `json:"assetOffered"`
	AmountOffered string `json:"amountOffered"`
}

// OrderActionRequest cancels or fills an existing order.
type OrderActionRequest struct {
	Account string `json:"account"`
	OrderID uint64 `json:"orderId"`
}

// ==============================
// Response Types
// ==============================

type BalanceResponse struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Balance string `json:"balance"`
}

type OrderResponse struct {
	ID            uint64 `json:"id"`
	Creator       string `json:"creator"`
	AssetWanted   string `json:"assetWanted"`
	AmountWanted  string `json:"amountWanted"`
	AssetOffered  string `json:"assetOffered"`
	AmountOffered string `json:"amountOffered"`
	CreatedAt     int64  `json:"createdAt"`
	Status        string `json:"status"`
}

type MakeOrderResponse struct {
	OrderID uint64 `json:"orderId"`
	Status  string `json:"status"`
}

type OrderStatusResponse struct {
	ID     uint64 `json:"id"`
	Status string `json:"status"`
}

type CustodyResponse struct {
	Asset   string `json:"asset"`
	Total   string `json:"total"`   // sum of all ledger entries
	Holders int    `json:"holders"` // non-zero entries
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by a client to manage channel subscriptions.
// Channels: "events" (everything), "orders" (Order/Cancel), "trades" (Trade),
// "transfers" (Deposit/Withdraw).
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
