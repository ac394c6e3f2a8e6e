package api

// Request and response types for the REST and WebSocket surface.
// Amounts travel as decimal strings in smallest units; addresses as
// 0x-prefixed hex. The caller identity rides in the request body
// (wallet connection and signing live outside the core).

// ==============================
// REST response types
// ==============================

// TokenInfo describes a registered token ledger.
type TokenInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

// BalanceInfo is one custodial or token balance entry.
type BalanceInfo struct {
	Asset   string `json:"asset"`
	User    string `json:"user"`
	Balance string `json:"balance"`
}

// AllowanceInfo reports a token spender allowance.
type AllowanceInfo struct {
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

// OrderInfo is an order plus its derived status.
type OrderInfo struct {
	ID         uint64 `json:"id"`
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Timestamp  int64  `json:"timestamp"`
	Status     string `json:"status"` // "open", "filled", "cancelled"
}

// StateInfo is the exchange snapshot digest.
type StateInfo struct {
	StateHash  string `json:"stateHash"`
	OrderCount uint64 `json:"orderCount"`
	FeeAccount string `json:"feeAccount"`
	FeePercent int64  `json:"feePercent"`
}

// EventMessage wraps an emitted ledger event for WebSocket fan-out
// and the events endpoint.
type EventMessage struct {
	Event string `json:"event"` // "Deposit", "Withdraw", "Order", "Cancel", "Trade", ...
	Data  any    `json:"data"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// ==============================
// REST request types
// ==============================

// TransferRequest moves tokens on a token ledger.
type TransferRequest struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ApproveRequest sets a spender allowance.
type ApproveRequest struct {
	Owner   string `json:"owner"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

// DepositRequest credits the custodial ledger. Asset empty or the zero
// address means the native asset.
type DepositRequest struct {
	Asset  string `json:"asset,omitempty"`
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// WithdrawRequest debits the custodial ledger.
type WithdrawRequest struct {
	Asset  string `json:"asset,omitempty"`
	User   string `json:"user"`
	Amount string `json:"amount"`
}

// MakeOrderRequest places a limit order.
type MakeOrderRequest struct {
	User       string `json:"user"`
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
}

// FillOrderRequest fills an order on behalf of User.
type FillOrderRequest struct {
	User string `json:"user"`
}

// CancelOrderRequest cancels an order on behalf of User (the maker).
type CancelOrderRequest struct {
	User string `json:"user"`
}

// ==============================
// WebSocket types
// ==============================

// WSSubscribeRequest is the client -> server subscription message.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}
