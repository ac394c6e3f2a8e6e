package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event is a flat record emitted by a successful ledger operation.
// Rejected operations emit nothing. Consumers treat the sequence of
// events as an append-only log for rendering balance and order history.
type Event interface {
	Name() string
}

// TransferEvent is emitted by Transfer and TransferFrom on a token ledger.
type TransferEvent struct {
	Token  common.Address `json:"token"`
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

func (TransferEvent) Name() string { return "Transfer" }

// ApprovalEvent is emitted when an owner sets a spender allowance.
type ApprovalEvent struct {
	Token   common.Address `json:"token"`
	Owner   common.Address `json:"owner"`
	Spender common.Address `json:"spender"`
	Amount  *big.Int       `json:"amount"`
}

func (ApprovalEvent) Name() string { return "Approval" }

// DepositEvent is emitted when funds enter the exchange's custodial
// ledger. Balance is the user's custodial balance after the credit.
type DepositEvent struct {
	Token   AssetID        `json:"token"`
	User    common.Address `json:"user"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

func (DepositEvent) Name() string { return "Deposit" }

// WithdrawEvent mirrors DepositEvent for the withdrawal path.
type WithdrawEvent struct {
	Token   AssetID        `json:"token"`
	User    common.Address `json:"user"`
	Amount  *big.Int       `json:"amount"`
	Balance *big.Int       `json:"balance"`
}

func (WithdrawEvent) Name() string { return "Withdraw" }

// OrderEvent is emitted when a new order is placed.
type OrderEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   AssetID        `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  AssetID        `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (OrderEvent) Name() string { return "Order" }

// CancelEvent carries the cancelled order's original fields,
// timestamped at cancellation time.
type CancelEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   AssetID        `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  AssetID        `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	Timestamp  int64          `json:"timestamp"`
}

func (CancelEvent) Name() string { return "Cancel" }

// TradeEvent is emitted when an order is filled. User is the maker,
// UserFill the filler; Timestamp is the fill time, not the order's.
type TradeEvent struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`
	TokenGet   AssetID        `json:"tokenGet"`
	AmountGet  *big.Int       `json:"amountGet"`
	TokenGive  AssetID        `json:"tokenGive"`
	AmountGive *big.Int       `json:"amountGive"`
	UserFill   common.Address `json:"userFill"`
	Timestamp  int64          `json:"timestamp"`
}

func (TradeEvent) Name() string { return "Trade" }
