package exchange

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyruo/etherdex/pkg/core"
)

// Order is a limit order resting on the exchange. Orders are immutable
// once created; fill and cancel state is tracked out-of-band by the
// exchange so the stored record never changes. Ids form a dense
// sequence starting at 1 and are never reused.
type Order struct {
	ID         uint64         `json:"id"`
	User       common.Address `json:"user"`       // maker
	TokenGet   core.AssetID   `json:"tokenGet"`   // asset the maker wants
	AmountGet  *big.Int       `json:"amountGet"`  // in smallest units
	TokenGive  core.AssetID   `json:"tokenGive"`  // asset the maker offers
	AmountGive *big.Int       `json:"amountGive"` // in smallest units
	Timestamp  int64          `json:"timestamp"`  // creation time, Unix seconds
}

// Clone returns a deep copy so callers can't mutate stored amounts.
func (o *Order) Clone() *Order {
	return &Order{
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp:  o.Timestamp,
	}
}

// OrderStatus is derived from the exchange's fill/cancel flags, not
// stored on the order. Filled and Cancelled are terminal and mutually
// exclusive.
type OrderStatus int8

const (
	OrderOpen OrderStatus = iota
	OrderFilled
	OrderCancelled
)

func (s OrderStatus) String() string {
	switch s {
	case OrderOpen:
		return "open"
	case OrderFilled:
		return "filled"
	case OrderCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
