// Package exchange implements the custodial exchange ledger and order
// engine: per-user per-asset balances held by the exchange, the order
// collection with its dense id sequence, fee policy, and trade
// settlement. All mutations are serialized through a single mutex;
// every operation validates, mutates, and emits exactly one event, or
// rejects leaving state untouched.
package exchange

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/hyruo/etherdex/pkg/core"
	"github.com/hyruo/etherdex/pkg/core/token"
	"github.com/hyruo/etherdex/pkg/util"
)

// Config carries the immutable deployment parameters of an exchange.
type Config struct {
	Address    common.Address // exchange's own identity in token ledgers
	FeeAccount common.Address // receives trade fees
	FeePercent int64          // fee on the get side, whole percent
	Tokens     *token.Registry
	Clock      util.Clock         // nil -> RealClock
	Store      Persister          // nil -> memory only
	Logger     *zap.SugaredLogger // nil -> no-op
}

// Exchange owns the custodial balance table and the order collection.
type Exchange struct {
	mu sync.Mutex

	address    common.Address
	feeAccount common.Address
	feePercent int64
	tokens     *token.Registry
	clock      util.Clock
	store      Persister
	log        *zap.SugaredLogger

	balances  map[core.AssetID]map[common.Address]*big.Int
	orders    map[uint64]*Order
	nextID    uint64 // id of the next order, starts at 1
	filled    map[uint64]bool
	cancelled map[uint64]bool

	events []core.Event

	// OnEvent, when set, observes every emitted event in emission
	// order. Invoked under the exchange lock; must not call back in.
	OnEvent func(core.Event)
}

// New creates an exchange. If cfg.Store is non-nil, previously
// persisted balances, orders, and status flags are reloaded so a
// restart resumes the ledger where it left off.
func New(cfg Config) (*Exchange, error) {
	if cfg.FeePercent < 0 || cfg.FeePercent > 100 {
		return nil, fmt.Errorf("fee percent out of range: %d", cfg.FeePercent)
	}
	if cfg.Tokens == nil {
		cfg.Tokens = token.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}

	x := &Exchange{
		address:    cfg.Address,
		feeAccount: cfg.FeeAccount,
		feePercent: cfg.FeePercent,
		tokens:     cfg.Tokens,
		clock:      cfg.Clock,
		store:      cfg.Store,
		log:        cfg.Logger,
		balances:   make(map[core.AssetID]map[common.Address]*big.Int),
		orders:     make(map[uint64]*Order),
		nextID:     1,
		filled:     make(map[uint64]bool),
		cancelled:  make(map[uint64]bool),
	}

	if x.store != nil {
		state, err := x.store.LoadState()
		if err != nil {
			return nil, fmt.Errorf("failed to load exchange state: %w", err)
		}
		x.balances = state.Balances
		x.orders = state.Orders
		x.filled = state.Filled
		x.cancelled = state.Cancelled
		if state.NextID > 0 {
			x.nextID = state.NextID
		}
	}

	return x, nil
}

func (x *Exchange) Address() common.Address    { return x.address }
func (x *Exchange) FeeAccount() common.Address { return x.feeAccount }
func (x *Exchange) FeePercent() int64          { return x.feePercent }

// -----------------------------------------------------------------
// Deposits and withdrawals
// -----------------------------------------------------------------

// DepositEther credits the caller's custodial native-asset balance.
func (x *Exchange) DepositEther(user common.Address, amount *big.Int) (*core.DepositEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	newBal := new(big.Int).Add(x.balance(core.NativeAsset, user), amount)
	if err := x.persistBalance(core.NativeAsset, user, newBal); err != nil {
		return nil, err
	}
	x.setBalance(core.NativeAsset, user, newBal)

	ev := &core.DepositEvent{
		Token:   core.NativeAsset,
		User:    user,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(newBal),
	}
	x.emit(ev)
	x.log.Infow("deposit", "asset", "ether", "user", user.Hex(), "amount", amount, "balance", newBal)
	return ev, nil
}

// WithdrawEther debits the caller's custodial native-asset balance and
// releases the funds back to the caller; the actual native transfer is
// the hosting environment's concern.
func (x *Exchange) WithdrawEther(user common.Address, amount *big.Int) (*core.WithdrawEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	bal := x.balance(core.NativeAsset, user)
	if bal.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s has %s, need %s", core.ErrInsufficientBalance,
			user.Hex(), bal, amount)
	}

	newBal := new(big.Int).Sub(bal, amount)
	if err := x.persistBalance(core.NativeAsset, user, newBal); err != nil {
		return nil, err
	}
	x.setBalance(core.NativeAsset, user, newBal)

	ev := &core.WithdrawEvent{
		Token:   core.NativeAsset,
		User:    user,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(newBal),
	}
	x.emit(ev)
	x.log.Infow("withdraw", "asset", "ether", "user", user.Hex(), "amount", amount, "balance", newBal)
	return ev, nil
}

// DepositToken pulls amount of asset from the user's token balance into
// the exchange's holding (the user must have approved the exchange
// beforehand) and credits the custodial ledger.
func (x *Exchange) DepositToken(asset core.AssetID, user common.Address, amount *big.Int) (*core.DepositEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if core.IsNative(asset) {
		return nil, fmt.Errorf("%w: native asset must use the ether deposit path", core.ErrInvalidAsset)
	}
	tok, err := x.tokens.Get(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidAsset, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	// The exchange spends its own allowance granted by the user.
	// Snapshot it first: an unwind must also hand the consumed
	// allowance back, not just the tokens.
	prevAllowance := tok.Allowance(user, x.address)
	if _, err := tok.TransferFrom(x.address, user, x.address, amount); err != nil {
		return nil, err
	}

	newBal := new(big.Int).Add(x.balance(asset, user), amount)
	if err := x.persistBalance(asset, user, newBal); err != nil {
		// Return the pulled tokens and the allowance so no partial
		// state is observable.
		if _, terr := tok.Transfer(x.address, user, amount); terr != nil {
			x.log.Errorw("deposit_unwind_failed", "asset", asset.Hex(), "user", user.Hex(), "err", terr)
		}
		if _, aerr := tok.Approve(user, x.address, prevAllowance); aerr != nil {
			x.log.Errorw("deposit_allowance_restore_failed", "asset", asset.Hex(), "user", user.Hex(), "err", aerr)
		}
		return nil, err
	}
	x.setBalance(asset, user, newBal)

	ev := &core.DepositEvent{
		Token:   asset,
		User:    user,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(newBal),
	}
	x.emit(ev)
	x.log.Infow("deposit", "asset", asset.Hex(), "user", user.Hex(), "amount", amount, "balance", newBal)
	return ev, nil
}

// WithdrawToken debits the custodial ledger and pushes the tokens from
// the exchange's holding back to the user.
func (x *Exchange) WithdrawToken(asset core.AssetID, user common.Address, amount *big.Int) (*core.WithdrawEvent, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if core.IsNative(asset) {
		return nil, fmt.Errorf("%w: native asset must use the ether withdraw path", core.ErrInvalidAsset)
	}
	tok, err := x.tokens.Get(asset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidAsset, err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	bal := x.balance(asset, user)
	if bal.Cmp(amount) < 0 {
		return nil, fmt.Errorf("%w: %s has %s, need %s", core.ErrInsufficientBalance,
			user.Hex(), bal, amount)
	}

	// Commit the custodial debit before releasing tokens. The reverse
	// order has no clean unwind: a transfer back through TransferFrom
	// needs an allowance the user already spent depositing.
	newBal := new(big.Int).Sub(bal, amount)
	if err := x.persistBalance(asset, user, newBal); err != nil {
		return nil, err
	}

	// The exchange's holding always covers the custodial credits, so
	// this transfer only fails on outside interference; restore the
	// persisted debit if it does.
	if _, err := tok.Transfer(x.address, user, amount); err != nil {
		if perr := x.persistBalance(asset, user, bal); perr != nil {
			x.log.Errorw("withdraw_unwind_failed", "asset", asset.Hex(), "user", user.Hex(), "err", perr)
		}
		return nil, err
	}
	x.setBalance(asset, user, newBal)

	ev := &core.WithdrawEvent{
		Token:   asset,
		User:    user,
		Amount:  new(big.Int).Set(amount),
		Balance: new(big.Int).Set(newBal),
	}
	x.emit(ev)
	x.log.Infow("withdraw", "asset", asset.Hex(), "user", user.Hex(), "amount", amount, "balance", newBal)
	return ev, nil
}

// -----------------------------------------------------------------
// Order lifecycle
// -----------------------------------------------------------------

// MakeOrder stores a new order and assigns the next sequential id.
// No balance check happens here: the maker's give-side funds are
// validated at fill time.
func (x *Exchange) MakeOrder(user common.Address, tokenGet core.AssetID, amountGet *big.Int, tokenGive core.AssetID, amountGive *big.Int) (*core.OrderEvent, error) {
	if err := checkAmount(amountGet); err != nil {
		return nil, err
	}
	if err := checkAmount(amountGive); err != nil {
		return nil, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	o := &Order{
		ID:         x.nextID,
		User:       user,
		TokenGet:   tokenGet,
		AmountGet:  new(big.Int).Set(amountGet),
		TokenGive:  tokenGive,
		AmountGive: new(big.Int).Set(amountGive),
		Timestamp:  x.clock.Now().Unix(),
	}

	if x.store != nil {
		b := x.store.NewBatch()
		defer b.Close()
		if err := b.SetOrder(o); err != nil {
			return nil, err
		}
		if err := b.SetNextID(x.nextID + 1); err != nil {
			return nil, err
		}
		if err := b.Commit(); err != nil {
			return nil, fmt.Errorf("failed to persist order: %w", err)
		}
	}

	x.orders[o.ID] = o
	x.nextID++

	ev := &core.OrderEvent{
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp:  o.Timestamp,
	}
	x.emit(ev)
	x.log.Infow("order", "id", o.ID, "user", user.Hex(),
		"tokenGet", tokenGet.Hex(), "amountGet", amountGet,
		"tokenGive", tokenGive.Hex(), "amountGive", amountGive)
	return ev, nil
}

// CancelOrder marks an open order cancelled. Only the maker may cancel,
// and the transition is terminal: filled or cancelled orders reject.
func (x *Exchange) CancelOrder(user common.Address, id uint64) (*core.CancelEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderNotFound, id)
	}
	if x.filled[id] {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderAlreadyFilled, id)
	}
	if x.cancelled[id] {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderCancelled, id)
	}
	if o.User != user {
		return nil, fmt.Errorf("%w: order %d belongs to %s", core.ErrUnauthorized, id, o.User.Hex())
	}

	if x.store != nil {
		b := x.store.NewBatch()
		defer b.Close()
		if err := b.SetStatus(id, OrderCancelled); err != nil {
			return nil, err
		}
		if err := b.Commit(); err != nil {
			return nil, fmt.Errorf("failed to persist cancel: %w", err)
		}
	}

	x.cancelled[id] = true

	ev := &core.CancelEvent{
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		Timestamp:  x.clock.Now().Unix(),
	}
	x.emit(ev)
	x.log.Infow("cancel", "id", id, "user", user.Hex())
	return ev, nil
}

// FillOrder settles an order against the filler's custodial balances.
// The filler gives up amountGet plus the fee on the get side; the
// maker's give-side funds are validated now, not at make time. All six
// settlement steps apply or none do.
func (x *Exchange) FillOrder(filler common.Address, id uint64) (*core.TradeEvent, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	o, ok := x.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderNotFound, id)
	}
	if x.filled[id] {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderAlreadyFilled, id)
	}
	if x.cancelled[id] {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderCancelled, id)
	}

	// Fee in units of the get asset, truncating division.
	fee := new(big.Int).Mul(o.AmountGet, big.NewInt(x.feePercent))
	fee.Div(fee, big.NewInt(100))
	cost := new(big.Int).Add(o.AmountGet, fee)

	st := newStaging(x)
	if err := st.debit(o.TokenGet, filler, cost); err != nil {
		return nil, err
	}
	st.credit(o.TokenGet, o.User, o.AmountGet)
	st.credit(o.TokenGet, x.feeAccount, fee)
	if err := st.debit(o.TokenGive, o.User, o.AmountGive); err != nil {
		return nil, err
	}
	st.credit(o.TokenGive, filler, o.AmountGive)

	if x.store != nil {
		b := x.store.NewBatch()
		defer b.Close()
		if err := st.persist(b); err != nil {
			return nil, err
		}
		if err := b.SetStatus(id, OrderFilled); err != nil {
			return nil, err
		}
		if err := b.Commit(); err != nil {
			return nil, fmt.Errorf("failed to persist trade: %w", err)
		}
	}

	st.apply(x)
	x.filled[id] = true

	ev := &core.TradeEvent{
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  new(big.Int).Set(o.AmountGet),
		TokenGive:  o.TokenGive,
		AmountGive: new(big.Int).Set(o.AmountGive),
		UserFill:   filler,
		Timestamp:  x.clock.Now().Unix(),
	}
	x.emit(ev)
	x.log.Infow("trade", "id", id, "maker", o.User.Hex(), "filler", filler.Hex(), "fee", fee)
	return ev, nil
}

// -----------------------------------------------------------------
// Queries
// -----------------------------------------------------------------

// BalanceOf returns the custodial balance; zero for unknown keys.
func (x *Exchange) BalanceOf(asset core.AssetID, user common.Address) *big.Int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return new(big.Int).Set(x.balance(asset, user))
}

// OrderCount returns how many orders have ever been created.
func (x *Exchange) OrderCount() uint64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.nextID - 1
}

// Order returns a copy of the order with the given id.
func (x *Exchange) Order(id uint64) (*Order, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	o, ok := x.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: id %d", core.ErrOrderNotFound, id)
	}
	return o.Clone(), nil
}

// Orders returns copies of all orders in id order.
func (x *Exchange) Orders() []*Order {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*Order, 0, len(x.orders))
	for id := uint64(1); id < x.nextID; id++ {
		if o, ok := x.orders[id]; ok {
			out = append(out, o.Clone())
		}
	}
	return out
}

// OrderFilled reports whether the order has been filled.
func (x *Exchange) OrderFilled(id uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.filled[id]
}

// OrderCancelled reports whether the order has been cancelled.
func (x *Exchange) OrderCancelled(id uint64) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancelled[id]
}

// OrderStatusOf derives the 3-state status for an order.
func (x *Exchange) OrderStatusOf(id uint64) (OrderStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.orders[id]; !ok {
		return OrderOpen, fmt.Errorf("%w: id %d", core.ErrOrderNotFound, id)
	}
	switch {
	case x.filled[id]:
		return OrderFilled, nil
	case x.cancelled[id]:
		return OrderCancelled, nil
	default:
		return OrderOpen, nil
	}
}

// Events returns a copy of the emitted event log, oldest first.
func (x *Exchange) Events() []core.Event {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]core.Event, len(x.events))
	copy(out, x.events)
	return out
}

// -----------------------------------------------------------------
// Internals
// -----------------------------------------------------------------

// balance returns the live balance value (not a copy). Lock held.
func (x *Exchange) balance(asset core.AssetID, user common.Address) *big.Int {
	if users, ok := x.balances[asset]; ok {
		if bal, ok := users[user]; ok {
			return bal
		}
	}
	return new(big.Int)
}

// setBalance writes a balance entry. Lock held.
func (x *Exchange) setBalance(asset core.AssetID, user common.Address, v *big.Int) {
	users, ok := x.balances[asset]
	if !ok {
		users = make(map[common.Address]*big.Int)
		x.balances[asset] = users
	}
	users[user] = v
}

// persistBalance writes a single balance entry through the store.
func (x *Exchange) persistBalance(asset core.AssetID, user common.Address, v *big.Int) error {
	if x.store == nil {
		return nil
	}
	b := x.store.NewBatch()
	defer b.Close()
	if err := b.SetBalance(asset, user, v); err != nil {
		return err
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("failed to persist balance: %w", err)
	}
	return nil
}

// emit appends to the event log and notifies the observer. Lock held
// so consumers see events in mutation order.
func (x *Exchange) emit(ev core.Event) {
	x.events = append(x.events, ev)
	if x.OnEvent != nil {
		x.OnEvent(ev)
	}
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("amount must be non-negative: %s", amount)
	}
	return nil
}

// staging accumulates settlement balance changes so a fill applies all
// six steps or none. Debits see earlier staged writes, which keeps a
// self-fill or same-asset order from slipping below zero.
type staging struct {
	x       *Exchange
	changes map[core.AssetID]map[common.Address]*big.Int
}

func newStaging(x *Exchange) *staging {
	return &staging{x: x, changes: make(map[core.AssetID]map[common.Address]*big.Int)}
}

func (s *staging) get(asset core.AssetID, user common.Address) *big.Int {
	if users, ok := s.changes[asset]; ok {
		if v, ok := users[user]; ok {
			return v
		}
	}
	return s.x.balance(asset, user)
}

func (s *staging) set(asset core.AssetID, user common.Address, v *big.Int) {
	users, ok := s.changes[asset]
	if !ok {
		users = make(map[common.Address]*big.Int)
		s.changes[asset] = users
	}
	users[user] = v
}

func (s *staging) debit(asset core.AssetID, user common.Address, amount *big.Int) error {
	cur := s.get(asset, user)
	if cur.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, need %s", core.ErrInsufficientBalance,
			user.Hex(), cur, asset.Hex(), amount)
	}
	s.set(asset, user, new(big.Int).Sub(cur, amount))
	return nil
}

func (s *staging) credit(asset core.AssetID, user common.Address, amount *big.Int) {
	s.set(asset, user, new(big.Int).Add(s.get(asset, user), amount))
}

func (s *staging) persist(b Batch) error {
	for asset, users := range s.changes {
		for user, v := range users {
			if err := b.SetBalance(asset, user, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *staging) apply(x *Exchange) {
	for asset, users := range s.changes {
		for user, v := range users {
			x.setBalance(asset, user, v)
		}
	}
}
