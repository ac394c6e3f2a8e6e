package exchange_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyruo/etherdex/pkg/core"
	"github.com/hyruo/etherdex/pkg/core/exchange"
	"github.com/hyruo/etherdex/pkg/core/token"
	"github.com/hyruo/etherdex/pkg/util"
)

var (
	tokenAddr  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	exchAddr   = common.HexToAddress("0xE000000000000000000000000000000000000000")
	feeAccount = common.HexToAddress("0xFE00000000000000000000000000000000000000")
	deployer   = common.HexToAddress("0xD000000000000000000000000000000000000000")
	user1      = common.HexToAddress("0x1100000000000000000000000000000000000000")
	user2      = common.HexToAddress("0x2200000000000000000000000000000000000000")
)

// tokens converts whole tokens to smallest units (18 decimals); ether
// does the same for the native asset. tenths is a tenth of a unit, for
// fee arithmetic.
func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func ether(n int64) *big.Int { return tokens(n) }

func tenths(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
}

// newTestExchange builds a memory-only exchange with a 10% fee and a
// genesis token minted to the deployer. The fixed clock keeps order
// and trade timestamps deterministic.
func newTestExchange(t *testing.T) (*exchange.Exchange, *token.Token) {
	t.Helper()

	tok := token.New(tokenAddr, "Dex Token", "DEX", 18, tokens(1_000_000), deployer)
	reg := token.NewRegistry()
	if err := reg.Register(tok); err != nil {
		t.Fatalf("register token: %v", err)
	}

	x, err := exchange.New(exchange.Config{
		Address:    exchAddr,
		FeeAccount: feeAccount,
		FeePercent: 10,
		Tokens:     reg,
		Clock:      util.FixedClock{T: time.Unix(1_700_000_000, 0)},
	})
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	return x, tok
}

// fundExchangeTokens moves tokens to user and deposits them into the
// exchange's custodial ledger via the approve/transferFrom path.
func fundExchangeTokens(t *testing.T, x *exchange.Exchange, tok *token.Token, user common.Address, amount *big.Int) {
	t.Helper()
	if _, err := tok.Transfer(deployer, user, amount); err != nil {
		t.Fatalf("fund transfer: %v", err)
	}
	if _, err := tok.Approve(user, exchAddr, amount); err != nil {
		t.Fatalf("fund approve: %v", err)
	}
	if _, err := x.DepositToken(tokenAddr, user, amount); err != nil {
		t.Fatalf("fund deposit: %v", err)
	}
}

func TestExchangeDeployment(t *testing.T) {
	x, _ := newTestExchange(t)

	if x.FeeAccount() != feeAccount {
		t.Errorf("fee account = %s, want %s", x.FeeAccount().Hex(), feeAccount.Hex())
	}
	if x.FeePercent() != 10 {
		t.Errorf("fee percent = %d, want 10", x.FeePercent())
	}
	if x.OrderCount() != 0 {
		t.Errorf("order count = %d, want 0", x.OrderCount())
	}
}

func TestDepositEther(t *testing.T) {
	x, _ := newTestExchange(t)

	ev, err := x.DepositEther(user1, ether(1))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	if got := x.BalanceOf(core.NativeAsset, user1); got.Cmp(ether(1)) != 0 {
		t.Errorf("balance = %s, want %s", got, ether(1))
	}
	if !core.IsNative(ev.Token) {
		t.Errorf("event token = %s, want native sentinel", ev.Token.Hex())
	}
	if ev.User != user1 || ev.Amount.Cmp(ether(1)) != 0 || ev.Balance.Cmp(ether(1)) != 0 {
		t.Errorf("unexpected deposit event: %+v", ev)
	}
}

func TestWithdrawEther(t *testing.T) {
	x, _ := newTestExchange(t)
	x.DepositEther(user1, ether(1))

	ev, err := x.WithdrawEther(user1, ether(1))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := x.BalanceOf(core.NativeAsset, user1); got.Sign() != 0 {
		t.Errorf("balance = %s, want 0", got)
	}
	if ev.Balance.Sign() != 0 {
		t.Errorf("event balance = %s, want 0", ev.Balance)
	}

	// Withdrawing with a drained balance fails and changes nothing.
	if _, err := x.WithdrawEther(user1, ether(100)); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := x.BalanceOf(core.NativeAsset, user1); got.Sign() != 0 {
		t.Errorf("balance = %s, want 0 (unchanged)", got)
	}
}

func TestDepositToken(t *testing.T) {
	x, tok := newTestExchange(t)
	tok.Transfer(deployer, user1, tokens(100))
	tok.Approve(user1, exchAddr, tokens(10))

	ev, err := x.DepositToken(tokenAddr, user1, tokens(10))
	if err != nil {
		t.Fatalf("deposit failed: %v", err)
	}

	// Tokens moved into the exchange's on-chain holding.
	if got := tok.BalanceOf(exchAddr); got.Cmp(tokens(10)) != 0 {
		t.Errorf("exchange token balance = %s, want %s", got, tokens(10))
	}
	if got := tok.BalanceOf(user1); got.Cmp(tokens(90)) != 0 {
		t.Errorf("user1 token balance = %s, want %s", got, tokens(90))
	}
	// And the custodial ledger was credited.
	if got := x.BalanceOf(tokenAddr, user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("custodial balance = %s, want %s", got, tokens(10))
	}
	if ev.Token != tokenAddr || ev.Amount.Cmp(tokens(10)) != 0 {
		t.Errorf("unexpected deposit event: %+v", ev)
	}
}

func TestDepositTokenFailures(t *testing.T) {
	x, tok := newTestExchange(t)

	// Native asset must use the ether path.
	if _, err := x.DepositToken(core.NativeAsset, user1, tokens(10)); !errors.Is(err, core.ErrInvalidAsset) {
		t.Errorf("err = %v, want ErrInvalidAsset", err)
	}
	// Unregistered token.
	if _, err := x.DepositToken(user2, user1, tokens(10)); !errors.Is(err, core.ErrInvalidAsset) {
		t.Errorf("err = %v, want ErrInvalidAsset", err)
	}
	// No approval given.
	tok.Transfer(deployer, user1, tokens(100))
	if _, err := x.DepositToken(tokenAddr, user1, tokens(10)); !errors.Is(err, core.ErrInsufficientAllowance) {
		t.Errorf("err = %v, want ErrInsufficientAllowance", err)
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Sign() != 0 {
		t.Errorf("custodial balance = %s, want 0 (unchanged)", got)
	}
}

func TestWithdrawToken(t *testing.T) {
	x, tok := newTestExchange(t)
	fundExchangeTokens(t, x, tok, user1, tokens(10))

	ev, err := x.WithdrawToken(tokenAddr, user1, tokens(10))
	if err != nil {
		t.Fatalf("withdraw failed: %v", err)
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Sign() != 0 {
		t.Errorf("custodial balance = %s, want 0", got)
	}
	if got := tok.BalanceOf(user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("user1 token balance = %s, want %s", got, tokens(10))
	}
	if ev.Balance.Sign() != 0 {
		t.Errorf("event balance = %s, want 0", ev.Balance)
	}
}

func TestWithdrawTokenFailures(t *testing.T) {
	x, tok := newTestExchange(t)
	fundExchangeTokens(t, x, tok, user1, tokens(10))

	if _, err := x.WithdrawToken(core.NativeAsset, user1, tokens(1)); !errors.Is(err, core.ErrInvalidAsset) {
		t.Errorf("err = %v, want ErrInvalidAsset", err)
	}
	if _, err := x.WithdrawToken(tokenAddr, user1, tokens(100)); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("custodial balance = %s, want %s (unchanged)", got, tokens(10))
	}
}

func TestDepositWithdrawRoundTrip(t *testing.T) {
	x, _ := newTestExchange(t)

	before := x.BalanceOf(core.NativeAsset, user1)
	x.DepositEther(user1, ether(3))
	x.WithdrawEther(user1, ether(3))
	after := x.BalanceOf(core.NativeAsset, user1)

	if before.Cmp(after) != 0 {
		t.Errorf("round trip moved balance: before=%s after=%s", before, after)
	}
}

func TestMakeOrder(t *testing.T) {
	x, _ := newTestExchange(t)

	ev, err := x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))
	if err != nil {
		t.Fatalf("make order failed: %v", err)
	}
	if ev.ID != 1 {
		t.Errorf("order id = %d, want 1", ev.ID)
	}
	if x.OrderCount() != 1 {
		t.Errorf("order count = %d, want 1", x.OrderCount())
	}

	o, err := x.Order(1)
	if err != nil {
		t.Fatalf("order lookup failed: %v", err)
	}
	if o.User != user1 {
		t.Errorf("order user = %s, want %s", o.User.Hex(), user1.Hex())
	}
	if o.TokenGet != tokenAddr || o.AmountGet.Cmp(tokens(1)) != 0 {
		t.Errorf("get side = %s/%s, want %s/%s", o.TokenGet.Hex(), o.AmountGet, tokenAddr.Hex(), tokens(1))
	}
	if !core.IsNative(o.TokenGive) || o.AmountGive.Cmp(ether(1)) != 0 {
		t.Errorf("give side = %s/%s, want native/%s", o.TokenGive.Hex(), o.AmountGive, ether(1))
	}
	if o.Timestamp != 1_700_000_000 {
		t.Errorf("timestamp = %d, want 1700000000", o.Timestamp)
	}

	status, err := x.OrderStatusOf(1)
	if err != nil || status != exchange.OrderOpen {
		t.Errorf("status = %v (err %v), want open", status, err)
	}
}

func TestOrderIDsAreDense(t *testing.T) {
	x, _ := newTestExchange(t)

	for i := uint64(1); i <= 5; i++ {
		ev, err := x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))
		if err != nil {
			t.Fatalf("make order %d failed: %v", i, err)
		}
		if ev.ID != i {
			t.Errorf("order id = %d, want %d", ev.ID, i)
		}
	}
	if x.OrderCount() != 5 {
		t.Errorf("order count = %d, want 5", x.OrderCount())
	}
}

func TestCancelOrder(t *testing.T) {
	x, _ := newTestExchange(t)
	x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))

	ev, err := x.CancelOrder(user1, 1)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if !x.OrderCancelled(1) {
		t.Error("order not marked cancelled")
	}
	if ev.ID != 1 || ev.User != user1 || ev.AmountGet.Cmp(tokens(1)) != 0 {
		t.Errorf("unexpected cancel event: %+v", ev)
	}

	status, _ := x.OrderStatusOf(1)
	if status != exchange.OrderCancelled {
		t.Errorf("status = %s, want cancelled", status)
	}
}

func TestCancelOrderFailures(t *testing.T) {
	x, _ := newTestExchange(t)
	x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))

	// Unknown id.
	if _, err := x.CancelOrder(user1, 99999); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}
	// Only the maker may cancel.
	if _, err := x.CancelOrder(user2, 1); !errors.Is(err, core.ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
	if x.OrderCancelled(1) {
		t.Error("order cancelled by non-owner")
	}

	// Cancel is terminal: a second cancel fails.
	if _, err := x.CancelOrder(user1, 1); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if _, err := x.CancelOrder(user1, 1); !errors.Is(err, core.ErrOrderCancelled) {
		t.Errorf("err = %v, want ErrOrderCancelled", err)
	}
}

// setupOrder funds user1 with 1 ether and user2 with 2 tokens in the
// custodial ledger, then places user1's order: 1 token for 1 ether.
func setupOrder(t *testing.T, x *exchange.Exchange, tok *token.Token) {
	t.Helper()
	if _, err := x.DepositEther(user1, ether(1)); err != nil {
		t.Fatalf("deposit ether: %v", err)
	}
	fundExchangeTokens(t, x, tok, user2, tokens(2))
	if _, err := x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1)); err != nil {
		t.Fatalf("make order: %v", err)
	}
}

func TestFillOrder(t *testing.T) {
	x, tok := newTestExchange(t)
	setupOrder(t, x, tok)

	ev, err := x.FillOrder(user2, 1)
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}

	// Maker receives the full get amount.
	if got := x.BalanceOf(tokenAddr, user1); got.Cmp(tokens(1)) != 0 {
		t.Errorf("user1 tokens = %s, want %s", got, tokens(1))
	}
	// Filler receives the give amount.
	if got := x.BalanceOf(core.NativeAsset, user2); got.Cmp(ether(1)) != 0 {
		t.Errorf("user2 ether = %s, want %s", got, ether(1))
	}
	// Maker paid the give side.
	if got := x.BalanceOf(core.NativeAsset, user1); got.Sign() != 0 {
		t.Errorf("user1 ether = %s, want 0", got)
	}
	// Filler paid amountGet plus the 10% fee.
	if got := x.BalanceOf(tokenAddr, user2); got.Cmp(tenths(9)) != 0 {
		t.Errorf("user2 tokens = %s, want %s", got, tenths(9))
	}
	// Fee account collected the fee, in the get asset.
	if got := x.BalanceOf(tokenAddr, feeAccount); got.Cmp(tenths(1)) != 0 {
		t.Errorf("fee account tokens = %s, want %s", got, tenths(1))
	}

	if !x.OrderFilled(1) {
		t.Error("order not marked filled")
	}
	if ev.User != user1 || ev.UserFill != user2 {
		t.Errorf("trade parties = maker %s, filler %s", ev.User.Hex(), ev.UserFill.Hex())
	}
}

func TestFillFeeConservation(t *testing.T) {
	x, tok := newTestExchange(t)
	setupOrder(t, x, tok)
	x.FillOrder(user2, 1)

	// amountGet = maker credit + fee credit.
	makerCredit := x.BalanceOf(tokenAddr, user1)
	feeCredit := x.BalanceOf(tokenAddr, feeAccount)
	sum := new(big.Int).Add(makerCredit, feeCredit)
	if sum.Cmp(tokens(1).Add(tokens(1), tenths(1))) != 0 {
		t.Errorf("maker+fee = %s, want %s", sum, new(big.Int).Add(tokens(1), tenths(1)))
	}
}

func TestFillOrderFailures(t *testing.T) {
	x, tok := newTestExchange(t)
	setupOrder(t, x, tok)

	// Unknown id.
	if _, err := x.FillOrder(user2, 99999); !errors.Is(err, core.ErrOrderNotFound) {
		t.Errorf("err = %v, want ErrOrderNotFound", err)
	}

	// A second fill never re-applies settlement.
	if _, err := x.FillOrder(user2, 1); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if _, err := x.FillOrder(user2, 1); !errors.Is(err, core.ErrOrderAlreadyFilled) {
		t.Errorf("err = %v, want ErrOrderAlreadyFilled", err)
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Cmp(tokens(1)) != 0 {
		t.Errorf("user1 tokens = %s, want %s (settled once)", got, tokens(1))
	}
}

func TestFillCancelledOrder(t *testing.T) {
	x, tok := newTestExchange(t)
	setupOrder(t, x, tok)
	x.CancelOrder(user1, 1)

	if _, err := x.FillOrder(user2, 1); !errors.Is(err, core.ErrOrderCancelled) {
		t.Errorf("err = %v, want ErrOrderCancelled", err)
	}
	// And filling first blocks a later cancel.
	x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))
	if _, err := x.FillOrder(user2, 2); err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if _, err := x.CancelOrder(user1, 2); !errors.Is(err, core.ErrOrderAlreadyFilled) {
		t.Errorf("err = %v, want ErrOrderAlreadyFilled", err)
	}
}

func TestFillRejectsShortFiller(t *testing.T) {
	x, tok := newTestExchange(t)
	x.DepositEther(user1, ether(1))
	// user2 holds 1 token: enough for amountGet but not the fee.
	fundExchangeTokens(t, x, tok, user2, tokens(1))
	x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))

	if _, err := x.FillOrder(user2, 1); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}

	// Nothing settled, order still open.
	if got := x.BalanceOf(tokenAddr, user2); got.Cmp(tokens(1)) != 0 {
		t.Errorf("user2 tokens = %s, want %s (unchanged)", got, tokens(1))
	}
	if got := x.BalanceOf(core.NativeAsset, user1); got.Cmp(ether(1)) != 0 {
		t.Errorf("user1 ether = %s, want %s (unchanged)", got, ether(1))
	}
	if x.OrderFilled(1) {
		t.Error("failed fill marked order filled")
	}
}

func TestFillRejectsShortMaker(t *testing.T) {
	x, tok := newTestExchange(t)
	// user1 never deposits the give-side ether; no check at make time.
	fundExchangeTokens(t, x, tok, user2, tokens(2))
	x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))

	if _, err := x.FillOrder(user2, 1); !errors.Is(err, core.ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	// Filler's debit was rolled back with the rest.
	if got := x.BalanceOf(tokenAddr, user2); got.Cmp(tokens(2)) != 0 {
		t.Errorf("user2 tokens = %s, want %s (unchanged)", got, tokens(2))
	}
	if x.OrderFilled(1) {
		t.Error("failed fill marked order filled")
	}
}

func TestEventLogOrdering(t *testing.T) {
	x, tok := newTestExchange(t)
	setupOrder(t, x, tok)
	x.FillOrder(user2, 1)

	events := x.Events()
	// DepositEther, Deposit (token), Order, Trade.
	want := []string{"Deposit", "Deposit", "Order", "Trade"}
	if len(events) != len(want) {
		t.Fatalf("event count = %d, want %d", len(events), len(want))
	}
	for i, name := range want {
		if events[i].Name() != name {
			t.Errorf("event[%d] = %s, want %s", i, events[i].Name(), name)
		}
	}
}

func TestOnEventHook(t *testing.T) {
	x, _ := newTestExchange(t)

	var seen []string
	x.OnEvent = func(ev core.Event) { seen = append(seen, ev.Name()) }

	x.DepositEther(user1, ether(1))
	x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1))
	// Rejected operations notify nothing.
	x.WithdrawEther(user1, ether(100))

	want := []string{"Deposit", "Order"}
	if len(seen) != len(want) {
		t.Fatalf("hook calls = %d, want %d", len(seen), len(want))
	}
	for i, name := range want {
		if seen[i] != name {
			t.Errorf("hook[%d] = %s, want %s", i, seen[i], name)
		}
	}
}

func TestStateHashDeterminism(t *testing.T) {
	run := func() common.Hash {
		x, tok := newTestExchange(t)
		setupOrder(t, x, tok)
		x.FillOrder(user2, 1)
		return x.StateHash()
	}

	h1, h2 := run(), run()
	if h1 != h2 {
		t.Errorf("same operations produced different hashes: %s vs %s", h1.Hex(), h2.Hex())
	}
}

// Orders whose unframed field bytes would concatenate identically:
// 0x0102|giveA|0x03 and 0x01|giveB|0x0203 are the same byte string
// when giveB shifts giveA's bytes by one. The length framing on the
// amounts must keep the two states apart.
func TestStateHashFramesOrderAmounts(t *testing.T) {
	giveA := common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB02")
	giveB := common.HexToAddress("0x02BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")

	a, _ := newTestExchange(t)
	b, _ := newTestExchange(t)
	if _, err := a.MakeOrder(user1, tokenAddr, big.NewInt(0x0102), giveA, big.NewInt(0x03)); err != nil {
		t.Fatalf("make order: %v", err)
	}
	if _, err := b.MakeOrder(user1, tokenAddr, big.NewInt(0x01), giveB, big.NewInt(0x0203)); err != nil {
		t.Fatalf("make order: %v", err)
	}

	if a.StateHash() == b.StateHash() {
		t.Error("different orders produced the same state hash")
	}
}

// flakyStore is an in-memory Persister whose commits can be made to
// fail, to exercise the unwind paths.
type flakyStore struct{ fail bool }

func (s *flakyStore) LoadState() (*exchange.State, error) {
	return &exchange.State{
		Balances:  make(map[core.AssetID]map[common.Address]*big.Int),
		Orders:    make(map[uint64]*exchange.Order),
		Filled:    make(map[uint64]bool),
		Cancelled: make(map[uint64]bool),
	}, nil
}

func (s *flakyStore) NewBatch() exchange.Batch { return flakyBatch{s: s} }

type flakyBatch struct{ s *flakyStore }

func (flakyBatch) SetBalance(core.AssetID, common.Address, *big.Int) error { return nil }
func (flakyBatch) SetOrder(*exchange.Order) error                          { return nil }
func (flakyBatch) SetStatus(uint64, exchange.OrderStatus) error            { return nil }
func (flakyBatch) SetNextID(uint64) error                                  { return nil }
func (flakyBatch) Close() error                                            { return nil }

func (b flakyBatch) Commit() error {
	if b.s.fail {
		return errors.New("commit failed")
	}
	return nil
}

func newFlakyExchange(t *testing.T) (*exchange.Exchange, *token.Token, *flakyStore) {
	t.Helper()

	store := &flakyStore{}
	tok := token.New(tokenAddr, "Dex Token", "DEX", 18, tokens(1_000_000), deployer)
	reg := token.NewRegistry()
	if err := reg.Register(tok); err != nil {
		t.Fatalf("register token: %v", err)
	}
	x, err := exchange.New(exchange.Config{
		Address:    exchAddr,
		FeeAccount: feeAccount,
		FeePercent: 10,
		Tokens:     reg,
		Clock:      util.FixedClock{T: time.Unix(1_700_000_000, 0)},
		Store:      store,
	})
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	return x, tok, store
}

func TestWithdrawTokenKeepsCustodyOnStoreFailure(t *testing.T) {
	x, tok, store := newFlakyExchange(t)
	fundExchangeTokens(t, x, tok, user1, tokens(10))

	store.fail = true
	if _, err := x.WithdrawToken(tokenAddr, user1, tokens(10)); err == nil {
		t.Fatal("withdraw succeeded with a failing store")
	}

	// The custodial debit never committed, so the tokens must not have
	// left the exchange's holding.
	if got := tok.BalanceOf(user1); got.Sign() != 0 {
		t.Errorf("user1 token balance = %s, want 0", got)
	}
	if got := tok.BalanceOf(exchAddr); got.Cmp(tokens(10)) != 0 {
		t.Errorf("exchange holding = %s, want %s", got, tokens(10))
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("custodial balance = %s, want %s", got, tokens(10))
	}

	// The operation works once the store recovers.
	store.fail = false
	if _, err := x.WithdrawToken(tokenAddr, user1, tokens(10)); err != nil {
		t.Fatalf("withdraw after recovery: %v", err)
	}
	if got := tok.BalanceOf(user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("user1 token balance = %s, want %s", got, tokens(10))
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Sign() != 0 {
		t.Errorf("custodial balance = %s, want 0", got)
	}
}

func TestDepositTokenRestoresAllowanceOnStoreFailure(t *testing.T) {
	x, tok, store := newFlakyExchange(t)
	if _, err := tok.Transfer(deployer, user1, tokens(10)); err != nil {
		t.Fatalf("fund transfer: %v", err)
	}
	if _, err := tok.Approve(user1, exchAddr, tokens(10)); err != nil {
		t.Fatalf("approve: %v", err)
	}

	store.fail = true
	if _, err := x.DepositToken(tokenAddr, user1, tokens(10)); err == nil {
		t.Fatal("deposit succeeded with a failing store")
	}

	// Tokens and the consumed allowance both come back.
	if got := tok.BalanceOf(user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("user1 token balance = %s, want %s", got, tokens(10))
	}
	if got := tok.BalanceOf(exchAddr); got.Sign() != 0 {
		t.Errorf("exchange holding = %s, want 0", got)
	}
	if got := tok.Allowance(user1, exchAddr); got.Cmp(tokens(10)) != 0 {
		t.Errorf("allowance = %s, want %s", got, tokens(10))
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Sign() != 0 {
		t.Errorf("custodial balance = %s, want 0", got)
	}

	store.fail = false
	if _, err := x.DepositToken(tokenAddr, user1, tokens(10)); err != nil {
		t.Fatalf("deposit after recovery: %v", err)
	}
	if got := x.BalanceOf(tokenAddr, user1); got.Cmp(tokens(10)) != 0 {
		t.Errorf("custodial balance = %s, want %s", got, tokens(10))
	}
}

func TestStateHashSensitivity(t *testing.T) {
	x, tok := newTestExchange(t)
	setupOrder(t, x, tok)

	before := x.StateHash()
	x.FillOrder(user2, 1)
	after := x.StateHash()

	if before == after {
		t.Error("state hash unchanged by a fill")
	}
}
