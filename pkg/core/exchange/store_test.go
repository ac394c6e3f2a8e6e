package exchange_test

import (
	"testing"
	"time"

	"github.com/hyruo/etherdex/pkg/core"
	"github.com/hyruo/etherdex/pkg/core/exchange"
	"github.com/hyruo/etherdex/pkg/core/token"
	"github.com/hyruo/etherdex/pkg/util"
)

// newStoredExchange builds an exchange backed by a pebble store at
// dir. Callers reopen against the same dir to exercise recovery.
func newStoredExchange(t *testing.T, dir string) (*exchange.Exchange, *token.Token, *exchange.Store) {
	t.Helper()

	store, err := exchange.NewStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

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

func TestStoreEmptyLoad(t *testing.T) {
	dir := t.TempDir()

	store, err := exchange.NewStore(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	st, err := store.LoadState()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if st.NextID != 0 {
		t.Errorf("next id = %d, want 0", st.NextID)
	}
	if len(st.Balances) != 0 || len(st.Orders) != 0 || len(st.Filled) != 0 || len(st.Cancelled) != 0 {
		t.Errorf("fresh store not empty: %+v", st)
	}
}

func TestStoreRecovery(t *testing.T) {
	dir := t.TempDir()

	x, tok, store := newStoredExchange(t, dir)
	if _, err := x.DepositEther(user1, ether(2)); err != nil {
		t.Fatalf("deposit ether: %v", err)
	}
	fundExchangeTokens(t, x, tok, user2, tokens(2))
	if _, err := x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1)); err != nil {
		t.Fatalf("make order: %v", err)
	}
	if _, err := x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1)); err != nil {
		t.Fatalf("make order: %v", err)
	}
	if _, err := x.FillOrder(user2, 1); err != nil {
		t.Fatalf("fill order: %v", err)
	}
	if _, err := x.CancelOrder(user1, 2); err != nil {
		t.Fatalf("cancel order: %v", err)
	}

	before := x.StateHash()
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	// Reopen against the same directory; everything but the token
	// ledger itself comes back from disk.
	y, _, store2 := newStoredExchange(t, dir)
	t.Cleanup(func() { store2.Close() })

	if after := y.StateHash(); after != before {
		t.Errorf("state hash after recovery = %s, want %s", after.Hex(), before.Hex())
	}
	if y.OrderCount() != 2 {
		t.Errorf("order count = %d, want 2", y.OrderCount())
	}
	if !y.OrderFilled(1) {
		t.Error("order 1 not recovered as filled")
	}
	if !y.OrderCancelled(2) {
		t.Error("order 2 not recovered as cancelled")
	}

	if got := y.BalanceOf(core.NativeAsset, user1); got.Cmp(ether(1)) != 0 {
		t.Errorf("user1 ether = %s, want %s", got, ether(1))
	}
	if got := y.BalanceOf(tokenAddr, user1); got.Cmp(tokens(1)) != 0 {
		t.Errorf("user1 tokens = %s, want %s", got, tokens(1))
	}
	if got := y.BalanceOf(tokenAddr, user2); got.Cmp(tenths(9)) != 0 {
		t.Errorf("user2 tokens = %s, want %s", got, tenths(9))
	}
	if got := y.BalanceOf(tokenAddr, feeAccount); got.Cmp(tenths(1)) != 0 {
		t.Errorf("fee account tokens = %s, want %s", got, tenths(1))
	}

	o, err := y.Order(1)
	if err != nil {
		t.Fatalf("order lookup: %v", err)
	}
	if o.User != user1 || o.AmountGet.Cmp(tokens(1)) != 0 || o.Timestamp != 1_700_000_000 {
		t.Errorf("recovered order mismatch: %+v", o)
	}
}

func TestStoreIDCounterSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	x, _, store := newStoredExchange(t, dir)
	for i := 0; i < 3; i++ {
		if _, err := x.MakeOrder(user1, tokenAddr, tokens(1), core.NativeAsset, ether(1)); err != nil {
			t.Fatalf("make order: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	y, _, store2 := newStoredExchange(t, dir)
	t.Cleanup(func() { store2.Close() })

	ev, err := y.MakeOrder(user2, core.NativeAsset, ether(1), tokenAddr, tokens(1))
	if err != nil {
		t.Fatalf("make order after restart: %v", err)
	}
	if ev.ID != 4 {
		t.Errorf("order id after restart = %d, want 4", ev.ID)
	}
}
