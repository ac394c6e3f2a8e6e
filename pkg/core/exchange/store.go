package exchange

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/hyruo/etherdex/pkg/core"
)

// Persister is the persistence surface the exchange writes through.
// *Store implements it over pebble; tests substitute failing stand-ins
// to exercise the rollback paths.
type Persister interface {
	LoadState() (*State, error)
	NewBatch() Batch
}

// Batch groups the writes of one operation so they commit atomically.
type Batch interface {
	SetBalance(asset core.AssetID, user common.Address, v *big.Int) error
	SetOrder(o *Order) error
	SetStatus(id uint64, status OrderStatus) error
	SetNextID(id uint64) error
	Commit() error
	Close() error
}

// Store provides Pebble-based persistence for the exchange state:
// custodial balances, orders, terminal status flags, and the order id
// counter. All writes go through the exchange's mutex.
type Store struct {
	db *pebble.DB
}

var _ Persister = (*Store)(nil)

// NewStore opens a Pebble database at the given path.
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                    pebble.NewCache(64 << 20),
		MemTableSize:             32 << 20,
		MaxConcurrentCompactions: func() int { return 2 },
		L0CompactionThreshold:    2,
		L0StopWritesThreshold:    12,
		MaxOpenFiles:             1000,
		BytesPerSync:             512 << 10,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// State is the full persisted exchange state, as reloaded at boot.
type State struct {
	Balances  map[core.AssetID]map[common.Address]*big.Int
	Orders    map[uint64]*Order
	Filled    map[uint64]bool
	Cancelled map[uint64]bool
	NextID    uint64
}

// LoadState scans the whole keyspace and rebuilds the in-memory state.
func (s *Store) LoadState() (*State, error) {
	st := &State{
		Balances:  make(map[core.AssetID]map[common.Address]*big.Int),
		Orders:    make(map[uint64]*Order),
		Filled:    make(map[uint64]bool),
		Cancelled: make(map[uint64]bool),
	}

	if err := s.scan(prefixBalance, func(key, val []byte) error {
		asset, user, err := parseBalanceKey(key)
		if err != nil {
			return err
		}
		bal, ok := new(big.Int).SetString(string(val), 10)
		if !ok {
			return fmt.Errorf("malformed balance value for %q: %q", key, val)
		}
		users, exists := st.Balances[asset]
		if !exists {
			users = make(map[common.Address]*big.Int)
			st.Balances[asset] = users
		}
		users[user] = bal
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(prefixOrder, func(key, val []byte) error {
		var o Order
		if err := json.Unmarshal(val, &o); err != nil {
			return fmt.Errorf("malformed order for %q: %w", key, err)
		}
		st.Orders[o.ID] = &o
		return nil
	}); err != nil {
		return nil, err
	}

	if err := s.scan(prefixStatus, func(key, val []byte) error {
		id, err := parseStatusKey(key)
		if err != nil {
			return err
		}
		if len(val) != 1 {
			return fmt.Errorf("malformed status value for %q", key)
		}
		switch val[0] {
		case statusFilled:
			st.Filled[id] = true
		case statusCancelled:
			st.Cancelled[id] = true
		default:
			return fmt.Errorf("unknown status byte %q for %q", val[0], key)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	data, closer, err := s.db.Get([]byte(keyNextID))
	if err == nil {
		defer closer.Close()
		if len(data) != 8 {
			return nil, fmt.Errorf("malformed next id value")
		}
		st.NextID = binary.BigEndian.Uint64(data)
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("failed to read next id: %w", err)
	}

	return st, nil
}

func (s *Store) scan(prefix string, fn func(key, val []byte) error) error {
	lower := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: keyUpperBound(lower),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator for %q: %w", prefix, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

const (
	statusFilled    = 'F'
	statusCancelled = 'C'
)

type storeBatch struct {
	batch *pebble.Batch
}

// NewBatch creates a batch writer.
func (s *Store) NewBatch() Batch {
	return &storeBatch{batch: s.db.NewBatch()}
}

// SetBalance stages a balance write.
func (b *storeBatch) SetBalance(asset core.AssetID, user common.Address, v *big.Int) error {
	return b.batch.Set(balanceKey(asset, user), []byte(v.String()), nil)
}

// SetOrder stages an order write.
func (b *storeBatch) SetOrder(o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	return b.batch.Set(orderKey(o.ID), data, nil)
}

// SetStatus stages a terminal status flag. Only filled and cancelled
// are ever written; open is the absence of a flag.
func (b *storeBatch) SetStatus(id uint64, status OrderStatus) error {
	var v byte
	switch status {
	case OrderFilled:
		v = statusFilled
	case OrderCancelled:
		v = statusCancelled
	default:
		return fmt.Errorf("cannot persist non-terminal status %s", status)
	}
	return b.batch.Set(statusKey(id), []byte{v}, nil)
}

// SetNextID stages the order id counter.
func (b *storeBatch) SetNextID(id uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], id)
	return b.batch.Set([]byte(keyNextID), buf[:], nil)
}

// Commit writes the batch atomically with fsync.
func (b *storeBatch) Commit() error {
	return b.batch.Commit(pebble.Sync)
}

// Close discards the batch without committing.
func (b *storeBatch) Close() error {
	return b.batch.Close()
}
