package exchange

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/hyruo/etherdex/pkg/core"
)

// Pebble key schema.
// Prefix-based so the whole state reloads with three range scans:
//
//	bal:{asset}:{user}  -> balance, decimal string
//	ord:{id}            -> order, JSON (id zero-padded for ordering)
//	st:{id}             -> terminal status, one byte ('F' or 'C')
//	meta:nextid         -> next order id, 8 bytes big-endian
const (
	prefixBalance = "bal:"
	prefixOrder   = "ord:"
	prefixStatus  = "st:"
	keyNextID     = "meta:nextid"
)

func balanceKey(asset core.AssetID, user common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), user.Hex()))
}

func orderKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixOrder, id))
}

func statusKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixStatus, id))
}

// parseBalanceKey is the inverse of balanceKey, used when scanning.
func parseBalanceKey(key []byte) (core.AssetID, common.Address, error) {
	rest := strings.TrimPrefix(string(key), prefixBalance)
	parts := strings.Split(rest, ":")
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return core.AssetID{}, common.Address{}, fmt.Errorf("malformed balance key: %q", key)
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), nil
}

// parseStatusKey extracts the order id from a status key.
func parseStatusKey(key []byte) (uint64, error) {
	rest := strings.TrimPrefix(string(key), prefixStatus)
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed status key: %q", key)
	}
	return id, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
