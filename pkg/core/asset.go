package core

import "github.com/ethereum/go-ethereum/common"

// AssetID identifies a fungible asset held on the exchange. The native
// asset (ether) is the zero address; every other value is the address
// of a token ledger. Using one key type keeps native and token balances
// on the same accounting path.
type AssetID = common.Address

// NativeAsset is the zero-address sentinel for the native asset.
var NativeAsset = AssetID{}

// IsNative reports whether id refers to the native asset.
func IsNative(id AssetID) bool {
	return id == NativeAsset
}
