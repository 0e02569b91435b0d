package protocol

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates a hex agent address and returns its EIP-55
// checksummed form. Registry state is always keyed by the checksummed form so
// casing differences cannot split one agent into two records.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("address %q is not a valid hex address", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// ZeroAddress reports whether the address is the zero address, which is never
// a valid agent or owner.
func ZeroAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) == (common.Address{})
}
