package contract

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// FactoryABI is the ABI of the mission factory contract.
// The factory assigns every mission create/update a monotonically
// increasing change sequence number; changesAfter returns the batch of
// changes past a given sequence.
//
//	function changesAfter(uint256 seq) external view returns (Change[] memory);
const FactoryABI = `[
	{
		"type": "function",
		"name": "changesAfter",
		"inputs": [{"name": "seq", "type": "uint256"}],
		"outputs": [
			{
				"name": "changes",
				"type": "tuple[]",
				"components": [
					{"name": "mission", "type": "address"},
					{"name": "changedAt", "type": "uint256"},
					{"name": "seq", "type": "uint256"},
					{"name": "status", "type": "uint8"}
				]
			}
		],
		"stateMutability": "view"
	}
]`

// MissionChange is one entry of a factory change batch. The status field
// is only a change signal; the snapshot read is the source of truth.
type MissionChange struct {
	Mission   common.Address `json:"mission"`
	ChangedAt *big.Int       `json:"changedAt"`
	Seq       *big.Int       `json:"seq"`
	Status    uint8          `json:"status"`
}

// FactoryCaller wraps the factory contract at a fixed address.
type FactoryCaller struct {
	address common.Address
	abi     abi.ABI
	backend Backend
}

// NewFactoryCaller creates a factory contract caller.
func NewFactoryCaller(address common.Address, backend Backend) (*FactoryCaller, error) {
	parsed, err := abi.JSON(strings.NewReader(FactoryABI))
	if err != nil {
		return nil, err
	}
	return &FactoryCaller{address: address, abi: parsed, backend: backend}, nil
}

// Address returns the factory contract address.
func (c *FactoryCaller) Address() common.Address {
	return c.address
}

// ChangesAfter returns all mission changes with sequence > seq.
func (c *FactoryCaller) ChangesAfter(ctx context.Context, seq int64) ([]MissionChange, error) {
	data, err := c.abi.Pack("changesAfter", big.NewInt(seq))
	if err != nil {
		return nil, err
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}

	values, err := c.abi.Unpack("changesAfter", result)
	if err != nil {
		return nil, err
	}
	changes := abi.ConvertType(values[0], new([]MissionChange)).(*[]MissionChange)
	return *changes, nil
}
