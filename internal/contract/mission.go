// Package contract provides ABI bindings for the mission and mission
// factory smart contracts.
package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrEmptySnapshot = errors.New("empty snapshot response")
)

// Backend is the read-only contract call surface the bindings need.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// MissionABI is the ABI of the mission contract.
// This matches the Solidity contract interface:
//
//	function getSnapshot() external view returns (Snapshot memory);
//	function realtimeStatus() external view returns (uint8);
//	function finalizeMission() external;
//	function refundPlayers() external;
const MissionABI = `[
	{
		"type": "function",
		"name": "getSnapshot",
		"inputs": [],
		"outputs": [
			{
				"name": "snapshot",
				"type": "tuple",
				"components": [
					{"name": "name", "type": "string"},
					{"name": "missionType", "type": "uint8"},
					{"name": "status", "type": "uint8"},
					{"name": "createdAt", "type": "uint256"},
					{"name": "enrollmentStart", "type": "uint256"},
					{"name": "enrollmentEnd", "type": "uint256"},
					{"name": "missionStart", "type": "uint256"},
					{"name": "missionEnd", "type": "uint256"},
					{"name": "roundTotal", "type": "uint256"},
					{"name": "roundCount", "type": "uint256"},
					{"name": "roundCooldown", "type": "uint256"},
					{"name": "lastRoundCooldown", "type": "uint256"},
					{"name": "poolInitial", "type": "uint256"},
					{"name": "poolStart", "type": "uint256"},
					{"name": "poolCurrent", "type": "uint256"},
					{"name": "pausedAt", "type": "uint256"},
					{"name": "creator", "type": "address"},
					{"name": "allRefunded", "type": "bool"},
					{
						"name": "players",
						"type": "tuple[]",
						"components": [
							{"name": "addr", "type": "address"},
							{"name": "enrolledAt", "type": "uint256"},
							{"name": "amountWon", "type": "uint256"},
							{"name": "wonAt", "type": "uint256"},
							{"name": "refunded", "type": "bool"},
							{"name": "refundFailed", "type": "bool"},
							{"name": "refundedAt", "type": "uint256"}
						]
					}
				]
			}
		],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "realtimeStatus",
		"inputs": [],
		"outputs": [{"name": "status", "type": "uint8"}],
		"stateMutability": "view"
	},
	{
		"type": "function",
		"name": "finalizeMission",
		"inputs": [],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "refundPlayers",
		"inputs": [],
		"outputs": [],
		"stateMutability": "nonpayable"
	}
]`

// PlayerState is one player entry inside a mission snapshot.
type PlayerState struct {
	Addr         common.Address `json:"addr"`
	EnrolledAt   *big.Int       `json:"enrolledAt"`
	AmountWon    *big.Int       `json:"amountWon"`
	WonAt        *big.Int       `json:"wonAt"`
	Refunded     bool           `json:"refunded"`
	RefundFailed bool           `json:"refundFailed"`
	RefundedAt   *big.Int       `json:"refundedAt"`
}

// MissionSnapshot is a single full read of on-chain mission state.
type MissionSnapshot struct {
	Name              string         `json:"name"`
	MissionType       uint8          `json:"missionType"`
	Status            uint8          `json:"status"`
	CreatedAt         *big.Int       `json:"createdAt"`
	EnrollmentStart   *big.Int       `json:"enrollmentStart"`
	EnrollmentEnd     *big.Int       `json:"enrollmentEnd"`
	MissionStart      *big.Int       `json:"missionStart"`
	MissionEnd        *big.Int       `json:"missionEnd"`
	RoundTotal        *big.Int       `json:"roundTotal"`
	RoundCount        *big.Int       `json:"roundCount"`
	RoundCooldown     *big.Int       `json:"roundCooldown"`
	LastRoundCooldown *big.Int       `json:"lastRoundCooldown"`
	PoolInitial       *big.Int       `json:"poolInitial"`
	PoolStart         *big.Int       `json:"poolStart"`
	PoolCurrent       *big.Int       `json:"poolCurrent"`
	PausedAt          *big.Int       `json:"pausedAt"`
	Creator           common.Address `json:"creator"`
	AllRefunded       bool           `json:"allRefunded"`
	Players           []PlayerState  `json:"players"`
}

// MissionCaller wraps the mission contract ABI for any mission address.
type MissionCaller struct {
	abi     abi.ABI
	backend Backend
}

// NewMissionCaller creates a mission contract caller.
func NewMissionCaller(backend Backend) (*MissionCaller, error) {
	parsed, err := abi.JSON(strings.NewReader(MissionABI))
	if err != nil {
		return nil, err
	}
	return &MissionCaller{abi: parsed, backend: backend}, nil
}

// ABI returns the parsed contract ABI.
func (c *MissionCaller) ABI() abi.ABI {
	return c.abi
}

// GetSnapshot reads the full mission state in one call.
func (c *MissionCaller) GetSnapshot(ctx context.Context, mission common.Address) (*MissionSnapshot, error) {
	data, err := c.abi.Pack("getSnapshot")
	if err != nil {
		return nil, err
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &mission, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, ErrEmptySnapshot
	}

	values, err := c.abi.Unpack("getSnapshot", result)
	if err != nil {
		return nil, err
	}
	snapshot := abi.ConvertType(values[0], new(MissionSnapshot)).(*MissionSnapshot)
	return snapshot, nil
}

// RealtimeStatus reads the contract's own reported status.
func (c *MissionCaller) RealtimeStatus(ctx context.Context, mission common.Address) (uint8, error) {
	data, err := c.abi.Pack("realtimeStatus")
	if err != nil {
		return 0, err
	}

	result, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &mission, Data: data}, nil)
	if err != nil {
		return 0, err
	}

	values, err := c.abi.Unpack("realtimeStatus", result)
	if err != nil {
		return 0, err
	}
	status := abi.ConvertType(values[0], new(uint8)).(*uint8)
	return *status, nil
}

// PackFinalize packs the finalizeMission call data.
func (c *MissionCaller) PackFinalize() ([]byte, error) {
	return c.abi.Pack("finalizeMission")
}

// PackRefund packs the refundPlayers call data.
func (c *MissionCaller) PackRefund() ([]byte, error) {
	return c.abi.Pack("refundPlayers")
}
