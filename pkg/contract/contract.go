// Package contract holds the PingPong contract surface the bot consumes:
// the Ping() event and the pong(bytes32) call.
package contract

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// PingPongABI is the ABI of the PingPong contract
const PingPongABI = `[
	{"anonymous":false,"inputs":[],"name":"Ping","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes32","name":"txHash","type":"bytes32"}],"name":"Pong","type":"event"},
	{"inputs":[],"name":"ping","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"_txHash","type":"bytes32"}],"name":"pong","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Event signatures
var (
	PingTopic = crypto.Keccak256Hash([]byte("Ping()"))
	PongTopic = crypto.Keccak256Hash([]byte("Pong(bytes32)"))
)

const pongMethod = "pong"

var parsed = mustParse(PingPongABI)

func mustParse(raw string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("contract: invalid PingPong ABI: %v", err))
	}
	return a
}

// ABI returns the parsed PingPong ABI
func ABI() abi.ABI {
	return parsed
}

// PackPong encodes calldata for pong(pingTxHash)
func PackPong(pingTxHash common.Hash) ([]byte, error) {
	data, err := parsed.Pack(pongMethod, pingTxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to pack pong call: %w", err)
	}
	return data, nil
}

// UnpackPong decodes the Ping transaction hash from pong calldata
func UnpackPong(data []byte) (common.Hash, error) {
	method, err := parsed.MethodById(data)
	if err != nil {
		return common.Hash{}, fmt.Errorf("unknown method selector: %w", err)
	}
	if method.Name != pongMethod {
		return common.Hash{}, fmt.Errorf("unexpected method %q", method.Name)
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to unpack pong args: %w", err)
	}
	if len(args) != 1 {
		return common.Hash{}, fmt.Errorf("expected 1 pong arg, got %d", len(args))
	}
	raw, ok := args[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("unexpected pong arg type %T", args[0])
	}
	return common.Hash(raw), nil
}

// IsPing reports whether a log is a Ping event
func IsPing(log *types.Log) bool {
	return log != nil && len(log.Topics) > 0 && log.Topics[0] == PingTopic
}
