package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Broadcast errors, classified from the node's error message.
var (
	// ErrAlreadyKnown is returned when the node already holds an identical transaction
	ErrAlreadyKnown = errors.New("transaction already known")

	// ErrNonceTooLow is returned when the nonce has already been consumed
	ErrNonceTooLow = errors.New("nonce too low")

	// ErrUnderpriced is returned when a replacement does not clear the node's bump threshold
	ErrUnderpriced = errors.New("replacement transaction underpriced")

	// ErrInsufficientFunds is returned when the sender cannot cover gas
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrRejected is returned for any other error answered by the node itself
	ErrRejected = errors.New("transaction rejected by node")
)

var sendErrorPatterns = []struct {
	substrings []string
	sentinel   error
}{
	{[]string{"already known", "known transaction", "already imported"}, ErrAlreadyKnown},
	{[]string{"nonce too low", "nonce has already been used", "invalid nonce"}, ErrNonceTooLow},
	{[]string{"replacement transaction underpriced", "transaction underpriced"}, ErrUnderpriced},
	{[]string{"insufficient funds"}, ErrInsufficientFunds},
}

// ClassifySendError wraps a raw broadcast error with its sentinel so callers
// can use errors.Is. JSON-RPC error replies that match no known message are
// wrapped with ErrRejected. Anything else, such as a timeout or a dropped
// connection, is returned unchanged since the node may still have the
// transaction.
func ClassifySendError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range sendErrorPatterns {
		for _, s := range p.substrings {
			if strings.Contains(msg, s) {
				return fmt.Errorf("%w: %v", p.sentinel, err)
			}
		}
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}

// IsDefinitiveSendError reports whether err proves the node did not accept
// the transaction
func IsDefinitiveSendError(err error) bool {
	return errors.Is(err, ErrNonceTooLow) ||
		errors.Is(err, ErrUnderpriced) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrRejected)
}
