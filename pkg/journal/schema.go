package journal

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes
const (
	prefixOutcome = "/data/outcome/"
	prefixSeq     = "/index/seq/"
)

// OutcomeKey returns the key of the outcome for an event
// Format: /data/outcome/{eventKey}
func OutcomeKey(eventKey string) []byte {
	return []byte(prefixOutcome + eventKey)
}

// SeqKey returns the resolution-order index key
// Format: /index/seq/{seq (8 bytes big-endian)}
func SeqKey(seq uint64) []byte {
	return append([]byte(prefixSeq), EncodeUint64(seq)...)
}

// SeqKeyPrefix returns the prefix of all sequence keys
func SeqKeyPrefix() []byte {
	return []byte(prefixSeq)
}

// EncodeUint64 encodes a uint64 as 8 bytes big-endian so keys sort numerically
func EncodeUint64(n uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return buf
}

// DecodeUint64 decodes 8 bytes big-endian
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid uint64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// DecodeSeqKey extracts the sequence number from a sequence key
func DecodeSeqKey(key []byte) (uint64, error) {
	if len(key) != len(prefixSeq)+8 || string(key[:len(prefixSeq)]) != prefixSeq {
		return 0, fmt.Errorf("invalid sequence key %q", key)
	}
	return DecodeUint64(key[len(prefixSeq):])
}

// incrementPrefix returns the smallest key greater than every key with prefix
func incrementPrefix(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
