package chainutil

import (
	"strconv"
)

// Bitcoin-family script opcodes used by coinbase output compilation.
const (
	OpDup         byte = 0x76
	OpHash160     byte = 0xa9
	OpEqualVerify byte = 0x88
	OpCheckSig    byte = 0xac
)

// pushData prepends a minimal-length push opcode for data shorter than 76
// bytes, which covers pubkeys (33/65 bytes) and hash160 payloads (20 bytes).
func pushData(data []byte) []byte {
	out := make([]byte, 0, len(data)+1)
	out = append(out, byte(len(data)))
	return append(out, data...)
}

// CompileP2PKH compiles OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG,
// used for scriptPubKey.type in {"pubkeyhash", "nulldata", default} per
// spec.md §4.2 — the pool always redirects to this shape (or CompilePubKey)
// regardless of the daemon-reported type.
func CompileP2PKH(hash160 []byte) []byte {
	out := make([]byte, 0, 25)
	out = append(out, OpDup, OpHash160)
	out = append(out, pushData(hash160)...)
	out = append(out, OpEqualVerify, OpCheckSig)
	return out
}

// CompilePubKey compiles <pubkey> OP_CHECKSIG, used for scriptPubKey.type
// "pubkey".
func CompilePubKey(pubkey []byte) []byte {
	out := make([]byte, 0, len(pubkey)+2)
	out = append(out, pushData(pubkey)...)
	out = append(out, OpCheckSig)
	return out
}

// EncodeHeightBIP34 encodes a block height for the coinbase scriptSig: one
// length byte equal to the number of bytes needed to minimally represent
// height<<1, followed by height itself as little-endian bytes padded to that
// length. See spec.md §4.2 and test scenario S1.
func EncodeHeightBIP34(height int64) []byte {
	doubled := uint64(height) << 1
	n := 0
	for t := doubled; t > 0; t >>= 8 {
		n++
	}
	if n == 0 {
		n = 1
	}

	data := make([]byte, n)
	h := uint64(height)
	for i := 0; i < n; i++ {
		data[i] = byte(h & 0xff)
		h >>= 8
	}

	out := make([]byte, 0, n+1)
	out = append(out, byte(n))
	return append(out, data...)
}

// CoinbaseHeightScript builds the full height-encoding prefix of a coinbase
// scriptSig: the BIP34 push, a single 0x00 separator byte, and the ASCII
// bytes of the decimal height (spec.md §4.2, parts (a) and (b)).
func CoinbaseHeightScript(height int64) []byte {
	out := EncodeHeightBIP34(height)
	out = append(out, 0x00)
	out = append(out, []byte(strconv.FormatInt(height, 10))...)
	return out
}
