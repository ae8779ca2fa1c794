package chainutil

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// DecodeAddress base58-decodes a pool reward address into its raw payload
// (version byte(s) + 20-byte hash), per spec.md §6: "must base58-decode to 25
// or 26 bytes" (Komodo/Zcash addresses carry a 2-byte version prefix instead
// of Bitcoin's single byte, hence 26 rather than the usual 25).
func DecodeAddress(addr string) ([]byte, error) {
	decoded := base58.Decode(addr)
	if len(decoded) != 25 && len(decoded) != 26 {
		return nil, fmt.Errorf("chainutil: invalid address %q: decoded to %d bytes", addr, len(decoded))
	}
	// Drop the 4-byte checksum base58.Decode does not verify for us; last 4
	// bytes are checksum, everything before is version+hash.
	return decoded[:len(decoded)-4], nil
}

// AddressHash160 extracts the 20-byte hash160 payload from a decoded address,
// skipping the 1- or 2-byte version prefix.
func AddressHash160(decoded []byte) ([]byte, error) {
	if len(decoded) < 20 {
		return nil, fmt.Errorf("chainutil: decoded address too short: %d bytes", len(decoded))
	}
	return decoded[len(decoded)-20:], nil
}

// DecodePubKey validates and decodes a 66-hex-char compressed public key, as
// used for P2PK coinbase outputs (spec.md §6 "pubkey").
func DecodePubKey(pubkeyHex string) ([]byte, error) {
	if len(pubkeyHex) != 66 {
		return nil, fmt.Errorf("chainutil: pubkey must be 66 hex chars, got %d", len(pubkeyHex))
	}
	return hex.DecodeString(pubkeyHex)
}
