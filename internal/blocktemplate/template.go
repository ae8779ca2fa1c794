// Package blocktemplate builds the coin-specific BlockTemplate from a raw
// getblocktemplate response: the coinbase transaction, Merkle root, 140-byte
// Equihash header, and full serialized block. Grounded on the teacher's
// pkg/crypto/pow.go (SHA256d/Merkle shape) generalized from its simplified
// 80-byte Bitcoin header to the full Sapling-coinbase/Equihash construction,
// and on arejula27/p2pool-go's internal/work/template.go for the
// Merkle-branch and header-reconstruction algorithm shape.
package blocktemplate

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/komodo-solomining/pool/internal/chainutil"
	"github.com/komodo-solomining/pool/internal/coin"
	"github.com/komodo-solomining/pool/internal/rpc"
)

// Zcash Sapling transaction version fields (NU4 family, Komodo lineage).
const (
	overwinterFlag       = 0x80000000
	saplingVersion       = 4
	saplingVersionGroup  = 0x892F2085
	equihashSolutionHex  = 2694 // 3-byte compactSize length prefix (fd4005) + 1344 solution bytes, doubled as hex chars
	headerLength         = 140
)

// Vout is the coinbase output shape daemons attach after decoding; the
// subset of fields this pool inspects when choosing a script to compile.
type Vout struct {
	ValueZat     int64
	ScriptPubKey rpc.ScriptPubKey
}

// RewardTarget is where the first coinbase output's value is redirected,
// regardless of what the daemon's vouts say — per spec.md §4.2.
type RewardTarget struct {
	Hash160 []byte // nil if Pubkey is set
	Pubkey  []byte // nil if Hash160 is set
}

func (r RewardTarget) script() []byte {
	if r.Pubkey != nil {
		return chainutil.CompilePubKey(r.Pubkey)
	}
	return chainutil.CompileP2PKH(r.Hash160)
}

// Template is the derived, immutable-after-construction block template:
// the RPC template plus everything the Job Manager and share validator
// need to assemble headers, compare against target, and serialize a full
// block on a winning share.
type Template struct {
	JobID string

	Height            int64
	PreviousBlockHash string // display-order hex, as received
	Version           int32
	Bits              string // display-order hex
	CurTime           int64
	FinalSaplingRoot  string
	CoinbaseValue     int64
	Transactions      []rpc.TransactionEntry

	GenTx     []byte
	GenTxHash []byte // 32 bytes, internal order

	MerkleRoot         []byte // 32 bytes, big-endian (display) order
	MerkleRootReversed []byte // 32 bytes, internal order
	PrevHashReversed   []byte // 32 bytes, internal order
	HashReserved       []byte // 32 bytes, reversed final-sapling-root

	Target     *big.Int
	Difficulty float64

	mu        sync.Mutex
	submitted map[string]struct{}

	jobParamsOnce sync.Once
	jobParams     []interface{}
	cleanJobs     bool
}

// Build constructs a Template from a raw RPC template, a job id, the
// daemon's attached vouts, and the reward redirection target.
func Build(jobID string, rt *rpc.Template, vouts []Vout, reward RewardTarget, algo string, cleanJobs bool) (*Template, error) {
	genTx, genTxHash, err := buildCoinbase(rt.Height, vouts, reward)
	if err != nil {
		return nil, fmt.Errorf("blocktemplate: build coinbase: %w", err)
	}

	txHashes := make([][]byte, 0, len(rt.Transactions))
	for _, tx := range rt.Transactions {
		h, err := hex.DecodeString(tx.Hash)
		if err != nil || len(h) != 32 {
			return nil, fmt.Errorf("blocktemplate: bad transaction hash %q", tx.Hash)
		}
		txHashes = append(txHashes, chainutil.ReverseBytes(h))
	}

	root := merkleRoot(chainutil.ReverseBytes(genTxHash), txHashes)
	rootReversed := chainutil.ReverseBytes(root)

	prevHash, err := hex.DecodeString(rt.PreviousBlockHash)
	if err != nil || len(prevHash) != 32 {
		return nil, fmt.Errorf("blocktemplate: bad previousblockhash %q", rt.PreviousBlockHash)
	}

	reserved, err := hex.DecodeString(rt.FinalSaplingRoot)
	if err != nil || len(reserved) != 32 {
		return nil, fmt.Errorf("blocktemplate: bad finalsaplingroothash %q", rt.FinalSaplingRoot)
	}

	target := new(big.Int)
	if _, ok := target.SetString(rt.Target, 16); !ok {
		return nil, fmt.Errorf("blocktemplate: bad target %q", rt.Target)
	}

	diff1, ok := algoDiff1(algo)
	if !ok {
		return nil, fmt.Errorf("blocktemplate: unknown algo %q", algo)
	}

	t := &Template{
		JobID:             jobID,
		Height:            rt.Height,
		PreviousBlockHash: rt.PreviousBlockHash,
		Version:           rt.Version,
		Bits:              rt.Bits,
		CurTime:           rt.CurTime,
		FinalSaplingRoot:  rt.FinalSaplingRoot,
		CoinbaseValue:     rt.CoinbaseValue,
		Transactions:      rt.Transactions,
		GenTx:             genTx,
		GenTxHash:         genTxHash,
		MerkleRoot:        root,
		MerkleRootReversed: rootReversed,
		PrevHashReversed:  chainutil.ReverseBytes(prevHash),
		HashReserved:      chainutil.ReverseBytes(reserved),
		Target:            target,
		submitted:         make(map[string]struct{}),
		cleanJobs:         cleanJobs,
	}
	t.Difficulty = bigDiff(diff1, target)
	return t, nil
}

// algoDiff1 defers to coin.AlgoTable so the 256-bit diff1 constants have one
// source of truth, shared with internal/stratum's set_target scaling.
func algoDiff1(algo string) (*big.Int, bool) {
	params, ok := coin.AlgoTable[algo]
	if !ok {
		return nil, false
	}
	return params.Diff1, true
}

func bigDiff(diff1, target *big.Int) float64 {
	if target.Sign() == 0 {
		return 0
	}
	f := new(big.Float).Quo(new(big.Float).SetInt(diff1), new(big.Float).SetInt(target))
	v, _ := f.Float64()
	return v
}

// buildCoinbase assembles the Sapling coinbase transaction per spec.md
// §4.2: single null-prevout input carrying the BIP34 height script, and
// outputs copied from vouts with non-zero value, except the first output
// is always redirected to the pool's reward target.
func buildCoinbase(height int64, vouts []Vout, reward RewardTarget) ([]byte, []byte, error) {
	var buf []byte

	buf = append(buf, chainutil.LEUint32(overwinterFlag|saplingVersion)...)
	buf = append(buf, chainutil.LEUint32(saplingVersionGroup)...)

	buf = append(buf, chainutil.WriteVarInt(1)...) // vin count
	buf = append(buf, make([]byte, 32)...)          // null prevout hash
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF)       // prevout index

	scriptSig := chainutil.CoinbaseHeightScript(height)
	buf = append(buf, chainutil.WriteVarInt(uint64(len(scriptSig)))...)
	buf = append(buf, scriptSig...)
	buf = append(buf, 0xFF, 0xFF, 0xFF, 0xFF) // sequence

	outputs := make([][]byte, 0, len(vouts))
	first := true
	for _, v := range vouts {
		if v.ValueZat == 0 {
			continue
		}
		var script []byte
		if first {
			script = reward.script()
			first = false
		} else {
			script = compileByType(v.ScriptPubKey)
		}
		out := make([]byte, 0, 8+1+len(script))
		out = append(out, leUint64(uint64(v.ValueZat))...)
		out = append(out, chainutil.WriteVarInt(uint64(len(script)))...)
		out = append(out, script...)
		outputs = append(outputs, out)
	}

	buf = append(buf, chainutil.WriteVarInt(uint64(len(outputs)))...)
	for _, o := range outputs {
		buf = append(buf, o...)
	}

	buf = append(buf, chainutil.LEUint32(0)...) // nLockTime
	buf = append(buf, chainutil.LEUint32(0)...) // nExpiryHeight
	buf = append(buf, make([]byte, 8)...)       // valueBalance (zero, no shielded flows)
	buf = append(buf, chainutil.WriteVarInt(0)...) // nShieldedSpend
	buf = append(buf, chainutil.WriteVarInt(0)...) // nShieldedOutput
	buf = append(buf, chainutil.WriteVarInt(0)...) // nJoinSplit
	// bindingSig omitted: absent whenever vShieldedSpend and vShieldedOutput
	// are both empty, per the Sapling transaction format.

	hash := chainutil.Sha256d(buf)
	return buf, hash, nil
}

func compileByType(spk rpc.ScriptPubKey) []byte {
	switch spk.Type {
	case "pubkey":
		b, err := hex.DecodeString(spk.Hex)
		if err != nil {
			return nil
		}
		return chainutil.CompilePubKey(b)
	default: // "pubkeyhash", "nulldata", or anything else
		b, err := hex.DecodeString(spk.Hex)
		if err != nil || len(b) < 20 {
			return nil
		}
		return chainutil.CompileP2PKH(b[len(b)-20:])
	}
}

func leUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

// merkleRoot implements spec.md §4.2: concatenate reverse(coinbaseHash) with
// the already-internal-order transaction hashes, then pairwise SHA256d with
// last-element duplication on odd counts, until one 32-byte value remains.
func merkleRoot(coinbaseHashReversed []byte, txHashes [][]byte) []byte {
	level := make([][]byte, 0, len(txHashes)+1)
	level = append(level, coinbaseHashReversed)
	level = append(level, txHashes...)

	if len(level) == 1 {
		return level[0]
	}

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte{}, level[i]...), level[i+1]...)
			next = append(next, chainutil.Sha256d(pair))
		}
		level = next
	}
	return level[0]
}

// Header serializes the 140-byte Equihash header: version(4) ‖
// prevHashReversed(32) ‖ merkleRootReversed(32) ‖ hashReserved(32) ‖
// nTime(4) ‖ bitsReversed(4) ‖ nonce(32).
func (t *Template) Header(nTime uint32, nonce []byte) ([]byte, error) {
	if len(nonce) != 32 {
		return nil, fmt.Errorf("blocktemplate: nonce must be 32 bytes, got %d", len(nonce))
	}
	bitsReversed, err := chainutil.HexLEUint32(t.Bits)
	if err != nil {
		return nil, fmt.Errorf("blocktemplate: bad bits %q: %w", t.Bits, err)
	}

	h := make([]byte, 0, headerLength)
	h = append(h, chainutil.LEUint32(uint32(t.Version))...)
	h = append(h, t.PrevHashReversed...)
	h = append(h, t.MerkleRootReversed...)
	h = append(h, t.HashReserved...)
	h = append(h, chainutil.LEUint32(nTime)...)
	h = append(h, bitsReversed...)
	h = append(h, nonce...)
	return h, nil
}

// SerializeBlock assembles header ‖ solution ‖ varInt(txCount) ‖ coinbaseTx
// ‖ tx1.data ‖ tx2.data ‖ … per spec.md §4.2.
func (t *Template) SerializeBlock(header, solution []byte) ([]byte, error) {
	var buf []byte
	buf = append(buf, header...)
	buf = append(buf, solution...)
	buf = append(buf, chainutil.WriteVarInt(uint64(len(t.Transactions)+1))...)
	buf = append(buf, t.GenTx...)
	for _, tx := range t.Transactions {
		b, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, fmt.Errorf("blocktemplate: bad transaction data for %s: %w", tx.TxID, err)
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

// JobParams returns the cached [jobId, versionLE, prevHashReversed,
// merkleRootReversed, hashReserved, curtimeLE, bitsReversed, cleanJobsFlag]
// array sent as mining.notify's parameter list.
func (t *Template) JobParams() []interface{} {
	t.jobParamsOnce.Do(func() {
		bitsReversed, _ := chainutil.HexLEUint32(t.Bits)
		t.jobParams = []interface{}{
			t.JobID,
			hex.EncodeToString(chainutil.LEUint32(uint32(t.Version))),
			hex.EncodeToString(t.PrevHashReversed),
			hex.EncodeToString(t.MerkleRootReversed),
			hex.EncodeToString(t.HashReserved),
			hex.EncodeToString(chainutil.LEUint32(uint32(t.CurTime))),
			hex.EncodeToString(bitsReversed),
			t.cleanJobs,
		}
	})
	return t.jobParams
}

// RegisterSubmit records header‖solution (lowercased) in the template's
// dedup set, returning true if this is the first time it has been seen.
func (t *Template) RegisterSubmit(headerHex, solnHex string) bool {
	key := strconv.Itoa(len(headerHex)) + ":" + headerHexLower(headerHex) + headerHexLower(solnHex)
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.submitted[key]; exists {
		return false
	}
	t.submitted[key] = struct{}{}
	return true
}

func headerHexLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
