// Package p2p implements the minimal Bitcoin P2P participant spec.md §4.6
// describes: a single outbound connection that completes a version/verack
// handshake, answers ping with pong, and surfaces inv(block) announcements
// as a fast path alongside the daemon's own getblocktemplate polling. No
// teacher file covers this — Viddhanaa-pool has no P2P listener — so this
// package is grounded directly on github.com/btcsuite/btcd/wire's message
// types (a dependency added for this package), with the
// framing loop hand-rolled to get the resync behavior spec.md asks for.
package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

const (
	headerSize   = 4 + 12 + 4 + 4 // magic + command + length + checksum
	maxPayload   = 4 << 20
	userAgent    = "komodo-solomining"
	reconnectGap = 5 * time.Second
)

// Config is the peer's construction-time configuration, spec.md §4.6 /
// §6's p2p block.
type Config struct {
	Host                string
	Port                int
	Magic               uint32 // little-endian wire.BitcoinNet value decoded from coin.peerMagic
	ProtocolVersion     int32
	DisableTransactions bool
}

// ParseMagic decodes a 4-byte hex peerMagic (as it appears in coin config)
// into the little-endian uint32 the wire package expects.
func ParseMagic(hexMagic string) (uint32, error) {
	b, err := hex.DecodeString(hexMagic)
	if err != nil || len(b) != 4 {
		return 0, fmt.Errorf("p2p: peerMagic must be 4 bytes of hex, got %q", hexMagic)
	}
	return binary.LittleEndian.Uint32(b), nil
}

// BlockFound is emitted once per block entry seen in an inv message.
type BlockFound struct {
	Hash string
}

// Peer maintains one reconnecting outbound connection to a coin daemon's
// P2P port.
type Peer struct {
	cfg    Config
	logger *zap.Logger
	events chan BlockFound
}

// New constructs a Peer. Call Run to connect and begin emitting events.
func New(cfg Config, logger *zap.Logger) *Peer {
	return &Peer{
		cfg:    cfg,
		logger: logger.Named("p2p"),
		events: make(chan BlockFound, 16),
	}
}

// Events returns the channel blockFound notifications are published on.
func (p *Peer) Events() <-chan BlockFound { return p.events }

// Run connects and reconnects until ctx is cancelled. A connection that
// never completes the verack handshake is treated as rejected and is not
// retried; a connection that drops after a successful handshake is
// reconnected after a short delay.
func (p *Peer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		veracked, err := p.connectOnce(ctx)
		if err != nil {
			p.logger.Warn("p2p connection ended", zap.Error(err), zap.Bool("veracked", veracked))
		}
		if !veracked {
			p.logger.Error("p2p handshake never completed, not retrying", zap.String("host", p.cfg.Host))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectGap):
		}
	}
}

func (p *Peer) connectOnce(ctx context.Context) (veracked bool, err error) {
	addr := fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port)
	dialer := net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := p.sendVersion(conn); err != nil {
		return false, fmt.Errorf("send version: %w", err)
	}

	for {
		command, payload, err := readFrame(conn, p.cfg.Magic)
		if err != nil {
			return veracked, err
		}

		switch command {
		case wire.CmdVerAck:
			veracked = true
			p.logger.Info("p2p handshake complete", zap.String("host", p.cfg.Host))

		case wire.CmdPing:
			var ping wire.MsgPing
			if err := ping.BtcDecode(bytes.NewReader(payload), uint32(p.cfg.ProtocolVersion), wire.BaseEncoding); err != nil {
				p.logger.Debug("decode ping", zap.Error(err))
				continue
			}
			pong := wire.MsgPong{Nonce: ping.Nonce}
			if err := p.writeMessage(conn, &pong); err != nil {
				return veracked, fmt.Errorf("send pong: %w", err)
			}

		case wire.CmdInv:
			var inv wire.MsgInv
			if err := inv.BtcDecode(bytes.NewReader(payload), uint32(p.cfg.ProtocolVersion), wire.BaseEncoding); err != nil {
				p.logger.Debug("decode inv", zap.Error(err))
				continue
			}
			for _, entry := range inv.InvList {
				if entry.Type == wire.InvTypeBlock {
					select {
					case p.events <- BlockFound{Hash: entry.Hash.String()}:
					default:
						p.logger.Warn("blockFound channel full, dropping")
					}
				}
			}

		default:
			// version and anything else unrequested for this minimal
			// participant are ignored.
		}
	}
}

func (p *Peer) sendVersion(conn net.Conn) error {
	nonce, err := randomNonce()
	if err != nil {
		return err
	}

	me := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	you := wire.NewNetAddressIPPort(net.IPv4zero, 0, wire.SFNodeNetwork)
	msg := wire.NewMsgVersion(me, you, nonce, 0)
	msg.ProtocolVersion = int32(p.cfg.ProtocolVersion)
	msg.UserAgent = "/" + userAgent + "/"
	msg.LastBlock = 0
	msg.DisableRelayTx = p.cfg.DisableTransactions

	return p.writeMessage(conn, msg)
}

func (p *Peer) writeMessage(conn net.Conn, msg wire.Message) error {
	var payload bytes.Buffer
	if err := msg.BtcEncode(&payload, uint32(p.cfg.ProtocolVersion), wire.BaseEncoding); err != nil {
		return err
	}
	return writeFrame(conn, p.cfg.Magic, msg.Command(), payload.Bytes())
}

func randomNonce() (uint64, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

// writeFrame serializes magic(4) ‖ command(12) ‖ length(4) ‖ checksum(4) ‖
// payload, per spec.md §4.6.
func writeFrame(w io.Writer, magic uint32, command string, payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint32(header[0:4], magic)
	copy(header[4:16], []byte(command))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	sum := chainhash.DoubleHashB(payload)
	copy(header[20:24], sum[:4])

	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one message frame, resyncing the magic bytes one byte at
// a time on mismatch and discarding the whole frame (starting the magic
// scan over) on a checksum mismatch, per spec.md §4.6.
func readFrame(r io.Reader, magic uint32) (command string, payload []byte, err error) {
	var magicBytes [4]byte
	binary.LittleEndian.PutUint32(magicBytes[:], magic)

	for {
		if err := resyncMagic(r, magicBytes); err != nil {
			return "", nil, err
		}

		rest := make([]byte, headerSize-4)
		if _, err := io.ReadFull(r, rest); err != nil {
			return "", nil, err
		}
		command = trimCommand(rest[0:12])
		length := binary.LittleEndian.Uint32(rest[12:16])
		checksum := rest[16:20]

		if length > maxPayload {
			continue // drop and resync from scratch
		}
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return "", nil, err
		}

		sum := chainhash.DoubleHashB(payload)
		if !bytes.Equal(sum[:4], checksum) {
			continue // checksum mismatch: resync from scratch
		}
		return command, payload, nil
	}
}

// resyncMagic reads one byte at a time until the trailing window matches
// the expected magic sequence.
func resyncMagic(r io.Reader, magic [4]byte) error {
	var window [4]byte
	b := make([]byte, 1)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		window[0], window[1], window[2], window[3] = window[1], window[2], window[3], b[0]
		if window == magic {
			return nil
		}
	}
}

func trimCommand(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
