// Package pool implements the Orchestrator: spec.md §4.7's ten-step startup
// sequence and event wiring, generalized from the teacher's cmd/stratum/
// main.go (which constructed storage/worker/mining/server directly in main)
// into an explicit struct owning the daemon client, Job Manager, Stratum
// server, and optional P2P peer.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/komodo-solomining/pool/internal/blocktemplate"
	"github.com/komodo-solomining/pool/internal/chainutil"
	"github.com/komodo-solomining/pool/internal/config"
	"github.com/komodo-solomining/pool/internal/ledger"
	"github.com/komodo-solomining/pool/internal/mining"
	"github.com/komodo-solomining/pool/internal/p2p"
	"github.com/komodo-solomining/pool/internal/rpc"
	"github.com/komodo-solomining/pool/internal/storage"
	"github.com/komodo-solomining/pool/internal/stratum"
	"github.com/komodo-solomining/pool/internal/vardiff"
	"github.com/komodo-solomining/pool/internal/worker"
)

const (
	syncPollInterval = 5 * time.Second
	daemonPollRetry  = 5 * time.Second
	blockConfirmWait = 500 * time.Millisecond
)

// Orchestrator owns every long-lived component of one running pool process
// and wires them together per spec.md §4.7.
type Orchestrator struct {
	cfg        *config.Config
	logger     *zap.Logger
	instanceID string

	rpcClient  *rpc.Client
	jobManager *mining.Manager
	stratum    *stratum.Server
	peer       *p2p.Peer
	ledger     *ledger.Ledger
	workers    *worker.Manager
	postgres   *storage.PostgresClient

	pollCancel context.CancelFunc

	// submitMu serializes getblocktemplate fetches against each other: the
	// periodic poll, the broadcastTimeout handler, the P2P fast path, and
	// the post-submitblock refetch must not race to build templates from
	// inconsistent views of the chain.
	submitMu sync.Mutex
}

// New constructs an Orchestrator. workers, blockLedger, and postgres may be
// nil.
func New(cfg *config.Config, logger *zap.Logger, workers *worker.Manager, blockLedger *ledger.Ledger, postgres *storage.PostgresClient) (*Orchestrator, error) {
	reward, err := rewardTarget(cfg)
	if err != nil {
		return nil, fmt.Errorf("pool: resolve reward target: %w", err)
	}

	daemons := make([]rpc.Daemon, len(cfg.Daemons))
	for i, d := range cfg.Daemons {
		daemons[i] = rpc.Daemon{Host: d.Host, Port: d.Port, User: d.User, Password: d.Password}
	}
	rpcClient := rpc.New(daemons, 30*time.Second, logger.Named("rpc"))

	jobManager := mining.NewManager(cfg.Coin.Algo, reward, logger)

	ports, err := buildPorts(cfg.Ports)
	if err != nil {
		return nil, err
	}

	stratumServer := stratum.New(stratum.Config{
		Ports:                 ports,
		ConnectionTimeout:     cfg.ConnectionTimeout,
		JobRebroadcastTimeout: cfg.JobRebroadcastTimeout,
		TCPProxyProtocol:      cfg.TCPProxyProtocol,
		MinDiffAdjust:         cfg.MinDiffAdjust,
		Authorize:             alwaysAuthorize,
		OnAuthorized: func(name, address string, difficulty float64) {
			if workers != nil {
				workers.Register(context.Background(), name, address, difficulty)
			}
		},
		OnDisconnect: func(name string) {
			if workers != nil {
				workers.Disconnect(context.Background(), name)
			}
		},
		OnDifficultyChange: func(name string, difficulty float64) {
			if workers != nil {
				workers.SetDifficulty(context.Background(), name, difficulty)
			}
		},
	}, jobManager, logger)

	var peer *p2p.Peer
	if cfg.P2P.Enabled {
		magic, err := p2p.ParseMagic(cfg.Coin.PeerMagic)
		if err != nil {
			return nil, fmt.Errorf("pool: p2p magic: %w", err)
		}
		peer = p2p.New(p2p.Config{
			Host:                cfg.P2P.Host,
			Port:                cfg.P2P.Port,
			Magic:               magic,
			ProtocolVersion:     170002,
			DisableTransactions: cfg.P2P.DisableTransactions,
		}, logger)
	}

	instanceID := uuid.New().String()

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger.Named("pool").With(zap.String("instance_id", instanceID)),
		instanceID: instanceID,
		rpcClient:  rpcClient,
		jobManager: jobManager,
		stratum:    stratumServer,
		peer:       peer,
		ledger:     blockLedger,
		workers:    workers,
		postgres:   postgres,
	}, nil
}

func buildPorts(cfgPorts map[string]config.PortConfig) ([]stratum.PortConfig, error) {
	ports := make([]stratum.PortConfig, 0, len(cfgPorts))
	for portStr, pc := range cfgPorts {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("pool: invalid port key %q: %w", portStr, err)
		}
		spc := stratum.PortConfig{Port: port, Difficulty: pc.Diff}
		if pc.VarDiff != nil {
			spc.VarDiff = &vardiff.Config{
				TargetTime:      pc.VarDiff.TargetTime,
				RetargetTime:    pc.VarDiff.RetargetTime,
				VariancePercent: pc.VarDiff.VariancePercent,
				MinDiff:         pc.VarDiff.MinDiff,
				MaxDiff:         pc.VarDiff.MaxDiff,
			}
		}
		ports = append(ports, spc)
	}
	return ports, nil
}

func rewardTarget(cfg *config.Config) (blocktemplate.RewardTarget, error) {
	if cfg.Pubkey != "" {
		pk, err := chainutil.DecodePubKey(cfg.Pubkey)
		if err != nil {
			return blocktemplate.RewardTarget{}, err
		}
		return blocktemplate.RewardTarget{Pubkey: pk}, nil
	}
	decoded, err := chainutil.DecodeAddress(cfg.Address)
	if err != nil {
		return blocktemplate.RewardTarget{}, err
	}
	hash, err := chainutil.AddressHash160(decoded)
	if err != nil {
		return blocktemplate.RewardTarget{}, err
	}
	return blocktemplate.RewardTarget{Hash160: hash}, nil
}

// alwaysAuthorize is the reference mining.authorize behavior: spec.md §4.4
// leaves authorization policy external, so every worker is accepted.
func alwaysAuthorize(ip string, port int, addr, pass string) (authorized, disconnect bool) {
	return true, false
}

// Run executes spec.md §4.7's ten-step startup sequence and then blocks,
// servicing event wiring, until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	// Step 1 (VarDiff bound per port) happened in New via buildPorts.
	// Step 2: optional local block-submission API hook — not configured in
	// this deployment; the step exists to preserve the startup ordering a
	// future hook would need to slot into.
	o.logger.Debug("local block-submission api hook not configured, skipping")

	// Step 3.
	if err := o.awaitDaemonOnline(ctx); err != nil {
		return fmt.Errorf("pool: daemon never came online: %w", err)
	}

	// Step 4.
	if err := o.detectCoinData(ctx); err != nil {
		return fmt.Errorf("pool: detect coin data: %w", err)
	}

	// Step 5: Job Manager already instantiated in New.

	// Step 6.
	if err := o.waitForSync(ctx); err != nil {
		return fmt.Errorf("pool: wait for sync: %w", err)
	}

	// Step 7.
	rt, vouts, err := o.fetchTemplate(ctx)
	if err != nil {
		return fmt.Errorf("pool: fetch first template: %w", err)
	}
	if newBlock, err := o.jobManager.ProcessTemplate(rt, vouts); err != nil {
		return fmt.Errorf("pool: process first template: %w", err)
	} else if newBlock {
		o.stratum.SetNetworkDifficulty(o.jobManager.NetworkDifficulty())
	}

	// Step 8.
	pollCtx, cancel := context.WithCancel(ctx)
	o.pollCancel = cancel
	if o.cfg.BlockRefreshInterval > 0 {
		go o.pollTemplates(pollCtx)
	}

	// Step 9.
	if o.peer != nil {
		go o.peer.Run(ctx)
		go o.watchPeerEvents(ctx)
	}

	go o.watchJobEvents(ctx)
	go o.watchShareEvents(ctx)

	o.stratum.OnBroadcastTimeout = func() { o.handleBroadcastTimeout(ctx) }

	// Step 10.
	if err := o.stratum.Start(); err != nil {
		return fmt.Errorf("pool: start stratum server: %w", err)
	}
	if params := o.jobManager.CurrentJobParams(); params != nil {
		o.stratum.BroadcastMiningJobs(params)
	}
	o.logger.Info("pool started", zap.Int64("height", rt.Height))

	<-ctx.Done()
	o.Shutdown()
	return nil
}

// Shutdown stops the Stratum server and the periodic poll. The P2P peer is
// not stopped here; it exits when the context passed to Run is cancelled.
func (o *Orchestrator) Shutdown() {
	if o.pollCancel != nil {
		o.pollCancel()
	}
	o.stratum.Shutdown()
}

func (o *Orchestrator) awaitDaemonOnline(ctx context.Context) error {
	for {
		if _, err := o.rpcClient.GetInfo(ctx); err == nil {
			o.logger.Info("daemon online")
			return nil
		} else {
			o.logger.Warn("daemon not yet reachable, retrying", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(daemonPollRetry):
		}
	}
}

// detectCoinData implements step 4 exactly: one JSON-RPC batch request
// (validateaddress, getdifficulty, getinfo, getmininginfo) to the first
// daemon instance, per spec.md §4.1's batchCmd semantics.
func (o *Orchestrator) detectCoinData(ctx context.Context) error {
	results, err := o.rpcClient.BatchCmd(ctx, []rpc.Call{
		{Method: "validateaddress", Params: []interface{}{o.cfg.Address}},
		{Method: "getdifficulty"},
		{Method: "getinfo"},
		{Method: "getmininginfo"},
	})
	if err != nil {
		return fmt.Errorf("batch probe: %w", err)
	}

	if results[0].Status != rpc.StatusOK {
		return fmt.Errorf("validateaddress: %w", results[0].Err)
	}
	var validated rpc.ValidateAddressResult
	if err := json.Unmarshal(results[0].Raw, &validated); err != nil {
		return fmt.Errorf("validateaddress: decode: %w", err)
	}
	if !validated.IsValid {
		return fmt.Errorf("configured address %q rejected by daemon", o.cfg.Address)
	}

	var difficulty float64
	if results[1].Status == rpc.StatusOK {
		_ = json.Unmarshal(results[1].Raw, &difficulty)
	}

	if results[2].Status != rpc.StatusOK {
		return fmt.Errorf("getinfo: %w", results[2].Err)
	}
	var info rpc.Info
	if err := json.Unmarshal(results[2].Raw, &info); err != nil {
		return fmt.Errorf("getinfo: decode: %w", err)
	}

	var miningInfo rpc.MiningInfo
	haveMiningInfo := results[3].Status == rpc.StatusOK && json.Unmarshal(results[3].Raw, &miningInfo) == nil
	if !haveMiningInfo {
		o.logger.Warn("getmininginfo failed, continuing without it", zap.Error(results[3].Err))
	}

	rewardType := "pow"
	if info.Staked {
		rewardType = "pos"
	}

	// Secondary daemon instances are only ever probed for diagnostics —
	// batchCmd's "first instance only" semantics govern the authoritative
	// answer above.
	for i, res := range o.rpcClient.Cmd(ctx, "getinfo", nil) {
		if res.Status != rpc.StatusOK {
			o.logger.Warn("daemon instance unhealthy",
				zap.Int("index", i), zap.String("status", classifyDaemonStatus(res.Status)))
		}
	}

	o.logger.Info("coin data detected",
		zap.Bool("testnet", info.Testnet),
		zap.Int64("protocol_version", info.ProtocolVersion),
		zap.String("reward_type", rewardType),
		zap.Float64("network_difficulty", difficulty))
	if haveMiningInfo {
		o.logger.Info("mining info", zap.Int64("blocks", miningInfo.Blocks))
	}
	return nil
}

func classifyDaemonStatus(status rpc.DaemonStatus) string {
	switch status {
	case rpc.StatusOffline:
		return "offline"
	case rpc.StatusUnauthorized:
		return "unauthorized"
	default:
		return "request_error"
	}
}

// waitForSync implements step 6: polls getblocktemplate until it no longer
// returns RPC error -10, reporting progress every 5 seconds in the meantime.
func (o *Orchestrator) waitForSync(ctx context.Context) error {
	for {
		_, code, err := o.rpcClient.GetBlockTemplate(ctx)
		if err == nil {
			return nil
		}
		if code != -10 {
			return fmt.Errorf("getblocktemplate: %w", err)
		}

		o.logSyncProgress(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(syncPollInterval):
		}
	}
}

func (o *Orchestrator) logSyncProgress(ctx context.Context) {
	info, err := o.rpcClient.GetInfo(ctx)
	if err != nil {
		o.logger.Info("syncing (progress unavailable)", zap.Error(err))
		return
	}
	peers, err := o.rpcClient.GetPeerInfo(ctx)
	if err != nil {
		o.logger.Info("syncing", zap.Int64("blocks", info.Blocks))
		return
	}
	var maxHeight int64
	for _, p := range peers {
		if p.StartingHeight > maxHeight {
			maxHeight = p.StartingHeight
		}
	}
	progress := 0.0
	if maxHeight > 0 {
		progress = float64(info.Blocks) / float64(maxHeight)
	}
	o.logger.Info("syncing",
		zap.Int64("blocks", info.Blocks), zap.Int64("peer_height", maxHeight), zap.Float64("progress", progress))
}

// fetchTemplate issues getblocktemplate and resolves its coinbasetxn hint
// into a decoded vout list via decoderawtransaction.
func (o *Orchestrator) fetchTemplate(ctx context.Context) (*rpc.Template, []blocktemplate.Vout, error) {
	rt, code, err := o.rpcClient.GetBlockTemplate(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("getblocktemplate (code %d): %w", code, err)
	}

	if rt.CoinbaseTxn == nil || rt.CoinbaseTxn.Data == "" {
		return nil, nil, fmt.Errorf("getblocktemplate: missing coinbasetxn data")
	}
	dtx, err := o.rpcClient.DecodeRawTransaction(ctx, rt.CoinbaseTxn.Data)
	if err != nil {
		return nil, nil, fmt.Errorf("decoderawtransaction: %w", err)
	}

	vouts := make([]blocktemplate.Vout, 0, len(dtx.Vout))
	for _, v := range dtx.Vout {
		vouts = append(vouts, blocktemplate.Vout{
			ValueZat:     int64(math.Round(v.Value * 1e8)),
			ScriptPubKey: v.ScriptPubKey,
		})
	}
	return rt, vouts, nil
}

func (o *Orchestrator) pollTemplates(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.BlockRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshTemplate(ctx)
		}
	}
}

// refreshTemplate fetches a template and hands it to the Job Manager,
// serialized against any other refetch in flight. It is the shared path for
// the periodic poll, the broadcastTimeout handler, and the P2P fast path.
func (o *Orchestrator) refreshTemplate(ctx context.Context) {
	o.submitMu.Lock()
	defer o.submitMu.Unlock()

	rt, vouts, err := o.fetchTemplate(ctx)
	if err != nil {
		o.logger.Warn("refresh template failed", zap.Error(err))
		return
	}
	newBlock, err := o.jobManager.ProcessTemplate(rt, vouts)
	if err != nil {
		o.logger.Warn("process template failed", zap.Error(err))
		return
	}
	if newBlock {
		o.stratum.SetNetworkDifficulty(o.jobManager.NetworkDifficulty())
	}
}

// handleBroadcastTimeout implements the broadcastTimeout event: fetch a new
// template; if the daemon reports no new block, ProcessTemplate's default
// branch rebuilds the current template in place, which already emits
// updatedBlock — satisfying "call updateCurrentJob to rebroadcast".
func (o *Orchestrator) handleBroadcastTimeout(ctx context.Context) {
	o.refreshTemplate(ctx)
}

func (o *Orchestrator) watchJobEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.jobManager.Events():
			switch ev.Kind {
			case mining.EventNewBlock:
				o.logger.Info("new block", zap.Int64("height", ev.Template.Height))
			case mining.EventUpdatedBlock:
				o.logger.Debug("updated block", zap.Int64("height", ev.Template.Height))
			}
			o.stratum.BroadcastMiningJobs(ev.Template.JobParams())
		}
	}
}

func (o *Orchestrator) watchPeerEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.peer.Events():
			o.processBlockNotify(ctx, ev.Hash)
		}
	}
}

// ProcessBlockNotify is the external hook spec.md §4.7 names alongside the
// P2P blockFound path: if hash differs from the current job's prevhash
// (after endian reversal), trigger a new-template fetch after a 500 ms
// delay.
func (o *Orchestrator) ProcessBlockNotify(ctx context.Context, hash string) {
	o.processBlockNotify(ctx, hash)
}

func (o *Orchestrator) processBlockNotify(ctx context.Context, hash string) {
	cur := o.jobManager.CurrentJob()
	if cur != nil && chainutil.ReverseHex(hash) == cur.PreviousBlockHash {
		return
	}
	time.AfterFunc(blockConfirmWait, func() {
		o.refreshTemplate(ctx)
	})
}

func (o *Orchestrator) watchShareEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case outcome := <-o.jobManager.Shares():
			o.handleShareOutcome(ctx, outcome)
		}
	}
}

func (o *Orchestrator) handleShareOutcome(ctx context.Context, outcome mining.ShareOutcome) {
	if o.workers != nil {
		o.workers.RecordShare(ctx, outcome.Worker, outcome.Event, outcome.Err)
	}
	if outcome.Err != nil || outcome.Event == nil || !outcome.Event.IsBlock {
		return
	}
	o.submitBlock(ctx, outcome.Event)
}

// submitBlock implements the share-with-blockHex event: submitblock, wait
// 500ms, getblock to confirm, then refetch a template. submitblock's
// response mapping per spec.md §4.7 loops daemon results but returns on the
// first error, leaving remaining results unexamined — preserved here.
func (o *Orchestrator) submitBlock(ctx context.Context, event *mining.ShareEvent) {
	results := o.rpcClient.SubmitBlock(ctx, event.BlockHex)
	for i, res := range results {
		if res.Status == rpc.StatusOK && (len(res.Raw) == 0 || string(res.Raw) == "null") {
			continue
		}
		o.logger.Warn("submitblock rejected", zap.Int("daemon", i), zap.String("reason", submitBlockVerdict(res)))
		return
	}

	time.Sleep(blockConfirmWait)

	lookupHash := event.BlockHash
	if len(lookupHash) >= 4 && lookupHash[len(lookupHash)-4:] == "0000" {
		lookupHash = chainutil.ReverseHex(lookupHash)
	}

	info, err := o.rpcClient.GetBlock(ctx, lookupHash)
	if err != nil {
		o.logger.Warn("block not accepted", zap.String("hash", event.BlockHash), zap.Error(err))
		return
	}

	var coinbaseTxid string
	if len(info.Tx) > 0 {
		coinbaseTxid = info.Tx[0]
	}
	o.logger.Info("block accepted",
		zap.String("hash", event.BlockHash), zap.Int64("height", info.Height), zap.String("coinbase_txid", coinbaseTxid))

	if o.ledger != nil {
		entry := ledger.Entry{Block: uint32(info.Height), Finder: event.Worker, Date: time.Now().UnixMilli()}
		if err := o.ledger.Append(entry); err != nil {
			o.logger.Warn("ledger append failed", zap.Error(err))
		}
	}
	if o.postgres != nil {
		block := &storage.Block{
			Hash:       event.BlockHash,
			Height:     info.Height,
			WorkerName: event.Worker,
			Difficulty: event.BlockDiffActual,
			FoundAt:    time.Now(),
		}
		if err := o.postgres.InsertBlock(ctx, block); err != nil {
			o.logger.Warn("postgres mirror: insert block failed", zap.Error(err))
		}
	}

	o.refreshTemplate(ctx)
}

// submitBlockVerdict classifies a rejected submitblock response per
// spec.md §4.7's response table.
func submitBlockVerdict(res rpc.Result) string {
	var text string
	_ = json.Unmarshal(res.Raw, &text)
	switch text {
	case "duplicate", "duplicate-invalid", "duplicate-inconclusive", "inconclusive", "rejected":
		return text
	default:
		if res.Err != nil {
			return res.Err.Error()
		}
		return "daemon responded with something it shouldn't"
	}
}
