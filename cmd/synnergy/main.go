package main

// synnergy is the node entrypoint: it loads configuration, opens the
// store, and wires the ledger through the block processor, vote
// processor, active-transactions manager, confirmation-height processor,
// work pool, representative crawler, and gossip transport before blocking
// until signalled to shut down. There is no CLI framework or RPC
// surface; every knob is config-file or environment-variable driven.

import (
	"encoding/hex"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"synnergy-network/core"
	"synnergy-network/pkg/config"
)

func main() {
	if err := run(); err != nil {
		logrus.Fatalf("synnergy: %v", err)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.Warnf("synnergy: using built-in defaults: %v", err)
		cfg = &config.Config{}
	}
	configureLogging(cfg)

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ledgerCfg, err := ledgerConfig(cfg)
	if err != nil {
		return err
	}
	ledger := core.NewLedger(store, ledgerCfg)

	if err := ensureGenesis(store, ledger, cfg); err != nil {
		return err
	}

	blockProcessor := core.NewBlockProcessor(ledger, store, core.DefaultBlockProcessorConfig())

	activeCfg := core.DefaultActiveTransactionsConfig()
	if cfg.ActiveTransactions.QuorumPercent > 0 {
		activeCfg.QuorumPercent = cfg.ActiveTransactions.QuorumPercent
	}
	if cfg.ActiveTransactions.AnnouncementLong > 0 {
		activeCfg.AnnouncementLong = cfg.ActiveTransactions.AnnouncementLong
	}

	repCfg := core.DefaultRepCrawlerConfig()
	if cfg.RepCrawler.RepProbeIntervalSeconds > 0 {
		repCfg.RepProbeInterval = time.Duration(cfg.RepCrawler.RepProbeIntervalSeconds) * time.Second
	}
	if cfg.RepCrawler.NonRepProbeIntervalSeconds > 0 {
		repCfg.NonRepProbeInterval = time.Duration(cfg.RepCrawler.NonRepProbeIntervalSeconds) * time.Second
	}
	// The prober late-binds the transport: the crawler's first probe
	// round runs well after the transport below is up, and probes are
	// simply unanswered until then.
	var transport *core.Transport
	probe := func(a core.Address) bool {
		if transport == nil {
			return false
		}
		return transport.ProbeRepresentative(a)
	}
	repCrawler := core.NewRepCrawler(ledger, probe, repCfg)

	onlineWeightCfg := core.DefaultOnlineWeightConfig()
	if cfg.ActiveTransactions.OnlineWeightMinimum > 0 {
		onlineWeightCfg.WeightMinimum = core.AmountFromUint64(cfg.ActiveTransactions.OnlineWeightMinimum)
	}
	onlineWeight := core.NewOnlineWeightTracker(store, repCrawler, onlineWeightCfg)

	active := core.NewActiveTransactions(ledger, onlineWeight, activeCfg)
	confirmationHeight := core.NewConfirmationHeightProcessor(store, core.DefaultConfirmationHeightConfig())
	active.SetConfirmationHeightProcessor(confirmationHeight)

	voteProcessor := core.NewVoteProcessor(ledger, active, onlineWeight, core.DefaultVoteProcessorConfig())

	blockProcessor.OnProgress(func(b *core.Block, result core.ProcessResult) {
		if result == core.ResultProgress {
			active.Start(b, nil)
		}
	})
	blockProcessor.OnFork(func(b *core.Block) {
		active.Publish(b)
	})

	reputation := core.NewPeerReputation(core.DefaultReputationConfig())

	workThreads := cfg.WorkPool.Threads
	if workThreads <= 0 {
		workThreads = 1
	}
	workPool := core.NewWorkPool(workThreads, nil)
	if cfg.WorkPool.EcoMode {
		workPool.SetEcoSleep(func() { time.Sleep(time.Millisecond) })
	}
	defer workPool.Stop()

	if cfg.Network.ListenAddr != "" {
		transport, err = core.NewTransport(core.TransportConfig{
			ListenAddr:         cfg.Network.ListenAddr,
			DiscoveryTag:       cfg.Network.DiscoveryTag,
			BootstrapPeers:     cfg.Network.BootstrapPeers,
			Network:            networkProfile(cfg.Network.Profile),
			ProtocolVersionMin: cfg.Network.ProtocolVersionMin,
			PublishThreshold:   activeCfg.PublishThreshold,
		}, ledger, blockProcessor, voteProcessor, reputation)
		if err != nil {
			return err
		}
		defer transport.Close()

		if cfg.Voting.PrivateKey != "" {
			signer, err := voteSignerKeyPair(cfg.Voting.PrivateKey)
			if err != nil {
				return err
			}
			transport.SetVoteSigner(signer)
		}
	}

	if cfg.Metrics.Enabled {
		serveMetrics(cfg.Metrics.Addr)
	}

	logrus.Info("synnergy: node started")
	waitForShutdown()

	blockProcessor.Stop()
	voteProcessor.Stop()
	confirmationHeight.Stop()
	repCrawler.Stop()
	onlineWeight.Stop()
	logrus.Info("synnergy: node stopped")
	return nil
}

func configureLogging(cfg *config.Config) {
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			logrus.SetOutput(f)
		} else {
			logrus.Warnf("synnergy: open log file %s: %v", cfg.Logging.File, err)
		}
	}
}

func openStore(cfg *config.Config) (core.Store, error) {
	if cfg.Store.Memory || cfg.Store.Path == "" {
		return core.NewMemoryStore(), nil
	}
	return core.NewBoltStore(cfg.Store.Path)
}

func ledgerConfig(cfg *config.Config) (core.LedgerConfig, error) {
	var lc core.LedgerConfig
	if cfg.Ledger.EpochSigner != "" {
		addr, err := decodeHexAddress(cfg.Ledger.EpochSigner)
		if err != nil {
			return lc, err
		}
		lc.EpochSigner = addr
	}
	if cfg.Ledger.BurnAccount != "" {
		addr, err := decodeHexAddress(cfg.Ledger.BurnAccount)
		if err != nil {
			return lc, err
		}
		lc.BurnAccount = addr
	}
	return lc, nil
}

func voteSignerKeyPair(hexKey string) (*core.KeyPair, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return core.KeyPairFromPrivateKey(raw)
}

func decodeHexAddress(s string) (core.Address, error) {
	var a core.Address
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(a) {
		return a, os.ErrInvalid
	}
	copy(a[:], b)
	return a, nil
}

// ensureGenesis processes the genesis open block the first time a node
// starts against a bare store. The genesis file carries the bootstrap
// key pair, representative, and total supply; on every later start the
// account is already present and bootstrap is skipped.
func ensureGenesis(store core.Store, ledger *core.Ledger, cfg *config.Config) error {
	if cfg.Ledger.GenesisFile == "" {
		return nil
	}
	v := viper.New()
	v.SetConfigFile(cfg.Ledger.GenesisFile)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	privBytes, err := hex.DecodeString(v.GetString("private_key"))
	if err != nil {
		return err
	}
	kp, err := core.KeyPairFromPrivateKey(privBytes)
	if err != nil {
		return err
	}
	rep := kp.Address
	if s := v.GetString("representative"); s != "" {
		if rep, err = decodeHexAddress(s); err != nil {
			return err
		}
	}
	genesisCfg := core.GenesisConfig{
		Network:        networkProfile(cfg.Network.Profile),
		GenesisAccount: kp.Address,
		Representative: rep,
		TotalSupply:    core.AmountFromUint64(v.GetUint64("total_supply")),
	}

	present, err := core.GenesisPresent(store, genesisCfg)
	if err != nil || present {
		return err
	}
	open, err := core.BuildGenesis(store, ledger, kp, genesisCfg)
	if err != nil {
		return err
	}
	logrus.WithField("hash", open.Hash().String()).Info("synnergy: genesis bootstrapped")
	return nil
}

func networkProfile(s string) core.Network {
	switch s {
	case "beta":
		return core.NetworkBeta
	case "live":
		return core.NetworkLive
	default:
		return core.NetworkTest
	}
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(core.Registry, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.Warnf("synnergy: metrics server: %v", err)
		}
	}()
}
