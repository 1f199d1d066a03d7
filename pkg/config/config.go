package config

// Package config loads the node's configuration file and environment
// overrides via viper, covering the node's surface: ledger, store, work
// pool, active transactions, and the gossip transport.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/spf13/viper"

	"synnergy-network/pkg/utils"
)

const Version = "v0.1.0"

// Config is the unified node configuration.
type Config struct {
	Network struct {
		Profile            string   `mapstructure:"profile" json:"profile"` // "test", "beta", or "live"
		ListenAddr         string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag       string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers     []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
		ProtocolVersionMin byte     `mapstructure:"protocol_version_min" json:"protocol_version_min"`
	} `mapstructure:"network" json:"network"`

	Ledger struct {
		GenesisFile string `mapstructure:"genesis_file" json:"genesis_file"`
		EpochSigner string `mapstructure:"epoch_signer" json:"epoch_signer"`
		BurnAccount string `mapstructure:"burn_account" json:"burn_account"`
	} `mapstructure:"ledger" json:"ledger"`

	Store struct {
		Path   string `mapstructure:"path" json:"path"`
		Memory bool   `mapstructure:"memory" json:"memory"` // use the in-memory store instead of bbolt, for tests/bootstrap
	} `mapstructure:"store" json:"store"`

	WorkPool struct {
		Threads int  `mapstructure:"threads" json:"threads"`
		EcoMode bool `mapstructure:"eco_mode" json:"eco_mode"`
	} `mapstructure:"work_pool" json:"work_pool"`

	ActiveTransactions struct {
		QuorumPercent       float64 `mapstructure:"quorum_percent" json:"quorum_percent"`
		AnnouncementLong    uint32  `mapstructure:"announcement_long" json:"announcement_long"`
		OnlineWeightMinimum uint64  `mapstructure:"online_weight_minimum" json:"online_weight_minimum"`
	} `mapstructure:"active_transactions" json:"active_transactions"`

	Voting struct {
		// Hex-encoded Ed25519 private key this node signs confirm_ack
		// replies with; empty for non-representative nodes.
		PrivateKey string `mapstructure:"private_key" json:"private_key"`
	} `mapstructure:"voting" json:"voting"`

	RepCrawler struct {
		RepProbeIntervalSeconds    int `mapstructure:"rep_probe_interval_seconds" json:"rep_probe_interval_seconds"`
		NonRepProbeIntervalSeconds int `mapstructure:"non_rep_probe_interval_seconds" json:"non_rep_probe_interval_seconds"`
	} `mapstructure:"rep_crawler" json:"rep_crawler"`

	Metrics struct {
		Enabled bool   `mapstructure:"enabled" json:"enabled"`
		Addr    string `mapstructure:"addr" json:"addr"`
	} `mapstructure:"metrics" json:"metrics"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads the default config file plus an optional environment
// overlay, then applies environment-variable overrides. With no RPC or
// CLI surface, this is the node's only external configuration
// entrypoint.
func Load(env string) (*Config, error) {
	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the SYNN_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("SYNN_ENV", ""))
}
