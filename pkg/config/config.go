package config

// Package config provides a reusable loader for latticedb configuration
// files and environment variables. It is versioned so that applications
// can depend on a stable API contract.
//
// Version: v0.1.0

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"latticedb/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config represents the unified configuration for a lattice node. It
// mirrors the structure of the YAML files under cmd/config.
type Config struct {
	Store struct {
		Path string `mapstructure:"path" json:"path"`
	} `mapstructure:"store" json:"store"`

	Server struct {
		ListenAddr         string `mapstructure:"listen_addr" json:"listen_addr"`
		DataDir            string `mapstructure:"data_dir" json:"data_dir"`
		DownloadSoftLimit  int    `mapstructure:"download_soft_limit" json:"download_soft_limit"`
		IntegrationWorkers int    `mapstructure:"integration_workers" json:"integration_workers"`
	} `mapstructure:"server" json:"server"`

	History struct {
		TTL                     time.Duration `mapstructure:"ttl" json:"ttl"`
		CompactionInterval      time.Duration `mapstructure:"compaction_interval" json:"compaction_interval"`
		DisableCompaction       bool          `mapstructure:"disable_compaction" json:"disable_compaction"`
		CompactionIgnoreClients bool          `mapstructure:"compaction_ignore_clients" json:"compaction_ignore_clients"`
	} `mapstructure:"history" json:"history"`

	Sync struct {
		ServerURL            string        `mapstructure:"server_url" json:"server_url"`
		ConnectTimeout       time.Duration `mapstructure:"connect_timeout" json:"connect_timeout"`
		ConnectionLingerTime time.Duration `mapstructure:"connection_linger_time" json:"connection_linger_time"`
		PingKeepalivePeriod  time.Duration `mapstructure:"ping_keepalive_period" json:"ping_keepalive_period"`
		PongKeepaliveTimeout time.Duration `mapstructure:"pong_keepalive_timeout" json:"pong_keepalive_timeout"`
		FastReconnectLimit   time.Duration `mapstructure:"fast_reconnect_limit" json:"fast_reconnect_limit"`
		TCPNoDelay           bool          `mapstructure:"tcp_no_delay" json:"tcp_no_delay"`
		DryRun               bool          `mapstructure:"dry_run" json:"dry_run"`
		SSLTrustCertPath     string        `mapstructure:"ssl_trust_cert_path" json:"ssl_trust_cert_path"`
	} `mapstructure:"sync" json:"sync"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and returned.
//
// The function uses the provided environment name to merge additional config
// files. If env is empty, only the default configuration is loaded.
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

	viper.AutomaticEnv() // picks up from .env

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the LATTICE_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("LATTICE_ENV", ""))
}
