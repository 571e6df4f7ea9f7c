package main

// latticed — the sync server daemon.

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"latticedb/core"
	"latticedb/pkg/utils"
)

// serveFileConfig is the YAML shape accepted by --config.
type serveFileConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	DataDir            string        `yaml:"data_dir"`
	DownloadSoftLimit  int           `yaml:"download_soft_limit"`
	IntegrationWorkers int           `yaml:"integration_workers"`
	HistoryTTL         time.Duration `yaml:"history_ttl"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	DisableCompaction  bool          `yaml:"disable_compaction"`
}

func main() {
	rootCmd := &cobra.Command{Use: "latticed", Short: "lattice sync server"}
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath string
		listenAddr string
		dataDir    string
		ttl        time.Duration
		interval   time.Duration
		noCompact  bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "serve sync clients",
		Run: func(cmd *cobra.Command, args []string) {
			_ = godotenv.Load()
			lg := logrus.New()
			if lvl, err := logrus.ParseLevel(utils.EnvOrDefault("LOG_LEVEL", "info")); err == nil {
				lg.SetLevel(lvl)
			}
			var fileCfg serveFileConfig
			if configPath != "" {
				raw, err := os.ReadFile(configPath)
				if err != nil {
					lg.Fatalf("read config: %v", err)
				}
				if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
					lg.Fatalf("parse config: %v", err)
				}
			}
			if listenAddr == "" {
				listenAddr = fileCfg.ListenAddr
			}
			if listenAddr == "" {
				listenAddr = utils.EnvOrDefault("LATTICE_LISTEN", ":7800")
			}
			if dataDir == "" {
				dataDir = fileCfg.DataDir
			}
			if dataDir == "" {
				dataDir = utils.EnvOrDefault("LATTICE_DATA", "./lattice-data")
			}
			if ttl == 0 {
				ttl = fileCfg.HistoryTTL
			}
			if interval == time.Hour && fileCfg.CompactionInterval != 0 {
				interval = fileCfg.CompactionInterval
			}
			cfg := core.ServerConfig{
				ListenAddr:         listenAddr,
				DataDir:            dataDir,
				DownloadSoftLimit:  fileCfg.DownloadSoftLimit,
				IntegrationWorkers: fileCfg.IntegrationWorkers,
				History: core.ServerHistoryConfig{
					HistoryTTL:         ttl,
					CompactionInterval: interval,
					DisableCompaction:  noCompact || fileCfg.DisableCompaction,
				},
			}
			srv := core.NewServer(cfg, lg)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-stop
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Stop(ctx); err != nil {
					lg.Errorf("shutdown: %v", err)
				}
			}()
			if err := srv.Start(); err != nil {
				lg.Fatalf("serve: %v", err)
			}
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (LATTICE_LISTEN)")
	cmd.Flags().StringVar(&dataDir, "data", "", "history data directory (LATTICE_DATA)")
	cmd.Flags().DurationVar(&ttl, "history-ttl", 0, "client file expiry; 0 disables")
	cmd.Flags().DurationVar(&interval, "compaction-interval", time.Hour, "minimum time between compactions")
	cmd.Flags().BoolVar(&noCompact, "disable-compaction", false, "never compact history")
	return cmd
}
