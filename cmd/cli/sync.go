package cli

// cmd/cli/sync.go — CLI wrapper for the sync client.
// ----------------------------------------------------------------------------
// Layout follows cmd/cli/store.go: middleware, controllers, commands,
// route export.
// ----------------------------------------------------------------------------

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latticedb/core"
	"latticedb/pkg/utils"
)

// ---------------------------------------------------------------------------
// Globals & middleware
// ---------------------------------------------------------------------------

var (
	syncLG    = logrus.New()
	syncFlags struct {
		serverURL  string
		storePath  string
		historyDir string
		path       string
		token      string
	}
)

func initSyncMiddleware(cmd *cobra.Command, _ []string) {
	_ = godotenv.Load()
	if syncFlags.serverURL == "" {
		syncFlags.serverURL = utils.EnvOrDefault("LATTICE_SERVER", "ws://localhost:7800/sync")
	}
	if syncFlags.storePath == "" {
		syncFlags.storePath = utils.EnvOrDefault("LATTICE_STORE", "lattice.db")
	}
	if syncFlags.historyDir == "" {
		syncFlags.historyDir = utils.EnvOrDefault("LATTICE_HISTORY", "lattice-history")
	}
	if syncFlags.token == "" {
		syncFlags.token = utils.EnvOrDefault("LATTICE_TOKEN", "")
	}
}

// ---------------------------------------------------------------------------
// Controllers
// ---------------------------------------------------------------------------

func syncRunController(cmd *cobra.Command, _ []string) {
	db, err := core.OpenDB(syncFlags.storePath, syncLG)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()
	history, err := core.OpenClientHistory(syncFlags.historyDir, syncLG)
	if err != nil {
		log.Fatalf("open history: %v", err)
	}
	defer history.Close()

	connCfg := core.ConnectionConfig{
		ConnectTimeout:       utils.EnvOrDefaultDuration("LATTICE_CONNECT_TIMEOUT", 2*time.Minute),
		PingKeepalivePeriod:  utils.EnvOrDefaultDuration("LATTICE_PING_PERIOD", time.Minute),
		PongKeepaliveTimeout: utils.EnvOrDefaultDuration("LATTICE_PONG_TIMEOUT", 2*time.Minute),
	}
	conn := core.NewConn(connCfg, syncFlags.serverURL, &core.WebSocketDialer{Config: connCfg}, syncLG)
	conn.Start()
	defer conn.Stop()

	session := conn.Bind(core.SessionConfig{
		Path:        syncFlags.path,
		AccessToken: syncFlags.token,
		History:     history,
		Applier:     core.NewDBApplier(db, syncLG),
		OnSuspended: func(err error) { syncLG.Warnf("session suspended: %v", err) },
		OnResumed:   func() { syncLG.Info("session resumed") },
	})
	session.RequestDownloadCompletion()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	session.Deactivate()
	fmt.Println("stopping")
}

func syncStatusController(cmd *cobra.Command, _ []string) {
	history, err := core.OpenClientHistory(syncFlags.historyDir, syncLG)
	if err != nil {
		log.Fatalf("open history: %v", err)
	}
	defer history.Close()
	ident, salt := history.FileIdent()
	p := history.Progress()
	fmt.Printf("file ident:\t%d (salt %d)\n", ident, salt)
	fmt.Printf("client version:\t%d\n", history.CurrentVersion())
	fmt.Printf("uploaded to:\t%d\n", p.UploadClientVersion)
	fmt.Printf("downloaded to:\tserver version %d\n", p.DownloadServerVersion)
}

// ---------------------------------------------------------------------------
// CLI definitions
// ---------------------------------------------------------------------------

var syncCmd = &cobra.Command{
	Use:              "sync",
	Short:            "synchronize a lattice file with a server",
	PersistentPreRun: initSyncMiddleware,
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "run the sync client until interrupted",
	Run:   syncRunController,
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "print local sync progress",
	Run:   syncStatusController,
}

func init() {
	syncCmd.PersistentFlags().StringVar(&syncFlags.serverURL, "server", "", "sync server URL (LATTICE_SERVER)")
	syncCmd.PersistentFlags().StringVar(&syncFlags.storePath, "store", "", "lattice file path (LATTICE_STORE)")
	syncCmd.PersistentFlags().StringVar(&syncFlags.historyDir, "history", "", "client history directory (LATTICE_HISTORY)")
	syncCmd.PersistentFlags().StringVar(&syncFlags.path, "path", "default", "server-side file path")
	syncCmd.PersistentFlags().StringVar(&syncFlags.token, "token", "", "access token (LATTICE_TOKEN)")
	syncCmd.AddCommand(syncRunCmd, syncStatusCmd)
}

// ---------------------------------------------------------------------------
// Consolidated route export
// ---------------------------------------------------------------------------

// SyncRoute exposes the sync command tree to the root CLI.
func SyncRoute() *cobra.Command { return syncCmd }
