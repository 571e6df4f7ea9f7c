package cli

// cmd/cli/history.go — CLI wrapper for server-side history inspection.
// ----------------------------------------------------------------------------
// Layout follows cmd/cli/store.go.
// ----------------------------------------------------------------------------

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	logrus "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"latticedb/core"
	"latticedb/pkg/utils"
)

var (
	histLG    = logrus.New()
	histFlags struct {
		dir string
		ttl time.Duration
	}
)

func initHistoryMiddleware(cmd *cobra.Command, _ []string) {
	_ = godotenv.Load()
	if histFlags.dir == "" {
		histFlags.dir = utils.EnvOrDefault("LATTICE_SERVER_HISTORY", "lattice-data/default")
	}
}

func openServerHistory() *core.ServerHistory {
	sh, err := core.OpenServerHistory(histFlags.dir, core.ServerHistoryConfig{
		HistoryTTL: histFlags.ttl,
	}, histLG)
	if err != nil {
		log.Fatalf("open server history: %v", err)
	}
	return sh
}

func historyStatusController(cmd *cobra.Command, _ []string) {
	sh := openServerHistory()
	defer sh.Close()
	fmt.Printf("server version:\t%d\n", sh.ServerVersion())
	fmt.Printf("compacted until:\t%d\n", sh.CompactedUntil())
}

func historyCompactController(cmd *cobra.Command, _ []string) {
	sh := openServerHistory()
	defer sh.Close()
	if err := sh.CompactHistory(time.Now()); err != nil {
		log.Fatalf("compact: %v", err)
	}
	fmt.Printf("compacted until:\t%d\n", sh.CompactedUntil())
}

var historyCmd = &cobra.Command{
	Use:              "history",
	Short:            "inspect a served file's sync history",
	PersistentPreRun: initHistoryMiddleware,
}

var historyStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "print server version and compaction floor",
	Run:   historyStatusController,
}

var historyCompactCmd = &cobra.Command{
	Use:   "compact",
	Short: "run one compaction pass now",
	Run:   historyCompactController,
}

func init() {
	historyCmd.PersistentFlags().StringVar(&histFlags.dir, "dir", "", "history directory (LATTICE_SERVER_HISTORY)")
	historyCmd.PersistentFlags().DurationVar(&histFlags.ttl, "ttl", 0, "client file expiry TTL")
	historyCmd.AddCommand(historyStatusCmd, historyCompactCmd)
}

// HistoryRoute exposes the history command tree to the root CLI.
func HistoryRoute() *cobra.Command { return historyCmd }
