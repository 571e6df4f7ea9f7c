package cli

// cmd/cli/store.go — CLI wrapper for the core storage engine.
// ----------------------------------------------------------------------------
// Layout
//   1. Globals & middleware (env-driven wiring of logger and store path).
//   2. Controllers – one per CLI sub-command, thin and validated.
//   3. CLI definitions – commands + flags.
//   4. Consolidated route export (BOTTOM), ready for import in root CLI.
// ----------------------------------------------------------------------------

import (
	"fmt"
	"log"
	"strconv"

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
	storeLG    = logrus.New()
	storeFlags struct {
		path string
	}
)

func initStoreMiddleware(cmd *cobra.Command, _ []string) {
	_ = godotenv.Load()
	if storeFlags.path == "" {
		storeFlags.path = utils.EnvOrDefault("LATTICE_STORE", "lattice.db")
	}
}

func openStore() *core.DB {
	db, err := core.OpenDB(storeFlags.path, storeLG)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	return db
}

// ---------------------------------------------------------------------------
// Controllers
// ---------------------------------------------------------------------------

func storeInfoController(cmd *cobra.Command, _ []string) {
	db := openStore()
	defer db.Close()
	tx, err := db.BeginRead()
	if err != nil {
		log.Fatalf("begin read: %v", err)
	}
	defer tx.Close()
	g, err := tx.Group()
	if err != nil {
		log.Fatalf("group: %v", err)
	}
	fmt.Printf("version:\t%d\n", tx.Version())
	for _, name := range g.TableNames() {
		t, err := g.Table(name)
		if err != nil {
			log.Fatalf("table %s: %v", name, err)
		}
		fmt.Printf("table %s:\t%d columns, %d rows\n", name, len(t.Spec().Columns), t.RowCount())
	}
}

func storeCreateTableController(cmd *cobra.Command, args []string) {
	db := openStore()
	defer db.Close()
	tx, err := db.BeginWrite()
	if err != nil {
		log.Fatalf("begin write: %v", err)
	}
	g, err := tx.Group()
	if err != nil {
		log.Fatalf("group: %v", err)
	}
	if _, err := g.AddTable(args[0], &core.Spec{}); err != nil {
		tx.Rollback()
		log.Fatalf("add table: %v", err)
	}
	version, err := tx.Commit()
	if err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Printf("created table %s at version %d\n", args[0], version)
}

func storeAddColumnController(cmd *cobra.Command, args []string) {
	db := openStore()
	defer db.Close()
	tx, err := db.BeginWrite()
	if err != nil {
		log.Fatalf("begin write: %v", err)
	}
	g, err := tx.Group()
	if err != nil {
		log.Fatalf("group: %v", err)
	}
	t, err := g.Table(args[0])
	if err != nil {
		tx.Rollback()
		log.Fatalf("table: %v", err)
	}
	typ, ok := parseColumnType(args[2])
	if !ok {
		tx.Rollback()
		log.Fatalf("unknown column type %q", args[2])
	}
	if _, err := t.AddColumn(typ, args[1]); err != nil {
		tx.Rollback()
		log.Fatalf("add column: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Printf("added %s column %s to %s\n", args[2], args[1], args[0])
}

func storeSetIntController(cmd *cobra.Command, args []string) {
	db := openStore()
	defer db.Close()
	tx, err := db.BeginWrite()
	if err != nil {
		log.Fatalf("begin write: %v", err)
	}
	g, err := tx.Group()
	if err != nil {
		log.Fatalf("group: %v", err)
	}
	t, err := g.Table(args[0])
	if err != nil {
		tx.Rollback()
		log.Fatalf("table: %v", err)
	}
	col := t.Spec().ColumnIndex(args[1])
	if col < 0 {
		tx.Rollback()
		log.Fatalf("no column %q", args[1])
	}
	row, err := strconv.Atoi(args[2])
	if err != nil {
		tx.Rollback()
		log.Fatalf("row: %v", err)
	}
	for t.RowCount() <= row {
		if _, err := t.AddRow(); err != nil {
			tx.Rollback()
			log.Fatalf("add row: %v", err)
		}
	}
	v, err := strconv.ParseInt(args[3], 10, 64)
	if err != nil {
		tx.Rollback()
		log.Fatalf("value: %v", err)
	}
	if err := t.SetInt(col, row, v); err != nil {
		tx.Rollback()
		log.Fatalf("set: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		log.Fatalf("commit: %v", err)
	}
	fmt.Println("ok")
}

func parseColumnType(s string) (core.DataType, bool) {
	switch s {
	case "int":
		return core.TypeInt, true
	case "bool":
		return core.TypeBool, true
	case "string":
		return core.TypeString, true
	case "binary":
		return core.TypeBinary, true
	case "float":
		return core.TypeFloat, true
	case "double":
		return core.TypeDouble, true
	case "datetime":
		return core.TypeDateTime, true
	case "mixed":
		return core.TypeMixed, true
	case "table":
		return core.TypeTable, true
	case "link":
		return core.TypeLink, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// CLI definitions
// ---------------------------------------------------------------------------

var storeCmd = &cobra.Command{
	Use:              "store",
	Short:            "inspect and mutate a lattice file",
	PersistentPreRun: initStoreMiddleware,
}

var storeInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "show tables and row counts",
	Run:   storeInfoController,
}

var storeCreateTableCmd = &cobra.Command{
	Use:   "create-table [name]",
	Short: "create an empty table",
	Args:  cobra.ExactArgs(1),
	Run:   storeCreateTableController,
}

var storeAddColumnCmd = &cobra.Command{
	Use:   "add-column [table] [name] [type]",
	Short: "append a column to a table",
	Args:  cobra.ExactArgs(3),
	Run:   storeAddColumnController,
}

var storeSetIntCmd = &cobra.Command{
	Use:   "set-int [table] [column] [row] [value]",
	Short: "write an int cell, growing the table as needed",
	Args:  cobra.ExactArgs(4),
	Run:   storeSetIntController,
}

func init() {
	storeCmd.PersistentFlags().StringVar(&storeFlags.path, "store", "", "lattice file path (LATTICE_STORE)")
	storeCmd.AddCommand(storeInfoCmd, storeCreateTableCmd, storeAddColumnCmd, storeSetIntCmd)
}

// ---------------------------------------------------------------------------
// Consolidated route export
// ---------------------------------------------------------------------------

// StoreRoute exposes the store command tree to the root CLI.
func StoreRoute() *cobra.Command { return storeCmd }
