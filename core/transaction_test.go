package core

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	db, err := OpenDB(filepath.Join(t.TempDir(), "store.lattice"), lg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeRow(t *testing.T, db *DB, table string, value int64) uint64 {
	t.Helper()
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	g, err := tx.Group()
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	var tbl *Table
	if g.HasTable(table) {
		tbl, err = g.Table(table)
	} else {
		tbl, err = g.AddTable(table, &Spec{Columns: []ColumnSpec{{Name: "v", Type: TypeInt}}})
	}
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	row, err := tbl.AddRow()
	if err != nil {
		t.Fatalf("add row: %v", err)
	}
	if err := tbl.SetInt(0, row, value); err != nil {
		t.Fatalf("set: %v", err)
	}
	version, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return version
}

func TestBusyWriter(t *testing.T) {
	db := testDB(t)
	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	defer tx.Rollback()
	if _, err := db.BeginWrite(); !IsKind(err, ErrBusyWriter) {
		t.Fatalf("expected BusyWriter, got %v", err)
	}
}

func TestRollbackDiscards(t *testing.T) {
	db := testDB(t)
	writeRow(t, db, "t", 1)

	tx, err := db.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	g, _ := tx.Group()
	tbl, err := g.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if _, err := tbl.AddRow(); err != nil {
		t.Fatalf("add row: %v", err)
	}
	tx.Rollback()

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	g2, _ := rt.Group()
	tbl2, err := g2.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if tbl2.RowCount() != 1 {
		t.Fatalf("rows = %d, want 1 after rollback", tbl2.RowCount())
	}
}

//-------------------------------------------------------------
// Reader isolation: a pinned read sees its version regardless of
// concurrent commits; advance_read moves to the newest
//-------------------------------------------------------------

func TestReaderIsolationAndAdvance(t *testing.T) {
	db := testDB(t)
	writeRow(t, db, "t", 10)

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	readRows := func() int {
		g, err := rt.Group()
		if err != nil {
			t.Fatalf("group: %v", err)
		}
		tbl, err := g.Table("t")
		if err != nil {
			t.Fatalf("table: %v", err)
		}
		return tbl.RowCount()
	}
	if readRows() != 1 {
		t.Fatalf("rows = %d, want 1", readRows())
	}

	// Two writers commit behind the reader's back.
	writeRow(t, db, "t", 20)
	writeRow(t, db, "t", 30)

	if readRows() != 1 {
		t.Fatalf("pinned reader sees %d rows, want 1", readRows())
	}
	changed, err := rt.AdvanceRead()
	if err != nil || !changed {
		t.Fatalf("advance: changed=%v err=%v", changed, err)
	}
	if readRows() != 3 {
		t.Fatalf("rows after advance = %d, want 3", readRows())
	}
	changed, err = rt.AdvanceRead()
	if err != nil || changed {
		t.Fatalf("second advance should be a no-op, changed=%v err=%v", changed, err)
	}
}

func TestVersionsMonotonic(t *testing.T) {
	db := testDB(t)
	v1 := writeRow(t, db, "t", 1)
	v2 := writeRow(t, db, "t", 2)
	if v2 != v1+1 {
		t.Fatalf("versions %d then %d, want consecutive", v1, v2)
	}
	if db.Version() != v2 {
		t.Fatalf("db version = %d, want %d", db.Version(), v2)
	}
}

func TestClosedTxnInvalidated(t *testing.T) {
	db := testDB(t)
	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	rt.Close()
	if _, err := rt.Group(); !IsKind(err, ErrVersionInvalidated) {
		t.Fatalf("expected VersionInvalidated, got %v", err)
	}
	if _, err := rt.AdvanceRead(); !IsKind(err, ErrVersionInvalidated) {
		t.Fatalf("expected VersionInvalidated, got %v", err)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "store.lattice")
	db, err := OpenDB(path, lg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	writeRow(t, db, "t", 7)
	writeRow(t, db, "t", 8)
	db.Close()

	db2, err := OpenDB(path, lg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()
	rt, err := db2.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer rt.Close()
	g, _ := rt.Group()
	tbl, err := g.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if tbl.RowCount() != 2 {
		t.Fatalf("rows = %d, want 2", tbl.RowCount())
	}
	v, err := tbl.GetInt(0, 1)
	if err != nil || v != 8 {
		t.Fatalf("cell = %d err=%v, want 8", v, err)
	}
}
