package core

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestApplierBuildsState(t *testing.T) {
	db := testDB(t)
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	ap := NewDBApplier(db, lg)

	cs := &Changeset{}
	people := cs.Intern("people")
	name := cs.Intern("name")
	n := cs.Intern("n")
	tags := cs.Intern("tags")
	key := ObjectSelector{Key: GlobalKey{Hi: 3, Lo: 1}}
	cs.Instructions = []Instruction{
		{Op: OpAddTable, Table: people},
		{Op: OpAddColumn, Table: people, Field: name, PayloadType: TypeString},
		{Op: OpAddColumn, Table: people, Field: n, PayloadType: TypeInt},
		{Op: OpAddColumn, Table: people, Field: tags, PayloadType: TypeMixed},
		{Op: OpCreateObject, Table: people, Object: key},
		{Op: OpUpdate, Table: people, Field: name, Object: key, Value: StringVal("ada")},
		{Op: OpUpdate, Table: people, Field: n, Object: key, Value: IntVal(5)},
		{Op: OpArrayInsert, Table: people, Field: tags, Object: key, Index: 0, Value: IntVal(1)},
		{Op: OpArrayInsert, Table: people, Field: tags, Object: key, Index: 1, Value: StringVal("x")},
		{Op: OpDictInsert, Table: people, Field: tags, Object: key, DictKey: "k", Value: IntVal(9)},
	}
	// The dict insert lands on a list cell; split into two changesets so
	// the collection kinds stay coherent.
	dict := cs.Instructions[9]
	cs.Instructions = cs.Instructions[:9]
	if err := ap.Apply(cs); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rt, err := db.BeginRead()
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	g, _ := rt.Group()
	tbl, err := g.Table("people")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if tbl.RowCount() != 1 {
		t.Fatalf("rows = %d, want 1", tbl.RowCount())
	}
	nameCol := tbl.Spec().ColumnIndex("name")
	if s, _ := tbl.GetString(nameCol, 0); s != "ada" {
		t.Fatalf("name = %q, want ada", s)
	}
	nCol := tbl.Spec().ColumnIndex("n")
	if v, _ := tbl.GetInt(nCol, 0); v != 5 {
		t.Fatalf("n = %d, want 5", v)
	}
	tagsCol := tbl.Spec().ColumnIndex("tags")
	list, _ := tbl.GetValue(tagsCol, 0)
	if list.Kind != KindList || len(list.List) != 2 || list.List[1].Str != "x" {
		t.Fatalf("tags = %+v", list)
	}
	rt.Close()

	// A second changeset replaces the cell with a dictionary.
	cs2 := &Changeset{}
	dict.Table = cs2.Intern("people")
	dict.Field = cs2.Intern("tags")
	cs2.Instructions = []Instruction{dict}
	if err := ap.Apply(cs2); err != nil {
		t.Fatalf("apply dict: %v", err)
	}
	rt2, _ := db.BeginRead()
	defer rt2.Close()
	g2, _ := rt2.Group()
	tbl2, _ := g2.Table("people")
	v, _ := tbl2.GetValue(tbl2.Spec().ColumnIndex("tags"), 0)
	if v.Kind != KindDict {
		t.Fatalf("tags after dict insert = %+v", v)
	}
	if got, ok := v.DictGet("k"); !ok || got.Int != 9 {
		t.Fatalf("dict value = %+v ok=%v", got, ok)
	}
}

func TestApplierMissingTargets(t *testing.T) {
	db := testDB(t)
	ap := NewDBApplier(db, nil)

	cs := &Changeset{}
	tbl := cs.Intern("ghost")
	f := cs.Intern("f")
	cs.Instructions = []Instruction{{
		Op: OpUpdate, Table: tbl, Field: f,
		Object: ObjectSelector{Key: GlobalKey{Hi: 1, Lo: 1}},
		Value:  IntVal(1),
	}}
	if err := ap.Apply(cs); !IsKind(err, ErrBadChangeset) {
		t.Fatalf("expected BadChangeset, got %v", err)
	}
	// The failed changeset must leave nothing behind.
	rt, _ := db.BeginRead()
	defer rt.Close()
	g, _ := rt.Group()
	if g.HasTable("ghost") {
		t.Fatal("rolled-back changeset left state")
	}
}

func TestApplierEraseObject(t *testing.T) {
	db := testDB(t)
	ap := NewDBApplier(db, nil)
	mk := func(instr ...Instruction) *Changeset {
		cs := &Changeset{}
		cs.Intern("t") // table id 0 everywhere below
		cs.Instructions = instr
		return cs
	}
	key := ObjectSelector{Key: GlobalKey{Hi: 2, Lo: 5}}
	if err := ap.Apply(mk(
		Instruction{Op: OpAddTable},
		Instruction{Op: OpCreateObject, Object: key},
	)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := ap.Apply(mk(Instruction{Op: OpEraseObject, Object: key})); err != nil {
		t.Fatalf("erase: %v", err)
	}
	rt, _ := db.BeginRead()
	defer rt.Close()
	g, _ := rt.Group()
	tblAcc, err := g.Table("t")
	if err != nil {
		t.Fatalf("table: %v", err)
	}
	if tblAcc.RowCount() != 0 {
		t.Fatalf("rows = %d, want 0", tblAcc.RowCount())
	}
	// Erasing an already-absent object is a no-op, not an error.
	if err := ap.Apply(mk(Instruction{Op: OpEraseObject, Object: key})); err != nil {
		t.Fatalf("double erase: %v", err)
	}
}
