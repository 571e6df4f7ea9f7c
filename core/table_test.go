package core

import "testing"

func testTable(t *testing.T, cols ...ColumnSpec) (*Table, *SlabAlloc) {
	t.Helper()
	alloc := testAlloc(t)
	tbl, err := NewTable(alloc, &Spec{Columns: cols})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	return tbl, alloc
}

func TestTableTypedCells(t *testing.T) {
	tbl, _ := testTable(t,
		ColumnSpec{Name: "n", Type: TypeInt},
		ColumnSpec{Name: "ok", Type: TypeBool},
		ColumnSpec{Name: "name", Type: TypeString},
		ColumnSpec{Name: "score", Type: TypeDouble},
	)
	row, err := tbl.AddRow()
	if err != nil {
		t.Fatalf("add row: %v", err)
	}
	if err := tbl.SetInt(0, row, -42); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := tbl.SetBool(1, row, true); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if err := tbl.SetString(2, row, "ada"); err != nil {
		t.Fatalf("set string: %v", err)
	}
	if err := tbl.SetFloat(3, row, 2.5); err != nil {
		t.Fatalf("set float: %v", err)
	}

	if v, _ := tbl.GetInt(0, row); v != -42 {
		t.Fatalf("int = %d, want -42", v)
	}
	if b, _ := tbl.GetBool(1, row); !b {
		t.Fatal("bool = false, want true")
	}
	if s, _ := tbl.GetString(2, row); s != "ada" {
		t.Fatalf("string = %q, want ada", s)
	}
	if f, _ := tbl.GetFloat(3, row); f != 2.5 {
		t.Fatalf("float = %v, want 2.5", f)
	}
	// Type confusion is an error, not a silent cast.
	if _, err := tbl.GetInt(2, row); !IsKind(err, ErrInvalidColumnKey) {
		t.Fatalf("expected InvalidColumnKey, got %v", err)
	}
}

func TestTableRowOps(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "n", Type: TypeInt})
	for i := 0; i < 5; i++ {
		row, _ := tbl.AddRow()
		if err := tbl.SetInt(0, row, int64(i)); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := tbl.RemoveRow(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// 0,2,3,4 remain in order.
	want := []int64{0, 2, 3, 4}
	for i, w := range want {
		if v, _ := tbl.GetInt(0, i); v != w {
			t.Fatalf("row %d = %d, want %d", i, v, w)
		}
	}
	// move_last_over(0): 4 replaces 0, count shrinks.
	if err := tbl.MoveLastOver(0); err != nil {
		t.Fatalf("move_last_over: %v", err)
	}
	if tbl.RowCount() != 3 {
		t.Fatalf("rows = %d, want 3", tbl.RowCount())
	}
	if v, _ := tbl.GetInt(0, 0); v != 4 {
		t.Fatalf("row 0 = %d, want 4", v)
	}
}

func TestTableAddInt(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "n", Type: TypeInt})
	row, _ := tbl.AddRow()
	for i := 0; i < 10; i++ {
		if err := tbl.AddInt(0, row, 3); err != nil {
			t.Fatalf("add_int: %v", err)
		}
	}
	if v, _ := tbl.GetInt(0, row); v != 30 {
		t.Fatalf("cell = %d, want 30", v)
	}
}

func TestSchemaChange(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "a", Type: TypeInt})
	if _, err := tbl.AddRow(); err != nil {
		t.Fatalf("add row: %v", err)
	}
	ndx, err := tbl.AddColumn(TypeString, "b")
	if err != nil {
		t.Fatalf("add column: %v", err)
	}
	if ndx != 1 || len(tbl.Spec().Columns) != 2 {
		t.Fatalf("spec after add = %+v", tbl.Spec().Columns)
	}
	// Existing row got a default cell.
	if s, err := tbl.GetString(1, 0); err != nil || s != "" {
		t.Fatalf("default cell = %q err=%v", s, err)
	}
	if _, err := tbl.AddColumn(TypeInt, "b"); !IsKind(err, ErrInvalidColumnKey) {
		t.Fatalf("duplicate name accepted: %v", err)
	}
	if err := tbl.RenameColumn(1, "c"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if tbl.Spec().ColumnIndex("c") != 1 {
		t.Fatal("rename not visible in spec")
	}
	gen := tbl.Generation()
	if err := tbl.RemoveColumn(0); err != nil {
		t.Fatalf("remove column: %v", err)
	}
	if tbl.Generation() == gen {
		t.Fatal("generation must advance on schema change")
	}
	if len(tbl.Spec().Columns) != 1 || tbl.Spec().Columns[0].Name != "c" {
		t.Fatalf("spec after remove = %+v", tbl.Spec().Columns)
	}
}

//-------------------------------------------------------------
// Subtable schema recursion
//-------------------------------------------------------------

func TestSubtableSchemaRecursion(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "kids", Type: TypeTable, SubSpec: &Spec{
		Columns: []ColumnSpec{{Name: "x", Type: TypeInt}},
	}})
	// Two parent rows, one with a populated subtable.
	if _, err := tbl.AddRow(); err != nil {
		t.Fatalf("add row: %v", err)
	}
	if _, err := tbl.AddRow(); err != nil {
		t.Fatalf("add row: %v", err)
	}
	sub, err := tbl.Subtable(0, 0)
	if err != nil {
		t.Fatalf("subtable: %v", err)
	}
	row, err := sub.AddRow()
	if err != nil {
		t.Fatalf("sub add row: %v", err)
	}
	if err := sub.SetInt(0, row, 9); err != nil {
		t.Fatalf("sub set: %v", err)
	}
	if err := tbl.StoreSubtable(0, 0, sub); err != nil {
		t.Fatalf("store subtable: %v", err)
	}

	// Adding a sub-column must update the populated subtable too.
	if err := tbl.AddSubColumn(0, TypeString, "label"); err != nil {
		t.Fatalf("add sub-column: %v", err)
	}
	if len(tbl.Spec().Columns[0].SubSpec.Columns) != 2 {
		t.Fatalf("sub-spec = %+v", tbl.Spec().Columns[0].SubSpec.Columns)
	}
	sub2, err := tbl.Subtable(0, 0)
	if err != nil {
		t.Fatalf("reload subtable: %v", err)
	}
	if len(sub2.Spec().Columns) != 2 || sub2.RowCount() != 1 {
		t.Fatalf("subtable after schema change: %d cols %d rows",
			len(sub2.Spec().Columns), sub2.RowCount())
	}
	if v, err := sub2.GetInt(0, 0); err != nil || v != 9 {
		t.Fatalf("sub cell = %d err=%v, want 9", v, err)
	}
	if s, err := sub2.GetString(1, 0); err != nil || s != "" {
		t.Fatalf("new sub cell = %q err=%v", s, err)
	}

	if err := tbl.RemoveSubColumn(0, 0); err != nil {
		t.Fatalf("remove sub-column: %v", err)
	}
	sub3, err := tbl.Subtable(0, 0)
	if err != nil {
		t.Fatalf("reload subtable: %v", err)
	}
	if len(sub3.Spec().Columns) != 1 || sub3.Spec().Columns[0].Name != "label" {
		t.Fatalf("sub-spec after remove = %+v", sub3.Spec().Columns)
	}
}

//-------------------------------------------------------------
// Enum-string optimization
//-------------------------------------------------------------

func TestOptimizeEnumStrings(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "color", Type: TypeString})
	colors := []string{"red", "green", "red", "blue", "red", "green", "red", "blue"}
	for _, c := range colors {
		row, _ := tbl.AddRow()
		if err := tbl.SetString(0, row, c); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := tbl.Optimize(); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if tbl.Spec().Columns[0].Attr&attrEnumString == 0 {
		t.Fatal("column not converted to enum strings")
	}
	for i, c := range colors {
		got, err := tbl.GetString(0, i)
		if err != nil || got != c {
			t.Fatalf("row %d = %q err=%v, want %q", i, got, err, c)
		}
	}
	// Writes still work, including a brand-new key.
	if err := tbl.SetString(0, 0, "mauve"); err != nil {
		t.Fatalf("set new key: %v", err)
	}
	if got, _ := tbl.GetString(0, 0); got != "mauve" {
		t.Fatalf("row 0 = %q, want mauve", got)
	}
	if ndx, err := tbl.FindFirstString(0, "blue"); err != nil || ndx != 3 {
		t.Fatalf("find blue = %d err=%v, want 3", ndx, err)
	}
}

func TestOptimizeSkipsHighCardinality(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "id", Type: TypeString})
	for _, s := range []string{"a", "b", "c", "d"} {
		row, _ := tbl.AddRow()
		if err := tbl.SetString(0, row, s); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := tbl.Optimize(); err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if tbl.Spec().Columns[0].Attr&attrEnumString != 0 {
		t.Fatal("all-distinct column should stay plain")
	}
}

//-------------------------------------------------------------
// Search index
//-------------------------------------------------------------

func TestIndexedColumn(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "n", Type: TypeInt, Attr: AttrIndexed})
	for _, v := range []int64{30, 10, 20, 10} {
		row, _ := tbl.AddRow()
		if err := tbl.SetInt(0, row, v); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if ndx, err := tbl.FindFirstInt(0, 10); err != nil || ndx != 1 {
		t.Fatalf("find 10 = %d err=%v, want 1", ndx, err)
	}
	if err := tbl.RemoveRow(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	// The surviving 10 shifted from row 3 to row 2.
	if ndx, err := tbl.FindFirstInt(0, 10); err != nil || ndx != 2 {
		t.Fatalf("find 10 after remove = %d err=%v, want 2", ndx, err)
	}
	if ndx, err := tbl.FindFirstInt(0, 99); err != nil || ndx != -1 {
		t.Fatalf("find 99 = %d err=%v, want -1", ndx, err)
	}
}

func TestIndexedStringColumn(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "name", Type: TypeString, Attr: AttrIndexed})
	for _, s := range []string{"ada", "grace", "ada"} {
		row, _ := tbl.AddRow()
		if err := tbl.SetString(0, row, s); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if ndx, err := tbl.FindFirstString(0, "grace"); err != nil || ndx != 1 {
		t.Fatalf("find grace = %d err=%v, want 1", ndx, err)
	}
	if err := tbl.SetString(0, 1, "lin"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ndx, err := tbl.FindFirstString(0, "grace"); err != nil || ndx != -1 {
		t.Fatalf("find grace after overwrite = %d err=%v, want -1", ndx, err)
	}
}

//-------------------------------------------------------------
// Mixed cells
//-------------------------------------------------------------

func TestMixedColumnValues(t *testing.T) {
	tbl, _ := testTable(t, ColumnSpec{Name: "v", Type: TypeMixed})
	row, _ := tbl.AddRow()
	values := []Value{
		IntVal(7),
		StringVal("mixed"),
		{Kind: KindList, List: []Value{IntVal(1), StringVal("two")}},
		{Kind: KindDict, Dict: []DictEntry{{Key: "a", Val: IntVal(1)}}},
		NullVal(),
	}
	for _, v := range values {
		if err := tbl.SetValue(0, row, v); err != nil {
			t.Fatalf("set %v: %v", v.Kind, err)
		}
		got, err := tbl.GetValue(0, row)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.Equal(v) {
			t.Fatalf("round-trip %v: got %+v", v.Kind, got)
		}
	}
}
