package core

// core/table.go — a table is (Spec, columns) persisted at one ref.
//
// Persisted layout, a has_refs array of two children:
//   0: spec ref
//   1: columns ref — has_refs array with two slots per column:
//      the value-tree ref and the search-index ref (zero when absent).
//
// Every column holds exactly rowCount elements; row operations apply to
// all columns before the count advances.  Structural changes bump a
// generation counter, exposed through Generation; the table keeps no
// record of accessors and invalidates none itself.

import (
	"hash/fnv"
	"sort"
)

// Table is a transient accessor over one table ref.
type Table struct {
	alloc      Alloc
	spec       *Spec
	cols       []Column
	indexes    []*searchIndex // parallel to cols, nil when not indexed
	rowCount   int
	generation int
}

// NewTable builds an empty table with the given schema.
func NewTable(alloc Alloc, spec *Spec) (*Table, error) {
	t := &Table{alloc: alloc, spec: spec}
	for i := range spec.Columns {
		col, err := newColumn(alloc, storageType(&spec.Columns[i]))
		if err != nil {
			return nil, err
		}
		t.cols = append(t.cols, col)
		var idx *searchIndex
		if spec.Columns[i].Attr&AttrIndexed != 0 {
			idx, err = newSearchIndex(alloc)
			if err != nil {
				return nil, err
			}
		}
		t.indexes = append(t.indexes, idx)
	}
	return t, nil
}

// storageType maps a declared type to its backing column kind; an
// enum-string column stores key indexes in an int tree.
func storageType(c *ColumnSpec) DataType {
	if c.Attr&attrEnumString != 0 {
		return TypeInt
	}
	return c.Type
}

// InitTable attaches to a persisted table.
func InitTable(alloc Alloc, ref Ref) (*Table, error) {
	top, err := InitArray(alloc, ref)
	if err != nil {
		return nil, err
	}
	if top.Size() != 2 {
		return nil, Errorf(ErrCorruption, "table top with %d slots", top.Size())
	}
	spec, err := loadSpec(alloc, Ref(top.get(0)))
	if err != nil {
		return nil, err
	}
	colsArr, err := InitArray(alloc, Ref(top.get(1)))
	if err != nil {
		return nil, err
	}
	if colsArr.Size() != 2*len(spec.Columns) {
		return nil, Errorf(ErrCorruption, "columns array size %d for %d columns",
			colsArr.Size(), len(spec.Columns))
	}
	t := &Table{alloc: alloc, spec: spec}
	for i := range spec.Columns {
		col, err := initColumn(alloc, storageType(&spec.Columns[i]), Ref(colsArr.get(2*i)))
		if err != nil {
			return nil, err
		}
		t.cols = append(t.cols, col)
		var idx *searchIndex
		if idxRef := Ref(colsArr.get(2*i + 1)); idxRef != 0 {
			idx, err = initSearchIndex(alloc, idxRef)
			if err != nil {
				return nil, err
			}
		}
		t.indexes = append(t.indexes, idx)
	}
	if len(t.cols) > 0 {
		t.rowCount, err = t.cols[0].Size()
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

// writeTo persists spec and columns, returning the table ref.
func (t *Table) writeTo(sink BlockSink, alloc Alloc) (Ref, error) {
	specRef, err := t.spec.writeTo(alloc)
	if err != nil {
		return 0, err
	}
	specArr, err := InitArray(alloc, specRef)
	if err != nil {
		return 0, err
	}
	persistedSpec, err := specArr.WriteTo(sink)
	if err != nil {
		return 0, err
	}
	colsArr, err := NewArray(alloc, false, true)
	if err != nil {
		return 0, err
	}
	for i, col := range t.cols {
		colRef, err := col.WriteTo(sink)
		if err != nil {
			return 0, err
		}
		if err := colsArr.Append(int64(colRef)); err != nil {
			return 0, err
		}
		var idxRef Ref
		if t.indexes[i] != nil {
			idxRef, err = t.indexes[i].writeTo(sink)
			if err != nil {
				return 0, err
			}
		}
		if err := colsArr.Append(int64(idxRef)); err != nil {
			return 0, err
		}
	}
	persistedCols, err := colsArr.WriteTo(sink)
	if err != nil {
		return 0, err
	}
	top, err := NewArray(alloc, false, true)
	if err != nil {
		return 0, err
	}
	if err := top.Append(int64(persistedSpec)); err != nil {
		return 0, err
	}
	if err := top.Append(int64(persistedCols)); err != nil {
		return 0, err
	}
	return top.WriteTo(sink)
}

func (t *Table) Spec() *Spec     { return t.spec }
func (t *Table) RowCount() int   { return t.rowCount }
func (t *Table) Generation() int { return t.generation }

func (t *Table) checkCol(ndx int) error {
	if ndx < 0 || ndx >= len(t.cols) {
		return Errorf(ErrInvalidColumnKey, "column %d of %d", ndx, len(t.cols))
	}
	return nil
}

func (t *Table) checkRow(i int) error {
	if i < 0 || i >= t.rowCount {
		return Errorf(ErrIndexOutOfBounds, "row %d of %d", i, t.rowCount)
	}
	return nil
}

// --------------------------------------------------------------------
// Schema operations
// --------------------------------------------------------------------

// AddColumn appends a column and backfills a default cell per row.
func (t *Table) AddColumn(typ DataType, name string) (int, error) {
	return t.InsertColumn(len(t.cols), typ, name, AttrNone)
}

// InsertColumn places a new column at ndx with the given attributes.
func (t *Table) InsertColumn(ndx int, typ DataType, name string, attr ColAttr) (int, error) {
	if ndx < 0 || ndx > len(t.cols) {
		return 0, Errorf(ErrInvalidColumnKey, "insert at %d of %d", ndx, len(t.cols))
	}
	if t.spec.ColumnIndex(name) >= 0 {
		return 0, Errorf(ErrInvalidColumnKey, "duplicate column %q", name)
	}
	col, err := newColumn(t.alloc, typ)
	if err != nil {
		return 0, err
	}
	for i := 0; i < t.rowCount; i++ {
		if err := col.InsertDefault(i); err != nil {
			return 0, err
		}
	}
	var idx *searchIndex
	if attr&AttrIndexed != 0 {
		idx, err = newSearchIndex(t.alloc)
		if err != nil {
			return 0, err
		}
	}
	cs := ColumnSpec{Name: name, Type: typ, Attr: attr}
	if typ == TypeTable {
		cs.SubSpec = &Spec{}
	}
	t.spec.Columns = append(t.spec.Columns, ColumnSpec{})
	copy(t.spec.Columns[ndx+1:], t.spec.Columns[ndx:])
	t.spec.Columns[ndx] = cs
	t.cols = append(t.cols, nil)
	copy(t.cols[ndx+1:], t.cols[ndx:])
	t.cols[ndx] = col
	t.indexes = append(t.indexes, nil)
	copy(t.indexes[ndx+1:], t.indexes[ndx:])
	t.indexes[ndx] = idx
	t.generation++
	return ndx, nil
}

// RemoveColumn drops column ndx and frees its storage.
func (t *Table) RemoveColumn(ndx int) error {
	if err := t.checkCol(ndx); err != nil {
		return err
	}
	if err := t.cols[ndx].ClearAll(); err != nil {
		return err
	}
	t.alloc.Free(t.cols[ndx].Ref())
	t.spec.Columns = append(t.spec.Columns[:ndx], t.spec.Columns[ndx+1:]...)
	t.cols = append(t.cols[:ndx], t.cols[ndx+1:]...)
	t.indexes = append(t.indexes[:ndx], t.indexes[ndx+1:]...)
	t.generation++
	if len(t.cols) == 0 {
		t.rowCount = 0
	}
	return nil
}

// RenameColumn changes a column's name.
func (t *Table) RenameColumn(ndx int, name string) error {
	if err := t.checkCol(ndx); err != nil {
		return err
	}
	if other := t.spec.ColumnIndex(name); other >= 0 && other != ndx {
		return Errorf(ErrInvalidColumnKey, "duplicate column %q", name)
	}
	t.spec.Columns[ndx].Name = name
	t.generation++
	return nil
}

// AddSubColumn appends a column to the sub-spec of the subtable column
// at parentNdx, updating every existing subtable before returning.  The
// new column containers are built up front so a failure leaves all rows
// untouched.
func (t *Table) AddSubColumn(parentNdx int, typ DataType, name string) error {
	if err := t.checkCol(parentNdx); err != nil {
		return err
	}
	cs := &t.spec.Columns[parentNdx]
	if cs.Type != TypeTable {
		return Errorf(ErrInvalidColumnKey, "column %q is not a subtable column", cs.Name)
	}
	if cs.SubSpec.ColumnIndex(name) >= 0 {
		return Errorf(ErrInvalidColumnKey, "duplicate sub-column %q", name)
	}
	sub := t.cols[parentNdx].(*SubtableColumn)

	// Stage per-row mutations, then apply.
	type staged struct {
		row  int
		tbl  *Table
	}
	var work []staged
	for i := 0; i < t.rowCount; i++ {
		ref, err := sub.SubtableRef(i)
		if err != nil {
			return err
		}
		if ref == 0 {
			continue // empty subtable materializes with the new spec on demand
		}
		st, err := t.subtableAt(parentNdx, i, ref)
		if err != nil {
			return err
		}
		work = append(work, staged{row: i, tbl: st})
	}
	for _, w := range work {
		if _, err := w.tbl.InsertColumn(len(w.tbl.cols), typ, name, AttrNone); err != nil {
			return err
		}
		if err := t.storeSubtable(parentNdx, w.row, w.tbl); err != nil {
			return err
		}
	}
	cs.SubSpec.Columns = append(cs.SubSpec.Columns, ColumnSpec{Name: name, Type: typ})
	t.generation++
	return nil
}

// RemoveSubColumn drops a column from a subtable column's sub-spec and
// from every existing subtable.
func (t *Table) RemoveSubColumn(parentNdx, subNdx int) error {
	if err := t.checkCol(parentNdx); err != nil {
		return err
	}
	cs := &t.spec.Columns[parentNdx]
	if cs.Type != TypeTable {
		return Errorf(ErrInvalidColumnKey, "column %q is not a subtable column", cs.Name)
	}
	if subNdx < 0 || subNdx >= len(cs.SubSpec.Columns) {
		return Errorf(ErrInvalidColumnKey, "sub-column %d of %d", subNdx, len(cs.SubSpec.Columns))
	}
	sub := t.cols[parentNdx].(*SubtableColumn)
	for i := 0; i < t.rowCount; i++ {
		ref, err := sub.SubtableRef(i)
		if err != nil {
			return err
		}
		if ref == 0 {
			continue
		}
		st, err := t.subtableAt(parentNdx, i, ref)
		if err != nil {
			return err
		}
		if err := st.RemoveColumn(subNdx); err != nil {
			return err
		}
		if err := t.storeSubtable(parentNdx, i, st); err != nil {
			return err
		}
	}
	cs.SubSpec.Columns = append(cs.SubSpec.Columns[:subNdx], cs.SubSpec.Columns[subNdx+1:]...)
	t.generation++
	return nil
}

// --------------------------------------------------------------------
// Row operations
// --------------------------------------------------------------------

// InsertRow adds a default row at i across every column.
func (t *Table) InsertRow(i int) error {
	if i < 0 || i > t.rowCount {
		return Errorf(ErrIndexOutOfBounds, "row %d of %d", i, t.rowCount)
	}
	for _, col := range t.cols {
		if err := col.InsertDefault(i); err != nil {
			return err
		}
	}
	for _, idx := range t.indexes {
		if idx != nil {
			if err := idx.adjustRowsGE(i, 1); err != nil {
				return err
			}
		}
	}
	t.rowCount++
	t.generation++
	return nil
}

// AddRow appends a default row and returns its index.
func (t *Table) AddRow() (int, error) {
	i := t.rowCount
	if err := t.InsertRow(i); err != nil {
		return 0, err
	}
	return i, nil
}

// RemoveRow erases row i, shifting later rows down.
func (t *Table) RemoveRow(i int) error {
	if err := t.checkRow(i); err != nil {
		return err
	}
	for ndx, col := range t.cols {
		if t.indexes[ndx] != nil {
			key, err := t.indexKey(ndx, i)
			if err != nil {
				return err
			}
			if err := t.indexes[ndx].erase(key, i); err != nil {
				return err
			}
		}
		if err := col.EraseRow(i); err != nil {
			return err
		}
	}
	for _, idx := range t.indexes {
		if idx != nil {
			if err := idx.adjustRowsGE(i+1, -1); err != nil {
				return err
			}
		}
	}
	t.rowCount--
	t.generation++
	return nil
}

// MoveLastOver replaces row i with the final row; order is not
// preserved but the operation is O(columns).
func (t *Table) MoveLastOver(i int) error {
	if err := t.checkRow(i); err != nil {
		return err
	}
	last := t.rowCount - 1
	for ndx, col := range t.cols {
		if t.indexes[ndx] != nil {
			oldKey, err := t.indexKey(ndx, i)
			if err != nil {
				return err
			}
			if err := t.indexes[ndx].erase(oldKey, i); err != nil {
				return err
			}
			if i != last {
				lastKey, err := t.indexKey(ndx, last)
				if err != nil {
					return err
				}
				if err := t.indexes[ndx].erase(lastKey, last); err != nil {
					return err
				}
				if err := t.indexes[ndx].insert(lastKey, i); err != nil {
					return err
				}
			}
		}
		if err := col.MoveLastOver(i); err != nil {
			return err
		}
	}
	t.rowCount--
	t.generation++
	return nil
}

// Clear removes every row.
func (t *Table) Clear() error {
	for ndx, col := range t.cols {
		if err := col.ClearAll(); err != nil {
			return err
		}
		if t.indexes[ndx] != nil {
			if err := t.indexes[ndx].clear(); err != nil {
				return err
			}
		}
	}
	t.rowCount = 0
	t.generation++
	return nil
}

// --------------------------------------------------------------------
// Typed accessors (index-maintaining)
// --------------------------------------------------------------------

// GetInt reads an int/datetime cell.
func (t *Table) GetInt(col, row int) (int64, error) {
	if err := t.checkCol(col); err != nil {
		return 0, err
	}
	if err := t.checkRow(row); err != nil {
		return 0, err
	}
	c, ok := t.cols[col].(*IntColumn)
	if !ok {
		return 0, Errorf(ErrInvalidColumnKey, "column %d is %s, not int", col, t.spec.Columns[col].Type)
	}
	return c.Get(row)
}

// SetInt writes an int/datetime cell, updating the index when present.
func (t *Table) SetInt(col, row int, v int64) error {
	if err := t.checkCol(col); err != nil {
		return err
	}
	if err := t.checkRow(row); err != nil {
		return err
	}
	c, ok := t.cols[col].(*IntColumn)
	if !ok {
		return Errorf(ErrInvalidColumnKey, "column %d is %s, not int", col, t.spec.Columns[col].Type)
	}
	if t.indexes[col] != nil {
		old, err := c.Get(row)
		if err != nil {
			return err
		}
		if err := t.indexes[col].erase(old, row); err != nil {
			return err
		}
		if err := t.indexes[col].insert(v, row); err != nil {
			return err
		}
	}
	return c.Set(row, v)
}

// AddInt increments an int cell in place.
func (t *Table) AddInt(col, row int, diff int64) error {
	v, err := t.GetInt(col, row)
	if err != nil {
		return err
	}
	return t.SetInt(col, row, v+diff)
}

// GetBool reads a bool cell.
func (t *Table) GetBool(col, row int) (bool, error) {
	if err := t.checkCol(col); err != nil {
		return false, err
	}
	if err := t.checkRow(row); err != nil {
		return false, err
	}
	c, ok := t.cols[col].(*BoolColumn)
	if !ok {
		return false, Errorf(ErrInvalidColumnKey, "column %d is not bool", col)
	}
	return c.GetBool(row)
}

// SetBool writes a bool cell.
func (t *Table) SetBool(col, row int, b bool) error {
	if err := t.checkCol(col); err != nil {
		return err
	}
	if err := t.checkRow(row); err != nil {
		return err
	}
	c, ok := t.cols[col].(*BoolColumn)
	if !ok {
		return Errorf(ErrInvalidColumnKey, "column %d is not bool", col)
	}
	return c.SetBool(row, b)
}

// GetString reads a string cell, transparently resolving enum columns.
func (t *Table) GetString(col, row int) (string, error) {
	if err := t.checkCol(col); err != nil {
		return "", err
	}
	if err := t.checkRow(row); err != nil {
		return "", err
	}
	cs := &t.spec.Columns[col]
	if cs.Attr&attrEnumString != 0 {
		c := t.cols[col].(*IntColumn)
		keyNdx, err := c.Get(row)
		if err != nil {
			return "", err
		}
		return t.enumKey(cs, int(keyNdx))
	}
	c, ok := t.cols[col].(*StringColumn)
	if !ok {
		return "", Errorf(ErrInvalidColumnKey, "column %d is not string", col)
	}
	return c.GetString(row)
}

// SetString writes a string cell, updating the index when present.
func (t *Table) SetString(col, row int, s string) error {
	if err := t.checkCol(col); err != nil {
		return err
	}
	if err := t.checkRow(row); err != nil {
		return err
	}
	cs := &t.spec.Columns[col]
	if cs.Attr&attrEnumString != 0 {
		keyNdx, err := t.enumKeyIndex(cs, s, true)
		if err != nil {
			return err
		}
		return t.cols[col].(*IntColumn).Set(row, int64(keyNdx))
	}
	c, ok := t.cols[col].(*StringColumn)
	if !ok {
		return Errorf(ErrInvalidColumnKey, "column %d is not string", col)
	}
	if t.indexes[col] != nil {
		old, err := c.GetString(row)
		if err != nil {
			return err
		}
		if err := t.indexes[col].erase(stringKey(old), row); err != nil {
			return err
		}
		if err := t.indexes[col].insert(stringKey(s), row); err != nil {
			return err
		}
	}
	return c.SetString(row, s)
}

// GetFloat reads a float/double cell.
func (t *Table) GetFloat(col, row int) (float64, error) {
	if err := t.checkCol(col); err != nil {
		return 0, err
	}
	if err := t.checkRow(row); err != nil {
		return 0, err
	}
	c, ok := t.cols[col].(*DoubleColumn)
	if !ok {
		return 0, Errorf(ErrInvalidColumnKey, "column %d is not float", col)
	}
	return c.GetFloat(row)
}

// SetFloat writes a float/double cell.
func (t *Table) SetFloat(col, row int, f float64) error {
	if err := t.checkCol(col); err != nil {
		return err
	}
	if err := t.checkRow(row); err != nil {
		return err
	}
	c, ok := t.cols[col].(*DoubleColumn)
	if !ok {
		return Errorf(ErrInvalidColumnKey, "column %d is not float", col)
	}
	return c.SetFloat(row, f)
}

// GetValue reads a mixed cell.
func (t *Table) GetValue(col, row int) (Value, error) {
	if err := t.checkCol(col); err != nil {
		return Value{}, err
	}
	if err := t.checkRow(row); err != nil {
		return Value{}, err
	}
	c, ok := t.cols[col].(*MixedColumn)
	if !ok {
		return Value{}, Errorf(ErrInvalidColumnKey, "column %d is not mixed", col)
	}
	return c.GetValue(row)
}

// SetValue writes a mixed cell.
func (t *Table) SetValue(col, row int, v Value) error {
	if err := t.checkCol(col); err != nil {
		return err
	}
	if err := t.checkRow(row); err != nil {
		return err
	}
	c, ok := t.cols[col].(*MixedColumn)
	if !ok {
		return Errorf(ErrInvalidColumnKey, "column %d is not mixed", col)
	}
	return c.SetValue(row, v)
}

// FindFirstInt uses the search index when available.
func (t *Table) FindFirstInt(col int, v int64) (int, error) {
	if err := t.checkCol(col); err != nil {
		return -1, err
	}
	if t.indexes[col] != nil {
		return t.indexes[col].findFirst(v)
	}
	c, ok := t.cols[col].(*IntColumn)
	if !ok {
		return -1, Errorf(ErrInvalidColumnKey, "column %d is not int", col)
	}
	return c.FindFirst(v)
}

// FindFirstString uses the search index when available; hash hits are
// verified against the column.
func (t *Table) FindFirstString(col int, s string) (int, error) {
	if err := t.checkCol(col); err != nil {
		return -1, err
	}
	if t.indexes[col] != nil {
		rows, err := t.indexes[col].findAll(stringKey(s))
		if err != nil {
			return -1, err
		}
		for _, row := range rows {
			got, err := t.GetString(col, row)
			if err != nil {
				return -1, err
			}
			if got == s {
				return row, nil
			}
		}
		return -1, nil
	}
	cs := &t.spec.Columns[col]
	if cs.Attr&attrEnumString != 0 {
		keyNdx, err := t.enumKeyIndex(cs, s, false)
		if err != nil || keyNdx < 0 {
			return -1, err
		}
		return t.cols[col].(*IntColumn).FindFirst(int64(keyNdx))
	}
	c, ok := t.cols[col].(*StringColumn)
	if !ok {
		return -1, Errorf(ErrInvalidColumnKey, "column %d is not string", col)
	}
	return c.FindFirst(s)
}

// Subtable returns an accessor for the nested table at (col, row).
func (t *Table) Subtable(col, row int) (*Table, error) {
	if err := t.checkCol(col); err != nil {
		return nil, err
	}
	if err := t.checkRow(row); err != nil {
		return nil, err
	}
	sub, ok := t.cols[col].(*SubtableColumn)
	if !ok {
		return nil, Errorf(ErrInvalidColumnKey, "column %d is not a subtable column", col)
	}
	ref, err := sub.SubtableRef(row)
	if err != nil {
		return nil, err
	}
	return t.subtableAt(col, row, ref)
}

// StoreSubtable writes a (possibly new) subtable container back to its
// parent cell; required after mutating an accessor from Subtable.
func (t *Table) StoreSubtable(col, row int, st *Table) error {
	return t.storeSubtable(col, row, st)
}

func (t *Table) subtableAt(col, row int, ref Ref) (*Table, error) {
	subSpec := t.spec.Columns[col].SubSpec
	if subSpec == nil {
		subSpec = &Spec{}
	}
	if ref == 0 {
		return NewTable(t.alloc, cloneSpec(subSpec))
	}
	st, err := initSubtable(t.alloc, ref, cloneSpec(subSpec))
	if err != nil {
		return nil, err
	}
	return st, nil
}

// initSubtable reads a columns-only container (the spec lives with the
// parent).
func initSubtable(alloc Alloc, ref Ref, spec *Spec) (*Table, error) {
	colsArr, err := InitArray(alloc, ref)
	if err != nil {
		return nil, err
	}
	if colsArr.Size() != len(spec.Columns) {
		return nil, Errorf(ErrCorruption, "subtable with %d columns, spec has %d",
			colsArr.Size(), len(spec.Columns))
	}
	t := &Table{alloc: alloc, spec: spec}
	for i := range spec.Columns {
		col, err := initColumn(alloc, storageType(&spec.Columns[i]), Ref(colsArr.get(i)))
		if err != nil {
			return nil, err
		}
		t.cols = append(t.cols, col)
		t.indexes = append(t.indexes, nil)
	}
	if len(t.cols) > 0 {
		t.rowCount, err = t.cols[0].Size()
		if err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) storeSubtable(col, row int, st *Table) error {
	sub := t.cols[col].(*SubtableColumn)
	colsArr, err := NewArray(t.alloc, false, true)
	if err != nil {
		return err
	}
	for _, c := range st.cols {
		if err := colsArr.Append(int64(c.Ref())); err != nil {
			return err
		}
	}
	old, err := sub.SubtableRef(row)
	if err != nil {
		return err
	}
	if err := sub.setSubtableRef(row, colsArr.Ref()); err != nil {
		return err
	}
	if old != 0 && old != colsArr.Ref() {
		t.alloc.Free(old)
	}
	return nil
}

func cloneSpec(s *Spec) *Spec {
	out := &Spec{Columns: make([]ColumnSpec, len(s.Columns))}
	copy(out.Columns, s.Columns)
	return out
}

// --------------------------------------------------------------------
// Enum-string optimization
// --------------------------------------------------------------------

// enumOptimizeRatio: a plain string column converts when distinct values
// are at most half the rows.
const enumOptimizeRatio = 2

// Optimize rewrites low-cardinality string columns into enum-string
// columns: a shared sorted key array plus an int column of key indexes.
func (t *Table) Optimize() error {
	for ndx := range t.cols {
		cs := &t.spec.Columns[ndx]
		if cs.Type != TypeString || cs.Attr&attrEnumString != 0 || t.indexes[ndx] != nil {
			continue
		}
		col := t.cols[ndx].(*StringColumn)
		distinct := map[string]bool{}
		values := make([]string, t.rowCount)
		for i := 0; i < t.rowCount; i++ {
			s, err := col.GetString(i)
			if err != nil {
				return err
			}
			values[i] = s
			distinct[s] = true
		}
		if t.rowCount == 0 || len(distinct)*enumOptimizeRatio > t.rowCount {
			continue
		}
		keys := make([]string, 0, len(distinct))
		for s := range distinct {
			keys = append(keys, s)
		}
		sort.Strings(keys)
		keyArr, err := NewArray(t.alloc, false, true)
		if err != nil {
			return err
		}
		pos := map[string]int{}
		for i, s := range keys {
			ref, err := allocBlob(t.alloc, []byte(s))
			if err != nil {
				return err
			}
			if err := keyArr.Append(int64(ref)); err != nil {
				return err
			}
			pos[s] = i
		}
		tree, err := NewBPTree(t.alloc, false)
		if err != nil {
			return err
		}
		for _, s := range values {
			if err := tree.Append(int64(pos[s])); err != nil {
				return err
			}
		}
		if err := col.ClearAll(); err != nil {
			return err
		}
		t.alloc.Free(col.Ref())
		t.cols[ndx] = &IntColumn{alloc: t.alloc, tree: tree}
		cs.Attr |= attrEnumString
		cs.enumRef = keyArr.Ref()
		t.generation++
	}
	return nil
}

func (t *Table) enumKey(cs *ColumnSpec, ndx int) (string, error) {
	keys, err := InitArray(t.alloc, cs.enumRef)
	if err != nil {
		return "", err
	}
	v, err := keys.Get(ndx)
	if err != nil {
		return "", err
	}
	return readString(t.alloc, Ref(v))
}

// enumKeyIndex finds (or with grow, appends) the key index for s.
func (t *Table) enumKeyIndex(cs *ColumnSpec, s string, grow bool) (int, error) {
	keys, err := InitArray(t.alloc, cs.enumRef)
	if err != nil {
		return -1, err
	}
	for i := 0; i < keys.Size(); i++ {
		got, err := readString(t.alloc, Ref(keys.get(i)))
		if err != nil {
			return -1, err
		}
		if got == s {
			return i, nil
		}
	}
	if !grow {
		return -1, nil
	}
	ref, err := allocBlob(t.alloc, []byte(s))
	if err != nil {
		return -1, err
	}
	if err := keys.Append(int64(ref)); err != nil {
		return -1, err
	}
	cs.enumRef = keys.Ref()
	return keys.Size() - 1, nil
}

// indexKey computes the index key of (col, row) for indexed columns.
func (t *Table) indexKey(col, row int) (int64, error) {
	switch c := t.cols[col].(type) {
	case *IntColumn:
		return c.Get(row)
	case *StringColumn:
		s, err := c.GetString(row)
		if err != nil {
			return 0, err
		}
		return stringKey(s), nil
	case *BoolColumn:
		v, err := c.GetBool(row)
		if err != nil {
			return 0, err
		}
		if v {
			return 1, nil
		}
		return 0, nil
	}
	return 0, Errorf(ErrInvalidColumnKey, "column %d cannot be indexed", col)
}

// stringKey hashes a string into the 64-bit index key space.
func stringKey(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
