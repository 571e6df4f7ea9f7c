package core

// core/apply.go — applying changesets to a lattice file.
//
// Objects are addressed by global key; applier-managed tables carry two
// leading columns (key hi, key lo) ahead of the schema columns an
// AddColumn instruction creates.  Primary-key selectors resolve through
// the table's first column carrying the PrimaryKey attribute; lookups
// accept int and string key values only.

import "github.com/sirupsen/logrus"

const (
	keyHiColumn = "_key_hi"
	keyLoColumn = "_key_lo"
)

// DBApplier applies instruction streams to a DB inside one write
// transaction per changeset.
type DBApplier struct {
	db     *DB
	logger *logrus.Logger
}

// NewDBApplier wires an applier to db.
func NewDBApplier(db *DB, lg *logrus.Logger) *DBApplier {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &DBApplier{db: db, logger: lg}
}

// Apply runs one changeset in a write transaction; any failure rolls the
// whole changeset back.
func (ap *DBApplier) Apply(cs *Changeset) error {
	tx, err := ap.db.BeginWrite()
	if err != nil {
		return err
	}
	g, err := tx.Group()
	if err != nil {
		tx.Rollback()
		return err
	}
	for i := range cs.Instructions {
		if err := ap.applyOne(g, cs, &cs.Instructions[i]); err != nil {
			tx.Rollback()
			return err
		}
	}
	if _, err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func (ap *DBApplier) applyOne(g *Group, cs *Changeset, in *Instruction) error {
	table, err := cs.StringAt(in.Table)
	if err != nil {
		return err
	}
	switch in.Op {
	case OpAddTable:
		if g.HasTable(table) {
			return nil // idempotent
		}
		spec := &Spec{Columns: []ColumnSpec{
			{Name: keyHiColumn, Type: TypeInt},
			{Name: keyLoColumn, Type: TypeInt},
		}}
		_, err := g.AddTable(table, spec)
		return err
	case OpEraseTable:
		if !g.HasTable(table) {
			return nil
		}
		return g.RemoveTable(table)
	}

	t, err := g.Table(table)
	if err != nil {
		return Errorf(ErrBadChangeset, "instruction %s on missing table %q", in.Op, table)
	}

	switch in.Op {
	case OpAddColumn:
		field, err := cs.StringAt(in.Field)
		if err != nil {
			return err
		}
		if t.Spec().ColumnIndex(field) >= 0 {
			return nil
		}
		_, err = t.AddColumn(in.PayloadType, field)
		return err
	case OpEraseColumn:
		field, err := cs.StringAt(in.Field)
		if err != nil {
			return err
		}
		ndx := t.Spec().ColumnIndex(field)
		if ndx < 0 {
			return nil
		}
		return t.RemoveColumn(ndx)
	case OpCreateObject:
		_, err := ap.ensureObject(t, &in.Object)
		return err
	case OpEraseObject:
		row, err := ap.findObject(t, &in.Object)
		if err != nil || row < 0 {
			return err
		}
		return t.MoveLastOver(row)
	}

	row, err := ap.findObject(t, &in.Object)
	if err != nil {
		return err
	}
	if row < 0 {
		return Errorf(ErrBadChangeset, "%s targets missing object %s in %q",
			in.Op, in.Object.Key, table)
	}
	field, err := cs.StringAt(in.Field)
	if err != nil {
		return err
	}
	col := t.Spec().ColumnIndex(field)
	if col < 0 {
		return Errorf(ErrBadChangeset, "%s targets missing column %q.%q", in.Op, table, field)
	}

	switch in.Op {
	case OpUpdate:
		return ap.setCell(t, col, row, in.Value)
	case OpArrayInsert, OpArraySet, OpArrayErase, OpArrayMove,
		OpSetInsert, OpSetErase, OpDictInsert, OpDictUpdate, OpDictErase:
		return ap.applyCollection(t, col, row, in)
	}
	return Errorf(ErrBadChangeset, "unhandled op %s", in.Op)
}

// ensureObject finds or creates the selected row.
func (ap *DBApplier) ensureObject(t *Table, sel *ObjectSelector) (int, error) {
	row, err := ap.findObject(t, sel)
	if err != nil {
		return -1, err
	}
	if row >= 0 {
		return row, nil
	}
	row, err = t.AddRow()
	if err != nil {
		return -1, err
	}
	if sel.HasPK {
		pkCol := ap.primaryKeyColumn(t)
		if pkCol < 0 {
			return -1, Errorf(ErrInvalidPrimaryKey, "table has no primary-key column")
		}
		if err := ap.setCell(t, pkCol, row, sel.PK); err != nil {
			return -1, err
		}
		return row, nil
	}
	hi := t.Spec().ColumnIndex(keyHiColumn)
	lo := t.Spec().ColumnIndex(keyLoColumn)
	if hi < 0 || lo < 0 {
		return -1, Errorf(ErrBadChangeset, "table lacks key columns")
	}
	if err := t.SetInt(hi, row, int64(sel.Key.Hi)); err != nil {
		return -1, err
	}
	if err := t.SetInt(lo, row, int64(sel.Key.Lo)); err != nil {
		return -1, err
	}
	return row, nil
}

// findObject resolves a selector to a row, -1 when absent.
func (ap *DBApplier) findObject(t *Table, sel *ObjectSelector) (int, error) {
	if sel.HasPK {
		pkCol := ap.primaryKeyColumn(t)
		if pkCol < 0 {
			return -1, Errorf(ErrInvalidPrimaryKey, "table has no primary-key column")
		}
		switch sel.PK.Kind {
		case KindInt:
			return t.FindFirstInt(pkCol, sel.PK.Int)
		case KindString:
			return t.FindFirstString(pkCol, sel.PK.Str)
		}
		return -1, Errorf(ErrInvalidPrimaryKey, "primary key kind %d", sel.PK.Kind)
	}
	hi := t.Spec().ColumnIndex(keyHiColumn)
	lo := t.Spec().ColumnIndex(keyLoColumn)
	if hi < 0 || lo < 0 {
		return -1, Errorf(ErrBadChangeset, "table lacks key columns")
	}
	for row := 0; row < t.RowCount(); row++ {
		gotHi, err := t.GetInt(hi, row)
		if err != nil {
			return -1, err
		}
		if uint64(gotHi) != sel.Key.Hi {
			continue
		}
		gotLo, err := t.GetInt(lo, row)
		if err != nil {
			return -1, err
		}
		if uint64(gotLo) == sel.Key.Lo {
			return row, nil
		}
	}
	return -1, nil
}

func (ap *DBApplier) primaryKeyColumn(t *Table) int {
	for i := range t.Spec().Columns {
		if t.Spec().Columns[i].Attr&AttrPrimaryKey != 0 {
			return i
		}
	}
	return -1
}

// setCell writes a dynamic value into a typed column.
func (ap *DBApplier) setCell(t *Table, col, row int, v Value) error {
	switch t.Spec().Columns[col].Type {
	case TypeInt, TypeDateTime:
		return t.SetInt(col, row, v.Int)
	case TypeBool:
		return t.SetBool(col, row, v.Int != 0)
	case TypeFloat, TypeDouble:
		return t.SetFloat(col, row, v.Float)
	case TypeString:
		return t.SetString(col, row, v.Str)
	case TypeMixed:
		return t.SetValue(col, row, v)
	}
	return Errorf(ErrBadChangeset, "value kind %d into %s column",
		v.Kind, t.Spec().Columns[col].Type)
}

// applyCollection mutates a collection held in a mixed cell.
func (ap *DBApplier) applyCollection(t *Table, col, row int, in *Instruction) error {
	cur, err := t.GetValue(col, row)
	if err != nil {
		return err
	}
	switch in.Op {
	case OpArrayInsert, OpArraySet, OpArrayErase, OpArrayMove:
		if cur.Kind != KindList {
			cur = Value{Kind: KindList}
		}
		switch in.Op {
		case OpArrayInsert:
			if in.Index > len(cur.List) {
				return Errorf(ErrBadChangeset, "array insert at %d of %d", in.Index, len(cur.List))
			}
			cur.List = append(cur.List, Value{})
			copy(cur.List[in.Index+1:], cur.List[in.Index:])
			cur.List[in.Index] = in.Value
		case OpArraySet:
			if in.Index >= len(cur.List) {
				return Errorf(ErrBadChangeset, "array set at %d of %d", in.Index, len(cur.List))
			}
			cur.List[in.Index] = in.Value
		case OpArrayErase:
			if in.Index >= len(cur.List) {
				return Errorf(ErrBadChangeset, "array erase at %d of %d", in.Index, len(cur.List))
			}
			cur.List = append(cur.List[:in.Index], cur.List[in.Index+1:]...)
		case OpArrayMove:
			if in.Index >= len(cur.List) || in.ToIndex >= len(cur.List) {
				return Errorf(ErrBadChangeset, "array move %d→%d of %d", in.Index, in.ToIndex, len(cur.List))
			}
			v := cur.List[in.Index]
			cur.List = append(cur.List[:in.Index], cur.List[in.Index+1:]...)
			cur.List = append(cur.List, Value{})
			copy(cur.List[in.ToIndex+1:], cur.List[in.ToIndex:])
			cur.List[in.ToIndex] = v
		}
	case OpSetInsert, OpSetErase:
		if cur.Kind != KindSet {
			cur = Value{Kind: KindSet}
		}
		at := -1
		for i := range cur.List {
			if cur.List[i].Equal(in.Value) {
				at = i
				break
			}
		}
		if in.Op == OpSetInsert && at < 0 {
			cur.List = append(cur.List, in.Value)
		}
		if in.Op == OpSetErase && at >= 0 {
			cur.List = append(cur.List[:at], cur.List[at+1:]...)
		}
	case OpDictInsert, OpDictUpdate:
		if cur.Kind != KindDict {
			cur = Value{Kind: KindDict}
		}
		cur.DictSet(in.DictKey, in.Value)
	case OpDictErase:
		if cur.Kind != KindDict {
			return nil
		}
		cur.DictErase(in.DictKey)
	}
	return t.SetValue(col, row, cur)
}
