package core

// core/spec_schema.go — per-table schema: ordered column descriptors with
// nested specs for subtable columns and key dictionaries for enum-string
// columns.
//
// Persisted layout (a has_refs array of four children):
//   0: names        — has_refs array of name blobs
//   1: types        — plain array of DataType values
//   2: attrs        — plain array of ColAttr bitmasks
//   3: subspecs     — has_refs array, per column: sub-spec ref for Table
//      columns, enum-keys ref for enum-string columns, zero otherwise.

// DataType enumerates column element types.
type DataType int

const (
	TypeInt DataType = iota
	TypeBool
	TypeDateTime
	TypeFloat
	TypeDouble
	TypeString
	TypeBinary
	TypeTable
	TypeMixed
	TypeObjectID
	TypeUUID
	TypeDecimal128
	TypeLink
	TypeLinkingObjects
)

func (t DataType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeBool:
		return "bool"
	case TypeDateTime:
		return "datetime"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBinary:
		return "binary"
	case TypeTable:
		return "table"
	case TypeMixed:
		return "mixed"
	case TypeObjectID:
		return "objectid"
	case TypeUUID:
		return "uuid"
	case TypeDecimal128:
		return "decimal128"
	case TypeLink:
		return "link"
	case TypeLinkingObjects:
		return "linkingobjects"
	}
	return "unknown"
}

// ColAttr is a bitmask of column attributes.
type ColAttr int

const (
	AttrNone          ColAttr = 0
	AttrIndexed       ColAttr = 1 << 0
	AttrNullable      ColAttr = 1 << 1
	AttrPrimaryKey    ColAttr = 1 << 2
	AttrFullTextIndex ColAttr = 1 << 3
	attrEnumString    ColAttr = 1 << 4 // set by Table.Optimize
)

// ColumnSpec describes one column.
type ColumnSpec struct {
	Name    string
	Type    DataType
	Attr    ColAttr
	SubSpec *Spec // Table columns only
	enumRef Ref   // enum-string key array, persisted side-slot
}

// Spec is the ordered schema of a table.
type Spec struct {
	Columns []ColumnSpec
}

// ColumnIndex returns the position of the named column, or -1.
func (s *Spec) ColumnIndex(name string) int {
	for i := range s.Columns {
		if s.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

// Equal reports structural schema equality, names and types and attrs,
// recursing into sub-specs.
func (s *Spec) Equal(o *Spec) bool {
	if len(s.Columns) != len(o.Columns) {
		return false
	}
	for i := range s.Columns {
		a, b := &s.Columns[i], &o.Columns[i]
		if a.Name != b.Name || a.Type != b.Type || a.Attr != b.Attr {
			return false
		}
		switch {
		case a.SubSpec == nil && b.SubSpec == nil:
		case a.SubSpec != nil && b.SubSpec != nil:
			if !a.SubSpec.Equal(b.SubSpec) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// writeTo persists the spec and returns its ref.
func (s *Spec) writeTo(alloc Alloc) (Ref, error) {
	names, err := NewArray(alloc, false, true)
	if err != nil {
		return 0, err
	}
	types, err := NewArray(alloc, false, false)
	if err != nil {
		return 0, err
	}
	attrs, err := NewArray(alloc, false, false)
	if err != nil {
		return 0, err
	}
	subs, err := NewArray(alloc, false, true)
	if err != nil {
		return 0, err
	}
	for i := range s.Columns {
		c := &s.Columns[i]
		nameRef, err := allocBlob(alloc, []byte(c.Name))
		if err != nil {
			return 0, err
		}
		if err := names.Append(int64(nameRef)); err != nil {
			return 0, err
		}
		if err := types.Append(int64(c.Type)); err != nil {
			return 0, err
		}
		if err := attrs.Append(int64(c.Attr)); err != nil {
			return 0, err
		}
		var side Ref
		switch {
		case c.Type == TypeTable && c.SubSpec != nil:
			side, err = c.SubSpec.writeTo(alloc)
			if err != nil {
				return 0, err
			}
		case c.Attr&attrEnumString != 0:
			side = c.enumRef
		}
		if err := subs.Append(int64(side)); err != nil {
			return 0, err
		}
	}
	top, err := NewArray(alloc, false, true)
	if err != nil {
		return 0, err
	}
	for _, child := range [...]Ref{names.Ref(), types.Ref(), attrs.Ref(), subs.Ref()} {
		if err := top.Append(int64(child)); err != nil {
			return 0, err
		}
	}
	return top.Ref(), nil
}

// loadSpec reads a persisted spec.
func loadSpec(alloc Alloc, ref Ref) (*Spec, error) {
	top, err := InitArray(alloc, ref)
	if err != nil {
		return nil, err
	}
	if top.Size() != 4 {
		return nil, Errorf(ErrCorruption, "spec with %d slots", top.Size())
	}
	names, err := InitArray(alloc, Ref(top.get(0)))
	if err != nil {
		return nil, err
	}
	types, err := InitArray(alloc, Ref(top.get(1)))
	if err != nil {
		return nil, err
	}
	attrs, err := InitArray(alloc, Ref(top.get(2)))
	if err != nil {
		return nil, err
	}
	subs, err := InitArray(alloc, Ref(top.get(3)))
	if err != nil {
		return nil, err
	}
	n := names.Size()
	if types.Size() != n || attrs.Size() != n || subs.Size() != n {
		return nil, Errorf(ErrCorruption, "spec arrays desynchronized")
	}
	spec := &Spec{Columns: make([]ColumnSpec, n)}
	for i := 0; i < n; i++ {
		name, err := readString(alloc, Ref(names.get(i)))
		if err != nil {
			return nil, err
		}
		c := ColumnSpec{
			Name: name,
			Type: DataType(types.get(i)),
			Attr: ColAttr(attrs.get(i)),
		}
		side := Ref(subs.get(i))
		switch {
		case c.Type == TypeTable && side != 0:
			c.SubSpec, err = loadSpec(alloc, side)
			if err != nil {
				return nil, err
			}
		case c.Attr&attrEnumString != 0:
			c.enumRef = side
		}
		spec.Columns[i] = c
	}
	return spec, nil
}
