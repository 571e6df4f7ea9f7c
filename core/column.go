package core

// core/column.go — typed columns over B+-trees.
//
// Column is the narrow surface a table needs uniformly; type-specific
// operations live on the concrete column types and dispatch happens on
// the spec's DataType tag, not on a class hierarchy.

import (
	"bytes"
	"math"
)

// Column is the per-type capability every table column provides.
type Column interface {
	Size() (int, error)
	InsertDefault(i int) error
	EraseRow(i int) error
	MoveLastOver(i int) error
	ClearAll() error
	Ref() Ref
	WriteTo(sink BlockSink) (Ref, error)
}

// newColumn builds an empty column of the given type.
func newColumn(alloc Alloc, t DataType) (Column, error) {
	switch t {
	case TypeInt, TypeBool, TypeDateTime, TypeLink:
		tree, err := NewBPTree(alloc, false)
		if err != nil {
			return nil, err
		}
		switch t {
		case TypeBool:
			return &BoolColumn{IntColumn{alloc: alloc, tree: tree}}, nil
		case TypeLink:
			return &LinkColumn{IntColumn{alloc: alloc, tree: tree}}, nil
		default:
			return &IntColumn{alloc: alloc, tree: tree}, nil
		}
	case TypeFloat, TypeDouble:
		tree, err := NewBPTree(alloc, false)
		if err != nil {
			return nil, err
		}
		return &DoubleColumn{IntColumn{alloc: alloc, tree: tree}, t == TypeFloat}, nil
	case TypeString, TypeObjectID, TypeUUID, TypeDecimal128:
		tree, err := NewBPTree(alloc, true)
		if err != nil {
			return nil, err
		}
		return &StringColumn{blobColumn{alloc: alloc, tree: tree}}, nil
	case TypeBinary:
		tree, err := NewBPTree(alloc, true)
		if err != nil {
			return nil, err
		}
		return &BinaryColumn{blobColumn{alloc: alloc, tree: tree}}, nil
	case TypeTable:
		tree, err := NewBPTree(alloc, true)
		if err != nil {
			return nil, err
		}
		return &SubtableColumn{alloc: alloc, tree: tree}, nil
	case TypeMixed:
		tree, err := NewBPTree(alloc, true)
		if err != nil {
			return nil, err
		}
		return &MixedColumn{blobColumn{alloc: alloc, tree: tree}}, nil
	}
	return nil, Errorf(ErrInvalidColumnKey, "unsupported column type %s", t)
}

// initColumn attaches a column accessor to a persisted tree.
func initColumn(alloc Alloc, t DataType, ref Ref) (Column, error) {
	switch t {
	case TypeInt, TypeDateTime:
		return &IntColumn{alloc: alloc, tree: InitBPTree(alloc, ref, false)}, nil
	case TypeBool:
		return &BoolColumn{IntColumn{alloc: alloc, tree: InitBPTree(alloc, ref, false)}}, nil
	case TypeLink:
		return &LinkColumn{IntColumn{alloc: alloc, tree: InitBPTree(alloc, ref, false)}}, nil
	case TypeFloat, TypeDouble:
		return &DoubleColumn{IntColumn{alloc: alloc, tree: InitBPTree(alloc, ref, false)}, t == TypeFloat}, nil
	case TypeString, TypeObjectID, TypeUUID, TypeDecimal128:
		return &StringColumn{blobColumn{alloc: alloc, tree: InitBPTree(alloc, ref, true)}}, nil
	case TypeBinary:
		return &BinaryColumn{blobColumn{alloc: alloc, tree: InitBPTree(alloc, ref, true)}}, nil
	case TypeTable:
		return &SubtableColumn{alloc: alloc, tree: InitBPTree(alloc, ref, true)}, nil
	case TypeMixed:
		return &MixedColumn{blobColumn{alloc: alloc, tree: InitBPTree(alloc, ref, true)}}, nil
	}
	return nil, Errorf(ErrInvalidColumnKey, "unsupported column type %s", t)
}

// --------------------------------------------------------------------
// IntColumn — also the storage engine for bool, datetime and link
// --------------------------------------------------------------------

type IntColumn struct {
	alloc Alloc
	tree  *BPTree
}

func (c *IntColumn) Size() (int, error)      { return c.tree.Size() }
func (c *IntColumn) Ref() Ref                { return c.tree.Ref() }
func (c *IntColumn) InsertDefault(i int) error { return c.tree.Insert(i, 0) }
func (c *IntColumn) EraseRow(i int) error    { return c.tree.Erase(i) }
func (c *IntColumn) ClearAll() error         { return c.tree.Clear() }
func (c *IntColumn) WriteTo(sink BlockSink) (Ref, error) { return c.tree.WriteTo(sink) }

func (c *IntColumn) Get(i int) (int64, error)   { return c.tree.Get(i) }
func (c *IntColumn) Set(i int, v int64) error   { return c.tree.Set(i, v) }
func (c *IntColumn) Insert(i int, v int64) error { return c.tree.Insert(i, v) }
func (c *IntColumn) Append(v int64) error       { return c.tree.Append(v) }

// AddInt increments row i by diff; the read-modify-write runs under the
// owning write transaction's exclusivity.
func (c *IntColumn) AddInt(i int, diff int64) error {
	v, err := c.tree.Get(i)
	if err != nil {
		return err
	}
	return c.tree.Set(i, v+diff)
}

// MoveLastOver replaces row i with the last row and drops the last.
func (c *IntColumn) MoveLastOver(i int) error {
	size, err := c.tree.Size()
	if err != nil {
		return err
	}
	last := size - 1
	if i != last {
		v, err := c.tree.Get(last)
		if err != nil {
			return err
		}
		if err := c.tree.Set(i, v); err != nil {
			return err
		}
	}
	return c.tree.Erase(last)
}

func (c *IntColumn) FindFirst(v int64) (int, error) { return c.tree.FindFirst(v) }

// FindAll returns every row index holding v.
func (c *IntColumn) FindAll(v int64) ([]int, error) {
	var out []int
	err := c.tree.ForEach(func(i int, got int64) bool {
		if got == v {
			out = append(out, i)
		}
		return true
	})
	return out, err
}

// Count returns the number of rows equal to v.
func (c *IntColumn) Count(v int64) (int64, error) {
	var n int64
	err := c.tree.ForEach(func(_ int, got int64) bool {
		if got == v {
			n++
		}
		return true
	})
	return n, err
}

// Sum adds all rows.
func (c *IntColumn) Sum() (int64, error) {
	var sum int64
	err := c.tree.ForEach(func(_ int, v int64) bool { sum += v; return true })
	return sum, err
}

// Minimum returns (min, ok).
func (c *IntColumn) Minimum() (int64, bool, error) {
	var min int64
	found := false
	err := c.tree.ForEach(func(_ int, v int64) bool {
		if !found || v < min {
			min, found = v, true
		}
		return true
	})
	return min, found, err
}

// Maximum returns (max, ok).
func (c *IntColumn) Maximum() (int64, bool, error) {
	var max int64
	found := false
	err := c.tree.ForEach(func(_ int, v int64) bool {
		if !found || v > max {
			max, found = v, true
		}
		return true
	})
	return max, found, err
}

// Average returns (avg, ok); ok is false for an empty column.
func (c *IntColumn) Average() (float64, bool, error) {
	var sum int64
	n := 0
	err := c.tree.ForEach(func(_ int, v int64) bool { sum += v; n++; return true })
	if err != nil || n == 0 {
		return 0, false, err
	}
	return float64(sum) / float64(n), true, nil
}

// BoolColumn stores 0/1.
type BoolColumn struct{ IntColumn }

func (c *BoolColumn) GetBool(i int) (bool, error) {
	v, err := c.Get(i)
	return v != 0, err
}

func (c *BoolColumn) SetBool(i int, b bool) error {
	var v int64
	if b {
		v = 1
	}
	return c.Set(i, v)
}

// LinkColumn stores target row + 1; zero is the null link.
type LinkColumn struct{ IntColumn }

func (c *LinkColumn) GetLink(i int) (int, bool, error) {
	v, err := c.Get(i)
	if err != nil {
		return 0, false, err
	}
	if v == 0 {
		return 0, false, nil
	}
	return int(v - 1), true, nil
}

func (c *LinkColumn) SetLink(i, target int) error { return c.Set(i, int64(target)+1) }
func (c *LinkColumn) SetNull(i int) error          { return c.Set(i, 0) }

// DoubleColumn stores float bit patterns; isFloat narrows to 32 bits.
type DoubleColumn struct {
	IntColumn
	isFloat bool
}

func (c *DoubleColumn) GetFloat(i int) (float64, error) {
	v, err := c.Get(i)
	if err != nil {
		return 0, err
	}
	if c.isFloat {
		return float64(math.Float32frombits(uint32(v))), nil
	}
	return math.Float64frombits(uint64(v)), nil
}

func (c *DoubleColumn) SetFloat(i int, f float64) error {
	if c.isFloat {
		return c.Set(i, int64(math.Float32bits(float32(f))))
	}
	return c.Set(i, int64(math.Float64bits(f)))
}

// SumFloat adds all rows.
func (c *DoubleColumn) SumFloat() (float64, error) {
	var sum float64
	err := c.tree.ForEach(func(_ int, v int64) bool {
		if c.isFloat {
			sum += float64(math.Float32frombits(uint32(v)))
		} else {
			sum += math.Float64frombits(uint64(v))
		}
		return true
	})
	return sum, err
}

// --------------------------------------------------------------------
// Blob-backed columns: string, binary, mixed
// --------------------------------------------------------------------

// blobColumn stores per-row refs to raw-payload blocks; ref zero is the
// null cell.
type blobColumn struct {
	alloc Alloc
	tree  *BPTree
}

func (c *blobColumn) Size() (int, error)      { return c.tree.Size() }
func (c *blobColumn) Ref() Ref                { return c.tree.Ref() }
func (c *blobColumn) InsertDefault(i int) error { return c.tree.Insert(i, 0) }
func (c *blobColumn) WriteTo(sink BlockSink) (Ref, error) { return c.tree.WriteTo(sink) }

func (c *blobColumn) getRef(i int) (Ref, error) {
	v, err := c.tree.Get(i)
	if err != nil {
		return 0, err
	}
	return Ref(v), nil
}

func (c *blobColumn) setBytes(i int, data []byte, null bool) error {
	old, err := c.getRef(i)
	if err != nil {
		return err
	}
	var ref Ref
	if !null {
		ref, err = allocBlob(c.alloc, data)
		if err != nil {
			return err
		}
	}
	if err := c.tree.Set(i, int64(ref)); err != nil {
		return err
	}
	if old != 0 {
		c.alloc.Free(old)
	}
	return nil
}

func (c *blobColumn) getBytes(i int) ([]byte, bool, error) {
	ref, err := c.getRef(i)
	if err != nil {
		return nil, false, err
	}
	if ref == 0 {
		return nil, true, nil
	}
	b, err := readBlob(c.alloc, ref)
	return b, false, err
}

func (c *blobColumn) EraseRow(i int) error {
	ref, err := c.getRef(i)
	if err != nil {
		return err
	}
	if err := c.tree.Erase(i); err != nil {
		return err
	}
	if ref != 0 {
		c.alloc.Free(ref)
	}
	return nil
}

func (c *blobColumn) MoveLastOver(i int) error {
	size, err := c.tree.Size()
	if err != nil {
		return err
	}
	last := size - 1
	if i != last {
		old, err := c.getRef(i)
		if err != nil {
			return err
		}
		v, err := c.tree.Get(last)
		if err != nil {
			return err
		}
		if err := c.tree.Set(i, v); err != nil {
			return err
		}
		if old != 0 {
			c.alloc.Free(old)
		}
	}
	return c.tree.Erase(last)
}

// ClearAll drops every cell; Destroy under Clear frees the blobs the
// leaf refs point at.
func (c *blobColumn) ClearAll() error {
	return c.tree.Clear()
}

// StringColumn stores UTF-8 strings.
type StringColumn struct{ blobColumn }

func (c *StringColumn) GetString(i int) (string, error) {
	b, null, err := c.getBytes(i)
	if err != nil || null {
		return "", err
	}
	return string(b), nil
}

func (c *StringColumn) IsNull(i int) (bool, error) {
	ref, err := c.getRef(i)
	return ref == 0, err
}

func (c *StringColumn) SetString(i int, s string) error {
	return c.setBytes(i, []byte(s), false)
}

func (c *StringColumn) SetNull(i int) error { return c.setBytes(i, nil, true) }

// FindFirst scans for the first row equal to s.
func (c *StringColumn) FindFirst(s string) (int, error) {
	size, err := c.Size()
	if err != nil {
		return -1, err
	}
	for i := 0; i < size; i++ {
		got, err := c.GetString(i)
		if err != nil {
			return -1, err
		}
		null, err := c.IsNull(i)
		if err != nil {
			return -1, err
		}
		if !null && got == s {
			return i, nil
		}
	}
	return -1, nil
}

// Count returns the rows equal to s.
func (c *StringColumn) Count(s string) (int64, error) {
	size, err := c.Size()
	if err != nil {
		return 0, err
	}
	var n int64
	for i := 0; i < size; i++ {
		null, err := c.IsNull(i)
		if err != nil {
			return 0, err
		}
		if null {
			continue
		}
		got, err := c.GetString(i)
		if err != nil {
			return 0, err
		}
		if got == s {
			n++
		}
	}
	return n, nil
}

// BinaryColumn stores raw byte cells.
type BinaryColumn struct{ blobColumn }

func (c *BinaryColumn) GetBinary(i int) ([]byte, bool, error) { return c.getBytes(i) }

func (c *BinaryColumn) SetBinary(i int, data []byte) error {
	return c.setBytes(i, data, data == nil)
}

// MixedColumn stores serialized Value trees, one blob per row.
type MixedColumn struct{ blobColumn }

func (c *MixedColumn) GetValue(i int) (Value, error) {
	b, null, err := c.getBytes(i)
	if err != nil {
		return Value{}, err
	}
	if null {
		return NullVal(), nil
	}
	return decodeValue(bytes.NewReader(b))
}

func (c *MixedColumn) SetValue(i int, v Value) error {
	if v.IsNull() {
		return c.setBytes(i, nil, true)
	}
	var buf bytes.Buffer
	encodeValue(&buf, v)
	return c.setBytes(i, buf.Bytes(), false)
}

// --------------------------------------------------------------------
// SubtableColumn
// --------------------------------------------------------------------

// SubtableColumn stores per-row refs to nested column containers; the
// schema lives in the parent spec's SubSpec.  Ref zero is an empty
// subtable that materializes on first write.
type SubtableColumn struct {
	alloc Alloc
	tree  *BPTree
}

func (c *SubtableColumn) Size() (int, error)        { return c.tree.Size() }
func (c *SubtableColumn) Ref() Ref                  { return c.tree.Ref() }
func (c *SubtableColumn) InsertDefault(i int) error { return c.tree.Insert(i, 0) }
func (c *SubtableColumn) WriteTo(sink BlockSink) (Ref, error) { return c.tree.WriteTo(sink) }

func (c *SubtableColumn) EraseRow(i int) error {
	v, err := c.tree.Get(i)
	if err != nil {
		return err
	}
	if err := c.tree.Erase(i); err != nil {
		return err
	}
	if v != 0 {
		if sub, err2 := InitArray(c.alloc, Ref(v)); err2 == nil {
			sub.Destroy()
		}
	}
	return nil
}

func (c *SubtableColumn) MoveLastOver(i int) error {
	size, err := c.tree.Size()
	if err != nil {
		return err
	}
	last := size - 1
	if i != last {
		old, err := c.tree.Get(i)
		if err != nil {
			return err
		}
		v, err := c.tree.Get(last)
		if err != nil {
			return err
		}
		if err := c.tree.Set(i, v); err != nil {
			return err
		}
		if old != 0 {
			if sub, err2 := InitArray(c.alloc, Ref(old)); err2 == nil {
				sub.Destroy()
			}
		}
	}
	return c.tree.Erase(last)
}

// ClearAll drops every row; nested containers are freed by the
// recursive Destroy under Clear.
func (c *SubtableColumn) ClearAll() error {
	return c.tree.Clear()
}

// SubtableRef exposes the per-row container ref; zero means empty.
func (c *SubtableColumn) SubtableRef(i int) (Ref, error) {
	v, err := c.tree.Get(i)
	return Ref(v), err
}

func (c *SubtableColumn) setSubtableRef(i int, ref Ref) error {
	return c.tree.Set(i, int64(ref))
}
