package core

// core/value.go — dynamically typed values.
//
// Value is the exchange currency between mixed columns, changeset
// payloads and the inter-file converter.  Collection values (list, set,
// dictionary) nest recursively; persisted mixed cells serialize the
// whole tree through encodeValue/decodeValue.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// ValueKind tags a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindInt
	KindBool
	KindFloat
	KindDouble
	KindString
	KindBinary
	KindDateTime
	KindLink
	KindObjectID
	KindUUID
	KindDecimal128
	KindList
	KindSet
	KindDict
)

// GlobalKey identifies an object across files: the upper half names the
// originating peer, the lower half is a peer-local sequence number.
type GlobalKey struct {
	Hi uint64 // peer ident
	Lo uint64 // sequence
}

func (k GlobalKey) String() string { return fmt.Sprintf("{%d,%d}", k.Hi, k.Lo) }

// Link targets an object either by primary key or by global key.
type Link struct {
	Table string
	// HasPK selects the primary-key form.
	HasPK bool
	PK    Value // primary-key value (scalar)
	Key   GlobalKey
}

// Value is one dynamically typed cell.
type Value struct {
	Kind  ValueKind
	Int   int64 // Int, Bool (0/1), DateTime (unix nanos)
	Float float64
	Str   string // String, ObjectID, UUID, Decimal128 textual forms
	Bytes []byte
	Link  *Link

	List []Value
	Dict []DictEntry // ascending key order
}

// DictEntry is one dictionary pair; Dict slices stay sorted by Key.
type DictEntry struct {
	Key string
	Val Value
}

// IntVal builds an int value.
func IntVal(v int64) Value { return Value{Kind: KindInt, Int: v} }

// BoolVal builds a bool value.
func BoolVal(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.Int = 1
	}
	return v
}

// StringVal builds a string value.
func StringVal(s string) Value { return Value{Kind: KindString, Str: s} }

// DoubleVal builds a double value.
func DoubleVal(f float64) Value { return Value{Kind: KindDouble, Float: f} }

// LinkVal builds a link value.
func LinkVal(l Link) Value { return Value{Kind: KindLink, Link: &l} }

// NullVal is the null value.
func NullVal() Value { return Value{Kind: KindNull} }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// Equal is deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt, KindBool, KindDateTime:
		return v.Int == o.Int
	case KindFloat, KindDouble:
		// Bit equality so NaN payloads survive round-trips.
		return math.Float64bits(v.Float) == math.Float64bits(o.Float)
	case KindString, KindObjectID, KindUUID, KindDecimal128:
		return v.Str == o.Str
	case KindBinary:
		return bytes.Equal(v.Bytes, o.Bytes)
	case KindLink:
		if v.Link == nil || o.Link == nil {
			return v.Link == o.Link
		}
		if v.Link.Table != o.Link.Table || v.Link.HasPK != o.Link.HasPK {
			return false
		}
		if v.Link.HasPK {
			return v.Link.PK.Equal(o.Link.PK)
		}
		return v.Link.Key == o.Link.Key
	case KindList, KindSet:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].Equal(o.List[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.Dict) != len(o.Dict) {
			return false
		}
		for i := range v.Dict {
			if v.Dict[i].Key != o.Dict[i].Key || !v.Dict[i].Val.Equal(o.Dict[i].Val) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders scalar values; collections order by kind only.  Used by
// set merge walks, which forbid collection elements anyway.
func (v Value) Compare(o Value) int {
	if v.Kind != o.Kind {
		return int(v.Kind) - int(o.Kind)
	}
	switch v.Kind {
	case KindInt, KindBool, KindDateTime:
		switch {
		case v.Int < o.Int:
			return -1
		case v.Int > o.Int:
			return 1
		}
		return 0
	case KindFloat, KindDouble:
		switch {
		case v.Float < o.Float:
			return -1
		case v.Float > o.Float:
			return 1
		}
		return 0
	case KindString, KindObjectID, KindUUID, KindDecimal128:
		switch {
		case v.Str < o.Str:
			return -1
		case v.Str > o.Str:
			return 1
		}
		return 0
	case KindBinary:
		return bytes.Compare(v.Bytes, o.Bytes)
	case KindLink:
		if v.Link == nil || o.Link == nil {
			return 0
		}
		if c := compareStr(v.Link.Table, o.Link.Table); c != 0 {
			return c
		}
		if v.Link.HasPK && o.Link.HasPK {
			return v.Link.PK.Compare(o.Link.PK)
		}
		if v.Link.Key.Hi != o.Link.Key.Hi {
			if v.Link.Key.Hi < o.Link.Key.Hi {
				return -1
			}
			return 1
		}
		if v.Link.Key.Lo != o.Link.Key.Lo {
			if v.Link.Key.Lo < o.Link.Key.Lo {
				return -1
			}
			return 1
		}
		return 0
	}
	return 0
}

func compareStr(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// DictGet finds a key in a sorted Dict slice.
func (v Value) DictGet(key string) (Value, bool) {
	i := sort.Search(len(v.Dict), func(i int) bool { return v.Dict[i].Key >= key })
	if i < len(v.Dict) && v.Dict[i].Key == key {
		return v.Dict[i].Val, true
	}
	return Value{}, false
}

// DictSet inserts or replaces a key, keeping ascending order.
func (v *Value) DictSet(key string, val Value) {
	i := sort.Search(len(v.Dict), func(i int) bool { return v.Dict[i].Key >= key })
	if i < len(v.Dict) && v.Dict[i].Key == key {
		v.Dict[i].Val = val
		return
	}
	v.Dict = append(v.Dict, DictEntry{})
	copy(v.Dict[i+1:], v.Dict[i:])
	v.Dict[i] = DictEntry{Key: key, Val: val}
}

// DictErase removes a key if present.
func (v *Value) DictErase(key string) bool {
	i := sort.Search(len(v.Dict), func(i int) bool { return v.Dict[i].Key >= key })
	if i < len(v.Dict) && v.Dict[i].Key == key {
		v.Dict = append(v.Dict[:i], v.Dict[i+1:]...)
		return true
	}
	return false
}

// --------------------------------------------------------------------
// Serialization — varint tag + payload, recursive for collections.
// --------------------------------------------------------------------

func encodeValue(buf *bytes.Buffer, v Value) {
	writeUvarint(buf, uint64(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindInt, KindBool, KindDateTime:
		writeVarint(buf, v.Int)
	case KindFloat, KindDouble:
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float))
		buf.Write(tmp[:])
	case KindString, KindObjectID, KindUUID, KindDecimal128:
		writeUvarint(buf, uint64(len(v.Str)))
		buf.WriteString(v.Str)
	case KindBinary:
		writeUvarint(buf, uint64(len(v.Bytes)))
		buf.Write(v.Bytes)
	case KindLink:
		writeUvarint(buf, uint64(len(v.Link.Table)))
		buf.WriteString(v.Link.Table)
		if v.Link.HasPK {
			buf.WriteByte(1)
			encodeValue(buf, v.Link.PK)
		} else {
			buf.WriteByte(0)
			writeUvarint(buf, v.Link.Key.Hi)
			writeUvarint(buf, v.Link.Key.Lo)
		}
	case KindList, KindSet:
		writeUvarint(buf, uint64(len(v.List)))
		for _, e := range v.List {
			encodeValue(buf, e)
		}
	case KindDict:
		writeUvarint(buf, uint64(len(v.Dict)))
		for _, e := range v.Dict {
			writeUvarint(buf, uint64(len(e.Key)))
			buf.WriteString(e.Key)
			encodeValue(buf, e.Val)
		}
	}
}

func decodeValue(r *bytes.Reader) (Value, error) {
	kind, err := binary.ReadUvarint(r)
	if err != nil {
		return Value{}, WrapError(ErrBadChangeset, err)
	}
	v := Value{Kind: ValueKind(kind)}
	switch v.Kind {
	case KindNull:
	case KindInt, KindBool, KindDateTime:
		v.Int, err = binary.ReadVarint(r)
		if err != nil {
			return Value{}, WrapError(ErrBadChangeset, err)
		}
	case KindFloat, KindDouble:
		var tmp [8]byte
		if _, err := readFull(r, tmp[:]); err != nil {
			return Value{}, err
		}
		v.Float = math.Float64frombits(binary.LittleEndian.Uint64(tmp[:]))
	case KindString, KindObjectID, KindUUID, KindDecimal128:
		s, err := readLenString(r)
		if err != nil {
			return Value{}, err
		}
		v.Str = s
	case KindBinary:
		b, err := readLenBytes(r)
		if err != nil {
			return Value{}, err
		}
		v.Bytes = b
	case KindLink:
		table, err := readLenString(r)
		if err != nil {
			return Value{}, err
		}
		form, err := r.ReadByte()
		if err != nil {
			return Value{}, WrapError(ErrBadChangeset, err)
		}
		l := Link{Table: table}
		if form == 1 {
			l.HasPK = true
			l.PK, err = decodeValue(r)
			if err != nil {
				return Value{}, err
			}
		} else {
			l.Key.Hi, err = binary.ReadUvarint(r)
			if err != nil {
				return Value{}, WrapError(ErrBadChangeset, err)
			}
			l.Key.Lo, err = binary.ReadUvarint(r)
			if err != nil {
				return Value{}, WrapError(ErrBadChangeset, err)
			}
		}
		v.Link = &l
	case KindList, KindSet:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, WrapError(ErrBadChangeset, err)
		}
		v.List = make([]Value, 0, n)
		for j := uint64(0); j < n; j++ {
			e, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			v.List = append(v.List, e)
		}
	case KindDict:
		n, err := binary.ReadUvarint(r)
		if err != nil {
			return Value{}, WrapError(ErrBadChangeset, err)
		}
		v.Dict = make([]DictEntry, 0, n)
		for j := uint64(0); j < n; j++ {
			key, err := readLenString(r)
			if err != nil {
				return Value{}, err
			}
			e, err := decodeValue(r)
			if err != nil {
				return Value{}, err
			}
			v.Dict = append(v.Dict, DictEntry{Key: key, Val: e})
		}
	default:
		return Value{}, Errorf(ErrBadChangeset, "unknown value kind %d", kind)
	}
	return v, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readFull(r *bytes.Reader, out []byte) (int, error) {
	n, err := r.Read(out)
	if err != nil || n != len(out) {
		return n, Errorf(ErrBadChangeset, "short read")
	}
	return n, nil
}

func readLenBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, WrapError(ErrBadChangeset, err)
	}
	if n > uint64(r.Len()) {
		return nil, Errorf(ErrBadChangeset, "length %d exceeds remaining %d", n, r.Len())
	}
	out := make([]byte, n)
	if n > 0 {
		if _, err := readFull(r, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readLenString(r *bytes.Reader) (string, error) {
	b, err := readLenBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
