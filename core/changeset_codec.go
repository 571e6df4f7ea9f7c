package core

// core/changeset_codec.go — the changeset wire form.
//
// Layout: string-table count, then length-prefixed strings, then the
// instruction count and the instructions.  Round-trip stable on
// canonical inputs; malformed input fails with ErrBadChangeset, never a
// panic.

import (
	"bytes"
	"encoding/binary"
)

// EncodeChangeset serializes cs.
func EncodeChangeset(cs *Changeset) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(cs.Strings)))
	for _, s := range cs.Strings {
		writeUvarint(&buf, uint64(len(s)))
		buf.WriteString(s)
	}
	writeUvarint(&buf, uint64(len(cs.Instructions)))
	for i := range cs.Instructions {
		encodeInstruction(&buf, &cs.Instructions[i])
	}
	return buf.Bytes()
}

func encodeInstruction(buf *bytes.Buffer, in *Instruction) {
	writeUvarint(buf, uint64(in.Op))
	writeUvarint(buf, uint64(in.Table))
	switch in.Op {
	case OpAddTable, OpEraseTable:
		return
	case OpAddColumn:
		writeUvarint(buf, uint64(in.Field))
		writeUvarint(buf, uint64(in.PayloadType))
		return
	case OpEraseColumn:
		writeUvarint(buf, uint64(in.Field))
		return
	}
	encodeSelector(buf, &in.Object)
	switch in.Op {
	case OpCreateObject, OpEraseObject:
		return
	}
	writeUvarint(buf, uint64(in.Field))
	switch in.Op {
	case OpUpdate:
		encodeValue(buf, in.Value)
	case OpArrayInsert, OpArraySet:
		writeUvarint(buf, uint64(in.Index))
		encodeValue(buf, in.Value)
	case OpArrayErase:
		writeUvarint(buf, uint64(in.Index))
	case OpArrayMove:
		writeUvarint(buf, uint64(in.Index))
		writeUvarint(buf, uint64(in.ToIndex))
	case OpSetInsert, OpSetErase:
		encodeValue(buf, in.Value)
	case OpDictInsert, OpDictUpdate:
		writeUvarint(buf, uint64(len(in.DictKey)))
		buf.WriteString(in.DictKey)
		encodeValue(buf, in.Value)
	case OpDictErase:
		writeUvarint(buf, uint64(len(in.DictKey)))
		buf.WriteString(in.DictKey)
	}
}

func encodeSelector(buf *bytes.Buffer, sel *ObjectSelector) {
	if sel.HasPK {
		buf.WriteByte(1)
		encodeValue(buf, sel.PK)
		return
	}
	buf.WriteByte(0)
	writeUvarint(buf, sel.Key.Hi)
	writeUvarint(buf, sel.Key.Lo)
}

// ParseChangeset decodes one changeset.
func ParseChangeset(data []byte) (*Changeset, error) {
	r := bytes.NewReader(data)
	cs := &Changeset{}
	nStrings, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, WrapError(ErrBadChangeset, err)
	}
	for i := uint64(0); i < nStrings; i++ {
		s, err := readLenString(r)
		if err != nil {
			return nil, err
		}
		cs.Strings = append(cs.Strings, s)
	}
	nInstr, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, WrapError(ErrBadChangeset, err)
	}
	for i := uint64(0); i < nInstr; i++ {
		in, err := decodeInstruction(r, len(cs.Strings))
		if err != nil {
			return nil, err
		}
		cs.Instructions = append(cs.Instructions, in)
	}
	if r.Len() != 0 {
		return nil, Errorf(ErrBadChangeset, "%d trailing bytes", r.Len())
	}
	return cs, nil
}

func decodeInstruction(r *bytes.Reader, nStrings int) (Instruction, error) {
	var in Instruction
	op, err := binary.ReadUvarint(r)
	if err != nil {
		return in, WrapError(ErrBadChangeset, err)
	}
	in.Op = InstrOp(op)
	if in.Op < OpCreateObject || in.Op > OpEraseColumn {
		return in, Errorf(ErrBadChangeset, "unknown op %d", op)
	}
	table, err := readIntern(r, nStrings)
	if err != nil {
		return in, err
	}
	in.Table = table
	switch in.Op {
	case OpAddTable, OpEraseTable:
		return in, nil
	case OpAddColumn:
		if in.Field, err = readIntern(r, nStrings); err != nil {
			return in, err
		}
		pt, err := binary.ReadUvarint(r)
		if err != nil {
			return in, WrapError(ErrBadChangeset, err)
		}
		in.PayloadType = DataType(pt)
		return in, nil
	case OpEraseColumn:
		in.Field, err = readIntern(r, nStrings)
		return in, err
	}
	if err := decodeSelector(r, &in.Object); err != nil {
		return in, err
	}
	switch in.Op {
	case OpCreateObject, OpEraseObject:
		return in, nil
	}
	if in.Field, err = readIntern(r, nStrings); err != nil {
		return in, err
	}
	switch in.Op {
	case OpUpdate:
		in.Value, err = decodeValue(r)
	case OpArrayInsert, OpArraySet:
		if in.Index, err = readIndex(r); err != nil {
			return in, err
		}
		in.Value, err = decodeValue(r)
	case OpArrayErase:
		in.Index, err = readIndex(r)
	case OpArrayMove:
		if in.Index, err = readIndex(r); err != nil {
			return in, err
		}
		in.ToIndex, err = readIndex(r)
	case OpSetInsert, OpSetErase:
		in.Value, err = decodeValue(r)
	case OpDictInsert, OpDictUpdate:
		if in.DictKey, err = readLenString(r); err != nil {
			return in, err
		}
		in.Value, err = decodeValue(r)
	case OpDictErase:
		in.DictKey, err = readLenString(r)
	}
	return in, err
}

func decodeSelector(r *bytes.Reader, sel *ObjectSelector) error {
	form, err := r.ReadByte()
	if err != nil {
		return WrapError(ErrBadChangeset, err)
	}
	switch form {
	case 1:
		sel.HasPK = true
		sel.PK, err = decodeValue(r)
		return err
	case 0:
		if sel.Key.Hi, err = binary.ReadUvarint(r); err != nil {
			return WrapError(ErrBadChangeset, err)
		}
		if sel.Key.Lo, err = binary.ReadUvarint(r); err != nil {
			return WrapError(ErrBadChangeset, err)
		}
		return nil
	}
	return Errorf(ErrBadChangeset, "bad selector form %d", form)
}

func readIntern(r *bytes.Reader, nStrings int) (InternString, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, WrapError(ErrBadChangeset, err)
	}
	if int(v) >= nStrings {
		return 0, Errorf(ErrBadChangeset, "intern id %d of %d", v, nStrings)
	}
	return InternString(v), nil
}

func readIndex(r *bytes.Reader) (int, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, WrapError(ErrBadChangeset, err)
	}
	return int(v), nil
}

// MergeChangesets concatenates a run of changesets into one, re-interning
// strings; used by history compaction and download batching.
func MergeChangesets(list []*Changeset) *Changeset {
	out := &Changeset{}
	for _, cs := range list {
		if out.Timestamp < cs.Timestamp {
			out.Timestamp = cs.Timestamp
		}
		out.OriginFileIdent = cs.OriginFileIdent
		for _, in := range cs.Instructions {
			ni := in
			if tbl, err := cs.StringAt(in.Table); err == nil {
				ni.Table = out.Intern(tbl)
			}
			switch in.Op {
			case OpAddTable, OpEraseTable, OpCreateObject, OpEraseObject:
			default:
				if f, err := cs.StringAt(in.Field); err == nil {
					ni.Field = out.Intern(f)
				}
			}
			out.Instructions = append(out.Instructions, ni)
		}
	}
	return out
}
