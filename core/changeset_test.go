package core

import (
	"bytes"
	"testing"
)

func sampleChangeset() *Changeset {
	cs := &Changeset{}
	people := cs.Intern("people")
	name := cs.Intern("name")
	tags := cs.Intern("tags")
	cs.Instructions = []Instruction{
		{Op: OpAddTable, Table: people},
		{Op: OpAddColumn, Table: people, Field: name, PayloadType: TypeString},
		{Op: OpCreateObject, Table: people, Object: ObjectSelector{Key: GlobalKey{Hi: 7, Lo: 1}}},
		{Op: OpUpdate, Table: people, Field: name,
			Object: ObjectSelector{Key: GlobalKey{Hi: 7, Lo: 1}},
			Value:  StringVal("ada")},
		{Op: OpArrayInsert, Table: people, Field: tags,
			Object: ObjectSelector{Key: GlobalKey{Hi: 7, Lo: 1}},
			Index:  0, Value: IntVal(3)},
		{Op: OpDictInsert, Table: people, Field: tags,
			Object:  ObjectSelector{Key: GlobalKey{Hi: 7, Lo: 1}},
			DictKey: "level", Value: DoubleVal(1.5)},
		{Op: OpSetInsert, Table: people, Field: tags,
			Object: ObjectSelector{Key: GlobalKey{Hi: 7, Lo: 1}},
			Value: LinkVal(Link{Table: "people", Key: GlobalKey{Hi: 0, Lo: 4}})},
		{Op: OpEraseObject, Table: people, Object: ObjectSelector{HasPK: true, PK: IntVal(12)}},
	}
	return cs
}

func TestChangesetRoundTrip(t *testing.T) {
	cs := sampleChangeset()
	encoded := EncodeChangeset(cs)
	back, err := ParseChangeset(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cs.Equal(back) {
		t.Fatalf("round-trip mismatch:\n%+v\n%+v", cs, back)
	}
	// Canonical stability: encode(parse(encode)) == encode.
	again := EncodeChangeset(back)
	if !bytes.Equal(encoded, again) {
		t.Fatal("re-encoding is not stable")
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	cs := sampleChangeset()
	encoded := EncodeChangeset(cs)
	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Truncated", encoded[:len(encoded)/2]},
		{"Trailing", append(append([]byte{}, encoded...), 0xFF)},
		{"BadOp", []byte{0, 1, 99}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseChangeset(tc.data); !IsKind(err, ErrBadChangeset) {
				t.Fatalf("expected BadChangeset, got %v", err)
			}
		})
	}
}

func FuzzChangesetParse(f *testing.F) {
	f.Add(EncodeChangeset(sampleChangeset()))
	f.Add([]byte{})
	f.Add([]byte{1, 2, 3})
	f.Fuzz(func(t *testing.T, data []byte) {
		cs, err := ParseChangeset(data)
		if err != nil {
			return
		}
		// Anything that parses must re-encode and re-parse to equality.
		back, err := ParseChangeset(EncodeChangeset(cs))
		if err != nil {
			t.Fatalf("re-parse: %v", err)
		}
		if !cs.Equal(back) {
			t.Fatal("parse/encode not stable")
		}
	})
}

func TestRewriteFileIdent(t *testing.T) {
	cs := sampleChangeset()
	cs.RewriteFileIdent(42)
	// Zero-hi global keys rewrite, assigned ones stay.
	for _, in := range cs.Instructions {
		if !in.Object.HasPK && in.Object.Key.Hi == 0 && in.Object.Key.Lo != 0 {
			t.Fatalf("selector %v not rewritten", in.Object.Key)
		}
	}
	link := cs.Instructions[6].Value.Link
	if link.Key.Hi != 42 {
		t.Fatalf("payload link hi = %d, want 42", link.Key.Hi)
	}
	if cs.Instructions[3].Object.Key.Hi != 7 {
		t.Fatal("already-assigned selector must not change")
	}
}

func TestMergeChangesets(t *testing.T) {
	a := &Changeset{Timestamp: 10, OriginFileIdent: 3}
	ta := a.Intern("t")
	a.Instructions = []Instruction{{Op: OpAddTable, Table: ta}}
	b := &Changeset{Timestamp: 20, OriginFileIdent: 3}
	tb := b.Intern("t")
	fb := b.Intern("f")
	b.Instructions = []Instruction{{Op: OpAddColumn, Table: tb, Field: fb, PayloadType: TypeInt}}

	m := MergeChangesets([]*Changeset{a, b})
	if len(m.Instructions) != 2 || m.Timestamp != 20 {
		t.Fatalf("merged = %+v", m)
	}
	tbl0, _ := m.StringAt(m.Instructions[0].Table)
	tbl1, _ := m.StringAt(m.Instructions[1].Table)
	if tbl0 != "t" || tbl1 != "t" {
		t.Fatalf("intern remap broken: %q %q", tbl0, tbl1)
	}
	fld, _ := m.StringAt(m.Instructions[1].Field)
	if fld != "f" {
		t.Fatalf("field remap broken: %q", fld)
	}
}
