package core

import "testing"

func updateInstr(cs *Changeset, table, field string, key GlobalKey, v Value) Instruction {
	return Instruction{
		Op:     OpUpdate,
		Table:  cs.Intern(table),
		Field:  cs.Intern(field),
		Object: ObjectSelector{Key: key},
		Value:  v,
	}
}

func TestTransformLastWriterWins(t *testing.T) {
	key := GlobalKey{Hi: 1, Lo: 1}
	tests := []struct {
		name               string
		localTS, remoteTS  int64
		localOrigin        uint64
		remoteOrigin       uint64
		remoteSurvives     bool
	}{
		{"RemoteNewer", 100, 200, 2, 3, true},
		{"LocalNewer", 200, 100, 2, 3, false},
		{"TieRemoteHigherOrigin", 100, 100, 2, 3, true},
		{"TieLocalHigherOrigin", 100, 100, 3, 2, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			local := &Changeset{Timestamp: tc.localTS, OriginFileIdent: tc.localOrigin}
			local.Instructions = []Instruction{updateInstr(local, "t", "f", key, IntVal(1))}
			remote := &Changeset{Timestamp: tc.remoteTS, OriginFileIdent: tc.remoteOrigin}
			remote.Instructions = []Instruction{updateInstr(remote, "t", "f", key, IntVal(2))}

			if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
				t.Fatalf("transform: %v", err)
			}
			if got := len(remote.Instructions) == 1; got != tc.remoteSurvives {
				t.Fatalf("remote survives = %v, want %v", got, tc.remoteSurvives)
			}
		})
	}
}

func TestTransformDifferentFieldsUntouched(t *testing.T) {
	key := GlobalKey{Hi: 1, Lo: 1}
	local := &Changeset{Timestamp: 300, OriginFileIdent: 2}
	local.Instructions = []Instruction{updateInstr(local, "t", "a", key, IntVal(1))}
	remote := &Changeset{Timestamp: 100, OriginFileIdent: 3}
	remote.Instructions = []Instruction{updateInstr(remote, "t", "b", key, IntVal(2))}
	if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(remote.Instructions) != 1 {
		t.Fatal("update on a different field must survive")
	}
}

func TestTransformEraseObjectDropsUpdates(t *testing.T) {
	key := GlobalKey{Hi: 1, Lo: 1}
	local := &Changeset{Timestamp: 100, OriginFileIdent: 2}
	local.Instructions = []Instruction{{
		Op: OpEraseObject, Table: local.Intern("t"),
		Object: ObjectSelector{Key: key},
	}}
	remote := &Changeset{Timestamp: 500, OriginFileIdent: 3}
	remote.Instructions = []Instruction{updateInstr(remote, "t", "f", key, IntVal(2))}
	if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(remote.Instructions) != 0 {
		t.Fatal("update on a locally erased object must drop")
	}
}

func TestTransformArrayIndexShift(t *testing.T) {
	key := GlobalKey{Hi: 1, Lo: 1}
	mk := func(op InstrOp, ts int64, origin uint64, index int) *Changeset {
		cs := &Changeset{Timestamp: ts, OriginFileIdent: origin}
		cs.Instructions = []Instruction{{
			Op: op, Table: cs.Intern("t"), Field: cs.Intern("list"),
			Object: ObjectSelector{Key: key}, Index: index,
		}}
		return cs
	}

	// Local insert at 1 shifts a remote insert at 3 to 4.
	local := mk(OpArrayInsert, 100, 2, 1)
	remote := mk(OpArrayInsert, 200, 3, 3)
	if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if remote.Instructions[0].Index != 4 {
		t.Fatalf("index = %d, want 4", remote.Instructions[0].Index)
	}

	// Local erase at 0 shifts a remote erase at 2 down to 1.
	local = mk(OpArrayErase, 100, 2, 0)
	remote = mk(OpArrayErase, 200, 3, 2)
	if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if remote.Instructions[0].Index != 1 {
		t.Fatalf("index = %d, want 1", remote.Instructions[0].Index)
	}

	// Both erase the same element: the remote erase disappears.
	local = mk(OpArrayErase, 100, 2, 5)
	remote = mk(OpArrayErase, 200, 3, 5)
	if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(remote.Instructions) != 0 {
		t.Fatal("double erase must collapse to one")
	}
}

func TestTransformSameOriginSkipped(t *testing.T) {
	key := GlobalKey{Hi: 1, Lo: 1}
	local := &Changeset{Timestamp: 900, OriginFileIdent: 3}
	local.Instructions = []Instruction{updateInstr(local, "t", "f", key, IntVal(1))}
	remote := &Changeset{Timestamp: 100, OriginFileIdent: 3}
	remote.Instructions = []Instruction{updateInstr(remote, "t", "f", key, IntVal(2))}
	if err := TransformRemote([]*Changeset{local}, []*Changeset{remote}); err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(remote.Instructions) != 1 {
		t.Fatal("changesets from the same peer never transform against each other")
	}
}

func TestMapAcrossMove(t *testing.T) {
	tests := []struct {
		i, src, dst, want int
	}{
		{2, 2, 5, 5}, // the moved element follows
		{3, 2, 5, 2}, // inside the forward span shifts down
		{6, 2, 5, 6}, // outside untouched
		{4, 5, 2, 5}, // inside the backward span shifts up
		{1, 5, 2, 1},
	}
	for _, tc := range tests {
		if got := mapAcrossMove(tc.i, tc.src, tc.dst); got != tc.want {
			t.Fatalf("map(%d across %d→%d) = %d, want %d", tc.i, tc.src, tc.dst, got, tc.want)
		}
	}
}
