package core

// core/transform.go — operational transform of remote changesets against
// locally accepted history.
//
// The remote instruction stream is rewritten to be causally consistent
// with every local changeset committed after the remote peer's last
// integrated version.  Scalar conflicts resolve last-writer-wins with
// the (timestamp, origin file ident) pair as a total order; list index
// conflicts resolve by stable-position mapping.

// transformSide pairs a changeset with its resolved names so instruction
// targets compare across intern tables.
type transformSide struct {
	cs *Changeset
}

func (s transformSide) table(in *Instruction) string {
	name, _ := s.cs.StringAt(in.Table)
	return name
}

func (s transformSide) field(in *Instruction) string {
	switch in.Op {
	case OpAddTable, OpEraseTable, OpCreateObject, OpEraseObject:
		return ""
	}
	name, _ := s.cs.StringAt(in.Field)
	return name
}

// newerThan orders changesets for last-writer-wins: timestamp first,
// origin file ident as the tie-break.
func newerThan(aTime int64, aOrigin uint64, bTime int64, bOrigin uint64) bool {
	if aTime != bTime {
		return aTime > bTime
	}
	return aOrigin > bOrigin
}

// sameObject compares selectors.
func sameObject(a, b *ObjectSelector) bool {
	if a.HasPK != b.HasPK {
		return false
	}
	if a.HasPK {
		return a.PK.Equal(b.PK)
	}
	return a.Key == b.Key
}

// TransformRemote rewrites each remote changeset against the local
// changesets it has not observed.  Local history is not modified; the
// remote changesets are edited in place.  Every conflict resolves by
// dropping or shifting remote instructions; no instruction pair is
// reported as an error, so the returned error is always nil.
func TransformRemote(local []*Changeset, remote []*Changeset) error {
	for _, r := range remote {
		for _, l := range local {
			// A peer has observed everything at or below its
			// last-integrated version.
			if l.OriginFileIdent == r.OriginFileIdent {
				continue
			}
			if err := transformAgainst(l, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// transformAgainst rewrites remote against one unobserved local
// changeset.
func transformAgainst(local, remote *Changeset) error {
	ls := transformSide{cs: local}
	rs := transformSide{cs: remote}

	out := remote.Instructions[:0]
	for i := range remote.Instructions {
		rin := remote.Instructions[i]
		keep := true
		for j := range local.Instructions {
			lin := &local.Instructions[j]
			if ls.table(lin) != rs.table(&rin) {
				continue
			}
			switch lin.Op {
			case OpEraseTable:
				// Everything remote against an erased table drops,
				// except a concurrent re-create.
				if rin.Op != OpAddTable {
					keep = false
				}
			case OpEraseObject:
				if instrTargetsObject(&rin) && sameObject(&lin.Object, &rin.Object) &&
					rin.Op != OpCreateObject {
					keep = false
				}
			case OpUpdate:
				if rin.Op == OpUpdate && sameObject(&lin.Object, &rin.Object) &&
					ls.field(lin) == rs.field(&rin) {
					// Last writer wins; the loser's write drops.
					if newerThan(local.Timestamp, local.OriginFileIdent,
						remote.Timestamp, remote.OriginFileIdent) {
						keep = false
					}
				}
			case OpArrayInsert, OpArrayErase, OpArrayMove:
				if instrOnArray(&rin) && sameObject(&lin.Object, &rin.Object) &&
					ls.field(lin) == rs.field(&rin) {
					keep = transformArrayIndexes(lin, &rin,
						newerThan(local.Timestamp, local.OriginFileIdent,
							remote.Timestamp, remote.OriginFileIdent))
				}
			case OpDictInsert, OpDictUpdate:
				if (rin.Op == OpDictInsert || rin.Op == OpDictUpdate) &&
					sameObject(&lin.Object, &rin.Object) &&
					ls.field(lin) == rs.field(&rin) && lin.DictKey == rin.DictKey {
					if newerThan(local.Timestamp, local.OriginFileIdent,
						remote.Timestamp, remote.OriginFileIdent) {
						keep = false
					}
				}
			case OpDictErase:
				if (rin.Op == OpDictUpdate || rin.Op == OpDictErase) &&
					sameObject(&lin.Object, &rin.Object) &&
					ls.field(lin) == rs.field(&rin) && lin.DictKey == rin.DictKey {
					if newerThan(local.Timestamp, local.OriginFileIdent,
						remote.Timestamp, remote.OriginFileIdent) {
						keep = false
					}
				}
			}
			if !keep {
				break
			}
		}
		if keep {
			out = append(out, rin)
		}
	}
	remote.Instructions = out
	return nil
}

func instrTargetsObject(in *Instruction) bool {
	switch in.Op {
	case OpAddTable, OpEraseTable, OpAddColumn, OpEraseColumn:
		return false
	}
	return true
}

func instrOnArray(in *Instruction) bool {
	switch in.Op {
	case OpArrayInsert, OpArraySet, OpArrayErase, OpArrayMove:
		return true
	}
	return false
}

// transformArrayIndexes maps the remote list operation's indexes across
// one local list operation.  localWins breaks same-position insert ties.
// The return reports whether the remote instruction survives.
func transformArrayIndexes(local, remote *Instruction, localWins bool) bool {
	switch local.Op {
	case OpArrayInsert:
		shiftFrom := local.Index
		if remote.Index > shiftFrom || (remote.Index == shiftFrom && localWins) {
			remote.Index++
		}
		if remote.Op == OpArrayMove && (remote.ToIndex > shiftFrom ||
			(remote.ToIndex == shiftFrom && localWins)) {
			remote.ToIndex++
		}
	case OpArrayErase:
		if remote.Index == local.Index &&
			(remote.Op == OpArrayErase || remote.Op == OpArraySet) {
			// Both sides removed or the target vanished.
			return false
		}
		if remote.Index > local.Index {
			remote.Index--
		}
		if remote.Op == OpArrayMove && remote.ToIndex > local.Index {
			remote.ToIndex--
		}
	case OpArrayMove:
		remote.Index = mapAcrossMove(remote.Index, local.Index, local.ToIndex)
		if remote.Op == OpArrayMove {
			remote.ToIndex = mapAcrossMove(remote.ToIndex, local.Index, local.ToIndex)
		}
	}
	return true
}

// mapAcrossMove maps position i across a move from src to dst.
func mapAcrossMove(i, src, dst int) int {
	if i == src {
		return dst
	}
	if src < dst {
		if i > src && i <= dst {
			return i - 1
		}
		return i
	}
	if i >= dst && i < src {
		return i + 1
	}
	return i
}
