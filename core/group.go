package core

// core/group.go — the file root: table registry, free lists and version
// info, persisted as one has_refs array at the top-ref.
//
// Slots:
//   0: table-names  — has_refs array of name blobs
//   1: table-tops   — has_refs array of table refs
//   2: free-positions
//   3: free-sizes
//   4: free-versions — commit that freed each block
//   5: version-info  — [current version]
//   6: history ref   — zero when the file carries no sync history

const groupSlots = 7

// Group is the in-transaction view of the file root.
type Group struct {
	alloc      Alloc
	names      []string
	tableRefs  []Ref
	tables     map[int]*Table // accessors materialized this transaction
	version    uint64
	historyRef Ref
	freeList   []freeBlock
}

// newGroup builds the root of a fresh file.
func newGroup(alloc Alloc) *Group {
	return &Group{alloc: alloc, tables: make(map[int]*Table)}
}

// loadGroup reads the root at topRef.
func loadGroup(alloc Alloc, topRef Ref) (*Group, error) {
	top, err := InitArray(alloc, topRef)
	if err != nil {
		return nil, err
	}
	if top.Size() != groupSlots {
		return nil, Errorf(ErrCorruption, "group with %d slots", top.Size())
	}
	g := &Group{alloc: alloc, tables: make(map[int]*Table)}

	names, err := InitArray(alloc, Ref(top.get(0)))
	if err != nil {
		return nil, err
	}
	tops, err := InitArray(alloc, Ref(top.get(1)))
	if err != nil {
		return nil, err
	}
	if names.Size() != tops.Size() {
		return nil, Errorf(ErrCorruption, "table names/tops desynchronized")
	}
	for i := 0; i < names.Size(); i++ {
		name, err := readString(alloc, Ref(names.get(i)))
		if err != nil {
			return nil, err
		}
		g.names = append(g.names, name)
		g.tableRefs = append(g.tableRefs, Ref(tops.get(i)))
	}

	positions, err := InitArray(alloc, Ref(top.get(2)))
	if err != nil {
		return nil, err
	}
	sizes, err := InitArray(alloc, Ref(top.get(3)))
	if err != nil {
		return nil, err
	}
	versions, err := InitArray(alloc, Ref(top.get(4)))
	if err != nil {
		return nil, err
	}
	if positions.Size() != sizes.Size() || sizes.Size() != versions.Size() {
		return nil, Errorf(ErrCorruption, "free-list arrays desynchronized")
	}
	for i := 0; i < positions.Size(); i++ {
		g.freeList = append(g.freeList, freeBlock{
			pos:     Ref(positions.get(i)),
			size:    int(sizes.get(i)),
			version: uint64(versions.get(i)),
		})
	}

	info, err := InitArray(alloc, Ref(top.get(5)))
	if err != nil {
		return nil, err
	}
	if info.Size() > 0 {
		g.version = uint64(info.get(0))
	}
	g.historyRef = Ref(top.get(6))
	return g, nil
}

// TableNames lists the tables in creation order.
func (g *Group) TableNames() []string {
	out := make([]string, len(g.names))
	copy(out, g.names)
	return out
}

// HasTable reports table existence.
func (g *Group) HasTable(name string) bool { return g.tableIndex(name) >= 0 }

func (g *Group) tableIndex(name string) int {
	for i, n := range g.names {
		if n == name {
			return i
		}
	}
	return -1
}

// Table returns an accessor for the named table.
func (g *Group) Table(name string) (*Table, error) {
	i := g.tableIndex(name)
	if i < 0 {
		return nil, Errorf(ErrFileNotFound, "no table %q", name)
	}
	if t, ok := g.tables[i]; ok {
		return t, nil
	}
	t, err := InitTable(g.alloc, g.tableRefs[i])
	if err != nil {
		return nil, err
	}
	g.tables[i] = t
	return t, nil
}

// AddTable creates a table with the given schema.
func (g *Group) AddTable(name string, spec *Spec) (*Table, error) {
	if g.tableIndex(name) >= 0 {
		return nil, Errorf(ErrSchemaMismatch, "table %q exists", name)
	}
	t, err := NewTable(g.alloc, spec)
	if err != nil {
		return nil, err
	}
	i := len(g.names)
	g.names = append(g.names, name)
	g.tableRefs = append(g.tableRefs, 0)
	g.tables[i] = t
	return t, nil
}

// RemoveTable drops the named table.
func (g *Group) RemoveTable(name string) error {
	i := g.tableIndex(name)
	if i < 0 {
		return Errorf(ErrFileNotFound, "no table %q", name)
	}
	if ref := g.tableRefs[i]; ref != 0 {
		if top, err := InitArray(g.alloc, ref); err == nil {
			top.Destroy()
		}
	}
	g.names = append(g.names[:i], g.names[i+1:]...)
	g.tableRefs = append(g.tableRefs[:i], g.tableRefs[i+1:]...)
	// Re-key materialized accessors above the removed slot.
	rekeyed := make(map[int]*Table, len(g.tables))
	for k, t := range g.tables {
		switch {
		case k < i:
			rekeyed[k] = t
		case k > i:
			rekeyed[k-1] = t
		}
	}
	g.tables = rekeyed
	return nil
}

// writeTo streams the whole group, returning the new top-ref.  The free
// arrays are written last with reuse disabled so their own blocks never
// invalidate the list being persisted.
func (g *Group) writeTo(sink *commitSink, newVersion uint64, pendingFrees []freeBlock) (Ref, error) {
	names, err := NewArray(g.alloc, false, true)
	if err != nil {
		return 0, err
	}
	tops, err := NewArray(g.alloc, false, true)
	if err != nil {
		return 0, err
	}
	for i := range g.names {
		nameRef, err := allocBlob(g.alloc, []byte(g.names[i]))
		if err != nil {
			return 0, err
		}
		nameBlock, err := InitArray(g.alloc, nameRef)
		if err != nil {
			return 0, err
		}
		persistedName, err := nameBlock.WriteTo(sink)
		if err != nil {
			return 0, err
		}
		if err := names.Append(int64(persistedName)); err != nil {
			return 0, err
		}
		tableRef := g.tableRefs[i]
		if t, ok := g.tables[i]; ok {
			tableRef, err = t.writeTo(sink, g.alloc)
			if err != nil {
				return 0, err
			}
		}
		if err := tops.Append(int64(tableRef)); err != nil {
			return 0, err
		}
	}
	namesRef, err := names.WriteTo(sink)
	if err != nil {
		return 0, err
	}
	topsRef, err := tops.WriteTo(sink)
	if err != nil {
		return 0, err
	}

	// Free list: survivors of this commit plus blocks the transaction
	// freed, stamped with the new version.
	sink.disableReuse()
	final := sink.survivors()
	for _, fb := range pendingFrees {
		fb.version = newVersion
		final = append(final, fb)
	}
	positions, err := NewArray(g.alloc, false, false)
	if err != nil {
		return 0, err
	}
	sizes, err := NewArray(g.alloc, false, false)
	if err != nil {
		return 0, err
	}
	versions, err := NewArray(g.alloc, false, false)
	if err != nil {
		return 0, err
	}
	for _, fb := range final {
		if err := positions.Append(int64(fb.pos)); err != nil {
			return 0, err
		}
		if err := sizes.Append(int64(fb.size)); err != nil {
			return 0, err
		}
		if err := versions.Append(int64(fb.version)); err != nil {
			return 0, err
		}
	}
	posRef, err := positions.WriteTo(sink)
	if err != nil {
		return 0, err
	}
	sizeRef, err := sizes.WriteTo(sink)
	if err != nil {
		return 0, err
	}
	verRef, err := versions.WriteTo(sink)
	if err != nil {
		return 0, err
	}

	info, err := NewArray(g.alloc, false, false)
	if err != nil {
		return 0, err
	}
	if err := info.Append(int64(newVersion)); err != nil {
		return 0, err
	}
	infoRef, err := info.WriteTo(sink)
	if err != nil {
		return 0, err
	}

	historyRef := g.historyRef
	if historyRef != 0 && !g.alloc.IsReadOnly(historyRef) {
		hist, err := InitArray(g.alloc, historyRef)
		if err != nil {
			return 0, err
		}
		historyRef, err = hist.WriteTo(sink)
		if err != nil {
			return 0, err
		}
	}

	top, err := NewArray(g.alloc, false, true)
	if err != nil {
		return 0, err
	}
	for _, v := range [...]int64{int64(namesRef), int64(topsRef), int64(posRef),
		int64(sizeRef), int64(verRef), int64(infoRef), int64(historyRef)} {
		if err := top.Append(v); err != nil {
			return 0, err
		}
	}
	g.freeList = final
	return top.WriteTo(sink)
}
