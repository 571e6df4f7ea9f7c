package core

// core/index.go — search index accelerator.
//
// Two parallel arrays sorted by key: keys ascending, rows the matching
// row indexes.  String columns hash their values into the key space and
// callers verify hits against the column.  The index carries the
// index_flag in its header so file inspection can tell it apart from
// value storage.

type searchIndex struct {
	alloc Alloc
	keys  *Array
	rows  *Array
	top   *Array // has_refs pair (keys, rows)
}

func newSearchIndex(alloc Alloc) (*searchIndex, error) {
	keys, err := NewArray(alloc, false, false)
	if err != nil {
		return nil, err
	}
	rows, err := NewArray(alloc, false, false)
	if err != nil {
		return nil, err
	}
	top, err := NewArray(alloc, false, true)
	if err != nil {
		return nil, err
	}
	if err := top.SetIndexFlag(true); err != nil {
		return nil, err
	}
	if err := top.Append(int64(keys.Ref())); err != nil {
		return nil, err
	}
	if err := top.Append(int64(rows.Ref())); err != nil {
		return nil, err
	}
	return &searchIndex{alloc: alloc, keys: keys, rows: rows, top: top}, nil
}

func initSearchIndex(alloc Alloc, ref Ref) (*searchIndex, error) {
	top, err := InitArray(alloc, ref)
	if err != nil {
		return nil, err
	}
	if top.Size() != 2 {
		return nil, Errorf(ErrCorruption, "index top with %d slots", top.Size())
	}
	keys, err := InitArray(alloc, Ref(top.get(0)))
	if err != nil {
		return nil, err
	}
	rows, err := InitArray(alloc, Ref(top.get(1)))
	if err != nil {
		return nil, err
	}
	if keys.Size() != rows.Size() {
		return nil, Errorf(ErrCorruption, "index arrays desynchronized")
	}
	return &searchIndex{alloc: alloc, keys: keys, rows: rows, top: top}, nil
}

func (x *searchIndex) ref() Ref { return x.top.Ref() }

func (x *searchIndex) sync() error {
	if err := x.top.Set(0, int64(x.keys.Ref())); err != nil {
		return err
	}
	return x.top.Set(1, int64(x.rows.Ref()))
}

// insert records (key, row).
func (x *searchIndex) insert(key int64, row int) error {
	i := x.keys.UpperBound(key)
	if err := x.keys.Insert(i, key); err != nil {
		return err
	}
	if err := x.rows.Insert(i, int64(row)); err != nil {
		return err
	}
	return x.sync()
}

// erase removes one (key, row) pair; absence is not an error so callers
// can stay oblivious to hash collisions.
func (x *searchIndex) erase(key int64, row int) error {
	for i := x.keys.LowerBound(key); i < x.keys.Size() && x.keys.get(i) == key; i++ {
		if int(x.rows.get(i)) == row {
			if err := x.keys.Erase(i); err != nil {
				return err
			}
			if err := x.rows.Erase(i); err != nil {
				return err
			}
			return x.sync()
		}
	}
	return nil
}

// adjustRowsGE shifts stored row indexes at or above limit by diff;
// called when rows are inserted or removed below existing ones.
func (x *searchIndex) adjustRowsGE(limit, diff int) error {
	if err := x.rows.AdjustGE(int64(limit), int64(diff)); err != nil {
		return err
	}
	return x.sync()
}

// findFirst returns the lowest row stored under key, or -1.
func (x *searchIndex) findFirst(key int64) (int, error) {
	best := -1
	for i := x.keys.LowerBound(key); i < x.keys.Size() && x.keys.get(i) == key; i++ {
		row := int(x.rows.get(i))
		if best == -1 || row < best {
			best = row
		}
	}
	return best, nil
}

// findAll returns every row stored under key, ascending.
func (x *searchIndex) findAll(key int64) ([]int, error) {
	var out []int
	for i := x.keys.LowerBound(key); i < x.keys.Size() && x.keys.get(i) == key; i++ {
		out = append(out, int(x.rows.get(i)))
	}
	// Rows under one key are insertion-ordered; return ascending.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

func (x *searchIndex) clear() error {
	if err := x.keys.Clear(); err != nil {
		return err
	}
	if err := x.rows.Clear(); err != nil {
		return err
	}
	return x.sync()
}

func (x *searchIndex) writeTo(sink BlockSink) (Ref, error) {
	return x.top.WriteTo(sink)
}
