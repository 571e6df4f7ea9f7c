package core

// core/btree.go — B+-tree of packed arrays.
//
// An inner node is a has_refs array of exactly two children: the
// cumulative-offsets array and the child-refs array.  offsets[i] is the
// element count through subtree i, so subtree i covers
// [offsets[i-1], offsets[i]).  Leaves hold elements directly.

const btreeLeafMax = 1024

// BPTree is a transient accessor rooted at one ref.  Mutations may move
// the root; Ref() names the current root.
type BPTree struct {
	alloc       Alloc
	rootRef     Ref
	leafMax     int
	leafHasRefs bool
}

// NewBPTree creates an empty tree whose root is a leaf.
func NewBPTree(alloc Alloc, leafHasRefs bool) (*BPTree, error) {
	leaf, err := NewArray(alloc, false, leafHasRefs)
	if err != nil {
		return nil, err
	}
	return &BPTree{alloc: alloc, rootRef: leaf.Ref(), leafMax: btreeLeafMax, leafHasRefs: leafHasRefs}, nil
}

// InitBPTree attaches to an existing tree.
func InitBPTree(alloc Alloc, ref Ref, leafHasRefs bool) *BPTree {
	return &BPTree{alloc: alloc, rootRef: ref, leafMax: btreeLeafMax, leafHasRefs: leafHasRefs}
}

func (t *BPTree) Ref() Ref { return t.rootRef }

// Size returns the total element count.
func (t *BPTree) Size() (int, error) {
	root, err := InitArray(t.alloc, t.rootRef)
	if err != nil {
		return 0, err
	}
	return t.nodeSize(root)
}

func (t *BPTree) nodeSize(node *Array) (int, error) {
	if !node.IsInner() {
		return node.Size(), nil
	}
	offsets, _, err := t.innerChildren(node)
	if err != nil {
		return 0, err
	}
	if offsets.Size() == 0 {
		return 0, nil
	}
	return int(offsets.get(offsets.Size() - 1)), nil
}

func (t *BPTree) innerChildren(node *Array) (offsets, children *Array, err error) {
	if node.Size() != 2 {
		return nil, nil, Errorf(ErrCorruption, "inner node with %d children", node.Size())
	}
	offsets, err = InitArray(t.alloc, Ref(node.get(0)))
	if err != nil {
		return nil, nil, err
	}
	children, err = InitArray(t.alloc, Ref(node.get(1)))
	if err != nil {
		return nil, nil, err
	}
	if offsets.Size() != children.Size() {
		return nil, nil, Errorf(ErrCorruption, "offsets/children desynchronized: %d vs %d",
			offsets.Size(), children.Size())
	}
	return offsets, children, nil
}

// FindLeaf locates the leaf holding tree index i.  The returned accessor
// must be treated as read-only.
func (t *BPTree) FindLeaf(i int) (*Array, int, error) {
	size, err := t.Size()
	if err != nil {
		return nil, 0, err
	}
	if i < 0 || i >= size {
		return nil, 0, Errorf(ErrIndexOutOfBounds, "tree index %d size %d", i, size)
	}
	node, err := InitArray(t.alloc, t.rootRef)
	if err != nil {
		return nil, 0, err
	}
	for node.IsInner() {
		offsets, children, err := t.innerChildren(node)
		if err != nil {
			return nil, 0, err
		}
		child := offsets.UpperBound(int64(i))
		if child > 0 {
			i -= int(offsets.get(child - 1))
		}
		node, err = InitArray(t.alloc, Ref(children.get(child)))
		if err != nil {
			return nil, 0, err
		}
	}
	return node, i, nil
}

// Get returns element i.
func (t *BPTree) Get(i int) (int64, error) {
	leaf, li, err := t.FindLeaf(i)
	if err != nil {
		return 0, err
	}
	return leaf.Get(li)
}

// Set stores v at tree index i.
func (t *BPTree) Set(i int, v int64) error {
	newRoot, err := t.setRec(t.rootRef, i, v)
	if err != nil {
		return err
	}
	t.rootRef = newRoot
	return nil
}

func (t *BPTree) setRec(ref Ref, i int, v int64) (Ref, error) {
	node, err := InitArray(t.alloc, ref)
	if err != nil {
		return 0, err
	}
	if !node.IsInner() {
		if err := node.Set(i, v); err != nil {
			return 0, err
		}
		return node.Ref(), nil
	}
	offsets, children, err := t.innerChildren(node)
	if err != nil {
		return 0, err
	}
	child := offsets.UpperBound(int64(i))
	if child >= children.Size() {
		return 0, Errorf(ErrIndexOutOfBounds, "tree index %d beyond last subtree", i)
	}
	rel := i
	if child > 0 {
		rel -= int(offsets.get(child - 1))
	}
	newChild, err := t.setRec(Ref(children.get(child)), rel, v)
	if err != nil {
		return 0, err
	}
	return t.storeInner(node, offsets, children, child, newChild)
}

// storeInner writes possibly-moved child array refs back into the node.
func (t *BPTree) storeInner(node, offsets, children *Array, childIdx int, childRef Ref) (Ref, error) {
	if err := children.Set(childIdx, int64(childRef)); err != nil {
		return 0, err
	}
	if err := node.Set(0, int64(offsets.Ref())); err != nil {
		return 0, err
	}
	if err := node.Set(1, int64(children.Ref())); err != nil {
		return 0, err
	}
	return node.Ref(), nil
}

// splitOutcome reports an insertion's effect on one subtree.
type splitOutcome struct {
	ref       Ref // possibly-moved node
	sibling   Ref // zero when no split happened
	leftElems int // elements remaining under ref after the insert
	sibElems  int // elements under sibling
}

// Insert places v at tree index i, splitting leaves and inner nodes as
// needed; a root split grows the tree by one level.
func (t *BPTree) Insert(i int, v int64) error {
	size, err := t.Size()
	if err != nil {
		return err
	}
	if i < 0 || i > size {
		return Errorf(ErrIndexOutOfBounds, "tree index %d size %d", i, size)
	}
	res, err := t.insertRec(t.rootRef, i, v)
	if err != nil {
		return err
	}
	if res.sibling == 0 {
		t.rootRef = res.ref
		return nil
	}
	// Root split: new inner root over the two halves.
	offsets, err := NewArray(t.alloc, false, false)
	if err != nil {
		return err
	}
	if err := offsets.Append(int64(res.leftElems)); err != nil {
		return err
	}
	if err := offsets.Append(int64(res.leftElems + res.sibElems)); err != nil {
		return err
	}
	children, err := NewArray(t.alloc, false, true)
	if err != nil {
		return err
	}
	if err := children.Append(int64(res.ref)); err != nil {
		return err
	}
	if err := children.Append(int64(res.sibling)); err != nil {
		return err
	}
	root, err := NewArray(t.alloc, true, true)
	if err != nil {
		return err
	}
	if err := root.Append(int64(offsets.Ref())); err != nil {
		return err
	}
	if err := root.Append(int64(children.Ref())); err != nil {
		return err
	}
	t.rootRef = root.Ref()
	return nil
}

// Append adds v after the last element.
func (t *BPTree) Append(v int64) error {
	size, err := t.Size()
	if err != nil {
		return err
	}
	return t.Insert(size, v)
}

func (t *BPTree) insertRec(ref Ref, i int, v int64) (splitOutcome, error) {
	node, err := InitArray(t.alloc, ref)
	if err != nil {
		return splitOutcome{}, err
	}
	if !node.IsInner() {
		return t.insertLeaf(node, i, v)
	}
	offsets, children, err := t.innerChildren(node)
	if err != nil {
		return splitOutcome{}, err
	}
	// Lower bound keeps boundary insertions in the left subtree.
	child := offsets.LowerBound(int64(i))
	if child >= children.Size() {
		child = children.Size() - 1
	}
	base := 0
	if child > 0 {
		base = int(offsets.get(child - 1))
	}
	res, err := t.insertRec(Ref(children.get(child)), i-base, v)
	if err != nil {
		return splitOutcome{}, err
	}
	// One element was added below; bump this and every later offset.
	for j := child; j < offsets.Size(); j++ {
		if err := offsets.Adjust(j, 1); err != nil {
			return splitOutcome{}, err
		}
	}
	if err := children.Set(child, int64(res.ref)); err != nil {
		return splitOutcome{}, err
	}
	if res.sibling != 0 {
		// The bumped offset at child now covers left+sibling; insert the
		// split point before it and the sibling ref after the child.
		if err := offsets.Insert(child, int64(base+res.leftElems)); err != nil {
			return splitOutcome{}, err
		}
		if err := children.Insert(child+1, int64(res.sibling)); err != nil {
			return splitOutcome{}, err
		}
	}
	if children.Size() > t.leafMax {
		return t.splitInner(node, offsets, children)
	}
	newRef, err := t.storeInnerPlain(node, offsets, children)
	if err != nil {
		return splitOutcome{}, err
	}
	total, err := t.countOf(offsets)
	if err != nil {
		return splitOutcome{}, err
	}
	return splitOutcome{ref: newRef, leftElems: total}, nil
}

func (t *BPTree) countOf(offsets *Array) (int, error) {
	if offsets.Size() == 0 {
		return 0, nil
	}
	return int(offsets.get(offsets.Size() - 1)), nil
}

func (t *BPTree) storeInnerPlain(node, offsets, children *Array) (Ref, error) {
	if err := node.Set(0, int64(offsets.Ref())); err != nil {
		return 0, err
	}
	if err := node.Set(1, int64(children.Ref())); err != nil {
		return 0, err
	}
	return node.Ref(), nil
}

func (t *BPTree) insertLeaf(leaf *Array, i int, v int64) (splitOutcome, error) {
	if leaf.Size() < t.leafMax {
		if err := leaf.Insert(i, v); err != nil {
			return splitOutcome{}, err
		}
		return splitOutcome{ref: leaf.Ref(), leftElems: leaf.Size()}, nil
	}
	// Append-at-end split: the new element starts a fresh sibling.
	if i == leaf.Size() {
		sib, err := NewArray(t.alloc, false, t.leafHasRefs)
		if err != nil {
			return splitOutcome{}, err
		}
		if err := sib.Append(v); err != nil {
			return splitOutcome{}, err
		}
		return splitOutcome{ref: leaf.Ref(), sibling: sib.Ref(),
			leftElems: leaf.Size(), sibElems: 1}, nil
	}
	// Mid split: halve the leaf, then insert into the owning half.
	mid := leaf.Size() / 2
	sib, err := NewArray(t.alloc, false, t.leafHasRefs)
	if err != nil {
		return splitOutcome{}, err
	}
	for j := mid; j < leaf.Size(); j++ {
		if err := sib.Append(leaf.get(j)); err != nil {
			return splitOutcome{}, err
		}
	}
	if err := leaf.Truncate(mid); err != nil {
		return splitOutcome{}, err
	}
	if i <= mid {
		if err := leaf.Insert(i, v); err != nil {
			return splitOutcome{}, err
		}
	} else {
		if err := sib.Insert(i-mid, v); err != nil {
			return splitOutcome{}, err
		}
	}
	return splitOutcome{ref: leaf.Ref(), sibling: sib.Ref(),
		leftElems: leaf.Size(), sibElems: sib.Size()}, nil
}

// Erase removes tree index i.  Emptied leaves are unlinked; a root inner
// node left with a single child collapses into it.
func (t *BPTree) Erase(i int) error {
	size, err := t.Size()
	if err != nil {
		return err
	}
	if i < 0 || i >= size {
		return Errorf(ErrIndexOutOfBounds, "tree index %d size %d", i, size)
	}
	newRoot, _, err := t.eraseRec(t.rootRef, i)
	if err != nil {
		return err
	}
	// Collapse trivial root.
	node, err := InitArray(t.alloc, newRoot)
	if err != nil {
		return err
	}
	if node.IsInner() {
		offsets, children, err := t.innerChildren(node)
		if err != nil {
			return err
		}
		if children.Size() == 1 {
			only := Ref(children.get(0))
			offsets.Destroy()
			// Destroy the shell without recursing into the surviving child.
			t.alloc.Free(children.Ref())
			t.alloc.Free(node.Ref())
			newRoot = only
		}
	}
	t.rootRef = newRoot
	return nil
}

// eraseRec returns (new node ref, nodeNowEmpty).
func (t *BPTree) eraseRec(ref Ref, i int) (Ref, bool, error) {
	node, err := InitArray(t.alloc, ref)
	if err != nil {
		return 0, false, err
	}
	if !node.IsInner() {
		if err := node.Erase(i); err != nil {
			return 0, false, err
		}
		return node.Ref(), node.Size() == 0, nil
	}
	offsets, children, err := t.innerChildren(node)
	if err != nil {
		return 0, false, err
	}
	child := offsets.UpperBound(int64(i))
	if child >= children.Size() {
		return 0, false, Errorf(ErrIndexOutOfBounds, "tree index %d beyond last subtree", i)
	}
	rel := i
	if child > 0 {
		rel -= int(offsets.get(child - 1))
	}
	childRef, empty, err := t.eraseRec(Ref(children.get(child)), rel)
	if err != nil {
		return 0, false, err
	}
	for j := child; j < offsets.Size(); j++ {
		if err := offsets.Adjust(j, -1); err != nil {
			return 0, false, err
		}
	}
	if empty {
		t.alloc.Free(childRef)
		if err := offsets.Erase(child); err != nil {
			return 0, false, err
		}
		if err := children.Erase(child); err != nil {
			return 0, false, err
		}
	} else {
		if err := children.Set(child, int64(childRef)); err != nil {
			return 0, false, err
		}
	}
	newRef, err := t.storeInnerPlain(node, offsets, children)
	if err != nil {
		return 0, false, err
	}
	return newRef, children.Size() == 0, nil
}

// splitInner halves an overflowing inner node.
func (t *BPTree) splitInner(node, offsets, children *Array) (splitOutcome, error) {
	mid := children.Size() / 2
	base := int(offsets.get(mid - 1))

	sibOffsets, err := NewArray(t.alloc, false, false)
	if err != nil {
		return splitOutcome{}, err
	}
	sibChildren, err := NewArray(t.alloc, false, true)
	if err != nil {
		return splitOutcome{}, err
	}
	for j := mid; j < children.Size(); j++ {
		if err := sibOffsets.Append(offsets.get(j) - int64(base)); err != nil {
			return splitOutcome{}, err
		}
		if err := sibChildren.Append(children.get(j)); err != nil {
			return splitOutcome{}, err
		}
	}
	sibTotal := int(sibOffsets.get(sibOffsets.Size() - 1))
	if err := offsets.Truncate(mid); err != nil {
		return splitOutcome{}, err
	}
	if err := children.Truncate(mid); err != nil {
		return splitOutcome{}, err
	}

	sib, err := NewArray(t.alloc, true, true)
	if err != nil {
		return splitOutcome{}, err
	}
	if err := sib.Append(int64(sibOffsets.Ref())); err != nil {
		return splitOutcome{}, err
	}
	if err := sib.Append(int64(sibChildren.Ref())); err != nil {
		return splitOutcome{}, err
	}
	newRef, err := t.storeInnerPlain(node, offsets, children)
	if err != nil {
		return splitOutcome{}, err
	}
	return splitOutcome{ref: newRef, sibling: sib.Ref(),
		leftElems: base, sibElems: sibTotal}, nil
}

// ForEach visits every element in order until fn returns false.
func (t *BPTree) ForEach(fn func(i int, v int64) bool) error {
	idx := 0
	_, err := t.forEachNode(t.rootRef, &idx, fn)
	return err
}

func (t *BPTree) forEachNode(ref Ref, idx *int, fn func(i int, v int64) bool) (bool, error) {
	node, err := InitArray(t.alloc, ref)
	if err != nil {
		return true, err
	}
	if !node.IsInner() {
		for j := 0; j < node.Size(); j++ {
			if !fn(*idx, node.get(j)) {
				return true, nil
			}
			*idx++
		}
		return false, nil
	}
	_, children, err := t.innerChildren(node)
	if err != nil {
		return true, err
	}
	for j := 0; j < children.Size(); j++ {
		stop, err := t.forEachNode(Ref(children.get(j)), idx, fn)
		if err != nil || stop {
			return stop, err
		}
	}
	return false, nil
}

// FindFirst scans for the first element equal to v, returning -1 when
// absent.
func (t *BPTree) FindFirst(v int64) (int, error) {
	found := -1
	err := t.ForEach(func(i int, got int64) bool {
		if got == v {
			found = i
			return false
		}
		return true
	})
	return found, err
}

// Clear removes every element, leaving a single empty leaf.
func (t *BPTree) Clear() error {
	root, err := InitArray(t.alloc, t.rootRef)
	if err != nil {
		return err
	}
	root.Destroy()
	leaf, err := NewArray(t.alloc, false, t.leafHasRefs)
	if err != nil {
		return err
	}
	t.rootRef = leaf.Ref()
	return nil
}

// WriteTo streams the whole tree through sink, returning the persisted
// root ref.
func (t *BPTree) WriteTo(sink BlockSink) (Ref, error) {
	root, err := InitArray(t.alloc, t.rootRef)
	if err != nil {
		return 0, err
	}
	return root.WriteTo(sink)
}
