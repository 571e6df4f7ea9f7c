package core

import "testing"

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

func buildTree(t *testing.T, alloc Alloc, leafMax int, values []int64) *BPTree {
	t.Helper()
	tree, err := NewBPTree(alloc, false)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	tree.leafMax = leafMax
	for _, v := range values {
		if err := tree.Append(v); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}
	return tree
}

func treeValues(t *testing.T, tree *BPTree) []int64 {
	t.Helper()
	var out []int64
	if err := tree.ForEach(func(_ int, v int64) bool {
		out = append(out, v)
		return true
	}); err != nil {
		t.Fatalf("foreach: %v", err)
	}
	return out
}

// checkOffsets verifies the §3.2 invariant on every inner node:
// offsets strictly increasing, each delta equal to its subtree size.
func checkOffsets(t *testing.T, tree *BPTree, ref Ref) int {
	t.Helper()
	node, err := InitArray(tree.alloc, ref)
	if err != nil {
		t.Fatalf("init node: %v", err)
	}
	if !node.IsInner() {
		return node.Size()
	}
	offsets, children, err := tree.innerChildren(node)
	if err != nil {
		t.Fatalf("inner children: %v", err)
	}
	prev := int64(0)
	for i := 0; i < offsets.Size(); i++ {
		cum := offsets.get(i)
		if cum <= prev {
			t.Fatalf("offsets not strictly increasing: %d after %d", cum, prev)
		}
		sub := checkOffsets(t, tree, Ref(children.get(i)))
		if int64(sub) != cum-prev {
			t.Fatalf("offset delta %d but subtree holds %d", cum-prev, sub)
		}
		prev = cum
	}
	return int(prev)
}

//-------------------------------------------------------------
// Split — spec scenario: LEAF_MAX=4, insert 1..9 in order
//-------------------------------------------------------------

func TestBTreeAppendSplit(t *testing.T) {
	alloc := testAlloc(t)
	tree := buildTree(t, alloc, 4, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9})

	root, err := InitArray(alloc, tree.Ref())
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if !root.IsInner() {
		t.Fatal("root still a leaf after 9 inserts with LEAF_MAX=4")
	}
	offsets, children, err := tree.innerChildren(root)
	if err != nil {
		t.Fatalf("inner children: %v", err)
	}
	wantOffsets := []int64{4, 8, 9}
	if offsets.Size() != len(wantOffsets) {
		t.Fatalf("offsets size = %d, want %d", offsets.Size(), len(wantOffsets))
	}
	for i, w := range wantOffsets {
		if got := offsets.get(i); got != w {
			t.Fatalf("offsets[%d] = %d, want %d", i, got, w)
		}
	}
	wantLeaves := [][]int64{{1, 2, 3, 4}, {5, 6, 7, 8}, {9}}
	for i, want := range wantLeaves {
		leaf, err := InitArray(alloc, Ref(children.get(i)))
		if err != nil {
			t.Fatalf("leaf %d: %v", i, err)
		}
		if leaf.Size() != len(want) {
			t.Fatalf("leaf %d size = %d, want %d", i, leaf.Size(), len(want))
		}
		for j, w := range want {
			if got := leaf.get(j); got != w {
				t.Fatalf("leaf %d[%d] = %d, want %d", i, j, got, w)
			}
		}
	}
	checkOffsets(t, tree, tree.Ref())
}

func TestBTreeMidInsert(t *testing.T) {
	alloc := testAlloc(t)
	tree := buildTree(t, alloc, 4, []int64{1, 2, 3, 4})
	// Full leaf; inserting in the middle forces a halving split.
	if err := tree.Insert(2, 99); err != nil {
		t.Fatalf("insert: %v", err)
	}
	want := []int64{1, 2, 99, 3, 4}
	got := treeValues(t, tree)
	if len(got) != len(want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("values = %v, want %v", got, want)
		}
	}
	checkOffsets(t, tree, tree.Ref())
}

func TestBTreeDeepGrowth(t *testing.T) {
	alloc := testAlloc(t)
	tree, err := NewBPTree(alloc, false)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	tree.leafMax = 4
	const n = 200
	for i := 0; i < n; i++ {
		if err := tree.Append(int64(i * 3)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	size, err := tree.Size()
	if err != nil || size != n {
		t.Fatalf("size = %d err=%v, want %d", size, err, n)
	}
	for i := 0; i < n; i++ {
		got, err := tree.Get(i)
		if err != nil {
			t.Fatalf("get(%d): %v", i, err)
		}
		if got != int64(i*3) {
			t.Fatalf("get(%d) = %d, want %d", i, got, i*3)
		}
	}
	checkOffsets(t, tree, tree.Ref())
}

func TestBTreeSetErase(t *testing.T) {
	alloc := testAlloc(t)
	tree := buildTree(t, alloc, 4, []int64{10, 20, 30, 40, 50, 60})
	if err := tree.Set(4, 55); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := tree.Get(4); got != 55 {
		t.Fatalf("get(4) = %d, want 55", got)
	}
	if err := tree.Erase(0); err != nil {
		t.Fatalf("erase: %v", err)
	}
	want := []int64{20, 30, 40, 55, 60}
	got := treeValues(t, tree)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("values = %v, want %v", got, want)
		}
	}
	checkOffsets(t, tree, tree.Ref())
}

func TestBTreeEraseAll(t *testing.T) {
	alloc := testAlloc(t)
	tree := buildTree(t, alloc, 4, []int64{1, 2, 3, 4, 5, 6, 7})
	for i := 6; i >= 0; i-- {
		if err := tree.Erase(i); err != nil {
			t.Fatalf("erase(%d): %v", i, err)
		}
	}
	size, err := tree.Size()
	if err != nil || size != 0 {
		t.Fatalf("size = %d err=%v, want 0", size, err)
	}
}

func TestBTreeFindFirst(t *testing.T) {
	alloc := testAlloc(t)
	tree := buildTree(t, alloc, 4, []int64{5, 9, 2, 9, 1})
	ndx, err := tree.FindFirst(9)
	if err != nil || ndx != 1 {
		t.Fatalf("find 9 = %d err=%v, want 1", ndx, err)
	}
	ndx, err = tree.FindFirst(42)
	if err != nil || ndx != -1 {
		t.Fatalf("find 42 = %d err=%v, want -1", ndx, err)
	}
}
