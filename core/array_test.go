package core

import (
	"testing"

	"github.com/sirupsen/logrus"
)

// ------------------------------------------------------------
// Helpers
// ------------------------------------------------------------

func testAlloc(t *testing.T) *SlabAlloc {
	t.Helper()
	lg := logrus.New()
	lg.SetLevel(logrus.ErrorLevel)
	return NewSlabAlloc(lg)
}

func buildArray(t *testing.T, alloc Alloc, values []int64) *Array {
	t.Helper()
	a, err := NewArray(alloc, false, false)
	if err != nil {
		t.Fatalf("new array: %v", err)
	}
	for _, v := range values {
		if err := a.Append(v); err != nil {
			t.Fatalf("append %d: %v", v, err)
		}
	}
	return a
}

//-------------------------------------------------------------
// Header encode/decode
//-------------------------------------------------------------

func TestHeaderRoundTrip(t *testing.T) {
	cases := []arrayHeader{
		{widthType: wtBits, width: 0, size: 0, capacity: 8},
		{isInner: true, hasRefs: true, widthType: wtBits, width: 64, size: 2, capacity: 24},
		{indexFlag: true, widthType: wtMultiply, width: 1, size: 100, capacity: 112},
		{widthType: wtBits, width: 4, size: 1<<24 - 1, capacity: 1<<24 - 8},
	}
	for _, h := range cases {
		var block [8]byte
		encodeHeader(block[:], h)
		got := decodeHeader(block[:])
		if got != h {
			t.Fatalf("header mismatch: got %+v want %+v", got, h)
		}
	}
}

//-------------------------------------------------------------
// Widening — spec scenario: width-1 array, set(2, 5) widens to 4
//-------------------------------------------------------------

func TestArrayWiden(t *testing.T) {
	alloc := testAlloc(t)
	a := buildArray(t, alloc, []int64{0, 1, 0, 1})
	if a.Width() != 1 {
		t.Fatalf("initial width = %d, want 1", a.Width())
	}
	if err := a.Set(2, 5); err != nil {
		t.Fatalf("set: %v", err)
	}
	if a.Width() != 4 {
		t.Fatalf("width after widen = %d, want 4", a.Width())
	}
	want := []int64{0, 1, 5, 1}
	if a.Size() != len(want) {
		t.Fatalf("size = %d, want %d", a.Size(), len(want))
	}
	for i, w := range want {
		got, err := a.Get(i)
		if err != nil {
			t.Fatalf("get(%d): %v", i, err)
		}
		if got != w {
			t.Fatalf("get(%d) = %d, want %d", i, got, w)
		}
	}
}

func TestArrayWidths(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
		width  uint8
	}{
		{"Zeros", []int64{0, 0, 0}, 0},
		{"Bits", []int64{1, 0, 1}, 1},
		{"Crumbs", []int64{3, 2}, 2},
		{"Nibbles", []int64{15, 7}, 4},
		{"Bytes", []int64{-1, 100}, 8},
		{"Shorts", []int64{1000, -1000}, 16},
		{"Words", []int64{1 << 20}, 32},
		{"Longs", []int64{1 << 40, -(1 << 40)}, 64},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			alloc := testAlloc(t)
			a := buildArray(t, alloc, tc.values)
			if a.Width() != tc.width {
				t.Fatalf("width = %d, want %d", a.Width(), tc.width)
			}
			for i, w := range tc.values {
				if got, _ := a.Get(i); got != w {
					t.Fatalf("get(%d) = %d, want %d", i, got, w)
				}
			}
		})
	}
}

func TestArrayInsertErase(t *testing.T) {
	alloc := testAlloc(t)
	a := buildArray(t, alloc, []int64{10, 20, 30})
	if err := a.Insert(1, 15); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := a.Erase(3); err != nil {
		t.Fatalf("erase: %v", err)
	}
	want := []int64{10, 15, 20}
	for i, w := range want {
		if got, _ := a.Get(i); got != w {
			t.Fatalf("get(%d) = %d, want %d", i, got, w)
		}
	}
	if _, err := a.Get(3); !IsKind(err, ErrIndexOutOfBounds) {
		t.Fatalf("expected IndexOutOfBounds, got %v", err)
	}
}

func TestArrayBounds(t *testing.T) {
	alloc := testAlloc(t)
	a := buildArray(t, alloc, []int64{1})
	if err := a.Set(1, 0); !IsKind(err, ErrIndexOutOfBounds) {
		t.Fatalf("set out of bounds: %v", err)
	}
	if err := a.Insert(5, 0); !IsKind(err, ErrIndexOutOfBounds) {
		t.Fatalf("insert out of bounds: %v", err)
	}
}

//-------------------------------------------------------------
// lower_bound / upper_bound
//-------------------------------------------------------------

func TestArrayBoundsSearch(t *testing.T) {
	alloc := testAlloc(t)
	a := buildArray(t, alloc, []int64{1, 3, 3, 7})
	tests := []struct {
		v            int64
		lower, upper int
	}{
		{0, 0, 0},
		{1, 0, 1},
		{3, 1, 3},
		{5, 3, 3},
		{7, 3, 4},
		{9, 4, 4},
	}
	for _, tc := range tests {
		if got := a.LowerBound(tc.v); got != tc.lower {
			t.Fatalf("lower_bound(%d) = %d, want %d", tc.v, got, tc.lower)
		}
		if got := a.UpperBound(tc.v); got != tc.upper {
			t.Fatalf("upper_bound(%d) = %d, want %d", tc.v, got, tc.upper)
		}
	}
}

//-------------------------------------------------------------
// Find: accelerated paths must match the scalar loop
//-------------------------------------------------------------

func TestFindMatchesScalar(t *testing.T) {
	alloc := testAlloc(t)
	widthsValues := map[string][]int64{
		"w1":  {0, 1, 1, 0, 1, 0, 0, 1, 1, 1, 0, 1, 0, 0, 0, 1, 1},
		"w4":  {5, 3, 5, 9, 0, 5, 12, 5, 5, 1, 2, 5, 15, 5, 5, 0, 5},
		"w8":  {-5, 100, -5, 7, -5, 90, 13, -5, 21, -5, -5, 6, -5, 1, 2},
		"w16": {1000, -2000, 1000, 555, 1000, 1000, -1, 32000, 1000},
		"w64": {1 << 40, -(1 << 40), 1 << 40, 42, 1 << 40},
	}
	for name, values := range widthsValues {
		t.Run(name, func(t *testing.T) {
			a := buildArray(t, alloc, values)
			target := values[0]
			fast := NewQueryState(ActionFindAll, -1)
			if err := a.Find(CondEqual, target, 0, -1, fast); err != nil {
				t.Fatalf("find: %v", err)
			}
			slow := NewQueryState(ActionFindAll, -1)
			if err := a.findScalar(CondEqual, target, 0, a.Size(), slow); err != nil {
				t.Fatalf("scalar find: %v", err)
			}
			if len(fast.Matches) != len(slow.Matches) {
				t.Fatalf("fast %v vs scalar %v", fast.Matches, slow.Matches)
			}
			for i := range fast.Matches {
				if fast.Matches[i] != slow.Matches[i] {
					t.Fatalf("fast %v vs scalar %v", fast.Matches, slow.Matches)
				}
			}
		})
	}
}

func TestFindActions(t *testing.T) {
	alloc := testAlloc(t)
	a := buildArray(t, alloc, []int64{4, -2, 9, 4, 0})

	sum := NewQueryState(ActionSum, -1)
	if err := a.Find(CondGreater, 0, 0, -1, sum); err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum.Value != 17 {
		t.Fatalf("sum of positives = %d, want 17", sum.Value)
	}

	count := NewQueryState(ActionCount, -1)
	if err := a.Find(CondEqual, 4, 0, -1, count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count.Count != 2 {
		t.Fatalf("count = %d, want 2", count.Count)
	}

	first := NewQueryState(ActionReturnFirst, -1)
	if err := a.Find(CondLess, 0, 0, -1, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.First != 1 {
		t.Fatalf("first negative at %d, want 1", first.First)
	}

	min, ok, err := a.Minimum()
	if err != nil || !ok || min != -2 {
		t.Fatalf("min = %d ok=%v err=%v", min, ok, err)
	}
	max, ok, err := a.Maximum()
	if err != nil || !ok || max != 9 {
		t.Fatalf("max = %d ok=%v err=%v", max, ok, err)
	}
}

//-------------------------------------------------------------
// Serialization round-trip
//-------------------------------------------------------------

// memSink collects serialized blocks in memory.
type memSink struct {
	blocks  map[Ref][]byte
	nextPos Ref
}

func newMemSink() *memSink {
	return &memSink{blocks: make(map[Ref][]byte), nextPos: 8}
}

func (m *memSink) WriteBlock(data []byte) (Ref, error) {
	ref := m.nextPos
	cp := make([]byte, len(data))
	copy(cp, data)
	m.blocks[ref] = cp
	m.nextPos += Ref((len(data) + 7) &^ 7)
	return ref, nil
}

func (m *memSink) Persisted(ref Ref) bool {
	_, ok := m.blocks[ref]
	return ok
}

func TestArrayWriteRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		values []int64
	}{
		{"Empty", nil},
		{"Width0", []int64{0, 0, 0, 0}},
		{"Mixed", []int64{1, -1, 300, 0, 1 << 33}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			alloc := testAlloc(t)
			a := buildArray(t, alloc, tc.values)
			sink := newMemSink()
			ref, err := a.WriteTo(sink)
			if err != nil {
				t.Fatalf("write: %v", err)
			}
			block := sink.blocks[ref]
			h := decodeHeader(block)
			if h.size != len(tc.values) {
				t.Fatalf("size = %d, want %d", h.size, len(tc.values))
			}
			if h.capacity != len(block) || h.capacity%8 != 0 {
				t.Fatalf("capacity %d for block of %d bytes", h.capacity, len(block))
			}
			back := Array{alloc: alloc, hdr: h, data: block}
			for i, w := range tc.values {
				if got := back.get(i); got != w {
					t.Fatalf("get(%d) = %d, want %d", i, got, w)
				}
			}
		})
	}
}

func TestAdjustGE(t *testing.T) {
	alloc := testAlloc(t)
	a := buildArray(t, alloc, []int64{1, 5, 3, 8})
	if err := a.AdjustGE(4, 10); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	want := []int64{1, 15, 3, 18}
	for i, w := range want {
		if got, _ := a.Get(i); got != w {
			t.Fatalf("get(%d) = %d, want %d", i, got, w)
		}
	}
}
