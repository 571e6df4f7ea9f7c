package core

// core/array_find.go — linear scans over packed arrays.
//
// Four conditions by five aggregate actions.  Widths of 8 bits and above
// run a word-chunked path; widths up to 16 bits additionally use the
// parallel bit-trick for equality.  Every accelerated path produces the
// same matches, in the same order, as the scalar loop.

import "encoding/binary"

// FindCond selects the comparison applied to each element.
type FindCond int

const (
	CondEqual FindCond = iota
	CondNotEqual
	CondLess
	CondGreater
)

// FindAction selects what is accumulated over matching elements.
type FindAction int

const (
	ActionSum FindAction = iota
	ActionMin
	ActionMax
	ActionCount
	ActionFindAll
	ActionReturnFirst
)

// QueryState accumulates the result of a Find call.
type QueryState struct {
	Action  FindAction
	Value   int64   // Sum/Min/Max accumulator
	Count   int64   // matches seen
	Matches []int   // FindAll indexes
	First   int     // ReturnFirst index, -1 when no match
	limit   int64   // max matches to accept, <0 = unlimited
}

// NewQueryState prepares a state for the given action.  limit < 0 means
// unlimited.
func NewQueryState(action FindAction, limit int64) *QueryState {
	s := &QueryState{Action: action, First: -1, limit: limit}
	switch action {
	case ActionMin:
		s.Value = int64(^uint64(0) >> 1) // max int64
	case ActionMax:
		s.Value = -1 << 63
	}
	return s
}

// match folds element (index, value) into the state.  It returns false
// when scanning should stop.
func (s *QueryState) match(index int, v int64) bool {
	s.Count++
	switch s.Action {
	case ActionSum:
		s.Value += v
	case ActionMin:
		if v < s.Value {
			s.Value = v
			s.First = index
		}
	case ActionMax:
		if v > s.Value {
			s.Value = v
			s.First = index
		}
	case ActionCount:
		// count only
	case ActionFindAll:
		s.Matches = append(s.Matches, index)
	case ActionReturnFirst:
		s.First = index
		return false
	}
	return s.limit < 0 || s.Count < s.limit
}

func condMatches(cond FindCond, v, target int64) bool {
	switch cond {
	case CondEqual:
		return v == target
	case CondNotEqual:
		return v != target
	case CondLess:
		return v < target
	default:
		return v > target
	}
}

// Find scans [begin, end) for elements matching (cond, target), folding
// matches into state.  end == -1 means the array size.
func (a *Array) Find(cond FindCond, target int64, begin, end int, state *QueryState) error {
	if end == -1 {
		end = a.hdr.size
	}
	if begin < 0 || end > a.hdr.size || begin > end {
		return Errorf(ErrIndexOutOfBounds, "find range [%d,%d) size %d", begin, end, a.hdr.size)
	}
	// Value out of representable range: the condition is decided for
	// every element without reading any.
	lo, hi := widthBounds(a.hdr.width)
	if target < lo || target > hi {
		switch cond {
		case CondEqual:
			return nil
		case CondNotEqual:
			for i := begin; i < end; i++ {
				if !state.match(i, a.get(i)) {
					return nil
				}
			}
			return nil
		case CondLess:
			if target <= lo {
				return nil
			}
		case CondGreater:
			if target >= hi {
				return nil
			}
		}
	}
	if cond == CondEqual && a.hdr.width >= 1 && a.hdr.width <= 16 {
		return a.findEqParallel(target, begin, end, state)
	}
	if a.hdr.width >= 8 {
		return a.findChunked(cond, target, begin, end, state)
	}
	return a.findScalar(cond, target, begin, end, state)
}

func (a *Array) findScalar(cond FindCond, target int64, begin, end int, state *QueryState) error {
	for i := begin; i < end; i++ {
		if v := a.get(i); condMatches(cond, v, target) {
			if !state.match(i, v) {
				return nil
			}
		}
	}
	return nil
}

// findChunked processes widths >= 8 in unrolled 8-element blocks read
// straight from the payload.
func (a *Array) findChunked(cond FindCond, target int64, begin, end int, state *QueryState) error {
	var chunk [8]int64
	i := begin
	for i+8 <= end {
		a.loadChunk(i, &chunk)
		for j := 0; j < 8; j++ {
			if condMatches(cond, chunk[j], target) {
				if !state.match(i+j, chunk[j]) {
					return nil
				}
			}
		}
		i += 8
	}
	return a.findScalar(cond, target, i, end, state)
}

func (a *Array) loadChunk(i int, out *[8]int64) {
	p := a.payload()
	switch a.hdr.width {
	case 8:
		for j := 0; j < 8; j++ {
			out[j] = int64(int8(p[i+j]))
		}
	case 16:
		for j := 0; j < 8; j++ {
			out[j] = int64(int16(binary.LittleEndian.Uint16(p[(i+j)*2:])))
		}
	case 32:
		for j := 0; j < 8; j++ {
			out[j] = int64(int32(binary.LittleEndian.Uint32(p[(i+j)*4:])))
		}
	default:
		for j := 0; j < 8; j++ {
			out[j] = int64(binary.LittleEndian.Uint64(p[(i+j)*8:]))
		}
	}
}

// findEqParallel runs the has-zero-field bit trick over 64-bit words for
// widths 1..16: XOR with a broadcast pattern turns matches into zero
// fields, which are detected word-at-a-time.
func (a *Array) findEqParallel(target int64, begin, end int, state *QueryState) error {
	w := int(a.hdr.width)
	perWord := 64 / w
	// Broadcast target into every field of a word.
	var pattern uint64
	field := uint64(target) & (uint64(1)<<uint(w) - 1)
	if w >= 16 {
		field = uint64(uint16(target))
	}
	for s := 0; s < 64; s += w {
		pattern |= field << uint(s)
	}
	loMask := broadcast(1, w)        // 0b0001 repeated
	hiMask := broadcast(1<<(w-1), w) // 0b1000 repeated

	i := begin
	// Align to a word boundary with the scalar loop.
	for i < end && i%perWord != 0 {
		if v := a.get(i); v == target {
			if !state.match(i, v) {
				return nil
			}
		}
		i++
	}
	p := a.payload()
	for i+perWord <= end {
		wordIdx := i * w / 8
		var word uint64
		switch {
		case wordIdx+8 <= len(p):
			word = binary.LittleEndian.Uint64(p[wordIdx:])
		default:
			var buf [8]byte
			copy(buf[:], p[wordIdx:])
			word = binary.LittleEndian.Uint64(buf[:])
		}
		diff := word ^ pattern
		// A zero field marks a match.
		hasZero := (diff - loMask) & ^diff & hiMask
		if hasZero != 0 {
			for j := 0; j < perWord; j++ {
				if v := a.get(i + j); v == target {
					if !state.match(i+j, v) {
						return nil
					}
				}
			}
		}
		i += perWord
	}
	for ; i < end; i++ {
		if v := a.get(i); v == target {
			if !state.match(i, v) {
				return nil
			}
		}
	}
	return nil
}

func broadcast(field uint64, width int) uint64 {
	var out uint64
	for s := 0; s < 64; s += width {
		out |= field << uint(s)
	}
	return out
}

// FindFirst returns the index of the first element equal to v, or -1.
func (a *Array) FindFirst(v int64) (int, error) {
	state := NewQueryState(ActionReturnFirst, -1)
	if err := a.Find(CondEqual, v, 0, -1, state); err != nil {
		return -1, err
	}
	return state.First, nil
}

// SumRange adds elements in [begin, end).
func (a *Array) SumRange(begin, end int) (int64, error) {
	state := NewQueryState(ActionSum, -1)
	if err := a.Find(CondNotEqual, 0, begin, end, state); err != nil {
		return 0, err
	}
	return state.Value, nil
}

// Minimum returns (min, true) over [0, size), or (0, false) when empty.
func (a *Array) Minimum() (int64, bool, error) {
	if a.hdr.size == 0 {
		return 0, false, nil
	}
	min := a.get(0)
	for i := 1; i < a.hdr.size; i++ {
		if v := a.get(i); v < min {
			min = v
		}
	}
	return min, true, nil
}

// Maximum returns (max, true) over [0, size), or (0, false) when empty.
func (a *Array) Maximum() (int64, bool, error) {
	if a.hdr.size == 0 {
		return 0, false, nil
	}
	max := a.get(0)
	for i := 1; i < a.hdr.size; i++ {
		if v := a.get(i); v > max {
			max = v
		}
	}
	return max, true, nil
}
