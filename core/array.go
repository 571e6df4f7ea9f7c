package core

// core/array.go — packed-integer array, the unit of all persistent storage.
//
// Every block in a lattice file is an array: an 8-byte header followed by a
// payload of fixed-width elements.  Widths are 0,1,2,4,8,16,32 or 64 bits;
// widths below 8 store unsigned values, 8 and above store two's-complement
// signed values.  Arrays are transient views: the allocator owns the bytes.

import (
	"encoding/binary"
)

const (
	headerSize = 8

	// widthType values from the header: how payload byte size derives
	// from (width, size).
	wtBits     = 0 // size * width bits
	wtMultiply = 1 // size * width bytes
	wtIgnore   = 2 // no payload size rule
)

// arrayHeader is the decoded form of the 8-byte block header.
type arrayHeader struct {
	isInner   bool
	hasRefs   bool
	indexFlag bool
	widthType uint8
	width     uint8 // element width in bits
	size      int
	capacity  int // allocated bytes including header
}

// widthCode maps a width in bits to its 3-bit log2 code and back.
func widthCode(width uint8) uint8 {
	code := uint8(0)
	for w := uint8(1); w < width; w <<= 1 {
		code++
	}
	if width > 0 {
		code++
	}
	return code // 0,1,2,3,4,5,6,7 for 0,1,2,4,8,16,32,64
}

func codeWidth(code uint8) uint8 {
	if code == 0 {
		return 0
	}
	return uint8(1) << (code - 1)
}

func decodeHeader(block []byte) arrayHeader {
	flags := block[0]
	return arrayHeader{
		isInner:   flags&0x80 != 0,
		hasRefs:   flags&0x40 != 0,
		indexFlag: flags&0x20 != 0,
		widthType: (flags >> 3) & 0x3,
		width:     codeWidth(flags & 0x7),
		size:      int(block[1]) | int(block[2])<<8 | int(block[3])<<16,
		capacity:  int(block[4]) | int(block[5])<<8 | int(block[6])<<16,
	}
}

func encodeHeader(block []byte, h arrayHeader) {
	flags := widthCode(h.width) & 0x7
	flags |= (h.widthType & 0x3) << 3
	if h.indexFlag {
		flags |= 0x20
	}
	if h.hasRefs {
		flags |= 0x40
	}
	if h.isInner {
		flags |= 0x80
	}
	block[0] = flags
	block[1] = byte(h.size)
	block[2] = byte(h.size >> 8)
	block[3] = byte(h.size >> 16)
	block[4] = byte(h.capacity)
	block[5] = byte(h.capacity >> 8)
	block[6] = byte(h.capacity >> 16)
	block[7] = 0
}

// payloadBytes computes the payload byte size implied by the header.
func payloadBytes(h arrayHeader) int {
	switch h.widthType {
	case wtBits:
		return (h.size*int(h.width) + 7) / 8
	case wtMultiply:
		return h.size * int(h.width)
	default:
		return 0
	}
}

// value bounds per width; widths below 8 are unsigned.
func widthBounds(width uint8) (lo, hi int64) {
	switch width {
	case 0:
		return 0, 0
	case 1:
		return 0, 1
	case 2:
		return 0, 3
	case 4:
		return 0, 15
	case 8:
		return -0x80, 0x7F
	case 16:
		return -0x8000, 0x7FFF
	case 32:
		return -0x80000000, 0x7FFFFFFF
	default:
		return -0x8000000000000000, 0x7FFFFFFFFFFFFFFF
	}
}

// bitsFor returns the narrowest legal width able to hold v.
func bitsFor(v int64) uint8 {
	for _, w := range [...]uint8{0, 1, 2, 4, 8, 16, 32, 64} {
		lo, hi := widthBounds(w)
		if v >= lo && v <= hi {
			return w
		}
	}
	return 64
}

// Array is a transient accessor over one block.  It caches the decoded
// header; the backing bytes belong to the allocator.  Mutating calls may
// reallocate, after which Ref() names the new block and the caller must
// update the parent structure.
type Array struct {
	alloc Alloc
	ref   Ref
	hdr   arrayHeader
	data  []byte // whole block including header
}

// InitArray attaches an accessor to an existing block.
func InitArray(alloc Alloc, ref Ref) (*Array, error) {
	a := &Array{alloc: alloc}
	if err := a.initFromRef(ref); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Array) initFromRef(ref Ref) error {
	data := a.alloc.Translate(ref)
	if len(data) < headerSize {
		return Errorf(ErrCorruption, "ref %d: short block", ref)
	}
	h := decodeHeader(data)
	if h.capacity < headerSize || h.capacity%8 != 0 {
		return Errorf(ErrCorruption, "ref %d: bad capacity %d", ref, h.capacity)
	}
	if headerSize+payloadBytes(h) > h.capacity {
		return Errorf(ErrCorruption, "ref %d: payload exceeds capacity", ref)
	}
	a.ref = ref
	a.hdr = h
	a.data = data[:h.capacity]
	return nil
}

// NewArray allocates an empty width-0 array.
func NewArray(alloc Alloc, isInner, hasRefs bool) (*Array, error) {
	h := arrayHeader{isInner: isInner, hasRefs: hasRefs, widthType: wtBits}
	ref, block, err := alloc.Alloc(headerSize)
	if err != nil {
		return nil, err
	}
	h.capacity = len(block)
	encodeHeader(block, h)
	return &Array{alloc: alloc, ref: ref, hdr: h, data: block}, nil
}

func (a *Array) Ref() Ref        { return a.ref }
func (a *Array) Size() int       { return a.hdr.size }
func (a *Array) IsInner() bool   { return a.hdr.isInner }
func (a *Array) HasRefs() bool   { return a.hdr.hasRefs }
func (a *Array) IndexFlag() bool { return a.hdr.indexFlag }
func (a *Array) Width() uint8    { return a.hdr.width }

// SetIndexFlag marks the array as an index accelerator.
func (a *Array) SetIndexFlag(on bool) error {
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	a.hdr.indexFlag = on
	encodeHeader(a.data, a.hdr)
	return nil
}

func (a *Array) payload() []byte { return a.data[headerSize:] }

// Get returns element i.  Widths below 8 bits are unsigned; 8 bits and
// above are sign-extended.
func (a *Array) Get(i int) (int64, error) {
	if i < 0 || i >= a.hdr.size {
		return 0, Errorf(ErrIndexOutOfBounds, "index %d size %d", i, a.hdr.size)
	}
	return a.get(i), nil
}

func (a *Array) get(i int) int64 {
	p := a.payload()
	switch a.hdr.width {
	case 0:
		return 0
	case 1:
		return int64(p[i>>3] >> (uint(i) & 7) & 1)
	case 2:
		return int64(p[i>>2] >> ((uint(i) & 3) << 1) & 3)
	case 4:
		return int64(p[i>>1] >> ((uint(i) & 1) << 2) & 15)
	case 8:
		return int64(int8(p[i]))
	case 16:
		return int64(int16(binary.LittleEndian.Uint16(p[i*2:])))
	case 32:
		return int64(int32(binary.LittleEndian.Uint32(p[i*4:])))
	default:
		return int64(binary.LittleEndian.Uint64(p[i*8:]))
	}
}

func (a *Array) put(i int, v int64) {
	p := a.payload()
	switch a.hdr.width {
	case 0:
		// constant zero, nothing stored
	case 1:
		mask := byte(1) << (uint(i) & 7)
		if v != 0 {
			p[i>>3] |= mask
		} else {
			p[i>>3] &^= mask
		}
	case 2:
		shift := (uint(i) & 3) << 1
		p[i>>2] = p[i>>2]&^(3<<shift) | byte(v&3)<<shift
	case 4:
		shift := (uint(i) & 1) << 2
		p[i>>1] = p[i>>1]&^(15<<shift) | byte(v&15)<<shift
	case 8:
		p[i] = byte(v)
	case 16:
		binary.LittleEndian.PutUint16(p[i*2:], uint16(v))
	case 32:
		binary.LittleEndian.PutUint32(p[i*4:], uint32(v))
	default:
		binary.LittleEndian.PutUint64(p[i*8:], uint64(v))
	}
}

// Set stores v at index i, widening the array first when v does not fit
// the current width.
func (a *Array) Set(i int, v int64) error {
	if i < 0 || i >= a.hdr.size {
		return Errorf(ErrIndexOutOfBounds, "index %d size %d", i, a.hdr.size)
	}
	if err := a.ensureFits(v, a.hdr.size); err != nil {
		return err
	}
	a.put(i, v)
	return nil
}

// Insert shifts elements [i, size) right and stores v at i.
func (a *Array) Insert(i int, v int64) error {
	if i < 0 || i > a.hdr.size {
		return Errorf(ErrIndexOutOfBounds, "index %d size %d", i, a.hdr.size)
	}
	if err := a.ensureFits(v, a.hdr.size+1); err != nil {
		return err
	}
	a.hdr.size++
	encodeHeader(a.data, a.hdr)
	for j := a.hdr.size - 1; j > i; j-- {
		a.put(j, a.get(j-1))
	}
	a.put(i, v)
	return nil
}

// Append adds v at the end.
func (a *Array) Append(v int64) error { return a.Insert(a.hdr.size, v) }

// Erase removes element i, shifting the tail left.
func (a *Array) Erase(i int) error {
	if i < 0 || i >= a.hdr.size {
		return Errorf(ErrIndexOutOfBounds, "index %d size %d", i, a.hdr.size)
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	for j := i; j < a.hdr.size-1; j++ {
		a.put(j, a.get(j+1))
	}
	a.hdr.size--
	encodeHeader(a.data, a.hdr)
	return nil
}

// Truncate drops all elements at and beyond newSize.
func (a *Array) Truncate(newSize int) error {
	if newSize < 0 || newSize > a.hdr.size {
		return Errorf(ErrIndexOutOfBounds, "truncate %d size %d", newSize, a.hdr.size)
	}
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	a.hdr.size = newSize
	encodeHeader(a.data, a.hdr)
	return nil
}

// Clear removes every element.
func (a *Array) Clear() error { return a.Truncate(0) }

// Adjust adds diff to element i.
func (a *Array) Adjust(i int, diff int64) error {
	v, err := a.Get(i)
	if err != nil {
		return err
	}
	return a.Set(i, v+diff)
}

// AdjustGE adds diff to every element >= limit.  Used for index
// maintenance after row moves.
func (a *Array) AdjustGE(limit, diff int64) error {
	for i := 0; i < a.hdr.size; i++ {
		if v := a.get(i); v >= limit {
			if err := a.Set(i, v+diff); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetChunk copies up to 8 consecutive values starting at i into out,
// returning the number copied.
func (a *Array) GetChunk(i int, out *[8]int64) (int, error) {
	if i < 0 || i >= a.hdr.size {
		return 0, Errorf(ErrIndexOutOfBounds, "index %d size %d", i, a.hdr.size)
	}
	n := a.hdr.size - i
	if n > 8 {
		n = 8
	}
	for j := 0; j < n; j++ {
		out[j] = a.get(i + j)
	}
	return n, nil
}

// LowerBound returns the smallest index with get(i) >= v.  The caller
// asserts ascending order.
func (a *Array) LowerBound(v int64) int {
	lo, hi := 0, a.hdr.size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if a.get(mid) < v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// UpperBound returns the smallest index with get(i) > v.  The caller
// asserts ascending order.
func (a *Array) UpperBound(v int64) int {
	lo, hi := 0, a.hdr.size
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if a.get(mid) <= v {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// ensureFits widens and/or grows capacity so that newSize elements of at
// least bitsFor(v) width fit, cloning read-only blocks first.
func (a *Array) ensureFits(v int64, newSize int) error {
	if err := a.copyOnWrite(); err != nil {
		return err
	}
	width := a.hdr.width
	if need := bitsFor(v); need > width {
		width = need
	}
	needBytes := headerSize + byteSizeFor(a.hdr.widthType, width, newSize)
	if width == a.hdr.width && needBytes <= a.hdr.capacity {
		return nil
	}
	return a.realloc(width, newSize, needBytes)
}

func byteSizeFor(widthType, width uint8, size int) int {
	h := arrayHeader{widthType: widthType, width: width, size: size}
	return payloadBytes(h)
}

// realloc allocates a block able to hold newSize elements at width,
// rewrites the payload preserving values, and frees the old block.
func (a *Array) realloc(width uint8, newSize, needBytes int) error {
	newRef, block, err := a.alloc.Alloc(needBytes)
	if err != nil {
		return err
	}
	oldRef := a.ref
	oldSize := a.hdr.size
	old := *a

	h := a.hdr
	h.width = width
	h.capacity = len(block)
	encodeHeader(block, h)

	na := Array{alloc: a.alloc, ref: newRef, hdr: h, data: block}
	for i := 0; i < oldSize; i++ {
		na.put(i, old.get(i))
	}
	a.alloc.Free(oldRef)
	*a = na
	return nil
}

// copyOnWrite clones the block into writable memory when the current ref
// belongs to a committed snapshot.
func (a *Array) copyOnWrite() error {
	if !a.alloc.IsReadOnly(a.ref) {
		return nil
	}
	newRef, block, err := a.alloc.Alloc(a.hdr.capacity)
	if err != nil {
		return err
	}
	copy(block, a.data)
	h := a.hdr
	h.capacity = len(block)
	encodeHeader(block, h)
	a.alloc.Free(a.ref)
	a.ref = newRef
	a.hdr = h
	a.data = block
	return nil
}

// Destroy frees the block and, when has_refs is set, every sub-array
// reachable from it.
func (a *Array) Destroy() {
	if a.hdr.hasRefs {
		for i := 0; i < a.hdr.size; i++ {
			v := a.get(i)
			if v != 0 && v&1 == 0 { // even non-zero values are refs
				if child, err := InitArray(a.alloc, Ref(v)); err == nil {
					child.Destroy()
				}
			}
		}
	}
	a.alloc.Free(a.ref)
	a.data = nil
}

// Tagged-integer helpers for has_refs arrays: odd values carry an
// integer payload, even non-zero values are refs.
func tagValue(v int64) int64    { return v<<1 | 1 }
func untagValue(t int64) int64  { return t >> 1 }
func isTagged(t int64) bool     { return t&1 == 1 }
func isSubRef(t int64) bool     { return t != 0 && t&1 == 0 }
