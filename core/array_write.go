package core

// core/array_write.go — streaming arrays into a file during commit.

// BlockSink persists one serialized block and reports its position.
// Persisted reports refs the sink has already written this commit, so
// parents holding finalized child positions are not re-serialized.
type BlockSink interface {
	WriteBlock(data []byte) (Ref, error)
	Persisted(ref Ref) bool
}

// WriteTo serializes the array through sink and returns the persisted
// ref.  Blocks already living in a committed snapshot are reused as-is;
// has_refs payloads are written child-first so parents can store final
// positions.
func (a *Array) WriteTo(sink BlockSink) (Ref, error) {
	if a.alloc.IsReadOnly(a.ref) {
		return a.ref, nil
	}

	if a.hdr.widthType != wtBits {
		// Raw-payload block (blob); no sub-refs to rewrite.
		h := a.hdr
		byteSize := (headerSize + payloadBytes(h) + 7) &^ 7
		h.capacity = byteSize
		block := make([]byte, byteSize)
		encodeHeader(block, h)
		copy(block[headerSize:], a.payload()[:payloadBytes(a.hdr)])
		return sink.WriteBlock(block)
	}

	values := make([]int64, a.hdr.size)
	for i := range values {
		values[i] = a.get(i)
	}
	if a.hdr.hasRefs {
		for i, v := range values {
			if !isSubRef(v) || sink.Persisted(Ref(v)) {
				continue
			}
			child, err := InitArray(a.alloc, Ref(v))
			if err != nil {
				return 0, err
			}
			childRef, err := child.WriteTo(sink)
			if err != nil {
				return 0, err
			}
			values[i] = int64(childRef)
		}
	}

	width := a.hdr.width
	if a.hdr.widthType == wtBits {
		// Final child positions may need a wider element.
		for _, v := range values {
			if w := bitsFor(v); w > width {
				width = w
			}
		}
	}

	h := arrayHeader{
		isInner:   a.hdr.isInner,
		hasRefs:   a.hdr.hasRefs,
		indexFlag: a.hdr.indexFlag,
		widthType: a.hdr.widthType,
		width:     width,
		size:      a.hdr.size,
	}
	byteSize := (headerSize + payloadBytes(h) + 7) &^ 7
	if byteSize > maxBlockSize {
		return 0, Errorf(ErrFileTooLarge, "array of %d bytes exceeds format limit", byteSize)
	}
	h.capacity = byteSize
	block := make([]byte, byteSize)
	encodeHeader(block, h)

	out := Array{alloc: a.alloc, hdr: h, data: block}
	for i, v := range values {
		out.put(i, v)
	}
	return sink.WriteBlock(block)
}
