package core

// core/blob.go — raw byte payloads (strings, binary data) stored as
// width-multiply arrays.

// allocBlob stores data as a single raw-payload block.
func allocBlob(alloc Alloc, data []byte) (Ref, error) {
	need := headerSize + len(data)
	ref, block, err := alloc.Alloc(need)
	if err != nil {
		return 0, err
	}
	h := arrayHeader{widthType: wtMultiply, width: 1, size: len(data), capacity: len(block)}
	encodeHeader(block, h)
	copy(block[headerSize:], data)
	return ref, nil
}

// readBlob returns the payload bytes of a blob block.  The slice aliases
// allocator memory and must be copied before any mutation.
func readBlob(alloc Alloc, ref Ref) ([]byte, error) {
	data := alloc.Translate(ref)
	if len(data) < headerSize {
		return nil, Errorf(ErrCorruption, "blob ref %d: short block", ref)
	}
	h := decodeHeader(data)
	if h.widthType != wtMultiply || headerSize+h.size > h.capacity {
		return nil, Errorf(ErrCorruption, "blob ref %d: malformed header", ref)
	}
	return data[headerSize : headerSize+h.size], nil
}

// readString is readBlob with a string copy.
func readString(alloc Alloc, ref Ref) (string, error) {
	b, err := readBlob(alloc, ref)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
