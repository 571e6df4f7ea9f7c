package core

// core/alloc.go — slab allocator over a single memory-mapped file.
//
// Committed blocks live in the mapped region below the baseline and are
// never mutated (copy-on-write).  Blocks allocated during a write
// transaction live in heap slabs addressed above the baseline; commit
// streams them into the file and publishes a new top-ref.
//
// File header, 24 bytes:
//   [0:8]   top-ref slot 0
//   [8:16]  top-ref slot 1
//   [16:20] magic "LTDB"
//   [20]    file format version, slot 0
//   [21]    file format version, slot 1
//   [22]    reserved
//   [23]    flags; bit 0 selects the active slot

import (
	"os"
	"sort"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
)

// Ref names a 64-bit-aligned block position.  Zero is the null ref.
type Ref uint64

const (
	fileHeaderSize = 24
	fileMagic      = "LTDB"

	// CurrentFileFormat is the newest format this build writes; files
	// with a larger version are refused.
	CurrentFileFormat = 1

	// maxBlockSize keeps capacities inside the 24-bit header field.
	maxBlockSize = 1<<24 - 8
)

// Alloc is the narrow surface arrays need from an allocator.
type Alloc interface {
	Alloc(size int) (Ref, []byte, error)
	Free(ref Ref)
	Translate(ref Ref) []byte
	IsReadOnly(ref Ref) bool
}

// freeBlock records one reusable region of the file and the version at
// which it was freed.
type freeBlock struct {
	pos     Ref
	size    int
	version uint64
}

// SlabAlloc is the production allocator.  With no file attached it
// degrades to a pure in-memory allocator, which tests and transient
// arrays use.
type SlabAlloc struct {
	mu sync.Mutex

	path     string
	file     *os.File
	lock     *flock.Flock
	maps     []mmap.MMap // mapping history; latest covers the whole file
	baseline uint64      // committed bytes; refs below this are read-only
	fileSize uint64      // includes bytes appended by an in-flight commit

	nextSlab uint64
	slabs    map[Ref][]byte

	freeRead    []freeBlock // free list of the attached version
	freePending []freeBlock // freed during the open write transaction

	logger *logrus.Logger
}

// NewSlabAlloc returns a detached in-memory allocator.
func NewSlabAlloc(lg *logrus.Logger) *SlabAlloc {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	return &SlabAlloc{
		nextSlab: 1 << 40, // far above any real file size
		slabs:    make(map[Ref][]byte),
		logger:   lg,
	}
}

// AttachFile opens or creates the backing file and validates its header.
func (sa *SlabAlloc) AttachFile(path string, create bool) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()

	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return WrapError(ErrFileNotFound, err)
		}
		if os.IsPermission(err) {
			return WrapError(ErrFileAccessDenied, err)
		}
		return err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	if st.Size() == 0 {
		if err := initFileHeader(f); err != nil {
			f.Close()
			return err
		}
		st, err = f.Stat()
		if err != nil {
			f.Close()
			return err
		}
	}
	if st.Size() < fileHeaderSize {
		f.Close()
		return Errorf(ErrCorruption, "%s: truncated header", path)
	}

	m, err := mmap.MapRegion(f, int(st.Size()), mmap.RDWR, 0, 0)
	if err != nil {
		f.Close()
		return err
	}
	if string(m[16:20]) != fileMagic {
		m.Unmap()
		f.Close()
		return Errorf(ErrFileFormatUnsupported, "%s: bad magic", path)
	}
	slot := m[23] & 1
	if fmtVer := m[20+slot]; fmtVer > CurrentFileFormat {
		m.Unmap()
		f.Close()
		return Errorf(ErrFileFormatUnsupported, "%s: format %d newer than %d", path, fmtVer, CurrentFileFormat)
	}

	sa.path = path
	sa.file = f
	sa.lock = flock.New(path + ".lock")
	sa.maps = []mmap.MMap{m}
	sa.baseline = uint64(st.Size())
	sa.fileSize = sa.baseline
	return nil
}

func initFileHeader(f *os.File) error {
	var hdr [fileHeaderSize]byte
	copy(hdr[16:20], fileMagic)
	hdr[20] = CurrentFileFormat
	hdr[21] = CurrentFileFormat
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return err
	}
	return f.Sync()
}

// TopRef returns the active top-ref, or 0 for an empty file.
func (sa *SlabAlloc) TopRef() Ref {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if len(sa.maps) == 0 {
		return 0
	}
	m := sa.latestMap()
	slot := m[23] & 1
	return Ref(le64(m[8*slot : 8*slot+8]))
}

func (sa *SlabAlloc) latestMap() mmap.MMap { return sa.maps[len(sa.maps)-1] }

// Alloc hands out a fresh writable block of at least size bytes, rounded
// up to a multiple of 8.
func (sa *SlabAlloc) Alloc(size int) (Ref, []byte, error) {
	if size < headerSize {
		size = headerSize
	}
	rounded := (size + 7) &^ 7
	if rounded > maxBlockSize {
		return 0, nil, Errorf(ErrFileTooLarge, "block of %d bytes exceeds format limit", rounded)
	}
	sa.mu.Lock()
	defer sa.mu.Unlock()
	ref := Ref(sa.nextSlab)
	buf := make([]byte, rounded)
	sa.slabs[ref] = buf
	sa.nextSlab += uint64(rounded)
	return ref, buf, nil
}

// Free releases a block.  Slab blocks are dropped immediately; committed
// blocks are queued on the pending free list and become reusable once no
// reader can still observe them.
func (sa *SlabAlloc) Free(ref Ref) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if _, ok := sa.slabs[ref]; ok {
		delete(sa.slabs, ref)
		return
	}
	if uint64(ref) < sa.baseline {
		data := sa.translateLocked(ref)
		if len(data) >= headerSize {
			h := decodeHeader(data)
			sa.freePending = append(sa.freePending, freeBlock{pos: ref, size: h.capacity})
		}
	}
}

// Translate maps a ref to its block bytes.
func (sa *SlabAlloc) Translate(ref Ref) []byte {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.translateLocked(ref)
}

func (sa *SlabAlloc) translateLocked(ref Ref) []byte {
	if buf, ok := sa.slabs[ref]; ok {
		return buf
	}
	if uint64(ref) < sa.fileSize && len(sa.maps) > 0 {
		return sa.latestMap()[ref:]
	}
	return nil
}

// IsReadOnly reports whether ref belongs to a committed snapshot.
func (sa *SlabAlloc) IsReadOnly(ref Ref) bool {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	_, slab := sa.slabs[ref]
	return !slab && uint64(ref) < sa.baseline
}

// --------------------------------------------------------------------
// Commit support
// --------------------------------------------------------------------

// commitSink streams blocks into the file during commit, reusing free
// blocks no live reader can observe.
type commitSink struct {
	sa          *SlabAlloc
	oldestLive  uint64 // oldest pinned version; free blocks newer stay unused
	reusable    []freeBlock
	reused      map[int]bool
	written     map[Ref]bool
	noReuse     bool
	appendedEnd uint64
}

func (sa *SlabAlloc) newCommitSink(oldestLive uint64) *commitSink {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	s := &commitSink{
		sa:          sa,
		oldestLive:  oldestLive,
		reused:      map[int]bool{},
		written:     map[Ref]bool{},
		appendedEnd: sa.fileSize,
	}
	s.reusable = append(s.reusable, sa.freeRead...)
	sort.Slice(s.reusable, func(i, j int) bool { return s.reusable[i].size < s.reusable[j].size })
	return s
}

// Persisted reports whether ref was produced by this sink.
func (s *commitSink) Persisted(ref Ref) bool { return s.written[ref] }

// disableReuse forces the remaining blocks to append; the free-list
// arrays themselves are written this way so persisting the list cannot
// consume entries from it.
func (s *commitSink) disableReuse() { s.noReuse = true }

// WriteBlock persists one serialized block and returns its file ref.
func (s *commitSink) WriteBlock(data []byte) (Ref, error) {
	need := len(data)
	if !s.noReuse {
		// Best-fit search over free blocks safe to overwrite.
		for i, fb := range s.reusable {
			if s.reused[i] || fb.size < need || fb.version > s.oldestLive {
				continue
			}
			s.reused[i] = true
			if _, err := s.sa.file.WriteAt(data, int64(fb.pos)); err != nil {
				return 0, err
			}
			s.written[fb.pos] = true
			return fb.pos, nil
		}
	}
	pos := s.appendedEnd
	if _, err := s.sa.file.WriteAt(data, int64(pos)); err != nil {
		return 0, err
	}
	s.appendedEnd = pos + uint64((need+7)&^7)
	s.written[Ref(pos)] = true
	return Ref(pos), nil
}

// survivors returns the free-list entries not consumed by this commit.
func (s *commitSink) survivors() []freeBlock {
	var out []freeBlock
	for i, fb := range s.reusable {
		if !s.reused[i] {
			out = append(out, fb)
		}
	}
	return out
}

// publishTopRef performs the durability dance: sync the streamed data,
// write the inactive header slot, sync, flip the selector, sync again.
// A crash at any point leaves the previous snapshot intact.
func (sa *SlabAlloc) publishTopRef(topRef Ref, newSize uint64) error {
	if err := sa.writeTopRefSlot(topRef, newSize); err != nil {
		return err
	}
	return sa.flipSelector(newSize)
}

// writeTopRefSlot syncs the appended payload and records topRef in the
// inactive header slot.  The selector still names the old snapshot.
func (sa *SlabAlloc) writeTopRefSlot(topRef Ref, newSize uint64) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	if err := sa.file.Sync(); err != nil {
		return err
	}
	m := sa.latestMap()
	inactive := (m[23] & 1) ^ 1
	var slot [8]byte
	put64(slot[:], uint64(topRef))
	if _, err := sa.file.WriteAt(slot[:], int64(8*inactive)); err != nil {
		return err
	}
	if _, err := sa.file.WriteAt([]byte{CurrentFileFormat}, int64(20+inactive)); err != nil {
		return err
	}
	sa.fileSize = newSize
	return sa.file.Sync()
}

// flipSelector atomically activates the slot written by writeTopRefSlot
// and remaps the grown file.
func (sa *SlabAlloc) flipSelector(newSize uint64) error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	m := sa.maps[len(sa.maps)-1]
	flags := m[23] ^ 1
	if _, err := sa.file.WriteAt([]byte{flags}, 23); err != nil {
		return err
	}
	if err := sa.file.Sync(); err != nil {
		return err
	}
	nm, err := mmap.MapRegion(sa.file, int(newSize), mmap.RDWR, 0, 0)
	if err != nil {
		return err
	}
	sa.maps = append(sa.maps, nm)
	sa.baseline = newSize
	sa.fileSize = newSize
	return nil
}

// resetWrite discards every slab and pending free; rollback path.
func (sa *SlabAlloc) resetWrite() {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.slabs = make(map[Ref][]byte)
	sa.freePending = nil
}

// takePendingFrees drains the blocks freed by the current transaction.
func (sa *SlabAlloc) takePendingFrees() []freeBlock {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	out := sa.freePending
	sa.freePending = nil
	return out
}

func (sa *SlabAlloc) setFreeRead(list []freeBlock) {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	sa.freeRead = list
}

// acquireWriteLock takes the inter-process advisory lock for commit
// publication.
func (sa *SlabAlloc) acquireWriteLock() error {
	if sa.lock == nil {
		return nil
	}
	ok, err := sa.lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return NewError(ErrBusyWriter)
	}
	return nil
}

func (sa *SlabAlloc) releaseWriteLock() {
	if sa.lock != nil {
		_ = sa.lock.Unlock()
	}
}

// Close unmaps every mapping and closes the file.
func (sa *SlabAlloc) Close() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	var first error
	for _, m := range sa.maps {
		if err := m.Unmap(); err != nil && first == nil {
			first = err
		}
	}
	sa.maps = nil
	if sa.file != nil {
		if err := sa.file.Close(); err != nil && first == nil {
			first = err
		}
		sa.file = nil
	}
	return first
}

func le64(b []byte) uint64 {
	_ = b[7]
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

func put64(b []byte, v uint64) {
	_ = b[7]
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
