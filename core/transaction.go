package core

// core/transaction.go — multi-reader / single-writer transactions over
// one lattice file.
//
// Readers pin the version they opened at and never block on writers.
// The single writer streams modified arrays into the file at commit and
// publishes the new top-ref with the dual-slot selector flip; a crash at
// any point leaves the previous snapshot intact.

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// DB owns one lattice file.
type DB struct {
	mu      sync.Mutex
	alloc   *SlabAlloc
	logger  *logrus.Logger
	path    string
	version uint64
	topRef  Ref
	writing bool
	pins    map[uint64]int // version → open reader count
	history map[uint64]Ref // version → top-ref for advance-read
}

// OpenDB opens or creates a lattice file.
func OpenDB(path string, lg *logrus.Logger) (*DB, error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	sa := NewSlabAlloc(lg)
	if err := sa.AttachFile(path, true); err != nil {
		return nil, err
	}
	db := &DB{
		alloc:   sa,
		logger:  lg,
		path:    path,
		pins:    make(map[uint64]int),
		history: make(map[uint64]Ref),
	}
	db.topRef = sa.TopRef()
	if db.topRef != 0 {
		g, err := loadGroup(sa, db.topRef)
		if err != nil {
			sa.Close()
			return nil, err
		}
		db.version = g.version
		sa.setFreeRead(g.freeList)
	}
	db.history[db.version] = db.topRef
	lg.Debugf("lattice: opened %s at version %d", path, db.version)
	return db, nil
}

// Close releases the file.  Outstanding transactions become invalid.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.alloc.Close()
}

// Version returns the most recently committed version.
func (db *DB) Version() uint64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.version
}

func (db *DB) pin(version uint64) {
	db.pins[version]++
}

func (db *DB) unpin(version uint64) {
	if db.pins[version]--; db.pins[version] <= 0 {
		delete(db.pins, version)
		delete(db.history, version)
		db.history[db.version] = db.topRef // current stays reachable
	}
}

// oldestLive returns the oldest version some reader still observes.
func (db *DB) oldestLive() uint64 {
	oldest := db.version
	for v := range db.pins {
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}

// --------------------------------------------------------------------
// Read transactions
// --------------------------------------------------------------------

// ReadTxn is a pinned consistent view.
type ReadTxn struct {
	db      *DB
	version uint64
	topRef  Ref
	group   *Group
	closed  bool
}

// BeginRead pins the current version.
func (db *DB) BeginRead() (*ReadTxn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	tx := &ReadTxn{db: db, version: db.version, topRef: db.topRef}
	if tx.topRef != 0 {
		g, err := loadGroup(db.alloc, tx.topRef)
		if err != nil {
			return nil, err
		}
		tx.group = g
	} else {
		tx.group = newGroup(db.alloc)
	}
	db.pin(tx.version)
	return tx, nil
}

// Group exposes the transaction's root.
func (tx *ReadTxn) Group() (*Group, error) {
	if tx.closed {
		return nil, NewError(ErrVersionInvalidated)
	}
	return tx.group, nil
}

// Version returns the pinned version.
func (tx *ReadTxn) Version() uint64 { return tx.version }

// Close releases the version pin.
func (tx *ReadTxn) Close() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.db.mu.Lock()
	tx.db.unpin(tx.version)
	tx.db.mu.Unlock()
}

// AdvanceRead moves the view to the latest committed version.  It
// reports whether the view changed; every accessor obtained before a
// refresh is invalid afterwards.
func (tx *ReadTxn) AdvanceRead() (bool, error) {
	if tx.closed {
		return false, NewError(ErrVersionInvalidated)
	}
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.version == tx.db.version {
		return false, nil
	}
	g, err := loadGroup(tx.db.alloc, tx.db.topRef)
	if err != nil {
		return false, err
	}
	tx.db.unpin(tx.version)
	tx.version = tx.db.version
	tx.topRef = tx.db.topRef
	tx.group = g
	tx.db.pin(tx.version)
	return true, nil
}

// --------------------------------------------------------------------
// Write transactions
// --------------------------------------------------------------------

// WriteTxn is the exclusive mutable view.
type WriteTxn struct {
	db     *DB
	base   uint64
	group  *Group
	closed bool
}

// BeginWrite acquires the writer role; a second concurrent writer gets
// ErrBusyWriter.
func (db *DB) BeginWrite() (*WriteTxn, error) {
	db.mu.Lock()
	if db.writing {
		db.mu.Unlock()
		return nil, NewError(ErrBusyWriter)
	}
	db.writing = true
	topRef := db.topRef
	base := db.version
	db.mu.Unlock()

	if err := db.alloc.acquireWriteLock(); err != nil {
		db.mu.Lock()
		db.writing = false
		db.mu.Unlock()
		return nil, err
	}
	tx := &WriteTxn{db: db, base: base}
	if topRef != 0 {
		g, err := loadGroup(db.alloc, topRef)
		if err != nil {
			tx.abort()
			return nil, err
		}
		tx.group = g
	} else {
		tx.group = newGroup(db.alloc)
	}
	return tx, nil
}

// Group exposes the mutable root.
func (tx *WriteTxn) Group() (*Group, error) {
	if tx.closed {
		return nil, NewError(ErrVersionInvalidated)
	}
	return tx.group, nil
}

func (tx *WriteTxn) abort() {
	tx.db.alloc.resetWrite()
	tx.db.alloc.releaseWriteLock()
	tx.db.mu.Lock()
	tx.db.writing = false
	tx.db.mu.Unlock()
}

// Rollback discards every allocation made by the transaction.
func (tx *WriteTxn) Rollback() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.abort()
}

// Commit streams the modified state, runs the durability dance and
// returns the new version.  After Commit begins publication it runs to
// completion.
func (tx *WriteTxn) Commit() (uint64, error) {
	if tx.closed {
		return 0, NewError(ErrVersionInvalidated)
	}
	tx.closed = true

	tx.db.mu.Lock()
	newVersion := tx.db.version + 1
	oldest := tx.db.oldestLive()
	tx.db.mu.Unlock()

	sink := tx.db.alloc.newCommitSink(oldest)
	pending := tx.db.alloc.takePendingFrees()
	topRef, err := tx.group.writeTo(sink, newVersion, pending)
	if err != nil {
		tx.abort()
		return 0, err
	}
	if err := tx.db.alloc.publishTopRef(topRef, sink.appendedEnd); err != nil {
		tx.abort()
		return 0, WrapError(ErrCorruption, err)
	}
	tx.db.alloc.setFreeRead(tx.group.freeList)
	tx.db.alloc.resetWrite()
	tx.db.alloc.releaseWriteLock()

	tx.db.mu.Lock()
	tx.db.version = newVersion
	tx.db.topRef = topRef
	tx.db.history[newVersion] = topRef
	tx.db.writing = false
	tx.db.mu.Unlock()
	tx.db.logger.Debugf("lattice: committed version %d top-ref %d", newVersion, topRef)
	return newVersion, nil
}
