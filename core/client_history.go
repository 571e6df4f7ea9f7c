package core

// core/client_history.go — the client side of sync: an append-only log
// of locally produced changesets plus the progress cursors the session
// protocol advances.
//
// Persistence is a JSON-line WAL replayed on open, with a snapshot file
// rewritten when the log is trimmed or rewritten wholesale.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// SyncProgress carries the paired cursors exchanged with the server.
type SyncProgress struct {
	DownloadServerVersion        uint64 `json:"download_server_version"`
	DownloadLastIntegratedClient uint64 `json:"download_last_integrated_client"`
	UploadClientVersion          uint64 `json:"upload_client_version"`
	UploadLastIntegratedServer   uint64 `json:"upload_last_integrated_server"`
	LatestServerVersion          uint64 `json:"latest_server_version"`
	LatestServerSalt             uint64 `json:"latest_server_salt"`
}

// ClientHistoryEntry is one locally produced changeset.
type ClientHistoryEntry struct {
	Version        uint64 `json:"version"`
	Timestamp      int64  `json:"ts"`
	LastIntegrated uint64 `json:"last_integrated_server"`
	Changeset      []byte `json:"changeset"`
}

// clientHistoryState is the snapshot form.
type clientHistoryState struct {
	FileIdent   uint64               `json:"file_ident"`
	IdentSalt   uint64               `json:"ident_salt"`
	BaseVersion uint64               `json:"base_version"`
	Progress    SyncProgress         `json:"progress"`
	Entries     []ClientHistoryEntry `json:"entries"`
}

// ClientHistory owns one file's upload log.
type ClientHistory struct {
	mu     sync.Mutex
	logger *logrus.Logger
	dir    string
	wal    *os.File

	state clientHistoryState
}

type clientWALRecord struct {
	Kind     string              `json:"kind"` // append | progress | ident
	Entry    *ClientHistoryEntry `json:"entry,omitempty"`
	Progress *SyncProgress       `json:"progress,omitempty"`
	Ident    uint64              `json:"ident,omitempty"`
	Salt     uint64              `json:"salt,omitempty"`
}

// OpenClientHistory loads or creates the history under dir.
func OpenClientHistory(dir string, lg *logrus.Logger) (ch *ClientHistory, err error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	ch = &ClientHistory{logger: lg, dir: dir}
	ch.state.BaseVersion = 0

	if f, err2 := os.Open(ch.snapshotPath()); err2 == nil {
		if err := json.NewDecoder(f).Decode(&ch.state); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode history snapshot: %w", err)
		}
		f.Close()
	} else if !os.IsNotExist(err2) {
		return nil, err2
	}

	wal, err := os.OpenFile(ch.walPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()
	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	for scanner.Scan() {
		var rec clientWALRecord
		if err = json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("history WAL unmarshal: %w", err)
		}
		ch.replay(&rec)
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("history WAL scan: %w", err)
	}
	ch.wal = wal
	return ch, nil
}

func (ch *ClientHistory) snapshotPath() string { return filepath.Join(ch.dir, "history.snap") }
func (ch *ClientHistory) walPath() string      { return filepath.Join(ch.dir, "history.wal") }

func (ch *ClientHistory) replay(rec *clientWALRecord) {
	switch rec.Kind {
	case "append":
		if rec.Entry != nil {
			ch.state.Entries = append(ch.state.Entries, *rec.Entry)
		}
	case "progress":
		if rec.Progress != nil {
			ch.state.Progress = *rec.Progress
		}
	case "ident":
		ch.state.FileIdent = rec.Ident
		ch.state.IdentSalt = rec.Salt
		for i := range ch.state.Entries {
			ch.rewriteEntryIdent(&ch.state.Entries[i], rec.Ident)
		}
	}
}

func (ch *ClientHistory) appendWAL(rec *clientWALRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := ch.wal.Write(append(b, '\n')); err != nil {
		return err
	}
	return ch.wal.Sync()
}

// Close releases the WAL.
func (ch *ClientHistory) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.wal == nil {
		return nil
	}
	err := ch.wal.Close()
	ch.wal = nil
	return err
}

// FileIdent returns the assigned peer ident, zero before allocation.
func (ch *ClientHistory) FileIdent() (uint64, uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state.FileIdent, ch.state.IdentSalt
}

// Progress returns the current cursors.
func (ch *ClientHistory) Progress() SyncProgress {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state.Progress
}

// CurrentVersion is the newest local version, the base when the log is
// empty.
func (ch *ClientHistory) CurrentVersion() uint64 {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.currentVersionLocked()
}

func (ch *ClientHistory) currentVersionLocked() uint64 {
	if n := len(ch.state.Entries); n > 0 {
		return ch.state.Entries[n-1].Version
	}
	return ch.state.BaseVersion
}

// AddLocalChange appends a locally produced changeset and returns its
// client version.
func (ch *ClientHistory) AddLocalChange(changeset []byte, timestamp int64) (uint64, error) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	entry := ClientHistoryEntry{
		Version:        ch.currentVersionLocked() + 1,
		Timestamp:      timestamp,
		LastIntegrated: ch.state.Progress.DownloadServerVersion,
		Changeset:      changeset,
	}
	if err := ch.appendWAL(&clientWALRecord{Kind: "append", Entry: &entry}); err != nil {
		return 0, err
	}
	ch.state.Entries = append(ch.state.Entries, entry)
	return entry.Version, nil
}

// EntriesSince returns entries with Version > version, oldest first.
func (ch *ClientHistory) EntriesSince(version uint64) []ClientHistoryEntry {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	var out []ClientHistoryEntry
	for _, e := range ch.state.Entries {
		if e.Version > version {
			out = append(out, e)
		}
	}
	return out
}

// SetProgress records cursors acknowledged by the server and trims
// entries at or below the upload cursor.
func (ch *ClientHistory) SetProgress(p SyncProgress) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if p.UploadClientVersion < ch.state.Progress.UploadClientVersion ||
		p.DownloadServerVersion < ch.state.Progress.DownloadServerVersion {
		return NewError(ErrBadProgress)
	}
	if err := ch.appendWAL(&clientWALRecord{Kind: "progress", Progress: &p}); err != nil {
		return err
	}
	ch.state.Progress = p
	// Trim acknowledged entries.
	cut := 0
	for cut < len(ch.state.Entries) && ch.state.Entries[cut].Version <= p.UploadClientVersion {
		cut++
	}
	if cut > 0 {
		ch.state.BaseVersion = ch.state.Entries[cut-1].Version
		ch.state.Entries = ch.state.Entries[cut:]
		return ch.rewriteSnapshotLocked()
	}
	return nil
}

// SetFileIdent records the server-assigned ident and rewrites every
// pending changeset so GlobalKey(0, lo) becomes GlobalKey(ident, lo),
// payload links included.
func (ch *ClientHistory) SetFileIdent(ident, salt uint64) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ident == 0 {
		return NewError(ErrBadClientFileIdent)
	}
	if ch.state.FileIdent != 0 && ch.state.FileIdent != ident {
		return Errorf(ErrBadClientFileIdent, "ident already %d", ch.state.FileIdent)
	}
	if err := ch.appendWAL(&clientWALRecord{Kind: "ident", Ident: ident, Salt: salt}); err != nil {
		return err
	}
	ch.state.FileIdent = ident
	ch.state.IdentSalt = salt
	for i := range ch.state.Entries {
		ch.rewriteEntryIdent(&ch.state.Entries[i], ident)
	}
	return ch.rewriteSnapshotLocked()
}

func (ch *ClientHistory) rewriteEntryIdent(e *ClientHistoryEntry, ident uint64) {
	cs, err := ParseChangeset(e.Changeset)
	if err != nil {
		ch.logger.Warnf("history: entry %d unparsable during ident rewrite: %v", e.Version, err)
		return
	}
	cs.RewriteFileIdent(ident)
	e.Changeset = EncodeChangeset(cs)
}

// rewriteSnapshotLocked persists the full state and truncates the WAL.
func (ch *ClientHistory) rewriteSnapshotLocked() error {
	tmp := ch.snapshotPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&ch.state); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, ch.snapshotPath()); err != nil {
		return err
	}
	if err := ch.wal.Truncate(0); err != nil {
		return err
	}
	if _, err := ch.wal.Seek(0, 0); err != nil {
		return err
	}
	return ch.wal.Sync()
}
