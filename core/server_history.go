package core

// core/server_history.go — the server side of sync: the append-only
// sync_history, per-peer client-file registry with reciprocal history,
// changeset integration and bounded-time compaction.
//
// Persistence mirrors the client history: JSON-line WAL replayed on
// open, snapshot rewritten on trim.

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// ClientType classifies registered client files.
type ClientType int

const (
	ClientTypeSentinel ClientType = iota // index 0 only
	ClientTypeSelf
	ClientTypeUpstream
	ClientTypeIndirect
	ClientTypeRegular
	ClientTypeSubserver
	ClientTypeLegacy
)

func validClientType(t ClientType) bool {
	switch t {
	case ClientTypeSelf, ClientTypeUpstream, ClientTypeIndirect,
		ClientTypeRegular, ClientTypeSubserver, ClientTypeLegacy:
		return true
	}
	return false
}

// HistoryEntry is one element of sync_history; entry i carries server
// version BaseVersion+i+1.
type HistoryEntry struct {
	Salt            uint64 `json:"salt"`
	OriginFileIdent uint64 `json:"origin"`
	ClientVersion   uint64 `json:"client_version"`
	Timestamp       int64  `json:"ts"`
	Changeset       []byte `json:"changeset"`
	CumulativeBytes uint64 `json:"cumulative_bytes"`
}

// ReciprocalEntry is a locally produced changeset transformed for one
// peer but not yet acknowledged by it.
type ReciprocalEntry struct {
	ServerVersion uint64 `json:"server_version"`
	Changeset     []byte `json:"changeset"`
}

// ClientFileEntry is client_files[i]; the slice index is the file ident.
type ClientFileEntry struct {
	IdentSalt           uint64            `json:"ident_salt"`
	LastClientVersion   uint64            `json:"last_client_version"`
	RHBaseVersion       uint64            `json:"rh_base_version"`
	Reciprocal          []ReciprocalEntry `json:"reciprocal,omitempty"`
	ProxyFile           uint64            `json:"proxy_file"`
	Type                ClientType        `json:"type"`
	LastSeen            int64             `json:"last_seen"` // zero marks expiry
	LockedServerVersion uint64            `json:"locked_server_version"`
}

// ServerHistoryConfig tunes compaction.
type ServerHistoryConfig struct {
	HistoryTTL                time.Duration
	CompactionInterval        time.Duration
	DisableCompaction         bool
	CompactionIgnoreClients   bool // ignore client locks when advancing
	EnableDownloadCompaction  bool // merge consecutive changesets in DOWNLOAD
	MaxCompactableVersionFunc func() uint64 // optional external veto
	Seed                      int64
}

type serverHistoryState struct {
	BaseVersion    uint64            `json:"base_version"`
	Entries        []HistoryEntry    `json:"entries"`
	ClientFiles    []ClientFileEntry `json:"client_files"`
	CompactedUntil uint64            `json:"compacted_until"`
	LastCompaction int64             `json:"last_compaction"`
}

// ChangesetApplier applies an integrated changeset to server state.
type ChangesetApplier interface {
	Apply(cs *Changeset) error
}

// ServerHistory owns one served file's history.
type ServerHistory struct {
	mu     sync.Mutex
	cfg    ServerHistoryConfig
	logger *logrus.Logger
	rng    *rand.Rand
	dir    string
	wal    *os.File

	state   serverHistoryState
	applier ChangesetApplier

	// parseCache memoizes decoded changesets by server version; the
	// transform path re-reads the same concurrent entries for every
	// uploading peer.
	parseCache *lru.Cache[uint64, *Changeset]
}

type serverWALRecord struct {
	Kind    string           `json:"kind"` // append | client | compact
	Entry   *HistoryEntry    `json:"entry,omitempty"`
	Ident   uint64           `json:"ident,omitempty"`
	Client  *ClientFileEntry `json:"client,omitempty"`
	Compact *struct {
		Until uint64 `json:"until"`
		Base  uint64 `json:"base"`
		TS    int64  `json:"ts"`
	} `json:"compact,omitempty"`
}

// OpenServerHistory loads or creates the history under dir.
func OpenServerHistory(dir string, cfg ServerHistoryConfig, lg *logrus.Logger) (sh *ServerHistory, err error) {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	sh = &ServerHistory{cfg: cfg, logger: lg, rng: rand.New(rand.NewSource(seed)), dir: dir}
	sh.parseCache, _ = lru.New[uint64, *Changeset](1024)

	if f, err2 := os.Open(sh.snapshotPath()); err2 == nil {
		if err := json.NewDecoder(f).Decode(&sh.state); err != nil {
			f.Close()
			return nil, fmt.Errorf("decode server history snapshot: %w", err)
		}
		f.Close()
	} else if !os.IsNotExist(err2) {
		return nil, err2
	}
	if len(sh.state.ClientFiles) == 0 {
		// Index 0 is the sentinel, index 1 the root-node self entry.
		sh.state.ClientFiles = []ClientFileEntry{
			{Type: ClientTypeSentinel},
			{Type: ClientTypeSelf, LastSeen: time.Now().Unix()},
		}
	}

	wal, err := os.OpenFile(sh.walPath(), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open server history WAL: %w", err)
	}
	defer func() {
		if err != nil {
			_ = wal.Close()
		}
	}()
	scanner := bufio.NewScanner(wal)
	scanner.Buffer(make([]byte, 1<<20), 1<<24)
	for scanner.Scan() {
		var rec serverWALRecord
		if err = json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("server history WAL unmarshal: %w", err)
		}
		sh.replay(&rec)
	}
	if err = scanner.Err(); err != nil {
		return nil, fmt.Errorf("server history WAL scan: %w", err)
	}
	sh.wal = wal
	return sh, nil
}

func (sh *ServerHistory) snapshotPath() string { return filepath.Join(sh.dir, "server.snap") }
func (sh *ServerHistory) walPath() string      { return filepath.Join(sh.dir, "server.wal") }

func (sh *ServerHistory) replay(rec *serverWALRecord) {
	switch rec.Kind {
	case "append":
		if rec.Entry != nil {
			sh.state.Entries = append(sh.state.Entries, *rec.Entry)
		}
	case "client":
		if rec.Client != nil {
			for uint64(len(sh.state.ClientFiles)) <= rec.Ident {
				sh.state.ClientFiles = append(sh.state.ClientFiles, ClientFileEntry{})
			}
			sh.state.ClientFiles[rec.Ident] = *rec.Client
		}
	case "compact":
		if rec.Compact != nil {
			sh.state.CompactedUntil = rec.Compact.Until
			sh.state.BaseVersion = rec.Compact.Base
			sh.state.LastCompaction = rec.Compact.TS
		}
	}
}

func (sh *ServerHistory) appendWAL(rec *serverWALRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if _, err := sh.wal.Write(append(b, '\n')); err != nil {
		return err
	}
	return sh.wal.Sync()
}

func (sh *ServerHistory) persistClient(ident uint64) error {
	cf := sh.state.ClientFiles[ident]
	return sh.appendWAL(&serverWALRecord{Kind: "client", Ident: ident, Client: &cf})
}

// Close releases the WAL.
func (sh *ServerHistory) Close() error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.wal == nil {
		return nil
	}
	err := sh.wal.Close()
	sh.wal = nil
	return err
}

// SetApplier wires state application for integrated changesets.
func (sh *ServerHistory) SetApplier(a ChangesetApplier) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.applier = a
}

// ServerVersion is the version of the newest history entry.
func (sh *ServerHistory) ServerVersion() uint64 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.serverVersionLocked()
}

func (sh *ServerHistory) serverVersionLocked() uint64 {
	return sh.state.BaseVersion + uint64(len(sh.state.Entries))
}

// ServerVersionSalt returns the salt paired with a server version, zero
// for versions at or below the base.
func (sh *ServerHistory) ServerVersionSalt(version uint64) uint64 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.saltLocked(version)
}

func (sh *ServerHistory) saltLocked(version uint64) uint64 {
	if version <= sh.state.BaseVersion {
		return 0
	}
	i := version - sh.state.BaseVersion - 1
	if i >= uint64(len(sh.state.Entries)) {
		return 0
	}
	return sh.state.Entries[i].Salt
}

// CompactedUntil exposes the compaction floor.
func (sh *ServerHistory) CompactedUntil() uint64 {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.state.CompactedUntil
}

// ClientFile returns a copy of the registry entry.
func (sh *ServerHistory) ClientFile(ident uint64) (ClientFileEntry, bool) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ident == 0 || ident >= uint64(len(sh.state.ClientFiles)) {
		return ClientFileEntry{}, false
	}
	return sh.state.ClientFiles[ident], true
}

// AllocateFileIdent registers a new client file and returns (ident,
// salt).
func (sh *ServerHistory) AllocateFileIdent(t ClientType, proxy uint64) (uint64, uint64, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if !validClientType(t) {
		return 0, 0, Errorf(ErrBadClientFileIdent, "client type %d", t)
	}
	salt := sh.rng.Uint64() >> 1 // keep within 63 bits like the ident space
	cf := ClientFileEntry{
		IdentSalt:     salt,
		RHBaseVersion: sh.serverVersionLocked(),
		ProxyFile:     proxy,
		Type:          t,
		LastSeen:      time.Now().Unix(),
	}
	sh.state.ClientFiles = append(sh.state.ClientFiles, cf)
	ident := uint64(len(sh.state.ClientFiles) - 1)
	if err := sh.persistClient(ident); err != nil {
		sh.state.ClientFiles = sh.state.ClientFiles[:ident]
		return 0, 0, err
	}
	sh.logger.Infof("sync: allocated client file ident %d", ident)
	return ident, salt, nil
}

// BootstrapClientSession validates a session's opening claim and returns
// the upload progress the server last recorded for the peer.
func (sh *ServerHistory) BootstrapClientSession(
	ident, identSalt uint64,
	download SyncProgress,
	serverVersion, serverVersionSalt uint64,
	t ClientType,
) (uploadClientVersion, lockedServerVersion uint64, bootErr *BootstrapError) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if ident == 0 || ident >= uint64(len(sh.state.ClientFiles)) {
		return 0, 0, &BootstrapError{Kind: BootstrapBadClientFileIdent}
	}
	cf := &sh.state.ClientFiles[ident]
	if cf.Type == ClientTypeSentinel {
		return 0, 0, &BootstrapError{Kind: BootstrapBadClientFileIdent}
	}
	if cf.IdentSalt != identSalt {
		return 0, 0, &BootstrapError{Kind: BootstrapBadClientFileIdentSalt}
	}
	if !validClientType(t) || t != cf.Type {
		return 0, 0, &BootstrapError{Kind: BootstrapBadClientType}
	}
	if cf.LastSeen == 0 || cf.RHBaseVersion < sh.state.CompactedUntil {
		return 0, 0, &BootstrapError{Kind: BootstrapClientFileExpired}
	}
	current := sh.serverVersionLocked()
	if download.DownloadServerVersion > current ||
		download.DownloadServerVersion < sh.state.CompactedUntil {
		return 0, 0, &BootstrapError{Kind: BootstrapBadDownloadServerVersion}
	}
	if download.DownloadLastIntegratedClient > cf.LastClientVersion {
		return 0, 0, &BootstrapError{Kind: BootstrapBadDownloadClientVersion}
	}
	if serverVersion > current {
		return 0, 0, &BootstrapError{Kind: BootstrapBadServerVersion}
	}
	if serverVersion > sh.state.BaseVersion {
		if sh.saltLocked(serverVersion) != serverVersionSalt {
			return 0, 0, &BootstrapError{Kind: BootstrapBadServerVersionSalt}
		}
	}
	cf.LastSeen = time.Now().Unix()
	if err := sh.persistClient(ident); err != nil {
		sh.logger.Errorf("sync: persist client %d: %v", ident, err)
	}
	return cf.LastClientVersion, cf.LockedServerVersion, nil
}

// --------------------------------------------------------------------
// Integration
// --------------------------------------------------------------------

// IntegrationFailure records one excluded client file.
type IntegrationFailure struct {
	Ident uint64
	Cause error
}

// IntegrationResult reports one IntegrateClientChangesets batch.
type IntegrationResult struct {
	Integrated    int
	NewVersion    uint64
	Failures      []IntegrationFailure
}

// IntegrateClientChangesets integrates batches from several client
// files.  Files are processed in randomized order; a BadChangeset or
// TransformError excludes only the offending file, and the remaining
// files go on integrating against the history as it stands.  Nothing is
// rolled back or retried: changesets of the offending file integrated
// before the failure stay in the history.
func (sh *ServerHistory) IntegrateClientChangesets(batches map[uint64][]*Changeset) (*IntegrationResult, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	res := &IntegrationResult{}
	order := make([]uint64, 0, len(batches))
	for ident := range batches {
		order = append(order, ident)
	}
	sh.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	for _, ident := range order {
		if err := sh.integrateOneLocked(ident, batches[ident], res); err != nil {
			// Structural failure of the batch is isolated to its file.
			res.Failures = append(res.Failures, IntegrationFailure{Ident: ident, Cause: err})
			sh.logger.Warnf("sync: client file %d excluded from batch: %v", ident, err)
		}
	}
	res.NewVersion = sh.serverVersionLocked()
	return res, nil
}

func (sh *ServerHistory) integrateOneLocked(ident uint64, list []*Changeset, res *IntegrationResult) error {
	if ident == 0 || ident >= uint64(len(sh.state.ClientFiles)) {
		return NewError(ErrBadOriginFileIdent)
	}
	cf := &sh.state.ClientFiles[ident]
	for _, cs := range list {
		if cs.OriginFileIdent != ident {
			return Errorf(ErrBadOriginFileIdent, "changeset origin %d on file %d", cs.OriginFileIdent, ident)
		}
		if cs.Version <= cf.LastClientVersion {
			// Already integrated; idempotent skip.
			continue
		}
		// Transform against history the peer has not observed.
		concurrent, versions := sh.entriesAfterLocked(cs.LastIntegrated, ident)
		if len(concurrent) > 0 {
			local := make([]*Changeset, 0, len(concurrent))
			for i, e := range concurrent {
				parsed, err := sh.parseEntryLocked(versions[i], e)
				if err != nil {
					return WrapError(ErrTransformError, err)
				}
				local = append(local, parsed)
			}
			if err := TransformRemote(local, []*Changeset{cs}); err != nil {
				return err
			}
		}
		if sh.applier != nil {
			if err := sh.applier.Apply(cs); err != nil {
				return WrapError(ErrBadChangeset, err)
			}
		}
		encoded := EncodeChangeset(cs)
		prevCumulative := uint64(0)
		if n := len(sh.state.Entries); n > 0 {
			prevCumulative = sh.state.Entries[n-1].CumulativeBytes
		}
		entry := HistoryEntry{
			Salt:            sh.rng.Uint64() >> 1,
			OriginFileIdent: ident,
			ClientVersion:   cs.Version,
			Timestamp:       cs.Timestamp,
			Changeset:       encoded,
			CumulativeBytes: prevCumulative + uint64(len(encoded)),
		}
		if err := sh.appendWAL(&serverWALRecord{Kind: "append", Entry: &entry}); err != nil {
			return err
		}
		sh.state.Entries = append(sh.state.Entries, entry)
		cf.LastClientVersion = cs.Version
		cf.LockedServerVersion = sh.serverVersionLocked()
		res.Integrated++
	}
	cf.LastSeen = time.Now().Unix()
	return sh.persistClient(ident)
}

// entriesAfterLocked returns history entries with version > after whose
// origin differs from exclude, plus their server versions.
func (sh *ServerHistory) entriesAfterLocked(after uint64, exclude uint64) ([]HistoryEntry, []uint64) {
	var out []HistoryEntry
	var versions []uint64
	for i := range sh.state.Entries {
		version := sh.state.BaseVersion + uint64(i) + 1
		if version <= after {
			continue
		}
		if sh.state.Entries[i].OriginFileIdent == exclude {
			continue
		}
		out = append(out, sh.state.Entries[i])
		versions = append(versions, version)
	}
	return out, versions
}

// parseEntryLocked decodes one history entry through the LRU cache.
func (sh *ServerHistory) parseEntryLocked(version uint64, e HistoryEntry) (*Changeset, error) {
	if cached, ok := sh.parseCache.Get(version); ok {
		return cached, nil
	}
	parsed, err := ParseChangeset(e.Changeset)
	if err != nil {
		return nil, err
	}
	parsed.OriginFileIdent = e.OriginFileIdent
	parsed.Timestamp = e.Timestamp
	sh.parseCache.Add(version, parsed)
	return parsed, nil
}

// --------------------------------------------------------------------
// Download
// --------------------------------------------------------------------

// DownloadInfo is one DOWNLOAD message worth of history.
type DownloadInfo struct {
	Entries       []HistoryEntry
	EndVersion    uint64 // server version of the last included entry
	LastInBatch   bool   // nothing further up to `to`
}

// FetchDownloadInfo collects entries in (from, to] for a peer, skipping
// its own changesets and empty ones, bounded by softLimit cumulative
// bytes.  With download compaction enabled, consecutive entries merge
// semantically into one changeset.
func (sh *ServerHistory) FetchDownloadInfo(fileIdent, from, to uint64, softLimit int) (*DownloadInfo, error) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if to > sh.serverVersionLocked() || from > to {
		return nil, NewError(ErrBadServerVersion)
	}
	if from < sh.state.BaseVersion {
		return nil, NewError(ErrBadServerVersion)
	}
	info := &DownloadInfo{EndVersion: from}
	bytes := 0
	for i := range sh.state.Entries {
		version := sh.state.BaseVersion + uint64(i) + 1
		if version <= from {
			continue
		}
		if version > to {
			break
		}
		e := sh.state.Entries[i]
		info.EndVersion = version
		if e.OriginFileIdent == fileIdent || len(e.Changeset) == 0 {
			continue
		}
		info.Entries = append(info.Entries, e)
		bytes += len(e.Changeset)
		if softLimit > 0 && bytes >= softLimit {
			break
		}
	}
	info.LastInBatch = info.EndVersion == to
	if sh.cfg.EnableDownloadCompaction && len(info.Entries) > 1 {
		merged, err := sh.mergeEntriesLocked(info.Entries)
		if err != nil {
			return nil, err
		}
		info.Entries = merged
	}
	return info, nil
}

// mergeEntriesLocked merges runs of entries from the same origin.
func (sh *ServerHistory) mergeEntriesLocked(entries []HistoryEntry) ([]HistoryEntry, error) {
	var out []HistoryEntry
	i := 0
	for i < len(entries) {
		j := i + 1
		for j < len(entries) && entries[j].OriginFileIdent == entries[i].OriginFileIdent {
			j++
		}
		if j == i+1 {
			out = append(out, entries[i])
			i = j
			continue
		}
		var parsed []*Changeset
		for k := i; k < j; k++ {
			cs, err := ParseChangeset(entries[k].Changeset)
			if err != nil {
				return nil, err
			}
			cs.OriginFileIdent = entries[k].OriginFileIdent
			cs.Timestamp = entries[k].Timestamp
			parsed = append(parsed, cs)
		}
		merged := *MergeChangesets(parsed)
		last := entries[j-1]
		last.Changeset = EncodeChangeset(&merged)
		out = append(out, last)
		i = j
	}
	return out, nil
}

// --------------------------------------------------------------------
// Reciprocal history
// --------------------------------------------------------------------

// ReciprocalFor returns the unacknowledged transformed changesets held
// for a peer.
func (sh *ServerHistory) ReciprocalFor(ident uint64) []ReciprocalEntry {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ident >= uint64(len(sh.state.ClientFiles)) {
		return nil
	}
	out := make([]ReciprocalEntry, len(sh.state.ClientFiles[ident].Reciprocal))
	copy(out, sh.state.ClientFiles[ident].Reciprocal)
	return out
}

// AddReciprocal records a transformed changeset for a peer.
func (sh *ServerHistory) AddReciprocal(ident uint64, e ReciprocalEntry) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ident == 0 || ident >= uint64(len(sh.state.ClientFiles)) {
		return NewError(ErrBadClientFileIdent)
	}
	cf := &sh.state.ClientFiles[ident]
	cf.Reciprocal = append(cf.Reciprocal, e)
	return sh.persistClient(ident)
}

// TrimReciprocal discards reciprocal entries at or below ackedVersion
// and advances the peer's reciprocal base.  The number of entries to
// erase is counted before they are dropped, and the base moves up to
// ackedVersion when that is above it.
func (sh *ServerHistory) TrimReciprocal(ident, ackedVersion uint64) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ident == 0 || ident >= uint64(len(sh.state.ClientFiles)) {
		return NewError(ErrBadClientFileIdent)
	}
	cf := &sh.state.ClientFiles[ident]
	nErased := 0
	for _, e := range cf.Reciprocal {
		if e.ServerVersion <= ackedVersion {
			nErased++
		}
	}
	if nErased == 0 {
		return nil
	}
	cf.Reciprocal = cf.Reciprocal[nErased:]
	if ackedVersion > cf.RHBaseVersion {
		cf.RHBaseVersion = ackedVersion
	}
	return sh.persistClient(ident)
}

// --------------------------------------------------------------------
// Compaction
// --------------------------------------------------------------------

// CompactHistory expires stale peers and advances the compaction floor.
// It runs at most once per compaction interval with a ±50% jitter drawn
// from the engine's own RNG, and never expires the sentinel or the
// upstream entry of a subtier node.
func (sh *ServerHistory) CompactHistory(now time.Time) error {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.cfg.DisableCompaction {
		return nil
	}
	if sh.cfg.CompactionInterval > 0 && sh.state.LastCompaction != 0 {
		interval := sh.cfg.CompactionInterval
		// Jitter in [-50%, +50%).
		jitter := time.Duration(sh.rng.Int63n(int64(interval))) - interval/2
		if now.Sub(time.Unix(sh.state.LastCompaction, 0)) < interval+jitter {
			return nil
		}
	}

	// Expire client files not seen within the TTL.
	if sh.cfg.HistoryTTL > 0 {
		cutoff := now.Add(-sh.cfg.HistoryTTL).Unix()
		for ident := range sh.state.ClientFiles {
			cf := &sh.state.ClientFiles[ident]
			switch cf.Type {
			case ClientTypeSentinel, ClientTypeSelf, ClientTypeUpstream:
				continue
			}
			if cf.LastSeen != 0 && cf.LastSeen < cutoff {
				cf.LastSeen = 0
				cf.Reciprocal = nil
				if err := sh.persistClient(uint64(ident)); err != nil {
					return err
				}
				sh.logger.Infof("sync: expired client file %d", ident)
			}
		}
	}

	// Advance the floor to the minimum reciprocal base of live peers.
	floor := sh.serverVersionLocked()
	for ident := 1; ident < len(sh.state.ClientFiles); ident++ {
		cf := &sh.state.ClientFiles[ident]
		if cf.LastSeen == 0 || cf.Type == ClientTypeSelf {
			continue
		}
		if sh.cfg.CompactionIgnoreClients && cf.Type == ClientTypeRegular {
			continue
		}
		if cf.RHBaseVersion < floor {
			floor = cf.RHBaseVersion
		}
	}
	if sh.cfg.MaxCompactableVersionFunc != nil {
		if veto := sh.cfg.MaxCompactableVersionFunc(); veto < floor {
			floor = veto
		}
	}
	if floor > sh.state.CompactedUntil {
		sh.state.CompactedUntil = floor
	}

	// Drop entries every live peer has acknowledged and re-encode the
	// retained tail through the codec.
	if sh.state.CompactedUntil > sh.state.BaseVersion {
		drop := sh.state.CompactedUntil - sh.state.BaseVersion
		if drop > uint64(len(sh.state.Entries)) {
			drop = uint64(len(sh.state.Entries))
		}
		sh.state.Entries = sh.state.Entries[drop:]
		sh.state.BaseVersion += drop
		for i := range sh.state.Entries {
			cs, err := ParseChangeset(sh.state.Entries[i].Changeset)
			if err != nil {
				continue
			}
			sh.state.Entries[i].Changeset = EncodeChangeset(cs)
		}
	}
	sh.parseCache.Purge()
	sh.state.LastCompaction = now.Unix()
	rec := &serverWALRecord{Kind: "compact"}
	rec.Compact = &struct {
		Until uint64 `json:"until"`
		Base  uint64 `json:"base"`
		TS    int64  `json:"ts"`
	}{Until: sh.state.CompactedUntil, Base: sh.state.BaseVersion, TS: sh.state.LastCompaction}
	if err := sh.appendWAL(rec); err != nil {
		return err
	}
	return sh.rewriteSnapshotLocked()
}

// rewriteSnapshotLocked persists the full state and truncates the WAL.
func (sh *ServerHistory) rewriteSnapshotLocked() error {
	tmp := sh.snapshotPath() + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(&sh.state); err != nil {
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
	if err := os.Rename(tmp, sh.snapshotPath()); err != nil {
		return err
	}
	if err := sh.wal.Truncate(0); err != nil {
		return err
	}
	if _, err := sh.wal.Seek(0, 0); err != nil {
		return err
	}
	return sh.wal.Sync()
}
