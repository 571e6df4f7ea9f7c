package core

// core/session.go — per-file session multiplexed on a connection.
//
// The send side is a strict priority ladder evaluated each time the
// connection gives the session a turn; one frame per turn.  The receive
// side validates the server's cursors before anything is applied:
// progress must never run backwards.

import "time"

// Session synchronizes one local file against the server.
type Session struct {
	ident uint64
	conn  *Conn
	cfg   SessionConfig
	state SessionState

	enlisted bool

	// Send-ladder flags.
	bindSent     bool
	identSent    bool
	unbindSent   bool
	refreshToken string // non-empty when a REFRESH is owed
	allocSent    bool
	stateReqNeed bool
	stateReqSent bool

	// Download marks.
	targetDownloadMark uint64
	lastMarkSent       uint64
	lastMarkReceived   uint64

	// Upload window.
	uploadAllowed bool

	suspended bool
}

// Ident returns the connection-local session ident.
func (s *Session) Ident() uint64 { return s.ident }

// State returns the lifecycle state.
func (s *Session) State() SessionState { return s.state }

// resetForConnection clears per-connection send state after a reconnect.
func (s *Session) resetForConnection() {
	s.bindSent = false
	s.identSent = false
	s.allocSent = false
	s.stateReqSent = false
	s.lastMarkSent = 0
}

// RefreshToken schedules a REFRESH carrying a new access token.
func (s *Session) RefreshToken(token string) {
	s.conn.post(func() {
		s.refreshToken = token
		s.conn.enlist(s)
	})
}

// RequestDownloadCompletion asks for a MARK once the server has sent
// everything up to its current version; SessionConfig.OnDownloadComplete
// fires on receipt.
func (s *Session) RequestDownloadCompletion() {
	s.conn.post(func() {
		s.targetDownloadMark++
		s.conn.enlist(s)
	})
}

// NotifyLocalChange tells the session new local versions exist to
// upload.
func (s *Session) NotifyLocalChange() {
	s.conn.post(func() {
		s.conn.enlist(s)
	})
}

// Deactivate begins the graceful shutdown: UNBIND goes out first when
// BIND was ever sent.
func (s *Session) Deactivate() {
	s.conn.post(func() { s.initiateDeactivation() })
}

func (s *Session) initiateDeactivation() {
	if s.state != SessionActive {
		return
	}
	s.state = SessionDeactivating
	if !s.bindSent {
		// Nothing on the wire to undo.
		s.state = SessionDeactivated
		delete(s.conn.sessions, s.ident)
		return
	}
	s.conn.enlist(s)
}

func (s *Session) onSuspended(reason TerminationReason, cause error) {
	if s.suspended {
		return
	}
	s.suspended = true
	if s.cfg.OnSuspended != nil {
		err := cause
		if err == nil {
			err = Errorf(ErrConnectTimeout, "connection lost: %s", reason)
		}
		s.cfg.OnSuspended(err)
	}
}

func (s *Session) onResumed() {
	if !s.suspended {
		return
	}
	s.suspended = false
	if s.cfg.OnResumed != nil {
		s.cfg.OnResumed()
	}
}

// --------------------------------------------------------------------
// Send ladder
// --------------------------------------------------------------------

// sendOneMessage writes at most one frame and reports whether the
// session still has something to send.  Priority, once bound:
// UNBIND, REFRESH, BIND, wait-for-ident, STATE_REQUEST, IDENT, ALLOC,
// MARK, UPLOAD.
func (s *Session) sendOneMessage() (bool, error) {
	fileIdent, _ := s.historyIdent()

	switch {
	case s.state == SessionDeactivating && !s.unbindSent:
		if err := s.conn.writeFrame(&UnbindMessage{SessionIdent: s.ident}); err != nil {
			return false, err
		}
		s.unbindSent = true
		return false, nil

	case s.refreshToken != "" && s.bindSent:
		msg := &RefreshMessage{SessionIdent: s.ident, AccessToken: s.refreshToken}
		if err := s.conn.writeFrame(msg); err != nil {
			return false, err
		}
		s.cfg.AccessToken = s.refreshToken
		s.refreshToken = ""
		return s.hasMore(), nil

	case !s.bindSent:
		msg := &BindMessage{
			SessionIdent: s.ident,
			Path:         s.cfg.Path,
			AccessToken:  s.cfg.AccessToken,
			NeedIdent:    fileIdent == 0,
		}
		if err := s.conn.writeFrame(msg); err != nil {
			return false, err
		}
		s.bindSent = true
		return s.hasMore(), nil

	case fileIdent == 0 && s.allocSent:
		// Waiting on the server's allocation.
		return false, nil

	case s.stateReqNeed && !s.stateReqSent:
		if err := s.conn.writeFrame(&StateRequestMessage{SessionIdent: s.ident}); err != nil {
			return false, err
		}
		s.stateReqSent = true
		return s.hasMore(), nil

	case fileIdent != 0 && !s.identSent:
		ident, salt := s.historyIdent()
		p := s.progress()
		msg := &IdentMessage{
			SessionIdent:      s.ident,
			FileIdent:         ident,
			IdentSalt:         salt,
			ServerVersion:     p.LatestServerVersion,
			ServerVersionSalt: p.LatestServerSalt,
			Progress:          p,
		}
		if err := s.conn.writeFrame(msg); err != nil {
			return false, err
		}
		s.identSent = true
		return s.hasMore(), nil

	case fileIdent == 0 && !s.allocSent:
		if err := s.conn.writeFrame(&AllocMessage{SessionIdent: s.ident}); err != nil {
			return false, err
		}
		s.allocSent = true
		// Now the server must allocate; nothing more until ALLOC lands.
		return false, nil

	case s.targetDownloadMark > s.lastMarkSent:
		s.lastMarkSent = s.targetDownloadMark
		msg := &MarkMessage{SessionIdent: s.ident, RequestIdent: s.lastMarkSent}
		if err := s.conn.writeFrame(msg); err != nil {
			return false, err
		}
		return s.hasMore(), nil

	case s.uploadReady():
		return s.sendUpload()
	}
	return false, nil
}

func (s *Session) historyIdent() (uint64, uint64) {
	if s.cfg.History == nil {
		return 0, 0
	}
	return s.cfg.History.FileIdent()
}

func (s *Session) progress() SyncProgress {
	if s.cfg.History == nil {
		return SyncProgress{}
	}
	return s.cfg.History.Progress()
}

func (s *Session) uploadReady() bool {
	if !s.uploadAllowed || !s.identSent || s.cfg.History == nil || s.conn.cfg.DryRun {
		return false
	}
	return s.cfg.History.CurrentVersion() > s.progress().UploadClientVersion
}

// hasMore reports pending ladder work below the frame just sent.
func (s *Session) hasMore() bool {
	if s.state == SessionDeactivating && !s.unbindSent {
		return true
	}
	if s.refreshToken != "" {
		return true
	}
	fileIdent, _ := s.historyIdent()
	if !s.bindSent {
		return true
	}
	if fileIdent != 0 && !s.identSent {
		return true
	}
	if fileIdent == 0 && !s.allocSent {
		return true
	}
	if s.targetDownloadMark > s.lastMarkSent {
		return true
	}
	return s.uploadReady()
}

// sendUpload ships one ordered batch of pending client changesets.
func (s *Session) sendUpload() (bool, error) {
	p := s.progress()
	pending := s.cfg.History.EntriesSince(p.UploadClientVersion)
	if len(pending) == 0 {
		return false, nil
	}
	msg := &UploadMessage{SessionIdent: s.ident, Progress: p}
	for _, e := range pending {
		msg.Entries = append(msg.Entries, UploadEntry{
			ClientVersion:  e.Version,
			LastIntegrated: e.LastIntegrated,
			Timestamp:      e.Timestamp,
			Changeset:      e.Changeset,
		})
	}
	if err := s.conn.writeFrame(msg); err != nil {
		return false, err
	}
	// One changeset batch per turn; more may accumulate meanwhile.
	return false, nil
}

// --------------------------------------------------------------------
// Receive side
// --------------------------------------------------------------------

func (s *Session) handleMessage(m Message) error {
	if s.state == SessionDeactivated {
		return Errorf(ErrBadSessionIdent, "message %s for deactivated session", m.Type())
	}
	switch msg := m.(type) {
	case *AllocMessage:
		return s.handleAlloc(msg)
	case *DownloadMessage:
		return s.handleDownload(msg)
	case *MarkMessage:
		return s.handleMark(msg)
	case *StateMessage:
		return s.handleState(msg)
	case *ClientVersionMessage:
		return nil // informational; the caller drives client reset
	case *ErrorMessage:
		return s.handleError(msg)
	}
	return Errorf(ErrBadMessageOrder, "unexpected %s", m.Type())
}

func (s *Session) handleAlloc(m *AllocMessage) error {
	if m.FileIdent == 0 {
		return NewError(ErrBadClientFileIdent)
	}
	if s.cfg.History == nil {
		return NewError(ErrBadMessageOrder)
	}
	if err := s.cfg.History.SetFileIdent(m.FileIdent, m.IdentSalt); err != nil {
		return err
	}
	// IDENT can now go out.
	s.conn.enlist(s)
	return nil
}

func (s *Session) handleDownload(m *DownloadMessage) error {
	if !s.identSent {
		return Errorf(ErrBadMessageOrder, "DOWNLOAD before IDENT")
	}
	old := s.progress()
	p := m.Progress
	// Cursor validation: everything is monotonic, and the upload cursor
	// can never pass the versions that actually exist locally.
	if p.DownloadServerVersion < old.DownloadServerVersion ||
		p.DownloadLastIntegratedClient < old.DownloadLastIntegratedClient ||
		p.UploadClientVersion < old.UploadClientVersion ||
		p.UploadLastIntegratedServer < old.UploadLastIntegratedServer ||
		p.LatestServerVersion < old.LatestServerVersion {
		return NewError(ErrBadProgress)
	}
	if s.cfg.History != nil && p.UploadClientVersion > s.cfg.History.CurrentVersion() {
		return NewError(ErrBadProgress)
	}
	if p.UploadLastIntegratedServer > p.DownloadServerVersion {
		return NewError(ErrBadProgress)
	}
	for _, e := range m.Entries {
		cs, err := ParseChangeset(e.Changeset)
		if err != nil {
			return err
		}
		cs.Version = e.ClientVersion
		cs.Timestamp = e.Timestamp
		if s.cfg.Applier != nil {
			if err := s.cfg.Applier.Apply(cs); err != nil {
				return err
			}
		}
	}
	if s.cfg.History != nil {
		if err := s.cfg.History.SetProgress(p); err != nil {
			return err
		}
	}
	s.suspendedRecoveryCheck()
	return nil
}

func (s *Session) handleMark(m *MarkMessage) error {
	if m.RequestIdent == 0 || m.RequestIdent < s.lastMarkReceived {
		return NewError(ErrBadRequestIdent)
	}
	s.lastMarkReceived = m.RequestIdent
	if s.cfg.OnDownloadComplete != nil {
		s.cfg.OnDownloadComplete(m.RequestIdent)
	}
	return nil
}

func (s *Session) handleState(m *StateMessage) error {
	if !s.stateReqSent {
		return NewError(ErrBadStateMessage)
	}
	// State transfer lands in the caller's hands chunk by chunk; the
	// session only sequences it.
	if !m.NeedMore {
		s.stateReqNeed = false
	}
	return nil
}

func (s *Session) handleError(m *ErrorMessage) error {
	err := Errorf(ErrBadErrorCode, "server error %d: %s", m.Code, m.Message)
	s.onSuspended(TermNone, err)
	if m.TryAgain {
		// Leave the session bound; the server retry window applies.
		s.scheduleResumeProbe()
		return nil
	}
	return err
}

// scheduleResumeProbe retries activation after the linger time.
func (s *Session) scheduleResumeProbe() {
	linger := s.conn.cfg.ConnectionLingerTime
	time.AfterFunc(linger, func() {
		s.conn.post(func() {
			if s.state == SessionActive {
				s.onResumed()
				s.conn.enlist(s)
			}
		})
	})
}

func (s *Session) suspendedRecoveryCheck() {
	if s.suspended {
		s.onResumed()
	}
}
