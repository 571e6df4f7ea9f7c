package core

// core/sync_server.go — the sync server: WebSocket accept loop, per-file
// server sessions and the changeset integration worker pool.
//
// Each connection runs its own read goroutine; integration runs on the
// shared pool so a slow transform never stalls a connection.  Replies to
// a connection are serialized through its write mutex.

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Server serves sync clients for the files under one data directory.
type Server struct {
	cfg    ServerConfig
	logger *logrus.Logger

	mu        sync.Mutex
	histories map[string]*ServerHistory
	conns     map[string]*serverConn

	jobs chan func()
	wg   sync.WaitGroup

	httpSrv  *http.Server
	upgrader websocket.Upgrader
	started  time.Time
}

// NewServer builds a server from config.
func NewServer(cfg ServerConfig, lg *logrus.Logger) *Server {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	if cfg.DownloadSoftLimit == 0 {
		cfg.DownloadSoftLimit = 1 << 20
	}
	if cfg.IntegrationWorkers == 0 {
		cfg.IntegrationWorkers = 4
	}
	return &Server{
		cfg:       cfg,
		logger:    lg,
		histories: make(map[string]*ServerHistory),
		conns:     make(map[string]*serverConn),
		jobs:      make(chan func(), 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 16,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	s.started = time.Now()
	for i := 0; i < s.cfg.IntegrationWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range s.jobs {
				job()
			}
		}()
	}
	r := chi.NewRouter()
	r.Use(accessLog())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/sync", s.handleSync)
	s.httpSrv = &http.Server{Addr: s.cfg.ListenAddr, Handler: r}
	s.logger.Infof("sync server: listening on %s", s.cfg.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener and the worker pool down.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	close(s.jobs)
	s.wg.Wait()
	s.mu.Lock()
	for _, sh := range s.histories {
		_ = sh.Close()
	}
	s.mu.Unlock()
	return err
}

// accessLog logs HTTP requests through the process-wide zap logger.
func accessLog() func(http.Handler) http.Handler {
	lg := zap.L().Sugar()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			lg.Infow("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start))
		})
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	type fileStatus struct {
		Path          string `json:"path"`
		ServerVersion uint64 `json:"server_version"`
		Compacted     uint64 `json:"compacted_until"`
	}
	out := struct {
		UptimeSeconds int64        `json:"uptime_seconds"`
		Connections   int          `json:"connections"`
		Files         []fileStatus `json:"files"`
	}{
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Connections:   len(s.conns),
	}
	for path, sh := range s.histories {
		out.Files = append(out.Files, fileStatus{
			Path:          path,
			ServerVersion: sh.ServerVersion(),
			Compacted:     sh.CompactedUntil(),
		})
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// historyFor opens (once) the history of a served path.
func (s *Server) historyFor(path string) (*ServerHistory, error) {
	clean := strings.Trim(filepath.Clean("/"+path), "/")
	if clean == "" || strings.Contains(clean, "..") {
		return nil, Errorf(ErrFileAccessDenied, "bad sync path %q", path)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok := s.histories[clean]; ok {
		return sh, nil
	}
	sh, err := OpenServerHistory(filepath.Join(s.cfg.DataDir, clean), s.cfg.History, s.logger)
	if err != nil {
		return nil, err
	}
	s.histories[clean] = sh
	return sh, nil
}

// --------------------------------------------------------------------
// Connection handling
// --------------------------------------------------------------------

type serverConn struct {
	id       string
	srv      *Server
	ws       *websocket.Conn
	writeMu  sync.Mutex
	mu       sync.Mutex
	sessions map[uint64]*serverSession
	lastPing int64
}

type serverSession struct {
	ident     uint64
	path      string
	history   *ServerHistory
	fileIdent uint64
	bound     bool
	identSeen bool

	// Download cursor toward this client.
	downloadedTo uint64
	pendingMark  uint64
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	offers := websocket.Subprotocols(r)
	proto, version, err := NegotiateProtocol(offers)
	if err != nil {
		http.Error(w, "no mutually supported sync protocol", http.StatusBadRequest)
		return
	}
	s.upgrader.Subprotocols = []string{proto}
	ws, err := s.upgrader.Upgrade(w, r, http.Header{})
	if err != nil {
		s.logger.Warnf("sync server: upgrade failed: %v", err)
		return
	}
	sc := &serverConn{
		id:       uuid.New().String(),
		srv:      s,
		ws:       ws,
		sessions: make(map[uint64]*serverSession),
	}
	s.mu.Lock()
	s.conns[sc.id] = sc
	s.mu.Unlock()
	s.logger.Infof("sync server: connection %s (protocol %d)", sc.id, version)
	go sc.readLoop()
}

func (sc *serverConn) close() {
	_ = sc.ws.Close()
	sc.srv.mu.Lock()
	delete(sc.srv.conns, sc.id)
	sc.srv.mu.Unlock()
}

func (sc *serverConn) readLoop() {
	defer sc.close()
	for {
		t, data, err := sc.ws.ReadMessage()
		if err != nil {
			return
		}
		if t != websocket.BinaryMessage {
			sc.sendError(0, int(ErrBadMessageOrder), "non-binary frame", false)
			return
		}
		m, err := DecodeMessage(data)
		if err != nil {
			// Connection-level framing error.
			sc.sendError(0, int(KindOf(err)), err.Error(), false)
			return
		}
		if err := sc.dispatch(m); err != nil {
			sc.srv.logger.Warnf("sync server: connection %s: %v", sc.id, err)
			return
		}
	}
}

func (sc *serverConn) write(m Message) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	return sc.ws.WriteMessage(websocket.BinaryMessage, EncodeMessage(m))
}

func (sc *serverConn) sendError(session uint64, code int, msg string, tryAgain bool) {
	_ = sc.write(&ErrorMessage{SessionIdent: session, Code: code, Message: msg, TryAgain: tryAgain})
}

func (sc *serverConn) session(ident uint64) *serverSession {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.sessions[ident]
}

func (sc *serverConn) dispatch(m Message) error {
	switch msg := m.(type) {
	case *PingMessage:
		sc.lastPing = msg.Timestamp
		return sc.write(&PongMessage{Timestamp: msg.Timestamp})

	case *BindMessage:
		sc.mu.Lock()
		if _, dup := sc.sessions[msg.SessionIdent]; dup {
			sc.mu.Unlock()
			return Errorf(ErrBadSessionIdent, "duplicate BIND for session %d", msg.SessionIdent)
		}
		sc.mu.Unlock()
		sh, err := sc.srv.historyFor(msg.Path)
		if err != nil {
			sc.sendError(msg.SessionIdent, int(KindOf(err)), err.Error(), false)
			return nil
		}
		ss := &serverSession{ident: msg.SessionIdent, path: msg.Path, history: sh, bound: true}
		sc.mu.Lock()
		sc.sessions[msg.SessionIdent] = ss
		sc.mu.Unlock()
		if msg.NeedIdent {
			ident, salt, err := sh.AllocateFileIdent(ClientTypeRegular, 0)
			if err != nil {
				sc.sendError(msg.SessionIdent, int(KindOf(err)), err.Error(), false)
				return nil
			}
			return sc.write(&AllocMessage{SessionIdent: msg.SessionIdent, FileIdent: ident, IdentSalt: salt})
		}
		return nil

	case *RefreshMessage:
		if ss := sc.session(msg.SessionIdent); ss == nil {
			return Errorf(ErrBadSessionIdent, "REFRESH for unbound session %d", msg.SessionIdent)
		}
		return nil

	case *AllocMessage:
		ss := sc.session(msg.SessionIdent)
		if ss == nil {
			return Errorf(ErrBadSessionIdent, "ALLOC for unbound session %d", msg.SessionIdent)
		}
		ident, salt, err := ss.history.AllocateFileIdent(ClientTypeRegular, 0)
		if err != nil {
			sc.sendError(msg.SessionIdent, int(KindOf(err)), err.Error(), false)
			return nil
		}
		return sc.write(&AllocMessage{SessionIdent: msg.SessionIdent, FileIdent: ident, IdentSalt: salt})

	case *IdentMessage:
		return sc.handleIdent(msg)

	case *UploadMessage:
		return sc.handleUpload(msg)

	case *MarkMessage:
		ss := sc.session(msg.SessionIdent)
		if ss == nil {
			return Errorf(ErrBadSessionIdent, "MARK for unbound session %d", msg.SessionIdent)
		}
		ss.pendingMark = msg.RequestIdent
		// Flush everything outstanding, then confirm the mark.
		if err := sc.sendDownloads(ss); err != nil {
			return err
		}
		return sc.write(&MarkMessage{SessionIdent: ss.ident, RequestIdent: msg.RequestIdent})

	case *StateRequestMessage:
		ss := sc.session(msg.SessionIdent)
		if ss == nil {
			return Errorf(ErrBadSessionIdent, "STATE_REQUEST for unbound session %d", msg.SessionIdent)
		}
		// The reply names the current server version in a single empty
		// chunk with NeedMore false; state is never split into batches.
		return sc.write(&StateMessage{
			SessionIdent:  ss.ident,
			ServerVersion: ss.history.ServerVersion(),
			NeedMore:      false,
		})

	case *ClientVersionRequestMessage:
		ss := sc.session(msg.SessionIdent)
		if ss == nil {
			return Errorf(ErrBadSessionIdent, "CLIENT_VERSION_REQUEST for unbound session %d", msg.SessionIdent)
		}
		cf, ok := ss.history.ClientFile(msg.FileIdent)
		if !ok || cf.IdentSalt != msg.IdentSalt {
			sc.sendError(ss.ident, int(ErrBadClientFileIdent), "unknown client file", false)
			return nil
		}
		return sc.write(&ClientVersionMessage{SessionIdent: ss.ident, ClientVersion: cf.LastClientVersion})

	case *UnbindMessage:
		sc.mu.Lock()
		delete(sc.sessions, msg.SessionIdent)
		sc.mu.Unlock()
		return nil

	case *ErrorMessage:
		return Errorf(ErrBadMessageOrder, "client sent ERROR")
	}
	return Errorf(ErrBadMessageOrder, "unexpected %s from client", m.Type())
}

func (sc *serverConn) handleIdent(msg *IdentMessage) error {
	ss := sc.session(msg.SessionIdent)
	if ss == nil {
		return Errorf(ErrBadSessionIdent, "IDENT for unbound session %d", msg.SessionIdent)
	}
	_, _, bootErr := ss.history.BootstrapClientSession(
		msg.FileIdent, msg.IdentSalt, msg.Progress,
		msg.ServerVersion, msg.ServerVersionSalt, ClientTypeRegular)
	if bootErr != nil {
		sc.sendError(ss.ident, int(bootErr.Kind), bootErr.Error(), false)
		return nil
	}
	ss.fileIdent = msg.FileIdent
	ss.identSeen = true
	ss.downloadedTo = msg.Progress.DownloadServerVersion
	// Everything at or below the download cursor is acknowledged; the
	// reciprocal history for this peer can shrink accordingly.
	if err := ss.history.TrimReciprocal(ss.fileIdent, msg.Progress.DownloadServerVersion); err != nil {
		sc.srv.logger.Warnf("sync server: reciprocal trim for %d: %v", ss.fileIdent, err)
	}
	// Ship what the client is missing.
	return sc.sendDownloads(ss)
}

func (sc *serverConn) handleUpload(msg *UploadMessage) error {
	ss := sc.session(msg.SessionIdent)
	if ss == nil {
		return Errorf(ErrBadSessionIdent, "UPLOAD for unbound session %d", msg.SessionIdent)
	}
	if !ss.identSeen {
		sc.sendError(ss.ident, int(ErrBadMessageOrder), "UPLOAD before IDENT", false)
		return nil
	}
	// Ordering: client versions strictly ascending within the batch.
	var prev uint64
	batch := make([]*Changeset, 0, len(msg.Entries))
	for _, e := range msg.Entries {
		if e.ClientVersion <= prev {
			sc.sendError(ss.ident, int(ErrBadProgress), "upload versions not ascending", false)
			return nil
		}
		prev = e.ClientVersion
		cs, err := ParseChangeset(e.Changeset)
		if err != nil {
			sc.sendError(ss.ident, int(ErrBadChangeset), err.Error(), false)
			return nil
		}
		cs.OriginFileIdent = ss.fileIdent
		cs.Version = e.ClientVersion
		cs.Timestamp = e.Timestamp
		cs.LastIntegrated = e.LastIntegrated
		batch = append(batch, cs)
	}
	// Integration runs on the worker pool; the connection goroutine
	// stays responsive.
	history := ss.history
	sc.srv.jobs <- func() {
		res, err := history.IntegrateClientChangesets(map[uint64][]*Changeset{ss.fileIdent: batch})
		if err != nil {
			sc.sendError(ss.ident, int(KindOf(err)), err.Error(), false)
			return
		}
		for _, f := range res.Failures {
			sc.sendError(ss.ident, int(KindOf(f.Cause)), f.Cause.Error(), false)
			return
		}
		if err := sc.sendDownloads(ss); err != nil {
			sc.srv.logger.Warnf("sync server: download after upload: %v", err)
		}
	}
	return nil
}

// sendDownloads streams history toward the client until it is caught up.
func (sc *serverConn) sendDownloads(ss *serverSession) error {
	for {
		current := ss.history.ServerVersion()
		if ss.downloadedTo >= current {
			return nil
		}
		info, err := ss.history.FetchDownloadInfo(ss.fileIdent, ss.downloadedTo, current, sc.srv.cfg.DownloadSoftLimit)
		if err != nil {
			return err
		}
		cf, _ := ss.history.ClientFile(ss.fileIdent)
		lastIntegratedServer := cf.LockedServerVersion
		if lastIntegratedServer > info.EndVersion {
			lastIntegratedServer = info.EndVersion
		}
		msg := &DownloadMessage{
			SessionIdent: ss.ident,
			LastInBatch:  info.LastInBatch,
			Progress: SyncProgress{
				DownloadServerVersion:        info.EndVersion,
				DownloadLastIntegratedClient: cf.LastClientVersion,
				UploadClientVersion:          cf.LastClientVersion,
				UploadLastIntegratedServer:   lastIntegratedServer,
				LatestServerVersion:          current,
				LatestServerSalt:             ss.history.ServerVersionSalt(current),
			},
		}
		for _, e := range info.Entries {
			msg.Entries = append(msg.Entries, UploadEntry{
				ClientVersion:  e.ClientVersion,
				LastIntegrated: e.ClientVersion,
				Timestamp:      e.Timestamp,
				Changeset:      e.Changeset,
			})
			if err := ss.history.AddReciprocal(ss.fileIdent, ReciprocalEntry{
				ServerVersion: info.EndVersion,
				Changeset:     e.Changeset,
			}); err != nil {
				sc.srv.logger.Warnf("sync server: reciprocal append for %d: %v", ss.fileIdent, err)
			}
		}
		if err := sc.write(msg); err != nil {
			return err
		}
		ss.downloadedTo = info.EndVersion
	}
}
