package core

// core/connection.go — the client connection: one transport carrying any
// number of multiplexed sessions.
//
// All connection and session progression happens on a single actor
// goroutine; the transport read loop and timers post closures into it.
// Sessions ready to send append themselves to the strict-FIFO
// enlisted-to-send queue; the actor pops the front and lets the session
// write at most one frame per turn.

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conn drives one sync connection.
type Conn struct {
	cfg    ConnectionConfig
	logger *logrus.Logger
	dialer TransportDialer
	url    string
	rng    *rand.Rand

	events chan func()
	done   chan struct{}
	wg     sync.WaitGroup

	// Actor-owned state; touched only from run().
	state       ConnState
	mc          MessageConn
	readGen     int // discards stale read-loop results after a disconnect
	sessions    map[uint64]*Session
	enlisted    []*Session
	nextSession uint64

	backoff        reconnectBackoff
	reconnectTimer *time.Timer
	cancelPending  bool // cancelReconnectDelay deferred to PONG receipt

	pingTimer     *time.Timer
	pongTimer     *time.Timer
	lastPingSent  int64
	pongPending   bool
	firstPing     bool
	connectedAt   time.Time
}

// NewConn builds a connection toward url; Start begins connecting.
func NewConn(cfg ConnectionConfig, url string, dialer TransportDialer, lg *logrus.Logger) *Conn {
	if lg == nil {
		lg = logrus.StandardLogger()
	}
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	c := &Conn{
		cfg:      cfg,
		logger:   lg,
		dialer:   dialer,
		url:      url,
		rng:      rng,
		events:   make(chan func(), 64),
		done:     make(chan struct{}),
		sessions: make(map[uint64]*Session),
		backoff:  reconnectBackoff{mode: cfg.ReconnectMode, rng: rng},
	}
	return c
}

// Start launches the actor and the first connect attempt.
func (c *Conn) Start() {
	c.wg.Add(1)
	go c.run()
	c.post(func() { c.connect() })
}

// Stop tears the connection down and waits for the actor to exit.
func (c *Conn) Stop() {
	c.post(func() {
		c.teardown(TermClosed, nil)
		close(c.done)
	})
	c.wg.Wait()
}

// post enqueues a closure for the actor; drops after shutdown.
func (c *Conn) post(fn func()) {
	select {
	case <-c.done:
	case c.events <- fn:
	}
}

func (c *Conn) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case fn := <-c.events:
			fn()
		}
	}
}

// State reports the lifecycle state; for observability only.
func (c *Conn) State() ConnState {
	out := make(chan ConnState, 1)
	c.post(func() { out <- c.state })
	select {
	case s := <-out:
		return s
	case <-c.done:
		return ConnDisconnected
	}
}

// --------------------------------------------------------------------
// Session registration
// --------------------------------------------------------------------

// Bind creates and activates a session for one synchronized file.
func (c *Conn) Bind(cfg SessionConfig) *Session {
	s := &Session{conn: c, cfg: cfg, state: SessionUnactivated}
	c.post(func() {
		c.nextSession++
		s.ident = c.nextSession
		s.state = SessionActive
		s.uploadAllowed = !cfg.DisableUpload
		c.sessions[s.ident] = s
		if c.state == ConnConnected {
			c.enlist(s)
		} else if c.state == ConnDisconnected && c.reconnectTimer == nil {
			c.connect()
		}
	})
	return s
}

// enlist appends s to the send queue; strict FIFO, no duplicates.
func (c *Conn) enlist(s *Session) {
	if s.enlisted || c.state != ConnConnected {
		return
	}
	s.enlisted = true
	c.enlisted = append(c.enlisted, s)
	c.drainSends()
}

// drainSends pops the queue while the socket accepts writes.
func (c *Conn) drainSends() {
	for len(c.enlisted) > 0 && c.state == ConnConnected {
		s := c.enlisted[0]
		c.enlisted = c.enlisted[1:]
		s.enlisted = false
		hasMore, err := s.sendOneMessage()
		if err != nil {
			c.teardown(TermWriteFailed, err)
			return
		}
		if s.state == SessionDeactivating && !hasMore && s.unbindSent {
			s.state = SessionDeactivated
			delete(c.sessions, s.ident)
			continue
		}
		if hasMore {
			s.enlisted = true
			c.enlisted = append(c.enlisted, s)
		}
	}
}

// --------------------------------------------------------------------
// Connect / disconnect
// --------------------------------------------------------------------

func (c *Conn) connect() {
	if c.state != ConnDisconnected {
		return
	}
	c.reconnectTimer = nil
	c.state = ConnConnecting
	c.logger.Infof("sync: connecting to %s", c.url)
	gen := c.readGen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
		defer cancel()
		mc, proto, err := c.dialer.DialTransport(ctx, c.url, ProtocolOffer())
		c.post(func() { c.connectDone(gen, mc, proto, err, ctx.Err()) })
	}()
}

func (c *Conn) connectDone(gen int, mc MessageConn, proto string, err, ctxErr error) {
	if gen != c.readGen || c.state != ConnConnecting {
		if mc != nil {
			_ = mc.Close()
		}
		return
	}
	if err != nil {
		reason := TermConnectOperationFailed
		if ctxErr == context.DeadlineExceeded {
			reason = TermSyncConnectTimeout
		}
		c.state = ConnDisconnected
		c.scheduleReconnect(reason, err)
		return
	}
	c.state = ConnConnected
	c.mc = mc
	c.connectedAt = time.Now()
	c.firstPing = true
	c.pongPending = false
	c.logger.Infof("sync: connected (%s)", proto)
	c.startReadLoop(mc)
	c.schedulePing()
	for _, s := range c.sessions {
		s.resetForConnection()
		c.enlist(s)
	}
}

func (c *Conn) startReadLoop(mc MessageConn) {
	gen := c.readGen
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			data, err := mc.ReadMessage()
			if err != nil {
				c.post(func() {
					if gen == c.readGen {
						c.teardown(TermReadFailed, err)
					}
				})
				return
			}
			c.post(func() {
				if gen == c.readGen {
					c.handleFrame(data)
				}
			})
		}
	}()
}

// teardown closes the transport and suspends sessions; reason drives
// the reconnect delay.
func (c *Conn) teardown(reason TerminationReason, cause error) {
	if c.state == ConnDisconnected && c.mc == nil && reason == TermClosed {
		return
	}
	c.readGen++
	if c.mc != nil {
		_ = c.mc.Close()
		c.mc = nil
	}
	c.stopTimer(&c.pingTimer)
	c.stopTimer(&c.pongTimer)
	c.state = ConnDisconnected
	c.enlisted = nil
	for _, s := range c.sessions {
		s.enlisted = false
		s.onSuspended(reason, cause)
	}
	if reason == TermClosed {
		c.stopTimer(&c.reconnectTimer)
		return
	}
	c.scheduleReconnect(reason, cause)
}

func (c *Conn) scheduleReconnect(reason TerminationReason, cause error) {
	delay := c.backoff.nextDelay(reason)
	c.logger.Warnf("sync: disconnected (%s): %v; reconnect in %s", reason, cause, delay)
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if c.state == ConnDisconnected {
				c.connect()
			}
		})
	})
}

// CancelReconnectDelay collapses a pending reconnect wait.  On a live
// connection it schedules an urgent PING and defers the reconnect-info
// reset to PONG receipt, so a cancel racing an observable failure does
// not mask it.
func (c *Conn) CancelReconnectDelay() {
	c.post(func() {
		c.cancelPending = true
		switch c.state {
		case ConnDisconnected:
			if c.reconnectTimer != nil {
				c.reconnectTimer.Stop()
				c.reconnectTimer = nil
				c.connect()
			}
		case ConnConnected:
			c.sendPing()
		}
	})
}

func (c *Conn) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// --------------------------------------------------------------------
// PING / PONG
// --------------------------------------------------------------------

// schedulePing arms the next PING: the keepalive period minus a random
// deduction of up to 10%, or immediately for the first PING after a
// connect.
func (c *Conn) schedulePing() {
	c.stopTimer(&c.pingTimer)
	period := c.cfg.PingKeepalivePeriod
	var delay time.Duration
	if c.firstPing {
		delay = 0
	} else {
		deduction := time.Duration(c.rng.Int63n(int64(period)/10 + 1))
		delay = period - deduction
	}
	c.pingTimer = time.AfterFunc(delay, func() {
		c.post(func() {
			if c.state == ConnConnected && !c.pongPending {
				c.sendPing()
			}
		})
	})
}

func (c *Conn) sendPing() {
	if c.state != ConnConnected || c.mc == nil {
		return
	}
	c.firstPing = false
	c.lastPingSent = time.Now().UnixMilli()
	msg := &PingMessage{Timestamp: c.lastPingSent}
	if err := c.mc.WriteMessage(EncodeMessage(msg)); err != nil {
		c.teardown(TermWriteFailed, err)
		return
	}
	c.pongPending = true
	c.stopTimer(&c.pongTimer)
	c.pongTimer = time.AfterFunc(c.cfg.PongKeepaliveTimeout, func() {
		c.post(func() {
			if c.state == ConnConnected && c.pongPending {
				c.teardown(TermPongTimeout, NewError(ErrPongTimeout))
			}
		})
	})
}

func (c *Conn) handlePong(m *PongMessage) {
	if !c.pongPending {
		c.teardown(TermSyncProtocolViolation, Errorf(ErrBadMessageOrder, "unsolicited PONG"))
		return
	}
	if m.Timestamp != c.lastPingSent {
		// A PONG must echo the most recent PING's timestamp.
		c.teardown(TermSyncProtocolViolation,
			Errorf(ErrBadMessageOrder, "PONG timestamp %d, expected %d", m.Timestamp, c.lastPingSent))
		return
	}
	c.pongPending = false
	c.stopTimer(&c.pongTimer)
	if c.cancelPending {
		// The link is demonstrably healthy; now the reset is safe.
		c.cancelPending = false
		c.backoff.reset()
		for _, s := range c.sessions {
			s.onResumed()
		}
	}
	c.schedulePing()
}

// --------------------------------------------------------------------
// Frame dispatch
// --------------------------------------------------------------------

func (c *Conn) handleFrame(data []byte) {
	m, err := DecodeMessage(data)
	if err != nil {
		c.teardown(TermBadFrame, err)
		return
	}
	switch msg := m.(type) {
	case *PongMessage:
		c.handlePong(msg)
	case *ErrorMessage:
		if msg.SessionIdent == 0 {
			reason := TermSyncProtocolViolation
			if msg.TryAgain {
				reason = TermServerTryAgainLater
			}
			c.teardown(reason, Errorf(ErrBadErrorCode, "server error %d: %s", msg.Code, msg.Message))
			return
		}
		c.routeToSession(msg.SessionIdent, m)
	case *DownloadMessage:
		c.routeToSession(msg.SessionIdent, m)
	case *MarkMessage:
		c.routeToSession(msg.SessionIdent, m)
	case *AllocMessage:
		c.routeToSession(msg.SessionIdent, m)
	case *StateMessage:
		c.routeToSession(msg.SessionIdent, m)
	case *ClientVersionMessage:
		c.routeToSession(msg.SessionIdent, m)
	default:
		c.teardown(TermSyncProtocolViolation,
			Errorf(ErrBadMessageOrder, "unexpected %s from server", m.Type()))
	}
}

func (c *Conn) routeToSession(ident uint64, m Message) {
	s, ok := c.sessions[ident]
	if !ok {
		c.teardown(TermSyncProtocolViolation,
			Errorf(ErrBadSessionIdent, "message %s for unknown session %d", m.Type(), ident))
		return
	}
	if err := s.handleMessage(m); err != nil {
		// Session-level violations close the session; the connection
		// survives.
		c.logger.Warnf("sync: session %d error: %v", s.ident, err)
		s.initiateDeactivation()
	}
}

func (c *Conn) writeFrame(m Message) error {
	if c.mc == nil {
		return NewError(ErrBadMessageOrder)
	}
	return c.mc.WriteMessage(EncodeMessage(m))
}
