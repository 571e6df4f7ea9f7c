package core

// core/backoff.go — reconnect delay policy.
//
// Delays double on consecutive failures of the same retriable category,
// capped at five minutes; fatal categories wait an hour; a server
// "try again later" jumps to the cap without resetting the doubling
// sequence.  Every chosen delay gets a randomized deduction of up to 25%
// drawn from the connection's own RNG.

import (
	"math/rand"
	"time"
)

// TerminationReason categorizes why a connection ended.
type TerminationReason int

const (
	TermNone TerminationReason = iota
	TermClosed
	TermReadFailed
	TermWriteFailed
	TermResolveFailed
	TermConnectOperationFailed
	TermSyncConnectTimeout
	TermHTTPTunnelFailed
	TermHTTPResponseNonFatal
	TermHTTPResponseFatal
	TermTLSHandshakeFailed
	TermSSLCertRejected
	TermWebSocketProtocolViolation
	TermSyncProtocolViolation
	TermMissingFeature
	TermPongTimeout
	TermBadHeader
	TermBadFrame
	TermServerTryAgainLater
	TermSessionLimitExceeded
	TermUnknown
)

func (r TerminationReason) String() string {
	switch r {
	case TermNone:
		return "none"
	case TermClosed:
		return "closed"
	case TermReadFailed:
		return "read_operation_failed"
	case TermWriteFailed:
		return "write_operation_failed"
	case TermResolveFailed:
		return "resolve_operation_failed"
	case TermConnectOperationFailed:
		return "connect_operation_failed"
	case TermSyncConnectTimeout:
		return "sync_connect_timeout"
	case TermHTTPTunnelFailed:
		return "http_tunnel_failed"
	case TermHTTPResponseNonFatal:
		return "http_response_says_nonfatal"
	case TermHTTPResponseFatal:
		return "http_response_says_fatal"
	case TermTLSHandshakeFailed:
		return "tls_handshake_failed"
	case TermSSLCertRejected:
		return "ssl_cert_rejected"
	case TermWebSocketProtocolViolation:
		return "websocket_protocol_violation"
	case TermSyncProtocolViolation:
		return "sync_protocol_violation"
	case TermMissingFeature:
		return "missing_feature"
	case TermPongTimeout:
		return "pong_timeout"
	case TermBadHeader:
		return "bad_header"
	case TermBadFrame:
		return "bad_frame"
	case TermServerTryAgainLater:
		return "server_try_again_later"
	case TermSessionLimitExceeded:
		return "session_limit_exceeded"
	}
	return "unknown"
}

// isFatalReason selects the one-hour delay group.
func isFatalReason(r TerminationReason) bool {
	switch r {
	case TermSSLCertRejected, TermWebSocketProtocolViolation,
		TermSyncProtocolViolation, TermHTTPResponseFatal, TermMissingFeature:
		return true
	}
	return false
}

// isDoublingReason selects the categories whose consecutive failures
// double the delay.
func isDoublingReason(r TerminationReason) bool {
	switch r {
	case TermReadFailed, TermWriteFailed, TermResolveFailed,
		TermConnectOperationFailed, TermHTTPResponseNonFatal,
		TermSyncConnectTimeout, TermHTTPTunnelFailed:
		return true
	}
	return false
}

// ReconnectMode selects production or test timings.
type ReconnectMode int

const (
	ReconnectNormal ReconnectMode = iota
	ReconnectTesting
)

const (
	backoffBase  = time.Second
	backoffCap   = 5 * time.Minute
	backoffFatal = time.Hour

	backoffTestingDelay = 10 * time.Millisecond
)

// reconnectBackoff tracks the doubling sequence for one connection.  The
// RNG must be the connection's own so herd members diverge.
type reconnectBackoff struct {
	mode         ReconnectMode
	rng          *rand.Rand
	lastCategory TerminationReason
	consecutive  int
}

// nextDelay picks the delay before the next connect attempt after a
// failure of the given category.
func (b *reconnectBackoff) nextDelay(reason TerminationReason) time.Duration {
	if b.mode == ReconnectTesting {
		return backoffTestingDelay
	}
	var delay time.Duration
	switch {
	case isFatalReason(reason):
		b.consecutive = 0
		b.lastCategory = reason
		delay = backoffFatal
	case reason == TermServerTryAgainLater:
		// Jump to the cap but leave the doubling sequence alone.
		delay = backoffCap
	case isDoublingReason(reason):
		if reason == b.lastCategory {
			b.consecutive++
		} else {
			b.consecutive = 0
			b.lastCategory = reason
		}
		delay = backoffBase << uint(b.consecutive)
		if delay > backoffCap || delay <= 0 {
			delay = backoffCap
		}
	default:
		b.consecutive = 0
		b.lastCategory = reason
		delay = backoffBase
	}
	// Deduct up to 25% against thundering herds.
	if delay > 0 {
		deduction := time.Duration(b.rng.Int63n(int64(delay)/4 + 1))
		delay -= deduction
	}
	return delay
}

// reset clears the sequence; called when a PONG confirms the link is
// healthy after cancelReconnectDelay.
func (b *reconnectBackoff) reset() {
	b.consecutive = 0
	b.lastCategory = TermNone
}
