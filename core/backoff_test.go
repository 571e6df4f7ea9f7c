package core

import (
	"math/rand"
	"testing"
	"time"
)

func testBackoff(seed int64) *reconnectBackoff {
	return &reconnectBackoff{mode: ReconnectNormal, rng: rand.New(rand.NewSource(seed))}
}

// inJitterWindow reports whether a chosen delay lies within the jitter
// window below its nominal value: the jitter deducts at most 25%.
func inJitterWindow(delay, nominal time.Duration) bool {
	return delay <= nominal && delay >= nominal-nominal/4-time.Millisecond
}

func TestBackoffDoubling(t *testing.T) {
	b := testBackoff(1)
	nominal := backoffBase
	for i := 0; i < 12; i++ {
		delay := b.nextDelay(TermConnectOperationFailed)
		if !inJitterWindow(delay, nominal) {
			t.Fatalf("attempt %d: delay %s outside [%s-25%%, %s]", i, delay, nominal, nominal)
		}
		if nominal < backoffCap {
			nominal *= 2
			if nominal > backoffCap {
				nominal = backoffCap
			}
		}
	}
}

func TestBackoffCategoryChangeResets(t *testing.T) {
	b := testBackoff(2)
	for i := 0; i < 5; i++ {
		b.nextDelay(TermConnectOperationFailed)
	}
	delay := b.nextDelay(TermHTTPTunnelFailed)
	if !inJitterWindow(delay, backoffBase) {
		t.Fatalf("category change delay %s, want ~%s", delay, backoffBase)
	}
}

func TestBackoffTryAgainLaterKeepsSequence(t *testing.T) {
	b := testBackoff(3)
	b.nextDelay(TermConnectOperationFailed) // consecutive=0
	b.nextDelay(TermConnectOperationFailed) // consecutive=1 → 2s nominal

	delay := b.nextDelay(TermServerTryAgainLater)
	if !inJitterWindow(delay, backoffCap) {
		t.Fatalf("try-again delay %s, want ~%s", delay, backoffCap)
	}
	// The doubling sequence resumes where it was, not from scratch.
	delay = b.nextDelay(TermConnectOperationFailed)
	if !inJitterWindow(delay, 4*time.Second) {
		t.Fatalf("post-try-again delay %s, want ~4s", delay)
	}
}

func TestBackoffFatalHour(t *testing.T) {
	for _, reason := range []TerminationReason{
		TermSSLCertRejected, TermWebSocketProtocolViolation,
		TermSyncProtocolViolation, TermHTTPResponseFatal, TermMissingFeature,
	} {
		b := testBackoff(4)
		delay := b.nextDelay(reason)
		if !inJitterWindow(delay, backoffFatal) {
			t.Fatalf("%s delay %s, want ~1h", reason, delay)
		}
	}
}

// Reconnect back-off bound: for any failure sequence the delay stays in
// [0, max(1h, 5min)].
func TestBackoffBoundedProperty(t *testing.T) {
	reasons := []TerminationReason{
		TermReadFailed, TermWriteFailed, TermConnectOperationFailed,
		TermSyncConnectTimeout, TermHTTPTunnelFailed, TermServerTryAgainLater,
		TermSSLCertRejected, TermPongTimeout, TermClosed,
	}
	b := testBackoff(5)
	seq := rand.New(rand.NewSource(6))
	for i := 0; i < 500; i++ {
		reason := reasons[seq.Intn(len(reasons))]
		delay := b.nextDelay(reason)
		if delay < 0 || delay > backoffFatal {
			t.Fatalf("delay %s out of bounds after %s", delay, reason)
		}
	}
}

func TestBackoffTestingMode(t *testing.T) {
	b := &reconnectBackoff{mode: ReconnectTesting, rng: rand.New(rand.NewSource(1))}
	if d := b.nextDelay(TermSSLCertRejected); d != backoffTestingDelay {
		t.Fatalf("testing delay = %s, want %s", d, backoffTestingDelay)
	}
}

func TestBackoffJitterVariesBySeed(t *testing.T) {
	d1 := testBackoff(10).nextDelay(TermConnectOperationFailed)
	d2 := testBackoff(20).nextDelay(TermConnectOperationFailed)
	if d1 == d2 {
		t.Fatal("distinct RNG seeds produced identical jitter")
	}
}
