package nsq

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// stubMessageDelegate is guarded by a mutex because Message's keepalive
// timer invokes OnTouch from its own goroutine, concurrently with whatever
// goroutine the test itself calls Finish/Requeue from.
type stubMessageDelegate struct {
	mu        sync.Mutex
	finished  int
	requeued  []time.Duration
	backoffed []bool
	touched   int
}

func (s *stubMessageDelegate) OnFinish(m *Message) {
	s.mu.Lock()
	s.finished++
	s.mu.Unlock()
}
func (s *stubMessageDelegate) OnRequeue(m *Message, delay time.Duration, backoff bool) {
	s.mu.Lock()
	s.requeued = append(s.requeued, delay)
	s.backoffed = append(s.backoffed, backoff)
	s.mu.Unlock()
}
func (s *stubMessageDelegate) OnTouch(m *Message) {
	s.mu.Lock()
	s.touched++
	s.mu.Unlock()
}

func (s *stubMessageDelegate) touchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

func (s *stubMessageDelegate) finishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}

func TestDecodeMessageRoundTrip(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")

	original := &Message{
		Timestamp: 1234567890,
		Attempts:  3,
		ID:        id,
		Body:      []byte("hello world"),
	}

	var buf bytes.Buffer
	if err := original.encode(&buf); err != nil {
		t.Fatalf("encode: %s", err)
	}

	decoded, err := decodeMessage(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeMessage: %s", err)
	}
	if decoded.Timestamp != original.Timestamp || decoded.Attempts != original.Attempts {
		t.Fatalf("metadata mismatch: %+v", decoded)
	}
	if decoded.ID != original.ID {
		t.Fatalf("id mismatch: %v != %v", decoded.ID, original.ID)
	}
	if string(decoded.Body) != string(original.Body) {
		t.Fatalf("body mismatch: %q", decoded.Body)
	}
}

func TestMessageFinishIsIdempotent(t *testing.T) {
	delegate := &stubMessageDelegate{}
	m := NewMessage(MessageID{}, []byte("x"))
	m.delegate = delegate

	m.Finish()
	m.Finish()

	if delegate.finished != 1 {
		t.Fatalf("got %d OnFinish calls, want 1", delegate.finished)
	}
	if !m.HasResponded() {
		t.Fatal("expected HasResponded true after Finish")
	}
}

func TestMessageRequeueTracksBackoffFlag(t *testing.T) {
	delegate := &stubMessageDelegate{}
	m := NewMessage(MessageID{}, []byte("x"))
	m.delegate = delegate

	m.Requeue(5 * time.Second)

	if len(delegate.backoffed) != 1 || !delegate.backoffed[0] {
		t.Fatalf("expected a single backoff-counted requeue, got %v", delegate.backoffed)
	}

	// Already responded: RequeueWithoutBackoff must be a no-op.
	m.RequeueWithoutBackoff(0)
	if len(delegate.backoffed) != 1 {
		t.Fatalf("expected no further requeue after responding, got %v", delegate.backoffed)
	}
}

func TestMessageRequeueWithoutBackoff(t *testing.T) {
	delegate := &stubMessageDelegate{}
	m := NewMessage(MessageID{}, []byte("x"))
	m.delegate = delegate

	m.RequeueWithoutBackoff(-1)

	if len(delegate.backoffed) != 1 || delegate.backoffed[0] {
		t.Fatalf("expected a non-backoff requeue, got %v", delegate.backoffed)
	}
}

func TestMessageTouchSkippedOnceResponded(t *testing.T) {
	delegate := &stubMessageDelegate{}
	m := NewMessage(MessageID{}, []byte("x"))
	m.delegate = delegate

	m.Finish()
	m.Touch()

	if delegate.touched != 0 {
		t.Fatalf("expected Touch to no-op after Finish, got %d calls", delegate.touched)
	}
}

func TestDisableAutoResponse(t *testing.T) {
	m := NewMessage(MessageID{}, []byte("x"))
	if m.IsAutoResponseDisabled() {
		t.Fatal("expected auto-response enabled by default")
	}
	m.DisableAutoResponse()
	if !m.IsAutoResponseDisabled() {
		t.Fatal("expected auto-response disabled after DisableAutoResponse")
	}
}

func TestMessageKeepaliveTouchesUntilFinished(t *testing.T) {
	delegate := &stubMessageDelegate{}
	m := NewMessage(MessageID{}, []byte("x"))
	m.delegate = delegate

	m.startKeepalive(30*time.Millisecond, 20*time.Millisecond, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for delegate.touchCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a second keepalive TOUCH")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Finish()
	touchedAtFinish := delegate.touchCount()
	time.Sleep(50 * time.Millisecond)

	if delegate.touchCount() != touchedAtFinish {
		t.Fatalf("expected keepalive to stop once Finish was called, got %d more touches",
			delegate.touchCount()-touchedAtFinish)
	}
	if delegate.finishCount() != 1 {
		t.Fatalf("got %d OnFinish calls, want 1", delegate.finishCount())
	}
}

func TestMessageKeepaliveDisabledOutsideWindow(t *testing.T) {
	delegate := &stubMessageDelegate{}
	m := NewMessage(MessageID{}, []byte("x"))
	m.delegate = delegate

	// keepaliveOffset >= msgTimeout: no usable window, keepalive must not start.
	m.startKeepalive(10*time.Millisecond, 10*time.Millisecond, time.Second)
	time.Sleep(50 * time.Millisecond)

	if got := delegate.touchCount(); got != 0 {
		t.Fatalf("got %d touches, want 0 when the keepalive window is degenerate", got)
	}
}
