package nsq

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// stubConnDelegate records every ConnDelegate callback it receives so tests
// can assert on Conn behavior without a real Producer/Consumer attached.
type stubConnDelegate struct {
	mu         sync.Mutex
	responses  [][]byte
	errors     [][]byte
	messages   []*Message
	heartbeats int
	ioErrors   []error
	backoffs   int
	continues  int
	closed     chan struct{}
}

func newStubConnDelegate() *stubConnDelegate {
	return &stubConnDelegate{closed: make(chan struct{})}
}

func (s *stubConnDelegate) OnResponse(c *Conn, data []byte) {
	s.mu.Lock()
	s.responses = append(s.responses, data)
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnError(c *Conn, data []byte) {
	s.mu.Lock()
	s.errors = append(s.errors, data)
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnMessage(c *Conn, m *Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnMessageFinished(c *Conn, m *Message) {}
func (s *stubConnDelegate) OnMessageRequeued(c *Conn, m *Message) {}

func (s *stubConnDelegate) OnBackoff(c *Conn) {
	s.mu.Lock()
	s.backoffs++
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnContinue(c *Conn) {
	s.mu.Lock()
	s.continues++
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnResume(c *Conn) {}

func (s *stubConnDelegate) OnIOError(c *Conn, err error) {
	s.mu.Lock()
	s.ioErrors = append(s.ioErrors, err)
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnHeartbeat(c *Conn) {
	s.mu.Lock()
	s.heartbeats++
	s.mu.Unlock()
}

func (s *stubConnDelegate) OnClose(c *Conn) {
	close(s.closed)
}

func (s *stubConnDelegate) errorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errors)
}

func (s *stubConnDelegate) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *stubConnDelegate) firstMessage() *Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return nil
	}
	return s.messages[0]
}

func TestConnIdentifyNegotiatesFeatures(t *testing.T) {
	addr := startFakeNSQD(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		readMagicAndIdentifyWithResponse(t, r, conn,
			[]byte(`{"max_rdy_count":2500,"msg_timeout":60000,"max_msg_timeout":900000}`))
		io.Copy(io.Discard, r)
	})

	cfg := NewConfig()
	cfg.DialTimeout = time.Second
	delegate := newStubConnDelegate()
	c := NewConn(addr, cfg, delegate)
	defer c.Close()

	resp, err := c.Connect()
	if err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if resp == nil {
		t.Fatal("expected a non-nil IdentifyResponse")
	}
	if resp.MaxRdyCount != 2500 {
		t.Fatalf("got MaxRdyCount %d, want 2500", resp.MaxRdyCount)
	}
	if resp.MaxMsgTimeout != 900000 {
		t.Fatalf("got MaxMsgTimeout %d, want 900000", resp.MaxMsgTimeout)
	}
	if c.MaxRDY() != 2500 {
		t.Fatalf("got MaxRDY() %d, want 2500", c.MaxRDY())
	}
}

func TestConnHeartbeatTriggersNOPReply(t *testing.T) {
	nopReceived := make(chan struct{}, 1)
	addr := startFakeNSQD(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		readMagicAndIdentify(t, r, conn)

		if err := writeFrame(conn, FrameTypeResponse, heartbeatBytes); err != nil {
			t.Errorf("write heartbeat: %s", err)
			return
		}

		line, err := readCommandLine(r)
		if err != nil {
			t.Errorf("read NOP: %s", err)
			return
		}
		if line == "NOP" {
			nopReceived <- struct{}{}
		}
	})

	cfg := NewConfig()
	cfg.DialTimeout = time.Second
	delegate := newStubConnDelegate()
	c := NewConn(addr, cfg, delegate)
	defer c.Close()

	if _, err := c.Connect(); err != nil {
		t.Fatalf("Connect: %s", err)
	}

	select {
	case <-nopReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a NOP in response to the heartbeat")
	}

	if got := delegate.heartbeatCount(); got != 1 {
		t.Fatalf("got %d OnHeartbeat calls, want 1", got)
	}
}

func TestConnFatalErrorClosesConnection(t *testing.T) {
	addr := startFakeNSQD(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		readMagicAndIdentify(t, r, conn)
		writeFrame(conn, FrameTypeError, []byte("E_BAD_BODY body is invalid"))
		io.Copy(io.Discard, r)
	})

	cfg := NewConfig()
	cfg.DialTimeout = time.Second
	delegate := newStubConnDelegate()
	c := NewConn(addr, cfg, delegate)

	if _, err := c.Connect(); err != nil {
		t.Fatalf("Connect: %s", err)
	}

	select {
	case <-delegate.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnClose after a fatal error frame")
	}
}

func TestConnNonFatalErrorLeavesConnectionOpen(t *testing.T) {
	addr := startFakeNSQD(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		readMagicAndIdentify(t, r, conn)
		writeFrame(conn, FrameTypeError, []byte("E_FIN_FAILED FIN failed"))
		io.Copy(io.Discard, r)
	})

	cfg := NewConfig()
	cfg.DialTimeout = time.Second
	delegate := newStubConnDelegate()
	c := NewConn(addr, cfg, delegate)
	defer c.Close()

	if _, err := c.Connect(); err != nil {
		t.Fatalf("Connect: %s", err)
	}

	select {
	case <-delegate.closed:
		t.Fatal("a non-fatal error code must not close the connection")
	case <-time.After(200 * time.Millisecond):
	}

	if got := delegate.errorCount(); got != 1 {
		t.Fatalf("got %d OnError calls, want 1", got)
	}
}

func TestConnTouchResetsInflightExpiry(t *testing.T) {
	var id MessageID
	copy(id[:], "abcdefghijklmnop")

	addr := startFakeNSQD(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		readMagicAndIdentify(t, r, conn)

		if _, err := readCommandLine(r); err != nil { // SUB
			t.Errorf("read SUB: %s", err)
			return
		}
		if _, err := readCommandLine(r); err != nil { // RDY
			t.Errorf("read RDY: %s", err)
			return
		}

		msg := &Message{Timestamp: 1, Attempts: 1, ID: id, Body: []byte("payload")}
		var buf bytes.Buffer
		if err := msg.encode(&buf); err != nil {
			t.Errorf("encode message: %s", err)
			return
		}
		if err := writeFrame(conn, FrameTypeMessage, buf.Bytes()); err != nil {
			t.Errorf("write message frame: %s", err)
			return
		}

		line, err := readCommandLine(r)
		if err != nil {
			t.Errorf("read TOUCH: %s", err)
			return
		}
		if want := "TOUCH " + string(id[:]); line != want {
			t.Errorf("got %q, want %q", line, want)
		}

		io.Copy(io.Discard, r)
	})

	cfg := NewConfig()
	cfg.DialTimeout = time.Second
	cfg.MsgTimeout = 150 * time.Millisecond

	delegate := newStubConnDelegate()
	c := NewConn(addr, cfg, delegate)
	defer c.Close()

	if _, err := c.Connect(); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if err := c.WriteCommand(Subscribe("topic", "channel")); err != nil {
		t.Fatalf("SUB: %s", err)
	}
	if err := c.WriteCommand(Ready(1)); err != nil {
		t.Fatalf("RDY: %s", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var msg *Message
	for msg == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the message to be delivered")
		}
		msg = delegate.firstMessage()
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)
	msg.Touch()

	time.Sleep(100 * time.Millisecond)
	if c.InFlight() != 1 {
		t.Fatal("expected Touch to keep the message inflight past its original msg_timeout")
	}

	msg.Finish()
}
