package nsq

import (
	"bufio"
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"
)

func TestRdyPlanEvenSplitWhenBudgetCoversAllConnections(t *testing.T) {
	cfg := NewConfig()
	conns := []*Conn{NewConn("a", cfg, nil), NewConn("b", cfg, nil), NewConn("c", cfg, nil)}

	plan := rdyPlan(9, conns)
	for _, conn := range conns {
		if plan[conn] != 3 {
			t.Fatalf("got %d for %s, want 3", plan[conn], conn.Address())
		}
	}
}

func TestRdyPlanDropsRemainder(t *testing.T) {
	cfg := NewConfig()
	conns := []*Conn{NewConn("a", cfg, nil), NewConn("b", cfg, nil)}

	plan := rdyPlan(5, conns)
	for _, conn := range conns {
		if plan[conn] != 2 {
			t.Fatalf("got %d for %s, want 2 (remainder dropped)", plan[conn], conn.Address())
		}
	}
}

func TestRdyPlanRotatesOldestFirstWhenBudgetIsScarce(t *testing.T) {
	cfg := NewConfig()
	stale := NewConn("stale", cfg, nil)
	fresh := NewConn("fresh", cfg, nil)
	atomic.StoreInt64(&stale.lastMsgTimestamp, 100)
	atomic.StoreInt64(&fresh.lastMsgTimestamp, 200)

	plan := rdyPlan(1, []*Conn{fresh, stale})
	if plan[stale] != 1 {
		t.Fatalf("expected the least-recently-active connection to get the probe, got %v", plan)
	}
	if plan[fresh] != 0 {
		t.Fatalf("expected the recently-active connection to get 0, got %v", plan)
	}
}

func TestRdyPlanZeroBudgetPausesEveryConnection(t *testing.T) {
	cfg := NewConfig()
	conns := []*Conn{NewConn("a", cfg, nil), NewConn("b", cfg, nil)}

	plan := rdyPlan(0, conns)
	for _, conn := range conns {
		if plan[conn] != 0 {
			t.Fatalf("got %d, want 0", plan[conn])
		}
	}
}

func TestAddConcurrentHandlersPanicsAfterConnecting(t *testing.T) {
	c, err := NewConsumer("topic", "channel", NewConfig())
	if err != nil {
		t.Fatalf("NewConsumer: %s", err)
	}
	atomic.StoreInt32(&c.connectedFlag, 1)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected AddHandler to panic once connected")
		}
	}()
	c.AddHandler(HandlerFunc(func(m *Message) error { return nil }))
}

func TestNewConsumerRejectsInvalidNames(t *testing.T) {
	if _, err := NewConsumer("bad topic", "channel", NewConfig()); err == nil {
		t.Fatal("expected an error for an invalid topic name")
	}
	if _, err := NewConsumer("topic", "bad channel", NewConfig()); err == nil {
		t.Fatal("expected an error for an invalid channel name")
	}
}

func TestConsumerDeliversMessageAndFinishes(t *testing.T) {
	var id MessageID
	copy(id[:], "abcdefghijklmnop")

	finReceived := make(chan string, 1)

	addr := startFakeNSQD(t, func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		readMagicAndIdentify(t, r, conn)

		subLine, err := readCommandLine(r)
		if err != nil {
			t.Errorf("read SUB: %s", err)
			return
		}
		if subLine != "SUB topic channel" {
			t.Errorf("got %q, want SUB topic channel", subLine)
			return
		}

		// initial RDY redistribution
		if _, err := readCommandLine(r); err != nil {
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

		finLine, err := readCommandLine(r)
		if err != nil {
			t.Errorf("read FIN: %s", err)
			return
		}
		finReceived <- finLine
	})

	cfg := NewConfig()
	cfg.DialTimeout = time.Second
	cfg.MaxInFlight = 1

	consumer, err := NewConsumer("topic", "channel", cfg)
	if err != nil {
		t.Fatalf("NewConsumer: %s", err)
	}

	var gotBody []byte
	handlerDone := make(chan struct{})
	consumer.AddHandler(HandlerFunc(func(m *Message) error {
		gotBody = m.Body
		close(handlerDone)
		return nil
	}))

	if err := consumer.ConnectToNSQD(addr); err != nil {
		t.Fatalf("ConnectToNSQD: %s", err)
	}
	defer consumer.Stop()

	select {
	case <-handlerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to run")
	}
	if string(gotBody) != "payload" {
		t.Fatalf("got body %q", gotBody)
	}

	select {
	case finLine := <-finReceived:
		want := "FIN " + string(id[:])
		if finLine != want {
			t.Fatalf("got FIN line %q, want %q", finLine, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FIN")
	}
}
