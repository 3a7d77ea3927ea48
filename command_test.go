package nsq

import (
	"bytes"
	"testing"
	"time"
)

func TestCommandWriteToBodyless(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Subscribe("topic", "channel").WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}
	if got, want := buf.String(), "SUB topic channel\n"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestCommandWriteToWithBody(t *testing.T) {
	var buf bytes.Buffer
	if _, err := Publish("topic", []byte("hello")).WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %s", err)
	}

	want := "PUB topic\n\x00\x00\x00\x05hello"
	if got := buf.String(); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestDeferredPublishEncodesDelayAsMilliseconds(t *testing.T) {
	cmd := DeferredPublish("topic", 1500*time.Millisecond, []byte("x"))
	if len(cmd.Params) != 2 || string(cmd.Params[1]) != "1500" {
		t.Fatalf("unexpected params: %v", cmd.Params)
	}
}

func TestMultiPublishEnvelope(t *testing.T) {
	cmd, err := MultiPublish("topic", [][]byte{[]byte("a"), []byte("bb")})
	if err != nil {
		t.Fatalf("MultiPublish: %s", err)
	}

	want := []byte{
		0, 0, 0, 2, // num messages
		0, 0, 0, 1, 'a', // msg 1
		0, 0, 0, 2, 'b', 'b', // msg 2
	}
	if !bytes.Equal(cmd.Body, want) {
		t.Fatalf("got %v, want %v", cmd.Body, want)
	}
}

func TestRequeueEncodesMessageIDAndDelay(t *testing.T) {
	var id MessageID
	copy(id[:], "0123456789abcdef")

	cmd := Requeue(id, 250*time.Millisecond)
	if !bytes.Equal(cmd.Params[0], id[:]) {
		t.Fatalf("id param mismatch: %v", cmd.Params[0])
	}
	if string(cmd.Params[1]) != "250" {
		t.Fatalf("delay param mismatch: %s", cmd.Params[1])
	}
}
