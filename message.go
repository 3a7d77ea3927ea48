package nsq

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// MsgIDLength is the number of bytes in a Message.ID
const MsgIDLength = 16

// MessageID is the ASCII-encoded, 16-byte message id nsqd assigns to every
// MESSAGE frame.
type MessageID [MsgIDLength]byte

// ErrNotInFlight names the condition of a disposition sent for a message
// id no longer tracked as inflight. No function in this package returns or
// logs it.
var ErrNotInFlight = errors.New("nsq: message not in flight")

// Message is the fundamental data type delivered to a Handler. It carries
// the metadata parsed out of a MESSAGE frame (spec.md §3) plus enough
// state to finalize itself exactly once.
type Message struct {
	// 64bit atomic fields first for alignment on 32-bit platforms.
	Timestamp int64 // nanoseconds since epoch, as published
	Attempts  uint16

	ID MessageID
	// Body holds the raw wire payload. The module never eagerly decodes
	// it as JSON (see DESIGN.md Open Question #4); use DecodeJSON when the
	// payload is known to be JSON.
	Body []byte

	// NSQDAddress is the "host:port" of the nsqd that delivered this
	// message, useful for logging and for routing a Requeue back fast.
	NSQDAddress string

	timestampReceived time.Time

	delegate MessageDelegate

	autoResponseDisabled int32
	responded             int32

	mtx            sync.Mutex
	keepaliveTimer *time.Timer
}

// NewMessage constructs a Message from its decoded wire fields; exported
// primarily for tests that want to synthesize a Message without a live Conn.
func NewMessage(id MessageID, body []byte) *Message {
	return &Message{
		ID:                id,
		Body:              body,
		Timestamp:         time.Now().UnixNano(),
		timestampReceived: time.Now(),
	}
}

// decodeMessage parses the body of a FrameTypeMessage frame:
// [8-byte BE nanosecond timestamp][2-byte BE attempts][16-byte id][body]
func decodeMessage(raw []byte) (*Message, error) {
	var msg Message

	buf := bytes.NewReader(raw)

	if err := binary.Read(buf, binary.BigEndian, &msg.Timestamp); err != nil {
		return nil, err
	}
	if err := binary.Read(buf, binary.BigEndian, &msg.Attempts); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(buf, msg.ID[:]); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(buf)
	if err != nil {
		return nil, err
	}
	msg.Body = body
	msg.timestampReceived = time.Now()

	return &msg, nil
}

// encode serializes the message the way nsqd would frame it; used by the
// in-process fake-nsqd test harness to synthesize MESSAGE frames.
func (m *Message) encode(w io.Writer) error {
	if err := binary.Write(w, binary.BigEndian, &m.Timestamp); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, &m.Attempts); err != nil {
		return err
	}
	if _, err := w.Write(m.ID[:]); err != nil {
		return err
	}
	_, err := w.Write(m.Body)
	return err
}

// DecodeJSON opportunistically decodes Body as JSON into v. Callers that
// know their publisher always sends JSON bodies can use this instead of
// calling json.Unmarshal(m.Body, v) themselves; it exists mainly so the
// "opportunistic" language in spec.md §3 has a concrete, discoverable home.
func (m *Message) DecodeJSON(v interface{}) error {
	return json.Unmarshal(m.Body, v)
}

// HasResponded reports whether Finish/Requeue has already been called (or
// the inflight timer already fired) for this message.
func (m *Message) HasResponded() bool {
	return atomic.LoadInt32(&m.responded) == 1
}

// DisableAutoResponse disables the Consumer's default behavior of calling
// Finish automatically when a Handler returns nil. Callers that want to
// defer disposition (e.g. to a later goroutine) call this from within
// their Handler.
func (m *Message) DisableAutoResponse() {
	atomic.StoreInt32(&m.autoResponseDisabled, 1)
}

// IsAutoResponseDisabled reports whether DisableAutoResponse was called.
func (m *Message) IsAutoResponseDisabled() bool {
	return atomic.LoadInt32(&m.autoResponseDisabled) == 1
}

func (m *Message) setResponded() bool {
	return atomic.CompareAndSwapInt32(&m.responded, 0, 1)
}

// startKeepalive schedules a recurring TOUCH every msgTimeout-keepaliveOffset,
// extending this message's inflight deadline past msgTimeout without the
// handler having to do so itself (spec.md §5 Keepalive, §9 design note). It
// stops on its own once the message responds or the next TOUCH would push
// the deadline past maxMsgTimeout since delivery. keepaliveOffset <= 0 or
// >= msgTimeout disables keepalive entirely (nsqd didn't negotiate a usable
// window, or the caller never configured one).
func (m *Message) startKeepalive(msgTimeout, keepaliveOffset, maxMsgTimeout time.Duration) {
	if keepaliveOffset <= 0 || keepaliveOffset >= msgTimeout || maxMsgTimeout <= 0 {
		return
	}
	interval := msgTimeout - keepaliveOffset
	deadline := m.timestampReceived.Add(maxMsgTimeout)

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.HasResponded() {
		return
	}
	m.keepaliveTimer = time.AfterFunc(interval, func() {
		m.keepaliveTick(interval, deadline)
	})
}

func (m *Message) keepaliveTick(interval time.Duration, deadline time.Time) {
	if m.HasResponded() {
		return
	}
	if !time.Now().Add(interval).Before(deadline) {
		return
	}
	m.Touch()

	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.HasResponded() {
		return
	}
	m.keepaliveTimer = time.AfterFunc(interval, func() {
		m.keepaliveTick(interval, deadline)
	})
}

func (m *Message) stopKeepalive() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.keepaliveTimer != nil {
		m.keepaliveTimer.Stop()
	}
}

// Finish sends FIN to the nsqd that delivered this message, indicating
// successful processing. It is a no-op (beyond the HasResponded check) if
// the message has already been finished, requeued, or timed out.
func (m *Message) Finish() {
	if !m.setResponded() {
		return
	}
	m.stopKeepalive()
	if m.delegate != nil {
		m.delegate.OnFinish(m)
	}
}

// Touch resets the message's inflight expiry to msg_timeout from now by
// sending TOUCH. Once the message has been finished or requeued, or this
// client's own inflight timer for it has fired, Touch does nothing and
// sends no TOUCH. A TOUCH that reaches nsqd after nsqd's own timeout
// yields E_TOUCH_FAILED, which is non-fatal (spec.md §4.3).
func (m *Message) Touch() {
	if m.HasResponded() {
		return
	}
	if m.delegate != nil {
		m.delegate.OnTouch(m)
	}
}

// Requeue sends REQ with the given delay, counting against the consumer's
// backoff accounting. A negative delay uses the connection's configured
// Config.DefaultRequeueDelay instead of an immediate (0) requeue.
func (m *Message) Requeue(delay time.Duration) {
	m.doRequeue(delay, true)
}

// RequeueWithoutBackoff is identical to Requeue but does not count against
// the consumer's error-rate backoff schedule — useful for handlers that
// requeue as part of expected, non-error control flow.
func (m *Message) RequeueWithoutBackoff(delay time.Duration) {
	m.doRequeue(delay, false)
}

func (m *Message) doRequeue(delay time.Duration, backoff bool) {
	if !m.setResponded() {
		return
	}
	m.stopKeepalive()
	if m.delegate != nil {
		m.delegate.OnRequeue(m, delay, backoff)
	}
}
