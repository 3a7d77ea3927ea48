package nsq

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"crypto/tls"
)

// flusher is implemented by the writers installed after a Deflate/Snappy
// upgrade (flate.Writer, snappy.Writer); SendCommand flushes through it so
// buffered compressed writers actually reach the wire per command.
type flusher interface {
	Flush() error
}

// inFlightMessage pairs a delivered Message with the timer that will
// silently drop it from the inflight map if msg_timeout elapses without a
// disposition (spec.md §3 "Inflight message record").
type inFlightMessage struct {
	msg   *Message
	timer *time.Timer
}

// msgResponse is the payload placed on a Conn's finishedChan by
// Message.Finish/Requeue, processed one at a time by writeLoop so that a
// FIN/REQ write is never interleaved mid-frame with another command.
type msgResponse struct {
	msg     *Message
	cmd     *Command
	success bool
	backoff bool
}

// Conn is a single TCP connection to one nsqd, implementing the state
// machine of spec.md §4.3: magic+IDENTIFY handshake, ordered command
// writes, heartbeat replies, and inflight message tracking. Conn never
// reconnects itself — spec.md's reconnect policy (§4.2) is driven by the
// owning Producer/Consumer, which constructs a fresh Conn per attempt;
// this mirrors how the teacher's lineage splits a dumb per-session Conn
// from the policy objects above it (see DESIGN.md).
type Conn struct {
	// 64-bit fields first for correct atomic alignment on 32-bit platforms.
	messagesInFlight int64
	maxRdyCount      int64
	rdyCount         int64
	lastRdyCount     int64
	lastMsgTimestamp int64
	maxMsgTimeoutMs  int64

	state           int32
	stopping        int32
	readLoopRunning int32

	mtx sync.Mutex

	config *Config
	addr   string

	conn    net.Conn
	tlsConn *tls.Conn
	r       io.Reader
	w       io.Writer

	delegate ConnDelegate

	cmdChan      chan *Command
	finishedChan chan *msgResponse
	exitChan     chan struct{}
	drainReady   chan struct{}
	stopper      sync.Once
	wg           sync.WaitGroup

	inflightMtx sync.Mutex
	inflight    map[MessageID]*inFlightMessage

	identifyRsp *IdentifyResponse
}

// NewConn returns a Conn ready to Connect() to addr. config is cloned so
// later mutation of the caller's Config can't race with this Conn.
func NewConn(addr string, config *Config, delegate ConnDelegate) *Conn {
	return &Conn{
		addr:     addr,
		config:   config.clone(),
		delegate: delegate,

		cmdChan:      make(chan *Command),
		finishedChan: make(chan *msgResponse),
		exitChan:     make(chan struct{}),
		drainReady:   make(chan struct{}),

		inflight: make(map[MessageID]*inFlightMessage),

		lastMsgTimestamp: time.Now().UnixNano(),
	}
}

// Address returns the "host:port" this Conn was constructed with.
func (c *Conn) Address() string { return c.addr }

// State returns the Conn's current lifecycle state.
func (c *Conn) State() connState { return connState(atomic.LoadInt32(&c.state)) }

func (c *Conn) setState(s connState) { atomic.StoreInt32(&c.state, int32(s)) }

// RDY returns the currently outstanding ready count.
func (c *Conn) RDY() int64 { return atomic.LoadInt64(&c.rdyCount) }

// LastRDY returns the most recently set ready count, which persists across
// a RDY 0 throttle so backoff recovery knows what to restore.
func (c *Conn) LastRDY() int64 { return atomic.LoadInt64(&c.lastRdyCount) }

// SetRDY records the ready count this Conn is now operating under. It does
// not itself send the RDY command; callers send the command, then record
// the new value here, matching bitly/go-nsq's Conn.SetRDY bookkeeping-only
// contract.
func (c *Conn) SetRDY(rdy int64) {
	atomic.StoreInt64(&c.rdyCount, rdy)
	if rdy > 0 {
		atomic.StoreInt64(&c.lastRdyCount, rdy)
	}
}

// MaxRDY returns the nsqd-negotiated ceiling on RDY for this connection.
func (c *Conn) MaxRDY() int64 { return atomic.LoadInt64(&c.maxRdyCount) }

// InFlight returns the number of messages delivered but not yet finished,
// requeued, or timed out.
func (c *Conn) InFlight() int64 { return atomic.LoadInt64(&c.messagesInFlight) }

// LastMessageTime reports when the most recent MESSAGE frame arrived; the
// Consumer uses this as the RDY-redistribution tiebreaker (spec.md §4.5).
func (c *Conn) LastMessageTime() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastMsgTimestamp))
}

// IdentifyResponse returns the features nsqd negotiated, or nil if this
// Conn hasn't completed IDENTIFY yet.
func (c *Conn) IdentifyResponse() *IdentifyResponse { return c.identifyRsp }

func (c *Conn) String() string { return c.addr }

// Connect dials addr, performs the magic+IDENTIFY handshake, and — once
// successful — starts the reader and writer goroutines. It returns the
// negotiated IdentifyResponse (nil if nsqd didn't support feature
// negotiation).
func (c *Conn) Connect() (*IdentifyResponse, error) {
	c.setState(StateConnecting)

	dialer := net.Dialer{Timeout: c.config.DialTimeout}
	conn, err := dialer.Dial("tcp", c.addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}

	c.conn = conn
	c.r = conn
	c.w = conn

	if err := c.writeRaw(MagicV2); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("nsq: [%s] failed to write magic - %w", c.addr, err)
	}

	c.setState(StateIdentifying)
	resp, err := c.identify()
	if err != nil {
		c.conn.Close()
		return nil, err
	}

	c.setState(StateConnected)
	atomic.StoreInt32(&c.readLoopRunning, 1)
	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return resp, nil
}

func (c *Conn) writeRaw(b []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	_, err := c.w.Write(b)
	return err
}

func (c *Conn) identify() (*IdentifyResponse, error) {
	cmd, err := Identify(c.config.identifyMap(c.config.ClientID, c.config.Hostname))
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if err := c.SendCommand(cmd); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	frameType, data, err := readFrame(c.r)
	if err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	if frameType == FrameTypeError {
		return nil, ErrIdentify{Reason: string(data)}
	}

	if len(data) == 0 || data[0] != '{' {
		// nsqd responded but didn't support feature negotiation.
		c.r = bufio.NewReader(c.r)
		return nil, nil
	}

	resp := &IdentifyResponse{}
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, ErrIdentify{Reason: err.Error()}
	}
	atomic.StoreInt64(&c.maxRdyCount, resp.MaxRdyCount)
	atomic.StoreInt64(&c.maxMsgTimeoutMs, resp.MaxMsgTimeout)
	c.identifyRsp = resp

	if resp.TLSv1 || resp.Deflate || resp.Snappy {
		if err := c.negotiateUpgrades(resp); err != nil {
			return nil, ErrIdentify{Reason: err.Error()}
		}
	} else {
		c.r = bufio.NewReader(c.r)
	}

	return resp, nil
}

// SendCommand writes cmd directly to the wire under Conn's write mutex. It
// is safe to call concurrently; spec.md's FIFO-queue discipline is
// realized here as mutex-ordered writes rather than an explicit queue
// (see DESIGN.md), since nothing in this module needs more than one
// writer at a time to actually observe queueing order.
func (c *Conn) SendCommand(cmd *Command) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	if _, err := cmd.WriteTo(c.w); err != nil {
		return err
	}
	if f, ok := c.w.(flusher); ok {
		return f.Flush()
	}
	return nil
}

// WriteCommand enqueues cmd to be sent from the writer goroutine. Prefer
// this over SendCommand from application code so a command submitted
// concurrently with a close doesn't race past exitChan.
func (c *Conn) WriteCommand(cmd *Command) error {
	select {
	case c.cmdChan <- cmd:
		return nil
	case <-c.exitChan:
		return ErrStopped
	}
}

func (c *Conn) readLoop() {
	defer c.wg.Done()

	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout + c.config.HeartbeatInterval)); err != nil {
			c.delegate.OnIOError(c, err)
			break
		}

		frameType, data, err := readFrame(c.r)
		if err != nil {
			c.delegate.OnIOError(c, err)
			break
		}
		frameType, data, err = unpackResponse(frameType, data)
		if err != nil {
			c.delegate.OnIOError(c, err)
			break
		}

		if frameType == FrameTypeResponse && bytes.Equal(data, heartbeatBytes) {
			c.delegate.OnHeartbeat(c)
			if err := c.WriteCommand(Nop()); err != nil {
				c.delegate.OnIOError(c, err)
				break
			}
			continue
		}

		switch frameType {
		case FrameTypeResponse:
			c.delegate.OnResponse(c, data)
		case FrameTypeMessage:
			msg, err := decodeMessage(data)
			if err != nil {
				c.delegate.OnIOError(c, err)
				goto exit
			}
			msg.delegate = c
			msg.NSQDAddress = c.addr
			c.trackInflight(msg)

			atomic.AddInt64(&c.rdyCount, -1)
			atomic.AddInt64(&c.messagesInFlight, 1)
			atomic.StoreInt64(&c.lastMsgTimestamp, time.Now().UnixNano())

			c.delegate.OnMessage(c, msg)
		case FrameTypeError:
			if c.handleErrorFrame(data) {
				goto exit
			}
		default:
			c.delegate.OnIOError(c, fmt.Errorf("nsq: unknown frame type %d", frameType))
			goto exit
		}
	}

exit:
	atomic.StoreInt32(&c.readLoopRunning, 0)
	if atomic.LoadInt64(&c.messagesInFlight) == 0 {
		c.beginClose()
	}
}

// handleErrorFrame reports the error to the delegate and, for fatal error
// codes, begins closing the connection. It returns true when the caller's
// read loop must stop reading, i.e. the error was fatal.
func (c *Conn) handleErrorFrame(data []byte) bool {
	c.delegate.OnError(c, data)
	code := data
	if i := bytes.IndexByte(data, ' '); i >= 0 {
		code = data[:i]
	}
	if nonFatalErrorCodes[string(code)] {
		return false
	}
	c.beginClose()
	return true
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.exitChan:
			close(c.drainReady)
			return
		case cmd := <-c.cmdChan:
			if err := c.SendCommand(cmd); err != nil {
				c.delegate.OnIOError(c, err)
				c.beginClose()
			}
		case fin := <-c.finishedChan:
			c.clearInflight(fin.msg.ID)
			remaining := atomic.AddInt64(&c.messagesInFlight, -1)

			if err := c.SendCommand(fin.cmd); err != nil {
				c.delegate.OnIOError(c, err)
				c.beginClose()
				continue
			}

			c.delegate.OnMessageFinished(c, fin.msg)
			if fin.success {
				c.delegate.OnContinue(c)
			} else {
				c.delegate.OnMessageRequeued(c, fin.msg)
				if fin.backoff {
					c.delegate.OnBackoff(c)
				} else {
					c.delegate.OnContinue(c)
				}
			}

			if remaining == 0 && atomic.LoadInt32(&c.stopping) == 1 {
				c.beginClose()
			}
		}
	}
}

// Stop initiates the graceful close protocol of spec.md §4.3: if
// messages are currently inflight it sends CLS (so nsqd stops delivering
// new MESSAGE frames) and waits for them to drain before the socket is
// released; otherwise it begins closing at once without sending CLS. In
// both cases the socket is closed only after the read loop has returned
// (on a read error, the read deadline, or the next heartbeat, whose NOP
// reply can no longer be queued).
func (c *Conn) Stop() {
	atomic.StoreInt32(&c.stopping, 1)
	if atomic.LoadInt64(&c.messagesInFlight) > 0 {
		_ = c.WriteCommand(StartClose())
		return
	}
	c.beginClose()
}

// Close is an abortive teardown: it does not wait for inflight messages
// to drain. Used when a reconnect attempt is abandoned mid-handshake.
func (c *Conn) Close() error {
	c.beginClose()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Conn) beginClose() {
	c.stopper.Do(func() {
		c.setState(StateClosing)
		close(c.exitChan)

		c.wg.Add(1)
		go c.drainInflight()
		go c.waitForShutdown()
	})
}

// drainInflight blocks until writeLoop has exited (drainReady closed) and
// then polls until every inflight message has been finalized or timed
// out, bounded in practice by msg_timeout (spec.md §5 "Close awaits
// inflight drain bounded by msg_timeout").
func (c *Conn) drainInflight() {
	defer c.wg.Done()
	<-c.drainReady

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&c.messagesInFlight) == 0 && atomic.LoadInt32(&c.readLoopRunning) == 0 {
			return
		}
		<-ticker.C
	}
}

func (c *Conn) waitForShutdown() {
	c.wg.Wait()
	c.inflightMtx.Lock()
	for id, rec := range c.inflight {
		rec.timer.Stop()
		delete(c.inflight, id)
	}
	c.inflightMtx.Unlock()

	if c.conn != nil {
		c.conn.Close()
	}
	c.setState(StateClosed)
	if c.delegate != nil {
		c.delegate.OnClose(c)
	}
}

func (c *Conn) trackInflight(m *Message) {
	timer := time.AfterFunc(c.config.MsgTimeout, func() { c.onInflightTimeout(m) })
	c.inflightMtx.Lock()
	c.inflight[m.ID] = &inFlightMessage{msg: m, timer: timer}
	c.inflightMtx.Unlock()

	maxMsgTimeout := time.Duration(atomic.LoadInt64(&c.maxMsgTimeoutMs)) * time.Millisecond
	m.startKeepalive(c.config.MsgTimeout, c.config.KeepaliveOffset, maxMsgTimeout)
}

func (c *Conn) clearInflight(id MessageID) {
	c.inflightMtx.Lock()
	rec, ok := c.inflight[id]
	if ok {
		rec.timer.Stop()
		delete(c.inflight, id)
	}
	c.inflightMtx.Unlock()
}

func (c *Conn) resetInflightTimer(id MessageID) {
	c.inflightMtx.Lock()
	rec, ok := c.inflight[id]
	c.inflightMtx.Unlock()
	if ok {
		rec.timer.Reset(c.config.MsgTimeout)
	}
}

// onInflightTimeout drops a message from the inflight map without
// notifying nsqd: per spec.md §4.3, the server independently re-queues an
// inflight message whose msg_timeout elapses.
func (c *Conn) onInflightTimeout(m *Message) {
	c.inflightMtx.Lock()
	_, ok := c.inflight[m.ID]
	if ok {
		delete(c.inflight, m.ID)
	}
	c.inflightMtx.Unlock()
	if !ok {
		return
	}

	m.setResponded()
	m.stopKeepalive()
	remaining := atomic.AddInt64(&c.messagesInFlight, -1)
	if remaining == 0 && atomic.LoadInt32(&c.stopping) == 1 {
		c.beginClose()
	}
}

// OnFinish implements MessageDelegate.
func (c *Conn) OnFinish(m *Message) {
	select {
	case c.finishedChan <- &msgResponse{msg: m, cmd: Finish(m.ID), success: true}:
	case <-c.exitChan:
	}
}

// OnRequeue implements MessageDelegate. A negative delay means the caller
// left the choice of delay up to us, so we substitute the connection's
// configured default rather than letting it truncate to an immediate (0)
// requeue on the wire.
func (c *Conn) OnRequeue(m *Message, delay time.Duration, backoff bool) {
	if delay < 0 {
		delay = c.config.DefaultRequeueDelay
	}
	select {
	case c.finishedChan <- &msgResponse{msg: m, cmd: Requeue(m.ID, delay), success: false, backoff: backoff}:
	case <-c.exitChan:
	}
}

// OnTouch implements MessageDelegate.
func (c *Conn) OnTouch(m *Message) {
	c.resetInflightTimer(m.ID)
	_ = c.WriteCommand(Touch(m.ID))
}
