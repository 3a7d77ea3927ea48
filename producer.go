package nsq

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsqgo/nsq/internal/dump"
)

const (
	producerInit int32 = iota
	producerConnected
)

// ProducerTransaction carries the result of an async publish back to the
// caller once nsqd's RESPONSE/ERROR frame for it arrives, grounded on
// bitly/go-nsq's WriterTransaction.
type ProducerTransaction struct {
	cmd      *Command
	doneChan chan *ProducerTransaction

	Error error         // non-nil if the publish failed
	Args  []interface{} // the variadic args passed to the *Async call
}

func (t *ProducerTransaction) finish() {
	if t.doneChan != nil {
		t.doneChan <- t
	}
}

// Producer is a thin façade around a single Conn, publishing to exactly
// one nsqd (spec.md §4.4). It lazily connects (and reconnects) on first
// use, matching bitly/go-nsq's Writer.
type Producer struct {
	addr   string
	config *Config

	logger logger
	logLvl LogLevel

	mtx   sync.Mutex
	conn  *Conn
	state int32

	concurrentWriters int32
	stopFlag          int32

	transactionChan chan *ProducerTransaction
	transactions    []*ProducerTransaction

	responseChan  chan []byte
	errorChan     chan []byte
	ioErrorChan   chan error
	closeChan     chan struct{}

	exitChan chan struct{}
	wg       sync.WaitGroup
}

// NewProducer returns a Producer that will publish to addr using cfg.
func NewProducer(addr string, cfg *Config) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Producer{
		addr:   addr,
		config: cfg.clone(),

		logger: newDefaultLogger(),
		logLvl: LogLevelInfo,

		transactionChan: make(chan *ProducerTransaction),
		responseChan:    make(chan []byte),
		errorChan:       make(chan []byte),
		ioErrorChan:     make(chan error),
		closeChan:       make(chan struct{}, 1),
		exitChan:        make(chan struct{}),
	}, nil
}

// String returns the destination address.
func (w *Producer) String() string { return w.addr }

// SetLogger installs l as this Producer's diagnostic sink, gated at lvl.
func (w *Producer) SetLogger(l logger, lvl LogLevel) {
	w.logger = l
	w.logLvl = lvl
}

func (w *Producer) log(lvl LogLevel, format string, args ...interface{}) {
	if w.logger == nil || lvl < w.logLvl {
		return
	}
	_ = w.logger.Output(2, fmt.Sprintf("%s [%s] %s", lvl, w.addr, fmt.Sprintf(format, args...)))
}

// Publish synchronously publishes body to topic.
func (w *Producer) Publish(topic string, body []byte) error {
	_, err := w.sendCommand(Publish(topic, body))
	return err
}

// MultiPublish synchronously publishes every element of body to topic in
// one MPUB envelope.
func (w *Producer) MultiPublish(topic string, body [][]byte) error {
	cmd, err := MultiPublish(topic, body)
	if err != nil {
		return err
	}
	_, err = w.sendCommand(cmd)
	return err
}

// DeferredPublish synchronously publishes body to topic with nsqd
// queuing delivery until delay has elapsed (spec.md §8 scenario 3).
func (w *Producer) DeferredPublish(topic string, delay time.Duration, body []byte) error {
	_, err := w.sendCommand(DeferredPublish(topic, delay, body))
	return err
}

// PublishAny implements spec.md §4.4's single-entry-point publish
// dispatcher on top of the split Publish/MultiPublish/DeferredPublish
// methods above: data may be []byte, a JSON-able scalar, or a []interface{}
// meant to become an MPUB. Delaying a multi-publish is rejected
// synchronously, without touching the wire (spec.md §8 scenario 5).
func (w *Producer) PublishAny(topic string, data interface{}, delay time.Duration) error {
	if items, ok := data.([]interface{}); ok {
		if delay > 0 {
			return ErrMultiPublishDelay
		}
		bodies := make([][]byte, len(items))
		for i, item := range items {
			b, err := coerceBody(item)
			if err != nil {
				return err
			}
			bodies[i] = b
		}
		return w.MultiPublish(topic, bodies)
	}

	body, err := coerceBody(data)
	if err != nil {
		return err
	}
	if delay > 0 {
		return w.DeferredPublish(topic, delay, body)
	}
	return w.Publish(topic, body)
}

// PublishAsync publishes body to topic without waiting for nsqd's
// response; doneChan (if non-nil) receives a ProducerTransaction once the
// response arrives.
func (w *Producer) PublishAsync(topic string, body []byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	return w.sendCommandAsync(Publish(topic, body), doneChan, args)
}

// MultiPublishAsync is the async counterpart of MultiPublish.
func (w *Producer) MultiPublishAsync(topic string, body [][]byte, doneChan chan *ProducerTransaction, args ...interface{}) error {
	cmd, err := MultiPublish(topic, body)
	if err != nil {
		return err
	}
	return w.sendCommandAsync(cmd, doneChan, args)
}

func (w *Producer) sendCommand(cmd *Command) ([]byte, error) {
	doneChan := make(chan *ProducerTransaction, 1)
	if err := w.sendCommandAsync(cmd, doneChan, nil); err != nil {
		return nil, err
	}
	t := <-doneChan
	return nil, t.Error
}

func (w *Producer) sendCommandAsync(cmd *Command, doneChan chan *ProducerTransaction, args []interface{}) error {
	atomic.AddInt32(&w.concurrentWriters, 1)
	defer atomic.AddInt32(&w.concurrentWriters, -1)

	if atomic.LoadInt32(&w.state) != producerConnected {
		if err := w.connect(); err != nil {
			return err
		}
	}

	t := &ProducerTransaction{cmd: cmd, doneChan: doneChan, Args: args}
	select {
	case w.transactionChan <- t:
		return nil
	case <-w.exitChan:
		return ErrStopped
	}
}

func (w *Producer) connect() error {
	if atomic.LoadInt32(&w.stopFlag) == 1 {
		return ErrStopped
	}

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if atomic.LoadInt32(&w.state) == producerConnected {
		return nil
	}

	w.log(LogLevelInfo, "connecting")
	conn := NewConn(w.addr, w.config, w)
	resp, err := conn.Connect()
	if err != nil {
		conn.Close()
		return err
	}
	if resp != nil {
		w.log(LogLevelDebug, "%s", dump.Struct("identify response", resp))
	}

	w.conn = conn
	atomic.StoreInt32(&w.state, producerConnected)

	w.wg.Add(1)
	go w.router()

	return nil
}

func (w *Producer) router() {
	defer w.wg.Done()

	for {
		// Only accept a new transaction once the prior one's RESPONSE/ERROR
		// has been popped off — at most one needs_response command may be
		// outstanding on the wire at a time. Receiving from a nil channel
		// blocks forever, so this simply disables the case.
		var transactionChan chan *ProducerTransaction
		if len(w.transactions) == 0 {
			transactionChan = w.transactionChan
		}

		select {
		case t := <-transactionChan:
			w.transactions = append(w.transactions, t)
			if err := w.conn.WriteCommand(t.cmd); err != nil {
				w.log(LogLevelError, "failed writing %s - %s", t.cmd, err)
				w.conn.Close()
			}
		case data := <-w.responseChan:
			w.popTransaction(nil, data)
		case data := <-w.errorChan:
			w.popTransaction(fmt.Errorf("%s", data), data)
		case err := <-w.ioErrorChan:
			w.log(LogLevelError, "%s", err)
			w.conn.Close()
		case <-w.closeChan:
			w.transactionCleanup()
			return
		case <-w.exitChan:
			w.transactionCleanup()
			return
		}
	}
}

func (w *Producer) popTransaction(err error, data []byte) {
	if len(w.transactions) == 0 {
		return
	}
	t := w.transactions[0]
	w.transactions = w.transactions[1:]
	t.Error = err
	_ = data
	t.finish()
}

func (w *Producer) transactionCleanup() {
	for _, t := range w.transactions {
		t.Error = ErrNotConnected
		t.finish()
	}
	w.transactions = nil

	for {
		select {
		case t := <-w.transactionChan:
			t.Error = ErrNotConnected
			t.finish()
		default:
			if atomic.LoadInt32(&w.concurrentWriters) == 0 {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// Stop permanently closes the Producer. Subsequent publish calls return
// ErrStopped.
func (w *Producer) Stop() {
	if !atomic.CompareAndSwapInt32(&w.stopFlag, 0, 1) {
		return
	}
	w.mtx.Lock()
	conn := w.conn
	w.mtx.Unlock()

	close(w.exitChan)
	if conn != nil {
		conn.Stop()
	}
	w.wg.Wait()
}

// ConnDelegate implementation: Producer only ever sends commands that
// expect a RESPONSE/ERROR pair, so most delegate hooks are no-ops.

func (w *Producer) OnResponse(c *Conn, data []byte) {
	select {
	case w.responseChan <- data:
	case <-w.exitChan:
	}
}

func (w *Producer) OnError(c *Conn, data []byte) {
	select {
	case w.errorChan <- data:
	case <-w.exitChan:
	}
}

func (w *Producer) OnMessage(c *Conn, m *Message)           {}
func (w *Producer) OnMessageFinished(c *Conn, m *Message)   {}
func (w *Producer) OnMessageRequeued(c *Conn, m *Message)   {}
func (w *Producer) OnBackoff(c *Conn)                       {}
func (w *Producer) OnContinue(c *Conn)                      {}
func (w *Producer) OnResume(c *Conn)                        {}

func (w *Producer) OnIOError(c *Conn, err error) {
	select {
	case w.ioErrorChan <- err:
	case <-w.exitChan:
	}
}

func (w *Producer) OnHeartbeat(c *Conn) {
	w.log(LogLevelDebug, "heartbeat")
}

func (w *Producer) OnClose(c *Conn) {
	atomic.StoreInt32(&w.state, producerInit)
	select {
	case w.closeChan <- struct{}{}:
	default:
	}
}
