package nsq

import (
	"fmt"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nsqgo/nsq/internal/dump"
)

// Handler responds to a single delivered Message. Returning nil finishes
// the message (unless the handler disabled auto-response); returning an
// error requeues it and counts against the consumer's backoff schedule.
type Handler interface {
	HandleMessage(message *Message) error
}

// HandlerFunc lets an ordinary function satisfy Handler.
type HandlerFunc func(message *Message) error

func (f HandlerFunc) HandleMessage(message *Message) error { return f(message) }

// Consumer subscribes to a topic/channel across any number of nsqd
// connections — supplied directly, discovered via nsqlookupd, or both —
// and fans delivered messages out to one or more Handlers (spec.md §4.5).
// It owns the reconnect policy for every Conn it creates: a Conn never
// reconnects itself (see conn.go), so Consumer.OnClose rebuilds a fresh
// one on an unexpected disconnect.
type Consumer struct {
	topic   string
	channel string
	config  *Config

	logger logger
	logLvl LogLevel

	incomingMessages chan *Message

	mtx        sync.RWMutex
	conns      map[string]*Conn
	connecting map[string]bool

	lookupdHTTPAddrs       []string
	lookupdPollLoopStarted int32

	maxInFlight int32
	pauseFlag   int32

	backoff      *backoffController
	backoffMtx   sync.Mutex
	backoffTimer *time.Timer

	httpClient *http.Client

	connectedFlag    int32
	stopFlag         int32
	stopHandlersOnce sync.Once

	exitChan chan struct{}
	wg       sync.WaitGroup

	// StopChan is closed once every connection has drained and every
	// handler goroutine has exited.
	StopChan chan int
}

// NewConsumer returns a Consumer for topic/channel. Handlers must be
// registered with AddHandler/AddConcurrentHandlers before any Connect*
// method is called.
func NewConsumer(topic, channel string, config *Config) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if !IsValidTopicName(topic) {
		return nil, fmt.Errorf("nsq: invalid topic name %q", topic)
	}
	if !IsValidChannelName(channel) {
		return nil, fmt.Errorf("nsq: invalid channel name %q", channel)
	}

	cfg := config.clone()
	return &Consumer{
		topic:   topic,
		channel: channel,
		config:  cfg,

		logger: newDefaultLogger(),
		logLvl: LogLevelInfo,

		incomingMessages: make(chan *Message),

		conns:      make(map[string]*Conn),
		connecting: make(map[string]bool),

		maxInFlight: int32(cfg.MaxInFlight),

		backoff: newBackoffController(cfg.BackoffMultiplier, cfg.MaxBackoffDuration),

		httpClient: defaultHTTPClient(cfg.DialTimeout + cfg.ReadTimeout),

		exitChan: make(chan struct{}),
		StopChan: make(chan int),
	}, nil
}

// SetLogger installs l as this Consumer's diagnostic sink, gated at lvl.
func (c *Consumer) SetLogger(l logger, lvl LogLevel) {
	c.logger = l
	c.logLvl = lvl
}

func (c *Consumer) log(lvl LogLevel, format string, args ...interface{}) {
	if c.logger == nil || lvl < c.logLvl {
		return
	}
	_ = c.logger.Output(2, fmt.Sprintf("%s (%s/%s) %s", lvl, c.topic, c.channel, fmt.Sprintf(format, args...)))
}

// AddHandler registers handler with a single goroutine. Equivalent to
// AddConcurrentHandlers(handler, 1).
func (c *Consumer) AddHandler(handler Handler) {
	c.AddConcurrentHandlers(handler, 1)
}

// AddConcurrentHandlers registers handler with concurrency goroutines,
// all pulling from the same stream of delivered messages (work-stealing,
// not partitioned). Must be called before any Connect* method.
func (c *Consumer) AddConcurrentHandlers(handler Handler, concurrency int) {
	if atomic.LoadInt32(&c.connectedFlag) == 1 {
		panic("nsq: AddConcurrentHandlers must be called before connecting")
	}
	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go c.handlerLoop(handler)
	}
}

func (c *Consumer) handlerLoop(handler Handler) {
	defer c.wg.Done()
	for message := range c.incomingMessages {
		c.processMessage(handler, message)
	}
}

func (c *Consumer) processMessage(handler Handler, message *Message) {
	if c.shouldFailMessage(message) {
		message.Finish()
		return
	}

	err := handler.HandleMessage(message)
	if message.IsAutoResponseDisabled() {
		return
	}
	if err != nil {
		c.log(LogLevelError, "handler returned %s for message %x", err, message.ID)
		message.Requeue(-1)
		return
	}
	message.Finish()
}

func (c *Consumer) shouldFailMessage(message *Message) bool {
	if c.config.MaxAttempts > 0 && message.Attempts > c.config.MaxAttempts {
		c.log(LogLevelWarning, "message %x exceeded max attempts (%d)", message.ID, c.config.MaxAttempts)
		return true
	}
	return false
}

// ConnectToNSQD adds a single, statically-configured nsqd connection.
func (c *Consumer) ConnectToNSQD(addr string) error {
	return c.connectToNSQD(addr)
}

// ConnectToNSQDs adds every address in addrs.
func (c *Consumer) ConnectToNSQDs(addrs []string) error {
	for _, addr := range addrs {
		if err := c.connectToNSQD(addr); err != nil {
			return err
		}
	}
	return nil
}

func (c *Consumer) connectToNSQD(addr string) error {
	if atomic.LoadInt32(&c.stopFlag) == 1 {
		return ErrStopped
	}
	atomic.StoreInt32(&c.connectedFlag, 1)

	c.mtx.Lock()
	if _, ok := c.conns[addr]; ok {
		c.mtx.Unlock()
		return nil
	}
	if c.connecting[addr] {
		c.mtx.Unlock()
		return nil
	}
	c.connecting[addr] = true
	c.mtx.Unlock()

	conn := NewConn(addr, c.config, c)
	resp, err := conn.Connect()

	c.mtx.Lock()
	delete(c.connecting, addr)
	c.mtx.Unlock()

	if err != nil {
		return err
	}
	if resp != nil {
		c.log(LogLevelDebug, "%s", dump.Struct("identify response", resp))
	}

	if err := conn.WriteCommand(Subscribe(c.topic, c.channel)); err != nil {
		conn.Close()
		return fmt.Errorf("nsq: failed to subscribe on %s - %w", addr, err)
	}
	conn.setState(StateSubscribed)

	c.mtx.Lock()
	c.conns[addr] = conn
	c.mtx.Unlock()

	c.log(LogLevelInfo, "connected to %s", addr)
	c.redistributeRDY()

	return nil
}

// ConnectToNSQLookupd adds a single nsqlookupd address, performs an
// immediate poll, and — on first use — starts the periodic poll loop.
func (c *Consumer) ConnectToNSQLookupd(addr string) error {
	return c.ConnectToNSQLookupds([]string{addr})
}

// ConnectToNSQLookupds adds every nsqlookupd address in addrs.
func (c *Consumer) ConnectToNSQLookupds(addrs []string) error {
	if atomic.LoadInt32(&c.stopFlag) == 1 {
		return ErrStopped
	}
	atomic.StoreInt32(&c.connectedFlag, 1)

	c.mtx.Lock()
	for _, addr := range addrs {
		addr = normalizeLookupdURL(addr)
		found := false
		for _, existing := range c.lookupdHTTPAddrs {
			if existing == addr {
				found = true
				break
			}
		}
		if !found {
			c.lookupdHTTPAddrs = append(c.lookupdHTTPAddrs, addr)
		}
	}
	c.mtx.Unlock()

	if err := c.queryLookupd(); err != nil {
		c.log(LogLevelWarning, "%s", err)
	}

	if atomic.CompareAndSwapInt32(&c.lookupdPollLoopStarted, 0, 1) {
		c.wg.Add(1)
		go c.lookupdLoop()
	}
	return nil
}

func (c *Consumer) queryLookupd() error {
	c.mtx.RLock()
	addrs := append([]string(nil), c.lookupdHTTPAddrs...)
	c.mtx.RUnlock()

	if len(addrs) == 0 {
		return nil
	}

	desired, errs := pollLookupds(c.httpClient, addrs, c.topic)
	for _, e := range errs {
		c.log(LogLevelWarning, "%s", e)
	}

	c.syncConnections(desired)

	if len(errs) == len(addrs) {
		return fmt.Errorf("nsq: failed to query any of %d configured nsqlookupd", len(addrs))
	}
	return nil
}

func (c *Consumer) syncConnections(desired map[string]bool) {
	c.mtx.RLock()
	var toAdd []string
	for addr := range desired {
		if _, ok := c.conns[addr]; !ok {
			toAdd = append(toAdd, addr)
		}
	}
	var toRemove []*Conn
	for addr, conn := range c.conns {
		if !desired[addr] {
			toRemove = append(toRemove, conn)
		}
	}
	c.mtx.RUnlock()

	for _, addr := range toAdd {
		if err := c.connectToNSQD(addr); err != nil {
			c.log(LogLevelWarning, "failed to connect to %s - %s", addr, err)
		}
	}
	for _, conn := range toRemove {
		c.log(LogLevelInfo, "%s no longer in lookupd, closing", conn.Address())
		conn.Stop()
	}
}

func (c *Consumer) lookupdLoop() {
	defer c.wg.Done()

	var jitter time.Duration
	if maxJitter := int64(float64(c.config.LookupdPollInterval) * c.config.LookupdPollJitter); maxJitter > 0 {
		jitter = time.Duration(rand.Int63n(maxJitter))
	}
	select {
	case <-time.After(jitter):
	case <-c.exitChan:
		return
	}

	ticker := time.NewTicker(c.config.LookupdPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.queryLookupd(); err != nil {
				c.log(LogLevelWarning, "%s", err)
			}
		case <-c.exitChan:
			return
		}
	}
}

// redistributeRDY recomputes each connection's RDY count from the
// aggregate MaxInFlight budget via rdyPlan: floor(C/N) per connection
// when C>=N (remainder dropped), or RDY=1 for the C least-recently-active
// connections when C<N.
func (c *Consumer) redistributeRDY() {
	if atomic.LoadInt32(&c.stopFlag) == 1 || c.backoff.isBackingOff() {
		return
	}

	c.mtx.RLock()
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mtx.RUnlock()

	if len(conns) == 0 {
		return
	}

	total := int(atomic.LoadInt32(&c.maxInFlight))
	if atomic.LoadInt32(&c.pauseFlag) == 1 {
		total = 0
	}

	for conn, want := range rdyPlan(total, conns) {
		c.updateRDY(conn, want)
	}
}

// rdyPlan computes the RDY count each of conns should carry so that their
// sum never exceeds total: an even floor(total/n) share when there are at
// least as many messages of budget as connections (remainder dropped), or
// — when budget is scarcer than connections — RDY=1 for the total
// connections that have gone longest without a message and 0 for the
// rest. Connections are ranked by last message time alone, not split by
// whether they currently hold RDY, so a connection that holds RDY=1 but
// receives no message stays first in line and keeps its RDY on the next
// recomputation.
func rdyPlan(total int, conns []*Conn) map[*Conn]int64 {
	plan := make(map[*Conn]int64, len(conns))
	n := len(conns)
	if n == 0 {
		return plan
	}

	if total <= 0 {
		for _, conn := range conns {
			plan[conn] = 0
		}
		return plan
	}

	if total >= n {
		perConn := int64(total / n)
		for _, conn := range conns {
			plan[conn] = perConn
		}
		return plan
	}

	sorted := append([]*Conn(nil), conns...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LastMessageTime().Before(sorted[j].LastMessageTime())
	})
	for i, conn := range sorted {
		if i < total {
			plan[conn] = 1
		} else {
			plan[conn] = 0
		}
	}
	return plan
}

func (c *Consumer) updateRDY(conn *Conn, count int64) {
	if max := conn.MaxRDY(); max > 0 && count > max {
		count = max
	}
	if conn.RDY() == count {
		return
	}
	if err := conn.WriteCommand(Ready(int(count))); err != nil {
		c.log(LogLevelWarning, "failed to send RDY %d to %s - %s", count, conn.Address(), err)
		return
	}
	conn.SetRDY(count)
}

// Pause throttles every connection's RDY to 0 without closing them.
func (c *Consumer) Pause() {
	atomic.StoreInt32(&c.pauseFlag, 1)
	c.redistributeRDY()
}

// UnPause restores normal RDY distribution after Pause.
func (c *Consumer) UnPause() {
	atomic.StoreInt32(&c.pauseFlag, 0)
	c.redistributeRDY()
}

// ChangeMaxInFlight updates the aggregate RDY budget and immediately
// redistributes it across current connections.
func (c *Consumer) ChangeMaxInFlight(n int) {
	atomic.StoreInt32(&c.maxInFlight, int32(n))
	c.redistributeRDY()
}

func (c *Consumer) scheduleBackoffProbe(delay time.Duration) {
	c.backoffMtx.Lock()
	defer c.backoffMtx.Unlock()
	if c.backoffTimer != nil {
		c.backoffTimer.Stop()
	}
	c.backoffTimer = time.AfterFunc(delay, c.backoffProbe)
}

func (c *Consumer) backoffProbe() {
	if atomic.LoadInt32(&c.stopFlag) == 1 {
		return
	}
	c.mtx.RLock()
	var probe *Conn
	for _, conn := range c.conns {
		probe = conn
		break
	}
	c.mtx.RUnlock()
	if probe == nil {
		return
	}
	c.updateRDY(probe, 1)
}

// ConnDelegate implementation.

func (c *Consumer) OnResponse(conn *Conn, data []byte) {
	c.log(LogLevelDebug, "response %q from %s", data, conn.Address())
}

func (c *Consumer) OnError(conn *Conn, data []byte) {
	c.log(LogLevelError, "error %q from %s", data, conn.Address())
}

func (c *Consumer) OnMessage(conn *Conn, m *Message) {
	select {
	case c.incomingMessages <- m:
	case <-c.exitChan:
		m.RequeueWithoutBackoff(-1)
	}
}

func (c *Consumer) OnMessageFinished(conn *Conn, m *Message) {}
func (c *Consumer) OnMessageRequeued(conn *Conn, m *Message) {}

func (c *Consumer) OnBackoff(conn *Conn) {
	delay, entered := c.backoff.onBackoff()
	c.log(LogLevelWarning, "backing off for %s", delay)
	if entered {
		c.mtx.RLock()
		conns := make([]*Conn, 0, len(c.conns))
		for _, cn := range c.conns {
			conns = append(conns, cn)
		}
		c.mtx.RUnlock()
		for _, cn := range conns {
			c.updateRDY(cn, 0)
		}
	}
	c.scheduleBackoffProbe(delay)
}

func (c *Consumer) OnContinue(conn *Conn) {
	if !c.backoff.isBackingOff() {
		return
	}
	if c.backoff.onContinue() {
		c.log(LogLevelInfo, "backoff cleared")
		c.redistributeRDY()
		return
	}
	c.scheduleBackoffProbe(c.backoff.duration())
}

func (c *Consumer) OnResume(conn *Conn) {}

func (c *Consumer) OnIOError(conn *Conn, err error) {
	c.log(LogLevelError, "IO error on %s - %s", conn.Address(), err)
}

func (c *Consumer) OnHeartbeat(conn *Conn) {}

func (c *Consumer) OnClose(conn *Conn) {
	c.mtx.Lock()
	delete(c.conns, conn.Address())
	numConns := len(c.conns)
	c.mtx.Unlock()

	c.log(LogLevelInfo, "connection to %s closed", conn.Address())

	if atomic.LoadInt32(&c.stopFlag) == 1 {
		if numConns == 0 {
			c.doStopHandlers()
		}
		return
	}

	// a Conn stopped by syncConnections was dropped from nsqlookupd on
	// purpose; only an unexpected disconnect is retried
	if atomic.LoadInt32(&conn.stopping) == 1 {
		c.redistributeRDY()
		return
	}

	addr := conn.Address()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnectLoop(addr)
	}()

	c.redistributeRDY()
}

// reconnectLoop retries a dropped connection with linear backoff capped
// at MaxReconnectDelay, giving up after MaxConnectAttempts (0 = forever).
// This is the "reconnecting socket" of spec.md §4.2, owned by Consumer
// rather than by Conn itself (see conn.go's doc comment).
func (c *Consumer) reconnectLoop(addr string) {
	attempts := 0
	for {
		if atomic.LoadInt32(&c.stopFlag) == 1 {
			return
		}

		c.mtx.RLock()
		_, alreadyConnected := c.conns[addr]
		c.mtx.RUnlock()
		if alreadyConnected {
			return
		}

		attempts++
		delay := time.Duration(attempts) * c.config.ReconnectDelayFactor
		if delay > c.config.MaxReconnectDelay {
			delay = c.config.MaxReconnectDelay
		}

		select {
		case <-time.After(delay):
		case <-c.exitChan:
			return
		}

		if err := c.connectToNSQD(addr); err != nil {
			c.log(LogLevelWarning, "failed to reconnect to %s (attempt %d) - %s", addr, attempts, err)
			if c.config.MaxConnectAttempts > 0 && attempts >= c.config.MaxConnectAttempts {
				c.log(LogLevelError, "giving up on %s after %d attempts", addr, attempts)
				return
			}
			continue
		}
		return
	}
}

// Stop initiates a graceful shutdown: every connection is stopped via
// Conn.Stop, which sends CLS and lets inflight messages drain only on
// connections that have messages in flight, and closes the others without
// sending CLS. Once every connection has closed, handler goroutines are
// told to exit and StopChan is closed.
func (c *Consumer) Stop() {
	if !atomic.CompareAndSwapInt32(&c.stopFlag, 0, 1) {
		return
	}
	c.log(LogLevelInfo, "stopping")

	c.mtx.RLock()
	conns := make([]*Conn, 0, len(c.conns))
	for _, conn := range c.conns {
		conns = append(conns, conn)
	}
	c.mtx.RUnlock()

	if len(conns) == 0 {
		c.doStopHandlers()
		return
	}
	for _, conn := range conns {
		conn.Stop()
	}
}

func (c *Consumer) doStopHandlers() {
	c.stopHandlersOnce.Do(func() {
		close(c.exitChan)
		close(c.incomingMessages)
		c.wg.Wait()
		close(c.StopChan)
	})
}
