package nsq

import (
	"crypto/tls"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config carries every knob shared by Conn, Producer, and Consumer. A
// Config must be constructed with NewConfig (never the zero value) so its
// defaults match the real go-nsq client's, and must not be mutated after
// being handed to NewProducer/NewConsumer.
type Config struct {
	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration
	// ReadTimeout/WriteTimeout are applied as rolling deadlines on every
	// socket read/write, matching bitly/go-nsq's Conn.Read/Write idiom.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// LookupdPollInterval is the base interval between nsqlookupd polls
	// (spec.md's discoverFrequency).
	LookupdPollInterval time.Duration
	// LookupdPollJitter delays the first periodic poll by a random amount of
	// up to this fraction of LookupdPollInterval, so a fleet of consumers
	// doesn't poll in lockstep; later polls follow at the fixed interval.
	LookupdPollJitter float64

	// MaxInFlight is the aggregate RDY budget a Consumer distributes
	// across its connections (spec.md's concurrency).
	MaxInFlight int

	// MaxAttempts is the number of deliveries after which a Consumer's
	// default handling gives up and finishes a message instead of
	// requeueing it. Zero means unlimited.
	MaxAttempts uint16

	// MsgTimeout is sent as part of IDENTIFY; it tells nsqd how long to
	// wait before considering an inflight message abandoned, and governs
	// this client's own inflight expiry timer.
	MsgTimeout time.Duration

	// HeartbeatInterval is sent as part of IDENTIFY to configure how often
	// nsqd sends heartbeats on this connection. -1 disables heartbeats.
	HeartbeatInterval time.Duration

	// MaxConnectAttempts bounds the reconnecting socket's retry count
	// before it gives up and reports a permanent failure. Zero means
	// unlimited retries.
	MaxConnectAttempts int
	// ReconnectDelayFactor scales the backoff delay: attempt N waits
	// min(N * ReconnectDelayFactor, MaxReconnectDelay).
	ReconnectDelayFactor time.Duration
	MaxReconnectDelay    time.Duration

	// KeepaliveOffset is subtracted from MsgTimeout to compute when a
	// Message's keepalive helper issues its next TOUCH.
	KeepaliveOffset time.Duration

	// DefaultRequeueDelay is the REQ delay used whenever a handler calls
	// Message.Requeue/RequeueWithoutBackoff with a negative duration,
	// i.e. "pick a sensible delay for me".
	DefaultRequeueDelay time.Duration

	// MaxBackoffDuration caps the exponential handler-error backoff
	// schedule a Consumer applies to a misbehaving topic/channel.
	MaxBackoffDuration time.Duration
	// BackoffMultiplier scales the base unit of the backoff schedule.
	BackoffMultiplier time.Duration

	ClientID  string
	Hostname  string
	UserAgent string

	TLSv1     bool
	TLSConfig *tls.Config

	Deflate      bool
	DeflateLevel int
	Snappy       bool

	OutputBufferSize    int64
	OutputBufferTimeout time.Duration

	AuthSecret string
}

// NewConfig returns a Config populated with the same defaults the real
// go-nsq client ships (grounded on bitly/go-nsq's NewConn/NewWriter
// defaults, extended with the reconnect/backoff/lookup knobs spec.md adds).
func NewConfig() *Config {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Config{
		DialTimeout:  time.Second,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: time.Second,

		LookupdPollInterval: 60 * time.Second,
		LookupdPollJitter:   0.3,

		MaxInFlight: 1,
		MaxAttempts: 5,

		MsgTimeout:        60 * time.Second,
		HeartbeatInterval: 30 * time.Second,

		MaxConnectAttempts:   0,
		ReconnectDelayFactor: time.Second,
		MaxReconnectDelay:    15 * time.Second,

		KeepaliveOffset:     5 * time.Second,
		DefaultRequeueDelay: 90 * time.Second,

		MaxBackoffDuration: 2 * time.Minute,
		BackoffMultiplier:  time.Second,

		ClientID:  strings.SplitN(hostname, ".", 2)[0],
		Hostname:  hostname,
		UserAgent: fmt.Sprintf("go-nsq/%s", Version),

		DeflateLevel: 6,

		OutputBufferSize:    16 * 1024,
		OutputBufferTimeout: 250 * time.Millisecond,
	}
}

// Validate checks internal consistency. It is called by NewProducer and
// NewConsumer; callers assembling a Config by hand can call it directly.
func (c *Config) Validate() error {
	if c.MaxInFlight < 0 {
		return fmt.Errorf("nsq: MaxInFlight must be >= 0")
	}
	if c.MsgTimeout <= 0 {
		return fmt.Errorf("nsq: MsgTimeout must be > 0")
	}
	if c.KeepaliveOffset >= c.MsgTimeout {
		return fmt.Errorf("nsq: KeepaliveOffset must be < MsgTimeout")
	}
	if c.LookupdPollJitter < 0 || c.LookupdPollJitter > 1 {
		return fmt.Errorf("nsq: LookupdPollJitter must be in [0,1]")
	}
	if c.Deflate && c.Snappy {
		return fmt.Errorf("nsq: Deflate and Snappy are mutually exclusive")
	}
	return nil
}

// identifyMap builds the JSON body sent as the IDENTIFY command, per
// spec.md §4.3.
func (c *Config) identifyMap(shortID, longID string) map[string]interface{} {
	m := map[string]interface{}{
		"client_id":             shortID,
		"hostname":              longID,
		"feature_negotiation":   true,
		"heartbeat_interval":    int64(c.HeartbeatInterval / time.Millisecond),
		"output_buffer_size":    c.OutputBufferSize,
		"output_buffer_timeout": int64(c.OutputBufferTimeout / time.Millisecond),
		"tls_v1":                c.TLSv1,
		"deflate":               c.Deflate,
		"deflate_level":         c.DeflateLevel,
		"snappy":                c.Snappy,
		"user_agent":            c.UserAgent,
		"msg_timeout":           int64(c.MsgTimeout / time.Millisecond),
	}
	if c.HeartbeatInterval < 0 {
		m["heartbeat_interval"] = -1
	}
	return m
}

// clone returns a shallow copy, used by Producer/Consumer so per-Conn
// mutation (none currently) never aliases the caller's Config.
func (c *Config) clone() *Config {
	cfg := *c
	return &cfg
}
