package nsq

import "time"

// This module replaces the source NSQ clients' string-keyed event emitters
// (e.g. "conn.ready", "<topic>.<channel>.message") with small typed
// observer interfaces, per spec.md §9's design note. A Conn is given a
// single ConnDelegate at construction time and calls its methods instead
// of emitting named events; a Message is given a single MessageDelegate so
// it can reach back into the Conn that delivered it without holding a
// strong reference to the Conn itself.

// ConnDelegate is notified of lifecycle events on a single Conn. Consumer
// and Producer each implement it to drive their own bookkeeping; tests may
// supply a stub implementation to observe a Conn in isolation.
type ConnDelegate interface {
	// OnResponse is called for every non-heartbeat RESPONSE frame once the
	// connection has left the identify handshake.
	OnResponse(c *Conn, data []byte)
	// OnError is called for every ERROR frame.
	OnError(c *Conn, data []byte)
	// OnMessage is called once per MESSAGE frame, after the Message has
	// already been inserted into the connection's inflight map.
	OnMessage(c *Conn, m *Message)
	// OnMessageFinished is called after a message's disposition (FIN/REQ)
	// has been sent to nsqd and removed from the inflight map.
	OnMessageFinished(c *Conn, m *Message)
	// OnMessageRequeued is called specifically on REQ, after OnMessageFinished.
	OnMessageRequeued(c *Conn, m *Message)
	// OnBackoff is called after a REQ sent with backoff requested, and
	// OnContinue after a FIN or a REQ without backoff; the owner decides
	// whether to throttle or restore RDY in response. OnResume is part of
	// the interface, but Conn never calls it.
	OnBackoff(c *Conn)
	OnContinue(c *Conn)
	OnResume(c *Conn)
	// OnIOError is called on a fatal transport or framing error.
	OnIOError(c *Conn, err error)
	// OnHeartbeat is called whenever a heartbeat RESPONSE is received,
	// before the client's automatic NOP reply is queued.
	OnHeartbeat(c *Conn)
	// OnClose is called once, after the connection has fully drained and
	// the underlying socket has been closed.
	OnClose(c *Conn)
}

// MessageDelegate lets a Message signal its disposition back to whatever
// delivered it, without the Message holding a strong reference to a Conn
// (spec.md §9: "avoid cycles ... give Message a non-owning handle").
type MessageDelegate interface {
	// OnFinish is called when the message handler completes successfully.
	OnFinish(m *Message)
	// OnRequeue is called when the handler fails or explicitly requeues.
	// backoff indicates whether this requeue should count against the
	// consumer's error-rate backoff schedule.
	OnRequeue(m *Message, delay time.Duration, backoff bool)
	// OnTouch is called to reset a message's inflight timeout.
	OnTouch(m *Message)
}
