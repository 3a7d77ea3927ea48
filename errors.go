package nsq

import "fmt"

// ErrIdentify wraps a failure during the IDENTIFY handshake (the parallel
// of bitly/go-nsq's ErrIdentify, kept under the same name).
type ErrIdentify struct {
	Reason string
}

func (e ErrIdentify) Error() string {
	return fmt.Sprintf("failed to IDENTIFY - %s", e.Reason)
}

// ErrProtocol signals a malformed frame or other wire-level violation;
// always fatal to the connection per spec.md §7.2.
type ErrProtocol struct {
	Reason string
}

func (e ErrProtocol) Error() string {
	return fmt.Sprintf("nsq: protocol error - %s", e.Reason)
}

// ErrNotConnected is set as the Error of every Producer transaction still
// pending when its connection closes or the Producer stops.
var ErrNotConnected = fmt.Errorf("nsq: not connected")

// ErrStopped is returned by any operation attempted after Stop() has been
// called, matching spec.md §7's terminal-state rejection.
var ErrStopped = fmt.Errorf("nsq: stopped")

// ErrClosing names a publish attempt made while a Producer is in the
// middle of a graceful close. No function in this package returns it: a
// stopped Producer rejects publishes with ErrStopped.
var ErrClosing = fmt.Errorf("nsq: closing")

// nonFatalErrorCodes lists the NSQ server error codes that terminate only
// the outstanding response waiter, not the connection itself, per
// spec.md §4.3 and §7.3.
var nonFatalErrorCodes = map[string]bool{
	"E_REQ_FAILED":   true,
	"E_FIN_FAILED":   true,
	"E_TOUCH_FAILED": true,
}

// ErrMultiPublishDelay is returned synchronously, without touching the
// wire, when a caller asks to delay a multi-message publish (spec.md §4.4,
// testable property scenario 5).
var ErrMultiPublishDelay = fmt.Errorf("cannot delay a multi publish")

// LookupError is returned for a single nsqlookupd host that failed to
// answer a poll; its Code is always "ELOOKUPERROR" and Host identifies the
// failing lookupd address (spec.md §6, §7.5).
type LookupError struct {
	Host   string
	Code   string
	Reason string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("%s: lookup %s failed - %s", e.Code, e.Host, e.Reason)
}

func newLookupError(host string, err error) *LookupError {
	return &LookupError{Host: host, Code: "ELOOKUPERROR", Reason: err.Error()}
}
