package nsq

// connState enumerates the Conn lifecycle described in spec.md §3. It is
// stored as an int32 and always read and written with atomic operations.
type connState int32

const (
	StateInit connState = iota
	StateDisconnected
	StateConnecting
	StateIdentifying
	StateConnected // "Ready" in spec.md terms: identified, able to send/receive
	StateSubscribed
	StateClosing
	StateClosed
)

func (s connState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
