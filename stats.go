package nsq

// ConnStats is a point-in-time snapshot of a Conn's counters, useful for
// logging and tests; it never itself mutates state.
type ConnStats struct {
	Address          string
	State            connState
	RDY              int64
	LastRDY          int64
	MaxRDY           int64
	InFlightCount    int64
	LastMessageTime  int64 // unix nanoseconds
}

// Stats returns a snapshot of this Conn's current counters.
func (c *Conn) Stats() ConnStats {
	return ConnStats{
		Address:         c.addr,
		State:           c.State(),
		RDY:             c.RDY(),
		LastRDY:         c.LastRDY(),
		MaxRDY:          c.MaxRDY(),
		InFlightCount:   c.InFlight(),
		LastMessageTime: c.LastMessageTime().UnixNano(),
	}
}
