package frame

// LossCounter derives dropped frames from the wrapping sequence number. The
// channel does not guarantee order, so a reordered frame is counted as a gap.
type LossCounter struct {
	last  uint8
	seen  bool
	total uint64
}

// Observe records seq and returns how many frames were missed since the
// previous one. The first observation never reports loss.
func (c *LossCounter) Observe(seq uint8) int {
	if !c.seen {
		c.seen = true
		c.last = seq
		return 0
	}
	lost := int(seq - c.last - 1)
	c.last = seq
	c.total += uint64(lost)
	return lost
}

// Total returns the cumulative number of missed frames.
func (c *LossCounter) Total() uint64 { return c.total }

// Reset forgets the last sequence, e.g. after a reconnect.
func (c *LossCounter) Reset() {
	c.seen = false
}
