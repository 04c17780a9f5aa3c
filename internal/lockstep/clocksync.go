package lockstep

// ClockSynchronizer collects round-trip samples during the handshake and
// derives the frame offset to the peer from them. Samples live in a bounded
// ring; once full, each new sample replaces the oldest.
type ClockSynchronizer struct {
	limit   int
	samples []Frame
	next    int
}

// NewClockSynchronizer returns a synchronizer that is ready after limit
// samples. A non-positive limit falls back to DefaultSyncSamples.
func NewClockSynchronizer(limit int) *ClockSynchronizer {
	if limit <= 0 {
		limit = DefaultSyncSamples
	}
	return &ClockSynchronizer{limit: limit, samples: make([]Frame, 0, limit)}
}

// Observe records the round trip of a ping that echoed our frame echoed,
// received at now. An echo of zero means the peer has not seen us yet and is
// not a sample.
func (c *ClockSynchronizer) Observe(now, echoed Frame) (Frame, bool) {
	if echoed <= 0 || echoed > now {
		return 0, false
	}
	sample := now - echoed
	c.Add(sample)
	return sample, true
}

// Add records one RTT sample in frames.
func (c *ClockSynchronizer) Add(sample Frame) {
	if len(c.samples) < c.limit {
		c.samples = append(c.samples, sample)
		return
	}
	c.samples[c.next] = sample
	c.next = (c.next + 1) % c.limit
}

// Len reports the number of samples held.
func (c *ClockSynchronizer) Len() int {
	return len(c.samples)
}

// Limit reports the number of samples required before Ready.
func (c *ClockSynchronizer) Limit() int {
	return c.limit
}

// Ready reports whether enough samples were collected to synchronize.
func (c *ClockSynchronizer) Ready() bool {
	return len(c.samples) >= c.limit
}

// HalfRTT is the mean round trip halved, truncated toward zero.
func (c *ClockSynchronizer) HalfRTT() Frame {
	if len(c.samples) == 0 {
		return 0
	}
	var sum Frame
	for _, sample := range c.samples {
		sum += sample
	}
	return sum / Frame(2*len(c.samples))
}

// Offset maps a peer frame stamp observed at now onto the local clock:
// the peer is remoteStamp frames in when we are at now, and the stamp is
// HalfRTT frames old.
func (c *ClockSynchronizer) Offset(now, remoteStamp Frame) Frame {
	return now - remoteStamp + c.HalfRTT()
}

// Reset drops all samples.
func (c *ClockSynchronizer) Reset() {
	c.samples = c.samples[:0]
	c.next = 0
}
