package session

import "time"

// Presence derives a boolean liveness signal from the session's connection
// state and heartbeat recency. Consumers use it purely to annotate
// displayed data as possibly stale; it never affects routing or membership.
type Presence struct {
	s *Session
}

func (s *Session) Presence() *Presence {
	return &Presence{s: s}
}

// IsLive reports whether the session holds an open connection with a
// recent server heartbeat. Half an interval of slack on top of two
// intervals absorbs scheduling jitter without masking a dead peer.
func (p *Presence) IsLive() bool {
	if p.s.State() != StateOpen {
		return false
	}
	return time.Since(p.s.LastHeartbeat()) < p.s.opts.HeartbeatInterval*5/2
}
