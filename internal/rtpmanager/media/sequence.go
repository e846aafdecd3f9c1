package media

// SequenceTracker tracks inbound RTP sequence numbers across 16-bit
// rollover so per-call packet loss can be reported.
type SequenceTracker struct {
	initialized bool
	lastSeq     uint16
	cycles      uint32
	lost        uint64
	received    uint64
	reordered   uint64
}

// Update records a received sequence number. It returns the extended
// sequence number and how many packets were skipped since the last one.
func (s *SequenceTracker) Update(seq uint16) (extended uint32, lost int) {
	s.received++

	if !s.initialized {
		s.initialized = true
		s.lastSeq = seq
		return uint32(seq), 0
	}

	diff := int16(seq - s.lastSeq)
	switch {
	case diff <= 0:
		// late or duplicate; does not move the window
		s.reordered++
		return s.cycles<<16 | uint32(seq), 0
	case diff > 1:
		lost = int(diff) - 1
		s.lost += uint64(lost)
	}

	if seq < s.lastSeq {
		s.cycles++
	}
	s.lastSeq = seq
	return s.cycles<<16 | uint32(seq), lost
}

// StreamStats is a snapshot of inbound stream health.
type StreamStats struct {
	Received  uint64  `json:"received"`
	Lost      uint64  `json:"lost"`
	Reordered uint64  `json:"reordered"`
	LossRate  float64 `json:"loss_rate"`
}

// Stats returns cumulative statistics.
func (s *SequenceTracker) Stats() StreamStats {
	st := StreamStats{Received: s.received, Lost: s.lost, Reordered: s.reordered}
	if total := s.received + s.lost; total > 0 {
		st.LossRate = float64(s.lost) / float64(total)
	}
	return st
}
