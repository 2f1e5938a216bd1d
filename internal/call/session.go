package call

import "time"

// session is the mutable state of one call. All access runs under the
// Manager's lock.
type session struct {
	callID    string
	callType  string
	remoteID  string
	direction Direction

	status    Status
	startedAt time.Time
	endedAt   time.Time
	reason    EndReason

	peer      Negotiator
	ringTimer *time.Timer

	muted   bool
	videoOn bool
}

func (s *session) info() Info {
	info := Info{
		CallID:    s.callID,
		CallType:  s.callType,
		RemoteID:  s.remoteID,
		Direction: s.direction,
		Status:    s.status,
	}
	if !s.startedAt.IsZero() {
		info.StartedAt = s.startedAt.UnixMilli()
	}
	info.Duration = s.duration()
	return info
}

// duration returns elapsed connected seconds, zero before connect.
func (s *session) duration() int64 {
	if s.startedAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = time.Now()
	}
	return int64(end.Sub(s.startedAt) / time.Second)
}

func (s *session) stopRingTimer() {
	if s.ringTimer != nil {
		s.ringTimer.Stop()
		s.ringTimer = nil
	}
}
