package coordinator

import "sync/atomic"

// Metrics are process-lifetime counters surfaced in the health snapshot.
type Metrics struct {
	CommandsDispatched atomic.Int64
	CommandsCompleted  atomic.Int64
	CommandsFailed     atomic.Int64
	CommandsTimedOut   atomic.Int64
	LateResultDrops    atomic.Int64
	FramesDropped      atomic.Int64
	SessionsSuperseded atomic.Int64
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"commands_dispatched": m.CommandsDispatched.Load(),
		"commands_completed":  m.CommandsCompleted.Load(),
		"commands_failed":     m.CommandsFailed.Load(),
		"commands_timed_out":  m.CommandsTimedOut.Load(),
		"late_result_drops":   m.LateResultDrops.Load(),
		"frames_dropped":      m.FramesDropped.Load(),
		"sessions_superseded": m.SessionsSuperseded.Load(),
	}
}
