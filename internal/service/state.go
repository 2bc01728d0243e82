package service

// Phase is the sync run's state machine position. A run starts in
// initializing and always ends in completed or error; idle means no run
// has happened since process start.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseListing      Phase = "listing"
	PhaseDownloading  Phase = "downloading"
	PhaseRateLimited  Phase = "rate_limited"
	PhaseProcessing   Phase = "processing"
	PhaseCompleted    Phase = "completed"
	PhaseError        Phase = "error"
)

// Active reports whether a run is currently in flight.
func (p Phase) Active() bool {
	switch p {
	case PhaseInitializing, PhaseListing, PhaseDownloading, PhaseRateLimited, PhaseProcessing:
		return true
	}
	return false
}

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// State is the observable progress of one sync run. It is reset at the
// start of each run; the last error stays visible until then.
type State struct {
	Phase                Phase    `json:"phase"`
	Progress             int      `json:"progress"` // 0-100, non-decreasing within a run
	TotalCount           int      `json:"total_count"`
	ProcessedCount       int      `json:"processed_count"`
	CurrentActivity      string   `json:"current_activity"`
	Message              string   `json:"message"`
	NewActivities        []string `json:"new_activities"`
	Error                string   `json:"error,omitempty"`
	RateLimitWaitSeconds int      `json:"rate_limit_wait_seconds,omitempty"`
}

// snapshot returns a copy safe to hand to subscribers and callers.
func (s *State) snapshot() State {
	snap := *s
	snap.NewActivities = append([]string(nil), s.NewActivities...)
	return snap
}
