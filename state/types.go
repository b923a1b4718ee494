package state

import "time"

// CircuitState is the durable record of a dependency's circuit breaker.
type CircuitState struct {
	DependencyID        string        `json:"dependency_id"`
	Status              CircuitStatus `json:"status"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	WindowStart         *time.Time    `json:"window_start,omitempty"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// RunnerCredential is a control-plane credential issued for one runner.
type RunnerCredential struct {
	ID        string           `json:"id"`
	RunnerID  string           `json:"runner_id"`
	Value     string           `json:"value"`
	Status    CredentialStatus `json:"status"`
	IssuedAt  time.Time        `json:"issued_at"`
	ExpiresAt time.Time        `json:"expires_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RunnerRecord is the last observed control-plane view of a runner.
type RunnerRecord struct {
	RunnerID   string      `json:"runner_id"`
	GroupID    string      `json:"group_id"`
	Labels     []string    `json:"labels,omitempty"`
	State      RunnerState `json:"state"`
	LastSeenAt time.Time   `json:"last_seen_at"`
}

// QueueSnapshot is one immutable sample of a group's queue pressure.
type QueueSnapshot struct {
	GroupID           string    `json:"group_id"`
	QueuedCount       int       `json:"queued_count"`
	InProgressCount   int       `json:"in_progress_count"`
	IdleRunners       int       `json:"idle_runners"`
	BusyRunners       int       `json:"busy_runners"`
	OldestWaitSeconds int       `json:"oldest_wait_seconds"`
	SampledAt         time.Time `json:"sampled_at"`
}

// Utilization returns busy/(busy+idle), or 0 when the group has no runners.
func (s QueueSnapshot) Utilization() float64 {
	total := s.BusyRunners + s.IdleRunners
	if total == 0 {
		return 0
	}
	return float64(s.BusyRunners) / float64(total)
}

// ScaleDecision is one autoscale evaluation outcome, appended to the group's history.
type ScaleDecision struct {
	ID       string      `json:"id"`
	GroupID  string      `json:"group_id"`
	Action   ScaleAction `json:"action"`
	Delta    int         `json:"delta"`
	Reason   string      `json:"reason"`
	IssuedAt time.Time   `json:"issued_at"`
}
