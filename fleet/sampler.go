package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetops/fleetctl/controlapi"
	"github.com/fleetops/fleetctl/internal/observability"
	"github.com/fleetops/fleetctl/state"
)

// ControlAPI is the slice of the upstream API the sampler needs.
type ControlAPI interface {
	ListRunners(ctx context.Context, groupID string) ([]controlapi.Runner, error)
	GetQueueStats(ctx context.Context, groupID string) (controlapi.QueueStats, error)
}

// Guard wraps upstream calls in the dependency's circuit breaker and retry
// policy.
type Guard interface {
	Do(ctx context.Context, op string, fn func(ctx context.Context) error) error
}

// Sampler polls queue depth and per-runner status for a group, producing one
// immutable QueueSnapshot per sample.
type Sampler struct {
	store  *state.Store
	api    ControlAPI
	guard  Guard
	logger *slog.Logger
	now    func() time.Time
}

func NewSampler(store *state.Store, api ControlAPI, guard Guard, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = observability.NewLogger("fleet.sampler")
	}
	return &Sampler{
		store:  store,
		api:    api,
		guard:  guard,
		logger: logger,
		now:    time.Now,
	}
}

// Sample fetches the group's runners and queue stats through the breaker,
// refreshes the runner records, and appends a snapshot.
func (s *Sampler) Sample(ctx context.Context, groupID string) (state.QueueSnapshot, error) {
	var runners []controlapi.Runner
	err := s.guard.Do(ctx, "list runners", func(ctx context.Context) error {
		var listErr error
		runners, listErr = s.api.ListRunners(ctx, groupID)
		return listErr
	})
	if err != nil {
		return state.QueueSnapshot{}, err
	}

	var stats controlapi.QueueStats
	err = s.guard.Do(ctx, "queue stats", func(ctx context.Context) error {
		var statsErr error
		stats, statsErr = s.api.GetQueueStats(ctx, groupID)
		return statsErr
	})
	if err != nil {
		return state.QueueSnapshot{}, err
	}

	now := s.now().UTC()
	idle, busy := 0, 0
	for _, runner := range runners {
		runnerState := state.RunnerOffline
		switch {
		case runner.Online && runner.Busy:
			runnerState = state.RunnerBusy
			busy++
		case runner.Online:
			runnerState = state.RunnerIdle
			idle++
		}

		rec := state.RunnerRecord{
			RunnerID:   runner.ID,
			GroupID:    groupID,
			Labels:     runner.Labels,
			State:      runnerState,
			LastSeenAt: runner.LastSeenAt,
		}
		if rec.LastSeenAt.IsZero() {
			rec.LastSeenAt = now
		}
		if err := s.store.UpsertRunnerRecord(ctx, rec); err != nil {
			return state.QueueSnapshot{}, err
		}
	}

	snap := state.QueueSnapshot{
		GroupID:           groupID,
		QueuedCount:       stats.QueuedCount,
		InProgressCount:   stats.InProgressCount,
		IdleRunners:       idle,
		BusyRunners:       busy,
		OldestWaitSeconds: stats.OldestWaitSeconds,
		SampledAt:         now,
	}
	if err := s.store.AppendSnapshot(ctx, snap); err != nil {
		return state.QueueSnapshot{}, err
	}

	observability.WithGroup(s.logger, groupID).Info("queue sampled",
		"event", "queue_sampled",
		"queued", snap.QueuedCount,
		"idle", idle,
		"busy", busy,
		"oldest_wait_seconds", snap.OldestWaitSeconds)
	return snap, nil
}
