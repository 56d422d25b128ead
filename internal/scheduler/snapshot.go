package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/ashureev/companions/internal/bus"
)

// AgentStatus is the UI view of one agent's scheduling state.
type AgentStatus struct {
	Countdown    float64 `json:"countdown"`
	Scheduled    bool    `json:"scheduled"`
	IsGenerating bool    `json:"is_generating"`
	Pressure     int     `json:"pressure"`
	Blocked      bool    `json:"blocked"`
}

// Snapshot combines the scheduler entries with agent state. Countdown is in
// whole seconds.
func (s *Scheduler) Snapshot(ctx context.Context) (map[string]AgentStatus, error) {
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make(map[string]AgentStatus, len(agents))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		st := AgentStatus{Pressure: a.PressureLevel, Blocked: a.IsBlocked}
		if e, ok := s.entries[a.ID]; ok {
			st.Scheduled = true
			st.IsGenerating = e.generating || s.inJealousy[a.ID]
			if !e.generating {
				st.Countdown = math.Max(0, math.Ceil(e.fireAt.Sub(now).Seconds()))
			}
		}
		out[a.ID] = st
	}
	return out, nil
}

// StartSnapshotWorker publishes a snapshot on every tick until ctx is done.
func (s *Scheduler) StartSnapshotWorker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Snapshot worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				s.publishSnapshot(ctx)
			case <-ctx.Done():
				s.logger.Info("Snapshot worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (s *Scheduler) publishSnapshot(ctx context.Context) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		s.logger.Error("Snapshot worker failed to read agents", "error", err)
		return
	}
	s.bus.Publish(bus.Event{Type: bus.EventEngineSnapshot, Payload: snap})
}
