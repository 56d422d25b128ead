package scheduler

import (
	"context"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/pipeline"
)

// TriggerJealousy rolls jealousy for every agent other than the one the user
// just messaged. Each winner gets one delayed out-of-band turn; a newer roll
// replaces a pending one. It returns the IDs of the agents that rolled in.
func (s *Scheduler) TriggerJealousy(ctx context.Context, target *domain.Agent) ([]string, error) {
	agents, err := s.agents.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	var fired []string
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		if a.ID == target.ID || !s.policy.RollJealousy(*a, s.roll()) {
			continue
		}
		if j, ok := s.jealous[a.ID]; ok {
			j.timer.Stop()
		}
		s.nextToken++
		token := s.nextToken
		agentID, rival := a.ID, target.Name
		d := s.policy.JealousyDelay(s.roll())
		e := &entry{token: token, fireAt: s.now().Add(d)}
		e.timer = s.afterFunc(d, func() { s.fireJealousy(agentID, rival, token) })
		s.jealous[a.ID] = e
		fired = append(fired, a.ID)
		s.logger.Info("Jealousy triggered", "agent_id", a.ID, "rival", target.ID, "delay", d)
	}
	return fired, nil
}

func (s *Scheduler) fireJealousy(agentID, rival string, token uint64) {
	s.mu.Lock()
	j, ok := s.jealous[agentID]
	if !ok || j.token != token || s.baseCtx.Err() != nil {
		s.mu.Unlock()
		return
	}
	delete(s.jealous, agentID)
	if e, busy := s.entries[agentID]; busy && e.generating {
		s.mu.Unlock()
		s.logger.Debug("Skipping jealousy, agent is generating", "agent_id", agentID)
		return
	}
	s.inJealousy[agentID] = true
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx := s.baseCtx
	res, err := s.runner.RunAgentTurn(ctx, agentID, pipeline.Jealousy, pipeline.WithRival(rival))

	s.mu.Lock()
	delete(s.inJealousy, agentID)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("Jealousy turn failed", "agent_id", agentID, "error", err)
		res.NextDelay = nil
	}
	s.resumeAfterJealousy(ctx, agentID, res.NextDelay)
}

// resumeAfterJealousy restarts the agent's normal schedule from fresh state.
func (s *Scheduler) resumeAfterJealousy(ctx context.Context, agentID string, exactDelay *float64) {
	agent, err := s.agents.GetAgent(ctx, agentID)
	if err != nil || agent == nil {
		s.Stop(agentID)
		return
	}
	s.Schedule(agent, exactDelay)
}
