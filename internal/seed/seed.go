// Package seed loads the agent and group roster from a YAML file.
package seed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/store"
)

// Roster models the seed file.
type Roster struct {
	UserName   string      `yaml:"user_name"`
	UserWallet string      `yaml:"user_wallet"`
	Agents     []AgentSpec `yaml:"agents"`
	Groups     []GroupSpec `yaml:"groups"`
}

// AgentSpec declares one agent. Wallet is a decimal amount.
type AgentSpec struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Persona   string `yaml:"persona"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	Model     string `yaml:"model,omitempty"`
	MaxTokens int    `yaml:"max_tokens,omitempty"`

	MinInterval float64 `yaml:"min_interval"`
	MaxInterval float64 `yaml:"max_interval"`

	Proactive      *bool   `yaml:"proactive,omitempty"`
	Timer          bool    `yaml:"timer"`
	Pressure       bool    `yaml:"pressure"`
	Jealousy       bool    `yaml:"jealousy"`
	JealousyChance float64 `yaml:"jealousy_chance"`

	Affinity *int   `yaml:"affinity,omitempty"`
	Wallet   string `yaml:"wallet,omitempty"`
	Paused   bool   `yaml:"paused"`
}

// GroupSpec declares one group. Members are agent IDs; the user is always
// a member.
type GroupSpec struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	SkipProbability float64  `yaml:"skip_probability"`
	NoChain         bool     `yaml:"no_chain"`
	Members         []string `yaml:"members"`
}

const (
	defaultMinInterval = 30
	defaultMaxInterval = 120
	defaultAffinity    = 50
	defaultUserName    = "Me"
)

// Load reads and validates a roster file.
func Load(path string) (*Roster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates roster YAML.
func Parse(data []byte) (*Roster, error) {
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate checks IDs, intervals, amounts, and group membership.
func (r *Roster) Validate() error {
	var errs []error
	if r.UserWallet != "" {
		if _, err := domain.ParseCents(r.UserWallet); err != nil {
			errs = append(errs, fmt.Errorf("user_wallet: %w", err))
		}
	}

	ids := make(map[string]bool, len(r.Agents))
	for i, a := range r.Agents {
		switch {
		case a.ID == "" || a.Name == "":
			errs = append(errs, fmt.Errorf("agents[%d]: id and name are required", i))
		case a.ID == domain.UserAccount:
			errs = append(errs, fmt.Errorf("agents[%d]: id %q is reserved", i, a.ID))
		case ids[a.ID]:
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate id %q", i, a.ID))
		}
		ids[a.ID] = true
		if a.MinInterval < 0 || a.MaxInterval < a.MinInterval {
			errs = append(errs, fmt.Errorf("agent %s: invalid interval [%v,%v]", a.ID, a.MinInterval, a.MaxInterval))
		}
		if a.JealousyChance < 0 || a.JealousyChance > 1 {
			errs = append(errs, fmt.Errorf("agent %s: jealousy_chance must be within [0,1]", a.ID))
		}
		if a.Wallet != "" {
			if _, err := domain.ParseCents(a.Wallet); err != nil {
				errs = append(errs, fmt.Errorf("agent %s wallet: %w", a.ID, err))
			}
		}
	}

	for i, g := range r.Groups {
		if g.ID == "" || g.Name == "" {
			errs = append(errs, fmt.Errorf("groups[%d]: id and name are required", i))
		}
		if g.SkipProbability < 0 || g.SkipProbability > 1 {
			errs = append(errs, fmt.Errorf("group %s: skip_probability must be within [0,1]", g.ID))
		}
		for _, m := range g.Members {
			if !ids[m] {
				errs = append(errs, fmt.Errorf("group %s: unknown member %q", g.ID, m))
			}
		}
	}
	return errors.Join(errs...)
}

// Apply writes the roster into repo. Existing agents keep their emotional
// state and wallets; only new agents receive their seed wallet. The user
// wallet is seeded while it is empty.
func Apply(ctx context.Context, repo store.Repository, r *Roster, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	names := make(map[string]string, len(r.Agents))
	created := 0
	for _, entry := range r.Agents {
		existing, err := repo.GetAgent(ctx, entry.ID)
		if err != nil {
			return fmt.Errorf("get agent %s: %w", entry.ID, err)
		}
		agent := entry.agent()
		if err := repo.UpsertAgent(ctx, agent); err != nil {
			return fmt.Errorf("upsert agent %s: %w", entry.ID, err)
		}
		names[entry.ID] = entry.Name
		if existing == nil {
			created++
			if err := setWallet(ctx, repo, entry.ID, entry.Wallet); err != nil {
				return err
			}
		}
	}

	if r.UserWallet != "" {
		balance, err := repo.Balance(ctx, domain.UserAccount)
		if err != nil {
			return fmt.Errorf("get user balance: %w", err)
		}
		if balance == 0 {
			if err := setWallet(ctx, repo, domain.UserAccount, r.UserWallet); err != nil {
				return err
			}
		}
	}

	userName := r.UserName
	if userName == "" {
		userName = defaultUserName
	}
	for _, entry := range r.Groups {
		g := &domain.Group{
			ID:              entry.ID,
			Name:            entry.Name,
			SkipProbability: entry.SkipProbability,
			NoChain:         entry.NoChain,
			Members:         []domain.Member{{ID: domain.UserAccount, Name: userName}},
		}
		for _, id := range entry.Members {
			g.Members = append(g.Members, domain.Member{ID: id, Name: names[id]})
		}
		if err := repo.UpsertGroup(ctx, g); err != nil {
			return fmt.Errorf("upsert group %s: %w", entry.ID, err)
		}
	}

	logger.Info("Roster seeded", "agents", len(r.Agents), "new_agents", created, "groups", len(r.Groups))
	return nil
}

func setWallet(ctx context.Context, repo store.Repository, account, amount string) error {
	if amount == "" {
		return nil
	}
	cents, err := domain.ParseCents(amount)
	if err != nil {
		return fmt.Errorf("wallet %s: %w", account, err)
	}
	if err := repo.SetBalance(ctx, account, cents); err != nil {
		return fmt.Errorf("set balance %s: %w", account, err)
	}
	return nil
}

func (s AgentSpec) agent() *domain.Agent {
	a := &domain.Agent{
		ID:               s.ID,
		Name:             s.Name,
		Persona:          s.Persona,
		Endpoint:         s.Endpoint,
		Model:            s.Model,
		MaxTokens:        s.MaxTokens,
		MinInterval:      s.MinInterval,
		MaxInterval:      s.MaxInterval,
		ProactiveEnabled: s.Proactive == nil || *s.Proactive,
		TimerEnabled:     s.Timer,
		PressureEnabled:  s.Pressure,
		JealousyEnabled:  s.Jealousy,
		JealousyChance:   s.JealousyChance,
		Affinity:         defaultAffinity,
		Active:           !s.Paused,
	}
	if s.APIKeyEnv != "" {
		a.APIKey = os.Getenv(s.APIKeyEnv)
	}
	if a.MinInterval == 0 && a.MaxInterval == 0 {
		a.MinInterval, a.MaxInterval = defaultMinInterval, defaultMaxInterval
	}
	if s.Affinity != nil {
		a.Affinity = domain.ClampAffinity(*s.Affinity)
	}
	return a
}
