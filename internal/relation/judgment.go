// Package relation turns free-text first impressions into relationship rows.
package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ashureev/companions/internal/domain"
	"github.com/ashureev/companions/internal/llm"
)

// NeutralAffinity is used when no score can be recovered.
const NeutralAffinity = 50

// Source records which parsing layer produced a Judgment.
type Source string

const (
	SourceStrict  Source = "strict"
	SourceLoose   Source = "loose"
	SourceNumeric Source = "numeric"
	SourceDefault Source = "default"
)

// Judgment is one agent's first impression of another.
type Judgment struct {
	Affinity   int    `json:"affinity"`
	Impression string `json:"impression"`
	Source     Source `json:"-"`
}

var (
	affinityKeys   = []string{"affinity", "score", "favorability", "liking"}
	impressionKeys = []string{"impression", "comment", "summary", "description"}
	numberRe       = regexp.MustCompile(`-?\d{1,3}`)
)

// ParseJudgment extracts a Judgment from generated text. It tries a strict
// JSON decode, then loose field lookup, then the first number in the text
// with a templated impression, and finally falls back to a neutral default.
// It never fails.
func ParseJudgment(text, targetName string) Judgment {
	obj := jsonObject(text)

	if obj != "" {
		var strict struct {
			Affinity   *int   `json:"affinity"`
			Impression string `json:"impression"`
		}
		if err := json.Unmarshal([]byte(obj), &strict); err == nil && strict.Affinity != nil && strings.TrimSpace(strict.Impression) != "" {
			return Judgment{Affinity: domain.ClampAffinity(*strict.Affinity), Impression: oneLine(strict.Impression), Source: SourceStrict}
		}

		if score, ok := lookupScore(obj); ok {
			impression := lookupString(obj, impressionKeys)
			if impression == "" {
				impression = templated(targetName)
			}
			return Judgment{Affinity: domain.ClampAffinity(score), Impression: oneLine(impression), Source: SourceLoose}
		}
	}

	if m := numberRe.FindString(text); m != "" {
		if n, err := strconv.Atoi(m); err == nil {
			return Judgment{Affinity: domain.ClampAffinity(n), Impression: templated(targetName), Source: SourceNumeric}
		}
	}

	return Judgment{Affinity: NeutralAffinity, Impression: fmt.Sprintf("Just met %s.", targetName), Source: SourceDefault}
}

func jsonObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}

func lookupScore(obj string) (int, bool) {
	for _, key := range affinityKeys {
		r := gjson.Get(obj, key)
		if !r.Exists() {
			continue
		}
		switch r.Type {
		case gjson.Number:
			return int(r.Int()), true
		case gjson.String:
			if m := numberRe.FindString(r.String()); m != "" {
				n, err := strconv.Atoi(m)
				if err == nil {
					return n, true
				}
			}
		}
	}
	return 0, false
}

func lookupString(obj string, keys []string) string {
	for _, key := range keys {
		if r := gjson.Get(obj, key); r.Exists() && strings.TrimSpace(r.String()) != "" {
			return r.String()
		}
	}
	return ""
}

func templated(targetName string) string {
	return fmt.Sprintf("Met %s, no strong feelings yet.", targetName)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Judge asks the text generator for first impressions.
type Judge struct {
	llm    llm.Client
	logger *slog.Logger
}

// NewJudge creates a Judge.
func NewJudge(client llm.Client, logger *slog.Logger) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{llm: client, logger: logger}
}

// Assess returns source's impression of target. Generation failures yield
// the neutral default rather than an error.
func (j *Judge) Assess(ctx context.Context, source, target *domain.Agent) Judgment {
	prompt := []llm.Message{
		{Role: llm.RoleSystem, Content: fmt.Sprintf("You are %s.\n%s", source.Name, source.Persona)},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"You have just been introduced to %s.\nAbout them: %s\n"+
				`Answer with JSON only: {"affinity": <0-100>, "impression": "<one line>"}`,
			target.Name, target.Persona)},
	}
	res, err := j.llm.Chat(ctx, llm.Request{
		Endpoint:  source.Endpoint,
		APIKey:    source.APIKey,
		Model:     source.Model,
		MaxTokens: 200,
		Messages:  prompt,
	})
	if err != nil {
		j.logger.Warn("Impression generation failed, using neutral default", "source", source.ID, "target", target.ID, "error", err)
		return ParseJudgment("", target.Name)
	}
	judgment := ParseJudgment(res.Text, target.Name)
	j.logger.Info("Impression formed", "source", source.ID, "target", target.ID, "affinity", judgment.Affinity, "parser", judgment.Source)
	return judgment
}
