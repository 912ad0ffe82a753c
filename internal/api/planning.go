package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/planner"
)

// PlanningProvider asks Claude to propose squads and inter-squad
// dependencies for a free-form task. The proposal is untrusted; the
// planner validates it before acceptance.
type PlanningProvider struct {
	client   *Client
	registry *capability.Registry
}

var _ planner.Provider = (*PlanningProvider)(nil)

// NewPlanningProvider wires a Client and the capability registry.
func NewPlanningProvider(client *Client, registry *capability.Registry) *PlanningProvider {
	return &PlanningProvider{client: client, registry: registry}
}

// proposalJSON is the wire shape the model is asked to emit.
type proposalJSON struct {
	Squads       []string    `json:"squads"`
	Dependencies [][2]string `json:"dependencies"`
}

// ProposePlan returns the proposed squads and dependencies for a task.
func (p *PlanningProvider) ProposePlan(ctx context.Context, task string) (*planner.Proposal, error) {
	resp, err := p.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.client.Model(),
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: planningSystemPrompt(p.registry)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(task)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("planning call: %w", err)
	}

	p.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	var wire proposalJSON
	if err := json.Unmarshal([]byte(stripFences(textOf(resp))), &wire); err != nil {
		return nil, fmt.Errorf("parse proposal: %w", err)
	}

	proposal := &planner.Proposal{Squads: wire.Squads}
	for _, pair := range wire.Dependencies {
		proposal.Dependencies = append(proposal.Dependencies, planner.Dependency{
			Before: pair[0],
			After:  pair[1],
		})
	}
	return proposal, nil
}

func planningSystemPrompt(registry *capability.Registry) string {
	return fmt.Sprintf(`You decompose a software task into squads of workers.
Available squads: %s.
Respond with JSON only, no prose, in the shape:
{"squads": ["a", "b"], "dependencies": [["a", "b"]]}
where a dependency pair ["a", "b"] means squad b must wait for squad a.
Use only the squads the task actually needs.`, strings.Join(registry.Squads(), ", "))
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
