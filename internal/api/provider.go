package api

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/pkg/models"
)

// CapabilityProvider invokes capabilities as single Claude messages. Each
// invocation gets a system prompt describing the capability's role and a
// user prompt carrying the task plus upstream artifacts; the response
// text is the artifact.
type CapabilityProvider struct {
	client    *Client
	registry  *capability.Registry
	maxTokens int64
}

var _ capability.Provider = (*CapabilityProvider)(nil)

// NewCapabilityProvider wires a Client and the capability registry.
func NewCapabilityProvider(client *Client, registry *capability.Registry) *CapabilityProvider {
	return &CapabilityProvider{
		client:    client,
		registry:  registry,
		maxTokens: 8192,
	}
}

// Invoke performs one capability invocation.
func (p *CapabilityProvider) Invoke(ctx context.Context, capabilityID string, input capability.Input) (*capability.Result, error) {
	c, ok := p.registry.Get(capabilityID)
	if !ok {
		return nil, &capability.ValidationError{Capability: capabilityID, Reason: "not registered"}
	}

	start := time.Now()
	resp, err := p.client.sdk().Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.client.Model(),
		MaxTokens: p.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt(c)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(input))),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &capability.ProviderError{Capability: capabilityID, Err: err}
	}

	p.client.Tracker().Add(resp.Usage.InputTokens, resp.Usage.OutputTokens)

	artifact := textOf(resp)
	if strings.TrimSpace(artifact) == "" {
		return nil, &capability.ProviderError{
			Capability: capabilityID,
			Err:        errors.New("empty response"),
		}
	}

	return &capability.Result{
		Artifact: artifact,
		Usage: models.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      costUSD(resp.Usage.InputTokens, resp.Usage.OutputTokens),
			Duration:     time.Since(start),
		},
	}, nil
}

func systemPrompt(c capability.Capability) string {
	role := c.Description
	if role == "" {
		role = fmt.Sprintf("You perform the %s role", c.ID)
	}
	return fmt.Sprintf("You are the %s capability of the %s squad. %s. Respond with the work product only, no preamble.", c.ID, c.Squad, role)
}

func userPrompt(input capability.Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task\n\n%s\n", input.Task)

	if len(input.Artifacts) > 0 {
		b.WriteString("\n# Prior artifacts\n")
		keys := make([]string, 0, len(input.Artifacts))
		for k := range input.Artifacts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n## %s\n\n%s\n", k, input.Artifacts[k])
		}
	}

	if input.Instructions != "" {
		fmt.Fprintf(&b, "\n# Instructions\n\n%s\n", input.Instructions)
	}
	return b.String()
}

func textOf(resp *anthropic.Message) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(variant.Text)
		}
	}
	return b.String()
}
