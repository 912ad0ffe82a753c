package api

import (
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dmerrick/platoon/internal/capability"
)

func TestNewClientRequiresKey(t *testing.T) {
	originalKey := os.Getenv("ANTHROPIC_API_KEY")
	defer os.Setenv("ANTHROPIC_API_KEY", originalKey)
	os.Unsetenv("ANTHROPIC_API_KEY")

	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("expected error without an API key")
	}

	if _, err := NewClient(ClientConfig{APIKey: "sk-ant-test"}); err != nil {
		t.Errorf("unexpected error with explicit key: %v", err)
	}
}

func TestTranslateModelForBedrock(t *testing.T) {
	got := translateModelForBedrock(anthropic.ModelClaudeSonnet4_20250514)
	if !strings.HasPrefix(string(got), "us.anthropic.") {
		t.Errorf("translated model = %s", got)
	}

	custom := anthropic.Model("us.anthropic.custom-model-v1:0")
	if translateModelForBedrock(custom) != custom {
		t.Error("already-translated model should pass through")
	}
}

func TestTokenTracker(t *testing.T) {
	tr := NewTokenTracker()
	tr.Add(1000, 500)
	tr.Add(200, 100)

	in, out := tr.Total()
	if in != 1200 || out != 600 {
		t.Errorf("totals = %d/%d", in, out)
	}
	if tr.Calls() != 2 {
		t.Errorf("calls = %d", tr.Calls())
	}
	if tr.Cost() <= 0 {
		t.Error("cost should be positive")
	}
}

func TestUserPromptIncludesArtifactsInOrder(t *testing.T) {
	prompt := userPrompt(capability.Input{
		Task: "build the api",
		Artifacts: map[string]string{
			"business": "requirements",
			"backend":  "api sketch",
		},
		Instructions: "fix the lint failures",
	})

	if !strings.Contains(prompt, "build the api") {
		t.Error("task missing from prompt")
	}
	backendIdx := strings.Index(prompt, "## backend")
	businessIdx := strings.Index(prompt, "## business")
	if backendIdx == -1 || businessIdx == -1 || backendIdx > businessIdx {
		t.Errorf("artifacts not in sorted order: backend=%d business=%d", backendIdx, businessIdx)
	}
	if !strings.Contains(prompt, "fix the lint failures") {
		t.Error("instructions missing from prompt")
	}
}

func TestSystemPromptNamesRole(t *testing.T) {
	got := systemPrompt(capability.Capability{ID: "coder", Squad: "backend", Description: "Implements the backend"})
	if !strings.Contains(got, "coder") || !strings.Contains(got, "backend") {
		t.Errorf("prompt = %q", got)
	}
}

func TestStripFences(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"squads":[]}`, `{"squads":[]}`},
		{"```json\n{\"squads\":[]}\n```", `{"squads":[]}`},
		{"```\n{\"squads\":[]}\n```", `{"squads":[]}`},
	}
	for _, c := range cases {
		if got := stripFences(c.in); got != c.want {
			t.Errorf("stripFences(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestProposalWireShape(t *testing.T) {
	raw := stripFences("```json\n{\"squads\": [\"business\", \"backend\"], \"dependencies\": [[\"business\", \"backend\"]]}\n```")

	var wire proposalJSON
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(wire.Squads) != 2 || wire.Dependencies[0][0] != "business" {
		t.Errorf("wire = %+v", wire)
	}
}
