package workflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dmerrick/platoon/internal/bus"
	"github.com/dmerrick/platoon/internal/capability"
	"github.com/dmerrick/platoon/internal/executor"
	"github.com/dmerrick/platoon/internal/graph"
	"github.com/dmerrick/platoon/internal/metrics"
	"github.com/dmerrick/platoon/internal/squad"
	"github.com/dmerrick/platoon/pkg/models"
)

type fakeProvider struct {
	outputs map[string]string
	fail    map[string]error
}

func (f *fakeProvider) Invoke(ctx context.Context, capabilityID string, input capability.Input) (*capability.Result, error) {
	if err := f.fail[capabilityID]; err != nil {
		return nil, err
	}
	out := f.outputs[capabilityID]
	if out == "" {
		out = "output of " + capabilityID
	}
	return &capability.Result{
		Artifact: out,
		Usage:    models.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func testRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	caps := []capability.Capability{
		{ID: "analyst", Squad: "business", Required: true},
		{ID: "coder", Squad: "backend", Required: true},
		{ID: "schema", Squad: "database", Required: true},
		{ID: "tester", Squad: "qa", Required: true},
	}
	for _, c := range caps {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}
	return reg
}

func testPlan(t *testing.T, squads ...string) *graph.Plan {
	t.Helper()
	byCap := map[string]string{
		"business": "analyst",
		"backend":  "coder",
		"database": "schema",
		"qa":       "tester",
	}
	plan := graph.New()
	for _, s := range squads {
		node := &models.Node{ID: "n-" + s, Capability: byCap[s], Squad: s}
		if err := plan.Add(node); err != nil {
			t.Fatalf("add %s: %v", s, err)
		}
	}
	if err := plan.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	return plan
}

func testEngine(provider capability.Provider, reg *capability.Registry) *Engine {
	exec := executor.New(provider, executor.Config{MaxRetries: 0})
	return NewEngine(squad.NewManager(reg, exec, 4))
}

func testRunContext() executor.RunContext {
	return executor.RunContext{RunID: "run-1", Bus: bus.New(), Metrics: metrics.New()}
}

func TestBuiltinsRegistered(t *testing.T) {
	c := NewCatalog()
	for _, name := range []string{"api_development", "bug_fix", "full_stack_feature"} {
		tmpl, ok := c.Get(name)
		if !ok {
			t.Fatalf("builtin %s missing", name)
		}
		if err := tmpl.Validate(); err != nil {
			t.Errorf("builtin %s invalid: %v", name, err)
		}
	}
}

func TestTemplateValidate(t *testing.T) {
	bad := &Template{Name: "x"}
	if err := bad.Validate(); err == nil {
		t.Error("expected error for template with no steps")
	}

	dup := &Template{Name: "x", Steps: []Step{
		{Name: "a", Squads: []string{"backend"}},
		{Name: "b", Squads: []string{"backend"}},
	}}
	if err := dup.Validate(); err == nil {
		t.Error("expected error for squad repeated across steps")
	}
}

func TestCatalogLoadDir(t *testing.T) {
	dir := t.TempDir()
	content := `name: release
description: test template
steps:
  - name: build
    squads: [backend]
  - name: verify
    squads: [qa]
`
	if err := os.WriteFile(filepath.Join(dir, "release.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewCatalog()
	if err := c.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	tmpl, ok := c.Get("release")
	if !ok {
		t.Fatal("loaded template not found")
	}
	if len(tmpl.Steps) != 2 || tmpl.Steps[1].Name != "verify" {
		t.Errorf("unexpected steps: %+v", tmpl.Steps)
	}
}

func TestCatalogLoadDirMissingIsNotError(t *testing.T) {
	c := NewCatalog()
	if err := c.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Errorf("missing dir should not error: %v", err)
	}
}

func TestCatalogLoadDirReportsBadFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("steps: {not a list}"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := NewCatalog()
	if err := c.LoadDir(dir); err == nil {
		t.Error("expected error for malformed template file")
	}
}

func TestConditionEvaluate(t *testing.T) {
	artifacts := map[string]string{"business": "Requires a SCHEMA migration"}

	var empty *Condition
	if !empty.Evaluate("task", artifacts) {
		t.Error("nil condition should be true")
	}
	c := &Condition{ArtifactOf: "business", Contains: "schema"}
	if !c.Evaluate("task", artifacts) {
		t.Error("case-insensitive contains should match")
	}
	c = &Condition{ArtifactOf: "business", Contains: "frontend"}
	if c.Evaluate("task", artifacts) {
		t.Error("contains should miss")
	}
	c = &Condition{ArtifactOf: "business", NotContains: "schema"}
	if c.Evaluate("task", artifacts) {
		t.Error("not_contains should reject present text")
	}
	c = &Condition{ArtifactOf: "task", Contains: "urgent"}
	if !c.Evaluate("this is URGENT", artifacts) {
		t.Error("task subject should be inspected")
	}
}

func TestEngineRunsStepsInOrder(t *testing.T) {
	provider := &fakeProvider{outputs: map[string]string{
		"analyst": "requirements ready",
		"coder":   "api built",
	}}
	reg := testRegistry(t)
	plan := testPlan(t, "business", "backend")
	tmpl := &Template{Name: "t", Steps: []Step{
		{Name: "requirements", Squads: []string{"business"}},
		{Name: "implementation", Squads: []string{"backend"}},
	}}

	out := testEngine(provider, reg).Run(context.Background(), testRunContext(), plan, tmpl, "build api")
	if out.Failed {
		t.Fatalf("unexpected failure: %v", out.Err)
	}
	if !strings.Contains(out.Artifacts["business"], "requirements ready") {
		t.Errorf("business artifact = %q", out.Artifacts["business"])
	}
	if !strings.Contains(out.Artifacts["backend"], "api built") {
		t.Errorf("backend artifact = %q", out.Artifacts["backend"])
	}
	if got := out.Usage.TotalTokens(); got != 30 {
		t.Errorf("total tokens = %d, want 30", got)
	}
}

func TestEngineLaterStepSeesEarlierArtifact(t *testing.T) {
	var coderInput capability.Input
	provider := &recordingProvider{record: func(id string, in capability.Input) {
		if id == "coder" {
			coderInput = in
		}
	}}
	reg := testRegistry(t)
	plan := testPlan(t, "business", "backend")
	tmpl := &Template{Name: "t", Steps: []Step{
		{Name: "requirements", Squads: []string{"business"}},
		{Name: "implementation", Squads: []string{"backend"}},
	}}

	out := testEngine(provider, reg).Run(context.Background(), testRunContext(), plan, tmpl, "build api")
	if out.Failed {
		t.Fatalf("unexpected failure: %v", out.Err)
	}
	if _, ok := coderInput.Artifacts["business"]; !ok {
		t.Errorf("coder should see business artifact, got %v", coderInput.Artifacts)
	}
}

type recordingProvider struct {
	record func(id string, in capability.Input)
}

func (r *recordingProvider) Invoke(ctx context.Context, capabilityID string, input capability.Input) (*capability.Result, error) {
	r.record(capabilityID, input)
	return &capability.Result{Artifact: "out " + capabilityID}, nil
}

func TestEngineSkipsStepByCondition(t *testing.T) {
	provider := &fakeProvider{outputs: map[string]string{
		"analyst": "no migrations needed",
	}}
	reg := testRegistry(t)
	plan := testPlan(t, "business", "database", "qa")
	tmpl := &Template{Name: "t", Steps: []Step{
		{Name: "requirements", Squads: []string{"business"}},
		{Name: "database", Squads: []string{"database"},
			Condition: &Condition{ArtifactOf: "business", Contains: "schema"}},
		{Name: "verify", Squads: []string{"qa"}},
	}}

	out := testEngine(provider, reg).Run(context.Background(), testRunContext(), plan, tmpl, "task")
	if out.Failed {
		t.Fatalf("unexpected failure: %v", out.Err)
	}

	dbNode := plan.Node("n-database")
	if dbNode.Status != models.NodeCancelled {
		t.Errorf("skipped node status = %s, want cancelled", dbNode.Status)
	}
	if dbNode.CancelReason != models.CancelReasonSkipped {
		t.Errorf("cancel reason = %q", dbNode.CancelReason)
	}
	if plan.Node("n-qa").Status != models.NodeSucceeded {
		t.Error("step after a skipped step should still run")
	}
}

func TestEngineStopsAfterRequiredFailure(t *testing.T) {
	provider := &fakeProvider{fail: map[string]error{
		"analyst": &capability.ValidationError{Capability: "analyst", Reason: "bad input"},
	}}
	reg := testRegistry(t)
	plan := testPlan(t, "business", "backend", "qa")
	tmpl := &Template{Name: "t", Steps: []Step{
		{Name: "requirements", Squads: []string{"business"}},
		{Name: "implementation", Squads: []string{"backend"}},
		{Name: "verify", Squads: []string{"qa"}},
	}}

	out := testEngine(provider, reg).Run(context.Background(), testRunContext(), plan, tmpl, "task")
	if !out.Failed {
		t.Fatal("expected failure")
	}
	var verr *capability.ValidationError
	if !errors.As(out.Err, &verr) {
		t.Errorf("err = %v, want wrapped validation error", out.Err)
	}
	for _, id := range []string{"n-backend", "n-qa"} {
		if got := plan.Node(id).Status; got != models.NodeCancelled {
			t.Errorf("node %s status = %s, want cancelled", id, got)
		}
	}
}

func TestEngineStopsOnCancelledContext(t *testing.T) {
	provider := &fakeProvider{}
	reg := testRegistry(t)
	plan := testPlan(t, "business", "backend")
	tmpl := &Template{Name: "t", Steps: []Step{
		{Name: "requirements", Squads: []string{"business"}},
		{Name: "implementation", Squads: []string{"backend"}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := testEngine(provider, reg).Run(ctx, testRunContext(), plan, tmpl, "task")
	if !out.Failed || !errors.Is(out.Err, context.Canceled) {
		t.Errorf("Failed=%v Err=%v, want cancelled", out.Failed, out.Err)
	}
	for _, id := range []string{"n-business", "n-backend"} {
		if got := plan.Node(id).Status; got != models.NodeCancelled {
			t.Errorf("node %s status = %s, want cancelled", id, got)
		}
	}
}

func TestCatalogWatchReload(t *testing.T) {
	dir := t.TempDir()
	c := NewCatalog()
	stop, err := c.Watch(dir)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	content := "name: hotload\nsteps:\n  - name: s\n    squads: [backend]\n"
	if err := os.WriteFile(filepath.Join(dir, "hotload.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 200; i++ {
		if _, ok := c.Get("hotload"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("template was not hot-reloaded")
}
