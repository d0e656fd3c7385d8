package steps

import (
	"context"
	"errors"
	"testing"

	"mailflow/pkg/proto"
	"mailflow/pkg/tools"
)

type scriptedTool struct {
	name   string
	result string
	err    error
}

func (s scriptedTool) Name() string { return s.name }
func (s scriptedTool) Invoke(context.Context, map[string]string) (string, error) {
	return s.result, s.err
}

func externalRun() *proto.Run {
	run := proto.NewRun(proto.EmailTask{Recipient: "a@b.c", TaskDescription: "market update"})
	run.Context[proto.KeyIntentLabel] = "general"
	return run
}

func TestExternalToolHit(t *testing.T) {
	registry := tools.NewRegistry(0)
	registry.Register(scriptedTool{name: "news", result: "[external] coverage"})
	step := NewExternalToolStep(registry, "news")

	result, err := step.Execute(context.Background(), externalRun())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := result.Updates.Float(proto.KeyExternalConfidence); got != externalHitConfidence {
		t.Errorf("confidence = %.2f, want %.2f", got, externalHitConfidence)
	}
	if got := result.Updates.Strings(proto.KeyExternalSnippets); len(got) != 1 {
		t.Errorf("snippets = %v", got)
	}
}

func TestExternalToolMiss(t *testing.T) {
	registry := tools.NewRegistry(0)
	registry.Register(scriptedTool{name: "news", result: ""})
	step := NewExternalToolStep(registry, "news")

	result, err := step.Execute(context.Background(), externalRun())
	if err != nil {
		t.Fatal(err)
	}
	if got := result.Updates.Float(proto.KeyExternalConfidence); got != externalMissConfidence {
		t.Errorf("confidence = %.2f, want %.2f", got, externalMissConfidence)
	}
}

func TestExternalToolErrorClassification(t *testing.T) {
	transient := tools.NewRegistry(0)
	transient.Register(scriptedTool{name: "news", err: &tools.ToolError{Tool: "news", Err: errors.New("503"), Transient: true}})
	if _, err := NewExternalToolStep(transient, "news").Execute(context.Background(), externalRun()); !proto.IsRetryable(err) {
		t.Errorf("transient tool error should be retryable, got %v", err)
	}

	fatal := tools.NewRegistry(0)
	fatal.Register(scriptedTool{name: "news", err: &tools.ToolError{Tool: "news", Err: errors.New("400"), Transient: false}})
	if _, err := NewExternalToolStep(fatal, "news").Execute(context.Background(), externalRun()); err == nil || proto.IsRetryable(err) {
		t.Errorf("permanent tool error should be fatal, got %v", err)
	}

	unknown := tools.NewRegistry(0)
	if _, err := NewExternalToolStep(unknown, "news").Execute(context.Background(), externalRun()); err == nil || proto.IsRetryable(err) {
		t.Errorf("unknown tool should be fatal, got %v", err)
	}
}
