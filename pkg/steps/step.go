// Package steps implements the five pipeline stages of the drafting
// pipeline: intent classification, context retrieval, external lookup,
// drafting, and safety review.
//
// Steps are pure over their inputs plus injected collaborators: they write
// only the context keys they own, never persist, and never send. All
// persistence and routing belongs to the engine, which makes a run
// replayable from its audit trail.
package steps

import (
	"context"
	"time"

	"mailflow/pkg/proto"
)

// Result is a step's output: the owned context updates plus the typed
// signals the router consumes.
type Result struct {
	Updates proto.Context
	Signals proto.Signals
}

// Step is one pipeline stage.
type Step interface {
	// Name identifies the step in routing and the audit trail.
	Name() proto.StepName

	// Timeout declares the step's maximum execution time. The engine
	// cancels the step's context and fails the attempt when exceeded.
	Timeout() time.Duration

	// Execute runs the stage against a read-only view of the run. The
	// returned updates may only touch keys the step owns.
	Execute(ctx context.Context, run *proto.Run) (Result, error)
}

// Registry maps step names to implementations for the engine.
type Registry map[proto.StepName]Step

// NewRegistry builds a registry from the given steps.
func NewRegistry(list ...Step) Registry {
	reg := make(Registry, len(list))
	for _, s := range list {
		reg[s.Name()] = s
	}
	return reg
}
