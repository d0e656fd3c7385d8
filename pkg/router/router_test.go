package router

import (
	"testing"

	"mailflow/pkg/proto"
)

func defaultConfig() Config {
	return Config{ConfidenceThreshold: 0.65, MaxRevisionCycles: 2}
}

func runWithHistory(records ...proto.StepRecord) *proto.Run {
	run := proto.NewRun(proto.EmailTask{Recipient: "a@b.c", TaskDescription: "hi"})
	run.History = records
	return run
}

func success(step proto.StepName) proto.StepRecord {
	return proto.StepRecord{Step: step, Outcome: proto.OutcomeSuccess}
}

func TestRouteNewRun(t *testing.T) {
	d := Route(runWithHistory(), defaultConfig())
	if d.Kind != proto.DecisionStep || d.Step != proto.StepIntent {
		t.Fatalf("new run routed to %s, want intent step", d)
	}
}

func TestRouteAfterIntent(t *testing.T) {
	d := Route(runWithHistory(success(proto.StepIntent)), defaultConfig())
	if d.Kind != proto.DecisionStep || d.Step != proto.StepRetriever {
		t.Fatalf("after intent routed to %s, want retriever", d)
	}
}

func TestRouteConfidenceThreshold(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		want       proto.StepName
	}{
		{"below threshold", 0.64, proto.StepExternalTool},
		{"exactly at threshold", 0.65, proto.StepDrafter},
		{"above threshold", 0.9, proto.StepDrafter},
		{"zero confidence", 0, proto.StepExternalTool},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := runWithHistory(success(proto.StepIntent), success(proto.StepRetriever))
			run.Context[proto.KeyContextConfidence] = tt.confidence

			d := Route(run, defaultConfig())
			if d.Kind != proto.DecisionStep || d.Step != tt.want {
				t.Errorf("confidence %.2f routed to %s, want %s", tt.confidence, d, tt.want)
			}
		})
	}
}

func TestRouteAfterExternalToolAlwaysDrafts(t *testing.T) {
	run := runWithHistory(
		success(proto.StepIntent),
		success(proto.StepRetriever),
		success(proto.StepExternalTool),
	)
	// Even a poor external result must not loop back to retrieval.
	run.Context[proto.KeyContextConfidence] = 0.1
	run.Context[proto.KeyExternalConfidence] = 0.3

	d := Route(run, defaultConfig())
	if d.Kind != proto.DecisionStep || d.Step != proto.StepDrafter {
		t.Fatalf("after external tool routed to %s, want drafter", d)
	}
}

func TestRouteAfterDrafter(t *testing.T) {
	run := runWithHistory(success(proto.StepIntent), success(proto.StepRetriever), success(proto.StepDrafter))
	d := Route(run, defaultConfig())
	if d.Kind != proto.DecisionStep || d.Step != proto.StepSafety {
		t.Fatalf("after drafter routed to %s, want safety", d)
	}
}

func TestRouteSafetyOKSuspends(t *testing.T) {
	run := runWithHistory(
		success(proto.StepIntent), success(proto.StepRetriever),
		success(proto.StepDrafter), success(proto.StepSafety),
	)
	run.Context[proto.KeySafetyDecision] = string(proto.SafetyOK)

	d := Route(run, defaultConfig())
	if d.Kind != proto.DecisionSuspend || d.Escalated {
		t.Fatalf("safety OK routed to %s, want plain suspend", d)
	}
}

func TestRouteSafetyBlockFails(t *testing.T) {
	run := runWithHistory(
		success(proto.StepIntent), success(proto.StepRetriever),
		success(proto.StepDrafter), success(proto.StepSafety),
	)
	run.Context[proto.KeySafetyDecision] = string(proto.SafetyBlock)

	d := Route(run, defaultConfig())
	if d.Kind != proto.DecisionFail {
		t.Fatalf("safety BLOCK routed to %s, want fail", d)
	}
}

func TestRouteReviseLoopBound(t *testing.T) {
	reviseSafety := proto.StepRecord{
		Step: proto.StepSafety, Outcome: proto.OutcomeSuccess,
		Signals: proto.Signals{SafetyDecision: proto.SafetyRevise},
	}

	// Cycle 1 and 2 re-draft; cycle 3 exceeds MaxRevisionCycles=2 and
	// escalates to a human instead of failing.
	tests := []struct {
		name          string
		reviseRecords int
		wantStep      bool
	}{
		{"first revise redrafts", 1, true},
		{"second revise redrafts", 2, true},
		{"third revise escalates", 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records := []proto.StepRecord{success(proto.StepIntent), success(proto.StepRetriever)}
			for i := 0; i < tt.reviseRecords; i++ {
				records = append(records, success(proto.StepDrafter), reviseSafety)
			}
			run := runWithHistory(records...)
			run.Context[proto.KeySafetyDecision] = string(proto.SafetyRevise)

			d := Route(run, defaultConfig())
			if tt.wantStep {
				if d.Kind != proto.DecisionStep || d.Step != proto.StepDrafter {
					t.Fatalf("revise cycle %d routed to %s, want drafter", tt.reviseRecords, d)
				}
			} else {
				if d.Kind != proto.DecisionSuspend || !d.Escalated {
					t.Fatalf("revise cycle %d routed to %s, want escalated suspend", tt.reviseRecords, d)
				}
			}
		})
	}
}

func TestRouteIsPure(t *testing.T) {
	run := runWithHistory(success(proto.StepIntent), success(proto.StepRetriever))
	run.Context[proto.KeyContextConfidence] = 0.3

	before := run.Context.SnapshotHash()
	d1 := Route(run, defaultConfig())
	d2 := Route(run, defaultConfig())

	if d1 != d2 {
		t.Errorf("routing not deterministic: %s vs %s", d1, d2)
	}
	if run.Context.SnapshotHash() != before {
		t.Error("routing mutated the run context")
	}
}

func TestRouteSendNeverReenters(t *testing.T) {
	run := runWithHistory(success(proto.StepSend))
	d := Route(run, defaultConfig())
	if d.Kind != proto.DecisionFail {
		t.Fatalf("send in history routed to %s, want fail", d)
	}
}
