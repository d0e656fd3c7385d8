package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"mailflow/pkg/config"
	"mailflow/pkg/engine"
	"mailflow/pkg/llm"
	"mailflow/pkg/mail"
	"mailflow/pkg/persistence"
	"mailflow/pkg/proto"
	"mailflow/pkg/steps"
	"mailflow/pkg/tools"
	"mailflow/pkg/vector"
)

func newTestServer(t *testing.T) (*httptest.Server, *mail.RecordingSender) {
	t.Helper()

	cfg := config.Default()
	cfg.RetryInitialBackoff = time.Millisecond

	store, err := persistence.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	registry := tools.NewRegistry(0)
	registry.Register(tools.NewNewsTool("", "", nil))

	sender := &mail.RecordingSender{}
	stepRegistry := steps.NewRegistry(
		steps.NewIntentStep(),
		steps.NewRetrieverStep(vector.NewMemoryStore(), cfg.Vector.TopK),
		steps.NewExternalToolStep(registry, tools.NewsToolName),
		steps.NewDrafterStep(llm.NewMockClient(nil), nil, cfg.StepTimeout, cfg.LLM.MaxTokens),
		steps.NewSafetyStep(cfg.Safety.BlockTerms, cfg.Safety.ReviseTerms),
	)

	eng := engine.New(cfg, store, stepRegistry, sender, nil)
	srv := httptest.NewServer(NewRouter(NewHandlers(eng)))
	t.Cleanup(srv.Close)
	return srv, sender
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	return resp
}

func decodeRun(t *testing.T, resp *http.Response) proto.Run {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var run proto.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("failed to decode run: %v", err)
	}
	return run
}

func TestCreateRunFlow(t *testing.T) {
	srv, sender := newTestServer(t)

	resp := postJSON(t, srv.URL+"/runs", proto.EmailTask{
		Recipient:       "contact@acme.example",
		SubjectHint:     "Q3 follow-up",
		TaskDescription: "Follow up with ACME about the Q3 proposal",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	run := decodeRun(t, resp)
	if run.Status != proto.StatusAwaitingApproval {
		t.Fatalf("run status = %s", run.Status)
	}

	// Inspect.
	getResp, err := http.Get(srv.URL + "/runs/" + run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got := decodeRun(t, getResp); got.ID != run.ID {
		t.Errorf("got run %s, want %s", got.ID, run.ID)
	}

	// Approve.
	resumeResp := postJSON(t, srv.URL+"/runs/"+run.ID+"/resume", proto.ApprovalDecision{Approve: true})
	if resumeResp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resumeResp.StatusCode)
	}
	final := decodeRun(t, resumeResp)
	if final.Status != proto.StatusSent {
		t.Errorf("final status = %s", final.Status)
	}
	if len(sender.Sent()) != 1 {
		t.Errorf("sent %d messages", len(sender.Sent()))
	}

	// Audit trail is served and ordered.
	auditResp, err := http.Get(srv.URL + "/runs/" + run.ID + "/audit")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = auditResp.Body.Close() }()
	var entries []*proto.AuditEntry
	if err := json.NewDecoder(auditResp.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 {
		t.Fatal("empty audit trail")
	}
	if _, err := proto.Replay(entries); err != nil {
		t.Errorf("served trail does not replay: %v", err)
	}
}

func TestCreateRunValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/runs", proto.EmailTask{Recipient: "nope", TaskDescription: "x"})
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/runs/unknown")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestResumeConflicts(t *testing.T) {
	srv, _ := newTestServer(t)

	created := decodeRun(t, postJSON(t, srv.URL+"/runs", proto.EmailTask{
		Recipient:       "a@b.c",
		TaskDescription: "say hello",
	}))

	// Reject, then resume again: the run is terminal.
	resp := postJSON(t, srv.URL+"/runs/"+created.ID+"/resume", proto.ApprovalDecision{Approve: false, Reason: "no"})
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject status = %d", resp.StatusCode)
	}

	again := postJSON(t, srv.URL+"/runs/"+created.ID+"/resume", proto.ApprovalDecision{Approve: true})
	defer func() { _ = again.Body.Close() }()
	if again.StatusCode != http.StatusConflict {
		t.Fatalf("resume after reject status = %d, want 409", again.StatusCode)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	created := decodeRun(t, postJSON(t, srv.URL+"/runs", proto.EmailTask{
		Recipient:       "a@b.c",
		TaskDescription: "say hello",
	}))

	resp := postJSON(t, srv.URL+"/runs/"+created.ID+"/cancel", map[string]string{"reason": "obsolete"})
	cancelled := decodeRun(t, resp)
	if cancelled.Status != proto.StatusFailed {
		t.Errorf("cancelled status = %s", cancelled.Status)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestMetricsServed(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
