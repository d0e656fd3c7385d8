package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mailflow/pkg/llm"
	"mailflow/pkg/proto"
)

// Citation sources recorded alongside the draft.
const (
	CitationVectorStore  = "vector_store"
	CitationExternalTool = "external_tool"
)

const draftSystemPrompt = "You are an executive assistant drafting concise, professional emails. " +
	"Write only the email body, no subject line and no commentary."

// DrafterStep produces the email body from the accumulated context. The
// model call is the only non-deterministic collaborator in the pipeline;
// given the same completion, the step's output is fully determined by its
// input context.
type DrafterStep struct {
	client  llm.Client
	budget  *llm.TokenBudget
	timeout time.Duration
	maxTok  int
}

// NewDrafterStep creates the drafter. budget may be nil to disable prompt
// truncation.
func NewDrafterStep(client llm.Client, budget *llm.TokenBudget, timeout time.Duration, maxTokens int) *DrafterStep {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &DrafterStep{client: client, budget: budget, timeout: timeout, maxTok: maxTokens}
}

func (s *DrafterStep) Name() proto.StepName {
	return proto.StepDrafter
}

func (s *DrafterStep) Timeout() time.Duration {
	return s.timeout
}

// Execute implements the Step interface. Model failures are transient; the
// engine retries them with backoff.
func (s *DrafterStep) Execute(ctx context.Context, run *proto.Run) (Result, error) {
	prompt := s.buildPrompt(run)

	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		System:    draftSystemPrompt,
		Prompt:    prompt,
		MaxTokens: s.maxTok,
	})
	if err != nil {
		return Result{}, proto.NewRetryableStepError(proto.StepDrafter, err)
	}
	if strings.TrimSpace(resp.Text) == "" {
		return Result{}, proto.NewRetryableStepError(proto.StepDrafter, fmt.Errorf("empty draft from model"))
	}

	var citations []string
	if len(run.Context.Strings(proto.KeyRetrievedSnippets)) > 0 {
		citations = append(citations, CitationVectorStore)
	}
	if len(run.Context.Strings(proto.KeyExternalSnippets)) > 0 {
		citations = append(citations, CitationExternalTool)
	}

	return Result{
		Updates: proto.Context{
			proto.KeyDraftText: resp.Text,
			proto.KeyCitations: citations,
		},
	}, nil
}

// buildPrompt assembles the drafting prompt from the task and everything
// earlier steps gathered. Snippets are capped at three and trimmed to the
// token budget.
func (s *DrafterStep) buildPrompt(run *proto.Run) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Draft an email to %s about the following task:\n%s\n",
		run.Task.Recipient, run.Task.TaskDescription)

	if label := run.Context.String(proto.KeyIntentLabel); label != "" {
		fmt.Fprintf(&b, "\nIntent: %s\n", label)
	}

	snippets := run.Context.Strings(proto.KeyRetrievedSnippets)
	if len(snippets) > 0 {
		b.WriteString("\nInternal context to take into account:\n")
		for i, snip := range snippets {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, "- %s\n", strings.ReplaceAll(snip, "\n", " "))
		}
	}

	for _, ext := range run.Context.Strings(proto.KeyExternalSnippets) {
		fmt.Fprintf(&b, "\nRelevant external information:\n%s\n", ext)
	}

	if run.Task.BodyHint != "" {
		fmt.Fprintf(&b, "\nAdditional guidance from the requester:\n%s\n", run.Task.BodyHint)
	}

	// On a revision cycle the safety reviewer has flagged terms; tell the
	// model what to avoid instead of silently redacting again.
	if flags := run.Context.Strings(proto.KeySafetyFlags); len(flags) > 0 {
		b.WriteString("\nThe previous draft was rejected by policy review. Avoid the following issues:\n")
		for _, flag := range flags {
			fmt.Fprintf(&b, "- %s\n", flag)
		}
	}

	prompt := b.String()
	if s.budget != nil {
		prompt = s.budget.Truncate(prompt)
	}
	return prompt
}
