package steps

import (
	"context"
	"time"

	"mailflow/pkg/proto"
	"mailflow/pkg/vector"
)

const retrieverTimeout = 10 * time.Second

// RetrieverStep queries the vector store for prior context and derives the
// routing confidence from the top-ranked result. It is the only writer of
// context_confidence.
type RetrieverStep struct {
	store vector.Store
	topK  int
}

// NewRetrieverStep creates the retriever over the given store.
func NewRetrieverStep(store vector.Store, topK int) *RetrieverStep {
	return &RetrieverStep{store: store, topK: topK}
}

func (s *RetrieverStep) Name() proto.StepName {
	return proto.StepRetriever
}

func (s *RetrieverStep) Timeout() time.Duration {
	return retrieverTimeout
}

// Execute implements the Step interface. Store failures are transient: the
// index is an external collaborator that may be briefly unavailable.
func (s *RetrieverStep) Execute(ctx context.Context, run *proto.Run) (Result, error) {
	snippets, err := s.store.Search(ctx, run.Task.TaskDescription, s.topK)
	if err != nil {
		return Result{}, proto.NewRetryableStepError(proto.StepRetriever, err)
	}

	confidence := vector.ConfidenceFromTop(snippets)
	texts := make([]string, 0, len(snippets))
	for _, snip := range snippets {
		texts = append(texts, snip.Text)
	}

	return Result{
		Updates: proto.Context{
			proto.KeyContextConfidence: confidence,
			proto.KeyRetrievedSnippets: texts,
		},
		Signals: proto.Signals{ContextConfidence: confidence},
	}, nil
}
