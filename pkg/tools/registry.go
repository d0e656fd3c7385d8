// Package tools provides the whitelisted, rate-limited external tool registry
// consumed by the external-tool step.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailflow/pkg/logx"
	"mailflow/pkg/proto"
)

// Tool is one whitelisted external callable with a uniform success/error
// contract.
type Tool interface {
	// Name returns the registry key for the tool.
	Name() string
	// Invoke executes the tool with the given arguments.
	Invoke(ctx context.Context, args map[string]string) (string, error)
}

// ToolError wraps a failure inside a tool invocation. Transient failures
// (network, upstream 5xx) are marked retryable so the orchestrator backs
// off and retries.
type ToolError struct {
	Tool      string
	Err       error
	Transient bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Registry holds the whitelisted tools and enforces per-tool rate limits.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	buckets map[string]*bucket
	perMin  int
	logger  *logx.Logger
}

// NewRegistry creates a registry where each tool may be invoked at most
// ratePerMinute times per minute. A non-positive rate disables limiting.
func NewRegistry(ratePerMinute int) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		buckets: make(map[string]*bucket),
		perMin:  ratePerMinute,
		logger:  logx.NewLogger("tools"),
	}
}

// Register whitelists a tool. Registering the same name twice replaces the
// previous tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	if r.perMin > 0 {
		r.buckets[tool.Name()] = newBucket(r.perMin)
	}
}

// Invoke runs the named tool. Unknown tools fail permanently; exhausted
// rate budgets return proto.ErrRateLimit, which the orchestrator treats as
// retryable with backoff.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]string) (string, error) {
	r.mu.RLock()
	tool, ok := r.tools[name]
	limit := r.buckets[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("tool %s is not whitelisted", name)
	}
	if limit != nil && !limit.take() {
		r.logger.Warn("rate limit hit for tool %s", name)
		return "", fmt.Errorf("tool %s: %w", name, proto.ErrRateLimit)
	}

	result, err := tool.Invoke(ctx, args)
	if err != nil {
		return "", err
	}
	return result, nil
}

// bucket is a minute-refilled token bucket.
type bucket struct {
	mu         sync.Mutex
	capacity   int
	tokens     int
	lastRefill time.Time
}

func newBucket(capacity int) *bucket {
	return &bucket{
		capacity:   capacity,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

func (b *bucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

func (b *bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < time.Minute {
		return
	}

	minutes := int(elapsed / time.Minute)
	b.tokens += minutes * b.capacity
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(minutes) * time.Minute)
}
