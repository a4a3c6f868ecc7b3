package kernel

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/agentos/internal/store"
)

// StepResult is what one executor step produced.
type StepResult struct {
	// Output is paged into the process's context as a working page.
	Output    string
	Reasoning string
	// TokensUsed is what the step consumed beyond the rendered prompt
	// (completion tokens). It only feeds statistics and the audit log.
	TokensUsed int
	// Done terminates the process with reason "completed".
	Done bool
}

// Executor performs one reasoning step of a process. Implementations call
// the model provider; the kernel handles scheduling, quota, paging and audit.
// A returned error counts against the process's error budget.
type Executor interface {
	Step(ctx context.Context, proc *store.Process, prompt string) (StepResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, proc *store.Process, prompt string) (StepResult, error)

func (f ExecutorFunc) Step(ctx context.Context, proc *store.Process, prompt string) (StepResult, error) {
	return f(ctx, proc, prompt)
}

// EchoExecutor stands in for a model: every step reports progress on the
// task, and a process finishes after Steps granted calls. Zero Steps never
// finishes.
type EchoExecutor struct {
	Steps int
}

func (e EchoExecutor) Step(_ context.Context, proc *store.Process, _ string) (StepResult, error) {
	res := StepResult{
		Reasoning: "Processing task: " + proc.Task,
		Output:    fmt.Sprintf("step %d of %q", proc.APICalls, proc.Name),
	}
	res.TokensUsed = len(res.Reasoning) / 4
	res.Done = e.Steps > 0 && proc.APICalls >= e.Steps
	return res, nil
}

// Hook runs before or after each executor step. Hooks must not block.
type Hook func(ctx context.Context, proc *store.Process)
