package agent

import (
	"context"
	"fmt"
)

// ToolExecutor is the capability contract for tool invocations requested by
// the model. Implementations live outside the completion core; the loop
// only needs name + arguments in, result or error out. A returned error is
// folded into the conversation as a tool-role failure message, never
// propagated.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// UnimplementedTools is the default executor: every call reports failure so
// the model can recover conversationally instead of the loop aborting.
type UnimplementedTools struct{}

var _ ToolExecutor = UnimplementedTools{}

func (UnimplementedTools) Execute(_ context.Context, name string, _ map[string]any) (string, error) {
	return "", fmt.Errorf("tool %q is not implemented", name)
}

// ToolExecutorFunc adapts a function to the ToolExecutor contract.
type ToolExecutorFunc func(ctx context.Context, name string, args map[string]any) (string, error)

func (f ToolExecutorFunc) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	return f(ctx, name, args)
}
