package executor

import "context"

// AggregateExecutorID is the registered id of the builtin result aggregator.
const AggregateExecutorID = "aggregate_results_executor"

// AggregateProvider registers the builtin aggregator, typically bound to
// parent tasks whose inputs are populated by dependency resolution.
type AggregateProvider struct{}

func (AggregateProvider) ID() string   { return AggregateExecutorID }
func (AggregateProvider) Type() string { return "aggregate" }

func (AggregateProvider) New(opts Options) (Executor, error) {
	return &aggregateExecutor{}, nil
}

type aggregateExecutor struct{}

// Execute collects the resolved inputs into a single result mapping:
// result_count plus a results map keyed by input name (dependency id in
// nested-by-id mode).
func (e *aggregateExecutor) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	results := make(map[string]any, len(inputs))
	for key, value := range inputs {
		results[key] = value
	}
	return map[string]any{
		"result_count": len(results),
		"results":      results,
	}, nil
}
