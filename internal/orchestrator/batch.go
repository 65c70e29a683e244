package orchestrator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/orchestrator/coderunner/internal/events"
	"github.com/orchestrator/coderunner/internal/plan"
)

// runBatch executes steps concurrently, each against its own AgentDriver
// session so no two workers ever share session state (spec.md §5). Bounded
// by cfg.Executor.MaxWorkers via errgroup.SetLimit, the same fan-out shape
// the teacher uses for executeToolsParallel, generalized from a fixed tool
// list to a dependency-aware step batch.
func (o *Orchestrator) runBatch(ctx context.Context, run *runState, steps []*plan.Step) []stepOutcome {
	if len(steps) == 0 {
		return nil
	}
	if len(steps) == 1 {
		return []stepOutcome{o.executeStep(ctx, run, run.worker, steps[0])}
	}

	o.bus.Emit(events.TypeParallelBatchStarted, map[string]int{"steps": len(steps)})
	defer o.bus.Emit(events.TypeParallelBatchCompleted, map[string]int{"steps": len(steps)})

	maxWorkers := o.cfg.Executor.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 3
	}

	outcomes := make([]stepOutcome, len(steps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)

	for i, step := range steps {
		i, step := i, step
		driver := o.driverFactory.Worker()
		g.Go(func() error {
			outcomes[i] = o.executeStep(gctx, run, driver, step)
			return nil
		})
	}
	_ = g.Wait() // executeStep never returns an error; failures are encoded in Step.Status.

	return outcomes
}
