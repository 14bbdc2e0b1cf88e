package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/dominikbraun/graph"
	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron"

	"cropharvest-orchestrator/internal/cache"
)

// Validate aggregates every problem with the definition instead of
// stopping at the first one, so a pipeline author sees the full list.
func (d *Definition) Validate() error {
	var errs *multierror.Error

	if strings.TrimSpace(d.Name) == "" {
		errs = multierror.Append(errs, fmt.Errorf("name must not be empty"))
	}
	if d.On.Push == nil && d.On.PullRequest == nil && len(d.On.Schedules) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("at least one trigger is required"))
	}
	for i, s := range d.On.Schedules {
		if _, err := cron.ParseStandard(s.Cron); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("schedule %d: invalid cron %q: %w", i, s.Cron, err))
		}
	}
	if d.Runtime.Version != "" {
		if _, err := semver.NewConstraint(d.Runtime.Version); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("runtime version %q: %w", d.Runtime.Version, err))
		}
	}
	if d.Cache.Enabled() {
		if err := cache.ValidateKeyTemplate(d.Cache.Key); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("cache key: %w", err))
		}
		for i, rk := range d.Cache.RestoreKeys {
			if err := cache.ValidateKeyTemplate(rk); err != nil {
				errs = multierror.Append(errs, fmt.Errorf("cache restore key %d: %w", i, err))
			}
		}
	}

	if len(d.Jobs) == 0 {
		errs = multierror.Append(errs, fmt.Errorf("at least one job is required"))
	}
	seen := make(map[string]bool, len(d.Jobs))
	for _, job := range d.Jobs {
		if strings.TrimSpace(job.ID) == "" {
			errs = multierror.Append(errs, fmt.Errorf("job id must not be empty"))
			continue
		}
		if seen[job.ID] {
			errs = multierror.Append(errs, fmt.Errorf("duplicate job id %q", job.ID))
		}
		seen[job.ID] = true
		if len(job.Steps) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("job %q has no steps", job.ID))
		}
		for i, step := range job.Steps {
			if strings.TrimSpace(step.Run) == "" {
				errs = multierror.Append(errs, fmt.Errorf("job %q step %d (%s): empty command", job.ID, i, step.Name))
			}
		}
	}
	for _, job := range d.Jobs {
		for _, need := range job.Needs {
			if !seen[need] {
				errs = multierror.Append(errs, fmt.Errorf("job %q needs unknown job %q", job.ID, need))
			}
		}
	}

	if _, err := d.ExecutionOrder(); err != nil {
		errs = multierror.Append(errs, err)
	}

	return errs.ErrorOrNil()
}

// ExecutionOrder returns job IDs in a deterministic topological order:
// dependencies first, ties broken by job ID. A cyclic needs graph is an
// error.
func (d *Definition) ExecutionOrder() ([]string, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	for _, job := range d.Jobs {
		if err := g.AddVertex(job.ID); err != nil {
			return nil, fmt.Errorf("job graph: add %q: %w", job.ID, err)
		}
	}
	for _, job := range d.Jobs {
		for _, need := range job.Needs {
			err := g.AddEdge(need, job.ID)
			switch {
			case err == nil:
			case errorsIsCycle(err):
				return nil, fmt.Errorf("job graph: %q needs %q: dependency cycle", job.ID, need)
			default:
				return nil, fmt.Errorf("job graph: edge %q->%q: %w", need, job.ID, err)
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, fmt.Errorf("job graph: %w", err)
	}
	return order, nil
}

func errorsIsCycle(err error) bool {
	return errors.Is(err, graph.ErrEdgeCreatesCycle)
}
