package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"cropharvest-orchestrator/internal/benchmark"
	"cropharvest-orchestrator/internal/domain"
	"cropharvest-orchestrator/internal/pipeline"
	"cropharvest-orchestrator/internal/runner"
)

const (
	PipelineRunWorkflowName     = "PipelineRunWorkflow"
	ProcessSceneWorkflowName    = "ProcessSceneWorkflow"
	FinalizeDatasetWorkflowName = "FinalizeDatasetWorkflow"
	BenchmarkGridWorkflowName   = "BenchmarkGridWorkflow"
)

// Workflow ID helpers. IDs double as idempotence keys: starting the same
// run, scene, or grid twice collides on the ID instead of duplicating work.

func PipelineRunWorkflowID(runID string) string {
	return "run-" + runID
}

func SceneWorkflowID(dataset string, index int) string {
	return fmt.Sprintf("scene-%s-%d", dataset, index)
}

func FinalizeWorkflowID(dataset string) string {
	return "finalize-" + dataset
}

func BenchmarkWorkflowID(gridHash string) string {
	return "benchmark-" + gridHash
}

type PipelineRunInput struct {
	Run        domain.RunRecord
	Definition pipeline.Definition
	CloneURL   string
}

type PipelineRunResult struct {
	RunID  string
	Status domain.RunStatus
}

func PipelineRunWorkflow(ctx workflow.Context, input PipelineRunInput) (PipelineRunResult, error) {
	result, err := pipelineRun(ctx, input)
	if err != nil && (temporal.IsCanceledError(err) || ctx.Err() != nil) {
		finalCtx, cancel := workflow.NewDisconnectedContext(ctx)
		defer cancel()
		_ = workflow.ExecuteActivity(mustActivityContext(finalCtx, ActivityPolicyCompleteRun), (*Activities).CompleteRunActivity, CompleteRunInput{
			RunID:         input.Run.ID,
			Pipeline:      input.Run.Pipeline,
			Repo:          input.Run.Repo,
			CommitSHA:     input.Run.CommitSHA,
			Status:        domain.RunStatusCancelled,
			FailureReason: "run cancelled",
		}).Get(finalCtx, nil)
		_ = workflow.ExecuteActivity(mustActivityContext(finalCtx, ActivityPolicyCleanupWorkspace), (*Activities).CleanupWorkspaceActivity, CleanupWorkspaceInput{
			RunID: input.Run.ID,
		}).Get(finalCtx, nil)
		return PipelineRunResult{RunID: input.Run.ID, Status: domain.RunStatusCancelled}, err
	}
	return result, err
}

func pipelineRun(ctx workflow.Context, input PipelineRunInput) (PipelineRunResult, error) {
	run := input.Run
	def := input.Definition
	logger := workflow.GetLogger(ctx)

	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyBeginRun), (*Activities).BeginRunActivity, BeginRunInput{Run: run}).Get(ctx, nil); err != nil {
		return PipelineRunResult{}, err
	}

	if def.RequiresApproval(run.Branch) {
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyQueueApproval), (*Activities).QueueApprovalActivity, QueueApprovalInput{Item: domain.ApprovalItem{
			RunID:     run.ID,
			Pipeline:  run.Pipeline,
			Repo:      run.Repo,
			Branch:    run.Branch,
			CommitSHA: run.CommitSHA,
		}}).Get(ctx, nil); err != nil {
			return PipelineRunResult{}, err
		}

		decision, err := awaitApproval(ctx)
		if err != nil {
			return PipelineRunResult{}, err
		}
		if decision.Decision == domain.ApprovalReject {
			if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyResolveApproval), (*Activities).ResolveApprovalActivity, ResolveApprovalInput{
				RunID:    run.ID,
				Decision: "REJECTED",
				Reviewer: decision.Reviewer,
				Reason:   decision.Reason,
			}).Get(ctx, nil); err != nil {
				return PipelineRunResult{}, err
			}
			reason := decision.Reason
			if reason == "" {
				reason = "rejected by reviewer"
			}
			return completeRun(ctx, run, domain.RunStatusRejected, reason)
		}
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyResolveApproval), (*Activities).ResolveApprovalActivity, ResolveApprovalInput{
			RunID:    run.ID,
			Decision: "APPROVED",
			Reviewer: decision.Reviewer,
			Reason:   decision.Reason,
		}).Get(ctx, nil); err != nil {
			return PipelineRunResult{}, err
		}
	}

	order, err := def.ExecutionOrder()
	if err != nil {
		return completeRun(ctx, run, domain.RunStatusFailed, fmt.Sprintf("resolve job order: %v", err))
	}

	// Checkout, cache, and steps share a filesystem, so they are pinned to
	// one worker for the whole run.
	sessionCtx, err := workflow.CreateSession(ctx, &workflow.SessionOptions{
		CreationTimeout:  time.Minute,
		ExecutionTimeout: 4 * time.Hour,
	})
	if err != nil {
		return completeRun(ctx, run, domain.RunStatusFailed, fmt.Sprintf("no session worker available: %v", err))
	}
	defer workflow.CompleteSession(sessionCtx)

	var checkout CheckoutSourceOutput
	if err := workflow.ExecuteActivity(mustActivityContext(sessionCtx, ActivityPolicyCheckoutSource), (*Activities).CheckoutSourceActivity, CheckoutSourceInput{
		RunID:     run.ID,
		CloneURL:  input.CloneURL,
		CommitSHA: run.CommitSHA,
	}).Get(sessionCtx, &checkout); err != nil {
		if temporal.IsCanceledError(err) || ctx.Err() != nil {
			return PipelineRunResult{}, err
		}
		return completeRun(ctx, run, domain.RunStatusFailed, fmt.Sprintf("checkout source: %v", err))
	}

	var restore RestoreCacheOutput
	if def.Cache.Enabled() {
		if err := workflow.ExecuteActivity(mustActivityContext(sessionCtx, ActivityPolicyRestoreCache), (*Activities).RestoreCacheActivity, RestoreCacheInput{
			RunID:       run.ID,
			Dir:         checkout.Dir,
			KeyTemplate: def.Cache.Key,
			RestoreKeys: def.Cache.RestoreKeys,
		}).Get(sessionCtx, &restore); err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return PipelineRunResult{}, err
			}
			logger.Warn("cache restore failed, continuing without cache", "error", err)
			restore = RestoreCacheOutput{}
		}
	}

	runFailed := false
	failureReason := ""
	var skipped []domain.StepRecord

	for _, jobID := range order {
		job := jobByID(def, jobID)
		if job == nil {
			return completeRun(ctx, run, domain.RunStatusFailed, fmt.Sprintf("job %q not found in definition", jobID))
		}
		for i, step := range job.Steps {
			if runFailed {
				skipped = append(skipped, domain.StepRecord{
					RunID:   run.ID,
					JobID:   jobID,
					Index:   i,
					Name:    step.Name,
					Command: step.Run,
					Status:  domain.StepStatusSkipped,
				})
				continue
			}

			var out ExecuteStepOutput
			err := workflow.ExecuteActivity(mustActivityContext(sessionCtx, ActivityPolicyExecuteStep), (*Activities).ExecuteStepActivity, ExecuteStepInput{
				RunID:     run.ID,
				Pipeline:  run.Pipeline,
				JobID:     jobID,
				StepIndex: i,
				StepName:  step.Name,
				Command:   step.Run,
				Dir:       checkout.Dir,
				Env:       step.Env,
			}).Get(sessionCtx, &out)
			if err != nil {
				if temporal.IsCanceledError(err) || ctx.Err() != nil {
					return PipelineRunResult{}, err
				}
				runFailed = true
				failureReason = fmt.Sprintf("step %d (%s) could not run: %v", i, step.Name, err)
				skipped = append(skipped, domain.StepRecord{
					RunID:    run.ID,
					JobID:    jobID,
					Index:    i,
					Name:     step.Name,
					Command:  step.Run,
					Status:   domain.StepStatusFailed,
					ExitCode: -1,
				})
				continue
			}
			if out.ExitCode != 0 {
				runFailed = true
				failureReason = (&runner.StepFailure{Index: i, Name: step.Name, ExitCode: out.ExitCode}).Error()
			}
		}
	}

	if len(skipped) > 0 {
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyRecordSkippedSteps), (*Activities).RecordSkippedStepsActivity, RecordSkippedStepsInput{Steps: skipped}).Get(ctx, nil); err != nil {
			return PipelineRunResult{}, err
		}
	}

	// Cache entries are immutable, so an exact hit never saves again. A
	// failed run keeps its cache to itself.
	if !runFailed && def.Cache.Enabled() && restore.Key != "" && !restore.Exact {
		var saved SaveCacheOutput
		if err := workflow.ExecuteActivity(mustActivityContext(sessionCtx, ActivityPolicySaveCache), (*Activities).SaveCacheActivity, SaveCacheInput{
			RunID: run.ID,
			Dir:   checkout.Dir,
			Key:   restore.Key,
			Paths: def.Cache.Paths,
		}).Get(sessionCtx, &saved); err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return PipelineRunResult{}, err
			}
			logger.Warn("cache save failed", "key", restore.Key, "error", err)
		}
	}

	if err := workflow.ExecuteActivity(mustActivityContext(sessionCtx, ActivityPolicyCleanupWorkspace), (*Activities).CleanupWorkspaceActivity, CleanupWorkspaceInput{RunID: run.ID}).Get(sessionCtx, nil); err != nil {
		if temporal.IsCanceledError(err) || ctx.Err() != nil {
			return PipelineRunResult{}, err
		}
		logger.Warn("workspace cleanup failed", "error", err)
	}

	if runFailed {
		return completeRun(ctx, run, domain.RunStatusFailed, failureReason)
	}
	return completeRun(ctx, run, domain.RunStatusSucceeded, "")
}

// awaitApproval blocks until a reviewer decides or the run is cancelled.
// Unknown decision values are ignored and the wait continues.
func awaitApproval(ctx workflow.Context) (ApprovalDecisionSignal, error) {
	signalChan := workflow.GetSignalChannel(ctx, ApprovalDecisionSignalName)
	for {
		var decision ApprovalDecisionSignal
		received := false

		selector := workflow.NewSelector(ctx)
		selector.AddReceive(signalChan, func(c workflow.ReceiveChannel, _ bool) {
			c.Receive(ctx, &decision)
			received = true
		})
		selector.AddReceive(ctx.Done(), func(workflow.ReceiveChannel, bool) {})
		selector.Select(ctx)

		if !received {
			return ApprovalDecisionSignal{}, temporal.NewCanceledError("cancelled while awaiting approval")
		}
		switch decision.Decision {
		case domain.ApprovalApprove, domain.ApprovalReject:
			return decision, nil
		}
	}
}

func completeRun(ctx workflow.Context, run domain.RunRecord, status domain.RunStatus, reason string) (PipelineRunResult, error) {
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyCompleteRun), (*Activities).CompleteRunActivity, CompleteRunInput{
		RunID:         run.ID,
		Pipeline:      run.Pipeline,
		Repo:          run.Repo,
		CommitSHA:     run.CommitSHA,
		Status:        status,
		FailureReason: reason,
	}).Get(ctx, nil); err != nil {
		return PipelineRunResult{}, err
	}
	return PipelineRunResult{RunID: run.ID, Status: status}, nil
}

func jobByID(def pipeline.Definition, jobID string) *pipeline.Job {
	for i := range def.Jobs {
		if def.Jobs[i].ID == jobID {
			return &def.Jobs[i]
		}
	}
	return nil
}

type ProcessSceneWorkflowInput struct {
	Dataset   string
	Index     int
	ObjectKey string
}

type ProcessSceneWorkflowResult struct {
	Outcome   domain.SceneOutcome
	ObjectKey string
	Reason    string
}

func ProcessSceneWorkflow(ctx workflow.Context, input ProcessSceneWorkflowInput) (ProcessSceneWorkflowResult, error) {
	var check CheckInstanceOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyCheckInstance), (*Activities).CheckInstanceActivity, CheckInstanceInput{
		Dataset: input.Dataset,
		Index:   input.Index,
	}).Get(ctx, &check); err != nil {
		return ProcessSceneWorkflowResult{}, err
	}
	if check.Exists {
		result := ProcessSceneWorkflowResult{Outcome: domain.SceneDuplicate, ObjectKey: check.ObjectKey}
		return result, recordSceneOutcome(ctx, input, result)
	}

	var label LookupLabelOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyLookupLabel), (*Activities).LookupLabelActivity, LookupLabelInput{
		Dataset: input.Dataset,
		Index:   input.Index,
	}).Get(ctx, &label); err != nil {
		return ProcessSceneWorkflowResult{}, err
	}
	if !label.Found {
		result := ProcessSceneWorkflowResult{
			Outcome: domain.SceneSkipped,
			Reason:  fmt.Sprintf("no label for %s index %d", input.Dataset, input.Index),
		}
		return result, recordSceneOutcome(ctx, input, result)
	}

	var processed ProcessSceneOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyProcessScene), (*Activities).ProcessSceneActivity, ProcessSceneInput{
		Dataset:   input.Dataset,
		Index:     input.Index,
		ObjectKey: input.ObjectKey,
		Label:     label.Label,
		IsCrop:    label.IsCrop,
		Lat:       label.Lat,
		Lon:       label.Lon,
	}).Get(ctx, &processed); err != nil {
		return ProcessSceneWorkflowResult{}, err
	}

	result := ProcessSceneWorkflowResult{
		Outcome:   processed.Outcome,
		ObjectKey: processed.ObjectKey,
		Reason:    processed.Reason,
	}
	return result, recordSceneOutcome(ctx, input, result)
}

func recordSceneOutcome(ctx workflow.Context, input ProcessSceneWorkflowInput, result ProcessSceneWorkflowResult) error {
	return workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyRecordSceneOutcome), (*Activities).RecordSceneOutcomeActivity, RecordSceneOutcomeInput{
		Dataset:   input.Dataset,
		Index:     input.Index,
		Outcome:   result.Outcome,
		ObjectKey: result.ObjectKey,
		Reason:    result.Reason,
	}).Get(ctx, nil)
}

type FinalizeDatasetWorkflowInput struct {
	Dataset string
}

type FinalizeDatasetWorkflowResult struct {
	N     int64
	Bands int
}

func FinalizeDatasetWorkflow(ctx workflow.Context, input FinalizeDatasetWorkflowInput) (FinalizeDatasetWorkflowResult, error) {
	var out FinalizeDatasetOutput
	if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyFinalizeDataset), (*Activities).FinalizeDatasetActivity, FinalizeDatasetInput{
		Dataset: input.Dataset,
	}).Get(ctx, &out); err != nil {
		return FinalizeDatasetWorkflowResult{}, err
	}
	return FinalizeDatasetWorkflowResult{N: out.N, Bands: out.Bands}, nil
}

type BenchmarkGridInput struct {
	Grid benchmark.Grid
}

type BenchmarkGridResult struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int
}

// BenchmarkGridWorkflow evaluates every cell of the grid. Cells with a
// stored result are skipped, and one failing cell does not stop the rest.
func BenchmarkGridWorkflow(ctx workflow.Context, input BenchmarkGridInput) (BenchmarkGridResult, error) {
	logger := workflow.GetLogger(ctx)
	cells := input.Grid.Cells()
	result := BenchmarkGridResult{Total: len(cells)}

	for _, cell := range cells {
		var check CheckBenchmarkCellOutput
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyCheckBenchmarkCell), (*Activities).CheckBenchmarkCellActivity, CheckBenchmarkCellInput{Cell: cell}).Get(ctx, &check); err != nil {
			return BenchmarkGridResult{}, err
		}
		if check.Exists {
			result.Skipped++
			continue
		}

		var out RunBenchmarkCellOutput
		if err := workflow.ExecuteActivity(mustActivityContext(ctx, ActivityPolicyRunBenchmarkCell), (*Activities).RunBenchmarkCellActivity, RunBenchmarkCellInput{Cell: cell}).Get(ctx, &out); err != nil {
			if temporal.IsCanceledError(err) || ctx.Err() != nil {
				return BenchmarkGridResult{}, err
			}
			logger.Warn("benchmark cell failed",
				"dataset", cell.Dataset, "model", cell.Model,
				"seed", cell.Seed, "sample_size", cell.SampleSize,
				"error", err)
			result.Failed++
			continue
		}
		result.Completed++
	}
	return result, nil
}
