package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	ActivityPolicyBeginRun           = "begin_run"
	ActivityPolicyCheckoutSource     = "checkout_source"
	ActivityPolicyRestoreCache       = "restore_cache"
	ActivityPolicyExecuteStep        = "execute_step"
	ActivityPolicyRecordSkippedSteps = "record_skipped_steps"
	ActivityPolicySaveCache          = "save_cache"
	ActivityPolicyCleanupWorkspace   = "cleanup_workspace"
	ActivityPolicyQueueApproval      = "queue_approval"
	ActivityPolicyResolveApproval    = "resolve_approval"
	ActivityPolicyCompleteRun        = "complete_run"
	ActivityPolicyCheckInstance      = "check_instance"
	ActivityPolicyLookupLabel        = "lookup_label"
	ActivityPolicyProcessScene       = "process_scene"
	ActivityPolicyRecordSceneOutcome = "record_scene_outcome"
	ActivityPolicyFinalizeDataset    = "finalize_dataset"
	ActivityPolicyCheckBenchmarkCell = "check_benchmark_cell"
	ActivityPolicyRunBenchmarkCell   = "run_benchmark_cell"
)

type activityPolicy struct {
	StartToCloseTimeout time.Duration
	RetryPolicy         temporal.RetryPolicy
}

var defaultRetry = temporal.RetryPolicy{
	InitialInterval:    1 * time.Second,
	BackoffCoefficient: 2,
	MaximumInterval:    10 * time.Second,
	MaximumAttempts:    3,
}

// Steps and benchmark cells run exactly once. Re-running a failed build
// command hides flakes, and a failed training run will fail again.
var singleAttempt = temporal.RetryPolicy{
	MaximumAttempts: 1,
}

var activityPolicies = map[string]activityPolicy{
	ActivityPolicyBeginRun:           {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyCheckoutSource:     {StartToCloseTimeout: 10 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyRestoreCache:       {StartToCloseTimeout: 10 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyExecuteStep:        {StartToCloseTimeout: 60 * time.Minute, RetryPolicy: singleAttempt},
	ActivityPolicyRecordSkippedSteps: {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicySaveCache:          {StartToCloseTimeout: 10 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyCleanupWorkspace:   {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyQueueApproval:      {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyResolveApproval:    {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyCompleteRun:        {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyCheckInstance:      {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyLookupLabel:        {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyProcessScene:       {StartToCloseTimeout: 10 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyRecordSceneOutcome: {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyFinalizeDataset:    {StartToCloseTimeout: 10 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyCheckBenchmarkCell: {StartToCloseTimeout: 2 * time.Minute, RetryPolicy: defaultRetry},
	ActivityPolicyRunBenchmarkCell:   {StartToCloseTimeout: 30 * time.Minute, RetryPolicy: singleAttempt},
}

func ActivityOptionsFor(policyName string) (workflow.ActivityOptions, error) {
	policy, ok := activityPolicies[policyName]
	if !ok {
		return workflow.ActivityOptions{}, fmt.Errorf("unknown activity policy: %s", policyName)
	}

	retry := policy.RetryPolicy
	return workflow.ActivityOptions{
		StartToCloseTimeout: policy.StartToCloseTimeout,
		RetryPolicy:         &retry,
	}, nil
}

func mustActivityContext(ctx workflow.Context, policyName string) workflow.Context {
	ao, err := ActivityOptionsFor(policyName)
	if err != nil {
		panic(err)
	}
	return workflow.WithActivityOptions(ctx, ao)
}
