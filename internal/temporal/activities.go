package temporal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cropharvest-orchestrator/internal/benchmark"
	"cropharvest-orchestrator/internal/cache"
	"cropharvest-orchestrator/internal/domain"
	"cropharvest-orchestrator/internal/engineer"
	"cropharvest-orchestrator/internal/forge"
	"cropharvest-orchestrator/internal/labels"
	"cropharvest-orchestrator/internal/metrics"
	"cropharvest-orchestrator/internal/runner"
)

type ActivityStore interface {
	CreateRun(ctx context.Context, rec domain.RunRecord) error
	GetRun(ctx context.Context, runID string) (domain.RunRecord, error)
	SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error
	CompleteRun(ctx context.Context, runID string, status domain.RunStatus, failureReason *string) error
	SetRunCache(ctx context.Context, runID, cacheKey string, cacheHit bool) error
	UpsertStep(ctx context.Context, rec domain.StepRecord) error
	InsertRunAudit(ctx context.Context, runID string, state domain.AuditState, detail any) error
	QueueApproval(ctx context.Context, item domain.ApprovalItem) error
	ResolveApproval(ctx context.Context, runID, decision string) error
	UpsertDataset(ctx context.Context, name string, status domain.DatasetStatus) error
	GetInstance(ctx context.Context, dataset string, index int) (domain.InstanceRecord, error)
	UpsertInstance(ctx context.Context, rec domain.InstanceRecord) error
	UpsertNormalizationPartial(ctx context.Context, p domain.NormalizationPartial) error
	ListNormalizationPartials(ctx context.Context, dataset string) ([]domain.NormalizationPartial, error)
	UpsertNormalization(ctx context.Context, stats domain.NormalizationStats) error
	GetNormalization(ctx context.Context, dataset string) (domain.NormalizationStats, error)
	GetBenchmarkResult(ctx context.Context, dataset, model string, seed int64, sampleSize int) (domain.BenchmarkResultRecord, error)
	UpsertBenchmarkResult(ctx context.Context, rec domain.BenchmarkResultRecord) error
}

type SceneStore interface {
	GetScene(ctx context.Context, objectKey string) ([]byte, error)
	GetSceneSidecar(ctx context.Context, sceneKey string) ([]byte, error)
}

type ArtifactStore interface {
	PutStepLog(ctx context.Context, runID, jobID string, stepIndex int, stepName string, output []byte) (string, error)
	PutInstancePayload(ctx context.Context, dataset string, index int, payload []byte) (string, error)
	GetInstancePayload(ctx context.Context, objectKey string) ([]byte, error)
	ListDatasetInstances(ctx context.Context, dataset string) ([]string, error)
	PutBenchmarkReport(ctx context.Context, dataset, model string, sampleSize int, seed int64, report []byte) (string, error)
}

type CacheStore interface {
	Restore(ctx context.Context, key string, restoreKeys []string, dest string) (cache.RestoreResult, error)
	Save(ctx context.Context, key string, paths []string, base string) (cache.SaveResult, error)
}

type WorkspaceManager interface {
	Prepare(runID string) (string, error)
	Checkout(ctx context.Context, dir, cloneURL, sha string) error
	Cleanup(runID string) error
}

type LabelSource interface {
	Lookup(ctx context.Context, dataset string, index int) (labels.LabeledPoint, bool, error)
}

type Activities struct {
	Store      ActivityStore
	Scenes     SceneStore
	Artifacts  ArtifactStore
	Cache      CacheStore
	Workspaces WorkspaceManager
	Labels     LabelSource
	Commander  runner.Commander
	Forge      forge.Client
	Metrics    *metrics.Metrics
	OSLabel    string
}

type BeginRunInput struct {
	Run domain.RunRecord
}

type CheckoutSourceInput struct {
	RunID     string
	CloneURL  string
	CommitSHA string
}

type CheckoutSourceOutput struct {
	Dir string
}

type RestoreCacheInput struct {
	RunID       string
	Dir         string
	KeyTemplate string
	RestoreKeys []string
}

type RestoreCacheOutput struct {
	Key         string
	Hit         bool
	Exact       bool
	RestoredKey string
}

type ExecuteStepInput struct {
	RunID     string
	Pipeline  string
	JobID     string
	StepIndex int
	StepName  string
	Command   string
	Dir       string
	Env       map[string]string
}

type ExecuteStepOutput struct {
	ExitCode     int
	LogObjectKey string
	DurationMS   int64
}

type RecordSkippedStepsInput struct {
	Steps []domain.StepRecord
}

type SaveCacheInput struct {
	RunID string
	Dir   string
	Key   string
	Paths []string
}

type SaveCacheOutput struct {
	Saved  bool
	Reason string
}

type CleanupWorkspaceInput struct {
	RunID string
}

type QueueApprovalInput struct {
	Item domain.ApprovalItem
}

type ResolveApprovalInput struct {
	RunID    string
	Decision string
	Reviewer string
	Reason   string
}

type CompleteRunInput struct {
	RunID         string
	Pipeline      string
	Repo          string
	CommitSHA     string
	Status        domain.RunStatus
	FailureReason string
}

type CheckInstanceInput struct {
	Dataset string
	Index   int
}

type CheckInstanceOutput struct {
	Exists    bool
	ObjectKey string
}

type LookupLabelInput struct {
	Dataset string
	Index   int
}

// LookupLabelOutput flattens the labeled point so it survives the trip
// through workflow history. Geometry never crosses the boundary, only the
// anchored coordinates do.
type LookupLabelOutput struct {
	Found  bool
	Label  string
	IsCrop *bool
	Lat    float64
	Lon    float64
}

type ProcessSceneInput struct {
	Dataset   string
	Index     int
	ObjectKey string
	Label     string
	IsCrop    *bool
	Lat       float64
	Lon       float64
}

type ProcessSceneOutput struct {
	Outcome   domain.SceneOutcome
	ObjectKey string
	Reason    string
}

type RecordSceneOutcomeInput struct {
	Dataset   string
	Index     int
	Outcome   domain.SceneOutcome
	ObjectKey string
	Reason    string
}

type FinalizeDatasetInput struct {
	Dataset string
}

type FinalizeDatasetOutput struct {
	N     int64
	Bands int
}

type CheckBenchmarkCellInput struct {
	Cell benchmark.Cell
}

type CheckBenchmarkCellOutput struct {
	Exists    bool
	ObjectKey string
}

type RunBenchmarkCellInput struct {
	Cell benchmark.Cell
}

type RunBenchmarkCellOutput struct {
	ObjectKey string
}

func (a *Activities) BeginRunActivity(ctx context.Context, input BeginRunInput) error {
	if err := a.Store.CreateRun(ctx, input.Run); err != nil {
		return err
	}
	a.Metrics.RunStarted()
	if err := a.Store.InsertRunAudit(ctx, input.Run.ID, domain.AuditTriggered, map[string]any{
		"pipeline":   input.Run.Pipeline,
		"commit_sha": input.Run.CommitSHA,
		"event_kind": input.Run.EventKind,
	}); err != nil {
		return err
	}
	_ = a.Forge.SetCommitStatus(ctx, input.Run.Repo, input.Run.CommitSHA, forge.Status{
		State:       forge.StatePending,
		Context:     input.Run.Pipeline,
		Description: "run started",
	})
	return nil
}

func (a *Activities) CheckoutSourceActivity(ctx context.Context, input CheckoutSourceInput) (CheckoutSourceOutput, error) {
	if err := a.Store.SetRunStatus(ctx, input.RunID, domain.RunStatusRunning); err != nil {
		return CheckoutSourceOutput{}, err
	}
	dir, err := a.Workspaces.Prepare(input.RunID)
	if err != nil {
		return CheckoutSourceOutput{}, err
	}
	if err := a.Workspaces.Checkout(ctx, dir, input.CloneURL, input.CommitSHA); err != nil {
		return CheckoutSourceOutput{}, err
	}
	if err := a.Store.InsertRunAudit(ctx, input.RunID, domain.AuditCheckedOut, map[string]any{"commit_sha": input.CommitSHA}); err != nil {
		return CheckoutSourceOutput{}, err
	}
	return CheckoutSourceOutput{Dir: dir}, nil
}

func (a *Activities) RestoreCacheActivity(ctx context.Context, input RestoreCacheInput) (RestoreCacheOutput, error) {
	hashFile := cache.WorkspaceFileHasher(input.Dir)
	key, err := cache.ExpandKey(input.KeyTemplate, a.OSLabel, hashFile)
	if err != nil {
		return RestoreCacheOutput{}, fmt.Errorf("expand cache key: %w", err)
	}
	restoreKeys := make([]string, 0, len(input.RestoreKeys))
	for _, tmpl := range input.RestoreKeys {
		expanded, err := cache.ExpandKey(tmpl, a.OSLabel, hashFile)
		if err != nil {
			return RestoreCacheOutput{}, fmt.Errorf("expand restore key %q: %w", tmpl, err)
		}
		restoreKeys = append(restoreKeys, expanded)
	}

	res, err := a.Cache.Restore(ctx, key, restoreKeys, input.Dir)
	if err != nil {
		return RestoreCacheOutput{}, err
	}
	if err := a.Store.SetRunCache(ctx, input.RunID, key, res.Hit); err != nil {
		return RestoreCacheOutput{}, err
	}

	outcome := metrics.CacheOutcomeMiss
	if res.Hit {
		outcome = metrics.CacheOutcomePrefix
		if res.Exact {
			outcome = metrics.CacheOutcomeExact
		}
	}
	a.Metrics.CacheRestore(outcome)

	if err := a.Store.InsertRunAudit(ctx, input.RunID, domain.AuditCacheRestored, map[string]any{
		"key":          key,
		"hit":          res.Hit,
		"exact":        res.Exact,
		"restored_key": res.Key,
	}); err != nil {
		return RestoreCacheOutput{}, err
	}
	return RestoreCacheOutput{Key: key, Hit: res.Hit, Exact: res.Exact, RestoredKey: res.Key}, nil
}

func (a *Activities) ExecuteStepActivity(ctx context.Context, input ExecuteStepInput) (ExecuteStepOutput, error) {
	env := make([]string, 0, len(input.Env))
	for k, v := range input.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	result, err := a.Commander.Run(ctx, runner.CommandSpec{
		Name:    input.StepName,
		Command: input.Command,
		Dir:     input.Dir,
		Env:     env,
	})
	if err != nil {
		return ExecuteStepOutput{}, err
	}

	logKey := ""
	combined := make([]byte, 0, len(result.Stdout)+len(result.Stderr)+16)
	combined = append(combined, result.Stdout...)
	if len(result.Stderr) > 0 {
		combined = append(combined, "\n--- stderr ---\n"...)
		combined = append(combined, result.Stderr...)
	}
	if key, logErr := a.Artifacts.PutStepLog(ctx, input.RunID, input.JobID, input.StepIndex, input.StepName, combined); logErr == nil {
		logKey = key
	}

	status := domain.StepStatusSucceeded
	if result.ExitCode != 0 {
		status = domain.StepStatusFailed
	}
	rec := domain.StepRecord{
		RunID:        input.RunID,
		JobID:        input.JobID,
		Index:        input.StepIndex,
		Name:         input.StepName,
		Command:      input.Command,
		Status:       status,
		ExitCode:     result.ExitCode,
		LogObjectKey: logKey,
		DurationMS:   result.Duration.Milliseconds(),
	}
	if err := a.Store.UpsertStep(ctx, rec); err != nil {
		return ExecuteStepOutput{}, err
	}
	if err := a.Store.InsertRunAudit(ctx, input.RunID, domain.AuditStepFinished, map[string]any{
		"job":       input.JobID,
		"step":      input.StepName,
		"exit_code": result.ExitCode,
	}); err != nil {
		return ExecuteStepOutput{}, err
	}
	a.Metrics.ObserveStepDuration(input.Pipeline, input.JobID, result.Duration.Seconds())

	return ExecuteStepOutput{
		ExitCode:     result.ExitCode,
		LogObjectKey: logKey,
		DurationMS:   result.Duration.Milliseconds(),
	}, nil
}

func (a *Activities) RecordSkippedStepsActivity(ctx context.Context, input RecordSkippedStepsInput) error {
	for _, rec := range input.Steps {
		if err := a.Store.UpsertStep(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (a *Activities) SaveCacheActivity(ctx context.Context, input SaveCacheInput) (SaveCacheOutput, error) {
	res, err := a.Cache.Save(ctx, input.Key, input.Paths, input.Dir)
	if err != nil {
		return SaveCacheOutput{}, err
	}
	if err := a.Store.InsertRunAudit(ctx, input.RunID, domain.AuditCacheSaved, map[string]any{
		"key":    input.Key,
		"saved":  res.Saved,
		"reason": res.Reason,
	}); err != nil {
		return SaveCacheOutput{}, err
	}
	return SaveCacheOutput{Saved: res.Saved, Reason: res.Reason}, nil
}

func (a *Activities) CleanupWorkspaceActivity(ctx context.Context, input CleanupWorkspaceInput) error {
	_ = ctx
	return a.Workspaces.Cleanup(input.RunID)
}

func (a *Activities) QueueApprovalActivity(ctx context.Context, input QueueApprovalInput) error {
	if err := a.Store.QueueApproval(ctx, input.Item); err != nil {
		return err
	}
	return a.Store.InsertRunAudit(ctx, input.Item.RunID, domain.AuditApprovalQueued, map[string]any{
		"branch":     input.Item.Branch,
		"commit_sha": input.Item.CommitSHA,
	})
}

func (a *Activities) ResolveApprovalActivity(ctx context.Context, input ResolveApprovalInput) error {
	if err := a.Store.ResolveApproval(ctx, input.RunID, input.Decision); err != nil {
		return err
	}
	state := domain.AuditApproved
	if input.Decision == "REJECTED" {
		state = domain.AuditRejected
	}
	return a.Store.InsertRunAudit(ctx, input.RunID, state, map[string]any{
		"reviewer": input.Reviewer,
		"reason":   input.Reason,
	})
}

func (a *Activities) CompleteRunActivity(ctx context.Context, input CompleteRunInput) error {
	var reason *string
	if input.FailureReason != "" {
		reason = &input.FailureReason
	}
	if err := a.Store.CompleteRun(ctx, input.RunID, input.Status, reason); err != nil {
		return err
	}
	a.Metrics.RunCompleted(string(input.Status))

	state := domain.AuditCompleted
	if input.Status == domain.RunStatusCancelled {
		state = domain.AuditCancelled
	}
	if err := a.Store.InsertRunAudit(ctx, input.RunID, state, map[string]any{
		"status": input.Status,
		"reason": input.FailureReason,
	}); err != nil {
		return err
	}

	_ = a.Forge.SetCommitStatus(ctx, input.Repo, input.CommitSHA, forge.Status{
		State:       forgeStateFor(input.Status),
		Context:     input.Pipeline,
		Description: statusDescription(input.Status, input.FailureReason),
	})
	return nil
}

func (a *Activities) CheckInstanceActivity(ctx context.Context, input CheckInstanceInput) (CheckInstanceOutput, error) {
	rec, err := a.Store.GetInstance(ctx, input.Dataset, input.Index)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckInstanceOutput{Exists: false}, nil
	}
	if err != nil {
		return CheckInstanceOutput{}, err
	}
	return CheckInstanceOutput{Exists: true, ObjectKey: rec.ObjectKey}, nil
}

func (a *Activities) LookupLabelActivity(ctx context.Context, input LookupLabelInput) (LookupLabelOutput, error) {
	point, found, err := a.Labels.Lookup(ctx, input.Dataset, input.Index)
	if err != nil {
		return LookupLabelOutput{}, err
	}
	if !found {
		return LookupLabelOutput{Found: false}, nil
	}
	return LookupLabelOutput{
		Found:  true,
		Label:  point.Label,
		IsCrop: point.IsCrop,
		Lat:    point.Lat,
		Lon:    point.Lon,
	}, nil
}

func (a *Activities) ProcessSceneActivity(ctx context.Context, input ProcessSceneInput) (ProcessSceneOutput, error) {
	existing, err := a.Store.GetInstance(ctx, input.Dataset, input.Index)
	if err == nil {
		return ProcessSceneOutput{Outcome: domain.SceneDuplicate, ObjectKey: existing.ObjectKey}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ProcessSceneOutput{}, err
	}

	npy, err := a.Scenes.GetScene(ctx, input.ObjectKey)
	if err != nil {
		return ProcessSceneOutput{}, err
	}
	sidecar, err := a.Scenes.GetSceneSidecar(ctx, input.ObjectKey)
	if err != nil {
		return ProcessSceneOutput{}, err
	}

	scene, err := engineer.DecodeScene(npy, sidecar)
	if err != nil {
		return ProcessSceneOutput{Outcome: domain.SceneSkipped, Reason: err.Error()}, nil
	}

	point := labels.LabeledPoint{
		Dataset: input.Dataset,
		Index:   input.Index,
		Label:   input.Label,
		IsCrop:  input.IsCrop,
		Lat:     input.Lat,
		Lon:     input.Lon,
	}
	inst, err := engineer.BuildInstance(scene, point)
	if err != nil {
		return ProcessSceneOutput{Outcome: domain.SceneSkipped, Reason: err.Error()}, nil
	}

	payload, err := json.Marshal(inst)
	if err != nil {
		return ProcessSceneOutput{}, err
	}
	objectKey, err := a.Artifacts.PutInstancePayload(ctx, input.Dataset, input.Index, payload)
	if err != nil {
		return ProcessSceneOutput{}, err
	}

	rec := domain.InstanceRecord{
		Dataset:     inst.Dataset,
		Index:       inst.Index,
		ObjectKey:   objectKey,
		IsCrop:      inst.IsCrop,
		LabelLat:    inst.LabelLat,
		LabelLon:    inst.LabelLon,
		InstanceLat: inst.InstanceLat,
		InstanceLon: inst.InstanceLon,
	}
	if inst.Label != "" {
		label := inst.Label
		rec.Label = &label
	}
	if err := a.Store.UpsertInstance(ctx, rec); err != nil {
		return ProcessSceneOutput{}, err
	}

	z := engineer.NewNormalizer(engineer.FinalBandsPerTimestep)
	z.UpdateInstance(inst)
	partial := z.Snapshot()
	if err := a.Store.UpsertNormalizationPartial(ctx, domain.NormalizationPartial{
		Dataset:    input.Dataset,
		SceneIndex: input.Index,
		N:          partial.N,
		Mean:       partial.Mean,
		M2:         partial.M2,
	}); err != nil {
		return ProcessSceneOutput{}, err
	}
	if err := a.Store.UpsertDataset(ctx, input.Dataset, domain.DatasetStatusBuilding); err != nil {
		return ProcessSceneOutput{}, err
	}

	return ProcessSceneOutput{Outcome: domain.SceneProcessed, ObjectKey: objectKey}, nil
}

func (a *Activities) RecordSceneOutcomeActivity(ctx context.Context, input RecordSceneOutcomeInput) error {
	scopeID := fmt.Sprintf("scene-%s-%d", input.Dataset, input.Index)
	state := domain.AuditSceneProcessed
	if input.Outcome != domain.SceneProcessed {
		state = domain.AuditSceneSkipped
	}
	if err := a.Store.InsertRunAudit(ctx, scopeID, state, map[string]any{
		"outcome":    input.Outcome,
		"object_key": input.ObjectKey,
		"reason":     input.Reason,
	}); err != nil {
		return err
	}
	a.Metrics.SceneProcessed(strings.ToLower(string(input.Outcome)))
	return nil
}

func (a *Activities) FinalizeDatasetActivity(ctx context.Context, input FinalizeDatasetInput) (FinalizeDatasetOutput, error) {
	records, err := a.Store.ListNormalizationPartials(ctx, input.Dataset)
	if err != nil {
		return FinalizeDatasetOutput{}, err
	}
	if len(records) == 0 {
		return FinalizeDatasetOutput{}, fmt.Errorf("dataset %s has no normalization partials", input.Dataset)
	}

	parts := make([]engineer.Partial, 0, len(records))
	for _, rec := range records {
		parts = append(parts, engineer.Partial{N: rec.N, Mean: rec.Mean, M2: rec.M2})
	}
	merged, ok := engineer.MergePartials(parts)
	if !ok {
		return FinalizeDatasetOutput{}, fmt.Errorf("dataset %s has incompatible normalization partials", input.Dataset)
	}
	stats, err := engineer.Finalize(merged)
	if err != nil {
		return FinalizeDatasetOutput{}, err
	}

	if err := a.Store.UpsertNormalization(ctx, domain.NormalizationStats{
		Dataset: input.Dataset,
		N:       stats.N,
		Mean:    stats.Mean,
		Std:     stats.Std,
	}); err != nil {
		return FinalizeDatasetOutput{}, err
	}
	if err := a.Store.UpsertDataset(ctx, input.Dataset, domain.DatasetStatusReady); err != nil {
		return FinalizeDatasetOutput{}, err
	}
	if err := a.Store.InsertRunAudit(ctx, "finalize-"+input.Dataset, domain.AuditDatasetFinalized, map[string]any{
		"n":     stats.N,
		"bands": len(stats.Mean),
	}); err != nil {
		return FinalizeDatasetOutput{}, err
	}
	return FinalizeDatasetOutput{N: stats.N, Bands: len(stats.Mean)}, nil
}

func (a *Activities) CheckBenchmarkCellActivity(ctx context.Context, input CheckBenchmarkCellInput) (CheckBenchmarkCellOutput, error) {
	cell := input.Cell
	rec, err := a.Store.GetBenchmarkResult(ctx, cell.Dataset, cell.Model, cell.Seed, cell.SampleSize)
	if errors.Is(err, sql.ErrNoRows) {
		return CheckBenchmarkCellOutput{Exists: false}, nil
	}
	if err != nil {
		return CheckBenchmarkCellOutput{}, err
	}
	a.Metrics.BenchmarkCell("skipped")
	return CheckBenchmarkCellOutput{Exists: true, ObjectKey: rec.ObjectKey}, nil
}

func (a *Activities) RunBenchmarkCellActivity(ctx context.Context, input RunBenchmarkCellInput) (RunBenchmarkCellOutput, error) {
	cell := input.Cell

	ds, err := a.loadDataset(ctx, cell.Dataset)
	if err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}

	stats, err := a.Store.GetNormalization(ctx, cell.Dataset)
	if err == nil {
		ds, err = ds.Standardize(stats.Mean, stats.Std)
		if err != nil {
			a.Metrics.BenchmarkCell("failed")
			return RunBenchmarkCellOutput{}, err
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}

	shuffled := ds.Shuffle(cell.Seed)
	train, holdout := shuffled.SplitAt(cell.SampleSize)
	if len(holdout.Samples) == 0 {
		holdout = shuffled
	}

	model, err := benchmark.New(cell.Model)
	if err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}
	trainX, trainY := train.XY()
	if err := model.Fit(trainX, trainY); err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}
	holdX, holdY := holdout.XY()
	scores, err := model.PredictProba(holdX)
	if err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}
	holdLabels := make([]int, len(holdY))
	for i, v := range holdY {
		holdLabels[i] = int(v)
	}
	result, err := benchmark.Evaluate(scores, holdLabels)
	if err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}

	report := struct {
		Dataset     string            `json:"dataset"`
		Model       string            `json:"model"`
		Seed        int64             `json:"seed"`
		SampleSize  int               `json:"sample_size"`
		TrainSize   int               `json:"train_size"`
		Metrics     benchmark.Metrics `json:"metrics"`
		EvaluatedAt time.Time         `json:"evaluated_at"`
	}{
		Dataset:     cell.Dataset,
		Model:       cell.Model,
		Seed:        cell.Seed,
		SampleSize:  cell.SampleSize,
		TrainSize:   len(train.Samples),
		Metrics:     result,
		EvaluatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return RunBenchmarkCellOutput{}, err
	}
	objectKey, err := a.Artifacts.PutBenchmarkReport(ctx, cell.Dataset, cell.Model, cell.SampleSize, cell.Seed, payload)
	if err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}

	metricsJSON, err := json.Marshal(result)
	if err != nil {
		return RunBenchmarkCellOutput{}, err
	}
	if err := a.Store.UpsertBenchmarkResult(ctx, domain.BenchmarkResultRecord{
		Dataset:    cell.Dataset,
		Model:      cell.Model,
		Seed:       cell.Seed,
		SampleSize: cell.SampleSize,
		Metrics:    metricsJSON,
		ObjectKey:  objectKey,
	}); err != nil {
		a.Metrics.BenchmarkCell("failed")
		return RunBenchmarkCellOutput{}, err
	}

	a.Metrics.BenchmarkCell("completed")
	return RunBenchmarkCellOutput{ObjectKey: objectKey}, nil
}

func (a *Activities) loadDataset(ctx context.Context, dataset string) (benchmark.Dataset, error) {
	keys, err := a.Artifacts.ListDatasetInstances(ctx, dataset)
	if err != nil {
		return benchmark.Dataset{}, err
	}
	if len(keys) == 0 {
		return benchmark.Dataset{}, fmt.Errorf("dataset %s has no engineered instances", dataset)
	}

	instances := make([]engineer.FeatureInstance, 0, len(keys))
	for _, key := range keys {
		payload, err := a.Artifacts.GetInstancePayload(ctx, key)
		if err != nil {
			return benchmark.Dataset{}, err
		}
		var inst engineer.FeatureInstance
		if err := json.Unmarshal(payload, &inst); err != nil {
			return benchmark.Dataset{}, fmt.Errorf("decode instance %s: %w", key, err)
		}
		instances = append(instances, inst)
	}
	return benchmark.FromInstances(dataset, instances), nil
}

func forgeStateFor(status domain.RunStatus) string {
	switch status {
	case domain.RunStatusSucceeded:
		return forge.StateSuccess
	case domain.RunStatusFailed:
		return forge.StateFailure
	default:
		return forge.StateError
	}
}

func statusDescription(status domain.RunStatus, reason string) string {
	if reason == "" {
		return strings.ToLower(string(status))
	}
	return reason
}
