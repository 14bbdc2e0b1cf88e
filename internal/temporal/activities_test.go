package temporal

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cropharvest-orchestrator/internal/benchmark"
	"cropharvest-orchestrator/internal/cache"
	"cropharvest-orchestrator/internal/domain"
	"cropharvest-orchestrator/internal/engineer"
	"cropharvest-orchestrator/internal/forge"
	"cropharvest-orchestrator/internal/labels"
	"cropharvest-orchestrator/internal/runner"
)

type fakeStore struct {
	mu             sync.Mutex
	runs           map[string]domain.RunRecord
	steps          map[string]map[string]domain.StepRecord
	audits         map[string][]domain.AuditState
	approvals      map[string]domain.ApprovalItem
	datasets       map[string]domain.DatasetStatus
	instances      map[string]domain.InstanceRecord
	partials       map[string]map[int]domain.NormalizationPartial
	normalizations map[string]domain.NormalizationStats
	benchmarks     map[string]domain.BenchmarkResultRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		runs:           make(map[string]domain.RunRecord),
		steps:          make(map[string]map[string]domain.StepRecord),
		audits:         make(map[string][]domain.AuditState),
		approvals:      make(map[string]domain.ApprovalItem),
		datasets:       make(map[string]domain.DatasetStatus),
		instances:      make(map[string]domain.InstanceRecord),
		partials:       make(map[string]map[int]domain.NormalizationPartial),
		normalizations: make(map[string]domain.NormalizationStats),
		benchmarks:     make(map[string]domain.BenchmarkResultRecord),
	}
}

func instanceKey(dataset string, index int) string {
	return fmt.Sprintf("%s/%d", dataset, index)
}

func benchmarkKey(dataset, model string, seed int64, sampleSize int) string {
	return fmt.Sprintf("%s/%s/%d/%d", dataset, model, seed, sampleSize)
}

func (f *fakeStore) CreateRun(_ context.Context, rec domain.RunRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[rec.ID]; ok {
		return nil
	}
	f.runs[rec.ID] = rec
	return nil
}

func (f *fakeStore) GetRun(_ context.Context, runID string) (domain.RunRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.runs[runID]
	if !ok {
		return domain.RunRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (f *fakeStore) SetRunStatus(_ context.Context, runID string, status domain.RunStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.runs[runID]
	rec.Status = status
	f.runs[runID] = rec
	return nil
}

func (f *fakeStore) CompleteRun(_ context.Context, runID string, status domain.RunStatus, failureReason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.runs[runID]
	rec.Status = status
	rec.FailureReason = failureReason
	now := time.Now()
	rec.FinishedAt = &now
	f.runs[runID] = rec
	return nil
}

func (f *fakeStore) SetRunCache(_ context.Context, runID, cacheKey string, cacheHit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.runs[runID]
	rec.CacheKey = cacheKey
	rec.CacheHit = cacheHit
	f.runs[runID] = rec
	return nil
}

func (f *fakeStore) UpsertStep(_ context.Context, rec domain.StepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.steps[rec.RunID] == nil {
		f.steps[rec.RunID] = make(map[string]domain.StepRecord)
	}
	f.steps[rec.RunID][fmt.Sprintf("%s/%d", rec.JobID, rec.Index)] = rec
	return nil
}

func (f *fakeStore) stepsFor(runID string) []domain.StepRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.StepRecord, 0, len(f.steps[runID]))
	for _, rec := range f.steps[runID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JobID != out[j].JobID {
			return out[i].JobID < out[j].JobID
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (f *fakeStore) InsertRunAudit(_ context.Context, runID string, state domain.AuditState, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits[runID] = append(f.audits[runID], state)
	return nil
}

func (f *fakeStore) QueueApproval(_ context.Context, item domain.ApprovalItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item.Status = "PENDING"
	f.approvals[item.RunID] = item
	rec := f.runs[item.RunID]
	rec.Status = domain.RunStatusAwaitingApproval
	f.runs[item.RunID] = rec
	return nil
}

func (f *fakeStore) ResolveApproval(_ context.Context, runID, decision string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item := f.approvals[runID]
	item.RunID = runID
	item.Status = decision
	f.approvals[runID] = item
	return nil
}

func (f *fakeStore) UpsertDataset(_ context.Context, name string, status domain.DatasetStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datasets[name] = status
	return nil
}

func (f *fakeStore) GetInstance(_ context.Context, dataset string, index int) (domain.InstanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.instances[instanceKey(dataset, index)]
	if !ok {
		return domain.InstanceRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (f *fakeStore) UpsertInstance(_ context.Context, rec domain.InstanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[instanceKey(rec.Dataset, rec.Index)] = rec
	return nil
}

func (f *fakeStore) UpsertNormalizationPartial(_ context.Context, p domain.NormalizationPartial) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partials[p.Dataset] == nil {
		f.partials[p.Dataset] = make(map[int]domain.NormalizationPartial)
	}
	f.partials[p.Dataset][p.SceneIndex] = p
	return nil
}

func (f *fakeStore) ListNormalizationPartials(_ context.Context, dataset string) ([]domain.NormalizationPartial, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	indexes := make([]int, 0, len(f.partials[dataset]))
	for idx := range f.partials[dataset] {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]domain.NormalizationPartial, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, f.partials[dataset][idx])
	}
	return out, nil
}

func (f *fakeStore) UpsertNormalization(_ context.Context, stats domain.NormalizationStats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.normalizations[stats.Dataset] = stats
	return nil
}

func (f *fakeStore) GetNormalization(_ context.Context, dataset string) (domain.NormalizationStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats, ok := f.normalizations[dataset]
	if !ok {
		return domain.NormalizationStats{}, sql.ErrNoRows
	}
	return stats, nil
}

func (f *fakeStore) GetBenchmarkResult(_ context.Context, dataset, model string, seed int64, sampleSize int) (domain.BenchmarkResultRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.benchmarks[benchmarkKey(dataset, model, seed, sampleSize)]
	if !ok {
		return domain.BenchmarkResultRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (f *fakeStore) UpsertBenchmarkResult(_ context.Context, rec domain.BenchmarkResultRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.benchmarks[benchmarkKey(rec.Dataset, rec.Model, rec.Seed, rec.SampleSize)] = rec
	return nil
}

type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (f *fakeArtifacts) PutStepLog(_ context.Context, runID, jobID string, stepIndex int, stepName string, output []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("runs/%s/steps/%s-%d-%s.log", runID, jobID, stepIndex, stepName)
	f.objects[key] = output
	return key, nil
}

func (f *fakeArtifacts) PutInstancePayload(_ context.Context, dataset string, index int, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("instances/%s/%d.json", dataset, index)
	f.objects[key] = payload
	return key, nil
}

func (f *fakeArtifacts) GetInstancePayload(_ context.Context, objectKey string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, ok := f.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("object %s not found", objectKey)
	}
	return payload, nil
}

func (f *fakeArtifacts) ListDatasetInstances(_ context.Context, dataset string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := fmt.Sprintf("instances/%s/", dataset)
	keys := make([]string, 0)
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeArtifacts) PutBenchmarkReport(_ context.Context, dataset, model string, sampleSize int, seed int64, report []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("benchmarks/%s/%s/%d_%d.json", dataset, model, sampleSize, seed)
	f.objects[key] = report
	return key, nil
}

func (f *fakeArtifacts) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type fakeSceneStore struct {
	scenes   map[string][]byte
	sidecars map[string][]byte
}

func (f *fakeSceneStore) GetScene(_ context.Context, objectKey string) ([]byte, error) {
	data, ok := f.scenes[objectKey]
	if !ok {
		return nil, fmt.Errorf("scene %s not found", objectKey)
	}
	return data, nil
}

func (f *fakeSceneStore) GetSceneSidecar(_ context.Context, sceneKey string) ([]byte, error) {
	data, ok := f.sidecars[sceneKey]
	if !ok {
		return nil, fmt.Errorf("sidecar for %s not found", sceneKey)
	}
	return data, nil
}

type fakeCache struct {
	mu            sync.Mutex
	restoreResult cache.RestoreResult
	saveResult    cache.SaveResult
	restoredKeys  []string
	savedKeys     []string
}

func (f *fakeCache) Restore(_ context.Context, key string, _ []string, _ string) (cache.RestoreResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoredKeys = append(f.restoredKeys, key)
	return f.restoreResult, nil
}

func (f *fakeCache) Save(_ context.Context, key string, _ []string, _ string) (cache.SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedKeys = append(f.savedKeys, key)
	return f.saveResult, nil
}

// fakeWorkspaces provisions real temp directories and materializes
// checkoutFiles on Checkout, standing in for a clone.
type fakeWorkspaces struct {
	mu            sync.Mutex
	root          string
	checkoutFiles map[string]string
	checkedOut    []string
	cleaned       []string
}

func newFakeWorkspaces(root string) *fakeWorkspaces {
	return &fakeWorkspaces{
		root:          root,
		checkoutFiles: map[string]string{"requirements-dev.txt": "black==20.8b1\nmypy==0.782\n"},
	}
}

func (f *fakeWorkspaces) Prepare(runID string) (string, error) {
	dir := filepath.Join(f.root, runID)
	if err := os.RemoveAll(dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (f *fakeWorkspaces) Checkout(_ context.Context, dir, _, sha string) error {
	f.mu.Lock()
	f.checkedOut = append(f.checkedOut, sha)
	f.mu.Unlock()
	for name, content := range f.checkoutFiles {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeWorkspaces) Cleanup(runID string) error {
	f.mu.Lock()
	f.cleaned = append(f.cleaned, runID)
	f.mu.Unlock()
	return os.RemoveAll(filepath.Join(f.root, runID))
}

type fakeLabels struct {
	points map[string]labels.LabeledPoint
}

func (f *fakeLabels) Lookup(_ context.Context, dataset string, index int) (labels.LabeledPoint, bool, error) {
	p, ok := f.points[instanceKey(dataset, index)]
	return p, ok, nil
}

type fakeCommander struct {
	mu      sync.Mutex
	results map[string]runner.CommandResult
	errs    map[string]error
	ran     []runner.CommandSpec
}

func (f *fakeCommander) Run(_ context.Context, spec runner.CommandSpec) (runner.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, spec)
	if err, ok := f.errs[spec.Name]; ok {
		return runner.CommandResult{}, err
	}
	if result, ok := f.results[spec.Name]; ok {
		return result, nil
	}
	return runner.CommandResult{ExitCode: 0, Stdout: []byte("ok"), Duration: 10 * time.Millisecond}, nil
}

func (f *fakeCommander) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.ran))
	for _, spec := range f.ran {
		out = append(out, spec.Name)
	}
	return out
}

type forgeRecorder struct {
	mu       sync.Mutex
	statuses []forge.Status
}

func (f *forgeRecorder) SetCommitStatus(_ context.Context, _, _ string, status forge.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *forgeRecorder) lastState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return ""
	}
	return f.statuses[len(f.statuses)-1].State
}

// sceneNPY serializes a float64 cube in NumPy .npy v1.0 format.
func sceneNPY(t *testing.T, shape []int, data []float64) []byte {
	t.Helper()

	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	header := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%s), }", strings.Join(dims, ", "))
	pad := 64 - (10+len(header)+1)%64
	if pad == 64 {
		pad = 0
	}
	header += strings.Repeat(" ", pad) + "\n"

	var buf bytes.Buffer
	buf.WriteString("\x93NUMPY")
	buf.WriteByte(1)
	buf.WriteByte(0)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint16(len(header))))
	buf.WriteString(header)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, data))
	return buf.Bytes()
}

// singlePixelScene is a 1x1 exported scene where every band holds its own
// raw band index as the value.
func singlePixelScene(t *testing.T) ([]byte, []byte) {
	t.Helper()
	data := make([]float64, engineer.SceneBandCount)
	for b := range data {
		data[b] = float64(b)
	}
	npy := sceneNPY(t, []int{engineer.SceneBandCount, 1, 1}, data)
	sidecar, err := json.Marshal(map[string][]float64{"x": {34.2}, "y": {0.15}})
	require.NoError(t, err)
	return npy, sidecar
}

func newTestActivities(t *testing.T) (*Activities, *fakeStore, *fakeArtifacts, *fakeCache, *fakeCommander, *forgeRecorder) {
	t.Helper()
	store := newFakeStore()
	artifacts := newFakeArtifacts()
	cacheStore := &fakeCache{
		restoreResult: cache.RestoreResult{},
		saveResult:    cache.SaveResult{Saved: true},
	}
	commander := &fakeCommander{results: make(map[string]runner.CommandResult), errs: make(map[string]error)}
	forgeRec := &forgeRecorder{}

	crop := true
	acts := &Activities{
		Store:      store,
		Scenes:     &fakeSceneStore{scenes: map[string][]byte{}, sidecars: map[string][]byte{}},
		Artifacts:  artifacts,
		Cache:      cacheStore,
		Workspaces: newFakeWorkspaces(t.TempDir()),
		Labels: &fakeLabels{points: map[string]labels.LabeledPoint{
			"kenya-non-crop/0": {Dataset: "kenya-non-crop", Index: 0, Lat: 0.15, Lon: 34.2, Label: "maize", IsCrop: &crop},
		}},
		Commander: commander,
		Forge:     forgeRec,
		OSLabel:   "linux",
	}
	return acts, store, artifacts, cacheStore, commander, forgeRec
}

func testRun() domain.RunRecord {
	return domain.RunRecord{
		ID:             "verify-1a2b3c4d-push-9f8e7d6c",
		Pipeline:       "verify",
		DefinitionHash: "1a2b3c4d5e6f7a8b",
		Repo:           "nasaharvest/cropharvest",
		Branch:         "main",
		CommitSHA:      "9f8e7d6c5b4a39281706f5e4d3c2b1a098765432",
		EventKind:      domain.EventPush,
		Status:         domain.RunStatusPending,
	}
}

func TestBeginRunActivityCreatesRunAndReportsPending(t *testing.T) {
	acts, store, _, _, _, forgeRec := newTestActivities(t)

	require.NoError(t, acts.BeginRunActivity(context.Background(), BeginRunInput{Run: testRun()}))

	rec, err := store.GetRun(context.Background(), testRun().ID)
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusPending, rec.Status)
	require.Equal(t, forge.StatePending, forgeRec.lastState())

	// second delivery of the same event is a no-op on the record
	require.NoError(t, acts.BeginRunActivity(context.Background(), BeginRunInput{Run: testRun()}))
	require.Len(t, store.runs, 1)
}

func TestCheckoutSourceActivityProvisionsWorkspace(t *testing.T) {
	acts, store, _, _, _, _ := newTestActivities(t)

	out, err := acts.CheckoutSourceActivity(context.Background(), CheckoutSourceInput{
		RunID:     "run-1",
		CloneURL:  "https://github.com/nasaharvest/cropharvest.git",
		CommitSHA: "9f8e7d6c5b4a39281706f5e4d3c2b1a098765432",
	})
	require.NoError(t, err)
	require.DirExists(t, out.Dir)
	require.FileExists(t, filepath.Join(out.Dir, "requirements-dev.txt"))
	require.Equal(t, []domain.AuditState{domain.AuditCheckedOut}, store.audits["run-1"])

	rec, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, domain.RunStatusRunning, rec.Status)
}

func TestExecuteStepActivityRecordsStepAndLog(t *testing.T) {
	acts, store, artifacts, _, commander, _ := newTestActivities(t)
	commander.results["tests"] = runner.CommandResult{
		ExitCode: 0,
		Stdout:   []byte("218 passed"),
		Stderr:   []byte("warning: deprecated"),
		Duration: 1500 * time.Millisecond,
	}

	out, err := acts.ExecuteStepActivity(context.Background(), ExecuteStepInput{
		RunID:     "run-1",
		Pipeline:  "verify",
		JobID:     "verify",
		StepIndex: 3,
		StepName:  "tests",
		Command:   "pytest tests",
		Dir:       "/tmp/ws",
		Env:       map[string]string{"PYTHONHASHSEED": "0"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, out.ExitCode)
	require.Equal(t, int64(1500), out.DurationMS)

	steps := store.stepsFor("run-1")
	require.Len(t, steps, 1)
	require.Equal(t, domain.StepStatusSucceeded, steps[0].Status)
	require.Equal(t, "pytest tests", steps[0].Command)
	require.Equal(t, out.LogObjectKey, steps[0].LogObjectKey)
	require.True(t, artifacts.has("runs/run-1/steps/verify-3-tests.log"))

	require.Equal(t, []string{"PYTHONHASHSEED=0"}, commander.ran[0].Env)
}

func TestExecuteStepActivityNonZeroExitIsNotAnError(t *testing.T) {
	acts, store, _, _, commander, _ := newTestActivities(t)
	commander.results["typecheck"] = runner.CommandResult{ExitCode: 1, Stderr: []byte("error: Missing return statement")}

	out, err := acts.ExecuteStepActivity(context.Background(), ExecuteStepInput{
		RunID:    "run-1",
		Pipeline: "verify",
		JobID:    "verify",
		StepName: "typecheck",
		Command:  "mypy src",
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.ExitCode)

	steps := store.stepsFor("run-1")
	require.Len(t, steps, 1)
	require.Equal(t, domain.StepStatusFailed, steps[0].Status)
	require.Equal(t, 1, steps[0].ExitCode)
}

func TestRestoreCacheActivityExpandsTemplates(t *testing.T) {
	acts, store, _, cacheStore, _, _ := newTestActivities(t)
	cacheStore.restoreResult = cache.RestoreResult{Hit: true, Exact: true, Key: ""}

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requirements-dev.txt"), []byte("black==20.8b1\n"), 0o644))

	out, err := acts.RestoreCacheActivity(context.Background(), RestoreCacheInput{
		RunID:       "run-1",
		Dir:         dir,
		KeyTemplate: "{os}-pip-{hash:requirements-dev.txt}",
		RestoreKeys: []string{"{os}-pip-", "{os}-"},
	})
	require.NoError(t, err)
	require.True(t, out.Hit)
	require.True(t, out.Exact)
	require.True(t, strings.HasPrefix(out.Key, "linux-pip-"))
	require.Len(t, out.Key, len("linux-pip-")+64)

	require.Equal(t, []string{out.Key}, cacheStore.restoredKeys)

	rec, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, out.Key, rec.CacheKey)
	require.True(t, rec.CacheHit)
}

func TestRestoreCacheActivityFailsOnMissingHashFile(t *testing.T) {
	acts, _, _, _, _, _ := newTestActivities(t)

	_, err := acts.RestoreCacheActivity(context.Background(), RestoreCacheInput{
		RunID:       "run-1",
		Dir:         t.TempDir(),
		KeyTemplate: "{os}-pip-{hash:requirements-dev.txt}",
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "expand cache key")
}

func TestCompleteRunActivityReportsTerminalStates(t *testing.T) {
	tests := []struct {
		status domain.RunStatus
		want   string
	}{
		{domain.RunStatusSucceeded, forge.StateSuccess},
		{domain.RunStatusFailed, forge.StateFailure},
		{domain.RunStatusCancelled, forge.StateError},
		{domain.RunStatusRejected, forge.StateError},
	}
	for _, tc := range tests {
		t.Run(string(tc.status), func(t *testing.T) {
			acts, store, _, _, _, forgeRec := newTestActivities(t)
			run := testRun()
			require.NoError(t, store.CreateRun(context.Background(), run))

			require.NoError(t, acts.CompleteRunActivity(context.Background(), CompleteRunInput{
				RunID:     run.ID,
				Pipeline:  run.Pipeline,
				Repo:      run.Repo,
				CommitSHA: run.CommitSHA,
				Status:    tc.status,
			}))

			rec, err := store.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			require.Equal(t, tc.status, rec.Status)
			require.NotNil(t, rec.FinishedAt)
			require.Equal(t, tc.want, forgeRec.lastState())
		})
	}
}

func TestProcessSceneActivityEngineersAndStoresInstance(t *testing.T) {
	acts, store, artifacts, _, _, _ := newTestActivities(t)
	npy, sidecar := singlePixelScene(t)
	sceneKey := "0-kenya-non-crop_2019-02-01_2020-02-01.npy"
	acts.Scenes = &fakeSceneStore{
		scenes:   map[string][]byte{sceneKey: npy},
		sidecars: map[string][]byte{sceneKey: sidecar},
	}

	crop := true
	input := ProcessSceneInput{
		Dataset:   "kenya-non-crop",
		Index:     0,
		ObjectKey: sceneKey,
		Label:     "maize",
		IsCrop:    &crop,
		Lat:       0.15,
		Lon:       34.2,
	}
	out, err := acts.ProcessSceneActivity(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, domain.SceneProcessed, out.Outcome)
	require.Equal(t, "instances/kenya-non-crop/0.json", out.ObjectKey)

	payload, err := artifacts.GetInstancePayload(context.Background(), out.ObjectKey)
	require.NoError(t, err)
	var inst engineer.FeatureInstance
	require.NoError(t, json.Unmarshal(payload, &inst))
	require.Equal(t, "kenya-non-crop", inst.Dataset)
	require.True(t, inst.IsCrop)
	require.Equal(t, 34.2, inst.InstanceLon)
	// VV of the first timestep carries raw band 0
	require.Equal(t, 0.0, inst.Values[0][0])

	rec, err := store.GetInstance(context.Background(), "kenya-non-crop", 0)
	require.NoError(t, err)
	require.Equal(t, out.ObjectKey, rec.ObjectKey)

	partials, err := store.ListNormalizationPartials(context.Background(), "kenya-non-crop")
	require.NoError(t, err)
	require.Len(t, partials, 1)
	require.Equal(t, int64(engineer.NumTimesteps), partials[0].N)
	require.Len(t, partials[0].Mean, engineer.FinalBandsPerTimestep)

	require.Equal(t, domain.DatasetStatusBuilding, store.datasets["kenya-non-crop"])

	// replaying the same scene is a duplicate, not a rebuild
	again, err := acts.ProcessSceneActivity(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, domain.SceneDuplicate, again.Outcome)
	require.Equal(t, out.ObjectKey, again.ObjectKey)
}

func TestProcessSceneActivitySkipsMalformedScene(t *testing.T) {
	acts, store, _, _, _, _ := newTestActivities(t)
	bad := sceneNPY(t, []int{10, 1, 1}, make([]float64, 10))
	sceneKey := "0-kenya-non-crop_2019-02-01_2020-02-01.npy"
	sidecar, err := json.Marshal(map[string][]float64{"x": {34.2}, "y": {0.15}})
	require.NoError(t, err)
	acts.Scenes = &fakeSceneStore{
		scenes:   map[string][]byte{sceneKey: bad},
		sidecars: map[string][]byte{sceneKey: sidecar},
	}

	out, err := acts.ProcessSceneActivity(context.Background(), ProcessSceneInput{
		Dataset:   "kenya-non-crop",
		Index:     0,
		ObjectKey: sceneKey,
	})
	require.NoError(t, err)
	require.Equal(t, domain.SceneSkipped, out.Outcome)
	require.NotEmpty(t, out.Reason)

	_, err = store.GetInstance(context.Background(), "kenya-non-crop", 0)
	require.ErrorIs(t, err, sql.ErrNoRows)
}

func TestFinalizeDatasetActivityMergesPartials(t *testing.T) {
	acts, store, _, _, _, _ := newTestActivities(t)

	z1 := engineer.NewNormalizer(2)
	z1.Update([]float64{1, 10})
	z1.Update([]float64{3, 30})
	p1 := z1.Snapshot()
	z2 := engineer.NewNormalizer(2)
	z2.Update([]float64{5, 50})
	p2 := z2.Snapshot()

	require.NoError(t, store.UpsertNormalizationPartial(context.Background(), domain.NormalizationPartial{
		Dataset: "kenya-non-crop", SceneIndex: 0, N: p1.N, Mean: p1.Mean, M2: p1.M2,
	}))
	require.NoError(t, store.UpsertNormalizationPartial(context.Background(), domain.NormalizationPartial{
		Dataset: "kenya-non-crop", SceneIndex: 1, N: p2.N, Mean: p2.Mean, M2: p2.M2,
	}))

	out, err := acts.FinalizeDatasetActivity(context.Background(), FinalizeDatasetInput{Dataset: "kenya-non-crop"})
	require.NoError(t, err)
	require.Equal(t, int64(3), out.N)
	require.Equal(t, 2, out.Bands)

	single := engineer.NewNormalizer(2)
	single.Update([]float64{1, 10})
	single.Update([]float64{3, 30})
	single.Update([]float64{5, 50})
	want, err := engineer.Finalize(single.Snapshot())
	require.NoError(t, err)

	stats, err := store.GetNormalization(context.Background(), "kenya-non-crop")
	require.NoError(t, err)
	require.InDelta(t, want.Mean[0], stats.Mean[0], 1e-12)
	require.InDelta(t, want.Std[1], stats.Std[1], 1e-12)
	require.Equal(t, domain.DatasetStatusReady, store.datasets["kenya-non-crop"])
}

func TestFinalizeDatasetActivityNeedsPartials(t *testing.T) {
	acts, _, _, _, _, _ := newTestActivities(t)

	_, err := acts.FinalizeDatasetActivity(context.Background(), FinalizeDatasetInput{Dataset: "togo"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no normalization partials")
}

// seedInstances stores n crop and n non-crop engineered instances with
// well-separated feature values.
func seedInstances(t *testing.T, artifacts *fakeArtifacts, dataset string, n int) {
	t.Helper()
	for i := 0; i < 2*n; i++ {
		isCrop := i < n
		fill := -2.0
		if isCrop {
			fill = 2.0
		}
		inst := engineer.FeatureInstance{Dataset: dataset, Index: i, IsCrop: isCrop}
		for ts := range inst.Values {
			for b := range inst.Values[ts] {
				inst.Values[ts][b] = fill
			}
		}
		payload, err := json.Marshal(inst)
		require.NoError(t, err)
		_, err = artifacts.PutInstancePayload(context.Background(), dataset, i, payload)
		require.NoError(t, err)
	}
}

func TestRunBenchmarkCellActivityTrainsAndPersists(t *testing.T) {
	acts, store, artifacts, _, _, _ := newTestActivities(t)
	seedInstances(t, artifacts, "kenya-non-crop", 8)

	// sample size spans the whole dataset, so evaluation falls back to the
	// full shuffled set
	cell := benchmark.Cell{Dataset: "kenya-non-crop", Model: benchmark.ModelLogisticRegression, Seed: 3, SampleSize: 16}
	out, err := acts.RunBenchmarkCellActivity(context.Background(), RunBenchmarkCellInput{Cell: cell})
	require.NoError(t, err)
	require.Equal(t, "benchmarks/kenya-non-crop/logistic_regression/16_3.json", out.ObjectKey)
	require.True(t, artifacts.has(out.ObjectKey))

	rec, err := store.GetBenchmarkResult(context.Background(), cell.Dataset, cell.Model, cell.Seed, cell.SampleSize)
	require.NoError(t, err)
	var m benchmark.Metrics
	require.NoError(t, json.Unmarshal(rec.Metrics, &m))
	require.Equal(t, 16, m.NumSamples)
	require.GreaterOrEqual(t, m.AUCROC, 0.99)

	check, err := acts.CheckBenchmarkCellActivity(context.Background(), CheckBenchmarkCellInput{Cell: cell})
	require.NoError(t, err)
	require.True(t, check.Exists)
	require.Equal(t, out.ObjectKey, check.ObjectKey)
}

func TestRunBenchmarkCellActivityStandardizesWhenStatsExist(t *testing.T) {
	acts, store, artifacts, _, _, _ := newTestActivities(t)
	seedInstances(t, artifacts, "kenya-non-crop", 6)

	mean := make([]float64, engineer.FinalBandsPerTimestep)
	std := make([]float64, engineer.FinalBandsPerTimestep)
	for i := range std {
		std[i] = 2
	}
	require.NoError(t, store.UpsertNormalization(context.Background(), domain.NormalizationStats{
		Dataset: "kenya-non-crop", N: 12, Mean: mean, Std: std,
	}))

	cell := benchmark.Cell{Dataset: "kenya-non-crop", Model: benchmark.ModelMajority, Seed: 1, SampleSize: 6}
	_, err := acts.RunBenchmarkCellActivity(context.Background(), RunBenchmarkCellInput{Cell: cell})
	require.NoError(t, err)

	rec, err := store.GetBenchmarkResult(context.Background(), cell.Dataset, cell.Model, cell.Seed, cell.SampleSize)
	require.NoError(t, err)
	var m benchmark.Metrics
	require.NoError(t, json.Unmarshal(rec.Metrics, &m))
	require.InDelta(t, 0.5, m.AUCROC, 1e-9)
}

func TestRunBenchmarkCellActivityFailsWithoutInstances(t *testing.T) {
	acts, _, _, _, _, _ := newTestActivities(t)

	cell := benchmark.Cell{Dataset: "empty", Model: benchmark.ModelMajority, Seed: 1, SampleSize: 4}
	_, err := acts.RunBenchmarkCellActivity(context.Background(), RunBenchmarkCellInput{Cell: cell})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no engineered instances")
}
