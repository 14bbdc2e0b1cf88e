package temporal

import (
	"context"
	"strings"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/converter"
	"go.temporal.io/sdk/testsuite"

	"cropharvest-orchestrator/internal/domain"
	"cropharvest-orchestrator/internal/forge"
)

type activityTrace struct {
	mu sync.Mutex

	startedOrder   []string
	completedOrder []string

	beginIn     *BeginRunInput
	checkoutIn  *CheckoutSourceInput
	checkoutOut *CheckoutSourceOutput
	restoreIn   *RestoreCacheInput
	restoreOut  *RestoreCacheOutput
	stepIns     []ExecuteStepInput
	stepOuts    []ExecuteStepOutput
	saveIn      *SaveCacheInput
	completeIn  *CompleteRunInput

	queueApprovalCalls int
	recordSkippedCalls int
}

func (t *activityTrace) recordStarted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedOrder = append(t.startedOrder, name)
}

func (t *activityTrace) recordCompleted(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completedOrder = append(t.completedOrder, name)
}

var _ = Describe("PipelineRunWorkflow blackbox happy path", func() {
	It("checks out the commit, restores the cache, runs every step, saves the cache, and reports success", func() {
		var suite testsuite.WorkflowTestSuite
		env := suite.NewTestWorkflowEnvironment()

		h := newHarness(GinkgoT())
		h.register(env)

		trace := &activityTrace{}

		env.SetOnActivityStartedListener(func(info *activity.Info, _ context.Context, args converter.EncodedValues) {
			trace.recordStarted(info.ActivityType.Name)

			switch info.ActivityType.Name {
			case "BeginRunActivity":
				var in BeginRunInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.beginIn = &in
				trace.mu.Unlock()
			case "CheckoutSourceActivity":
				var in CheckoutSourceInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.checkoutIn = &in
				trace.mu.Unlock()
			case "RestoreCacheActivity":
				var in RestoreCacheInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.restoreIn = &in
				trace.mu.Unlock()
			case "ExecuteStepActivity":
				var in ExecuteStepInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.stepIns = append(trace.stepIns, in)
				trace.mu.Unlock()
			case "SaveCacheActivity":
				var in SaveCacheInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.saveIn = &in
				trace.mu.Unlock()
			case "CompleteRunActivity":
				var in CompleteRunInput
				_ = args.Get(&in)
				trace.mu.Lock()
				trace.completeIn = &in
				trace.mu.Unlock()
			case "QueueApprovalActivity":
				trace.mu.Lock()
				trace.queueApprovalCalls++
				trace.mu.Unlock()
			case "RecordSkippedStepsActivity":
				trace.mu.Lock()
				trace.recordSkippedCalls++
				trace.mu.Unlock()
			}
		})

		env.SetOnActivityCompletedListener(func(info *activity.Info, result converter.EncodedValue, _ error) {
			trace.recordCompleted(info.ActivityType.Name)

			switch info.ActivityType.Name {
			case "CheckoutSourceActivity":
				var out CheckoutSourceOutput
				_ = result.Get(&out)
				trace.mu.Lock()
				trace.checkoutOut = &out
				trace.mu.Unlock()
			case "RestoreCacheActivity":
				var out RestoreCacheOutput
				_ = result.Get(&out)
				trace.mu.Lock()
				trace.restoreOut = &out
				trace.mu.Unlock()
			case "ExecuteStepActivity":
				var out ExecuteStepOutput
				_ = result.Get(&out)
				trace.mu.Lock()
				trace.stepOuts = append(trace.stepOuts, out)
				trace.mu.Unlock()
			}
		})

		run := testRun()
		def := verifyDefinition()

		By("triggering the workflow with a push-event run")
		env.ExecuteWorkflow(PipelineRunWorkflow, PipelineRunInput{
			Run:        run,
			Definition: def,
			CloneURL:   "https://github.com/nasaharvest/cropharvest.git",
		})

		By("validating the workflow completes successfully")
		Expect(env.IsWorkflowCompleted()).To(BeTrue())
		Expect(env.GetWorkflowError()).ToNot(HaveOccurred())

		var wfResult PipelineRunResult
		Expect(env.GetWorkflowResult(&wfResult)).To(Succeed())
		Expect(wfResult.RunID).To(Equal(run.ID))
		Expect(wfResult.Status).To(Equal(domain.RunStatusSucceeded))

		By("validating the activity sequence")
		wantOrder := []string{
			"BeginRunActivity",
			"CheckoutSourceActivity",
			"RestoreCacheActivity",
			"ExecuteStepActivity",
			"ExecuteStepActivity",
			"ExecuteStepActivity",
			"ExecuteStepActivity",
			"SaveCacheActivity",
			"CleanupWorkspaceActivity",
			"CompleteRunActivity",
		}
		Expect(trace.startedOrder).To(Equal(wantOrder))
		Expect(trace.completedOrder).To(Equal(wantOrder))
		Expect(trace.queueApprovalCalls).To(Equal(0))
		Expect(trace.recordSkippedCalls).To(Equal(0))

		By("validating each activity input and output")
		Expect(trace.beginIn).ToNot(BeNil())
		Expect(trace.beginIn.Run.ID).To(Equal(run.ID))
		Expect(trace.beginIn.Run.CommitSHA).To(Equal(run.CommitSHA))

		Expect(trace.checkoutIn).ToNot(BeNil())
		Expect(trace.checkoutIn.CloneURL).To(Equal("https://github.com/nasaharvest/cropharvest.git"))
		Expect(trace.checkoutIn.CommitSHA).To(Equal(run.CommitSHA))
		Expect(trace.checkoutOut).ToNot(BeNil())
		Expect(trace.checkoutOut.Dir).ToNot(BeEmpty())

		Expect(trace.restoreIn).ToNot(BeNil())
		Expect(trace.restoreIn.Dir).To(Equal(trace.checkoutOut.Dir))
		Expect(trace.restoreIn.KeyTemplate).To(Equal(def.Cache.Key))
		Expect(trace.restoreOut).ToNot(BeNil())
		Expect(strings.HasPrefix(trace.restoreOut.Key, "linux-pip-")).To(BeTrue())

		Expect(trace.stepIns).To(HaveLen(4))
		for i, step := range def.Jobs[0].Steps {
			Expect(trace.stepIns[i].StepName).To(Equal(step.Name))
			Expect(trace.stepIns[i].Command).To(Equal(step.Run))
			Expect(trace.stepIns[i].Dir).To(Equal(trace.checkoutOut.Dir))
		}
		Expect(trace.stepOuts).To(HaveLen(4))
		for _, out := range trace.stepOuts {
			Expect(out.ExitCode).To(Equal(0))
			Expect(out.LogObjectKey).ToNot(BeEmpty())
		}

		Expect(trace.saveIn).ToNot(BeNil())
		Expect(trace.saveIn.Key).To(Equal(trace.restoreOut.Key))
		Expect(trace.saveIn.Paths).To(Equal(def.Cache.Paths))

		Expect(trace.completeIn).ToNot(BeNil())
		Expect(trace.completeIn.Status).To(Equal(domain.RunStatusSucceeded))
		Expect(trace.completeIn.FailureReason).To(BeEmpty())

		By("validating persisted side effects")
		h.store.mu.Lock()
		rec, ok := h.store.runs[run.ID]
		auditStates := append([]domain.AuditState(nil), h.store.audits[run.ID]...)
		h.store.mu.Unlock()

		Expect(ok).To(BeTrue())
		Expect(rec.Status).To(Equal(domain.RunStatusSucceeded))
		Expect(rec.CacheKey).To(Equal(trace.restoreOut.Key))
		Expect(rec.FinishedAt).ToNot(BeNil())
		Expect(auditStates).To(Equal([]domain.AuditState{
			domain.AuditTriggered,
			domain.AuditCheckedOut,
			domain.AuditCacheRestored,
			domain.AuditStepFinished,
			domain.AuditStepFinished,
			domain.AuditStepFinished,
			domain.AuditStepFinished,
			domain.AuditCacheSaved,
			domain.AuditCompleted,
		}))

		Expect(forgeStateSequence(h.forge)).To(Equal([]string{forge.StatePending, forge.StateSuccess}))
		Expect(h.workspaces.cleaned).To(Equal([]string{run.ID}))
	})
})
