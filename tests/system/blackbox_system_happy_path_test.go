//go:build system

package system_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.temporal.io/sdk/client"

	"cropharvest-orchestrator/internal/domain"
	appTemporal "cropharvest-orchestrator/internal/temporal"
)

var _ = Describe("System blackbox happy path", Ordered, func() {
	var repoRoot string
	var cfg systemTestConfig

	BeforeAll(func() {
		if os.Getenv("RUN_BLACKBOX_SYSTEM_TEST") != "1" {
			Skip("set RUN_BLACKBOX_SYSTEM_TEST=1 to run real blackbox system test")
		}

		cfg = loadSystemTestConfig()

		var err error
		repoRoot, err = findRepoRoot()
		Expect(err).ToNot(HaveOccurred())

		By("verifying required docker compose services (including worker) are already running")
		Expect(requireComposeServicesRunning(repoRoot, cfg.RequiredComposeServices)).To(Succeed())

		By("failing fast if infrastructure is unreachable")
		Expect(waitForPostgres(cfg.PostgresDSN, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForTemporal(cfg.TemporalAddress, cfg.TemporalNamespace, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(cfg.MinioReadyURL, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(strings.TrimRight(cfg.APIBaseURL, "/")+cfg.APIHealthPath, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForHTTPStatus(strings.TrimRight(cfg.APIBaseURL, "/")+cfg.APIReadyPath, 200, cfg.PreflightTimeout)).To(Succeed())
		Expect(waitForWorkerPoller(cfg.TemporalAddress, cfg.TemporalNamespace, cfg.TemporalTaskQueue, cfg.WorkerPollerTimeout)).To(Succeed())
		Expect(applyMigration(repoRoot, cfg.PostgresDSN)).To(Succeed())
	})

	It("delivers a push event over HTTP and completes the verification run via a real worker", func() {
		apiBaseURL := strings.TrimRight(cfg.APIBaseURL, "/")
		nonce := uuid.NewString()

		By("creating a throwaway repository with a unique dependency manifest")
		fixtureDir := filepath.Join(cfg.FixtureRepoRoot, "run-"+nonce)
		sha, err := initFixtureRepo(fixtureDir, nonce)
		Expect(err).ToNot(HaveOccurred())
		Expect(sha).To(HaveLen(40))

		By("delivering a push event exactly like a forge webhook")
		event := domain.Event{
			Kind:       domain.EventPush,
			Repo:       cfg.EventRepo,
			Branch:     cfg.EventBranch,
			CommitSHA:  sha,
			CloneURL:   "file://" + fixtureDir,
			Sender:     "system-test",
			DeliveryID: "delivery-" + nonce,
		}
		accepted, err := postEvent(apiBaseURL, event)
		Expect(err).ToNot(HaveOccurred())
		Expect(accepted.DeliveryID).To(Equal(event.DeliveryID))
		Expect(accepted.Runs).To(HaveLen(1))

		started := accepted.Runs[0]
		Expect(started.Pipeline).To(Equal(cfg.PipelineName))
		Expect(started.RunID).To(ContainSubstring(sha[:8]))
		Expect(started.WorkflowID).To(Equal(appTemporal.PipelineRunWorkflowID(started.RunID)))

		By("polling run status until completion")
		var lastRun runResponse
		Eventually(func() domain.RunStatus {
			var runErr error
			lastRun, runErr = getRun(apiBaseURL, started.RunID)
			Expect(runErr).ToNot(HaveOccurred())
			Expect(lastRun.Run.Status).ToNot(Equal(domain.RunStatusFailed))
			Expect(lastRun.Run.Status).ToNot(Equal(domain.RunStatusRejected))
			Expect(lastRun.Run.Status).ToNot(Equal(domain.RunStatusCancelled))
			return lastRun.Run.Status
		}, cfg.WorkflowCompletionTimeout, cfg.WorkflowPollInterval).Should(Equal(domain.RunStatusSucceeded))

		Expect(lastRun.Run.Pipeline).To(Equal(cfg.PipelineName))
		Expect(lastRun.Run.Repo).To(Equal(cfg.EventRepo))
		Expect(lastRun.Run.Branch).To(Equal(cfg.EventBranch))
		Expect(lastRun.Run.CommitSHA).To(Equal(sha))
		Expect(lastRun.Run.EventKind).To(Equal(domain.EventPush))
		Expect(lastRun.Run.CacheKey).ToNot(BeEmpty())
		Expect(lastRun.Run.FinishedAt).ToNot(BeNil())
		Expect(lastRun.Run.FailureReason).To(BeNil())

		By("checking every recorded step succeeded")
		Expect(lastRun.Steps).To(HaveLen(3))
		for _, step := range lastRun.Steps {
			Expect(step.Status).To(Equal(domain.StepStatusSucceeded), "step %s/%d", step.JobID, step.Index)
			Expect(step.ExitCode).To(BeZero())
			Expect(step.LogObjectKey).ToNot(BeEmpty())
		}

		By("reading a captured step log back over HTTP")
		logText, err := getStepLogText(apiBaseURL, started.RunID, lastRun.Steps[0].JobID, lastRun.Steps[0].Index)
		Expect(err).ToNot(HaveOccurred())
		Expect(logText).To(ContainSubstring("format ok"))

		By("validating activity inputs and outputs from Temporal workflow history")
		temporalClient, err := client.Dial(client.Options{
			HostPort:  cfg.TemporalAddress,
			Namespace: cfg.TemporalNamespace,
		})
		Expect(err).ToNot(HaveOccurred())
		defer temporalClient.Close()

		trace, err := collectActivityTrace(context.Background(), temporalClient, started.WorkflowID)
		Expect(err).ToNot(HaveOccurred())

		Expect(trace.ScheduledOrder).To(Equal(cfg.ExpectedActivityOrder))
		Expect(trace.CompletedOrder).To(Equal(cfg.ExpectedActivityOrder))

		beginIn := trace.Inputs["BeginRunActivity"][0].(appTemporal.BeginRunInput)
		Expect(beginIn.Run.ID).To(Equal(started.RunID))
		Expect(beginIn.Run.Status).To(Equal(domain.RunStatusPending))

		checkoutIn := trace.Inputs["CheckoutSourceActivity"][0].(appTemporal.CheckoutSourceInput)
		Expect(checkoutIn.CloneURL).To(Equal(event.CloneURL))
		Expect(checkoutIn.CommitSHA).To(Equal(sha))

		checkoutOut := trace.Outputs["CheckoutSourceActivity"][0].(appTemporal.CheckoutSourceOutput)
		Expect(checkoutOut.Dir).ToNot(BeEmpty())

		restoreOut := trace.Outputs["RestoreCacheActivity"][0].(appTemporal.RestoreCacheOutput)
		Expect(restoreOut.Key).To(Equal(lastRun.Run.CacheKey))
		Expect(restoreOut.Exact).To(BeFalse(), "the nonce in requirements-dev.txt must yield a fresh cache key")

		Expect(trace.Inputs["ExecuteStepActivity"]).To(HaveLen(3))
		for i, raw := range trace.Inputs["ExecuteStepActivity"] {
			stepIn := raw.(appTemporal.ExecuteStepInput)
			Expect(stepIn.RunID).To(Equal(started.RunID))
			Expect(stepIn.StepIndex).To(Equal(i))
			Expect(stepIn.Dir).To(Equal(checkoutOut.Dir))
		}
		for _, raw := range trace.Outputs["ExecuteStepActivity"] {
			stepOut := raw.(appTemporal.ExecuteStepOutput)
			Expect(stepOut.ExitCode).To(BeZero())
			Expect(stepOut.LogObjectKey).ToNot(BeEmpty())
		}

		saveIn := trace.Inputs["SaveCacheActivity"][0].(appTemporal.SaveCacheInput)
		Expect(saveIn.Key).To(Equal(lastRun.Run.CacheKey))
		saveOut := trace.Outputs["SaveCacheActivity"][0].(appTemporal.SaveCacheOutput)
		Expect(saveOut.Saved).To(BeTrue(), "reason: %s", saveOut.Reason)

		completeIn := trace.Inputs["CompleteRunActivity"][0].(appTemporal.CompleteRunInput)
		Expect(completeIn.RunID).To(Equal(started.RunID))
		Expect(completeIn.Status).To(Equal(domain.RunStatusSucceeded))
		Expect(completeIn.FailureReason).To(BeEmpty())

		By("verifying audit trail and step records in Postgres")
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		Expect(err).ToNot(HaveOccurred())
		defer db.Close()

		Expect(db.Ping()).To(Succeed())

		auditStates, err := fetchStringRows(db, `SELECT state FROM run_audits WHERE run_id = $1 ORDER BY id`, started.RunID)
		Expect(err).ToNot(HaveOccurred())
		Expect(auditStates).To(ContainElement(string(domain.AuditTriggered)))
		Expect(auditStates).To(ContainElement(string(domain.AuditCheckedOut)))
		Expect(auditStates).To(ContainElement(string(domain.AuditCacheRestored)))
		Expect(auditStates).To(ContainElement(string(domain.AuditCacheSaved)))
		Expect(auditStates).To(ContainElement(string(domain.AuditCompleted)))
		Expect(countOf(auditStates, string(domain.AuditStepFinished))).To(Equal(3))

		stepStatuses, err := fetchStringRows(db, `SELECT status FROM run_steps WHERE run_id = $1 ORDER BY job_id, step_index`, started.RunID)
		Expect(err).ToNot(HaveOccurred())
		Expect(stepStatuses).To(Equal([]string{"SUCCEEDED", "SUCCEEDED", "SUCCEEDED"}))

		var approvals int
		Expect(db.QueryRow(`SELECT COUNT(*) FROM approvals WHERE run_id = $1`, started.RunID).Scan(&approvals)).To(Succeed())
		Expect(approvals).To(BeZero(), "a run on an unprotected branch must not queue an approval")
	})
})

func countOf(values []string, want string) int {
	n := 0
	for _, v := range values {
		if v == want {
			n++
		}
	}
	return n
}
