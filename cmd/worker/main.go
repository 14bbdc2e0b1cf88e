package main

import (
	"log"
	"net/http"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"cropharvest-orchestrator/internal/cache"
	"cropharvest-orchestrator/internal/config"
	"cropharvest-orchestrator/internal/forge"
	"cropharvest-orchestrator/internal/logging"
	"cropharvest-orchestrator/internal/metrics"
	"cropharvest-orchestrator/internal/runner"
	"cropharvest-orchestrator/internal/storage"
	appTemporal "cropharvest-orchestrator/internal/temporal"
	"cropharvest-orchestrator/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.NewPostgresStore(cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer store.Close()

	blob, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.SceneBucket, cfg.ArtifactBucket)
	if err != nil {
		logger.Fatal("connect minio", zap.Error(err))
	}

	cacheStore, err := cache.NewStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.CacheBucket)
	if err != nil {
		logger.Fatal("connect cache bucket", zap.Error(err))
	}

	temporalClient, err := client.Dial(client.Options{
		HostPort:  cfg.TemporalAddress,
		Namespace: cfg.TemporalNamespace,
		Logger:    logging.NewTemporalAdapter(logger),
	})
	if err != nil {
		logger.Fatal("connect temporal", zap.Error(err))
	}
	defer temporalClient.Close()

	m := metrics.New()
	activities := &appTemporal.Activities{
		Store:      store,
		Scenes:     blob,
		Artifacts:  blob,
		Cache:      cacheStore,
		Workspaces: workspace.NewManager(cfg.WorkspaceRoot, cfg.GitToken),
		Labels:     storage.NewLabelSource(blob),
		Commander:  &runner.ExecCommander{MaxOutputBytes: cfg.StepOutputLimit},
		Forge:      forge.New(cfg.ForgeBaseURL, cfg.ForgeToken),
		Metrics:    m,
		OSLabel:    cfg.WorkerOSLabel,
	}

	w := worker.New(temporalClient, cfg.TemporalTaskQueue, worker.Options{
		EnableSessionWorker: true,
	})
	w.RegisterWorkflowWithOptions(appTemporal.PipelineRunWorkflow, workflow.RegisterOptions{Name: appTemporal.PipelineRunWorkflowName})
	w.RegisterWorkflowWithOptions(appTemporal.ProcessSceneWorkflow, workflow.RegisterOptions{Name: appTemporal.ProcessSceneWorkflowName})
	w.RegisterWorkflowWithOptions(appTemporal.FinalizeDatasetWorkflow, workflow.RegisterOptions{Name: appTemporal.FinalizeDatasetWorkflowName})
	w.RegisterWorkflowWithOptions(appTemporal.BenchmarkGridWorkflow, workflow.RegisterOptions{Name: appTemporal.BenchmarkGridWorkflowName})
	w.RegisterActivity(activities.BeginRunActivity)
	w.RegisterActivity(activities.CheckoutSourceActivity)
	w.RegisterActivity(activities.RestoreCacheActivity)
	w.RegisterActivity(activities.ExecuteStepActivity)
	w.RegisterActivity(activities.RecordSkippedStepsActivity)
	w.RegisterActivity(activities.SaveCacheActivity)
	w.RegisterActivity(activities.CleanupWorkspaceActivity)
	w.RegisterActivity(activities.QueueApprovalActivity)
	w.RegisterActivity(activities.ResolveApprovalActivity)
	w.RegisterActivity(activities.CompleteRunActivity)
	w.RegisterActivity(activities.CheckInstanceActivity)
	w.RegisterActivity(activities.LookupLabelActivity)
	w.RegisterActivity(activities.ProcessSceneActivity)
	w.RegisterActivity(activities.RecordSceneOutcomeActivity)
	w.RegisterActivity(activities.FinalizeDatasetActivity)
	w.RegisterActivity(activities.CheckBenchmarkCellActivity)
	w.RegisterActivity(activities.RunBenchmarkCellActivity)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		logger.Info("worker metrics listening", zap.String("port", cfg.MetricsPort))
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("worker running", zap.String("task_queue", cfg.TemporalTaskQueue), zap.String("os_label", cfg.WorkerOSLabel))
	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Fatal("worker stopped with error", zap.Error(err))
	}
}
