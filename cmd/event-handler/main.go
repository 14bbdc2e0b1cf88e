package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"cropharvest-orchestrator/internal/config"
	"cropharvest-orchestrator/internal/events"
	"cropharvest-orchestrator/internal/logging"
	appTemporal "cropharvest-orchestrator/internal/temporal"
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

	minioClient, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
	})
	if err != nil {
		logger.Fatal("connect minio", zap.Error(err))
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

	source := events.NewMinioSceneEventSource(minioClient, cfg.SceneBucket, "")
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("event-handler listening for exported scenes", zap.String("bucket", cfg.SceneBucket))
	err = source.Run(ctx, func(parent context.Context, event events.SceneEvent) error {
		workflowID := appTemporal.SceneWorkflowID(event.Dataset, event.Index)
		execCtx, cancel := context.WithTimeout(parent, 15*time.Second)
		defer cancel()

		_, startErr := temporalClient.ExecuteWorkflow(execCtx, client.StartWorkflowOptions{
			ID:        workflowID,
			TaskQueue: cfg.TemporalTaskQueue,
		}, appTemporal.ProcessSceneWorkflowName, appTemporal.ProcessSceneWorkflowInput{
			Dataset:   event.Dataset,
			Index:     event.Index,
			ObjectKey: event.ObjectKey,
		})
		if startErr != nil {
			var alreadyStarted *serviceerror.WorkflowExecutionAlreadyStarted
			if errors.As(startErr, &alreadyStarted) {
				logger.Info("scene workflow already started",
					zap.String("workflow_id", workflowID),
					zap.String("object", event.ObjectKey))
				return nil
			}
			return fmt.Errorf("start scene workflow for object %s: %w", event.ObjectKey, startErr)
		}

		logger.Info("started scene workflow",
			zap.String("workflow_id", workflowID),
			zap.String("object", event.ObjectKey))
		return nil
	})
	if err != nil {
		logger.Fatal("event-handler stopped with error", zap.Error(err))
	}
}
