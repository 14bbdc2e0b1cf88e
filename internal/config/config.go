package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

const (
	defaultHTTPPort        = "8080"
	defaultMetricsPort     = "9090"
	defaultTemporalAddress = "localhost:7233"
	defaultTemporalNS      = "default"
	defaultTaskQueue       = "harvest-orchestrator-task-queue"
	defaultMinioEndpoint   = "localhost:9000"
	defaultSceneBucket     = "eo-exports"
	defaultArtifactBucket  = "artifacts"
	defaultCacheBucket     = "pipeline-cache"
	defaultPipelineDir     = "example/pipelines"
	defaultWorkspaceRoot   = "/var/lib/harvest/workspaces"
	defaultLogLevel        = "info"
)

type Config struct {
	HTTPPort          string
	MetricsPort       string
	PostgresDSN       string
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string
	MinioEndpoint     string
	MinioAccessKey    string
	MinioSecretKey    string
	MinioUseSSL       bool
	SceneBucket       string
	ArtifactBucket    string
	CacheBucket       string
	PipelineDir       string
	WorkspaceRoot     string
	WorkerOSLabel     string
	ForgeBaseURL      string
	ForgeToken        string
	GitToken          string
	StepOutputLimit   int64
	LogLevel          string
	MaxEventBytes     int64
}

func Load() (Config, error) {
	cfg := Config{
		HTTPPort:          getenv("HTTP_PORT", defaultHTTPPort),
		MetricsPort:       getenv("METRICS_PORT", defaultMetricsPort),
		PostgresDSN:       os.Getenv("POSTGRES_DSN"),
		TemporalAddress:   getenv("TEMPORAL_ADDRESS", defaultTemporalAddress),
		TemporalNamespace: getenv("TEMPORAL_NAMESPACE", defaultTemporalNS),
		TemporalTaskQueue: getenv("TEMPORAL_TASK_QUEUE", defaultTaskQueue),
		MinioEndpoint:     getenv("MINIO_ENDPOINT", defaultMinioEndpoint),
		MinioAccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
		MinioSecretKey:    os.Getenv("MINIO_SECRET_KEY"),
		MinioUseSSL:       getenvBool("MINIO_USE_SSL", false),
		SceneBucket:       getenv("SCENE_BUCKET", defaultSceneBucket),
		ArtifactBucket:    getenv("ARTIFACT_BUCKET", defaultArtifactBucket),
		CacheBucket:       getenv("CACHE_BUCKET", defaultCacheBucket),
		PipelineDir:       getenv("PIPELINE_DIR", defaultPipelineDir),
		WorkspaceRoot:     getenv("WORKSPACE_ROOT", defaultWorkspaceRoot),
		WorkerOSLabel:     getenv("WORKER_OS_LABEL", runtime.GOOS),
		ForgeBaseURL:      os.Getenv("FORGE_BASE_URL"),
		ForgeToken:        os.Getenv("FORGE_TOKEN"),
		GitToken:          os.Getenv("GIT_TOKEN"),
		StepOutputLimit:   int64(getenvInt("STEP_OUTPUT_LIMIT_BYTES", 2*1024*1024)),
		LogLevel:          getenv("LOG_LEVEL", defaultLogLevel),
		MaxEventBytes:     int64(getenvInt("MAX_EVENT_BYTES", 1024*1024)),
	}

	if cfg.PostgresDSN == "" {
		return Config{}, fmt.Errorf("POSTGRES_DSN is required")
	}

	return cfg, nil
}

func getenv(key string, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
