package domain

import (
	"encoding/json"
	"time"
)

// Event is a normalized repository event delivered by the forge webhook.
// Branch carries the pushed branch for push events and the target branch
// for pull requests.
type Event struct {
	Kind         EventKind `json:"kind"`
	Repo         string    `json:"repo"`
	Branch       string    `json:"branch"`
	SourceBranch string    `json:"source_branch,omitempty"`
	CommitSHA    string    `json:"commit_sha"`
	CloneURL     string    `json:"clone_url"`
	Sender       string    `json:"sender,omitempty"`
	DeliveryID   string    `json:"delivery_id,omitempty"`
}

type RunRecord struct {
	ID             string     `json:"id"`
	Pipeline       string     `json:"pipeline"`
	DefinitionHash string     `json:"definition_hash"`
	Repo           string     `json:"repo"`
	Branch         string     `json:"branch"`
	CommitSHA      string     `json:"commit_sha"`
	EventKind      EventKind  `json:"event_kind"`
	Status         RunStatus  `json:"status"`
	FailureReason  *string    `json:"failure_reason,omitempty"`
	CacheKey       string     `json:"cache_key,omitempty"`
	CacheHit       bool       `json:"cache_hit"`
	StartedAt      time.Time  `json:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

type StepRecord struct {
	RunID        string     `json:"run_id"`
	JobID        string     `json:"job_id"`
	Index        int        `json:"index"`
	Name         string     `json:"name"`
	Command      string     `json:"command"`
	Status       StepStatus `json:"status"`
	ExitCode     int        `json:"exit_code"`
	LogObjectKey string     `json:"log_object_key,omitempty"`
	DurationMS   int64      `json:"duration_ms"`
}

type ApprovalItem struct {
	RunID       string    `json:"run_id"`
	Pipeline    string    `json:"pipeline"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch"`
	CommitSHA   string    `json:"commit_sha"`
	Status      string    `json:"status"`
	RequestedAt time.Time `json:"requested_at"`
}

type DatasetRecord struct {
	Name          string        `json:"name"`
	Status        DatasetStatus `json:"status"`
	InstanceCount int           `json:"instance_count"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type InstanceRecord struct {
	Dataset     string   `json:"dataset"`
	Index       int      `json:"index"`
	ObjectKey   string   `json:"object_key"`
	IsCrop      bool     `json:"is_crop"`
	Label       *string  `json:"label,omitempty"`
	LabelLat    float64  `json:"label_lat"`
	LabelLon    float64  `json:"label_lon"`
	InstanceLat float64  `json:"instance_lat"`
	InstanceLon float64  `json:"instance_lon"`
}

// NormalizationPartial is one scene's contribution to a dataset's running
// per-band statistics. N counts observed timesteps, Mean and M2 follow the
// Welford accumulator layout.
type NormalizationPartial struct {
	Dataset    string    `json:"dataset"`
	SceneIndex int       `json:"scene_index"`
	N          int64     `json:"n"`
	Mean       []float64 `json:"mean"`
	M2         []float64 `json:"m2"`
}

type NormalizationStats struct {
	Dataset string    `json:"dataset"`
	N       int64     `json:"n"`
	Mean    []float64 `json:"mean"`
	Std     []float64 `json:"std"`
}

type BenchmarkResultRecord struct {
	Dataset    string          `json:"dataset"`
	Model      string          `json:"model"`
	Seed       int64           `json:"seed"`
	SampleSize int             `json:"sample_size"`
	Metrics    json.RawMessage `json:"metrics"`
	ObjectKey  string          `json:"object_key"`
	CreatedAt  time.Time       `json:"created_at"`
}
