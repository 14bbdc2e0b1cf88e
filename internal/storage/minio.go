package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioStore holds the two buckets the platform writes: scenes receives
// exported satellite arrays (and their coordinate sidecars), artifacts
// receives everything the orchestrator produces itself.
type MinioStore struct {
	client    *minio.Client
	scenes    string
	artifacts string
}

func NewMinioStore(endpoint, accessKey, secretKey string, useSSL bool, scenesBucket, artifactsBucket string) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	for _, bucket := range []string{scenesBucket, artifactsBucket} {
		exists, err := client.BucketExists(ctx, bucket)
		if err != nil {
			return nil, err
		}
		if !exists {
			if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
				return nil, err
			}
		}
	}

	return &MinioStore{client: client, scenes: scenesBucket, artifacts: artifactsBucket}, nil
}

func (m *MinioStore) GetScene(ctx context.Context, objectKey string) ([]byte, error) {
	return m.get(ctx, m.scenes, objectKey)
}

// GetSceneSidecar fetches the coordinate file exported next to a scene.
// The exporter writes it under the same key with a .json extension.
func (m *MinioStore) GetSceneSidecar(ctx context.Context, sceneKey string) ([]byte, error) {
	return m.get(ctx, m.scenes, SidecarKey(sceneKey))
}

func SidecarKey(sceneKey string) string {
	return strings.TrimSuffix(sceneKey, ".npy") + ".json"
}

func (m *MinioStore) PutStepLog(ctx context.Context, runID, jobID string, stepIndex int, stepName string, output []byte) (string, error) {
	objectKey := fmt.Sprintf("runs/%s/steps/%s-%d-%s.log", runID, jobID, stepIndex, stepName)
	_, err := m.client.PutObject(ctx, m.artifacts, objectKey, bytes.NewReader(output), int64(len(output)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	if err != nil {
		return "", err
	}
	return objectKey, nil
}

func (m *MinioStore) GetStepLog(ctx context.Context, objectKey string) ([]byte, error) {
	return m.get(ctx, m.artifacts, objectKey)
}

func InstanceKey(dataset string, index int) string {
	return fmt.Sprintf("instances/%s/%d.json", dataset, index)
}

func (m *MinioStore) PutInstancePayload(ctx context.Context, dataset string, index int, payload []byte) (string, error) {
	objectKey := InstanceKey(dataset, index)
	_, err := m.client.PutObject(ctx, m.artifacts, objectKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return objectKey, nil
}

func (m *MinioStore) GetInstancePayload(ctx context.Context, objectKey string) ([]byte, error) {
	return m.get(ctx, m.artifacts, objectKey)
}

// ListDatasetInstances returns the object keys of every engineered
// instance payload stored for a dataset.
func (m *MinioStore) ListDatasetInstances(ctx context.Context, dataset string) ([]string, error) {
	prefix := fmt.Sprintf("instances/%s/", dataset)
	keys := make([]string, 0)
	for info := range m.client.ListObjects(ctx, m.artifacts, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, info.Err
		}
		keys = append(keys, info.Key)
	}
	return keys, nil
}

func (m *MinioStore) PutBenchmarkReport(ctx context.Context, dataset, model string, sampleSize int, seed int64, report []byte) (string, error) {
	objectKey := fmt.Sprintf("benchmarks/%s/%s/%d_%d.json", dataset, model, sampleSize, seed)
	_, err := m.client.PutObject(ctx, m.artifacts, objectKey, bytes.NewReader(report), int64(len(report)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return "", err
	}
	return objectKey, nil
}

const labelsObjectKey = "labels/labels.geojson"

func (m *MinioStore) PutLabels(ctx context.Context, payload []byte) (string, error) {
	_, err := m.client.PutObject(ctx, m.artifacts, labelsObjectKey, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/geo+json",
	})
	if err != nil {
		return "", err
	}
	return labelsObjectKey, nil
}

func (m *MinioStore) GetLabels(ctx context.Context) ([]byte, error) {
	return m.get(ctx, m.artifacts, labelsObjectKey)
}

func (m *MinioStore) get(ctx context.Context, bucket, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data := new(bytes.Buffer)
	if _, err := data.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read object %s: %w", objectKey, err)
	}
	return data.Bytes(), nil
}
