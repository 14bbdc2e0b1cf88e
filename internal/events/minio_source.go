package events

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
)

const objectCreatedEvent = "s3:ObjectCreated:*"

// SceneEvent describes one exported satellite scene landing in the scenes
// bucket. The exporter names objects <index>-<dataset>_<daterange>.npy and
// writes a matching .json coordinate sidecar, which is not an event of its
// own.
type SceneEvent struct {
	Dataset   string
	Index     int
	ObjectKey string
	EventName string
}

type SceneEventSource interface {
	Run(ctx context.Context, handler func(context.Context, SceneEvent) error) error
}

type MinioSceneEventSource struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinioSceneEventSource(client *minio.Client, bucket string, prefix string) *MinioSceneEventSource {
	return &MinioSceneEventSource{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *MinioSceneEventSource) Run(ctx context.Context, handler func(context.Context, SceneEvent) error) error {
	notificationCh := s.client.ListenBucketNotification(ctx, s.bucket, s.prefix, "", []string{objectCreatedEvent})
	for {
		select {
		case <-ctx.Done():
			return nil
		case info, ok := <-notificationCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream closed")
			}
			if info.Err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("minio notification stream error: %w", info.Err)
			}
			for _, record := range info.Records {
				objectKey, err := decodeObjectKey(record.S3.Object.Key)
				if err != nil {
					continue
				}
				if isSidecar(objectKey) {
					continue
				}
				dataset, index, err := parseSceneKey(objectKey)
				if err != nil {
					continue
				}
				event := SceneEvent{
					Dataset:   dataset,
					Index:     index,
					ObjectKey: objectKey,
					EventName: record.EventName,
				}
				if err := handler(ctx, event); err != nil {
					return err
				}
			}
		}
	}
}

func decodeObjectKey(encoded string) (string, error) {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return "", err
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return "", fmt.Errorf("object key is empty")
	}
	return decoded, nil
}

func isSidecar(objectKey string) bool {
	return strings.HasSuffix(objectKey, ".json")
}

// parseSceneKey extracts the instance index and dataset name from an
// exported scene key. The stem before the first underscore reads
// <index>-<dataset>; the dataset itself may contain dashes, so only the
// first dash separates the two.
func parseSceneKey(objectKey string) (string, int, error) {
	cleaned := strings.Trim(strings.ReplaceAll(objectKey, "\\", "/"), "/")
	if idx := strings.LastIndex(cleaned, "/"); idx >= 0 {
		cleaned = cleaned[idx+1:]
	}
	if !strings.HasSuffix(cleaned, ".npy") {
		return "", 0, fmt.Errorf("object key %q is not a scene array", objectKey)
	}

	stem, _, found := strings.Cut(strings.TrimSuffix(cleaned, ".npy"), "_")
	if !found {
		return "", 0, fmt.Errorf("object key %q does not match <index>-<dataset>_<daterange>.npy", objectKey)
	}
	indexPart, dataset, found := strings.Cut(stem, "-")
	if !found || indexPart == "" || dataset == "" {
		return "", 0, fmt.Errorf("object key %q missing index or dataset", objectKey)
	}
	index, err := strconv.Atoi(indexPart)
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("object key %q has invalid index %q", objectKey, indexPart)
	}
	return dataset, index, nil
}
