package cache

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store keeps dependency cache entries as immutable tar.gz objects in one
// bucket. Lookups prefer an exact key, then walk restore keys as prefixes,
// newest entry first.
type Store struct {
	client *minio.Client
	bucket string
}

func NewStore(endpoint, accessKey, secretKey string, useSSL bool, bucket string) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, err
		}
	}

	return &Store{client: client, bucket: bucket}, nil
}

type RestoreResult struct {
	Hit   bool   `json:"hit"`
	Key   string `json:"key,omitempty"`
	Exact bool   `json:"exact"`
}

type SaveResult struct {
	Saved  bool   `json:"saved"`
	Key    string `json:"key,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type objectStat struct {
	Key          string
	LastModified time.Time
}

// Restore looks up key, then each restore key as a prefix, and unpacks the
// first hit into dest. A total miss is not an error; the caller records the
// outcome and proceeds with a cold cache.
func (s *Store) Restore(ctx context.Context, key string, restoreKeys []string, dest string) (RestoreResult, error) {
	exact, err := s.statObject(ctx, key)
	if err != nil {
		return RestoreResult{}, err
	}

	byPrefix := make([][]objectStat, 0, len(restoreKeys))
	if exact == nil {
		for _, prefix := range restoreKeys {
			objects, err := s.listByPrefix(ctx, prefix)
			if err != nil {
				return RestoreResult{}, err
			}
			byPrefix = append(byPrefix, objects)
		}
	}

	hitKey, exactHit, ok := chooseRestoreKey(exact, byPrefix)
	if !ok {
		return RestoreResult{}, nil
	}

	obj, err := s.client.GetObject(ctx, s.bucket, hitKey, minio.GetObjectOptions{})
	if err != nil {
		return RestoreResult{}, fmt.Errorf("get cache entry %s: %w", hitKey, err)
	}
	defer obj.Close()

	if err := unpackArchive(obj, dest); err != nil {
		return RestoreResult{}, fmt.Errorf("unpack cache entry %s: %w", hitKey, err)
	}
	return RestoreResult{Hit: true, Key: hitKey, Exact: exactHit}, nil
}

// Save packs paths (relative to base) into a tar.gz entry at key. Entries
// are immutable: saving a key that already exists is skipped, not an error.
// Paths that do not exist are ignored; if nothing remains there is nothing
// to save.
func (s *Store) Save(ctx context.Context, key string, paths []string, base string) (SaveResult, error) {
	existing, err := s.statObject(ctx, key)
	if err != nil {
		return SaveResult{}, err
	}
	if existing != nil {
		return SaveResult{Saved: false, Key: key, Reason: "entry exists"}, nil
	}

	var buf bytes.Buffer
	packed, err := packArchive(&buf, base, paths)
	if err != nil {
		return SaveResult{}, fmt.Errorf("pack cache entry %s: %w", key, err)
	}
	if packed == 0 {
		return SaveResult{Saved: false, Key: key, Reason: "no cache paths present"}, nil
	}

	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return SaveResult{}, fmt.Errorf("put cache entry %s: %w", key, err)
	}
	return SaveResult{Saved: true, Key: key}, nil
}

func (s *Store) statObject(ctx context.Context, key string) (*objectStat, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("stat cache entry %s: %w", key, err)
	}
	return &objectStat{Key: info.Key, LastModified: info.LastModified}, nil
}

func (s *Store) listByPrefix(ctx context.Context, prefix string) ([]objectStat, error) {
	var objects []objectStat
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return nil, fmt.Errorf("list cache prefix %s: %w", prefix, info.Err)
		}
		objects = append(objects, objectStat{Key: info.Key, LastModified: info.LastModified})
	}
	return objects, nil
}

// chooseRestoreKey implements the restore preference: exact match first,
// then the first restore key with any candidates; within one prefix the
// most recently modified entry wins.
func chooseRestoreKey(exact *objectStat, byPrefix [][]objectStat) (key string, exactHit bool, ok bool) {
	if exact != nil {
		return exact.Key, true, true
	}
	for _, objects := range byPrefix {
		if newest, found := pickNewest(objects); found {
			return newest, false, true
		}
	}
	return "", false, false
}

func pickNewest(objects []objectStat) (string, bool) {
	if len(objects) == 0 {
		return "", false
	}
	best := objects[0]
	for _, obj := range objects[1:] {
		if obj.LastModified.After(best.LastModified) {
			best = obj
		}
	}
	return best.Key, true
}
