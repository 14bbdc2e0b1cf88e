package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"cropharvest-orchestrator/internal/domain"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateRun(ctx context.Context, rec domain.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_runs (id, pipeline, definition_hash, repo, branch, commit_sha, event_kind, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.Pipeline, rec.DefinitionHash, rec.Repo, rec.Branch, rec.CommitSHA, rec.EventKind, rec.Status)
	return err
}

func (s *PostgresStore) SetRunStatus(ctx context.Context, runID string, status domain.RunStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2
		WHERE id = $1
	`, runID, status)
	return err
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status domain.RunStatus, failureReason *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2, failure_reason = $3, finished_at = NOW()
		WHERE id = $1
	`, runID, status, failureReason)
	return err
}

func (s *PostgresStore) SetRunCache(ctx context.Context, runID, cacheKey string, cacheHit bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET cache_key = $2, cache_hit = $3
		WHERE id = $1
	`, runID, cacheKey, cacheHit)
	return err
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var failureReason sql.NullString
	var finishedAt sql.NullTime
	row := s.db.QueryRowContext(ctx, `
		SELECT id, pipeline, definition_hash, repo, branch, commit_sha, event_kind, status,
		       failure_reason, COALESCE(cache_key, ''), cache_hit, started_at, finished_at
		FROM pipeline_runs
		WHERE id = $1
	`, runID)
	if err := row.Scan(
		&rec.ID,
		&rec.Pipeline,
		&rec.DefinitionHash,
		&rec.Repo,
		&rec.Branch,
		&rec.CommitSHA,
		&rec.EventKind,
		&rec.Status,
		&failureReason,
		&rec.CacheKey,
		&rec.CacheHit,
		&rec.StartedAt,
		&finishedAt,
	); err != nil {
		return domain.RunRecord{}, err
	}
	if failureReason.Valid {
		rec.FailureReason = &failureReason.String
	}
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	return rec, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit, offset int) ([]domain.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, definition_hash, repo, branch, commit_sha, event_kind, status,
		       failure_reason, COALESCE(cache_key, ''), cache_hit, started_at, finished_at
		FROM pipeline_runs
		ORDER BY started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.RunRecord, 0)
	for rows.Next() {
		var rec domain.RunRecord
		var failureReason sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(
			&rec.ID,
			&rec.Pipeline,
			&rec.DefinitionHash,
			&rec.Repo,
			&rec.Branch,
			&rec.CommitSHA,
			&rec.EventKind,
			&rec.Status,
			&failureReason,
			&rec.CacheKey,
			&rec.CacheHit,
			&rec.StartedAt,
			&finishedAt,
		); err != nil {
			return nil, err
		}
		if failureReason.Valid {
			rec.FailureReason = &failureReason.String
		}
		if finishedAt.Valid {
			rec.FinishedAt = &finishedAt.Time
		}
		runs = append(runs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *PostgresStore) UpsertStep(ctx context.Context, rec domain.StepRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_steps (run_id, job_id, step_index, name, command, status, exit_code, log_object_key, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, job_id, step_index) DO UPDATE SET
			name = EXCLUDED.name,
			command = EXCLUDED.command,
			status = EXCLUDED.status,
			exit_code = EXCLUDED.exit_code,
			log_object_key = CASE WHEN EXCLUDED.log_object_key = '' THEN run_steps.log_object_key ELSE EXCLUDED.log_object_key END,
			duration_ms = EXCLUDED.duration_ms
	`, rec.RunID, rec.JobID, rec.Index, rec.Name, rec.Command, rec.Status, rec.ExitCode, rec.LogObjectKey, rec.DurationMS)
	return err
}

func (s *PostgresStore) ListSteps(ctx context.Context, runID string) ([]domain.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, job_id, step_index, name, command, status, exit_code, COALESCE(log_object_key, ''), duration_ms
		FROM run_steps
		WHERE run_id = $1
		ORDER BY job_id ASC, step_index ASC
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := make([]domain.StepRecord, 0)
	for rows.Next() {
		var rec domain.StepRecord
		if err := rows.Scan(
			&rec.RunID,
			&rec.JobID,
			&rec.Index,
			&rec.Name,
			&rec.Command,
			&rec.Status,
			&rec.ExitCode,
			&rec.LogObjectKey,
			&rec.DurationMS,
		); err != nil {
			return nil, err
		}
		steps = append(steps, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (s *PostgresStore) InsertRunAudit(ctx context.Context, runID string, state domain.AuditState, detail any) error {
	var payload []byte
	switch v := detail.(type) {
	case nil:
		payload = []byte("{}")
	case []byte:
		payload = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		payload = b
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_audits (run_id, state, detail)
		VALUES ($1, $2, $3::jsonb)
	`, runID, state, string(payload))
	return err
}

func (s *PostgresStore) QueueApproval(ctx context.Context, item domain.ApprovalItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO approvals (run_id, pipeline, repo, branch, commit_sha, status)
		VALUES ($1, $2, $3, $4, $5, 'PENDING')
		ON CONFLICT (run_id) DO UPDATE SET
			status = 'PENDING',
			updated_at = NOW()
	`, item.RunID, item.Pipeline, item.Repo, item.Branch, item.CommitSHA)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pipeline_runs
		SET status = $2
		WHERE id = $1
	`, item.RunID, domain.RunStatusAwaitingApproval)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresStore) ResolveApproval(ctx context.Context, runID, decision string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, updated_at = NOW()
		WHERE run_id = $1
	`, runID, decision)
	return err
}

func (s *PostgresStore) ListPendingApprovals(ctx context.Context) ([]domain.ApprovalItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pipeline, repo, branch, commit_sha, status, requested_at
		FROM approvals
		WHERE status = 'PENDING'
		ORDER BY requested_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.ApprovalItem, 0)
	for rows.Next() {
		var item domain.ApprovalItem
		if err := rows.Scan(
			&item.RunID,
			&item.Pipeline,
			&item.Repo,
			&item.Branch,
			&item.CommitSHA,
			&item.Status,
			&item.RequestedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *PostgresStore) UpsertDataset(ctx context.Context, name string, status domain.DatasetStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (name, status)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()
	`, name, status)
	return err
}

func (s *PostgresStore) GetDataset(ctx context.Context, name string) (domain.DatasetRecord, error) {
	var rec domain.DatasetRecord
	row := s.db.QueryRowContext(ctx, `
		SELECT d.name, d.status, d.updated_at,
		       (SELECT COUNT(*) FROM feature_instances f WHERE f.dataset = d.name)
		FROM datasets d
		WHERE d.name = $1
	`, name)
	if err := row.Scan(&rec.Name, &rec.Status, &rec.UpdatedAt, &rec.InstanceCount); err != nil {
		return domain.DatasetRecord{}, err
	}
	return rec, nil
}

func (s *PostgresStore) GetInstance(ctx context.Context, dataset string, index int) (domain.InstanceRecord, error) {
	var rec domain.InstanceRecord
	var label sql.NullString
	row := s.db.QueryRowContext(ctx, `
		SELECT dataset, instance_index, object_key, is_crop, label,
		       label_lat, label_lon, instance_lat, instance_lon
		FROM feature_instances
		WHERE dataset = $1 AND instance_index = $2
	`, dataset, index)
	if err := row.Scan(
		&rec.Dataset,
		&rec.Index,
		&rec.ObjectKey,
		&rec.IsCrop,
		&label,
		&rec.LabelLat,
		&rec.LabelLon,
		&rec.InstanceLat,
		&rec.InstanceLon,
	); err != nil {
		return domain.InstanceRecord{}, err
	}
	if label.Valid {
		rec.Label = &label.String
	}
	return rec, nil
}

func (s *PostgresStore) UpsertInstance(ctx context.Context, rec domain.InstanceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_instances (dataset, instance_index, object_key, is_crop, label,
		                               label_lat, label_lon, instance_lat, instance_lon)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dataset, instance_index) DO UPDATE SET
			object_key = EXCLUDED.object_key,
			is_crop = EXCLUDED.is_crop,
			label = EXCLUDED.label,
			label_lat = EXCLUDED.label_lat,
			label_lon = EXCLUDED.label_lon,
			instance_lat = EXCLUDED.instance_lat,
			instance_lon = EXCLUDED.instance_lon
	`, rec.Dataset, rec.Index, rec.ObjectKey, rec.IsCrop, rec.Label,
		rec.LabelLat, rec.LabelLon, rec.InstanceLat, rec.InstanceLon)
	return err
}

func (s *PostgresStore) UpsertNormalizationPartial(ctx context.Context, p domain.NormalizationPartial) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO normalization_partials (dataset, scene_index, n, mean, m2)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset, scene_index) DO UPDATE SET
			n = EXCLUDED.n,
			mean = EXCLUDED.mean,
			m2 = EXCLUDED.m2,
			updated_at = NOW()
	`, p.Dataset, p.SceneIndex, p.N, pq.Array(p.Mean), pq.Array(p.M2))
	return err
}

func (s *PostgresStore) ListNormalizationPartials(ctx context.Context, dataset string) ([]domain.NormalizationPartial, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset, scene_index, n, mean, m2
		FROM normalization_partials
		WHERE dataset = $1
		ORDER BY scene_index ASC
	`, dataset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	partials := make([]domain.NormalizationPartial, 0)
	for rows.Next() {
		var p domain.NormalizationPartial
		if err := rows.Scan(&p.Dataset, &p.SceneIndex, &p.N, pq.Array(&p.Mean), pq.Array(&p.M2)); err != nil {
			return nil, err
		}
		partials = append(partials, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return partials, nil
}

func (s *PostgresStore) UpsertNormalization(ctx context.Context, stats domain.NormalizationStats) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_normalizations (dataset, n, mean, std)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (dataset) DO UPDATE SET
			n = EXCLUDED.n,
			mean = EXCLUDED.mean,
			std = EXCLUDED.std,
			updated_at = NOW()
	`, stats.Dataset, stats.N, pq.Array(stats.Mean), pq.Array(stats.Std))
	return err
}

func (s *PostgresStore) GetNormalization(ctx context.Context, dataset string) (domain.NormalizationStats, error) {
	var stats domain.NormalizationStats
	row := s.db.QueryRowContext(ctx, `
		SELECT dataset, n, mean, std
		FROM dataset_normalizations
		WHERE dataset = $1
	`, dataset)
	if err := row.Scan(&stats.Dataset, &stats.N, pq.Array(&stats.Mean), pq.Array(&stats.Std)); err != nil {
		return domain.NormalizationStats{}, err
	}
	return stats, nil
}

func (s *PostgresStore) GetBenchmarkResult(ctx context.Context, dataset, model string, seed int64, sampleSize int) (domain.BenchmarkResultRecord, error) {
	var rec domain.BenchmarkResultRecord
	var metrics []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT dataset, model, seed, sample_size, metrics, object_key, created_at
		FROM benchmark_results
		WHERE dataset = $1 AND model = $2 AND seed = $3 AND sample_size = $4
	`, dataset, model, seed, sampleSize)
	if err := row.Scan(&rec.Dataset, &rec.Model, &rec.Seed, &rec.SampleSize, &metrics, &rec.ObjectKey, &rec.CreatedAt); err != nil {
		return domain.BenchmarkResultRecord{}, err
	}
	rec.Metrics = metrics
	return rec, nil
}

func (s *PostgresStore) UpsertBenchmarkResult(ctx context.Context, rec domain.BenchmarkResultRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO benchmark_results (dataset, model, seed, sample_size, metrics, object_key)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
		ON CONFLICT (dataset, model, seed, sample_size) DO UPDATE SET
			metrics = EXCLUDED.metrics,
			object_key = EXCLUDED.object_key
	`, rec.Dataset, rec.Model, rec.Seed, rec.SampleSize, string(rec.Metrics), rec.ObjectKey)
	return err
}

func (s *PostgresStore) ListBenchmarkResults(ctx context.Context, dataset string) ([]domain.BenchmarkResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT dataset, model, seed, sample_size, metrics, object_key, created_at
		FROM benchmark_results
		WHERE ($1 = '' OR dataset = $1)
		ORDER BY dataset ASC, model ASC, sample_size ASC, seed ASC
	`, dataset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.BenchmarkResultRecord, 0)
	for rows.Next() {
		var rec domain.BenchmarkResultRecord
		var metrics []byte
		if err := rows.Scan(&rec.Dataset, &rec.Model, &rec.Seed, &rec.SampleSize, &metrics, &rec.ObjectKey, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Metrics = metrics
		results = append(results, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (s *PostgresStore) CountRuns(ctx context.Context) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pipeline_runs`)
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return count, nil
}
