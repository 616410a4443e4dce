package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/floqueue/floq"
	"github.com/floqueue/floq/id"
	"github.com/floqueue/floq/job"
)

// InsertJob persists a new job, rejecting duplicate IDs.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	_, err := s.col().InsertOne(ctx, toJobModel(j))
	if err != nil {
		if mongod.IsDuplicateKeyError(err) {
			return floq.ErrJobExists
		}
		return fmt.Errorf("floq/mongo: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var m jobModel
	err := s.col().FindOne(ctx, bson.M{"_id": jobID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, floq.ErrJobNotFound
		}
		return nil, fmt.Errorf("floq/mongo: get job: %w", err)
	}
	return fromJobModel(&m)
}

// ClaimJob atomically transitions the job to running via FindOneAndUpdate
// so concurrent claimers cannot both match. The pipeline update lets
// started_at stay at its first-claim value across retries.
func (s *Store) ClaimJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	t := now()
	filter := bson.M{
		"_id":   jobID.String(),
		"state": bson.M{"$in": []string{string(job.StatePending), string(job.StateRetrying)}},
	}
	update := mongod.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "state", Value: string(job.StateRunning)},
			{Key: "worker_id", Value: workerID.String()},
			{Key: "attempt_count", Value: bson.D{{Key: "$add", Value: bson.A{"$attempt_count", 1}}}},
			{Key: "started_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$started_at", t}}}},
			{Key: "heartbeat_at", Value: t},
			{Key: "updated_at", Value: t},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m jobModel
	err := s.col().FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, s.conflictOrMissing(ctx, jobID)
		}
		return nil, fmt.Errorf("floq/mongo: claim job: %w", err)
	}
	return fromJobModel(&m)
}

// CompleteJob transitions running to succeeded for the owning worker.
func (s *Store) CompleteJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, result []byte) error {
	t := now()
	return s.ownedUpdate(ctx, jobID, workerID, bson.M{"$set": bson.M{
		"state":       string(job.StateSucceeded),
		"result":      result,
		"finished_at": t,
		"updated_at":  t,
	}}, "complete job")
}

// FailJob transitions running to failed for the owning worker.
func (s *Store) FailJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, f *job.Failure) error {
	t := now()
	return s.ownedUpdate(ctx, jobID, workerID, bson.M{"$set": bson.M{
		"state": string(job.StateFailed),
		"failure": &failureModel{
			Kind:    string(f.Kind),
			Message: f.Message,
			Attempt: f.Attempt,
		},
		"last_error":  f.Message,
		"finished_at": t,
		"updated_at":  t,
	}}, "fail job")
}

// RetryJob transitions running to retrying for the owning worker, clearing
// ownership and scheduling the next attempt.
func (s *Store) RetryJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, lastErr string, nextRunAt time.Time) error {
	return s.ownedUpdate(ctx, jobID, workerID, bson.M{
		"$set": bson.M{
			"state":      string(job.StateRetrying),
			"last_error": lastErr,
			"run_at":     nextRunAt.UTC(),
			"updated_at": now(),
		},
		"$unset": bson.M{
			"worker_id":    "",
			"heartbeat_at": "",
		},
	}, "retry job")
}

// HeartbeatJob refreshes the heartbeat for a still-owned running job.
func (s *Store) HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error {
	t := now()
	return s.ownedUpdate(ctx, jobID, workerID, bson.M{"$set": bson.M{
		"heartbeat_at": t,
		"updated_at":   t,
	}}, "heartbeat job")
}

// RequestCancel sets the polled cancellation flag without changing state.
func (s *Store) RequestCancel(ctx context.Context, jobID id.JobID) error {
	res, err := s.col().UpdateOne(ctx,
		bson.M{"_id": jobID.String()},
		bson.M{"$set": bson.M{
			"cancel_requested": true,
			"updated_at":       now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("floq/mongo: request cancel: %w", err)
	}
	if res.MatchedCount == 0 {
		return floq.ErrJobNotFound
	}
	return nil
}

// StaleRunningJobs returns running jobs whose heartbeat is older than olderThan.
func (s *Store) StaleRunningJobs(ctx context.Context, olderThan time.Duration) ([]*job.Job, error) {
	cutoff := now().Add(-olderThan)
	filter := bson.M{
		"state":        string(job.StateRunning),
		"heartbeat_at": bson.M{"$ne": nil, "$lt": cutoff},
	}

	cursor, err := s.col().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("floq/mongo: stale running jobs: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeJobs(ctx, cursor)
}

// ReleaseStaleJob transitions a stale running job to retrying or failed.
// The heartbeat cutoff is part of the filter, so a worker that finished in
// the meantime wins and the release reports a conflict.
func (s *Store) ReleaseStaleJob(ctx context.Context, jobID id.JobID, to job.State, cutoff time.Time) error {
	filter := bson.M{
		"_id":          jobID.String(),
		"state":        string(job.StateRunning),
		"heartbeat_at": bson.M{"$ne": nil, "$lt": cutoff.UTC()},
	}

	var update bson.M
	t := now()
	switch to {
	case job.StateRetrying:
		update = bson.M{
			"$set": bson.M{
				"state":      string(job.StateRetrying),
				"last_error": "worker heartbeat expired",
				"updated_at": t,
			},
			"$unset": bson.M{
				"worker_id":    "",
				"heartbeat_at": "",
			},
		}
	case job.StateFailed:
		update = bson.M{"$set": bson.M{
			"state": string(job.StateFailed),
			"failure": &failureModel{
				Kind:    string(job.FailureTimeout),
				Message: "worker heartbeat expired",
			},
			"last_error":  "worker heartbeat expired",
			"finished_at": t,
			"updated_at":  t,
		}}
	default:
		return floq.ErrClaimConflict
	}

	res, err := s.col().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("floq/mongo: release stale job: %w", err)
	}
	if res.MatchedCount == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// PendingJobsBefore returns pending jobs created before cutoff, oldest first.
func (s *Store) PendingJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]*job.Job, error) {
	filter := bson.M{
		"state":      string(job.StatePending),
		"created_at": bson.M{"$lt": cutoff.UTC()},
	}
	fo := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		fo.SetLimit(int64(limit))
	}

	cursor, err := s.col().Find(ctx, filter, fo)
	if err != nil {
		return nil, fmt.Errorf("floq/mongo: pending jobs before: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeJobs(ctx, cursor)
}

// ListJobsByState returns jobs matching the given state, newest first.
func (s *Store) ListJobsByState(ctx context.Context, state job.State, opts job.ListOpts) ([]*job.Job, error) {
	filter := bson.M{"state": string(state)}
	if opts.Kind != "" {
		filter["kind"] = opts.Kind
	}

	cursor, err := s.col().Find(ctx, filter, findOpts(opts, bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("floq/mongo: list jobs by state: %w", err)
	}
	defer cursor.Close(ctx)
	return decodeJobs(ctx, cursor)
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	filter := bson.M{}
	if opts.Kind != "" {
		filter["kind"] = opts.Kind
	}
	if opts.State != "" {
		filter["state"] = string(opts.State)
	}

	n, err := s.col().CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("floq/mongo: count jobs: %w", err)
	}
	return n, nil
}

// ownedUpdate applies an update conditional on the job being running and
// owned by workerID, translating a non-match into the claim errors.
func (s *Store) ownedUpdate(ctx context.Context, jobID id.JobID, workerID id.WorkerID, update bson.M, op string) error {
	filter := bson.M{
		"_id":       jobID.String(),
		"state":     string(job.StateRunning),
		"worker_id": workerID.String(),
	}
	res, err := s.col().UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("floq/mongo: %s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return s.conflictOrMissing(ctx, jobID)
	}
	return nil
}

// conflictOrMissing distinguishes a lost conditional update from a job
// that does not exist at all.
func (s *Store) conflictOrMissing(ctx context.Context, jobID id.JobID) error {
	n, err := s.col().CountDocuments(ctx, bson.M{"_id": jobID.String()})
	if err != nil {
		return fmt.Errorf("floq/mongo: lookup job %s: %w", jobID, err)
	}
	if n == 0 {
		return floq.ErrJobNotFound
	}
	return floq.ErrClaimConflict
}

func decodeJobs(ctx context.Context, cursor *mongod.Cursor) ([]*job.Job, error) {
	var models []jobModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("floq/mongo: decode jobs: %w", err)
	}
	jobs := make([]*job.Job, 0, len(models))
	for i := range models {
		j, err := fromJobModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}
