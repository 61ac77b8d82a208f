package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/void0-space/newton-backend-sub000/internal/domain"
	"github.com/void0-space/newton-backend-sub000/internal/outbound"
)

func (s *Store) Insert(ctx context.Context, job domain.DeliveryJob) error {
	result, err := marshalResult(job.Result)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, queryInsertJob,
		job.ID,
		job.TenantID,
		job.SessionID,
		job.Recipient,
		jsonValue(job.Payload),
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		string(job.State),
		job.LastError,
		result,
		job.NextRunAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	return err
}

// Claim marks the highest-priority due job active. Concurrent workers on
// other replicas skip rows another transaction already holds.
func (s *Store) Claim(ctx context.Context, now time.Time) (domain.DeliveryJob, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryClaimJob, now))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryJob{}, false, nil
	}
	if err != nil {
		return domain.DeliveryJob{}, false, err
	}
	return job, true, nil
}

// Complete marks a job completed.
// Returns outbound.ErrStatusTransitionDenied if the job is already terminal.
func (s *Store) Complete(ctx context.Context, id uuid.UUID, attempts int, res domain.SendResult, now time.Time) error {
	encoded, err := json.Marshal(res)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, queryCompleteJob, id, attempts, encoded, now)
	if err != nil {
		return err
	}
	return s.checkJobTransition(ctx, id, result)
}

// Retry requeues a job for a later attempt.
// Returns outbound.ErrStatusTransitionDenied if the job is already terminal.
func (s *Store) Retry(ctx context.Context, id uuid.UUID, attempts int, lastErr string, nextRunAt, now time.Time) error {
	result, err := s.db.ExecContext(ctx, queryRetryJob, id, attempts, lastErr, nextRunAt, now)
	if err != nil {
		return err
	}
	return s.checkJobTransition(ctx, id, result)
}

// DeadLetter marks the job dead and records the dead letter in one transaction.
func (s *Store) DeadLetter(ctx context.Context, dl domain.DeadLetter) error {
	snapshot, err := json.Marshal(dl.Job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, queryMarkJobDead, dl.Job.ID, dl.Job.Attempts, dl.Error, dl.FailedAt)
	if err != nil {
		return err
	}
	if err := s.checkJobTransition(ctx, dl.Job.ID, result); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, queryInsertDeadLetter,
		dl.ID,
		dl.Job.ID,
		snapshot,
		dl.Error,
		dl.Stack,
		dl.FailedAt,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) Get(ctx context.Context, id uuid.UUID) (domain.DeliveryJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryGetJob, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryJob{}, outbound.ErrNotFound
	}
	return job, err
}

func (s *Store) Stats(ctx context.Context) (outbound.Stats, error) {
	var st outbound.Stats
	err := s.db.QueryRowContext(ctx, queryJobStats).Scan(&st.Queued, &st.Active, &st.Dead)
	return st, err
}

// ListDeadLetters returns the most recent dead letters first.
func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeadLetters, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeadLetter
	for rows.Next() {
		var dl domain.DeadLetter
		var snapshot []byte

		err := rows.Scan(
			&dl.ID,
			&snapshot,
			&dl.Error,
			&dl.Stack,
			&dl.FailedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(snapshot, &dl.Job); err != nil {
			return nil, err
		}
		result = append(result, dl)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// RequeueDeadLetter removes a dead letter and puts its job back in the queue
// with a fresh attempt budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, id uuid.UUID, now time.Time) (domain.DeliveryJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.DeliveryJob{}, err
	}
	defer tx.Rollback()

	var jobID uuid.UUID
	err = tx.QueryRowContext(ctx, queryDeleteDeadLetter, id).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryJob{}, outbound.ErrNotFound
	}
	if err != nil {
		return domain.DeliveryJob{}, err
	}

	job, err := scanJob(tx.QueryRowContext(ctx, queryRequeueJob, jobID, now))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryJob{}, outbound.ErrNotFound
	}
	if err != nil {
		return domain.DeliveryJob{}, err
	}

	if err := tx.Commit(); err != nil {
		return domain.DeliveryJob{}, err
	}
	return job, nil
}

// RequeueStale returns active jobs last touched before olderThan to the queue.
// Those are jobs whose worker died mid-attempt.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx, queryRequeueStaleJobs, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// checkJobTransition distinguishes a missing job from a terminal one when a
// guarded update matched no rows.
func (s *Store) checkJobTransition(ctx context.Context, id uuid.UUID, result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var state string
	err = s.db.QueryRowContext(ctx, queryGetJobState, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return outbound.ErrNotFound
	}
	if err != nil {
		return err
	}
	return outbound.ErrStatusTransitionDenied
}

func scanJob(row scanner) (domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var state string
	var payload, result []byte

	err := row.Scan(
		&job.ID,
		&job.TenantID,
		&job.SessionID,
		&job.Recipient,
		&payload,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&state,
		&job.LastError,
		&result,
		&job.NextRunAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.DeliveryJob{}, err
	}
	job.State = domain.JobState(state)
	job.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		var res domain.SendResult
		if err := json.Unmarshal(result, &res); err != nil {
			return domain.DeliveryJob{}, err
		}
		job.Result = &res
	}
	return job, nil
}

// marshalResult returns an untyped nil for a missing result so the driver writes NULL.
func marshalResult(res *domain.SendResult) (any, error) {
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}
