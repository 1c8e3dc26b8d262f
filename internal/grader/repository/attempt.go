package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"querylab/internal/common/db"
	"querylab/internal/grader/model"
)

// ErrAttemptNotFound is returned when an update or lookup matches no row.
var ErrAttemptNotFound = model.ErrAttemptNotFound

// AttemptRepository stores attempt records in PostgreSQL.
type AttemptRepository struct {
	db db.Querier
}

func NewAttemptRepository(database db.Querier) *AttemptRepository {
	return &AttemptRepository{db: database}
}

func (r *AttemptRepository) Insert(ctx context.Context, rec *model.AttemptRecord) error {
	if rec == nil {
		return errors.New("attempt is nil")
	}
	query := `
		INSERT INTO query_attempts
			(submission_id, user_id, assignment_id, query_text, status, exec_ms,
			 result_count, result, error_message, error_json, output_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`

	var id int64
	err := r.db.QueryRow(ctx, query,
		rec.SubmissionID,
		nullInt64(rec.UserID),
		rec.AssignmentID,
		rec.QueryText,
		string(rec.Status),
		nullInt64(rec.ExecMs),
		nullInt(rec.ResultCount),
		nullJSON(rec.Result),
		nullString(rec.ErrorMessage),
		nullJSON(rec.ErrorJSON),
		nullString(rec.OutputKey),
		rec.CreatedAt,
	).Scan(&id)
	if err != nil {
		return mapWriteError(err)
	}
	rec.ID = id
	return nil
}

func (r *AttemptRepository) Update(ctx context.Context, rec *model.AttemptRecord) error {
	if rec == nil || rec.ID == 0 {
		return errors.New("attempt id is required")
	}
	query := `
		UPDATE query_attempts
		SET user_id = $2, status = $3, exec_ms = $4, result_count = $5, result = $6,
		    error_message = $7, error_json = $8, output_key = $9
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		rec.ID,
		nullInt64(rec.UserID),
		string(rec.Status),
		nullInt64(rec.ExecMs),
		nullInt(rec.ResultCount),
		nullJSON(rec.Result),
		nullString(rec.ErrorMessage),
		nullJSON(rec.ErrorJSON),
		nullString(rec.OutputKey),
	)
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

// List returns the attempts of userID plus those saved without a submitter.
func (r *AttemptRepository) List(ctx context.Context, userID, assignmentID int64, limit, offset int) ([]model.AttemptSummary, error) {
	query := `
		SELECT id, submission_id, created_at, status, exec_ms, result_count, error_message, query_text
		FROM query_attempts
		WHERE (user_id = $1 OR user_id IS NULL) AND assignment_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, userID, assignmentID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.AttemptSummary, 0, limit)
	for rows.Next() {
		item, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// OutputKey returns the archive key of one attempt visible to userID, or ""
// when its output was not archived.
func (r *AttemptRepository) OutputKey(ctx context.Context, userID, assignmentID, attemptID int64) (string, error) {
	query := `
		SELECT output_key
		FROM query_attempts
		WHERE id = $1 AND assignment_id = $2 AND (user_id = $3 OR user_id IS NULL)`

	var key sql.NullString
	if err := r.db.QueryRow(ctx, query, attemptID, assignmentID, userID).Scan(&key); err != nil {
		if db.IsNoRows(err) {
			return "", ErrAttemptNotFound
		}
		return "", err
	}
	return key.String, nil
}

func scanSummary(row db.Row) (model.AttemptSummary, error) {
	var (
		item        model.AttemptSummary
		status      string
		execMs      sql.NullInt64
		resultCount sql.NullInt64
		errMsg      sql.NullString
	)
	if err := row.Scan(&item.ID, &item.SubmissionID, &item.CreatedAt, &status, &execMs, &resultCount, &errMsg, &item.Code); err != nil {
		return model.AttemptSummary{}, err
	}
	item.Status = model.AttemptStatus(status)
	if execMs.Valid {
		v := execMs.Int64
		item.ExecMs = &v
	}
	if resultCount.Valid {
		v := int(resultCount.Int64)
		item.ResultCount = &v
	}
	if errMsg.Valid {
		v := errMsg.String
		item.ErrorMessage = &v
	}
	return item, nil
}

// attemptAssignmentFK is the only foreign key on query_attempts created by
// InitSchema; any other one references the submitter.
const attemptAssignmentFK = "query_attempts_assignment_id_fkey"

// mapWriteError turns a submitter foreign key violation into
// model.ErrMissingReference so the ledger can degrade the record. A missing
// assignment is not retried.
func mapWriteError(err error) error {
	constraint, ok := db.ForeignKeyViolation(err)
	if !ok {
		return err
	}
	if constraint == attemptAssignmentFK {
		return fmt.Errorf("%w: %s", ErrAssignmentNotFound, constraint)
	}
	return fmt.Errorf("%w: %s", model.ErrMissingReference, constraint)
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
