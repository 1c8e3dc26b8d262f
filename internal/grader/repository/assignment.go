package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"querylab/internal/common/cache"
	"querylab/internal/common/db"
	"querylab/internal/grader/model"
)

const (
	defaultAssignmentTTL      = 10 * time.Minute
	defaultAssignmentEmptyTTL = time.Minute
	assignmentKeyPrefix       = "assignment:grading:"
)

// ErrAssignmentNotFound is returned when no assignment has the requested id.
var ErrAssignmentNotFound = errors.New("assignment not found")

// AssignmentRepository loads grading policy and artifacts, read-through cached.
type AssignmentRepository struct {
	db       db.Querier
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewAssignmentRepository creates the repository; cacheClient may be nil.
func NewAssignmentRepository(database db.Querier, cacheClient cache.Cache, ttl, emptyTTL time.Duration) *AssignmentRepository {
	if ttl <= 0 {
		ttl = defaultAssignmentTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultAssignmentEmptyTTL
	}
	return &AssignmentRepository{db: database, cache: cacheClient, ttl: ttl, emptyTTL: emptyTTL}
}

// Get returns the assignment or ErrAssignmentNotFound.
func (r *AssignmentRepository) Get(ctx context.Context, assignmentID int64) (*model.Assignment, error) {
	if r.cache == nil {
		return r.getFromDB(ctx, assignmentID)
	}
	a, err := cache.GetWithCached[*model.Assignment](
		ctx,
		r.cache,
		assignmentKey(assignmentID),
		r.ttl,
		r.emptyTTL,
		func(a *model.Assignment) bool { return a == nil },
		marshalAssignment,
		unmarshalAssignment,
		func(ctx context.Context) (*model.Assignment, error) {
			a, err := r.getFromDB(ctx, assignmentID)
			if errors.Is(err, ErrAssignmentNotFound) {
				return nil, nil
			}
			return a, err
		},
	)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, ErrAssignmentNotFound
	}
	return a, nil
}

func (r *AssignmentRepository) getFromDB(ctx context.Context, assignmentID int64) (*model.Assignment, error) {
	var (
		a      model.Assignment
		schema sql.NullString
	)
	row := r.db.QueryRow(ctx, `SELECT id, title, schema_json FROM assignments WHERE id = $1`, assignmentID)
	if err := row.Scan(&a.ID, &a.Title, &schema); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrAssignmentNotFound
		}
		return nil, err
	}
	a.RequiredMethod = requiredMethod(schema.String)

	rows, err := r.db.Query(ctx, `
		SELECT test_id, test_description, expected_result
		FROM assignment_tests
		WHERE assignment_id = $1
		ORDER BY test_id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	a.Artifacts = make([]model.Artifact, 0)
	for rows.Next() {
		var (
			art      model.Artifact
			expected []byte
		)
		if err := rows.Scan(&art.ID, &art.Description, &expected); err != nil {
			return nil, err
		}
		art.Expected = append(json.RawMessage(nil), expected...)
		a.Artifacts = append(a.Artifacts, art)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &a, nil
}

// requiredMethod reads {"required_method": "..."} from the assignment
// config, which may itself be stored as a JSON string.
func requiredMethod(schema string) string {
	if strings.TrimSpace(schema) == "" {
		return ""
	}
	var conf any
	if err := json.Unmarshal([]byte(schema), &conf); err != nil {
		return ""
	}
	if text, ok := conf.(string); ok {
		if err := json.Unmarshal([]byte(text), &conf); err != nil {
			return ""
		}
	}
	m, ok := conf.(map[string]any)
	if !ok {
		return ""
	}
	method, _ := m["required_method"].(string)
	return strings.TrimSpace(method)
}

func assignmentKey(assignmentID int64) string {
	return assignmentKeyPrefix + strconv.FormatInt(assignmentID, 10)
}

func marshalAssignment(a *model.Assignment) (string, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func unmarshalAssignment(data string) (*model.Assignment, error) {
	var a model.Assignment
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, err
	}
	return &a, nil
}
