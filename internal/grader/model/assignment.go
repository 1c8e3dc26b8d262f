package model

import "encoding/json"

// Assignment carries the grading policy of one exercise.
type Assignment struct {
	ID             int64      `json:"id"`
	Title          string     `json:"title"`
	RequiredMethod string     `json:"required_method,omitempty"`
	Artifacts      []Artifact `json:"artifacts"`
}

// Artifact is one expected output attached to an assignment.
// Expected holds raw JSON; a JSON string is itself parsed as JSON when graded.
type Artifact struct {
	ID          int64           `json:"id"`
	Description string          `json:"description,omitempty"`
	Expected    json.RawMessage `json:"expected"`
}
