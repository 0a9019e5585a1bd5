package domain

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JobContext is the mutable accumulator stored alongside a job.
//
// Result holds what the job's own handler produced. Inherited is the merge of
// every dependency's result in declaration order, later dependencies winning
// on key collisions. Dependencies keeps each ancestor result separately so
// fan-in handlers can see all of them.
type JobContext struct {
	Result       map[string]any     `json:"result,omitempty"`
	Inherited    map[string]any     `json:"inherited,omitempty"`
	Dependencies []DependencyResult `json:"dependencies,omitempty"`
}

// DependencyResult is one dependency's result as seen by its dependent.
type DependencyResult struct {
	JobID  uuid.UUID      `json:"job_id"`
	Type   JobType        `json:"type"`
	Result map[string]any `json:"result,omitempty"`
}

// ResultsOfType returns the results of dependencies with type t, in declaration order.
func (c JobContext) ResultsOfType(t JobType) []map[string]any {
	var out []map[string]any
	for _, d := range c.Dependencies {
		if d.Type == t {
			out = append(out, d.Result)
		}
	}
	return out
}

// ToResultMap converts a typed handler result into the map stored under
// context.result.
func ToResultMap(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("result must be a JSON object: %w", err)
	}
	return m, nil
}

// FromResultMap decodes a result map into a typed result struct.
func FromResultMap(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// Input is the view of a job's inputs that handlers read from. Lookups search
// three tiers in order: the job's own data, the job's own context.result, and
// the inherited dependency context (the key itself, then the key nested under
// "data").
type Input struct {
	data    map[string]any
	context JobContext
}

// NewInput builds the lookup view for job using ctx as its resolved context.
func NewInput(job *Job, ctx JobContext) (Input, error) {
	data := map[string]any{}
	if len(job.Data) > 0 {
		if err := json.Unmarshal(job.Data, &data); err != nil {
			return Input{}, fmt.Errorf("%w: %v", ErrInvalidJobData, err)
		}
	}
	return Input{data: data, context: ctx}, nil
}

// Lookup returns the first non-empty value for key across the three tiers.
func (in Input) Lookup(key string) (any, bool) {
	if v, ok := present(in.data, key); ok {
		return v, true
	}
	if v, ok := present(in.context.Result, key); ok {
		return v, true
	}
	if v, ok := present(in.context.Inherited, key); ok {
		return v, true
	}
	if nested, ok := in.context.Inherited["data"].(map[string]any); ok {
		if v, ok := present(nested, key); ok {
			return v, true
		}
	}
	return nil, false
}

// String returns the value for key if it is a string, or "".
func (in Input) String(key string) string {
	v, ok := in.Lookup(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Context returns the resolved context the input was built from.
func (in Input) Context() JobContext {
	return in.context
}

// present treats missing keys, nil values and empty strings as absent so a
// blank field in job data does not shadow an inherited value.
func present(m map[string]any, key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	if s, isString := v.(string); isString && s == "" {
		return nil, false
	}
	return v, true
}
