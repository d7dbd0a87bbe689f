package internal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/acaloiaro/jobq/jobs"
	"github.com/guregu/null"
)

// JobColumns lists the columns of the relational job tables in the order Row.Fields expects them
const JobColumns = "id, queue, payload, status, created, delay, retries, attempts, priority, dependencies, result, error"

// Row is the flat form in which relational backends store a job
//
// Payload and Dependencies are JSON, Created is unix seconds and Delay is whole seconds.
type Row struct {
	ID           string
	Queue        string
	Payload      string
	Status       string
	Created      int64
	Delay        int64
	Retries      int
	Attempts     int
	Priority     int
	Dependencies string
	Result       null.String
	Error        null.String
}

// ToRow flattens j for storage on queue
func ToRow(queue string, j *jobs.Job) (r Row, err error) {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return r, fmt.Errorf("unable to serialize job payload: %w", err)
	}

	dependencies, err := EncodeDependencies(j.Dependencies)
	if err != nil {
		return r, fmt.Errorf("unable to serialize job dependencies: %w", err)
	}

	return Row{
		ID:           j.ID,
		Queue:        queue,
		Payload:      string(payload),
		Status:       string(j.Status),
		Created:      j.CreatedAt.Unix(),
		Delay:        int64(jobs.RoundDelay(j.Delay) / time.Second),
		Retries:      j.Retries,
		Attempts:     j.Attempts,
		Priority:     j.Priority,
		Dependencies: dependencies,
		Result:       j.Result,
		Error:        j.Error,
	}, nil
}

// Fields returns pointers to r's fields in JobColumns order, for scanning
func (r *Row) Fields() []any {
	return []any{
		&r.ID, &r.Queue, &r.Payload, &r.Status, &r.Created, &r.Delay,
		&r.Retries, &r.Attempts, &r.Priority, &r.Dependencies, &r.Result, &r.Error,
	}
}

// Values returns r's fields in JobColumns order, for inserting
func (r Row) Values() []any {
	return []any{
		r.ID, r.Queue, r.Payload, r.Status, r.Created, r.Delay,
		r.Retries, r.Attempts, r.Priority, r.Dependencies, r.Result, r.Error,
	}
}

// Job rebuilds the job stored in r
func (r Row) Job() (j *jobs.Job, err error) {
	j = &jobs.Job{
		ID:        r.ID,
		Status:    jobs.Status(r.Status),
		CreatedAt: time.Unix(r.Created, 0),
		Delay:     time.Duration(r.Delay) * time.Second,
		Retries:   r.Retries,
		Attempts:  r.Attempts,
		Priority:  r.Priority,
		Result:    r.Result,
		Error:     r.Error,
	}

	if err = json.Unmarshal([]byte(r.Payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("unable to deserialize payload of job %s: %w", r.ID, err)
	}

	j.Dependencies, err = DecodeDependencies(r.Dependencies)
	if err != nil {
		return nil, fmt.Errorf("unable to deserialize dependencies of job %s: %w", r.ID, err)
	}

	return j, nil
}

// DecodeDependencies parses a stored dependency list. Empty input is an empty list.
func DecodeDependencies(s string) (deps []string, err error) {
	deps = []string{}
	if s == "" {
		return
	}
	err = json.Unmarshal([]byte(s), &deps)
	if deps == nil {
		deps = []string{}
	}
	return
}

// EncodeDependencies serializes a dependency list for storage
func EncodeDependencies(deps []string) (string, error) {
	if deps == nil {
		deps = []string{}
	}
	b, err := json.Marshal(deps)
	return string(b), err
}
