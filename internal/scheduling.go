package internal

import (
	"sort"
	"time"

	"github.com/acaloiaro/jobq/jobs"
	"github.com/guregu/null"
)

// Before reports whether a is processed before b: higher priority first, then earlier creation, then lower ID
func Before(a, b *jobs.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// SortForProcessing orders js the way Process visits them
func SortForProcessing(js []*jobs.Job) {
	sort.SliceStable(js, func(i, k int) bool { return Before(js[i], js[k]) })
}

// Eligible reports whether a pending job may run at now. statusOf resolves dependency IDs to their status.
func Eligible(j *jobs.Job, now time.Time, statusOf func(id string) (jobs.Status, error)) (ok bool, err error) {
	if j.Status != jobs.StatusPending {
		return false, nil
	}

	if now.Before(j.RunAt()) {
		return false, nil
	}

	for _, dep := range j.Dependencies {
		var status jobs.Status
		status, err = statusOf(dep)
		if err != nil {
			return false, err
		}

		if status != jobs.StatusCompleted {
			return false, nil
		}
	}

	return true, nil
}

// Complete records a successful run on j
func Complete(j *jobs.Job, result null.String) {
	j.Status = jobs.StatusCompleted
	j.Result = result
	j.Error = null.String{}
}

// Fail records a failed run on j and reports whether its retries are exhausted
//
// A job with retries left goes back to pending, delayed by backoff when one is configured.
func Fail(j *jobs.Job, jobErr error, now time.Time, backoff func(attempts int) time.Duration) (dead bool) {
	j.Attempts++
	j.Error = null.StringFrom(jobErr.Error())

	if j.Attempts <= j.Retries {
		j.Status = jobs.StatusPending
		if backoff != nil {
			j.Delay = jobs.RoundDelay(now.Add(backoff(j.Attempts)).Sub(j.CreatedAt))
		}
		return false
	}

	j.Status = jobs.StatusFailed
	return true
}

// Filter returns the jobs in js having one of statuses. No statuses means all jobs.
func Filter(js []*jobs.Job, statuses ...jobs.Status) (out []*jobs.Job) {
	out = []*jobs.Job{}
	for _, j := range js {
		if Matches(j.Status, statuses...) {
			out = append(out, j)
		}
	}
	return
}

// Matches reports whether status is one of statuses, or statuses is empty
func Matches(status jobs.Status, statuses ...jobs.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// CountByStatus builds queue stats from the live jobs and the size of the dead letter queue
func CountByStatus(live []*jobs.Job, dead int) jobs.Stats {
	stats := jobs.Stats{}
	for _, s := range jobs.Statuses {
		stats[s] = 0
	}
	for _, j := range live {
		stats[j.Status]++
	}
	stats[jobs.StatusFailed] += dead
	return stats
}

// NextScheduled returns the pending job in js with the earliest run time, or nil
func NextScheduled(js []*jobs.Job) (next *jobs.Job) {
	for _, j := range js {
		if j.Status != jobs.StatusPending {
			continue
		}

		if next == nil || j.RunAt().Before(next.RunAt()) || (j.RunAt().Equal(next.RunAt()) && Before(j, next)) {
			next = j
		}
	}
	return
}

// CreatesCycle reports whether making jobID depend on dependsOnID would create a dependency cycle
//
// depsOf returns the current dependencies of a job, or nil for unknown jobs.
func CreatesCycle(jobID, dependsOnID string, depsOf func(id string) ([]string, error)) (bool, error) {
	seen := make(map[string]bool)
	stack := []string{dependsOnID}

	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if id == jobID {
			return true, nil
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		deps, err := depsOf(id)
		if err != nil {
			return false, err
		}
		stack = append(stack, deps...)
	}

	return false, nil
}
