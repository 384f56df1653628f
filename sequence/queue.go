package sequence

import (
	"errors"
	"fmt"
)

// ErrNotFound is generated when a job ID is not in the queue
var ErrNotFound = errors.New("job not found")

// Change is the kind of a QueueEvent
type Change int

const (
	// JobAdded is sent after a job is inserted
	JobAdded Change = iota

	// JobUpdated is sent after a job changes status or progress
	JobUpdated

	// JobRemoved is sent after a job is removed
	JobRemoved

	// QueueReset is sent after every job was reset to idle
	QueueReset
)

func (c Change) String() string {
	switch c {
	case JobAdded:
		return "added"
	case JobUpdated:
		return "updated"
	case JobRemoved:
		return "removed"
	case QueueReset:
		return "reset"
	}
	return fmt.Sprintf("Change(%d)", int(c))
}

// QueueEvent notifies observers of a change, Index is the position of the job
type QueueEvent struct {
	Change Change
	Job    *Job
	Index  int
}

// Options are queue level settings saved alongside the jobs
type Options struct {
	Observer string `yaml:"observer,omitempty"`

	// GuideDeviation aborts light exposures when guiding drifts beyond this many arcseconds
	EnforceGuideDeviation bool    `yaml:"enforceGuideDeviation"`
	GuideDeviation        float64 `yaml:"guideDeviation"`

	// StartGuideDeviation holds off the first exposure until guiding is within this many arcseconds
	EnforceStartGuideDeviation bool    `yaml:"enforceStartGuideDeviation"`
	StartGuideDeviation        float64 `yaml:"startGuideDeviation"`

	// DitherEvery is the number of light frames between dithers, 0 disables
	DitherEvery int `yaml:"ditherEvery"`
}

// Queue is the ordered list of jobs.  Order is execution order.  A Queue is
// not safe for concurrent use.
type Queue struct {
	Options Options

	jobs        []*Job
	subscribers []func(QueueEvent)
	fingerprint uint32
}

// NewQueue returns an empty queue
func NewQueue() *Queue {
	q := &Queue{}
	q.MarkClean()
	return q
}

// Subscribe registers f for change notifications
func (q *Queue) Subscribe(f func(QueueEvent)) {
	q.subscribers = append(q.subscribers, f)
}

func (q *Queue) notify(c Change, j *Job, idx int) {
	for _, f := range q.subscribers {
		f(QueueEvent{Change: c, Job: j, Index: idx})
	}
}

// Jobs returns the jobs in order.  The slice is a copy, the jobs are not.
func (q *Queue) Jobs() []*Job {
	out := make([]*Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

// Len returns the number of jobs
func (q *Queue) Len() int {
	return len(q.jobs)
}

// Index returns the position of j, or -1
func (q *Queue) Index(j *Job) int {
	for i, jj := range q.jobs {
		if jj == j {
			return i
		}
	}
	return -1
}

// Find returns the job with the given ID
func (q *Queue) Find(id string) (*Job, error) {
	for _, j := range q.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Add appends a job
func (q *Queue) Add(j *Job) {
	q.jobs = append(q.jobs, j)
	q.notify(JobAdded, j, len(q.jobs)-1)
}

// Insert puts a job at idx, which is clamped to the queue bounds
func (q *Queue) Insert(idx int, j *Job) {
	if idx < 0 {
		idx = 0
	}
	if idx > len(q.jobs) {
		idx = len(q.jobs)
	}
	q.jobs = append(q.jobs, nil)
	copy(q.jobs[idx+1:], q.jobs[idx:])
	q.jobs[idx] = j
	q.notify(JobAdded, j, idx)
}

// Remove deletes the job with the given ID
func (q *Queue) Remove(id string) (*Job, error) {
	for i, j := range q.jobs {
		if j.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			q.notify(JobRemoved, j, i)
			return j, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Move relocates the job with the given ID to position to
func (q *Queue) Move(id string, to int) error {
	j, err := q.Remove(id)
	if err != nil {
		return err
	}
	q.Insert(to, j)
	return nil
}

// Clear removes every job
func (q *Queue) Clear() {
	for i := len(q.jobs) - 1; i >= 0; i-- {
		j := q.jobs[i]
		q.jobs = q.jobs[:i]
		q.notify(JobRemoved, j, i)
	}
}

// Reset returns every job to idle
func (q *Queue) Reset() {
	for _, j := range q.jobs {
		j.Reset()
	}
	q.notify(QueueReset, nil, -1)
}

// Updated notifies observers that j changed
func (q *Queue) Updated(j *Job) {
	q.notify(JobUpdated, j, q.Index(j))
}

// ClearAbandoned forgets which jobs gave up in a previous run
func (q *Queue) ClearAbandoned() {
	for _, j := range q.jobs {
		j.Abandoned = false
		j.Retries = 0
	}
}

// Dirty returns true if the queue differs from when it was last loaded or saved
func (q *Queue) Dirty() bool {
	fp, err := Fingerprint(q)
	if err != nil {
		return true
	}
	return fp != q.fingerprint
}

// MarkClean records the current content as saved
func (q *Queue) MarkClean() {
	if fp, err := Fingerprint(q); err == nil {
		q.fingerprint = fp
	}
}
