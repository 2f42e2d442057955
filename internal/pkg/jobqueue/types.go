package jobqueue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind names the work a job carries. Each kind has one registered Handler.
type Kind string

// KindContactSync pushes a contact and its tags to the CRM.
const KindContactSync Kind = "crm_contact_sync"

// State is where a job sits in its lifecycle.
type State string

const (
	StateQueued  State = "queued"
	StateRunning State = "running"
	// StateDelayed jobs wait in the retry set until RunAt.
	StateDelayed State = "delayed"
	StateDone    State = "done"
	// StateDead jobs exhausted their attempts or failed permanently.
	StateDead State = "dead"
)

type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	State       State           `json:"state"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
}

// Decode unmarshals the job payload into out.
func (j *Job) Decode(out interface{}) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("job %s has no payload", j.ID)
	}
	return json.Unmarshal(j.Payload, out)
}

func (j *Job) start(now time.Time) {
	j.State = StateRunning
	j.Attempts++
	j.StartedAt = &now
	j.RunAt = nil
}

// fail records cause and reports whether the job goes back for another
// attempt at runAt.
func (j *Job) fail(cause error, permanent bool, runAt time.Time) bool {
	j.LastError = cause.Error()
	if permanent || j.Attempts >= j.MaxAttempts {
		j.State = StateDead
		return false
	}
	j.State = StateDelayed
	j.RunAt = &runAt
	return true
}

// stuck reports whether a running job started longer than maxAge before now.
func (j *Job) stuck(now time.Time, maxAge time.Duration) bool {
	return j.State == StateRunning && j.StartedAt != nil && now.Sub(*j.StartedAt) > maxAge
}
