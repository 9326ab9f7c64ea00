package supervisor

import "time"

// State is a server's position in the lifecycle state machine. "crashed" is
// terminal for a run: the restart budget is exhausted and the server stays
// down until an explicit start.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateCrashed  State = "crashed"
)

// Status is an externally consumable snapshot of a managed server.
type Status struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Crashes   int       `json:"crashes"`
	ExitError string    `json:"exit_error,omitempty"`
	Adopted   bool      `json:"adopted,omitempty"`
}
