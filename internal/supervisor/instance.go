package supervisor

import (
	"io"
	"os/exec"
	"time"

	"github.com/bedrockd/bedrockd/internal/console"
	"github.com/bedrockd/bedrockd/internal/metrics"
)

// instance is the in-memory record of a launched (or adopted) server
// process. It is owned by the Supervisor registry and only ever mutated
// under the Supervisor mutex.
type instance struct {
	name      string
	serverDir string
	configDir string

	state     State
	cmd       *exec.Cmd // nil for adopted processes
	pid       int
	console   *console.Channel
	logW      io.WriteCloser
	startedAt time.Time

	// intentional is set before any deliberate stop signal so the watcher
	// can tell a requested shutdown from a crash.
	intentional bool
	adopted     bool

	// waitDone closes after the watcher has observed the exit and finished
	// registry cleanup.
	waitDone chan struct{}
	exitErr  error
}

// failureRecord tracks consecutive unexpected exits per server name. It
// outlives the instance so the crash streak survives restart cycles.
type failureRecord struct {
	crashes  int
	lastExit time.Time
}

var allStates = []State{StateStopped, StateStarting, StateRunning, StateStopping, StateCrashed}

func publishState(name string, st State) {
	for _, v := range allStates {
		metrics.SetCurrentState(name, string(v), v == st)
	}
}
