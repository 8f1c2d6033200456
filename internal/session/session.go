package session

import (
	"errors"
	"strings"
	"time"
)

// State represents the lifecycle state of the meshcli session.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateCrashed    State = "crashed"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

// Sentinel errors carried by Command results.
var (
	ErrCrashed   = errors.New("meshcli process crashed")
	ErrTimeout   = errors.New("command timed out")
	ErrStopped   = errors.New("session stopped")
	ErrQueueFull = errors.New("command queue full")
	ErrMalformed = errors.New("malformed command")
)

// Command is one caller request against the meshcli session. It is created
// by Submit, mutated under the supervisor's lock while queued or in-flight,
// and reaches exactly one terminal result.
type Command struct {
	ID      string
	Text    string
	Timeout time.Duration

	// Guarded by the supervisor's mutex.
	lines    []string
	lastLine time.Time
	err      error
	finished bool

	done chan struct{}
}

// Done returns a channel closed exactly once when the command reaches a
// terminal state.
func (c *Command) Done() <-chan struct{} { return c.done }

// Result returns the accumulated output and terminal error. Only valid
// after Done has fired.
func (c *Command) Result() (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return strings.Join(c.lines, "\n"), nil
}

// Health is the session snapshot exposed by the HTTP health endpoint.
type Health struct {
	State      State  `json:"state"`
	Healthy    bool   `json:"healthy"`
	SerialPort string `json:"serial_port"`
	DeviceName string `json:"device_name"`
	AdvertLog  string `json:"advert_log"`
}
