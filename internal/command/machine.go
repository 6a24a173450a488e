package command

import (
	"log"
	"time"
)

// State of the device-side sampling machine.
type State int

const (
	Idle State = iota
	Streaming
	// Terminated is reached only through RESET; the device must restart.
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Streaming:
		return "streaming"
	case Terminated:
		return "terminated"
	default:
		return "invalid"
	}
}

// DefaultInterval is the sampling interval before any RATE command.
const DefaultInterval = time.Second

// Machine is the device-side command state machine. It is owned by the
// goroutine driving the link and is not safe for concurrent use.
type Machine struct {
	state    State
	interval time.Duration
}

// NewMachine returns a machine in Idle. interval <= 0 selects DefaultInterval.
func NewMachine(interval time.Duration) *Machine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Machine{state: Idle, interval: interval}
}

func (m *Machine) State() State            { return m.state }
func (m *Machine) Interval() time.Duration { return m.interval }

// Transition describes the effect of one Apply call.
type Transition struct {
	From, To State
	Command  Command
	// Ignored is set for unknown and malformed commands.
	Ignored bool
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Apply feeds one command to the machine.
// A terminated machine ignores everything.
func (m *Machine) Apply(c Command) Transition {
	t := Transition{From: m.state, To: m.state, Command: c}
	if m.state == Terminated {
		t.Ignored = true
		return t
	}

	switch c.Kind {
	case Start:
		m.state = Streaming
		log.Printf("[command] START: streaming every %v", m.interval)
	case Stop:
		m.state = Idle
		log.Printf("[command] STOP: sampling stopped")
	case Rate:
		if c.Err != nil {
			log.Printf("[command] invalid sample rate %q: %v", c.Raw, c.Err)
			t.Ignored = true
			break
		}
		m.interval = c.Interval
		log.Printf("[command] sample interval set to %v", m.interval)
	case Reset:
		m.state = Terminated
		log.Printf("[command] RESET: device restart requested")
	default:
		log.Printf("[command] unknown command %q ignored", c.Raw)
		t.Ignored = true
	}
	t.To = m.state
	return t
}
