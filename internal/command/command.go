// Package command holds the text control vocabulary the server sends to a
// device and the device-side state machine that interprets it.
package command

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a command.
type Kind int

const (
	Unknown Kind = iota
	Start
	Stop
	Rate
	Reset
)

func (k Kind) String() string {
	switch k {
	case Start:
		return "START"
	case Stop:
		return "STOP"
	case Rate:
		return "RATE"
	case Reset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// ErrMalformed is set on a RATE command whose value is not a positive number.
var ErrMalformed = errors.New("malformed command")

// Command is one parsed control line.
type Command struct {
	Kind Kind
	// Interval is the sampling interval of a well-formed RATE command.
	Interval time.Duration
	// Raw is the line as received.
	Raw string
	// Err is non-nil for a RATE command whose value could not be parsed.
	Err error
}

// Parse interprets one line. It never fails: unrecognised text yields
// Kind Unknown and a bad RATE value yields Kind Rate with Err set.
func Parse(line string) Command {
	raw := line
	line = strings.TrimSpace(line)
	c := Command{Raw: raw}
	switch {
	case line == "START":
		c.Kind = Start
	case line == "STOP":
		c.Kind = Stop
	case line == "RESET":
		c.Kind = Reset
	case strings.HasPrefix(line, "RATE"):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "RATE"))
		if !strings.HasPrefix(rest, "=") {
			// "RATEX" and friends are not rate commands.
			return c
		}
		c.Kind = Rate
		c.Interval, c.Err = parseSeconds(strings.TrimSpace(rest[1:]))
	}
	return c
}

// NewRate returns a RATE command for the given interval.
func NewRate(d time.Duration) Command {
	return Command{Kind: Rate, Interval: d}
}

// String renders the canonical wire form of c.
func (c Command) String() string {
	switch c.Kind {
	case Start, Stop, Reset:
		return c.Kind.String()
	case Rate:
		if c.Err != nil {
			return c.Raw
		}
		return "RATE = " + strconv.FormatFloat(c.Interval.Seconds(), 'f', -1, 64)
	default:
		return c.Raw
	}
}

func parseSeconds(s string) (time.Duration, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: rate %q: %v", ErrMalformed, s, err)
	}
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) || v > math.MaxInt64/float64(time.Second) {
		return 0, fmt.Errorf("%w: rate %q out of range", ErrMalformed, s)
	}
	return time.Duration(v * float64(time.Second)), nil
}
