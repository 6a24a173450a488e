package command

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		line     string
		kind     Kind
		interval time.Duration
		bad      bool
	}{
		{line: "START", kind: Start},
		{line: "STOP\r", kind: Stop},
		{line: "  RESET ", kind: Reset},
		{line: "RATE = 3.5", kind: Rate, interval: 3500 * time.Millisecond},
		{line: "RATE=0.25", kind: Rate, interval: 250 * time.Millisecond},
		{line: "RATE = banana", kind: Rate, bad: true},
		{line: "RATE = -1", kind: Rate, bad: true},
		{line: "RATE = 0", kind: Rate, bad: true},
		{line: "RATE = NaN", kind: Rate, bad: true},
		{line: "RATE 2", kind: Unknown},
		{line: "start", kind: Unknown},
		{line: "", kind: Unknown},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			cmd := Parse(c.line)
			assert.Equal(t, c.kind, cmd.Kind)
			if c.bad {
				assert.ErrorIs(t, cmd.Err, ErrMalformed)
				return
			}
			require.NoError(t, cmd.Err)
			assert.Equal(t, c.interval, cmd.Interval)
		})
	}
}

func TestCommandString(t *testing.T) {
	assert.Equal(t, "START", Parse("START").String())
	assert.Equal(t, "RATE = 3.5", Parse("RATE=3.5").String())
	assert.Equal(t, "RATE = 0.5", NewRate(500*time.Millisecond).String())
	assert.Equal(t, "HELLO", Parse("HELLO").String())
}

func TestMachineStartStopStart(t *testing.T) {
	m := NewMachine(0)
	require.Equal(t, Idle, m.State())

	for _, line := range []string{"START", "STOP", "START"} {
		m.Apply(Parse(line))
	}
	assert.Equal(t, Streaming, m.State())
}

func TestMachineRate(t *testing.T) {
	for _, start := range []string{"STOP", "START"} {
		m := NewMachine(time.Second)
		m.Apply(Parse(start))
		before := m.State()

		tr := m.Apply(Parse("RATE = 3.5"))
		assert.False(t, tr.Changed())
		assert.Equal(t, before, m.State())
		assert.Equal(t, 3500*time.Millisecond, m.Interval())

		tr = m.Apply(Parse("RATE = banana"))
		assert.True(t, tr.Ignored)
		assert.Equal(t, before, m.State())
		assert.Equal(t, 3500*time.Millisecond, m.Interval())
	}
}

func TestMachineUnknownAndReset(t *testing.T) {
	m := NewMachine(0)
	tr := m.Apply(Parse("DANCE"))
	assert.True(t, tr.Ignored)
	assert.Equal(t, Idle, m.State())

	tr = m.Apply(Parse("RESET"))
	assert.True(t, tr.Changed())
	assert.Equal(t, Terminated, m.State())

	tr = m.Apply(Parse("START"))
	assert.True(t, tr.Ignored)
	assert.Equal(t, Terminated, m.State())
}
