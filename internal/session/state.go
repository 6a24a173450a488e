// Package session drives sensorlink TCP connections through their protocol
// lifecycle: the server role (accept, handshake, decode, acknowledge), the
// device role (handshake, command handling, sampling) and the device-side
// reconnect supervisor.
package session

import (
	"errors"
	"sync/atomic"
)

// State of a link session.
type State int32

const (
	Connecting State = iota
	AwaitingHandshake
	Streaming
	Idle
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case AwaitingHandshake:
		return "awaiting_handshake"
	case Streaming:
		return "streaming"
	case Idle:
		return "idle"
	case Closed:
		return "closed"
	default:
		return "invalid"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type atomicState struct{ v atomic.Int32 }

func (a *atomicState) Load() State   { return State(a.v.Load()) }
func (a *atomicState) Store(s State) { a.v.Store(int32(s)) }

var (
	// ErrReset is returned by a device session that received RESET.
	ErrReset = errors.New("device reset requested")
	// ErrHandshakeTimeout means no initial command arrived in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
	// ErrAckTimeout means the server did not acknowledge a frame in time.
	ErrAckTimeout = errors.New("acknowledgment timeout")
	// ErrSessionClosed is returned when writing to a closed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotFound is returned by the registry for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrTooManySessions is returned when the acceptor is at its limit.
	ErrTooManySessions = errors.New("too many sessions")
)
