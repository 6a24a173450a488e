package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/jpillora/backoff"
)

// Policy selects how the supervisor recovers from a failed link.
type Policy int

const (
	// SoftRetry reconnects after the backoff delay.
	SoftRetry Policy = iota
	// HardRestart waits the backoff delay and then invokes the restart
	// action, for devices whose process controls its own reboot.
	HardRestart
)

func (p Policy) String() string {
	if p == HardRestart {
		return "hard"
	}
	return "soft"
}

// ParsePolicy accepts "soft" and "hard".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "soft":
		return SoftRetry, nil
	case "hard":
		return HardRestart, nil
	}
	return SoftRetry, fmt.Errorf("unknown reconnect policy %q", s)
}

var (
	// ErrGiveUp is returned when MaxAttempts consecutive connects failed.
	ErrGiveUp = errors.New("giving up")
	// ErrRestart is returned after the restart action ran (or if none is set).
	ErrRestart = errors.New("device restart")
)

// DefaultRetryDelay is the constant reconnect delay.
const DefaultRetryDelay = 2 * time.Second

// NewBackoff returns a constant delay when maxDelay <= delay, otherwise a
// delay doubling from delay up to maxDelay.
func NewBackoff(delay, maxDelay time.Duration) *backoff.Backoff {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if maxDelay < delay {
		maxDelay = delay
	}
	return &backoff.Backoff{Min: delay, Max: maxDelay, Factor: 2}
}

// Supervisor keeps a device link alive: any connect, send or receive failure
// closes the socket, waits one backoff delay and starts over from Connect.
// Session state (streaming flag, rate) does not survive a reconnect.
type Supervisor struct {
	Connect func(ctx context.Context) (net.Conn, error)
	Session func(ctx context.Context, conn net.Conn) error
	Backoff *backoff.Backoff
	Policy  Policy
	// MaxAttempts is the number of consecutive failed connects after which
	// Run returns ErrGiveUp (SoftRetry only; 0 = never).
	MaxAttempts int
	// Restart performs a hard device restart. It normally does not return.
	Restart func()
	// Sleep waits d or until ctx is done; nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Dialer returns a Connect function dialing addr over TCP.
func Dialer(addr string, timeout time.Duration) func(context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: timeout}
	return func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Run supervises links until ctx is cancelled (returns nil), RESET or a hard
// restart (ErrRestart) or, with MaxAttempts, too many failed connects.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.Backoff == nil {
		s.Backoff = NewBackoff(0, 0)
	}
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := s.Connect(ctx)
		if err != nil {
			failures++
			err = fmt.Errorf("connect: %w", err)
		} else {
			failures = 0
			s.Backoff.Reset()
			log.Printf("[supervisor] connected to %s", conn.RemoteAddr())
			err = s.Session(ctx, conn)
			conn.Close()
		}

		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrReset) {
			log.Printf("[supervisor] resetting device")
			return s.restart()
		}
		if s.Policy == SoftRetry && s.MaxAttempts > 0 && failures >= s.MaxAttempts {
			return fmt.Errorf("%w after %d attempts: %v", ErrGiveUp, failures, err)
		}

		delay := s.Backoff.Duration()
		log.Printf("[supervisor] error: %v; attempting to reconnect in %v", err, delay)
		if s.sleep(ctx, delay) != nil {
			return nil
		}
		if s.Policy == HardRestart {
			return s.restart()
		}
	}
}

func (s *Supervisor) restart() error {
	if s.Restart != nil {
		s.Restart()
	}
	return ErrRestart
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if s.Sleep != nil {
		return s.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
