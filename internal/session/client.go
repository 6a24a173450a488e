package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/shaunagostinho/sensorlink/internal/command"
	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// Source supplies one sample vector per call.
type Source interface {
	Read(ctx context.Context) ([]float32, error)
}

// ClientConfig configures the device side of a link.
type ClientConfig struct {
	DeviceID uint32
	// Interval is the sampling interval before any RATE command.
	Interval time.Duration
	// HandshakeTimeout bounds the wait for the initial command.
	HandshakeTimeout time.Duration
	// AckTimeout bounds the wait for each frame acknowledgment.
	AckTimeout time.Duration
	// Now stamps readings; defaults to time.Now.
	Now func() time.Time
}

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultAckTimeout       = 5 * time.Second
)

// Client is the device side of a link session. A Client runs one connection
// at a time; its command machine starts fresh on every Run.
type Client struct {
	cfg   ClientConfig
	src   Source
	state atomicState
}

func NewClient(cfg ClientConfig, src Source) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = defaultAckTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	c := &Client{cfg: cfg, src: src}
	c.state.Store(Closed)
	return c
}

// State returns the state of the current connection.
func (c *Client) State() State { return c.state.Load() }

type lineEvent struct {
	line string
	err  error
}

// Run drives conn until an error, RESET (ErrReset) or ctx cancellation.
// It always closes conn.
func (c *Client) Run(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()
	defer c.state.Store(Closed)

	c.state.Store(AwaitingHandshake)
	lines := make(chan lineEvent)
	go readLines(ctx, conn, lines)

	l := &link{
		Client:  c,
		conn:    conn,
		lines:   lines,
		machine: command.NewMachine(c.cfg.Interval),
	}
	err := l.run(ctx)
	if ctx.Err() != nil && !errors.Is(err, ErrReset) {
		return ctx.Err()
	}
	return err
}

func readLines(ctx context.Context, conn net.Conn, out chan<- lineEvent) {
	lr := wire.NewLineReader(conn)
	for {
		line, err := lr.ReadLine()
		select {
		case out <- lineEvent{line: line, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// link holds the per-connection state of a Client.
type link struct {
	*Client
	conn    net.Conn
	lines   <-chan lineEvent
	machine *command.Machine
	frame   []byte
	sent    uint64
}

func (l *link) run(ctx context.Context) error {
	timer := time.NewTimer(l.cfg.HandshakeTimeout)
	defer timer.Stop()

	select {
	case ev := <-l.lines:
		if ev.err != nil {
			return fmt.Errorf("handshake: %w", ev.err)
		}
		log.Printf("[link] received from server: %s", ev.line)
		if err := l.apply(ev.line); err != nil {
			return err
		}
	case <-timer.C:
		return ErrHandshakeTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		var err error
		if l.machine.State() == command.Streaming {
			err = l.stream(ctx)
		} else {
			err = l.idle(ctx)
		}
		if err != nil {
			return err
		}
	}
}

// apply feeds a command line to the machine and mirrors the result.
func (l *link) apply(line string) error {
	if wire.IsAck(line) {
		log.Printf("[link] unexpected acknowledgment %q ignored", line)
		return nil
	}
	l.machine.Apply(command.Parse(line))
	switch l.machine.State() {
	case command.Streaming:
		l.state.Store(Streaming)
	case command.Idle:
		l.state.Store(Idle)
	case command.Terminated:
		return ErrReset
	}
	return nil
}

// idle blocks until the next command.
func (l *link) idle(ctx context.Context) error {
	select {
	case ev := <-l.lines:
		if ev.err != nil {
			return fmt.Errorf("receive command: %w", ev.err)
		}
		log.Printf("[link] received from server: %s", ev.line)
		return l.apply(ev.line)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stream takes one sample, sends it, waits for its acknowledgment and then
// waits until one interval after the send, applying commands as they arrive.
func (l *link) stream(ctx context.Context) error {
	values, err := l.src.Read(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	now := l.cfg.Now()
	r := wire.Reading{
		DeviceID:  l.cfg.DeviceID,
		Timestamp: float64(now.UnixNano()) / 1e9,
		Values:    values,
	}
	l.frame = wire.AppendFrame(l.frame[:0], r)
	sentAt := time.Now()
	if err := l.conn.SetWriteDeadline(sentAt.Add(l.cfg.AckTimeout)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if _, err := l.conn.Write(l.frame); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	l.sent++

	if err := l.awaitAck(ctx); err != nil {
		return err
	}

	// the next sample is due one interval after this send; a RATE change
	// moves that deadline
	interval := l.machine.Interval()
	sleep := time.NewTimer(time.Until(sentAt.Add(interval)))
	defer sleep.Stop()
	for l.machine.State() == command.Streaming {
		select {
		case <-sleep.C:
			return nil
		case ev := <-l.lines:
			if ev.err != nil {
				return fmt.Errorf("receive: %w", ev.err)
			}
			log.Printf("[link] received from server: %s", ev.line)
			if err := l.apply(ev.line); err != nil {
				return err
			}
			if next := l.machine.Interval(); next != interval {
				interval = next
				sleep.Reset(time.Until(sentAt.Add(interval)))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (l *link) awaitAck(ctx context.Context) error {
	timer := time.NewTimer(l.cfg.AckTimeout)
	defer timer.Stop()
	for {
		select {
		case ev := <-l.lines:
			if ev.err != nil {
				return fmt.Errorf("receive ack: %w", ev.err)
			}
			if wire.IsAck(ev.line) {
				log.Printf("[link] server response: %s", ev.line)
				return nil
			}
			log.Printf("[link] received from server: %s", ev.line)
			if err := l.apply(ev.line); err != nil {
				return err
			}
		case <-timer.C:
			return fmt.Errorf("%w after frame %d", ErrAckTimeout, l.sent)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
