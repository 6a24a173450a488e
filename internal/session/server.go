package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaunagostinho/sensorlink/internal/command"
	"github.com/shaunagostinho/sensorlink/internal/metrics"
	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// Pusher receives decoded readings in arrival order.
type Pusher interface {
	Push(ctx context.Context, r wire.Reading) error
}

// ServerConfig configures the acceptor and its sessions.
type ServerConfig struct {
	// MaxFieldCount caps field_count per frame (0 = wire default).
	MaxFieldCount int
	// ReadTimeout tears a session down when no frame starts within it (0 = none).
	ReadTimeout time.Duration
	// WriteTimeout bounds handshake, acknowledgment and command writes.
	WriteTimeout time.Duration
	// LogReadings logs every decoded reading.
	LogReadings bool
}

const defaultWriteTimeout = 5 * time.Second

// Server accepts device connections and runs one ServerSession per
// connection, each in its own goroutine.
type Server struct {
	cfg      ServerConfig
	sink     Pusher
	registry *Registry
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

// NewServer returns a Server forwarding readings to sink. registry and m may be nil.
func NewServer(cfg ServerConfig, sink Pusher, registry *Registry, m *metrics.Metrics) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if registry == nil {
		registry = NewRegistry(0)
	}
	return &Server{cfg: cfg, sink: sink, registry: registry, metrics: m}
}

// Registry returns the registry of live sessions.
func (s *Server) Registry() *Registry { return s.registry }

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes every
// session and waits for their goroutines. A failing session never stops
// the acceptor.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Printf("[session] accepting devices on %s", ln.Addr())

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// transient accept failure (e.g. EMFILE)
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else if tempDelay *= 2; tempDelay > time.Second {
				tempDelay = time.Second
			}
			log.Printf("[session] accept error: %v; retrying in %v", err, tempDelay)
			select {
			case <-ctx.Done():
			case <-time.After(tempDelay):
			}
			continue
		}
		tempDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}

	s.registry.CloseAll()
	s.wg.Wait()
	log.Printf("[session] acceptor on %s stopped", ln.Addr())
	return nil
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := &ServerSession{
		id:           uuid.NewString(),
		peer:         conn.RemoteAddr().String(),
		since:        time.Now(),
		conn:         conn,
		cancel:       cancel,
		writeTimeout: s.cfg.WriteTimeout,
	}
	sess.state.Store(AwaitingHandshake)

	if err := s.registry.add(sess); err != nil {
		log.Printf("[session] rejecting %s: %v", sess.peer, err)
		s.metrics.Fault(metrics.FaultRejected)
		conn.Close()
		return
	}
	s.metrics.SessionOpened()
	log.Printf("[session] %s connection established with %s", sess.id, sess.peer)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		conn.Close()
		sess.state.Store(Closed)
		s.registry.remove(sess)
		s.metrics.SessionClosed()
		log.Printf("[session] %s connection closed with %s (%d frames)", sess.id, sess.peer, sess.frames.Load())
	}()

	if err := sess.Send(command.Command{Kind: command.Start}); err != nil {
		log.Printf("[session] %s handshake with %s failed: %v", sess.id, sess.peer, err)
		s.metrics.Fault(metrics.FaultIO)
		return
	}

	err := s.receive(ctx, sess)
	s.logTeardown(ctx, sess, err)
}

// receive decodes frames until the first error. Every reading reaches the
// sink before its acknowledgment is written.
func (s *Server) receive(ctx context.Context, sess *ServerSession) error {
	dec := wire.NewDecoder(bufio.NewReader(sess.conn), s.cfg.MaxFieldCount)
	for {
		if s.cfg.ReadTimeout > 0 {
			sess.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		r, err := dec.Decode()
		if err != nil {
			return err
		}
		if s.cfg.LogReadings {
			log.Printf("[session] received from device %d at %.3f: %v", r.DeviceID, r.Timestamp, r.Values)
		}
		if err := s.sink.Push(ctx, r); err != nil {
			return fmt.Errorf("sink: %w", err)
		}
		seq := sess.frames.Add(1)
		sess.lastDevice.Store(r.DeviceID)
		s.metrics.Frame()

		if err := sess.writeLine(wire.Ack(seq)); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
	}
}

func (s *Server) logTeardown(ctx context.Context, sess *ServerSession, err error) {
	switch {
	case errors.Is(err, wire.ErrConnectionClosed):
		log.Printf("[session] %s peer %s disconnected", sess.id, sess.peer)
	case ctx.Err() != nil:
		// operator close or shutdown
	case errors.Is(err, wire.ErrFrameTruncated):
		s.metrics.Fault(metrics.FaultTruncated)
		log.Printf("[session] %s WARNING partial frame from %s: %v", sess.id, sess.peer, err)
	case errors.Is(err, wire.ErrFieldCount):
		s.metrics.Fault(metrics.FaultFieldCount)
		log.Printf("[session] %s WARNING rejected frame from %s: %v", sess.id, sess.peer, err)
	default:
		s.metrics.Fault(metrics.FaultIO)
		log.Printf("[session] %s error with %s: %v", sess.id, sess.peer, err)
	}
}

// ServerSession is the server side of one device connection.
type ServerSession struct {
	id           string
	peer         string
	since        time.Time
	conn         net.Conn
	cancel       context.CancelFunc
	writeTimeout time.Duration

	writeMu    sync.Mutex
	state      atomicState
	frames     atomic.Uint64
	lastDevice atomic.Uint32
}

// Info is a read-only snapshot of a ServerSession.
type Info struct {
	ID       string    `json:"id"`
	Peer     string    `json:"peer"`
	State    State     `json:"state"`
	Frames   uint64    `json:"frames"`
	DeviceID uint32    `json:"deviceId"`
	Since    time.Time `json:"since"`
}

func (s *ServerSession) ID() string { return s.id }

func (s *ServerSession) Info() Info {
	return Info{
		ID:       s.id,
		Peer:     s.peer,
		State:    s.state.Load(),
		Frames:   s.frames.Load(),
		DeviceID: s.lastDevice.Load(),
		Since:    s.since,
	}
}

// Send writes a command line to the device. START and STOP update the
// session's view of the device state.
func (s *ServerSession) Send(c command.Command) error {
	if c.Kind == command.Unknown || c.Err != nil {
		return fmt.Errorf("refusing to send %q: %w", c.Raw, command.ErrMalformed)
	}
	if err := s.writeLine(c.String()); err != nil {
		return err
	}
	switch c.Kind {
	case command.Start:
		s.state.Store(Streaming)
	case command.Stop:
		s.state.Store(Idle)
	}
	log.Printf("[session] %s sent %s to %s", s.id, c, s.peer)
	return nil
}

func (s *ServerSession) writeLine(line string) error {
	if s.state.Load() == Closed {
		return ErrSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return wire.WriteLine(s.conn, line)
}

// Close cancels the session, which closes the connection and unblocks any
// pending read.
func (s *ServerSession) Close() {
	s.cancel()
}
