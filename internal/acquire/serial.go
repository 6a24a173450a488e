package acquire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial reads samples from a sensor board that prints one line per sample,
// e.g. "23.5,1.2" or "23.5 1.2". Blank lines and lines starting with '#'
// are skipped.
type Serial struct {
	portPath string
	baudRate int
	fields   int
	openPort func() (io.ReadCloser, error)

	mu        sync.Mutex
	connected bool
	port      io.ReadCloser
	scanner   *bufio.Scanner
}

// ErrNotConnected is returned by Read before Connect.
var ErrNotConnected = errors.New("serial: not connected")

// NewSerial creates a serial sample source.
func NewSerial(cfg Config) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.Fields <= 0 {
		cfg.Fields = 2
	}
	s := &Serial{portPath: cfg.PortPath, baudRate: cfg.BaudRate, fields: cfg.Fields}
	s.openPort = s.open
	return s
}

func (s *Serial) Name() string { return "Serial sensor board" }

func (s *Serial) open() (io.ReadCloser, error) {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portPath, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: failed to open %s: %w", s.portPath, err)
	}
	if err := port.SetReadTimeout(2 * time.Second); err != nil {
		port.Close()
		return nil, fmt.Errorf("serial: failed to set timeout: %w", err)
	}
	log.Printf("[acquire] opened %s at %d baud", s.portPath, s.baudRate)
	return port, nil
}

func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return s.reopen()
}

// reopen replaces the port and its scanner. Callers hold mu.
func (s *Serial) reopen() error {
	if s.port != nil {
		s.port.Close()
		s.port, s.scanner = nil, nil
	}
	port, err := s.openPort()
	if err != nil {
		return err
	}
	s.port = port
	s.scanner = bufio.NewScanner(port)
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.scanner = nil
	return err
}

// Read returns the next complete sample line. A failed scan never recovers,
// so the scanner is rebuilt after one; an error from the port itself also
// reopens the port, here or on the next Read.
func (s *Serial) Read(ctx context.Context) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	if s.port == nil {
		if err := s.reopen(); err != nil {
			return nil, err
		}
	}
	values, err := readSample(ctx, s.scanner, s.fields)
	if err == nil || ctx.Err() != nil {
		return values, err
	}
	if errors.Is(err, io.ErrNoProgress) {
		// the board is quiet; the port itself is fine
		s.scanner = bufio.NewScanner(s.port)
		return nil, err
	}
	log.Printf("[acquire] %s failed, reopening: %v", s.portPath, err)
	if rerr := s.reopen(); rerr != nil {
		log.Printf("[acquire] reopen %s: %v", s.portPath, rerr)
	}
	return nil, err
}

// readSample scans lines until one parses into exactly fields values.
// Malformed lines are logged and skipped.
func readSample(ctx context.Context, sc *bufio.Scanner, fields int) ([]float32, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, fmt.Errorf("serial: read: %w", err)
			}
			// a read timeout ends the scan without error
			return nil, fmt.Errorf("serial: %w", io.ErrUnexpectedEOF)
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		values, err := ParseSample(line, fields)
		if err != nil {
			log.Printf("[acquire] skipping line %q: %v", line, err)
			continue
		}
		return values, nil
	}
}

// ParseSample parses comma or whitespace separated floats.
func ParseSample(line string, fields int) ([]float32, error) {
	parts := strings.FieldsFunc(line, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	if len(parts) != fields {
		return nil, fmt.Errorf("want %d values, got %d", fields, len(parts))
	}
	out := make([]float32, fields)
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 32)
		if err != nil {
			return nil, err
		}
		out[i] = float32(v)
	}
	return out, nil
}
