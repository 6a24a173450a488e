package storage

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

const defaultCSVFile = "data.csv"

// CSV appends readings to CSV files. The header is derived from the field
// count of the first reading written to a file that does not exist yet.
type CSV struct {
	mu      sync.Mutex
	dir     string
	file    string
	maxRows int
	now     func() time.Time

	f       *os.File
	writer  *csv.Writer
	rows    int
	columns int
	warned  bool
}

// NewCSV creates a CSV store. Files are opened lazily on the first Append.
func NewCSV(cfg Config) *CSV {
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if cfg.File == "" {
		cfg.File = defaultCSVFile
	}
	return &CSV{
		dir:     cfg.Dir,
		file:    cfg.File,
		maxRows: cfg.MaxRows,
		now:     time.Now,
	}
}

// Append writes one row and flushes it to the file.
func (c *CSV) Append(_ context.Context, r wire.Reading) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writer == nil || (c.maxRows > 0 && c.rows >= c.maxRows) {
		if err := c.open(r); err != nil {
			return err
		}
	}
	if len(r.Values)+2 != c.columns && !c.warned {
		log.Printf("[storage] device %d sent %d values, file header has %d columns", r.DeviceID, len(r.Values), c.columns)
		c.warned = true
	}

	if err := c.writer.Write(Row(r)); err != nil {
		return fmt.Errorf("csv write: %w", err)
	}
	c.writer.Flush()
	if err := c.writer.Error(); err != nil {
		return fmt.Errorf("csv flush: %w", err)
	}
	c.rows++
	return nil
}

// Path returns the file currently written to, or "" before the first Append.
func (c *CSV) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.f == nil {
		return ""
	}
	return c.f.Name()
}

func (c *CSV) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFile()
}

// open starts the next file. Without rotation it appends to dir/file,
// writing the header only if the file is created here.
func (c *CSV) open(first wire.Reading) error {
	if err := c.closeFile(); err != nil {
		log.Printf("[storage] close %s failed: %v", c.file, err)
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", c.dir, err)
	}

	path := filepath.Join(c.dir, c.file)
	flags := os.O_WRONLY | os.O_APPEND | os.O_CREATE | os.O_EXCL
	if c.maxRows > 0 {
		path = filepath.Join(c.dir, fmt.Sprintf("readings_%s.csv", c.now().Format("2006-01-02_150405.000")))
	}

	f, err := os.OpenFile(path, flags, 0644)
	created := err == nil
	if errors.Is(err, fs.ErrExist) {
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}

	c.f = f
	c.writer = csv.NewWriter(f)
	c.rows = 0
	c.columns = len(first.Values) + 2
	c.warned = false

	if created {
		if err := c.writer.Write(Header(len(first.Values))); err != nil {
			return err
		}
		c.writer.Flush()
		log.Printf("[storage] created %s", path)
	} else {
		log.Printf("[storage] appending to %s", path)
	}
	return c.writer.Error()
}

func (c *CSV) closeFile() error {
	if c.writer != nil {
		c.writer.Flush()
		c.writer = nil
	}
	if c.f != nil {
		err := c.f.Close()
		c.f = nil
		return err
	}
	return nil
}
