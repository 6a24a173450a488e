// Package acquire supplies sensor samples on the device side of the link.
package acquire

import (
	"context"
	"fmt"
)

// Provider is the interface that all sample sources implement.
type Provider interface {
	// Name returns the human-readable name of this source.
	Name() string
	// Connect opens the underlying device.
	Connect() error
	// Close releases the underlying device.
	Close() error
	// Read returns one sample vector, by convention
	// [temperature_celsius, light_intensity]. It may block briefly.
	Read(ctx context.Context) ([]float32, error)
}

// Config selects and configures a Provider.
type Config struct {
	Type     string `yaml:"type" json:"type"`          // "demo" or "serial"
	PortPath string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Fields   int    `yaml:"fields" json:"fields"` // values per sample, default 2
}

// New returns the provider named by cfg.Type.
func New(cfg Config) (Provider, error) {
	switch cfg.Type {
	case "", "demo":
		return NewDemo(cfg.Fields), nil
	case "serial":
		return NewSerial(cfg), nil
	default:
		return nil, fmt.Errorf("unknown acquisition type %q", cfg.Type)
	}
}
