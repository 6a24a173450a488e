package acquire

import (
	"context"
	"math"
	"math/rand"
	"sync"
)

// Demo generates simulated temperature and light readings for development
// and testing.
type Demo struct {
	mu     sync.Mutex
	t      float64 // virtual time accumulator
	fields int
}

// NewDemo returns a generator producing fields values per sample (default 2).
func NewDemo(fields int) *Demo {
	if fields <= 0 {
		fields = 2
	}
	return &Demo{fields: fields}
}

func (d *Demo) Name() string   { return "Demo (Simulated)" }
func (d *Demo) Connect() error { return nil }
func (d *Demo) Close() error   { return nil }

func (d *Demo) Read(context.Context) ([]float32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.t += 0.05

	// Slow daily-like swing around room temperature
	temp := 22.0 + 3.0*math.Sin(d.t*0.1) + rand.Float64()*0.2

	// Light follows a clipped sine with occasional shadows
	light := 500 + 450*math.Sin(d.t*0.05)
	if light < 0 {
		light = 0
	}
	if rand.Float64() < 0.05 {
		light *= 0.3
	}

	out := make([]float32, d.fields)
	out[0] = float32(temp)
	if d.fields > 1 {
		out[1] = float32(light)
	}
	for i := 2; i < d.fields; i++ {
		out[i] = float32(rand.Float64())
	}
	return out, nil
}
