// Package feed distributes readings to advisory live consumers: browser
// dashboards over WebSocket, an MQTT broker and a Redis latest-value cache.
// Feeds are best effort; a failing feed never slows ingestion.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math"
	"strconv"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// Publisher delivers one reading to a live consumer.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, r wire.Reading) error
	Close() error
}

// ErrNoReading is returned by Latest for a device with no recent reading.
var ErrNoReading = errors.New("no recent reading")

// Latest looks up the most recent reading of a device.
type Latest interface {
	Latest(ctx context.Context, deviceID uint32) (wire.Reading, error)
}

// Message is the JSON form of a reading on every feed. NaN and infinite
// values, which JSON cannot carry, are encoded as null.
type Message struct {
	Type string `json:"type"` // "reading"
	wire.Reading
	Stamp int64 `json:"stamp"` // server receive time, unix ms
}

func (m Message) MarshalJSON() ([]byte, error) {
	values := make([]jsonFloat, len(m.Values))
	for i, v := range m.Values {
		values[i] = jsonFloat{v: float64(v), bits: 32}
	}
	return json.Marshal(struct {
		Type      string      `json:"type"`
		DeviceID  uint32      `json:"deviceId"`
		Timestamp jsonFloat   `json:"timestamp"`
		Values    []jsonFloat `json:"values"`
		Stamp     int64       `json:"stamp"`
	}{m.Type, m.DeviceID, jsonFloat{v: m.Timestamp, bits: 64}, values, m.Stamp})
}

type jsonFloat struct {
	v    float64
	bits int
}

func (f jsonFloat) MarshalJSON() ([]byte, error) {
	if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, f.v, 'g', -1, f.bits), nil
}

// Run publishes every reading from in until in is closed or ctx is done.
// Errors are logged once per streak.
func Run(ctx context.Context, in <-chan wire.Reading, p Publisher) {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-in:
			if !ok {
				return
			}
			err := p.Publish(ctx, r)
			switch {
			case err != nil && !failing:
				log.Printf("[feed] %s publish failed: %v", p.Name(), err)
				failing = true
			case err == nil && failing:
				log.Printf("[feed] %s recovered", p.Name())
				failing = false
			}
		}
	}
}
