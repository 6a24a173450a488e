package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

// RedisConfig configures the latest-value cache.
type RedisConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Addr    string        `yaml:"addr" json:"addr"`
	DB      int           `yaml:"db" json:"db"`
	TTL     time.Duration `yaml:"ttl" json:"ttl"`
	Prefix  string        `yaml:"prefix" json:"prefix"`
}

// Redis keeps the most recent reading of every device under
// <prefix>:last:<device_id>, expiring silent devices after TTL.
type Redis struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sensorlink"
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return &Redis{rdb: rdb, ttl: cfg.TTL, prefix: cfg.Prefix}, nil
}

func (r *Redis) Name() string { return "redis" }

// Key returns the key holding the latest reading of deviceID.
func (r *Redis) Key(deviceID uint32) string {
	return r.prefix + ":last:" + strconv.FormatUint(uint64(deviceID), 10)
}

func (r *Redis) Publish(ctx context.Context, rd wire.Reading) error {
	payload, err := json.Marshal(Message{Type: "reading", Reading: rd, Stamp: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, r.Key(rd.DeviceID), payload, r.ttl).Err()
}

// Latest returns the cached reading of deviceID.
func (r *Redis) Latest(ctx context.Context, deviceID uint32) (wire.Reading, error) {
	data, err := r.rdb.Get(ctx, r.Key(deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return wire.Reading{}, ErrNoReading
	}
	if err != nil {
		return wire.Reading{}, err
	}
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return wire.Reading{}, err
	}
	return m.Reading, nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
