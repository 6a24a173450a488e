package session

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/sensorlink/internal/wire"
)

type fixedSource []float32

func (f fixedSource) Read(context.Context) ([]float32, error) {
	return append([]float32(nil), f...), nil
}

var testEpoch = time.Unix(1700000000, 0)

func newTestClient(cfg ClientConfig) *Client {
	cfg.DeviceID = 1
	cfg.Now = func() time.Time { return testEpoch }
	return NewClient(cfg, fixedSource{23.5, 1.2})
}

func runClient(ctx context.Context, c *Client, conn net.Conn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, conn) }()
	return done
}

func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not return")
		return nil
	}
}

func TestClientStreamsUntilReset(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	c := newTestClient(ClientConfig{Interval: 10 * time.Millisecond})
	done := runClient(context.Background(), c, device)

	dec := wire.NewDecoder(server, 0)
	require.NoError(t, wire.WriteLine(server, "START"))

	r, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, wire.Reading{DeviceID: 1, Timestamp: 1700000000, Values: []float32{23.5, 1.2}}, r)
	require.NoError(t, wire.WriteLine(server, wire.Ack(1)))

	_, err = dec.Decode()
	require.NoError(t, err)
	// commands may arrive before the acknowledgment
	require.NoError(t, wire.WriteLine(server, "RATE = 30"))
	require.NoError(t, wire.WriteLine(server, wire.Ack(2)))
	require.NoError(t, wire.WriteLine(server, "RESET"))
	go io.Copy(io.Discard, server)

	assert.ErrorIs(t, waitErr(t, done), ErrReset)
	assert.Equal(t, Closed, c.State())
}

func TestClientStopAndStart(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(ClientConfig{Interval: 5 * time.Millisecond})
	done := runClient(ctx, c, device)

	dec := wire.NewDecoder(server, 0)
	require.NoError(t, wire.WriteLine(server, "START"))
	_, err := dec.Decode()
	require.NoError(t, err)
	require.NoError(t, wire.WriteLine(server, "STOP"))
	require.NoError(t, wire.WriteLine(server, wire.Ack(1)))

	require.Eventually(t, func() bool { return c.State() == Idle }, time.Second, 5*time.Millisecond)

	require.NoError(t, wire.WriteLine(server, "RATE = banana"))
	require.NoError(t, wire.WriteLine(server, "HELLO"))
	require.NoError(t, wire.WriteLine(server, "START"))
	_, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, Streaming, c.State())

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestClientHandshakeTimeout(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	c := newTestClient(ClientConfig{HandshakeTimeout: 20 * time.Millisecond})

	assert.ErrorIs(t, waitErr(t, runClient(context.Background(), c, device)), ErrHandshakeTimeout)
}

func TestClientAckTimeout(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	c := newTestClient(ClientConfig{AckTimeout: 30 * time.Millisecond})
	done := runClient(context.Background(), c, device)

	require.NoError(t, wire.WriteLine(server, "START"))
	_, err := wire.Decode(server)
	require.NoError(t, err)

	assert.ErrorIs(t, waitErr(t, done), ErrAckTimeout)
}

func TestClientPeerClosed(t *testing.T) {
	server, device := net.Pipe()
	c := newTestClient(ClientConfig{})
	done := runClient(context.Background(), c, device)

	require.NoError(t, wire.WriteLine(server, "STOP"))
	server.Close()

	err := waitErr(t, done)
	assert.ErrorIs(t, err, wire.ErrConnectionClosed)
}

func TestClientRateTakesEffectWhileSleeping(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(ClientConfig{Interval: time.Second})
	done := runClient(ctx, c, device)

	dec := wire.NewDecoder(server, 0)
	require.NoError(t, wire.WriteLine(server, "START"))
	_, err := dec.Decode()
	require.NoError(t, err)
	sent := time.Now()
	require.NoError(t, wire.WriteLine(server, wire.Ack(1)))

	// a faster rate cuts the current one-second sleep short
	require.NoError(t, wire.WriteLine(server, "RATE = 0.05"))
	_, err = dec.Decode()
	require.NoError(t, err)
	assert.Less(t, time.Since(sent), 500*time.Millisecond)

	cancel()
	go io.Copy(io.Discard, server)
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}

func TestClientSlowerRateDelaysNextSample(t *testing.T) {
	server, device := net.Pipe()
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(ClientConfig{Interval: 150 * time.Millisecond})
	done := runClient(ctx, c, device)

	dec := wire.NewDecoder(server, 0)
	require.NoError(t, wire.WriteLine(server, "START"))
	_, err := dec.Decode()
	require.NoError(t, err)
	require.NoError(t, wire.WriteLine(server, wire.Ack(1)))
	require.NoError(t, wire.WriteLine(server, "RATE = 3600"))

	// no sample on the old 150ms schedule
	server.SetReadDeadline(time.Now().Add(400 * time.Millisecond))
	_, err = dec.Decode()
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
}
